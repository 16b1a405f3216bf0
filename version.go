package guda

import (
	"runtime/debug"
)

const modulePath = "github.com/LynnColeArt/guda-utils"

// Version reports the module version recorded in the running binary's build
// info, with a trailing "*" when the module was replaced. It returns "" when
// build info is unavailable or the module is the main module of a dev build.
func Version() string {
	b, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	if b.Main.Path == modulePath {
		if b.Main.Version == "(devel)" {
			return ""
		}
		return b.Main.Version
	}
	for _, m := range b.Deps {
		if m.Path != modulePath {
			continue
		}
		if m.Replace != nil {
			return m.Version + "*"
		}
		return m.Version
	}
	return ""
}
