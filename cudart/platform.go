//go:build !ios && !android && (amd64 || arm64) && (linux || darwin)

package cudart

import (
	"fmt"
	"runtime"

	guda "github.com/LynnColeArt/guda-utils"
)

var _ guda.Allocator = (*Runtime)(nil)

// libraryName returns the platform file name of a shared library. A version
// of 0 gives the unversioned name.
//
//	Linux:  libraryName("cudart", 12) -> "libcudart.so.12"
//	macOS:  libraryName("cudart", 12) -> "libcudart.12.dylib"
func libraryName(name string, version int) string {
	if runtime.GOOS == "darwin" {
		if version > 0 {
			return fmt.Sprintf("lib%s.%d.dylib", name, version)
		}
		return fmt.Sprintf("lib%s.dylib", name)
	}
	if version > 0 {
		return fmt.Sprintf("lib%s.so.%d", name, version)
	}
	return fmt.Sprintf("lib%s.so", name)
}
