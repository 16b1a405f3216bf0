package guda

import (
	"golang.org/x/sys/unix"
)

// physicalMemory returns total RAM as reported by sysinfo(2).
func physicalMemory() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return uint64(info.Totalram) * uint64(info.Unit)
}
