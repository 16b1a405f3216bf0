//go:build unix

package guda

import (
	"golang.org/x/sys/unix"
)

// mapHostPages returns size bytes of anonymous, page-aligned memory that
// lives outside the Go heap until unmapped.
func mapHostPages(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapHostPages(buf []byte) error {
	return unix.Munmap(buf)
}
