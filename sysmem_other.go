//go:build !linux

package guda

func physicalMemory() uint64 {
	return 0
}
