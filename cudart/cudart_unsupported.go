//go:build !(!ios && !android && (amd64 || arm64) && (linux || darwin))

// Package cudart binds the CUDA runtime library's memory primitives. On
// this platform purego cannot load it and every call reports ErrNotLoaded.
package cudart

import (
	"errors"
	"unsafe"

	guda "github.com/LynnColeArt/guda-utils"
)

// ErrNotLoaded is returned when the runtime library has not been loaded.
var ErrNotLoaded = errors.New("cudart: CUDA runtime not supported on this platform")

// ErrLibraryNotFound is returned when libcudart cannot be found.
var ErrLibraryNotFound = errors.New("cudart: CUDA runtime library not found")

var _ guda.Allocator = (*Runtime)(nil)

func Load() error { return ErrNotLoaded }
func IsLoaded() bool { return false }
func LibrarySearchPaths() []string { return nil }
func DeviceCount() (int, error) { return 0, ErrNotLoaded }

type Runtime struct{}

func NewRuntime() (*Runtime, error) {
	return nil, guda.NewDeviceError("cudart.Load", "CUDA runtime unavailable", ErrNotLoaded)
}

func (*Runtime) Malloc(int) (unsafe.Pointer, error) { return nil, ErrNotLoaded }
func (*Runtime) Free(unsafe.Pointer) error { return ErrNotLoaded }
func (*Runtime) AllocMapped(int) (unsafe.Pointer, unsafe.Pointer, error) { return nil, nil, ErrNotLoaded }
func (*Runtime) FreeHost(unsafe.Pointer) error { return ErrNotLoaded }
