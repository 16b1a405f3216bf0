//go:build !ios && !android && (amd64 || arm64) && (linux || darwin)

// Package cudart binds the CUDA runtime library's memory primitives with
// purego, without cgo, and exposes them as a guda.Allocator.
//
// Zero-copy memory is allocated with cudaHostAlloc(cudaHostAllocMapped) and
// its device address is queried with cudaHostGetDevicePointer. On unified
// addressing devices (every 64-bit Jetson and desktop GPU since Fermi) the
// two addresses are equal, which is what guda.Registry requires.
package cudart

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	guda "github.com/LynnColeArt/guda-utils"
)

// ErrNotLoaded is returned when the runtime library has not been loaded.
var ErrNotLoaded = errors.New("cudart: CUDA runtime not loaded; call cudart.Load() first")

// ErrLibraryNotFound is returned when libcudart cannot be found.
var ErrLibraryNotFound = errors.New("cudart: CUDA runtime library not found")

const (
	cudaSuccess            = 0
	cudaHostAllocMapped    = 0x02
	cudaDeviceMapHost      = 0x08
	cudaErrorMemoryAlloc   = 2
	cudaErrorSetOnActive   = 36
	defaultLibraryBaseName = "cudart"
)

var (
	libCudart uintptr
	loadOnce  sync.Once
	loadErr   error

	cudaMalloc               func(devPtr *unsafe.Pointer, size uintptr) int32
	cudaFree                 func(devPtr unsafe.Pointer) int32
	cudaHostAlloc            func(pHost *unsafe.Pointer, size uintptr, flags uint32) int32
	cudaHostGetDevicePointer func(pDevice *unsafe.Pointer, pHost unsafe.Pointer, flags uint32) int32
	cudaFreeHost             func(ptr unsafe.Pointer) int32
	cudaSetDeviceFlags       func(flags uint32) int32
	cudaGetDeviceCount       func(count *int32) int32
	cudaGetErrorString       func(code int32) string
)

// Load opens libcudart and registers the memory functions.
// It is safe to call multiple times; later calls return the first result.
func Load() error {
	loadOnce.Do(func() {
		loadErr = doLoad()
		if loadErr == nil {
			guda.Logger().Info("loaded CUDA runtime")
		}
	})
	return loadErr
}

// IsLoaded reports whether Load succeeded.
func IsLoaded() bool {
	return libCudart != 0 && loadErr == nil
}

func doLoad() error {
	lib, err := openLibrary(defaultLibraryBaseName, []int{12, 11, 10})
	if err != nil {
		return err
	}
	libCudart = lib

	purego.RegisterLibFunc(&cudaMalloc, lib, "cudaMalloc")
	purego.RegisterLibFunc(&cudaFree, lib, "cudaFree")
	purego.RegisterLibFunc(&cudaHostAlloc, lib, "cudaHostAlloc")
	purego.RegisterLibFunc(&cudaHostGetDevicePointer, lib, "cudaHostGetDevicePointer")
	purego.RegisterLibFunc(&cudaFreeHost, lib, "cudaFreeHost")
	purego.RegisterLibFunc(&cudaSetDeviceFlags, lib, "cudaSetDeviceFlags")
	purego.RegisterLibFunc(&cudaGetDeviceCount, lib, "cudaGetDeviceCount")
	purego.RegisterLibFunc(&cudaGetErrorString, lib, "cudaGetErrorString")

	// Mapped allocations need the map-host flag before the context exists.
	// If a context is already active the flag is fixed, which is fine.
	if rc := cudaSetDeviceFlags(cudaDeviceMapHost); rc != cudaSuccess && rc != cudaErrorSetOnActive {
		return fmt.Errorf("cudart: cudaSetDeviceFlags: %w", statusError(rc))
	}
	return nil
}

// openLibrary tries versioned then unversioned library names, first in the
// search paths and then through the dynamic loader's own lookup.
func openLibrary(name string, versions []int) (uintptr, error) {
	var candidates []string
	for _, dir := range LibrarySearchPaths() {
		for _, v := range versions {
			candidates = append(candidates, filepath.Join(dir, libraryName(name, v)))
		}
		candidates = append(candidates, filepath.Join(dir, libraryName(name, 0)))
	}
	for _, v := range versions {
		candidates = append(candidates, libraryName(name, v))
	}
	candidates = append(candidates, libraryName(name, 0))

	for _, path := range candidates {
		lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			guda.Logger().Debug("opened library", "path", path)
			return lib, nil
		}
	}
	return 0, fmt.Errorf("%w: lib%s", ErrLibraryNotFound, name)
}

// LibrarySearchPaths returns the directories searched for libcudart:
// $CUDA_PATH/lib64, LD_LIBRARY_PATH entries and the standard install
// locations.
func LibrarySearchPaths() []string {
	var paths []string
	if cudaPath := os.Getenv("CUDA_PATH"); cudaPath != "" {
		paths = append(paths, filepath.Join(cudaPath, "lib64"), filepath.Join(cudaPath, "lib"))
	}
	if ldPath := os.Getenv("LD_LIBRARY_PATH"); ldPath != "" {
		paths = append(paths, filepath.SplitList(ldPath)...)
	}
	return append(paths,
		"/usr/local/cuda/lib64",
		"/usr/local/cuda/targets/aarch64-linux/lib",
		"/usr/local/cuda/targets/x86_64-linux/lib",
		"/usr/lib/x86_64-linux-gnu",
		"/usr/lib/aarch64-linux-gnu",
		"/usr/local/lib",
		"/usr/lib",
	)
}

// DeviceCount returns the number of CUDA devices.
func DeviceCount() (int, error) {
	if !IsLoaded() {
		return 0, ErrNotLoaded
	}
	var n int32
	if rc := cudaGetDeviceCount(&n); rc != cudaSuccess {
		return 0, statusError(rc)
	}
	return int(n), nil
}

// Runtime implements guda.Allocator on the CUDA runtime.
type Runtime struct{}

// NewRuntime loads the library if needed and returns the allocator.
//
// Example:
//
//	rt, err := cudart.NewRuntime()
//	if err != nil {
//		return err
//	}
//	reg := guda.NewRegistry(rt)
func NewRuntime() (*Runtime, error) {
	if err := Load(); err != nil {
		return nil, guda.NewDeviceError("cudart.Load", "CUDA runtime unavailable", err)
	}
	return &Runtime{}, nil
}

// Malloc wraps cudaMalloc.
func (*Runtime) Malloc(size int) (unsafe.Pointer, error) {
	if !IsLoaded() {
		return nil, ErrNotLoaded
	}
	var p unsafe.Pointer
	if rc := cudaMalloc(&p, uintptr(size)); rc != cudaSuccess {
		return nil, statusError(rc)
	}
	return p, nil
}

// Free wraps cudaFree.
func (*Runtime) Free(ptr unsafe.Pointer) error {
	if !IsLoaded() {
		return ErrNotLoaded
	}
	if rc := cudaFree(ptr); rc != cudaSuccess {
		return statusError(rc)
	}
	return nil
}

// AllocMapped allocates page-locked host memory mapped into the device
// address space and returns its host and device addresses.
func (*Runtime) AllocMapped(size int) (unsafe.Pointer, unsafe.Pointer, error) {
	if !IsLoaded() {
		return nil, nil, ErrNotLoaded
	}
	var cpu unsafe.Pointer
	if rc := cudaHostAlloc(&cpu, uintptr(size), cudaHostAllocMapped); rc != cudaSuccess {
		return nil, nil, statusError(rc)
	}
	var gpu unsafe.Pointer
	if rc := cudaHostGetDevicePointer(&gpu, cpu, 0); rc != cudaSuccess {
		cudaFreeHost(cpu)
		return nil, nil, statusError(rc)
	}
	return cpu, gpu, nil
}

// FreeHost wraps cudaFreeHost.
func (*Runtime) FreeHost(ptr unsafe.Pointer) error {
	if !IsLoaded() {
		return ErrNotLoaded
	}
	if rc := cudaFreeHost(ptr); rc != cudaSuccess {
		return statusError(rc)
	}
	return nil
}

// statusError converts a cudaError_t to a Go error. Allocation failures
// wrap guda.ErrOutOfMemory.
func statusError(rc int32) error {
	msg := fmt.Sprintf("cuda error %d", rc)
	if cudaGetErrorString != nil {
		msg = fmt.Sprintf("%s (%d)", cudaGetErrorString(rc), rc)
	}
	if rc == cudaErrorMemoryAlloc {
		return fmt.Errorf("cudart: %s: %w", msg, guda.ErrOutOfMemory)
	}
	return fmt.Errorf("cudart: %s", msg)
}
