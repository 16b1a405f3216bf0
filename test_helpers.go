package guda

import (
	"testing"
)

// AllocateDeviceOrFail allocates device memory and fails the test if unsuccessful
func AllocateDeviceOrFail(t testing.TB, reg *Registry, size int) *Handle {
	t.Helper()
	h, err := reg.AllocateDevice(size)
	if err != nil {
		t.Fatalf("Failed to allocate %d bytes: %v", size, err)
	}
	return h
}

// AllocateMappedOrFail allocates mapped memory and fails the test if unsuccessful
func AllocateMappedOrFail(t testing.TB, reg *Registry, size int) *Handle {
	t.Helper()
	h, err := reg.AllocateMapped(size)
	if err != nil {
		t.Fatalf("Failed to allocate %d mapped bytes: %v", size, err)
	}
	return h
}

// LaunchOrFail launches a kernel on ctx and fails the test if unsuccessful
func LaunchOrFail(t testing.TB, ctx *Context, kernel KernelFunc, grid, block Dim3, args ...interface{}) {
	t.Helper()
	if err := ctx.LaunchFunc(kernel, grid, block, args...); err != nil {
		t.Fatalf("Kernel launch failed: %v", err)
	}
}

// SynchronizeOrFail synchronizes ctx and fails the test if unsuccessful
func SynchronizeOrFail(t testing.TB, ctx *Context) {
	t.Helper()
	if err := ctx.Synchronize(); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
}
