package guda

import (
	"errors"
	"testing"
	"unsafe"
)

func TestHostAllocatorAlignment(t *testing.T) {
	ha := NewHostAllocator()
	for _, size := range []int{1, 63, 64, 65, 1000} {
		p, err := ha.Malloc(size)
		if err != nil {
			t.Fatalf("Malloc(%d): %v", size, err)
		}
		if uintptr(p)%MemoryAlignment != 0 {
			t.Errorf("Malloc(%d) = %p, not %d-byte aligned", size, p, MemoryAlignment)
		}
		if err := ha.Free(p); err != nil {
			t.Errorf("Free: %v", err)
		}
	}
}

func TestHostAllocatorPoolReuse(t *testing.T) {
	ha := NewHostAllocator()

	p1, _ := ha.Malloc(1024)
	if err := ha.Free(p1); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if ha.Stats().PooledBlocks != 1 {
		t.Fatalf("PooledBlocks = %d, want 1", ha.Stats().PooledBlocks)
	}

	p2, _ := ha.Malloc(512)
	if p2 != p1 {
		t.Errorf("smaller allocation should reuse the pooled block")
	}
	ha.Free(p2)

	s := ha.Stats()
	if s.DeviceBytes != 0 {
		t.Errorf("DeviceBytes = %d after frees, want 0", s.DeviceBytes)
	}
	if s.PeakDeviceBytes != 1024 {
		t.Errorf("PeakDeviceBytes = %d, want 1024", s.PeakDeviceBytes)
	}
}

func TestHostAllocatorDoubleFree(t *testing.T) {
	ha := NewHostAllocator()
	p, _ := ha.Malloc(64)
	ha.Free(p)

	if err := ha.Free(p); !errors.Is(err, ErrDoubleFree) {
		t.Errorf("second Free err = %v, want ErrDoubleFree", err)
	}

	var x int
	if err := ha.Free(unsafe.Pointer(&x)); !IsMemoryError(err) {
		t.Errorf("Free of foreign pointer err = %v, want memory error", err)
	}
}

func TestHostAllocatorMapped(t *testing.T) {
	ha := NewHostAllocator()

	cpu, gpu, err := ha.AllocMapped(8192)
	if err != nil {
		t.Fatalf("AllocMapped: %v", err)
	}
	if cpu != gpu {
		t.Fatalf("cpu %p != gpu %p", cpu, gpu)
	}

	view := unsafe.Slice((*byte)(cpu), 8192)
	for i := range view {
		view[i] = byte(i)
	}
	if view[8191] != byte(8191%256) {
		t.Error("mapped memory is not writable")
	}

	s := ha.Stats()
	if s.MappedCount != 1 || s.MappedBytes != 8192 {
		t.Errorf("Stats = %+v", s)
	}

	if err := ha.FreeHost(cpu); err != nil {
		t.Fatalf("FreeHost: %v", err)
	}
	if err := ha.FreeHost(cpu); !IsMemoryError(err) {
		t.Errorf("second FreeHost err = %v, want memory error", err)
	}
	if ha.Stats().MappedCount != 0 {
		t.Error("mapped allocation still tracked after FreeHost")
	}
}

func TestHostAllocatorInvalidSize(t *testing.T) {
	ha := NewHostAllocator()
	if _, err := ha.Malloc(0); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Malloc(0) err = %v", err)
	}
	if _, _, err := ha.AllocMapped(-1); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("AllocMapped(-1) err = %v", err)
	}
}

func TestRegistryOverHostAllocator(t *testing.T) {
	ctx := NewContext()
	defer ctx.Destroy()
	reg := ctx.Registry()

	d := AllocateDeviceOrFail(t, reg, 4096)
	m := AllocateMappedOrFail(t, reg, 4096)

	data := m.Ptr().Float32()
	if len(data) != 1024 {
		t.Fatalf("mapped view has %d floats, want 1024", len(data))
	}
	data[1023] = 1.5

	d.Release()
	m.Release()

	s := ctx.Allocator().Stats()
	if s.DeviceBytes != 0 || s.MappedCount != 0 {
		t.Errorf("allocator stats after release = %+v, want no outstanding memory", s)
	}
}
