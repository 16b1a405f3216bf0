package guda

import (
	"sync"
	"unsafe"
)

// Allocator is the set of raw memory primitives a Registry builds on.
//
// Malloc returns device memory. AllocMapped returns one allocation visible
// to both host and device together with the address each side uses; for
// zero-copy memory the two must be identical. Free releases Malloc memory
// and FreeHost releases AllocMapped memory.
type Allocator interface {
	Malloc(size int) (unsafe.Pointer, error)
	Free(ptr unsafe.Pointer) error
	AllocMapped(size int) (cpu, gpu unsafe.Pointer, err error)
	FreeHost(ptr unsafe.Pointer) error
}

// HostAddressable is implemented by allocators that report whether the
// host can dereference their Malloc memory. Allocators without it are
// treated as returning device-only memory. Mapped memory is always host
// addressable.
type HostAddressable interface {
	HostAddressable() bool
}

func mallocHostAddressable(a Allocator) bool {
	h, ok := a.(HostAddressable)
	return ok && h.HostAddressable()
}

// HostAllocator implements Allocator on the host CPU. Device memory comes
// from an aligned pool that recycles freed blocks through a free list;
// mapped memory comes from anonymous page mappings, so host and device
// share one address.
type HostAllocator struct {
	mu         sync.Mutex
	allocated  map[uintptr]*allocation
	freeList   []*allocation
	mapped     map[uintptr][]byte
	totalAlloc int64
	peakAlloc  int64
	mappedSize int64
}

type allocation struct {
	buf  []byte
	ptr  unsafe.Pointer
	size int
	used bool
}

// HostAllocatorStats is a snapshot of a HostAllocator's bookkeeping.
type HostAllocatorStats struct {
	DeviceBytes     int64 // bytes of pool memory currently handed out
	PeakDeviceBytes int64 // high-water mark of DeviceBytes
	PooledBlocks    int   // freed blocks kept for reuse
	MappedBytes     int64 // bytes of mapped memory currently handed out
	MappedCount     int   // number of live mapped allocations
}

// NewHostAllocator creates an empty host allocator.
func NewHostAllocator() *HostAllocator {
	return &HostAllocator{
		allocated: make(map[uintptr]*allocation),
		mapped:    make(map[uintptr][]byte),
	}
}

// HostAddressable reports true: the CPU backend's device memory is host
// memory.
func (ha *HostAllocator) HostAddressable() bool {
	return true
}

// Malloc allocates size bytes of pool memory aligned to MemoryAlignment.
func (ha *HostAllocator) Malloc(size int) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	ha.mu.Lock()
	defer ha.mu.Unlock()

	alignedSize := (size + MemoryAlignment - 1) &^ (MemoryAlignment - 1)
	if alignedSize < MinAllocationSize {
		alignedSize = MinAllocationSize
	}

	// Try to reuse from free list
	for i, alloc := range ha.freeList {
		if alloc.size >= alignedSize {
			ha.freeList = append(ha.freeList[:i], ha.freeList[i+1:]...)
			alloc.used = true
			ha.track(int64(alloc.size))
			return alloc.ptr, nil
		}
	}

	// Over-allocate so the start can be moved to an aligned address
	buf := make([]byte, alignedSize+MemoryAlignment)
	base := uintptr(unsafe.Pointer(&buf[0]))
	shift := int((MemoryAlignment - base%MemoryAlignment) % MemoryAlignment)
	ptr := unsafe.Pointer(&buf[shift])

	alloc := &allocation{
		buf:  buf,
		ptr:  ptr,
		size: alignedSize,
		used: true,
	}
	ha.allocated[uintptr(ptr)] = alloc
	ha.track(int64(alignedSize))

	return ptr, nil
}

func (ha *HostAllocator) track(n int64) {
	ha.totalAlloc += n
	if ha.totalAlloc > ha.peakAlloc {
		ha.peakAlloc = ha.totalAlloc
	}
}

// Free returns pool memory for reuse.
func (ha *HostAllocator) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	ha.mu.Lock()
	defer ha.mu.Unlock()

	alloc, ok := ha.allocated[uintptr(ptr)]
	if !ok {
		return NewMemoryError("Free", "pointer not found in allocation pool", nil)
	}
	if !alloc.used {
		return ErrDoubleFree
	}

	alloc.used = false
	ha.totalAlloc -= int64(alloc.size)
	if len(ha.freeList) < FreeListThreshold {
		ha.freeList = append(ha.freeList, alloc)
	} else {
		delete(ha.allocated, uintptr(ptr))
	}
	return nil
}

// AllocMapped maps size bytes of host pages. Both returned addresses are
// the same.
func (ha *HostAllocator) AllocMapped(size int) (unsafe.Pointer, unsafe.Pointer, error) {
	if size <= 0 {
		return nil, nil, ErrInvalidSize
	}

	buf, err := mapHostPages(size)
	if err != nil {
		return nil, nil, NewMemoryError("AllocMapped", "failed to map host pages", err)
	}
	ptr := unsafe.Pointer(&buf[0])

	ha.mu.Lock()
	ha.mapped[uintptr(ptr)] = buf
	ha.mappedSize += int64(len(buf))
	ha.mu.Unlock()

	return ptr, ptr, nil
}

// FreeHost unmaps memory returned by AllocMapped.
func (ha *HostAllocator) FreeHost(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	ha.mu.Lock()
	buf, ok := ha.mapped[uintptr(ptr)]
	if ok {
		delete(ha.mapped, uintptr(ptr))
		ha.mappedSize -= int64(len(buf))
	}
	ha.mu.Unlock()

	if !ok {
		return NewMemoryError("FreeHost", "pointer not found in mapped allocations", nil)
	}
	return unmapHostPages(buf)
}

// Stats returns a snapshot of the allocator's bookkeeping.
func (ha *HostAllocator) Stats() HostAllocatorStats {
	ha.mu.Lock()
	defer ha.mu.Unlock()
	return HostAllocatorStats{
		DeviceBytes:     ha.totalAlloc,
		PeakDeviceBytes: ha.peakAlloc,
		PooledBlocks:    len(ha.freeList),
		MappedBytes:     ha.mappedSize,
		MappedCount:     len(ha.mapped),
	}
}
