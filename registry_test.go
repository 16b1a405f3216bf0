package guda

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"runtime"
	"sync"
	"testing"
	"time"
	"unsafe"
)

// fakeAllocator backs allocations with Go memory and records every call so
// tests can check exactly which primitives ran.
type fakeAllocator struct {
	mu sync.Mutex

	live      map[unsafe.Pointer][]byte
	mallocs   int
	frees     int
	hostFrees int

	mallocErr   error
	mappedNil   bool
	mismatch    bool
	freeErr     error
	freeHostErr error
	deviceOnly  bool // Malloc memory is not host addressable
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{live: make(map[unsafe.Pointer][]byte)}
}

func (f *fakeAllocator) grab(size int) unsafe.Pointer {
	buf := make([]byte, size)
	p := unsafe.Pointer(&buf[0])
	f.live[p] = buf
	return p
}

func (f *fakeAllocator) Malloc(size int) (unsafe.Pointer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mallocErr != nil {
		return nil, f.mallocErr
	}
	f.mallocs++
	return f.grab(size), nil
}

func (f *fakeAllocator) Free(ptr unsafe.Pointer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frees++
	if f.freeErr != nil {
		return f.freeErr
	}
	delete(f.live, ptr)
	return nil
}

func (f *fakeAllocator) AllocMapped(size int) (unsafe.Pointer, unsafe.Pointer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mallocs++
	cpu := f.grab(size)
	switch {
	case f.mappedNil:
		return cpu, nil, nil
	case f.mismatch:
		other := make([]byte, size)
		return cpu, unsafe.Pointer(&other[0]), nil
	}
	return cpu, cpu, nil
}

func (f *fakeAllocator) FreeHost(ptr unsafe.Pointer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hostFrees++
	if f.freeHostErr != nil {
		return f.freeHostErr
	}
	delete(f.live, ptr)
	return nil
}

func (f *fakeAllocator) HostAddressable() bool {
	return !f.deviceOnly
}

func (f *fakeAllocator) counts() (frees, hostFrees int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frees, f.hostFrees
}

func (f *fakeAllocator) outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func TestAllocateDeviceRoundTrip(t *testing.T) {
	for _, size := range []int{1, 64, 1000, 1 << 20} {
		fa := newFakeAllocator()
		reg := NewRegistry(fa)

		h, err := reg.AllocateDevice(size)
		if err != nil {
			t.Fatalf("AllocateDevice(%d): %v", size, err)
		}
		if h.Mode() != DeviceOnly || !h.OwnsRelease() {
			t.Errorf("handle = %v, want owning device handle", h)
		}
		if h.Size() != size {
			t.Errorf("Size() = %d, want %d", h.Size(), size)
		}

		h.Release()

		if n := fa.outstanding(); n != 0 {
			t.Errorf("size %d: %d device allocations outstanding after Release", size, n)
		}
		if reg.Outstanding() != 0 {
			t.Errorf("size %d: registry reports %d live handles", size, reg.Outstanding())
		}
	}
}

func TestAllocateMappedAddressesMatch(t *testing.T) {
	reg := NewRegistry(newFakeAllocator())

	h, err := reg.AllocateMapped(4096)
	if err != nil {
		t.Fatalf("AllocateMapped: %v", err)
	}
	defer h.Release()

	if h.Mode() != HostDeviceMapped {
		t.Errorf("Mode() = %v, want mapped", h.Mode())
	}
	if h.HostAddress() == nil || h.HostAddress() != h.DeviceAddress() {
		t.Errorf("host %p and device %p addresses differ", h.HostAddress(), h.DeviceAddress())
	}
}

func TestAllocateMappedMismatchFails(t *testing.T) {
	fa := newFakeAllocator()
	fa.mismatch = true
	reg := NewRegistry(fa)

	h, err := reg.AllocateMapped(256)
	if err == nil {
		h.Release()
		t.Fatal("AllocateMapped with mismatched pointers should fail")
	}
	if h != nil {
		t.Error("no handle may be returned on mismatch")
	}
	if !errors.Is(err, ErrPointerMismatch) || !IsMemoryError(err) {
		t.Errorf("err = %v, want memory error wrapping ErrPointerMismatch", err)
	}
	if fa.hostFrees != 1 {
		t.Errorf("FreeHost called %d times, want 1", fa.hostFrees)
	}
	if n := fa.outstanding(); n != 0 {
		t.Errorf("%d allocations leaked after mismatch", n)
	}
	if reg.Outstanding() != 0 {
		t.Errorf("registry reports %d live handles", reg.Outstanding())
	}
}

func TestAllocateMappedNullPointerFreesHalf(t *testing.T) {
	fa := newFakeAllocator()
	fa.mappedNil = true
	reg := NewRegistry(fa)

	if _, err := reg.AllocateMapped(128); err == nil {
		t.Fatal("AllocateMapped should fail when the device pointer is NULL")
	}
	if n := fa.outstanding(); n != 0 {
		t.Errorf("%d allocations leaked", n)
	}
}

func TestReleaseTwiceFreesOnce(t *testing.T) {
	fa := newFakeAllocator()
	reg := NewRegistry(fa)

	dev, _ := reg.AllocateDevice(64)
	dev.Release()
	dev.Release()
	reg.Release(dev)

	mapped, _ := reg.AllocateMapped(64)
	mapped.Release()
	mapped.Release()

	if fa.frees != 1 {
		t.Errorf("Free called %d times, want 1", fa.frees)
	}
	if fa.hostFrees != 1 {
		t.Errorf("FreeHost called %d times, want 1", fa.hostFrees)
	}
	if !dev.Released() || !dev.Ptr().IsNil() {
		t.Error("released handle should expose a nil pointer")
	}
}

func TestReleaseNilHandle(t *testing.T) {
	var h *Handle
	h.Release()
}

func TestConcurrentReleaseFreesOnce(t *testing.T) {
	fa := newFakeAllocator()
	reg := NewRegistry(fa)
	h, _ := reg.AllocateDevice(64)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Release()
		}()
	}
	wg.Wait()

	if fa.frees != 1 {
		t.Errorf("Free called %d times, want 1", fa.frees)
	}
}

func TestWrapNonOwningNeverFrees(t *testing.T) {
	fa := newFakeAllocator()
	reg := NewRegistry(fa)
	buf := make([]byte, 64)

	h, err := reg.Wrap(unsafe.Pointer(&buf[0]), len(buf), false)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if h.OwnsRelease() {
		t.Error("non-owning wrap reports OwnsRelease")
	}
	h.Release()

	if fa.frees != 0 || fa.hostFrees != 0 {
		t.Errorf("release primitives called (free=%d, freeHost=%d), want none", fa.frees, fa.hostFrees)
	}
}

func TestWrapSharedBufferSingleOwner(t *testing.T) {
	fa := newFakeAllocator()
	reg := NewRegistry(fa)

	owner, _ := reg.AllocateDevice(64)
	observer, err := reg.Wrap(owner.Address(), owner.Size(), false)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	observer.Release()
	if fa.frees != 0 {
		t.Fatal("observer release freed shared memory")
	}
	owner.Release()
	if fa.frees != 1 {
		t.Errorf("Free called %d times, want 1", fa.frees)
	}
}

func TestDisownTransfersObligation(t *testing.T) {
	fa := newFakeAllocator()
	reg := NewRegistry(fa)

	h, _ := reg.AllocateDevice(64)
	addr := h.Address()
	h.Disown()
	h.Release()
	if fa.frees != 0 {
		t.Fatal("disowned handle freed its memory")
	}

	heir, _ := reg.Wrap(addr, 64, true)
	heir.Release()
	if fa.frees != 1 {
		t.Errorf("Free called %d times, want 1", fa.frees)
	}
}

func TestWrapNullFails(t *testing.T) {
	reg := NewRegistry(newFakeAllocator())

	if _, err := reg.Wrap(nil, 0, true); !errors.Is(err, ErrNullPointer) || !IsInvalidArgError(err) {
		t.Errorf("Wrap(nil) err = %v, want invalid argument wrapping ErrNullPointer", err)
	}
	buf := make([]byte, 8)
	if _, err := reg.WrapMapped(unsafe.Pointer(&buf[0]), nil, 8, false); !errors.Is(err, ErrNullPointer) {
		t.Errorf("WrapMapped with NULL gpu pointer err = %v", err)
	}
}

func TestWrapMappedMismatchFreesOnlyWhenOwning(t *testing.T) {
	a := make([]byte, 16)
	b := make([]byte, 16)
	pa, pb := unsafe.Pointer(&a[0]), unsafe.Pointer(&b[0])

	fa := newFakeAllocator()
	reg := NewRegistry(fa)

	if _, err := reg.WrapMapped(pa, pb, 16, false); !errors.Is(err, ErrPointerMismatch) {
		t.Fatalf("err = %v, want ErrPointerMismatch", err)
	}
	if fa.hostFrees != 0 {
		t.Error("non-owning mismatch must not free")
	}

	if _, err := reg.WrapMapped(pa, pb, 16, true); !errors.Is(err, ErrPointerMismatch) {
		t.Fatalf("err = %v, want ErrPointerMismatch", err)
	}
	if fa.hostFrees != 1 {
		t.Errorf("FreeHost called %d times, want 1", fa.hostFrees)
	}
}

func TestInvalidSizeDistinctFromOutOfMemory(t *testing.T) {
	fa := newFakeAllocator()
	reg := NewRegistry(fa)

	for _, size := range []int{0, -1, -4096} {
		_, err := reg.AllocateDevice(size)
		if !IsInvalidArgError(err) || !errors.Is(err, ErrInvalidSize) {
			t.Errorf("AllocateDevice(%d) err = %v, want invalid size", size, err)
		}
		if errors.Is(err, ErrOutOfMemory) {
			t.Errorf("AllocateDevice(%d) reported out of memory", size)
		}
		_, err = reg.AllocateMapped(size)
		if !IsInvalidArgError(err) || !errors.Is(err, ErrInvalidSize) {
			t.Errorf("AllocateMapped(%d) err = %v, want invalid size", size, err)
		}
	}
	if fa.mallocs != 0 {
		t.Errorf("allocator called %d times for invalid sizes", fa.mallocs)
	}

	fa.mallocErr = ErrOutOfMemory
	_, err := reg.AllocateDevice(64)
	if !IsMemoryError(err) || !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("err = %v, want memory error wrapping ErrOutOfMemory", err)
	}
	if errors.Is(err, ErrInvalidSize) {
		t.Error("out of memory reported as invalid size")
	}
}

func TestReleaseFreeFailureIsLoggedAndSwallowed(t *testing.T) {
	orig := Logger()
	t.Cleanup(func() { SetLogger(orig) })
	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})))

	fa := newFakeAllocator()
	fa.freeErr = errors.New("device lost")
	reg := NewRegistry(fa)

	h, _ := reg.AllocateDevice(64)
	h.Release()

	if !h.Released() {
		t.Error("handle should count as released after a failed free")
	}
	if reg.Outstanding() != 0 {
		t.Error("failed free should still drop the handle from the registry")
	}
	if reg.Stats().FailedFrees != 1 {
		t.Errorf("FailedFrees = %d, want 1", reg.Stats().FailedFrees)
	}
	if !strings.Contains(buf.String(), "device lost") {
		t.Errorf("expected warning with cause, got %q", buf.String())
	}

	h.Release()
	if fa.frees != 1 {
		t.Errorf("Free called %d times, want 1", fa.frees)
	}
}

func TestLookupByID(t *testing.T) {
	reg := NewRegistry(newFakeAllocator())
	h, _ := reg.AllocateMapped(512)

	p, ok := reg.Lookup(h.ID())
	if !ok || p.Pointer() != h.Address() || p.Size() != 512 {
		t.Fatalf("Lookup = (%v, %v), want live view of %v", p, ok, h)
	}

	h.Release()
	if _, ok := reg.Lookup(h.ID()); ok {
		t.Error("Lookup should fail after Release")
	}
}

func TestRegistryStats(t *testing.T) {
	reg := NewRegistry(newFakeAllocator())
	d, _ := reg.AllocateDevice(100)
	m, _ := reg.AllocateMapped(300)

	s := reg.Stats()
	if s.Live != 2 || s.DeviceBytes != 100 || s.MappedBytes != 300 {
		t.Errorf("Stats = %+v", s)
	}

	d.Release()
	m.Release()
	s = reg.Stats()
	if s.Live != 0 || s.Allocations != 2 || s.Releases != 2 {
		t.Errorf("Stats after release = %+v", s)
	}
}

// waitFor runs the collector until cond holds or about a second passes.
func waitFor(cond func() bool) bool {
	for i := 0; i < 200; i++ {
		runtime.GC()
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// allocateAndDrop allocates one device and one mapped handle and lets
// both go out of scope without Release.
func allocateAndDrop(t *testing.T, reg *Registry) {
	t.Helper()
	if _, err := reg.AllocateDevice(256); err != nil {
		t.Fatalf("AllocateDevice: %v", err)
	}
	if _, err := reg.AllocateMapped(256); err != nil {
		t.Fatalf("AllocateMapped: %v", err)
	}
}

func TestFinalizerReleasesDroppedHandles(t *testing.T) {
	fa := newFakeAllocator()
	reg := NewRegistry(fa)

	allocateAndDrop(t, reg)

	released := waitFor(func() bool {
		return reg.Outstanding() == 0 && fa.outstanding() == 0
	})
	if !released {
		t.Fatalf("dropped handles not released: registry=%d allocator=%d", reg.Outstanding(), fa.outstanding())
	}
	if frees, hostFrees := fa.counts(); frees != 1 || hostFrees != 1 {
		t.Errorf("frees = %d, hostFrees = %d, want 1 each", frees, hostFrees)
	}
	if s := reg.Stats(); s.Releases != 2 {
		t.Errorf("Releases = %d, want 2", s.Releases)
	}
}

// mappedView returns a view of a fresh mapped handle and drops the handle.
func mappedView(t *testing.T, reg *Registry, size int) DevicePtr {
	t.Helper()
	h, err := reg.AllocateMapped(size)
	if err != nil {
		t.Fatalf("AllocateMapped: %v", err)
	}
	return h.Ptr()
}

func TestDevicePtrKeepsHandleAlive(t *testing.T) {
	alloc := NewHostAllocator()
	reg := NewRegistry(alloc)

	p := mappedView(t, reg, 1<<20)
	tail := p.Offset(1 << 19)
	for i := 0; i < 5; i++ {
		runtime.GC()
		time.Sleep(time.Millisecond)
	}
	if reg.Outstanding() != 1 || alloc.Stats().MappedCount != 1 {
		t.Fatalf("memory released while a view is live: registry=%d mapped=%d",
			reg.Outstanding(), alloc.Stats().MappedCount)
	}

	p.Float32()[0] = 1
	tail.Float32()[0] = 2
	if tail.Owner() != p.Owner() || p.Owner() == nil {
		t.Errorf("Offset lost the owner: %p vs %p", tail.Owner(), p.Owner())
	}
	got, ok := reg.Lookup(p.Owner().ID())
	if !ok || got.Float32()[0] != 1 {
		t.Errorf("Lookup = %v, %v; want the live buffer", got, ok)
	}
	runtime.KeepAlive(p)
	runtime.KeepAlive(tail)

	// The views are dead from here on.
	if !waitFor(func() bool { return reg.Outstanding() == 0 && alloc.Stats().MappedCount == 0 }) {
		t.Errorf("memory not released after the last view was dropped: registry=%d", reg.Outstanding())
	}
}

func TestDeviceOnlyMemoryIsNotHostAccessible(t *testing.T) {
	fa := newFakeAllocator()
	fa.deviceOnly = true
	reg := NewRegistry(fa)

	d, err := reg.AllocateDevice(64)
	if err != nil {
		t.Fatalf("AllocateDevice: %v", err)
	}
	defer d.Release()
	if d.HostAccessible() || d.Ptr().HostAccessible() {
		t.Error("device-only handle reports host access")
	}
	if d.Ptr().Float32() != nil || d.Ptr().Byte() != nil || d.Ptr().Offset(8).Byte() != nil {
		t.Error("device-only memory exposes host views")
	}

	buf := make([]byte, 64)
	ctx := DefaultContext()
	if err := ctx.Memcpy(d, buf, 64, MemcpyHostToDevice); !IsInvalidArgError(err) {
		t.Errorf("Memcpy to device-only handle err = %v, want invalid argument", err)
	}
	if err := ctx.Memcpy(buf, d.Ptr(), 64, MemcpyDeviceToHost); !IsInvalidArgError(err) {
		t.Errorf("Memcpy from device-only view err = %v, want invalid argument", err)
	}

	m, err := reg.AllocateMapped(64)
	if err != nil {
		t.Fatalf("AllocateMapped: %v", err)
	}
	defer m.Release()
	if !m.HostAccessible() || m.Ptr().Float32() == nil {
		t.Error("mapped memory should always be host accessible")
	}
}
