package guda

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
	"weak"

	"github.com/LynnColeArt/guda-utils/internal/handles"
)

// OwnershipMode tells which release primitive a Handle uses.
type OwnershipMode int

const (
	// DeviceOnly memory is released with Allocator.Free.
	DeviceOnly OwnershipMode = iota
	// HostDeviceMapped memory is one zero-copy allocation addressed by host
	// and device through the same pointer, released with Allocator.FreeHost.
	HostDeviceMapped
)

func (m OwnershipMode) String() string {
	switch m {
	case DeviceOnly:
		return "device"
	case HostDeviceMapped:
		return "mapped"
	default:
		return fmt.Sprintf("OwnershipMode(%d)", int(m))
	}
}

// Registry hands out ownership-tagged Handles over raw allocations and
// keeps the set of live handles for lookup by id and leak accounting.
// A Registry is safe for concurrent use.
type Registry struct {
	alloc Allocator
	live  handles.Table[liveEntry]

	allocations atomic.Uint64
	releases    atomic.Uint64
	failedFrees atomic.Uint64
}

// liveEntry holds a weak reference so that registration alone does not
// keep a Handle from being finalized.
type liveEntry struct {
	handle weak.Pointer[Handle]
	size   int
	mode   OwnershipMode
}

// RegistryStats is a snapshot of a Registry's bookkeeping.
type RegistryStats struct {
	Live        int    // handles not yet released
	DeviceBytes int64  // bytes behind live DeviceOnly handles
	MappedBytes int64  // bytes behind live HostDeviceMapped handles
	Allocations uint64 // handles ever created
	Releases    uint64 // handles released
	FailedFrees uint64 // release primitives that reported an error
}

// NewRegistry creates a Registry over the given allocator.
func NewRegistry(a Allocator) *Registry {
	return &Registry{alloc: a}
}

// Allocator returns the raw allocator behind the registry.
func (r *Registry) Allocator() Allocator {
	return r.alloc
}

// AllocateDevice allocates size bytes of device memory and returns an
// owning handle. A size <= 0 fails with an invalid argument error wrapping
// ErrInvalidSize; allocator failures are memory errors wrapping the cause.
func (r *Registry) AllocateDevice(size int) (*Handle, error) {
	const op = "AllocateDevice"
	if size <= 0 {
		return nil, invalidSizeError(op)
	}

	ptr, err := r.alloc.Malloc(size)
	if err != nil {
		return nil, NewMemoryError(op, "device allocation failed", err)
	}
	if ptr == nil {
		return nil, NewMemoryError(op, "device allocation failed", ErrOutOfMemory)
	}

	Logger().Debug("allocated device memory", "ptr", ptr, "size", size)
	return r.newHandle(ptr, size, DeviceOnly, true), nil
}

// AllocateMapped allocates size bytes of zero-copy host/device memory.
// The allocator's host and device addresses must be equal; otherwise the
// allocation is freed at once and ErrPointerMismatch is returned wrapped in
// a memory error.
func (r *Registry) AllocateMapped(size int) (*Handle, error) {
	const op = "AllocateMapped"
	if size <= 0 {
		return nil, invalidSizeError(op)
	}

	cpu, gpu, err := r.alloc.AllocMapped(size)
	if err != nil {
		return nil, NewMemoryError(op, "mapped allocation failed", err)
	}
	if cpu == nil || gpu == nil {
		if cpu != nil {
			r.freeQuietly(op, cpu, HostDeviceMapped)
		}
		return nil, NewMemoryError(op, "allocator returned NULL memory pointers", ErrOutOfMemory)
	}

	h, err := r.registerMapped(op, cpu, gpu, size, true)
	if err != nil {
		return nil, err
	}
	Logger().Debug("allocated mapped memory", "ptr", cpu, "size", size)
	return h, nil
}

// Wrap registers an externally obtained device pointer without allocating.
// When ownsRelease is false the handle only observes the memory and its
// release never frees it. size may be 0 when the extent is unknown.
func (r *Registry) Wrap(ptr unsafe.Pointer, size int, ownsRelease bool) (*Handle, error) {
	const op = "Wrap"
	if ptr == nil {
		return nil, nullPointerError(op)
	}
	if size < 0 {
		return nil, invalidSizeError(op)
	}
	return r.newHandle(ptr, size, DeviceOnly, ownsRelease), nil
}

// WrapMapped registers an external mapped allocation given by its host and
// device addresses. Mismatched addresses fail; the memory is freed first
// when ownsRelease is set.
func (r *Registry) WrapMapped(cpu, gpu unsafe.Pointer, size int, ownsRelease bool) (*Handle, error) {
	const op = "WrapMapped"
	if cpu == nil || gpu == nil {
		return nil, nullPointerError(op)
	}
	if size < 0 {
		return nil, invalidSizeError(op)
	}
	return r.registerMapped(op, cpu, gpu, size, ownsRelease)
}

func (r *Registry) registerMapped(op string, cpu, gpu unsafe.Pointer, size int, owns bool) (*Handle, error) {
	if cpu != gpu {
		if owns {
			r.freeQuietly(op, cpu, HostDeviceMapped)
		}
		return nil, NewMemoryError(op, fmt.Sprintf("pointers don't match (cpu %p, gpu %p)", cpu, gpu), ErrPointerMismatch)
	}
	return r.newHandle(cpu, size, HostDeviceMapped, owns), nil
}

// Release releases h. It is the same as h.Release and tolerates nil.
func (r *Registry) Release(h *Handle) {
	h.Release()
}

// Lookup resolves a handle id to a view of its memory. It fails once the
// handle has been released.
func (r *Registry) Lookup(id uint64) (DevicePtr, bool) {
	e, ok := r.live.Lookup(id)
	if !ok {
		return DevicePtr{}, false
	}
	h := e.handle.Value()
	if h == nil {
		return DevicePtr{}, false
	}
	p := h.Ptr()
	return p, !p.IsNil()
}

// Outstanding returns the number of handles not yet released.
func (r *Registry) Outstanding() int {
	return r.live.Count()
}

// Stats returns a snapshot of the registry's bookkeeping.
func (r *Registry) Stats() RegistryStats {
	s := RegistryStats{
		Allocations: r.allocations.Load(),
		Releases:    r.releases.Load(),
		FailedFrees: r.failedFrees.Load(),
	}
	r.live.Range(func(_ uint64, e liveEntry) bool {
		s.Live++
		if e.mode == HostDeviceMapped {
			s.MappedBytes += int64(e.size)
		} else {
			s.DeviceBytes += int64(e.size)
		}
		return true
	})
	return s
}

func (r *Registry) newHandle(ptr unsafe.Pointer, size int, mode OwnershipMode, owns bool) *Handle {
	h := &Handle{
		reg:        r,
		ptr:        ptr,
		size:       size,
		mode:       mode,
		owns:       owns,
		deviceOnly: mode == DeviceOnly && !mallocHostAddressable(r.alloc),
	}
	h.id = r.live.Register(liveEntry{handle: weak.Make(h), size: size, mode: mode})
	r.allocations.Add(1)
	runtime.SetFinalizer(h, (*Handle).release)
	return h
}

// freeQuietly runs the release primitive for mode and logs a failure
// instead of returning it.
func (r *Registry) freeQuietly(op string, ptr unsafe.Pointer, mode OwnershipMode) {
	var err error
	if mode == HostDeviceMapped {
		err = r.alloc.FreeHost(ptr)
	} else {
		err = r.alloc.Free(ptr)
	}
	if err != nil {
		r.failedFrees.Add(1)
		Logger().Warn("failed to free memory", "op", op, "mode", mode.String(), "ptr", ptr, "err", err)
		return
	}
	Logger().Debug("freed memory", "op", op, "mode", mode.String(), "ptr", ptr)
}

func invalidSizeError(op string) error {
	return &GUDAError{
		Type:    ErrTypeInvalidArg,
		Op:      op,
		Message: "requested size is negative or zero",
		Err:     ErrInvalidSize,
	}
}

func nullPointerError(op string) error {
	return &GUDAError{
		Type:    ErrTypeInvalidArg,
		Op:      op,
		Message: "was provided NULL memory pointers",
		Err:     ErrNullPointer,
	}
}

// Handle owns (or observes) one registered allocation. The release
// primitive runs at most once: on Release, or from the finalizer when the
// last reference to the Handle is dropped without Release.
type Handle struct {
	reg *Registry
	id  uint64

	mu   sync.Mutex
	ptr  unsafe.Pointer
	size int
	mode OwnershipMode
	owns bool

	deviceOnly bool
}

// ID returns the opaque registry id of the handle.
func (h *Handle) ID() uint64 {
	return h.id
}

// Ptr returns a view of the memory, or the null DevicePtr after release.
// The view keeps h reachable.
func (h *Handle) Ptr() DevicePtr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ptr == nil {
		return DevicePtr{}
	}
	return DevicePtr{ptr: h.ptr, size: h.size, owner: h, deviceOnly: h.deviceOnly}
}

// Address returns the raw address, nil after release. For mapped memory
// this is both the host and the device address.
func (h *Handle) Address() unsafe.Pointer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ptr
}

// HostAddress returns the host-visible address of mapped memory, or nil
// for device-only memory.
func (h *Handle) HostAddress() unsafe.Pointer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mode != HostDeviceMapped {
		return nil
	}
	return h.ptr
}

// DeviceAddress returns the device-visible address.
func (h *Handle) DeviceAddress() unsafe.Pointer {
	return h.Address()
}

// Size returns the size in bytes (0 when wrapped with unknown extent).
func (h *Handle) Size() int {
	return h.size
}

// HostAccessible reports whether the host can address the memory directly.
func (h *Handle) HostAccessible() bool {
	return !h.deviceOnly
}

// Mode returns the ownership mode.
func (h *Handle) Mode() OwnershipMode {
	return h.mode
}

// OwnsRelease reports whether releasing the handle frees the memory.
func (h *Handle) OwnsRelease() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owns
}

// Released reports whether the handle has been released.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ptr == nil
}

// Disown waives the release obligation, turning h into an observer. The
// caller becomes responsible for freeing the memory through another owner.
func (h *Handle) Disown() {
	h.mu.Lock()
	h.owns = false
	h.mu.Unlock()
}

// Release releases the handle. The memory is freed only if the handle owns
// it. Calling Release again is a no-op. A failing free is logged and
// otherwise ignored; the handle still counts as released.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	runtime.SetFinalizer(h, nil)
	h.release()
}

func (h *Handle) release() {
	h.mu.Lock()
	ptr, owns := h.ptr, h.owns
	h.ptr = nil
	h.mu.Unlock()

	if ptr == nil {
		return
	}

	h.reg.live.Unregister(h.id)
	h.reg.releases.Add(1)
	if owns {
		h.reg.freeQuietly("Release", ptr, h.mode)
	}
}

func (h *Handle) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("Handle(%d, %s, %p, %d bytes, owns=%t)", h.id, h.mode, h.ptr, h.size, h.owns)
}
