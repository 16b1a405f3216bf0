package guda

import (
	"fmt"
	"runtime"
	"unsafe"
)

// MemcpyKind specifies the direction of memory transfer.
// With zero-copy mapped memory every direction is a plain copy; the kinds
// are kept for CUDA compatibility.
type MemcpyKind int

const (
	MemcpyHostToHost     MemcpyKind = iota // Host to host transfer
	MemcpyHostToDevice                     // Host to device transfer
	MemcpyDeviceToHost                     // Device to host transfer
	MemcpyDeviceToDevice                   // Device to device transfer
	MemcpyDefault                          // Default transfer (infer direction)
)

// DevicePtr is a sized view of device-addressable memory. It does not own
// the memory, but a view taken from a Handle keeps that Handle reachable,
// so the memory is not finalized while the view is in use. The zero value
// is the null pointer.
//
// The typed views (Float32, Byte) are only available when the memory is
// addressable by the host: every allocation of the CPU backend, and mapped
// allocations of any backend. They stay valid while the DevicePtr or its
// Handle is reachable.
type DevicePtr struct {
	ptr        unsafe.Pointer
	size       int
	offset     int
	owner      *Handle
	deviceOnly bool
}

// NewDevicePtr builds a host-addressable view over size bytes at ptr. A
// size of 0 means the extent is unknown; typed views are then empty.
func NewDevicePtr(ptr unsafe.Pointer, size int) DevicePtr {
	if size < 0 {
		size = 0
	}
	return DevicePtr{ptr: ptr, size: size}
}

// Pointer returns the raw address.
func (d DevicePtr) Pointer() unsafe.Pointer {
	return d.ptr
}

// IsNil reports whether d is the null pointer.
func (d DevicePtr) IsNil() bool {
	return d.ptr == nil
}

// HostAccessible reports whether the host may read and write the memory
// directly.
func (d DevicePtr) HostAccessible() bool {
	return !d.deviceOnly
}

// Owner returns the Handle the view was taken from, or nil.
func (d DevicePtr) Owner() *Handle {
	return d.owner
}

// Size returns the size in bytes of the memory region
func (d DevicePtr) Size() int {
	return d.size
}

// Float32 returns a float32 slice view of the memory. Trailing bytes that
// do not fill a whole float32 are not part of the view.
//
// Example:
//
//	h, _ := guda.AllocateMapped(1024 * 4)
//	data := h.Ptr().Float32()
//	data[0] = 3.14
func (d DevicePtr) Float32() []float32 {
	if d.ptr == nil || d.size < 4 || d.deviceOnly {
		return nil
	}
	return unsafe.Slice((*float32)(d.ptr), d.size/4)
}

// Byte returns a byte slice view of the whole memory region.
func (d DevicePtr) Byte() []byte {
	if d.ptr == nil || d.size == 0 || d.deviceOnly {
		return nil
	}
	return unsafe.Slice((*byte)(d.ptr), d.size)
}

// Offset returns a new DevicePtr offset by the given number of bytes.
// The returned DevicePtr shares the same underlying memory.
func (d DevicePtr) Offset(bytes int) DevicePtr {
	size := d.size - bytes
	if size < 0 {
		size = 0
	}
	return DevicePtr{
		ptr:        unsafe.Add(d.ptr, bytes),
		size:       size,
		offset:     d.offset + bytes,
		owner:      d.owner,
		deviceOnly: d.deviceOnly,
	}
}

// String formats the pointer for logs.
func (d DevicePtr) String() string {
	return fmt.Sprintf("%p[%d]", d.ptr, d.size)
}

// Memcpy copies size bytes between host and device memory.
// dst and src may each be a DevicePtr, *Handle, unsafe.Pointer, []byte or
// []float32.
//
// Example:
//
//	pixels := make([]float32, w*h*4)
//	ctx.Memcpy(img, pixels, len(pixels)*4, guda.MemcpyHostToDevice)
func (ctx *Context) Memcpy(dst, src interface{}, size int, kind MemcpyKind) error {
	if size < 0 {
		return NewInvalidArgError("Memcpy", "negative size")
	}

	dstPtr, dstLen, err := memcpyOperand("dst", dst)
	if err != nil {
		return err
	}
	srcPtr, srcLen, err := memcpyOperand("src", src)
	if err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	if dstPtr == nil || srcPtr == nil {
		return ErrNullPointer
	}
	if (dstLen > 0 && size > dstLen) || (srcLen > 0 && size > srcLen) {
		return NewInvalidArgError("Memcpy", fmt.Sprintf("copy of %d bytes exceeds buffer", size))
	}

	copy(unsafe.Slice((*byte)(dstPtr), size), unsafe.Slice((*byte)(srcPtr), size))
	runtime.KeepAlive(dst)
	runtime.KeepAlive(src)
	return nil
}

// memcpyOperand resolves a Memcpy argument to an address and a known
// length (0 when unknown).
func memcpyOperand(name string, v interface{}) (unsafe.Pointer, int, error) {
	switch x := v.(type) {
	case DevicePtr:
		if x.deviceOnly {
			return nil, 0, notHostAccessible("Memcpy", name)
		}
		return x.ptr, x.size, nil
	case *Handle:
		p := x.Ptr()
		if p.deviceOnly {
			return nil, 0, notHostAccessible("Memcpy", name)
		}
		return p.ptr, p.size, nil
	case unsafe.Pointer:
		return x, 0, nil
	case []byte:
		if len(x) == 0 {
			return nil, 0, nil
		}
		return unsafe.Pointer(&x[0]), len(x), nil
	case []float32:
		if len(x) == 0 {
			return nil, 0, nil
		}
		return unsafe.Pointer(&x[0]), len(x) * 4, nil
	default:
		return nil, 0, NewInvalidArgError("Memcpy", fmt.Sprintf("unsupported %s type: %T", name, v))
	}
}

func notHostAccessible(op, what string) error {
	return NewInvalidArgError(op, what+" is device-only memory the host cannot address")
}
