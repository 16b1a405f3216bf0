package guda

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Device represents a compute device. In GUDA, this is the CPU with its
// cores and available memory.
type Device struct {
	ID         int      // Unique device identifier
	Name       string   // Human-readable device name
	TotalMem   uint64   // Total available memory in bytes
	NumCores   int      // Number of CPU cores
	MaxThreads int      // Maximum concurrent threads
	Features   []string // SIMD extensions reported by the CPU
}

// Context represents an execution context for GUDA operations.
// It owns a stream set, a host allocator and the Registry built on it.
// A Context should be destroyed when no longer needed.
type Context struct {
	device        *Device
	mu            sync.Mutex
	streams       map[int]*Stream
	streamID      int32
	allocator     *HostAllocator
	registry      *Registry
	defaultStream *Stream
	destroyed     bool
}

// Stream represents an ordered sequence of operations. Operations within a
// stream execute in order; different streams may run concurrently.
type Stream struct {
	id    int
	tasks chan func()
	done  chan struct{}
	wg    sync.WaitGroup
}

// Dim3 represents 3D dimensions for grid and block configurations.
type Dim3 struct {
	X, Y, Z int
}

// ThreadID identifies a thread's position within the execution hierarchy,
// with the same meaning as CUDA's blockIdx, threadIdx, blockDim and gridDim.
type ThreadID struct {
	BlockIdx  Dim3 // Block index within the grid
	ThreadIdx Dim3 // Thread index within the block
	BlockDim  Dim3 // Dimensions of the block
	GridDim   Dim3 // Dimensions of the grid
}

// Kernel represents a compute kernel that can be executed in parallel.
// Execute is called concurrently from multiple goroutines.
type Kernel interface {
	Execute(tid ThreadID, args ...interface{})
}

// KernelFunc is a function that can be launched as a kernel.
type KernelFunc func(tid ThreadID, args ...interface{})

// Global runtime state
var (
	defaultDevice  *Device
	defaultContext *Context
	initOnce       sync.Once
)

func init() {
	initOnce.Do(func() {
		defaultDevice = &Device{
			ID:         0,
			Name:       "CPU",
			TotalMem:   getSystemMemory(),
			NumCores:   runtime.NumCPU(),
			MaxThreads: runtime.NumCPU() * 2,
			Features:   cpuFeatureList(),
		}
		defaultContext = newContext(defaultDevice)
	})
}

// NewContext creates an execution context on the default device with its
// own allocator, registry and default stream.
func NewContext() *Context {
	return newContext(defaultDevice)
}

func newContext(dev *Device) *Context {
	ctx := &Context{
		device:    dev,
		streams:   make(map[int]*Stream),
		allocator: NewHostAllocator(),
	}
	ctx.registry = NewRegistry(ctx.allocator)
	ctx.defaultStream = ctx.CreateStream()
	return ctx
}

// DefaultContext returns the process-wide context used by the package-level
// functions.
func DefaultContext() *Context {
	return defaultContext
}

// DefaultRegistry returns the registry of the default context.
func DefaultRegistry() *Registry {
	return defaultContext.registry
}

// AllocateDevice allocates device-only memory from the default registry.
//
// Example:
//
//	h, err := guda.AllocateDevice(1024 * 4)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer h.Release()
func AllocateDevice(size int) (*Handle, error) {
	return defaultContext.registry.AllocateDevice(size)
}

// AllocateMapped allocates zero-copy host/device memory from the default
// registry.
func AllocateMapped(size int) (*Handle, error) {
	return defaultContext.registry.AllocateMapped(size)
}

// Wrap registers an externally obtained device pointer with the default
// registry.
func Wrap(ptr unsafe.Pointer, size int, ownsRelease bool) (*Handle, error) {
	return defaultContext.registry.Wrap(ptr, size, ownsRelease)
}

// Memcpy copies memory between host and device on the default context.
func Memcpy(dst, src interface{}, size int, kind MemcpyKind) error {
	return defaultContext.Memcpy(dst, src, size, kind)
}

// Launch executes a kernel on the default stream.
//
// Example:
//
//	err := guda.Launch(kernel, guda.Dim3{X: 256, Y: 1, Z: 1}, guda.Dim3{X: 64, Y: 1, Z: 1})
func Launch(kernel Kernel, grid, block Dim3, args ...interface{}) error {
	return defaultContext.Launch(kernel, grid, block, args...)
}

// LaunchFunc executes a kernel function
func LaunchFunc(fn KernelFunc, grid, block Dim3, args ...interface{}) error {
	return defaultContext.LaunchFunc(fn, grid, block, args...)
}

// Synchronize waits for all operations on all streams to complete.
func Synchronize() error {
	return defaultContext.Synchronize()
}

// GetDevice returns the current device information.
// In GUDA, this always returns the CPU device.
func GetDevice() *Device {
	return defaultDevice
}

// SetDevice sets the active device. Only device 0 exists.
func SetDevice(id int) error {
	if id != 0 {
		return ErrInvalidDevice
	}
	return nil
}

// GetDeviceCount returns the number of available devices.
func GetDeviceCount() int {
	return 1
}

// GetDeviceProperties returns device properties
func GetDeviceProperties(id int) (*Device, error) {
	if id != 0 {
		return nil, NewInvalidArgError("GetDeviceProperties", fmt.Sprintf("invalid device ID: %d", id))
	}
	return defaultDevice, nil
}

// Context methods

// Device returns the device the context runs on.
func (ctx *Context) Device() *Device {
	return ctx.device
}

// Registry returns the context's memory handle registry.
func (ctx *Context) Registry() *Registry {
	return ctx.registry
}

// Allocator returns the raw allocator backing the context's registry.
func (ctx *Context) Allocator() *HostAllocator {
	return ctx.allocator
}

// CreateStream creates a new execution stream
func (ctx *Context) CreateStream() *Stream {
	id := int(atomic.AddInt32(&ctx.streamID, 1))
	stream := &Stream{
		id:    id,
		tasks: make(chan func(), StreamQueueDepth),
		done:  make(chan struct{}),
	}

	go stream.worker()

	ctx.mu.Lock()
	ctx.streams[id] = stream
	ctx.mu.Unlock()
	return stream
}

// Launch executes a kernel on the default stream
func (ctx *Context) Launch(kernel Kernel, grid, block Dim3, args ...interface{}) error {
	return ctx.LaunchStream(kernel, grid, block, ctx.defaultStream, args...)
}

// LaunchFunc executes a kernel function on the default stream
func (ctx *Context) LaunchFunc(fn KernelFunc, grid, block Dim3, args ...interface{}) error {
	return ctx.LaunchFuncStream(fn, grid, block, ctx.defaultStream, args...)
}

// LaunchStream executes a kernel on a specific stream
func (ctx *Context) LaunchStream(kernel Kernel, grid, block Dim3, stream *Stream, args ...interface{}) error {
	return ctx.launchInternal(kernel.Execute, grid, block, stream, args...)
}

// LaunchFuncStream executes a kernel function on a specific stream
func (ctx *Context) LaunchFuncStream(fn KernelFunc, grid, block Dim3, stream *Stream, args ...interface{}) error {
	return ctx.launchInternal(fn, grid, block, stream, args...)
}

// Synchronize waits for all streams to complete
func (ctx *Context) Synchronize() error {
	ctx.mu.Lock()
	streams := make([]*Stream, 0, len(ctx.streams))
	for _, s := range ctx.streams {
		streams = append(streams, s)
	}
	ctx.mu.Unlock()

	for _, stream := range streams {
		stream.Synchronize()
	}
	return nil
}

// Destroy waits for outstanding work and stops the context's stream
// workers. Launching on a destroyed context fails. Memory handles stay
// valid and must still be released by their owners.
func (ctx *Context) Destroy() {
	ctx.mu.Lock()
	if ctx.destroyed {
		ctx.mu.Unlock()
		return
	}
	ctx.destroyed = true
	streams := ctx.streams
	ctx.streams = make(map[int]*Stream)
	ctx.mu.Unlock()

	for _, s := range streams {
		s.Synchronize()
		close(s.tasks)
		<-s.done
	}
}

// Stream methods

// worker processes tasks for a stream
func (s *Stream) worker() {
	for task := range s.tasks {
		task()
		s.wg.Done()
	}
	close(s.done)
}

// Synchronize waits for all tasks in the stream to complete
func (s *Stream) Synchronize() {
	s.wg.Wait()
}

// Submit adds a task to the stream
func (s *Stream) Submit(task func()) {
	s.wg.Add(1)
	s.tasks <- task
}

// Helper functions

// Global returns the global thread index
func (tid ThreadID) Global() int {
	return tid.BlockIdx.X*tid.BlockDim.X + tid.ThreadIdx.X
}

// GlobalX returns the global X index
func (tid ThreadID) GlobalX() int {
	return tid.BlockIdx.X*tid.BlockDim.X + tid.ThreadIdx.X
}

// GlobalY returns the global Y index
func (tid ThreadID) GlobalY() int {
	return tid.BlockIdx.Y*tid.BlockDim.Y + tid.ThreadIdx.Y
}

// Size returns the total number of elements
func (d Dim3) Size() int {
	return d.X * d.Y * d.Z
}

// Execute implements Kernel for KernelFunc.
func (fn KernelFunc) Execute(tid ThreadID, args ...interface{}) {
	fn(tid, args...)
}
