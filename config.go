// Package guda configuration constants
package guda

import "math"

// Memory pool parameters
const (
	// Memory alignment for allocations (cache line size)
	MemoryAlignment = 64

	// Minimum allocation size to prevent fragmentation
	MinAllocationSize = 64

	// Free list size above which released blocks are dropped instead of kept
	FreeListThreshold = 100
)

// Thread and block dimensions
const (
	// Default block size for kernels
	DefaultBlockSize = 256

	// Maximum threads per block (CUDA compatibility)
	MaxThreadsPerBlock = 1024

	// Queue depth of a stream's task channel
	StreamQueueDepth = 1000
)

// Image buffer layout
const (
	// Channels per pixel in overlay buffers (RGBA)
	PixelChannels = 4

	// Bytes per pixel: four float32 channels
	PixelStride = PixelChannels * 4
)

// ImageBytes returns the buffer size in bytes for a width x height image of
// 4-channel float pixels. Callers with untrusted dimensions use ImageSize.
func ImageBytes(width, height int) int {
	return width * height * PixelStride
}

// ImageSize is ImageBytes with validation: it reports false when either
// dimension is not positive or the size does not fit in an int.
func ImageSize(width, height int) (int, bool) {
	if width <= 0 || height <= 0 || width > math.MaxInt/PixelStride/height {
		return 0, false
	}
	return width * height * PixelStride, true
}
