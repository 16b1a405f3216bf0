package guda

import (
	"fmt"
	"testing"
)

// Benchmark memory bandwidth between registry buffers
func BenchmarkMemoryBandwidth(b *testing.B) {
	sizes := []int{
		1 << 10, // 1KB
		1 << 15, // 32KB
		1 << 18, // 256KB
		1 << 23, // 8MB
		1 << 26, // 64MB
	}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("Copy_%s", formatBytes(size)), func(b *testing.B) {
			src := AllocateMappedOrFail(b, DefaultRegistry(), size)
			dst := AllocateDeviceOrFail(b, DefaultRegistry(), size)
			defer src.Release()
			defer dst.Release()

			b.SetBytes(int64(size * 2)) // Read + Write
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				Memcpy(dst, src, size, MemcpyDeviceToDevice)
			}
		})
	}
}

// Benchmark allocate/release round trips through the pool and mmap paths
func BenchmarkRegistryAllocate(b *testing.B) {
	for _, size := range []int{256, 1 << 16, 1 << 20} {
		b.Run(fmt.Sprintf("Device_%s", formatBytes(size)), func(b *testing.B) {
			reg := NewRegistry(NewHostAllocator())
			for i := 0; i < b.N; i++ {
				h, err := reg.AllocateDevice(size)
				if err != nil {
					b.Fatal(err)
				}
				h.Release()
			}
		})
		b.Run(fmt.Sprintf("Mapped_%s", formatBytes(size)), func(b *testing.B) {
			reg := NewRegistry(NewHostAllocator())
			for i := 0; i < b.N; i++ {
				h, err := reg.AllocateMapped(size)
				if err != nil {
					b.Fatal(err)
				}
				h.Release()
			}
		})
	}
}

// Benchmark kernel launch overhead
func BenchmarkKernelLaunchOverhead(b *testing.B) {
	// Empty kernel to measure pure launch overhead
	kernel := KernelFunc(func(tid ThreadID, args ...interface{}) {})

	gridSizes := []int{1, 10, 100, 1000}

	for _, gridSize := range gridSizes {
		b.Run(fmt.Sprintf("Grid_%d", gridSize), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				Launch(kernel, Dim3{X: gridSize, Y: 1, Z: 1}, Dim3{X: DefaultBlockSize, Y: 1, Z: 1})
				Synchronize()
			}

			b.ReportMetric(float64(b.N)/b.Elapsed().Seconds(), "launches/sec")
		})
	}
}

// Benchmark 2D launches over an image, the shape used for text overlay
func BenchmarkImageKernel(b *testing.B) {
	const w, h = 1920, 1080
	img := AllocateMappedOrFail(b, DefaultRegistry(), ImageBytes(w, h))
	defer img.Release()
	px := img.Ptr().Float32()

	kernel := KernelFunc(func(tid ThreadID, args ...interface{}) {
		x, y := tid.GlobalX(), tid.GlobalY()
		if x < w && y < h {
			i := (y*w + x) * PixelChannels
			px[i] = 0.5*px[i] + 127.5
		}
	})

	b.SetBytes(int64(w * h * PixelStride))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		LaunchFunc(kernel, Dim3{X: (w + 15) / 16, Y: (h + 15) / 16, Z: 1}, Dim3{X: 16, Y: 16, Z: 1})
		Synchronize()
	}
	b.ReportMetric(float64(w*h)*float64(b.N)/b.Elapsed().Seconds()/1e6, "Mpixels/sec")
}

// Helper to format bytes
func formatBytes(bytes int) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%d%cB", bytes/int(div), "KMGTPE"[exp])
}
