package guda

import (
	"golang.org/x/sys/cpu"
)

// cpuFeatureList reports the SIMD extensions of the host CPU for
// Device.Features.
func cpuFeatureList() []string {
	var features []string
	add := func(ok bool, name string) {
		if ok {
			features = append(features, name)
		}
	}

	add(cpu.X86.HasSSE41 || cpu.X86.HasSSE42, "SSE4")
	add(cpu.X86.HasAVX, "AVX")
	add(cpu.X86.HasAVX2, "AVX2")
	add(cpu.X86.HasFMA, "FMA")
	add(cpu.X86.HasAVX512F, "AVX512F")
	add(cpu.ARM64.HasASIMD, "NEON")
	add(cpu.ARM64.HasFPHP, "FP16")

	return features
}

// getSystemMemory returns total system memory in bytes
func getSystemMemory() uint64 {
	if n := physicalMemory(); n > 0 {
		return n
	}
	return 16 * 1024 * 1024 * 1024
}
