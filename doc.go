// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package guda is the memory and execution core of guda-utils.
//
// Memory is handed out through a Registry as ownership-tagged Handles.
// A Handle is either DeviceOnly or HostDeviceMapped (zero-copy: host and
// device use one address) and frees its memory exactly once, on Release or
// when the garbage collector finds the last reference gone. Handles created
// with Wrap can observe memory they do not own.
//
// The raw primitives behind a Registry are an Allocator. HostAllocator runs
// everything on the CPU; package cudart binds the CUDA runtime library.
//
// Kernels are launched over a grid of blocks with Context.LaunchFunc and
// run on the host's cores. Package font builds its overlay renderer on
// these pieces.
//
// Example usage:
//
//	ctx := guda.NewContext()
//	defer ctx.Destroy()
//
//	// Zero-copy memory for a 640x480 RGBA float image
//	img, err := ctx.Registry().AllocateMapped(guda.ImageBytes(640, 480))
//	if err != nil {
//		return err
//	}
//	defer img.Release()
//
//	grid := guda.Dim3{X: (n + 255) / 256, Y: 1, Z: 1}
//	block := guda.Dim3{X: 256, Y: 1, Z: 1}
//	ctx.LaunchFunc(myKernel, grid, block)
//	ctx.Synchronize()
package guda
