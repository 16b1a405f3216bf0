package guda

import (
	"runtime"
	"sync"
)

// launchInternal implements the core kernel execution logic
func (ctx *Context) launchInternal(
	kernelFunc func(ThreadID, ...interface{}),
	grid, block Dim3,
	stream *Stream,
	args ...interface{},
) error {
	if stream == nil {
		return NewInvalidArgError("Launch", "nil stream")
	}
	if grid.X < 0 || grid.Y < 0 || grid.Z < 0 || block.X < 0 || block.Y < 0 || block.Z < 0 {
		return NewInvalidArgError("Launch", "negative grid or block dimension")
	}
	if block.Size() > MaxThreadsPerBlock*MaxThreadsPerBlock {
		return NewInvalidArgError("Launch", "block too large")
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.destroyed {
		return NewExecutionError("Launch", "context destroyed", nil)
	}

	gridSize := grid.Size()
	blockSize := block.Size()

	// Keep stream ordering even for empty launches
	if gridSize == 0 {
		stream.Submit(func() {})
		return nil
	}

	numWorkers := runtime.NumCPU()
	if gridSize < numWorkers {
		numWorkers = gridSize
	}

	// Each worker takes a contiguous run of blocks
	blocksPerWorker := (gridSize + numWorkers - 1) / numWorkers

	Logger().Debug("kernel launch", "grid", grid, "block", block, "workers", numWorkers)

	stream.Submit(func() {
		var wg sync.WaitGroup
		wg.Add(numWorkers)

		for workerID := 0; workerID < numWorkers; workerID++ {
			startBlock := workerID * blocksPerWorker
			endBlock := startBlock + blocksPerWorker
			if endBlock > gridSize {
				endBlock = gridSize
			}

			go func() {
				defer wg.Done()

				for blockID := startBlock; blockID < endBlock; blockID++ {
					blockIdx := linearTo3D(blockID, grid)

					// Threads of one block run sequentially on the worker
					for threadID := 0; threadID < blockSize; threadID++ {
						tid := ThreadID{
							BlockIdx:  blockIdx,
							ThreadIdx: linearTo3D(threadID, block),
							BlockDim:  block,
							GridDim:   grid,
						}
						kernelFunc(tid, args...)
					}
				}
			}()
		}

		wg.Wait()
	})

	return nil
}

// linearTo3D converts a linear index to 3D coordinates
func linearTo3D(linear int, dim Dim3) Dim3 {
	z := linear / (dim.X * dim.Y)
	y := (linear % (dim.X * dim.Y)) / dim.X
	x := linear % dim.X
	return Dim3{X: x, Y: y, Z: z}
}

// ForEach applies fn to each float32 of data in parallel on the default
// context and waits for completion.
func ForEach(data DevicePtr, fn func(idx int, val *float32)) error {
	slice := data.Float32()
	size := len(slice)
	grid := Dim3{X: (size + DefaultBlockSize - 1) / DefaultBlockSize, Y: 1, Z: 1}
	block := Dim3{X: DefaultBlockSize, Y: 1, Z: 1}

	kernel := KernelFunc(func(tid ThreadID, args ...interface{}) {
		idx := tid.Global()
		if idx < size {
			fn(idx, &slice[idx])
		}
	})

	if err := Launch(kernel, grid, block); err != nil {
		return err
	}
	return Synchronize()
}

// LaunchFuncWait launches fn on the default stream and blocks until it has
// run. Unlike Synchronize it only waits for work queued up to this launch.
func (ctx *Context) LaunchFuncWait(fn KernelFunc, grid, block Dim3, args ...interface{}) error {
	if err := ctx.launchInternal(fn, grid, block, ctx.defaultStream, args...); err != nil {
		return err
	}
	done, err := ctx.fence(ctx.defaultStream)
	if err != nil {
		return err
	}
	<-done
	return nil
}

// fence queues a marker on stream and returns a channel closed once every
// task queued before it has finished.
func (ctx *Context) fence(stream *Stream) (<-chan struct{}, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.destroyed {
		return nil, NewExecutionError("Fence", "context destroyed", nil)
	}
	ch := make(chan struct{})
	stream.Submit(func() { close(ch) })
	return ch, nil
}
