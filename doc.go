// Package gdrv provides the user-mode command recording and
// submission core of a GPU driver.
//
// # Overview
//
// gdrv records API-level rendering and compute work into hardware
// command streams and hands finished streams to a window-system layer
// (winsys) for kernel submission. It is organized around a small
// number of cooperating pieces:
//
//   - Command buffers ([cmdbuf.CommandBuffer]) record draws,
//     dispatches, barriers and state changes into growable packet
//     streams, tracking dirty state so only deltas hit the stream.
//   - Pipelines ([pipeline.Graphics], [pipeline.Compute]) carry baked
//     register writes, shader variants and the set of states left
//     dynamic.
//   - The device ([Device]) owns the winsys connection, the pipeline
//     cache and the submission queues.
//   - Queues ([Queue]) batch executable command buffers under the
//     kernel's indirect-buffer limits, size scratch from recorded
//     peaks, and prepend cached preamble streams.
//
// # Quick Start
//
//	import "github.com/gogpu/gdrv"
//
//	dev, err := gdrv.Open(gdrv.Config{})
//	if err != nil {
//	    // no winsys available
//	}
//	defer dev.Close()
//
//	cb := dev.NewCommandBuffer()
//	cb.Begin()
//	cb.BindPipeline(pso)
//	cb.Draw(3, 1, 0, 0)
//	cb.End()
//
//	fence, _ := dev.NewFence(false)
//	dev.Queue(0).Submit([]*cmdbuf.CommandBuffer{cb}, nil, nil, fence)
//	fence.Wait(-1)
//
// # Hardware Model
//
// All generation-dependent behavior keys off capability bits
// ([hw.Caps]) reported by the winsys; nothing above package hw
// switches on a generation value. The same recorded stream is valid
// for any device reporting the capabilities it was recorded against.
//
// # Concurrency
//
// Distinct command buffers record concurrently without shared state.
// Device and Queue methods are safe for concurrent use.
package gdrv

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)
