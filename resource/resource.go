// Package resource defines the object-layer handles the command core
// records against: buffers, images with auxiliary compression
// metadata, sparse aggregates, and descriptor sets. Creation and
// destruction live in the object layer; the core only borrows these
// and tracks the buffer objects it must keep resident.
package resource

import (
	"sync"

	"github.com/gogpu/gdrv/winsys"
	"github.com/gogpu/gputypes"
)

// Buffer is an API-level buffer bound into command streams.
type Buffer struct {
	// BO is the backing buffer object.
	BO winsys.Buffer

	// Offset is the byte offset of the buffer within BO.
	Offset uint64

	// Size is the bound range in bytes.
	Size uint64

	// Usage carries the API usage bits the buffer was created with.
	Usage gputypes.BufferUsage
}

// Addr returns the GPU address of the buffer start.
func (b *Buffer) Addr() uint64 { return b.BO.Addr() + b.Offset }

// SparseBuffer is a sparse-binding aggregate. Physical pages are
// bound and rebound between recordings, so command buffers track the
// aggregate and expand it to its current backing only when the kernel
// residency list is built.
type SparseBuffer struct {
	mu    sync.Mutex
	Sized uint64
	bound []winsys.Buffer
}

// Bind replaces the physical backing of the aggregate.
func (s *SparseBuffer) Bind(bos []winsys.Buffer) {
	s.mu.Lock()
	s.bound = append(s.bound[:0], bos...)
	s.mu.Unlock()
}

// Bound returns the currently bound physical buffer objects.
// It implements cs.Virtual.
func (s *SparseBuffer) Bound() []winsys.Buffer {
	s.mu.Lock()
	out := make([]winsys.Buffer, len(s.bound))
	copy(out, s.bound)
	s.mu.Unlock()
	return out
}

// DescriptorSet is an opaque, GPU-addressable table of resource
// bindings. The set is owned by the application; command buffers keep
// only a borrowed reference plus the buffer objects that must stay
// resident while the set is in use.
type DescriptorSet struct {
	// Addr is the GPU-visible base address of the set.
	Addr uint64

	// BO backs the set storage itself.
	BO winsys.Buffer

	// Resident lists the buffer objects referenced by the set's
	// descriptors.
	Resident []winsys.Buffer

	// Stages are the shader stages that may read the set.
	Stages gputypes.ShaderStage

	// DynamicOffsets is the number of dynamic buffer descriptors in
	// the set, in binding order.
	DynamicOffsets int
}
