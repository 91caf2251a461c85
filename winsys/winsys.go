// Package winsys defines the kernel transport abstraction consumed by
// the gdrv core: buffer-object allocation, buffer-object listing, and
// command-stream submission, plus the syncobj primitives that order
// submissions against each other and against the CPU.
//
// Implementations register themselves with Register from an init
// function, mirroring how render backends register in gg.
package winsys

import (
	"time"

	"github.com/gogpu/gdrv/hw"
	"github.com/gogpu/gputypes"
)

// Domain selects the memory domain of a buffer object.
type Domain uint8

// Memory domains.
const (
	// DomainDevice is device-local memory, not CPU-mapped.
	DomainDevice Domain = iota

	// DomainUpload is CPU-mapped, GPU-visible write-combined memory.
	DomainUpload

	// DomainReadback is CPU-mapped, cached memory for GPU writes
	// read back on the CPU.
	DomainReadback
)

// Buffer is a kernel buffer object. The core treats the handle as the
// identity used for residency dedup; addresses are stable for the
// lifetime of the object.
type Buffer interface {
	// Handle returns the kernel handle. Handles are unique per
	// winsys instance and never reused while the object is alive.
	Handle() uint32

	// Addr returns the GPU virtual address of the buffer.
	Addr() uint64

	// Size returns the buffer size in bytes.
	Size() uint64

	// Map returns the CPU mapping of the buffer, or nil when the
	// buffer's domain is not CPU-visible.
	Map() []byte

	// Destroy releases the buffer object. The caller must guarantee
	// no in-flight submission still references it.
	Destroy()
}

// BufferDesc describes a buffer-object allocation.
type BufferDesc struct {
	// Size is the requested size in bytes.
	Size uint64

	// Align is the required address alignment; 0 means the winsys
	// default.
	Align uint64

	// Domain selects the memory domain.
	Domain Domain

	// Usage carries the API-level usage bits for allocators that
	// place buffers by usage class.
	Usage gputypes.BufferUsage

	// Label is a debug name attached to the kernel object.
	Label string
}

// SyncKind distinguishes kernel-native sync primitives from ones the
// winsys emulates in user space.
type SyncKind uint8

// Sync primitive kinds.
const (
	SyncNative SyncKind = iota
	SyncEmulated
)

// Syncobj is a kernel (or emulated) synchronization object. It backs
// both fences and semaphores at the submission boundary.
type Syncobj interface {
	// Kind reports whether the object is kernel-native.
	Kind() SyncKind

	// Signaled reports the current state without blocking.
	Signaled() bool

	// Wait blocks until the object signals or the timeout expires.
	// A negative timeout waits forever. It returns false when the
	// wait timed out.
	Wait(timeout time.Duration) bool

	// Reset returns the object to the unsignaled state.
	Reset()

	// Signal signals the object from the CPU. Used by emulated
	// fences and by tests.
	Signal()

	// Export returns an opaque handle for sharing, or an error when
	// the object cannot be exported.
	Export() (uint64, error)

	// Destroy releases the object.
	Destroy()
}

// SemInfo carries the wait and signal sets of one submission group.
type SemInfo struct {
	Wait   []Syncobj
	Signal []Syncobj
}

// SubmitRequest is one kernel submission.
type SubmitRequest struct {
	// QueueIndex selects the hardware queue.
	QueueIndex int

	// Streams are the indirect buffers to execute, in order. Each
	// entry is the backing buffer plus the word count to execute.
	Streams []StreamRef

	// InitialPreamble runs before the first stream of the first
	// submission in a group; ContinuePreamble before later ones.
	// Either may be nil.
	InitialPreamble  *StreamRef
	ContinuePreamble *StreamRef

	// Sem carries wait/signal semaphores for this submission.
	Sem SemInfo

	// BOList is the residency list: every buffer object the streams
	// reference must appear here.
	BOList []Buffer

	// Fence, when non-nil, is signaled once the submission retires.
	Fence Syncobj
}

// StreamRef locates an executable stream inside a buffer object.
type StreamRef struct {
	Buffer Buffer
	Words  int
}

// Winsys is the kernel transport used by a device.
type Winsys interface {
	// Info returns the hardware description the kernel reports.
	Info() hw.Info

	// BufferCreate allocates a buffer object.
	BufferCreate(desc BufferDesc) (Buffer, error)

	// SyncobjCreate creates a sync primitive, signaled or not.
	SyncobjCreate(signaled bool) (Syncobj, error)

	// SyncobjImport wraps a foreign handle previously produced by
	// Syncobj.Export.
	SyncobjImport(handle uint64) (Syncobj, error)

	// CanReferenceMemory reports whether submissions may execute
	// command-stream words in place. When false, callers must copy
	// stream contents into freshly allocated winsys buffers before
	// submitting.
	CanReferenceMemory() bool

	// Submit issues one kernel submission. It is synchronous with
	// respect to queuing, not execution.
	Submit(req *SubmitRequest) error

	// WaitIdle blocks until the given hardware queue drains.
	WaitIdle(queueIndex int) error

	// Destroy tears down the winsys.
	Destroy()
}
