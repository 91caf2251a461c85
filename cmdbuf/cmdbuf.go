// Package cmdbuf implements the command-buffer recording core: the
// per-buffer state machine, dirty state tracking, descriptor and
// resource binding, barrier accumulation, and draw/dispatch packet
// emission into a command stream.
//
// A CommandBuffer is not safe for concurrent use with itself;
// distinct command buffers record concurrently without shared mutable
// state.
package cmdbuf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gdrv/cs"
	"github.com/gogpu/gdrv/hw"
	"github.com/gogpu/gdrv/pipeline"
	"github.com/gogpu/gdrv/resource"
	"github.com/gogpu/gdrv/winsys"
)

// Command buffer errors.
var (
	// ErrNotRecording is returned when recording operations run on a
	// buffer outside the Recording state.
	ErrNotRecording = errors.New("cmdbuf: not in recording state")

	// ErrAlreadyRecording is returned by Begin on a recording buffer.
	ErrAlreadyRecording = errors.New("cmdbuf: already recording")

	// ErrRecordFailed is the sticky out-of-memory result surfaced at
	// End after any allocation failure during recording.
	ErrRecordFailed = errors.New("cmdbuf: recording failed")

	// ErrNoPipeline is returned when a draw or dispatch runs with no
	// pipeline bound at the required bind point.
	ErrNoPipeline = errors.New("cmdbuf: no pipeline bound")

	// ErrLimit is returned when a bind exceeds a fixed-size limit.
	ErrLimit = errors.New("cmdbuf: fixed-size limit exceeded")
)

// State is the lifecycle state of a command buffer.
type State uint8

// Lifecycle states.
const (
	StateInitial State = iota
	StateRecording
	StateExecutable
	StatePending
)

var stateNames = [...]string{
	StateInitial:    "Initial",
	StateRecording:  "Recording",
	StateExecutable: "Executable",
	StatePending:    "Pending",
}

// String returns the string representation of a State.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// Dirty bits beyond the dynamic state fields. They share the
// pipeline.StateBits type so one mask covers the whole delta.
const (
	dirtyGraphicsPipeline pipeline.StateBits = 1 << (16 + iota)
	dirtyComputePipeline
	dirtyIndexBuffer
	dirtyVertexBuffers
	dirtyStreamout
)

// unknownReg is the "last emitted" sentinel forcing re-emission.
const unknownReg = int64(-1)

// Options configures a command buffer.
type Options struct {
	// Info is the device description.
	Info hw.Info

	// Stream configures the primary stream. The zero value selects
	// chain mode when the device supports it, flat otherwise.
	Stream cs.Config

	// Secondary marks a secondary command buffer: it never submits
	// directly and inherits state when executed from a primary.
	Secondary bool
}

// CommandBuffer records commands into a command stream.
type CommandBuffer struct {
	ws   winsys.Winsys
	info hw.Info

	stream *cs.Stream
	upload *uploadArena
	table  cs.ResourceTable

	state     State
	err       error // sticky recording failure
	secondary bool

	// Live dynamic state and its dirty delta.
	dynamic pipeline.DynamicState
	dirty   pipeline.StateBits

	// Accumulated cache-flush work realized before the next draw,
	// dispatch, or submit boundary.
	pendingFlush hw.FlushBits

	graphics *pipeline.Graphics
	compute  *pipeline.Compute

	desc [pipeline.BindPoints]descriptorState

	vertex      [hw.MaxVertexBuffers]*resource.Buffer
	vertexCount int

	index struct {
		buf   *resource.Buffer
		typ   IndexType
		count int
	}

	streamout     [hw.MaxStreamoutBuffers]*resource.Buffer
	streamoutMask uint32

	// Last-emitted per-draw scalars; unknownReg forces re-emission.
	lastPrimType      int64
	lastRestart       int64
	lastVertexOffset  int64
	lastFirstInstance int64
	lastInstanceCount int64
	lastIndexType     int64

	// Conditional rendering predicate.
	predicated bool

	// Active render pass, nil outside passes.
	pass *RenderPass

	// Peak scratch requirements across every pipeline bound, read by
	// the submission coordinator for preamble sizing.
	scratchGraphics int
	scratchCompute  int
}

// IndexType selects the index element width.
type IndexType uint8

// Index types.
const (
	IndexUint16 IndexType = iota
	IndexUint32
)

// New creates a command buffer. A stream allocation failure does not
// fail creation: it marks the buffer failed so the error surfaces at
// End, honoring the call-sequencing contract.
func New(ws winsys.Winsys, opts Options) *CommandBuffer {
	cfg := opts.Stream
	if opts.Secondary {
		// Secondary streams inline into their primary by word copy;
		// flat mode keeps them free of chain packets.
		cfg.Mode = cs.ModeFlat
		cfg.MaxFlatWords = opts.Info.MaxFlatWords
	} else if cfg == (cs.Config{}) {
		if opts.Info.Caps.Has(hw.CapIBChain) {
			cfg.Mode = cs.ModeChain
		} else {
			cfg.Mode = cs.ModeFlat
			cfg.MaxFlatWords = opts.Info.MaxFlatWords
		}
	}
	cb := &CommandBuffer{
		ws:        ws,
		info:      opts.Info,
		stream:    cs.New(ws, cfg),
		upload:    newUploadArena(ws),
		secondary: opts.Secondary,
	}
	cb.resetTracking()
	return cb
}

// recordFail records a sticky allocation failure. Recording continues
// without crashing; dependent operations are skipped and the failure
// surfaces at End.
func (cb *CommandBuffer) recordFail(err error) {
	if cb.err == nil {
		cb.err = err
	}
}

// broken reports whether recording should skip dependent work.
func (cb *CommandBuffer) broken() bool {
	return cb.err != nil || cb.stream.Failed()
}

// resetTracking returns every cached "last emitted" scalar to the
// unknown sentinel.
func (cb *CommandBuffer) resetTracking() {
	cb.lastPrimType = unknownReg
	cb.lastRestart = unknownReg
	cb.lastVertexOffset = unknownReg
	cb.lastFirstInstance = unknownReg
	cb.lastInstanceCount = unknownReg
	cb.lastIndexType = unknownReg
}

// State returns the lifecycle state.
func (cb *CommandBuffer) State() State { return cb.state }

// Secondary reports whether this is a secondary command buffer.
func (cb *CommandBuffer) Secondary() bool { return cb.secondary }

// Stream exposes the primary stream to the submission coordinator.
func (cb *CommandBuffer) Stream() *cs.Stream { return cb.stream }

// Table exposes the residency table to the submission coordinator.
func (cb *CommandBuffer) Table() *cs.ResourceTable { return &cb.table }

// ScratchNeeded returns the peak scratch requirements recorded.
func (cb *CommandBuffer) ScratchNeeded() (graphics, compute int) {
	return cb.scratchGraphics, cb.scratchCompute
}

// Begin prepares the command buffer for recording. A buffer in the
// Executable state is implicitly reset first.
func (cb *CommandBuffer) Begin() error {
	switch cb.state {
	case StateRecording:
		return ErrAlreadyRecording
	case StateExecutable:
		cb.Reset()
	case StatePending:
		return fmt.Errorf("cmdbuf: begin while pending: %w", winsys.ErrBusy)
	}
	cb.state = StateRecording
	return nil
}

// End finalizes the stream and transitions to Executable. Any sticky
// recording failure surfaces here and the buffer must not be
// submitted.
func (cb *CommandBuffer) End() error {
	if cb.state != StateRecording {
		return ErrNotRecording
	}
	if cb.pass != nil {
		return fmt.Errorf("cmdbuf: end inside render pass: %w", winsys.ErrInval)
	}
	// Realize any deferred flushes so the stream is self-contained.
	cb.emitPendingFlush()

	if cb.err != nil {
		cb.state = StateInitial
		return fmt.Errorf("%w: %w", ErrRecordFailed, cb.err)
	}
	if !cb.stream.Finalize() {
		cb.state = StateInitial
		return fmt.Errorf("%w: %w", ErrRecordFailed, cs.ErrStreamFailed)
	}
	cb.state = StateExecutable
	return nil
}

// Reset returns the buffer to the Initial state, releasing transient
// per-recording allocations while reusing the backing stream where
// possible.
func (cb *CommandBuffer) Reset() {
	cb.stream.Reset()
	cb.upload.reset()
	cb.table.Reset()
	cb.dynamic = pipeline.DynamicState{}
	cb.dirty = 0
	cb.pendingFlush = 0
	cb.graphics = nil
	cb.compute = nil
	for i := range cb.desc {
		cb.desc[i].reset()
	}
	cb.vertex = [hw.MaxVertexBuffers]*resource.Buffer{}
	cb.vertexCount = 0
	cb.index.buf = nil
	cb.streamout = [hw.MaxStreamoutBuffers]*resource.Buffer{}
	cb.streamoutMask = 0
	cb.predicated = false
	cb.pass = nil
	cb.scratchGraphics = 0
	cb.scratchCompute = 0
	cb.err = nil
	cb.resetTracking()
	cb.state = StateInitial
}

// Destroy releases all owned allocations.
func (cb *CommandBuffer) Destroy() {
	cb.stream.Destroy()
	cb.upload.destroy()
	cb.state = StateInitial
}

// MarkPending transitions an executable buffer to Pending at submit
// time; RetireToExecutable returns it once the submission retires.
func (cb *CommandBuffer) MarkPending() { cb.state = StatePending }

// RetireToExecutable returns a pending buffer to Executable.
func (cb *CommandBuffer) RetireToExecutable() { cb.state = StateExecutable }

// BindPipeline binds a pipeline at its bind point. Re-binding the
// same pipeline object short-circuits: no state is dirtied.
func (cb *CommandBuffer) BindPipeline(p pipeline.Pipeline) {
	if cb.state != StateRecording || cb.broken() {
		return
	}
	switch pl := p.(type) {
	case *pipeline.Graphics:
		if cb.graphics == pl {
			return
		}
		cb.graphics = pl
		cb.bindGraphicsState(pl)
	case *pipeline.Compute:
		if cb.compute == pl {
			return
		}
		cb.compute = pl
		cb.dirty |= dirtyComputePipeline
		if pl.ScratchBytes > cb.scratchCompute {
			cb.scratchCompute = pl.ScratchBytes
		}
	}
}

// bindGraphicsState applies a graphics pipeline switch: copy baked
// defaults for every field the pipeline fixes, dirty the full set,
// queue shader prefetch, and invalidate the per-draw register cache
// so instancing/index registers are re-emitted once.
func (cb *CommandBuffer) bindGraphicsState(pl *pipeline.Graphics) {
	cb.dirty |= dirtyGraphicsPipeline

	// Counts come only from pipeline creation; copy unconditionally.
	cb.dynamic.ViewportCount = pl.Defaults.ViewportCount
	cb.dynamic.ScissorCount = pl.Defaults.ScissorCount
	cb.dynamic.DiscardRectCount = pl.Defaults.DiscardRectCount

	fixed := pipeline.StateAllDynamic &^ pl.Dynamic
	cb.copyDynamic(&pl.Defaults, fixed)
	cb.dirty |= pipeline.StateAllDynamic

	for _, v := range pl.Shaders {
		cb.prefetchShader(v)
	}
	cb.resetTracking()

	if pl.ScratchBytes > cb.scratchGraphics {
		cb.scratchGraphics = pl.ScratchBytes
	}
}

// prefetchShader queues an instruction-cache prefetch for a shader
// binary and keeps it resident.
func (cb *CommandBuffer) prefetchShader(v *pipeline.ShaderVariant) {
	if v == nil || v.BO == nil {
		return
	}
	cb.table.Add(v.BO)
	lo, hi := hw.Addr(v.BO.Addr())
	cb.stream.Append(hw.Header(hw.OpPrefetch, 3), lo, hi, uint32(v.PrefetchWords()))
}

// BindVertexBuffers binds vertex buffers starting at first.
func (cb *CommandBuffer) BindVertexBuffers(first int, bufs []*resource.Buffer) error {
	if cb.state != StateRecording {
		return ErrNotRecording
	}
	if first < 0 || first+len(bufs) > hw.MaxVertexBuffers {
		return fmt.Errorf("%w: vertex buffers %d..%d", ErrLimit, first, first+len(bufs))
	}
	for i, b := range bufs {
		cb.vertex[first+i] = b
		if b != nil {
			cb.table.Add(b.BO)
		}
	}
	if first+len(bufs) > cb.vertexCount {
		cb.vertexCount = first + len(bufs)
	}
	cb.dirty |= dirtyVertexBuffers
	return nil
}

// BindIndexBuffer binds the index buffer.
func (cb *CommandBuffer) BindIndexBuffer(buf *resource.Buffer, typ IndexType, count int) {
	if cb.state != StateRecording {
		return
	}
	cb.index.buf = buf
	cb.index.typ = typ
	cb.index.count = count
	if buf != nil {
		cb.table.Add(buf.BO)
	}
	cb.dirty |= dirtyIndexBuffer
}

// TrackSparse records a sparse aggregate for residency expansion at
// submit time.
func (cb *CommandBuffer) TrackSparse(s *resource.SparseBuffer) {
	if s != nil {
		cb.table.AddVirtual(s)
	}
}

// ExecuteCommands inlines finished secondary command buffers. State
// owned by the secondaries leaks back only as unknowns: the per-draw
// register cache resets so the next primary draw re-emits them.
func (cb *CommandBuffer) ExecuteCommands(secondaries []*CommandBuffer) error {
	if cb.state != StateRecording {
		return ErrNotRecording
	}
	for _, sec := range secondaries {
		if !sec.secondary || sec.state != StateExecutable {
			return fmt.Errorf("cmdbuf: execute of non-executable secondary: %w", winsys.ErrInval)
		}
		segs, err := sec.stream.Segments()
		if err != nil {
			return fmt.Errorf("cmdbuf: execute secondary: %w", err)
		}
		for _, seg := range segs {
			cb.stream.Append(seg.Words...)
		}
		cb.table.Merge(&sec.table)
		if sec.scratchGraphics > cb.scratchGraphics {
			cb.scratchGraphics = sec.scratchGraphics
		}
		if sec.scratchCompute > cb.scratchCompute {
			cb.scratchCompute = sec.scratchCompute
		}
	}
	// Inherited state is unknown after the secondaries ran.
	cb.resetTracking()
	cb.dirty |= pipeline.StateAllDynamic
	return nil
}

// String returns a short diagnostic description.
func (cb *CommandBuffer) String() string {
	return fmt.Sprintf("CommandBuffer[%s, %d words, err=%v]",
		cb.state, cb.stream.Len(), cb.err)
}

// Pool reuses command buffers across reset cycles to avoid
// reallocation. Pool is safe for concurrent use.
type Pool struct {
	mu   sync.Mutex
	ws   winsys.Winsys
	opts Options
	free []*CommandBuffer
}

// NewPool creates a pool producing command buffers with the given
// options.
func NewPool(ws winsys.Winsys, opts Options) *Pool {
	return &Pool{ws: ws, opts: opts}
}

// Get returns a reset command buffer, reusing a pooled one when
// available.
func (p *Pool) Get() *CommandBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		cb := p.free[n-1]
		p.free = p.free[:n-1]
		return cb
	}
	return New(p.ws, p.opts)
}

// Put resets a command buffer and returns it to the pool.
func (p *Pool) Put(cb *CommandBuffer) {
	if cb == nil {
		return
	}
	cb.Reset()
	p.mu.Lock()
	p.free = append(p.free, cb)
	p.mu.Unlock()
}

// Destroy destroys every pooled command buffer.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cb := range p.free {
		cb.Destroy()
	}
	p.free = nil
}
