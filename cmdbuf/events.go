package cmdbuf

import (
	"fmt"

	"github.com/gogpu/gdrv/hw"
	"github.com/gogpu/gdrv/resource"
	"github.com/gogpu/gdrv/winsys"
)

// Event values written and waited on by OpEventWrite/OpWaitMem.
const (
	eventUnset = uint32(0)
	eventSet   = uint32(1)
)

// Event is a GPU-memory split barrier token.
type Event struct {
	// BO holds the one-word event payload.
	BO winsys.Buffer
}

// SetEvent signals an event once the source-side work drains. The
// source flush emits first so the signal write orders after the
// flushed data.
func (cb *CommandBuffer) SetEvent(e *Event, srcStage Stage, srcAccess Access) {
	if cb.state != StateRecording || cb.broken() {
		return
	}
	src := stageFlush(srcStage)
	if srcAccess&accessWrites != 0 {
		src |= cb.srcAccessFlush(srcAccess, nil)
	}
	cb.emitFlush(src)
	cb.table.Add(e.BO)
	lo, hi := hw.Addr(e.BO.Addr())
	cb.stream.Append(hw.Header(hw.OpEventWrite, 3), lo, hi, eventSet)
}

// ResetEvent returns an event to the unsignaled state.
func (cb *CommandBuffer) ResetEvent(e *Event) {
	if cb.state != StateRecording || cb.broken() {
		return
	}
	cb.table.Add(e.BO)
	lo, hi := hw.Addr(e.BO.Addr())
	cb.stream.Append(hw.Header(hw.OpEventWrite, 3), lo, hi, eventUnset)
}

// WaitEvent stalls stream parsing until the event signals, then
// queues the destination-side invalidates.
func (cb *CommandBuffer) WaitEvent(e *Event, dstAccess Access) {
	if cb.state != StateRecording || cb.broken() {
		return
	}
	cb.table.Add(e.BO)
	lo, hi := hw.Addr(e.BO.Addr())
	cb.stream.Append(hw.Header(hw.OpWaitMem, 3), lo, hi, eventSet)
	cb.pendingFlush |= cb.dstAccessFlush(dstAccess, nil)
}

// BeginConditionalRendering predicates subsequent draws on the word
// at buf+offset being nonzero. Inverted flips the test.
func (cb *CommandBuffer) BeginConditionalRendering(buf *resource.Buffer, offset uint64, inverted bool) error {
	if cb.state != StateRecording {
		return ErrNotRecording
	}
	if cb.predicated {
		return fmt.Errorf("cmdbuf: conditional rendering already active: %w", winsys.ErrInval)
	}
	cb.table.Add(buf.BO)
	enable := uint32(1)
	if inverted {
		enable = 2
	}
	lo, hi := hw.Addr(buf.Addr() + offset)
	cb.stream.Append(hw.Header(hw.OpPredicate, 3), lo, hi, enable)
	cb.predicated = true
	return nil
}

// EndConditionalRendering clears the draw predicate.
func (cb *CommandBuffer) EndConditionalRendering() error {
	if cb.state != StateRecording {
		return ErrNotRecording
	}
	if !cb.predicated {
		return fmt.Errorf("cmdbuf: conditional rendering not active: %w", winsys.ErrInval)
	}
	cb.stream.Append(hw.Header(hw.OpPredicate, 3), 0, 0, 0)
	cb.predicated = false
	return nil
}

// BeginQuery opens an occlusion query accumulating into the slot at
// pool+offset.
func (cb *CommandBuffer) BeginQuery(pool *resource.Buffer, offset uint64) {
	if cb.state != StateRecording || cb.broken() {
		return
	}
	cb.table.Add(pool.BO)
	lo, hi := hw.Addr(pool.Addr() + offset)
	cb.stream.Append(hw.Header(hw.OpQueryBegin, 2), lo, hi)
	cb.pendingFlush |= hw.FlushStartQuery
}

// EndQuery closes the query slot at pool+offset. The result write
// orders after outstanding fragment work.
func (cb *CommandBuffer) EndQuery(pool *resource.Buffer, offset uint64) {
	if cb.state != StateRecording || cb.broken() {
		return
	}
	cb.table.Add(pool.BO)
	lo, hi := hw.Addr(pool.Addr() + offset)
	cb.stream.Append(hw.Header(hw.OpQueryEnd, 2), lo, hi)
	cb.pendingFlush |= hw.FlushStopQuery
}

// BindStreamoutBuffer binds a transform feedback target.
func (cb *CommandBuffer) BindStreamoutBuffer(slot int, buf *resource.Buffer) error {
	if cb.state != StateRecording {
		return ErrNotRecording
	}
	if slot < 0 || slot >= hw.MaxStreamoutBuffers {
		return fmt.Errorf("%w: streamout slot %d", ErrLimit, slot)
	}
	cb.streamout[slot] = buf
	if buf != nil {
		cb.table.Add(buf.BO)
		cb.streamoutMask |= 1 << slot
	} else {
		cb.streamoutMask &^= 1 << slot
	}
	cb.dirty |= dirtyStreamout
	return nil
}

// BeginStreamout enables transform feedback. Counter buffers, when
// present per slot, reload the write positions captured by a prior
// EndStreamout; absent counters start the slot at zero.
func (cb *CommandBuffer) BeginStreamout(counters []*resource.Buffer) {
	if cb.state != StateRecording || cb.broken() {
		return
	}
	for slot := 0; slot < hw.MaxStreamoutBuffers; slot++ {
		if cb.streamoutMask&(1<<slot) == 0 {
			continue
		}
		if slot < len(counters) && counters[slot] != nil {
			c := counters[slot]
			cb.table.Add(c.BO)
			lo, hi := hw.Addr(c.Addr())
			cb.stream.Append(hw.Header(hw.OpStreamoutCounter, 4),
				uint32(slot), lo, hi, 0)
		}
	}
	cb.stream.Append(hw.Header(hw.OpSetReg, 2),
		uint32(hw.RegStreamoutEnable), cb.streamoutMask)
	cb.dirty &^= dirtyStreamout
}

// EndStreamout disables transform feedback, saving write positions
// into the given counter buffers. Streamout writes drain before the
// counters store.
func (cb *CommandBuffer) EndStreamout(counters []*resource.Buffer) {
	if cb.state != StateRecording || cb.broken() {
		return
	}
	cb.emitFlush(hw.FlushStallVS)
	for slot := 0; slot < hw.MaxStreamoutBuffers; slot++ {
		if cb.streamoutMask&(1<<slot) == 0 {
			continue
		}
		if slot < len(counters) && counters[slot] != nil {
			c := counters[slot]
			cb.table.Add(c.BO)
			lo, hi := hw.Addr(c.Addr())
			cb.stream.Append(hw.Header(hw.OpStreamoutCounter, 4),
				uint32(slot), lo, hi, 1)
		}
	}
	cb.stream.Append(hw.Header(hw.OpSetReg, 2), uint32(hw.RegStreamoutEnable), 0)
}
