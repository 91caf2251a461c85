// Package cs implements the command stream buffer consumed by the GPU
// command processor and the residency tracking table attached to it.
//
// A Stream is a growable sequence of 32-bit packet words. Depending on
// hardware capability it grows either by chaining additional backing
// buffers (the command processor follows OpChain packets) or by
// reallocating a flat system-memory buffer, archiving full segments
// that then submit separately.
package cs

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gogpu/gdrv/hw"
	"github.com/gogpu/gdrv/winsys"
)

// Stream errors.
var (
	// ErrStreamFailed is returned by End-time checks when a stream
	// ran out of memory during recording. The stream suppresses all
	// content after the failure point.
	ErrStreamFailed = errors.New("cs: stream allocation failed")

	// ErrNotFinalized is returned when segments are requested from a
	// stream that has not been finalized.
	ErrNotFinalized = errors.New("cs: stream not finalized")
)

// GrowthMode selects the stream growth strategy.
type GrowthMode uint8

// Growth strategies.
const (
	// ModeChain allocates a new backing buffer on overflow and links
	// it with an OpChain packet. Requires hw.CapIBChain.
	ModeChain GrowthMode = iota

	// ModeFlat reallocates one system-memory buffer up to the
	// hardware flat maximum, then archives the contents and starts
	// a fresh buffer. Each archived segment submits separately.
	ModeFlat
)

// chainReserve is the worst-case tail a chained segment must keep
// free: one OpChain packet plus alignment padding.
const chainReserve = 4 + hw.AlignWords

// chainPatchWords is the size of an OpChain packet, the tail space a
// finalized chained segment keeps for submit-time patching.
const chainPatchWords = 4

// minSegmentWords is the smallest backing allocation.
const minSegmentWords = 1024

// Segment is one executable span of a stream.
type Segment struct {
	// Buffer is the backing buffer object, nil for system memory.
	Buffer winsys.Buffer

	// Words are the packet words of the segment, including any
	// trailing chain packet and padding.
	Words []uint32
}

// Stream is a growable command stream. It is not safe for concurrent
// use; each command buffer owns exactly one.
type Stream struct {
	ws   winsys.Winsys
	mode GrowthMode
	max  int // flat-mode word limit

	cur       []uint32
	capWords  int
	buf       winsys.Buffer // chained mode backing for cur
	old       []Segment     // archived segments, execution order
	oldBufs   []winsys.Buffer
	failed    bool
	finalized bool

	// tailPad counts the trailing padding words of the final segment
	// after finalize; tailPatched marks a submit-time chain patch
	// living in that padding.
	tailPad     int
	tailPatched bool
}

// Config configures stream creation.
type Config struct {
	// Mode selects the growth strategy.
	Mode GrowthMode

	// InitialWords sizes the first backing allocation. Values below
	// the minimum are clamped.
	InitialWords int

	// MaxFlatWords caps a flat-mode stream. Ignored in chain mode.
	MaxFlatWords int
}

// New creates a stream. In chain mode the first backing buffer is
// allocated eagerly; a failure marks the stream failed from birth so
// recording degrades the same way as a mid-stream failure.
func New(ws winsys.Winsys, cfg Config) *Stream {
	initial := cfg.InitialWords
	if initial < minSegmentWords {
		initial = minSegmentWords
	}
	s := &Stream{
		ws:   ws,
		mode: cfg.Mode,
		max:  cfg.MaxFlatWords,
	}
	if s.mode == ModeFlat {
		if s.max <= 0 {
			s.max = 1 << 16
		}
		s.cur = make([]uint32, 0, initial)
		s.capWords = initial
		return s
	}
	buf, err := ws.BufferCreate(winsys.BufferDesc{
		Size:   uint64(initial) * 4,
		Align:  4096,
		Domain: winsys.DomainUpload,
		Label:  "cs",
	})
	if err != nil {
		s.failed = true
		return s
	}
	s.buf = buf
	s.capWords = initial
	s.cur = make([]uint32, 0, initial)
	return s
}

// Failed reports whether the stream hit an allocation failure. A
// failed stream ignores all appends until Reset.
func (s *Stream) Failed() bool { return s.failed }

// Len returns the total word count across all segments.
func (s *Stream) Len() int {
	n := len(s.cur)
	for _, seg := range s.old {
		n += len(seg.Words)
	}
	return n
}

// Append appends packet words. It fails soft: on overflow it grows
// the stream, and if growth fails the stream is marked failed, its
// length is reset, and further appends are no-ops.
func (s *Stream) Append(words ...uint32) {
	if s.failed {
		return
	}
	if len(s.cur)+len(words) > s.usable() {
		if !s.grow(len(words)) {
			return
		}
	}
	s.cur = append(s.cur, words...)
}

// usable is the per-segment capacity available to Append.
func (s *Stream) usable() int {
	if s.mode == ModeChain {
		return s.capWords - chainReserve
	}
	return s.max
}

// grow makes room for at least extra more words.
func (s *Stream) grow(extra int) bool {
	if s.mode == ModeFlat {
		return s.growFlat(extra)
	}
	return s.growChain(extra)
}

// growFlat reallocates in place until the flat maximum, then archives
// the current contents and starts a fresh buffer.
func (s *Stream) growFlat(extra int) bool {
	need := len(s.cur) + extra
	if need <= s.max {
		next := s.capWords * 2
		for next < need {
			next *= 2
		}
		if next > s.max {
			next = s.max
		}
		grown := make([]uint32, len(s.cur), next)
		copy(grown, s.cur)
		s.cur = grown
		s.capWords = next
		return true
	}
	if extra > s.max {
		// A single append larger than the hardware maximum cannot
		// ever fit.
		s.markFailed()
		return false
	}
	s.archiveCurrent()
	s.cur = make([]uint32, 0, s.capWords)
	return true
}

// archiveCurrent pads the active flat buffer and moves it to the old
// segment list.
func (s *Stream) archiveCurrent() {
	s.pad()
	s.old = append(s.old, Segment{Words: s.cur})
}

// growChain allocates a new backing buffer and links it with a chain
// packet written at the end of the current segment.
func (s *Stream) growChain(extra int) bool {
	next := s.capWords * 2
	for next-chainReserve < extra {
		next *= 2
	}
	buf, err := s.ws.BufferCreate(winsys.BufferDesc{
		Size:   uint64(next) * 4,
		Align:  4096,
		Domain: winsys.DomainUpload,
		Label:  "cs chain",
	})
	if err != nil {
		s.markFailed()
		return false
	}

	// The chain packet targets the new buffer; its size operand is
	// patched by Finalize once the final word count is known. Until
	// then it names the full capacity.
	lo, hi := hw.Addr(buf.Addr())
	s.cur = append(s.cur, hw.Header(hw.OpChain, 3), lo, hi, uint32(next))
	s.pad()

	s.old = append(s.old, Segment{Buffer: s.buf, Words: s.cur})
	s.oldBufs = append(s.oldBufs, s.buf)
	s.buf = buf
	s.capWords = next
	s.cur = make([]uint32, 0, next)
	return true
}

// markFailed records a sticky allocation failure. The stream length
// resets so a failed stream never submits partial contents.
func (s *Stream) markFailed() {
	s.failed = true
	s.cur = s.cur[:0]
	s.old = nil
}

// pad appends Nop words until the current segment hits the required
// alignment.
func (s *Stream) pad() {
	for len(s.cur)%hw.AlignWords != 0 {
		s.cur = append(s.cur, hw.NopWord)
	}
}

// Finalize pads the stream to the hardware alignment, patches chain
// packet sizes, and uploads chained segments into their backing
// buffers. It returns false if the stream had previously failed.
func (s *Stream) Finalize() bool {
	if s.failed {
		return false
	}
	if s.finalized {
		return true
	}
	before := len(s.cur)
	s.pad()
	if s.mode == ModeChain && len(s.cur)-before < chainPatchWords {
		// Keep enough tail padding for a submit-time chain patch.
		for i := 0; i < hw.AlignWords; i++ {
			s.cur = append(s.cur, hw.NopWord)
		}
	}
	s.tailPad = len(s.cur) - before
	s.finalized = true

	if s.mode == ModeFlat {
		return true
	}

	// Patch each chain packet's size operand to the true word count
	// of the segment it targets. A stream that never grew has no
	// chain packets to patch.
	if len(s.old) > 0 {
		sizes := make([]int, 0, len(s.old))
		for _, seg := range s.old[1:] {
			sizes = append(sizes, len(seg.Words))
		}
		sizes = append(sizes, len(s.cur))
		for i := range s.old {
			w := s.old[i].Words
			// The chain packet occupies the last pre-padding words.
			for j := len(w) - 1; j >= 0; j-- {
				if w[j] == hw.NopWord {
					continue
				}
				if j >= 3 && hw.HeaderOp(w[j-3]) == hw.OpChain {
					w[j] = uint32(sizes[i])
				}
				break
			}
		}
		for _, seg := range s.old {
			encodeWords(seg.Buffer, seg.Words)
		}
	}
	encodeWords(s.buf, s.cur)
	return true
}

// encodeWords stores words little-endian into the buffer mapping.
func encodeWords(buf winsys.Buffer, words []uint32) {
	if buf == nil {
		return
	}
	m := buf.Map()
	for i, w := range words {
		binary.LittleEndian.PutUint32(m[i*4:], w)
	}
}

// Segments returns the executable segments in order. In chain mode
// only the head segment is submitted (the command processor follows
// the chain), but every segment is reported so callers can copy or
// inspect contents.
func (s *Stream) Segments() ([]Segment, error) {
	if s.failed {
		return nil, ErrStreamFailed
	}
	if !s.finalized {
		return nil, ErrNotFinalized
	}
	segs := make([]Segment, 0, len(s.old)+1)
	segs = append(segs, s.old...)
	segs = append(segs, Segment{Buffer: s.buf, Words: s.cur})
	return segs, nil
}

// Chained reports whether the stream grows by buffer chaining.
func (s *Stream) Chained() bool { return s.mode == ModeChain }

// ChainTo patches the reserved tail padding of a finalized chained
// stream with a chain packet into another stream's head, so a group
// of streams executes as one kernel submission. It reports false when
// the stream cannot carry the patch.
func (s *Stream) ChainTo(buf winsys.Buffer, words int) bool {
	if s.mode != ModeChain || !s.finalized || s.failed ||
		s.tailPatched || buf == nil || s.tailPad < chainPatchWords {
		return false
	}
	n := len(s.cur) - chainPatchWords
	lo, hi := hw.Addr(buf.Addr())
	s.cur[n] = hw.Header(hw.OpChain, 3)
	s.cur[n+1] = lo
	s.cur[n+2] = hi
	s.cur[n+3] = uint32(words)
	s.patchTail(n)
	s.tailPatched = true
	return true
}

// Unchain restores the padding a ChainTo patch overwrote. The stream
// then submits standalone again.
func (s *Stream) Unchain() {
	if !s.tailPatched {
		return
	}
	n := len(s.cur) - chainPatchWords
	for i := 0; i < chainPatchWords; i++ {
		s.cur[n+i] = hw.NopWord
	}
	s.patchTail(n)
	s.tailPatched = false
}

// patchTail re-encodes the final segment from word index from.
func (s *Stream) patchTail(from int) {
	if s.buf == nil {
		return
	}
	m := s.buf.Map()
	for i := from; i < len(s.cur); i++ {
		binary.LittleEndian.PutUint32(m[i*4:], s.cur[i])
	}
}

// BackingBuffers returns every buffer object the stream references,
// head first. All of them must be resident while the stream executes.
func (s *Stream) BackingBuffers() []winsys.Buffer {
	if s.buf == nil {
		return nil
	}
	out := make([]winsys.Buffer, 0, len(s.oldBufs)+1)
	out = append(out, s.oldBufs...)
	out = append(out, s.buf)
	return out
}

// Reset returns the stream to the empty recording state. The newest
// backing allocation is kept for reuse; chained intermediates are
// released here, the single point old segments can die.
func (s *Stream) Reset() {
	for _, b := range s.oldBufs {
		b.Destroy()
	}
	s.oldBufs = nil
	s.old = nil
	s.cur = s.cur[:0]
	s.finalized = false
	s.tailPad = 0
	s.tailPatched = false

	if !s.failed {
		return
	}
	// A failed stream retries its initial allocation on reset.
	s.failed = false
	if s.mode == ModeChain && s.buf == nil {
		buf, err := s.ws.BufferCreate(winsys.BufferDesc{
			Size:   uint64(minSegmentWords) * 4,
			Align:  4096,
			Domain: winsys.DomainUpload,
			Label:  "cs",
		})
		if err != nil {
			s.failed = true
			return
		}
		s.buf = buf
		s.capWords = minSegmentWords
		s.cur = make([]uint32, 0, minSegmentWords)
	}
}

// Destroy releases all backing allocations.
func (s *Stream) Destroy() {
	for _, b := range s.oldBufs {
		b.Destroy()
	}
	if s.buf != nil {
		s.buf.Destroy()
	}
	s.oldBufs = nil
	s.buf = nil
	s.cur = nil
	s.old = nil
	s.failed = true
}

// String returns a short diagnostic description.
func (s *Stream) String() string {
	mode := "chain"
	if s.mode == ModeFlat {
		mode = "flat"
	}
	return fmt.Sprintf("Stream[%s, %d words, %d segments, failed=%v]",
		mode, s.Len(), len(s.old)+1, s.failed)
}
