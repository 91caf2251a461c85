package gdrv

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/loov/hrtime"

	"github.com/gogpu/gdrv/cmdbuf"
	"github.com/gogpu/gdrv/cs"
	"github.com/gogpu/gdrv/hw"
	"github.com/gogpu/gdrv/resource"
	"github.com/gogpu/gdrv/winsys"
)

// Queue is one submission queue. It batches executable command
// buffers under the kernel's per-submit stream limit, sizes scratch
// rings from recorded peaks, and prepends cached preamble streams.
//
// Queue methods are safe for concurrent use.
type Queue struct {
	dev   *Device
	index int

	mu      sync.Mutex
	pre     preambleSet
	pending []*cmdbuf.CommandBuffer

	// Buffers owned by past submissions (stream copies, replaced
	// preambles) that die at the next idle point.
	retired []winsys.Buffer

	stats QueueStats
}

// QueueStats aggregates submission counters for one queue.
type QueueStats struct {
	// Submissions is the number of Submit calls.
	Submissions uint64

	// Batches is the number of kernel submissions issued, including
	// splits forced by the per-submit stream limit.
	Batches uint64

	// Streams is the total number of stream references submitted.
	Streams uint64

	// CopiedWords counts words copied by the fallback path.
	CopiedWords uint64

	// LastSubmit and TotalSubmit measure time spent inside Submit.
	LastSubmit  time.Duration
	TotalSubmit time.Duration
}

// String returns a human-readable summary.
func (s QueueStats) String() string {
	return fmt.Sprintf("QueueStats{submissions: %d, batches: %d, streams: %d, copied: %d words, last: %v, total: %v}",
		s.Submissions, s.Batches, s.Streams, s.CopiedWords, s.LastSubmit, s.TotalSubmit)
}

func newQueue(d *Device, index int) *Queue {
	return &Queue{dev: d, index: index}
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// preambleSet caches the three preamble streams plus the scratch
// rings they configure. Preambles regenerate only when a submission
// needs more scratch than the rings hold.
type preambleSet struct {
	scratchGraphics int
	scratchCompute  int
	ringG           winsys.Buffer
	ringC           winsys.Buffer

	initialFull    winsys.Buffer
	initialFullRef winsys.StreamRef
	initial        winsys.Buffer
	initialRef     winsys.StreamRef
	cont           winsys.Buffer
	contRef        winsys.StreamRef

	// fullPending selects the full-flush initial variant for the next
	// submission group; set on regeneration, cleared once it runs.
	fullPending bool
	valid       bool
}

// initialInval is the cache state established before the first
// stream of a submission group runs.
const initialInval = hw.FlushInvalICache | hw.FlushInvalConst |
	hw.FlushInvalTexture | hw.FlushInvalGeneral

// ensurePreambles regenerates the preamble streams when scratch
// requirements grew past the current rings. Old buffers retire at the
// next idle point; in-flight submissions may still execute them.
func (q *Queue) ensurePreambles(scratchG, scratchC int) error {
	if q.pre.valid && scratchG <= q.pre.scratchGraphics && scratchC <= q.pre.scratchCompute {
		return nil
	}

	old := []winsys.Buffer{q.pre.ringG, q.pre.ringC, q.pre.initialFull, q.pre.initial, q.pre.cont}
	for _, b := range old {
		if b != nil {
			q.retired = append(q.retired, b)
		}
	}

	ws := q.dev.ws
	var err error
	q.pre = preambleSet{scratchGraphics: scratchG, scratchCompute: scratchC}
	if scratchG > 0 {
		q.pre.ringG, err = ws.BufferCreate(winsys.BufferDesc{
			Size: uint64(scratchG), Domain: winsys.DomainDevice, Label: "scratch gfx",
		})
		if err != nil {
			return fmt.Errorf("gdrv: scratch ring: %w", err)
		}
	}
	if scratchC > 0 {
		q.pre.ringC, err = ws.BufferCreate(winsys.BufferDesc{
			Size: uint64(scratchC), Domain: winsys.DomainDevice, Label: "scratch cs",
		})
		if err != nil {
			return fmt.Errorf("gdrv: scratch ring: %w", err)
		}
	}

	scratchRegs := func(s *[]uint32) {
		if q.pre.ringG != nil {
			lo, hi := hw.Addr(q.pre.ringG.Addr())
			*s = append(*s, hw.Header(hw.OpSetReg, 4),
				uint32(hw.RegGraphicsScratch), lo, hi, uint32(scratchG))
		}
		if q.pre.ringC != nil {
			lo, hi := hw.Addr(q.pre.ringC.Addr())
			*s = append(*s, hw.Header(hw.OpSetReg, 4),
				uint32(hw.RegComputeScratch), lo, hi, uint32(scratchC))
		}
	}

	// Three preamble variants: the full-flush initial runs once after
	// regeneration to force every cache through memory before the new
	// scratch bindings take effect, the plain initial establishes a
	// clean cache state for a group's first batch, and the continue
	// variant only rebinds scratch for later batches of a split
	// submission.
	stall := uint32(hw.FlushStallVS | hw.FlushStallPS | hw.FlushStallCS)

	var initialFull []uint32
	initialFull = append(initialFull, hw.Header(hw.OpCacheFlush, 1), uint32(hw.CacheBits))
	initialFull = append(initialFull, hw.Header(hw.OpStall, 1), stall)
	scratchRegs(&initialFull)

	var initial []uint32
	initial = append(initial, hw.Header(hw.OpCacheFlush, 1), uint32(initialInval))
	initial = append(initial, hw.Header(hw.OpStall, 1), stall)
	scratchRegs(&initial)

	var cont []uint32
	cont = append(cont, hw.Header(hw.OpCacheFlush, 1), uint32(hw.FlushInvalConst))
	scratchRegs(&cont)

	q.pre.initialFull, q.pre.initialFullRef, err = q.uploadWords(initialFull, "preamble full flush")
	if err != nil {
		return err
	}
	q.pre.initial, q.pre.initialRef, err = q.uploadWords(initial, "preamble initial")
	if err != nil {
		return err
	}
	q.pre.cont, q.pre.contRef, err = q.uploadWords(cont, "preamble continue")
	if err != nil {
		return err
	}
	q.pre.fullPending = true
	q.pre.valid = true
	Logger().Info("gdrv: preambles generated",
		"queue", q.index, "scratchGraphics", scratchG, "scratchCompute", scratchC)
	return nil
}

// uploadWords encodes packet words into a fresh aligned buffer.
func (q *Queue) uploadWords(words []uint32, label string) (winsys.Buffer, winsys.StreamRef, error) {
	for len(words)%hw.AlignWords != 0 {
		words = append(words, hw.NopWord)
	}
	buf, err := q.dev.ws.BufferCreate(winsys.BufferDesc{
		Size:   uint64(len(words)) * 4,
		Align:  4096,
		Domain: winsys.DomainUpload,
		Label:  label,
	})
	if err != nil {
		return nil, winsys.StreamRef{}, fmt.Errorf("gdrv: %s: %w", label, err)
	}
	m := buf.Map()
	for i, w := range words {
		binary.LittleEndian.PutUint32(m[i*4:], w)
	}
	return buf, winsys.StreamRef{Buffer: buf, Words: len(words)}, nil
}

// streamRefs resolves one command buffer into submittable stream
// references. Chained streams submit their head only; flat segments
// upload individually; without memory referencing the whole stream is
// copied into one fresh buffer.
func (q *Queue) streamRefs(cb *cmdbuf.CommandBuffer, canRef bool) ([]winsys.StreamRef, error) {
	segs, err := cb.Stream().Segments()
	if err != nil {
		return nil, fmt.Errorf("gdrv: submit: %w", err)
	}

	if !canRef {
		total := 0
		for _, seg := range segs {
			total += len(seg.Words)
		}
		all := make([]uint32, 0, total)
		for _, seg := range segs {
			all = append(all, seg.Words...)
		}
		buf, ref, err := q.uploadWords(all, "stream copy")
		if err != nil {
			return nil, err
		}
		q.retired = append(q.retired, buf)
		q.stats.CopiedWords += uint64(total)
		Logger().Warn("gdrv: copy fallback", "queue", q.index, "words", total)
		return []winsys.StreamRef{ref}, nil
	}

	if cb.Stream().Chained() {
		return []winsys.StreamRef{{Buffer: segs[0].Buffer, Words: len(segs[0].Words)}}, nil
	}

	refs := make([]winsys.StreamRef, 0, len(segs))
	for _, seg := range segs {
		if len(seg.Words) == 0 {
			continue
		}
		if seg.Buffer != nil {
			refs = append(refs, winsys.StreamRef{Buffer: seg.Buffer, Words: len(seg.Words)})
			continue
		}
		buf, ref, err := q.uploadWords(seg.Words, "stream segment")
		if err != nil {
			return nil, err
		}
		q.retired = append(q.retired, buf)
		refs = append(refs, ref)
	}
	return refs, nil
}

// Submit submits executable command buffers as one ordered group.
// Waits gate the first kernel batch only and signals attach to the
// last, so a group split by the stream limit still behaves as a
// single submission to its neighbors. The fence, when given, signals
// after the last batch and retires the command buffers on Wait.
func (q *Queue) Submit(cbs []*cmdbuf.CommandBuffer, waits, signals []*Semaphore, fence *Fence) error {
	if len(cbs) == 0 {
		return fmt.Errorf("gdrv: empty submission: %w", winsys.ErrInval)
	}
	start := hrtime.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	var scratchG, scratchC int
	for _, cb := range cbs {
		if cb.State() != cmdbuf.StateExecutable {
			return fmt.Errorf("gdrv: submit of %v buffer: %w", cb.State(), winsys.ErrInval)
		}
		g, c := cb.ScratchNeeded()
		if g > scratchG {
			scratchG = g
		}
		if c > scratchC {
			scratchC = c
		}
	}
	if err := q.ensurePreambles(scratchG, scratchC); err != nil {
		return err
	}

	// Resolve streams and gather residency.
	canRef := q.dev.ws.CanReferenceMemory()
	var refs []winsys.StreamRef
	var agg cs.ResourceTable
	for _, cb := range cbs {
		r, err := q.streamRefs(cb, canRef)
		if err != nil {
			return err
		}
		refs = append(refs, r...)
		agg.Merge(cb.Table())
	}
	extra := []winsys.Buffer{q.pre.initialFull, q.pre.initial, q.pre.cont}
	if q.pre.ringG != nil {
		extra = append(extra, q.pre.ringG)
	}
	if q.pre.ringC != nil {
		extra = append(extra, q.pre.ringC)
	}
	for _, r := range refs {
		extra = append(extra, r.Buffer)
	}
	for _, cb := range cbs {
		extra = append(extra, cb.Stream().BackingBuffers()...)
	}
	bolist := agg.BuildBOList(extra, q.dev.globalBOs())

	// Emulated waits cannot reach the kernel; satisfy them here.
	// Consumed temporary imports die once the kernel calls return.
	nativeWaits, cpuWaits, consumed := partitionSems(waits, true)
	defer func() {
		for _, c := range consumed {
			c.Destroy()
		}
	}()
	for _, w := range cpuWaits {
		w.Wait(-1)
	}
	nativeSignals, cpuSignals, _ := partitionSems(signals, false)

	limit := q.dev.info.IBPerSubmit
	if limit <= 0 {
		limit = len(refs)
	}

	// A group larger than the kernel stream limit folds into one
	// submission on chaining hardware: each buffer's stream tail is
	// patched to chain into the next buffer's head. The patches are
	// undone once the kernel call returns so every buffer submits
	// standalone next time.
	var patched []*cmdbuf.CommandBuffer
	defer func() {
		for _, cb := range patched {
			cb.Stream().Unchain()
		}
	}()
	if len(refs) > limit && len(refs) == len(cbs) &&
		canRef && q.dev.info.Caps.Has(hw.CapIBChain) {
		ok := true
		for i := 0; i < len(cbs)-1 && ok; i++ {
			ok = cbs[i].Stream().ChainTo(refs[i+1].Buffer, refs[i+1].Words)
			if ok {
				patched = append(patched, cbs[i])
			}
		}
		if ok {
			refs = refs[:1]
		} else {
			for _, cb := range patched {
				cb.Stream().Unchain()
			}
			patched = nil
		}
	}

	batches := 0
	for first := 0; first < len(refs); first += limit {
		end := first + limit
		if end > len(refs) {
			end = len(refs)
		}
		req := winsys.SubmitRequest{
			QueueIndex: q.index,
			Streams:    refs[first:end],
			BOList:     bolist,
		}
		if first == 0 {
			if q.pre.fullPending {
				req.InitialPreamble = &q.pre.initialFullRef
			} else {
				req.InitialPreamble = &q.pre.initialRef
			}
			req.Sem.Wait = nativeWaits
		} else {
			req.ContinuePreamble = &q.pre.contRef
		}
		if end == len(refs) {
			req.Sem.Signal = nativeSignals
			if fence != nil {
				req.Fence = fence.obj
			}
		}
		if err := q.dev.ws.Submit(&req); err != nil {
			Logger().Error("gdrv: kernel submit failed",
				"queue", q.index, "batch", batches, "streams", end-first, "err", err)
			return fmt.Errorf("gdrv: submit: %w", err)
		}
		q.pre.fullPending = false
		batches++
	}
	for _, s := range cpuSignals {
		s.Signal()
	}

	for _, cb := range cbs {
		cb.MarkPending()
	}
	q.pending = append(q.pending, cbs...)
	if fence != nil {
		fence.retire = append(fence.retire, cbs...)
	}

	elapsed := hrtime.Since(start)
	q.stats.Submissions++
	q.stats.Batches += uint64(batches)
	q.stats.Streams += uint64(len(refs))
	q.stats.LastSubmit = elapsed
	q.stats.TotalSubmit += elapsed
	Logger().Debug("gdrv: submitted",
		"queue", q.index, "buffers", len(cbs), "streams", len(refs),
		"batches", batches, "elapsed", elapsed)
	return nil
}

// BindSparse replaces the physical backing of a sparse aggregate,
// ordered by semaphores like a submission. This transport applies
// bindings synchronously, so waits block here and signals fire once
// the new backing is visible.
func (q *Queue) BindSparse(s *resource.SparseBuffer, bos []winsys.Buffer, waits, signals []*Semaphore) error {
	if s == nil {
		return fmt.Errorf("gdrv: sparse bind: %w", winsys.ErrInval)
	}
	for _, w := range waits {
		obj := w.waitObj()
		obj.Wait(-1)
		if obj != w.obj {
			obj.Destroy()
		}
	}
	s.Bind(bos)
	for _, sig := range signals {
		sig.obj.Signal()
	}
	return nil
}

// WaitIdle drains the queue, retires pending command buffers, and
// releases buffers owned by completed submissions.
func (q *Queue) WaitIdle() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.dev.ws.WaitIdle(q.index); err != nil {
		return fmt.Errorf("gdrv: wait idle: %w", err)
	}
	for _, cb := range q.pending {
		if cb.State() == cmdbuf.StatePending {
			cb.RetireToExecutable()
		}
	}
	q.pending = nil
	for _, b := range q.retired {
		b.Destroy()
	}
	q.retired = nil
	return nil
}

// destroy releases everything the queue owns. The device drains the
// queue first.
func (q *Queue) destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, b := range q.retired {
		b.Destroy()
	}
	q.retired = nil
	for _, b := range []winsys.Buffer{q.pre.ringG, q.pre.ringC, q.pre.initialFull, q.pre.initial, q.pre.cont} {
		if b != nil {
			b.Destroy()
		}
	}
	q.pre = preambleSet{}
}
