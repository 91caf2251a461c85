// Package memws provides an in-memory winsys implementation. It backs
// buffer objects with plain byte slices and records every submission
// it receives, which makes it the reference transport for tests and
// the copy-fallback path.
//
// memws executes nothing: submitted streams are retained for
// inspection and their fences signal immediately. Ordering guarantees
// therefore hold trivially.
package memws

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gdrv/hw"
	"github.com/gogpu/gdrv/winsys"
)

// Name is the registry name of this winsys.
const Name = "mem"

func init() {
	winsys.Register(Name, func() (winsys.Winsys, error) {
		return New(Config{}), nil
	})
}

// Config configures an in-memory winsys.
type Config struct {
	// Info is the hardware description to report. The zero value is
	// replaced with a Gen3 device with an indirect-buffer limit of 4.
	Info hw.Info

	// NoMemoryReference makes CanReferenceMemory report false, which
	// forces the copy-fallback submission path in the core.
	NoMemoryReference bool

	// FailAfter makes BufferCreate fail with ErrNoMem once the total
	// number of allocations reaches this count. Zero disables the
	// fault injection.
	FailAfter int
}

// Submission is the record of one Submit call.
type Submission struct {
	QueueIndex       int
	Streams          []winsys.StreamRef
	InitialPreamble  *winsys.StreamRef
	ContinuePreamble *winsys.StreamRef
	WaitSems         []winsys.Syncobj
	SignalSems       []winsys.Syncobj
	BOHandles        []uint32
	Fence            winsys.Syncobj
}

// Winsys is the in-memory winsys.
type Winsys struct {
	mu     sync.Mutex
	cfg    Config
	nextVA uint64
	nextID uint32
	allocs int
	alive  int

	submissions []Submission
}

// New creates an in-memory winsys.
func New(cfg Config) *Winsys {
	if cfg.Info.Gen == hw.GenUnknown {
		cfg.Info = hw.Info{
			Gen:          hw.Gen3,
			Caps:         hw.CapsFor(hw.Gen3),
			MaxFlatWords: 1 << 16,
			IBPerSubmit:  4,
		}
	}
	return &Winsys{
		cfg:    cfg,
		nextVA: 1 << 20, // keep address 0 invalid
		nextID: 1,
	}
}

// Info implements winsys.Winsys.
func (w *Winsys) Info() hw.Info { return w.cfg.Info }

// BufferCreate implements winsys.Winsys.
func (w *Winsys) BufferCreate(desc winsys.BufferDesc) (winsys.Buffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("memws: zero-size buffer %q: %w", desc.Label, winsys.ErrInval)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.allocs++
	if w.cfg.FailAfter > 0 && w.allocs >= w.cfg.FailAfter {
		return nil, fmt.Errorf("memws: allocation limit reached: %w", winsys.ErrNoMem)
	}

	align := desc.Align
	if align == 0 {
		align = 4096
	}
	w.nextVA = (w.nextVA + align - 1) &^ (align - 1)

	b := &buffer{
		ws:     w,
		handle: w.nextID,
		addr:   w.nextVA,
		data:   make([]byte, desc.Size),
		label:  desc.Label,
	}
	w.nextID++
	w.nextVA += desc.Size
	w.alive++
	return b, nil
}

// SyncobjCreate implements winsys.Winsys.
func (w *Winsys) SyncobjCreate(signaled bool) (winsys.Syncobj, error) {
	s := &syncobj{kind: winsys.SyncNative}
	s.cond = sync.NewCond(&s.mu)
	s.signaled = signaled
	return s, nil
}

// SyncobjImport implements winsys.Winsys.
// memws exports a syncobj as its own pointer-derived token, so only
// tokens produced by this instance resolve.
func (w *Winsys) SyncobjImport(handle uint64) (winsys.Syncobj, error) {
	exportedMu.Lock()
	defer exportedMu.Unlock()
	if s, ok := exported[handle]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("memws: import of unknown handle %#x: %w", handle, winsys.ErrBadHandle)
}

// CanReferenceMemory implements winsys.Winsys.
func (w *Winsys) CanReferenceMemory() bool { return !w.cfg.NoMemoryReference }

// Submit implements winsys.Winsys. The submission is validated,
// recorded, and completes immediately.
func (w *Winsys) Submit(req *winsys.SubmitRequest) error {
	if req == nil || len(req.Streams) == 0 {
		return fmt.Errorf("memws: empty submission: %w", winsys.ErrInval)
	}
	if limit := w.cfg.Info.IBPerSubmit; limit > 0 && len(req.Streams) > limit {
		return fmt.Errorf("memws: %d streams exceed the per-submit limit %d: %w",
			len(req.Streams), limit, winsys.ErrInval)
	}

	rec := Submission{
		QueueIndex:       req.QueueIndex,
		Streams:          append([]winsys.StreamRef(nil), req.Streams...),
		InitialPreamble:  req.InitialPreamble,
		ContinuePreamble: req.ContinuePreamble,
		WaitSems:         append([]winsys.Syncobj(nil), req.Sem.Wait...),
		SignalSems:       append([]winsys.Syncobj(nil), req.Sem.Signal...),
		Fence:            req.Fence,
	}
	for _, bo := range req.BOList {
		rec.BOHandles = append(rec.BOHandles, bo.Handle())
	}

	w.mu.Lock()
	w.submissions = append(w.submissions, rec)
	w.mu.Unlock()

	// Retire immediately: signal semaphores, then the fence.
	for _, s := range req.Sem.Signal {
		s.Signal()
	}
	if req.Fence != nil {
		req.Fence.Signal()
	}
	return nil
}

// WaitIdle implements winsys.Winsys.
func (w *Winsys) WaitIdle(queueIndex int) error { return nil }

// Destroy implements winsys.Winsys.
func (w *Winsys) Destroy() {}

// Submissions returns a copy of the recorded submissions.
func (w *Winsys) Submissions() []Submission {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Submission, len(w.submissions))
	copy(out, w.submissions)
	return out
}

// ResetSubmissions clears the submission record.
func (w *Winsys) ResetSubmissions() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.submissions = nil
}

// AliveBuffers returns the number of undestroyed buffer objects.
func (w *Winsys) AliveBuffers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive
}

// buffer is a byte-slice backed buffer object.
type buffer struct {
	ws     *Winsys
	handle uint32
	addr   uint64
	data   []byte
	label  string

	destroyed bool
}

func (b *buffer) Handle() uint32 { return b.handle }
func (b *buffer) Addr() uint64   { return b.addr }
func (b *buffer) Size() uint64   { return uint64(len(b.data)) }
func (b *buffer) Map() []byte    { return b.data }

func (b *buffer) Destroy() {
	b.ws.mu.Lock()
	defer b.ws.mu.Unlock()
	if !b.destroyed {
		b.destroyed = true
		b.ws.alive--
	}
}

// exported maps export tokens back to syncobjs, process-wide.
var (
	exportedMu sync.Mutex
	exported   = make(map[uint64]*syncobj)
	nextToken  uint64 = 1
)

// syncobj is a condition-variable backed sync primitive.
type syncobj struct {
	mu       sync.Mutex
	cond     *sync.Cond
	kind     winsys.SyncKind
	signaled bool
}

func (s *syncobj) Kind() winsys.SyncKind { return s.kind }

func (s *syncobj) Signaled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signaled
}

func (s *syncobj) Wait(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signaled {
		return true
	}
	if timeout == 0 {
		return false
	}

	if timeout < 0 {
		for !s.signaled {
			s.cond.Wait()
		}
		return true
	}

	// Timed wait: wake the cond when the deadline passes.
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	for !s.signaled {
		if !time.Now().Before(deadline) {
			return false
		}
		s.cond.Wait()
	}
	return true
}

func (s *syncobj) Reset() {
	s.mu.Lock()
	s.signaled = false
	s.mu.Unlock()
}

func (s *syncobj) Signal() {
	s.mu.Lock()
	s.signaled = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *syncobj) Export() (uint64, error) {
	if s.kind != winsys.SyncNative {
		return 0, winsys.ErrNotExportable
	}
	exportedMu.Lock()
	defer exportedMu.Unlock()
	tok := nextToken
	nextToken++
	exported[tok] = s
	return tok, nil
}

func (s *syncobj) Destroy() {}
