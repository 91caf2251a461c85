package gdrv

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gdrv/cmdbuf"
	"github.com/gogpu/gdrv/hw"
	"github.com/gogpu/gdrv/pipeline"
	"github.com/gogpu/gdrv/resource"
	"github.com/gogpu/gdrv/winsys"
	"github.com/gogpu/gdrv/winsys/memws"
)

func testDevice(t *testing.T, cfg memws.Config, devCfg Config) (*memws.Winsys, *Device) {
	t.Helper()
	ws := memws.New(cfg)
	devCfg.WinsysInstance = ws
	d, err := Open(devCfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return ws, d
}

func recordNop(t *testing.T, d *Device) *cmdbuf.CommandBuffer {
	t.Helper()
	cb := d.NewCommandBuffer()
	if err := cb.Begin(); err != nil {
		t.Fatal(err)
	}
	cb.PipelineBarrier(cmdbuf.Barrier{
		SrcStage:  cmdbuf.StageAllCommands,
		SrcAccess: cmdbuf.AccessMemoryWrite,
		DstAccess: cmdbuf.AccessMemoryRead,
	})
	if err := cb.End(); err != nil {
		t.Fatal(err)
	}
	return cb
}

func TestOpenSelectsRegisteredWinsys(t *testing.T) {
	d, err := Open(Config{Winsys: memws.Name})
	if err != nil {
		t.Fatalf("Open(%q): %v", memws.Name, err)
	}
	defer d.Close()
	if d.Info().Gen == hw.GenUnknown {
		t.Fatal("device reports unknown generation")
	}
}

func TestOpenUnknownWinsys(t *testing.T) {
	_, err := Open(Config{Winsys: "no-such-winsys"})
	if !errors.Is(err, winsys.ErrNoDev) {
		t.Fatalf("Open(unknown) = %v, want ErrNoDev", err)
	}
}

func TestSubmitSingle(t *testing.T) {
	ws, d := testDevice(t, memws.Config{}, Config{})
	cb := recordNop(t, d)

	fence, err := d.NewFence(false)
	if err != nil {
		t.Fatal(err)
	}
	defer fence.Destroy()

	if err := d.Queue(0).Submit([]*cmdbuf.CommandBuffer{cb}, nil, nil, fence); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if cb.State() != cmdbuf.StatePending {
		t.Fatalf("state after submit: %v", cb.State())
	}
	if !fence.Wait(time.Second) {
		t.Fatal("fence did not signal")
	}
	if cb.State() != cmdbuf.StateExecutable {
		t.Fatalf("state after fence wait: %v", cb.State())
	}

	subs := ws.Submissions()
	if len(subs) != 1 {
		t.Fatalf("got %d kernel submissions, want 1", len(subs))
	}
	if subs[0].InitialPreamble == nil {
		t.Error("first batch missing the initial preamble")
	}
	if subs[0].Fence == nil {
		t.Error("fence not attached")
	}
	if len(subs[0].BOHandles) == 0 {
		t.Error("empty residency list")
	}
}

func TestSubmitRejectsUnfinished(t *testing.T) {
	_, d := testDevice(t, memws.Config{}, Config{})
	cb := d.NewCommandBuffer()
	if err := cb.Begin(); err != nil {
		t.Fatal(err)
	}
	err := d.Queue(0).Submit([]*cmdbuf.CommandBuffer{cb}, nil, nil, nil)
	if !errors.Is(err, winsys.ErrInval) {
		t.Fatalf("submit of recording buffer: %v", err)
	}
}

// TestSubmitSplitsAtStreamLimit verifies group splitting without
// chaining support: five buffers against a limit of two produce three
// kernel submissions, with waits on the first batch only and the
// signal and fence on the last.
func TestSubmitSplitsAtStreamLimit(t *testing.T) {
	ws, d := testDevice(t, memws.Config{Info: hw.Info{
		Gen:          hw.Gen1,
		Caps:         hw.CapsFor(hw.Gen1),
		MaxFlatWords: 1 << 16,
		IBPerSubmit:  2,
	}}, Config{})

	var cbs []*cmdbuf.CommandBuffer
	for i := 0; i < 5; i++ {
		cbs = append(cbs, recordNop(t, d))
	}
	wait, err := d.NewSemaphore()
	if err != nil {
		t.Fatal(err)
	}
	wait.obj.Signal() // pre-signaled so the group is not gated
	signal, err := d.NewSemaphore()
	if err != nil {
		t.Fatal(err)
	}
	fence, err := d.NewFence(false)
	if err != nil {
		t.Fatal(err)
	}

	err = d.Queue(0).Submit(cbs, []*Semaphore{wait}, []*Semaphore{signal}, fence)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	subs := ws.Submissions()
	if len(subs) != 3 {
		t.Fatalf("got %d kernel submissions, want 3", len(subs))
	}
	for i, sub := range subs {
		last := i == len(subs)-1
		if (len(sub.WaitSems) > 0) != (i == 0) {
			t.Errorf("batch %d: wait semaphores on wrong batch", i)
		}
		if (len(sub.SignalSems) > 0) != last {
			t.Errorf("batch %d: signal semaphores on wrong batch", i)
		}
		if (sub.Fence != nil) != last {
			t.Errorf("batch %d: fence on wrong batch", i)
		}
		if i == 0 && sub.InitialPreamble == nil {
			t.Errorf("batch 0: missing initial preamble")
		}
		if i > 0 && sub.ContinuePreamble == nil {
			t.Errorf("batch %d: missing continue preamble", i)
		}
	}
	if !signal.obj.Signaled() {
		t.Error("signal semaphore not signaled")
	}

	st := d.Queue(0).Stats()
	if st.Submissions != 1 || st.Batches != 3 || st.Streams != 5 {
		t.Errorf("stats %v, want 1 submission, 3 batches, 5 streams", st)
	}
}

// TestSubmitChainsAtStreamLimit verifies that chaining hardware folds
// a group larger than the stream limit into a single kernel
// submission by patching each stream's tail into the next one's head,
// and that the patches are undone afterwards.
func TestSubmitChainsAtStreamLimit(t *testing.T) {
	ws, d := testDevice(t, memws.Config{Info: hw.Info{
		Gen:          hw.Gen3,
		Caps:         hw.CapsFor(hw.Gen3),
		MaxFlatWords: 1 << 16,
		IBPerSubmit:  2,
	}}, Config{})

	var cbs []*cmdbuf.CommandBuffer
	for i := 0; i < 5; i++ {
		cbs = append(cbs, recordNop(t, d))
	}
	if err := d.Queue(0).Submit(cbs, nil, nil, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	subs := ws.Submissions()
	if len(subs) != 1 {
		t.Fatalf("got %d kernel submissions, want 1", len(subs))
	}
	if len(subs[0].Streams) != 1 {
		t.Fatalf("got %d stream refs, want the chain head only", len(subs[0].Streams))
	}
	if st := d.Queue(0).Stats(); st.Batches != 1 {
		t.Errorf("stats %v, want 1 batch", st)
	}

	// Submitted standalone afterwards, each stream must no longer
	// chain into its old neighbor.
	if err := d.Queue(0).WaitIdle(); err != nil {
		t.Fatal(err)
	}
	ws.ResetSubmissions()
	if err := d.Queue(0).Submit(cbs[:1], nil, nil, nil); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	segs, err := cbs[0].Stream().Segments()
	if err != nil {
		t.Fatal(err)
	}
	tail := segs[len(segs)-1].Words
	for _, w := range tail[len(tail)-4:] {
		if w != hw.NopWord {
			t.Fatalf("stale chain patch in tail: %#x", w)
		}
	}
}

func TestCopyFallback(t *testing.T) {
	ws, d := testDevice(t, memws.Config{NoMemoryReference: true}, Config{})
	cb := recordNop(t, d)

	if err := d.Queue(0).Submit([]*cmdbuf.CommandBuffer{cb}, nil, nil, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	subs := ws.Submissions()
	if len(subs) != 1 || len(subs[0].Streams) != 1 {
		t.Fatalf("unexpected submission shape: %+v", subs)
	}
	// The submitted stream must not be the recording stream's own
	// backing buffer.
	orig := cb.Stream().BackingBuffers()
	for _, b := range orig {
		if subs[0].Streams[0].Buffer == b {
			t.Fatal("copy fallback submitted the original stream buffer")
		}
	}
	if st := d.Queue(0).Stats(); st.CopiedWords == 0 {
		t.Error("no copied words recorded")
	}
}

func TestGlobalBOList(t *testing.T) {
	ws, d := testDevice(t, memws.Config{}, Config{GlobalBOList: true})

	bo, err := ws.BufferCreate(winsys.BufferDesc{Size: 256, Label: "global"})
	if err != nil {
		t.Fatal(err)
	}
	d.TrackGlobal(bo)

	cb := recordNop(t, d)
	if err := d.Queue(0).Submit([]*cmdbuf.CommandBuffer{cb}, nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	subs := ws.Submissions()
	found := false
	for _, h := range subs[len(subs)-1].BOHandles {
		if h == bo.Handle() {
			found = true
		}
	}
	if !found {
		t.Error("globally tracked allocation missing from the residency list")
	}

	d.UntrackGlobal(bo)
	bo.Destroy()
}

// destroyTrackSync wraps a syncobj and records destruction.
type destroyTrackSync struct {
	winsys.Syncobj
	destroyed *bool
}

func (d destroyTrackSync) Destroy() { *d.destroyed = true }

// TestSubmitDestroysConsumedImports verifies that a temporary
// imported payload consumed by a submission wait is destroyed once
// the submission is issued.
func TestSubmitDestroysConsumedImports(t *testing.T) {
	ws, d := testDevice(t, memws.Config{}, Config{})
	inner, err := ws.SyncobjCreate(true)
	if err != nil {
		t.Fatal(err)
	}
	destroyed := false
	sem, err := d.NewSemaphore()
	if err != nil {
		t.Fatal(err)
	}
	defer sem.Destroy()
	sem.temporary = destroyTrackSync{Syncobj: inner, destroyed: &destroyed}

	cb := recordNop(t, d)
	if err := d.Queue(0).Submit([]*cmdbuf.CommandBuffer{cb}, []*Semaphore{sem}, nil, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !destroyed {
		t.Error("consumed temporary import not destroyed after submit")
	}
	if sem.temporary != nil {
		t.Error("temporary import still attached after consumption")
	}
}

// TestPreambleFullFlushVariant verifies that the full-flush initial
// preamble runs exactly once after regeneration and later groups use
// the plain initial variant.
func TestPreambleFullFlushVariant(t *testing.T) {
	ws, d := testDevice(t, memws.Config{}, Config{})
	q := d.Queue(0)

	for i := 0; i < 2; i++ {
		cb := recordNop(t, d)
		if err := q.Submit([]*cmdbuf.CommandBuffer{cb}, nil, nil, nil); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	subs := ws.Submissions()
	if len(subs) != 2 {
		t.Fatalf("got %d submissions, want 2", len(subs))
	}
	if subs[0].InitialPreamble == nil || subs[0].InitialPreamble.Buffer != q.pre.initialFull {
		t.Error("first group did not run the full-flush preamble")
	}
	if subs[1].InitialPreamble == nil || subs[1].InitialPreamble.Buffer != q.pre.initial {
		t.Error("second group did not run the plain initial preamble")
	}
}

// TestPreambleRegrowsWithScratch verifies the preamble cache: it
// regenerates only when a submission's scratch requirement exceeds
// the current rings.
func TestPreambleRegrowsWithScratch(t *testing.T) {
	_, d := testDevice(t, memws.Config{}, Config{})
	q := d.Queue(0)

	submitWithScratch := func(bytes int) {
		cb := d.NewCommandBuffer()
		if err := cb.Begin(); err != nil {
			t.Fatal(err)
		}
		cb.BindPipeline(&pipeline.Compute{
			Layout:       &pipeline.Layout{},
			ScratchBytes: bytes,
		})
		cb.Dispatch(1, 1, 1)
		if err := cb.End(); err != nil {
			t.Fatal(err)
		}
		if err := q.Submit([]*cmdbuf.CommandBuffer{cb}, nil, nil, nil); err != nil {
			t.Fatal(err)
		}
	}

	submitWithScratch(4096)
	if q.pre.scratchCompute != 4096 {
		t.Fatalf("scratch ring %d after first submit", q.pre.scratchCompute)
	}
	ring := q.pre.ringC

	submitWithScratch(1024) // smaller: reuse
	if q.pre.ringC != ring {
		t.Error("preamble regenerated for a smaller scratch requirement")
	}

	submitWithScratch(64 << 10) // larger: regrow
	if q.pre.ringC == ring || q.pre.scratchCompute != 64<<10 {
		t.Error("preamble not regenerated for a larger scratch requirement")
	}
}

func TestWaitAllAndAny(t *testing.T) {
	_, d := testDevice(t, memws.Config{}, Config{})
	a, _ := d.NewFence(false)
	b, _ := d.NewFence(true)

	if idx := WaitAny([]*Fence{a, b}, time.Second); idx != 1 {
		t.Fatalf("WaitAny = %d, want 1", idx)
	}
	if WaitAll([]*Fence{a, b}, 10*time.Millisecond) {
		t.Fatal("WaitAll succeeded with an unsignaled fence")
	}
	a.obj.Signal()
	if !WaitAll([]*Fence{a, b}, time.Second) {
		t.Fatal("WaitAll failed with both fences signaled")
	}
}

func TestSemaphoreExportImport(t *testing.T) {
	_, d := testDevice(t, memws.Config{}, Config{})
	src, err := d.NewSemaphore()
	if err != nil {
		t.Fatal(err)
	}
	h, err := src.Export()
	if err != nil {
		t.Fatal(err)
	}
	dst, err := d.ImportSemaphore(h)
	if err != nil {
		t.Fatal(err)
	}

	// The import is temporary: the first wait consumes the imported
	// payload, later waits see the semaphore's own.
	if got := dst.waitObj(); got != src.obj {
		t.Error("first wait does not consume the imported payload")
	}
	if got := dst.waitObj(); got != dst.obj {
		t.Error("temporary import survived its first wait")
	}

	if _, err := d.ImportSemaphore(0xdeadbeef); !errors.Is(err, winsys.ErrBadHandle) {
		t.Errorf("import of bogus handle: %v", err)
	}
}

// TestConcurrentRecording exercises parallel recording into distinct
// command buffers with interleaved submissions on one queue.
func TestBindSparse(t *testing.T) {
	ws, d := testDevice(t, memws.Config{}, Config{})
	bo, err := ws.BufferCreate(winsys.BufferDesc{Size: 4096})
	if err != nil {
		t.Fatal(err)
	}
	sem, err := d.NewSemaphore()
	if err != nil {
		t.Fatal(err)
	}
	defer sem.Destroy()

	var sb resource.SparseBuffer
	if err := d.Queue(0).BindSparse(&sb, []winsys.Buffer{bo}, nil, []*Semaphore{sem}); err != nil {
		t.Fatalf("BindSparse: %v", err)
	}
	if got := sb.Bound(); len(got) != 1 || got[0] != bo {
		t.Fatalf("bound pages = %v, want [%v]", got, bo)
	}
	if !sem.obj.Signaled() {
		t.Fatal("signal semaphore not signaled after bind")
	}
	if err := d.Queue(0).BindSparse(nil, nil, nil, nil); !errors.Is(err, winsys.ErrInval) {
		t.Fatalf("nil sparse buffer: err = %v, want ErrInval", err)
	}
}

func TestConcurrentRecording(t *testing.T) {
	_, d := testDevice(t, memws.Config{}, Config{})

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 16; j++ {
				cb := d.NewCommandBuffer()
				if err := cb.Begin(); err != nil {
					return err
				}
				cb.PipelineBarrier(cmdbuf.Barrier{DstAccess: cmdbuf.AccessUniformRead})
				if err := cb.End(); err != nil {
					return err
				}
				fence, err := d.NewFence(false)
				if err != nil {
					return err
				}
				if err := d.Queue(0).Submit([]*cmdbuf.CommandBuffer{cb}, nil, nil, fence); err != nil {
					return err
				}
				if !fence.Wait(time.Second) {
					return fmt.Errorf("fence timeout")
				}
				fence.Destroy()
				d.ReleaseCommandBuffer(cb)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
