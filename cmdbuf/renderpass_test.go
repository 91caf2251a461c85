package cmdbuf

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gdrv/hw"
	"github.com/gogpu/gdrv/resource"
	"github.com/gogpu/gdrv/winsys"
)

func TestRenderPassNesting(t *testing.T) {
	ws, cb := testCB(t, hw.Gen3)
	if err := cb.Begin(); err != nil {
		t.Fatal(err)
	}
	img := testImage(t, ws, resource.MetaNone)
	rp := &RenderPass{Color: []Attachment{{Image: img}}}

	if err := cb.EndRenderPass(); !errors.Is(err, winsys.ErrInval) {
		t.Errorf("EndRenderPass outside pass = %v, want ErrInval", err)
	}
	if err := cb.BeginRenderPass(rp); err != nil {
		t.Fatal(err)
	}
	if err := cb.BeginRenderPass(rp); !errors.Is(err, winsys.ErrInval) {
		t.Errorf("nested BeginRenderPass = %v, want ErrInval", err)
	}
	if err := cb.End(); !errors.Is(err, winsys.ErrInval) {
		t.Errorf("End inside pass = %v, want ErrInval", err)
	}
	if err := cb.EndRenderPass(); err != nil {
		t.Fatal(err)
	}
	if err := cb.End(); err != nil {
		t.Fatalf("End after pass: %v", err)
	}
}

func TestRenderPassTargetRegisters(t *testing.T) {
	ws, cb := testCB(t, hw.Gen3)
	if err := cb.Begin(); err != nil {
		t.Fatal(err)
	}
	color := testImage(t, ws, resource.MetaColor)
	depth := testImage(t, ws, resource.MetaDepth)
	depth.Meta.ClearValueKnown = true
	rp := &RenderPass{
		Color: []Attachment{{Image: color, Store: gputypes.StoreOpStore}},
		Depth: &Attachment{Image: depth, Store: gputypes.StoreOpDiscard},
	}
	if err := cb.BeginRenderPass(rp); err != nil {
		t.Fatal(err)
	}
	if err := cb.EndRenderPass(); err != nil {
		t.Fatal(err)
	}

	var sawColor, sawCount, sawDepth bool
	for _, p := range finish(t, cb) {
		switch p.reg() {
		case uint32(hw.RegColorTarget):
			sawColor = true
			lo, hi := hw.Addr(color.BO.Addr())
			if p.args[1] != lo || p.args[2] != hi {
				t.Errorf("color target address = %#x %#x, want %#x %#x",
					p.args[1], p.args[2], lo, hi)
			}
			if want := uint32(64<<16 | 64); p.args[5] != want {
				t.Errorf("color target extent = %#x, want %#x", p.args[5], want)
			}
		case uint32(hw.RegColorTargetCount):
			sawCount = true
		case uint32(hw.RegDepthTarget):
			sawDepth = true
		}
	}
	if !sawColor || !sawCount || !sawDepth {
		t.Errorf("target registers missing: color=%v count=%v depth=%v",
			sawColor, sawCount, sawDepth)
	}
	// Both surfaces and both metadata surfaces stay resident.
	for _, bo := range []winsys.Buffer{color.BO, color.Meta.BO, depth.BO, depth.Meta.BO} {
		if cb.Table().Find(bo.Handle()) < 0 {
			t.Errorf("handle %d missing from residency table", bo.Handle())
		}
	}
}

func TestRenderPassFastClear(t *testing.T) {
	ws, cb := testCB(t, hw.Gen3)
	if err := cb.Begin(); err != nil {
		t.Fatal(err)
	}
	img := testImage(t, ws, resource.MetaColor)
	clear := gputypes.Color{R: 1, G: 0.5}
	rp := &RenderPass{Color: []Attachment{{
		Image: img,
		Load:  gputypes.LoadOpClear,
		Clear: clear,
	}}}
	if err := cb.BeginRenderPass(rp); err != nil {
		t.Fatal(err)
	}

	// The fast clear rewrites the metadata surface, not the pixels.
	mlo, _ := hw.Addr(img.Meta.BO.Addr())
	ilo, _ := hw.Addr(img.BO.Addr())
	var metaFill, imageFill bool
	if err := cb.EndRenderPass(); err != nil {
		t.Fatal(err)
	}
	for _, p := range finish(t, cb) {
		if p.op != hw.OpFill {
			continue
		}
		switch p.args[0] {
		case mlo:
			metaFill = true
			if p.args[3] != fastClearWord {
				t.Errorf("metadata fill word = %#x, want %#x", p.args[3], fastClearWord)
			}
		case ilo:
			imageFill = true
		}
	}
	if !metaFill {
		t.Error("fast clear did not rewrite the metadata surface")
	}
	if imageFill {
		t.Error("fast clear touched the pixel surface")
	}
	if !img.Meta.ClearValueKnown || img.Meta.ClearValue != clear {
		t.Errorf("clear value not recorded: known=%v value=%+v",
			img.Meta.ClearValueKnown, img.Meta.ClearValue)
	}
}

func TestRenderPassSlowClear(t *testing.T) {
	ws, cb := testCB(t, hw.Gen3)
	if err := cb.Begin(); err != nil {
		t.Fatal(err)
	}
	img := testImage(t, ws, resource.MetaNone)
	img.Meta = nil
	rp := &RenderPass{Color: []Attachment{{
		Image: img,
		Load:  gputypes.LoadOpClear,
		Clear: gputypes.Color{R: 1, A: 1},
	}}}
	if err := cb.BeginRenderPass(rp); err != nil {
		t.Fatal(err)
	}
	if err := cb.EndRenderPass(); err != nil {
		t.Fatal(err)
	}

	ilo, _ := hw.Addr(img.BO.Addr())
	found := false
	for _, p := range finish(t, cb) {
		if p.op == hw.OpFill && p.args[0] == ilo {
			found = true
			if want := uint32(0xff0000ff); p.args[3] != want {
				t.Errorf("clear fill word = %#x, want %#x", p.args[3], want)
			}
		}
	}
	if !found {
		t.Error("clear without metadata did not fill the pixel surface")
	}
}

func TestRenderPassStoreFlushDeferred(t *testing.T) {
	ws, cb := testCB(t, hw.Gen3)
	if err := cb.Begin(); err != nil {
		t.Fatal(err)
	}
	img := testImage(t, ws, resource.MetaNone)
	img.Meta = nil
	rp := &RenderPass{Color: []Attachment{{Image: img, Store: gputypes.StoreOpStore}}}
	if err := cb.BeginRenderPass(rp); err != nil {
		t.Fatal(err)
	}
	if err := cb.EndRenderPass(); err != nil {
		t.Fatal(err)
	}
	if cb.PendingFlush()&hw.FlushColorTarget == 0 {
		t.Error("stored attachment queued no color target flush")
	}
	pkts := finish(t, cb)
	if cb.PendingFlush() != 0 {
		t.Error("End left pending flush bits")
	}
	found := false
	for _, p := range pkts {
		if p.op == hw.OpCacheFlush && p.args[0]&uint32(hw.FlushColorTarget) != 0 {
			found = true
		}
	}
	if !found {
		t.Error("deferred store flush never reached the stream")
	}
}
