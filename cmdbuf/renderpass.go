package cmdbuf

import (
	"fmt"
	"math"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gdrv/hw"
	"github.com/gogpu/gdrv/resource"
	"github.com/gogpu/gdrv/winsys"
)

// Attachment describes one render target of a pass.
type Attachment struct {
	Image *resource.Image
	Load  gputypes.LoadOp
	Store gputypes.StoreOp

	// Clear is the clear color applied when Load is LoadOpClear.
	Clear gputypes.Color

	// ClearDepth is the clear value for the depth attachment.
	ClearDepth float32
}

// RenderPass describes the targets of one render pass instance.
type RenderPass struct {
	Color []Attachment
	Depth *Attachment
}

// fastClearWord is the metadata encoding marking every block as
// holding the fast-clear value.
const fastClearWord = uint32(0)

// packColor encodes a clear color as a 32-bit RGBA8 fill word.
func packColor(c gputypes.Color) uint32 {
	to8 := func(v float64) uint32 {
		if v <= 0 {
			return 0
		}
		if v >= 1 {
			return 255
		}
		return uint32(v*255 + 0.5)
	}
	return to8(c.R) | to8(c.G)<<8 | to8(c.B)<<16 | to8(c.A)<<24
}

// BeginRenderPass binds the pass targets and applies load operations.
// Clearing an image with fast-clear-capable metadata rewrites the
// auxiliary surface instead of the pixels.
func (cb *CommandBuffer) BeginRenderPass(rp *RenderPass) error {
	if cb.state != StateRecording {
		return ErrNotRecording
	}
	if cb.pass != nil {
		return fmt.Errorf("cmdbuf: render pass already active: %w", winsys.ErrInval)
	}
	if len(rp.Color) > hw.MaxColorTargets {
		return fmt.Errorf("%w: %d color targets", ErrLimit, len(rp.Color))
	}
	cb.pass = rp
	if cb.broken() {
		return nil
	}

	// Invalidates queued by earlier barriers must land before the
	// load-op writes below.
	cb.emitPendingFlush()

	for i := range rp.Color {
		att := &rp.Color[i]
		cb.emitTarget(hw.RegColorTarget+hw.Reg(i*hw.ColorTargetRegs), att.Image)
		cb.loadColor(att)
	}
	cb.stream.Append(hw.Header(hw.OpSetReg, 2),
		uint32(hw.RegColorTargetCount), uint32(len(rp.Color)))
	if att := rp.Depth; att != nil {
		cb.emitTarget(hw.RegDepthTarget, att.Image)
		cb.loadDepth(att)
	}
	return nil
}

// emitTarget writes one target register block and keeps the surfaces
// resident.
func (cb *CommandBuffer) emitTarget(base hw.Reg, img *resource.Image) {
	cb.table.Add(img.BO)
	lo, hi := hw.Addr(img.BO.Addr())
	var mlo, mhi uint32
	if img.HasMeta() && img.Meta.BO != nil {
		cb.table.Add(img.Meta.BO)
		mlo, mhi = hw.Addr(img.Meta.BO.Addr())
	}
	extent := img.Extent.Width<<16 | img.Extent.Height
	cb.stream.Append(hw.Header(hw.OpSetReg, 1+hw.ColorTargetRegs),
		uint32(base), lo, hi, mlo, mhi, extent)
}

// loadColor applies a color attachment's load operation.
func (cb *CommandBuffer) loadColor(att *Attachment) {
	if att.Load != gputypes.LoadOpClear {
		return
	}
	img := att.Image
	if img.FastClearableIn(resource.LayoutColorTarget) {
		cb.fillMeta(img, fastClearWord)
		img.Meta.ClearValue = att.Clear
		img.Meta.ClearValueKnown = true
		cb.pendingFlush |= hw.FlushInvalColorMeta
		return
	}
	lo, hi := hw.Addr(img.BO.Addr())
	words := img.Extent.Width * img.Extent.Height
	cb.stream.Append(hw.Header(hw.OpFill, 4), lo, hi, words, packColor(att.Clear))
	cb.pendingFlush |= hw.FlushColorTarget
}

// loadDepth applies the depth attachment's load operation and keeps
// the precision register consistent with the new clear state.
func (cb *CommandBuffer) loadDepth(att *Attachment) {
	img := att.Image
	if att.Load == gputypes.LoadOpClear {
		if img.FastClearableIn(resource.LayoutDepthTarget) {
			cb.fillMeta(img, fastClearWord)
			img.Meta.ClearValue = gputypes.Color{R: float64(att.ClearDepth)}
			img.Meta.ClearValueKnown = true
			cb.pendingFlush |= hw.FlushInvalDepthMeta
		} else {
			lo, hi := hw.Addr(img.BO.Addr())
			words := img.Extent.Width * img.Extent.Height
			cb.stream.Append(hw.Header(hw.OpFill, 4), lo, hi, words,
				math.Float32bits(att.ClearDepth))
			cb.pendingFlush |= hw.FlushDepthTarget
		}
	}
	if img.HasMeta() && img.Meta.Kind == resource.MetaDepth {
		cb.updateDepthPrecision(img, img.Meta.ClearValueKnown,
			float32(img.Meta.ClearValue.R))
	}
}

// NextSubpass transitions between subpasses: attachment writes of the
// previous subpass drain and shader-read caches invalidate before the
// next one samples them.
func (cb *CommandBuffer) NextSubpass() error {
	if cb.state != StateRecording {
		return ErrNotRecording
	}
	if cb.pass == nil {
		return fmt.Errorf("cmdbuf: no render pass active: %w", winsys.ErrInval)
	}
	if cb.broken() {
		return nil
	}
	cb.emitFlush(hw.FlushColorTarget | hw.FlushDepthTarget)
	cb.pendingFlush |= hw.FlushInvalTexture | hw.FlushInvalGeneral
	return nil
}

// EndRenderPass unbinds the targets and queues visibility flushes for
// stored attachments. Discarded attachments get no flush at all.
func (cb *CommandBuffer) EndRenderPass() error {
	if cb.state != StateRecording {
		return ErrNotRecording
	}
	rp := cb.pass
	if rp == nil {
		return fmt.Errorf("cmdbuf: no render pass active: %w", winsys.ErrInval)
	}
	cb.pass = nil
	if cb.broken() {
		return nil
	}
	for i := range rp.Color {
		if rp.Color[i].Store == gputypes.StoreOpStore {
			cb.pendingFlush |= hw.FlushColorTarget
		}
	}
	if rp.Depth != nil && rp.Depth.Store == gputypes.StoreOpStore {
		cb.pendingFlush |= hw.FlushDepthTarget
	}
	cb.stream.Append(hw.Header(hw.OpSetReg, 2), uint32(hw.RegColorTargetCount), 0)
	return nil
}
