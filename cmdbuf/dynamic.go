package cmdbuf

import (
	"math"

	"github.com/gogpu/gdrv/hw"
	"github.com/gogpu/gdrv/pipeline"
)

// Dynamic state setters. Each setter compares against the live value
// and dirties only on change, so redundant calls are free and the
// dirty delta stays minimal.

// SetViewports sets the viewport array. The count is pipeline state
// and does not change here.
func (cb *CommandBuffer) SetViewports(first int, vps []pipeline.Viewport) {
	if cb.state != StateRecording || first+len(vps) > hw.MaxViewports {
		return
	}
	for i, vp := range vps {
		if cb.dynamic.Viewports[first+i] == vp {
			continue
		}
		cb.dynamic.Viewports[first+i] = vp
		cb.dirty |= pipeline.StateViewport
	}
}

// SetScissors sets the scissor rectangle array.
func (cb *CommandBuffer) SetScissors(first int, rects []pipeline.Scissor) {
	if cb.state != StateRecording || first+len(rects) > hw.MaxScissors {
		return
	}
	for i, r := range rects {
		if cb.dynamic.Scissors[first+i] == r {
			continue
		}
		cb.dynamic.Scissors[first+i] = r
		cb.dirty |= pipeline.StateScissor
	}
}

// SetDiscardRects sets the discard rectangle array.
func (cb *CommandBuffer) SetDiscardRects(rects []pipeline.Scissor) {
	if cb.state != StateRecording || len(rects) > hw.MaxDiscardRects {
		return
	}
	for i, r := range rects {
		if cb.dynamic.DiscardRects[i] == r {
			continue
		}
		cb.dynamic.DiscardRects[i] = r
		cb.dirty |= pipeline.StateDiscardRect
	}
}

// SetLineWidth sets the rasterizer line width.
func (cb *CommandBuffer) SetLineWidth(w float32) {
	if cb.state != StateRecording || cb.dynamic.LineWidth == w {
		return
	}
	cb.dynamic.LineWidth = w
	cb.dirty |= pipeline.StateLineWidth
}

// SetBlendConstants sets the RGBA blend constant.
func (cb *CommandBuffer) SetBlendConstants(rgba [4]float32) {
	if cb.state != StateRecording || cb.dynamic.BlendConstants == rgba {
		return
	}
	cb.dynamic.BlendConstants = rgba
	cb.dirty |= pipeline.StateBlendConstants
}

// SetStencilReference sets the stencil reference value.
func (cb *CommandBuffer) SetStencilReference(ref uint32) {
	if cb.state != StateRecording || cb.dynamic.Stencil.Reference == ref {
		return
	}
	cb.dynamic.Stencil.Reference = ref
	cb.dirty |= pipeline.StateStencilRef
}

// SetStencilCompareMask sets the stencil compare mask.
func (cb *CommandBuffer) SetStencilCompareMask(mask uint32) {
	if cb.state != StateRecording || cb.dynamic.Stencil.CompareMask == mask {
		return
	}
	cb.dynamic.Stencil.CompareMask = mask
	cb.dirty |= pipeline.StateStencilMasks
}

// SetStencilWriteMask sets the stencil write mask.
func (cb *CommandBuffer) SetStencilWriteMask(mask uint32) {
	if cb.state != StateRecording || cb.dynamic.Stencil.WriteMask == mask {
		return
	}
	cb.dynamic.Stencil.WriteMask = mask
	cb.dirty |= pipeline.StateStencilMasks
}

// SetDepthBounds sets the depth bounds test range.
func (cb *CommandBuffer) SetDepthBounds(min, max float32) {
	if cb.state != StateRecording ||
		(cb.dynamic.DepthBoundsMin == min && cb.dynamic.DepthBoundsMax == max) {
		return
	}
	cb.dynamic.DepthBoundsMin = min
	cb.dynamic.DepthBoundsMax = max
	cb.dirty |= pipeline.StateDepthBounds
}

// SetDepthBias sets the depth bias parameters.
func (cb *CommandBuffer) SetDepthBias(b pipeline.DepthBias) {
	if cb.state != StateRecording || cb.dynamic.Bias == b {
		return
	}
	cb.dynamic.Bias = b
	cb.dirty |= pipeline.StateDepthBias
}

// Dirty returns the pending state delta. Exposed for the submission
// coordinator and tests.
func (cb *CommandBuffer) Dirty() pipeline.StateBits { return cb.dirty }

// copyDynamic copies the fields selected by bits from src into the
// live state without dirty-bit diffing: callers dirty explicitly.
// Fields absent from src's present mask are left untouched.
func (cb *CommandBuffer) copyDynamic(src *pipeline.DynamicState, bits pipeline.StateBits) {
	bits &= src.Present
	if bits&pipeline.StateViewport != 0 {
		cb.dynamic.Viewports = src.Viewports
	}
	if bits&pipeline.StateScissor != 0 {
		cb.dynamic.Scissors = src.Scissors
	}
	if bits&pipeline.StateDiscardRect != 0 {
		cb.dynamic.DiscardRects = src.DiscardRects
	}
	if bits&pipeline.StateLineWidth != 0 {
		cb.dynamic.LineWidth = src.LineWidth
	}
	if bits&pipeline.StateBlendConstants != 0 {
		cb.dynamic.BlendConstants = src.BlendConstants
	}
	if bits&pipeline.StateStencilRef != 0 {
		cb.dynamic.Stencil.Reference = src.Stencil.Reference
	}
	if bits&pipeline.StateStencilMasks != 0 {
		cb.dynamic.Stencil.CompareMask = src.Stencil.CompareMask
		cb.dynamic.Stencil.WriteMask = src.Stencil.WriteMask
	}
	if bits&pipeline.StateDepthBounds != 0 {
		cb.dynamic.DepthBoundsMin = src.DepthBoundsMin
		cb.dynamic.DepthBoundsMax = src.DepthBoundsMax
	}
	if bits&pipeline.StateDepthBias != 0 {
		cb.dynamic.Bias = src.Bias
	}
}

// f32 returns the raw register encoding of a float value.
func f32(v float32) uint32 { return math.Float32bits(v) }

// packRect packs a scissor-style rectangle into its two register
// words: packed min corner, packed max corner (exclusive). Negative
// origins clamp to zero, matching the register field width.
func packRect(r pipeline.Scissor) (minw, maxw uint32) {
	x, y := r.X, r.Y
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	return uint32(y)<<16 | uint32(x)&0xffff,
		uint32(y+r.Height)<<16 | uint32(x+r.Width)&0xffff
}

// declaredDynamic reports the state fields the bound graphics
// pipeline leaves dynamic. Setter values for fields the pipeline
// fixes stay latched but never reach the registers.
func (cb *CommandBuffer) declaredDynamic() pipeline.StateBits {
	if cb.graphics == nil {
		return pipeline.StateAllDynamic
	}
	return cb.graphics.Dynamic & pipeline.StateAllDynamic
}

// flushDynamicState emits register writes for every dirty dynamic
// field the bound pipeline declares dynamic, in a fixed priority
// order. The scissor block is deferred to emitLateScissor on hardware
// with the context-roll bug. It returns whether any context register
// was written.
func (cb *CommandBuffer) flushDynamicState() bool {
	declared := cb.declaredDynamic()
	dirty := cb.dirty & declared
	if dirty == 0 {
		return false
	}
	s := cb.stream
	d := &cb.dynamic
	rolled := false

	if dirty&pipeline.StateViewport != 0 {
		n := d.ViewportCount * hw.ViewportRegs
		if n > 0 {
			s.Append(hw.Header(hw.OpSetReg, 1+n), uint32(hw.RegViewport))
			for i := 0; i < d.ViewportCount; i++ {
				vp := &d.Viewports[i]
				s.Append(f32(vp.X), f32(vp.Y), f32(vp.Width), f32(vp.Height),
					f32(vp.ZNear), f32(vp.ZFar))
			}
			rolled = true
		}
	}
	if dirty&pipeline.StateScissor != 0 && !cb.info.Caps.Has(hw.CapScissorBug) {
		cb.emitScissors()
		rolled = true
	}
	if dirty&pipeline.StateLineWidth != 0 {
		s.Append(hw.Header(hw.OpSetReg, 2), uint32(hw.RegLineWidth), f32(d.LineWidth))
		rolled = true
	}
	if dirty&pipeline.StateBlendConstants != 0 {
		s.Append(hw.Header(hw.OpSetReg, 5), uint32(hw.RegBlendConst),
			f32(d.BlendConstants[0]), f32(d.BlendConstants[1]),
			f32(d.BlendConstants[2]), f32(d.BlendConstants[3]))
		rolled = true
	}
	if dirty&pipeline.StateStencilRef != 0 {
		s.Append(hw.Header(hw.OpSetReg, 2), uint32(hw.RegStencilRef), d.Stencil.Reference)
		rolled = true
	}
	if dirty&pipeline.StateStencilMasks != 0 {
		s.Append(hw.Header(hw.OpSetReg, 2), uint32(hw.RegStencilCmp), d.Stencil.CompareMask)
		s.Append(hw.Header(hw.OpSetReg, 2), uint32(hw.RegStencilWr), d.Stencil.WriteMask)
		rolled = true
	}
	if dirty&pipeline.StateDepthBounds != 0 {
		s.Append(hw.Header(hw.OpSetReg, 3), uint32(hw.RegDepthBounds),
			f32(d.DepthBoundsMin), f32(d.DepthBoundsMax))
		rolled = true
	}
	if dirty&pipeline.StateDepthBias != 0 {
		s.Append(hw.Header(hw.OpSetReg, 4), uint32(hw.RegDepthBias),
			f32(d.Bias.Constant), f32(d.Bias.Clamp), f32(d.Bias.Slope))
		rolled = true
	}
	if dirty&pipeline.StateDiscardRect != 0 && d.DiscardRectCount > 0 {
		n := d.DiscardRectCount * hw.DiscardRectRegs
		s.Append(hw.Header(hw.OpSetReg, 1+n), uint32(hw.RegDiscardRect))
		for i := 0; i < d.DiscardRectCount; i++ {
			minw, maxw := packRect(d.DiscardRects[i])
			s.Append(minw, maxw)
		}
		rolled = true
	}

	if cb.info.Caps.Has(hw.CapScissorBug) {
		// Scissor emission is handled by emitLateScissor; keep its
		// dirty bit pending so the late pass sees it.
		cb.dirty &^= declared &^ pipeline.StateScissor
	} else {
		cb.dirty &^= declared
	}
	return rolled
}

// emitScissors writes the scissor register block.
func (cb *CommandBuffer) emitScissors() {
	d := &cb.dynamic
	if d.ScissorCount == 0 {
		return
	}
	n := d.ScissorCount * hw.ScissorRegs
	cb.stream.Append(hw.Header(hw.OpSetReg, 1+n), uint32(hw.RegScissor))
	for i := 0; i < d.ScissorCount; i++ {
		minw, maxw := packRect(d.Scissors[i])
		cb.stream.Append(minw, maxw)
	}
}

// emitLateScissor re-emits the scissor block on buggy hardware
// whenever a context roll happened, even if the values are unchanged.
// It runs last in state emission so no later register write can roll
// the context again.
func (cb *CommandBuffer) emitLateScissor(rolled bool) {
	if !cb.info.Caps.Has(hw.CapScissorBug) {
		return
	}
	if !rolled && cb.dirty&cb.declaredDynamic()&pipeline.StateScissor == 0 {
		return
	}
	cb.emitScissors()
	cb.dirty &^= pipeline.StateScissor
}
