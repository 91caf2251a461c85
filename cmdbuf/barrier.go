package cmdbuf

import (
	"github.com/gogpu/gdrv/hw"
	"github.com/gogpu/gdrv/resource"
)

// Access is a bitset of memory access kinds used on either side of a
// barrier.
type Access uint32

// Access flags.
const (
	AccessIndirectRead Access = 1 << iota
	AccessIndexRead
	AccessVertexRead
	AccessUniformRead
	AccessShaderRead
	AccessShaderWrite
	AccessColorRead
	AccessColorWrite
	AccessDepthRead
	AccessDepthWrite
	AccessTransferRead
	AccessTransferWrite
	AccessHostRead
	AccessHostWrite
	AccessMemoryRead
	AccessMemoryWrite
)

// accessWrites is the subset of Access flags that dirty caches.
const accessWrites = AccessShaderWrite | AccessColorWrite | AccessDepthWrite |
	AccessTransferWrite | AccessHostWrite | AccessMemoryWrite

// Stage is a bitset of pipeline stages.
type Stage uint32

// Stage flags.
const (
	StageDrawIndirect Stage = 1 << iota
	StageVertexInput
	StageVertexShader
	StageFragmentShader
	StageEarlyDepth
	StageLateDepth
	StageColorOutput
	StageComputeShader
	StageTransfer
	StageHost
	StageAllGraphics
	StageAllCommands
)

// srcAccessFlush maps source (write) accesses to the cache write-back
// and stall bits that make them visible. Metadata bits join only when
// the barrier names an image that carries the matching auxiliary
// surface.
func (cb *CommandBuffer) srcAccessFlush(mask Access, img *resource.Image) hw.FlushBits {
	var f hw.FlushBits
	if mask&(AccessShaderWrite|AccessMemoryWrite) != 0 {
		f |= hw.FlushWBGeneral
	}
	if mask&(AccessColorWrite|AccessMemoryWrite) != 0 {
		f |= hw.FlushColorTarget
		if img != nil && img.HasMeta() && img.Meta.Kind == resource.MetaColor {
			f |= hw.FlushInvalColorMeta
		}
	}
	if mask&(AccessDepthWrite|AccessMemoryWrite) != 0 {
		f |= hw.FlushDepthTarget
		if img != nil && img.HasMeta() && img.Meta.Kind == resource.MetaDepth {
			f |= hw.FlushInvalDepthMeta
		}
	}
	if mask&(AccessTransferWrite|AccessHostWrite) != 0 {
		f |= hw.FlushWBGeneral
	}
	return f
}

// dstAccessFlush maps destination (read) accesses to the cache
// invalidates that future readers need.
func (cb *CommandBuffer) dstAccessFlush(mask Access, img *resource.Image) hw.FlushBits {
	var f hw.FlushBits
	if mask&(AccessIndirectRead|AccessIndexRead|AccessVertexRead|AccessMemoryRead) != 0 {
		f |= hw.FlushInvalGeneral
	}
	if mask&(AccessUniformRead|AccessMemoryRead) != 0 {
		f |= hw.FlushInvalConst
	}
	if mask&(AccessShaderRead|AccessMemoryRead) != 0 {
		f |= hw.FlushInvalTexture
		if !cb.info.Caps.Has(hw.CapShaderCoherentImages) {
			f |= hw.FlushInvalGeneral
		}
		if img != nil && img.HasMeta() {
			switch img.Meta.Kind {
			case resource.MetaColor:
				f |= hw.FlushInvalColorMeta
			case resource.MetaDepth:
				f |= hw.FlushInvalDepthMeta
			}
		}
	}
	if mask&(AccessShaderWrite|AccessMemoryWrite) != 0 {
		f |= hw.FlushInvalGeneral
	}
	if mask&(AccessColorRead|AccessColorWrite) != 0 {
		f |= hw.FlushColorTarget
	}
	if mask&(AccessDepthRead|AccessDepthWrite) != 0 {
		f |= hw.FlushDepthTarget
	}
	if mask&(AccessTransferRead|AccessHostRead) != 0 {
		f |= hw.FlushInvalGeneral
	}
	return f
}

// stageFlush maps source stages to the stall bits that drain them.
func stageFlush(mask Stage) hw.FlushBits {
	var f hw.FlushBits
	if mask&(StageDrawIndirect|StageVertexInput|StageVertexShader|StageAllGraphics|StageAllCommands) != 0 {
		f |= hw.FlushStallVS
	}
	if mask&(StageFragmentShader|StageEarlyDepth|StageLateDepth|StageColorOutput|StageAllGraphics|StageAllCommands) != 0 {
		f |= hw.FlushStallPS
	}
	if mask&(StageComputeShader|StageTransfer|StageAllCommands) != 0 {
		f |= hw.FlushStallCS
	}
	return f
}

// Barrier describes one pipeline barrier. A nil Image makes it a
// global memory barrier; with an Image and differing layouts it also
// performs the metadata transition.
type Barrier struct {
	SrcStage  Stage
	DstStage  Stage
	SrcAccess Access
	DstAccess Access

	Image     *resource.Image
	OldLayout resource.Layout
	NewLayout resource.Layout
}

// PipelineBarrier records a barrier. Source-side work (stalls and
// cache write-backs) emits immediately; destination-side invalidates
// accumulate into the pending mask and are realized lazily before the
// next draw, dispatch or stream end.
func (cb *CommandBuffer) PipelineBarrier(b Barrier) {
	if cb.state != StateRecording || cb.broken() {
		return
	}
	src := stageFlush(b.SrcStage)
	if b.SrcAccess&accessWrites != 0 {
		src |= cb.srcAccessFlush(b.SrcAccess, b.Image)
	}
	if src != 0 {
		cb.emitFlush(src)
	}

	if b.Image != nil && b.OldLayout != b.NewLayout {
		cb.transitionImage(b.Image, b.OldLayout, b.NewLayout)
	}

	cb.pendingFlush |= cb.dstAccessFlush(b.DstAccess, b.Image)
}

// emitFlush writes the packets realizing a flush mask: one cache
// flush packet for the cache bits, one stall packet for the stall
// bits, stall last so flushed data is stable when the front end
// resumes.
func (cb *CommandBuffer) emitFlush(f hw.FlushBits) {
	if f == 0 {
		return
	}
	if c := f & hw.CacheBits; c != 0 {
		cb.stream.Append(hw.Header(hw.OpCacheFlush, 1), uint32(c))
	}
	if s := f & hw.StallBits; s != 0 {
		cb.stream.Append(hw.Header(hw.OpStall, 1), uint32(s))
	}
}

// emitPendingFlush realizes and clears the accumulated pending mask.
func (cb *CommandBuffer) emitPendingFlush() {
	if cb.pendingFlush == 0 {
		return
	}
	cb.emitFlush(cb.pendingFlush)
	cb.pendingFlush = 0
}

// PendingFlush exposes the accumulated mask for tests and the
// submission coordinator.
func (cb *CommandBuffer) PendingFlush() hw.FlushBits { return cb.pendingFlush }
