package cmdbuf

import (
	"math"

	"github.com/gogpu/gdrv/hw"
	"github.com/gogpu/gdrv/resource"
)

// Image metadata transitions. Compressed images carry an auxiliary
// surface whose true state lives in GPU memory; layout changes that
// cross a compression boundary are realized here as bracketed packet
// sequences: flush the producer caches, rewrite or resolve the
// metadata, invalidate the consumer caches.

// metaFlushBits returns the target flush and metadata invalidate bits
// for an image's auxiliary kind.
func metaFlushBits(img *resource.Image) (target, inval hw.FlushBits) {
	switch img.Meta.Kind {
	case resource.MetaColor:
		return hw.FlushColorTarget, hw.FlushInvalColorMeta
	case resource.MetaDepth:
		return hw.FlushDepthTarget, hw.FlushInvalDepthMeta
	default:
		return 0, 0
	}
}

// transitionImage realizes the metadata side of a layout change. The
// clear-value knowledge feeding the precision update is sampled before
// the rewrite: a decompress invalidates the recorded value, but the
// strategy choice belongs to the state the rewrite consumed.
func (cb *CommandBuffer) transitionImage(img *resource.Image, from, to resource.Layout) {
	if !img.HasMeta() {
		return
	}
	cb.table.Add(img.BO)
	cb.table.Add(img.Meta.BO)

	known := img.Meta.ClearValueKnown
	depth := float32(img.Meta.ClearValue.R)

	switch {
	case from == resource.LayoutUndefined:
		cb.initMetadata(img)
	case img.CompressedIn(from) && !img.CompressedIn(to):
		cb.decompress(img)
	case img.FastClearableIn(from) && !img.FastClearableIn(to):
		cb.fastClearEliminate(img)
	}

	if img.Meta.Kind == resource.MetaDepth {
		cb.updateDepthPrecision(img, known, depth)
	}
}

// initMetadata writes the "uncompressed but valid" sentinel over the
// whole auxiliary surface. From Undefined the main surface contents
// are garbage, so no resolve runs; the fill alone makes every later
// read well defined.
func (cb *CommandBuffer) initMetadata(img *resource.Image) {
	target, inval := metaFlushBits(img)
	cb.emitFlush(target)
	cb.fillMeta(img, resource.InitSentinel)
	cb.pendingFlush |= inval
	img.Meta.ClearValueKnown = false
}

// decompress resolves compressed blocks in place and rewrites the
// auxiliary surface to the expanded encoding. The sequence brackets
// the resolve with a producer flush before and consumer invalidates
// after; without the leading flush the resolve could read stale
// blocks still sitting in the target caches.
func (cb *CommandBuffer) decompress(img *resource.Image) {
	target, inval := metaFlushBits(img)
	cb.emitFlush(target | inval)
	cb.emitResolve(img)
	cb.fillMeta(img, resource.InitSentinel)
	cb.pendingFlush |= target | inval
	img.Meta.ClearValueKnown = false
}

// fastClearEliminate expands fast-cleared blocks to their literal
// clear color. The metadata surface stays in its compressed encoding;
// only clear blocks change, so the rewrite is the resolve alone.
func (cb *CommandBuffer) fastClearEliminate(img *resource.Image) {
	target, inval := metaFlushBits(img)
	cb.emitFlush(target)
	cb.emitResolve(img)
	cb.pendingFlush |= target | inval
}

// emitResolve records the metadata resolve pass over the image. The
// command processor reads the auxiliary surface and rewrites the main
// surface range it covers.
func (cb *CommandBuffer) emitResolve(img *resource.Image) {
	lo, hi := hw.Addr(img.BO.Addr())
	words := img.Extent.Width * img.Extent.Height
	cb.stream.Append(hw.Header(hw.OpFill, 4), lo, hi, words, 0)
}

// fillMeta overwrites the auxiliary surface with a repeated word.
func (cb *CommandBuffer) fillMeta(img *resource.Image, value uint32) {
	bo := img.Meta.BO
	if bo == nil {
		return
	}
	lo, hi := hw.Addr(bo.Addr())
	words := uint32(bo.Size() / 4)
	cb.stream.Append(hw.Header(hw.OpFill, 4), lo, hi, words, value)
}

// depthRegWriter updates the depth precision register, which must
// track whether the bound depth surface currently holds a fast-clear
// value outside the standard range.
type depthRegWriter interface {
	write(cb *CommandBuffer, value uint32)
}

// directDepthWrite is used when the clear value is statically known
// at record time.
type directDepthWrite struct{}

func (directDepthWrite) write(cb *CommandBuffer, value uint32) {
	cb.stream.Append(hw.Header(hw.OpSetReg, 2), uint32(hw.RegDepthPrecision), value)
}

// predicatedDepthWrite is used when the clear value lives only in GPU
// memory: the register write is predicated on the metadata word
// matching the fast-clear encoding, so the GPU resolves the question
// the CPU cannot.
type predicatedDepthWrite struct {
	addr uint64
	ref  uint32
}

func (p predicatedDepthWrite) write(cb *CommandBuffer, value uint32) {
	lo, hi := hw.Addr(p.addr)
	cb.stream.Append(hw.Header(hw.OpCondWrite, 5), lo, hi, p.ref,
		uint32(hw.RegDepthPrecision), value)
}

// depthPrecisionValue encodes the register value for a given clear
// depth. Depths of exactly 0 or 1 permit the compressed range
// encoding; anything else forces full precision.
func depthPrecisionValue(depth float32) uint32 {
	if depth == 0 || depth == 1 {
		return 0
	}
	return 1
}

// updateDepthPrecision keeps RegDepthPrecision consistent with the
// depth surface's fast-clear state across a layout change. With a
// known clear value the write is direct; otherwise it is predicated
// on the metadata surface, which requires CapPredicatedReg. Hardware
// with neither option conservatively forces full precision.
func (cb *CommandBuffer) updateDepthPrecision(img *resource.Image, known bool, depth float32) {
	m := img.Meta
	switch {
	case known:
		directDepthWrite{}.write(cb, depthPrecisionValue(depth))
	case cb.info.Caps.Has(hw.CapPredicatedReg) && m.BO != nil:
		w := predicatedDepthWrite{
			addr: m.BO.Addr(),
			ref:  math.Float32bits(1),
		}
		w.write(cb, 0)
	default:
		directDepthWrite{}.write(cb, 1)
	}
}
