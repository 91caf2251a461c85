package cmdbuf

import (
	"encoding/binary"
	"errors"
	"math/bits"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gdrv/hw"
	"github.com/gogpu/gdrv/pipeline"
	"github.com/gogpu/gdrv/resource"
)

// ErrUnsupported is returned for operations the device cannot encode.
var ErrUnsupported = errors.New("cmdbuf: operation not supported by device")

// primTypeValue maps an API topology to its register encoding.
func primTypeValue(t gputypes.PrimitiveTopology) uint32 {
	switch t {
	case gputypes.PrimitiveTopologyPointList:
		return 0
	case gputypes.PrimitiveTopologyLineList:
		return 1
	case gputypes.PrimitiveTopologyLineStrip:
		return 2
	case gputypes.PrimitiveTopologyTriangleList:
		return 3
	case gputypes.PrimitiveTopologyTriangleStrip:
		return 4
	default:
		return 3
	}
}

// setRegIfChanged writes a register only when it differs from the
// cached last-emitted value, returning the new cache entry and
// whether a write happened.
func (cb *CommandBuffer) setRegIfChanged(last *int64, reg hw.Reg, value uint32) bool {
	if *last == int64(value) {
		return false
	}
	*last = int64(value)
	cb.stream.Append(hw.Header(hw.OpSetReg, 2), uint32(reg), value)
	return true
}

// flushVertexBuffers uploads the vertex buffer descriptor table
// (address, size pairs) and points the table register at it.
func (cb *CommandBuffer) flushVertexBuffers() {
	if cb.dirty&dirtyVertexBuffers == 0 || cb.vertexCount == 0 {
		return
	}
	mem, addr, bo, err := cb.upload.alloc(uint64(cb.vertexCount)*16, 16)
	if err != nil {
		cb.recordFail(err)
		return
	}
	for i := 0; i < cb.vertexCount; i++ {
		var a, n uint64
		if b := cb.vertex[i]; b != nil {
			a, n = b.Addr(), b.Size
		}
		binary.LittleEndian.PutUint64(mem[i*16:], a)
		binary.LittleEndian.PutUint64(mem[i*16+8:], n)
	}
	cb.table.Add(bo)
	lo, hi := hw.Addr(addr)
	cb.stream.Append(hw.Header(hw.OpSetReg, 3), uint32(hw.RegVertexBuffers), lo, hi)
	cb.dirty &^= dirtyVertexBuffers
}

// flushIndexBuffer emits the index buffer packet if dirty.
func (cb *CommandBuffer) flushIndexBuffer() {
	if cb.dirty&dirtyIndexBuffer == 0 || cb.index.buf == nil {
		return
	}
	typ := uint32(cb.index.typ)
	lo, hi := hw.Addr(cb.index.buf.Addr())
	cb.stream.Append(hw.Header(hw.OpIndexBuffer, 4), lo, hi,
		uint32(cb.index.count), typ)
	cb.lastIndexType = int64(typ)
	cb.dirty &^= dirtyIndexBuffer
}

// emitGraphicsState writes every dirty piece of graphics state in a
// fixed order: pipeline registers, topology, dynamic state, buffer
// bindings, then the late scissor. It returns whether any context
// register rolled.
func (cb *CommandBuffer) emitGraphicsState(indexed bool) {
	pl := cb.graphics
	rolled := false

	if cb.dirty&dirtyGraphicsPipeline != 0 {
		for _, w := range pl.Regs {
			cb.stream.Append(hw.Header(hw.OpSetReg, 2), uint32(w.Reg), w.Value)
		}
		rolled = rolled || len(pl.Regs) > 0
		cb.dirty &^= dirtyGraphicsPipeline
	}

	if cb.setRegIfChanged(&cb.lastPrimType, hw.RegPrimType, primTypeValue(pl.Topology)) {
		rolled = true
	}
	restart := uint32(0)
	if pl.PrimRestart {
		restart = 1
	}
	if cb.setRegIfChanged(&cb.lastRestart, hw.RegPrimRestart, restart) {
		rolled = true
	}

	if cb.flushDynamicState() {
		rolled = true
	}

	cb.flushVertexBuffers()
	if indexed {
		cb.flushIndexBuffer()
	}

	cb.emitLateScissor(rolled)
}

// drawScalars writes the per-draw scalar registers through the
// last-emitted cache.
func (cb *CommandBuffer) drawScalars(vertexOffset, firstInstance, instanceCount int) {
	cb.setRegIfChanged(&cb.lastVertexOffset, hw.RegVertexOffset, uint32(vertexOffset))
	cb.setRegIfChanged(&cb.lastFirstInstance, hw.RegFirstInstance, uint32(firstInstance))
	cb.setRegIfChanged(&cb.lastInstanceCount, hw.RegInstanceCount, uint32(instanceCount))
}

// predraw validates the draw and sequences pending barrier work. The
// ordering rule: when a stall is pending, state writes go first so
// they land while the pipeline drains, then the flush, then the
// descriptor uploads the stalled stages will read.
func (cb *CommandBuffer) predraw(indexed bool) bool {
	if cb.state != StateRecording || cb.broken() {
		return false
	}
	if cb.graphics == nil {
		cb.recordFail(ErrNoPipeline)
		return false
	}
	layout := cb.graphics.Layout

	if cb.pendingFlush.Stalls() {
		cb.emitGraphicsState(indexed)
		cb.emitPendingFlush()
		cb.flushDescriptors(pipeline.KindGraphics, layout)
		cb.flushConstants(pipeline.KindGraphics, layout, graphicsShaderInfos(cb.graphics))
	} else {
		cb.emitPendingFlush()
		cb.emitGraphicsState(indexed)
		cb.flushDescriptors(pipeline.KindGraphics, layout)
		cb.flushConstants(pipeline.KindGraphics, layout, graphicsShaderInfos(cb.graphics))
	}
	return !cb.broken()
}

// graphicsShaderInfos projects the bound shader infos for constant
// pointer emission, indexed by stage slot.
func graphicsShaderInfos(pl *pipeline.Graphics) []*pipeline.ShaderInfo {
	out := make([]*pipeline.ShaderInfo, len(pl.Shaders))
	for i, v := range pl.Shaders {
		if v != nil {
			out[i] = &v.Info
		}
	}
	return out
}

// perView runs emit once per active view when multiview is enabled,
// updating the view index register before each repetition.
func (cb *CommandBuffer) perView(emit func()) {
	mask := cb.graphics.ViewMask
	if mask == 0 {
		emit()
		return
	}
	for mask != 0 {
		view := bits.TrailingZeros32(mask)
		mask &= mask - 1
		cb.stream.Append(hw.Header(hw.OpSetReg, 2), uint32(hw.RegViewIndex), uint32(view))
		emit()
	}
}

// Draw records a non-indexed draw.
func (cb *CommandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance int) {
	if !cb.predraw(false) {
		return
	}
	cb.drawScalars(firstVertex, firstInstance, instanceCount)
	cb.perView(func() {
		cb.stream.Append(hw.Header(hw.OpDraw, 2), uint32(vertexCount), uint32(instanceCount))
	})
}

// DrawIndexed records an indexed draw.
func (cb *CommandBuffer) DrawIndexed(indexCount, instanceCount, firstIndex, vertexOffset, firstInstance int) {
	if !cb.predraw(true) {
		return
	}
	cb.drawScalars(vertexOffset, firstInstance, instanceCount)
	cb.perView(func() {
		cb.stream.Append(hw.Header(hw.OpDrawIndexed, 3),
			uint32(indexCount), uint32(instanceCount), uint32(firstIndex))
	})
}

// DrawIndirect records draws whose arguments live in a buffer.
func (cb *CommandBuffer) DrawIndirect(buf *resource.Buffer, offset uint64, drawCount, stride int) {
	cb.drawIndirect(hw.OpDrawIndirect, false, buf, offset, drawCount, stride)
}

// DrawIndexedIndirect records indexed draws whose arguments live in a
// buffer.
func (cb *CommandBuffer) DrawIndexedIndirect(buf *resource.Buffer, offset uint64, drawCount, stride int) {
	cb.drawIndirect(hw.OpDrawIndexedIndirect, true, buf, offset, drawCount, stride)
}

func (cb *CommandBuffer) drawIndirect(op hw.Opcode, indexed bool, buf *resource.Buffer, offset uint64, drawCount, stride int) {
	if !cb.predraw(indexed) {
		return
	}
	cb.table.Add(buf.BO)
	// Indirect arguments supply the per-draw scalars; invalidate the
	// cache so the next direct draw re-emits them.
	cb.lastVertexOffset = unknownReg
	cb.lastFirstInstance = unknownReg
	cb.lastInstanceCount = unknownReg
	lo, hi := hw.Addr(buf.Addr() + offset)
	cb.perView(func() {
		cb.stream.Append(hw.Header(op, 4), lo, hi, uint32(drawCount), uint32(stride))
	})
}

// DrawIndirectCount records an indirect draw reading the draw count
// from GPU memory. Requires hw.CapIndirectCount.
func (cb *CommandBuffer) DrawIndirectCount(buf *resource.Buffer, offset uint64, count *resource.Buffer, countOffset uint64, maxDrawCount, stride int) error {
	return cb.drawIndirectCount(hw.OpDrawIndirect, false, buf, offset, count, countOffset, maxDrawCount, stride)
}

// DrawIndexedIndirectCount is the indexed form of DrawIndirectCount.
func (cb *CommandBuffer) DrawIndexedIndirectCount(buf *resource.Buffer, offset uint64, count *resource.Buffer, countOffset uint64, maxDrawCount, stride int) error {
	return cb.drawIndirectCount(hw.OpDrawIndexedIndirect, true, buf, offset, count, countOffset, maxDrawCount, stride)
}

func (cb *CommandBuffer) drawIndirectCount(op hw.Opcode, indexed bool, buf *resource.Buffer, offset uint64, count *resource.Buffer, countOffset uint64, maxDrawCount, stride int) error {
	if !cb.info.Caps.Has(hw.CapIndirectCount) {
		return ErrUnsupported
	}
	if !cb.predraw(indexed) {
		return nil
	}
	cb.table.Add(buf.BO)
	cb.table.Add(count.BO)
	cb.lastVertexOffset = unknownReg
	cb.lastFirstInstance = unknownReg
	cb.lastInstanceCount = unknownReg
	lo, hi := hw.Addr(buf.Addr() + offset)
	clo, chi := hw.Addr(count.Addr() + countOffset)
	cb.perView(func() {
		cb.stream.Append(hw.Header(op, 6), lo, hi, clo, chi,
			uint32(maxDrawCount), uint32(stride))
	})
	return nil
}

// predispatch sequences compute state emission, mirroring predraw's
// stall ordering with the compute bind point.
func (cb *CommandBuffer) predispatch() bool {
	if cb.state != StateRecording || cb.broken() {
		return false
	}
	if cb.compute == nil {
		cb.recordFail(ErrNoPipeline)
		return false
	}
	pl := cb.compute
	emitState := func() {
		if cb.dirty&dirtyComputePipeline != 0 {
			for _, w := range pl.Regs {
				cb.stream.Append(hw.Header(hw.OpSetReg, 2), uint32(w.Reg), w.Value)
			}
			cb.dirty &^= dirtyComputePipeline
			cb.prefetchShader(pl.Shader)
		}
	}
	infos := []*pipeline.ShaderInfo{nil}
	if pl.Shader != nil {
		infos[0] = &pl.Shader.Info
	}
	if cb.pendingFlush.Stalls() {
		emitState()
		cb.emitPendingFlush()
		cb.flushDescriptors(pipeline.KindCompute, pl.Layout)
		cb.flushConstants(pipeline.KindCompute, pl.Layout, infos)
	} else {
		cb.emitPendingFlush()
		emitState()
		cb.flushDescriptors(pipeline.KindCompute, pl.Layout)
		cb.flushConstants(pipeline.KindCompute, pl.Layout, infos)
	}
	return !cb.broken()
}

// Dispatch records a compute dispatch.
func (cb *CommandBuffer) Dispatch(x, y, z int) {
	if !cb.predispatch() {
		return
	}
	cb.stream.Append(hw.Header(hw.OpDispatch, 3), uint32(x), uint32(y), uint32(z))
}

// DispatchBase records a compute dispatch starting at a nonzero base
// workgroup. The six-operand dispatch form carries the base inline so
// no register state outlives the packet.
func (cb *CommandBuffer) DispatchBase(baseX, baseY, baseZ, x, y, z int) {
	if !cb.predispatch() {
		return
	}
	cb.stream.Append(hw.Header(hw.OpDispatch, 6),
		uint32(baseX), uint32(baseY), uint32(baseZ),
		uint32(x), uint32(y), uint32(z))
}

// DispatchIndirect records a compute dispatch reading its group
// counts from a buffer.
func (cb *CommandBuffer) DispatchIndirect(buf *resource.Buffer, offset uint64) {
	if !cb.predispatch() {
		return
	}
	cb.table.Add(buf.BO)
	lo, hi := hw.Addr(buf.Addr() + offset)
	cb.stream.Append(hw.Header(hw.OpDispatchIndirect, 2), lo, hi)
}
