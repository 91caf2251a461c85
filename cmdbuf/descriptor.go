package cmdbuf

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gdrv/hw"
	"github.com/gogpu/gdrv/pipeline"
	"github.com/gogpu/gdrv/resource"
)

// descriptorState tracks one bind point's descriptor sets, push
// descriptors, push constants and dynamic offsets.
type descriptorState struct {
	sets  [hw.MaxDescriptorSets]*resource.DescriptorSet
	valid uint32 // bound set indices
	dirty uint32 // sets needing re-emission

	// Push descriptors accumulate into a CPU staging block and upload
	// as a synthetic set at hw.PushDescriptorSet on flush.
	pushData  []byte
	pushDirty bool

	constants  [hw.MaxPushConstBytes]byte
	constDirty bool
	constSpan  int // high-water mark of written constant bytes

	dynOffsets [hw.MaxDynamicOffsets]uint32
	dynCount   int
	dynDirty   bool
}

func (d *descriptorState) reset() {
	*d = descriptorState{pushData: d.pushData[:0]}
}

// dirtyAll forces full re-emission of everything currently bound,
// used when inherited register state becomes unknown.
func (d *descriptorState) dirtyAll() {
	d.dirty = d.valid
	if len(d.pushData) > 0 {
		d.pushDirty = true
	}
	if d.constSpan > 0 {
		d.constDirty = true
	}
	if d.dynCount > 0 {
		d.dynDirty = true
	}
}

// bindPoint maps a pipeline kind to its descriptor state index.
func bindPoint(k pipeline.Kind) int {
	if k == pipeline.KindCompute {
		return 1
	}
	return 0
}

// BindDescriptorSet binds a descriptor set at the given point and
// index. Dynamic offsets for the set follow, in declaration order.
func (cb *CommandBuffer) BindDescriptorSet(k pipeline.Kind, index int, set *resource.DescriptorSet, dynOffsets []uint32) error {
	if cb.state != StateRecording {
		return ErrNotRecording
	}
	if index < 0 || index >= hw.MaxDescriptorSets {
		return fmt.Errorf("%w: set index %d", ErrLimit, index)
	}
	d := &cb.desc[bindPoint(k)]
	bit := uint32(1) << index
	if d.sets[index] != set {
		d.sets[index] = set
		d.dirty |= bit
	}
	if set != nil {
		d.valid |= bit
		if set.BO != nil {
			cb.table.Add(set.BO)
		}
		for _, bo := range set.Resident {
			cb.table.Add(bo)
		}
	} else {
		d.valid &^= bit
	}
	if len(dynOffsets) > 0 {
		if d.dynCount+len(dynOffsets) > hw.MaxDynamicOffsets {
			return fmt.Errorf("%w: dynamic offsets", ErrLimit)
		}
		copy(d.dynOffsets[d.dynCount:], dynOffsets)
		d.dynCount += len(dynOffsets)
		d.dynDirty = true
	}
	return nil
}

// PushDescriptors writes raw descriptor words into the push set
// staging block at a byte offset. The block uploads as set
// hw.PushDescriptorSet on the next draw or dispatch.
func (cb *CommandBuffer) PushDescriptors(k pipeline.Kind, offset int, words []uint32) {
	if cb.state != StateRecording {
		return
	}
	d := &cb.desc[bindPoint(k)]
	end := offset + len(words)*4
	for len(d.pushData) < end {
		d.pushData = append(d.pushData, 0)
	}
	for i, w := range words {
		binary.LittleEndian.PutUint32(d.pushData[offset+i*4:], w)
	}
	d.pushDirty = true
}

// PushConstants writes push constant bytes at a byte offset. Both
// bind points see the same constant block in the API; the register
// pointers are per bind point, so the write dirties each point whose
// stages the current layouts name.
func (cb *CommandBuffer) PushConstants(offset int, data []byte) error {
	if cb.state != StateRecording {
		return ErrNotRecording
	}
	if offset+len(data) > hw.MaxPushConstBytes {
		return fmt.Errorf("%w: push constants %d..%d", ErrLimit, offset, offset+len(data))
	}
	for i := range cb.desc {
		d := &cb.desc[i]
		copy(d.constants[offset:], data)
		if offset+len(data) > d.constSpan {
			d.constSpan = offset + len(data)
		}
		d.constDirty = true
	}
	return nil
}

// setRegBase returns the descriptor pointer register base for a bind
// point.
func setRegBase(k pipeline.Kind) hw.Reg {
	if k == pipeline.KindCompute {
		return hw.RegComputeSets
	}
	return hw.RegGraphicsSets
}

// constRegBase returns the push constant pointer register for a bind
// point.
func constRegBase(k pipeline.Kind) hw.Reg {
	if k == pipeline.KindCompute {
		return hw.RegComputeConst
	}
	return hw.RegGraphicsConst
}

// flushDescriptors emits descriptor pointer registers for every dirty
// set the bound layout can see. With indirect sets the pointers
// upload as one block and a single register points at it; otherwise
// each set address writes its own user registers, split lo/hi when
// addresses are 64-bit.
func (cb *CommandBuffer) flushDescriptors(k pipeline.Kind, layout *pipeline.Layout) {
	d := &cb.desc[bindPoint(k)]

	if d.pushDirty && len(d.pushData) > 0 {
		cb.flushPushSet(d)
	}

	visible := uint32(1)<<layout.SetCount - 1
	visible |= 1 << hw.PushDescriptorSet
	pending := d.dirty & d.valid & visible
	if pending == 0 {
		return
	}

	if layout.IndirectSets {
		cb.flushIndirectSets(d, k, visible)
		d.dirty &^= visible
		return
	}

	wide := cb.info.Caps.Has(hw.CapLargeAddress)
	base := setRegBase(k)
	for i := 0; i < hw.MaxDescriptorSets; i++ {
		if pending&(1<<i) == 0 {
			continue
		}
		set := d.sets[i]
		if wide {
			lo, hi := hw.Addr(set.Addr)
			cb.stream.Append(hw.Header(hw.OpSetReg, 3), uint32(base)+uint32(i*2), lo, hi)
		} else {
			cb.stream.Append(hw.Header(hw.OpSetReg, 2), uint32(base)+uint32(i), uint32(set.Addr))
		}
	}
	d.dirty &^= pending
}

// flushPushSet uploads the push descriptor staging block as a
// synthetic set bound at the reserved index.
func (cb *CommandBuffer) flushPushSet(d *descriptorState) {
	mem, addr, bo, err := cb.upload.alloc(uint64(len(d.pushData)), 64)
	if err != nil {
		cb.recordFail(err)
		return
	}
	copy(mem, d.pushData)
	cb.table.Add(bo)
	bit := uint32(1) << hw.PushDescriptorSet
	if d.sets[hw.PushDescriptorSet] == nil {
		d.sets[hw.PushDescriptorSet] = &resource.DescriptorSet{}
	}
	d.sets[hw.PushDescriptorSet].Addr = addr
	d.valid |= bit
	d.dirty |= bit
	d.pushDirty = false
}

// flushIndirectSets uploads every visible set address as one block
// and points the first user register pair at it.
func (cb *CommandBuffer) flushIndirectSets(d *descriptorState, k pipeline.Kind, visible uint32) {
	mem, addr, bo, err := cb.upload.alloc(uint64(hw.MaxDescriptorSets)*8, 8)
	if err != nil {
		cb.recordFail(err)
		return
	}
	for i := 0; i < hw.MaxDescriptorSets; i++ {
		var a uint64
		if visible&(1<<i) != 0 && d.sets[i] != nil {
			a = d.sets[i].Addr
		}
		binary.LittleEndian.PutUint64(mem[i*8:], a)
	}
	cb.table.Add(bo)
	lo, hi := hw.Addr(addr)
	cb.stream.Append(hw.Header(hw.OpSetReg, 3), uint32(setRegBase(k)), lo, hi)
}

// flushConstants uploads the push constant block plus trailing
// dynamic offsets and writes one pointer register per shader stage
// the layout names.
func (cb *CommandBuffer) flushConstants(k pipeline.Kind, layout *pipeline.Layout, shaders []*pipeline.ShaderInfo) {
	d := &cb.desc[bindPoint(k)]
	if !d.constDirty && !d.dynDirty {
		return
	}
	span := layout.PushConstBytes
	if d.constSpan > span {
		span = d.constSpan
	}
	dyn := layout.DynamicOffsets
	if dyn > d.dynCount {
		dyn = d.dynCount
	}
	if span == 0 && dyn == 0 {
		d.constDirty = false
		d.dynDirty = false
		return
	}

	size := uint64(span + dyn*4)
	mem, addr, bo, err := cb.upload.alloc(size, 16)
	if err != nil {
		cb.recordFail(err)
		return
	}
	copy(mem, d.constants[:span])
	for i := 0; i < dyn; i++ {
		binary.LittleEndian.PutUint32(mem[span+i*4:], d.dynOffsets[i])
	}
	cb.table.Add(bo)

	// One pointer register per stage that consumes the block.
	lo, hi := hw.Addr(addr)
	base := constRegBase(k)
	for idx, sh := range shaders {
		if sh != nil && sh.PushConstBytes == 0 && !sh.UsesDynamicOffsets {
			continue
		}
		r := uint32(base) + uint32(idx*2)
		cb.stream.Append(hw.Header(hw.OpSetReg, 3), r, lo, hi)
	}
	d.constDirty = false
	d.dynDirty = false
}
