// Package pipeline defines the pipeline objects the command core
// binds: graphics and compute variants as distinct types behind one
// interface, the compiled-shader records they carry, and the
// process-wide pipeline cache.
package pipeline

import (
	"github.com/gogpu/gdrv/hw"
	"github.com/gogpu/gputypes"
)

// Kind distinguishes pipeline bind points.
type Kind uint8

// Pipeline kinds.
const (
	KindGraphics Kind = iota
	KindCompute
)

// BindPoints is the number of distinct bind points.
const BindPoints = 2

// RegWrite is one baked register write.
type RegWrite struct {
	Reg   hw.Reg
	Value uint32
}

// Layout describes the descriptor interface of a pipeline: how many
// sets it binds, the push constant range, and whether set pointers
// must be indirected through memory.
type Layout struct {
	// SetCount is the number of descriptor set slots.
	SetCount int

	// IndirectSets forces descriptor set addresses through a single
	// memory block instead of user registers. Required when
	// descriptor indexing leaves too few user registers.
	IndirectSets bool

	// PushConstBytes is the declared push constant size.
	PushConstBytes int

	// DynamicOffsets is the total dynamic offset count across sets.
	DynamicOffsets int

	// Stages is the union of stages in the pipeline.
	Stages gputypes.ShaderStage
}

// Pipeline is the common capability of graphics and compute
// pipelines: binding and destruction. Per-kind state lives on the
// concrete types so the compiler checks exhaustiveness.
type Pipeline interface {
	Kind() Kind
	PipelineLayout() *Layout
	Scratch() (graphics, compute int)
	Destroy()
}

// Graphics is a graphics pipeline.
type Graphics struct {
	Layout *Layout

	// Shaders are the compiled stage variants, vertex first.
	Shaders []*ShaderVariant

	// Regs is the baked static register state, emitted on bind.
	Regs []RegWrite

	// Dynamic marks the state fields left dynamic; the rest are
	// fixed by Defaults.
	Dynamic StateBits

	// Defaults is the baked dynamic-state record copied into the
	// command buffer on bind for every non-dynamic field.
	Defaults DynamicState

	// Topology is the primitive topology.
	Topology gputypes.PrimitiveTopology

	// PrimRestart enables primitive restart.
	PrimRestart bool

	// ViewMask is the multiview replication mask; 0 disables
	// multiview.
	ViewMask uint32

	// ScratchBytes is the graphics scratch requirement of the
	// largest stage.
	ScratchBytes int

	// StreamoutStride is the per-buffer streamout stride, indexed by
	// slot; zero slots are disabled.
	StreamoutStride [hw.MaxStreamoutBuffers]int
}

// Kind implements Pipeline.
func (p *Graphics) Kind() Kind { return KindGraphics }

// PipelineLayout implements Pipeline.
func (p *Graphics) PipelineLayout() *Layout { return p.Layout }

// Scratch implements Pipeline.
func (p *Graphics) Scratch() (int, int) { return p.ScratchBytes, 0 }

// Destroy implements Pipeline. Shader uploads are shared through the
// cache, so only per-pipeline storage is released here.
func (p *Graphics) Destroy() { p.Shaders = nil; p.Regs = nil }

// Compute is a compute pipeline.
type Compute struct {
	Layout *Layout

	// Shader is the compute stage variant.
	Shader *ShaderVariant

	// Regs is the baked static register state.
	Regs []RegWrite

	// ScratchBytes is the compute scratch requirement.
	ScratchBytes int
}

// Kind implements Pipeline.
func (p *Compute) Kind() Kind { return KindCompute }

// PipelineLayout implements Pipeline.
func (p *Compute) PipelineLayout() *Layout { return p.Layout }

// Scratch implements Pipeline.
func (p *Compute) Scratch() (int, int) { return 0, p.ScratchBytes }

// Destroy implements Pipeline.
func (p *Compute) Destroy() { p.Shader = nil; p.Regs = nil }

// Variants returns the shader variants of any pipeline kind.
func Variants(p Pipeline) []*ShaderVariant {
	switch pl := p.(type) {
	case *Graphics:
		return pl.Shaders
	case *Compute:
		if pl.Shader != nil {
			return []*ShaderVariant{pl.Shader}
		}
	}
	return nil
}
