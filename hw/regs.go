package hw

// Reg is an index into the context register file. OpSetReg packets
// name their first register by Reg and write consecutively upward.
type Reg uint16

// Context registers. The numeric spacing mirrors the register file:
// arrayed state (viewports, scissors) occupies consecutive blocks.
const (
	// RegViewport is the base of the viewport block; each viewport
	// takes ViewportRegs registers (x, y, w, h, znear, zfar).
	RegViewport Reg = 0x100
	ViewportRegs    = 6

	// RegScissor is the base of the scissor block; each scissor
	// takes ScissorRegs registers (min x/y, max x/y packed).
	RegScissor  Reg = 0x180
	ScissorRegs     = 2

	// RegDiscardRect is the base of the discard rectangle block.
	RegDiscardRect  Reg = 0x1c0
	DiscardRectRegs     = 2

	RegLineWidth   Reg = 0x200
	RegBlendConst  Reg = 0x204 // 4 registers, RGBA
	RegDepthBias   Reg = 0x208 // 3 registers: constant, clamp, slope
	RegDepthBounds Reg = 0x20c // 2 registers: min, max
	RegStencilRef  Reg = 0x210
	RegStencilCmp  Reg = 0x211 // compare masks, front/back packed
	RegStencilWr   Reg = 0x212 // write masks, front/back packed

	// RegColorTarget is the base of the color target block; each
	// target takes ColorTargetRegs registers (base lo/hi, metadata
	// lo/hi, extent packed).
	RegColorTarget  Reg = 0x280
	ColorTargetRegs     = 5

	// RegColorTargetCount holds the number of bound color targets.
	RegColorTargetCount Reg = 0x2c0

	// RegDepthTarget takes the same ColorTargetRegs layout for the
	// depth surface.
	RegDepthTarget Reg = 0x2c4

	// RegPrimType packs primitive topology and instancing control.
	RegPrimType Reg = 0x240

	// RegPrimRestart packs the restart enable bit and restart index.
	RegPrimRestart Reg = 0x241 // 2 registers: enable, index

	// Per-draw scalar registers, cached as "last emitted" values.
	RegVertexOffset  Reg = 0x244
	RegFirstInstance Reg = 0x245
	RegInstanceCount Reg = 0x246

	// RegViewIndex selects the active view for multiview replication.
	RegViewIndex Reg = 0x248

	// RegDepthPrecision controls hierarchical-depth range precision.
	// It must track the depth surface's fast-clear state.
	RegDepthPrecision Reg = 0x250

	// RegStreamoutEnable packs the streamout buffer enable mask.
	RegStreamoutEnable Reg = 0x260

	// Descriptor set pointer registers. Each bind point exposes one
	// user register per set index (two with CapLargeAddress).
	RegGraphicsSets Reg = 0x300
	RegComputeSets  Reg = 0x340

	// RegGraphicsConst and RegComputeConst receive the per-stage
	// push constant block pointers.
	RegGraphicsConst Reg = 0x380
	RegComputeConst  Reg = 0x388

	// RegVertexBuffers receives the 64-bit pointer to the vertex
	// buffer descriptor table (lo, hi).
	RegVertexBuffers Reg = 0x390

	// Scratch ring registers, written by the queue preamble: 64-bit
	// base (lo, hi) and size in bytes.
	RegGraphicsScratch Reg = 0x3a0
	RegComputeScratch  Reg = 0x3a4
)

// FlushBits is the accumulating mask of cache flush, invalidate and
// stall operations consumed by OpCacheFlush and OpStall packets.
type FlushBits uint32

// Cache flush and invalidate bits.
const (
	FlushInvalICache FlushBits = 1 << iota
	FlushInvalConst
	FlushInvalTexture
	FlushWBTexture
	FlushColorTarget
	FlushInvalColorMeta
	FlushDepthTarget
	FlushInvalDepthMeta
	FlushInvalGeneral
	FlushWBGeneral

	// Stall bits: drain a shader stage group before continuing.
	FlushStallVS
	FlushStallPS
	FlushStallCS

	// Query control.
	FlushStartQuery
	FlushStopQuery
)

// StallBits is the subset of FlushBits that stalls the pipeline.
// Draw emission reorders state and descriptor writes around packets
// carrying any of these bits.
const StallBits = FlushStallVS | FlushStallPS | FlushStallCS |
	FlushColorTarget | FlushDepthTarget

// CacheBits is the subset consumed by OpCacheFlush packets.
const CacheBits = FlushInvalICache | FlushInvalConst | FlushInvalTexture |
	FlushWBTexture | FlushColorTarget | FlushInvalColorMeta |
	FlushDepthTarget | FlushInvalDepthMeta | FlushInvalGeneral |
	FlushWBGeneral | FlushStartQuery | FlushStopQuery

// Stalls reports whether the mask contains any stall bit.
func (f FlushBits) Stalls() bool { return f&StallBits != 0 }
