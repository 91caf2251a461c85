package pipeline

import "github.com/gogpu/gdrv/hw"

// StateBits is a tagged set of dynamic pipeline state fields. It is
// used both for a pipeline's declaration of which fields it leaves
// dynamic and for the command buffer's dirty tracking, so that the
// intersection of the two is a single AND.
type StateBits uint32

// Dynamic state fields, in emission priority order.
const (
	StateViewport StateBits = 1 << iota
	StateScissor
	StateLineWidth
	StateBlendConstants
	StateStencilRef
	StateStencilMasks
	StateDepthBounds
	StateDepthBias
	StateDiscardRect

	// StateAllDynamic is every dynamic field.
	StateAllDynamic StateBits = 1<<iota - 1
)

// Has reports whether all bits in want are set.
func (s StateBits) Has(want StateBits) bool { return s&want == want }

// Viewport is one viewport transform.
type Viewport struct {
	X, Y, Width, Height, ZNear, ZFar float32
}

// Scissor is one scissor rectangle.
type Scissor struct {
	X, Y, Width, Height int32
}

// StencilState holds the stencil reference and masks, front and back
// packed the way the registers take them.
type StencilState struct {
	Reference    uint32
	CompareMask  uint32
	WriteMask    uint32
}

// DepthBias holds the depth bias parameters.
type DepthBias struct {
	Constant, Clamp, Slope float32
}

// DynamicState is the fixed-size record of all dynamic pipeline
// attributes plus a mask of which fields are present. Pipelines carry
// one as their baked defaults; command buffers carry one as the live
// recording state.
type DynamicState struct {
	// Present marks which fields carry a value in this record.
	Present StateBits

	// ViewportCount and ScissorCount come only from pipeline
	// creation, never from dynamic updates.
	ViewportCount    int
	ScissorCount     int
	DiscardRectCount int

	Viewports    [hw.MaxViewports]Viewport
	Scissors     [hw.MaxScissors]Scissor
	DiscardRects [hw.MaxDiscardRects]Scissor

	LineWidth      float32
	BlendConstants [4]float32
	Stencil        StencilState
	DepthBoundsMin float32
	DepthBoundsMax float32
	Bias           DepthBias
}
