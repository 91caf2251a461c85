package hw

import "fmt"

// Generation identifies a command-processor generation.
// Generations gate behavior only through the Caps they report;
// packages above hw must never switch on a Generation value.
type Generation uint8

// Known generations, oldest first.
const (
	GenUnknown Generation = iota
	Gen1                  // flat streams, 32-bit set pointers
	Gen2                  // IB chaining, 64-bit set pointers
	Gen3                  // Gen2 plus GPU-side indirect count
	Gen4                  // Gen3 with the scissor context-roll bug fixed
)

// genNames maps Generation values to their string representation.
var genNames = [...]string{
	GenUnknown: "Unknown",
	Gen1:       "Gen1",
	Gen2:       "Gen2",
	Gen3:       "Gen3",
	Gen4:       "Gen4",
}

// String returns the string representation of a Generation.
func (g Generation) String() string {
	if int(g) < len(genNames) {
		return genNames[g]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(g))
}

// Caps is a bitset of hardware capabilities.
// All generation-dependent behavior in the core keys off these bits.
type Caps uint32

// Capability flags.
const (
	// CapIBChain indicates the command processor can follow chain
	// packets across indirect buffers. Without it, streams that
	// outgrow the flat maximum are split into separate submissions.
	CapIBChain Caps = 1 << iota

	// CapLargeAddress indicates descriptor-set pointers are 64-bit
	// and must be split across two user registers.
	CapLargeAddress

	// CapIndirectCount indicates draw-indirect packets can read the
	// draw count from GPU memory.
	CapIndirectCount

	// CapScissorBug indicates the scissor/context-roll hardware bug:
	// scissor state must be re-emitted after any context register
	// change, even when the scissor values did not change.
	CapScissorBug

	// CapPredicatedReg indicates the command processor supports
	// register writes predicated on a GPU-memory comparison.
	// Without it, the depth precision register can only be updated
	// when the clear value is statically known.
	CapPredicatedReg

	// CapShaderCoherentImages indicates sampled image reads are
	// coherent with the general cache level, so shader-read barriers
	// skip the extra general-cache invalidate.
	CapShaderCoherentImages
)

// Has reports whether all bits in want are set.
func (c Caps) Has(want Caps) bool { return c&want == want }

// Info describes one device as seen by the core.
type Info struct {
	// Gen is the command-processor generation.
	Gen Generation

	// Caps are the capability flags reported for Gen.
	Caps Caps

	// MaxFlatWords is the hard size limit of a non-chained stream.
	// Only meaningful when CapIBChain is absent.
	MaxFlatWords int

	// IBPerSubmit is the kernel's indirect-buffer limit for one
	// submission.
	IBPerSubmit int
}

// CapsFor returns the capability flags of a generation.
func CapsFor(g Generation) Caps {
	switch g {
	case Gen1:
		return CapScissorBug
	case Gen2:
		return CapIBChain | CapLargeAddress | CapScissorBug | CapPredicatedReg
	case Gen3:
		return CapIBChain | CapLargeAddress | CapIndirectCount |
			CapScissorBug | CapPredicatedReg | CapShaderCoherentImages
	case Gen4:
		return CapIBChain | CapLargeAddress | CapIndirectCount |
			CapPredicatedReg | CapShaderCoherentImages
	default:
		return 0
	}
}

// Fixed-size recording limits. Exceeding them is a caller error.
const (
	// MaxViewports is the maximum number of simultaneous viewports.
	MaxViewports = 16

	// MaxScissors is the maximum number of scissor rectangles.
	MaxScissors = 16

	// MaxDiscardRects is the maximum number of discard rectangles.
	MaxDiscardRects = 4

	// MaxVertexBuffers is the maximum number of bound vertex buffers.
	MaxVertexBuffers = 32

	// MaxColorTargets is the maximum number of simultaneous color
	// render targets.
	MaxColorTargets = 8

	// MaxStreamoutBuffers is the maximum number of bound transform
	// feedback buffers.
	MaxStreamoutBuffers = 4

	// MaxDescriptorSets is the maximum number of bound descriptor
	// sets per bind point. The last index is reserved for the push
	// descriptor set.
	MaxDescriptorSets = 8

	// PushDescriptorSet is the reserved set index used when push
	// descriptor writes are flushed.
	PushDescriptorSet = MaxDescriptorSets - 1

	// MaxPushConstBytes is the push constant capacity.
	MaxPushConstBytes = 128

	// MaxDynamicOffsets is the maximum number of dynamic buffer
	// offsets across all bound sets.
	MaxDynamicOffsets = 16
)
