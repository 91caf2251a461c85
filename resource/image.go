package resource

import (
	"github.com/gogpu/gdrv/winsys"
	"github.com/gogpu/gputypes"
)

// Layout is an API-level image layout. The barrier engine maps layout
// pairs to metadata transitions and cache operations.
type Layout uint8

// Image layouts.
const (
	LayoutUndefined Layout = iota
	LayoutGeneral
	LayoutColorTarget
	LayoutDepthTarget
	LayoutDepthRead
	LayoutShaderRead
	LayoutTransferSrc
	LayoutTransferDst
	LayoutPresent
)

var layoutNames = [...]string{
	LayoutUndefined:   "Undefined",
	LayoutGeneral:     "General",
	LayoutColorTarget: "ColorTarget",
	LayoutDepthTarget: "DepthTarget",
	LayoutDepthRead:   "DepthRead",
	LayoutShaderRead:  "ShaderRead",
	LayoutTransferSrc: "TransferSrc",
	LayoutTransferDst: "TransferDst",
	LayoutPresent:     "Present",
}

// String returns the string representation of a Layout.
func (l Layout) String() string {
	if int(l) < len(layoutNames) {
		return layoutNames[l]
	}
	return "Unknown"
}

// MetadataKind classifies an image's auxiliary compression surface.
type MetadataKind uint8

// Metadata kinds.
const (
	// MetaNone: the image has no auxiliary surface.
	MetaNone MetadataKind = iota

	// MetaColor: lossless color compression with fast-clear support.
	MetaColor

	// MetaDepth: hierarchical depth with fast-clear support. Images
	// of this kind also drive the depth precision register.
	MetaDepth
)

// Metadata is the GPU-resident auxiliary state of a compressed image:
// the compression surface plus the fast-clear value. The true state
// lives in GPU memory and is read and written through command-stream
// packets only; the CPU-side fields below mirror what recording can
// prove statically.
type Metadata struct {
	// Kind classifies the auxiliary surface.
	Kind MetadataKind

	// BO backs the metadata surface.
	BO winsys.Buffer

	// ClearValue is the pending fast-clear value when known.
	ClearValue gputypes.Color

	// ClearValueKnown reports whether ClearValue is statically known
	// at record time. When false, register updates that depend on
	// the clear value must use predicated writes.
	ClearValueKnown bool
}

// InitSentinel is the "uncompressed but valid" pattern written over a
// metadata surface on first use from an undefined layout.
const InitSentinel = uint32(0xffffffff)

// Image is an API-level image. The core reads addressing parameters
// and metadata state from it; layout computation happens elsewhere.
type Image struct {
	// BO backs the primary surface.
	BO winsys.Buffer

	// Format is the texel format.
	Format gputypes.TextureFormat

	// Extent is the image size.
	Extent gputypes.Extent3D

	// Samples is the MSAA sample count (1 for single-sampled).
	Samples int

	// Usage carries the API usage bits.
	Usage gputypes.TextureUsage

	// Aspect selects the aspects barriers operate on.
	Aspect gputypes.TextureAspect

	// Meta is the auxiliary compression state, nil when absent.
	Meta *Metadata
}

// HasMeta reports whether the image carries an auxiliary surface.
func (im *Image) HasMeta() bool { return im.Meta != nil && im.Meta.Kind != MetaNone }

// CompressedIn reports whether the auxiliary surface may hold
// compressed data while the image is in the given layout.
func (im *Image) CompressedIn(l Layout) bool {
	if !im.HasMeta() {
		return false
	}
	switch im.Meta.Kind {
	case MetaColor:
		return l == LayoutColorTarget || l == LayoutTransferDst
	case MetaDepth:
		return l == LayoutDepthTarget || l == LayoutDepthRead
	default:
		return false
	}
}

// FastClearableIn reports whether fast-clear packets may target the
// image in the given layout.
func (im *Image) FastClearableIn(l Layout) bool {
	if !im.HasMeta() {
		return false
	}
	switch im.Meta.Kind {
	case MetaColor:
		return l == LayoutColorTarget
	case MetaDepth:
		return l == LayoutDepthTarget
	default:
		return false
	}
}
