package resource

import (
	"testing"

	"github.com/gogpu/gputypes"
)

func metaImage(kind MetadataKind) *Image {
	return &Image{
		Format:  gputypes.TextureFormatRGBA8Unorm,
		Extent:  gputypes.Extent3D{Width: 64, Height: 64, DepthOrArrayLayers: 1},
		Samples: 1,
		Meta:    &Metadata{Kind: kind},
	}
}

func TestLayoutString(t *testing.T) {
	if got := LayoutColorTarget.String(); got != "ColorTarget" {
		t.Errorf("LayoutColorTarget.String() = %q", got)
	}
	if got := Layout(200).String(); got != "Unknown" {
		t.Errorf("Layout(200).String() = %q", got)
	}
}

func TestCompressedIn(t *testing.T) {
	tests := []struct {
		name   string
		img    *Image
		layout Layout
		want   bool
	}{
		{"color in color target", metaImage(MetaColor), LayoutColorTarget, true},
		{"color in transfer dst", metaImage(MetaColor), LayoutTransferDst, true},
		{"color in shader read", metaImage(MetaColor), LayoutShaderRead, false},
		{"depth in depth target", metaImage(MetaDepth), LayoutDepthTarget, true},
		{"depth in depth read", metaImage(MetaDepth), LayoutDepthRead, true},
		{"depth in transfer src", metaImage(MetaDepth), LayoutTransferSrc, false},
		{"no meta", metaImage(MetaNone), LayoutColorTarget, false},
		{"nil meta", &Image{}, LayoutColorTarget, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.img.CompressedIn(tt.layout); got != tt.want {
				t.Errorf("CompressedIn(%v) = %v, want %v", tt.layout, got, tt.want)
			}
		})
	}
}

func TestFastClearableIn(t *testing.T) {
	color := metaImage(MetaColor)
	if !color.FastClearableIn(LayoutColorTarget) {
		t.Error("color image not fast-clearable in ColorTarget")
	}
	// Transfer destination keeps compression but cannot take fast
	// clears, so the transition engine must eliminate them.
	if color.FastClearableIn(LayoutTransferDst) {
		t.Error("color image fast-clearable in TransferDst")
	}
	depth := metaImage(MetaDepth)
	if !depth.FastClearableIn(LayoutDepthTarget) {
		t.Error("depth image not fast-clearable in DepthTarget")
	}
	if depth.FastClearableIn(LayoutDepthRead) {
		t.Error("depth image fast-clearable in read-only layout")
	}
}

func TestSparseBufferBound(t *testing.T) {
	var s SparseBuffer
	if got := s.Bound(); len(got) != 0 {
		t.Errorf("fresh aggregate has %d bound buffers", len(got))
	}
	s.Bind(nil)
	if got := s.Bound(); len(got) != 0 {
		t.Errorf("Bind(nil) left %d buffers", len(got))
	}
}
