package pipeline

import (
	"fmt"

	"github.com/gogpu/gdrv/winsys"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
)

// ShaderInfo is the fixed-format record the compiler backend attaches
// to a compiled variant. The core reads it to decide which registers
// and pointers to emit; it never inspects the binary itself.
type ShaderInfo struct {
	// Stage is the shader stage of the variant.
	Stage gputypes.ShaderStage

	// PushConstBytes is the push constant range the shader reads.
	PushConstBytes int

	// UsesDynamicOffsets reports whether any descriptor the shader
	// reads carries a dynamic offset.
	UsesDynamicOffsets bool

	// ScratchBytes is the per-wave scratch requirement.
	ScratchBytes int
}

// ShaderVariant is an opaque compiled shader: a binary blob uploaded
// into GPU-visible memory plus the info record the core consumes.
type ShaderVariant struct {
	// Binary is the compiled blob.
	Binary []byte

	// BO is the upload of Binary, nil until Upload runs.
	BO winsys.Buffer

	// Info is the compiler-produced metadata.
	Info ShaderInfo
}

// Upload copies the binary into a GPU-visible buffer so prefetch
// packets can name it. Uploading twice is a no-op.
func (v *ShaderVariant) Upload(ws winsys.Winsys) error {
	if v.BO != nil {
		return nil
	}
	if len(v.Binary) == 0 {
		return fmt.Errorf("pipeline: empty shader binary: %w", winsys.ErrInval)
	}
	bo, err := ws.BufferCreate(winsys.BufferDesc{
		Size:   uint64(len(v.Binary)),
		Align:  256,
		Domain: winsys.DomainUpload,
		Label:  "shader",
	})
	if err != nil {
		return fmt.Errorf("pipeline: shader upload: %w", err)
	}
	copy(bo.Map(), v.Binary)
	v.BO = bo
	return nil
}

// PrefetchWords is the instruction-cache prefetch span of the variant
// in stream words.
func (v *ShaderVariant) PrefetchWords() int { return (len(v.Binary) + 3) / 4 }

// CompileMeta builds a shader variant for a meta (blit/clear/resolve)
// pipeline from WGSL source. Production variants arrive pre-compiled
// from the compiler backend; meta pipelines are the one place the
// core compiles anything itself.
func CompileMeta(source string, info ShaderInfo) (*ShaderVariant, error) {
	spirv, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("pipeline: compile meta shader: %w", err)
	}
	return &ShaderVariant{Binary: spirv, Info: info}, nil
}
