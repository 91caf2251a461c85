package pipeline

import (
	"errors"
	"testing"

	"github.com/gogpu/gdrv/hw"
	"github.com/gogpu/gdrv/winsys/memws"
)

func TestCacheGetOrBuild(t *testing.T) {
	c := NewCache()
	t.Cleanup(c.Destroy)

	builds := 0
	build := func() (Pipeline, error) {
		builds++
		return &Compute{Layout: &Layout{}}, nil
	}

	first, err := c.GetOrBuild("clear_r8", build)
	if err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}
	second, err := c.GetOrBuild("clear_r8", build)
	if err != nil {
		t.Fatalf("GetOrBuild: %v", err)
	}
	if first != second {
		t.Error("second lookup built a new pipeline instead of hitting the cache")
	}
	if builds != 1 {
		t.Errorf("build callback ran %d times, want 1", builds)
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("Stats() = (%d, %d), want (1, 1)", hits, misses)
	}
}

func TestCacheBuildFailureNotCached(t *testing.T) {
	c := NewCache()
	t.Cleanup(c.Destroy)

	boom := errors.New("no compiler")
	if _, err := c.GetOrBuild("blit", func() (Pipeline, error) {
		return nil, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("GetOrBuild error = %v, want wrapped %v", err, boom)
	}

	// The failed build must not poison the key.
	p, err := c.GetOrBuild("blit", func() (Pipeline, error) {
		return &Compute{Layout: &Layout{}}, nil
	})
	if err != nil || p == nil {
		t.Fatalf("retry after failed build: %v", err)
	}
}

func TestCacheUUIDStable(t *testing.T) {
	c := NewCache()
	t.Cleanup(c.Destroy)
	if c.UUID() != c.UUID() {
		t.Error("UUID changed between calls")
	}
	other := NewCache()
	t.Cleanup(other.Destroy)
	if c.UUID() == other.UUID() {
		t.Error("two caches share a UUID")
	}
}

func TestVariants(t *testing.T) {
	vs := &ShaderVariant{Binary: []byte{1, 2, 3, 4}}
	fs := &ShaderVariant{Binary: []byte{5, 6, 7, 8}}

	g := &Graphics{Shaders: []*ShaderVariant{vs, fs}}
	if got := Variants(g); len(got) != 2 || got[0] != vs {
		t.Errorf("Variants(graphics) = %v", got)
	}

	cp := &Compute{Shader: vs}
	if got := Variants(cp); len(got) != 1 || got[0] != vs {
		t.Errorf("Variants(compute) = %v", got)
	}
	if got := Variants(&Compute{}); got != nil {
		t.Errorf("Variants(empty compute) = %v, want nil", got)
	}
}

func TestShaderVariantUpload(t *testing.T) {
	ws := memws.New(memws.Config{Info: hw.Info{Gen: hw.Gen3, Caps: hw.CapsFor(hw.Gen3), IBPerSubmit: 8}})
	t.Cleanup(ws.Destroy)

	v := &ShaderVariant{Binary: []byte{0xde, 0xad, 0xbe, 0xef}}
	if err := v.Upload(ws); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if v.BO == nil {
		t.Fatal("Upload left BO nil")
	}
	bo := v.BO
	if err := v.Upload(ws); err != nil {
		t.Fatalf("second Upload: %v", err)
	}
	if v.BO != bo {
		t.Error("second Upload re-allocated the buffer")
	}
	if got := v.BO.Map(); len(got) < 4 || got[0] != 0xde {
		t.Errorf("uploaded bytes = % x", got[:4])
	}
	if got := v.PrefetchWords(); got != 1 {
		t.Errorf("PrefetchWords() = %d, want 1", got)
	}
}

func TestStateBitsHas(t *testing.T) {
	s := StateViewport | StateScissor
	if !s.Has(StateViewport) {
		t.Error("Has(StateViewport) = false")
	}
	if s.Has(StateViewport | StateLineWidth) {
		t.Error("Has reported a bit that is not set")
	}
	if !StateAllDynamic.Has(StateDiscardRect) {
		t.Error("StateAllDynamic is missing StateDiscardRect")
	}
}
