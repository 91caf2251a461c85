package cs

import (
	"testing"

	"github.com/gogpu/gdrv/winsys"
	"github.com/gogpu/gdrv/winsys/memws"
)

func newBuffers(t *testing.T, ws *memws.Winsys, n int) []winsys.Buffer {
	t.Helper()
	out := make([]winsys.Buffer, n)
	for i := range out {
		b, err := ws.BufferCreate(winsys.BufferDesc{Size: 256, Label: "t"})
		if err != nil {
			t.Fatalf("BufferCreate: %v", err)
		}
		out[i] = b
	}
	return out
}

func TestResourceTableDedup(t *testing.T) {
	ws := memws.New(memws.Config{})
	bos := newBuffers(t, ws, 8)

	var table ResourceTable
	// Add every buffer several times, interleaved.
	for round := 0; round < 3; round++ {
		for i := range bos {
			table.Add(bos[i])
		}
		for i := len(bos) - 1; i >= 0; i-- {
			table.Add(bos[i])
		}
	}

	if table.Len() != len(bos) {
		t.Fatalf("Len() = %d, want %d", table.Len(), len(bos))
	}
	for _, bo := range bos {
		if idx := table.Find(bo.Handle()); idx == NotFound {
			t.Errorf("Find(%d) = NotFound", bo.Handle())
		}
	}
	if idx := table.Find(0xdead); idx != NotFound {
		t.Errorf("Find(unknown) = %d, want NotFound", idx)
	}
}

func TestResourceTableHashCollisions(t *testing.T) {
	ws := memws.New(memws.Config{})
	// More buffers than hash slots guarantees collisions in the
	// direct-mapped table and exercises the linear-scan fallback.
	bos := newBuffers(t, ws, hashSize+64)

	var table ResourceTable
	for _, bo := range bos {
		table.Add(bo)
		table.Add(bo)
	}
	if table.Len() != len(bos) {
		t.Fatalf("Len() = %d, want %d", table.Len(), len(bos))
	}
	for _, bo := range bos {
		if table.Find(bo.Handle()) == NotFound {
			t.Fatalf("Find(%d) = NotFound after collisions", bo.Handle())
		}
	}
}

func TestResourceTableMerge(t *testing.T) {
	ws := memws.New(memws.Config{})
	bos := newBuffers(t, ws, 6)

	var primary, secondary ResourceTable
	primary.Add(bos[0])
	primary.Add(bos[1])
	secondary.Add(bos[1]) // overlap
	secondary.Add(bos[2])
	secondary.Add(bos[3])

	primary.Merge(&secondary)
	if primary.Len() != 4 {
		t.Fatalf("Len() after merge = %d, want 4", primary.Len())
	}
}

// boundSet is a test Virtual with rebindable backing.
type boundSet struct{ bos []winsys.Buffer }

func (b *boundSet) Bound() []winsys.Buffer { return b.bos }

func TestBuildBOList(t *testing.T) {
	ws := memws.New(memws.Config{})
	bos := newBuffers(t, ws, 10)

	var table ResourceTable
	table.Add(bos[0])
	table.Add(bos[1])

	sparse := &boundSet{bos: bos[2:4]}
	table.AddVirtual(sparse)

	t.Run("per-stream", func(t *testing.T) {
		list := table.BuildBOList([]winsys.Buffer{bos[4], bos[1]}, nil)
		want := map[uint32]bool{
			bos[0].Handle(): true, bos[1].Handle(): true,
			bos[2].Handle(): true, bos[3].Handle(): true,
			bos[4].Handle(): true,
		}
		if len(list) != len(want) {
			t.Fatalf("list length = %d, want %d", len(list), len(want))
		}
		for _, bo := range list {
			if !want[bo.Handle()] {
				t.Errorf("unexpected handle %d in list", bo.Handle())
			}
		}
	})

	t.Run("rebound virtual expands fresh", func(t *testing.T) {
		sparse.bos = bos[5:7]
		list := table.BuildBOList(nil, nil)
		found := map[uint32]bool{}
		for _, bo := range list {
			found[bo.Handle()] = true
		}
		if found[bos[2].Handle()] || !found[bos[5].Handle()] {
			t.Error("virtual expansion used stale bindings")
		}
	})

	t.Run("global list substitutes", func(t *testing.T) {
		global := []winsys.Buffer{bos[8], bos[9]}
		list := table.BuildBOList(nil, global)
		found := map[uint32]bool{}
		for _, bo := range list {
			found[bo.Handle()] = true
		}
		if found[bos[0].Handle()] {
			t.Error("global mode still used the per-stream table")
		}
		if !found[bos[8].Handle()] || !found[bos[9].Handle()] {
			t.Error("global list entries missing")
		}
		// Virtual expansions still merge in global mode.
		if !found[bos[5].Handle()] {
			t.Error("virtual expansion missing in global mode")
		}
	})
}
