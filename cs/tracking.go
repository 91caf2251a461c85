package cs

import (
	"github.com/gogpu/gdrv/winsys"
)

// hashSize is the direct-mapped hash size of the tracking table.
// Power of two so the slot mask is a single AND.
const hashSize = 1024

// NotFound is returned by Find for handles never added.
const NotFound = -1

// Virtual is a sparse buffer aggregate. Its physical backing can be
// rebound between recordings, so expansion happens only when the
// kernel residency list is built.
type Virtual interface {
	// Bound returns the currently bound physical buffer objects.
	Bound() []winsys.Buffer
}

// ResourceTable deduplicates the buffer objects referenced by one
// command stream. It is append-only during recording and cleared on
// reset. Not safe for concurrent use.
type ResourceTable struct {
	entries []winsys.Buffer
	// hash maps a shifted handle to entry index + 1; 0 means empty.
	// Collisions fall back to a linear scan of entries.
	hash    [hashSize]int32
	virtual []Virtual
}

// slot returns the direct-mapped hash slot of a handle.
func slot(handle uint32) uint32 { return (handle >> 2) & (hashSize - 1) }

// Add records a buffer object. It is idempotent: duplicates are
// detected via the hash slot or, on collision, a linear scan.
func (t *ResourceTable) Add(bo winsys.Buffer) {
	if bo == nil {
		return
	}
	h := bo.Handle()
	s := slot(h)
	if i := t.hash[s]; i > 0 && t.entries[i-1].Handle() == h {
		return
	}
	if i := t.find(h); i != NotFound {
		// Collision evicted this handle from its slot earlier;
		// reclaim it so the next lookup takes the O(1) path.
		t.hash[s] = int32(i + 1)
		return
	}
	t.entries = append(t.entries, bo)
	t.hash[s] = int32(len(t.entries))
}

// AddVirtual records a sparse aggregate for expansion at list-build
// time.
func (t *ResourceTable) AddVirtual(v Virtual) {
	if v == nil {
		return
	}
	for _, have := range t.virtual {
		if have == v {
			return
		}
	}
	t.virtual = append(t.virtual, v)
}

// Find returns the entry index of a handle, or NotFound.
func (t *ResourceTable) Find(handle uint32) int { return t.find(handle) }

func (t *ResourceTable) find(handle uint32) int {
	if i := t.hash[slot(handle)]; i > 0 && t.entries[i-1].Handle() == handle {
		return int(i - 1)
	}
	for i, bo := range t.entries {
		if bo.Handle() == handle {
			return i
		}
	}
	return NotFound
}

// Len returns the number of distinct tracked buffers, excluding
// virtual aggregates.
func (t *ResourceTable) Len() int { return len(t.entries) }

// Merge folds a secondary command buffer's table into this one.
func (t *ResourceTable) Merge(child *ResourceTable) {
	if child == nil {
		return
	}
	for _, bo := range child.entries {
		t.Add(bo)
	}
	for _, v := range child.virtual {
		t.AddVirtual(v)
	}
}

// Reset clears the table for reuse. The entry storage is retained.
func (t *ResourceTable) Reset() {
	t.entries = t.entries[:0]
	t.virtual = t.virtual[:0]
	t.hash = [hashSize]int32{}
}

// BuildBOList assembles the kernel residency list: the table entries,
// the expansion of every virtual aggregate, and any extra buffers the
// caller passes (preamble scratch, upload blocks). When global is
// non-nil the device-wide list substitutes for the per-stream table,
// which is required when descriptor indexing defeats static tracking;
// virtual expansions and extras are still merged.
func (t *ResourceTable) BuildBOList(extra []winsys.Buffer, global []winsys.Buffer) []winsys.Buffer {
	seen := make(map[uint32]struct{}, len(t.entries)+len(extra)+len(global))
	var out []winsys.Buffer
	add := func(bo winsys.Buffer) {
		if bo == nil {
			return
		}
		h := bo.Handle()
		if _, dup := seen[h]; dup {
			return
		}
		seen[h] = struct{}{}
		out = append(out, bo)
	}

	if global != nil {
		for _, bo := range global {
			add(bo)
		}
	} else {
		for _, bo := range t.entries {
			add(bo)
		}
	}
	for _, v := range t.virtual {
		for _, bo := range v.Bound() {
			add(bo)
		}
	}
	for _, bo := range extra {
		add(bo)
	}
	return out
}
