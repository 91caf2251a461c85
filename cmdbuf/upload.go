package cmdbuf

import (
	"github.com/gogpu/gdrv/winsys"
)

// uploadArena is the per-command-buffer bump allocator feeding
// descriptor uploads, push constant blocks and other transient GPU
// reads. Allocations live until the command buffer is reset; a full
// buffer is retained (the stream may still reference it) and replaced
// with a larger one.
type uploadArena struct {
	ws       winsys.Winsys
	buf      winsys.Buffer
	size     uint64
	offset   uint64
	retained []winsys.Buffer
}

// minUploadBytes is the smallest upload buffer allocation.
const minUploadBytes = 16 << 10

func newUploadArena(ws winsys.Winsys) *uploadArena {
	return &uploadArena{ws: ws}
}

func align(v, a uint64) uint64 { return (v + a - 1) &^ (a - 1) }

// alloc returns a CPU mapping and GPU address for size bytes. The
// backing buffer is returned so callers can track residency.
func (u *uploadArena) alloc(size, alignment uint64) (mem []byte, addr uint64, bo winsys.Buffer, err error) {
	if alignment == 0 {
		alignment = 4
	}
	off := align(u.offset, alignment)
	if u.buf == nil || off+size > u.size {
		if err := u.grow(size); err != nil {
			return nil, 0, nil, err
		}
		off = 0
	}
	u.offset = off + size
	m := u.buf.Map()
	return m[off : off+size], u.buf.Addr() + off, u.buf, nil
}

// grow replaces the active buffer with one at least twice as large and
// big enough for the request. The old buffer is retained until reset:
// previously written stream packets still point into it.
func (u *uploadArena) grow(need uint64) error {
	size := u.size * 2
	if size < minUploadBytes {
		size = minUploadBytes
	}
	for size < need {
		size *= 2
	}
	buf, err := u.ws.BufferCreate(winsys.BufferDesc{
		Size:   size,
		Align:  4096,
		Domain: winsys.DomainUpload,
		Label:  "cmdbuf upload",
	})
	if err != nil {
		return err
	}
	if u.buf != nil {
		u.retained = append(u.retained, u.buf)
	}
	u.buf = buf
	u.size = size
	u.offset = 0
	return nil
}

// buffers returns every buffer the arena handed addresses from.
func (u *uploadArena) buffers() []winsys.Buffer {
	if u.buf == nil {
		return u.retained
	}
	return append(append([]winsys.Buffer(nil), u.retained...), u.buf)
}

// reset rewinds the arena, keeping the newest (largest) buffer and
// releasing retained intermediates.
func (u *uploadArena) reset() {
	for _, b := range u.retained {
		b.Destroy()
	}
	u.retained = nil
	u.offset = 0
}

// destroy releases everything.
func (u *uploadArena) destroy() {
	u.reset()
	if u.buf != nil {
		u.buf.Destroy()
		u.buf = nil
	}
	u.size = 0
}
