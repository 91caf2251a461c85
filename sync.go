package gdrv

import (
	"fmt"
	"time"

	"github.com/gogpu/gdrv/cmdbuf"
	"github.com/gogpu/gdrv/winsys"
)

// Fence is a CPU-waitable completion token attached to a submission.
type Fence struct {
	obj winsys.Syncobj

	// Command buffers to retire to Executable once the fence signals.
	retire []*cmdbuf.CommandBuffer
}

// NewFence creates a fence, optionally in the signaled state.
func (d *Device) NewFence(signaled bool) (*Fence, error) {
	obj, err := d.ws.SyncobjCreate(signaled)
	if err != nil {
		return nil, fmt.Errorf("gdrv: fence: %w", err)
	}
	return &Fence{obj: obj}, nil
}

// Wait blocks until the fence signals or the timeout expires. A
// negative timeout waits forever. On success the command buffers of
// the submission retire back to the Executable state.
func (f *Fence) Wait(timeout time.Duration) bool {
	if !f.obj.Wait(timeout) {
		return false
	}
	for _, cb := range f.retire {
		cb.RetireToExecutable()
	}
	f.retire = nil
	return true
}

// Signaled reports the fence state without blocking.
func (f *Fence) Signaled() bool { return f.obj.Signaled() }

// Reset returns the fence to the unsignaled state for reuse.
func (f *Fence) Reset() { f.obj.Reset() }

// Destroy releases the fence.
func (f *Fence) Destroy() { f.obj.Destroy() }

// WaitAll waits for every fence, sharing one deadline. A negative
// timeout waits forever.
func WaitAll(fences []*Fence, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for _, f := range fences {
		remaining := timeout
		if timeout >= 0 {
			remaining = time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
		}
		if !f.Wait(remaining) {
			return false
		}
	}
	return true
}

// WaitAny returns once any fence signals, polling across the set.
// It returns the index of a signaled fence, or -1 on timeout.
func WaitAny(fences []*Fence, timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for {
		for i, f := range fences {
			if f.Wait(0) {
				return i
			}
		}
		if timeout >= 0 && !time.Now().Before(deadline) {
			return -1
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// Semaphore is a GPU-GPU ordering primitive. Importing an external
// payload is temporary: the imported state applies to the next wait
// only, after which the semaphore reverts to its own payload.
type Semaphore struct {
	obj winsys.Syncobj

	// temporary is the imported payload consumed by the next wait.
	temporary winsys.Syncobj
}

// NewSemaphore creates a semaphore in the unsignaled state.
func (d *Device) NewSemaphore() (*Semaphore, error) {
	obj, err := d.ws.SyncobjCreate(false)
	if err != nil {
		return nil, fmt.Errorf("gdrv: semaphore: %w", err)
	}
	return &Semaphore{obj: obj}, nil
}

// ImportSemaphore creates a semaphore whose next wait consumes an
// externally exported payload.
func (d *Device) ImportSemaphore(handle uint64) (*Semaphore, error) {
	imported, err := d.ws.SyncobjImport(handle)
	if err != nil {
		return nil, fmt.Errorf("gdrv: semaphore import: %w", err)
	}
	obj, err := d.ws.SyncobjCreate(false)
	if err != nil {
		imported.Destroy()
		return nil, fmt.Errorf("gdrv: semaphore: %w", err)
	}
	return &Semaphore{obj: obj, temporary: imported}, nil
}

// Export returns a shareable handle for the semaphore's own payload.
func (s *Semaphore) Export() (uint64, error) {
	h, err := s.obj.Export()
	if err != nil {
		return 0, fmt.Errorf("gdrv: semaphore export: %w", err)
	}
	return h, nil
}

// waitObj returns the syncobj the next wait consumes, dropping a
// temporary import after a single use.
func (s *Semaphore) waitObj() winsys.Syncobj {
	if t := s.temporary; t != nil {
		s.temporary = nil
		return t
	}
	return s.obj
}

// Destroy releases the semaphore and any unconsumed import.
func (s *Semaphore) Destroy() {
	if s.temporary != nil {
		s.temporary.Destroy()
		s.temporary = nil
	}
	s.obj.Destroy()
}

// partitionSems splits semaphores into kernel-visible syncobjs and
// emulated ones that the submission path must handle on the CPU.
// Temporary imports a wait consumes are also returned; the caller
// destroys them once the submission that used them is issued.
func partitionSems(sems []*Semaphore, wait bool) (native, emulated, consumed []winsys.Syncobj) {
	for _, s := range sems {
		obj := s.obj
		if wait {
			if w := s.waitObj(); w != obj {
				consumed = append(consumed, w)
				obj = w
			}
		}
		if obj.Kind() == winsys.SyncNative {
			native = append(native, obj)
		} else {
			emulated = append(emulated, obj)
		}
	}
	return native, emulated, consumed
}
