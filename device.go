package gdrv

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gdrv/cmdbuf"
	"github.com/gogpu/gdrv/hw"
	"github.com/gogpu/gdrv/pipeline"
	"github.com/gogpu/gdrv/winsys"
)

// Device errors.
var (
	// ErrClosed is returned by operations on a closed device.
	ErrClosed = errors.New("gdrv: device closed")
)

// Config configures device creation.
type Config struct {
	// Winsys names the winsys backend to use. Empty selects the
	// highest-priority registered backend.
	Winsys string

	// WinsysInstance supplies the winsys directly, bypassing the
	// registry. Used by tests and embedders.
	WinsysInstance winsys.Winsys

	// GlobalBOList switches residency to a device-global buffer list:
	// submissions pass every tracked allocation instead of the
	// per-stream set. Cheaper per submit, coarser for the kernel.
	GlobalBOList bool

	// Queues is the number of submission queues. Zero means one.
	Queues int
}

// Device owns the winsys connection, the pipeline cache and the
// submission queues. All methods are safe for concurrent use.
type Device struct {
	ws   winsys.Winsys
	info hw.Info

	cache  *pipeline.Cache
	queues []*Queue
	pool   *cmdbuf.Pool

	mu       sync.Mutex
	closed   bool
	globalOn bool
	global   map[uint32]winsys.Buffer
}

// Open creates a device.
func Open(cfg Config) (*Device, error) {
	ws := cfg.WinsysInstance
	if ws == nil {
		var err error
		if cfg.Winsys != "" {
			ws, err = winsys.Get(cfg.Winsys)
		} else {
			ws, err = winsys.Default()
		}
		if err != nil {
			return nil, fmt.Errorf("gdrv: open: %w", err)
		}
	}

	d := &Device{
		ws:       ws,
		info:     ws.Info(),
		cache:    pipeline.NewCache(),
		globalOn: cfg.GlobalBOList,
		global:   make(map[uint32]winsys.Buffer),
	}
	d.pool = cmdbuf.NewPool(ws, cmdbuf.Options{Info: d.info})

	n := cfg.Queues
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		d.queues = append(d.queues, newQueue(d, i))
	}

	Logger().Info("gdrv: device open",
		"gen", d.info.Gen.String(),
		"caps", fmt.Sprintf("%#x", uint32(d.info.Caps)),
		"queues", n,
		"globalBOList", cfg.GlobalBOList)
	return d, nil
}

// Info returns the hardware description.
func (d *Device) Info() hw.Info { return d.info }

// Winsys returns the underlying winsys.
func (d *Device) Winsys() winsys.Winsys { return d.ws }

// PipelineCache returns the device pipeline cache.
func (d *Device) PipelineCache() *pipeline.Cache { return d.cache }

// Queue returns submission queue i.
func (d *Device) Queue(i int) *Queue { return d.queues[i] }

// NewCommandBuffer returns a reset primary command buffer from the
// device pool.
func (d *Device) NewCommandBuffer() *cmdbuf.CommandBuffer {
	return d.pool.Get()
}

// NewSecondaryCommandBuffer creates a secondary command buffer.
// Secondaries are not pooled; callers own their lifetime.
func (d *Device) NewSecondaryCommandBuffer() *cmdbuf.CommandBuffer {
	return cmdbuf.New(d.ws, cmdbuf.Options{Info: d.info, Secondary: true})
}

// ReleaseCommandBuffer resets a primary command buffer and returns it
// to the pool.
func (d *Device) ReleaseCommandBuffer(cb *cmdbuf.CommandBuffer) {
	d.pool.Put(cb)
}

// TrackGlobal adds an allocation to the device-global residency list.
// A no-op unless the device was opened with GlobalBOList.
func (d *Device) TrackGlobal(bo winsys.Buffer) {
	if !d.globalOn || bo == nil {
		return
	}
	d.mu.Lock()
	d.global[bo.Handle()] = bo
	d.mu.Unlock()
}

// UntrackGlobal removes an allocation from the global list. It must
// be called before the allocation is destroyed.
func (d *Device) UntrackGlobal(bo winsys.Buffer) {
	if !d.globalOn || bo == nil {
		return
	}
	d.mu.Lock()
	delete(d.global, bo.Handle())
	d.mu.Unlock()
}

// globalBOs snapshots the global residency list, or nil when the
// device tracks residency per stream.
func (d *Device) globalBOs() []winsys.Buffer {
	if !d.globalOn {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]winsys.Buffer, 0, len(d.global))
	for _, bo := range d.global {
		out = append(out, bo)
	}
	return out
}

// WaitIdle drains every queue and retires all pending command
// buffers.
func (d *Device) WaitIdle() error {
	for _, q := range d.queues {
		if err := q.WaitIdle(); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the device and releases everything it owns.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	d.mu.Unlock()

	err := d.WaitIdle()
	for _, q := range d.queues {
		q.destroy()
	}
	d.pool.Destroy()
	d.cache.Destroy()
	d.ws.Destroy()
	Logger().Info("gdrv: device closed")
	return err
}
