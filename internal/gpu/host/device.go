// Package host is a reference GPU backend that keeps buffers in process
// memory and executes queued work on Submit.
package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/samcharles93/conduit/internal/gpu"
)

// Stats count device activity.
type Stats struct {
	Submits     uint64
	Readbacks   uint64
	Dispatches  uint64
	Writes      uint64
	LiveBuffers int
	LiveBytes   uint64
}

type op struct {
	name string
	fn   func() error
}

// Device is an in-memory device with an ordered command queue.
type Device struct {
	caps gpu.Capabilities

	mu    sync.Mutex
	next  uint64
	mem   map[uint64][]byte
	queue []op
	lost  error
	stats Stats
}

var _ gpu.Device = (*Device)(nil)

func NewDevice(caps gpu.Capabilities) *Device {
	return &Device{caps: caps, mem: make(map[uint64][]byte)}
}

func (d *Device) Capabilities() gpu.Capabilities { return d.caps }

func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Lose marks the device as lost. Every later call fails with a
// gpu.DeviceError wrapping gpu.ErrDeviceLost.
func (d *Device) Lose(reason error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if reason == nil {
		reason = gpu.ErrDeviceLost
	}
	d.lost = fmt.Errorf("%w: %v", gpu.ErrDeviceLost, reason)
	d.queue = nil
}

func (d *Device) checkLocked(opName string) error {
	if d.lost != nil {
		return &gpu.DeviceError{Op: opName, Err: d.lost}
	}
	return nil
}

func (d *Device) CreateBuffer(size uint64, usage gpu.Usage, label string) (*gpu.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked("create buffer"); err != nil {
		return nil, err
	}
	if d.caps.MaxBufferSize > 0 && size > d.caps.MaxBufferSize {
		return nil, &gpu.DeviceError{Op: "create buffer", Err: fmt.Errorf("%s: size %d exceeds limit %d", label, size, d.caps.MaxBufferSize)}
	}
	d.next++
	// round to 4 bytes so f32 views never run short
	d.mem[d.next] = make([]byte, (size+3)&^3)
	d.stats.LiveBuffers++
	d.stats.LiveBytes += size
	return gpu.NewBuffer(d.next, size, usage, label, nil), nil
}

func (d *Device) DestroyBuffer(b *gpu.Buffer) {
	if b == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.mem[b.ID()]; ok {
		delete(d.mem, b.ID())
		d.stats.LiveBuffers--
		d.stats.LiveBytes -= b.Size()
	}
}

// Enqueue appends work to the command queue. It runs on the next Submit.
func (d *Device) Enqueue(name string, fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(name); err != nil {
		return err
	}
	d.queue = append(d.queue, op{name: name, fn: fn})
	d.stats.Dispatches++
	return nil
}

// Bytes returns the backing memory of b. It is meant for queued work.
func (d *Device) Bytes(b *gpu.Buffer) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bytesLocked(b)
}

func (d *Device) bytesLocked(b *gpu.Buffer) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("nil buffer")
	}
	mem, ok := d.mem[b.ID()]
	if !ok {
		return nil, fmt.Errorf("buffer %q (%d) destroyed", b.Label(), b.ID())
	}
	return mem[:b.Size()], nil
}

func (d *Device) WriteBuffer(b *gpu.Buffer, offset uint64, data []byte) error {
	if !gpu.InRange(offset, uint64(len(data)), b.Size()) {
		return &gpu.DeviceError{Op: "write buffer", Err: fmt.Errorf("%s: write of %d at %d overflows size %d", b.Label(), len(data), offset, b.Size())}
	}
	cp := append([]byte(nil), data...)
	d.mu.Lock()
	d.stats.Writes++
	d.mu.Unlock()
	return d.Enqueue("write buffer", func() error {
		mem, err := d.Bytes(b)
		if err != nil {
			return err
		}
		copy(mem[offset:], cp)
		return nil
	})
}

func (d *Device) CopyBuffer(src *gpu.Buffer, srcOffset uint64, dst *gpu.Buffer, dstOffset uint64, size uint64) error {
	if !gpu.InRange(srcOffset, size, src.Size()) || !gpu.InRange(dstOffset, size, dst.Size()) {
		return &gpu.DeviceError{Op: "copy buffer", Err: fmt.Errorf("copy of %d bytes out of range", size)}
	}
	return d.Enqueue("copy buffer", func() error {
		s, err := d.Bytes(src)
		if err != nil {
			return err
		}
		t, err := d.Bytes(dst)
		if err != nil {
			return err
		}
		copy(t[dstOffset:dstOffset+size], s[srcOffset:srcOffset+size])
		return nil
	})
}

// Submit executes queued work in order. A failing command loses the device,
// the same way a validation or out-of-memory failure does on hardware.
func (d *Device) Submit() error {
	d.mu.Lock()
	if err := d.checkLocked("submit"); err != nil {
		d.mu.Unlock()
		return err
	}
	queue := d.queue
	d.queue = nil
	d.stats.Submits++
	d.mu.Unlock()

	for _, o := range queue {
		if err := o.fn(); err != nil {
			d.Lose(fmt.Errorf("%s: %w", o.name, err))
			return &gpu.DeviceError{Op: o.name, Err: err}
		}
	}
	return nil
}

// OnSubmittedWorkDone returns once submitted work finished. Submit is
// synchronous here, so only loss and cancellation are reported.
func (d *Device) OnSubmittedWorkDone(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkLocked("work done")
}

func (d *Device) ReadBuffer(ctx context.Context, b *gpu.Buffer, offset, size uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.Submit(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked("read buffer"); err != nil {
		return nil, err
	}
	mem, err := d.bytesLocked(b)
	if err != nil {
		return nil, &gpu.DeviceError{Op: "read buffer", Err: err}
	}
	if !gpu.InRange(offset, size, uint64(len(mem))) {
		return nil, &gpu.DeviceError{Op: "read buffer", Err: fmt.Errorf("%s: read of %d at %d overflows size %d", b.Label(), size, offset, len(mem))}
	}
	d.stats.Readbacks++
	return append([]byte(nil), mem[offset:offset+size]...), nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = nil
	clear(d.mem)
	d.stats.LiveBuffers = 0
	d.stats.LiveBytes = 0
	return nil
}
