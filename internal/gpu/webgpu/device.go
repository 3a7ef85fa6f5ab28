//go:build webgpu

// Package webgpu adapts a native WebGPU device to gpu.Device. Buffer writes
// are staged through mapped-at-creation buffers and recorded as copies, so
// they keep queue order with the rest of the recorded work.
package webgpu

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/samcharles93/conduit/internal/gpu"
)

// Device owns the instance, adapter and device handles.
type Device struct {
	caps     gpu.Capabilities
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	mu      sync.Mutex
	next    uint64
	pending []*wgpu.CommandBuffer
	staging []*wgpu.Buffer
	fence   *wgpu.Buffer
	fenceRd *wgpu.Buffer
	lost    error
}

var _ gpu.Device = (*Device)(nil)

// Open requests a high-performance adapter. Capabilities cannot be queried
// through the bindings, so the caller states them.
func Open(caps gpu.Capabilities) (dev *Device, err error) {
	defer func() {
		if r := recover(); r != nil {
			dev = nil
			err = fmt.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("webgpu: request adapter: %w", err)
	}
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: request device: %w", err)
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("webgpu: no queue")
	}
	d := &Device{caps: caps, instance: instance, adapter: adapter, device: device, queue: queue}
	d.fence = device.CreateBuffer(&wgpu.BufferDescriptor{Usage: wgpu.BufferUsageCopySrc, Size: 4})
	d.fenceRd = device.CreateBuffer(&wgpu.BufferDescriptor{Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst, Size: 4})
	return d, nil
}

func (d *Device) Capabilities() gpu.Capabilities { return d.caps }

func usageFlags(u gpu.Usage) wgpu.BufferUsage {
	var out wgpu.BufferUsage
	if u&gpu.UsageStorage != 0 {
		out |= wgpu.BufferUsageStorage
	}
	if u&gpu.UsageCopySrc != 0 {
		out |= wgpu.BufferUsageCopySrc
	}
	if u&gpu.UsageCopyDst != 0 {
		out |= wgpu.BufferUsageCopyDst
	}
	if u&gpu.UsageMapRead != 0 {
		out |= wgpu.BufferUsageMapRead
	}
	if u&gpu.UsageUniform != 0 {
		out |= wgpu.BufferUsageUniform
	}
	return out
}

func (d *Device) check(op string) error {
	if d.lost != nil {
		return &gpu.DeviceError{Op: op, Err: d.lost}
	}
	return nil
}

func (d *Device) CreateBuffer(size uint64, usage gpu.Usage, label string) (*gpu.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("create buffer"); err != nil {
		return nil, err
	}
	if d.caps.MaxBufferSize > 0 && size > d.caps.MaxBufferSize {
		return nil, &gpu.DeviceError{Op: "create buffer", Err: fmt.Errorf("%s: size %d exceeds limit %d", label, size, d.caps.MaxBufferSize)}
	}
	// copies move whole words
	aligned := (size + 3) &^ 3
	buf := d.device.CreateBuffer(&wgpu.BufferDescriptor{Usage: usageFlags(usage), Size: aligned})
	if buf == nil {
		return nil, &gpu.DeviceError{Op: "create buffer", Err: fmt.Errorf("%s: allocation of %d bytes failed", label, size)}
	}
	d.next++
	return gpu.NewBuffer(d.next, size, usage, label, buf), nil
}

func handle(b *gpu.Buffer) *wgpu.Buffer {
	return b.Handle.(*wgpu.Buffer)
}

func (d *Device) DestroyBuffer(b *gpu.Buffer) {
	if b == nil || b.Handle == nil {
		return
	}
	handle(b).Release()
	b.Handle = nil
}

func (d *Device) WriteBuffer(b *gpu.Buffer, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("write buffer"); err != nil {
		return err
	}
	if !gpu.InRange(offset, uint64(len(data)), b.Size()) {
		return &gpu.DeviceError{Op: "write buffer", Err: fmt.Errorf("%s: write of %d at %d overflows size %d", b.Label(), len(data), offset, b.Size())}
	}
	if len(data) == 0 {
		return nil
	}
	size := (uint64(len(data)) + 3) &^ 3
	stage := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageCopySrc,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mapped := unsafe.Slice((*byte)(stage.GetMappedRange(0, size)), size)
	copy(mapped, data)
	stage.Unmap()

	enc := d.device.CreateCommandEncoder(nil)
	enc.CopyBufferToBuffer(stage, 0, handle(b), offset, size)
	d.pending = append(d.pending, enc.Finish(nil))
	d.staging = append(d.staging, stage)
	return nil
}

func (d *Device) CopyBuffer(src *gpu.Buffer, srcOffset uint64, dst *gpu.Buffer, dstOffset uint64, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("copy buffer"); err != nil {
		return err
	}
	if !gpu.InRange(srcOffset, size, src.Size()) || !gpu.InRange(dstOffset, size, dst.Size()) {
		return &gpu.DeviceError{Op: "copy buffer", Err: fmt.Errorf("copy of %d bytes out of range", size)}
	}
	enc := d.device.CreateCommandEncoder(nil)
	enc.CopyBufferToBuffer(handle(src), srcOffset, handle(dst), dstOffset, size)
	d.pending = append(d.pending, enc.Finish(nil))
	return nil
}

func (d *Device) Submit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submitLocked()
}

func (d *Device) submitLocked() error {
	if err := d.check("submit"); err != nil {
		return err
	}
	if len(d.pending) > 0 {
		d.queue.Submit(d.pending...)
		d.pending = d.pending[:0]
	}
	return nil
}

// OnSubmittedWorkDone maps a fence buffer behind the submitted work. Mapping
// blocks until the queue drains.
func (d *Device) OnSubmittedWorkDone(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.submitLocked(); err != nil {
		return err
	}
	enc := d.device.CreateCommandEncoder(nil)
	enc.CopyBufferToBuffer(d.fence, 0, d.fenceRd, 0, 4)
	d.queue.Submit(enc.Finish(nil))
	if err := d.fenceRd.MapAsync(d.device, wgpu.MapModeRead, 0, 4); err != nil {
		d.lost = fmt.Errorf("%w: %v", gpu.ErrDeviceLost, err)
		return &gpu.DeviceError{Op: "work done", Err: d.lost}
	}
	d.fenceRd.Unmap()
	for _, s := range d.staging {
		s.Release()
	}
	d.staging = d.staging[:0]
	return nil
}

func (d *Device) ReadBuffer(ctx context.Context, b *gpu.Buffer, offset, size uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("read buffer"); err != nil {
		return nil, err
	}
	if !gpu.InRange(offset, size, b.Size()) {
		return nil, &gpu.DeviceError{Op: "read buffer", Err: fmt.Errorf("%s: read of %d at %d overflows size %d", b.Label(), size, offset, b.Size())}
	}
	// copies need 4-byte aligned offsets and sizes
	start := offset &^ 3
	span := (offset + size - start + 3) &^ 3
	stage := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  span,
	})
	defer stage.Release()

	enc := d.device.CreateCommandEncoder(nil)
	enc.CopyBufferToBuffer(handle(b), start, stage, 0, span)
	d.pending = append(d.pending, enc.Finish(nil))
	if err := d.submitLocked(); err != nil {
		return nil, err
	}
	if err := stage.MapAsync(d.device, wgpu.MapModeRead, 0, span); err != nil {
		d.lost = fmt.Errorf("%w: %v", gpu.ErrDeviceLost, err)
		return nil, &gpu.DeviceError{Op: "read buffer", Err: d.lost}
	}
	mapped := unsafe.Slice((*byte)(stage.GetMappedRange(0, span)), span)
	out := make([]byte, size)
	copy(out, mapped[offset-start:])
	stage.Unmap()
	return out, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue != nil && len(d.pending) > 0 {
		d.queue.Submit(d.pending...)
	}
	d.pending = nil
	for _, s := range d.staging {
		s.Release()
	}
	d.staging = nil
	if d.fence != nil {
		d.fence.Release()
		d.fenceRd.Release()
	}
	if d.device != nil {
		d.device.Release()
	}
	if d.adapter != nil {
		d.adapter.Release()
	}
	if d.instance != nil {
		d.instance.Release()
	}
	return nil
}
