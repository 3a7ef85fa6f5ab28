package host

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/samcharles93/conduit/internal/gpu"
)

// memory gives kernel bodies access to buffer contents. store marks the
// buffer as written.
type memory interface {
	load(b *gpu.Buffer) ([]byte, error)
	store(b *gpu.Buffer) ([]byte, error)
}

// executor runs a kernel body in device order.
type executor interface {
	exec(name string, fn func(memory) error) error
}

// direct queues bodies on a host Device and works on its memory in place.
type direct struct{ d *Device }

func (x direct) exec(name string, fn func(memory) error) error {
	return x.d.Enqueue(name, func() error { return fn(x) })
}

func (x direct) load(b *gpu.Buffer) ([]byte, error)  { return x.d.Bytes(b) }
func (x direct) store(b *gpu.Buffer) ([]byte, error) { return x.d.Bytes(b) }

// staged runs bodies on the host against any device: inputs are read back,
// outputs written again. It is slow and meant for devices without native
// kernels.
type staged struct {
	mu  sync.Mutex
	dev gpu.Device
}

func (x *staged) exec(name string, fn func(memory) error) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	m := &stagedMemory{dev: x.dev, data: make(map[uint64][]byte), dirty: make(map[uint64]*gpu.Buffer)}
	if err := fn(m); err != nil {
		return &gpu.DeviceError{Op: name, Err: err}
	}
	for id, b := range m.dirty {
		if err := x.dev.WriteBuffer(b, 0, m.data[id][:b.Size()]); err != nil {
			return err
		}
	}
	return nil
}

type stagedMemory struct {
	dev   gpu.Device
	data  map[uint64][]byte
	dirty map[uint64]*gpu.Buffer
}

func (m *stagedMemory) load(b *gpu.Buffer) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("nil buffer")
	}
	if data, ok := m.data[b.ID()]; ok {
		return data, nil
	}
	data, err := m.dev.ReadBuffer(context.Background(), b, 0, b.Size())
	if err != nil {
		return nil, err
	}
	m.data[b.ID()] = data
	return data, nil
}

func (m *stagedMemory) store(b *gpu.Buffer) ([]byte, error) {
	data, err := m.load(b)
	if err != nil {
		return nil, err
	}
	m.dirty[b.ID()] = b
	return data, nil
}

func f32s(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func u32s(b []byte) []uint32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func u16s(b []byte) []uint16 {
	if len(b) < 2 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&b[0])), len(b)/2)
}
