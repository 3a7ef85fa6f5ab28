// Package gpu defines the device and kernel contracts the streaming and
// execution layers are written against.
package gpu

import (
	"context"
	"errors"
	"fmt"
)

// Usage is a bitmask of buffer usages.
type Usage uint32

const (
	UsageStorage Usage = 1 << iota
	UsageCopySrc
	UsageCopyDst
	UsageMapRead
	UsageUniform

	// UsageDefault suits weights and activations.
	UsageDefault = UsageStorage | UsageCopySrc | UsageCopyDst
)

// DType is the logical element type a buffer holds.
type DType uint8

const (
	DTypeUnknown DType = iota
	F32
	F16
	Q4K
	BF16Raw
	MXFP4
	U8
	U32
)

var dtypeNames = [...]string{"unknown", "f32", "f16", "q4k", "bf16-raw", "mxfp4", "u8", "u32"}

func (d DType) String() string {
	if int(d) < len(dtypeNames) {
		return dtypeNames[d]
	}
	return fmt.Sprintf("dtype(%d)", d)
}

// ElemSize is the byte size of one element of a plain dtype, or 0 for block
// formats.
func (d DType) ElemSize() int {
	switch d {
	case F32, U32:
		return 4
	case F16, BF16Raw:
		return 2
	case U8:
		return 1
	}
	return 0
}

// Layout is the storage order of a 2D weight buffer.
type Layout uint8

const (
	LayoutRow Layout = iota
	LayoutColumn
)

func (l Layout) String() string {
	if l == LayoutColumn {
		return "column"
	}
	return "row"
}

// Capabilities are the device features that change load and execution
// paths.
type Capabilities struct {
	// ShaderF16 is half-precision arithmetic in kernels.
	ShaderF16 bool
	// Subgroups is fast sub-group reduction support.
	Subgroups bool
	// MaxBufferSize is 0 when unbounded.
	MaxBufferSize uint64
}

// Buffer is a device memory region. Handle carries the device-specific
// object.
type Buffer struct {
	id     uint64
	size   uint64
	usage  Usage
	label  string
	Handle any
}

// NewBuffer is used by Device implementations.
func NewBuffer(id, size uint64, usage Usage, label string, handle any) *Buffer {
	return &Buffer{id: id, size: size, usage: usage, label: label, Handle: handle}
}

func (b *Buffer) ID() uint64    { return b.id }
func (b *Buffer) Size() uint64  { return b.size }
func (b *Buffer) Usage() Usage  { return b.usage }
func (b *Buffer) Label() string { return b.label }

// Device is the GPU device collaborator. WriteBuffer and CopyBuffer are
// queued in order with kernel dispatches; ReadBuffer submits pending work
// and waits for the result.
type Device interface {
	Capabilities() Capabilities
	CreateBuffer(size uint64, usage Usage, label string) (*Buffer, error)
	DestroyBuffer(b *Buffer)
	WriteBuffer(b *Buffer, offset uint64, data []byte) error
	CopyBuffer(src *Buffer, srcOffset uint64, dst *Buffer, dstOffset uint64, size uint64) error
	ReadBuffer(ctx context.Context, b *Buffer, offset, size uint64) ([]byte, error)
	Submit() error
	OnSubmittedWorkDone(ctx context.Context) error
	Close() error
}

// InRange reports whether [off, off+n) fits in size without overflowing.
func InRange(off, n, size uint64) bool {
	return n <= size && off <= size-n
}

// Flush submits queued work and waits for the device to finish it.
func Flush(ctx context.Context, dev Device) error {
	if err := dev.Submit(); err != nil {
		return err
	}
	return dev.OnSubmittedWorkDone(ctx)
}

var ErrDeviceLost = errors.New("gpu: device lost")

// DeviceError wraps a device-level failure with the operation that hit it.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string { return "gpu: " + e.Op + ": " + e.Err.Error() }
func (e *DeviceError) Unwrap() error { return e.Err }
