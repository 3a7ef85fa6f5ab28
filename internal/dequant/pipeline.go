package dequant

import (
	"context"
	"fmt"

	"github.com/samcharles93/conduit/internal/bufferpool"
	"github.com/samcharles93/conduit/internal/gpu"
	"github.com/samcharles93/conduit/internal/logger"
	"github.com/samcharles93/conduit/internal/model"
	"github.com/samcharles93/conduit/internal/resolver"
	"github.com/samcharles93/conduit/internal/shardcache"
	"github.com/samcharles93/conduit/pkg/manifest"
	"github.com/samcharles93/conduit/pkg/quant"
)

// Pipeline turns resolved tensors into device weights. The GPU path uploads
// the stored bytes and converts on the device; the CPU path decodes on the
// host for tensors that need host-side transforms.
type Pipeline struct {
	dev    gpu.Device
	k      gpu.Kernels
	pool   *bufferpool.Pool
	shards *shardcache.Cache
	log    logger.Logger
}

func New(dev gpu.Device, k gpu.Kernels, pool *bufferpool.Pool, shards *shardcache.Cache, log logger.Logger) *Pipeline {
	return &Pipeline{dev: dev, k: k, pool: pool, shards: shards, log: logger.OrDiscard(log)}
}

func layoutOf(l manifest.Layout) gpu.Layout {
	if l == manifest.LayoutColumn {
		return gpu.LayoutColumn
	}
	return gpu.LayoutRow
}

// Upload places loc on the device in the dtype chosen by Decide.
func (p *Pipeline) Upload(ctx context.Context, loc resolver.TensorLocation) (*model.Tensor, error) {
	plan, err := Decide(loc, p.dev.Capabilities())
	if err != nil {
		return nil, err
	}
	raw, err := p.pool.Acquire(loc.Size, gpu.UsageDefault, loc.Name)
	if err != nil {
		return nil, err
	}
	if err := p.writeSpans(ctx, raw, loc); err != nil {
		_ = p.pool.Release(raw)
		return nil, err
	}

	t := &model.Tensor{Name: loc.Name, Buf: raw, DType: plan.Target, Layout: layoutOf(loc.Layout), Shape: loc.Shape}
	if plan.Path == PathRaw || plan.Path == PathFusedQ4K {
		p.tag(t)
		return t, nil
	}

	// conversion kernels must see the complete upload
	if err := gpu.Flush(ctx, p.dev); err != nil {
		_ = p.pool.Release(raw)
		return nil, fmt.Errorf("dequant: flush %s: %w", loc.Name, err)
	}
	out, err := p.convert(raw, loc, plan)
	if rerr := p.pool.Release(raw); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		return nil, fmt.Errorf("dequant: convert %s (%s): %w", loc.Name, plan.Path, err)
	}
	t.Buf = out
	p.tag(t)
	p.log.Debug("tensor converted", "tensor", loc.Name, "path", plan.Path.String(), "dtype", plan.Target.String())
	return t, nil
}

func (p *Pipeline) writeSpans(ctx context.Context, dst *gpu.Buffer, loc resolver.TensorLocation) error {
	var off uint64
	for _, sp := range loc.Spans {
		data, err := p.shards.ReadSpan(ctx, sp)
		if err != nil {
			return fmt.Errorf("dequant: read %s: %w", loc.Name, err)
		}
		if off+uint64(len(data)) > loc.Size {
			return fmt.Errorf("dequant: spans of %s exceed declared size %d", loc.Name, loc.Size)
		}
		if err := p.dev.WriteBuffer(dst, off, data); err != nil {
			return fmt.Errorf("dequant: upload %s: %w", loc.Name, err)
		}
		off += uint64(len(data))
	}
	if off != loc.Size {
		return fmt.Errorf("dequant: spans of %s cover %d of %d bytes", loc.Name, off, loc.Size)
	}
	return nil
}

func (p *Pipeline) convert(raw *gpu.Buffer, loc resolver.TensorLocation, plan Plan) (*gpu.Buffer, error) {
	n := loc.Elements()
	switch plan.Path {
	case PathDequantQ4K:
		out, err := p.pool.Acquire(uint64(n*plan.Target.ElemSize()), gpu.UsageDefault, loc.Name)
		if err != nil {
			return nil, err
		}
		if err := p.k.Dequantize(raw, out, n, plan.Target); err != nil {
			_ = p.pool.Release(out)
			return nil, err
		}
		return out, nil
	case PathCastBF16:
		wide, err := p.pool.Acquire(uint64(4*n), gpu.UsageDefault, loc.Name)
		if err != nil {
			return nil, err
		}
		if err := p.k.Cast(raw, wide, n, gpu.BF16Raw, gpu.F32); err != nil {
			_ = p.pool.Release(wide)
			return nil, err
		}
		if plan.Target == gpu.F32 {
			return wide, nil
		}
		half, err := p.pool.Acquire(uint64(2*n), gpu.UsageDefault, loc.Name)
		if err != nil {
			_ = p.pool.Release(wide)
			return nil, err
		}
		err = p.k.Cast(wide, half, n, gpu.F32, gpu.F16)
		_ = p.pool.Release(wide)
		if err != nil {
			_ = p.pool.Release(half)
			return nil, err
		}
		return half, nil
	}
	return nil, fmt.Errorf("no conversion for path %s", plan.Path)
}

func (p *Pipeline) tag(t *model.Tensor) {
	p.pool.SetDType(t.Buf, t.DType)
	p.pool.SetLayout(t.Buf, t.Layout)
}

// LoadCPU decodes loc into host f32 values.
func (p *Pipeline) LoadCPU(ctx context.Context, loc resolver.TensorLocation) ([]float32, error) {
	data, err := p.shards.Assemble(ctx, loc.Spans)
	if err != nil {
		return nil, fmt.Errorf("dequant: read %s: %w", loc.Name, err)
	}
	var vals []float32
	switch loc.DType {
	case manifest.F32:
		vals, err = quant.BytesF32(data)
	case manifest.F16:
		vals, err = quant.WidenF16(data)
	case manifest.BF16:
		vals, err = quant.WidenBF16(data)
	case manifest.Q4K:
		vals = make([]float32, loc.Elements())
		err = quant.DequantizeQ4K(vals, data)
	default:
		return nil, &ConversionError{Tensor: loc.Name, DType: loc.DType}
	}
	if err != nil {
		return nil, fmt.Errorf("dequant: decode %s: %w", loc.Name, err)
	}
	return vals, nil
}

// UploadF32 places host values on the device as an f32 vector.
func (p *Pipeline) UploadF32(values []float32, name string) (*model.Tensor, error) {
	buf, err := p.pool.Acquire(uint64(4*len(values)), gpu.UsageDefault, name)
	if err != nil {
		return nil, err
	}
	if err := p.dev.WriteBuffer(buf, 0, quant.F32Bytes(values)); err != nil {
		_ = p.pool.Release(buf)
		return nil, fmt.Errorf("dequant: upload %s: %w", name, err)
	}
	t := &model.Tensor{Name: name, Buf: buf, DType: gpu.F32, Shape: []int{len(values)}}
	p.tag(t)
	return t, nil
}

// Release returns t's buffer to the pool.
func (p *Pipeline) Release(t *model.Tensor) error {
	if t == nil {
		return nil
	}
	return p.pool.Release(t.Buf)
}
