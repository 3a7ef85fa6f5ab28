// Package kvcache holds the per-layer attention key/value buffers of one
// generation session.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/samcharles93/conduit/internal/bufferpool"
	"github.com/samcharles93/conduit/internal/gpu"
)

// ErrFull is returned when advancing past the maximum sequence length.
var ErrFull = errors.New("kvcache: sequence length exhausted")

// Spec sizes a cache. Windows[i] > 0 makes layer i a sliding-window ring of
// min(Windows[i], MaxSeqLen) slots; missing entries mean full attention.
type Spec struct {
	Layers    int
	KVHeads   int
	HeadDim   int
	MaxSeqLen int
	Windows   []int
	// Half stores entries as f16 when the device supports it.
	Half bool
}

type layer struct {
	k, v     *gpu.Buffer
	capacity int
	window   int
}

// Cache is owned by one session; it is not safe for concurrent use.
type Cache struct {
	pool   *bufferpool.Pool
	spec   Spec
	dtype  gpu.DType
	layers []layer
	pos    int
	bytes  uint64
}

func New(dev gpu.Device, pool *bufferpool.Pool, spec Spec) (*Cache, error) {
	if spec.Layers <= 0 || spec.KVHeads <= 0 || spec.HeadDim <= 0 || spec.MaxSeqLen <= 0 {
		return nil, fmt.Errorf("kvcache: invalid spec %+v", spec)
	}
	c := &Cache{pool: pool, spec: spec, dtype: gpu.F32}
	if spec.Half && dev.Capabilities().ShaderF16 {
		c.dtype = gpu.F16
	}
	row := uint64(spec.KVHeads * spec.HeadDim * c.dtype.ElemSize())
	for i := range spec.Layers {
		l := layer{capacity: spec.MaxSeqLen}
		if i < len(spec.Windows) && spec.Windows[i] > 0 {
			l.window = spec.Windows[i]
			l.capacity = min(l.window, spec.MaxSeqLen)
		}
		size := uint64(l.capacity) * row
		c.layers = append(c.layers, l)
		cur := &c.layers[i]
		var err error
		if cur.k, err = pool.Acquire(size, gpu.UsageDefault, fmt.Sprintf("kv.%d.k", i)); err == nil {
			cur.v, err = pool.Acquire(size, gpu.UsageDefault, fmt.Sprintf("kv.%d.v", i))
		}
		if err != nil {
			_ = c.Release()
			return nil, fmt.Errorf("kvcache: layer %d: %w", i, err)
		}
		pool.SetDType(cur.k, c.dtype)
		pool.SetDType(cur.v, c.dtype)
		c.bytes += 2 * size
	}
	return c, nil
}

// Layer returns the key and value buffers of layer i and their slot count.
func (c *Cache) Layer(i int) (k, v *gpu.Buffer, capacity int) {
	l := c.layers[i]
	return l.k, l.v, l.capacity
}

// Window returns the sliding window of layer i, 0 for full attention.
func (c *Cache) Window(i int) int { return c.layers[i].window }

// Ring reports whether layer i wraps before MaxSeqLen.
func (c *Cache) Ring(i int) bool { return c.layers[i].capacity < c.spec.MaxSeqLen }

// Len is the number of positions written so far.
func (c *Cache) Len() int { return c.pos }

func (c *Cache) MaxSeqLen() int { return c.spec.MaxSeqLen }

// Check reports whether n more positions fit.
func (c *Cache) Check(n int) error {
	if c.pos+n > c.spec.MaxSeqLen {
		return fmt.Errorf("%w: %d + %d > %d", ErrFull, c.pos, n, c.spec.MaxSeqLen)
	}
	return nil
}

// Advance commits n positions.
func (c *Cache) Advance(n int) error {
	if err := c.Check(n); err != nil {
		return err
	}
	c.pos += n
	return nil
}

// Reset forgets every position. Stale slots are never read because
// attention only reaches positions below Len.
func (c *Cache) Reset() { c.pos = 0 }

func (c *Cache) DType() gpu.DType { return c.dtype }

// Bytes is the device memory held by the cache.
func (c *Cache) Bytes() uint64 { return c.bytes }

// Release returns every buffer to the pool.
func (c *Cache) Release() error {
	var errs []error
	for _, l := range c.layers {
		for _, b := range []*gpu.Buffer{l.k, l.v} {
			if b != nil {
				errs = append(errs, c.pool.Release(b))
			}
		}
	}
	c.layers = nil
	c.bytes = 0
	c.pos = 0
	return errors.Join(errs...)
}
