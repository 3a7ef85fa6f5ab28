// Package bufferpool recycles device buffers and carries the logical dtype
// and layout tags of the weights stored in them.
package bufferpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/conduit/internal/gpu"
	"github.com/samcharles93/conduit/internal/logger"
)

// Alignment is the bucket granularity in bytes.
const Alignment = 256

const defaultMaxFree = 64

var ErrNotActive = errors.New("bufferpool: buffer is not acquired from this pool")

type Options struct {
	// MaxFreePerBucket bounds each free list; extra releases destroy the
	// buffer.
	MaxFreePerBucket int
	Logger           logger.Logger
}

type Stats struct {
	Allocations uint64
	Reuses      uint64
	Releases    uint64
	Active      int
	Free        int
	ActiveBytes uint64
	PeakBytes   uint64
}

type bucket struct {
	size  uint64
	usage gpu.Usage
}

type tags struct {
	bucket bucket
	dtype  gpu.DType
	layout gpu.Layout
}

// Pool hands out buffers rounded up to Alignment. Reuse is LIFO within a
// (size, usage) bucket; contents of a reused buffer are stale.
type Pool struct {
	dev     gpu.Device
	maxFree int
	log     logger.Logger

	mu     sync.Mutex
	free   map[bucket][]*gpu.Buffer
	active map[uint64]*tags
	bufs   map[uint64]*gpu.Buffer
	stats  Stats
}

func New(dev gpu.Device, opts Options) *Pool {
	maxFree := opts.MaxFreePerBucket
	if maxFree <= 0 {
		maxFree = defaultMaxFree
	}
	return &Pool{
		dev:     dev,
		maxFree: maxFree,
		log:     logger.OrDiscard(opts.Logger),
		free:    make(map[bucket][]*gpu.Buffer),
		active:  make(map[uint64]*tags),
		bufs:    make(map[uint64]*gpu.Buffer),
	}
}

// Round returns size rounded up to the bucket granularity.
func Round(size uint64) uint64 {
	if size == 0 {
		return Alignment
	}
	return (size + Alignment - 1) / Alignment * Alignment
}

// Acquire returns a buffer of at least size bytes. New buffers are tagged
// f32 row-major.
func (p *Pool) Acquire(size uint64, usage gpu.Usage, label string) (*gpu.Buffer, error) {
	key := bucket{size: Round(size), usage: usage}

	p.mu.Lock()
	if list := p.free[key]; len(list) > 0 {
		buf := list[len(list)-1]
		p.free[key] = list[:len(list)-1]
		p.stats.Reuses++
		p.stats.Free--
		p.activateLocked(buf, key)
		p.mu.Unlock()
		return buf, nil
	}
	p.mu.Unlock()

	buf, err := p.dev.CreateBuffer(key.size, usage, label)
	if err != nil {
		return nil, fmt.Errorf("bufferpool: acquire %s (%d bytes): %w", label, size, err)
	}
	p.mu.Lock()
	p.stats.Allocations++
	p.bufs[buf.ID()] = buf
	p.activateLocked(buf, key)
	p.mu.Unlock()
	return buf, nil
}

func (p *Pool) activateLocked(buf *gpu.Buffer, key bucket) {
	p.active[buf.ID()] = &tags{bucket: key, dtype: gpu.F32, layout: gpu.LayoutRow}
	p.stats.Active++
	p.stats.ActiveBytes += key.size
	p.stats.PeakBytes = max(p.stats.PeakBytes, p.stats.ActiveBytes)
}

// Release returns buf to its bucket. Releasing a buffer twice fails.
func (p *Pool) Release(buf *gpu.Buffer) error {
	if buf == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.active[buf.ID()]
	if !ok {
		return fmt.Errorf("%w: %q (%d)", ErrNotActive, buf.Label(), buf.ID())
	}
	delete(p.active, buf.ID())
	p.stats.Releases++
	p.stats.Active--
	p.stats.ActiveBytes -= t.bucket.size

	if len(p.free[t.bucket]) >= p.maxFree {
		delete(p.bufs, buf.ID())
		p.dev.DestroyBuffer(buf)
		return nil
	}
	p.free[t.bucket] = append(p.free[t.bucket], buf)
	p.stats.Free++
	return nil
}

// ReleaseAll releases every non-nil buffer and returns the first error.
func (p *Pool) ReleaseAll(bufs ...*gpu.Buffer) error {
	var first error
	for _, b := range bufs {
		if err := p.Release(b); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Active reports whether buf is currently acquired.
func (p *Pool) Active(buf *gpu.Buffer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[buf.ID()]
	return ok
}

func (p *Pool) SetDType(buf *gpu.Buffer, dtype gpu.DType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.active[buf.ID()]; ok {
		t.dtype = dtype
	}
}

// DType returns the tag of an acquired buffer, or DTypeUnknown.
func (p *Pool) DType(buf *gpu.Buffer) gpu.DType {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.active[buf.ID()]; ok {
		return t.dtype
	}
	return gpu.DTypeUnknown
}

func (p *Pool) SetLayout(buf *gpu.Buffer, layout gpu.Layout) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.active[buf.ID()]; ok {
		t.layout = layout
	}
}

func (p *Pool) Layout(buf *gpu.Buffer) gpu.Layout {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.active[buf.ID()]; ok {
		return t.layout
	}
	return gpu.LayoutRow
}

// Clear destroys every buffer the pool created, free or active.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, buf := range p.bufs {
		p.dev.DestroyBuffer(buf)
	}
	if n := len(p.active); n > 0 {
		p.log.Debug("destroying active buffers", "count", n, "bytes", p.stats.ActiveBytes)
	}
	clear(p.bufs)
	clear(p.free)
	clear(p.active)
	p.stats.Active = 0
	p.stats.Free = 0
	p.stats.ActiveBytes = 0
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
