// Package shardcache keeps a small number of raw shards in memory in front
// of a byte source.
package shardcache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/samcharles93/conduit/internal/logger"
	"github.com/samcharles93/conduit/pkg/manifest"
)

const (
	DenseCapacity  = 2
	minMoECapacity = 4
	maxMoECapacity = 16
)

// Source fetches the full contents of one shard.
type Source interface {
	ReadShard(ctx context.Context, index int) ([]byte, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, index int) ([]byte, error)

func (f SourceFunc) ReadShard(ctx context.Context, index int) ([]byte, error) {
	return f(ctx, index)
}

// Capacity returns the number of shards to keep resident. MoE models touch
// up to 2k+1 shards per layer (k experts plus the shared tensors).
func Capacity(isMoE bool, expertsPerToken int) int {
	if !isMoE {
		return DenseCapacity
	}
	return min(max(2*expertsPerToken+1, minMoECapacity), maxMoECapacity)
}

type Options struct {
	Capacity int
	// Verify checks every fetched shard against Hashes.
	Verify    bool
	Hashes    map[int]string
	Algorithm string
	Logger    logger.Logger
}

type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Resident  int
	Bytes     uint64
	Capacity  int
}

// Cache holds raw shard bytes with insertion-order eviction. A hit moves the
// shard to the back of the order. It is safe for concurrent use so that
// background prefetch can warm it.
type Cache struct {
	src  Source
	opts Options
	log  logger.Logger

	mu      sync.Mutex
	entries *orderedmap.OrderedMap[int, []byte]
	bytes   uint64
	stats   Stats
}

// New returns a cache in front of src.
func New(src Source, opts Options) *Cache {
	if opts.Capacity <= 0 {
		opts.Capacity = DenseCapacity
	}
	return &Cache{
		src:     src,
		opts:    opts,
		log:     logger.OrDiscard(opts.Logger),
		entries: orderedmap.New[int, []byte](),
	}
}

// Capacity returns the configured entry bound.
func (c *Cache) Capacity() int { return c.opts.Capacity }

// Get returns the bytes of shard index, fetching and verifying on a miss.
func (c *Cache) Get(ctx context.Context, index int) ([]byte, error) {
	c.mu.Lock()
	if data, ok := c.entries.Get(index); ok {
		_ = c.entries.MoveToBack(index)
		c.stats.Hits++
		c.mu.Unlock()
		return data, nil
	}
	c.stats.Misses++
	c.mu.Unlock()

	data, err := c.src.ReadShard(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("shard %d: %w", index, err)
	}
	if c.opts.Verify {
		if err := c.verify(index, data); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries.Get(index); ok {
		// a concurrent fetch won
		_ = c.entries.MoveToBack(index)
		return existing, nil
	}
	c.entries.Set(index, data)
	c.bytes += uint64(len(data))
	for c.entries.Len() > c.opts.Capacity {
		oldest := c.entries.Oldest()
		c.entries.Delete(oldest.Key)
		c.bytes -= uint64(len(oldest.Value))
		c.stats.Evictions++
		c.log.Debug("shard evicted", "shard", oldest.Key, "bytes", len(oldest.Value))
	}
	return data, nil
}

func (c *Cache) verify(index int, data []byte) error {
	want, ok := c.opts.Hashes[index]
	if !ok || want == "" {
		c.log.Warn("shard has no declared hash, skipping verification", "shard", index)
		return nil
	}
	got, err := manifest.HashHex(c.opts.Algorithm, data)
	if err != nil {
		return fmt.Errorf("shard %d: %w", index, err)
	}
	if !strings.EqualFold(got, want) {
		return &ShardIntegrityError{Shard: index, Expected: want, Computed: got}
	}
	return nil
}

// Has reports whether shard index is resident without touching recency.
func (c *Cache) Has(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries.Get(index)
	return ok
}

// Resident returns the resident shard indices from oldest to newest.
func (c *Cache) Resident() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, c.entries.Len())
	for p := c.entries.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = orderedmap.New[int, []byte]()
	c.bytes = 0
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Resident = c.entries.Len()
	s.Bytes = c.bytes
	s.Capacity = c.opts.Capacity
	return s
}

// ReadSpan returns the bytes of one span.
func (c *Cache) ReadSpan(ctx context.Context, sp manifest.Span) ([]byte, error) {
	data, err := c.Get(ctx, sp.Shard)
	if err != nil {
		return nil, err
	}
	if n := uint64(len(data)); sp.Size > n || sp.Offset > n-sp.Size {
		return nil, &ShardTooSmallError{Shard: sp.Shard, Offset: sp.Offset, Size: sp.Size, Length: len(data)}
	}
	return data[sp.Offset : sp.Offset+sp.Size], nil
}

// Assemble concatenates spans in order into one host buffer.
func (c *Cache) Assemble(ctx context.Context, spans []manifest.Span) ([]byte, error) {
	if len(spans) == 1 {
		b, err := c.ReadSpan(ctx, spans[0])
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), b...), nil
	}
	var total uint64
	for _, sp := range spans {
		total += sp.Size
	}
	out := make([]byte, 0, total)
	for _, sp := range spans {
		b, err := c.ReadSpan(ctx, sp)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}
