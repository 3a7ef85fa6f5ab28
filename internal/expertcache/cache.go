// Package expertcache keeps materialized MoE expert weights resident under a
// byte budget and warms the shard cache ahead of the next layer.
package expertcache

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/singleflight"

	"github.com/samcharles93/conduit/internal/gpu"
	"github.com/samcharles93/conduit/internal/logger"
	"github.com/samcharles93/conduit/internal/model"
)

// DefaultBudgetBytes is used when Options.BudgetBytes is zero.
const DefaultBudgetBytes = 2 << 30

// Prefetcher loads whatever backs the given experts of layer. It runs on a
// background goroutine and must be safe for that.
type Prefetcher func(ctx context.Context, layer int, experts []int) error

type Options struct {
	BudgetBytes uint64
	// DefaultExpertBytes is charged for entries whose size is unknown.
	DefaultExpertBytes uint64
	// OnEvict receives the buffers of every entry leaving the cache.
	OnEvict func(bufs []*gpu.Buffer)
	Logger  logger.Logger
}

type Stats struct {
	Hits           uint64
	Misses         uint64
	Evictions      uint64
	Entries        int
	ResidentBytes  uint64
	BudgetBytes    uint64
	PackedLayers   int
	Prefetches     uint64
	PrefetchErrors uint64
}

type key struct{ layer, expert int }

type entry struct {
	w     *model.ExpertWeights
	bytes uint64
}

// Cache is an LRU of expert weight bundles. Lookups and inserts come from
// the orchestration goroutine; only prefetch runs concurrently, and it never
// touches entries.
type Cache struct {
	opts Options
	log  logger.Logger

	mu       sync.Mutex
	entries  *orderedmap.OrderedMap[key, entry]
	resident uint64
	packed   map[int]*model.PackedExperts
	stats    Stats

	prefetch       Prefetcher
	group          singleflight.Group
	wg             sync.WaitGroup
	prefetches     atomic.Uint64
	prefetchErrors atomic.Uint64
}

func New(opts Options) *Cache {
	if opts.BudgetBytes == 0 {
		opts.BudgetBytes = DefaultBudgetBytes
	}
	return &Cache{
		opts:    opts,
		log:     logger.OrDiscard(opts.Logger),
		entries: orderedmap.New[key, entry](),
		packed:  make(map[int]*model.PackedExperts),
	}
}

// Get returns the weights of (layer, expert) and marks them most recently
// used.
func (c *Cache) Get(layer, expert int) (*model.ExpertWeights, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{layer, expert}
	e, ok := c.entries.Get(k)
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	_ = c.entries.MoveToBack(k)
	c.stats.Hits++
	return e.w, true
}

// Has reports residency without touching recency.
func (c *Cache) Has(layer, expert int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries.Get(key{layer, expert})
	return ok
}

// Put inserts w charged at size bytes, falling back to w.Bytes and then to
// DefaultExpertBytes. Least recently used entries are evicted until the
// resident total fits the budget. The entry being inserted is never evicted
// by its own Put, so a single oversized expert stays resident alone.
func (c *Cache) Put(layer, expert int, w *model.ExpertWeights, size uint64) {
	if size == 0 {
		size = w.Bytes
	}
	if size == 0 {
		size = c.opts.DefaultExpertBytes
	}
	k := key{layer, expert}

	c.mu.Lock()
	var evicted []entry
	if old, ok := c.entries.Get(k); ok {
		c.entries.Delete(k)
		c.resident -= old.bytes
		if old.w != w {
			evicted = append(evicted, old)
		}
	}
	c.entries.Set(k, entry{w: w, bytes: size})
	c.resident += size
	for c.resident > c.opts.BudgetBytes && c.entries.Len() > 1 {
		oldest := c.entries.Oldest()
		c.entries.Delete(oldest.Key)
		c.resident -= oldest.Value.bytes
		c.stats.Evictions++
		evicted = append(evicted, oldest.Value)
		c.log.Debug("expert evicted", "layer", oldest.Key.layer, "expert", oldest.Key.expert, "bytes", oldest.Value.bytes)
	}
	if c.resident > c.opts.BudgetBytes {
		c.log.Warn("expert exceeds cache budget", "layer", layer, "expert", expert, "bytes", size, "budget", c.opts.BudgetBytes)
	}
	c.mu.Unlock()

	c.release(evicted)
}

func (c *Cache) release(es []entry) {
	if c.opts.OnEvict == nil {
		return
	}
	for _, e := range es {
		if bufs := e.w.Buffers(); len(bufs) > 0 {
			c.opts.OnEvict(bufs)
		}
	}
}

// PutPacked stores the shared packed experts of layer. Packed layers are
// outside the LRU and stay until Clear.
func (c *Cache) PutPacked(layer int, p *model.PackedExperts) {
	c.mu.Lock()
	c.packed[layer] = p
	c.mu.Unlock()
}

func (c *Cache) Packed(layer int) (*model.PackedExperts, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.packed[layer]
	return p, ok
}

// SetPrefetcher installs the function Prefetch runs.
func (c *Cache) SetPrefetcher(p Prefetcher) {
	c.mu.Lock()
	c.prefetch = p
	c.mu.Unlock()
}

// Prefetch warms storage for experts of layer in the background and returns
// immediately. Identical requests already in flight are joined. Failures are
// logged and otherwise dropped.
func (c *Cache) Prefetch(ctx context.Context, layer int, experts []int) {
	c.mu.Lock()
	fn := c.prefetch
	c.mu.Unlock()
	if fn == nil || len(experts) == 0 {
		return
	}
	experts = slices.Clone(experts)
	slices.Sort(experts)
	experts = slices.Compact(experts)
	k := prefetchKey(layer, experts)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, _, _ = c.group.Do(k, func() (any, error) {
			c.prefetches.Add(1)
			if err := fn(ctx, layer, experts); err != nil {
				c.prefetchErrors.Add(1)
				c.log.Warn("expert prefetch failed", "layer", layer, "experts", experts, "error", err)
			}
			return nil, nil
		})
	}()
}

func prefetchKey(layer int, experts []int) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(layer))
	b.WriteByte(':')
	for i, e := range experts {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(e))
	}
	return b.String()
}

// Wait blocks until every started prefetch has finished. The generation
// path never calls it.
func (c *Cache) Wait() { c.wg.Wait() }

// PredictNextLayerExperts guesses the experts the next layer will select:
// the current selection.
func PredictNextLayerExperts(current []int) []int {
	return slices.Clone(current)
}

// Clear drops every entry and packed layer, handing their buffers to
// OnEvict. Counters are kept.
func (c *Cache) Clear() {
	c.Wait()
	c.mu.Lock()
	var es []entry
	for p := c.entries.Oldest(); p != nil; p = p.Next() {
		es = append(es, p.Value)
	}
	packed := c.packed
	c.entries = orderedmap.New[key, entry]()
	c.packed = make(map[int]*model.PackedExperts)
	c.resident = 0
	c.mu.Unlock()

	c.release(es)
	if c.opts.OnEvict != nil {
		for _, p := range packed {
			c.opts.OnEvict(p.Buffers())
		}
	}
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.entries.Len()
	s.ResidentBytes = c.resident
	s.BudgetBytes = c.opts.BudgetBytes
	s.PackedLayers = len(c.packed)
	s.Prefetches = c.prefetches.Load()
	s.PrefetchErrors = c.prefetchErrors.Load()
	return s
}

func (s Stats) String() string {
	return fmt.Sprintf("entries=%d resident=%d/%d hits=%d misses=%d evictions=%d packed=%d",
		s.Entries, s.ResidentBytes, s.BudgetBytes, s.Hits, s.Misses, s.Evictions, s.PackedLayers)
}
