package loader

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/conduit/internal/expertcache"
	"github.com/samcharles93/conduit/internal/model"
	"github.com/samcharles93/conduit/internal/resolver"
)

// LoadExpert returns the weights of one routed expert, materializing them
// on a cache miss. Packed layers answer from the resident blocks.
func (l *Loader) LoadExpert(ctx context.Context, layer, expert int) (*model.ExpertWeights, error) {
	a := l.active
	if a == nil {
		return nil, ErrNotLoaded
	}
	if p, ok := a.experts.Packed(layer); ok {
		return &model.ExpertWeights{Layer: layer, Expert: expert, Packed: p}, nil
	}
	if w, ok := a.experts.Get(layer, expert); ok {
		return w, nil
	}

	locs, err := a.expertLocations(layer, expert)
	if err != nil {
		return nil, err
	}
	w := &model.ExpertWeights{Layer: layer, Expert: expert}
	dsts := []**model.Tensor{&w.Gate, &w.Up, &w.Down}
	for i, loc := range locs {
		t, err := a.pipe.Upload(ctx, loc)
		if err != nil {
			_ = l.pool.ReleaseAll(w.Buffers()...)
			return nil, fmt.Errorf("expert %d of layer %d: %w", expert, layer, err)
		}
		*dsts[i] = t
		w.Bytes += t.Buf.Size()
	}
	a.experts.Put(layer, expert, w, 0)
	return w, nil
}

// PrefetchExperts warms the shards behind experts of layer in the
// background. It never blocks the caller.
func (l *Loader) PrefetchExperts(ctx context.Context, layer int, experts []int) {
	if l.active == nil || layer >= len(l.active.layers) {
		return
	}
	l.active.experts.Prefetch(ctx, layer, experts)
}

// PredictNextLayerExperts guesses the selection of the following layer.
func (l *Loader) PredictNextLayerExperts(current []int) []int {
	return expertcache.PredictNextLayerExperts(current)
}

// expertLocations resolves gate, up and down of one expert.
func (a *loaded) expertLocations(layer, expert int) ([]resolver.TensorLocation, error) {
	n := a.arch.Names
	if n.ExpertGate == nil {
		return nil, fmt.Errorf("loader: %s has no per-expert tensors", a.arch.Name)
	}
	out := make([]resolver.TensorLocation, 0, 3)
	for _, names := range [][]string{n.ExpertGate(layer, expert), n.ExpertUp(layer, expert), n.ExpertDown(layer, expert)} {
		loc, err := a.res.Require(layer, names...)
		if err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, nil
}

// warmShards pulls the shards of experts not yet resident into the shard
// cache. It runs on the prefetch goroutine and touches only the resolver and
// the shard cache.
func (a *loaded) warmShards(ctx context.Context, layer int, experts []int) error {
	if _, ok := a.experts.Packed(layer); ok {
		return nil
	}
	var errs []error
	for _, e := range experts {
		if a.experts.Has(layer, e) {
			continue
		}
		locs, err := a.expertLocations(layer, e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, loc := range locs {
			for _, shard := range loc.Shards() {
				if _, err := a.shards.Get(ctx, shard); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}
