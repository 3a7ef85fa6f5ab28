package loader

import (
	"context"
	"fmt"
	"math"

	"github.com/samcharles93/conduit/internal/logger"
	"github.com/samcharles93/conduit/internal/model"
	"github.com/samcharles93/conduit/internal/resolver"
	"github.com/samcharles93/conduit/pkg/quant"
)

// builder loads the resident weights of one model.
type builder struct {
	l   *Loader
	a   *loaded
	log logger.Logger
}

func (b *builder) embeddings(ctx context.Context) error {
	loc, err := b.a.res.Require(-1, b.a.arch.Names.Embedding...)
	if err != nil {
		return err
	}
	t, err := b.matrix(ctx, loc)
	if err != nil {
		return err
	}
	b.a.emb = t
	cfg := b.a.cfg
	if len(loc.Shape) == 2 {
		if cfg.VocabSize == 0 {
			cfg.VocabSize = loc.Shape[0]
		}
		if cfg.HiddenSize == 0 {
			cfg.HiddenSize = loc.Shape[1]
		}
	}
	return nil
}

func (b *builder) head(ctx context.Context) error {
	names := b.a.arch.Names
	loc, err := b.a.res.Require(-1, names.FinalNorm...)
	if err != nil {
		return err
	}
	if b.a.norm, err = b.vector(ctx, loc); err != nil {
		return err
	}
	loc, ok := b.a.res.ResolveAny(names.LMHead...)
	if !ok {
		b.log.Debug("lm head absent, using tied embeddings")
		b.a.head = b.a.emb
		return nil
	}
	b.a.head, err = b.matrix(ctx, loc)
	return err
}

func (b *builder) layer(ctx context.Context, i int) (*model.LayerWeights, error) {
	n := b.a.arch.Names
	lw := &model.LayerWeights{Index: i}

	required := []struct {
		dst   **model.Tensor
		names []string
		norm  bool
	}{
		{&lw.AttnNorm, n.AttnNorm(i), true},
		{&lw.Q, n.Q(i), false},
		{&lw.K, n.K(i), false},
		{&lw.V, n.V(i), false},
		{&lw.O, n.O(i), false},
		{&lw.FFNNorm, n.FFNNorm(i), true},
	}
	if b.a.arch.Topology == model.Sandwich {
		required = append(required, []struct {
			dst   **model.Tensor
			names []string
			norm  bool
		}{
			{&lw.PostAttnNorm, n.PostAttnNorm(i), true},
			{&lw.PostFFNNorm, n.PostFFNNorm(i), true},
		}...)
	}
	for _, r := range required {
		t, err := b.require(ctx, i, r.names, r.norm)
		if err != nil {
			return nil, err
		}
		*r.dst = t
	}

	vectors := []struct {
		dst   **model.Tensor
		names []string
	}{
		{&lw.QBias, n.QBias(i)},
		{&lw.KBias, n.KBias(i)},
		{&lw.VBias, n.VBias(i)},
		{&lw.OBias, n.OBias(i)},
		{&lw.QNorm, n.QNorm(i)},
		{&lw.KNorm, n.KNorm(i)},
		{&lw.Sinks, n.Sinks(i)},
		{&lw.RouterBias, n.RouterBias(i)},
	}
	for _, v := range vectors {
		loc, ok := b.a.res.ResolveAny(v.names...)
		if !ok {
			continue
		}
		t, err := b.vector(ctx, loc)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		*v.dst = t
	}

	if loc, ok := b.a.res.ResolveAny(n.Router(i)...); ok {
		t, err := b.matrix(ctx, loc)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		lw.Router = t
		if b.a.arch.PackedExperts {
			p, err := b.packed(ctx, i)
			if err != nil {
				return nil, err
			}
			b.a.experts.PutPacked(i, p)
		}
		// per-expert weights load lazily on first routing
		return lw, nil
	}

	if loc, ok := b.a.res.ResolveAny(n.GateUp(i)...); ok {
		t, err := b.matrix(ctx, loc)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		lw.GateUp = t
	} else {
		var err error
		if lw.Gate, err = b.require(ctx, i, n.Gate(i), false); err != nil {
			return nil, err
		}
		if lw.Up, err = b.require(ctx, i, n.Up(i), false); err != nil {
			return nil, err
		}
	}
	var err error
	if lw.Down, err = b.require(ctx, i, n.Down(i), false); err != nil {
		return nil, err
	}
	if err := b.ffnWidth(i, lw.Down); err != nil {
		return nil, err
	}
	return lw, nil
}

// ffnWidth fills a missing intermediate_size from the down projection, whose
// dimensions are hidden and the FFN width in either storage order.
func (b *builder) ffnWidth(i int, down *model.Tensor) error {
	cfg := b.a.cfg
	if len(down.Shape) != 2 {
		return fmt.Errorf("layer %d: down projection %s has shape %v", i, down.Name, down.Shape)
	}
	width := down.Shape[1]
	if width == cfg.HiddenSize && down.Shape[0] != cfg.HiddenSize {
		width = down.Shape[0]
	}
	switch {
	case cfg.IntermediateSize == 0:
		cfg.IntermediateSize = width
		b.log.Debug("intermediate_size taken from down projection", "layer", i, "width", width)
	case cfg.IntermediateSize != down.Shape[0] && cfg.IntermediateSize != down.Shape[1]:
		return fmt.Errorf("layer %d: down projection %s has shape %v, intermediate_size is %d",
			i, down.Name, down.Shape, cfg.IntermediateSize)
	}
	return nil
}

func (b *builder) packed(ctx context.Context, i int) (*model.PackedExperts, error) {
	n := b.a.arch.Names
	p := &model.PackedExperts{Layer: i, NumExperts: b.a.cfg.NumRoutedExperts()}
	for _, r := range []struct {
		dst   **model.Tensor
		names []string
	}{
		{&p.GateUpBlocks, n.GateUpBlocks(i)},
		{&p.GateUpScales, n.GateUpScales(i)},
		{&p.DownBlocks, n.DownBlocks(i)},
		{&p.DownScales, n.DownScales(i)},
	} {
		t, err := b.require(ctx, i, r.names, false)
		if err != nil {
			return nil, err
		}
		*r.dst = t
	}
	for _, r := range []struct {
		dst   **model.Tensor
		names []string
	}{
		{&p.GateUpBias, n.GateUpBias(i)},
		{&p.DownBias, n.DownBias(i)},
	} {
		loc, ok := b.a.res.ResolveAny(r.names...)
		if !ok {
			continue
		}
		t, err := b.vector(ctx, loc)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		*r.dst = t
	}
	return p, nil
}

// require loads a tensor that must exist. Norm weights go through the host
// so the norm offset can be applied.
func (b *builder) require(ctx context.Context, layer int, names []string, norm bool) (*model.Tensor, error) {
	loc, err := b.a.res.Require(layer, names...)
	if err != nil {
		return nil, err
	}
	var t *model.Tensor
	if norm {
		t, err = b.vector(ctx, loc)
	} else {
		t, err = b.matrix(ctx, loc)
	}
	if err != nil {
		return nil, fmt.Errorf("layer %d: %w", layer, err)
	}
	return t, nil
}

func (b *builder) matrix(ctx context.Context, loc resolver.TensorLocation) (*model.Tensor, error) {
	t, err := b.a.pipe.Upload(ctx, loc)
	if err != nil {
		return nil, err
	}
	b.a.tensors++
	return t, nil
}

// vector loads a small f32 tensor through the host, applying 1+w to norm
// weights when the model stores them as offsets.
func (b *builder) vector(ctx context.Context, loc resolver.TensorLocation) (*model.Tensor, error) {
	vals, err := b.a.pipe.LoadCPU(ctx, loc)
	if err != nil {
		return nil, err
	}
	offset := b.a.res.NormOffset() && resolver.IsNormWeight(loc.Name)
	if offset {
		for i := range vals {
			vals[i]++
		}
	}
	t, err := b.a.pipe.UploadF32(vals, loc.Name)
	if err != nil {
		return nil, err
	}
	t.Shape = loc.Shape
	b.a.tensors++
	if offset && !b.a.normChecked {
		if err := b.checkNorm(ctx, t, vals); err != nil {
			return nil, err
		}
		b.a.normChecked = true
	}
	return t, nil
}

// checkNorm reads the first corrected norm back from the device.
func (b *builder) checkNorm(ctx context.Context, t *model.Tensor, want []float32) error {
	data, err := b.l.dev.ReadBuffer(ctx, t.Buf, 0, uint64(4*len(want)))
	if err != nil {
		return err
	}
	got, err := quant.BytesF32(data)
	if err != nil {
		return err
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			return fmt.Errorf("loader: norm offset check failed for %s at %d: got %g, want %g", t.Name, i, got[i], want[i])
		}
	}
	b.log.Debug("norm offset verified", "tensor", t.Name)
	return nil
}
