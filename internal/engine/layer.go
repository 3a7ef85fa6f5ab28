package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/samcharles93/conduit/internal/expertcache"
	"github.com/samcharles93/conduit/internal/gpu"
	"github.com/samcharles93/conduit/internal/model"
	"github.com/samcharles93/conduit/pkg/quant"
)

// layer applies one transformer block to the residual stream x in place.
//
// Standard:  x += attn(norm(x));            x += ffn(norm(x))
// Sandwich:  x += postnorm(attn(norm(x)));  x += postnorm(ffn(prenorm(x)))
func (s *Session) layer(ctx context.Context, f *frame, lw *model.LayerWeights, x *gpu.Buffer, rows, start int) error {
	hidden, eps := s.cfg.HiddenSize, s.cfg.Eps()
	n := rows * hidden

	h, err := f.f32(n, "normed")
	if err != nil {
		return err
	}
	if err := s.k.RMSNorm(x, lw.AttnNorm.Buf, h, rows, hidden, eps); err != nil {
		return fmt.Errorf("attn norm: %w", err)
	}
	a, err := s.attention(f, lw, h, rows, start)
	if err != nil {
		return err
	}
	if err := s.residual(a, lw.PostAttnNorm, x, rows); err != nil {
		return fmt.Errorf("post attn norm: %w", err)
	}

	if err := s.k.RMSNorm(x, lw.FFNNorm.Buf, h, rows, hidden, eps); err != nil {
		return fmt.Errorf("ffn norm: %w", err)
	}
	var out *gpu.Buffer
	if lw.IsMoE() {
		out, err = s.moe(ctx, f, lw, h, rows)
	} else {
		out, err = s.dense(f, lw, h, rows)
	}
	if err != nil {
		return err
	}
	if err := s.residual(out, lw.PostFFNNorm, x, rows); err != nil {
		return fmt.Errorf("post ffn norm: %w", err)
	}
	return nil
}

// residual adds the sub-block output to x, normalizing it first under the
// sandwich topology.
func (s *Session) residual(out *gpu.Buffer, post *model.Tensor, x *gpu.Buffer, rows int) error {
	hidden := s.cfg.HiddenSize
	if s.arch.Topology == model.Sandwich {
		if post == nil {
			return fmt.Errorf("sandwich topology without post norm")
		}
		if err := s.k.RMSNorm(out, post.Buf, out, rows, hidden, s.cfg.Eps()); err != nil {
			return err
		}
	}
	return s.k.Add(x, out, x, rows*hidden)
}

func (s *Session) project(f *frame, x *gpu.Buffer, w, bias *model.Tensor, rows, in, out int, label string) (*gpu.Buffer, error) {
	y, err := f.f32(rows*out, label)
	if err != nil {
		return nil, err
	}
	if err := s.matmul(x, w, y, rows, in, out); err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	if bias != nil {
		if err := s.k.AddBias(y, bias.Buf, rows, out); err != nil {
			return nil, fmt.Errorf("%s bias: %w", label, err)
		}
	}
	return y, nil
}

func (s *Session) attention(f *frame, lw *model.LayerWeights, h *gpu.Buffer, rows, start int) (*gpu.Buffer, error) {
	cfg := s.cfg
	hidden, heads, kvHeads, hd := cfg.HiddenSize, cfg.NumAttentionHeads, cfg.KVHeads(), cfg.HeadDimension()
	i := lw.Index

	q, err := s.project(f, h, lw.Q, lw.QBias, rows, hidden, heads*hd, "q")
	if err != nil {
		return nil, err
	}
	k, err := s.project(f, h, lw.K, lw.KBias, rows, hidden, kvHeads*hd, "k")
	if err != nil {
		return nil, err
	}
	v, err := s.project(f, h, lw.V, lw.VBias, rows, hidden, kvHeads*hd, "v")
	if err != nil {
		return nil, err
	}
	if lw.QNorm != nil {
		if err := s.k.RMSNorm(q, lw.QNorm.Buf, q, rows*heads, hd, cfg.Eps()); err != nil {
			return nil, fmt.Errorf("q norm: %w", err)
		}
	}
	if lw.KNorm != nil {
		if err := s.k.RMSNorm(k, lw.KNorm.Buf, k, rows*kvHeads, hd, cfg.Eps()); err != nil {
			return nil, fmt.Errorf("k norm: %w", err)
		}
	}
	theta := cfg.Theta(i)
	if err := s.k.RoPE(q, rows, heads, hd, start, theta); err != nil {
		return nil, fmt.Errorf("rope q: %w", err)
	}
	if err := s.k.RoPE(k, rows, kvHeads, hd, start, theta); err != nil {
		return nil, fmt.Errorf("rope k: %w", err)
	}

	kc, vc, capacity := s.kv.Layer(i)
	write := func() error {
		if err := s.k.KVWrite(k, kc, rows, start, capacity, kvHeads*hd, s.kv.DType()); err != nil {
			return fmt.Errorf("kv write k: %w", err)
		}
		if err := s.k.KVWrite(v, vc, rows, start, capacity, kvHeads*hd, s.kv.DType()); err != nil {
			return fmt.Errorf("kv write v: %w", err)
		}
		return nil
	}
	// A ring shorter than the call would overwrite slots this call still
	// reads, so sliding layers store after attending. Rows of the current
	// call are read from k and v directly either way.
	ring := s.kv.Ring(i)
	if !ring {
		if err := write(); err != nil {
			return nil, err
		}
	}

	attn, err := f.f32(rows*heads*hd, "attn")
	if err != nil {
		return nil, err
	}
	var sinks *gpu.Buffer
	if lw.Sinks != nil {
		sinks = lw.Sinks.Buf
	}
	err = s.k.Attention(q, k, v, kc, vc, sinks, attn, gpu.AttentionParams{
		Rows:       rows,
		StartPos:   start,
		Heads:      heads,
		KVHeads:    kvHeads,
		HeadDim:    hd,
		Capacity:   capacity,
		Window:     s.kv.Window(i),
		CacheDType: s.kv.DType(),
		Scale:      cfg.AttnScale(),
		HasSinks:   sinks != nil,
	})
	if err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}
	if ring {
		if err := write(); err != nil {
			return nil, err
		}
	}
	return s.project(f, attn, lw.O, lw.OBias, rows, heads*hd, hidden, "o")
}

// dense is the gated feed-forward block. A fused gate_up projection wins
// over separate gate and up.
func (s *Session) dense(f *frame, lw *model.LayerWeights, h *gpu.Buffer, rows int) (*gpu.Buffer, error) {
	return s.ffn(f, h, rows, s.cfg.IntermediateSize, lw.GateUp, lw.Gate, lw.Up, lw.Down)
}

func (s *Session) ffn(f *frame, h *gpu.Buffer, rows, inter int, gateUp, gate, up, down *model.Tensor) (*gpu.Buffer, error) {
	hidden := s.cfg.HiddenSize
	act, err := f.f32(rows*inter, "act")
	if err != nil {
		return nil, err
	}
	switch {
	case gateUp != nil:
		gu, err := s.project(f, h, gateUp, nil, rows, hidden, 2*inter, "gate_up")
		if err != nil {
			return nil, err
		}
		if err := s.k.FusedActivation(gu, act, rows, inter, s.arch.Activation); err != nil {
			return nil, fmt.Errorf("activation: %w", err)
		}
	case gate != nil && up != nil:
		g, err := s.project(f, h, gate, nil, rows, hidden, inter, "gate")
		if err != nil {
			return nil, err
		}
		u, err := s.project(f, h, up, nil, rows, hidden, inter, "up")
		if err != nil {
			return nil, err
		}
		if err := s.k.Activation(g, u, act, rows*inter, s.arch.Activation); err != nil {
			return nil, fmt.Errorf("activation: %w", err)
		}
	default:
		return nil, fmt.Errorf("feed-forward has neither gate_up nor gate and up")
	}
	if down == nil {
		return nil, fmt.Errorf("feed-forward has no down projection")
	}
	return s.project(f, act, down, nil, rows, inter, hidden, "down")
}

type route struct {
	rows    []uint32
	weights []float32
}

// moe routes every row to its top-k experts and sums their weighted
// outputs. The router result is the layer's single readback.
func (s *Session) moe(ctx context.Context, f *frame, lw *model.LayerWeights, h *gpu.Buffer, rows int) (*gpu.Buffer, error) {
	hidden := s.cfg.HiddenSize
	experts, topK := s.cfg.NumRoutedExperts(), s.src.ExpertsPerToken()
	if experts <= 0 || topK <= 0 {
		return nil, fmt.Errorf("moe layer without expert config (experts=%d, k=%d)", experts, topK)
	}

	logits, err := s.project(f, h, lw.Router, lw.RouterBias, rows, hidden, experts, "router")
	if err != nil {
		return nil, err
	}
	sel, err := f.bytes(8*rows*topK, "routing")
	if err != nil {
		return nil, err
	}
	idx, err := f.bytes(4*rows*topK, "expert ids")
	if err != nil {
		return nil, err
	}
	wts, err := f.f32(rows*topK, "expert weights")
	if err != nil {
		return nil, err
	}
	if err := s.k.SoftmaxTopK(logits, idx, wts, rows, experts, topK, s.arch.NormalizeTopK); err != nil {
		return nil, fmt.Errorf("softmax top-k: %w", err)
	}
	half := uint64(4 * rows * topK)
	if err := s.dev.CopyBuffer(idx, 0, sel, 0, half); err != nil {
		return nil, err
	}
	if err := s.dev.CopyBuffer(wts, 0, sel, half, half); err != nil {
		return nil, err
	}
	data, err := s.dev.ReadBuffer(ctx, sel, 0, 2*half)
	if err != nil {
		return nil, err
	}
	ids, err := quant.BytesU32(data[:half])
	if err != nil {
		return nil, err
	}
	weights, err := quant.BytesF32(data[half:])
	if err != nil {
		return nil, err
	}

	routes := make(map[int]*route)
	for r := range rows {
		for j := range topK {
			e := int(ids[r*topK+j])
			rt := routes[e]
			if rt == nil {
				rt = &route{}
				routes[e] = rt
			}
			rt.rows = append(rt.rows, uint32(r))
			rt.weights = append(rt.weights, weights[r*topK+j])
		}
	}
	selected := make([]int, 0, len(routes))
	for e := range routes {
		selected = append(selected, e)
	}
	slices.Sort(selected)

	out, err := f.f32(rows*hidden, "moe out")
	if err != nil {
		return nil, err
	}
	if err := s.dev.WriteBuffer(out, 0, make([]byte, 4*rows*hidden)); err != nil {
		return nil, err
	}
	for _, e := range selected {
		if err := s.expert(ctx, f, lw.Index, e, routes[e], h, out); err != nil {
			return nil, fmt.Errorf("expert %d: %w", e, err)
		}
	}
	if next := lw.Index + 1; next < s.cfg.NumHiddenLayers {
		s.src.PrefetchExperts(ctx, next, expertcache.PredictNextLayerExperts(selected))
	}
	s.log.Debug("moe routed", "layer", lw.Index, "experts", selected)
	return out, nil
}

func (s *Session) expert(ctx context.Context, f *frame, layer, e int, rt *route, h, out *gpu.Buffer) error {
	hidden, inter := s.cfg.HiddenSize, s.cfg.ExpertIntermediate()
	n := len(rt.rows)

	w, err := s.src.LoadExpert(ctx, layer, e)
	if err != nil {
		return err
	}
	rowIdx, err := f.bytes(4*n, "expert rows")
	if err != nil {
		return err
	}
	if err := s.dev.WriteBuffer(rowIdx, 0, quant.U32Bytes(rt.rows)); err != nil {
		return err
	}
	rowW, err := f.f32(n, "expert row weights")
	if err != nil {
		return err
	}
	if err := s.dev.WriteBuffer(rowW, 0, quant.F32Bytes(rt.weights)); err != nil {
		return err
	}
	xe, err := f.f32(n*hidden, "expert in")
	if err != nil {
		return err
	}
	if err := s.k.Gather(h, rowIdx, xe, n, hidden); err != nil {
		return fmt.Errorf("gather: %w", err)
	}

	var ye *gpu.Buffer
	if w.Packed != nil {
		ye, err = s.packedFFN(f, w.Packed, e, xe, n)
	} else {
		ye, err = s.ffn(f, xe, n, inter, nil, w.Gate, w.Up, w.Down)
	}
	if err != nil {
		return err
	}
	if err := s.k.ScatterAdd(ye, rowIdx, rowW, out, n, hidden); err != nil {
		return fmt.Errorf("scatter add: %w", err)
	}
	return nil
}

// packedFFN runs expert e out of the layer's MXFP4 blocks. The gate_up
// output holds the gate half first, then the up half.
func (s *Session) packedFFN(f *frame, p *model.PackedExperts, e int, xe *gpu.Buffer, n int) (*gpu.Buffer, error) {
	hidden, inter := s.cfg.HiddenSize, s.cfg.ExpertIntermediate()
	if e >= p.NumExperts {
		return nil, fmt.Errorf("expert %d outside packed set of %d", e, p.NumExperts)
	}
	gu, err := f.f32(n*2*inter, "expert gate_up")
	if err != nil {
		return nil, err
	}
	err = s.k.ExpertMatMul(xe, p.GateUpBlocks.Buf, p.GateUpScales.Buf, bufOf(p.GateUpBias), gu,
		gpu.ExpertMatMulParams{M: n, K: hidden, N: 2 * inter, Expert: e, HasBias: p.GateUpBias != nil})
	if err != nil {
		return nil, fmt.Errorf("gate_up: %w", err)
	}
	act, err := f.f32(n*inter, "expert act")
	if err != nil {
		return nil, err
	}
	if err := s.k.FusedActivation(gu, act, n, inter, s.arch.Activation); err != nil {
		return nil, fmt.Errorf("activation: %w", err)
	}
	ye, err := f.f32(n*hidden, "expert out")
	if err != nil {
		return nil, err
	}
	err = s.k.ExpertMatMul(act, p.DownBlocks.Buf, p.DownScales.Buf, bufOf(p.DownBias), ye,
		gpu.ExpertMatMulParams{M: n, K: inter, N: hidden, Expert: e, HasBias: p.DownBias != nil})
	if err != nil {
		return nil, fmt.Errorf("down: %w", err)
	}
	return ye, nil
}

func bufOf(t *model.Tensor) *gpu.Buffer {
	if t == nil {
		return nil
	}
	return t.Buf
}
