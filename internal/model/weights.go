package model

import "github.com/samcharles93/conduit/internal/gpu"

// Tensor is a weight resident on the device.
type Tensor struct {
	Name   string
	Buf    *gpu.Buffer
	DType  gpu.DType
	Layout gpu.Layout
	Shape  []int
}

// LayerWeights are the resident weights of one transformer block. Nil
// fields are absent in the checkpoint.
type LayerWeights struct {
	Index int

	AttnNorm   *Tensor
	Q, K, V, O *Tensor

	QBias, KBias, VBias, OBias *Tensor

	QNorm, KNorm *Tensor
	PostAttnNorm *Tensor
	FFNNorm      *Tensor
	PostFFNNorm  *Tensor
	Sinks        *Tensor

	Gate, Up, Down *Tensor
	GateUp         *Tensor

	Router     *Tensor
	RouterBias *Tensor
}

func (w *LayerWeights) tensors() []*Tensor {
	return []*Tensor{
		w.AttnNorm, w.Q, w.K, w.V, w.O,
		w.QBias, w.KBias, w.VBias, w.OBias,
		w.QNorm, w.KNorm, w.PostAttnNorm, w.FFNNorm, w.PostFFNNorm, w.Sinks,
		w.Gate, w.Up, w.Down, w.GateUp,
		w.Router, w.RouterBias,
	}
}

// Buffers returns the buffers of every present tensor.
func (w *LayerWeights) Buffers() []*gpu.Buffer {
	return buffers(w.tensors())
}

// IsMoE reports whether the layer routes through experts.
func (w *LayerWeights) IsMoE() bool { return w.Router != nil }

// ExpertWeights are one routed expert. Packed is set instead of the
// per-expert projections when the layer stores experts packed.
type ExpertWeights struct {
	Layer, Expert  int
	Gate, Up, Down *Tensor
	Packed         *PackedExperts
	Bytes          uint64
}

// Buffers returns the buffers owned by this entry; the packed tensors are
// shared and not included.
func (e *ExpertWeights) Buffers() []*gpu.Buffer {
	return buffers([]*Tensor{e.Gate, e.Up, e.Down})
}

// PackedExperts hold every expert of a layer as MXFP4 blocks with e8m0
// scales and f32 biases, indexed by expert id.
type PackedExperts struct {
	Layer      int
	NumExperts int

	GateUpBlocks, GateUpScales, GateUpBias *Tensor
	DownBlocks, DownScales, DownBias       *Tensor
}

func (p *PackedExperts) Buffers() []*gpu.Buffer {
	return buffers([]*Tensor{p.GateUpBlocks, p.GateUpScales, p.GateUpBias, p.DownBlocks, p.DownScales, p.DownBias})
}

func buffers(ts []*Tensor) []*gpu.Buffer {
	out := make([]*gpu.Buffer, 0, len(ts))
	for _, t := range ts {
		if t != nil && t.Buf != nil {
			out = append(out, t.Buf)
		}
	}
	return out
}
