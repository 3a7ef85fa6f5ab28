// Package engine drives the per-layer kernel graph of a loaded model for
// prefill and decode.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/conduit/internal/bufferpool"
	"github.com/samcharles93/conduit/internal/gpu"
	"github.com/samcharles93/conduit/internal/kvcache"
	"github.com/samcharles93/conduit/internal/logger"
	"github.com/samcharles93/conduit/internal/model"
	"github.com/samcharles93/conduit/pkg/quant"
)

// WeightSource is the loaded model a session runs over.
type WeightSource interface {
	Config() *model.Config
	Arch() *model.ArchSpec
	Embeddings() *model.Tensor
	FinalNorm() *model.Tensor
	LMHead() *model.Tensor
	LayerWeights(i int) (*model.LayerWeights, error)
	LoadExpert(ctx context.Context, layer, expert int) (*model.ExpertWeights, error)
	PrefetchExperts(ctx context.Context, layer int, experts []int)
	ExpertsPerToken() int
}

// Reloadable is a WeightSource that can swap its model under open sessions.
// LoadID changes on every load and is empty while nothing is loaded.
type Reloadable interface {
	LoadID() string
}

// ErrStaleSession is returned once the model a session was opened on has
// been unloaded or replaced.
var ErrStaleSession = errors.New("engine: session model was unloaded")

type Options struct {
	// MaxSeqLen bounds prompt plus generated tokens. Zero uses the model's
	// max_position_embeddings, capped at DefaultMaxSeqLen.
	MaxSeqLen int
	// KVHalf stores the KV cache as f16 when the device supports it.
	KVHalf bool
	Logger logger.Logger
}

const DefaultMaxSeqLen = 4096

// Session is one generation context. It is not safe for concurrent use.
type Session struct {
	src  WeightSource
	dev  gpu.Device
	k    gpu.Kernels
	pool *bufferpool.Pool
	cfg  *model.Config
	arch *model.ArchSpec
	log  logger.Logger

	kv      *kvcache.Cache
	history []int
	loadID  string
	// broken holds the device error that ended the session.
	broken error
}

func New(src WeightSource, dev gpu.Device, k gpu.Kernels, pool *bufferpool.Pool, opts Options) (*Session, error) {
	cfg, arch := src.Config(), src.Arch()
	if cfg == nil || arch == nil {
		return nil, errors.New("engine: weight source has no model")
	}
	if src.Embeddings() == nil || src.FinalNorm() == nil || src.LMHead() == nil {
		return nil, errors.New("engine: model is missing embeddings, final norm or lm head")
	}
	for i := range cfg.NumHiddenLayers {
		lw, err := src.LayerWeights(i)
		if err != nil {
			return nil, err
		}
		if !lw.IsMoE() && cfg.IntermediateSize <= 0 {
			return nil, fmt.Errorf("engine: layer %d has a dense FFN but intermediate_size is %d", i, cfg.IntermediateSize)
		}
	}
	maxSeq := opts.MaxSeqLen
	if maxSeq <= 0 {
		maxSeq = DefaultMaxSeqLen
		if cfg.MaxPosition > 0 {
			maxSeq = min(maxSeq, cfg.MaxPosition)
		}
	}
	windows := make([]int, cfg.NumHiddenLayers)
	for i := range windows {
		windows[i] = cfg.Window(i)
	}
	kv, err := kvcache.New(dev, pool, kvcache.Spec{
		Layers:    cfg.NumHiddenLayers,
		KVHeads:   cfg.KVHeads(),
		HeadDim:   cfg.HeadDimension(),
		MaxSeqLen: maxSeq,
		Windows:   windows,
		Half:      opts.KVHalf,
	})
	if err != nil {
		return nil, err
	}
	log := logger.OrDiscard(opts.Logger)
	log.Debug("session created", "arch", arch.Name, "topology", arch.Topology.String(),
		"max_seq_len", maxSeq, "kv_dtype", kv.DType().String(), "kv_bytes", kv.Bytes())
	s := &Session{src: src, dev: dev, k: k, pool: pool, cfg: cfg, arch: arch, log: log, kv: kv}
	if r, ok := src.(Reloadable); ok {
		s.loadID = r.LoadID()
	}
	return s, nil
}

// stale reports whether src no longer serves the model the session was
// opened on. The session's buffers are gone with that model.
func (s *Session) stale() bool {
	r, ok := s.src.(Reloadable)
	return ok && r.LoadID() != s.loadID
}

// Len is the number of positions in the KV cache.
func (s *Session) Len() int { return s.kv.Len() }

// History returns the tokens processed so far.
func (s *Session) History() []int { return s.history }

// Prefill runs every prompt position in one pass and returns the logits of
// the last one. It is not interrupted by ctx once started.
func (s *Session) Prefill(ctx context.Context, tokens []int) ([]float32, error) {
	if len(tokens) == 0 {
		return nil, errors.New("engine: empty prompt")
	}
	return s.forward(context.WithoutCancel(ctx), tokens)
}

// Decode runs one new position.
func (s *Session) Decode(ctx context.Context, token int) ([]float32, error) {
	return s.forward(ctx, []int{token})
}

// Reset clears the KV cache and history.
func (s *Session) Reset() {
	s.kv.Reset()
	s.history = s.history[:0]
}

// Close returns the session's buffers to the pool. A stale session has
// nothing left to return.
func (s *Session) Close() error {
	if s.kv == nil {
		return nil
	}
	if s.stale() {
		s.kv = nil
		return nil
	}
	err := s.kv.Release()
	s.kv = nil
	return err
}

// frame owns the scratch buffers of one forward pass.
type frame struct {
	pool *bufferpool.Pool
	bufs []*gpu.Buffer
}

func (f *frame) f32(n int, label string) (*gpu.Buffer, error) {
	return f.bytes(4*n, label)
}

func (f *frame) bytes(n int, label string) (*gpu.Buffer, error) {
	b, err := f.pool.Acquire(uint64(n), gpu.UsageDefault, label)
	if err != nil {
		return nil, err
	}
	f.bufs = append(f.bufs, b)
	return b, nil
}

func (f *frame) release() {
	for _, b := range f.bufs {
		_ = f.pool.Release(b)
	}
	f.bufs = nil
}

func (s *Session) forward(ctx context.Context, tokens []int) ([]float32, error) {
	if s.kv == nil {
		return nil, errors.New("engine: session closed")
	}
	if s.broken != nil {
		return nil, s.broken
	}
	if s.stale() {
		return nil, ErrStaleSession
	}
	rows := len(tokens)
	if err := s.kv.Check(rows); err != nil {
		return nil, err
	}
	ids := make([]uint32, rows)
	for i, t := range tokens {
		if t < 0 || t >= s.cfg.VocabSize {
			return nil, fmt.Errorf("engine: token %d outside vocabulary of %d", t, s.cfg.VocabSize)
		}
		ids[i] = uint32(t)
	}

	f := &frame{pool: s.pool}
	defer f.release()
	logits, err := s.run(ctx, f, ids)
	if err != nil {
		if errors.Is(err, gpu.ErrDeviceLost) {
			s.broken = err
		}
		return nil, err
	}
	if err := s.kv.Advance(rows); err != nil {
		return nil, err
	}
	s.history = append(s.history, tokens...)
	return logits, nil
}

func (s *Session) run(ctx context.Context, f *frame, ids []uint32) ([]float32, error) {
	rows, hidden := len(ids), s.cfg.HiddenSize
	start := s.kv.Len()

	idBuf, err := f.bytes(4*rows, "token ids")
	if err != nil {
		return nil, err
	}
	if err := s.dev.WriteBuffer(idBuf, 0, quant.U32Bytes(ids)); err != nil {
		return nil, err
	}
	x, err := f.f32(rows*hidden, "residual")
	if err != nil {
		return nil, err
	}
	emb := s.src.Embeddings()
	if err := s.k.Embed(emb.Buf, idBuf, x, rows, hidden, emb.DType); err != nil {
		return nil, fmt.Errorf("engine: embed: %w", err)
	}
	if s.arch.EmbedScale {
		if err := s.k.Scale(x, rows*hidden, float32(math.Sqrt(float64(hidden)))); err != nil {
			return nil, err
		}
	}

	for i := range s.cfg.NumHiddenLayers {
		lw, err := s.src.LayerWeights(i)
		if err != nil {
			return nil, err
		}
		if err := s.layer(ctx, f, lw, x, rows, start); err != nil {
			return nil, fmt.Errorf("engine: layer %d: %w", i, err)
		}
	}
	return s.head(ctx, f, x, rows)
}

// head projects the last position to vocabulary logits and reads them back.
func (s *Session) head(ctx context.Context, f *frame, x *gpu.Buffer, rows int) ([]float32, error) {
	hidden, vocab := s.cfg.HiddenSize, s.cfg.VocabSize
	last, err := f.f32(hidden, "last")
	if err != nil {
		return nil, err
	}
	if err := s.dev.CopyBuffer(x, uint64(4*(rows-1)*hidden), last, 0, uint64(4*hidden)); err != nil {
		return nil, err
	}
	if err := s.k.RMSNorm(last, s.src.FinalNorm().Buf, last, 1, hidden, s.cfg.Eps()); err != nil {
		return nil, fmt.Errorf("engine: final norm: %w", err)
	}
	out, err := f.f32(vocab, "logits")
	if err != nil {
		return nil, err
	}
	if err := s.matmul(last, s.src.LMHead(), out, 1, hidden, vocab); err != nil {
		return nil, fmt.Errorf("engine: lm head: %w", err)
	}
	data, err := s.dev.ReadBuffer(ctx, out, 0, uint64(4*vocab))
	if err != nil {
		return nil, err
	}
	return quant.BytesF32(data)
}

func (s *Session) matmul(x *gpu.Buffer, w *model.Tensor, out *gpu.Buffer, m, k, n int) error {
	return s.k.MatMul(x, w.Buf, out, gpu.MatMulParams{M: m, K: k, N: n, WeightDType: w.DType, Layout: w.Layout})
}
