package engine

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/conduit/internal/bufferpool"
	"github.com/samcharles93/conduit/internal/gpu"
	"github.com/samcharles93/conduit/internal/gpu/host"
	"github.com/samcharles93/conduit/internal/model"
	"github.com/samcharles93/conduit/pkg/quant"
)

type fakeSource struct {
	cfg    *model.Config
	arch   *model.ArchSpec
	emb    *model.Tensor
	norm   *model.Tensor
	head   *model.Tensor
	layers []*model.LayerWeights
	k      int

	experts map[[2]int]*model.ExpertWeights
	packed  map[int]*model.PackedExperts

	mu         sync.Mutex
	loads      int
	prefetched []int
}

func (f *fakeSource) Config() *model.Config      { return f.cfg }
func (f *fakeSource) Arch() *model.ArchSpec      { return f.arch }
func (f *fakeSource) Embeddings() *model.Tensor  { return f.emb }
func (f *fakeSource) FinalNorm() *model.Tensor   { return f.norm }
func (f *fakeSource) LMHead() *model.Tensor      { return f.head }
func (f *fakeSource) ExpertsPerToken() int       { return f.k }
func (f *fakeSource) LayerWeights(i int) (*model.LayerWeights, error) {
	if i >= len(f.layers) {
		return nil, errors.New("no layer")
	}
	return f.layers[i], nil
}

func (f *fakeSource) LoadExpert(_ context.Context, layer, expert int) (*model.ExpertWeights, error) {
	f.mu.Lock()
	f.loads++
	f.mu.Unlock()
	if p, ok := f.packed[layer]; ok {
		return &model.ExpertWeights{Layer: layer, Expert: expert, Packed: p}, nil
	}
	w, ok := f.experts[[2]int{layer, expert}]
	if !ok {
		return nil, errors.New("no expert")
	}
	return w, nil
}

func (f *fakeSource) PrefetchExperts(_ context.Context, layer int, _ []int) {
	f.mu.Lock()
	f.prefetched = append(f.prefetched, layer)
	f.mu.Unlock()
}

func tensor(t *testing.T, dev gpu.Device, vals []float32, shape ...int) *model.Tensor {
	t.Helper()
	b, err := dev.CreateBuffer(uint64(4*len(vals)), gpu.UsageDefault, "weight")
	require.NoError(t, err)
	require.NoError(t, dev.WriteBuffer(b, 0, quant.F32Bytes(vals)))
	return &model.Tensor{Buf: b, DType: gpu.F32, Shape: shape}
}

func raw(t *testing.T, dev gpu.Device, data []byte, dtype gpu.DType) *model.Tensor {
	t.Helper()
	b, err := dev.CreateBuffer(uint64(len(data)), gpu.UsageDefault, "packed")
	require.NoError(t, err)
	require.NoError(t, dev.WriteBuffer(b, 0, data))
	return &model.Tensor{Buf: b, DType: dtype}
}

func identity(n int) []float32 {
	out := make([]float32, n*n)
	for i := range n {
		out[i*n+i] = 1
	}
	return out
}

func fill(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

type weightGen struct{ r *rand.Rand }

func (g weightGen) vals(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(g.r.Float64() - 0.5)
	}
	return out
}

func (g weightGen) norm(n int) []float32 {
	out := g.vals(n)
	for i := range out {
		out[i] = 1 + out[i]/4
	}
	return out
}

type shape struct {
	hidden, heads, kvHeads, headDim, inter, vocab, layers int
	window                                              int
}

var small = shape{hidden: 8, heads: 2, kvHeads: 1, headDim: 4, inter: 8, vocab: 16, layers: 2}

func denseModel(t *testing.T, dev gpu.Device, s shape, seed uint64) *fakeSource {
	t.Helper()
	g := weightGen{rand.New(rand.NewPCG(seed, 7))}
	cfg := &model.Config{
		HiddenSize:        s.hidden,
		IntermediateSize:  s.inter,
		NumHiddenLayers:   s.layers,
		NumAttentionHeads: s.heads,
		NumKeyValueHeads:  s.kvHeads,
		HeadDim:           s.headDim,
		VocabSize:         s.vocab,
		SlidingWindow:     s.window,
		RMSNormEps:        1e-6,
	}
	require.NoError(t, cfg.Validate())
	src := &fakeSource{
		cfg:  cfg,
		arch: &model.ArchSpec{Name: "test"},
		emb:  tensor(t, dev, g.vals(s.vocab*s.hidden), s.vocab, s.hidden),
		norm: tensor(t, dev, g.norm(s.hidden), s.hidden),
		head: tensor(t, dev, g.vals(s.vocab*s.hidden), s.vocab, s.hidden),
	}
	qd, kvd := s.heads*s.headDim, s.kvHeads*s.headDim
	for i := range s.layers {
		src.layers = append(src.layers, &model.LayerWeights{
			Index:    i,
			AttnNorm: tensor(t, dev, g.norm(s.hidden)),
			Q:        tensor(t, dev, g.vals(qd*s.hidden)),
			K:        tensor(t, dev, g.vals(kvd*s.hidden)),
			V:        tensor(t, dev, g.vals(kvd*s.hidden)),
			O:        tensor(t, dev, g.vals(s.hidden*qd)),
			FFNNorm:  tensor(t, dev, g.norm(s.hidden)),
			Gate:     tensor(t, dev, g.vals(s.inter*s.hidden)),
			Up:       tensor(t, dev, g.vals(s.inter*s.hidden)),
			Down:     tensor(t, dev, g.vals(s.hidden*s.inter)),
		})
	}
	return src
}

func newSession(t *testing.T, src WeightSource, dev gpu.Device, opts Options) *Session {
	t.Helper()
	pool := bufferpool.New(dev, bufferpool.Options{})
	s, err := New(src, dev, host.NewKernels(dev), pool, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func rmsnorm(x []float64, w float64) []float64 {
	var ss float64
	for _, v := range x {
		ss += v * v
	}
	inv := 1 / math.Sqrt(ss/float64(len(x))+1e-6)
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v * inv * w
	}
	return out
}

func add(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}

func siluGate(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v / (1 + math.Exp(-v)) * v
	}
	return out
}

func TestTopologyComposition(t *testing.T) {
	t.Parallel()
	build := func(dev gpu.Device, topo model.Topology) *fakeSource {
		cfg := &model.Config{
			HiddenSize: 2, IntermediateSize: 2, NumHiddenLayers: 1,
			NumAttentionHeads: 1, NumKeyValueHeads: 1, VocabSize: 2, RMSNormEps: 1e-6,
		}
		eye := identity(2)
		return &fakeSource{
			cfg:  cfg,
			arch: &model.ArchSpec{Name: "test", Topology: topo},
			emb:  tensor(t, dev, []float32{1, 2, 3, -1}),
			norm: tensor(t, dev, fill(2, 1)),
			head: tensor(t, dev, eye),
			layers: []*model.LayerWeights{{
				AttnNorm:     tensor(t, dev, fill(2, 1)),
				Q:            tensor(t, dev, eye),
				K:            tensor(t, dev, eye),
				V:            tensor(t, dev, eye),
				O:            tensor(t, dev, eye),
				PostAttnNorm: tensor(t, dev, fill(2, 2)),
				FFNNorm:      tensor(t, dev, fill(2, 1)),
				PostFFNNorm:  tensor(t, dev, fill(2, 3)),
				Gate:         tensor(t, dev, eye),
				Up:           tensor(t, dev, eye),
				Down:         tensor(t, dev, eye),
			}},
		}
	}

	// a single position attends only to itself, so with identity V and O
	// the attention block returns its normalized input
	x0 := []float64{1, 2}
	h := rmsnorm(x0, 1)

	x1 := add(x0, h)
	x2 := add(x1, siluGate(rmsnorm(x1, 1)))
	wantStandard := rmsnorm(x2, 1)

	y1 := add(x0, rmsnorm(h, 2))
	y2 := add(y1, rmsnorm(siluGate(rmsnorm(y1, 1)), 3))
	wantSandwich := rmsnorm(y2, 1)

	run := func(topo model.Topology) []float32 {
		dev := host.NewDevice(gpu.Capabilities{})
		s := newSession(t, build(dev, topo), dev, Options{MaxSeqLen: 4})
		logits, err := s.Prefill(context.Background(), []int{0})
		require.NoError(t, err)
		return logits
	}
	standard, sandwich := run(model.Standard), run(model.Sandwich)
	for i := range 2 {
		assert.InDelta(t, wantStandard[i], standard[i], 1e-4)
		assert.InDelta(t, wantSandwich[i], sandwich[i], 1e-4)
	}
	assert.NotEqual(t, standard, sandwich)
}

func TestDecodeMatchesPrefill(t *testing.T) {
	t.Parallel()
	tokens := []int{3, 7, 1, 12}
	tests := []struct {
		name   string
		window int
		half   bool
		delta  float64
	}{
		{name: "full", delta: 1e-4},
		{name: "sliding ring", window: 2, delta: 1e-4},
		{name: "half kv", half: true, delta: 2e-2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dev := host.NewDevice(gpu.Capabilities{ShaderF16: true})
			s := small
			s.window = tt.window
			src := denseModel(t, dev, s, 1)
			ctx := context.Background()

			whole := newSession(t, src, dev, Options{MaxSeqLen: 8, KVHalf: tt.half})
			want, err := whole.Prefill(ctx, tokens)
			require.NoError(t, err)

			// one prompt prefill, one continued prefill, one decode
			step := newSession(t, src, dev, Options{MaxSeqLen: 8, KVHalf: tt.half})
			_, err = step.Prefill(ctx, tokens[:1])
			require.NoError(t, err)
			_, err = step.Prefill(ctx, tokens[1:3])
			require.NoError(t, err)
			got, err := step.Decode(ctx, tokens[3])
			require.NoError(t, err)

			require.Len(t, got, s.vocab)
			assert.InDeltaSlice(t, want, got, tt.delta)
			assert.Equal(t, 4, step.Len())
			assert.Equal(t, tokens, step.History())
		})
	}
}

func TestSlidingWindowChangesOutput(t *testing.T) {
	t.Parallel()
	dev := host.NewDevice(gpu.Capabilities{})
	tokens := []int{3, 7, 1, 12}
	full := denseModel(t, dev, small, 1)
	s := small
	s.window = 2
	sliding := denseModel(t, dev, s, 1)

	a, err := newSession(t, full, dev, Options{MaxSeqLen: 8}).Prefill(context.Background(), tokens)
	require.NoError(t, err)
	b, err := newSession(t, sliding, dev, Options{MaxSeqLen: 8}).Prefill(context.Background(), tokens)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestFusedGateUpMatchesSplit(t *testing.T) {
	t.Parallel()
	dev := host.NewDevice(gpu.Capabilities{})
	split := denseModel(t, dev, small, 2)
	fused := denseModel(t, dev, small, 2)
	for i, lw := range fused.layers {
		gate := readF32(t, dev, split.layers[i].Gate.Buf)
		up := readF32(t, dev, split.layers[i].Up.Buf)
		lw.GateUp = tensor(t, dev, append(gate, up...))
		lw.Gate, lw.Up = nil, nil
	}
	ctx := context.Background()
	want, err := newSession(t, split, dev, Options{MaxSeqLen: 4}).Prefill(ctx, []int{1, 2})
	require.NoError(t, err)
	got, err := newSession(t, fused, dev, Options{MaxSeqLen: 4}).Prefill(ctx, []int{1, 2})
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-5)
}

func readF32(t *testing.T, dev gpu.Device, b *gpu.Buffer) []float32 {
	t.Helper()
	data, err := dev.ReadBuffer(context.Background(), b, 0, b.Size())
	require.NoError(t, err)
	vals, err := quant.BytesF32(data)
	require.NoError(t, err)
	return vals
}

// moeModel turns every layer of a dense model into numExperts copies of
// its feed-forward block behind a random router.
func moeModel(t *testing.T, dev gpu.Device, dense *fakeSource, numExperts, k int) *fakeSource {
	t.Helper()
	g := weightGen{rand.New(rand.NewPCG(9, 9))}
	cfg := *dense.cfg
	cfg.NumLocalExperts = numExperts
	cfg.NumExpertsPerTok = k
	src := &fakeSource{
		cfg:     &cfg,
		arch:    &model.ArchSpec{Name: "test-moe", NormalizeTopK: true},
		emb:     dense.emb,
		norm:    dense.norm,
		head:    dense.head,
		k:       k,
		experts: make(map[[2]int]*model.ExpertWeights),
	}
	for i, lw := range dense.layers {
		m := *lw
		m.Router = tensor(t, dev, g.vals(numExperts*cfg.HiddenSize))
		m.Gate, m.Up, m.Down = nil, nil, nil
		src.layers = append(src.layers, &m)
		for e := range numExperts {
			src.experts[[2]int{i, e}] = &model.ExpertWeights{Layer: i, Expert: e, Gate: lw.Gate, Up: lw.Up, Down: lw.Down}
		}
	}
	return src
}

func TestMoEWithIdenticalExpertsMatchesDense(t *testing.T) {
	t.Parallel()
	dev := host.NewDevice(gpu.Capabilities{})
	dense := denseModel(t, dev, small, 3)
	moe := moeModel(t, dev, dense, 4, 2)
	ctx := context.Background()
	tokens := []int{5, 9, 2}

	want, err := newSession(t, dense, dev, Options{MaxSeqLen: 8}).Prefill(ctx, tokens)
	require.NoError(t, err)

	before := dev.Stats().Readbacks
	got, err := newSession(t, moe, dev, Options{MaxSeqLen: 8}).Prefill(ctx, tokens)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-4)

	// one router readback per layer plus the logits
	assert.Equal(t, uint64(small.layers+1), dev.Stats().Readbacks-before)
	assert.Positive(t, moe.loads)
	assert.Equal(t, []int{1}, moe.prefetched)
}

func TestPackedExpertsMatchUnpacked(t *testing.T) {
	t.Parallel()
	dev := host.NewDevice(gpu.Capabilities{})
	s := small
	s.layers = 1
	dense := denseModel(t, dev, s, 4)
	const numExperts, k = 3, 2
	unpacked := moeModel(t, dev, dense, numExperts, k)
	packed := moeModel(t, dev, dense, numExperts, k)
	packed.packed = make(map[int]*model.PackedExperts)

	g := weightGen{rand.New(rand.NewPCG(4, 4))}
	var guBlocks, guScales, dBlocks, dScales []byte
	for e := range numExperts {
		gb, gs, err := quant.QuantizeMXFP4(g.vals(2 * s.inter * s.hidden))
		require.NoError(t, err)
		db, ds, err := quant.QuantizeMXFP4(g.vals(s.hidden * s.inter))
		require.NoError(t, err)
		guBlocks, guScales = append(guBlocks, gb...), append(guScales, gs...)
		dBlocks, dScales = append(dBlocks, db...), append(dScales, ds...)

		// the unpacked twin runs the dequantized values
		gu := make([]float32, 2*s.inter*s.hidden)
		require.NoError(t, quant.DequantizeMXFP4(gu, gb, gs))
		down := make([]float32, s.hidden*s.inter)
		require.NoError(t, quant.DequantizeMXFP4(down, db, ds))
		half := s.inter * s.hidden
		unpacked.experts[[2]int{0, e}] = &model.ExpertWeights{
			Gate: tensor(t, dev, gu[:half]),
			Up:   tensor(t, dev, gu[half:]),
			Down: tensor(t, dev, down),
		}
	}
	packed.packed[0] = &model.PackedExperts{
		NumExperts:   numExperts,
		GateUpBlocks: raw(t, dev, guBlocks, gpu.MXFP4),
		GateUpScales: raw(t, dev, guScales, gpu.U8),
		DownBlocks:   raw(t, dev, dBlocks, gpu.MXFP4),
		DownScales:   raw(t, dev, dScales, gpu.U8),
	}

	ctx := context.Background()
	tokens := []int{1, 4, 8, 15}
	want, err := newSession(t, unpacked, dev, Options{MaxSeqLen: 8}).Prefill(ctx, tokens)
	require.NoError(t, err)
	got, err := newSession(t, packed, dev, Options{MaxSeqLen: 8}).Prefill(ctx, tokens)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-4)
	// single layer: nothing to prefetch
	assert.Empty(t, packed.prefetched)
}

func TestDenseFFNNeedsWidth(t *testing.T) {
	t.Parallel()
	dev := host.NewDevice(gpu.Capabilities{})
	src := denseModel(t, dev, small, 1)
	src.cfg.IntermediateSize = 0
	_, err := New(src, dev, host.NewKernels(dev), bufferpool.New(dev, bufferpool.Options{}), Options{MaxSeqLen: 4})
	require.ErrorContains(t, err, "intermediate_size")
}

func TestRejectsTokensOutsideVocab(t *testing.T) {
	t.Parallel()
	dev := host.NewDevice(gpu.Capabilities{})
	s := newSession(t, denseModel(t, dev, small, 1), dev, Options{MaxSeqLen: 4})
	_, err := s.Prefill(context.Background(), []int{small.vocab})
	require.Error(t, err)
	_, err = s.Prefill(context.Background(), nil)
	require.Error(t, err)
	assert.Zero(t, s.Len())
}

func TestDeviceLossEndsSession(t *testing.T) {
	t.Parallel()
	dev := host.NewDevice(gpu.Capabilities{})
	s := newSession(t, denseModel(t, dev, small, 1), dev, Options{MaxSeqLen: 4})
	_, err := s.Prefill(context.Background(), []int{1})
	require.NoError(t, err)

	dev.Lose(errors.New("adapter reset"))
	_, err = s.Decode(context.Background(), 2)
	require.ErrorIs(t, err, gpu.ErrDeviceLost)
	_, err = s.Decode(context.Background(), 2)
	require.ErrorIs(t, err, gpu.ErrDeviceLost)
	assert.Equal(t, 1, s.Len())
}

type script struct {
	toks []int
	i    int
}

func (s *script) Sample([]float32, []int) int {
	t := s.toks[s.i%len(s.toks)]
	s.i++
	return t
}

func TestGenerateStops(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		script    []int
		opts      GenerateOptions
		maxSeq    int
		want      []int
		reason    StopReason
		cancelled bool
	}{
		{name: "max tokens", script: []int{4}, opts: GenerateOptions{MaxTokens: 3}, want: []int{4, 4, 4}, reason: StopMaxTokens},
		{name: "stop token", script: []int{4, 9}, opts: GenerateOptions{StopTokens: []int{9}}, want: []int{4}, reason: StopToken},
		{name: "stop sequence", script: []int{5, 6, 7}, opts: GenerateOptions{StopSequences: [][]int{{6, 7}}}, want: []int{5}, reason: StopSequence},
		{name: "context limit", script: []int{3}, maxSeq: 4, want: []int{3, 3, 3}, reason: StopContextLimit},
		{name: "cancelled", script: []int{2}, want: []int{2}, reason: StopCancelled, cancelled: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dev := host.NewDevice(gpu.Capabilities{})
			maxSeq := tt.maxSeq
			if maxSeq == 0 {
				maxSeq = 16
			}
			s := newSession(t, denseModel(t, dev, small, 1), dev, Options{MaxSeqLen: maxSeq})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			var seen []int
			tt.opts.OnToken = func(tok int) error {
				seen = append(seen, tok)
				if tt.cancelled {
					cancel()
				}
				return nil
			}
			res, err := s.Generate(ctx, []int{1, 2}, &script{toks: tt.script}, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Tokens)
			assert.Equal(t, tt.reason, res.StopReason)
			assert.Equal(t, 2, res.Stats.PromptTokens)
			assert.Equal(t, len(tt.want), res.Stats.GeneratedTokens)
			assert.GreaterOrEqual(t, len(seen), len(tt.want))
		})
	}
}

func TestResetClearsPosition(t *testing.T) {
	t.Parallel()
	dev := host.NewDevice(gpu.Capabilities{})
	src := denseModel(t, dev, small, 1)
	s := newSession(t, src, dev, Options{MaxSeqLen: 4})
	ctx := context.Background()

	first, err := s.Prefill(ctx, []int{1, 2})
	require.NoError(t, err)
	s.Reset()
	assert.Zero(t, s.Len())
	assert.Empty(t, s.History())
	again, err := s.Prefill(ctx, []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

type swappable struct {
	*fakeSource
	id string
}

func (s *swappable) LoadID() string { return s.id }

func TestSessionRefusesAfterModelSwap(t *testing.T) {
	t.Parallel()
	dev := host.NewDevice(gpu.Capabilities{})
	src := &swappable{fakeSource: denseModel(t, dev, small, 1), id: "first"}
	s := newSession(t, src, dev, Options{MaxSeqLen: 4})
	ctx := context.Background()

	_, err := s.Prefill(ctx, []int{1})
	require.NoError(t, err)
	dispatches := dev.Stats().Dispatches

	src.id = "second"
	_, err = s.Decode(ctx, 2)
	require.ErrorIs(t, err, ErrStaleSession)
	assert.Equal(t, dispatches, dev.Stats().Dispatches)
	assert.Equal(t, 1, s.Len())
	require.NoError(t, s.Close())
	require.NoError(t, gpu.Flush(ctx, dev))
}
