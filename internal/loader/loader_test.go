package loader

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/conduit/internal/engine"
	"github.com/samcharles93/conduit/internal/gpu"
	"github.com/samcharles93/conduit/internal/gpu/host"
	"github.com/samcharles93/conduit/internal/resolver"
	"github.com/samcharles93/conduit/internal/shardcache"
	"github.com/samcharles93/conduit/internal/storage"
	"github.com/samcharles93/conduit/pkg/manifest"
	"github.com/samcharles93/conduit/pkg/quant"
)

const (
	hidden  = 8
	heads   = 2
	kvHeads = 1
	headDim = 4
	inter   = 8
	vocab   = 16
)

// synth writes a small random model through manifest.Builder.
type synth struct {
	b   *manifest.Builder
	r   *rand.Rand
	cfg map[string]any
}

func newSynth(arch string, opts manifest.BuilderOptions, layers int) *synth {
	return &synth{
		b: manifest.NewBuilder(arch, opts),
		r: rand.New(rand.NewPCG(uint64(layers), 17)),
		cfg: map[string]any{
			"model_type":          arch,
			"hidden_size":         hidden,
			"intermediate_size":   inter,
			"num_hidden_layers":   layers,
			"num_attention_heads": heads,
			"num_key_value_heads": kvHeads,
			"head_dim":            headDim,
			"vocab_size":          vocab,
			"rms_norm_eps":        1e-6,
		},
	}
}

func (s *synth) f32(name string, shape ...int) []float32 {
	n := 1
	for _, d := range shape {
		n *= d
	}
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = float32(s.r.Float64()-0.5) / 2
	}
	s.b.Add(name, manifest.F32, shape, quant.F32Bytes(vals))
	return vals
}

func (s *synth) attention(i int) {
	p := fmt.Sprintf("model.layers.%d.", i)
	s.f32(p+"input_layernorm.weight", hidden)
	s.f32(p+"self_attn.q_proj.weight", heads*headDim, hidden)
	s.f32(p+"self_attn.k_proj.weight", kvHeads*headDim, hidden)
	s.f32(p+"self_attn.v_proj.weight", kvHeads*headDim, hidden)
	s.f32(p+"self_attn.o_proj.weight", hidden, heads*headDim)
}

func (s *synth) dense(layers int, tied bool) {
	s.f32("model.embed_tokens.weight", vocab, hidden)
	for i := range layers {
		s.attention(i)
		p := fmt.Sprintf("model.layers.%d.", i)
		s.f32(p+"post_attention_layernorm.weight", hidden)
		s.f32(p+"mlp.gate_proj.weight", inter, hidden)
		s.f32(p+"mlp.up_proj.weight", inter, hidden)
		s.f32(p+"mlp.down_proj.weight", hidden, inter)
	}
	s.f32("model.norm.weight", hidden)
	if !tied {
		s.f32("lm_head.weight", vocab, hidden)
	}
}

func (s *synth) build(t *testing.T) (*manifest.Manifest, [][]byte) {
	t.Helper()
	require.NoError(t, s.b.SetConfig(s.cfg))
	m, shards, err := s.b.Build()
	require.NoError(t, err)
	return m, shards
}

func (s *synth) write(t *testing.T, root, id string) *manifest.Manifest {
	t.Helper()
	m, shards := s.build(t)
	require.NoError(t, manifest.WriteDir(filepath.Join(root, id), m, shards))
	return m
}

func denseModel(t *testing.T, root, id string, layers int) *manifest.Manifest {
	t.Helper()
	s := newSynth("llama", manifest.BuilderOptions{ModelID: id, MaxShardBytes: 1024}, layers)
	s.dense(layers, false)
	return s.write(t, root, id)
}

func newLoader(t *testing.T, root string, caps gpu.Capabilities) (*Loader, *host.Device) {
	t.Helper()
	dev := host.NewDevice(caps)
	store := storage.NewDirStore(root)
	t.Cleanup(func() { _ = store.Close() })
	l := New(dev, host.NewKernels(dev), Options{Store: store})
	require.NoError(t, l.Init(context.Background()))
	return l, dev
}

func sliceSource(shards [][]byte) shardcache.Source {
	return shardcache.SourceFunc(func(_ context.Context, i int) ([]byte, error) {
		if i < 0 || i >= len(shards) {
			return nil, fmt.Errorf("no shard %d", i)
		}
		return shards[i], nil
	})
}

func TestLoadDenseModel(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	denseModel(t, root, "dense", 2)
	l, _ := newLoader(t, root, gpu.Capabilities{})

	var stages []Stage
	var ids []string
	cfg, err := l.Load(context.Background(), "dense", LoadOptions{OnProgress: func(p Progress) {
		stages = append(stages, p.Stage)
		ids = append(ids, p.LoadID)
	}})
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.NumHiddenLayers)
	assert.True(t, l.Loaded())
	assert.False(t, l.IsMoE())
	assert.Equal(t, "dense", l.ModelID())
	assert.Equal(t, "llama", l.Arch().Name)
	assert.NotNil(t, l.Embeddings())
	assert.NotNil(t, l.FinalNorm())
	assert.NotSame(t, l.Embeddings(), l.LMHead())
	assert.Equal(t, shardcache.DenseCapacity, l.ShardCacheCapacity())
	for i := range 2 {
		lw, err := l.LayerWeights(i)
		require.NoError(t, err)
		assert.NotNil(t, lw.Q)
		assert.NotNil(t, lw.Gate)
		assert.False(t, lw.IsMoE())
	}
	_, err = l.LayerWeights(2)
	require.Error(t, err)

	assert.Equal(t, []Stage{StageManifest, StageEmbeddings, StageLayers, StageLayers, StageHead, StageDone}, stages)
	_, err = uuid.Parse(l.LoadID())
	require.NoError(t, err)
	for _, id := range ids {
		assert.Equal(t, l.LoadID(), id)
	}

	st := l.Stats()
	assert.Equal(t, 2, st.Layers)
	// embeddings, final norm, lm head and nine tensors per layer
	assert.Equal(t, 3+2*9, st.Tensors)
	assert.False(t, st.Verified)

	s, err := l.NewSession(engine.Options{MaxSeqLen: 8})
	require.NoError(t, err)
	defer s.Close()
	logits, err := s.Prefill(context.Background(), []int{1, 2, 3})
	require.NoError(t, err)
	assert.Len(t, logits, vocab)
}

func TestTiedEmbeddings(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	s := newSynth("llama", manifest.BuilderOptions{ModelID: "tied"}, 1)
	s.dense(1, true)
	s.write(t, root, "tied")
	l, _ := newLoader(t, root, gpu.Capabilities{})

	_, err := l.Load(context.Background(), "tied", LoadOptions{})
	require.NoError(t, err)
	assert.Same(t, l.Embeddings(), l.LMHead())
}

func TestMissingTensorUnloads(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	s := newSynth("llama", manifest.BuilderOptions{ModelID: "broken"}, 2)
	s.f32("model.embed_tokens.weight", vocab, hidden)
	s.attention(0)
	s.f32("model.layers.0.post_attention_layernorm.weight", hidden)
	s.f32("model.layers.0.mlp.gate_proj.weight", inter, hidden)
	s.f32("model.layers.0.mlp.up_proj.weight", inter, hidden)
	s.f32("model.layers.0.mlp.down_proj.weight", hidden, inter)
	s.attention(1)
	s.write(t, root, "broken")
	denseModel(t, root, "good", 1)
	l, dev := newLoader(t, root, gpu.Capabilities{})

	_, err := l.Load(context.Background(), "broken", LoadOptions{})
	var missing *resolver.MissingTensorError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, 1, missing.Layer)
	require.ErrorIs(t, err, resolver.ErrTensorNotFound)
	assert.False(t, l.Loaded())
	assert.Zero(t, l.Stats().Pool.Active)
	_, err = l.LayerWeights(0)
	require.ErrorIs(t, err, ErrNotLoaded)

	// the aborted load leaves the device usable
	_, err = l.Load(context.Background(), "good", LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, dev.Stats().LiveBuffers, l.Stats().Pool.Active+l.Stats().Pool.Free)
	sess, err := l.NewSession(engine.Options{MaxSeqLen: 4})
	require.NoError(t, err)
	defer sess.Close()
	_, err = sess.Prefill(context.Background(), []int{1, 2})
	require.NoError(t, err)
}

func TestSessionFromReplacedModelIsRefused(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	denseModel(t, root, "a", 1)
	denseModel(t, root, "b", 1)
	l, _ := newLoader(t, root, gpu.Capabilities{})
	ctx := context.Background()

	_, err := l.Load(ctx, "a", LoadOptions{})
	require.NoError(t, err)
	old, err := l.NewSession(engine.Options{MaxSeqLen: 4})
	require.NoError(t, err)
	_, err = old.Prefill(ctx, []int{1})
	require.NoError(t, err)

	_, err = l.Load(ctx, "b", LoadOptions{})
	require.NoError(t, err)
	_, err = old.Decode(ctx, 2)
	require.ErrorIs(t, err, engine.ErrStaleSession)
	require.NoError(t, old.Close())

	sess, err := l.NewSession(engine.Options{MaxSeqLen: 4})
	require.NoError(t, err)
	defer sess.Close()
	_, err = sess.Prefill(ctx, []int{1, 2})
	require.NoError(t, err)

	l.Unload()
	_, err = sess.Decode(ctx, 3)
	require.ErrorIs(t, err, engine.ErrStaleSession)
}

func TestIntermediateSizeFromDownProjection(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	s := newSynth("llama", manifest.BuilderOptions{ModelID: "nowidth"}, 1)
	delete(s.cfg, "intermediate_size")
	s.dense(1, false)
	s.write(t, root, "nowidth")

	wrong := newSynth("llama", manifest.BuilderOptions{ModelID: "wrongwidth"}, 1)
	wrong.cfg["intermediate_size"] = inter + 3
	wrong.dense(1, false)
	wrong.write(t, root, "wrongwidth")

	l, _ := newLoader(t, root, gpu.Capabilities{})
	ctx := context.Background()
	cfg, err := l.Load(ctx, "nowidth", LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, inter, cfg.IntermediateSize)
	sess, err := l.NewSession(engine.Options{MaxSeqLen: 4})
	require.NoError(t, err)
	_, err = sess.Prefill(ctx, []int{1, 2})
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	_, err = l.Load(ctx, "wrongwidth", LoadOptions{})
	require.ErrorContains(t, err, "intermediate_size")
	assert.False(t, l.Loaded())
}

func TestLoadReplacesPreviousModel(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	a := newSynth("llama", manifest.BuilderOptions{ModelID: "a"}, 1)
	a.dense(1, false)
	a.f32("extra.only_in_a", 4)
	a.write(t, root, "a")
	denseModel(t, root, "b", 1)

	l, _ := newLoader(t, root, gpu.Capabilities{})
	ctx := context.Background()
	_, err := l.Load(ctx, "a", LoadOptions{})
	require.NoError(t, err)
	_, ok := l.Resolver().Resolve("extra.only_in_a")
	require.True(t, ok)
	firstID := l.LoadID()

	_, err = l.Load(ctx, "b", LoadOptions{})
	require.NoError(t, err)
	_, ok = l.Resolver().Resolve("extra.only_in_a")
	assert.False(t, ok)
	assert.Equal(t, "b", l.ModelID())
	assert.NotEqual(t, firstID, l.LoadID())

	fresh, _ := newLoader(t, root, gpu.Capabilities{})
	_, err = fresh.Load(ctx, "b", LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, fresh.Stats().Pool.Active, l.Stats().Pool.Active)

	l.Unload()
	assert.False(t, l.Loaded())
	assert.Nil(t, l.Config())
	assert.Zero(t, l.Stats().Pool.Active)
}

func gemmaModel(t *testing.T, source string) (*manifest.Manifest, [][]byte, []float32) {
	t.Helper()
	s := newSynth("gemma3", manifest.BuilderOptions{ModelID: "gemma", SourceFormat: source}, 1)
	s.cfg["model_type"] = "gemma3_text"
	s.f32("model.embed_tokens.weight", vocab, hidden)
	s.attention(0)
	s.f32("model.layers.0.post_attention_layernorm.weight", hidden)
	s.f32("model.layers.0.pre_feedforward_layernorm.weight", hidden)
	s.f32("model.layers.0.post_feedforward_layernorm.weight", hidden)
	s.f32("model.layers.0.self_attn.q_norm.weight", headDim)
	s.f32("model.layers.0.mlp.gate_proj.weight", inter, hidden)
	s.f32("model.layers.0.mlp.up_proj.weight", inter, hidden)
	s.f32("model.layers.0.mlp.down_proj.weight", hidden, inter)
	s.f32("model.norm.weight", hidden)
	m, shards := s.build(t)

	raw := shards[m.Tensors["model.layers.0.input_layernorm.weight"].Shard]
	tt := m.Tensors["model.layers.0.input_layernorm.weight"]
	w, err := quant.BytesF32(raw[tt.Offset : tt.Offset+tt.Size])
	require.NoError(t, err)
	return m, shards, w
}

func TestNormOffsetAppliedOnce(t *testing.T) {
	t.Parallel()
	tests := []struct {
		source string
		offset bool
	}{
		{source: manifest.SourceSafetensors, offset: true},
		{source: manifest.SourceGGUF, offset: false},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			t.Parallel()
			m, shards, stored := gemmaModel(t, tt.source)
			dev := host.NewDevice(gpu.Capabilities{})
			l := New(dev, host.NewKernels(dev), Options{})
			l.SetManifest(m)
			l.SetShardSource(sliceSource(shards), false)

			_, err := l.Load(context.Background(), "gemma", LoadOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.offset, l.Stats().NormOffset)
			assert.Equal(t, "gemma3", l.Arch().Name)

			lw, err := l.LayerWeights(0)
			require.NoError(t, err)
			require.NotNil(t, lw.PostAttnNorm)
			require.NotNil(t, lw.QNorm)
			data, err := dev.ReadBuffer(context.Background(), lw.AttnNorm.Buf, 0, 4*hidden)
			require.NoError(t, err)
			got, err := quant.BytesF32(data)
			require.NoError(t, err)
			for i, w := range stored {
				want := w
				if tt.offset {
					want = 1 + w
				}
				assert.InDelta(t, want, got[i], 1e-6)
			}
		})
	}
}

func TestMoEShardCapacityAndLazyExperts(t *testing.T) {
	t.Parallel()
	const experts = 4
	s := newSynth("mixtral", manifest.BuilderOptions{ModelID: "moe", MaxShardBytes: 512}, 2)
	s.cfg["num_local_experts"] = experts
	s.cfg["num_experts_per_tok"] = 2
	s.f32("model.embed_tokens.weight", vocab, hidden)
	for i := range 2 {
		s.attention(i)
		p := fmt.Sprintf("model.layers.%d.", i)
		s.f32(p+"post_attention_layernorm.weight", hidden)
		s.f32(p+"block_sparse_moe.gate.weight", experts, hidden)
		for e := range experts {
			s.f32(fmt.Sprintf("%sblock_sparse_moe.experts.%d.w1.weight", p, e), inter, hidden)
			s.f32(fmt.Sprintf("%sblock_sparse_moe.experts.%d.w3.weight", p, e), inter, hidden)
			s.f32(fmt.Sprintf("%sblock_sparse_moe.experts.%d.w2.weight", p, e), hidden, inter)
		}
	}
	s.f32("model.norm.weight", hidden)
	s.f32("lm_head.weight", vocab, hidden)
	m, shards := s.build(t)

	dev := host.NewDevice(gpu.Capabilities{})
	l := New(dev, host.NewKernels(dev), Options{})
	l.SetManifest(m)
	l.SetShardSource(sliceSource(shards), true)
	ctx := context.Background()
	_, err := l.Load(ctx, "moe", LoadOptions{})
	require.NoError(t, err)

	assert.True(t, l.IsMoE())
	assert.Equal(t, 5, l.ShardCacheCapacity())
	assert.Equal(t, 2, l.ExpertsPerToken())
	assert.True(t, l.Stats().Verified)
	lw, err := l.LayerWeights(0)
	require.NoError(t, err)
	assert.True(t, lw.IsMoE())
	assert.Nil(t, lw.Gate)
	assert.Zero(t, l.ExpertCacheStats().Entries)

	sess, err := l.NewSession(engine.Options{MaxSeqLen: 8})
	require.NoError(t, err)
	defer sess.Close()
	_, err = sess.Prefill(ctx, []int{1, 5, 9})
	require.NoError(t, err)

	st := l.ExpertCacheStats()
	assert.Positive(t, st.Entries)
	assert.Positive(t, st.Misses)
	w, err := l.LoadExpert(ctx, 0, 3)
	require.NoError(t, err)
	assert.NotNil(t, w.Down)
	again, err := l.LoadExpert(ctx, 0, 3)
	require.NoError(t, err)
	assert.Same(t, w, again)
	assert.Equal(t, []int{3, 1}, l.PredictNextLayerExperts([]int{3, 1}))
}

func TestPackedExpertsStayResident(t *testing.T) {
	t.Parallel()
	const experts = 2
	s := newSynth("gpt_oss", manifest.BuilderOptions{ModelID: "oss"}, 1)
	s.cfg["num_local_experts"] = experts
	s.cfg["num_experts_per_tok"] = 1
	s.f32("model.embed_tokens.weight", vocab, hidden)
	s.attention(0)
	s.f32("model.layers.0.self_attn.sinks", heads)
	s.f32("model.layers.0.post_attention_layernorm.weight", hidden)
	s.f32("model.layers.0.mlp.router.weight", experts, hidden)
	s.f32("model.layers.0.mlp.router.bias", experts)

	var guBlocks, guScales, dBlocks, dScales []byte
	for range experts {
		gb, gs, err := quant.QuantizeMXFP4(make([]float32, 2*inter*hidden))
		require.NoError(t, err)
		db, ds, err := quant.QuantizeMXFP4(make([]float32, hidden*inter))
		require.NoError(t, err)
		guBlocks, guScales = append(guBlocks, gb...), append(guScales, gs...)
		dBlocks, dScales = append(dBlocks, db...), append(dScales, ds...)
	}
	s.b.Add("model.layers.0.mlp.experts.gate_up_proj_blocks", manifest.U8, []int{len(guBlocks)}, guBlocks)
	s.b.Add("model.layers.0.mlp.experts.gate_up_proj_scales", manifest.U8, []int{len(guScales)}, guScales)
	s.f32("model.layers.0.mlp.experts.gate_up_proj_bias", experts, 2*inter)
	s.b.Add("model.layers.0.mlp.experts.down_proj_blocks", manifest.U8, []int{len(dBlocks)}, dBlocks)
	s.b.Add("model.layers.0.mlp.experts.down_proj_scales", manifest.U8, []int{len(dScales)}, dScales)
	s.f32("model.layers.0.mlp.experts.down_proj_bias", experts, hidden)
	s.f32("model.norm.weight", hidden)
	s.f32("lm_head.weight", vocab, hidden)
	m, shards := s.build(t)

	dev := host.NewDevice(gpu.Capabilities{})
	l := New(dev, host.NewKernels(dev), Options{})
	l.SetManifest(m)
	l.SetShardSource(sliceSource(shards), false)
	ctx := context.Background()
	_, err := l.Load(ctx, "oss", LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, l.ExpertCacheStats().PackedLayers)
	lw, err := l.LayerWeights(0)
	require.NoError(t, err)
	assert.NotNil(t, lw.Sinks)
	assert.NotNil(t, lw.RouterBias)

	w, err := l.LoadExpert(ctx, 0, 1)
	require.NoError(t, err)
	require.NotNil(t, w.Packed)
	assert.Equal(t, experts, w.Packed.NumExperts)
	assert.NotNil(t, w.Packed.DownBias)

	sess, err := l.NewSession(engine.Options{MaxSeqLen: 4})
	require.NoError(t, err)
	defer sess.Close()
	logits, err := sess.Prefill(ctx, []int{2, 3})
	require.NoError(t, err)
	assert.Len(t, logits, vocab)
	assert.Zero(t, l.ExpertCacheStats().Entries)
}

func TestReentrantLoadIsRejected(t *testing.T) {
	t.Parallel()
	s := newSynth("llama", manifest.BuilderOptions{ModelID: "slow"}, 1)
	s.dense(1, false)
	m, shards := s.build(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	src := shardcache.SourceFunc(func(_ context.Context, i int) ([]byte, error) {
		once.Do(func() { close(entered) })
		<-release
		return shards[i], nil
	})
	dev := host.NewDevice(gpu.Capabilities{})
	l := New(dev, host.NewKernels(dev), Options{})
	require.NoError(t, l.Init(context.Background()))
	l.SetManifest(m)
	l.SetShardSource(src, false)

	done := make(chan error, 1)
	go func() {
		_, err := l.Load(context.Background(), "slow", LoadOptions{})
		done <- err
	}()
	<-entered
	_, err := l.Load(context.Background(), "slow", LoadOptions{})
	require.ErrorIs(t, err, ErrLoadInProgress)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, "slow", l.ModelID())
}

func TestHashVerification(t *testing.T) {
	t.Parallel()
	s := newSynth("llama", manifest.BuilderOptions{ModelID: "tampered"}, 1)
	s.dense(1, false)
	m, shards := s.build(t)
	shards[0] = append([]byte(nil), shards[0]...)
	shards[0][len(shards[0])-1] ^= 0xff

	dev := host.NewDevice(gpu.Capabilities{})
	l := New(dev, host.NewKernels(dev), Options{})
	l.SetShardSource(sliceSource(shards), true)

	l.SetManifest(m)
	_, err := l.Load(context.Background(), "tampered", LoadOptions{})
	var integrity *shardcache.ShardIntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, 0, integrity.Shard)
	assert.False(t, l.Loaded())

	good := newSynth("llama", manifest.BuilderOptions{ModelID: "good"}, 1)
	good.dense(1, false)
	gm, gshards := good.build(t)
	l.SetShardSource(sliceSource(gshards), true)
	l.SetManifest(gm)
	_, err = l.Load(context.Background(), "good", LoadOptions{})
	require.NoError(t, err)
	sess, err := l.NewSession(engine.Options{MaxSeqLen: 4})
	require.NoError(t, err)
	_, err = sess.Prefill(context.Background(), []int{1})
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	l.SetShardSource(sliceSource(shards), true)

	off := false
	l.SetManifest(m)
	_, err = l.Load(context.Background(), "tampered", LoadOptions{VerifyHashes: &off})
	require.NoError(t, err)
	assert.False(t, l.Stats().Verified)
}

func TestDeviceLossSurfaces(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	denseModel(t, root, "dense", 1)
	l, dev := newLoader(t, root, gpu.Capabilities{})
	ctx := context.Background()
	_, err := l.Load(ctx, "dense", LoadOptions{})
	require.NoError(t, err)

	sess, err := l.NewSession(engine.Options{MaxSeqLen: 4})
	require.NoError(t, err)
	dev.Lose(errors.New("driver reset"))
	_, err = sess.Prefill(ctx, []int{1})
	require.ErrorIs(t, err, gpu.ErrDeviceLost)
	var devErr *gpu.DeviceError
	require.ErrorAs(t, err, &devErr)
	_ = sess.Close()

	l.Unload()
	assert.False(t, l.Loaded())
	_, err = l.Load(ctx, "dense", LoadOptions{})
	require.ErrorIs(t, err, gpu.ErrDeviceLost)
	assert.False(t, l.Loaded())
}

func TestLoadWithoutStore(t *testing.T) {
	t.Parallel()
	dev := host.NewDevice(gpu.Capabilities{})
	l := New(dev, host.NewKernels(dev), Options{})
	_, err := l.Load(context.Background(), "x", LoadOptions{})
	require.Error(t, err)
	_, err = l.LoadExpert(context.Background(), 0, 0)
	require.ErrorIs(t, err, ErrNotLoaded)
	_, err = l.NewSession(engine.Options{})
	require.ErrorIs(t, err, ErrNotLoaded)
}

func TestDefaultIsShared(t *testing.T) {
	assert.Same(t, Default(), Default())
}
