package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/conduit/internal/gpu"
)

func TestDetectArch(t *testing.T) {
	tests := []struct {
		name      string
		arch      string
		cfg       Config
		wantArch  string
		topology  Topology
		wantError bool
	}{
		{name: "llama", arch: "llama", wantArch: "llama"},
		{name: "mistral dense", arch: "", cfg: Config{ModelType: "mistral"}, wantArch: "llama"},
		{name: "mistral moe", cfg: Config{ModelType: "mistral", NumLocalExperts: 8}, wantArch: "mixtral"},
		{name: "qwen3", arch: "qwen3", wantArch: "qwen3"},
		{name: "qwen3 moe", arch: "qwen3_moe", cfg: Config{NumExperts: 64}, wantArch: "qwen3_moe"},
		{name: "gemma3", arch: "gemma3_text", wantArch: "gemma3", topology: Sandwich},
		{name: "gpt-oss", cfg: Config{Architectures: []string{"GptOssForCausalLM"}}, wantArch: "gpt_oss"},
		{name: "unknown", arch: "mamba", wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := DetectArch(tt.arch, &tt.cfg)
			if tt.wantError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantArch, spec.Name)
			assert.Equal(t, tt.topology, spec.Topology)
		})
	}
}

func TestArchNames(t *testing.T) {
	g, err := DetectArch("gemma3", nil)
	require.NoError(t, err)
	assert.Equal(t, gpu.GELUTanh, g.Activation)
	assert.True(t, g.EmbedScale)
	assert.Equal(t, []string{"model.layers.3.pre_feedforward_layernorm.weight", "blk.3.ffn_norm.weight"}, g.Names.FFNNorm(3))

	m, err := DetectArch("mixtral", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"model.layers.1.block_sparse_moe.experts.5.w3.weight"}, m.Names.ExpertUp(1, 5))
	assert.Nil(t, m.Names.QNorm(0))
}

func TestParseConfigTextConfig(t *testing.T) {
	raw := []byte(`{
		"model_type": "gemma3",
		"text_config": {
			"hidden_size": 64,
			"num_hidden_layers": 2,
			"num_attention_heads": 4,
			"num_key_value_heads": 2,
			"vocab_size": 32,
			"sliding_window": 8,
			"sliding_window_pattern": 2,
			"rope_local_base_freq": 10000,
			"rope_theta": 1000000
		}
	}`)
	cfg, err := ParseConfig(raw)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "gemma3", cfg.ModelType)
	assert.Equal(t, 64, cfg.HiddenSize)
	assert.Equal(t, 2, cfg.KVHeads())
	assert.Equal(t, 16, cfg.HeadDimension())

	assert.Equal(t, 8, cfg.Window(0))
	assert.Equal(t, 0, cfg.Window(1))
	assert.Equal(t, float32(10000), cfg.Theta(0))
	assert.Equal(t, float32(1000000), cfg.Theta(1))
	assert.InDelta(t, 0.25, cfg.AttnScale(), 1e-6)
}

func TestWindowFromLayerTypes(t *testing.T) {
	cfg := Config{SlidingWindow: 128, LayerTypes: []string{"sliding_attention", "full_attention"}}
	assert.Equal(t, 128, cfg.Window(0))
	assert.Equal(t, 0, cfg.Window(1))
	// layers past the list fall back to the plain window
	assert.Equal(t, 128, cfg.Window(2))
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{HiddenSize: 8, NumHiddenLayers: 1, NumAttentionHeads: 3, NumKeyValueHeads: 2, VocabSize: 4}
	require.Error(t, cfg.Validate())
	cfg.NumAttentionHeads = 2
	cfg.NumKeyValueHeads = 1
	require.NoError(t, cfg.Validate())
	cfg.IntermediateSize = -1
	require.Error(t, cfg.Validate())
}

func TestBuffersSkipAbsent(t *testing.T) {
	b := gpu.NewBuffer(1, 4, gpu.UsageDefault, "q", nil)
	w := LayerWeights{Q: &Tensor{Buf: b}}
	assert.Equal(t, []*gpu.Buffer{b}, w.Buffers())
	assert.False(t, w.IsMoE())

	e := ExpertWeights{Packed: &PackedExperts{GateUpBlocks: &Tensor{Buf: b}}}
	assert.Empty(t, e.Buffers())
}
