package model

import (
	"fmt"
	"strings"

	"github.com/samcharles93/conduit/internal/gpu"
)

// Topology is the per-layer composition of norms and residuals.
type Topology uint8

const (
	// Standard: x += attn(norm(x)); x += ffn(norm(x)).
	Standard Topology = iota
	// Sandwich adds a norm after each sub-block, before the residual add.
	Sandwich
)

func (t Topology) String() string {
	if t == Sandwich {
		return "sandwich"
	}
	return "standard"
}

type layerNames func(layer int) []string

type expertNames func(layer, expert int) []string

// Names lists candidate tensor names per weight, most likely first. The
// resolver adds prefix and structural aliases on top.
type Names struct {
	Embedding []string
	FinalNorm []string
	LMHead    []string

	AttnNorm     layerNames
	Q, K, V, O   layerNames
	QBias, KBias layerNames
	VBias, OBias layerNames
	QNorm, KNorm layerNames
	PostAttnNorm layerNames
	FFNNorm      layerNames
	PostFFNNorm  layerNames
	Sinks        layerNames

	Gate, Up, Down, GateUp layerNames

	Router, RouterBias layerNames

	ExpertGate, ExpertUp, ExpertDown expertNames

	// packed MXFP4 experts
	GateUpBlocks, GateUpScales, GateUpBias layerNames
	DownBlocks, DownScales, DownBias       layerNames
}

// ArchSpec describes how one architecture family is named and executed.
type ArchSpec struct {
	Name       string
	Topology   Topology
	Activation gpu.Activation
	// EmbedScale multiplies embeddings by sqrt(hidden).
	EmbedScale bool
	// PackedExperts stores all experts of a layer as MXFP4 blocks.
	PackedExperts bool
	// NormalizeTopK rescales the selected expert weights to sum to one.
	NormalizeTopK bool
	Names         Names
}

func layered(hf, gguf string) layerNames {
	return func(l int) []string {
		out := []string{fmt.Sprintf("model.layers.%d.%s", l, hf)}
		if gguf != "" {
			out = append(out, fmt.Sprintf("blk.%d.%s", l, gguf))
		}
		return out
	}
}

func expert(format string) expertNames {
	return func(l, e int) []string {
		return []string{fmt.Sprintf("model.layers.%d."+format, l, e)}
	}
}

func none(int) []string { return nil }

func baseNames() Names {
	return Names{
		Embedding: []string{"model.embed_tokens.weight", "token_embd.weight", "transformer.wte.weight"},
		FinalNorm: []string{"model.norm.weight", "output_norm.weight", "transformer.ln_f.weight"},
		LMHead:    []string{"lm_head.weight", "output.weight", "model.lm_head.weight"},

		AttnNorm: layered("input_layernorm.weight", "attn_norm.weight"),
		Q:        layered("self_attn.q_proj.weight", "attn_q.weight"),
		K:        layered("self_attn.k_proj.weight", "attn_k.weight"),
		V:        layered("self_attn.v_proj.weight", "attn_v.weight"),
		O:        layered("self_attn.o_proj.weight", "attn_output.weight"),
		QBias:    layered("self_attn.q_proj.bias", "attn_q.bias"),
		KBias:    layered("self_attn.k_proj.bias", "attn_k.bias"),
		VBias:    layered("self_attn.v_proj.bias", "attn_v.bias"),
		OBias:    layered("self_attn.o_proj.bias", "attn_output.bias"),
		QNorm:    none,
		KNorm:    none,
		FFNNorm:  layered("post_attention_layernorm.weight", "ffn_norm.weight"),
		Sinks:    none,

		PostAttnNorm: none,
		PostFFNNorm:  none,

		Gate:   layered("mlp.gate_proj.weight", "ffn_gate.weight"),
		Up:     layered("mlp.up_proj.weight", "ffn_up.weight"),
		Down:   layered("mlp.down_proj.weight", "ffn_down.weight"),
		GateUp: layered("mlp.gate_up_proj.weight", ""),

		Router:     none,
		RouterBias: none,

		GateUpBlocks: none,
		GateUpScales: none,
		GateUpBias:   none,
		DownBlocks:   none,
		DownScales:   none,
		DownBias:     none,
	}
}

func llamaSpec() *ArchSpec {
	return &ArchSpec{Name: "llama", Names: baseNames()}
}

func mixtralSpec() *ArchSpec {
	names := baseNames()
	names.Router = layered("block_sparse_moe.gate.weight", "ffn_gate_inp.weight")
	names.ExpertGate = expert("block_sparse_moe.experts.%d.w1.weight")
	names.ExpertUp = expert("block_sparse_moe.experts.%d.w3.weight")
	names.ExpertDown = expert("block_sparse_moe.experts.%d.w2.weight")
	return &ArchSpec{Name: "mixtral", NormalizeTopK: true, Names: names}
}

func qwen3Spec(cfg *Config) *ArchSpec {
	names := baseNames()
	names.QNorm = layered("self_attn.q_norm.weight", "attn_q_norm.weight")
	names.KNorm = layered("self_attn.k_norm.weight", "attn_k_norm.weight")
	spec := &ArchSpec{Name: "qwen3", Names: names}
	if cfg.NumRoutedExperts() > 0 {
		spec.Name = "qwen3_moe"
		spec.NormalizeTopK = cfg.NormTopKProb
		spec.Names.Router = layered("mlp.gate.weight", "ffn_gate_inp.weight")
		spec.Names.ExpertGate = expert("mlp.experts.%d.gate_proj.weight")
		spec.Names.ExpertUp = expert("mlp.experts.%d.up_proj.weight")
		spec.Names.ExpertDown = expert("mlp.experts.%d.down_proj.weight")
	}
	return spec
}

func gemma3Spec() *ArchSpec {
	names := baseNames()
	names.QNorm = layered("self_attn.q_norm.weight", "attn_q_norm.weight")
	names.KNorm = layered("self_attn.k_norm.weight", "attn_k_norm.weight")
	names.PostAttnNorm = layered("post_attention_layernorm.weight", "post_attention_norm.weight")
	names.FFNNorm = layered("pre_feedforward_layernorm.weight", "ffn_norm.weight")
	names.PostFFNNorm = layered("post_feedforward_layernorm.weight", "post_ffw_norm.weight")
	return &ArchSpec{
		Name:       "gemma3",
		Topology:   Sandwich,
		Activation: gpu.GELUTanh,
		EmbedScale: true,
		Names:      names,
	}
}

// gpt-oss keeps every expert of a layer in one MXFP4 tensor. The packed
// gate_up matrix holds the gate rows first, then the up rows.
func gptOSSSpec() *ArchSpec {
	names := baseNames()
	names.Sinks = layered("self_attn.sinks", "attn_sinks.weight")
	names.Router = layered("mlp.router.weight", "ffn_gate_inp.weight")
	names.RouterBias = layered("mlp.router.bias", "ffn_gate_inp.bias")
	names.GateUpBlocks = layered("mlp.experts.gate_up_proj_blocks", "")
	names.GateUpScales = layered("mlp.experts.gate_up_proj_scales", "")
	names.GateUpBias = layered("mlp.experts.gate_up_proj_bias", "")
	names.DownBlocks = layered("mlp.experts.down_proj_blocks", "")
	names.DownScales = layered("mlp.experts.down_proj_scales", "")
	names.DownBias = layered("mlp.experts.down_proj_bias", "")
	return &ArchSpec{Name: "gpt_oss", PackedExperts: true, NormalizeTopK: true, Names: names}
}

// DetectArch picks the ArchSpec for the manifest architecture, falling back to
// the config model_type and architectures list.
func DetectArch(arch string, cfg *Config) (*ArchSpec, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	candidates := []string{strings.ToLower(arch), strings.ToLower(cfg.ModelType)}
	for _, a := range cfg.Architectures {
		candidates = append(candidates, strings.ToLower(a))
	}
	has := func(substr string) bool {
		for _, c := range candidates {
			if strings.Contains(c, substr) {
				return true
			}
		}
		return false
	}

	switch {
	case has("gpt_oss") || has("gptoss"):
		return gptOSSSpec(), nil
	case has("gemma"):
		return gemma3Spec(), nil
	case has("qwen3"):
		return qwen3Spec(cfg), nil
	case has("mixtral"):
		return mixtralSpec(), nil
	case has("mistral") && cfg.NumRoutedExperts() > 0:
		return mixtralSpec(), nil
	case has("llama") || has("mistral"):
		return llamaSpec(), nil
	}
	return nil, fmt.Errorf("model: unsupported architecture %q (model_type=%q)", arch, cfg.ModelType)
}
