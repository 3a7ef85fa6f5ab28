// Package model holds the parsed model configuration, the per-architecture
// tensor naming and execution traits, and the weight bundles the loader
// hands to the execution engine.
package model

import (
	"fmt"
	"math"
	"strings"

	"github.com/goccy/go-json"
)

// Config is the subset of a Hugging Face style config.json the runtime
// consumes. Multimodal configs keep text parameters under text_config;
// missing top-level fields are filled from there.
type Config struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`

	HiddenSize        int     `json:"hidden_size"`
	IntermediateSize  int     `json:"intermediate_size"`
	NumHiddenLayers   int     `json:"num_hidden_layers"`
	NumAttentionHeads int     `json:"num_attention_heads"`
	NumKeyValueHeads  int     `json:"num_key_value_heads"`
	HeadDim           int     `json:"head_dim"`
	VocabSize         int     `json:"vocab_size"`
	MaxPosition       int     `json:"max_position_embeddings"`
	RMSNormEps        float64 `json:"rms_norm_eps"`
	NormEps           float64 `json:"norm_eps"`
	RopeTheta         float64 `json:"rope_theta"`
	TieWordEmbeddings bool    `json:"tie_word_embeddings"`

	SlidingWindow        int      `json:"sliding_window"`
	SlidingWindowPattern int      `json:"sliding_window_pattern"`
	LayerTypes           []string `json:"layer_types"`
	RopeLocalBaseFreq    float64  `json:"rope_local_base_freq"`
	QueryPreAttnScalar   float64  `json:"query_pre_attn_scalar"`

	NumLocalExperts     int  `json:"num_local_experts"`
	NumExperts          int  `json:"num_experts"`
	MoENumExperts       int  `json:"moe_num_experts"`
	NumExpertsPerTok    int  `json:"num_experts_per_tok"`
	MoEIntermediateSize int  `json:"moe_intermediate_size"`
	NormTopKProb        bool `json:"norm_topk_prob"`
}

// ParseConfig decodes raw config JSON.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if len(raw) == 0 {
		return &cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("model: parse config: %w", err)
	}
	if err := mergeTextConfigMissing(&cfg, raw); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func mergeTextConfigMissing(dst *Config, raw []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return err
	}
	textRaw, ok := top["text_config"]
	if !ok || len(textRaw) == 0 {
		return nil
	}
	var text Config
	if err := json.Unmarshal(textRaw, &text); err != nil {
		return fmt.Errorf("model: parse text_config: %w", err)
	}

	fillInt := func(dst *int, v int) {
		if *dst == 0 && v > 0 {
			*dst = v
		}
	}
	fillFloat := func(dst *float64, v float64) {
		if *dst == 0 && v > 0 {
			*dst = v
		}
	}
	// identity fields stay with the outer config
	fillInt(&dst.HiddenSize, text.HiddenSize)
	fillInt(&dst.IntermediateSize, text.IntermediateSize)
	fillInt(&dst.NumHiddenLayers, text.NumHiddenLayers)
	fillInt(&dst.NumAttentionHeads, text.NumAttentionHeads)
	fillInt(&dst.NumKeyValueHeads, text.NumKeyValueHeads)
	fillInt(&dst.HeadDim, text.HeadDim)
	fillInt(&dst.VocabSize, text.VocabSize)
	fillInt(&dst.MaxPosition, text.MaxPosition)
	fillFloat(&dst.RMSNormEps, text.RMSNormEps)
	fillFloat(&dst.NormEps, text.NormEps)
	fillFloat(&dst.RopeTheta, text.RopeTheta)
	fillInt(&dst.SlidingWindow, text.SlidingWindow)
	fillInt(&dst.SlidingWindowPattern, text.SlidingWindowPattern)
	fillFloat(&dst.RopeLocalBaseFreq, text.RopeLocalBaseFreq)
	fillFloat(&dst.QueryPreAttnScalar, text.QueryPreAttnScalar)
	fillInt(&dst.NumLocalExperts, text.NumLocalExperts)
	fillInt(&dst.NumExperts, text.NumExperts)
	fillInt(&dst.MoENumExperts, text.MoENumExperts)
	fillInt(&dst.NumExpertsPerTok, text.NumExpertsPerTok)
	fillInt(&dst.MoEIntermediateSize, text.MoEIntermediateSize)
	if len(dst.LayerTypes) == 0 {
		dst.LayerTypes = text.LayerTypes
	}
	if !dst.TieWordEmbeddings && text.TieWordEmbeddings {
		dst.TieWordEmbeddings = true
	}
	if !dst.NormTopKProb && text.NormTopKProb {
		dst.NormTopKProb = true
	}
	return nil
}

// Validate checks the dimensions the engine cannot run without.
func (c *Config) Validate() error {
	switch {
	case c.HiddenSize <= 0:
		return fmt.Errorf("model: hidden_size missing")
	case c.NumHiddenLayers <= 0:
		return fmt.Errorf("model: num_hidden_layers missing")
	case c.NumAttentionHeads <= 0:
		return fmt.Errorf("model: num_attention_heads missing")
	case c.VocabSize <= 0:
		return fmt.Errorf("model: vocab_size missing")
	case c.IntermediateSize < 0:
		return fmt.Errorf("model: negative intermediate_size %d", c.IntermediateSize)
	case c.KVHeads() <= 0 || c.NumAttentionHeads%c.KVHeads() != 0:
		return fmt.Errorf("model: %d attention heads not divisible by %d kv heads", c.NumAttentionHeads, c.KVHeads())
	case c.HeadDimension()%2 != 0:
		return fmt.Errorf("model: odd head_dim %d", c.HeadDimension())
	}
	return nil
}

func (c *Config) KVHeads() int {
	if c.NumKeyValueHeads > 0 {
		return c.NumKeyValueHeads
	}
	return c.NumAttentionHeads
}

func (c *Config) HeadDimension() int {
	if c.HeadDim > 0 {
		return c.HeadDim
	}
	if c.NumAttentionHeads == 0 {
		return 0
	}
	return c.HiddenSize / c.NumAttentionHeads
}

func (c *Config) Eps() float32 {
	switch {
	case c.RMSNormEps > 0:
		return float32(c.RMSNormEps)
	case c.NormEps > 0:
		return float32(c.NormEps)
	}
	return 1e-6
}

// NumRoutedExperts is the expert count across the config spellings.
func (c *Config) NumRoutedExperts() int {
	return max(c.NumLocalExperts, c.NumExperts, c.MoENumExperts)
}

// ExpertIntermediate is the hidden width of one expert FFN.
func (c *Config) ExpertIntermediate() int {
	if c.MoEIntermediateSize > 0 {
		return c.MoEIntermediateSize
	}
	return c.IntermediateSize
}

// Window returns the sliding window of layer, or 0 for full attention.
func (c *Config) Window(layer int) int {
	if c.SlidingWindow <= 0 {
		return 0
	}
	if len(c.LayerTypes) > layer {
		if strings.Contains(c.LayerTypes[layer], "sliding") {
			return c.SlidingWindow
		}
		return 0
	}
	if c.SlidingWindowPattern > 0 {
		// every pattern-th layer is global
		if (layer+1)%c.SlidingWindowPattern == 0 {
			return 0
		}
		return c.SlidingWindow
	}
	return c.SlidingWindow
}

// Theta returns the rotary base of layer.
func (c *Config) Theta(layer int) float32 {
	if c.RopeLocalBaseFreq > 0 && c.Window(layer) > 0 {
		return float32(c.RopeLocalBaseFreq)
	}
	if c.RopeTheta > 0 {
		return float32(c.RopeTheta)
	}
	return 10000
}

// AttnScale is the query scaling applied before softmax.
func (c *Config) AttnScale() float32 {
	if c.QueryPreAttnScalar > 0 {
		return float32(1 / math.Sqrt(c.QueryPreAttnScalar))
	}
	return float32(1 / math.Sqrt(float64(c.HeadDimension())))
}
