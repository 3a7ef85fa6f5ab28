package manifest

import "github.com/goccy/go-json"

// expertCounts captures the config keys different families use for the
// expert count. Some multimodal configs nest them under text_config.
type expertCounts struct {
	NumLocalExperts  int           `json:"num_local_experts"`
	NumExperts       int           `json:"num_experts"`
	MoENumExperts    int           `json:"moe_num_experts"`
	NumExpertsPerTok int           `json:"num_experts_per_tok"`
	TextConfig       *expertCounts `json:"text_config"`
}

func (m *Manifest) expertCounts() expertCounts {
	var c expertCounts
	if len(m.Config) == 0 {
		return c
	}
	if err := json.Unmarshal(m.Config, &c); err != nil {
		return expertCounts{}
	}
	return c
}

func (c expertCounts) total() int {
	n := max(c.NumLocalExperts, c.NumExperts, c.MoENumExperts)
	if c.TextConfig != nil {
		n = max(n, c.TextConfig.total())
	}
	return n
}

func (c expertCounts) perToken() int {
	if c.NumExpertsPerTok > 0 {
		return c.NumExpertsPerTok
	}
	if c.TextConfig != nil {
		return c.TextConfig.perToken()
	}
	return 0
}

// IsMoE reports whether the manifest describes a mixture-of-experts model:
// either the MoE block selects at least one expert per token or the nested
// config declares more than one expert.
func (m *Manifest) IsMoE() bool {
	if m.MoE != nil && m.MoE.NumExpertsPerToken > 0 {
		return true
	}
	return m.expertCounts().total() > 1
}

// NumExperts returns the expert count, or 0 for dense models.
func (m *Manifest) NumExperts() int {
	if m.MoE != nil && m.MoE.NumExperts > 0 {
		return m.MoE.NumExperts
	}
	if n := m.expertCounts().total(); n > 1 {
		return n
	}
	return 0
}

// ExpertsPerToken returns the top-k expert count, or 0 for dense models.
func (m *Manifest) ExpertsPerToken() int {
	if m.MoE != nil && m.MoE.NumExpertsPerToken > 0 {
		return m.MoE.NumExpertsPerToken
	}
	if !m.IsMoE() {
		return 0
	}
	return m.expertCounts().perToken()
}

// ExpertBytes returns the declared per-expert byte size, if any.
func (m *Manifest) ExpertBytes() uint64 {
	if m.MoE == nil {
		return 0
	}
	return m.MoE.ExpertBytes
}
