// Package manifest describes a sharded model: the architecture and config,
// the shard table with content hashes and the tensor-name to byte-location
// index.
package manifest

import (
	"fmt"
	"slices"
	"sort"

	"github.com/goccy/go-json"
)

// Version is the only manifest schema version understood by this package.
const Version = 1

// DType is the storage type of a tensor as declared in the manifest.
type DType string

const (
	F32   DType = "F32"
	F16   DType = "F16"
	BF16  DType = "BF16"
	Q4K   DType = "Q4_K"
	MXFP4 DType = "MXFP4"
	U8    DType = "U8"
)

// Valid reports whether d is a known storage type.
func (d DType) Valid() bool {
	switch d {
	case F32, F16, BF16, Q4K, MXFP4, U8:
		return true
	}
	return false
}

// Layout is the storage order of a 2D weight.
type Layout string

const (
	LayoutRow    Layout = "row"
	LayoutColumn Layout = "column"
)

// Source formats. Only the ones that change load behaviour are named.
const (
	SourceSafetensors = "safetensors"
	SourceGGUF        = "gguf"
)

// Span is one contiguous byte range within a shard.
type Span struct {
	Shard  int    `json:"shard"`
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
}

// Tensor is a manifest tensor entry. Either Spans is set or the single
// location fields (Shard, Offset, Size) are.
type Tensor struct {
	Shard  int    `json:"shard"`
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
	Spans  []Span `json:"spans,omitempty"`
	Shape  []int  `json:"shape"`
	DType  DType  `json:"dtype"`
	Layout Layout `json:"layout,omitempty"`
}

// Locations returns the byte spans of t in declared order.
func (t Tensor) Locations() []Span {
	if len(t.Spans) > 0 {
		return t.Spans
	}
	return []Span{{Shard: t.Shard, Offset: t.Offset, Size: t.Size}}
}

// Elements returns the product of the tensor shape.
func (t Tensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Shard describes one shard file.
type Shard struct {
	Index    int    `json:"index"`
	Filename string `json:"filename"`
	Size     uint64 `json:"size"`
	Hash     string `json:"hash,omitempty"`
}

// MoEConfig is the optional mixture-of-experts block.
type MoEConfig struct {
	NumExperts         int    `json:"numExperts"`
	NumExpertsPerToken int    `json:"numExpertsPerToken"`
	ExpertBytes        uint64 `json:"expertBytes,omitempty"`
}

// Manifest is the parsed manifest document.
type Manifest struct {
	Version       int               `json:"version"`
	ModelID       string            `json:"modelId"`
	Architecture  string            `json:"architecture"`
	SourceFormat  string            `json:"sourceFormat,omitempty"`
	Config        json.RawMessage   `json:"config,omitempty"`
	MoE           *MoEConfig        `json:"moeConfig,omitempty"`
	HashAlgorithm string            `json:"hashAlgorithm,omitempty"`
	Shards        []Shard           `json:"shards"`
	Tensors       map[string]Tensor `json:"tensors"`
}

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Marshal encodes m as indented JSON.
func (m *Manifest) Marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Validate checks the structural invariants of the manifest.
func (m *Manifest) Validate() error {
	if m.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.Version)
	}
	if m.Architecture == "" {
		return ErrMissingArch
	}
	if m.HashAlgorithm != "" {
		if _, err := NewHasher(m.HashAlgorithm); err != nil {
			return err
		}
	}

	sizes := make(map[int]uint64, len(m.Shards))
	for i, s := range m.Shards {
		if s.Index != i {
			return fmt.Errorf("%w: shard %d declared at position %d", ErrInvalidShard, s.Index, i)
		}
		if s.Filename == "" {
			return fmt.Errorf("%w: shard %d has no filename", ErrInvalidShard, s.Index)
		}
		sizes[s.Index] = s.Size
	}

	for name, t := range m.Tensors {
		if !t.DType.Valid() {
			return fmt.Errorf("%w: %q has unknown dtype %q", ErrInvalidTensor, name, t.DType)
		}
		if t.Layout != "" && t.Layout != LayoutRow && t.Layout != LayoutColumn {
			return fmt.Errorf("%w: %q has unknown layout %q", ErrInvalidTensor, name, t.Layout)
		}
		var sum uint64
		for _, sp := range t.Locations() {
			shardSize, ok := sizes[sp.Shard]
			if !ok {
				return fmt.Errorf("%w: %q references missing shard %d", ErrInvalidTensor, name, sp.Shard)
			}
			if shardSize > 0 && (sp.Size > shardSize || sp.Offset > shardSize-sp.Size) {
				return fmt.Errorf("%w: %q span [%d,+%d) exceeds shard %d size %d",
					ErrInvalidTensor, name, sp.Offset, sp.Size, sp.Shard, shardSize)
			}
			if sum+sp.Size < sum {
				return fmt.Errorf("%w: %q span sizes overflow", ErrInvalidTensor, name)
			}
			sum += sp.Size
		}
		if len(t.Spans) > 0 && t.Size == 0 {
			t.Size = sum
			m.Tensors[name] = t
		}
		if sum != t.Size {
			return fmt.Errorf("%w: %q spans sum to %d, declared %d", ErrInvalidTensor, name, sum, t.Size)
		}
	}
	return nil
}

// TensorNames returns all tensor names in sorted order.
func (m *Manifest) TensorNames() []string {
	names := make([]string, 0, len(m.Tensors))
	for name := range m.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ShardHashes returns the declared hash for every shard that has one.
func (m *Manifest) ShardHashes() map[int]string {
	out := make(map[int]string, len(m.Shards))
	for _, s := range m.Shards {
		if s.Hash != "" {
			out[s.Index] = s.Hash
		}
	}
	return out
}

// TotalBytes is the sum of all declared shard sizes.
func (m *Manifest) TotalBytes() uint64 {
	var n uint64
	for _, s := range m.Shards {
		n += s.Size
	}
	return n
}

// Clone returns a deep copy of m.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Config = slices.Clone(m.Config)
	if m.MoE != nil {
		moe := *m.MoE
		c.MoE = &moe
	}
	c.Shards = slices.Clone(m.Shards)
	c.Tensors = make(map[string]Tensor, len(m.Tensors))
	for k, t := range m.Tensors {
		t.Spans = slices.Clone(t.Spans)
		t.Shape = slices.Clone(t.Shape)
		c.Tensors[k] = t
	}
	return &c
}
