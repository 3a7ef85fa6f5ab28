package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-json"
)

// FileName is the manifest file name inside a model directory.
const FileName = "manifest.json"

// ShardFileName returns the conventional file name of shard i.
func ShardFileName(i int) string {
	return fmt.Sprintf("shard_%05d.bin", i)
}

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	ModelID       string
	SourceFormat  string
	HashAlgorithm string
	// MaxShardBytes bounds each shard. Tensors that do not fit in the
	// remaining space are split into spans across shards. Zero means a
	// single shard.
	MaxShardBytes uint64
}

// Builder packs tensors into shards and produces the matching manifest.
type Builder struct {
	opts   BuilderOptions
	m      *Manifest
	shards [][]byte
}

// NewBuilder returns a builder for the given architecture tag.
func NewBuilder(arch string, opts BuilderOptions) *Builder {
	if opts.HashAlgorithm == "" {
		opts.HashAlgorithm = HashSHA256
	}
	return &Builder{
		opts: opts,
		m: &Manifest{
			Version:       Version,
			ModelID:       opts.ModelID,
			Architecture:  arch,
			SourceFormat:  opts.SourceFormat,
			HashAlgorithm: opts.HashAlgorithm,
			Tensors:       make(map[string]Tensor),
		},
	}
}

// SetConfig stores cfg as the nested model config.
func (b *Builder) SetConfig(cfg any) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("manifest: encode config: %w", err)
	}
	b.m.Config = raw
	return nil
}

// SetMoE sets the MoE block.
func (b *Builder) SetMoE(cfg MoEConfig) {
	b.m.MoE = &cfg
}

// Add appends a tensor. It panics on a duplicate name.
func (b *Builder) Add(name string, dtype DType, shape []int, data []byte) {
	b.add(name, dtype, shape, data, "")
}

// AddColumn appends a tensor stored in column layout.
func (b *Builder) AddColumn(name string, dtype DType, shape []int, data []byte) {
	b.add(name, dtype, shape, data, LayoutColumn)
}

// StartShard closes the current shard so the next tensor begins a new one.
func (b *Builder) StartShard() {
	b.shards = append(b.shards, nil)
}

func (b *Builder) add(name string, dtype DType, shape []int, data []byte, layout Layout) {
	if _, dup := b.m.Tensors[name]; dup {
		panic("manifest: duplicate tensor " + name)
	}
	if len(b.shards) == 0 {
		b.shards = append(b.shards, nil)
	}

	var spans []Span
	rest := data
	for {
		cur := len(b.shards) - 1
		room := uint64(len(rest))
		if b.opts.MaxShardBytes > 0 {
			used := uint64(len(b.shards[cur]))
			if used >= b.opts.MaxShardBytes {
				b.shards = append(b.shards, nil)
				continue
			}
			room = min(room, b.opts.MaxShardBytes-used)
		}
		spans = append(spans, Span{Shard: cur, Offset: uint64(len(b.shards[cur])), Size: room})
		b.shards[cur] = append(b.shards[cur], rest[:room]...)
		rest = rest[room:]
		if len(rest) == 0 {
			break
		}
		b.shards = append(b.shards, nil)
	}

	t := Tensor{
		Size:   uint64(len(data)),
		Shape:  slices.Clone(shape),
		DType:  dtype,
		Layout: layout,
	}
	if len(spans) == 1 {
		t.Shard, t.Offset = spans[0].Shard, spans[0].Offset
	} else {
		t.Spans = spans
	}
	b.m.Tensors[name] = t
}

// Build finalizes the shard table, hashes every shard and validates the
// result.
func (b *Builder) Build() (*Manifest, [][]byte, error) {
	m := b.m.Clone()
	m.Shards = m.Shards[:0]
	for i, data := range b.shards {
		sum, err := HashHex(m.HashAlgorithm, data)
		if err != nil {
			return nil, nil, err
		}
		m.Shards = append(m.Shards, Shard{
			Index:    i,
			Filename: ShardFileName(i),
			Size:     uint64(len(data)),
			Hash:     sum,
		})
	}
	if err := m.Validate(); err != nil {
		return nil, nil, err
	}
	shards := make([][]byte, len(b.shards))
	for i, s := range b.shards {
		shards[i] = slices.Clone(s)
	}
	return m, shards, nil
}

// WriteDir writes the manifest and shard files into dir.
func WriteDir(dir string, m *Manifest, shards [][]byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), raw, 0o644); err != nil {
		return err
	}
	for i, data := range shards {
		name := ShardFileName(i)
		if i < len(m.Shards) && m.Shards[i].Filename != "" {
			name = m.Shards[i].Filename
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
