package safetensors

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/conduit/internal/resolver"
	"github.com/samcharles93/conduit/pkg/manifest"
	"github.com/samcharles93/conduit/pkg/quant"
)

type tensor struct {
	name  string
	dtype string
	shape []int
	data  []byte
}

// writeFile writes a safetensors file holding tensors in order.
func writeFile(t *testing.T, path string, meta map[string]string, tensors ...tensor) {
	t.Helper()
	header := map[string]any{}
	if meta != nil {
		header["__metadata__"] = meta
	}
	var data []byte
	for _, ts := range tensors {
		start := len(data)
		data = append(data, ts.data...)
		header[ts.name] = tensorHeader{DType: ts.dtype, Shape: ts.shape, DataOffsets: []int64{int64(start), int64(len(data))}}
	}
	writeRaw(t, path, header, data)
}

func writeRaw(t *testing.T, path string, header any, data []byte) {
	t.Helper()
	hb, err := json.Marshal(header)
	require.NoError(t, err)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	out := append(append(lenBuf[:], hb...), data...)
	require.NoError(t, os.WriteFile(path, out, 0o644))
}

func f32(vals ...float32) []byte { return quant.F32Bytes(vals) }

func TestOpenAndRead(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "m.safetensors")
	writeFile(t, path, map[string]string{"format": "pt"},
		tensor{"a", "F32", []int{2, 2}, f32(1, 2, 3, 4)},
		tensor{"b", "BF16", []int{2}, []byte{0x80, 0x3f, 0x00, 0x40}},
	)

	f, err := Open(path)
	require.NoError(t, err)
	assert.Len(t, f.Tensors, 2)
	assert.Equal(t, "pt", f.Metadata["format"])

	data, info, err := f.ReadTensor("a")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, info.Shape)
	assert.Equal(t, f32(1, 2, 3, 4), data)
	assert.EqualValues(t, 16, info.Size())

	data, _, err = f.ReadTensor("b")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80, 0x3f, 0x00, 0x40}, data)

	_, _, err = f.ReadTensor("missing")
	require.Error(t, err)
}

func TestOpenRejectsMalformed(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tests := []struct {
		name  string
		write func(path string)
	}{
		{"truncated length", func(p string) { require.NoError(t, os.WriteFile(p, []byte{0, 0, 0, 0}, 0o644)) }},
		{"header past end", func(p string) {
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], 1<<20)
			require.NoError(t, os.WriteFile(p, b[:], 0o644))
		}},
		{"invalid json", func(p string) {
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], 12)
			require.NoError(t, os.WriteFile(p, append(b[:], []byte("not valid js")...), 0o644))
		}},
		{"one offset", func(p string) {
			writeRaw(t, p, map[string]any{"x": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}}}, make([]byte, 4))
		}},
		{"inverted offsets", func(p string) {
			writeRaw(t, p, map[string]any{"x": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{4, 0}}}, make([]byte, 4))
		}},
		{"offsets past data", func(p string) {
			writeRaw(t, p, map[string]any{"x": map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int64{0, 16}}}, make([]byte, 8))
		}},
	}
	for _, tt := range tests {
		path := filepath.Join(dir, tt.name+".safetensors")
		tt.write(path)
		_, err := Open(path)
		assert.Error(t, err, tt.name)
	}

	_, err := Open(filepath.Join(dir, "nonexistent.safetensors"))
	require.Error(t, err)
}

func TestDType(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]manifest.DType{"F32": manifest.F32, "F16": manifest.F16, "BF16": manifest.BF16, "U8": manifest.U8} {
		got, err := DType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := DType("I64")
	require.ErrorIs(t, err, ErrUnsupportedDType)
}

func TestNumElements(t *testing.T) {
	t.Parallel()
	n, err := numElements([]int{2, 3, 4})
	require.NoError(t, err)
	assert.EqualValues(t, 24, n)
	n, err = numElements(nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = numElements([]int{-1})
	require.Error(t, err)
	_, err = numElements([]int{1 << 40, 1 << 40})
	require.Error(t, err)
}

const configJSON = `{"model_type":"llama","hidden_size":2,"intermediate_size":4,"num_hidden_layers":1,
"num_attention_heads":1,"num_key_value_heads":1,"vocab_size":3}`

func TestPackShardedCheckpoint(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "model-00001-of-00002.safetensors"), nil,
		tensor{"model.embed_tokens.weight", "F32", []int{3, 2}, f32(1, 2, 3, 4, 5, 6)},
		tensor{"model.norm.weight", "F32", []int{2}, f32(1, 1)},
	)
	writeFile(t, filepath.Join(dir, "model-00002-of-00002.safetensors"), nil,
		tensor{"lm_head.weight", "F16", []int{3, 2}, make([]byte, 12)},
	)
	index := map[string]any{"weight_map": map[string]string{
		"model.embed_tokens.weight": "model-00001-of-00002.safetensors",
		"model.norm.weight":         "model-00001-of-00002.safetensors",
		"lm_head.weight":            "model-00002-of-00002.safetensors",
	}}
	raw, err := json.Marshal(index)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFileName), raw, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(configJSON), 0o644))

	c, err := OpenCheckpoint(dir)
	require.NoError(t, err)
	assert.Len(t, c.Files, 2)
	assert.Equal(t, []string{"lm_head.weight", "model.embed_tokens.weight", "model.norm.weight"}, c.Names())

	m, shards, err := Pack(c, PackOptions{ModelID: "tiny", MaxShardBytes: 16})
	require.NoError(t, err)
	assert.Equal(t, "llama", m.Architecture)
	assert.Equal(t, manifest.SourceSafetensors, m.SourceFormat)
	assert.Greater(t, len(shards), 1)
	assert.False(t, m.IsMoE())
	assert.False(t, resolver.NormOffset(m))

	// the embedding spans shards but reassembles to the source bytes
	r := resolver.New(m)
	loc, ok := r.Resolve("model.embed_tokens.weight")
	require.True(t, ok)
	var got []byte
	for _, sp := range loc.Spans {
		got = append(got, shards[sp.Shard][sp.Offset:sp.Offset+sp.Size]...)
	}
	assert.Equal(t, f32(1, 2, 3, 4, 5, 6), got)

	again, _, err := Pack(c, PackOptions{ModelID: "tiny", MaxShardBytes: 16})
	require.NoError(t, err)
	assert.Equal(t, m.Shards, again.Shards)
}

func TestPackMoEAndErrors(t *testing.T) {
	t.Parallel()

	t.Run("moe block from config", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "model.safetensors"), nil, tensor{"x", "U8", []int{4}, []byte{1, 2, 3, 4}})
		cfg := `{"model_type":"mixtral","num_local_experts":8,"num_experts_per_tok":2}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(cfg), 0o644))
		c, err := OpenCheckpoint(dir)
		require.NoError(t, err)
		m, _, err := Pack(c, PackOptions{})
		require.NoError(t, err)
		require.NotNil(t, m.MoE)
		assert.Equal(t, 8, m.NumExperts())
		assert.Equal(t, 2, m.ExpertsPerToken())
	})

	t.Run("no architecture", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "model.safetensors"), nil, tensor{"x", "F32", []int{1}, f32(1)})
		c, err := OpenCheckpoint(dir)
		require.NoError(t, err)
		_, _, err = Pack(c, PackOptions{})
		require.Error(t, err)
		_, _, err = Pack(c, PackOptions{Architecture: "llama"})
		require.NoError(t, err)
	})

	t.Run("size mismatch", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "model.safetensors"), nil, tensor{"x", "F32", []int{3}, f32(1, 2)})
		c, err := OpenCheckpoint(dir)
		require.NoError(t, err)
		_, _, err = Pack(c, PackOptions{Architecture: "llama"})
		require.Error(t, err)
	})

	t.Run("duplicate tensor across files", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "a.safetensors"), nil, tensor{"x", "F32", []int{1}, f32(1)})
		writeFile(t, filepath.Join(dir, "b.safetensors"), nil, tensor{"x", "F32", []int{1}, f32(2)})
		_, err := OpenCheckpoint(dir)
		require.Error(t, err)
	})

	t.Run("index names a missing tensor", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "a.safetensors"), nil, tensor{"x", "F32", []int{1}, f32(1)})
		idx := `{"weight_map":{"y":"a.safetensors"}}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, IndexFileName), []byte(idx), 0o644))
		_, err := OpenCheckpoint(dir)
		require.Error(t, err)
	})

	t.Run("empty dir", func(t *testing.T) {
		_, err := OpenCheckpoint(t.TempDir())
		require.Error(t, err)
	})
}
