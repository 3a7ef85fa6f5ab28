// Package safetensors reads Hugging Face safetensors checkpoints and packs
// them into manifest shards.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"

	"github.com/samcharles93/conduit/pkg/manifest"
)

// maxHeaderLen bounds the JSON header so a corrupt length cannot force a
// huge allocation.
const maxHeaderLen = 100 << 20

var ErrUnsupportedDType = errors.New("safetensors: unsupported dtype")

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// Size is the byte length of the tensor data.
func (t TensorInfo) Size() int64 { return t.End - t.Start }

// File is one .safetensors file. Tensor data is read on demand.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%s: read header length: %w", path, err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > maxHeaderLen || int64(headerLen) > st.Size()-8 {
		return nil, fmt.Errorf("%s: header length %d out of range", path, headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%s: parse header: %w", path, err)
	}

	out := &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   make(map[string]TensorInfo, len(raw)),
	}
	if meta, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(meta, &out.Metadata); err != nil {
			return nil, fmt.Errorf("%s: parse metadata: %w", path, err)
		}
		delete(raw, "__metadata__")
	}
	dataLen := st.Size() - out.DataStart
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%s: parse tensor %s: %w", path, name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("%s: tensor %s: invalid data_offsets", path, name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > dataLen {
			return nil, fmt.Errorf("%s: tensor %s: offsets [%d,%d) outside data of %d bytes", path, name, start, end, dataLen)
		}
		out.Tensors[name] = TensorInfo{DType: th.DType, Shape: th.Shape, Start: start, End: end}
	}
	return out, nil
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// ReadTensor returns the raw little-endian bytes of name.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()
	buf, err := readAt(file, f.DataStart+t.Start, t.Size())
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

func readAt(r io.ReaderAt, off, n int64) ([]byte, error) {
	buf := make([]byte, n)
	got, err := r.ReadAt(buf, off)
	if int64(got) == n {
		return buf, nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return nil, err
}

// DType maps a safetensors dtype onto the manifest storage type.
func DType(s string) (manifest.DType, error) {
	switch s {
	case "F32":
		return manifest.F32, nil
	case "F16":
		return manifest.F16, nil
	case "BF16":
		return manifest.BF16, nil
	case "U8":
		return manifest.U8, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnsupportedDType, s)
}

// elemSize is the byte width of the manifest types a checkpoint can carry.
func elemSize(d manifest.DType) int64 {
	switch d {
	case manifest.F32:
		return 4
	case manifest.F16, manifest.BF16:
		return 2
	}
	return 1
}

func numElements(shape []int) (int64, error) {
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d > 0 && n > (1<<62)/int64(d) {
			return 0, errors.New("tensor too large")
		}
		n *= int64(d)
	}
	return n, nil
}
