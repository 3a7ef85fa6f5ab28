package host

import (
	"fmt"

	"github.com/x448/float16"

	"github.com/samcharles93/conduit/internal/gpu"
	"github.com/samcharles93/conduit/pkg/quant"
)

// byteLen is the stored size of n values of dtype.
func byteLen(dtype gpu.DType, n int) (int, error) {
	switch dtype {
	case gpu.Q4K:
		if n%quant.QK_K != 0 {
			return 0, fmt.Errorf("%w: q4k n=%d", quant.ErrBlockSize, n)
		}
		return quant.Q4KBytes(n), nil
	case gpu.MXFP4:
		if n%quant.MXFP4Block != 0 {
			return 0, fmt.Errorf("%w: mxfp4 n=%d", quant.ErrBlockSize, n)
		}
		return n / 2, nil
	}
	if s := dtype.ElemSize(); s > 0 {
		return n * s, nil
	}
	return 0, fmt.Errorf("unsupported dtype %s", dtype)
}

// decode widens the first n values of data into f32. F32 input is returned
// as a view, not a copy.
func decode(data []byte, dtype gpu.DType, n int) ([]float32, error) {
	size, err := byteLen(dtype, n)
	if err != nil {
		return nil, err
	}
	if len(data) < size {
		return nil, fmt.Errorf("%s buffer holds %d bytes, need %d", dtype, len(data), size)
	}
	data = data[:size]
	switch dtype {
	case gpu.F32:
		return f32s(data), nil
	case gpu.F16:
		return quant.WidenF16(data)
	case gpu.BF16Raw:
		return quant.WidenBF16(data)
	case gpu.Q4K:
		out := make([]float32, n)
		if err := quant.DequantizeQ4K(out, data); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot decode %s", dtype)
}

// encode writes vals into dst as f32 or f16.
func encode(dst []byte, vals []float32, dtype gpu.DType) error {
	size, err := byteLen(dtype, len(vals))
	if err != nil {
		return err
	}
	if len(dst) < size {
		return fmt.Errorf("%s buffer holds %d bytes, need %d", dtype, len(dst), size)
	}
	switch dtype {
	case gpu.F32:
		copy(f32s(dst), vals)
	case gpu.F16:
		h := u16s(dst)
		for i, v := range vals {
			h[i] = float16.Fromfloat32(v).Bits()
		}
	default:
		return fmt.Errorf("cannot encode %s", dtype)
	}
	return nil
}

// readInto widens n values at element offset off of a f32 or f16 buffer.
func readInto(dst []float32, data []byte, dtype gpu.DType, off int) {
	if dtype == gpu.F16 {
		h := u16s(data)[off:]
		for i := range dst {
			dst[i] = float16.Frombits(h[i]).Float32()
		}
		return
	}
	copy(dst, f32s(data)[off:])
}

func need(b *gpu.Buffer, size int, what string) error {
	if b == nil {
		return fmt.Errorf("%s: nil buffer", what)
	}
	if uint64(size) > b.Size() {
		return fmt.Errorf("%s: buffer %q holds %d bytes, need %d", what, b.Label(), b.Size(), size)
	}
	return nil
}
