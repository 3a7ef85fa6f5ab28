package quant

import (
	"encoding/binary"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// F32Bytes encodes values as little-endian float32.
func F32Bytes(values []float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

// BytesF32 decodes little-endian float32 data.
func BytesF32(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("quant: f32 data length %d is not a multiple of 4", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out, nil
}

// F16Bytes narrows values to IEEE half precision.
func F16Bytes(values []float32) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
	}
	return out
}

// WidenF16 widens half-precision data losslessly.
func WidenF16(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("quant: f16 data length %d is odd", len(data))
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[2*i:])).Float32()
	}
	return out, nil
}

// BF16Bytes narrows values to brain-float16 by truncation.
func BF16Bytes(values []float32) []byte {
	return bfloat16.EncodeFloat32(values)
}

// WidenBF16 decodes brain-float16 data.
func WidenBF16(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("quant: bf16 data length %d is odd", len(data))
	}
	return bfloat16.DecodeFloat32(data), nil
}

// U32Bytes encodes ids as little-endian uint32.
func U32Bytes(values []uint32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[4*i:], v)
	}
	return out
}

// BytesU32 decodes little-endian uint32 data.
func BytesU32(data []byte) ([]uint32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("quant: u32 data length %d is not a multiple of 4", len(data))
	}
	out := make([]uint32, len(data)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[4*i:])
	}
	return out, nil
}
