package quant

import (
	"fmt"
	"math"
)

const (
	// MXFP4Block is the number of values sharing one e8m0 scale.
	MXFP4Block = 32
	// MXFP4BlockBytes is the packed nibble size of one block.
	MXFP4BlockBytes = MXFP4Block / 2
)

var fp4Values = [16]float32{0, 0.5, 1, 1.5, 2, 3, 4, 6, -0, -0.5, -1, -1.5, -2, -3, -4, -6}

// E8M0 decodes a power-of-two scale byte.
func E8M0(s uint8) float32 {
	return float32(math.Ldexp(1, int(s)-127))
}

// DequantizeMXFP4 decodes len(dst) values from nibble blocks and their
// per-block scales. Within a byte the low nibble comes first.
func DequantizeMXFP4(dst []float32, blocks, scales []byte) error {
	n := len(dst)
	if n%MXFP4Block != 0 {
		return fmt.Errorf("%w: mxfp4 n=%d", ErrBlockSize, n)
	}
	nb := n / MXFP4Block
	if len(blocks) < nb*MXFP4BlockBytes || len(scales) < nb {
		return fmt.Errorf("%w: mxfp4 has %d/%d bytes for n=%d", ErrBlockSize, len(blocks), len(scales), n)
	}
	for b := range nb {
		s := E8M0(scales[b])
		src := blocks[b*MXFP4BlockBytes : (b+1)*MXFP4BlockBytes]
		y := dst[b*MXFP4Block:]
		for i, v := range src {
			y[2*i] = fp4Values[v&0x0F] * s
			y[2*i+1] = fp4Values[v>>4] * s
		}
	}
	return nil
}

// QuantizeMXFP4 encodes src into nibble blocks and e8m0 scales.
func QuantizeMXFP4(src []float32) (blocks, scales []byte, err error) {
	if len(src)%MXFP4Block != 0 {
		return nil, nil, fmt.Errorf("%w: mxfp4 n=%d", ErrBlockSize, len(src))
	}
	nb := len(src) / MXFP4Block
	blocks = make([]byte, nb*MXFP4BlockBytes)
	scales = make([]byte, nb)
	for b := range nb {
		x := src[b*MXFP4Block : (b+1)*MXFP4Block]
		var amax float32
		for _, v := range x {
			amax = max(amax, float32(math.Abs(float64(v))))
		}
		exp := 0
		if amax > 0 {
			exp = int(math.Ceil(math.Log2(float64(amax) / 6)))
		}
		exp = min(max(exp, -127), 127)
		scales[b] = uint8(exp + 127)
		s := E8M0(scales[b])
		out := blocks[b*MXFP4BlockBytes:]
		for i := 0; i < MXFP4Block; i += 2 {
			out[i/2] = nearestFP4(x[i]/s) | nearestFP4(x[i+1]/s)<<4
		}
	}
	return blocks, scales, nil
}

func nearestFP4(v float32) uint8 {
	best, bestErr := uint8(0), float32(math.Inf(1))
	for i, c := range fp4Values {
		if e := float32(math.Abs(float64(v - c))); e < bestErr {
			best, bestErr = uint8(i), e
		}
	}
	return best
}
