// Package quant implements the host-side codecs for the block-quantized and
// reduced-precision tensor formats that appear in shards.
package quant

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"
)

const (
	// QK_K is the number of values in one Q4_K super-block.
	QK_K = 256
	// Q4KBlockBytes is the encoded size of one Q4_K super-block:
	// d (f16), dmin (f16), 12 packed 6-bit scale/min bytes, 128 nibble bytes.
	Q4KBlockBytes = 2 + 2 + 12 + 128
)

var ErrBlockSize = errors.New("quant: length is not a whole number of blocks")

// Q4KBytes returns the encoded size of n Q4_K values.
func Q4KBytes(n int) int {
	return n / QK_K * Q4KBlockBytes
}

// DequantizeQ4K decodes len(dst) values from src into dst.
func DequantizeQ4K(dst []float32, src []byte) error {
	n := len(dst)
	if n%QK_K != 0 {
		return fmt.Errorf("%w: q4_k n=%d", ErrBlockSize, n)
	}
	blocks := n / QK_K
	if len(src) < blocks*Q4KBlockBytes {
		return fmt.Errorf("%w: q4_k has %d bytes for n=%d", ErrBlockSize, len(src), n)
	}
	for b := range blocks {
		DequantizeQ4KBlock(dst[b*QK_K:(b+1)*QK_K], src[b*Q4KBlockBytes:(b+1)*Q4KBlockBytes])
	}
	return nil
}

// DequantizeQ4KBlock decodes a single super-block. y must hold QK_K values.
func DequantizeQ4KBlock(y []float32, block []byte) {
	d := float16.Frombits(binary.LittleEndian.Uint16(block[0:])).Float32()
	dmin := float16.Frombits(binary.LittleEndian.Uint16(block[2:])).Float32()
	scales := block[4:16]
	q := block[16:Q4KBlockBytes]

	yi, is := 0, 0
	for j := 0; j < QK_K; j += 64 {
		sc1, m1 := scaleMinK4(is, scales)
		sc2, m2 := scaleMinK4(is+1, scales)
		d1, mm1 := d*float32(sc1), dmin*float32(m1)
		d2, mm2 := d*float32(sc2), dmin*float32(m2)
		for l := range 32 {
			y[yi+l] = d1*float32(q[l]&0x0F) - mm1
		}
		for l := range 32 {
			y[yi+32+l] = d2*float32(q[l]>>4) - mm2
		}
		yi += 64
		q = q[32:]
		is += 2
	}
}

func scaleMinK4(j int, scales []byte) (uint8, uint8) {
	if j < 4 {
		return scales[j] & 63, scales[j+4] & 63
	}
	d := (scales[j+4] & 0x0F) | ((scales[j-4] >> 6) << 4)
	m := (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
	return d, m
}

// QuantizeQ4K encodes src (a multiple of QK_K values) as Q4_K. It is a plain
// min/max quantizer used for packing test and tool fixtures.
func QuantizeQ4K(src []float32) ([]byte, error) {
	if len(src)%QK_K != 0 {
		return nil, fmt.Errorf("%w: q4_k n=%d", ErrBlockSize, len(src))
	}
	out := make([]byte, Q4KBytes(len(src)))
	for b := 0; b < len(src)/QK_K; b++ {
		quantizeQ4KBlock(out[b*Q4KBlockBytes:], src[b*QK_K:(b+1)*QK_K])
	}
	return out, nil
}

func quantizeQ4KBlock(block []byte, x []float32) {
	var sc, mn [8]float32
	var maxSc, maxMn float32
	for s := range 8 {
		sub := x[s*32 : (s+1)*32]
		lo, hi := float32(0), sub[0]
		for _, v := range sub {
			lo = min(lo, v)
			hi = max(hi, v)
		}
		sc[s] = (hi - lo) / 15
		mn[s] = -lo
		maxSc = max(maxSc, sc[s])
		maxMn = max(maxMn, mn[s])
	}

	d := maxSc / 63
	dmin := maxMn / 63
	binary.LittleEndian.PutUint16(block[0:], float16.Fromfloat32(d).Bits())
	binary.LittleEndian.PutUint16(block[2:], float16.Fromfloat32(dmin).Bits())
	d = float16.Fromfloat32(d).Float32()
	dmin = float16.Fromfloat32(dmin).Float32()

	var qs, qm [8]uint8
	for s := range 8 {
		qs[s] = quantStep(sc[s], d, 63)
		qm[s] = quantStep(mn[s], dmin, 63)
	}
	scales := block[4:16]
	for j := range 4 {
		scales[j] = qs[j] | (qs[j+4]>>4)<<6
		scales[j+4] = qm[j] | (qm[j+4]>>4)<<6
		scales[j+8] = (qs[j+4] & 0x0F) | (qm[j+4]&0x0F)<<4
	}

	q := block[16:Q4KBlockBytes]
	for g := range 4 {
		for l := range 32 {
			lo := nibble(x[64*g+l], d*float32(qs[2*g]), dmin*float32(qm[2*g]))
			hi := nibble(x[64*g+32+l], d*float32(qs[2*g+1]), dmin*float32(qm[2*g+1]))
			q[32*g+l] = lo | hi<<4
		}
	}
}

func quantStep(v, unit float32, limit int) uint8 {
	if unit == 0 {
		return 0
	}
	return uint8(min(max(int(math.Round(float64(v/unit))), 0), limit))
}

func nibble(v, scale, offset float32) uint8 {
	if scale == 0 {
		return 0
	}
	return quantStep(v+offset, scale, 15)
}
