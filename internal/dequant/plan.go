// Package dequant moves tensor bytes from shards into device buffers and
// converts them to a dtype the kernels consume.
package dequant

import (
	"fmt"
	"strings"

	"github.com/samcharles93/conduit/internal/gpu"
	"github.com/samcharles93/conduit/internal/resolver"
	"github.com/samcharles93/conduit/pkg/manifest"
)

// Path is the conversion route for one tensor.
type Path uint8

const (
	// PathRaw uploads the bytes unchanged.
	PathRaw Path = iota
	// PathFusedQ4K keeps Q4_K blocks for matmul kernels that decode inline.
	PathFusedQ4K
	// PathDequantQ4K expands Q4_K on the device after upload.
	PathDequantQ4K
	// PathCastBF16 widens bf16 on the device, narrowing again to f16 when
	// Target says so.
	PathCastBF16
)

var pathNames = [...]string{"raw", "fused-q4k", "dequant-q4k", "cast-bf16"}

func (p Path) String() string {
	if int(p) < len(pathNames) {
		return pathNames[p]
	}
	return fmt.Sprintf("path(%d)", p)
}

type Plan struct {
	Path   Path
	Target gpu.DType
}

// ConversionError reports a storage dtype with no conversion route.
type ConversionError struct {
	Tensor string
	DType  manifest.DType
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("dequant: no conversion for tensor %q of dtype %q", e.Tensor, e.DType)
}

var matmulSuffixes = []string{
	"q_proj", "k_proj", "v_proj", "o_proj", "qkv_proj",
	"attn_q", "attn_k", "attn_v", "attn_output", "attn_qkv",
	"gate_proj", "up_proj", "down_proj", "gate_up_proj",
	"w1", "w2", "w3",
	"ffn_gate", "ffn_up", "ffn_down", "ffn_gate_inp",
	"router", "mlp.gate", "block_sparse_moe.gate",
	"embed_tokens", "token_embd", "wte",
	"lm_head", "output",
}

// IsMatmulWeight reports whether name is consumed by a matmul (or the
// embedding lookup, which shares its dtypes).
func IsMatmulWeight(name string) bool {
	base := strings.TrimSuffix(name, ".weight")
	for _, s := range matmulSuffixes {
		if base == s || strings.HasSuffix(base, "."+s) {
			return true
		}
	}
	return false
}

// Decide returns the conversion route of a tensor. It depends only on the
// storage dtype, whether the tensor feeds a matmul, and the device.
func Decide(loc resolver.TensorLocation, caps gpu.Capabilities) (Plan, error) {
	matmul := IsMatmulWeight(loc.Name)
	half := matmul && caps.ShaderF16
	switch loc.DType {
	case manifest.Q4K:
		if matmul && caps.Subgroups {
			return Plan{Path: PathFusedQ4K, Target: gpu.Q4K}, nil
		}
		if half {
			return Plan{Path: PathDequantQ4K, Target: gpu.F16}, nil
		}
		return Plan{Path: PathDequantQ4K, Target: gpu.F32}, nil
	case manifest.BF16:
		if half {
			return Plan{Path: PathCastBF16, Target: gpu.F16}, nil
		}
		return Plan{Path: PathCastBF16, Target: gpu.F32}, nil
	case manifest.F16:
		return Plan{Path: PathRaw, Target: gpu.F16}, nil
	case manifest.F32:
		return Plan{Path: PathRaw, Target: gpu.F32}, nil
	case manifest.MXFP4:
		return Plan{Path: PathRaw, Target: gpu.MXFP4}, nil
	case manifest.U8:
		return Plan{Path: PathRaw, Target: gpu.U8}, nil
	}
	return Plan{}, &ConversionError{Tensor: loc.Name, DType: loc.DType}
}
