package gpu

// Activation selects the gating nonlinearity of a feed-forward block.
type Activation uint8

const (
	SiLU Activation = iota
	GELUTanh
)

func (a Activation) String() string {
	if a == GELUTanh {
		return "gelu_tanh"
	}
	return "silu"
}

// MatMulParams describe out[M×N] = x[M×K] · Wᵀ. A row-layout W is stored
// [N×K]; a column-layout W is stored [K×N].
type MatMulParams struct {
	M, K, N     int
	WeightDType DType
	Layout      Layout
}

// ExpertMatMulParams select one expert's [N×K] MXFP4 matrix out of a packed
// buffer holding every expert back to back.
type ExpertMatMulParams struct {
	M, K, N int
	Expert  int
	HasBias bool
}

// AttentionParams describe one attention call over Rows query positions
// starting at absolute position StartPos. Keys for positions at or after
// StartPos come from the k/v inputs, earlier ones from the cache ring.
type AttentionParams struct {
	Rows, StartPos          int
	Heads, KVHeads, HeadDim int
	// Capacity is the cache ring length; position p lives in slot p%Capacity.
	Capacity int
	// Window limits attention to the last Window positions; 0 is unbounded.
	Window     int
	CacheDType DType
	Scale      float32
	// HasSinks adds a per-head sink logit to the softmax denominator.
	HasSinks bool
}

// Kernels are the compute collaborators. Every call is queued on the device
// and ordered with buffer writes; activations are f32 unless noted.
type Kernels interface {
	// Dequantize expands n Q4_K values into f32 or f16.
	Dequantize(src, dst *Buffer, n int, to DType) error
	// Cast converts n values: bf16→f32, f32→f16 or f16→f32.
	Cast(src, dst *Buffer, n int, from, to DType) error
	// Embed gathers rows of table by the u32 ids.
	Embed(table, ids, out *Buffer, rows, dim int, dtype DType) error
	MatMul(x, w, out *Buffer, p MatMulParams) error
	ExpertMatMul(x, blocks, scales, bias, out *Buffer, p ExpertMatMulParams) error
	// AddBias adds a [dim] bias to every row of x in place.
	AddBias(x, bias *Buffer, rows, dim int) error
	RMSNorm(x, w, out *Buffer, rows, dim int, eps float32) error
	// RoPE rotates rows×heads vectors of headDim in place (half-split pairs).
	RoPE(x *Buffer, rows, heads, headDim, startPos int, theta float32) error
	// KVWrite stores rows of rowElems f32 values into cache slots
	// (startPos+r)%capacity, narrowing to cacheDType.
	KVWrite(src, cache *Buffer, rows, startPos, capacity, rowElems int, cacheDType DType) error
	Attention(q, k, v, kCache, vCache, sinks, out *Buffer, p AttentionParams) error
	// Activation computes out = act(gate) * up over n values.
	Activation(gate, up, out *Buffer, n int, act Activation) error
	// FusedActivation splits each row of gateUp [rows×2·inter] into gate and
	// up halves.
	FusedActivation(gateUp, out *Buffer, rows, inter int, act Activation) error
	Add(a, b, out *Buffer, n int) error
	Scale(x *Buffer, n int, s float32) error
	// SoftmaxTopK writes the top-k expert ids (u32) and their softmax
	// weights per row. normalize rescales the k weights to sum to one.
	SoftmaxTopK(logits, idx, weights *Buffer, rows, experts, k int, normalize bool) error
	// Gather copies rows src[idx[r]] into out[r].
	Gather(src, idx, out *Buffer, rows, dim int) error
	// ScatterAdd accumulates out[idx[r]] += weights[r] * src[r].
	ScatterAdd(src, idx, weights, out *Buffer, rows, dim int) error
}
