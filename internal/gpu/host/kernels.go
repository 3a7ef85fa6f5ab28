package host

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/samcharles93/conduit/internal/gpu"
	"github.com/samcharles93/conduit/pkg/quant"
)

// Kernels implements gpu.Kernels on the host. Shapes are checked when a
// kernel is dispatched; the arithmetic runs when the device queue is
// submitted.
type Kernels struct {
	x executor
}

var _ gpu.Kernels = (*Kernels)(nil)

// NewKernels returns kernels for dev. A host Device runs them in its own
// queue; any other device gets staged execution through buffer readback.
func NewKernels(dev gpu.Device) *Kernels {
	if d, ok := dev.(*Device); ok {
		return &Kernels{x: direct{d}}
	}
	return &Kernels{x: &staged{dev: dev}}
}

func (k *Kernels) Dequantize(src, dst *gpu.Buffer, n int, to gpu.DType) error {
	if to != gpu.F32 && to != gpu.F16 {
		return fmt.Errorf("dequantize: target %s", to)
	}
	in, err := byteLen(gpu.Q4K, n)
	if err != nil {
		return fmt.Errorf("dequantize: %w", err)
	}
	if err := need(src, in, "dequantize"); err != nil {
		return err
	}
	if err := need(dst, n*to.ElemSize(), "dequantize"); err != nil {
		return err
	}
	return k.x.exec("dequantize", func(m memory) error {
		s, err := m.load(src)
		if err != nil {
			return err
		}
		d, err := m.store(dst)
		if err != nil {
			return err
		}
		vals := make([]float32, n)
		if err := quant.DequantizeQ4K(vals, s[:in]); err != nil {
			return err
		}
		return encode(d, vals, to)
	})
}

func (k *Kernels) Cast(src, dst *gpu.Buffer, n int, from, to gpu.DType) error {
	switch {
	case from == gpu.BF16Raw && to == gpu.F32,
		from == gpu.F32 && to == gpu.F16,
		from == gpu.F16 && to == gpu.F32:
	default:
		return fmt.Errorf("cast: %s to %s", from, to)
	}
	if err := need(src, n*from.ElemSize(), "cast"); err != nil {
		return err
	}
	if err := need(dst, n*to.ElemSize(), "cast"); err != nil {
		return err
	}
	return k.x.exec("cast", func(m memory) error {
		s, err := m.load(src)
		if err != nil {
			return err
		}
		vals, err := decode(s, from, n)
		if err != nil {
			return err
		}
		// copy before storing: src and dst may be the same buffer
		vals = slices.Clone(vals)
		d, err := m.store(dst)
		if err != nil {
			return err
		}
		return encode(d, vals, to)
	})
}

func (k *Kernels) Embed(table, ids, out *gpu.Buffer, rows, dim int, dtype gpu.DType) error {
	rowSize, err := byteLen(dtype, dim)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if err := need(table, rowSize, "embed table"); err != nil {
		return err
	}
	if err := need(ids, 4*rows, "embed ids"); err != nil {
		return err
	}
	if err := need(out, 4*rows*dim, "embed"); err != nil {
		return err
	}
	vocab := int(table.Size()) / rowSize
	return k.x.exec("embed", func(m memory) error {
		t, err := m.load(table)
		if err != nil {
			return err
		}
		idb, err := m.load(ids)
		if err != nil {
			return err
		}
		o, err := m.store(out)
		if err != nil {
			return err
		}
		dst := f32s(o)
		for r, id := range u32s(idb)[:rows] {
			if int(id) >= vocab {
				return fmt.Errorf("embed: token %d outside vocabulary of %d", id, vocab)
			}
			row, err := decode(t[int(id)*rowSize:], dtype, dim)
			if err != nil {
				return err
			}
			copy(dst[r*dim:(r+1)*dim], row)
		}
		return nil
	})
}

func (k *Kernels) MatMul(x, w, out *gpu.Buffer, p gpu.MatMulParams) error {
	wsize, err := byteLen(p.WeightDType, p.N*p.K)
	if err != nil {
		return fmt.Errorf("matmul: %w", err)
	}
	if err := need(x, 4*p.M*p.K, "matmul x"); err != nil {
		return err
	}
	if err := need(w, wsize, "matmul w"); err != nil {
		return err
	}
	if err := need(out, 4*p.M*p.N, "matmul out"); err != nil {
		return err
	}
	return k.x.exec("matmul", func(m memory) error {
		xb, err := m.load(x)
		if err != nil {
			return err
		}
		wb, err := m.load(w)
		if err != nil {
			return err
		}
		weights, err := decode(wb, p.WeightDType, p.N*p.K)
		if err != nil {
			return err
		}
		ob, err := m.store(out)
		if err != nil {
			return err
		}
		gemm(f32s(xb), weights, f32s(ob), p.M, p.K, p.N, p.Layout)
		return nil
	})
}

// gemm computes out[M×N] = x[M×K]·Wᵀ for a row-layout W [N×K] or
// x·W for a column-layout W [K×N].
func gemm(x, w, out []float32, M, K, N int, layout gpu.Layout) {
	a := blas32.General{Rows: M, Cols: K, Stride: K, Data: x[:M*K]}
	c := blas32.General{Rows: M, Cols: N, Stride: N, Data: out[:M*N]}
	if layout == gpu.LayoutColumn {
		b := blas32.General{Rows: K, Cols: N, Stride: N, Data: w[:K*N]}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, a, b, 0, c)
		return
	}
	b := blas32.General{Rows: N, Cols: K, Stride: K, Data: w[:N*K]}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, a, b, 0, c)
}

func (k *Kernels) ExpertMatMul(x, blocks, scales, bias, out *gpu.Buffer, p gpu.ExpertMatMulParams) error {
	n := p.N * p.K
	if n%quant.MXFP4Block != 0 {
		return fmt.Errorf("expert matmul: %w: n=%d", quant.ErrBlockSize, n)
	}
	blockOff := p.Expert * n / 2
	scaleOff := p.Expert * n / quant.MXFP4Block
	if err := need(x, 4*p.M*p.K, "expert matmul x"); err != nil {
		return err
	}
	if err := need(blocks, blockOff+n/2, "expert matmul blocks"); err != nil {
		return err
	}
	if err := need(scales, scaleOff+n/quant.MXFP4Block, "expert matmul scales"); err != nil {
		return err
	}
	if p.HasBias {
		if err := need(bias, 4*(p.Expert+1)*p.N, "expert matmul bias"); err != nil {
			return err
		}
	}
	if err := need(out, 4*p.M*p.N, "expert matmul out"); err != nil {
		return err
	}
	return k.x.exec("expert matmul", func(m memory) error {
		xb, err := m.load(x)
		if err != nil {
			return err
		}
		bb, err := m.load(blocks)
		if err != nil {
			return err
		}
		sb, err := m.load(scales)
		if err != nil {
			return err
		}
		w := make([]float32, n)
		if err := quant.DequantizeMXFP4(w, bb[blockOff:], sb[scaleOff:]); err != nil {
			return err
		}
		ob, err := m.store(out)
		if err != nil {
			return err
		}
		o := f32s(ob)
		gemm(f32s(xb), w, o, p.M, p.K, p.N, gpu.LayoutRow)
		if p.HasBias {
			biasb, err := m.load(bias)
			if err != nil {
				return err
			}
			addRows(o, f32s(biasb)[p.Expert*p.N:(p.Expert+1)*p.N], p.M, p.N)
		}
		return nil
	})
}

func addRows(x, bias []float32, rows, dim int) {
	v := blas32.Vector{N: dim, Data: bias, Inc: 1}
	for r := range rows {
		blas32.Axpy(1, v, blas32.Vector{N: dim, Data: x[r*dim : (r+1)*dim], Inc: 1})
	}
}

func (k *Kernels) AddBias(x, bias *gpu.Buffer, rows, dim int) error {
	if err := need(x, 4*rows*dim, "add bias"); err != nil {
		return err
	}
	if err := need(bias, 4*dim, "add bias"); err != nil {
		return err
	}
	return k.x.exec("add bias", func(m memory) error {
		bb, err := m.load(bias)
		if err != nil {
			return err
		}
		xb, err := m.store(x)
		if err != nil {
			return err
		}
		addRows(f32s(xb), f32s(bb), rows, dim)
		return nil
	})
}

func (k *Kernels) RMSNorm(x, w, out *gpu.Buffer, rows, dim int, eps float32) error {
	if err := need(x, 4*rows*dim, "rmsnorm x"); err != nil {
		return err
	}
	if err := need(w, 4*dim, "rmsnorm w"); err != nil {
		return err
	}
	if err := need(out, 4*rows*dim, "rmsnorm out"); err != nil {
		return err
	}
	return k.x.exec("rmsnorm", func(m memory) error {
		xb, err := m.load(x)
		if err != nil {
			return err
		}
		wb, err := m.load(w)
		if err != nil {
			return err
		}
		ob, err := m.store(out)
		if err != nil {
			return err
		}
		xs, ws, os := f32s(xb), f32s(wb), f32s(ob)
		for r := range rows {
			row := xs[r*dim : (r+1)*dim]
			var ss float64
			for _, v := range row {
				ss += float64(v) * float64(v)
			}
			inv := float32(1 / math.Sqrt(ss/float64(dim)+float64(eps)))
			dst := os[r*dim : (r+1)*dim]
			for i, v := range row {
				dst[i] = v * inv * ws[i]
			}
		}
		return nil
	})
}

func (k *Kernels) RoPE(x *gpu.Buffer, rows, heads, headDim, startPos int, theta float32) error {
	if headDim%2 != 0 {
		return fmt.Errorf("rope: odd head dim %d", headDim)
	}
	if err := need(x, 4*rows*heads*headDim, "rope"); err != nil {
		return err
	}
	return k.x.exec("rope", func(m memory) error {
		xb, err := m.store(x)
		if err != nil {
			return err
		}
		xs := f32s(xb)
		half := headDim / 2
		for r := range rows {
			pos := float64(startPos + r)
			for h := range heads {
				v := xs[(r*heads+h)*headDim:]
				for i := range half {
					freq := math.Pow(float64(theta), -2*float64(i)/float64(headDim))
					sin, cos := math.Sincos(pos * freq)
					x0, x1 := float64(v[i]), float64(v[i+half])
					v[i] = float32(x0*cos - x1*sin)
					v[i+half] = float32(x0*sin + x1*cos)
				}
			}
		}
		return nil
	})
}

func (k *Kernels) KVWrite(src, cache *gpu.Buffer, rows, startPos, capacity, rowElems int, cacheDType gpu.DType) error {
	if cacheDType != gpu.F32 && cacheDType != gpu.F16 {
		return fmt.Errorf("kv write: cache dtype %s", cacheDType)
	}
	if capacity <= 0 {
		return fmt.Errorf("kv write: capacity %d", capacity)
	}
	if err := need(src, 4*rows*rowElems, "kv write src"); err != nil {
		return err
	}
	if err := need(cache, capacity*rowElems*cacheDType.ElemSize(), "kv write cache"); err != nil {
		return err
	}
	return k.x.exec("kv write", func(m memory) error {
		sb, err := m.load(src)
		if err != nil {
			return err
		}
		cb, err := m.store(cache)
		if err != nil {
			return err
		}
		s := f32s(sb)
		es := cacheDType.ElemSize()
		for r := range rows {
			slot := (startPos + r) % capacity
			if err := encode(cb[slot*rowElems*es:], s[r*rowElems:(r+1)*rowElems], cacheDType); err != nil {
				return err
			}
		}
		return nil
	})
}

func (k *Kernels) Attention(q, kNew, vNew, kCache, vCache, sinks, out *gpu.Buffer, p gpu.AttentionParams) error {
	if p.KVHeads <= 0 || p.Heads%p.KVHeads != 0 {
		return fmt.Errorf("attention: %d heads over %d kv heads", p.Heads, p.KVHeads)
	}
	if p.Window == 0 && p.StartPos+p.Rows > p.Capacity {
		return fmt.Errorf("attention: position %d exceeds cache capacity %d", p.StartPos+p.Rows, p.Capacity)
	}
	if p.Window > 0 && p.Capacity < min(p.Window, p.StartPos+p.Rows) {
		return fmt.Errorf("attention: ring capacity %d below window %d", p.Capacity, p.Window)
	}
	qRow, kvRow := p.Heads*p.HeadDim, p.KVHeads*p.HeadDim
	for _, c := range []struct {
		b    *gpu.Buffer
		size int
		what string
	}{
		{q, 4 * p.Rows * qRow, "attention q"},
		{kNew, 4 * p.Rows * kvRow, "attention k"},
		{vNew, 4 * p.Rows * kvRow, "attention v"},
		{out, 4 * p.Rows * qRow, "attention out"},
	} {
		if err := need(c.b, c.size, c.what); err != nil {
			return err
		}
	}
	if p.StartPos > 0 {
		size := p.Capacity * kvRow * p.CacheDType.ElemSize()
		if err := need(kCache, size, "attention k cache"); err != nil {
			return err
		}
		if err := need(vCache, size, "attention v cache"); err != nil {
			return err
		}
	}
	if p.HasSinks {
		if err := need(sinks, 4*p.Heads, "attention sinks"); err != nil {
			return err
		}
	}

	return k.x.exec("attention", func(m memory) error {
		bufs := make([][]byte, 7)
		for i, b := range []*gpu.Buffer{q, kNew, vNew, kCache, vCache, sinks} {
			if b == nil || (i >= 3 && i <= 4 && p.StartPos == 0) || (i == 5 && !p.HasSinks) {
				continue
			}
			data, err := m.load(b)
			if err != nil {
				return err
			}
			bufs[i] = data
		}
		ob, err := m.store(out)
		if err != nil {
			return err
		}
		bufs[6] = ob
		attend(bufs, p)
		return nil
	})
}

// attend runs causal attention with grouped kv heads. bufs holds q, k, v,
// k cache, v cache, sinks and out in that order.
func attend(bufs [][]byte, p gpu.AttentionParams) {
	qs, ks, vs := f32s(bufs[0]), f32s(bufs[1]), f32s(bufs[2])
	out := f32s(bufs[6])
	var sinks []float32
	if p.HasSinks {
		sinks = f32s(bufs[5])
	}
	hd := p.HeadDim
	qRow, kvRow := p.Heads*hd, p.KVHeads*hd
	group := p.Heads / p.KVHeads

	key := make([]float32, hd)
	val := make([]float32, hd)
	load := func(dst []float32, fresh []float32, cache []byte, pos, kvh int) {
		if pos >= p.StartPos {
			copy(dst, fresh[(pos-p.StartPos)*kvRow+kvh*hd:])
			return
		}
		readInto(dst, cache, p.CacheDType, (pos%p.Capacity)*kvRow+kvh*hd)
	}

	var scores []float32
	for r := range p.Rows {
		pos := p.StartPos + r
		lo := 0
		if p.Window > 0 {
			lo = max(0, pos-p.Window+1)
		}
		for h := range p.Heads {
			kvh := h / group
			qv := blas32.Vector{N: hd, Data: qs[r*qRow+h*hd:], Inc: 1}
			scores = scores[:0]
			peak := float32(math.Inf(-1))
			if p.HasSinks {
				peak = sinks[h]
			}
			for t := lo; t <= pos; t++ {
				load(key, ks, bufs[3], t, kvh)
				s := blas32.Dot(qv, blas32.Vector{N: hd, Data: key, Inc: 1}) * p.Scale
				scores = append(scores, s)
				peak = max(peak, s)
			}
			var sum float64
			if p.HasSinks {
				sum = math.Exp(float64(sinks[h] - peak))
			}
			for i, s := range scores {
				e := float32(math.Exp(float64(s - peak)))
				scores[i] = e
				sum += float64(e)
			}
			dst := out[r*qRow+h*hd : r*qRow+(h+1)*hd]
			clear(dst)
			acc := blas32.Vector{N: hd, Data: dst, Inc: 1}
			for i, t := 0, lo; t <= pos; i, t = i+1, t+1 {
				load(val, vs, bufs[4], t, kvh)
				blas32.Axpy(scores[i]/float32(sum), blas32.Vector{N: hd, Data: val, Inc: 1}, acc)
			}
		}
	}
}

func activate(v float32, act gpu.Activation) float32 {
	x := float64(v)
	if act == gpu.GELUTanh {
		return float32(0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x))))
	}
	return float32(x / (1 + math.Exp(-x)))
}

func (k *Kernels) Activation(gate, up, out *gpu.Buffer, n int, act gpu.Activation) error {
	for _, b := range []*gpu.Buffer{gate, up, out} {
		if err := need(b, 4*n, "activation"); err != nil {
			return err
		}
	}
	return k.x.exec("activation", func(m memory) error {
		gb, err := m.load(gate)
		if err != nil {
			return err
		}
		ub, err := m.load(up)
		if err != nil {
			return err
		}
		ob, err := m.store(out)
		if err != nil {
			return err
		}
		g, u, o := f32s(gb), f32s(ub), f32s(ob)
		for i := range n {
			o[i] = activate(g[i], act) * u[i]
		}
		return nil
	})
}

func (k *Kernels) FusedActivation(gateUp, out *gpu.Buffer, rows, inter int, act gpu.Activation) error {
	if err := need(gateUp, 8*rows*inter, "fused activation"); err != nil {
		return err
	}
	if err := need(out, 4*rows*inter, "fused activation"); err != nil {
		return err
	}
	return k.x.exec("fused activation", func(m memory) error {
		gb, err := m.load(gateUp)
		if err != nil {
			return err
		}
		ob, err := m.store(out)
		if err != nil {
			return err
		}
		gu, o := f32s(gb), f32s(ob)
		for r := range rows {
			row := gu[2*r*inter : 2*(r+1)*inter]
			for i := range inter {
				o[r*inter+i] = activate(row[i], act) * row[inter+i]
			}
		}
		return nil
	})
}

func (k *Kernels) Add(a, b, out *gpu.Buffer, n int) error {
	for _, buf := range []*gpu.Buffer{a, b, out} {
		if err := need(buf, 4*n, "add"); err != nil {
			return err
		}
	}
	return k.x.exec("add", func(m memory) error {
		ab, err := m.load(a)
		if err != nil {
			return err
		}
		bb, err := m.load(b)
		if err != nil {
			return err
		}
		ob, err := m.store(out)
		if err != nil {
			return err
		}
		x, y, o := f32s(ab), f32s(bb), f32s(ob)
		for i := range n {
			o[i] = x[i] + y[i]
		}
		return nil
	})
}

func (k *Kernels) Scale(x *gpu.Buffer, n int, s float32) error {
	if err := need(x, 4*n, "scale"); err != nil {
		return err
	}
	return k.x.exec("scale", func(m memory) error {
		xb, err := m.store(x)
		if err != nil {
			return err
		}
		blas32.Scal(s, blas32.Vector{N: n, Data: f32s(xb), Inc: 1})
		return nil
	})
}

func (k *Kernels) SoftmaxTopK(logits, idx, weights *gpu.Buffer, rows, experts, topK int, normalize bool) error {
	if topK <= 0 || topK > experts {
		return fmt.Errorf("softmax top-k: k=%d of %d experts", topK, experts)
	}
	if err := need(logits, 4*rows*experts, "softmax top-k logits"); err != nil {
		return err
	}
	if err := need(idx, 4*rows*topK, "softmax top-k ids"); err != nil {
		return err
	}
	if err := need(weights, 4*rows*topK, "softmax top-k weights"); err != nil {
		return err
	}
	return k.x.exec("softmax top-k", func(m memory) error {
		lb, err := m.load(logits)
		if err != nil {
			return err
		}
		ib, err := m.store(idx)
		if err != nil {
			return err
		}
		wb, err := m.store(weights)
		if err != nil {
			return err
		}
		ls, ids, ws := f32s(lb), u32s(ib), f32s(wb)
		probs := make([]float32, experts)
		order := make([]int, experts)
		for r := range rows {
			softmax(probs, ls[r*experts:(r+1)*experts])
			for i := range order {
				order[i] = i
			}
			// stable, so equal weights keep the lower expert first
			slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(probs[b], probs[a]) })
			var sum float32
			for j := range topK {
				sum += probs[order[j]]
			}
			for j := range topK {
				e := order[j]
				ids[r*topK+j] = uint32(e)
				w := probs[e]
				if normalize && sum > 0 {
					w /= sum
				}
				ws[r*topK+j] = w
			}
		}
		return nil
	})
}

func softmax(dst, src []float32) {
	peak := slices.Max(src)
	var sum float64
	for i, v := range src {
		e := math.Exp(float64(v - peak))
		dst[i] = float32(e)
		sum += e
	}
	for i := range dst {
		dst[i] = float32(float64(dst[i]) / sum)
	}
}

func (k *Kernels) Gather(src, idx, out *gpu.Buffer, rows, dim int) error {
	if err := need(src, 4*dim, "gather src"); err != nil {
		return err
	}
	if err := need(idx, 4*rows, "gather ids"); err != nil {
		return err
	}
	if err := need(out, 4*rows*dim, "gather"); err != nil {
		return err
	}
	srcRows := int(src.Size()) / (4 * dim)
	return k.x.exec("gather", func(m memory) error {
		sb, err := m.load(src)
		if err != nil {
			return err
		}
		ib, err := m.load(idx)
		if err != nil {
			return err
		}
		ob, err := m.store(out)
		if err != nil {
			return err
		}
		s, o := f32s(sb), f32s(ob)
		for r, i := range u32s(ib)[:rows] {
			if int(i) >= srcRows {
				return fmt.Errorf("gather: row %d outside %d", i, srcRows)
			}
			copy(o[r*dim:(r+1)*dim], s[int(i)*dim:(int(i)+1)*dim])
		}
		return nil
	})
}

func (k *Kernels) ScatterAdd(src, idx, weights, out *gpu.Buffer, rows, dim int) error {
	if err := need(src, 4*rows*dim, "scatter add"); err != nil {
		return err
	}
	if err := need(idx, 4*rows, "scatter add ids"); err != nil {
		return err
	}
	if weights != nil {
		if err := need(weights, 4*rows, "scatter add weights"); err != nil {
			return err
		}
	}
	if err := need(out, 4*dim, "scatter add out"); err != nil {
		return err
	}
	outRows := int(out.Size()) / (4 * dim)
	return k.x.exec("scatter add", func(m memory) error {
		sb, err := m.load(src)
		if err != nil {
			return err
		}
		ib, err := m.load(idx)
		if err != nil {
			return err
		}
		var ws []float32
		if weights != nil {
			wb, err := m.load(weights)
			if err != nil {
				return err
			}
			ws = f32s(wb)
		}
		ob, err := m.store(out)
		if err != nil {
			return err
		}
		s, o := f32s(sb), f32s(ob)
		for r, i := range u32s(ib)[:rows] {
			if int(i) >= outRows {
				return fmt.Errorf("scatter add: row %d outside %d", i, outRows)
			}
			w := float32(1)
			if ws != nil {
				w = ws[r]
			}
			blas32.Axpy(w, blas32.Vector{N: dim, Data: s[r*dim : (r+1)*dim], Inc: 1}, blas32.Vector{N: dim, Data: o[int(i)*dim : (int(i)+1)*dim], Inc: 1})
		}
		return nil
	})
}
