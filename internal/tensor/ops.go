package tensor

import (
	"fmt"
	"math"
)

// Graph-building operations. None of these compute anything: they allocate
// (or alias) an output tensor, record the operation and its operands on it,
// and return it. Values appear in the output's backing memory only once the
// tensor is reached through Compute.
//
// Shape and type mismatches are programming errors and panic immediately;
// producing a malformed graph would silently corrupt downstream numbers.

func (c *Context) dup(a *Tensor) *Tensor {
	return c.newTensor(a.dtype, a.dims, a.ne, nil)
}

func requireSameShape(op Op, a, b *Tensor) {
	if !a.sameShape(b) {
		panic(fmt.Sprintf("tensor: %s operands have mismatched shapes %v vs %v", op, a.ne, b.ne))
	}
}

func requireF32(op Op, t *Tensor) {
	if t.dtype != F32 {
		panic(fmt.Sprintf("tensor: %s requires f32 operand, got %s", op, t.dtype))
	}
}

// Add builds elementwise a+b.
func (c *Context) Add(a, b *Tensor) *Tensor {
	requireSameShape(OpAdd, a, b)
	requireF32(OpAdd, a)
	requireF32(OpAdd, b)
	out := c.dup(a)
	out.op, out.src0, out.src1 = OpAdd, a, b
	return out
}

// Mul builds elementwise a*b.
func (c *Context) Mul(a, b *Tensor) *Tensor {
	requireSameShape(OpMul, a, b)
	requireF32(OpMul, a)
	requireF32(OpMul, b)
	out := c.dup(a)
	out.op, out.src0, out.src1 = OpMul, a, b
	return out
}

// Repeat builds a tiled copy of a shaped like b. Each extent of b must be a
// whole multiple of the matching extent of a.
func (c *Context) Repeat(a, b *Tensor) *Tensor {
	requireF32(OpRepeat, a)
	for i := 0; i < MaxDims; i++ {
		if b.ne[i]%a.ne[i] != 0 {
			panic(fmt.Sprintf("tensor: repeat target shape %v is not a multiple of %v", b.ne, a.ne))
		}
	}
	out := c.newTensor(a.dtype, b.dims, b.ne, nil)
	out.op, out.src0 = OpRepeat, a
	return out
}

// MulMat builds the matrix product over the operands' shared first dimension:
// out[i,j] = dot(a.row(i), b.row(j)). a may be quantized or F16 (weights); b
// must be F32. Higher dimensions must match and are batched over.
func (c *Context) MulMat(a, b *Tensor) *Tensor {
	if a.ne[0] != b.ne[0] || a.ne[2] != b.ne[2] || a.ne[3] != b.ne[3] {
		panic(fmt.Sprintf("tensor: mul_mat operand shapes %v and %v are incompatible", a.ne, b.ne))
	}
	requireF32(OpMulMat, b)
	dims := a.dims
	if b.dims > dims {
		dims = b.dims
	}
	out := c.newTensor(F32, dims, [MaxDims]int{a.ne[1], b.ne[1], a.ne[2], a.ne[3]}, nil)
	out.op, out.src0, out.src1 = OpMulMat, a, b
	return out
}

// Norm builds per-row mean/variance normalization (layer norm without gain
// or bias; apply those with Mul/Add of repeated weight tensors).
func (c *Context) Norm(a *Tensor) *Tensor {
	requireF32(OpNorm, a)
	out := c.dup(a)
	out.op, out.src0 = OpNorm, a
	return out
}

// Scale builds a*s where s is a single-element F32 tensor.
func (c *Context) Scale(a, s *Tensor) *Tensor {
	requireF32(OpScale, a)
	if s.Nelements() != 1 || s.dtype != F32 {
		panic("tensor: scale factor must be a single-element f32 tensor")
	}
	out := c.dup(a)
	out.op, out.src0, out.src1 = OpScale, a, s
	return out
}

// DiagMaskInf builds causal masking: entries more than nPast positions ahead
// of their row are set to -Inf, so softmax zeroes attention to the future.
func (c *Context) DiagMaskInf(a *Tensor, nPast int) *Tensor {
	requireF32(OpDiagMaskInf, a)
	out := c.dup(a)
	out.op, out.src0 = OpDiagMaskInf, a
	out.opParams[0] = nPast
	return out
}

// SoftMax builds a per-row softmax.
func (c *Context) SoftMax(a *Tensor) *Tensor {
	requireF32(OpSoftMax, a)
	out := c.dup(a)
	out.op, out.src0 = OpSoftMax, a
	return out
}

// Silu builds the SiLU activation x*sigmoid(x).
func (c *Context) Silu(a *Tensor) *Tensor {
	requireF32(OpSilu, a)
	out := c.dup(a)
	out.op, out.src0 = OpSilu, a
	return out
}

// Gelu builds the (tanh-approximated) GELU activation.
func (c *Context) Gelu(a *Tensor) *Tensor {
	requireF32(OpGelu, a)
	out := c.dup(a)
	out.op, out.src0 = OpGelu, a
	return out
}

// GetRows builds an embedding lookup: out column j is row ids[j] of a.
func (c *Context) GetRows(a, ids *Tensor) *Tensor {
	if ids.dtype != I32 || ids.dims != 1 {
		panic("tensor: get_rows ids must be a 1-d i32 tensor")
	}
	out := c.newTensor(F32, 2, [MaxDims]int{a.ne[0], ids.ne[0], 1, 1}, nil)
	out.op, out.src0, out.src1 = OpGetRows, a, ids
	return out
}

// Alibi builds the attention-with-linear-biases positional term: each head's
// scores get a per-column penalty proportional to position, with head slopes
// derived from nHead and biasMax.
func (c *Context) Alibi(a *Tensor, nPast, nHead int, biasMax float32) *Tensor {
	requireF32(OpAlibi, a)
	out := c.dup(a)
	out.op, out.src0 = OpAlibi, a
	out.opParams[0] = nPast
	out.opParams[1] = nHead
	out.opParams[2] = int(math.Float32bits(biasMax))
	return out
}

// Cpy builds a copy of a into b's memory, converting dtype if needed. The
// returned tensor is a view of b: use it to materialize a non-contiguous
// view, or to write into a cache region addressed by a view. b must be
// contiguous.
func (c *Context) Cpy(a, b *Tensor) *Tensor {
	if a.Nelements() != b.Nelements() {
		panic(fmt.Sprintf("tensor: cpy between %d and %d elements", a.Nelements(), b.Nelements()))
	}
	if !b.IsContiguous() {
		panic("tensor: cpy destination must be contiguous")
	}
	out := &Tensor{dtype: b.dtype, dims: b.dims, ne: b.ne, nb: b.nb, data: b.data}
	out.op, out.src0, out.src1 = OpCpy, a, b
	return out
}

// View1D builds a 1-d alias of ne0 elements starting at byte offset into a's
// memory. No bytes are copied.
func (c *Context) View1D(a *Tensor, ne0 int, offset int) *Tensor {
	need := a.dtype.RowSize(ne0)
	if offset+need > len(a.data) {
		panic(fmt.Sprintf("tensor: view of %d bytes at offset %d exceeds parent span %d", need, offset, len(a.data)))
	}
	out := &Tensor{dtype: a.dtype, dims: 1, data: a.data[offset:]}
	out.ne = [MaxDims]int{ne0, 1, 1, 1}
	out.nb[0] = a.dtype.TypeSize()
	out.nb[1] = a.dtype.RowSize(ne0)
	out.nb[2], out.nb[3] = out.nb[1], out.nb[1]
	out.op, out.src0 = OpView, a
	return out
}

// View2D builds a 2-d alias with an explicit row stride nb1 (bytes), used to
// slice fused projections apart without copying.
func (c *Context) View2D(a *Tensor, ne0, ne1, nb1, offset int) *Tensor {
	need := (ne1-1)*nb1 + a.dtype.RowSize(ne0)
	if offset+need > len(a.data) {
		panic(fmt.Sprintf("tensor: view of %d bytes at offset %d exceeds parent span %d", need, offset, len(a.data)))
	}
	out := &Tensor{dtype: a.dtype, dims: 2, data: a.data[offset:]}
	out.ne = [MaxDims]int{ne0, ne1, 1, 1}
	out.nb[0] = a.dtype.TypeSize()
	out.nb[1] = nb1
	out.nb[2] = nb1 * ne1
	out.nb[3] = out.nb[2]
	out.op, out.src0 = OpView, a
	return out
}

// Reshape2D reinterprets a contiguous tensor's memory with new extents.
func (c *Context) Reshape2D(a *Tensor, ne0, ne1 int) *Tensor {
	return c.reshape(a, 2, [MaxDims]int{ne0, ne1, 1, 1})
}

// Reshape3D reinterprets a contiguous tensor's memory with new extents.
func (c *Context) Reshape3D(a *Tensor, ne0, ne1, ne2 int) *Tensor {
	return c.reshape(a, 3, [MaxDims]int{ne0, ne1, ne2, 1})
}

func (c *Context) reshape(a *Tensor, dims int, ne [MaxDims]int) *Tensor {
	if !a.IsContiguous() {
		panic("tensor: reshape requires a contiguous tensor")
	}
	if n := ne[0] * ne[1] * ne[2] * ne[3]; n != a.Nelements() {
		panic(fmt.Sprintf("tensor: reshape to %v changes element count %d -> %d", ne, a.Nelements(), n))
	}
	out := &Tensor{dtype: a.dtype, dims: dims, ne: ne, data: a.data}
	out.nb[0] = a.dtype.TypeSize()
	out.nb[1] = a.dtype.RowSize(ne[0])
	out.nb[2] = out.nb[1] * ne[1]
	out.nb[3] = out.nb[2] * ne[2]
	out.op, out.src0 = OpReshape, a
	return out
}

// Permute builds a view with dimensions rearranged: source dimension i
// becomes output dimension axes[i]. The view is non-contiguous; copy it
// before using it anywhere contiguity is required.
func (c *Context) Permute(a *Tensor, ax0, ax1, ax2, ax3 int) *Tensor {
	axes := [MaxDims]int{ax0, ax1, ax2, ax3}
	var seen [MaxDims]bool
	for _, ax := range axes {
		if ax < 0 || ax >= MaxDims || seen[ax] {
			panic(fmt.Sprintf("tensor: invalid permutation %v", axes))
		}
		seen[ax] = true
	}
	out := &Tensor{dtype: a.dtype, dims: a.dims, data: a.data}
	for i := 0; i < MaxDims; i++ {
		out.ne[axes[i]] = a.ne[i]
		out.nb[axes[i]] = a.nb[i]
	}
	out.op, out.src0 = OpPermute, a
	return out
}

// Transpose swaps the first two dimensions as a non-contiguous view.
func (c *Context) Transpose(a *Tensor) *Tensor {
	out := &Tensor{dtype: a.dtype, dims: a.dims, ne: a.ne, nb: a.nb, data: a.data}
	out.ne[0], out.ne[1] = a.ne[1], a.ne[0]
	out.nb[0], out.nb[1] = a.nb[1], a.nb[0]
	out.op, out.src0 = OpTranspose, a
	return out
}

// Share returns the tensor itself. Both call sites then reference the same
// graph node, so the value is computed once however many consumers it has.
func (t *Tensor) Share() *Tensor { return t }
