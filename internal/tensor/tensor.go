package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// MaxDims is the maximum tensor rank.
const MaxDims = 4

// Op identifies the operation that produces a tensor's contents. Leaf
// tensors (weights and inputs) carry OpNone.
type Op uint8

const (
	OpNone Op = iota
	OpGetRows
	OpAdd
	OpMul
	OpMulMat
	OpRepeat
	OpNorm
	OpScale
	OpDiagMaskInf
	OpSoftMax
	OpSilu
	OpGelu
	OpCpy
	OpAlibi
	OpView
	OpReshape
	OpPermute
	OpTranspose
)

var opNames = [...]string{
	OpNone:        "none",
	OpGetRows:     "get_rows",
	OpAdd:         "add",
	OpMul:         "mul",
	OpMulMat:      "mul_mat",
	OpRepeat:      "repeat",
	OpNorm:        "norm",
	OpScale:       "scale",
	OpDiagMaskInf: "diag_mask_inf",
	OpSoftMax:     "soft_max",
	OpSilu:        "silu",
	OpGelu:        "gelu",
	OpCpy:         "cpy",
	OpAlibi:       "alibi",
	OpView:        "view",
	OpReshape:     "reshape",
	OpPermute:     "permute",
	OpTranspose:   "transpose",
}

func (op Op) String() string { return opNames[op] }

// Tensor is a typed, strided view over a byte range inside an arena. When op
// is not OpNone the tensor is a graph node whose contents are produced from
// its operands during Compute; until then the backing bytes are undefined.
//
// Memory is always owned by the arena: two tensors may alias the same bytes
// (views), and no tensor outlives its Context.
type Tensor struct {
	dtype DType
	dims  int
	ne    [MaxDims]int // extents, in elements
	nb    [MaxDims]int // strides, in bytes

	op         Op
	src0, src1 *Tensor
	opParams   [MaxDims]int

	data []byte
}

func (c *Context) newTensor(dt DType, dims int, ne [MaxDims]int, data []byte) *Tensor {
	if dt == Q4_2 && data == nil {
		// decode-only legacy format: permitted over existing file bytes,
		// never for fresh allocations
		panic("tensor: q4_2 is decode-only legacy, new tensors cannot use it")
	}
	if dims < 1 || dims > MaxDims {
		panic(fmt.Sprintf("tensor: invalid rank %d", dims))
	}
	t := &Tensor{dtype: dt, dims: dims, ne: ne}
	for i := dims; i < MaxDims; i++ {
		t.ne[i] = 1
	}
	t.nb[0] = dt.TypeSize()
	t.nb[1] = dt.RowSize(t.ne[0])
	t.nb[2] = t.nb[1] * t.ne[1]
	t.nb[3] = t.nb[2] * t.ne[2]

	if data == nil {
		data = c.mustAlloc(t.nb[3]*t.ne[3], defaultAlign)
	}
	t.data = data
	return t
}

// NewTensor1D allocates a leaf tensor from the context's active buffer.
func (c *Context) NewTensor1D(dt DType, ne0 int) *Tensor {
	return c.newTensor(dt, 1, [MaxDims]int{ne0, 1, 1, 1}, nil)
}

func (c *Context) NewTensor2D(dt DType, ne0, ne1 int) *Tensor {
	return c.newTensor(dt, 2, [MaxDims]int{ne0, ne1, 1, 1}, nil)
}

func (c *Context) NewTensor3D(dt DType, ne0, ne1, ne2 int) *Tensor {
	return c.newTensor(dt, 3, [MaxDims]int{ne0, ne1, ne2, 1}, nil)
}

func (c *Context) NewTensor4D(dt DType, ne0, ne1, ne2, ne3 int) *Tensor {
	return c.newTensor(dt, 4, [MaxDims]int{ne0, ne1, ne2, ne3}, nil)
}

// NewF32 allocates a single-element F32 tensor holding v, used as a scalar
// operand (e.g. for Scale).
func (c *Context) NewF32(v float32) *Tensor {
	t := c.NewTensor1D(F32, 1)
	t.SetF32(0, v)
	return t
}

// ViewBytes builds a leaf tensor over caller-provided bytes, typically a
// slice of a memory-mapped weight file. No copy is made; the bytes must
// outlive the tensor.
func (c *Context) ViewBytes(dt DType, data []byte, ne ...int) *Tensor {
	var extents [MaxDims]int
	for i := range extents {
		extents[i] = 1
	}
	copy(extents[:], ne)
	t := c.newTensor(dt, len(ne), extents, data)
	if want := t.nb[3] * t.ne[3]; len(data) < want {
		panic(fmt.Sprintf("tensor: %d bytes given for a %s tensor needing %d", len(data), dt, want))
	}
	return t
}

// DType returns the element type.
func (t *Tensor) DType() DType { return t.dtype }

// Dims returns the rank.
func (t *Tensor) Dims() int { return t.dims }

// NE returns the extent along dimension i.
func (t *Tensor) NE(i int) int { return t.ne[i] }

// NB returns the byte stride along dimension i.
func (t *Tensor) NB(i int) int { return t.nb[i] }

// Op returns the producing operation (OpNone for leaves).
func (t *Tensor) Op() Op { return t.op }

// Src returns the i-th operand, or nil.
func (t *Tensor) Src(i int) *Tensor {
	switch i {
	case 0:
		return t.src0
	case 1:
		return t.src1
	}
	return nil
}

// Data exposes the raw backing bytes.
func (t *Tensor) Data() []byte { return t.data }

// ElementSize returns the byte size of one element (one block's bytes spread
// over its elements for quantized types rounds to the block stride; callers
// doing offset math on quantized tensors should use DType().RowSize).
func (t *Tensor) ElementSize() int { return t.dtype.TypeSize() / t.dtype.BlockSize() }

// Nelements returns the total element count.
func (t *Tensor) Nelements() int {
	return t.ne[0] * t.ne[1] * t.ne[2] * t.ne[3]
}

// Nrows returns the number of rows (all elements beyond dim 0).
func (t *Tensor) Nrows() int {
	return t.ne[1] * t.ne[2] * t.ne[3]
}

// Nbytes returns the byte size of the tensor's contents when contiguous.
func (t *Tensor) Nbytes() int {
	return t.Nelements() / t.dtype.BlockSize() * t.dtype.TypeSize()
}

// IsContiguous reports whether the tensor's memory layout is the default
// row-major one. Permuted and transposed views are not contiguous and must
// be copied (Cpy) before use by ops that require contiguity.
func (t *Tensor) IsContiguous() bool {
	return t.nb[0] == t.dtype.TypeSize() &&
		t.nb[1] == t.dtype.RowSize(t.ne[0]) &&
		t.nb[2] == t.nb[1]*t.ne[1] &&
		t.nb[3] == t.nb[2]*t.ne[2]
}

func (t *Tensor) sameShape(o *Tensor) bool {
	return t.ne == o.ne
}

// F32 reads element i of a contiguous F32 tensor.
func (t *Tensor) F32(i int) float32 {
	t.requireScalar(F32)
	return math.Float32frombits(binary.LittleEndian.Uint32(t.data[i*4:]))
}

// SetF32 writes element i of a contiguous F32 tensor.
func (t *Tensor) SetF32(i int, v float32) {
	t.requireScalar(F32)
	binary.LittleEndian.PutUint32(t.data[i*4:], math.Float32bits(v))
}

// I32At reads element i of a contiguous I32 tensor.
func (t *Tensor) I32At(i int) int32 {
	t.requireScalar(I32)
	return int32(binary.LittleEndian.Uint32(t.data[i*4:]))
}

// SetI32 writes element i of a contiguous I32 tensor.
func (t *Tensor) SetI32(i int, v int32) {
	t.requireScalar(I32)
	binary.LittleEndian.PutUint32(t.data[i*4:], uint32(v))
}

// F32s copies a contiguous F32 tensor's contents out as a float32 slice.
func (t *Tensor) F32s() []float32 {
	t.requireScalar(F32)
	if !t.IsContiguous() {
		panic("tensor: F32s requires a contiguous tensor")
	}
	out := make([]float32, t.Nelements())
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.data[i*4:]))
	}
	return out
}

// LoadF32s fills a contiguous F32 tensor from a slice.
func (t *Tensor) LoadF32s(vals []float32) {
	t.requireScalar(F32)
	if len(vals) != t.Nelements() {
		panic(fmt.Sprintf("tensor: loading %d values into a tensor of %d elements", len(vals), t.Nelements()))
	}
	for i, v := range vals {
		binary.LittleEndian.PutUint32(t.data[i*4:], math.Float32bits(v))
	}
}

func (t *Tensor) requireScalar(dt DType) {
	if t.dtype != dt {
		panic(fmt.Sprintf("tensor: %s access on %s tensor", dt, t.dtype))
	}
}

// f32At reads one element through the stride table; works for any layout.
func (t *Tensor) f32At(i0, i1, i2, i3 int) float32 {
	off := i0*t.nb[0] + i1*t.nb[1] + i2*t.nb[2] + i3*t.nb[3]
	return math.Float32frombits(binary.LittleEndian.Uint32(t.data[off:]))
}

func (t *Tensor) setF32At(i0, i1, i2, i3 int, v float32) {
	off := i0*t.nb[0] + i1*t.nb[1] + i2*t.nb[2] + i3*t.nb[3]
	binary.LittleEndian.PutUint32(t.data[off:], math.Float32bits(v))
}

// f32Row returns the byte range of row (i1,i2,i3) of a row-contiguous F32
// tensor, decoded lazily by the caller.
func (t *Tensor) rowBytes(i1, i2, i3 int) []byte {
	off := i1*t.nb[1] + i2*t.nb[2] + i3*t.nb[3]
	return t.data[off:]
}

func f16ToF32(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}

func f32ToF16(v float32) uint16 {
	return float16.Fromfloat32(v).Bits()
}
