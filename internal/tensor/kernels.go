package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/23skdu/longbow-bodkin/internal/quant"
)

const normEps = 1e-5

// computeForward executes one node's slice of work. ith/nth select a
// disjoint partition of the output for parallel ops and are (0, 1) for
// single-worker ops.
func computeForward(t *Tensor, ith, nth int) {
	switch t.op {
	case OpView, OpReshape, OpPermute, OpTranspose:
		// aliases: nothing to compute
	case OpGetRows:
		computeGetRows(t)
	case OpAdd:
		computeBinary(t, func(a, b float32) float32 { return a + b })
	case OpMul:
		computeBinary(t, func(a, b float32) float32 { return a * b })
	case OpMulMat:
		computeMulMat(t, ith, nth)
	case OpRepeat:
		computeRepeat(t)
	case OpNorm:
		computeNorm(t, ith, nth)
	case OpScale:
		computeUnary(t, func(v float32) float32 { return v * t.src1.F32(0) })
	case OpDiagMaskInf:
		computeDiagMaskInf(t)
	case OpSoftMax:
		computeSoftMax(t, ith, nth)
	case OpSilu:
		computeUnary(t, silu)
	case OpGelu:
		computeUnary(t, gelu)
	case OpCpy:
		computeCpy(t)
	case OpAlibi:
		computeAlibi(t)
	default:
		panic(fmt.Sprintf("tensor: compute of op %s not implemented", t.op))
	}
}

// loadRowF32 decodes row (i1,i2,i3) of t into dst, dequantizing as needed.
// dst must hold t.NE(0) elements.
func loadRowF32(t *Tensor, i1, i2, i3 int, dst []float32) {
	if t.nb[0] != t.dtype.TypeSize() {
		// fully strided view (e.g. transposed): gather element-wise
		switch t.dtype {
		case F32:
			for i0 := range dst {
				dst[i0] = t.f32At(i0, i1, i2, i3)
			}
		case F16:
			for i0 := range dst {
				off := i0*t.nb[0] + i1*t.nb[1] + i2*t.nb[2] + i3*t.nb[3]
				dst[i0] = f16ToF32(binary.LittleEndian.Uint16(t.data[off:]))
			}
		default:
			// quantized rows only decode whole blocks
			panic(fmt.Sprintf("tensor: cannot decode strided rows of dtype %s", t.dtype))
		}
		return
	}
	row := t.rowBytes(i1, i2, i3)
	switch t.dtype {
	case F32:
		for i0 := range dst {
			dst[i0] = math.Float32frombits(binary.LittleEndian.Uint32(row[i0*4:]))
		}
	case F16:
		for i0 := range dst {
			dst[i0] = f16ToF32(binary.LittleEndian.Uint16(row[i0*2:]))
		}
	case Q4_0:
		quant.DequantizeQ4_0Into(row, dst)
	case Q4_1:
		quant.DequantizeQ4_1Into(row, dst)
	case Q5_0:
		quant.DequantizeQ5_0Into(row, dst)
	case Q5_1:
		quant.DequantizeQ5_1Into(row, dst)
	case Q8_0:
		quant.DequantizeQ8_0Into(row, dst)
	case Q8_1:
		quant.DequantizeQ8_1Into(row, dst)
	case Q4_2:
		quant.DequantizeQ4_2Into(row, dst)
	default:
		panic(fmt.Sprintf("tensor: cannot decode rows of dtype %s", t.dtype))
	}
}

func computeGetRows(t *Tensor) {
	src, ids := t.src0, t.src1
	row := make([]float32, src.ne[0])
	for j := 0; j < ids.ne[0]; j++ {
		r := int(ids.I32At(j))
		if r < 0 || r >= src.ne[1] {
			panic(fmt.Sprintf("tensor: get_rows index %d out of range [0,%d)", r, src.ne[1]))
		}
		loadRowF32(src, r, 0, 0, row)
		for i0, v := range row {
			t.setF32At(i0, j, 0, 0, v)
		}
	}
}

func computeBinary(t *Tensor, f func(a, b float32) float32) {
	a, b := t.src0, t.src1
	for i3 := 0; i3 < t.ne[3]; i3++ {
		for i2 := 0; i2 < t.ne[2]; i2++ {
			for i1 := 0; i1 < t.ne[1]; i1++ {
				for i0 := 0; i0 < t.ne[0]; i0++ {
					t.setF32At(i0, i1, i2, i3, f(a.f32At(i0, i1, i2, i3), b.f32At(i0, i1, i2, i3)))
				}
			}
		}
	}
}

func computeUnary(t *Tensor, f func(v float32) float32) {
	src := t.src0
	for i3 := 0; i3 < t.ne[3]; i3++ {
		for i2 := 0; i2 < t.ne[2]; i2++ {
			for i1 := 0; i1 < t.ne[1]; i1++ {
				for i0 := 0; i0 < t.ne[0]; i0++ {
					t.setF32At(i0, i1, i2, i3, f(src.f32At(i0, i1, i2, i3)))
				}
			}
		}
	}
}

// computeMulMat fills dst[i,j] = dot(a.row(i), b.row(j)) over the shared
// first dimension, batched over dims 2 and 3. Work is partitioned across
// workers by striding rows of a with ith/nth; partitions are disjoint by
// construction so the workers share nothing but the node's output.
func computeMulMat(t *Tensor, ith, nth int) {
	a, b := t.src0, t.src1
	k := a.ne[0]
	m, n := a.ne[1], b.ne[1]

	rowA := make([]float32, k)
	rowsB := make([]float32, n*k)

	for i3 := 0; i3 < t.ne[3]; i3++ {
		for i2 := 0; i2 < t.ne[2]; i2++ {
			for j := 0; j < n; j++ {
				loadRowF32(b, j, i2, i3, rowsB[j*k:(j+1)*k])
			}
			for i := ith; i < m; i += nth {
				loadRowF32(a, i, i2, i3, rowA)
				for j := 0; j < n; j++ {
					sum := float32(0)
					rb := rowsB[j*k : (j+1)*k]
					for p, av := range rowA {
						sum += av * rb[p]
					}
					t.setF32At(i, j, i2, i3, sum)
				}
			}
		}
	}
}

func computeRepeat(t *Tensor) {
	src := t.src0
	for i3 := 0; i3 < t.ne[3]; i3++ {
		for i2 := 0; i2 < t.ne[2]; i2++ {
			for i1 := 0; i1 < t.ne[1]; i1++ {
				for i0 := 0; i0 < t.ne[0]; i0++ {
					v := src.f32At(i0%src.ne[0], i1%src.ne[1], i2%src.ne[2], i3%src.ne[3])
					t.setF32At(i0, i1, i2, i3, v)
				}
			}
		}
	}
}

// computeNorm normalizes each row to zero mean and unit variance.
func computeNorm(t *Tensor, ith, nth int) {
	src := t.src0
	ne0 := t.ne[0]
	for r := ith; r < t.Nrows(); r += nth {
		i1 := r % t.ne[1]
		i2 := r / t.ne[1] % t.ne[2]
		i3 := r / (t.ne[1] * t.ne[2])

		mean := float64(0)
		for i0 := 0; i0 < ne0; i0++ {
			mean += float64(src.f32At(i0, i1, i2, i3))
		}
		mean /= float64(ne0)

		variance := float64(0)
		for i0 := 0; i0 < ne0; i0++ {
			d := float64(src.f32At(i0, i1, i2, i3)) - mean
			variance += d * d
		}
		variance /= float64(ne0)

		scale := float32(1.0 / math.Sqrt(variance+normEps))
		for i0 := 0; i0 < ne0; i0++ {
			v := src.f32At(i0, i1, i2, i3) - float32(mean)
			t.setF32At(i0, i1, i2, i3, v*scale)
		}
	}
}

// computeDiagMaskInf copies src and sets every entry more than nPast
// positions ahead of its row index to -Inf.
func computeDiagMaskInf(t *Tensor) {
	src := t.src0
	nPast := t.opParams[0]
	negInf := float32(math.Inf(-1))
	for i3 := 0; i3 < t.ne[3]; i3++ {
		for i2 := 0; i2 < t.ne[2]; i2++ {
			for i1 := 0; i1 < t.ne[1]; i1++ {
				for i0 := 0; i0 < t.ne[0]; i0++ {
					v := src.f32At(i0, i1, i2, i3)
					if i0 > nPast+i1 {
						v = negInf
					}
					t.setF32At(i0, i1, i2, i3, v)
				}
			}
		}
	}
}

func computeSoftMax(t *Tensor, ith, nth int) {
	src := t.src0
	ne0 := t.ne[0]
	for r := ith; r < t.Nrows(); r += nth {
		i1 := r % t.ne[1]
		i2 := r / t.ne[1] % t.ne[2]
		i3 := r / (t.ne[1] * t.ne[2])

		max := float32(math.Inf(-1))
		for i0 := 0; i0 < ne0; i0++ {
			if v := src.f32At(i0, i1, i2, i3); v > max {
				max = v
			}
		}

		sum := float64(0)
		for i0 := 0; i0 < ne0; i0++ {
			v := src.f32At(i0, i1, i2, i3)
			var e float32
			if !math.IsInf(float64(v), -1) {
				e = float32(math.Exp(float64(v - max)))
			}
			t.setF32At(i0, i1, i2, i3, e)
			sum += float64(e)
		}

		inv := float32(1.0 / sum)
		for i0 := 0; i0 < ne0; i0++ {
			t.setF32At(i0, i1, i2, i3, t.f32At(i0, i1, i2, i3)*inv)
		}
	}
}

// computeCpy walks src in logical order and writes dst contiguously,
// converting dtype. This is how permuted views are materialized and how KV
// projections land in the cache.
func computeCpy(t *Tensor) {
	src := t.src0
	idx := 0
	write := func(v float32) {
		switch t.dtype {
		case F32:
			binary.LittleEndian.PutUint32(t.data[idx*4:], math.Float32bits(v))
		case F16:
			binary.LittleEndian.PutUint16(t.data[idx*2:], f32ToF16(v))
		default:
			panic(fmt.Sprintf("tensor: cpy into dtype %s not supported", t.dtype))
		}
		idx++
	}
	for i3 := 0; i3 < src.ne[3]; i3++ {
		for i2 := 0; i2 < src.ne[2]; i2++ {
			for i1 := 0; i1 < src.ne[1]; i1++ {
				for i0 := 0; i0 < src.ne[0]; i0++ {
					write(srcValAt(src, i0, i1, i2, i3))
				}
			}
		}
	}
}

func srcValAt(t *Tensor, i0, i1, i2, i3 int) float32 {
	switch t.dtype {
	case F32:
		return t.f32At(i0, i1, i2, i3)
	case F16:
		off := i0*t.nb[0] + i1*t.nb[1] + i2*t.nb[2] + i3*t.nb[3]
		return f16ToF32(binary.LittleEndian.Uint16(t.data[off:]))
	default:
		panic(fmt.Sprintf("tensor: cpy from dtype %s not supported", t.dtype))
	}
}

// computeAlibi adds the linear positional bias: head h of the scores gets
// slope(h) * column for every column, with slopes halving geometrically
// across heads.
func computeAlibi(t *Tensor) {
	src := t.src0
	nHead := t.opParams[1]
	biasMax := float64(math.Float32frombits(uint32(t.opParams[2])))

	nFloor := 1 << uint(math.Floor(math.Log2(float64(nHead))))
	m0 := math.Pow(2.0, -biasMax/float64(nFloor))
	m1 := math.Pow(2.0, -biasMax/2.0/float64(nFloor))

	for i2 := 0; i2 < t.ne[2]; i2++ {
		var slope float64
		if i2 < nFloor {
			slope = math.Pow(m0, float64(i2+1))
		} else {
			slope = math.Pow(m1, float64(2*(i2-nFloor)+1))
		}
		for i3 := 0; i3 < t.ne[3]; i3++ {
			for i1 := 0; i1 < t.ne[1]; i1++ {
				for i0 := 0; i0 < t.ne[0]; i0++ {
					v := src.f32At(i0, i1, i2, i3) + float32(slope*float64(i0))
					t.setF32At(i0, i1, i2, i3, v)
				}
			}
		}
	}
}

func silu(x float32) float32 {
	return x / (1.0 + float32(math.Exp(float64(-x))))
}

func gelu(x float32) float32 {
	const c = 0.797884560802865 // sqrt(2/pi)
	x64 := float64(x)
	return float32(0.5 * x64 * (1.0 + math.Tanh(c*(x64+0.044715*x64*x64*x64))))
}
