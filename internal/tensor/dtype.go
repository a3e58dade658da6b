package tensor

import "fmt"

// DType identifies the element type of a tensor. Quantized types store
// elements in fixed-size blocks; TypeSize is then the byte size of one whole
// block rather than one element.
type DType uint8

const (
	Q4_0 DType = iota
	Q4_1
	Q5_0
	Q5_1
	Q8_0
	Q8_1
	I32
	F16
	F32

	// Q4_2 is a legacy 4-bit format kept only so old weight files still
	// decode. New tensors must not be created with it.
	Q4_2
)

const dtypeCount = Q4_2 + 1

var blockSizes = [dtypeCount]int{
	Q4_0: 32,
	Q4_1: 32,
	Q5_0: 32,
	Q5_1: 32,
	Q8_0: 32,
	Q8_1: 32,
	I32:  1,
	F16:  1,
	F32:  1,
	Q4_2: 16,
}

// typeSizes holds bytes per block (per element for non-quantized types).
var typeSizes = [dtypeCount]int{
	Q4_0: 2 + 16,         // f16 scale + 32 packed nibbles
	Q4_1: 2 + 2 + 16,     // f16 scale + f16 min + 32 packed nibbles
	Q5_0: 2 + 4 + 16,     // f16 scale + high-bit mask + nibbles
	Q5_1: 2 + 2 + 4 + 16, // f16 scale + f16 min + high-bit mask + nibbles
	Q8_0: 2 + 32,         // f16 scale + 32 int8
	Q8_1: 4 + 4 + 32,     // f32 scale + f32 block sum + 32 int8
	I32:  4,
	F16:  2,
	F32:  4,
	Q4_2: 2 + 8,
}

var dtypeNames = [dtypeCount]string{
	Q4_0: "q4_0",
	Q4_1: "q4_1",
	Q5_0: "q5_0",
	Q5_1: "q5_1",
	Q8_0: "q8_0",
	Q8_1: "q8_1",
	I32:  "i32",
	F16:  "f16",
	F32:  "f32",
	Q4_2: "q4_2",
}

// BlockSize returns the number of elements per block.
func (t DType) BlockSize() int {
	if t >= dtypeCount {
		panic(fmt.Sprintf("tensor: unknown dtype %d", t))
	}
	return blockSizes[t]
}

// TypeSize returns the byte size of one block (one element for scalar types).
func (t DType) TypeSize() int {
	if t >= dtypeCount {
		panic(fmt.Sprintf("tensor: unknown dtype %d", t))
	}
	return typeSizes[t]
}

// RowSize returns the byte size of a contiguous row of n elements.
// n must be a whole number of blocks.
func (t DType) RowSize(n int) int {
	bs := t.BlockSize()
	if n%bs != 0 {
		panic(fmt.Sprintf("tensor: row of %d elements is not a whole number of %s blocks", n, t))
	}
	return n / bs * t.TypeSize()
}

// IsQuantized reports whether the type stores elements in packed blocks.
func (t DType) IsQuantized() bool {
	return t.BlockSize() > 1
}

func (t DType) String() string {
	if t >= dtypeCount {
		return fmt.Sprintf("dtype(%d)", uint8(t))
	}
	return dtypeNames[t]
}
