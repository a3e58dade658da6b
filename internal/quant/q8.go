package quant

import "github.com/23skdu/longbow-bodkin/internal/metrics"

// Q8_0 block layout (34 bytes per 32 elements):
// - d (f16): scale
// - qs (32 int8): codes; v = d * code
const (
	q8_0BlockBytes = 34
	q8_1BlockBytes = 40
)

// QuantizeQ8_0 encodes src with symmetric 8-bit block quantization.
func QuantizeQ8_0(src []float32, nElements, rowLen int) Result {
	var res Result
	checkQuantizeArgs("q8_0", src, nElements, rowLen, BlockSize)

	out := outputBuf(nElements)
	written := 0

	for b := 0; b < nElements/BlockSize; b++ {
		block := src[b*BlockSize : (b+1)*BlockSize]
		dst := out[written : written+q8_0BlockBytes]

		maxv := absMax(block)
		if maxv < 0 {
			maxv = -maxv
		}
		d := maxv / 127
		var id float32
		if d != 0 {
			id = 1 / d
		}
		putF16(dst[0:2], d)

		for j, v := range block {
			c := clampCode(v*id+127.5, 254) - 127 // round to [-127, 127]
			dst[2+j] = byte(int8(c))
			res.Hist[(c+128)>>4]++
		}
		written += q8_0BlockBytes
	}

	res.Output = out[:written]
	metrics.RecordQuantize("q8_0", nElements)
	return res
}

// DequantizeQ8_0 decodes n elements of q8_0 data.
func DequantizeQ8_0(data []byte, n int) []float32 {
	out := make([]float32, n)
	DequantizeQ8_0Into(data, out)
	return out
}

func DequantizeQ8_0Into(data []byte, dst []float32) {
	requireBlocks("q8_0", len(dst), BlockSize)
	for b := 0; b*BlockSize < len(dst); b++ {
		blk := data[b*q8_0BlockBytes:]
		out := dst[b*BlockSize:]
		d := getF16(blk[0:2])
		for j := 0; j < BlockSize; j++ {
			out[j] = d * float32(int8(blk[2+j]))
		}
	}
}

// Q8_1 block layout (40 bytes per 32 elements):
// - d (f32): scale
// - s (f32): d * sum(codes), precomputed for dot-product kernels
// - qs (32 int8): codes; v = d * code

// QuantizeQ8_1 encodes src with symmetric 8-bit quantization plus the
// precomputed block sum used by asymmetric dot products.
func QuantizeQ8_1(src []float32, nElements, rowLen int) Result {
	var res Result
	checkQuantizeArgs("q8_1", src, nElements, rowLen, BlockSize)

	out := outputBuf(nElements)
	written := 0

	for b := 0; b < nElements/BlockSize; b++ {
		block := src[b*BlockSize : (b+1)*BlockSize]
		dst := out[written : written+q8_1BlockBytes]

		maxv := absMax(block)
		if maxv < 0 {
			maxv = -maxv
		}
		d := maxv / 127
		var id float32
		if d != 0 {
			id = 1 / d
		}
		putF32(dst[0:4], d)

		sum := 0
		for j, v := range block {
			c := clampCode(v*id+127.5, 254) - 127
			dst[8+j] = byte(int8(c))
			sum += c
			res.Hist[(c+128)>>4]++
		}
		putF32(dst[4:8], d*float32(sum))
		written += q8_1BlockBytes
	}

	res.Output = out[:written]
	metrics.RecordQuantize("q8_1", nElements)
	return res
}

// DequantizeQ8_1 decodes n elements of q8_1 data.
func DequantizeQ8_1(data []byte, n int) []float32 {
	out := make([]float32, n)
	DequantizeQ8_1Into(data, out)
	return out
}

func DequantizeQ8_1Into(data []byte, dst []float32) {
	requireBlocks("q8_1", len(dst), BlockSize)
	for b := 0; b*BlockSize < len(dst); b++ {
		blk := data[b*q8_1BlockBytes:]
		out := dst[b*BlockSize:]
		d := getF32(blk[0:4])
		for j := 0; j < BlockSize; j++ {
			out[j] = d * float32(int8(blk[8+j]))
		}
	}
}
