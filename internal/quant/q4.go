package quant

import "github.com/23skdu/longbow-bodkin/internal/metrics"

// Q4_0 block layout (18 bytes per 32 elements):
// - d (f16): scale
// - qs (16 bytes): 4-bit codes; byte j holds element j in its low nibble and
//   element j+16 in its high nibble. Code 8 is zero: v = d * (code - 8).
const (
	q4_0BlockBytes = 18
	q4_1BlockBytes = 20
	q4_2BlockBytes = 10
)

// QuantizeQ4_0 encodes src with symmetric 4-bit block quantization.
// nElements must equal len(src) and divide into whole rows of rowLen.
func QuantizeQ4_0(src []float32, nElements, rowLen int) Result {
	checkQuantizeArgs("q4_0", src, nElements, rowLen, BlockSize)

	var res Result
	out := outputBuf(nElements)
	written := 0

	for b := 0; b < nElements/BlockSize; b++ {
		block := src[b*BlockSize : (b+1)*BlockSize]
		dst := out[written : written+q4_0BlockBytes]

		maxv := absMax(block)
		d := maxv / -8
		var id float32
		if d != 0 {
			id = 1 / d
		}
		putF16(dst[0:2], d)

		for j := 0; j < 16; j++ {
			c0 := clampCode(block[j]*id+8.5, 15)
			c1 := clampCode(block[j+16]*id+8.5, 15)
			if d == 0 {
				c0, c1 = 0, 0
			}
			dst[2+j] = byte(c0) | byte(c1)<<4
			res.Hist[c0]++
			res.Hist[c1]++
		}
		written += q4_0BlockBytes
	}

	res.Output = out[:written]
	metrics.RecordQuantize("q4_0", nElements)
	return res
}

// DequantizeQ4_0 decodes n elements of q4_0 data.
func DequantizeQ4_0(data []byte, n int) []float32 {
	out := make([]float32, n)
	DequantizeQ4_0Into(data, out)
	return out
}

// DequantizeQ4_0Into decodes len(dst) elements; dst must be a whole number
// of blocks.
func DequantizeQ4_0Into(data []byte, dst []float32) {
	requireBlocks("q4_0", len(dst), BlockSize)
	for b := 0; b*BlockSize < len(dst); b++ {
		blk := data[b*q4_0BlockBytes:]
		out := dst[b*BlockSize:]
		d := getF16(blk[0:2])
		for j := 0; j < 16; j++ {
			v := blk[2+j]
			out[j] = d * float32(int(v&0x0F)-8)
			out[j+16] = d * float32(int(v>>4)-8)
		}
	}
}

// Q4_1 block layout (20 bytes per 32 elements):
// - d (f16): scale
// - m (f16): block minimum (bias)
// - qs (16 bytes): 4-bit codes, packed as in q4_0; v = d*code + m.

// QuantizeQ4_1 encodes src with asymmetric (min-biased) 4-bit quantization.
func QuantizeQ4_1(src []float32, nElements, rowLen int) Result {
	checkQuantizeArgs("q4_1", src, nElements, rowLen, BlockSize)

	var res Result
	out := outputBuf(nElements)
	written := 0

	for b := 0; b < nElements/BlockSize; b++ {
		block := src[b*BlockSize : (b+1)*BlockSize]
		dst := out[written : written+q4_1BlockBytes]

		minv, maxv := minMax(block)
		d := (maxv - minv) / 15
		var id float32
		if d != 0 {
			id = 1 / d
		}
		putF16(dst[0:2], d)
		putF16(dst[2:4], minv)

		for j := 0; j < 16; j++ {
			c0 := clampCode((block[j]-minv)*id+0.5, 15)
			c1 := clampCode((block[j+16]-minv)*id+0.5, 15)
			dst[4+j] = byte(c0) | byte(c1)<<4
			res.Hist[c0]++
			res.Hist[c1]++
		}
		written += q4_1BlockBytes
	}

	res.Output = out[:written]
	metrics.RecordQuantize("q4_1", nElements)
	return res
}

// DequantizeQ4_1 decodes n elements of q4_1 data.
func DequantizeQ4_1(data []byte, n int) []float32 {
	out := make([]float32, n)
	DequantizeQ4_1Into(data, out)
	return out
}

func DequantizeQ4_1Into(data []byte, dst []float32) {
	requireBlocks("q4_1", len(dst), BlockSize)
	for b := 0; b*BlockSize < len(dst); b++ {
		blk := data[b*q4_1BlockBytes:]
		out := dst[b*BlockSize:]
		d := getF16(blk[0:2])
		m := getF16(blk[2:4])
		for j := 0; j < 16; j++ {
			v := blk[4+j]
			out[j] = d*float32(v&0x0F) + m
			out[j+16] = d*float32(v>>4) + m
		}
	}
}

// Q4_2 is the retired 16-element 4-bit format (10 bytes per block: f16 scale
// + 8 packed bytes). It survives only so old weight files still load; there
// is deliberately no encoder.

// DequantizeQ4_2 decodes n elements of legacy q4_2 data.
func DequantizeQ4_2(data []byte, n int) []float32 {
	out := make([]float32, n)
	DequantizeQ4_2Into(data, out)
	return out
}

func DequantizeQ4_2Into(data []byte, dst []float32) {
	requireBlocks("q4_2", len(dst), BlockSizeQ4_2)
	for b := 0; b*BlockSizeQ4_2 < len(dst); b++ {
		blk := data[b*q4_2BlockBytes:]
		out := dst[b*BlockSizeQ4_2:]
		d := getF16(blk[0:2])
		for j := 0; j < 8; j++ {
			v := blk[2+j]
			out[j] = d * float32(int(v&0x0F)-8)
			out[j+8] = d * float32(int(v>>4)-8)
		}
	}
}
