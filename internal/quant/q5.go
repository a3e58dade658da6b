package quant

import (
	"encoding/binary"

	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// Q5_0 block layout (22 bytes per 32 elements):
// - d (f16): scale
// - qh (u32): fifth (high) bit of each code, bit i for element i
// - qs (16 bytes): low 4 bits, packed as in q4_0
// Code 16 is zero: v = d * (code - 16).
const (
	q5_0BlockBytes = 22
	q5_1BlockBytes = 24
)

// QuantizeQ5_0 encodes src with symmetric 5-bit block quantization.
func QuantizeQ5_0(src []float32, nElements, rowLen int) Result {
	var res Result
	checkQuantizeArgs("q5_0", src, nElements, rowLen, BlockSize)

	out := outputBuf(nElements)
	written := 0

	for b := 0; b < nElements/BlockSize; b++ {
		block := src[b*BlockSize : (b+1)*BlockSize]
		dst := out[written : written+q5_0BlockBytes]

		maxv := absMax(block)
		d := maxv / -16
		var id float32
		if d != 0 {
			id = 1 / d
		}
		putF16(dst[0:2], d)

		var qh uint32
		for j := 0; j < 16; j++ {
			c0 := clampCode(block[j]*id+16.5, 31)
			c1 := clampCode(block[j+16]*id+16.5, 31)
			if d == 0 {
				c0, c1 = 0, 0
			}
			dst[6+j] = byte(c0&0x0F) | byte(c1&0x0F)<<4
			qh |= uint32(c0>>4) << uint(j)
			qh |= uint32(c1>>4) << uint(j+16)
			res.Hist[c0>>1]++
			res.Hist[c1>>1]++
		}
		binary.LittleEndian.PutUint32(dst[2:6], qh)
		written += q5_0BlockBytes
	}

	res.Output = out[:written]
	metrics.RecordQuantize("q5_0", nElements)
	return res
}

// DequantizeQ5_0 decodes n elements of q5_0 data.
func DequantizeQ5_0(data []byte, n int) []float32 {
	out := make([]float32, n)
	DequantizeQ5_0Into(data, out)
	return out
}

func DequantizeQ5_0Into(data []byte, dst []float32) {
	requireBlocks("q5_0", len(dst), BlockSize)
	for b := 0; b*BlockSize < len(dst); b++ {
		blk := data[b*q5_0BlockBytes:]
		out := dst[b*BlockSize:]
		d := getF16(blk[0:2])
		qh := binary.LittleEndian.Uint32(blk[2:6])
		for j := 0; j < 16; j++ {
			v := blk[6+j]
			c0 := int(v&0x0F) | int(qh>>uint(j)&1)<<4
			c1 := int(v>>4) | int(qh>>uint(j+16)&1)<<4
			out[j] = d * float32(c0-16)
			out[j+16] = d * float32(c1-16)
		}
	}
}

// Q5_1 block layout (24 bytes per 32 elements):
// - d (f16): scale
// - m (f16): block minimum
// - qh (u32): high bits
// - qs (16 bytes): low 4 bits
// v = d*code + m.

// QuantizeQ5_1 encodes src with asymmetric 5-bit block quantization.
func QuantizeQ5_1(src []float32, nElements, rowLen int) Result {
	var res Result
	checkQuantizeArgs("q5_1", src, nElements, rowLen, BlockSize)

	out := outputBuf(nElements)
	written := 0

	for b := 0; b < nElements/BlockSize; b++ {
		block := src[b*BlockSize : (b+1)*BlockSize]
		dst := out[written : written+q5_1BlockBytes]

		minv, maxv := minMax(block)
		d := (maxv - minv) / 31
		var id float32
		if d != 0 {
			id = 1 / d
		}
		putF16(dst[0:2], d)
		putF16(dst[2:4], minv)

		var qh uint32
		for j := 0; j < 16; j++ {
			c0 := clampCode((block[j]-minv)*id+0.5, 31)
			c1 := clampCode((block[j+16]-minv)*id+0.5, 31)
			dst[8+j] = byte(c0&0x0F) | byte(c1&0x0F)<<4
			qh |= uint32(c0>>4) << uint(j)
			qh |= uint32(c1>>4) << uint(j+16)
			res.Hist[c0>>1]++
			res.Hist[c1>>1]++
		}
		binary.LittleEndian.PutUint32(dst[4:8], qh)
		written += q5_1BlockBytes
	}

	res.Output = out[:written]
	metrics.RecordQuantize("q5_1", nElements)
	return res
}

// DequantizeQ5_1 decodes n elements of q5_1 data.
func DequantizeQ5_1(data []byte, n int) []float32 {
	out := make([]float32, n)
	DequantizeQ5_1Into(data, out)
	return out
}

func DequantizeQ5_1Into(data []byte, dst []float32) {
	requireBlocks("q5_1", len(dst), BlockSize)
	for b := 0; b*BlockSize < len(dst); b++ {
		blk := data[b*q5_1BlockBytes:]
		out := dst[b*BlockSize:]
		d := getF16(blk[0:2])
		m := getF16(blk[2:4])
		qh := binary.LittleEndian.Uint32(blk[4:8])
		for j := 0; j < 16; j++ {
			v := blk[8+j]
			c0 := int(v&0x0F) | int(qh>>uint(j)&1)<<4
			c1 := int(v>>4) | int(qh>>uint(j+16)&1)<<4
			out[j] = d*float32(c0) + m
			out[j+16] = d*float32(c1) + m
		}
	}
}
