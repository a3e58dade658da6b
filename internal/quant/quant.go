// Package quant implements the block quantization codecs: lossy encoders and
// decoders between float32 arrays and compact fixed-point block formats.
//
// Every format partitions the input into fixed-size blocks (32 elements, 16
// for the legacy q4_2) and stores a per-block scale (plus a bias for the
// asymmetric _1 variants) followed by packed low-bit codes. Encoders also
// tally a 16-bucket histogram of emitted code levels for calibration
// diagnostics; it has no effect on correctness.
package quant

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// BlockSize is the number of elements per block for all current formats.
const BlockSize = 32

// BlockSizeQ4_2 is the legacy q4_2 block size.
const BlockSizeQ4_2 = 16

// HistogramLen is the number of code-level buckets an encoder reports.
const HistogramLen = 16

// Result holds an encoder's output: the concatenated encoded blocks and the
// code-level histogram.
type Result struct {
	Output []byte
	Hist   [HistogramLen]int64
}

// checkQuantizeArgs enforces the shared encoder contract: the element count
// must match the input and divide into whole rows, and rows into whole
// blocks. Violations are programming errors and panic.
func checkQuantizeArgs(name string, src []float32, nElements, rowLen, blockSize int) {
	if len(src) != nElements {
		panic(fmt.Sprintf("quant: %s given %d floats but nElements=%d", name, len(src), nElements))
	}
	if rowLen <= 0 || nElements%rowLen != 0 {
		panic(fmt.Sprintf("quant: %s nElements=%d not divisible by rowLen=%d", name, nElements, rowLen))
	}
	if rowLen%blockSize != 0 {
		panic(fmt.Sprintf("quant: %s rowLen=%d not a whole number of %d-element blocks", name, rowLen, blockSize))
	}
}

// outputBuf allocates the conservative encode buffer (4 bytes per element,
// always at least 4x the final encoded size) that is trimmed to the emitted
// length afterwards.
func outputBuf(nElements int) []byte {
	return make([]byte, nElements*4)
}

func f16bits(v float32) uint16 { return float16.Fromfloat32(v).Bits() }

func f16val(bits uint16) float32 { return float16.Frombits(bits).Float32() }

func putF16(b []byte, v float32) { binary.LittleEndian.PutUint16(b, f16bits(v)) }

func getF16(b []byte) float32 { return f16val(binary.LittleEndian.Uint16(b)) }

func putF32(b []byte, v float32) { binary.LittleEndian.PutUint32(b, math.Float32bits(v)) }

func getF32(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }

// absMax returns the value of largest magnitude (sign preserved).
func absMax(block []float32) float32 {
	var maxv, maxAbs float32
	for _, v := range block {
		a := v
		if a < 0 {
			a = -a
		}
		if a > maxAbs {
			maxAbs = a
			maxv = v
		}
	}
	return maxv
}

func minMax(block []float32) (minv, maxv float32) {
	minv, maxv = block[0], block[0]
	for _, v := range block[1:] {
		if v < minv {
			minv = v
		}
		if v > maxv {
			maxv = v
		}
	}
	return minv, maxv
}

// requireBlocks panics unless n elements form whole blocks; a partial final
// block cannot be represented.
func requireBlocks(name string, n, blockSize int) {
	if n%blockSize != 0 {
		panic(fmt.Sprintf("quant: %s length %d is not a whole number of %d-element blocks", name, n, blockSize))
	}
}

func clampCode(v float32, max int) int {
	c := int(v)
	if c < 0 {
		c = 0
	}
	if c > max {
		c = max
	}
	return c
}
