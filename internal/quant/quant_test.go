package quant

import (
	"bytes"
	"math"
	"math/rand"
	"testing"
)

type testCodec struct {
	name     string
	quantize func(src []float32, n, rowLen int) Result
	decode   func(data []byte, n int) []float32
	// step returns the worst-case reconstruction error for a block with
	// the given scale magnitude.
	maxLevels float32
}

func testCodecs() []testCodec {
	return []testCodec{
		{"q4_0", QuantizeQ4_0, DequantizeQ4_0, 8},
		{"q4_1", QuantizeQ4_1, DequantizeQ4_1, 15},
		{"q5_0", QuantizeQ5_0, DequantizeQ5_0, 16},
		{"q5_1", QuantizeQ5_1, DequantizeQ5_1, 31},
		{"q8_0", QuantizeQ8_0, DequantizeQ8_0, 127},
		{"q8_1", QuantizeQ8_1, DequantizeQ8_1, 127},
	}
}

func TestRoundTripBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const n = 256

	src := make([]float32, n)
	for i := range src {
		src[i] = float32(rng.NormFloat64())
	}

	for _, c := range testCodecs() {
		t.Run(c.name, func(t *testing.T) {
			res := c.quantize(src, n, BlockSize)
			got := c.decode(res.Output, n)

			for b := 0; b < n/BlockSize; b++ {
				block := src[b*BlockSize : (b+1)*BlockSize]
				var amax float64
				for _, v := range block {
					if a := math.Abs(float64(v)); a > amax {
						amax = a
					}
				}
				// one quantization step of this block's scale,
				// padded for f16 scale rounding
				step := 2.1 * amax / float64(c.maxLevels)
				for j, want := range block {
					diff := math.Abs(float64(got[b*BlockSize+j] - want))
					if diff > step {
						t.Errorf("block %d elem %d: |%v - %v| = %v exceeds step %v",
							b, j, got[b*BlockSize+j], want, diff, step)
					}
				}
			}
		})
	}
}

func TestDecodeDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	src := make([]float32, 64)
	for i := range src {
		src[i] = float32(rng.Float64()*4 - 2)
	}

	for _, c := range testCodecs() {
		t.Run(c.name, func(t *testing.T) {
			res := c.quantize(src, 64, 32)
			first := c.decode(res.Output, 64)
			second := c.decode(res.Output, 64)
			for i := range first {
				if first[i] != second[i] {
					t.Fatalf("elem %d: decode not deterministic: %v vs %v", i, first[i], second[i])
				}
			}
		})
	}
}

func TestAllZerosQ4_0(t *testing.T) {
	src := make([]float32, 64)
	res := QuantizeQ4_0(src, 64, 32)

	if want := 2 * q4_0BlockBytes; len(res.Output) != want {
		t.Fatalf("expected %d output bytes, got %d", want, len(res.Output))
	}
	for b := 0; b < 2; b++ {
		blk := res.Output[b*q4_0BlockBytes : (b+1)*q4_0BlockBytes]
		if getF16(blk[0:2]) != 0 {
			t.Errorf("block %d: expected zero scale, got %v", b, getF16(blk[0:2]))
		}
		if !bytes.Equal(blk[2:], make([]byte, 16)) {
			t.Errorf("block %d: expected all-zero codes, got %x", b, blk[2:])
		}
	}

	for i, v := range DequantizeQ4_0(res.Output, 64) {
		if v != 0 {
			t.Errorf("elem %d: expected exact zero, got %v", i, v)
		}
	}
	if res.Hist[0] != 64 {
		t.Errorf("expected all 64 elements in hist bucket 0, got %d", res.Hist[0])
	}
}

func TestHistogramCounts(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	src := make([]float32, 128)
	for i := range src {
		src[i] = float32(rng.NormFloat64())
	}

	for _, c := range testCodecs() {
		t.Run(c.name, func(t *testing.T) {
			res := c.quantize(src, 128, 32)
			var total int64
			for _, n := range res.Hist {
				total += n
			}
			if total != 128 {
				t.Errorf("histogram tallies %d elements, want 128", total)
			}
		})
	}
}

func TestOutputTrimmed(t *testing.T) {
	src := make([]float32, 32)
	sizes := map[string]int{
		"q4_0": q4_0BlockBytes,
		"q4_1": q4_1BlockBytes,
		"q5_0": q5_0BlockBytes,
		"q5_1": q5_1BlockBytes,
		"q8_0": q8_0BlockBytes,
		"q8_1": q8_1BlockBytes,
	}
	for _, c := range testCodecs() {
		res := c.quantize(src, 32, 32)
		if len(res.Output) != sizes[c.name] {
			t.Errorf("%s: one block should emit %d bytes, got %d", c.name, sizes[c.name], len(res.Output))
		}
	}
}

func TestPartialRowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for nElements not divisible by rowLen")
		}
	}()
	QuantizeQ4_0(make([]float32, 48), 48, 32)
}

func TestLegacyQ4_2Decode(t *testing.T) {
	// One hand-built block: scale 1.0, codes 0..15 -> values -8..7.
	blk := make([]byte, q4_2BlockBytes)
	putF16(blk[0:2], 1.0)
	for j := 0; j < 8; j++ {
		blk[2+j] = byte(j) | byte(j+8)<<4
	}

	got := DequantizeQ4_2(blk, 16)
	for j := 0; j < 8; j++ {
		if want := float32(j - 8); got[j] != want {
			t.Errorf("elem %d: got %v, want %v", j, got[j], want)
		}
		if want := float32(j); got[j+8] != want {
			t.Errorf("elem %d: got %v, want %v", j+8, got[j+8], want)
		}
	}
}
