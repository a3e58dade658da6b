package quant

// Codec bundles one block format's encoder and decoder, keyed by the dtype
// name used in tensor metadata.
type Codec struct {
	Name       string
	BlockSize  int
	BlockBytes int

	// Quantize encodes src (nElements floats in rows of rowLen). Nil for
	// decode-only legacy formats.
	Quantize func(src []float32, nElements, rowLen int) Result

	// DequantizeInto decodes data into dst, whose length selects the
	// element count.
	DequantizeInto func(data []byte, dst []float32)
}

var codecs = map[string]Codec{
	"q4_0": {"q4_0", BlockSize, 18, QuantizeQ4_0, DequantizeQ4_0Into},
	"q4_1": {"q4_1", BlockSize, 20, QuantizeQ4_1, DequantizeQ4_1Into},
	"q5_0": {"q5_0", BlockSize, 22, QuantizeQ5_0, DequantizeQ5_0Into},
	"q5_1": {"q5_1", BlockSize, 24, QuantizeQ5_1, DequantizeQ5_1Into},
	"q8_0": {"q8_0", BlockSize, 34, QuantizeQ8_0, DequantizeQ8_0Into},
	"q8_1": {"q8_1", BlockSize, 40, QuantizeQ8_1, DequantizeQ8_1Into},
	"q4_2": {"q4_2", BlockSizeQ4_2, 10, nil, DequantizeQ4_2Into},
}

// Lookup returns the codec for a dtype name.
func Lookup(name string) (Codec, bool) {
	c, ok := codecs[name]
	return c, ok
}
