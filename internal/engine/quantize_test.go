package engine

import (
	"math"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/container"
	"github.com/23skdu/longbow-bodkin/internal/quant"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

func TestQuantizeImage(t *testing.T) {
	m := buildTestModel(t)
	src := modelBytes(t, m, container.Type{Variant: container.Ggmf, Version: 1})

	out, stats, err := QuantizeImage(src, tensor.Q4_0)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if stats.Tensors == 0 {
		t.Fatal("no tensors were converted")
	}
	if stats.OutBytes >= stats.InBytes {
		t.Errorf("quantized image (%d bytes) not smaller than source (%d bytes)", stats.OutBytes, stats.InBytes)
	}
	var histSum int64
	for _, h := range stats.Hist {
		histSum += h
	}
	if histSum != int64(stats.Elements) {
		t.Errorf("histogram sum %d != converted elements %d", histSum, stats.Elements)
	}

	loaded, err := Load(out)
	if err != nil {
		t.Fatalf("load quantized image: %v", err)
	}
	if loaded.Hparams.FileType != FileTypeQ4_0 {
		t.Errorf("file type = %s, want q4_0", loaded.Hparams.FileType)
	}
	if loaded.TokEmbeddings.DType() != tensor.Q4_0 {
		t.Errorf("embedding dtype = %s, want q4_0", loaded.TokEmbeddings.DType())
	}
	if loaded.Norm.DType() != tensor.F32 {
		t.Errorf("norm dtype = %s, want f32 (1-d tensors are not converted)", loaded.Norm.DType())
	}

	// Decoded weights stay within one quantization step of the originals.
	orig := m.TokEmbeddings.F32s()
	decoded := quant.DequantizeQ4_0(loaded.TokEmbeddings.Data(), len(orig))
	for b := 0; b < len(orig); b += quant.BlockSize {
		amax := 0.0
		for _, v := range orig[b : b+quant.BlockSize] {
			if a := math.Abs(float64(v)); a > amax {
				amax = a
			}
		}
		step := 2.1 * amax / 8
		for i, v := range orig[b : b+quant.BlockSize] {
			if math.Abs(float64(decoded[b+i])-float64(v)) > step {
				t.Fatalf("element %d decoded to %v, original %v, step bound %v", b+i, decoded[b+i], v, step)
			}
		}
	}

	// The quantized model still evaluates to finite logits.
	s, err := NewSession(loaded, testConfig(16))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	logits, err := s.Evaluate([]int32{1, 4, 2}, 2)
	if err != nil {
		t.Fatalf("evaluate quantized model: %v", err)
	}
	for i, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("logit %d is %v", i, v)
		}
	}
}

func TestQuantizeImageRejectsBadTargets(t *testing.T) {
	m := buildTestModel(t)
	src := modelBytes(t, m, container.Type{Variant: container.Ggmf, Version: 1})

	for _, dt := range []tensor.DType{tensor.F32, tensor.F16, tensor.I32, tensor.Q4_2} {
		if _, _, err := QuantizeImage(src, dt); err == nil {
			t.Errorf("no error quantizing to %s", dt)
		}
	}
}
