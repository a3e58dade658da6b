package engine

import (
	"bytes"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

func TestHyperparametersRoundTrip(t *testing.T) {
	hp := Hyperparameters{
		NVocab:   32000,
		NEmbd:    4096,
		NMult:    256,
		NHead:    32,
		NLayer:   30,
		FileType: FileTypeQ4_0,
	}

	var buf bytes.Buffer
	if err := hp.Write(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.Len() != 24 {
		t.Fatalf("header length = %d, want 24", buf.Len())
	}

	got, err := ReadHyperparameters(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != hp {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, hp)
	}
}

func TestHyperparametersValidate(t *testing.T) {
	cases := []struct {
		name string
		hp   Hyperparameters
	}{
		{"zero vocab", Hyperparameters{NEmbd: 8, NHead: 2, NLayer: 1}},
		{"embd not divisible by heads", Hyperparameters{NVocab: 4, NEmbd: 10, NHead: 3, NLayer: 1}},
		{"unknown file type", Hyperparameters{NVocab: 4, NEmbd: 8, NHead: 2, NLayer: 1, FileType: 99}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.hp.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestHyperparametersTruncated(t *testing.T) {
	var buf bytes.Buffer
	hp := Hyperparameters{NVocab: 4, NEmbd: 8, NHead: 2, NLayer: 1}
	if err := hp.Write(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	short := bytes.NewReader(buf.Bytes()[:10])
	if _, err := ReadHyperparameters(short); err == nil {
		t.Error("expected error for truncated header")
	}
}

func TestFileTypeWeightDType(t *testing.T) {
	cases := []struct {
		ft   FileType
		want tensor.DType
	}{
		{FileTypeF32, tensor.F32},
		{FileTypeF16, tensor.F16},
		{FileTypeQ4_0, tensor.Q4_0},
		{FileTypeQ4_1, tensor.Q4_1},
	}
	for _, tc := range cases {
		got, err := tc.ft.WeightDType()
		if err != nil {
			t.Fatalf("%s: %v", tc.ft, err)
		}
		if got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.ft, got, tc.want)
		}
	}
	if _, err := FileType(42).WeightDType(); err == nil {
		t.Error("expected error for unknown file type")
	}
}
