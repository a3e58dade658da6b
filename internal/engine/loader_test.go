package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/container"
)

func modelBytes(t *testing.T, m *Model, ct container.Type) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteModel(&buf, ct, m); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return buf.Bytes()
}

func sameLogits(t *testing.T, a, b *Model) {
	t.Helper()
	tokens := []int32{5, 1, 9}
	run := func(m *Model) []float32 {
		s, err := NewSession(m, testConfig(16))
		if err != nil {
			t.Fatalf("new session: %v", err)
		}
		logits, err := s.Evaluate(tokens, 1)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		return logits
	}
	la, lb := run(a), run(b)
	for i := range la {
		if la[i] != lb[i] {
			t.Fatalf("logit %d differs after round trip: %v vs %v", i, la[i], lb[i])
		}
	}
}

func TestLoadRoundTripOwned(t *testing.T) {
	m := buildTestModel(t)
	data := modelBytes(t, m, container.Type{Variant: container.Ggmf, Version: 1})

	loaded, err := Load(data)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Hparams != m.Hparams {
		t.Errorf("hyperparameters: got %+v, want %+v", loaded.Hparams, m.Hparams)
	}
	if len(loaded.Layers) != len(m.Layers) {
		t.Fatalf("layer count: got %d, want %d", len(loaded.Layers), len(m.Layers))
	}
	sameLogits(t, m, loaded)
}

func TestLoadRoundTripAligned(t *testing.T) {
	m := buildTestModel(t)
	data := modelBytes(t, m, container.Type{Variant: container.Ggjt, Version: 3})

	loaded, err := Load(data)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// Aligned containers view the file buffer in place.
	if !bytes.Equal(loaded.TokEmbeddings.Data(), m.TokEmbeddings.Data()) {
		t.Error("embedding bytes differ after aligned round trip")
	}
	sameLogits(t, m, loaded)
}

func TestLoadRejectsBadMagic(t *testing.T) {
	data := []byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0}
	_, err := Load(data)
	var bad container.ErrInvalidMagic
	if !errors.As(err, &bad) {
		t.Fatalf("got %v, want ErrInvalidMagic", err)
	}
}

func TestLoadRejectsTruncatedFile(t *testing.T) {
	m := buildTestModel(t)
	data := modelBytes(t, m, container.Type{Variant: container.Ggmf, Version: 1})

	for _, cut := range []int{6, 20, 40, len(data) / 2, len(data) - 1} {
		if _, err := Load(data[:cut]); err == nil {
			t.Errorf("no error for file truncated to %d bytes", cut)
		}
	}
}

func TestLoadRejectsUnknownTensorName(t *testing.T) {
	m := buildTestModel(t)
	data := modelBytes(t, m, container.Type{Variant: container.Ggmf, Version: 1})

	idx := bytes.Index(data, []byte("output_norm.weight"))
	if idx < 0 {
		t.Fatal("tensor name not found in serialized model")
	}
	mangled := append([]byte(nil), data...)
	copy(mangled[idx:], []byte("outpXt_norm.weight"))

	_, err := Load(mangled)
	var bad ErrBadTensor
	if !errors.As(err, &bad) {
		t.Fatalf("got %v, want ErrBadTensor", err)
	}
}

func TestLoadRejectsMissingTensor(t *testing.T) {
	m := buildTestModel(t)
	hp := m.Hparams
	hp.NLayer = 2 // file only carries one layer's tensors

	var buf bytes.Buffer
	if err := (container.Type{Variant: container.Ggmf, Version: 1}).Write(&buf); err != nil {
		t.Fatal(err)
	}
	if err := hp.Write(&buf); err != nil {
		t.Fatal(err)
	}
	single := modelBytes(t, m, container.Type{Variant: container.Ggmf, Version: 1})
	buf.Write(single[8+24:]) // tensor records from the one-layer file

	_, err := Load(buf.Bytes())
	var bad ErrBadTensor
	if !errors.As(err, &bad) {
		t.Fatalf("got %v, want ErrBadTensor", err)
	}
}

func TestLoadRejectsOversizedPayload(t *testing.T) {
	m := buildTestModel(t)
	data := modelBytes(t, m, container.Type{Variant: container.Ggmf, Version: 1})

	// Inflate the first tensor's first extent so its payload would run past
	// the end of the buffer.
	idx := bytes.Index(data, []byte("tok_embeddings.weight"))
	if idx < 0 {
		t.Fatal("tensor name not found")
	}
	neOff := idx - 8 // two uint32 extents precede the name
	mangled := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(mangled[neOff:], 1<<20)

	if _, err := Load(mangled); err == nil {
		t.Error("no error for oversized tensor payload")
	}
}

func TestLoadRejectsZeroExtent(t *testing.T) {
	m := buildTestModel(t)
	data := modelBytes(t, m, container.Type{Variant: container.Ggmf, Version: 1})

	// Zero the first tensor's first extent. The loader must report a format
	// error rather than divide by zero sizing the payload.
	idx := bytes.Index(data, []byte("tok_embeddings.weight"))
	if idx < 0 {
		t.Fatal("tensor name not found")
	}
	neOff := idx - 8 // two uint32 extents precede the name
	mangled := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(mangled[neOff:], 0)

	_, err := Load(mangled)
	var bad ErrBadTensor
	if !errors.As(err, &bad) {
		t.Fatalf("got %v, want ErrBadTensor", err)
	}
}

func TestLoadRejectsExtentOverflow(t *testing.T) {
	m := buildTestModel(t)
	data := modelBytes(t, m, container.Type{Variant: container.Ggmf, Version: 1})

	// Both extents at uint32 max would wrap the element-count product.
	idx := bytes.Index(data, []byte("tok_embeddings.weight"))
	if idx < 0 {
		t.Fatal("tensor name not found")
	}
	neOff := idx - 8
	mangled := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(mangled[neOff:], 0xffffffe0)
	binary.LittleEndian.PutUint32(mangled[neOff+4:], 0xffffffff)

	_, err := Load(mangled)
	var bad ErrBadTensor
	if !errors.As(err, &bad) {
		t.Fatalf("got %v, want ErrBadTensor", err)
	}
}
