package engine

import (
	"errors"
	"math"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const (
	testVocab = 11
	testEmbd  = 32
	testHead  = 2
	testLayer = 1
)

// lcg is a tiny deterministic generator so test weights are stable across
// runs without hauling fixture files around.
type lcg struct{ state uint64 }

func (r *lcg) next() float32 {
	r.state = r.state*6364136223846793005 + 1442695040888963407
	return float32(int64(r.state>>33)%2001-1000) / 10000.0 // [-0.1, 0.1]
}

func (r *lcg) fill(t *tensor.Tensor) {
	vals := make([]float32, t.Nelements())
	for i := range vals {
		vals[i] = r.next()
	}
	t.LoadF32s(vals)
}

func buildTestModel(t *testing.T) *Model {
	t.Helper()
	hp := Hyperparameters{
		NVocab:   testVocab,
		NEmbd:    testEmbd,
		NMult:    2,
		NHead:    testHead,
		NLayer:   testLayer,
		FileType: FileTypeF32,
	}
	nFF := hp.NFF()

	ctx := tensor.NewContext("test-weights", 1<<22)
	r := &lcg{state: 42}

	m := &Model{
		Hparams:       hp,
		TokEmbeddings: ctx.NewTensor2D(tensor.F32, testEmbd, testVocab),
		Norm:          ctx.NewTensor1D(tensor.F32, testEmbd),
		NormB:         ctx.NewTensor1D(tensor.F32, testEmbd),
		OutputNorm:    ctx.NewTensor1D(tensor.F32, testEmbd),
		OutputNormB:   ctx.NewTensor1D(tensor.F32, testEmbd),
		Output:        ctx.NewTensor2D(tensor.F32, testEmbd, testVocab),
		Layers:        make([]Layer, testLayer),
		ctx:           ctx,
	}
	for i := range m.Layers {
		m.Layers[i] = Layer{
			AttentionNorm:  ctx.NewTensor1D(tensor.F32, testEmbd),
			AttentionNormB: ctx.NewTensor1D(tensor.F32, testEmbd),
			QueryKeyValue:  ctx.NewTensor2D(tensor.F32, testEmbd, 3*testEmbd),
			QueryKeyValueB: ctx.NewTensor1D(tensor.F32, 3*testEmbd),
			Wo:             ctx.NewTensor2D(tensor.F32, testEmbd, testEmbd),
			WoB:            ctx.NewTensor1D(tensor.F32, testEmbd),
			FFNNorm:        ctx.NewTensor1D(tensor.F32, testEmbd),
			FFNNormB:       ctx.NewTensor1D(tensor.F32, testEmbd),
			W1:             ctx.NewTensor2D(tensor.F32, testEmbd, nFF),
			W1B:            ctx.NewTensor1D(tensor.F32, nFF),
			W2:             ctx.NewTensor2D(tensor.F32, nFF, testEmbd),
			W2B:            ctx.NewTensor1D(tensor.F32, testEmbd),
		}
	}
	for _, name := range orderedSlotNames(m) {
		r.fill(*m.tensorSlots()[name])
	}
	return m
}

func testConfig(nCtx int) config.Config {
	cfg := config.Default()
	cfg.ContextLength = nCtx
	cfg.StepArenaBytes = 1 << 22
	cfg.ScratchBytes = 1 << 22
	return cfg
}

func TestEvaluateLogitsShape(t *testing.T) {
	m := buildTestModel(t)
	s, err := NewSession(m, testConfig(16))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	logits, err := s.Evaluate([]int32{1, 2, 3}, 1)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(logits) != testVocab {
		t.Fatalf("got %d logits, want %d", len(logits), testVocab)
	}
	if s.NPast() != 3 {
		t.Errorf("NPast = %d, want 3", s.NPast())
	}
	for i, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("logit %d is %v", i, v)
		}
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	m := buildTestModel(t)
	tokens := []int32{4, 7, 1}

	run := func() []float32 {
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

	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("logit %d differs between identical runs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestEvaluateThreadCountInvariant(t *testing.T) {
	m := buildTestModel(t)
	tokens := []int32{2, 9, 5, 0}

	run := func(threads int) []float32 {
		s, err := NewSession(m, testConfig(16))
		if err != nil {
			t.Fatalf("new session: %v", err)
		}
		logits, err := s.Evaluate(tokens, threads)
		if err != nil {
			t.Fatalf("evaluate with %d threads: %v", threads, err)
		}
		return logits
	}

	serial, parallel := run(1), run(4)
	for i := range serial {
		if serial[i] != parallel[i] {
			t.Fatalf("logit %d differs by thread count: %v vs %v", i, serial[i], parallel[i])
		}
	}
}

// Incremental decoding through the KV cache must produce the same final
// logits as evaluating the whole sequence at once.
func TestIncrementalMatchesBatch(t *testing.T) {
	m := buildTestModel(t)
	tokens := []int32{3, 8, 2, 6}

	batch, err := func() ([]float32, error) {
		s, err := NewSession(m, testConfig(16))
		if err != nil {
			return nil, err
		}
		return s.Evaluate(tokens, 1)
	}()
	if err != nil {
		t.Fatalf("batch evaluate: %v", err)
	}

	s, err := NewSession(m, testConfig(16))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	var last []float32
	for _, tok := range tokens {
		last, err = s.Evaluate([]int32{tok}, 1)
		if err != nil {
			t.Fatalf("incremental evaluate: %v", err)
		}
	}

	for i := range batch {
		if !almostEqualF32(batch[i], last[i], 1e-4) {
			t.Fatalf("logit %d: batch %v vs incremental %v", i, batch[i], last[i])
		}
	}
}

func TestContextOverflowLeavesSessionIntact(t *testing.T) {
	m := buildTestModel(t)
	s, err := NewSession(m, testConfig(4))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	if _, err := s.Evaluate([]int32{1, 2, 3}, 1); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	kBefore := append([]byte(nil), s.memoryK.Data()...)
	overflowsBefore := testutil.ToFloat64(metrics.KVCacheOverflows)

	_, err = s.Evaluate([]int32{4, 5}, 1)
	var full ErrContextFull
	if !errors.As(err, &full) {
		t.Fatalf("got %v, want ErrContextFull", err)
	}
	if got := testutil.ToFloat64(metrics.KVCacheOverflows); got != overflowsBefore+1 {
		t.Errorf("overflow counter = %v, want %v", got, overflowsBefore+1)
	}
	if full.NPast != 3 || full.NTokens != 2 || full.NCtx != 4 {
		t.Errorf("error fields = %+v", full)
	}
	if s.NPast() != 3 {
		t.Errorf("NPast mutated to %d on failed evaluate", s.NPast())
	}
	for i, b := range s.memoryK.Data() {
		if b != kBefore[i] {
			t.Fatal("key cache mutated on failed evaluate")
		}
	}

	// A fitting batch still works afterwards.
	if _, err := s.Evaluate([]int32{4}, 1); err != nil {
		t.Fatalf("evaluate after overflow: %v", err)
	}
	if s.NPast() != 4 {
		t.Errorf("NPast = %d, want 4", s.NPast())
	}
}

func TestStepArenaExhaustionIsTypedError(t *testing.T) {
	m := buildTestModel(t)
	cfg := testConfig(16)
	cfg.StepArenaBytes = 256
	s, err := NewSession(m, cfg)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	_, err = s.Evaluate([]int32{1, 2}, 1)
	var exhausted tensor.ErrArenaExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("got %v, want ErrArenaExhausted", err)
	}
	if s.NPast() != 0 {
		t.Errorf("NPast mutated to %d on failed evaluate", s.NPast())
	}
}

func TestEvaluateRejectsBadTokens(t *testing.T) {
	m := buildTestModel(t)
	s, err := NewSession(m, testConfig(16))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := s.Evaluate(nil, 1); err == nil {
		t.Error("expected error for empty token slice")
	}
	if _, err := s.Evaluate([]int32{testVocab}, 1); err == nil {
		t.Error("expected error for out-of-vocabulary token")
	}
	if s.NPast() != 0 {
		t.Errorf("NPast = %d after rejected calls", s.NPast())
	}
}

func almostEqualF32(a, b float32, tol float64) bool {
	return math.Abs(float64(a-b)) <= tol
}
