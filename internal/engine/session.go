package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

const alibiBiasMax = 8.0

// ErrContextFull is returned when an Evaluate call would push the KV cache
// past the session's context window. The session is left untouched.
type ErrContextFull struct {
	NPast   int
	NTokens int
	NCtx    int
}

func (e ErrContextFull) Error() string {
	return fmt.Sprintf("context window full: %d cached + %d new tokens exceeds %d", e.NPast, e.NTokens, e.NCtx)
}

// Session holds the mutable inference state for one token stream over a
// shared Model: the KV cache and the position cursor. Sessions are not safe
// for concurrent use; run independent streams on independent sessions.
type Session struct {
	model *Model
	nCtx  int
	nPast int

	memoryK *tensor.Tensor
	memoryV *tensor.Tensor

	stepBytes int
	scratch   *tensor.Buffer
}

// NewSession allocates KV cache storage for cfg.ContextLength positions.
func NewSession(m *Model, cfg config.Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nCtx := cfg.ContextLength
	nEmbd := int(m.Hparams.NEmbd)
	nLayer := int(m.Hparams.NLayer)

	nMem := nLayer * nCtx * nEmbd
	cacheBytes := 2 * (nMem*tensor.F32.TypeSize() + 64)

	stepBytes := cfg.StepArenaBytes
	if stepBytes == 0 {
		// enough for the per-token activations of a full-window batch
		stepBytes = 64*nCtx*nEmbd*tensor.F32.TypeSize() + (16 << 20)
	}

	kvCtx := tensor.NewContext("kv", cacheBytes)
	s := &Session{
		model:     m,
		nCtx:      nCtx,
		stepBytes: stepBytes,
	}
	if cfg.ScratchBytes > 0 {
		s.scratch = tensor.NewBuffer(cfg.ScratchBytes)
	}

	var err error
	func() {
		defer tensor.Recover(&err)
		s.memoryK = kvCtx.NewTensor1D(tensor.F32, nMem)
		s.memoryV = kvCtx.NewTensor1D(tensor.F32, nMem)
	}()
	if err != nil {
		return nil, err
	}

	logger.Log.Debug("session created",
		"n_ctx", nCtx,
		"kv_bytes", s.memoryK.Nbytes()+s.memoryV.Nbytes())
	metrics.RecordKVCache(0, int64(s.memoryK.Nbytes()+s.memoryV.Nbytes()))
	return s, nil
}

// NPast returns the number of positions already cached.
func (s *Session) NPast() int { return s.nPast }

// NCtx returns the session's context window length.
func (s *Session) NCtx() int { return s.nCtx }

// Evaluate runs the forward pass over tokens, appending their keys and
// values to the cache, and returns the logits for the final token. On error
// the cursor and cache are unchanged; capacity failures surface as typed
// errors, shape violations panic.
func (s *Session) Evaluate(tokens []int32, nThreads int) (logits []float32, err error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("no tokens to evaluate")
	}
	n := len(tokens)
	if s.nPast+n > s.nCtx {
		metrics.KVCacheOverflows.Inc()
		return nil, ErrContextFull{NPast: s.nPast, NTokens: n, NCtx: s.nCtx}
	}

	defer tensor.Recover(&err)
	start := time.Now()

	hp := s.model.Hparams
	nEmbd := int(hp.NEmbd)
	nHead := int(hp.NHead)
	nLayer := int(hp.NLayer)
	nVocab := int(hp.NVocab)
	nPast := s.nPast

	if s.scratch != nil {
		s.scratch.Reset()
	}
	ctx0 := tensor.NewContext("step", s.stepBytes)
	gf := tensor.NewGraph(nThreads)

	embd := ctx0.NewTensor1D(tensor.I32, n)
	for i, tok := range tokens {
		if tok < 0 || int(tok) >= nVocab {
			return nil, fmt.Errorf("token %d out of vocabulary range [0,%d)", tok, nVocab)
		}
		embd.SetI32(i, tok)
	}

	inputLayer := ctx0.GetRows(s.model.TokEmbeddings, embd)

	// word embeddings norm
	inputLayer = ctx0.Norm(inputLayer)
	inputLayer = ctx0.Mul(ctx0.Repeat(s.model.Norm, inputLayer), inputLayer)
	inputLayer = ctx0.Add(ctx0.Repeat(s.model.NormB, inputLayer), inputLayer)

	elSize := s.memoryK.ElementSize()

	for il := 0; il < nLayer; il++ {
		layer := &s.model.Layers[il]
		inputSelfAttention := inputLayer.Share()

		prev := ctx0.UseScratch(s.scratch)

		cur := ctx0.Norm(inputLayer)
		cur = ctx0.Mul(ctx0.Repeat(layer.AttentionNorm, cur), cur)
		cur = ctx0.Add(ctx0.Repeat(layer.AttentionNormB, cur), cur)

		// fused qkv projection
		cur = ctx0.MulMat(layer.QueryKeyValue, cur)
		cur = ctx0.Add(ctx0.Repeat(layer.QueryKeyValueB, cur), cur)

		// split the fused rows into q, k, v column bands
		nb1 := cur.NB(1)
		qCur := ctx0.View2D(cur, nEmbd, n, nb1, 0)
		kCur := ctx0.View2D(cur, nEmbd, n, nb1, 4*nEmbd)
		vCur := ctx0.View2D(cur, nEmbd, n, nb1, 8*nEmbd)

		// append k and v for these positions to the cache
		kCache := ctx0.View1D(s.memoryK, n*nEmbd, elSize*nEmbd*(il*s.nCtx+nPast))
		vCache := ctx0.View1D(s.memoryV, n*nEmbd, elSize*nEmbd*(il*s.nCtx+nPast))
		gf.BuildForwardExpand(ctx0.Cpy(kCur, kCache))
		gf.BuildForwardExpand(ctx0.Cpy(vCur, vCache))

		q := ctx0.Permute(
			ctx0.Cpy(qCur, ctx0.NewTensor3D(tensor.F32, nEmbd/nHead, nHead, n)),
			0, 2, 1, 3)

		k := ctx0.Permute(
			ctx0.Reshape3D(
				ctx0.View1D(s.memoryK, (nPast+n)*nEmbd, il*s.nCtx*elSize*nEmbd),
				nEmbd/nHead, nHead, nPast+n),
			0, 2, 1, 3)

		kq := ctx0.MulMat(k, q)
		kqScaled := ctx0.Scale(kq, ctx0.NewF32(1.0/float32(math.Sqrt(float64(nEmbd/nHead)))))
		kqAlibi := ctx0.Alibi(kqScaled, nPast, nHead, alibiBiasMax)
		kqMasked := ctx0.DiagMaskInf(kqAlibi, nPast)
		kqSoftMax := ctx0.SoftMax(kqMasked)

		vTrans := ctx0.Cpy(
			ctx0.Permute(
				ctx0.Reshape3D(
					ctx0.View1D(s.memoryV, (nPast+n)*nEmbd, il*s.nCtx*elSize*nEmbd),
					nEmbd/nHead, nHead, nPast+n),
				1, 2, 0, 3),
			ctx0.NewTensor3D(tensor.F32, nPast+n, nEmbd/nHead, nHead))

		kqv := ctx0.MulMat(vTrans, kqSoftMax)
		kqvMerged := ctx0.Permute(kqv, 0, 2, 1, 3)
		cur = ctx0.Cpy(kqvMerged, ctx0.NewTensor2D(tensor.F32, nEmbd, n))

		// output projection
		cur = ctx0.MulMat(layer.Wo, cur)
		cur = ctx0.Add(ctx0.Repeat(layer.WoB, cur), cur)

		inputFeedForward := ctx0.Add(cur, inputSelfAttention)

		// feed-forward network
		cur = ctx0.Norm(inputFeedForward)
		cur = ctx0.Mul(ctx0.Repeat(layer.FFNNorm, cur), cur)
		cur = ctx0.Add(ctx0.Repeat(layer.FFNNormB, cur), cur)

		cur = ctx0.MulMat(layer.W1, cur)
		cur = ctx0.Add(ctx0.Repeat(layer.W1B, cur), cur)
		cur = ctx0.Gelu(cur)
		cur = ctx0.MulMat(layer.W2, cur)
		cur = ctx0.Add(ctx0.Repeat(layer.W2B, cur), cur)

		inputLayer = ctx0.Add(cur, inputFeedForward)

		ctx0.UseScratch(prev)
	}

	// final norm
	inputLayer = ctx0.Norm(inputLayer)
	inputLayer = ctx0.Mul(ctx0.Repeat(s.model.OutputNorm, inputLayer), inputLayer)
	inputLayer = ctx0.Add(ctx0.Repeat(s.model.OutputNormB, inputLayer), inputLayer)

	// lm_head
	inputLayer = ctx0.MulMat(s.model.Output, inputLayer)

	gf.BuildForwardExpand(inputLayer)
	tensor.Compute(gf)

	all := inputLayer.F32s()
	logits = make([]float32, nVocab)
	copy(logits, all[(n-1)*nVocab:n*nVocab])

	s.nPast += n
	metrics.RecordEvaluate(n, time.Since(start))
	metrics.RecordKVCache(s.nPast, int64(s.memoryK.Nbytes()+s.memoryV.Nbytes()))
	logger.Log.Debug("evaluated tokens",
		"tokens", n,
		"n_past", s.nPast,
		"graph_nodes", len(gf.Nodes),
		"duration", time.Since(start).String())
	return logits, nil
}
