package engine

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Layer holds one transformer block's weights. Attention projections are
// fused: QueryKeyValue maps n_embd to 3*n_embd and is split by views at
// evaluation time.
type Layer struct {
	AttentionNorm  *tensor.Tensor
	AttentionNormB *tensor.Tensor

	QueryKeyValue  *tensor.Tensor
	QueryKeyValueB *tensor.Tensor
	Wo             *tensor.Tensor
	WoB            *tensor.Tensor

	FFNNorm  *tensor.Tensor
	FFNNormB *tensor.Tensor
	W1       *tensor.Tensor
	W1B      *tensor.Tensor
	W2       *tensor.Tensor
	W2B      *tensor.Tensor
}

// Model is a loaded transformer with all weights resident in a single
// long-lived arena. It is immutable after loading and safe to share between
// sessions.
type Model struct {
	Hparams Hyperparameters

	TokEmbeddings *tensor.Tensor
	Norm          *tensor.Tensor
	NormB         *tensor.Tensor
	OutputNorm    *tensor.Tensor
	OutputNormB   *tensor.Tensor
	Output        *tensor.Tensor
	Layers        []Layer

	ctx    *tensor.Context
	mapped []byte
}

// tensorSlots maps on-disk tensor names to their destination fields. The
// loader fails when a name is unknown or a slot is left unfilled.
func (m *Model) tensorSlots() map[string]**tensor.Tensor {
	slots := map[string]**tensor.Tensor{
		"tok_embeddings.weight": &m.TokEmbeddings,
		"norm.weight":           &m.Norm,
		"norm.bias":             &m.NormB,
		"output_norm.weight":    &m.OutputNorm,
		"output_norm.bias":      &m.OutputNormB,
		"output.weight":         &m.Output,
	}
	for i := range m.Layers {
		l := &m.Layers[i]
		prefix := fmt.Sprintf("layers.%d.", i)
		slots[prefix+"attention_norm.weight"] = &l.AttentionNorm
		slots[prefix+"attention_norm.bias"] = &l.AttentionNormB
		slots[prefix+"attention.query_key_value.weight"] = &l.QueryKeyValue
		slots[prefix+"attention.query_key_value.bias"] = &l.QueryKeyValueB
		slots[prefix+"attention.wo.weight"] = &l.Wo
		slots[prefix+"attention.wo.bias"] = &l.WoB
		slots[prefix+"ffn_norm.weight"] = &l.FFNNorm
		slots[prefix+"ffn_norm.bias"] = &l.FFNNormB
		slots[prefix+"feed_forward.w1.weight"] = &l.W1
		slots[prefix+"feed_forward.w1.bias"] = &l.W1B
		slots[prefix+"feed_forward.w2.weight"] = &l.W2
		slots[prefix+"feed_forward.w2.bias"] = &l.W2B
	}
	return slots
}
