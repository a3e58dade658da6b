package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/flightstore"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

var dtypeByName = map[string]tensor.DType{
	"q4_0": tensor.Q4_0,
	"q4_1": tensor.Q4_1,
	"q5_0": tensor.Q5_0,
	"q5_1": tensor.Q5_1,
	"q8_0": tensor.Q8_0,
	"q8_1": tensor.Q8_1,
	"i32":  tensor.I32,
	"f16":  tensor.F16,
	"f32":  tensor.F32,
	"q4_2": tensor.Q4_2,
}

// LoadFromStore assembles a model from a remote tensor store. The
// hyperparameters select which tensor names to fetch; payloads are copied
// into an owned weight arena. Like Load, failure never yields a usable
// partial model.
func LoadFromStore(ctx context.Context, st *flightstore.Store, hp Hyperparameters) (*Model, error) {
	if err := hp.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	m := &Model{
		Hparams: hp,
		Layers:  make([]Layer, hp.NLayer),
	}
	slots := m.tensorSlots()
	names := orderedSlotNames(m)

	fetched, err := st.FetchAll(ctx, names)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, td := range fetched {
		total += len(td.Data) + dataAlign
	}
	m.ctx = tensor.NewContext("weights", total)

	for _, name := range names {
		td := fetched[name]
		dt, ok := dtypeByName[td.DType]
		if !ok {
			return nil, ErrBadTensor{Name: name, Reason: fmt.Sprintf("unknown dtype %q", td.DType)}
		}
		if len(td.Dims) < 1 || len(td.Dims) > tensor.MaxDims {
			return nil, ErrBadTensor{Name: name, Reason: fmt.Sprintf("dimension count %d out of range", len(td.Dims))}
		}
		nelem := 1
		for i, d := range td.Dims {
			if d < 1 {
				return nil, ErrBadTensor{Name: name, Reason: fmt.Sprintf("extent ne[%d] = %d out of range", i, d)}
			}
			if nelem > maxTensorElems/d {
				return nil, ErrBadTensor{Name: name, Reason: "element count overflows"}
			}
			nelem *= d
		}
		if td.Dims[0]%dt.BlockSize() != 0 {
			return nil, ErrBadTensor{Name: name, Reason: fmt.Sprintf("row of %d elements not a whole number of %s blocks", td.Dims[0], dt)}
		}
		if want := nelem / td.Dims[0] * dt.RowSize(td.Dims[0]); len(td.Data) != want {
			return nil, ErrBadTensor{Name: name, Reason: fmt.Sprintf("payload is %d bytes, shape needs %d", len(td.Data), want)}
		}
		t, err := buildOwned(m.ctx, dt, td.Data, td.Dims)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		*slots[name] = t
	}

	logger.Log.Info("model loaded from tensor store",
		"tensors", len(names),
		"bytes", total,
		"duration", time.Since(start).String())
	metrics.RecordLoad(len(names), time.Since(start))
	return m, nil
}
