package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/container"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// On-disk tensor dtype codes. The numbering has gaps where retired formats
// used to live; q4_2 decodes but is never written.
const (
	wireF32  = 0
	wireF16  = 1
	wireQ4_0 = 2
	wireQ4_1 = 3
	wireQ4_2 = 4
	wireQ5_0 = 6
	wireQ5_1 = 7
	wireQ8_0 = 8
	wireQ8_1 = 9
	wireI32  = 18
)

var wireToDType = map[uint32]tensor.DType{
	wireF32:  tensor.F32,
	wireF16:  tensor.F16,
	wireQ4_0: tensor.Q4_0,
	wireQ4_1: tensor.Q4_1,
	wireQ4_2: tensor.Q4_2,
	wireQ5_0: tensor.Q5_0,
	wireQ5_1: tensor.Q5_1,
	wireQ8_0: tensor.Q8_0,
	wireQ8_1: tensor.Q8_1,
	wireI32:  tensor.I32,
}

var dtypeToWire = map[tensor.DType]uint32{
	tensor.F32:  wireF32,
	tensor.F16:  wireF16,
	tensor.Q4_0: wireQ4_0,
	tensor.Q4_1: wireQ4_1,
	tensor.Q5_0: wireQ5_0,
	tensor.Q5_1: wireQ5_1,
	tensor.Q8_0: wireQ8_0,
	tensor.Q8_1: wireQ8_1,
	tensor.I32:  wireI32,
}

// ErrBadTensor describes a malformed tensor entry in a model file.
type ErrBadTensor struct {
	Name   string
	Reason string
}

func (e ErrBadTensor) Error() string {
	return fmt.Sprintf("tensor %q: %s", e.Name, e.Reason)
}

const (
	dataAlign = 32

	// maxTensorElems caps the product of a record's extents so hostile
	// headers cannot wrap the size arithmetic.
	maxTensorElems = 1 << 40
)

// tensorEntry is one parsed tensor record: metadata plus the byte range of
// its payload within the file buffer.
type tensorEntry struct {
	name  string
	dtype tensor.DType
	ne    []int
	off   int
	size  int
}

// LoadFile loads a model from disk. Files in the mmap-capable container
// variant are memory mapped and their weights alias the mapping; all other
// variants are read into an owned buffer.
func LoadFile(path string) (*Model, error) {
	start := time.Now()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	// Sniff the framing to decide between mmap and an owned read. Load
	// re-parses the framing from the start of the buffer.
	var prefix [8]byte
	if _, err := io.ReadFull(f, prefix[:]); err != nil {
		return nil, fmt.Errorf("reading container header: %w", err)
	}
	ct, err := container.Read(bytes.NewReader(prefix[:]))
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var data []byte
	mapped := false
	if ct.SupportsMmap() {
		data, err = syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("mmap failed: %w", err)
		}
		mapped = true
	} else {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		data = make([]byte, info.Size())
		if _, err := io.ReadFull(f, data); err != nil {
			return nil, err
		}
	}

	m, err := Load(data)
	if err != nil {
		if mapped {
			_ = syscall.Munmap(data)
		}
		return nil, err
	}
	if mapped {
		m.mapped = data
	}

	logger.Log.Info("model loaded",
		"path", path,
		"container", ct.Variant.String(),
		"mmap", mapped,
		"layers", m.Hparams.NLayer,
		"file_type", m.Hparams.FileType.String(),
		"duration", time.Since(start).String())
	metrics.RecordLoad(len(m.Layers)*12+6, time.Since(start))
	return m, nil
}

// Load parses a model from an in-memory file image. Weights for mmap-capable
// containers alias data directly; other containers get an owned copy. On any
// error no partially built model escapes.
func Load(data []byte) (*Model, error) {
	r := bytes.NewReader(data)

	ct, err := container.Read(r)
	if err != nil {
		return nil, err
	}

	hp, err := ReadHyperparameters(r)
	if err != nil {
		return nil, err
	}

	headerLen := len(data) - r.Len()
	entries, err := scanTensors(data, headerLen, ct)
	if err != nil {
		return nil, err
	}

	m := &Model{
		Hparams: hp,
		Layers:  make([]Layer, hp.NLayer),
	}
	slots := m.tensorSlots()

	if ct.SupportsMmap() {
		m.ctx = tensor.FromBytes("weights", data)
	} else {
		total := 0
		for _, e := range entries {
			total += e.size + dataAlign
		}
		m.ctx = tensor.NewContext("weights", total)
	}

	for _, e := range entries {
		slot, ok := slots[e.name]
		if !ok {
			return nil, ErrBadTensor{Name: e.name, Reason: "unknown tensor name"}
		}
		if *slot != nil {
			return nil, ErrBadTensor{Name: e.name, Reason: "duplicate tensor"}
		}

		payload := data[e.off : e.off+e.size]
		var t *tensor.Tensor
		if ct.SupportsMmap() {
			t, err = buildView(m.ctx, e.dtype, payload, e.ne)
		} else {
			t, err = buildOwned(m.ctx, e.dtype, payload, e.ne)
		}
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", e.name, err)
		}
		*slot = t
	}

	for name, slot := range slots {
		if *slot == nil {
			return nil, ErrBadTensor{Name: name, Reason: "missing from file"}
		}
	}
	return m, nil
}

// scanTensors walks the tensor records that follow the header and returns
// their metadata with payload byte ranges, validating every span against the
// buffer before anything is built.
func scanTensors(data []byte, offset int, ct container.Type) ([]tensorEntry, error) {
	var entries []tensorEntry
	for offset < len(data) {
		if offset+12 > len(data) {
			return nil, io.ErrUnexpectedEOF
		}
		nDims := int(binary.LittleEndian.Uint32(data[offset:]))
		nameLen := int(binary.LittleEndian.Uint32(data[offset+4:]))
		wire := binary.LittleEndian.Uint32(data[offset+8:])
		offset += 12

		if nDims < 1 || nDims > tensor.MaxDims {
			return nil, ErrBadTensor{Reason: fmt.Sprintf("dimension count %d out of range", nDims)}
		}
		dt, ok := wireToDType[wire]
		if !ok {
			return nil, ErrBadTensor{Reason: fmt.Sprintf("unknown dtype code %d", wire)}
		}

		if offset+4*nDims+nameLen > len(data) {
			return nil, io.ErrUnexpectedEOF
		}
		ne := make([]int, nDims)
		for i := range ne {
			ne[i] = int(binary.LittleEndian.Uint32(data[offset:]))
			offset += 4
		}
		name := string(data[offset : offset+nameLen])
		offset += nameLen

		if ct.SupportsMmap() {
			offset = (offset + dataAlign - 1) &^ (dataAlign - 1)
		}

		nelem := 1
		for i, n := range ne {
			if n < 1 {
				return nil, ErrBadTensor{Name: name, Reason: fmt.Sprintf("extent ne[%d] = %d out of range", i, n)}
			}
			if nelem > maxTensorElems/n {
				return nil, ErrBadTensor{Name: name, Reason: "element count overflows"}
			}
			nelem *= n
		}
		if ne[0]%dt.BlockSize() != 0 {
			return nil, ErrBadTensor{Name: name, Reason: fmt.Sprintf("row of %d elements not a whole number of %s blocks", ne[0], dt)}
		}
		// rows and rowBytes are both >= 1 here
		rows := nelem / ne[0]
		rowBytes := dt.RowSize(ne[0])
		if rows > (len(data)-offset)/rowBytes {
			return nil, ErrBadTensor{Name: name, Reason: "payload extends past end of file"}
		}
		size := rows * rowBytes

		entries = append(entries, tensorEntry{name: name, dtype: dt, ne: ne, off: offset, size: size})
		offset += size
	}
	return entries, nil
}

func buildView(ctx *tensor.Context, dt tensor.DType, payload []byte, ne []int) (t *tensor.Tensor, err error) {
	defer tensor.Recover(&err)
	t = ctx.ViewBytes(dt, payload, ne...)
	return t, nil
}

func buildOwned(ctx *tensor.Context, dt tensor.DType, payload []byte, ne []int) (t *tensor.Tensor, err error) {
	defer tensor.Recover(&err)
	buf, err := ctx.Alloc(len(payload), 0)
	if err != nil {
		return nil, err
	}
	copy(buf, payload)
	t = ctx.ViewBytes(dt, buf, ne...)
	return t, nil
}

// Close releases the model's weight mapping when it was built over an mmap
// region. Heap-backed models are garbage collected normally.
func (m *Model) Close() error {
	if m.mapped == nil {
		return nil
	}
	data := m.mapped
	m.mapped = nil
	return syscall.Munmap(data)
}

// WriteModel serializes a model in the given container framing, in the same
// record layout Load parses. Intended for tests and for converting
// synthesized models into files.
func WriteModel(w io.Writer, ct container.Type, m *Model) error {
	var buf bytes.Buffer
	if err := ct.Write(&buf); err != nil {
		return err
	}
	if err := m.Hparams.Write(&buf); err != nil {
		return err
	}

	slots := m.tensorSlots()
	for _, name := range orderedSlotNames(m) {
		t := *slots[name]
		ne := make([]int, t.Dims())
		for i := range ne {
			ne[i] = t.NE(i)
		}
		if err := writeEntry(&buf, ct, name, t.DType(), ne, t.Data()); err != nil {
			return err
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// orderedSlotNames returns tensor names in a stable file order: globals
// first, then per-layer weights.
func orderedSlotNames(m *Model) []string {
	names := []string{
		"tok_embeddings.weight",
		"norm.weight", "norm.bias",
		"output_norm.weight", "output_norm.bias",
		"output.weight",
	}
	for i := range m.Layers {
		prefix := fmt.Sprintf("layers.%d.", i)
		names = append(names,
			prefix+"attention_norm.weight", prefix+"attention_norm.bias",
			prefix+"attention.query_key_value.weight", prefix+"attention.query_key_value.bias",
			prefix+"attention.wo.weight", prefix+"attention.wo.bias",
			prefix+"ffn_norm.weight", prefix+"ffn_norm.bias",
			prefix+"feed_forward.w1.weight", prefix+"feed_forward.w1.bias",
			prefix+"feed_forward.w2.weight", prefix+"feed_forward.w2.bias",
		)
	}
	return names
}
