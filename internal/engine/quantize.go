package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/container"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/quant"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/x448/float16"
)

// QuantizeStats aggregates encoder histograms across all converted tensors.
type QuantizeStats struct {
	Tensors  int
	Elements int
	Hist     [quant.HistogramLen]int64
	InBytes  int
	OutBytes int
}

// QuantizeImage re-encodes a model file image's weight matrices in the given
// block format and returns the converted image. Only 2-d weight tensors are
// converted; norms and biases stay in their original type. The source must
// carry f32 or f16 weights.
func QuantizeImage(data []byte, target tensor.DType) ([]byte, QuantizeStats, error) {
	var stats QuantizeStats

	if !target.IsQuantized() || target == tensor.Q4_2 {
		return nil, stats, fmt.Errorf("cannot quantize to %s", target)
	}
	codec, ok := quant.Lookup(target.String())
	if !ok || codec.Quantize == nil {
		return nil, stats, fmt.Errorf("no encoder registered for %s", target)
	}

	r := bytes.NewReader(data)
	ct, err := container.Read(r)
	if err != nil {
		return nil, stats, err
	}
	hp, err := ReadHyperparameters(r)
	if err != nil {
		return nil, stats, err
	}

	headerLen := len(data) - r.Len()
	entries, err := scanTensors(data, headerLen, ct)
	if err != nil {
		return nil, stats, err
	}

	var ftype FileType
	switch target {
	case tensor.Q4_0:
		ftype = FileTypeQ4_0
	case tensor.Q4_1:
		ftype = FileTypeQ4_1
	default:
		return nil, stats, fmt.Errorf("file type has no code for %s weights", target)
	}

	start := time.Now()
	var out bytes.Buffer
	if err := ct.Write(&out); err != nil {
		return nil, stats, err
	}
	hpOut := hp
	hpOut.FileType = ftype
	if err := hpOut.Write(&out); err != nil {
		return nil, stats, err
	}

	for _, e := range entries {
		dt := e.dtype
		payload := data[e.off : e.off+e.size]

		convert := len(e.ne) == 2 && (dt == tensor.F32 || dt == tensor.F16) &&
			e.ne[0]%codec.BlockSize == 0
		if convert {
			floats, err := decodeFloats(dt, payload, e.ne)
			if err != nil {
				return nil, stats, fmt.Errorf("tensor %q: %w", e.name, err)
			}
			res := codec.Quantize(floats, len(floats), e.ne[0])
			payload = res.Output
			dt = target

			stats.Tensors++
			stats.Elements += len(floats)
			for i, h := range res.Hist {
				stats.Hist[i] += h
			}
		}

		if err := writeEntry(&out, ct, e.name, dt, e.ne, payload); err != nil {
			return nil, stats, err
		}
	}

	stats.InBytes = len(data)
	stats.OutBytes = out.Len()
	logger.Log.Info("model quantized",
		"target", target.String(),
		"tensors", stats.Tensors,
		"in_bytes", stats.InBytes,
		"out_bytes", stats.OutBytes,
		"duration", time.Since(start).String())
	return out.Bytes(), stats, nil
}

func decodeFloats(dt tensor.DType, payload []byte, ne []int) ([]float32, error) {
	n := 1
	for _, e := range ne {
		n *= e
	}
	out := make([]float32, n)
	switch dt {
	case tensor.F32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
		}
	case tensor.F16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(payload[i*2:])).Float32()
		}
	default:
		return nil, fmt.Errorf("cannot decode %s weights for re-quantization", dt)
	}
	return out, nil
}

func writeEntry(out *bytes.Buffer, ct container.Type, name string, dt tensor.DType, ne []int, payload []byte) error {
	wire, ok := dtypeToWire[dt]
	if !ok {
		return ErrBadTensor{Name: name, Reason: fmt.Sprintf("dtype %s not writable", dt)}
	}
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(ne)))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(name)))
	binary.LittleEndian.PutUint32(hdr[8:], wire)
	out.Write(hdr[:])
	for _, n := range ne {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(n))
		out.Write(b[:])
	}
	out.WriteString(name)
	if ct.SupportsMmap() {
		for out.Len()%dataAlign != 0 {
			out.WriteByte(0)
		}
	}
	out.Write(payload)
	return nil
}
