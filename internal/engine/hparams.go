package engine

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// FileType identifies the storage dtype of a model's weight matrices.
// Norm weights and biases are always f32 regardless of file type.
type FileType uint32

const (
	FileTypeF32 FileType = iota
	FileTypeF16
	FileTypeQ4_0
	FileTypeQ4_1
)

var fileTypeNames = [...]string{
	FileTypeF32:  "f32",
	FileTypeF16:  "f16",
	FileTypeQ4_0: "q4_0",
	FileTypeQ4_1: "q4_1",
}

func (ft FileType) String() string {
	if int(ft) < len(fileTypeNames) {
		return fileTypeNames[ft]
	}
	return fmt.Sprintf("filetype(%d)", uint32(ft))
}

// WeightDType returns the tensor dtype that weight matrices carry on disk
// for this file type.
func (ft FileType) WeightDType() (tensor.DType, error) {
	switch ft {
	case FileTypeF32:
		return tensor.F32, nil
	case FileTypeF16:
		return tensor.F16, nil
	case FileTypeQ4_0:
		return tensor.Q4_0, nil
	case FileTypeQ4_1:
		return tensor.Q4_1, nil
	default:
		return 0, fmt.Errorf("unknown file type %d", uint32(ft))
	}
}

// Hyperparameters is the fixed-order header block that follows the container
// framing in a model file. All fields are little-endian uint32 on disk.
type Hyperparameters struct {
	NVocab   uint32
	NEmbd    uint32
	NMult    uint32
	NHead    uint32
	NLayer   uint32
	FileType FileType
}

// ReadHyperparameters decodes the header block in file order.
func ReadHyperparameters(r io.Reader) (Hyperparameters, error) {
	var raw [6]uint32
	for i := range raw {
		if err := binary.Read(r, binary.LittleEndian, &raw[i]); err != nil {
			return Hyperparameters{}, fmt.Errorf("reading hyperparameters: %w", err)
		}
	}
	hp := Hyperparameters{
		NVocab:   raw[0],
		NEmbd:    raw[1],
		NMult:    raw[2],
		NHead:    raw[3],
		NLayer:   raw[4],
		FileType: FileType(raw[5]),
	}
	if err := hp.Validate(); err != nil {
		return Hyperparameters{}, err
	}
	return hp, nil
}

// Write encodes the header block in file order.
func (hp Hyperparameters) Write(w io.Writer) error {
	for _, v := range [6]uint32{hp.NVocab, hp.NEmbd, hp.NMult, hp.NHead, hp.NLayer, uint32(hp.FileType)} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("writing hyperparameters: %w", err)
		}
	}
	return nil
}

func (hp Hyperparameters) Validate() error {
	if hp.NVocab == 0 || hp.NEmbd == 0 || hp.NHead == 0 || hp.NLayer == 0 {
		return fmt.Errorf("invalid hyperparameters: %+v", hp)
	}
	if hp.NEmbd%hp.NHead != 0 {
		return fmt.Errorf("embedding width %d not divisible by head count %d", hp.NEmbd, hp.NHead)
	}
	if _, err := hp.FileType.WeightDType(); err != nil {
		return err
	}
	return nil
}

// NFF returns the feed-forward hidden width derived from NEmbd and NMult.
func (hp Hyperparameters) NFF() int {
	return int(4 * hp.NEmbd)
}
