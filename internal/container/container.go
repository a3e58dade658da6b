// Package container reads and writes the framing at the head of weight
// files: a 4-byte magic selecting one of four container variants, followed
// by a 4-byte version for the versioned ones. The engine core consumes this
// framing but does not own the rest of the file layout.
package container

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic constants, little-endian on disk.
const (
	MagicGgml uint32 = 0x67676d6c // unversioned legacy
	MagicGgmf uint32 = 0x67676d66 // versioned legacy
	MagicGgjt uint32 = 0x67676a74 // current, mmap-friendly
	MagicGgla uint32 = 0x67676c61 // adapter overlay
)

// Current format versions.
const (
	GgmfVersionMax = 1
	GgjtVersionMax = 3
	GglaVersionMax = 1
)

// ErrInvalidMagic is the typed, recoverable failure for an unrecognized
// magic number.
type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("container: invalid magic 0x%08x", e.Magic)
}

// ErrUnsupportedVersion is the typed, recoverable failure for a known
// container with a version this build cannot read.
type ErrUnsupportedVersion struct {
	Container string
	Version   uint32
}

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("container: unsupported %s version %d", e.Container, e.Version)
}

// Variant identifies a container flavor.
type Variant uint8

const (
	// Ggml is the oldest tensor file format, unversioned.
	Ggml Variant = iota
	// Ggmf introduced versioning; newer than Ggml, older than Ggjt.
	Ggmf
	// Ggjt is the current format; tensor data is aligned so the file can
	// be memory-mapped and tensors built over it without copying.
	Ggjt
	// Ggla is the adapter-overlay (LoRA) format.
	Ggla
)

var variantNames = [...]string{Ggml: "ggml", Ggmf: "ggmf", Ggjt: "ggjt", Ggla: "ggla"}

func (v Variant) String() string { return variantNames[v] }

// Type is a decoded container header: the variant plus its version (zero
// for the unversioned Ggml).
type Type struct {
	Variant Variant
	Version uint32
}

// SupportsMmap reports whether tensors can be built as zero-copy views over
// a mapped file of this container type. The others require an owned copy.
func (t Type) SupportsMmap() bool {
	return t.Variant == Ggjt
}

// Read decodes the container header from r. Unknown magics and versions are
// typed, recoverable errors, never panics.
func Read(r io.Reader) (Type, error) {
	magic, err := readU32(r)
	if err != nil {
		return Type{}, fmt.Errorf("container: reading magic: %w", err)
	}

	switch magic {
	case MagicGgml:
		return Type{Variant: Ggml}, nil
	case MagicGgmf:
		return readVersioned(r, Ggmf, GgmfVersionMax)
	case MagicGgjt:
		return readVersioned(r, Ggjt, GgjtVersionMax)
	case MagicGgla:
		return readVersioned(r, Ggla, GglaVersionMax)
	default:
		return Type{}, ErrInvalidMagic{Magic: magic}
	}
}

func readVersioned(r io.Reader, v Variant, maxVersion uint32) (Type, error) {
	version, err := readU32(r)
	if err != nil {
		return Type{}, fmt.Errorf("container: reading %s version: %w", v, err)
	}
	if version < 1 || version > maxVersion {
		return Type{}, ErrUnsupportedVersion{Container: v.String(), Version: version}
	}
	return Type{Variant: v, Version: version}, nil
}

// Write encodes the container header to w. Read(Write(t)) == t for every
// valid t.
func (t Type) Write(w io.Writer) error {
	var magic uint32
	switch t.Variant {
	case Ggml:
		return writeU32(w, MagicGgml)
	case Ggmf:
		magic = MagicGgmf
	case Ggjt:
		magic = MagicGgjt
	case Ggla:
		magic = MagicGgla
	default:
		return fmt.Errorf("container: unknown variant %d", t.Variant)
	}
	if err := writeU32(w, magic); err != nil {
		return err
	}
	return writeU32(w, t.Version)
}

// Quantization versioning: the file-level ftype folds the quantization
// format version in via QntVersionFactor.
const (
	QntVersion       = 2
	QntVersionFactor = 1000
)

// SplitFtype separates a raw file-type field into its quantization version
// and base file type.
func SplitFtype(raw uint32) (qntVersion, ftype uint32) {
	return raw / QntVersionFactor, raw % QntVersionFactor
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}
