// Package weights reads and writes decoder parameters as a raw stream of
// little-endian tensors in the decoder's serialization order.
package weights

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-decoder/internal/decoder"
	"github.com/23skdu/longbow-decoder/internal/device"
)

// Precision selects the on-disk element type.
type Precision string

const (
	FP32 Precision = "fp32"
	FP16 Precision = "fp16"
)

// ErrTrailingData is returned when a weight file is longer than the model.
var ErrTrailingData = errors.New("weights: trailing data after last tensor")

// Loader handles loading model weights from binary files.
type Loader struct {
	Model     *decoder.TransformerDecoder
	Precision Precision
}

// NewLoader creates a new weight loader for the given model.
func NewLoader(m *decoder.TransformerDecoder, precision Precision) *Loader {
	if precision == "" {
		precision = FP32
	}
	return &Loader{Model: m, Precision: precision}
}

// LoadFromRawBinary loads every parameter from path.
func (l *Loader) LoadFromRawBinary(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := l.Load(file); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	log.Debug().Str("path", path).Str("precision", string(l.Precision)).Msg("Weights loaded")
	return nil
}

// Load reads every parameter from r, which must hold exactly the model.
// The model is left unchanged unless the whole stream validates.
func (l *Loader) Load(r io.Reader) error {
	br := bufio.NewReader(r)
	var (
		targets []device.Tensor
		staged  [][]float32
	)
	for _, g := range l.Model.ParamGroups() {
		for i, t := range g.Params {
			data, err := l.loadDense(br, t)
			if err != nil {
				return fmt.Errorf("failed to load %s tensor %d: %w", g.Name, i, err)
			}
			targets = append(targets, t)
			staged = append(staged, data)
		}
	}
	if _, err := br.ReadByte(); err != io.EOF {
		return ErrTrailingData
	}

	// Bulk upload to device
	for i, t := range targets {
		t.CopyFromFloat32(staged[i])
	}
	return nil
}

func (l *Loader) loadDense(r io.Reader, d device.Tensor) ([]float32, error) {
	rows, cols := d.Dims()
	data := make([]float32, rows*cols)

	switch l.Precision {
	case FP16:
		halves := make([]uint16, len(data))
		if err := binary.Read(r, binary.LittleEndian, halves); err != nil {
			return nil, err
		}
		for i, h := range halves {
			data[i] = float16.Frombits(h).Float32()
		}
	case FP32:
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown precision %q", l.Precision)
	}
	return data, nil
}

// Saver writes model weights in the layout Loader reads.
type Saver struct {
	Model     *decoder.TransformerDecoder
	Precision Precision
}

func NewSaver(m *decoder.TransformerDecoder, precision Precision) *Saver {
	if precision == "" {
		precision = FP32
	}
	return &Saver{Model: m, Precision: precision}
}

// SaveToRawBinary writes every parameter to path, replacing any existing file.
func (s *Saver) SaveToRawBinary(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := s.Save(file); err != nil {
		file.Close()
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return file.Close()
}

func (s *Saver) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, g := range s.Model.ParamGroups() {
		for i, t := range g.Params {
			if err := s.saveDense(bw, t); err != nil {
				return fmt.Errorf("failed to save %s tensor %d: %w", g.Name, i, err)
			}
		}
	}
	return bw.Flush()
}

func (s *Saver) saveDense(w io.Writer, t device.Tensor) error {
	data := t.ToHost()
	switch s.Precision {
	case FP16:
		halves := make([]uint16, len(data))
		for i, v := range data {
			halves[i] = float16.Fromfloat32(v).Bits()
		}
		return binary.Write(w, binary.LittleEndian, halves)
	case FP32:
		return binary.Write(w, binary.LittleEndian, data)
	}
	return fmt.Errorf("unknown precision %q", s.Precision)
}
