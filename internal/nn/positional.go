package nn

import (
	"math"
	"sync"

	"github.com/23skdu/longbow-decoder/internal/device"
)

// PositionalEncoding adds sinusoidal position information to a batch of
// sequences. The absolute variant computes x*sqrt(d) + pe; the scaled
// variant computes x + alpha*pe with a learned alpha.
type PositionalEncoding struct {
	Backend device.Backend
	DModel  int
	Scaled  bool
	// Alpha is a 1x1 tensor used only by the scaled variant.
	Alpha   device.Tensor
	Dropout *Dropout

	mu sync.Mutex
	pe [][]float32
}

func NewPositionalEncoding(dModel, maxLen int, dropout *Dropout, backend device.Backend) *PositionalEncoding {
	p := &PositionalEncoding{
		Backend: backend,
		DModel:  dModel,
		Dropout: dropout,
	}
	p.extend(maxLen)
	return p
}

func NewScaledPositionalEncoding(dModel, maxLen int, dropout *Dropout, backend device.Backend) *PositionalEncoding {
	p := NewPositionalEncoding(dModel, maxLen, dropout, backend)
	p.Scaled = true
	p.Alpha = backend.NewTensor(1, 1, []float32{1})
	return p
}

// extend grows the cached table to at least length positions.
func (p *PositionalEncoding) extend(length int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pos := len(p.pe); pos < length; pos++ {
		p.pe = append(p.pe, sinusoid(pos, p.DModel))
	}
}

func sinusoid(pos, dModel int) []float32 {
	row := make([]float32, dModel)
	for i := 0; i < dModel; i += 2 {
		div := math.Exp(float64(i) * -(math.Log(10000.0) / float64(dModel)))
		angle := float64(pos) * div
		row[i] = float32(math.Sin(angle))
		if i+1 < dModel {
			row[i+1] = float32(math.Cos(angle))
		}
	}
	return row
}

// Table returns the encodings for positions [0, length).
func (p *PositionalEncoding) Table(length int) [][]float32 {
	p.extend(length)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pe[:length]
}

// Forward encodes x, laid out as batch sequences of seqLen rows, into a new tensor.
func (p *PositionalEncoding) Forward(x device.Tensor, batch, seqLen int) device.Tensor {
	table := p.Table(seqLen)
	data := x.ToHost()

	var xscale, alpha float32 = float32(math.Sqrt(float64(p.DModel))), 1
	if p.Scaled {
		xscale = 1
		alpha = p.Alpha.At(0, 0)
	}

	for b := 0; b < batch; b++ {
		for t := 0; t < seqLen; t++ {
			row := data[(b*seqLen+t)*p.DModel : (b*seqLen+t+1)*p.DModel]
			for j, v := range table[t] {
				row[j] = row[j]*xscale + alpha*v
			}
		}
	}

	out := p.Backend.NewTensor(batch*seqLen, p.DModel, data)
	return p.Dropout.Forward(out)
}

func (p *PositionalEncoding) Params() []device.Tensor {
	if p.Scaled {
		return []device.Tensor{p.Alpha}
	}
	return nil
}
