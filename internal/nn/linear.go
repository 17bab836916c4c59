package nn

import (
	"github.com/23skdu/longbow-decoder/internal/device"
)

// Linear is an affine projection y = xW + b with W stored as (In, Out).
type Linear struct {
	In     int
	Out    int
	Weight device.Tensor
	Bias   device.Tensor
}

func NewLinear(in, out int, backend device.Backend) *Linear {
	return &Linear{
		In:     in,
		Out:    out,
		Weight: backend.NewTensor(in, out, nil),
		Bias:   backend.NewTensor(1, out, nil),
	}
}

func (l *Linear) Forward(x device.Tensor) device.Tensor {
	return x.Linear(l.Weight, l.Bias)
}

// Params returns the weight then the bias.
func (l *Linear) Params() []device.Tensor {
	return []device.Tensor{l.Weight, l.Bias}
}

// Embedding maps token ids to rows of a (Vocab, Dim) table.
type Embedding struct {
	Table device.Tensor
}

func NewEmbedding(vocab, dim int, backend device.Backend) *Embedding {
	return &Embedding{Table: backend.NewTensor(vocab, dim, nil)}
}

// Forward gathers one row per id. Ids must already be range checked.
func (e *Embedding) Forward(ids []int) device.Tensor {
	return e.Table.Gather(ids)
}

func (e *Embedding) Params() []device.Tensor {
	return []device.Tensor{e.Table}
}

// LayerNorm implements Layer Normalization.
type LayerNorm struct {
	Backend device.Backend
	Gamma   device.Tensor
	Beta    device.Tensor
	Eps     float32
}

func NewLayerNorm(size int, backend device.Backend) *LayerNorm {
	ones := make([]float32, size)
	for i := range ones {
		ones[i] = 1.0
	}

	return &LayerNorm{
		Backend: backend,
		Gamma:   backend.NewTensor(1, size, ones),
		Beta:    backend.NewTensor(1, size, nil), // Zeros
		Eps:     1e-12,
	}
}

// Forward normalizes a copy of input; the input is left untouched.
func (l *LayerNorm) Forward(input device.Tensor) device.Tensor {
	out := Clone(l.Backend, input)
	out.LayerNorm(l.Gamma, l.Beta, l.Eps)
	return out
}

// ForwardInPlace overwrites input with the normalized result.
func (l *LayerNorm) ForwardInPlace(input device.Tensor) device.Tensor {
	input.LayerNorm(l.Gamma, l.Beta, l.Eps)
	return input
}

func (l *LayerNorm) Params() []device.Tensor {
	return []device.Tensor{l.Gamma, l.Beta}
}

// Clone copies t into a fresh tensor on backend.
func Clone(backend device.Backend, t device.Tensor) device.Tensor {
	r, c := t.Dims()
	return backend.NewTensor(r, c, t.ToHost())
}

// ConcatCols joins a (N, A) and a (N, B) tensor into (N, A+B).
func ConcatCols(backend device.Backend, a, b device.Tensor) device.Tensor {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br {
		panic("ConcatCols: row mismatch")
	}
	ad, bd := a.ToHost(), b.ToHost()
	out := make([]float32, 0, ar*(ac+bc))
	for i := 0; i < ar; i++ {
		out = append(out, ad[i*ac:(i+1)*ac]...)
		out = append(out, bd[i*bc:(i+1)*bc]...)
	}
	return backend.NewTensor(ar, ac+bc, out)
}
