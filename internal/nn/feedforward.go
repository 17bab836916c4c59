package nn

import (
	"github.com/23skdu/longbow-decoder/internal/device"
)

// PositionwiseFeedForward computes W2(dropout(relu(W1 x))).
type PositionwiseFeedForward struct {
	W1      *Linear
	W2      *Linear
	Dropout *Dropout
}

func NewPositionwiseFeedForward(dim, hidden int, dropout *Dropout, backend device.Backend) *PositionwiseFeedForward {
	return &PositionwiseFeedForward{
		W1:      NewLinear(dim, hidden, backend),
		W2:      NewLinear(hidden, dim, backend),
		Dropout: dropout,
	}
}

func (f *PositionwiseFeedForward) Forward(x device.Tensor) device.Tensor {
	h := f.W1.Forward(x)
	h.Relu()
	h = f.Dropout.Forward(h)
	return f.W2.Forward(h)
}

func (f *PositionwiseFeedForward) Params() []device.Tensor {
	return append(f.W1.Params(), f.W2.Params()...)
}
