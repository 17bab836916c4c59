package decoder

import (
	"fmt"

	"github.com/23skdu/longbow-decoder/internal/device"
	"github.com/23skdu/longbow-decoder/internal/nn"
)

// inputLayer turns target tokens into (batch*length, D) model inputs.
// The concrete kind is chosen once in New.
type inputLayer interface {
	// tokens embeds range-checked ids laid out as batch rows of length ids.
	tokens(ids []int, batch, length int) device.Tensor
	// features projects continuous (batch*length, vocab) inputs.
	features(x device.Tensor, batch, length int) (device.Tensor, error)
	params() []device.Tensor
}

var (
	_ inputLayer = (*inputEmbed)(nil)
	_ inputLayer = (*inputLinear)(nil)
)

// inputEmbed looks ids up in an embedding table.
type inputEmbed struct {
	embed  *nn.Embedding
	posEnc *nn.PositionalEncoding
}

func (e *inputEmbed) tokens(ids []int, batch, length int) device.Tensor {
	return e.posEnc.Forward(e.embed.Forward(ids), batch, length)
}

func (e *inputEmbed) features(device.Tensor, int, int) (device.Tensor, error) {
	return nil, fmt.Errorf("%w: embed input layer takes token ids", ErrInputMode)
}

func (e *inputEmbed) params() []device.Tensor {
	return append(e.embed.Params(), e.posEnc.Params()...)
}

// inputLinear projects vocabulary-sized vectors: Linear, LayerNorm,
// Dropout, ReLU, then positional encoding. Token ids are fed as one-hot
// vectors.
type inputLinear struct {
	backend device.Backend
	vocab   int
	linear  *nn.Linear
	norm    *nn.LayerNorm
	dropout *nn.Dropout
	posEnc  *nn.PositionalEncoding
}

func (l *inputLinear) tokens(ids []int, batch, length int) device.Tensor {
	onehot := make([]float32, len(ids)*l.vocab)
	for i, id := range ids {
		onehot[i*l.vocab+id] = 1
	}
	x, _ := l.features(l.backend.NewTensor(len(ids), l.vocab, onehot), batch, length)
	return x
}

func (l *inputLinear) features(x device.Tensor, batch, length int) (device.Tensor, error) {
	r, c := x.Dims()
	if r != batch*length || c != l.vocab {
		return nil, shapeErrorf("features are %dx%d, want %dx%d", r, c, batch*length, l.vocab)
	}
	h := l.linear.Forward(x)
	l.norm.ForwardInPlace(h)
	h = l.dropout.Forward(h)
	h.Relu()
	return l.posEnc.Forward(h, batch, length), nil
}

func (l *inputLinear) params() []device.Tensor {
	ps := append(l.linear.Params(), l.norm.Params()...)
	return append(ps, l.posEnc.Params()...)
}

func newInputLayer(cfg Config, mode *nn.Mode, backend device.Backend) (inputLayer, error) {
	dropout := nn.NewDropout(cfg.PositionalDropoutRate, mode)
	var posEnc *nn.PositionalEncoding
	switch cfg.PosEncClass {
	case PosEncAbs:
		posEnc = nn.NewPositionalEncoding(cfg.EncoderOutputSize, cfg.MaxLen, dropout, backend)
	case PosEncScaledAbs:
		posEnc = nn.NewScaledPositionalEncoding(cfg.EncoderOutputSize, cfg.MaxLen, dropout, backend)
	default:
		return nil, &ConfigError{Field: "pos_enc_class", Value: cfg.PosEncClass}
	}

	switch cfg.InputLayer {
	case InputEmbed:
		return &inputEmbed{
			embed:  nn.NewEmbedding(cfg.VocabSize, cfg.EncoderOutputSize, backend),
			posEnc: posEnc,
		}, nil
	case InputLinear:
		return &inputLinear{
			backend: backend,
			vocab:   cfg.VocabSize,
			linear:  nn.NewLinear(cfg.VocabSize, cfg.EncoderOutputSize, backend),
			norm:    nn.NewLayerNorm(cfg.EncoderOutputSize, backend),
			dropout: nn.NewDropout(cfg.DropoutRate, mode),
			posEnc:  posEnc,
		}, nil
	}
	return nil, &ConfigError{Field: "input_layer", Value: cfg.InputLayer, Msg: "must be embed or linear"}
}
