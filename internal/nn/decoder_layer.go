package nn

import (
	"log"
	"time"

	"github.com/23skdu/longbow-decoder/internal/device"
	"github.com/23skdu/longbow-decoder/internal/mask"
)

// DecoderLayer is one block of self-attention, source attention and a
// position-wise feed-forward network, each wrapped in a residual
// connection with layer normalization before (NormalizeBefore) or after
// the sub-layer.
type DecoderLayer struct {
	Backend         device.Backend
	Size            int
	SelfAttn        Attention
	SrcAttn         Attention
	FeedForward     *PositionwiseFeedForward
	Norm1           *LayerNorm
	Norm2           *LayerNorm
	Norm3           *LayerNorm
	Dropout         *Dropout
	NormalizeBefore bool
	ConcatAfter     bool

	// ConcatLinear1 and ConcatLinear2 project [input, attention] back to
	// Size columns. They are nil unless ConcatAfter is set.
	ConcatLinear1 *Linear
	ConcatLinear2 *Linear
}

func NewDecoderLayer(size int, selfAttn, srcAttn Attention, ff *PositionwiseFeedForward, dropout *Dropout, normalizeBefore, concatAfter bool, backend device.Backend) *DecoderLayer {
	l := &DecoderLayer{
		Backend:         backend,
		Size:            size,
		SelfAttn:        selfAttn,
		SrcAttn:         srcAttn,
		FeedForward:     ff,
		Norm1:           NewLayerNorm(size, backend),
		Norm2:           NewLayerNorm(size, backend),
		Norm3:           NewLayerNorm(size, backend),
		Dropout:         dropout,
		NormalizeBefore: normalizeBefore,
		ConcatAfter:     concatAfter,
	}
	if concatAfter {
		l.ConcatLinear1 = NewLinear(2*size, size, backend)
		l.ConcatLinear2 = NewLinear(2*size, size, backend)
	}
	return l
}

// Forward runs the block over batch target sequences of tLen rows against
// batch memory sequences of mLen rows.
//
// When cache is nil every target position is computed. Otherwise cache
// holds this block's outputs for the first tLen-1 positions of each
// sequence, only the last position is computed, and the result is the
// cache extended by that position.
func (l *DecoderLayer) Forward(tgt device.Tensor, tgtMask *mask.Mask, memory device.Tensor, memMask *mask.Mask, batch, tLen, mLen int, cache device.Tensor) device.Tensor {
	start := time.Now()
	defer func() {
		LayerDuration.WithLabelValues("decoder_layer", l.Backend.Name()).Observe(time.Since(start).Seconds())
	}()

	residual := tgt
	if l.NormalizeBefore {
		tgt = l.Norm1.Forward(tgt)
	}

	query, qLen, queryMask := tgt, tLen, tgtMask
	if cache != nil {
		if r, c := cache.Dims(); r != batch*(tLen-1) || c != l.Size {
			log.Panicf("DecoderLayer: cache is %dx%d, want %dx%d", r, c, batch*(tLen-1), l.Size)
		}
		query = device.LastPositions(tgt, batch, tLen)
		residual = device.LastPositions(residual, batch, tLen)
		qLen = 1
		if queryMask != nil {
			queryMask = mask.Tail(queryMask, 1)
		}
		if memMask != nil {
			memMask = mask.Tail(memMask, 1)
		}
	}

	att := l.SelfAttn.Forward(query, tgt, tgt, batch, qLen, tLen, queryMask)
	x := l.merge(l.ConcatLinear1, query, att)
	x.Add(residual)
	if !l.NormalizeBefore {
		l.Norm1.ForwardInPlace(x)
	}

	residual = x
	if l.NormalizeBefore {
		x = l.Norm2.Forward(x)
	}
	att = l.SrcAttn.Forward(x, memory, memory, batch, qLen, mLen, memMask)
	x = l.merge(l.ConcatLinear2, x, att)
	x.Add(residual)
	if !l.NormalizeBefore {
		l.Norm2.ForwardInPlace(x)
	}

	residual = x
	if l.NormalizeBefore {
		x = l.Norm3.Forward(x)
	}
	x = l.Dropout.Forward(l.FeedForward.Forward(x))
	x.Add(residual)
	if !l.NormalizeBefore {
		l.Norm3.ForwardInPlace(x)
	}

	if cache != nil {
		x = device.ConcatSeq(l.Backend, cache, tLen-1, x, 1, batch)
	}
	return x
}

// merge combines a sub-layer input with its attention output, either by
// projecting their concatenation or by applying dropout to the output.
func (l *DecoderLayer) merge(concat *Linear, in, att device.Tensor) device.Tensor {
	if l.ConcatAfter {
		return concat.Forward(ConcatCols(l.Backend, in, att))
	}
	return l.Dropout.Forward(att)
}

// Params lists the block parameters in serialization order.
func (l *DecoderLayer) Params() []device.Tensor {
	ps := append(l.SelfAttn.Params(), l.SrcAttn.Params()...)
	ps = append(ps, l.FeedForward.Params()...)
	for _, n := range []*LayerNorm{l.Norm1, l.Norm2, l.Norm3} {
		ps = append(ps, n.Params()...)
	}
	if l.ConcatAfter {
		ps = append(ps, l.ConcatLinear1.Params()...)
		ps = append(ps, l.ConcatLinear2.Params()...)
	}
	return ps
}
