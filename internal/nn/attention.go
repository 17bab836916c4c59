package nn

import (
	"log"
	"math"
	"time"

	"github.com/23skdu/longbow-decoder/internal/device"
	"github.com/23skdu/longbow-decoder/internal/mask"
)

// Attention maps batch query sequences of qLen rows onto batch key/value
// sequences of kLen rows. The mask, when not nil, has kLen columns and
// either 1 or qLen rows.
type Attention interface {
	Forward(query, key, value device.Tensor, batch, qLen, kLen int, m *mask.Mask) device.Tensor
	Params() []device.Tensor
}

var (
	_ Attention = (*MultiHeadedAttention)(nil)
	_ Attention = (*NystromAttention)(nil)
)

// MultiHeadedAttention is scaled dot product attention over Heads heads of
// width DK. Inputs have nFeat columns and are projected to nAttn = Heads*DK.
type MultiHeadedAttention struct {
	Backend   device.Backend
	Heads     int
	DK        int
	LinearQ   *Linear
	LinearK   *Linear
	LinearV   *Linear
	LinearOut *Linear
	Dropout   *Dropout
}

func NewMultiHeadedAttention(heads, nFeat, nAttn int, dropout *Dropout, backend device.Backend) *MultiHeadedAttention {
	if heads <= 0 || nAttn%heads != 0 {
		log.Panicf("NewMultiHeadedAttention: %d heads do not divide width %d", heads, nAttn)
	}
	return &MultiHeadedAttention{
		Backend:   backend,
		Heads:     heads,
		DK:        nAttn / heads,
		LinearQ:   NewLinear(nFeat, nAttn, backend),
		LinearK:   NewLinear(nFeat, nAttn, backend),
		LinearV:   NewLinear(nFeat, nAttn, backend),
		LinearOut: NewLinear(nAttn, nFeat, backend),
		Dropout:   dropout,
	}
}

func (a *MultiHeadedAttention) Forward(query, key, value device.Tensor, batch, qLen, kLen int, m *mask.Mask) device.Tensor {
	start := time.Now()
	defer func() {
		LayerDuration.WithLabelValues("mha", a.Backend.Name()).Observe(time.Since(start).Seconds())
	}()

	q := a.LinearQ.Forward(query)
	k := a.LinearK.Forward(key)
	v := a.LinearV.Forward(value)

	params := device.AttentionParams{
		Batch:    batch,
		QLen:     qLen,
		KLen:     kLen,
		Heads:    a.Heads,
		Scale:    float32(1 / math.Sqrt(float64(a.DK))),
		ProbHook: a.Dropout.ProbHook(),
	}
	if m != nil {
		params.Mask, params.MaskRows = flattenMask(m, batch, qLen, kLen)
	}

	ctx := q.Attention(k, v, params)
	return a.LinearOut.Forward(ctx)
}

func (a *MultiHeadedAttention) Params() []device.Tensor {
	var ps []device.Tensor
	for _, l := range []*Linear{a.LinearQ, a.LinearK, a.LinearV, a.LinearOut} {
		ps = append(ps, l.Params()...)
	}
	return ps
}

// flattenMask materializes m to the (batch, rows, kLen) layout the fused
// attention kernel expects.
func flattenMask(m *mask.Mask, batch, qLen, kLen int) ([]bool, int) {
	if m.Cols != kLen {
		log.Panicf("attention: mask has %d columns, want %d", m.Cols, kLen)
	}
	if m.Batch != 1 && m.Batch != batch {
		log.Panicf("attention: mask batch %d, want %d", m.Batch, batch)
	}
	rows := 1
	if m.Rows != 1 {
		if m.Rows != qLen {
			log.Panicf("attention: mask has %d rows, want 1 or %d", m.Rows, qLen)
		}
		rows = qLen
	}
	return mask.Expand(m, batch, rows).Data, rows
}
