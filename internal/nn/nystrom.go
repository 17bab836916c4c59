package nn

import (
	"log"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-decoder/internal/device"
	"github.com/23skdu/longbow-decoder/internal/mask"
)

// inverseIterations is the number of refinement steps of the landmark
// kernel pseudo-inverse.
const inverseIterations = 6

// NystromAttention approximates softmax attention through Landmarks
// segment-mean landmarks per head. The mask is ignored.
//
// With SelfAttention set, a depthwise convolution over the values, Kernel
// taps wide, is added as a residual and queries and keys must have equal
// length. Used as source attention (SelfAttention false) the convolution
// is never applied; Conv stays a parameter so weight files keep one
// layout.
type NystromAttention struct {
	Backend   device.Backend
	Heads     int
	DK        int
	Landmarks int
	Kernel    int
	LinearQ   *Linear
	LinearK   *Linear
	LinearV   *Linear
	LinearOut *Linear
	// Conv holds one row of Kernel taps per head.
	Conv          device.Tensor
	SelfAttention bool
}

func NewNystromAttention(heads, nFeat, landmarks, nAttn, kernel int, backend device.Backend) *NystromAttention {
	if heads <= 0 || nAttn%heads != 0 {
		log.Panicf("NewNystromAttention: %d heads do not divide width %d", heads, nAttn)
	}
	if landmarks <= 0 || kernel <= 0 {
		log.Panicf("NewNystromAttention: landmarks=%d kernel=%d must be positive", landmarks, kernel)
	}
	return &NystromAttention{
		Backend:   backend,
		Heads:     heads,
		DK:        nAttn / heads,
		Landmarks: landmarks,
		Kernel:    kernel,
		LinearQ:   NewLinear(nFeat, nAttn, backend),
		LinearK:   NewLinear(nFeat, nAttn, backend),
		LinearV:   NewLinear(nFeat, nAttn, backend),
		LinearOut: NewLinear(nAttn, nFeat, backend),
		Conv:      backend.NewTensor(heads, kernel, nil),
	}
}

func (a *NystromAttention) Forward(query, key, value device.Tensor, batch, qLen, kLen int, _ *mask.Mask) device.Tensor {
	start := time.Now()
	defer func() {
		LayerDuration.WithLabelValues("nystrom", a.Backend.Name()).Observe(time.Since(start).Seconds())
	}()

	q := a.LinearQ.Forward(query).ToHost()
	k := a.LinearK.Forward(key).ToHost()
	v := a.LinearV.Forward(value).ToHost()
	conv := a.Conv.ToHost()

	if a.SelfAttention && qLen != kLen {
		log.Panicf("NystromAttention: self attention over %d queries and %d keys", qLen, kLen)
	}

	width := a.Heads * a.DK
	out := make([]float32, batch*qLen*width)
	if kLen == 0 || qLen == 0 {
		return a.LinearOut.Forward(a.Backend.NewTensor(batch*qLen, width, out))
	}

	scale := 1 / math.Sqrt(math.Sqrt(float64(a.DK)))

	var wg sync.WaitGroup
	for b := 0; b < batch; b++ {
		for h := 0; h < a.Heads; h++ {
			wg.Add(1)
			go func(b, h int) {
				defer wg.Done()
				col := h * a.DK
				qh := headMatrix(q, b*qLen, qLen, width, col, a.DK, scale)
				kh := headMatrix(k, b*kLen, kLen, width, col, a.DK, scale)
				vh := headMatrix(v, b*kLen, kLen, width, col, a.DK, 1)

				x := a.approximate(qh, kh, vh)
				if a.SelfAttention {
					depthwiseConv(x, vh, conv[h*a.Kernel:(h+1)*a.Kernel])
				}
				for i := 0; i < qLen; i++ {
					dst := out[(b*qLen+i)*width+col:]
					for j, val := range x.RawRowView(i) {
						dst[j] = float32(val)
					}
				}
				pool.put(qh)
				pool.put(kh)
				pool.put(vh)
			}(b, h)
		}
	}
	wg.Wait()

	return a.LinearOut.Forward(a.Backend.NewTensor(batch*qLen, width, out))
}

// approximate computes softmax(Q Klᵀ) pinv(softmax(Ql Klᵀ)) softmax(Ql Kᵀ) V.
func (a *NystromAttention) approximate(q, k, v *mat.Dense) *mat.Dense {
	ql := landmarks(q, a.Landmarks)
	kl := landmarks(k, a.Landmarks)

	var k1, k2, k3 mat.Dense
	k1.Mul(q, kl.T())
	k2.Mul(ql, kl.T())
	k3.Mul(ql, k.T())
	softmaxRows(&k1)
	softmaxRows(&k2)
	softmaxRows(&k3)

	inv := IterativeInverse(&k2, inverseIterations)

	var kv, left, x mat.Dense
	kv.Mul(&k3, v)
	left.Mul(&k1, inv)
	x.Mul(&left, &kv)
	return &x
}

func (a *NystromAttention) Params() []device.Tensor {
	var ps []device.Tensor
	for _, l := range []*Linear{a.LinearQ, a.LinearK, a.LinearV, a.LinearOut} {
		ps = append(ps, l.Params()...)
	}
	return append(ps, a.Conv)
}

// headMatrix extracts rows [row0, row0+n) and columns [col, col+dk) of a
// row-major matrix with the given width, multiplied by scale.
func headMatrix(data []float32, row0, n, width, col, dk int, scale float64) *mat.Dense {
	m := pool.get(n, dk)
	for i := 0; i < n; i++ {
		src := data[(row0+i)*width+col : (row0+i)*width+col+dk]
		dst := m.RawRowView(i)
		for j, val := range src {
			dst[j] = float64(val) * scale
		}
	}
	return m
}

// landmarks averages segments of n/m+1 consecutive rows of x, wrapping
// around to the first rows once x is exhausted.
func landmarks(x *mat.Dense, m int) *mat.Dense {
	n, c := x.Dims()
	seg := n/m + 1
	out := mat.NewDense(m, c, nil)
	for j := 0; j < m; j++ {
		dst := out.RawRowView(j)
		for s := 0; s < seg; s++ {
			for d, val := range x.RawRowView((j*seg + s) % n) {
				dst[d] += val
			}
		}
		for d := range dst {
			dst[d] /= float64(seg)
		}
	}
	return out
}

func softmaxRows(m *mat.Dense) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		maxVal := math.Inf(-1)
		for _, v := range row {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for j, v := range row {
			row[j] = math.Exp(v - maxVal)
			sum += row[j]
		}
		for j := range row {
			row[j] /= sum
		}
	}
}

// IterativeInverse approximates the inverse of a square matrix with
// the given number of third order Newton iterations, starting from
// kᵀ over its largest column sum.
func IterativeInverse(k *mat.Dense, iters int) *mat.Dense {
	n, c := k.Dims()
	if n != c {
		log.Panicf("IterativeInverse: matrix is %dx%d", n, c)
	}
	var maxCol float64
	for j := 0; j < n; j++ {
		if s := mat.Sum(k.ColView(j)); s > maxCol {
			maxCol = s
		}
	}

	v := mat.NewDense(n, n, nil)
	v.Scale(1/maxCol, k.T())
	for it := 0; it < iters; it++ {
		var kv, inner, mid, next mat.Dense
		kv.Mul(k, v)
		inner.Mul(&kv, identityMinus(7, &kv))
		mid.Mul(&kv, identityMinus(15, &inner))
		next.Mul(v, identityMinus(13, &mid))
		next.Scale(0.25, &next)
		v = &next
	}
	return v
}

// identityMinus returns c*I - m.
func identityMinus(c float64, m *mat.Dense) *mat.Dense {
	n, _ := m.Dims()
	out := mat.NewDense(n, n, nil)
	out.Scale(-1, m)
	for i := 0; i < n; i++ {
		out.Set(i, i, out.At(i, i)+c)
	}
	return out
}

// depthwiseConv adds to x the zero padded convolution of v along rows
// with the given taps, centred on each row.
func depthwiseConv(x, v *mat.Dense, taps []float32) {
	n, c := v.Dims()
	pad := len(taps) / 2
	for t := 0; t < n; t++ {
		dst := x.RawRowView(t)
		for j, w := range taps {
			src := t + j - pad
			if w == 0 || src < 0 || src >= n {
				continue
			}
			row := v.RawRowView(src)
			for d := 0; d < c; d++ {
				dst[d] += float64(w) * row[d]
			}
		}
	}
}
