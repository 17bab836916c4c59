package nn

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-decoder/internal/device"
	"github.com/23skdu/longbow-decoder/internal/mask"
)

func assertClose(t *testing.T, expected, got []float32, tol float64) {
	t.Helper()
	require.Len(t, got, len(expected))
	for i, v := range expected {
		if math.Abs(float64(got[i]-v)) > tol {
			t.Errorf("mismatch at %d: got %f, want %f", i, got[i], v)
		}
	}
}

func randomTensor(backend device.Backend, rng *rand.Rand, r, c int) device.Tensor {
	data := make([]float32, r*c)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return backend.NewTensor(r, c, data)
}

func randomize(params []device.Tensor, rng *rand.Rand) {
	for _, p := range params {
		XavierInit(p, rng)
	}
}

func identity(backend device.Backend, n int) device.Tensor {
	t := backend.NewTensor(n, n, nil)
	for i := 0; i < n; i++ {
		t.Set(i, i, 1)
	}
	return t
}

func TestPositionalEncoding(t *testing.T) {
	backend := device.NewCPUBackend()

	t.Run("Absolute", func(t *testing.T) {
		pe := NewPositionalEncoding(4, 2, nil, backend)
		x := backend.NewTensor(3, 4, []float32{
			0, 0, 0, 0,
			0, 0, 0, 0,
			1, 1, 1, 1,
		})
		out := pe.Forward(x, 1, 3)

		// Table grows past the initial maxLen on demand.
		require.Len(t, pe.Table(3), 3)
		div := math.Exp(2 * -(math.Log(10000.0) / 4))
		assertClose(t, []float32{
			0, 1, 0, 1,
			float32(math.Sin(1)), float32(math.Cos(1)), float32(math.Sin(div)), float32(math.Cos(div)),
			2 + float32(math.Sin(2)), 2 + float32(math.Cos(2)), 2 + float32(math.Sin(2*div)), 2 + float32(math.Cos(2*div)),
		}, out.ToHost(), 1e-5)
		assert.Equal(t, float32(1), x.At(2, 0), "input must not be modified")
	})

	t.Run("Scaled", func(t *testing.T) {
		pe := NewScaledPositionalEncoding(2, 4, nil, backend)
		pe.Alpha.Set(0, 0, 2)
		x := backend.NewTensor(2, 2, []float32{1, 1, 1, 1})
		out := pe.Forward(x, 2, 1)
		assertClose(t, []float32{1, 3, 1, 3}, out.ToHost(), 1e-6)
		assert.Len(t, pe.Params(), 1)
	})
}

func TestDropout(t *testing.T) {
	backend := device.NewCPUBackend()
	mode := NewMode(7)
	d := NewDropout(0.5, mode)

	x := backend.NewTensor(1, 64, nil)
	for i := 0; i < 64; i++ {
		x.Set(0, i, 1)
	}

	out := d.Forward(x)
	assertClose(t, x.ToHost(), out.ToHost(), 0)
	assert.Nil(t, d.ProbHook())

	mode.SetTraining(true)
	require.True(t, mode.Training())
	require.NotNil(t, d.ProbHook())
	out = d.Forward(x)

	var zeros int
	for _, v := range out.ToHost() {
		if v == 0 {
			zeros++
			continue
		}
		assert.Equal(t, float32(2), v)
	}
	assert.Greater(t, zeros, 0)
	assert.Less(t, zeros, 64)
}

func TestRepeat(t *testing.T) {
	got := Repeat(3, func(i int) int { return i * i })
	assert.Equal(t, []int{0, 1, 4}, got)
	assert.Empty(t, Repeat(0, func(int) string { return "x" }))
}

func TestMultiHeadedAttention_SingleKey(t *testing.T) {
	backend := device.NewCPUBackend()
	a := NewMultiHeadedAttention(2, 4, 4, nil, backend)
	for _, l := range []*Linear{a.LinearQ, a.LinearK, a.LinearV, a.LinearOut} {
		l.Weight = identity(backend, 4)
	}

	q := backend.NewTensor(2, 4, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	kv := backend.NewTensor(1, 4, []float32{9, 8, 7, 6})
	out := a.Forward(q, kv, kv, 1, 2, 1, nil)
	assertClose(t, []float32{9, 8, 7, 6, 9, 8, 7, 6}, out.ToHost(), 1e-6)
}

func TestMultiHeadedAttention_MaskShapes(t *testing.T) {
	backend := device.NewCPUBackend()
	a := NewMultiHeadedAttention(1, 2, 2, nil, backend)
	for _, l := range []*Linear{a.LinearQ, a.LinearK, a.LinearV, a.LinearOut} {
		l.Weight = identity(backend, 2)
	}
	q := backend.NewTensor(2, 2, []float32{0, 0, 0, 0})
	kv := backend.NewTensor(4, 2, []float32{
		1, 1,
		3, 3,
		5, 5,
		7, 7,
	})

	// Batch of two with two keys each; second element sees only its first key.
	out := a.Forward(q, kv, kv, 2, 1, 2, mask.PadMask([]int{2, 1}, 2))
	assertClose(t, []float32{2, 2, 5, 5}, out.ToHost(), 1e-6)

	assert.Panics(t, func() { a.Forward(q, kv, kv, 2, 1, 2, mask.PadMask([]int{2, 1}, 3)) })
}

func TestIterativeInverse(t *testing.T) {
	k := mat.NewDense(2, 2, []float64{0.9, 0.1, 0.2, 0.8})
	inv := IterativeInverse(k, inverseIterations)

	var prod mat.Dense
	prod.Mul(k, inv)
	want := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	assert.True(t, mat.EqualApprox(&prod, want, 1e-6), "K * inv(K) = %v", mat.Formatted(&prod))
}

func TestLandmarksWrap(t *testing.T) {
	x := mat.NewDense(3, 1, []float64{1, 2, 3})
	// Segments of 3/2+1 = 2 rows: {1,2} and {3,1}.
	l := landmarks(x, 2)
	assert.Equal(t, []float64{1.5, 2}, l.RawMatrix().Data)
}

func TestNystromAttention_IdenticalKeysMatchExact(t *testing.T) {
	backend := device.NewCPUBackend()
	rng := rand.New(rand.NewPCG(1, 2))

	const (
		batch, length, width, heads = 2, 5, 4, 2
	)
	a := NewNystromAttention(heads, width, 3, width, 3, backend)
	randomize(a.LinearQ.Params(), rng)
	// Every key projects to the same constant row.
	a.LinearK.Bias = backend.NewTensor(1, width, []float32{0.5, -0.5, 0.25, 1})
	a.LinearV.Weight = identity(backend, width)
	a.LinearOut.Weight = identity(backend, width)

	x := randomTensor(backend, rng, batch*length, width)
	out := a.Forward(x, x, x, batch, length, length, nil)

	// Exact attention over identical keys averages the values.
	data := x.ToHost()
	want := make([]float32, 0, batch*length*width)
	for b := 0; b < batch; b++ {
		mean := make([]float32, width)
		for i := 0; i < length; i++ {
			for j := 0; j < width; j++ {
				mean[j] += data[(b*length+i)*width+j] / length
			}
		}
		for i := 0; i < length; i++ {
			want = append(want, mean...)
		}
	}
	assertClose(t, want, out.ToHost(), 1e-4)
}

func TestNystromAttention_ConvResidual(t *testing.T) {
	backend := device.NewCPUBackend()
	a := NewNystromAttention(1, 1, 1, 1, 3, backend)
	a.LinearQ.Weight = identity(backend, 1)
	a.LinearV.Weight = identity(backend, 1)
	a.LinearOut.Weight = identity(backend, 1)
	// Only the centre tap: adds each value to its own row.
	a.Conv.Set(0, 1, 1)
	x := backend.NewTensor(3, 1, []float32{3, 6, 9})

	t.Run("SourceAttentionSkipsConv", func(t *testing.T) {
		// Keys are all zero so attention averages to 6, whatever the lengths.
		out := a.Forward(x, x, x, 1, 3, 3, nil)
		assertClose(t, []float32{6, 6, 6}, out.ToHost(), 1e-4)

		q := backend.NewTensor(1, 1, []float32{1})
		out = a.Forward(q, x, x, 1, 1, 3, nil)
		assertClose(t, []float32{6}, out.ToHost(), 1e-4)
	})

	t.Run("SelfAttentionAddsConv", func(t *testing.T) {
		a.SelfAttention = true
		defer func() { a.SelfAttention = false }()

		out := a.Forward(x, x, x, 1, 3, 3, nil)
		assertClose(t, []float32{9, 12, 15}, out.ToHost(), 1e-4)

		q := backend.NewTensor(1, 1, []float32{1})
		assert.Panics(t, func() { a.Forward(q, x, x, 1, 1, 3, nil) })
	})
}

func TestDecoderLayer_CacheMatchesFull(t *testing.T) {
	backend := device.NewCPUBackend()
	const (
		batch, tLen, mLen, size, heads = 2, 3, 4, 8, 2
	)

	for _, tc := range []struct {
		name            string
		normalizeBefore bool
		concatAfter     bool
	}{
		{"PreNorm", true, false},
		{"PostNorm", false, false},
		{"ConcatAfter", true, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rng := rand.New(rand.NewPCG(3, 4))
			layer := NewDecoderLayer(size,
				NewMultiHeadedAttention(heads, size, size, nil, backend),
				NewMultiHeadedAttention(heads, size, size, nil, backend),
				NewPositionwiseFeedForward(size, 16, nil, backend),
				nil, tc.normalizeBefore, tc.concatAfter, backend)
			randomize(layer.Params(), rng)

			tgt := randomTensor(backend, rng, batch*tLen, size)
			memory := randomTensor(backend, rng, batch*mLen, size)
			memMask := mask.PadMask([]int{4, 2}, mLen)

			full := layer.Forward(tgt, mask.Subsequent(tLen), memory, memMask, batch, tLen, mLen, nil)

			// Prefix of tLen-1 positions per batch element.
			data := tgt.ToHost()
			var prefixData []float32
			for b := 0; b < batch; b++ {
				prefixData = append(prefixData, data[b*tLen*size:(b*tLen+tLen-1)*size]...)
			}
			prefix := backend.NewTensor(batch*(tLen-1), size, prefixData)
			cache := layer.Forward(prefix, mask.Subsequent(tLen-1), memory, memMask, batch, tLen-1, mLen, nil)

			step := layer.Forward(tgt, mask.Subsequent(tLen), memory, memMask, batch, tLen, mLen, cache)
			assertClose(t, full.ToHost(), step.ToHost(), 1e-4)
		})
	}
}

func TestDecoderLayer_BadCachePanics(t *testing.T) {
	backend := device.NewCPUBackend()
	layer := NewDecoderLayer(4,
		NewMultiHeadedAttention(1, 4, 4, nil, backend),
		NewMultiHeadedAttention(1, 4, 4, nil, backend),
		NewPositionwiseFeedForward(4, 8, nil, backend),
		nil, true, false, backend)

	tgt := backend.NewTensor(2, 4, nil)
	memory := backend.NewTensor(1, 4, nil)
	assert.Panics(t, func() {
		layer.Forward(tgt, mask.Subsequent(2), memory, nil, 1, 2, 1, backend.NewTensor(2, 4, nil))
	})
}
