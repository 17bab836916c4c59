package device

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func TestCPUBackend_TensorOps(t *testing.T) {
	backend := NewCPUBackend()

	t.Run("Add", func(t *testing.T) {
		a := backend.NewTensor(2, 2, []float32{1, 2, 3, 4})
		b := backend.NewTensor(2, 2, []float32{10, 20, 30, 40})

		a.Add(b)

		assertClose(t, []float32{11, 22, 33, 44}, a.ToHost(), 1e-6)
	})

	t.Run("Mul", func(t *testing.T) {
		// A: 2x3, B: 3x2 -> C: 2x2
		a := backend.NewTensor(2, 3, []float32{
			1, 2, 3,
			4, 5, 6,
		})
		b := backend.NewTensor(3, 2, []float32{
			7, 8,
			9, 10,
			11, 12,
		})

		c := backend.NewTensor(2, 2, nil)
		c.Mul(a, b)

		// 1*7 + 2*9 + 3*11 = 58, 1*8 + 2*10 + 3*12 = 64
		// 4*7 + 5*9 + 6*11 = 139, 4*8 + 5*10 + 6*12 = 154
		assertClose(t, []float32{58, 64, 139, 154}, c.ToHost(), 1e-4)
	})

	t.Run("MulTransposed", func(t *testing.T) {
		a := backend.NewTensor(2, 3, []float32{
			1, 2, 3,
			4, 5, 6,
		})
		// a * a^T
		c := backend.NewTensor(2, 2, nil)
		c.Mul(a, a.T())
		assertClose(t, []float32{14, 32, 32, 77}, c.ToHost(), 1e-4)

		// a^T * a
		d := backend.NewTensor(3, 3, nil)
		d.Mul(a.T(), a)
		assertClose(t, []float32{17, 22, 27, 22, 29, 36, 27, 36, 45}, d.ToHost(), 1e-4)
	})

	t.Run("Scale", func(t *testing.T) {
		a := backend.NewTensor(2, 2, []float32{1, 2, 3, 4})
		a.Scale(2.0)
		assertClose(t, []float32{2, 4, 6, 8}, a.ToHost(), 1e-6)
	})

	t.Run("LayerNorm", func(t *testing.T) {
		a := backend.NewTensor(1, 4, []float32{1, 2, 3, 4})
		gamma := backend.NewTensor(1, 4, []float32{1, 1, 1, 1})
		beta := backend.NewTensor(1, 4, []float32{0, 0, 0, 0})

		// Mean = 2.5, Variance = 1.25, StdDev ≈ 1.11803
		a.LayerNorm(gamma, beta, 1e-12)

		assertClose(t, []float32{-1.3416407, -0.4472136, 0.4472136, 1.3416407}, a.ToHost(), 1e-5)
	})

	t.Run("LinearAndBias", func(t *testing.T) {
		x := backend.NewTensor(1, 2, []float32{1, 2})
		w := backend.NewTensor(2, 3, []float32{1, 0, 1, 0, 1, 1})
		bias := backend.NewTensor(1, 3, []float32{0.5, 0.5, 0.5})

		out := x.Linear(w, bias)
		assertClose(t, []float32{1.5, 2.5, 3.5}, out.ToHost(), 1e-6)
	})

	t.Run("GatherAndSlice", func(t *testing.T) {
		a := backend.NewTensor(3, 2, []float32{1, 2, 3, 4, 5, 6})
		g := a.Gather([]int{2, 0})
		assertClose(t, []float32{5, 6, 1, 2}, g.ToHost(), 0)

		s := a.Slice(1, 3, 1, 2)
		r, c := s.Dims()
		assert.Equal(t, 2, r)
		assert.Equal(t, 1, c)
		assertClose(t, []float32{4, 6}, s.ToHost(), 0)
	})

	t.Run("LogSoftmax", func(t *testing.T) {
		a := backend.NewTensor(1, 3, []float32{0, 0, 0})
		a.LogSoftmax()
		want := float32(-math.Log(3))
		assertClose(t, []float32{want, want, want}, a.ToHost(), 1e-6)
	})

	t.Run("Pooling", func(t *testing.T) {
		t1 := backend.GetTensor(10, 10)
		t1.Set(0, 0, 123)
		backend.PutTensor(t1)

		t2 := backend.GetTensor(10, 10)
		assert.Equal(t, float32(0), t2.At(0, 0), "pooled tensor not zeroed")
	})
}

func TestCPUBackend_Attention(t *testing.T) {
	backend := NewCPUBackend()

	t.Run("SingleKeyCopiesValue", func(t *testing.T) {
		q := backend.NewTensor(1, 2, []float32{1, 1})
		k := backend.NewTensor(1, 2, []float32{3, -1})
		v := backend.NewTensor(1, 2, []float32{7, 9})

		out := q.Attention(k, v, AttentionParams{Batch: 1, QLen: 1, KLen: 1, Heads: 1, Scale: 1})
		assertClose(t, []float32{7, 9}, out.ToHost(), 1e-6)
	})

	t.Run("MaskHidesKeys", func(t *testing.T) {
		q := backend.NewTensor(1, 1, []float32{1})
		k := backend.NewTensor(2, 1, []float32{1, 100})
		v := backend.NewTensor(2, 1, []float32{5, -5})

		out := q.Attention(k, v, AttentionParams{
			Batch: 1, QLen: 1, KLen: 2, Heads: 1, Scale: 1,
			Mask: []bool{true, false}, MaskRows: 1,
		})
		assertClose(t, []float32{5}, out.ToHost(), 1e-6)
	})

	t.Run("FullyMaskedRowIsZero", func(t *testing.T) {
		q := backend.NewTensor(1, 1, []float32{1})
		k := backend.NewTensor(2, 1, []float32{1, 2})
		v := backend.NewTensor(2, 1, []float32{5, -5})

		out := q.Attention(k, v, AttentionParams{
			Batch: 1, QLen: 1, KLen: 2, Heads: 1, Scale: 1,
			Mask: []bool{false, false}, MaskRows: 1,
		})
		assertClose(t, []float32{0}, out.ToHost(), 0)
	})

	t.Run("HeadsAreIndependent", func(t *testing.T) {
		// Two heads of width 1. Head 0 prefers key 0, head 1 prefers key 1.
		q := backend.NewTensor(1, 2, []float32{10, 10})
		k := backend.NewTensor(2, 2, []float32{
			1, -1,
			-1, 1,
		})
		v := backend.NewTensor(2, 2, []float32{
			1, 3,
			2, 4,
		})
		out := q.Attention(k, v, AttentionParams{Batch: 1, QLen: 1, KLen: 2, Heads: 2, Scale: 1})
		assertClose(t, []float32{1, 4}, out.ToHost(), 1e-4)
	})
}

func TestSequenceHelpers(t *testing.T) {
	backend := NewCPUBackend()

	// batch=2, prev has 1 row per element, next has 1 row per element
	prev := backend.NewTensor(2, 2, []float32{1, 1, 2, 2})
	next := backend.NewTensor(2, 2, []float32{3, 3, 4, 4})

	joined := ConcatSeq(backend, prev, 1, next, 1, 2)
	assertClose(t, []float32{1, 1, 3, 3, 2, 2, 4, 4}, joined.ToHost(), 0)

	last := LastPositions(joined, 2, 2)
	assertClose(t, []float32{3, 3, 4, 4}, last.ToHost(), 0)

	parts := SplitBatch(joined, 2)
	require.Len(t, parts, 2)
	assertClose(t, []float32{2, 2, 4, 4}, parts[1].ToHost(), 0)

	back := JoinBatch(backend, parts)
	assertClose(t, joined.ToHost(), back.ToHost(), 0)

	rep := RepeatBatch(backend, next, 2)
	r, _ := rep.Dims()
	assert.Equal(t, 4, r)

	fresh := ConcatSeq(backend, nil, 0, next, 1, 2)
	assertClose(t, next.ToHost(), fresh.ToHost(), 0)
}
