package nn

import (
	"sync"

	"gonum.org/v1/gonum/mat"
)

// matrixPool recycles the per-head scratch matrices of landmark attention.
type matrixPool struct {
	p sync.Pool
}

var pool = &matrixPool{}

// get returns a zeroed rows x cols matrix, reusing a pooled backing array
// when one is large enough.
func (p *matrixPool) get(rows, cols int) *mat.Dense {
	if rows == 0 || cols == 0 {
		return &mat.Dense{}
	}
	if v := p.p.Get(); v != nil {
		buf := v.(*[]float64)
		if cap(*buf) >= rows*cols {
			raw := (*buf)[:rows*cols]
			for i := range raw {
				raw[i] = 0
			}
			return mat.NewDense(rows, cols, raw)
		}
	}
	return mat.NewDense(rows, cols, nil)
}

func (p *matrixPool) put(m *mat.Dense) {
	if m == nil || m.IsEmpty() {
		return
	}
	raw := m.RawMatrix().Data
	p.p.Put(&raw)
}
