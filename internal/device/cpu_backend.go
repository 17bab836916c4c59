package device

import (
	"log"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-decoder/internal/simd"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

// maskedScore is the score assigned to masked keys before softmax.
const maskedScore = -math.MaxFloat32

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) NewTensor(r, c int, data []float32) Tensor {
	size := r * c
	t := &CPUTensor{
		backend: b,
		rows:    r,
		cols:    c,
		data:    make([]float32, size),
	}

	if data != nil {
		if len(data) != size {
			log.Panicf("NewTensor: provided data length %d does not match dimensions %dx%d", len(data), r, c)
		}
		copy(t.data, data)
	}

	return t
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	ct, ok := b.pool.Get().(*CPUTensor)
	if !ok || ct == nil {
		poolMisses.WithLabelValues(b.Name()).Inc()
		ct = &CPUTensor{}
	} else {
		poolHits.WithLabelValues(b.Name()).Inc()
	}

	// Initialize/reset the tensor
	ct.backend = b
	ct.rows = r
	ct.cols = c
	ct.trans = false
	size := r * c
	if cap(ct.data) < size {
		ct.data = make([]float32, size)
	} else {
		ct.data = ct.data[:size]
		for i := range ct.data {
			ct.data[i] = 0
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok || ct.trans {
		return // Don't pool foreign tensors or shared transpose views
	}

	ct.rows = 0
	ct.cols = 0
	// Data is zeroed when retrieved by GetTensor
	b.pool.Put(ct)
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	rows    int
	cols    int
	trans   bool // Transposed view flag
}

func (t *CPUTensor) Dims() (int, int) {
	if t.trans {
		return t.cols, t.rows
	}
	return t.rows, t.cols
}

func (t *CPUTensor) At(i, j int) float32 {
	if t.trans {
		// Logical (i, j) -> Physical (j, i)
		return t.data[j*t.cols+i]
	}
	return t.data[i*t.cols+j]
}

func (t *CPUTensor) Set(i, j int, v float32) {
	if t.trans {
		t.data[j*t.cols+i] = v
	} else {
		t.data[i*t.cols+j] = v
	}
}

func (t *CPUTensor) Data() []float32 {
	// If transposed, data is not contiguous in logical order
	if t.trans {
		return nil
	}
	return t.data
}

func (t *CPUTensor) ToHost() []float32 {
	if t.trans {
		rows, cols := t.Dims()
		out := make([]float32, rows*cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				out[i*cols+j] = t.At(i, j)
			}
		}
		return out
	}

	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != len(t.data) {
		log.Panicf("CopyFromFloat32: size mismatch, got %d want %d", len(data), len(t.data))
	}
	if t.trans {
		rows, cols := t.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				t.Set(i, j, data[i*cols+j])
			}
		}
		return
	}
	copy(t.data, data)
}

func (t *CPUTensor) Slice(i, k, j, l int) Tensor {
	sliceRows := k - i
	sliceCols := l - j
	r, c := t.Dims()
	if sliceRows <= 0 || sliceCols <= 0 || k > r || l > c || i < 0 || j < 0 {
		log.Panicf("Slice: invalid bounds [%d:%d, %d:%d] of %dx%d", i, k, j, l, r, c)
	}

	out := t.backend.NewTensor(sliceRows, sliceCols, nil).(*CPUTensor)
	if !t.trans {
		for rowIdx := 0; rowIdx < sliceRows; rowIdx++ {
			src := t.data[(i+rowIdx)*t.cols+j : (i+rowIdx)*t.cols+l]
			copy(out.data[rowIdx*sliceCols:(rowIdx+1)*sliceCols], src)
		}
		return out
	}
	for rowIdx := 0; rowIdx < sliceRows; rowIdx++ {
		for colIdx := 0; colIdx < sliceCols; colIdx++ {
			out.data[rowIdx*sliceCols+colIdx] = t.At(i+rowIdx, j+colIdx)
		}
	}
	return out
}

func (t *CPUTensor) T() Tensor {
	return &CPUTensor{
		backend: t.backend,
		data:    t.data, // Share data
		rows:    t.rows,
		cols:    t.cols,
		trans:   !t.trans,
	}
}

func (t *CPUTensor) general() blas32.General {
	return blas32.General{Rows: t.rows, Cols: t.cols, Stride: t.cols, Data: t.data}
}

func (t *CPUTensor) transpose() blas.Transpose {
	if t.trans {
		return blas.Trans
	}
	return blas.NoTrans
}

// Mul computes t = a * b with a single SGEMM call. Transposed views are
// passed to BLAS as transpose flags without materializing them.
func (t *CPUTensor) Mul(a, b Tensor) {
	ma := mustCPU(a, "Mul")
	mb := mustCPU(b, "Mul")

	ar, ac := ma.Dims()
	br, bc := mb.Dims()
	if ac != br {
		log.Panicf("Mul: dimension mismatch. A cols (%d) != B rows (%d)", ac, br)
	}

	tr, tc := t.Dims()
	if tr != ar || tc != bc {
		log.Panicf("Mul: result tensor dimension mismatch. Expected %dx%d, got %dx%d", ar, bc, tr, tc)
	}
	if t.trans {
		log.Panic("Mul: result must not be a transposed view")
	}
	if ar == 0 || bc == 0 {
		return
	}
	if ac == 0 {
		for i := range t.data {
			t.data[i] = 0
		}
		return
	}

	blas32.Gemm(ma.transpose(), mb.transpose(), 1, ma.general(), mb.general(), 0, t.general())
}

func (t *CPUTensor) Add(other Tensor) {
	ot := mustCPU(other, "Add")

	tr, tc := t.Dims()
	or, oc := ot.Dims()
	if tr != or || tc != oc {
		log.Panicf("Add: dimension mismatch. Target: %dx%d, Other: %dx%d", tr, tc, or, oc)
	}

	if !t.trans && !ot.trans {
		simd.VecAdd(t.data, ot.data)
		return
	}
	for i := 0; i < tr; i++ {
		for j := 0; j < tc; j++ {
			t.Set(i, j, t.At(i, j)+ot.At(i, j))
		}
	}
}

func (t *CPUTensor) Scale(val float32) {
	simd.VecScale(t.data, val)
}

func (t *CPUTensor) AddBias(bias Tensor) {
	bt := mustCPU(bias, "AddBias")
	if t.trans {
		log.Panic("AddBias not supported on transposed tensor views directly")
	}

	r, c := t.Dims()
	biasData := bt.ToHost()
	if len(biasData) != c {
		log.Panicf("AddBias: bias length %d mismatch with tensor columns %d", len(biasData), c)
	}

	for i := 0; i < r; i++ {
		simd.VecAdd(t.data[i*c:(i+1)*c], biasData)
	}
}

func (t *CPUTensor) Gather(indices []int) Tensor {
	r, c := t.Dims()
	out := t.backend.NewTensor(len(indices), c, nil).(*CPUTensor)

	for i, idx := range indices {
		if idx < 0 || idx >= r {
			log.Panicf("Gather: index %d out of bounds for %d rows", idx, r)
		}
		if !t.trans {
			copy(out.data[i*c:(i+1)*c], t.data[idx*c:(idx+1)*c])
			continue
		}
		for j := 0; j < c; j++ {
			out.data[i*c+j] = t.At(idx, j)
		}
	}
	return out
}

func (t *CPUTensor) eachRow(op string, fn func(row []float32)) {
	if t.trans {
		log.Panicf("%s on transposed tensor view", op)
	}
	r, c := t.Dims()
	for i := 0; i < r; i++ {
		fn(t.data[i*c : (i+1)*c])
	}
}

func (t *CPUTensor) LogSoftmax() {
	t.eachRow("LogSoftmax", simd.LogSoftmax)
}

func (t *CPUTensor) Relu() {
	if t.trans {
		log.Panic("Relu on transposed tensor view")
	}
	simd.Relu(t.data)
}

func (t *CPUTensor) LayerNorm(gamma, beta Tensor, eps float32) {
	gammaData := mustCPU(gamma, "LayerNorm").ToHost()
	betaData := mustCPU(beta, "LayerNorm").ToHost()

	_, c := t.Dims()
	if len(gammaData) < c || len(betaData) < c {
		log.Panic("LayerNorm params dim mismatch")
	}

	t.eachRow("LayerNorm", func(row []float32) {
		var sum float64
		for _, v := range row {
			sum += float64(v)
		}
		mean := sum / float64(c)

		var varSum float64
		for _, v := range row {
			diff := float64(v) - mean
			varSum += diff * diff
		}
		invStd := 1.0 / math.Sqrt(varSum/float64(c)+float64(eps))

		for j := range row {
			row[j] = float32((float64(row[j])-mean)*invStd)*gammaData[j] + betaData[j]
		}
	})
}

func (t *CPUTensor) Linear(weight, bias Tensor) Tensor {
	r, _ := t.Dims()
	_, wc := weight.Dims()

	result := t.backend.GetTensor(r, wc)
	result.Mul(t, weight)
	if bias != nil {
		result.AddBias(bias)
	}
	return result
}

func (t *CPUTensor) Attention(k, v Tensor, p AttentionParams) Tensor {
	if t.trans {
		log.Panic("Attention: queries must not be a transposed view")
	}
	qt := t
	kt := mustCPU(k, "Attention")
	vt := mustCPU(v, "Attention")
	if kt.trans || vt.trans {
		log.Panic("Attention: keys and values must not be transposed views")
	}

	r, c := qt.Dims()
	kr, kc := kt.Dims()
	if r != p.Batch*p.QLen || kr != p.Batch*p.KLen || kc != c || c%p.Heads != 0 {
		log.Panicf("Attention: dims mismatch q=%dx%d k=%dx%d batch=%d qlen=%d klen=%d heads=%d",
			r, c, kr, kc, p.Batch, p.QLen, p.KLen, p.Heads)
	}
	if p.Mask != nil && len(p.Mask) != p.Batch*p.MaskRows*p.KLen {
		log.Panicf("Attention: mask length %d, want %d", len(p.Mask), p.Batch*p.MaskRows*p.KLen)
	}
	headDim := c / p.Heads

	result := t.backend.NewTensor(r, c, nil).(*CPUTensor)

	// One job per (batch, head) pair; each writes a disjoint column band.
	jobs := p.Batch * p.Heads
	workers := numWorkers
	if jobs < workers {
		workers = jobs
	}
	if workers == 0 {
		return result
	}
	perWorker := (jobs + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * perWorker
		end := start + perWorker
		if start >= jobs {
			break
		}
		if end > jobs {
			end = jobs
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()

			scores := make([]float32, p.KLen)
			for job := start; job < end; job++ {
				b := job / p.Heads
				h := job % p.Heads
				col := h * headDim

				for i := 0; i < p.QLen; i++ {
					qIdx := (b*p.QLen+i)*c + col
					qRow := qt.data[qIdx : qIdx+headDim]

					maskRow := maskRowFor(p, b, i)
					for j := 0; j < p.KLen; j++ {
						if maskRow != nil && !maskRow[j] {
							scores[j] = maskedScore
							continue
						}
						kIdx := (b*p.KLen+j)*c + col
						scores[j] = simd.DotProduct(qRow, kt.data[kIdx:kIdx+headDim]) * p.Scale
					}

					simd.Softmax(scores)
					if maskRow != nil {
						for j := range scores {
							if !maskRow[j] {
								scores[j] = 0
							}
						}
					}
					if p.ProbHook != nil {
						p.ProbHook(scores)
					}

					outIdx := (b*p.QLen+i)*c + col
					outRow := result.data[outIdx : outIdx+headDim]
					for j, s := range scores {
						if s == 0 {
							continue
						}
						vIdx := (b*p.KLen+j)*c + col
						simd.VecAddScaled(outRow, vt.data[vIdx:vIdx+headDim], s)
					}
				}
			}
		}(start, end)
	}
	wg.Wait()

	return result
}

func maskRowFor(p AttentionParams, b, i int) []bool {
	if p.Mask == nil {
		return nil
	}
	row := 0
	if p.MaskRows > 1 {
		row = i
	}
	off := (b*p.MaskRows + row) * p.KLen
	return p.Mask[off : off+p.KLen]
}

func mustCPU(t Tensor, op string) *CPUTensor {
	ct, ok := t.(*CPUTensor)
	if !ok {
		log.Panicf("%s: mixed backend tensors not supported", op)
	}
	return ct
}
