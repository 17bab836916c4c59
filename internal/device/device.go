package device

// Tensor represents a two-dimensional float32 matrix resident on a backend.
// Sequence batches are flattened row-major: row b*seqLen+t holds position t
// of batch element b.
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// At returns the value at (i, j).
	// This is often slow and should be used for debugging or infrequent access.
	At(i, j int) float32

	// Set sets the value at (i, j).
	Set(i, j int, v float32)

	// Data returns the underlying slice if it is contiguous on the host (nil otherwise).
	Data() []float32

	// ToHost copies the data to a Go slice in logical row-major order.
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice to the tensor.
	CopyFromFloat32(data []float32)

	// Slice copies the sub-matrix rows [i,k) x cols [j,l) into a new tensor.
	Slice(i, k, j, l int) Tensor

	// T returns the transpose view.
	T() Tensor

	// Mul performs matrix multiplication.
	// Convention: t.Mul(a, b) means t = a * b
	Mul(a, b Tensor)

	// Add performs element-wise addition: t = t + other
	Add(other Tensor)

	// Scale performs: t = t * val
	Scale(val float32)

	// AddBias adds a 1xN bias vector to each row.
	AddBias(bias Tensor)

	// Activation functions (In-Place)
	LogSoftmax()
	Relu()

	// LayerNorm performs layer normalization over each row (In-Place).
	LayerNorm(gamma, beta Tensor, eps float32)

	// Gather collects rows based on indices. Returns new Tensor.
	Gather(indices []int) Tensor

	// Linear performs a fused MatMul + BiasAdd with the receiver as input.
	// equivalent to: out.Mul(t, weight); out.AddBias(bias)
	Linear(weight, bias Tensor) Tensor

	// Attention performs masked multi-head scaled dot product attention with
	// the receiver as the projected queries.
	// q is (Batch*QLen, Heads*HeadDim), k and v are (Batch*KLen, Heads*HeadDim).
	// Returns the concatenated per-head context (Batch*QLen, Heads*HeadDim).
	Attention(k, v Tensor, p AttentionParams) Tensor
}

// AttentionParams describes the batch layout and mask of a fused attention call.
type AttentionParams struct {
	Batch int
	QLen  int
	KLen  int
	Heads int
	Scale float32

	// Mask is laid out as Batch x MaskRows x KLen, true meaning visible.
	// MaskRows is either 1 (broadcast over queries) or QLen. A nil mask
	// leaves every key visible.
	Mask     []bool
	MaskRows int

	// ProbHook, when set, is applied to every row of attention
	// probabilities before they weight the values. It may be called
	// concurrently.
	ProbHook func(probs []float32)
}

// Backend creates tensors and manages device memory.
type Backend interface {
	Name() string
	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a zeroed tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)
}
