package device

import "log"

// ConcatSeq joins two batched sequences along time. prev holds batch
// sequences of prevLen rows each (nil when prevLen is 0) and next holds
// batch sequences of nextLen rows each; the result holds batch sequences
// of prevLen+nextLen rows, prev rows first.
func ConcatSeq(b Backend, prev Tensor, prevLen int, next Tensor, nextLen, batch int) Tensor {
	_, c := next.Dims()
	nextData := next.ToHost()
	if prev == nil || prevLen == 0 {
		return b.NewTensor(batch*nextLen, c, nextData)
	}
	pr, pc := prev.Dims()
	if pc != c || pr != batch*prevLen {
		log.Panicf("ConcatSeq: prev is %dx%d, want %dx%d", pr, pc, batch*prevLen, c)
	}
	prevData := prev.ToHost()

	total := prevLen + nextLen
	out := make([]float32, 0, batch*total*c)
	for i := 0; i < batch; i++ {
		out = append(out, prevData[i*prevLen*c:(i+1)*prevLen*c]...)
		out = append(out, nextData[i*nextLen*c:(i+1)*nextLen*c]...)
	}
	return b.NewTensor(batch*total, c, out)
}

// LastPositions gathers the final row of each of batch sequences of seqLen rows.
func LastPositions(t Tensor, batch, seqLen int) Tensor {
	indices := make([]int, batch)
	for i := range indices {
		indices[i] = i*seqLen + seqLen - 1
	}
	return t.Gather(indices)
}

// SplitBatch splits a (batch*rows, cols) tensor into batch tensors of rows each.
func SplitBatch(t Tensor, batch int) []Tensor {
	r, c := t.Dims()
	if batch == 0 || r%batch != 0 {
		log.Panicf("SplitBatch: %d rows not divisible by batch %d", r, batch)
	}
	rows := r / batch
	parts := make([]Tensor, batch)
	for i := range parts {
		if rows == 0 {
			continue
		}
		parts[i] = t.Slice(i*rows, (i+1)*rows, 0, c)
	}
	return parts
}

// JoinBatch stacks equally shaped tensors into one (len(parts)*rows, cols) tensor.
func JoinBatch(b Backend, parts []Tensor) Tensor {
	if len(parts) == 0 {
		log.Panic("JoinBatch: no parts")
	}
	r, c := parts[0].Dims()
	out := make([]float32, 0, len(parts)*r*c)
	for i, p := range parts {
		pr, pc := p.Dims()
		if pr != r || pc != c {
			log.Panicf("JoinBatch: part %d is %dx%d, want %dx%d", i, pr, pc, r, c)
		}
		out = append(out, p.ToHost()...)
	}
	t := b.GetTensor(len(parts)*r, c)
	t.CopyFromFloat32(out)
	return t
}

// RepeatBatch stacks n copies of t. The result comes from the backend pool
// and may be returned with PutTensor once no longer referenced.
func RepeatBatch(b Backend, t Tensor, n int) Tensor {
	parts := make([]Tensor, n)
	for i := range parts {
		parts[i] = t
	}
	return JoinBatch(b, parts)
}
