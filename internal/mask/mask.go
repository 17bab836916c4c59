// Package mask builds the boolean attention masks used by the decoder.
// A mask value of true marks a visible (attendable) position.
package mask

import "log"

// Mask is a (Batch, Rows, Cols) boolean tensor stored row-major.
// Rows is 1 for masks that broadcast over query positions.
type Mask struct {
	Batch int
	Rows  int
	Cols  int
	Data  []bool
}

// New allocates a mask with every position hidden.
func New(batch, rows, cols int) *Mask {
	return &Mask{Batch: batch, Rows: rows, Cols: cols, Data: make([]bool, batch*rows*cols)}
}

// At reports whether column j of row i in batch element b is visible.
// Row and batch dimensions of size 1 broadcast.
func (m *Mask) At(b, i, j int) bool {
	if m.Batch == 1 {
		b = 0
	}
	if m.Rows == 1 {
		i = 0
	}
	return m.Data[(b*m.Rows+i)*m.Cols+j]
}

func (m *Mask) set(b, i, j int, v bool) {
	m.Data[(b*m.Rows+i)*m.Cols+j] = v
}

// Row returns the visibility row for batch element b and query row i.
func (m *Mask) Row(b, i int) []bool {
	if m.Batch == 1 {
		b = 0
	}
	if m.Rows == 1 {
		i = 0
	}
	off := (b*m.Rows + i) * m.Cols
	return m.Data[off : off+m.Cols]
}

// PadMask marks positions t < lens[b] visible. When maxLen is zero the
// longest length is used. The result has shape (len(lens), 1, maxLen).
func PadMask(lens []int, maxLen int) *Mask {
	if maxLen == 0 {
		for _, l := range lens {
			if l > maxLen {
				maxLen = l
			}
		}
	}
	m := New(len(lens), 1, maxLen)
	for b, l := range lens {
		if l < 0 {
			log.Panicf("PadMask: negative length %d at %d", l, b)
		}
		for t := 0; t < l && t < maxLen; t++ {
			m.set(b, 0, t, true)
		}
	}
	return m
}

// Subsequent returns the (1, size, size) lower-triangular causal mask.
func Subsequent(size int) *Mask {
	m := New(1, size, size)
	for i := 0; i < size; i++ {
		for j := 0; j <= i; j++ {
			m.set(0, i, j, true)
		}
	}
	return m
}

// And combines two masks with broadcasting over the batch and row dimensions.
func And(a, b *Mask) *Mask {
	if a.Cols != b.Cols {
		log.Panicf("And: column mismatch %d vs %d", a.Cols, b.Cols)
	}
	batch := broadcastDim("batch", a.Batch, b.Batch)
	rows := broadcastDim("rows", a.Rows, b.Rows)

	out := New(batch, rows, a.Cols)
	for bi := 0; bi < batch; bi++ {
		for i := 0; i < rows; i++ {
			for j := 0; j < a.Cols; j++ {
				out.set(bi, i, j, a.At(bi, i, j) && b.At(bi, i, j))
			}
		}
	}
	return out
}

func broadcastDim(name string, x, y int) int {
	switch {
	case x == y:
		return x
	case x == 1:
		return y
	case y == 1:
		return x
	}
	log.Panicf("And: %s mismatch %d vs %d", name, x, y)
	return 0
}

// Align pads the column dimension of m to length with visible values at the
// end. A mask already of the requested length is returned unchanged.
func Align(m *Mask, length int) *Mask {
	if m.Cols == length {
		return m
	}
	if m.Cols > length {
		log.Panicf("Align: mask length %d exceeds target %d", m.Cols, length)
	}
	out := New(m.Batch, m.Rows, length)
	for b := 0; b < m.Batch; b++ {
		for i := 0; i < m.Rows; i++ {
			row := out.Row(b, i)
			copy(row, m.Row(b, i))
			for j := m.Cols; j < length; j++ {
				row[j] = true
			}
		}
	}
	return out
}

// Tail keeps only the last n rows of every batch element.
func Tail(m *Mask, n int) *Mask {
	if m.Rows <= n {
		return m
	}
	out := New(m.Batch, n, m.Cols)
	for b := 0; b < m.Batch; b++ {
		for i := 0; i < n; i++ {
			copy(out.Row(b, i), m.Row(b, m.Rows-n+i))
		}
	}
	return out
}

// Expand materializes broadcast batch and row dimensions.
func Expand(m *Mask, batch, rows int) *Mask {
	if m.Batch == batch && m.Rows == rows {
		return m
	}
	out := New(batch, rows, m.Cols)
	for b := 0; b < batch; b++ {
		for i := 0; i < rows; i++ {
			copy(out.Row(b, i), m.Row(b, i))
		}
	}
	return out
}

// ValidCounts returns, per batch element, the number of visible positions
// in the last row: the valid length of a causal+padding target mask.
func ValidCounts(m *Mask) []int {
	counts := make([]int, m.Batch)
	for b := range counts {
		for _, v := range m.Row(b, m.Rows-1) {
			if v {
				counts[b]++
			}
		}
	}
	return counts
}
