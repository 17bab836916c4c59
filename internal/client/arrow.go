package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-decoder/internal/cache"
	"github.com/23skdu/longbow-decoder/internal/search"
)

// HypothesisSchema is the layout of decoded n-best records.
var HypothesisSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "utterance_id", Type: arrow.BinaryTypes.String},
		{Name: "rank", Type: arrow.PrimitiveTypes.Int32},
		{Name: "score", Type: arrow.PrimitiveTypes.Float32},
		{Name: "tokens", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: "text", Type: arrow.BinaryTypes.String},
	},
	nil,
)

// MemorySchema is the layout of encoder memory uploads: one row per frame.
var MemorySchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "utterance_id", Type: arrow.BinaryTypes.String},
		{Name: "frame", Type: arrow.PrimitiveTypes.Int32},
		{Name: "features", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	},
	nil,
)

// RecordBatchBuilder creates Arrow RecordBatches from decoder inputs and outputs.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildHypotheses converts an n-best list into a RecordBatch, one row per
// hypothesis in rank order. text may be nil, leaving the text column empty.
func (b *RecordBatchBuilder) BuildHypotheses(uttID string, hyps []search.Hypothesis, text func([]int) string) (arrow.RecordBatch, error) {
	if len(hyps) == 0 {
		return nil, nil
	}

	idBuilder := array.NewStringBuilder(b.mem)
	defer idBuilder.Release()
	rankBuilder := array.NewInt32Builder(b.mem)
	defer rankBuilder.Release()
	scoreBuilder := array.NewFloat32Builder(b.mem)
	defer scoreBuilder.Release()
	tokenBuilder := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Int32)
	defer tokenBuilder.Release()
	textBuilder := array.NewStringBuilder(b.mem)
	defer textBuilder.Release()

	tokenValues := tokenBuilder.ValueBuilder().(*array.Int32Builder)
	for rank, h := range hyps {
		idBuilder.Append(uttID)
		rankBuilder.Append(int32(rank))
		scoreBuilder.Append(float32(h.Score))
		tokenBuilder.Append(true)
		for _, tok := range h.Tokens {
			tokenValues.Append(int32(tok))
		}
		if text != nil {
			textBuilder.Append(text(h.Tokens))
		} else {
			textBuilder.Append("")
		}
	}

	cols := []arrow.Array{
		idBuilder.NewArray(),
		rankBuilder.NewArray(),
		scoreBuilder.NewArray(),
		tokenBuilder.NewArray(),
		textBuilder.NewArray(),
	}
	defer releaseAll(cols)

	return array.NewRecordBatch(HypothesisSchema, cols, int64(len(hyps))), nil
}

// BuildMemory converts one utterance's frames into a RecordBatch.
func (b *RecordBatchBuilder) BuildMemory(uttID string, frames [][]float32) (arrow.RecordBatch, error) {
	if len(frames) == 0 {
		return nil, nil
	}

	idBuilder := array.NewStringBuilder(b.mem)
	defer idBuilder.Release()
	frameBuilder := array.NewInt32Builder(b.mem)
	defer frameBuilder.Release()
	listBuilder := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	defer listBuilder.Release()

	valueBuilder := listBuilder.ValueBuilder().(*array.Float32Builder)
	for i, f := range frames {
		idBuilder.Append(uttID)
		frameBuilder.Append(int32(i))
		listBuilder.Append(true)
		valueBuilder.AppendValues(f, nil)
	}

	cols := []arrow.Array{idBuilder.NewArray(), frameBuilder.NewArray(), listBuilder.NewArray()}
	defer releaseAll(cols)

	return array.NewRecordBatch(MemorySchema, cols, int64(len(frames))), nil
}

func releaseAll(cols []arrow.Array) {
	for _, c := range cols {
		c.Release()
	}
}

// ReadMemories groups the rows of a MemorySchema record by utterance,
// placing each frame at its frame index. Every frame of an utterance must
// have the same width and frame indices must be dense.
func ReadMemories(rec arrow.RecordBatch) (map[string]cache.Memory, error) {
	if !rec.Schema().Equal(MemorySchema) {
		return nil, fmt.Errorf("unexpected schema %s", rec.Schema())
	}
	ids := rec.Column(0).(*array.String)
	idx := rec.Column(1).(*array.Int32)
	feats := rec.Column(2).(*array.List)
	values := feats.ListValues().(*array.Float32)
	offsets := feats.Offsets()

	frames := make(map[string][][]float32)
	for i := 0; i < int(rec.NumRows()); i++ {
		if ids.IsNull(i) || idx.IsNull(i) || feats.IsNull(i) {
			return nil, fmt.Errorf("row %d has null fields", i)
		}
		id, pos := ids.Value(i), int(idx.Value(i))
		if pos < 0 {
			return nil, fmt.Errorf("row %d has negative frame %d", i, pos)
		}
		row := values.Float32Values()[offsets[i]:offsets[i+1]]

		f := frames[id]
		for len(f) <= pos {
			f = append(f, nil)
		}
		f[pos] = append([]float32(nil), row...)
		frames[id] = f
	}

	out := make(map[string]cache.Memory, len(frames))
	for id, f := range frames {
		dim := len(f[0])
		data := make([]float32, 0, len(f)*dim)
		for pos, row := range f {
			if row == nil {
				return nil, fmt.Errorf("utterance %s is missing frame %d", id, pos)
			}
			if len(row) != dim {
				return nil, fmt.Errorf("utterance %s frame %d has %d features, want %d", id, pos, len(row), dim)
			}
			data = append(data, row...)
		}
		out[id] = cache.Memory{Frames: len(f), Dim: dim, Data: data}
	}
	return out, nil
}
