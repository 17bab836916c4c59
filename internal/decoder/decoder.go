// Package decoder implements a Transformer sequence decoder for speech
// recognition: full-sequence scoring of target prefixes against encoder
// memory, and incremental cached scoring for beam search.
package decoder

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-decoder/internal/device"
	"github.com/23skdu/longbow-decoder/internal/mask"
	"github.com/23skdu/longbow-decoder/internal/nn"
)

// Cache holds one entry per block: that block's outputs for every prefix
// position, laid out as (batch*prefixLen, D).
type Cache []device.Tensor

// TransformerDecoder is a stack of decoder blocks over an input layer,
// with optional final normalization and output projection.
type TransformerDecoder struct {
	cfg     Config
	backend device.Backend
	mode    *nn.Mode
	input   inputLayer

	Blocks []*nn.DecoderLayer
	// AfterNorm is set only when NormalizeBefore is.
	AfterNorm *nn.LayerNorm
	// OutputLayer is set only when UseOutputLayer is.
	OutputLayer *nn.Linear
}

// New validates cfg and builds a decoder in inference mode. On error no
// decoder is returned.
func New(cfg Config, backend device.Backend) (*TransformerDecoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mode := nn.NewMode(cfg.Seed)
	input, err := newInputLayer(cfg, mode, backend)
	if err != nil {
		return nil, err
	}

	d := &TransformerDecoder{
		cfg:     cfg,
		backend: backend,
		mode:    mode,
		input:   input,
	}

	size, width := cfg.EncoderOutputSize, cfg.AttentionWidth()
	d.Blocks = nn.Repeat(cfg.NumBlocks, func(int) *nn.DecoderLayer {
		selfAttn := nn.NewMultiHeadedAttention(cfg.AttentionHeads, size, width,
			nn.NewDropout(cfg.SelfAttentionDropoutRate, mode), backend)

		var srcAttn nn.Attention
		if cfg.SrcAttentionLayer == SrcAttentionNystrom {
			srcAttn = nn.NewNystromAttention(cfg.AttentionHeads, size, cfg.NystromLandmarks, width, cfg.NystromKernel, backend)
		} else {
			srcAttn = nn.NewMultiHeadedAttention(cfg.AttentionHeads, size, width,
				nn.NewDropout(cfg.SrcAttentionDropoutRate, mode), backend)
		}

		dropout := nn.NewDropout(cfg.DropoutRate, mode)
		ff := nn.NewPositionwiseFeedForward(size, cfg.LinearUnits, dropout, backend)
		return nn.NewDecoderLayer(size, selfAttn, srcAttn, ff, dropout, cfg.NormalizeBefore, cfg.ConcatAfter, backend)
	})

	if cfg.NormalizeBefore {
		d.AfterNorm = nn.NewLayerNorm(size, backend)
	}
	if cfg.UseOutputLayer {
		d.OutputLayer = nn.NewLinear(size, cfg.VocabSize, backend)
	}

	decoderBlocks.Set(float64(cfg.NumBlocks))
	log.Debug().
		Str("input_layer", cfg.InputLayer).
		Str("src_attention", cfg.SrcAttentionLayer).
		Int("blocks", cfg.NumBlocks).
		Int("size", size).
		Int("attention_width", width).
		Int("vocab", cfg.VocabSize).
		Msg("Decoder constructed")

	return d, nil
}

func (d *TransformerDecoder) Config() Config { return d.cfg }

func (d *TransformerDecoder) Backend() device.Backend { return d.backend }

// Train enables dropout.
func (d *TransformerDecoder) Train() { d.mode.SetTraining(true) }

// Eval disables dropout.
func (d *TransformerDecoder) Eval() { d.mode.SetTraining(false) }

// ParamGroup is a named run of parameters within the serialization order.
type ParamGroup struct {
	Name   string
	Params []device.Tensor
}

// ParamGroups returns the parameters in serialization order: input layer,
// each block, after-norm, output layer.
func (d *TransformerDecoder) ParamGroups() []ParamGroup {
	groups := []ParamGroup{{Name: "input layer", Params: d.input.params()}}
	for i, b := range d.Blocks {
		groups = append(groups, ParamGroup{Name: fmt.Sprintf("block %d", i), Params: b.Params()})
	}
	if d.AfterNorm != nil {
		groups = append(groups, ParamGroup{Name: "after norm", Params: d.AfterNorm.Params()})
	}
	if d.OutputLayer != nil {
		groups = append(groups, ParamGroup{Name: "output layer", Params: d.OutputLayer.Params()})
	}
	return groups
}

// Params flattens ParamGroups.
func (d *TransformerDecoder) Params() []device.Tensor {
	var ps []device.Tensor
	for _, g := range d.ParamGroups() {
		ps = append(ps, g.Params...)
	}
	return ps
}

// InitWeights fills every matrix parameter with Xavier-uniform values from
// a generator seeded with seed. Norm and scale parameters keep their
// initial values.
func (d *TransformerDecoder) InitWeights(seed uint64) {
	rng := newRand(seed)
	for _, p := range d.Params() {
		if r, _ := p.Dims(); r > 1 {
			nn.XavierInit(p, rng)
		}
	}
}

// Forward scores complete target sequences. ys holds batch rows of equal
// padded length L; ids past ysLens[b] are ignored. memory is (B*T, D).
// It returns (B*L, OutputSize) logits and the valid length of each
// sequence.
func (d *TransformerDecoder) Forward(memory device.Tensor, memLens []int, ys [][]int, ysLens []int) (device.Tensor, []int, error) {
	start := time.Now()
	defer func() { forwardDuration.WithLabelValues("forward").Observe(time.Since(start).Seconds()) }()

	batch, length, err := padded(ys)
	if err != nil {
		return nil, nil, err
	}
	ids, err := d.flatten(ys, ysLens, length)
	if err != nil {
		return nil, nil, err
	}
	frames, err := d.checkMemory(memory, memLens, batch)
	if err != nil {
		return nil, nil, err
	}
	return d.forward(d.input.tokens(ids, batch, length), memory, memLens, ysLens, batch, length, frames)
}

// ForwardFeatures is Forward for the linear input layer, taking
// continuous (B*L, vocab) inputs in place of token ids.
func (d *TransformerDecoder) ForwardFeatures(memory device.Tensor, memLens []int, feats device.Tensor, ysLens []int) (device.Tensor, []int, error) {
	start := time.Now()
	defer func() { forwardDuration.WithLabelValues("forward").Observe(time.Since(start).Seconds()) }()

	batch := len(ysLens)
	if batch == 0 {
		return nil, nil, shapeErrorf("empty batch")
	}
	rows, _ := feats.Dims()
	if rows%batch != 0 || rows == 0 {
		return nil, nil, shapeErrorf("%d feature rows for batch %d", rows, batch)
	}
	length := rows / batch
	if err := checkLengths("ys", ysLens, length); err != nil {
		return nil, nil, err
	}
	frames, err := d.checkMemory(memory, memLens, batch)
	if err != nil {
		return nil, nil, err
	}
	x, err := d.input.features(feats, batch, length)
	if err != nil {
		return nil, nil, err
	}
	return d.forward(x, memory, memLens, ysLens, batch, length, frames)
}

func (d *TransformerDecoder) forward(x, memory device.Tensor, memLens, ysLens []int, batch, length, frames int) (device.Tensor, []int, error) {
	tgtMask := mask.And(mask.PadMask(ysLens, length), mask.Subsequent(length))
	memMask := mask.PadMask(memLens, frames)

	for _, block := range d.Blocks {
		x = block.Forward(x, tgtMask, memory, memMask, batch, length, frames, nil)
	}
	if d.AfterNorm != nil {
		d.AfterNorm.ForwardInPlace(x)
	}
	if d.OutputLayer != nil {
		x = d.OutputLayer.Forward(x)
	}
	return x, mask.ValidCounts(tgtMask), nil
}

// ForwardOneStep scores the next token after each prefix in tgt. All
// prefixes share one length L. tgtMask defaults to the causal mask and
// memMask to all frames visible; a memMask narrower than the memory is
// padded with visible frames. cache is nil or holds one entry per block
// for the first L-1 positions.
//
// It returns (B, OutputSize) log-probabilities for position L-1 and a
// new cache covering all L positions. The input cache is not modified.
func (d *TransformerDecoder) ForwardOneStep(tgt [][]int, tgtMask *mask.Mask, memory device.Tensor, memMask *mask.Mask, cache Cache) (device.Tensor, Cache, error) {
	start := time.Now()
	defer func() { forwardDuration.WithLabelValues("step").Observe(time.Since(start).Seconds()) }()

	batch, length, err := padded(tgt)
	if err != nil {
		return nil, nil, err
	}
	ids, err := d.flatten(tgt, nil, length)
	if err != nil {
		return nil, nil, err
	}
	frames, err := d.checkMemory(memory, nil, batch)
	if err != nil {
		return nil, nil, err
	}

	if tgtMask == nil {
		tgtMask = mask.Subsequent(length)
	}
	if tgtMask.Cols != length || (tgtMask.Rows != 1 && tgtMask.Rows != length) || (tgtMask.Batch != 1 && tgtMask.Batch != batch) {
		return nil, nil, shapeErrorf("target mask is %dx%dx%d for batch %d length %d",
			tgtMask.Batch, tgtMask.Rows, tgtMask.Cols, batch, length)
	}
	if memMask != nil {
		if memMask.Cols > frames || (memMask.Batch != 1 && memMask.Batch != batch) || (memMask.Rows != 1 && memMask.Rows != length) {
			return nil, nil, shapeErrorf("memory mask is %dx%dx%d for batch %d and %d frames",
				memMask.Batch, memMask.Rows, memMask.Cols, batch, frames)
		}
		memMask = mask.Align(memMask, frames)
	}
	if err := d.checkCache(cache, batch, length); err != nil {
		return nil, nil, err
	}

	x := d.input.tokens(ids, batch, length)
	next := make(Cache, len(d.Blocks))
	for i, block := range d.Blocks {
		var c device.Tensor
		if cache != nil {
			c = cache[i]
		}
		x = block.Forward(x, tgtMask, memory, memMask, batch, length, frames, c)
		next[i] = x
	}

	y := device.LastPositions(x, batch, length)
	if d.AfterNorm != nil {
		d.AfterNorm.ForwardInPlace(y)
	}
	if d.OutputLayer != nil {
		y = d.OutputLayer.Forward(y)
		y.LogSoftmax()
	}
	return y, next, nil
}

func (d *TransformerDecoder) checkCache(cache Cache, batch, length int) error {
	if cache == nil {
		return nil
	}
	if len(cache) != len(d.Blocks) {
		return shapeErrorf("cache has %d entries for %d blocks", len(cache), len(d.Blocks))
	}
	for i, c := range cache {
		if c == nil {
			return shapeErrorf("cache entry %d is nil", i)
		}
		r, cols := c.Dims()
		if r != batch*(length-1) || cols != d.cfg.EncoderOutputSize {
			return shapeErrorf("cache entry %d is %dx%d, want %dx%d", i, r, cols, batch*(length-1), d.cfg.EncoderOutputSize)
		}
	}
	return nil
}

// checkMemory returns the padded frame count of memory.
func (d *TransformerDecoder) checkMemory(memory device.Tensor, memLens []int, batch int) (int, error) {
	if memory == nil {
		return 0, shapeErrorf("nil memory")
	}
	rows, cols := memory.Dims()
	if cols != d.cfg.EncoderOutputSize {
		return 0, shapeErrorf("memory width %d, want %d", cols, d.cfg.EncoderOutputSize)
	}
	if rows == 0 || rows%batch != 0 {
		return 0, shapeErrorf("%d memory rows for batch %d", rows, batch)
	}
	frames := rows / batch
	if memLens != nil {
		if len(memLens) != batch {
			return 0, shapeErrorf("%d memory lengths for batch %d", len(memLens), batch)
		}
		if err := checkLengths("memory", memLens, frames); err != nil {
			return 0, err
		}
	}
	return frames, nil
}

// flatten validates ids and lays them out row-major. Positions at or past
// lens[b] are replaced by 0; a nil lens checks every position.
func (d *TransformerDecoder) flatten(ys [][]int, lens []int, length int) ([]int, error) {
	if lens != nil {
		if len(lens) != len(ys) {
			return nil, shapeErrorf("%d lengths for batch %d", len(lens), len(ys))
		}
		if err := checkLengths("ys", lens, length); err != nil {
			return nil, err
		}
	}
	ids := make([]int, 0, len(ys)*length)
	for b, row := range ys {
		for t, id := range row {
			if lens != nil && t >= lens[b] {
				id = 0
			} else if id < 0 || id >= d.cfg.VocabSize {
				return nil, fmt.Errorf("%w: %d at sequence %d position %d", ErrTokenOutOfRange, id, b, t)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// padded returns the batch size and common row length of ys.
func padded(ys [][]int) (int, int, error) {
	if len(ys) == 0 {
		return 0, 0, shapeErrorf("empty batch")
	}
	length := len(ys[0])
	if length == 0 {
		return 0, 0, shapeErrorf("empty target sequence")
	}
	for b, row := range ys {
		if len(row) != length {
			return 0, 0, shapeErrorf("sequence %d has length %d, want %d", b, len(row), length)
		}
	}
	return len(ys), length, nil
}

func checkLengths(name string, lens []int, limit int) error {
	for b, l := range lens {
		if l < 0 || l > limit {
			return shapeErrorf("%s length %d at %d outside [0, %d]", name, l, b, limit)
		}
	}
	return nil
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
}
