package search

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-decoder/internal/decoder"
	"github.com/23skdu/longbow-decoder/internal/device"
)

const (
	eos  = 0
	tokA = 1
	tokB = 2
	sos  = 3
)

// tableScorer scores the next token from the last token alone.
type tableScorer struct {
	backend device.Backend
	probs   map[int][]float64
	calls   int
}

func (s *tableScorer) logp(ys []int) []float32 {
	row := s.probs[ys[len(ys)-1]]
	out := make([]float32, len(row))
	for i, p := range row {
		out[i] = float32(math.Log(p))
	}
	return out
}

func (s *tableScorer) Score(ys []int, state decoder.State, _ device.Tensor) ([]float32, decoder.State, error) {
	s.calls++
	return s.logp(ys), state, nil
}

func (s *tableScorer) BatchScore(ys [][]int, states []decoder.State, _ device.Tensor) ([][]float32, []decoder.State, error) {
	s.calls++
	out := make([][]float32, len(ys))
	for i := range ys {
		out[i] = s.logp(ys[i])
	}
	return out, states, nil
}

func (s *tableScorer) InitState() decoder.State { return nil }

func (s *tableScorer) Backend() device.Backend { return s.backend }

func newTableScorer() *tableScorer {
	return &tableScorer{
		backend: device.NewCPUBackend(),
		probs: map[int][]float64{
			sos:  {0.01, 0.6, 0.38, 0.01},
			tokA: {0.4, 0.3, 0.29, 0.01},
			tokB: {0.9, 0.05, 0.04, 0.01},
		},
	}
}

func memory(backend device.Backend) device.Tensor {
	return backend.NewTensor(1, 1, []float32{0})
}

func TestGreedy(t *testing.T) {
	s := newTableScorer()
	hyp, err := Greedy(context.Background(), s, memory(s.backend), sos, eos, 10)
	require.NoError(t, err)
	assert.Equal(t, []int{sos, tokA, eos}, hyp.Tokens)
	assert.InDelta(t, math.Log(0.24), hyp.Score, 1e-5)
}

func TestBeam_FindsBetterThanGreedy(t *testing.T) {
	s := newTableScorer()
	hyps, err := Beam(context.Background(), s, memory(s.backend), Options{BeamSize: 2, MaxLen: 10, SOS: sos, EOS: eos, NBest: 2})
	require.NoError(t, err)
	require.Len(t, hyps, 2)

	assert.Equal(t, []int{sos, tokB, eos}, hyps[0].Tokens)
	assert.InDelta(t, math.Log(0.342), hyps[0].Score, 1e-5)
	assert.Equal(t, []int{sos, tokA, eos}, hyps[1].Tokens)
	assert.InDelta(t, math.Log(0.24), hyps[1].Score, 1e-5)
	assert.Equal(t, 2, s.calls)
}

func TestBeam_ClosesAtMaxLen(t *testing.T) {
	s := newTableScorer()
	s.probs[sos] = []float64{0.001, 0.999, 0.001, 0.001}
	s.probs[tokA] = []float64{0.001, 0.999, 0.001, 0.001}

	hyps, err := Beam(context.Background(), s, memory(s.backend), Options{BeamSize: 1, MaxLen: 2, SOS: sos, EOS: eos})
	require.NoError(t, err)
	require.Len(t, hyps, 1)
	assert.Equal(t, []int{sos, tokA, tokA, eos}, hyps[0].Tokens)

	greedy, err := Greedy(context.Background(), s, memory(s.backend), sos, eos, 2)
	require.NoError(t, err)
	assert.Equal(t, hyps[0].Tokens, greedy.Tokens)
}

func TestSearch_Cancelled(t *testing.T) {
	s := newTableScorer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Beam(ctx, s, memory(s.backend), Options{BeamSize: 2, MaxLen: 5, SOS: sos, EOS: eos})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = Greedy(ctx, s, memory(s.backend), sos, eos, 5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, s.calls)
}

func TestSearch_InvalidOptions(t *testing.T) {
	s := newTableScorer()
	_, err := Beam(context.Background(), s, memory(s.backend), Options{BeamSize: 0, MaxLen: 5})
	assert.ErrorIs(t, err, ErrInvalidOptions)
	_, err = Greedy(context.Background(), s, memory(s.backend), sos, eos, 0)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestBeamOneEqualsGreedy(t *testing.T) {
	cfg := decoder.DefaultConfig(9, 8)
	cfg.AttentionHeads = 2
	cfg.LinearUnits = 16
	cfg.NumBlocks = 2
	d, err := decoder.New(cfg, device.NewCPUBackend())
	require.NoError(t, err)
	d.InitWeights(3)

	rng := rand.New(rand.NewPCG(5, 6))
	data := make([]float32, 6*8)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	mem := d.Backend().NewTensor(6, 8, data)
	sosEOS := cfg.VocabSize - 1

	greedy, err := Greedy(context.Background(), d, mem, sosEOS, sosEOS, 6)
	require.NoError(t, err)
	hyps, err := Beam(context.Background(), d, mem, Options{BeamSize: 1, MaxLen: 6, SOS: sosEOS, EOS: sosEOS})
	require.NoError(t, err)
	require.Len(t, hyps, 1)

	assert.Equal(t, greedy.Tokens, hyps[0].Tokens)
	assert.InDelta(t, greedy.Score, hyps[0].Score, 1e-4)
}
