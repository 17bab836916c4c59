package decoder

import (
	"time"

	"github.com/23skdu/longbow-decoder/internal/device"
	"github.com/23skdu/longbow-decoder/internal/mask"
)

// State is the per-hypothesis decoding state used by beam search: one
// (prefixLen, D) tensor per block. A nil State means an empty prefix.
type State []device.Tensor

// InitState returns the state of an empty prefix.
func (d *TransformerDecoder) InitState() State { return nil }

// SelectState returns state unchanged; decoder states are never shared
// or mutated, so no per-hypothesis copy is needed.
func (d *TransformerDecoder) SelectState(state State, _ int) State { return state }

// Score returns the log-probabilities of the token following ys for a
// single utterance with (T, D) memory x.
func (d *TransformerDecoder) Score(ys []int, state State, x device.Tensor) ([]float32, State, error) {
	logp, cache, err := d.ForwardOneStep([][]int{ys}, mask.Subsequent(len(ys)), x, nil, Cache(state))
	if err != nil {
		return nil, nil, err
	}
	return logp.ToHost(), State(cache), nil
}

// BatchScore scores N hypotheses of equal length in one step. xs holds one
// (T, D) memory per hypothesis, stacked as (N*T, D). States are either
// all nil or all hold one entry per block.
func (d *TransformerDecoder) BatchScore(ys [][]int, states []State, xs device.Tensor) ([][]float32, []State, error) {
	start := time.Now()
	defer func() { forwardDuration.WithLabelValues("batch_score").Observe(time.Since(start).Seconds()) }()

	n := len(ys)
	if n == 0 {
		return nil, nil, shapeErrorf("empty batch")
	}
	if len(states) != n {
		return nil, nil, shapeErrorf("%d states for %d hypotheses", len(states), n)
	}

	cache, err := d.stackStates(states)
	if err != nil {
		return nil, nil, err
	}
	length := len(ys[0])
	logp, next, err := d.ForwardOneStep(ys, mask.Subsequent(length), xs, nil, cache)
	if err != nil {
		return nil, nil, err
	}

	_, vocab := logp.Dims()
	flat := logp.ToHost()
	scores := make([][]float32, n)
	for b := range scores {
		scores[b] = flat[b*vocab : (b+1)*vocab]
	}

	newStates := make([]State, n)
	for b := range newStates {
		newStates[b] = make(State, len(next))
	}
	for i, entry := range next {
		for b, part := range device.SplitBatch(entry, n) {
			newStates[b][i] = part
		}
	}
	return scores, newStates, nil
}

// stackStates transposes per-hypothesis states into a per-block batched
// cache.
func (d *TransformerDecoder) stackStates(states []State) (Cache, error) {
	nils := 0
	for _, s := range states {
		if s == nil {
			nils++
		}
	}
	if nils == len(states) {
		return nil, nil
	}
	if nils != 0 {
		return nil, shapeErrorf("%d of %d states are empty", nils, len(states))
	}

	cache := make(Cache, len(d.Blocks))
	for i := range cache {
		parts := make([]device.Tensor, len(states))
		for b, s := range states {
			if len(s) != len(d.Blocks) {
				return nil, shapeErrorf("state %d has %d entries for %d blocks", b, len(s), len(d.Blocks))
			}
			parts[b] = s[i]
		}
		if err := sameDims(parts); err != nil {
			return nil, err
		}
		cache[i] = device.JoinBatch(d.backend, parts)
	}
	return cache, nil
}

func sameDims(parts []device.Tensor) error {
	r0, c0 := parts[0].Dims()
	for b, p := range parts[1:] {
		if r, c := p.Dims(); r != r0 || c != c0 {
			return shapeErrorf("state %d is %dx%d, want %dx%d", b+1, r, c, r0, c0)
		}
	}
	return nil
}
