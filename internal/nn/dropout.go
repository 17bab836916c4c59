package nn

import (
	"math/rand/v2"
	"sync"

	"github.com/23skdu/longbow-decoder/internal/device"
)

// Mode is shared by every dropout site of a model and switches the whole
// model between inference and training behaviour.
type Mode struct {
	mu       sync.Mutex
	training bool
	rng      *rand.Rand
}

func NewMode(seed uint64) *Mode {
	return &Mode{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (m *Mode) SetTraining(training bool) {
	m.mu.Lock()
	m.training = training
	m.mu.Unlock()
}

func (m *Mode) Training() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.training
}

// drop zeroes each element with probability rate and rescales survivors.
func (m *Mode) drop(data []float32, rate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.training || rate <= 0 {
		return
	}
	keep := float32(1 / (1 - rate))
	for i := range data {
		if m.rng.Float64() < rate {
			data[i] = 0
		} else {
			data[i] *= keep
		}
	}
}

// Dropout is the identity in inference mode and inverted dropout in
// training mode.
type Dropout struct {
	Rate float64
	mode *Mode
}

func NewDropout(rate float64, mode *Mode) *Dropout {
	return &Dropout{Rate: rate, mode: mode}
}

// Forward applies dropout in-place and returns t.
func (d *Dropout) Forward(t device.Tensor) device.Tensor {
	if d == nil || d.mode == nil || d.Rate <= 0 || !d.mode.Training() {
		return t
	}
	if data := t.Data(); data != nil {
		d.mode.drop(data, d.Rate)
		return t
	}
	data := t.ToHost()
	d.mode.drop(data, d.Rate)
	t.CopyFromFloat32(data)
	return t
}

// ProbHook returns a callback applying dropout to attention probabilities,
// or nil when dropout is inactive.
func (d *Dropout) ProbHook() func([]float32) {
	if d == nil || d.mode == nil || d.Rate <= 0 || !d.mode.Training() {
		return nil
	}
	return func(probs []float32) { d.mode.drop(probs, d.Rate) }
}
