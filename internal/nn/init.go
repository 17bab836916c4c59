package nn

import (
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-decoder/internal/device"
)

// XavierInit fills m with Xavier/Glorot uniform values.
// Uses bulk CopyFromFloat32 so device backends upload once.
func XavierInit(m device.Tensor, rng *rand.Rand) {
	r, c := m.Dims()
	limit := math.Sqrt(6.0 / float64(r+c))

	data := make([]float32, r*c)
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	m.CopyFromFloat32(data)
}

// NormalInit fills m with N(0, std^2) values.
func NormalInit(m device.Tensor, std float64, rng *rand.Rand) {
	r, c := m.Dims()
	data := make([]float32, r*c)
	for i := range data {
		data[i] = float32(rng.NormFloat64() * std)
	}
	m.CopyFromFloat32(data)
}
