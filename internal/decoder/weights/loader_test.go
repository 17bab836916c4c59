package weights

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-decoder/internal/decoder"
	"github.com/23skdu/longbow-decoder/internal/device"
)

func testDecoder(t *testing.T, seed uint64) *decoder.TransformerDecoder {
	t.Helper()
	cfg := decoder.DefaultConfig(7, 4)
	cfg.AttentionHeads = 2
	cfg.LinearUnits = 8
	cfg.NumBlocks = 2
	cfg.ConcatAfter = true
	cfg.PosEncClass = decoder.PosEncScaledAbs
	d, err := decoder.New(cfg, device.NewCPUBackend())
	require.NoError(t, err)
	if seed != 0 {
		d.InitWeights(seed)
	}
	return d
}

func score(t *testing.T, d *decoder.TransformerDecoder) []float32 {
	t.Helper()
	memory := d.Backend().NewTensor(3, 4, []float32{
		0.1, -0.2, 0.3, 0.5,
		1.0, 0.0, -1.0, 0.2,
		0.4, 0.4, -0.3, 0.9,
	})
	logp, _, err := d.Score([]int{6, 2, 3}, nil, memory)
	require.NoError(t, err)
	return logp
}

func TestRoundTrip_FP32(t *testing.T) {
	src := testDecoder(t, 42)
	path := filepath.Join(t.TempDir(), "decoder.bin")
	require.NoError(t, NewSaver(src, FP32).SaveToRawBinary(path))

	dst := testDecoder(t, 0)
	require.NoError(t, NewLoader(dst, FP32).LoadFromRawBinary(path))

	assert.Equal(t, score(t, src), score(t, dst))
	for i, p := range src.Params() {
		assert.Equal(t, p.ToHost(), dst.Params()[i].ToHost(), "param %d", i)
	}
}

func TestRoundTrip_FP16(t *testing.T) {
	src := testDecoder(t, 42)
	var buf bytes.Buffer
	require.NoError(t, NewSaver(src, FP16).Save(&buf))

	var total int
	for _, p := range src.Params() {
		r, c := p.Dims()
		total += r * c
	}
	assert.Equal(t, 2*total, buf.Len())

	dst := testDecoder(t, 0)
	require.NoError(t, NewLoader(dst, FP16).Load(&buf))
	assert.Empty(t, cmp.Diff(score(t, src), score(t, dst), cmpopts.EquateApprox(0, 0.05)))
}

func TestLoader_Errors(t *testing.T) {
	src := testDecoder(t, 1)
	var buf bytes.Buffer
	require.NoError(t, NewSaver(src, "").Save(&buf))
	full := buf.Bytes()

	t.Run("MissingFile", func(t *testing.T) {
		err := NewLoader(testDecoder(t, 0), FP32).LoadFromRawBinary(filepath.Join(t.TempDir(), "missing.bin"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("Truncated", func(t *testing.T) {
		dst := testDecoder(t, 7)
		before := score(t, dst)
		err := NewLoader(dst, FP32).Load(bytes.NewReader(full[:len(full)-4]))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "output layer")
		assert.Equal(t, before, score(t, dst), "failed load modified the model")
	})

	t.Run("TrailingData", func(t *testing.T) {
		dst := testDecoder(t, 7)
		before := score(t, dst)
		padded := append(append([]byte(nil), full...), 0, 0, 0, 0)
		err := NewLoader(dst, FP32).Load(bytes.NewReader(padded))
		assert.ErrorIs(t, err, ErrTrailingData)
		assert.Equal(t, before, score(t, dst), "failed load modified the model")
	})

	t.Run("UnknownPrecision", func(t *testing.T) {
		err := NewLoader(testDecoder(t, 0), "bf16").Load(bytes.NewReader(full))
		assert.Error(t, err)
	})
}
