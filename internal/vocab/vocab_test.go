package vocab

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTokens(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.txt")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeTokens(t, "<blank>\n<unk>\n▁he\nllo\n▁wor\nld\n\n▁\ncafe\u0301\n<sos/eos>\n")
	v, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9, v.Size())
	assert.Equal(t, 8, v.SOS())
	assert.Equal(t, v.SOS(), v.EOS())

	// Decomposed input is stored composed.
	id, ok := v.ID("caf\u00e9")
	require.True(t, ok)
	assert.Equal(t, 7, id)
	assert.Equal(t, "caf\u00e9", v.Token(id))
	assert.Equal(t, Unk, v.Token(99))
}

func TestEncodeDecode(t *testing.T) {
	v, err := New([]string{Blank, Unk, "▁he", "llo", "▁wor", "ld", "▁", "x", SOSEOS})
	require.NoError(t, err)

	ids := v.Encode("hello  world")
	assert.Equal(t, []int{2, 3, 4, 5}, ids)
	assert.Equal(t, "hello world", v.Decode(append([]int{v.SOS()}, append(ids, v.EOS())...)))

	// "q" is unknown.
	assert.Equal(t, []int{6, 1, 7}, v.Encode("qx"))

	// Word starts are marked even without a bare boundary token.
	v, err = New([]string{Blank, Unk, "▁ab", "c", "▁d", SOSEOS})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4}, v.Encode("abc d"))
	assert.Equal(t, []int{1, 3}, v.Encode("c"))
}

func TestNew_Errors(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
	_, err = New([]string{"a", "b", "a"})
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
