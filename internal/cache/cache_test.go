package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapStore(t *testing.T) {
	s := NewMapStore()
	var _ MemoryStore = s

	in := Memory{Frames: 2, Dim: 2, Data: []float32{1, 2, 3, 4}}
	s.Put("utt1", in)
	in.Data[0] = 100

	got, ok := s.Get("utt1")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3, 4}, got.Data, "store must copy on put")
	assert.Equal(t, 2, got.Frames)

	got.Data[1] = 200
	again, _ := s.Get("utt1")
	assert.Equal(t, float32(2), again.Data[1], "store must copy on get")

	assert.Equal(t, 1, s.Size())
	s.Delete("utt1")
	_, ok = s.Get("utt1")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Size())
}

func TestMapStore_Concurrent(t *testing.T) {
	s := NewMapStore()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("utt%d", i)
			s.Put(id, Memory{Frames: 1, Dim: 1, Data: []float32{float32(i)}})
			_, _ = s.Get(id)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, s.Size())
}
