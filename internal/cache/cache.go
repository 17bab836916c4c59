package cache

import (
	"sync"
)

// Memory is one utterance's encoder output: Frames rows of Dim values,
// row-major.
type Memory struct {
	Frames int
	Dim    int
	Data   []float32
}

func (m Memory) clone() Memory {
	dst := make([]float32, len(m.Data))
	copy(dst, m.Data)
	return Memory{Frames: m.Frames, Dim: m.Dim, Data: dst}
}

// MemoryStore holds encoder memories keyed by utterance id.
type MemoryStore interface {
	// Get retrieves a memory from the store.
	Get(uttID string) (Memory, bool)
	// Put stores a memory, replacing any previous one.
	Put(uttID string, m Memory)
	Delete(uttID string)
	// Size returns the number of items in the store.
	Size() int
}

// MapStore is a simple in-memory implementation of MemoryStore.
type MapStore struct {
	data map[string]Memory
	mu   sync.RWMutex
}

func NewMapStore() *MapStore {
	return &MapStore{
		data: make(map[string]Memory),
	}
}

func (c *MapStore) Get(uttID string) (Memory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return copy to avoid modification of stored value
	if m, ok := c.data[uttID]; ok {
		return m.clone(), true
	}
	return Memory{}, false
}

func (c *MapStore) Put(uttID string, m Memory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[uttID] = m.clone()
}

func (c *MapStore) Delete(uttID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, uttID)
}

func (c *MapStore) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
