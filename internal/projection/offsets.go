package projection

import (
	"context"
	"sync"
)

// MemoryOffsets is an OffsetStore kept in process memory.
type MemoryOffsets struct {
	mu      sync.Mutex
	offsets map[string]int64
}

// NewMemoryOffsets creates an empty offset store.
func NewMemoryOffsets() *MemoryOffsets {
	return &MemoryOffsets{offsets: make(map[string]int64)}
}

// Offset implements OffsetStore.
func (m *MemoryOffsets) Offset(_ context.Context, projection, tag string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offsets[projection+"/"+tag], nil
}

// SaveOffset implements OffsetStore.
func (m *MemoryOffsets) SaveOffset(_ context.Context, projection, tag string, position int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets[projection+"/"+tag] = position
	return nil
}
