package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/flyingwolf1701/hypertrader/internal/core"
)

// MemoryStore keeps snapshots in memory. Used in tests and for dry runs
// where persistence across restarts is not wanted.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string][]byte)}
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *core.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.Symbol] = data
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context, symbol string) (*core.Snapshot, error) {
	s.mu.RLock()
	data, ok := s.snapshots[symbol]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var snap core.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
