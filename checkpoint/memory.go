package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/wavemesh/core"
)

// InMemoryStore is a volatile Store keeping snapshots in a process local
// map. Snapshots are stored in encoded form so callers never share maps
// with the store.
type InMemoryStore struct {
	mu    sync.RWMutex
	snaps map[string][]byte
}

// NewInMemoryStore constructs an empty in-memory checkpoint store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{snaps: make(map[string][]byte)}
}

// Save implements Store.
func (s *InMemoryStore) Save(_ context.Context, snap core.StateSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", snap.ExecutionID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.ExecutionID] = data
	return nil
}

// Load implements Store.
func (s *InMemoryStore) Load(_ context.Context, executionID string) (core.StateSnapshot, error) {
	s.mu.RLock()
	data, ok := s.snaps[executionID]
	s.mu.RUnlock()
	if !ok {
		return core.StateSnapshot{}, fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}
	return decode(executionID, data)
}

// Delete implements Store. Deleting a missing checkpoint is not an error.
func (s *InMemoryStore) Delete(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, executionID)
	return nil
}

// List implements Store.
func (s *InMemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.snaps))
	for id := range s.snaps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Store.
func (s *InMemoryStore) Close() error { return nil }

func decode(executionID string, data []byte) (core.StateSnapshot, error) {
	var snap core.StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return core.StateSnapshot{}, fmt.Errorf("decode checkpoint %s: %w", executionID, err)
	}
	return snap, nil
}
