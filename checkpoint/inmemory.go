package checkpoint

import (
	"context"
	"sync"
)

// InmemoryStore keeps checkpoints in process memory. Progress is lost on
// restart, so it suits tests and from-now readers only.
type InmemoryStore struct {
	mu sync.Mutex
	m  map[string]Checkpoint
}

var _ Store = (*InmemoryStore)(nil)

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{m: make(map[string]Checkpoint)}
}

func (s *InmemoryStore) Load(_ context.Context, table, streamID string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[table+"|"+streamID], nil
}

func (s *InmemoryStore) Save(_ context.Context, table, streamID string, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[table+"|"+streamID] = cp
	return nil
}
