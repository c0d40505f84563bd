// Package statestore persists the last broadcast status of each session
// so status reads survive a server restart and replicas can answer for
// sessions they do not host.
package statestore

import (
	"sync"

	"github.com/aurelabs/assay/internal/stage"
)

// Store holds per-session status snapshots.
type Store interface {
	Save(sessionID string, st stage.StatusUpdate)
	Load(sessionID string) (stage.StatusUpdate, bool)
	Delete(sessionID string)
}

type memStore struct {
	mu sync.RWMutex
	m  map[string]stage.StatusUpdate
}

// NewMemStore returns an in-process Store. It is the default when no
// Redis address is configured.
func NewMemStore() Store {
	return &memStore{m: make(map[string]stage.StatusUpdate)}
}

func (s *memStore) Save(id string, st stage.StatusUpdate) {
	s.mu.Lock()
	s.m[id] = st
	s.mu.Unlock()
}

func (s *memStore) Load(id string) (stage.StatusUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.m[id]
	return st, ok
}

func (s *memStore) Delete(id string) {
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}
