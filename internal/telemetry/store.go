package telemetry

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNoData is returned by Current before the first publish.
var ErrNoData = errors.New("no snapshot published yet")

// Store holds the latest snapshot.
type Store struct {
	mu      sync.RWMutex
	current *Snapshot
	version uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Publish replaces the current snapshot. The caller must not modify snap
// afterwards. A nil snapshot is ignored.
func (s *Store) Publish(snap *Snapshot) {
	if snap == nil {
		return
	}
	s.mu.Lock()
	s.current = snap
	s.version++
	s.mu.Unlock()
}

// Current returns the latest snapshot or ErrNoData.
func (s *Store) Current() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, ErrNoData
	}
	return s.current, nil
}

// Version is the number of snapshots published so far.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
