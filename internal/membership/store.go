package membership

import (
	"sync/atomic"
	"time"
)

// Snapshot is an immutable, published membership map.
type Snapshot struct {
	// Version increases by one with every publication; zero means nothing
	// has been published yet.
	Version     uint64
	Map         Map
	PublishedAt time.Time
}

// Store hands the latest published Snapshot from the membership refresh to
// readers such as the usage joiner. Readers never observe a partially built
// map: a new map is only visible once Swap has returned.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore returns a store holding an empty version-zero snapshot.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(&Snapshot{Map: Map{}})
	return s
}

// Swap publishes m and returns the resulting snapshot. The caller must not
// modify m afterwards.
func (s *Store) Swap(m Map, at time.Time) *Snapshot {
	if m == nil {
		m = Map{}
	}
	for {
		prev := s.current.Load()
		next := &Snapshot{Version: prev.Version + 1, Map: m, PublishedAt: at}
		if s.current.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// Load returns the latest published snapshot.
func (s *Store) Load() *Snapshot {
	return s.current.Load()
}
