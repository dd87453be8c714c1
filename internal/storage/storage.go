package storage

import (
	"sort"
	"sync"

	"pylon/internal/models"
)

// StatusStore keeps the last known status of every peer ever polled.
// Entries are replaced whole and never removed.
type StatusStore struct {
	mu      sync.RWMutex
	entries map[models.PeerKey]models.PeerStatus
}

// NewStatusStore creates an empty store.
func NewStatusStore() *StatusStore {
	return &StatusStore{entries: make(map[models.PeerKey]models.PeerStatus)}
}

// Upsert replaces the entry stored under key.
func (s *StatusStore) Upsert(key models.PeerKey, status models.PeerStatus) {
	s.mu.Lock()
	s.entries[key] = status
	s.mu.Unlock()
}

// Get returns the entry stored under key.
func (s *StatusStore) Get(key models.PeerKey) (models.PeerStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, ok := s.entries[key]
	return status, ok
}

// Len returns the number of tracked peers.
func (s *StatusStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns a point-in-time copy of all entries ordered by key.
func (s *StatusStore) Snapshot() []models.PeerStatus {
	s.mu.RLock()
	out := make([]models.PeerStatus, 0, len(s.entries))
	for _, status := range s.entries {
		out = append(out, status)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IP != out[j].IP {
			return out[i].IP < out[j].IP
		}
		return out[i].Port < out[j].Port
	})
	return out
}
