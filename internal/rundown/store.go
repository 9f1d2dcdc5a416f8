package rundown

import "slices"

// Store is the persistence abstraction for rundowns.
// Implementations can be in-memory, file-based, or remote.
// The Repository uses Store for all reads and writes and does its own
// locking; Store implementations need not be concurrency-safe.
type Store interface {
	GetRundown(id string) (*Rundown, bool)
	SetRundown(r *Rundown)
	DeleteRundown(id string)
	// ListRundownIDs returns ids in insertion order.
	ListRundownIDs() []string
}

// InMemoryStore is an in-memory implementation of Store that remembers
// insertion order.
type InMemoryStore struct {
	rundowns map[string]*Rundown
	order    []string
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rundowns: make(map[string]*Rundown),
	}
}

// GetRundown implements Store.GetRundown.
func (s *InMemoryStore) GetRundown(id string) (*Rundown, bool) {
	r, ok := s.rundowns[id]
	return r, ok
}

// SetRundown implements Store.SetRundown. Replacing keeps the existing position.
func (s *InMemoryStore) SetRundown(r *Rundown) {
	if _, exists := s.rundowns[r.ID]; !exists {
		s.order = append(s.order, r.ID)
	}
	s.rundowns[r.ID] = r
}

// DeleteRundown implements Store.DeleteRundown.
func (s *InMemoryStore) DeleteRundown(id string) {
	if _, exists := s.rundowns[id]; !exists {
		return
	}
	delete(s.rundowns, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
}

// ListRundownIDs implements Store.ListRundownIDs.
func (s *InMemoryStore) ListRundownIDs() []string {
	return slices.Clone(s.order)
}
