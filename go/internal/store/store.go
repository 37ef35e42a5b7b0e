package store

import (
	"sync"
)

// Fragment is a partial state slice keyed by field name. Fragments are merged
// shallowly: a later fragment's fields overwrite an earlier one's.
type Fragment map[string]any

// Clone returns a shallow copy of the fragment.
func (f Fragment) Clone() Fragment {
	if f == nil {
		return nil
	}
	out := make(Fragment, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge returns a new fragment with overlay's fields written over f's.
func (f Fragment) Merge(overlay Fragment) Fragment {
	out := f.Clone()
	if out == nil {
		out = make(Fragment, len(overlay))
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// Snapshot is a full authoritative session state as published by the server.
type Snapshot struct {
	SessionID string   `json:"session_id"`
	Round     int      `json:"round"`
	Turn      int      `json:"turn"`
	Version   int64    `json:"version"`
	State     Fragment `json:"state"`
}

// Store holds the local view of the session state. It accepts whole-or-partial
// writes and exposes snapshot reads. The sync engine and the optimistic-write
// path are its only writers.
type Store struct {
	mu    sync.RWMutex
	state Fragment
}

// New creates an empty store.
func New() *Store {
	return &Store{state: make(Fragment)}
}

// State returns a copy of the full current state.
func (s *Store) State() Fragment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Get returns a single field value.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.state[key]
	return v, ok
}

// Slice returns a copy of the named fields. Fields absent from the state are
// present in the result with a nil value so that a later Apply of the slice
// restores the field to its prior (unset) reading.
func (s *Store) Slice(keys ...string) Fragment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Fragment, len(keys))
	for _, k := range keys {
		out[k] = s.state[k]
	}
	return out
}

// Apply merges a partial state write into the store.
func (s *Store) Apply(partial Fragment) {
	if len(partial) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range partial {
		s.state[k] = v
	}
}

// Replace overwrites the entire state.
func (s *Store) Replace(state Fragment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state.Clone()
	if s.state == nil {
		s.state = make(Fragment)
	}
}
