package breaker

import (
	"context"
	"sync"
	"time"
)

type memState struct {
	failures []time.Time
	openedAt time.Time
	open     bool
}

// MemoryStore keeps breaker state in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*memState
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*memState)}
}

func (m *MemoryStore) state(key string) *memState {
	s, ok := m.states[key]
	if !ok {
		s = &memState{}
		m.states[key] = s
	}
	return s
}

// expire closes s if its open period has elapsed. Caller holds m.mu.
func expire(s *memState, now time.Time, p Policy) {
	if s.open && !now.Before(s.openedAt.Add(p.OpenFor)) {
		s.open = false
		s.openedAt = time.Time{}
		s.failures = nil
	}
}

// IsOpen implements Store.
func (m *MemoryStore) IsOpen(_ context.Context, key string, now time.Time, p Policy) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state(key)
	expire(s, now, p)
	return s.open, nil
}

// RecordFailure implements Store.
func (m *MemoryStore) RecordFailure(_ context.Context, key string, now time.Time, p Policy) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state(key)
	expire(s, now, p)
	if s.open {
		return false, nil
	}

	cutoff := now.Add(-p.Window)
	kept := s.failures[:0]
	for _, f := range s.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	s.failures = append(kept, now)

	if len(s.failures) >= p.Threshold {
		s.open = true
		s.openedAt = now
		s.failures = nil
		return true, nil
	}
	return false, nil
}

// RecordSuccess implements Store.
func (m *MemoryStore) RecordSuccess(_ context.Context, key string, now time.Time, p Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[key]
	if !ok {
		return nil
	}
	expire(s, now, p)
	if s.open {
		return nil
	}
	delete(m.states, key)
	return nil
}
