package agents

import (
	"context"
	"sync"
)

type memKey struct {
	addr string
	t    Type
}

// MemoryStore is an in-memory agent store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	settings  map[memKey]Settings
	actions   map[memKey][]*Action // oldest first
	analytics map[memKey]*Analytics
	positions map[string][]Position
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settings:  make(map[memKey]Settings),
		actions:   make(map[memKey][]*Action),
		analytics: make(map[memKey]*Analytics),
		positions: make(map[string][]Position),
	}
}

func (m *MemoryStore) GetSettings(_ context.Context, addr string, t Type) (*Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[memKey{addr, t}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := s.clone()
	return &cp, nil
}

func (m *MemoryStore) PutSettings(_ context.Context, addr string, t Type, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[memKey{addr, t}] = s.clone()
	return nil
}

func (m *MemoryStore) AppendAction(_ context.Context, addr string, t Type, a *Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	k := memKey{addr, t}
	m.actions[k] = append(m.actions[k], &cp)
	return nil
}

func (m *MemoryStore) UpdateAction(_ context.Context, addr string, t Type, a *Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.actions[memKey{addr, t}] {
		if existing.ID == a.ID {
			cp := *a
			m.actions[memKey{addr, t}][i] = &cp
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) GetAction(_ context.Context, addr string, t Type, id string) (*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.actions[memKey{addr, t}] {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListActions(_ context.Context, addr string, t Type, limit int) ([]*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.actions[memKey{addr, t}]
	out := make([]*Action, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) GetAnalytics(_ context.Context, addr string, t Type) (*Analytics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.analytics[memKey{addr, t}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) PutAnalytics(_ context.Context, addr string, t Type, a *Analytics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.analytics[memKey{addr, t}] = &cp
	return nil
}

func (m *MemoryStore) GetPositions(_ context.Context, addr string) ([]Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ps, ok := m.positions[addr]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]Position(nil), ps...), nil
}

func (m *MemoryStore) PutPositions(_ context.Context, addr string, ps []Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[addr] = append([]Position(nil), ps...)
	return nil
}
