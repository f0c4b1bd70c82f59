package scoring

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	scores map[string]*CreditScore
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scores: make(map[string]*CreditScore)}
}

func (m *MemoryStore) Get(_ context.Context, address string) (*CreditScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cs, ok := m.scores[strings.ToLower(address)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneScore(cs), nil
}

func (m *MemoryStore) Upsert(_ context.Context, cs *CreditScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scores[strings.ToLower(cs.Address)] = cloneScore(cs)
	return nil
}

func cloneScore(cs *CreditScore) *CreditScore {
	cp := *cs
	cp.Factors = append([]Factor(nil), cs.Factors...)
	cp.Recommendations = append([]string(nil), cs.Recommendations...)
	return &cp
}
