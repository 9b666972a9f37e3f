package patient

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryRepository is a process-local Repository for development.
type MemoryRepository struct {
	mu    sync.RWMutex
	store map[string]*Patient
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{store: make(map[string]*Patient)}
}

func (m *MemoryRepository) Create(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, p.ID)
	}
	if p.MRN != nil {
		for _, other := range m.store {
			if other.MRN != nil && *other.MRN == *p.MRN {
				return fmt.Errorf("%w: mrn %s", ErrDuplicate, *p.MRN)
			}
		}
	}
	cp := *p
	m.store[p.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id string) (*Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRepository) Search(_ context.Context, term string, limit, offset int) ([]*Patient, int, error) {
	m.mu.RLock()
	var matched []*Patient
	for _, p := range m.store {
		if p.matches(term) {
			cp := *p
			matched = append(matched, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.LastName != b.LastName {
			return a.LastName < b.LastName
		}
		if a.FirstName != b.FirstName {
			return a.FirstName < b.FirstName
		}
		return a.ID < b.ID
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}
