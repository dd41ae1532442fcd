package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	licenseErrors "desklicense/internal/errors"
)

// Memory is an in-process Repository. It also backs the File repository.
type Memory struct {
	mu    sync.RWMutex
	items []StoredLicense
	index map[string]int
}

// NewMemory creates an empty repository.
func NewMemory() *Memory {
	return &Memory{index: make(map[string]int)}
}

func (m *Memory) Save(_ context.Context, l StoredLicense) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insert(l)
}

func (m *Memory) insert(l StoredLicense) error {
	if l.ID == "" {
		return fmt.Errorf("%w: license id is required", licenseErrors.ErrInvalidRequest)
	}
	if _, dup := m.index[l.ID]; dup {
		return fmt.Errorf("%w: license %s already stored", licenseErrors.ErrInvalidRequest, l.ID)
	}
	m.index[l.ID] = len(m.items)
	m.items = append(m.items, l)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (StoredLicense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.index[id]
	if !ok || m.items[i].Deleted() {
		return StoredLicense{}, fmt.Errorf("%s: %w", id, licenseErrors.ErrLicenseNotFound)
	}
	return m.items[i], nil
}

func (m *Memory) FindByKidAndCustomer(_ context.Context, kid, customer string) ([]StoredLicense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Filter{Kid: kid, Customer: customer}.apply(m.items), nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]StoredLicense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return f.apply(m.items), nil
}

func (m *Memory) MarkRevoked(_ context.Context, kid string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markRevoked(kid, at), nil
}

func (m *Memory) markRevoked(kid string, at time.Time) int {
	at = at.UTC()
	n := 0
	for i := range m.items {
		if m.items[i].Kid == kid && m.items[i].RevokedAt == nil {
			stamp := at
			m.items[i].RevokedAt = &stamp
			n++
		}
	}
	return n
}

func (m *Memory) SoftDelete(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.softDelete(id, at)
}

func (m *Memory) softDelete(id string, at time.Time) error {
	i, ok := m.index[id]
	if !ok || m.items[i].Deleted() {
		return fmt.Errorf("%s: %w", id, licenseErrors.ErrLicenseNotFound)
	}
	stamp := at.UTC()
	m.items[i].DeletedAt = &stamp
	return nil
}
