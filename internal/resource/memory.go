package resource

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository keeps records in process memory. It backs the "memory"
// metadata type and the package tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[Kind]map[string]Record
	owners  map[string]Owner
}

var (
	_ Repository     = (*MemoryRepository)(nil)
	_ OwnerDirectory = (*MemoryRepository)(nil)
)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[Kind]map[string]Record),
		owners:  make(map[string]Owner),
	}
}

func (m *MemoryRepository) PutOwner(_ context.Context, owner Owner) error {
	if owner.ID == "" {
		return fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[owner.ID] = owner
	return nil
}

func (m *MemoryRepository) List(_ context.Context, kind Kind, offset, limit int) ([]Record, error) {
	if _, err := Resolve(kind); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]Record, 0, len(m.records[kind]))
	for _, rec := range m.records[kind] {
		all = append(all, rec)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	end, ok := pageEnd(len(all), offset, limit)
	if !ok {
		return []Record{}, nil
	}
	out := make([]Record, 0, end-offset)
	for _, rec := range all[offset:end] {
		out = append(out, m.project(rec))
	}
	return out, nil
}

func (m *MemoryRepository) Count(_ context.Context, kind Kind) (int, error) {
	if _, err := Resolve(kind); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records[kind]), nil
}

func (m *MemoryRepository) Get(_ context.Context, kind Kind, id string) (*Record, error) {
	if _, err := Resolve(kind); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[kind][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	out := m.project(rec)
	return &out, nil
}

func (m *MemoryRepository) Create(_ context.Context, kind Kind, rec Record) (*Record, error) {
	h, err := Resolve(kind)
	if err != nil {
		return nil, err
	}
	if rec.Payload == nil || rec.Payload.Kind() != h.Kind() {
		return nil, fmt.Errorf("%w: payload does not match kind %s", ErrInvalidInput, kind)
	}

	now := timeNow()
	stored := rec.clone()
	stored.ID = uuid.NewString()
	stored.Kind = kind
	stored.Owner = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[kind] == nil {
		m.records[kind] = make(map[string]Record)
	}
	m.records[kind][stored.ID] = stored
	out := m.project(stored)
	return &out, nil
}

func (m *MemoryRepository) Update(_ context.Context, kind Kind, id string, fields Fields) (*Record, error) {
	h, err := Resolve(kind)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[kind][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	payload, err := h.Merge(rec.Payload, fields)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	rec.UpdatedAt = timeNow()
	m.records[kind][id] = rec
	out := m.project(rec)
	return &out, nil
}

func (m *MemoryRepository) Delete(_ context.Context, kind Kind, id string) error {
	if _, err := Resolve(kind); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[kind][id]; !ok {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	delete(m.records[kind], id)
	return nil
}

// project returns a deep copy of rec with its owner summary attached. Callers
// hold m.mu.
func (m *MemoryRepository) project(rec Record) Record {
	out := rec.clone()
	owner := m.owners[rec.OwnerID]
	out.Owner = ownerSummary(rec.OwnerID, owner.Name, owner.Email)
	return out
}

// pageEnd returns the end index of the page [offset, offset+limit) over n
// sorted records. ok is false when the page holds nothing, including for a
// negative offset or a non-positive limit.
func pageEnd(n, offset, limit int) (end int, ok bool) {
	if offset < 0 || limit < 1 || offset >= n {
		return 0, false
	}
	if limit > n-offset {
		return n, true
	}
	return offset + limit, true
}
