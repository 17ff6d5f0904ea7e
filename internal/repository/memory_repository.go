package repository

import (
	"context"
	"sync"
)

// memoryTable is a generic keyed table with version-checked updates. It
// stores clones so callers can never mutate stored state in place.
type memoryTable[T any] struct {
	mu      sync.RWMutex
	records map[string]*T
	key     func(*T) string
	version func(*T) *int64
	clone   func(*T) *T
}

func newMemoryTable[T any](key func(*T) string, version func(*T) *int64, clone func(*T) *T) *memoryTable[T] {
	return &memoryTable[T]{
		records: make(map[string]*T),
		key:     key,
		version: version,
		clone:   clone,
	}
}

func (t *memoryTable[T]) create(v *T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := t.key(v)
	if _, ok := t.records[k]; ok {
		return ErrAlreadyExists
	}
	*t.version(v) = 1
	t.records[k] = t.clone(v)
	return nil
}

func (t *memoryTable[T]) get(id string) (*T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.clone(v), nil
}

func (t *memoryTable[T]) update(v *T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := t.key(v)
	cur, ok := t.records[k]
	if !ok {
		return ErrNotFound
	}
	if *t.version(cur) != *t.version(v) {
		return ErrVersionConflict
	}
	*t.version(v) = *t.version(v) + 1
	t.records[k] = t.clone(v)
	return nil
}

func (t *memoryTable[T]) list(match func(*T) bool) []*T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*T, 0, len(t.records))
	for _, v := range t.records {
		if match(v) {
			out = append(out, t.clone(v))
		}
	}
	return out
}

// MemoryRequestRepository is an in-process RequestRepository.
type MemoryRequestRepository struct {
	table *memoryTable[ApprovalRequest]
}

func NewMemoryRequestRepository() *MemoryRequestRepository {
	return &MemoryRequestRepository{table: newMemoryTable(
		func(r *ApprovalRequest) string { return r.ID },
		func(r *ApprovalRequest) *int64 { return &r.Version },
		(*ApprovalRequest).Clone,
	)}
}

func (m *MemoryRequestRepository) Create(_ context.Context, r *ApprovalRequest) error {
	return m.table.create(r)
}

func (m *MemoryRequestRepository) Get(_ context.Context, id string) (*ApprovalRequest, error) {
	return m.table.get(id)
}

func (m *MemoryRequestRepository) Update(_ context.Context, r *ApprovalRequest) error {
	return m.table.update(r)
}

func (m *MemoryRequestRepository) List(_ context.Context, filter RequestFilter) ([]*ApprovalRequest, error) {
	out := m.table.list(filter.Matches)
	sortRequests(out)
	return out, nil
}

// MemoryInstanceRepository is an in-process InstanceRepository.
type MemoryInstanceRepository struct {
	table *memoryTable[PlaybookInstance]
}

func NewMemoryInstanceRepository() *MemoryInstanceRepository {
	return &MemoryInstanceRepository{table: newMemoryTable(
		func(p *PlaybookInstance) string { return p.ID },
		func(p *PlaybookInstance) *int64 { return &p.Version },
		(*PlaybookInstance).Clone,
	)}
}

func (m *MemoryInstanceRepository) Create(_ context.Context, p *PlaybookInstance) error {
	return m.table.create(p)
}

func (m *MemoryInstanceRepository) Get(_ context.Context, id string) (*PlaybookInstance, error) {
	return m.table.get(id)
}

func (m *MemoryInstanceRepository) Update(_ context.Context, p *PlaybookInstance) error {
	return m.table.update(p)
}

func (m *MemoryInstanceRepository) List(_ context.Context, filter InstanceFilter) ([]*PlaybookInstance, error) {
	out := m.table.list(filter.Matches)
	sortInstances(out)
	return out, nil
}

// MemoryAuditRepository keeps audit entries in insertion order.
type MemoryAuditRepository struct {
	mu      sync.RWMutex
	entries []AuditEntry
}

func NewMemoryAuditRepository() *MemoryAuditRepository {
	return &MemoryAuditRepository{}
}

func (m *MemoryAuditRepository) Append(_ context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *MemoryAuditRepository) ListBySubject(_ context.Context, subjectType, subjectID string) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AuditEntry
	for i := range m.entries {
		e := m.entries[i]
		if e.SubjectType == subjectType && e.SubjectID == subjectID {
			out = append(out, &e)
		}
	}
	sortAudit(out)
	return out, nil
}
