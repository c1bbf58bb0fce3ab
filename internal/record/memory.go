package record

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu     sync.Mutex
	builds map[string]BuildRecord
	byKey  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		builds: make(map[string]BuildRecord),
		byKey:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, rec BuildRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.builds[rec.ID]; ok {
		return ErrDuplicate
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	m.builds[rec.ID] = cloneRecord(rec)
	if rec.IdempotencyKey != "" {
		m.byKey[rec.IdempotencyKey] = rec.ID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (BuildRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.builds[id]
	if !ok {
		return BuildRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) Update(_ context.Context, rec BuildRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.builds[rec.ID]; !ok {
		return ErrNotFound
	}
	rec.UpdatedAt = time.Now().UTC()
	m.builds[rec.ID] = cloneRecord(rec)
	return nil
}

func (m *MemoryStore) AppendLog(_ context.Context, id string, entry LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.builds[id]
	if !ok {
		return ErrNotFound
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	rec.Logs = append(rec.Logs, entry)
	rec.UpdatedAt = time.Now().UTC()
	m.builds[id] = rec
	return nil
}

func (m *MemoryStore) FindByIdempotencyKey(_ context.Context, key string) (BuildRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return BuildRecord{}, ErrNotFound
	}
	rec, ok := m.builds[id]
	if !ok {
		return BuildRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.builds[id]
	if !ok {
		return ErrNotFound
	}
	rec.HeartbeatAt = at
	m.builds[id] = rec
	return nil
}

func (m *MemoryStore) ListRunningStale(_ context.Context, cutoff time.Time) ([]BuildRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BuildRecord, 0)
	for _, rec := range m.builds {
		if rec.Terminal() || rec.Stage == StageQueued {
			continue
		}
		if rec.HeartbeatAt.Before(cutoff) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListCompletedBefore(_ context.Context, cutoff time.Time) ([]BuildRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BuildRecord, 0)
	for _, rec := range m.builds {
		if !rec.Terminal() || rec.CompletedAt == nil {
			continue
		}
		if rec.CompletedAt.Before(cutoff) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneRecord(rec BuildRecord) BuildRecord {
	out := rec
	if rec.Logs != nil {
		out.Logs = append([]LogEntry(nil), rec.Logs...)
	}
	return out
}
