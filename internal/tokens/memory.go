package tokens

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps tracking records in process. Records do not survive a restart.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: map[string]Record{}}
}

func (m *MemoryStore) Insert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.Hash] = rec
	return nil
}

func (m *MemoryStore) Get(_ context.Context, hash string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[hash]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Consume(_ context.Context, hash string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[hash]
	if !ok || rec.Used || rec.Revoked {
		return false, nil
	}
	rec.Used = true
	rec.UsedAt = &at
	m.recs[hash] = rec
	return true, nil
}

func (m *MemoryStore) RevokeForStep(_ context.Context, stepID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for h, rec := range m.recs {
		if rec.Purpose == PurposeStep && rec.StepID == stepID && !rec.Used && !rec.Revoked {
			rec.Revoked = true
			m.recs[h] = rec
			n++
		}
	}
	return n, nil
}
