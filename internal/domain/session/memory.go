package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryRepository is an in-memory Repository used in tests and by
// single-binary development setups without Postgres.
type memoryRepository struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryRepository creates an empty in-memory Repository
func NewMemoryRepository() Repository {
	return &memoryRepository{records: make(map[string]*Record)}
}

func (m *memoryRepository) Get(ctx context.Context, userID uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[userID.String()]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	cp.Metadata = cloneMetadata(rec.Metadata)
	cp.EncryptedBlob = append([]byte(nil), rec.EncryptedBlob...)
	return &cp, nil
}

func (m *memoryRepository) Upsert(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	cp.Metadata = cloneMetadata(rec.Metadata)
	cp.EncryptedBlob = append([]byte(nil), rec.EncryptedBlob...)
	if existing, ok := m.records[rec.UserID]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.ID = uuid.New()
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	m.records[rec.UserID] = &cp
	return nil
}

func (m *memoryRepository) Touch(ctx context.Context, userID uuid.UUID, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[userID.String()]; ok && rec.IsActive {
		rec.LastUsedAt = t
	}
	return nil
}

func (m *memoryRepository) Deactivate(ctx context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[userID.String()]; ok {
		rec.IsActive = false
	}
	return nil
}

func (m *memoryRepository) IncrementRetry(ctx context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[userID.String()]; ok {
		rec.RetryCount++
	}
	return nil
}

func (m *memoryRepository) ResetRetry(ctx context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[userID.String()]; ok {
		rec.RetryCount = 0
	}
	return nil
}

func (m *memoryRepository) MergeMetadata(ctx context.Context, userID uuid.UUID, meta Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[userID.String()]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.Metadata == nil {
		rec.Metadata = Metadata{}
	}
	for k, v := range meta {
		rec.Metadata[k] = v
	}
	return nil
}

func cloneMetadata(meta Metadata) Metadata {
	if meta == nil {
		return nil
	}
	cp := make(Metadata, len(meta))
	for k, v := range meta {
		cp[k] = v
	}
	return cp
}
