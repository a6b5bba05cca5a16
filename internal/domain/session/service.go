package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Solvire/gramline/internal/cryptox"
	"github.com/google/uuid"
)

var (
	// ErrNoActiveSession is returned when the user has no usable session
	ErrNoActiveSession = errors.New("no active session")
)

// Store persists remote-network session material. Blobs pass through the
// authenticated codec on every write and read; raw session bytes never reach
// the repository.
type Store struct {
	repo  Repository
	codec *cryptox.Codec
}

// NewStore creates a Store
func NewStore(repo Repository, codec *cryptox.Codec) *Store {
	return &Store{repo: repo, codec: codec}
}

// Save encrypts blob and creates or replaces the user's session record.
// A fresh authentication always resets the retry counter.
func (s *Store) Save(ctx context.Context, userID uuid.UUID, phone string, apiID int32, apiHash string, blob []byte, meta Metadata) error {
	box, err := s.codec.Seal(blob)
	if err != nil {
		return fmt.Errorf("failed to encrypt session blob: %w", err)
	}

	now := time.Now().UTC()
	rec := &Record{
		UserID:        userID.String(),
		PhoneNumber:   phone,
		EncryptedBlob: box,
		APIID:         apiID,
		APIHash:       apiHash,
		LastAuthAt:    now,
		LastUsedAt:    now,
		IsActive:      true,
		RetryCount:    0,
		Metadata:      meta,
	}

	if err := s.repo.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist session record: %w", err)
	}

	slog.Info("session saved", "user_id", userID.String(), "phone", phone)
	return nil
}

// Load decrypts and returns the active session blob for the user. Decryption
// failure is fatal, never retried: a tampered or wrongly-keyed row must not
// look like a missing session.
func (s *Store) Load(ctx context.Context, userID uuid.UUID) ([]byte, *Record, error) {
	rec, err := s.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, nil, ErrNoActiveSession
		}
		return nil, nil, err
	}

	if !rec.IsActive {
		return nil, nil, ErrNoActiveSession
	}

	blob, err := s.codec.Open(rec.EncryptedBlob)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt session blob for user %s: %w", userID.String(), err)
	}

	return blob, rec, nil
}

// Touch records a successful use
func (s *Store) Touch(ctx context.Context, userID uuid.UUID) error {
	if err := s.repo.Touch(ctx, userID, time.Now().UTC()); err != nil {
		return err
	}
	return s.repo.ResetRetry(ctx, userID)
}

// Deactivate flips the record inactive, keeping the row for auditability
func (s *Store) Deactivate(ctx context.Context, userID uuid.UUID) error {
	if err := s.repo.Deactivate(ctx, userID); err != nil {
		return err
	}
	slog.Info("session deactivated", "user_id", userID.String())
	return nil
}

// RecordFailure bumps the consecutive-failure counter and merges diagnostic
// metadata (last datacenter, last flood wait, ...)
func (s *Store) RecordFailure(ctx context.Context, userID uuid.UUID, meta Metadata) error {
	if err := s.repo.IncrementRetry(ctx, userID); err != nil {
		return err
	}
	if len(meta) == 0 {
		return nil
	}
	return s.repo.MergeMetadata(ctx, userID, meta)
}

// MergeMetadata updates diagnostic facts without touching counters
func (s *Store) MergeMetadata(ctx context.Context, userID uuid.UUID, meta Metadata) error {
	return s.repo.MergeMetadata(ctx, userID, meta)
}
