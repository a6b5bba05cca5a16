package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrRecordNotFound is returned when no session row exists for a user
var ErrRecordNotFound = errors.New("session record not found")

// Repository is the persistence contract for session records. The store is
// not assumed reachable on the first try: implementations retry transient
// failures with bounded backoff.
type Repository interface {
	Get(ctx context.Context, userID uuid.UUID) (*Record, error)
	Upsert(ctx context.Context, rec *Record) error
	Touch(ctx context.Context, userID uuid.UUID, t time.Time) error
	Deactivate(ctx context.Context, userID uuid.UUID) error
	IncrementRetry(ctx context.Context, userID uuid.UUID) error
	ResetRetry(ctx context.Context, userID uuid.UUID) error
	MergeMetadata(ctx context.Context, userID uuid.UUID, meta Metadata) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a gorm-backed Repository
func NewRepository(db *gorm.DB) Repository {
	return &repository{db}
}

// withRetry runs fn up to three times with short exponential backoff.
// Not-found is never retried.
func (r *repository) withRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(2, retry.NewExponential(50*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if err == nil || errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, ErrRecordNotFound) {
			return err
		}
		return retry.RetryableError(err)
	})
}

func (r *repository) Get(ctx context.Context, userID uuid.UUID) (*Record, error) {
	var rec Record
	err := r.withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Where("user_id = ?", userID.String()).First(&rec).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (r *repository) Upsert(ctx context.Context, rec *Record) error {
	return r.withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"phone_number", "encrypted_blob", "api_id", "api_hash",
				"last_auth_at", "last_used_at", "is_active", "retry_count",
				"metadata", "updated_at",
			}),
		}).Create(rec).Error
	})
}

func (r *repository) Touch(ctx context.Context, userID uuid.UUID, t time.Time) error {
	return r.withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Model(&Record{}).
			Where("user_id = ? AND is_active = true", userID.String()).
			Update("last_used_at", t).Error
	})
}

func (r *repository) Deactivate(ctx context.Context, userID uuid.UUID) error {
	return r.withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Model(&Record{}).
			Where("user_id = ? AND is_active = true", userID.String()).
			Update("is_active", false).Error
	})
}

func (r *repository) IncrementRetry(ctx context.Context, userID uuid.UUID) error {
	return r.withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Model(&Record{}).
			Where("user_id = ?", userID.String()).
			Update("retry_count", gorm.Expr("retry_count + 1")).Error
	})
}

func (r *repository) ResetRetry(ctx context.Context, userID uuid.UUID) error {
	return r.withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Model(&Record{}).
			Where("user_id = ?", userID.String()).
			Update("retry_count", 0).Error
	})
}

func (r *repository) MergeMetadata(ctx context.Context, userID uuid.UUID, meta Metadata) error {
	return r.withRetry(ctx, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var rec Record
			if err := tx.Where("user_id = ?", userID.String()).First(&rec).Error; err != nil {
				return err
			}
			if rec.Metadata == nil {
				rec.Metadata = Metadata{}
			}
			for k, v := range meta {
				rec.Metadata[k] = v
			}
			return tx.Model(&Record{}).
				Where("user_id = ?", userID.String()).
				Update("metadata", rec.Metadata).Error
		})
	})
}
