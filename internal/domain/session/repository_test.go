package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Solvire/gramline/internal/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db := utils.SetupTestDB(t, &Record{})
	db.Exec("DELETE FROM remote_sessions")
	return db
}

func TestRepository_UpsertGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	rec := &Record{
		UserID:        userID.String(),
		PhoneNumber:   "+15551234567",
		EncryptedBlob: []byte{0x01, 0x02},
		APIID:         12345,
		APIHash:       "hash",
		LastAuthAt:    time.Now().UTC(),
		LastUsedAt:    time.Now().UTC(),
		IsActive:      true,
		Metadata:      Metadata{MetaLastDC: 2},
	}

	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert() unexpected error: %v", err)
	}

	got, err := repo.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if got.PhoneNumber != rec.PhoneNumber {
		t.Errorf("Get() phone = %q, want %q", got.PhoneNumber, rec.PhoneNumber)
	}
	if got.Metadata[MetaLastDC] != float64(2) && got.Metadata[MetaLastDC] != 2 {
		t.Errorf("Get() metadata %s = %v, want 2", MetaLastDC, got.Metadata[MetaLastDC])
	}

	// Upsert again replaces in place, one row per user
	rec.EncryptedBlob = []byte{0x0a, 0x0b}
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert() second call unexpected error: %v", err)
	}

	var count int64
	db.Model(&Record{}).Where("user_id = ?", userID.String()).Count(&count)
	if count != 1 {
		t.Errorf("row count = %d, want 1", count)
	}
}

func TestRepository_GetMissing(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)

	if _, err := repo.Get(context.Background(), uuid.New()); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Get() error = %v, want %v", err, ErrRecordNotFound)
	}
}

func TestRepository_DeactivateKeepsRow(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	rec := &Record{
		UserID:        userID.String(),
		PhoneNumber:   "+15551234567",
		EncryptedBlob: []byte{0x01},
		IsActive:      true,
	}
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert() unexpected error: %v", err)
	}

	if err := repo.Deactivate(ctx, userID); err != nil {
		t.Fatalf("Deactivate() unexpected error: %v", err)
	}

	got, err := repo.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if got.IsActive {
		t.Errorf("record still active after Deactivate()")
	}
}
