package session

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/Solvire/gramline/internal/cryptox"
	"github.com/google/uuid"
)

func testStore(t *testing.T) (*Store, Repository) {
	codec, err := cryptox.NewCodec(cryptox.DeriveKey("test-pass", "test-salt"))
	if err != nil {
		t.Fatalf("NewCodec() unexpected error: %v", err)
	}
	repo := NewMemoryRepository()
	return NewStore(repo, codec), repo
}

func TestStore_SaveLoad_RoundTrip(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	userID := uuid.New()

	tests := []struct {
		name string
		blob []byte
	}{
		{name: "text blob", blob: []byte("exported session material")},
		{name: "binary blob", blob: []byte{0x00, 0x01, 0xfe, 0xff}},
		{name: "single byte", blob: []byte{0x42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.Save(ctx, userID, "+15551234567", 12345, "hash", tt.blob, nil); err != nil {
				t.Fatalf("Save() unexpected error: %v", err)
			}

			got, rec, err := store.Load(ctx, userID)
			if err != nil {
				t.Fatalf("Load() unexpected error: %v", err)
			}
			if !bytes.Equal(got, tt.blob) {
				t.Errorf("Load() = %v, want %v", got, tt.blob)
			}
			if rec.PhoneNumber != "+15551234567" {
				t.Errorf("Load() phone = %q, want %q", rec.PhoneNumber, "+15551234567")
			}
			if !rec.IsActive {
				t.Errorf("Load() record should be active after save")
			}
			if rec.RetryCount != 0 {
				t.Errorf("Load() retryCount = %d, want 0 after fresh save", rec.RetryCount)
			}
		})
	}
}

func TestStore_BlobEncryptedAtRest(t *testing.T) {
	store, repo := testStore(t)
	ctx := context.Background()
	userID := uuid.New()
	blob := []byte("plaintext session material")

	if err := store.Save(ctx, userID, "+15551234567", 1, "h", blob, nil); err != nil {
		t.Fatalf("Save() unexpected error: %v", err)
	}

	rec, err := repo.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if bytes.Contains(rec.EncryptedBlob, blob) {
		t.Errorf("stored blob contains the plaintext; it must be encrypted at rest")
	}
}

func TestStore_Load_TamperedCiphertext(t *testing.T) {
	store, repo := testStore(t)
	ctx := context.Background()
	userID := uuid.New()

	if err := store.Save(ctx, userID, "+15551234567", 1, "h", []byte("blob"), nil); err != nil {
		t.Fatalf("Save() unexpected error: %v", err)
	}

	rec, err := repo.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	rec.EncryptedBlob[len(rec.EncryptedBlob)/2] ^= 0x01
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert() unexpected error: %v", err)
	}

	if _, _, err := store.Load(ctx, userID); !errors.Is(err, cryptox.ErrDecryptFailed) {
		t.Errorf("Load() error = %v, want %v (must fail closed, never return corrupted data)", err, cryptox.ErrDecryptFailed)
	}
}

func TestStore_Load_NoRecord(t *testing.T) {
	store, _ := testStore(t)

	if _, _, err := store.Load(context.Background(), uuid.New()); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Load() error = %v, want %v", err, ErrNoActiveSession)
	}
}

func TestStore_Deactivate(t *testing.T) {
	store, repo := testStore(t)
	ctx := context.Background()
	userID := uuid.New()

	if err := store.Save(ctx, userID, "+15551234567", 1, "h", []byte("blob"), nil); err != nil {
		t.Fatalf("Save() unexpected error: %v", err)
	}

	if err := store.Deactivate(ctx, userID); err != nil {
		t.Fatalf("Deactivate() unexpected error: %v", err)
	}

	if _, _, err := store.Load(ctx, userID); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Load() after deactivate error = %v, want %v", err, ErrNoActiveSession)
	}

	// The row survives deactivation for auditability
	rec, err := repo.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if rec.IsActive {
		t.Errorf("record still active after Deactivate()")
	}
	if rec.PhoneNumber == "" {
		t.Errorf("record history lost on deactivation")
	}
}

func TestStore_SaveReplacesDeactivated(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	userID := uuid.New()

	if err := store.Save(ctx, userID, "+15551234567", 1, "h", []byte("old"), nil); err != nil {
		t.Fatalf("Save() unexpected error: %v", err)
	}
	if err := store.Deactivate(ctx, userID); err != nil {
		t.Fatalf("Deactivate() unexpected error: %v", err)
	}

	// A fresh authentication replaces the deactivated record
	if err := store.Save(ctx, userID, "+15551234567", 1, "h", []byte("new"), nil); err != nil {
		t.Fatalf("Save() unexpected error: %v", err)
	}

	blob, rec, err := store.Load(ctx, userID)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if !bytes.Equal(blob, []byte("new")) {
		t.Errorf("Load() = %q, want %q", blob, "new")
	}
	if !rec.IsActive {
		t.Errorf("replacement record should be active")
	}
}

func TestStore_RecordFailureAndTouch(t *testing.T) {
	store, repo := testStore(t)
	ctx := context.Background()
	userID := uuid.New()

	if err := store.Save(ctx, userID, "+15551234567", 1, "h", []byte("blob"), nil); err != nil {
		t.Fatalf("Save() unexpected error: %v", err)
	}

	meta := Metadata{MetaLastFloodWait: 120, MetaLastDC: 4}
	for i := 0; i < 2; i++ {
		if err := store.RecordFailure(ctx, userID, meta); err != nil {
			t.Fatalf("RecordFailure() unexpected error: %v", err)
		}
	}

	rec, err := repo.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if rec.RetryCount != 2 {
		t.Errorf("retryCount = %d, want 2", rec.RetryCount)
	}
	if rec.Metadata[MetaLastDC] != 4 {
		t.Errorf("metadata %s = %v, want 4", MetaLastDC, rec.Metadata[MetaLastDC])
	}

	// A successful use resets the counter
	if err := store.Touch(ctx, userID); err != nil {
		t.Fatalf("Touch() unexpected error: %v", err)
	}
	rec, err = repo.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if rec.RetryCount != 0 {
		t.Errorf("retryCount = %d after Touch(), want 0", rec.RetryCount)
	}
}
