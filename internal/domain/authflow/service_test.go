package authflow

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Solvire/gramline/internal/cryptox"
	"github.com/Solvire/gramline/internal/domain/session"
	"github.com/Solvire/gramline/internal/governor"
	"github.com/Solvire/gramline/internal/remote/devnet"
	"github.com/google/uuid"
)

func testService(t *testing.T) (*Service, *devnet.Network, *session.Store) {
	t.Helper()

	codec, err := cryptox.NewCodec(cryptox.DeriveKey("test-pass", "test-salt"))
	if err != nil {
		t.Fatalf("NewCodec() unexpected error: %v", err)
	}
	store := session.NewStore(session.NewMemoryRepository(), codec)

	net := devnet.New()
	svc := NewService(NewMemoryStateStore(), store, net, governor.New(governor.Config{}), Config{
		CodeTTL: 5 * time.Minute,
		AppID:   12345,
		AppHash: "test-hash",
	})
	return svc, net, store
}

func TestService_RequestCode_InvalidPhone(t *testing.T) {
	svc, net, _ := testService(t)

	tests := []struct {
		name  string
		phone string
	}{
		{name: "missing plus", phone: "15551234567"},
		{name: "leading zero", phone: "+05551234567"},
		{name: "letters", phone: "+1555abc4567"},
		{name: "too short", phone: "+155"},
		{name: "empty", phone: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.RequestCode(context.Background(), "flow-1", tt.phone); !errors.Is(err, ErrPhoneInvalid) {
				t.Errorf("RequestCode(%q) error = %v, want %v", tt.phone, err, ErrPhoneInvalid)
			}
		})
	}

	// Malformed numbers are rejected locally, before any connection is opened
	if net.DialCount() != 0 {
		t.Errorf("DialCount() = %d, want 0 for malformed phones", net.DialCount())
	}
}

func TestService_HappyPath_NoSecondFactor(t *testing.T) {
	svc, net, store := testService(t)
	ctx := context.Background()
	userID := uuid.New()

	net.AddAccount(devnet.Account{Phone: "+15551234567", Code: "13579"})

	hash, err := svc.RequestCode(ctx, "flow-1", "+15551234567")
	if err != nil {
		t.Fatalf("RequestCode() unexpected error: %v", err)
	}
	if hash == "" {
		t.Fatalf("RequestCode() returned an empty code hash")
	}

	blob, err := svc.VerifyCode(ctx, "flow-1", userID, "+15551234567", "13579", hash)
	if err != nil {
		t.Fatalf("VerifyCode() unexpected error: %v", err)
	}
	if len(blob) == 0 {
		t.Fatalf("VerifyCode() returned an empty session blob")
	}

	stored, rec, err := store.Load(ctx, userID)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if !bytes.Equal(stored, blob) {
		t.Errorf("persisted blob differs from the one returned by VerifyCode")
	}
	if rec.PhoneNumber != "+15551234567" {
		t.Errorf("record phone = %q, want %q", rec.PhoneNumber, "+15551234567")
	}

	// The flow is consumed on success
	if _, err := svc.VerifyCode(ctx, "flow-1", userID, "+15551234567", "13579", hash); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("VerifyCode() after success error = %v, want %v", err, ErrFlowNotFound)
	}
}

func TestService_VerifyCode_WrongThenCorrect(t *testing.T) {
	svc, net, _ := testService(t)
	ctx := context.Background()
	userID := uuid.New()

	net.AddAccount(devnet.Account{Phone: "+15551234567", Code: "13579"})

	hash, err := svc.RequestCode(ctx, "flow-1", "+15551234567")
	if err != nil {
		t.Fatalf("RequestCode() unexpected error: %v", err)
	}

	if _, err := svc.VerifyCode(ctx, "flow-1", userID, "+15551234567", "00000", hash); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("VerifyCode() wrong code error = %v, want %v", err, ErrInvalidCode)
	}

	// A wrong code does not consume the flow: the same hash still verifies
	blob, err := svc.VerifyCode(ctx, "flow-1", userID, "+15551234567", "13579", hash)
	if err != nil {
		t.Fatalf("VerifyCode() retry unexpected error: %v", err)
	}
	if len(blob) == 0 {
		t.Errorf("VerifyCode() retry returned an empty session blob")
	}
}

func TestService_VerifyCode_Expired(t *testing.T) {
	svc, net, _ := testService(t)
	ctx := context.Background()
	userID := uuid.New()

	net.AddAccount(devnet.Account{Phone: "+15551234567", Code: "13579"})

	hash, err := svc.RequestCode(ctx, "flow-1", "+15551234567")
	if err != nil {
		t.Fatalf("RequestCode() unexpected error: %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(6 * time.Minute) }

	// If the service reached for the network anyway, this would surface
	net.FailNext("SignIn", errors.New("unexpected remote call"))

	if _, err := svc.VerifyCode(ctx, "flow-1", userID, "+15551234567", "13579", hash); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("VerifyCode() after expiry error = %v, want %v", err, ErrCodeExpired)
	}

	// Expiry discards the flow entirely
	if _, err := svc.VerifyCode(ctx, "flow-1", userID, "+15551234567", "13579", hash); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("VerifyCode() after expired flow error = %v, want %v", err, ErrFlowNotFound)
	}
}

func TestService_VerifyCode_StaleHashAfterNewRequest(t *testing.T) {
	svc, net, _ := testService(t)
	ctx := context.Background()
	userID := uuid.New()

	net.AddAccount(devnet.Account{Phone: "+15551234567", Code: "13579"})

	oldHash, err := svc.RequestCode(ctx, "flow-1", "+15551234567")
	if err != nil {
		t.Fatalf("RequestCode() unexpected error: %v", err)
	}
	newHash, err := svc.RequestCode(ctx, "flow-1", "+15551234567")
	if err != nil {
		t.Fatalf("RequestCode() second call unexpected error: %v", err)
	}
	if oldHash == newHash {
		t.Fatalf("second RequestCode() reused the previous code hash")
	}

	if _, err := svc.VerifyCode(ctx, "flow-1", userID, "+15551234567", "13579", oldHash); !errors.Is(err, ErrCodeExpired) {
		t.Errorf("VerifyCode() with stale hash error = %v, want %v", err, ErrCodeExpired)
	}
}

func TestService_VerifyCode_NoFlow(t *testing.T) {
	svc, _, _ := testService(t)

	if _, err := svc.VerifyCode(context.Background(), "flow-x", uuid.New(), "+15551234567", "13579", "hash"); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("VerifyCode() error = %v, want %v", err, ErrFlowNotFound)
	}
}

func TestService_TwoFactorPath(t *testing.T) {
	svc, net, store := testService(t)
	ctx := context.Background()
	userID := uuid.New()

	net.AddAccount(devnet.Account{Phone: "+15551234567", Code: "13579", Password: "hunter2"})

	hash, err := svc.RequestCode(ctx, "flow-1", "+15551234567")
	if err != nil {
		t.Fatalf("RequestCode() unexpected error: %v", err)
	}

	if _, err := svc.VerifyCode(ctx, "flow-1", userID, "+15551234567", "13579", hash); !errors.Is(err, ErrTwoFactorRequired) {
		t.Fatalf("VerifyCode() error = %v, want %v", err, ErrTwoFactorRequired)
	}

	// A wrong password keeps the flow alive for another attempt
	if _, err := svc.Verify2FA(ctx, "flow-1", userID, "wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("Verify2FA() wrong password error = %v, want %v", err, ErrInvalidPassword)
	}

	blob, err := svc.Verify2FA(ctx, "flow-1", userID, "hunter2")
	if err != nil {
		t.Fatalf("Verify2FA() unexpected error: %v", err)
	}
	if len(blob) == 0 {
		t.Fatalf("Verify2FA() returned an empty session blob")
	}

	if _, _, err := store.Load(ctx, userID); err != nil {
		t.Errorf("Load() after 2FA sign-in unexpected error: %v", err)
	}
}

func TestService_Verify2FA_OutOfOrder(t *testing.T) {
	svc, net, _ := testService(t)
	ctx := context.Background()
	userID := uuid.New()

	net.AddAccount(devnet.Account{Phone: "+15551234567", Code: "13579", Password: "hunter2"})

	if _, err := svc.RequestCode(ctx, "flow-1", "+15551234567"); err != nil {
		t.Fatalf("RequestCode() unexpected error: %v", err)
	}

	// Rejected locally: the password must never reach the network before the
	// code step has succeeded
	net.FailNext("CheckPassword", errors.New("unexpected remote call"))

	if _, err := svc.Verify2FA(ctx, "flow-1", userID, "hunter2"); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("Verify2FA() before code step error = %v, want %v", err, ErrOutOfOrder)
	}
}

func TestService_Verify2FA_NoFlow(t *testing.T) {
	svc, _, _ := testService(t)

	if _, err := svc.Verify2FA(context.Background(), "flow-x", uuid.New(), "hunter2"); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("Verify2FA() error = %v, want %v", err, ErrFlowNotFound)
	}
}

func TestService_Reset(t *testing.T) {
	svc, net, _ := testService(t)
	ctx := context.Background()
	userID := uuid.New()

	net.AddAccount(devnet.Account{Phone: "+15551234567", Code: "13579"})

	hash, err := svc.RequestCode(ctx, "flow-1", "+15551234567")
	if err != nil {
		t.Fatalf("RequestCode() unexpected error: %v", err)
	}

	svc.Reset(ctx, "flow-1")

	if _, err := svc.VerifyCode(ctx, "flow-1", userID, "+15551234567", "13579", hash); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("VerifyCode() after Reset() error = %v, want %v", err, ErrFlowNotFound)
	}
}
