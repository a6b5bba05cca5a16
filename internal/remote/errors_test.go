package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestParse_TaggedPassThrough(t *testing.T) {
	orig := RateLimited(37)
	wrapped := fmt.Errorf("send code: %w", orig)

	rpc := Parse(wrapped)
	if rpc.Kind != KindRateLimited {
		t.Fatalf("Parse() kind = %v, want KindRateLimited", rpc.Kind)
	}
	if rpc.Seconds != 37 {
		t.Errorf("Parse() seconds = %d, want 37", rpc.Seconds)
	}
}

func TestParse_StringFallback(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind Kind
		seconds  int
		dc       int
	}{
		{name: "flood wait", err: errors.New("rpc error: FLOOD_WAIT_120 (caused by auth.SendCode)"), wantKind: KindRateLimited, seconds: 120},
		{name: "phone migrate", err: errors.New("PHONE_MIGRATE_4"), wantKind: KindMustMigrate, dc: 4},
		{name: "network migrate", err: errors.New("NETWORK_MIGRATE_2"), wantKind: KindMustMigrate, dc: 2},
		{name: "revoked session", err: errors.New("SESSION_REVOKED"), wantKind: KindInvalidCredential},
		{name: "unregistered key", err: errors.New("AUTH_KEY_UNREGISTERED"), wantKind: KindInvalidCredential},
		{name: "password needed", err: errors.New("SESSION_PASSWORD_NEEDED"), wantKind: KindTwoFactorNeeded},
		{name: "wrong code", err: errors.New("PHONE_CODE_INVALID"), wantKind: KindInvalidCode},
		{name: "expired code", err: errors.New("PHONE_CODE_EXPIRED"), wantKind: KindCodeExpired},
		{name: "wrong password", err: errors.New("PASSWORD_HASH_INVALID"), wantKind: KindInvalidPassword},
		{name: "bad phone", err: errors.New("PHONE_NUMBER_INVALID"), wantKind: KindPhoneInvalid},
		{name: "connection reset", err: errors.New("read tcp: connection reset by peer"), wantKind: KindTransient},
		{name: "deadline", err: context.DeadlineExceeded, wantKind: KindTransient},
		{name: "unknown", err: errors.New("INTERNAL"), wantKind: KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpc := Parse(tt.err)
			if rpc.Kind != tt.wantKind {
				t.Fatalf("Parse() kind = %v, want %v", rpc.Kind, tt.wantKind)
			}
			if tt.seconds != 0 && rpc.Seconds != tt.seconds {
				t.Errorf("Parse() seconds = %d, want %d", rpc.Seconds, tt.seconds)
			}
			if tt.dc != 0 && rpc.DC != tt.dc {
				t.Errorf("Parse() dc = %d, want %d", rpc.DC, tt.dc)
			}
		})
	}
}

func TestFloodWait(t *testing.T) {
	if _, ok := FloodWait(errors.New("INTERNAL")); ok {
		t.Errorf("FloodWait() reported a wait for a non-flood error")
	}

	secs, ok := FloodWait(fmt.Errorf("wrapped: %w", RateLimited(42)))
	if !ok || secs != 42 {
		t.Errorf("FloodWait() = (%d, %v), want (42, true)", secs, ok)
	}
}

func TestMigrateTarget(t *testing.T) {
	dc, ok := MigrateTarget(MustMigrate(5))
	if !ok || dc != 5 {
		t.Errorf("MigrateTarget() = (%d, %v), want (5, true)", dc, ok)
	}
}

func TestParse_Nil(t *testing.T) {
	if Parse(nil) != nil {
		t.Errorf("Parse(nil) should be nil")
	}
}
