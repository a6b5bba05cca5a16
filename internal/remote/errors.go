package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Kind classifies a remote-network error into the categories the rest of the
// system branches on.
type Kind int

const (
	// KindOther is any error without a recognised classification
	KindOther Kind = iota
	// KindRateLimited carries a mandatory cool-down in Seconds
	KindRateLimited
	// KindMustMigrate carries the target datacenter in DC
	KindMustMigrate
	// KindInvalidCredential means the session/auth key was revoked remotely
	KindInvalidCredential
	// KindTwoFactorNeeded means sign-in requires a password proof next
	KindTwoFactorNeeded
	// KindInvalidCode means the submitted login code was wrong
	KindInvalidCode
	// KindCodeExpired means the login code is no longer accepted remotely
	KindCodeExpired
	// KindInvalidPassword means the second-factor proof was wrong
	KindInvalidPassword
	// KindPhoneInvalid means the network rejected the phone number
	KindPhoneInvalid
	// KindTransient is a network-level failure worth retrying
	KindTransient
)

// RPCError is the tagged error populated at the SDK boundary. Everything
// above this package matches on Kind rather than on error strings.
type RPCError struct {
	Kind    Kind
	Code    string // remote error code, e.g. "FLOOD_WAIT_37"
	Seconds int    // KindRateLimited only
	DC      int    // KindMustMigrate only
	err     error
}

func (e *RPCError) Error() string {
	switch e.Kind {
	case KindRateLimited:
		return fmt.Sprintf("rate limited for %ds (%s)", e.Seconds, e.Code)
	case KindMustMigrate:
		return fmt.Sprintf("account migrated to DC %d (%s)", e.DC, e.Code)
	default:
		if e.Code != "" {
			return e.Code
		}
		if e.err != nil {
			return e.err.Error()
		}
		return "remote error"
	}
}

func (e *RPCError) Unwrap() error {
	return e.err
}

// NewRPCError builds a tagged error for a remote code string
func NewRPCError(kind Kind, code string) *RPCError {
	return &RPCError{Kind: kind, Code: code}
}

// RateLimited builds a rate-limit error with the mandatory wait
func RateLimited(seconds int) *RPCError {
	return &RPCError{Kind: KindRateLimited, Code: fmt.Sprintf("FLOOD_WAIT_%d", seconds), Seconds: seconds}
}

// MustMigrate builds a migration error with the target datacenter
func MustMigrate(dc int) *RPCError {
	return &RPCError{Kind: KindMustMigrate, Code: fmt.Sprintf("PHONE_MIGRATE_%d", dc), DC: dc}
}

// Parse classifies err. Already-tagged errors pass through; otherwise the
// remote code string is pattern-matched as a fallback for SDKs that only
// expose text, and network-level failures are tagged transient.
func Parse(err error) *RPCError {
	if err == nil {
		return nil
	}

	var rpc *RPCError
	if errors.As(err, &rpc) {
		return rpc
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &RPCError{Kind: KindTransient, err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &RPCError{Kind: KindTransient, err: err}
	}

	msg := strings.ToUpper(err.Error())
	switch {
	case strings.Contains(msg, "FLOOD_WAIT_"):
		return &RPCError{Kind: KindRateLimited, Code: extractCode(msg, "FLOOD_WAIT_"), Seconds: trailingInt(msg, "FLOOD_WAIT_"), err: err}
	case strings.Contains(msg, "PHONE_MIGRATE_"):
		return &RPCError{Kind: KindMustMigrate, Code: extractCode(msg, "PHONE_MIGRATE_"), DC: trailingInt(msg, "PHONE_MIGRATE_"), err: err}
	case strings.Contains(msg, "NETWORK_MIGRATE_"):
		return &RPCError{Kind: KindMustMigrate, Code: extractCode(msg, "NETWORK_MIGRATE_"), DC: trailingInt(msg, "NETWORK_MIGRATE_"), err: err}
	case strings.Contains(msg, "USER_MIGRATE_"):
		return &RPCError{Kind: KindMustMigrate, Code: extractCode(msg, "USER_MIGRATE_"), DC: trailingInt(msg, "USER_MIGRATE_"), err: err}
	case strings.Contains(msg, "AUTH_KEY_UNREGISTERED"),
		strings.Contains(msg, "AUTH_KEY_INVALID"),
		strings.Contains(msg, "SESSION_REVOKED"),
		strings.Contains(msg, "SESSION_EXPIRED"),
		strings.Contains(msg, "USER_DEACTIVATED"):
		return &RPCError{Kind: KindInvalidCredential, Code: firstWord(msg), err: err}
	case strings.Contains(msg, "SESSION_PASSWORD_NEEDED"):
		return &RPCError{Kind: KindTwoFactorNeeded, Code: "SESSION_PASSWORD_NEEDED", err: err}
	case strings.Contains(msg, "PHONE_CODE_INVALID"):
		return &RPCError{Kind: KindInvalidCode, Code: "PHONE_CODE_INVALID", err: err}
	case strings.Contains(msg, "PHONE_CODE_EXPIRED"):
		return &RPCError{Kind: KindCodeExpired, Code: "PHONE_CODE_EXPIRED", err: err}
	case strings.Contains(msg, "PASSWORD_HASH_INVALID"):
		return &RPCError{Kind: KindInvalidPassword, Code: "PASSWORD_HASH_INVALID", err: err}
	case strings.Contains(msg, "PHONE_NUMBER_INVALID"),
		strings.Contains(msg, "PHONE_NUMBER_BANNED"):
		return &RPCError{Kind: KindPhoneInvalid, Code: firstWord(msg), err: err}
	case strings.Contains(msg, "CONNECTION RESET"),
		strings.Contains(msg, "CONNECTION REFUSED"),
		strings.Contains(msg, "BROKEN PIPE"),
		strings.Contains(msg, "TIMEOUT"),
		strings.Contains(msg, "EOF"):
		return &RPCError{Kind: KindTransient, err: err}
	}

	return &RPCError{Kind: KindOther, err: err}
}

// IsKind reports whether err classifies as the given kind
func IsKind(err error, kind Kind) bool {
	rpc := Parse(err)
	return rpc != nil && rpc.Kind == kind
}

// FloodWait returns the mandatory wait if err is a rate-limit signal
func FloodWait(err error) (int, bool) {
	rpc := Parse(err)
	if rpc == nil || rpc.Kind != KindRateLimited {
		return 0, false
	}
	return rpc.Seconds, true
}

// MigrateTarget returns the target datacenter if err is a migration signal
func MigrateTarget(err error) (int, bool) {
	rpc := Parse(err)
	if rpc == nil || rpc.Kind != KindMustMigrate {
		return 0, false
	}
	return rpc.DC, true
}

func trailingInt(msg, prefix string) int {
	idx := strings.Index(msg, prefix)
	if idx < 0 {
		return 0
	}
	rest := msg[idx+len(prefix):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	n, _ := strconv.Atoi(rest[:end])
	return n
}

func extractCode(msg, prefix string) string {
	idx := strings.Index(msg, prefix)
	if idx < 0 {
		return msg
	}
	rest := msg[idx:]
	if sp := strings.IndexAny(rest, " :("); sp >= 0 {
		rest = rest[:sp]
	}
	return rest
}

func firstWord(msg string) string {
	if sp := strings.IndexAny(msg, " :("); sp >= 0 {
		return msg[:sp]
	}
	return msg
}
