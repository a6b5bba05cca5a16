package authflow

import "errors"

// Caller-facing outcomes of the sign-in flow. These four require new user
// input and are never retried internally.
var (
	// ErrPhoneInvalid is returned for a malformed or rejected phone number
	ErrPhoneInvalid = errors.New("invalid phone number")
	// ErrInvalidCode is returned when the submitted login code is wrong
	ErrInvalidCode = errors.New("invalid login code")
	// ErrInvalidPassword is returned when the second-factor password is wrong
	ErrInvalidPassword = errors.New("invalid password")
	// ErrCodeExpired is returned when the code window elapsed before verification
	ErrCodeExpired = errors.New("login code expired")

	// ErrTwoFactorRequired signals that the account has a password configured
	// and Verify2FA must be called next on the same flow
	ErrTwoFactorRequired = errors.New("two-factor password required")

	// ErrFlowNotFound is returned when no sign-in is in progress for the caller
	ErrFlowNotFound = errors.New("no sign-in flow in progress")
	// ErrOutOfOrder is returned when a step is called before its predecessor
	ErrOutOfOrder = errors.New("auth flow step out of order")
)
