package remote

import (
	"crypto/sha512"
	"crypto/subtle"

	"golang.org/x/crypto/pbkdf2"
)

const (
	proofIterations = 100_000
	proofLength     = 64
)

// ComputeProof derives the password proof for the second-factor check. The
// salts come from PasswordInfo fetched immediately before submission; a stale
// fetch produces a proof the server rejects.
func ComputeProof(password string, info *PasswordInfo) []byte {
	inner := pbkdf2.Key([]byte(password), info.Salt1, proofIterations, proofLength, sha512.New)
	return pbkdf2.Key(inner, info.Salt2, 1, proofLength, sha512.New)
}

// VerifyProof compares two proofs in constant time. Used by server-side
// simulations; the real network performs this check remotely.
func VerifyProof(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
