// Package cryptox provides the authenticated codec that session material
// passes through before it touches persistent storage.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	keyLength = 32

	argon2Memory      = 64 * 1024
	argon2Iterations  = 2
	argon2Parallelism = 2
)

var (
	// ErrKeySize is returned when the codec key is not 32 bytes
	ErrKeySize = errors.New("codec key must be 32 bytes")
	// ErrCiphertextTooShort is returned when a stored box is shorter than a nonce
	ErrCiphertextTooShort = errors.New("ciphertext shorter than nonce")
	// ErrDecryptFailed is returned when authentication of the ciphertext fails
	ErrDecryptFailed = errors.New("ciphertext authentication failed")
)

// Codec seals and opens session blobs with AES-256-GCM. A fresh random nonce
// is generated per Seal and prepended to the ciphertext.
type Codec struct {
	aead cipher.AEAD
}

// DeriveKey derives a 32-byte codec key from a deployment passphrase and salt
// using Argon2id.
func DeriveKey(passphrase, salt string) []byte {
	return argon2.IDKey([]byte(passphrase), []byte(salt), argon2Iterations, argon2Memory, argon2Parallelism, keyLength)
}

// NewCodec creates a Codec from a 32-byte key
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != keyLength {
		return nil, ErrKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}

	return &Codec{aead: aead}, nil
}

// Seal encrypts plaintext and returns nonce||ciphertext
func (c *Codec) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a box produced by Seal. It fails closed: any tampering with
// the stored bytes yields ErrDecryptFailed, never partial plaintext.
func (c *Codec) Open(box []byte) ([]byte, error) {
	if len(box) < c.aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := box[:c.aead.NonceSize()], box[c.aead.NonceSize():]

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}
