package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

// KeyStore holds the public keys tokens are verified against. This service
// never signs tokens; the private keys stay with the identity service.
type KeyStore struct {
	set jwk.Set
}

// LoadKeys reads every public-<kid>.pem in dir into a key set, with the key
// ID taken from the filename.
func LoadKeys(dir string) (*KeyStore, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "public-*.pem"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan keys directory: %w", err)
	}

	set := jwk.NewSet()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read key %s: %w", path, err)
		}

		key, err := jwk.ParseKey(data, jwk.WithPEM(true))
		if err != nil {
			return nil, fmt.Errorf("failed to parse key %s: %w", path, err)
		}

		kid := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "public-"), ".pem")
		if err := key.Set(jwk.KeyIDKey, kid); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.AlgorithmKey, jwa.RS256()); err != nil {
			return nil, err
		}

		if err := set.AddKey(key); err != nil {
			return nil, fmt.Errorf("failed to add key %s: %w", kid, err)
		}
	}

	if set.Len() == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoKeys, dir)
	}

	return &KeyStore{set: set}, nil
}

// Verify parses and validates a signed token against the key set
func (k *KeyStore) Verify(raw string) (*AccessTokenClaims, error) {
	tok, err := jwt.Parse([]byte(raw),
		jwt.WithKeySet(k.set, jws.WithInferAlgorithmFromKey(true)),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}

	return &AccessTokenClaims{Token: tok}, nil
}

// JWKS exposes the public key set
func (k *KeyStore) JWKS() jwk.Set {
	return k.set
}
