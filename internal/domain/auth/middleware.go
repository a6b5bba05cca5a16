package auth

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/Solvire/gramline/internal/utils"
)

// IdentityKey is the key used to store the identity in Fiber context
const IdentityKey = "identity"

// Middleware returns a Fiber middleware that authenticates requests using a
// bearer token from the Authorization header. The token is verified against
// the key store; issuer and audience are enforced when configured. The
// resolved Identity is attached to the request context under IdentityKey.
func Middleware(keyStore *KeyStore, issuer string, audience []string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return utils.ErrorResponse(c, ErrMissingAuthorizationHeader.Error(), fiber.StatusUnauthorized)
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return utils.ErrorResponse(c, ErrInvalidAuthorizationHeader.Error(), fiber.StatusUnauthorized)
		}

		token := parts[1]
		if token == "" {
			return utils.ErrorResponse(c, ErrMissingToken.Error(), fiber.StatusUnauthorized)
		}

		claims, err := keyStore.Verify(token)
		if err != nil {
			return utils.ErrorResponse(c, ErrInvalidToken.Error(), fiber.StatusUnauthorized)
		}

		if issuer != "" && claims.Issuer() != issuer {
			slog.Error("token issuer mismatch", "expected", issuer, "got", claims.Issuer())
			return utils.ErrorResponse(c, ErrTokenExpiredOrInvalid.Error(), fiber.StatusUnauthorized)
		}

		exp := claims.Expiration()
		if exp.IsZero() || time.Now().After(exp) {
			return utils.ErrorResponse(c, ErrTokenExpiredOrInvalid.Error(), fiber.StatusUnauthorized)
		}

		if len(audience) > 0 && !audienceAllowed(claims.Audience(), audience) {
			slog.Error("token audience mismatch", "audience", claims.Audience())
			return utils.ErrorResponse(c, ErrTokenExpiredOrInvalid.Error(), fiber.StatusUnauthorized)
		}

		identity := &Identity{
			UserID:    claims.Subject(),
			SessionID: claims.GetSid(),
		}

		c.Locals(IdentityKey, identity)

		return c.Next()
	}
}

func audienceAllowed(got, allowed []string) bool {
	for _, a := range got {
		for _, b := range allowed {
			if a == b {
				return true
			}
		}
	}
	return false
}

// GetIdentity retrieves the *Identity stored in the current Fiber context.
// It returns nil when the request was not authenticated.
func GetIdentity(c *fiber.Ctx) *Identity {
	identity, ok := c.Locals(IdentityKey).(*Identity)
	if !ok {
		return nil
	}
	return identity
}
