package auth

import (
	"time"

	"github.com/lestrrat-go/jwx/v3/jwt"
)

// AccessTokenClaims wraps a verified access token issued by the CRM's
// identity service.
type AccessTokenClaims struct {
	Token jwt.Token
}

func (c *AccessTokenClaims) Subject() string {
	s, _ := c.Token.Subject()
	return s
}

func (c *AccessTokenClaims) Issuer() string {
	s, _ := c.Token.Issuer()
	return s
}

func (c *AccessTokenClaims) Audience() []string {
	a, _ := c.Token.Audience()
	return a
}

func (c *AccessTokenClaims) Expiration() time.Time {
	t, _ := c.Token.Expiration()
	return t
}

// GetSid returns the local session ID claim, used as the auth-flow key
func (c *AccessTokenClaims) GetSid() string {
	var sid string
	if err := c.Token.Get("sid", &sid); err != nil {
		return ""
	}
	return sid
}

// Identity is the authenticated CRM user attached to the request context
type Identity struct {
	UserID    string
	SessionID string
}
