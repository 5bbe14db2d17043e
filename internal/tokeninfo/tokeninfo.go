// Package tokeninfo reads the claims of a JWT access token for display.
//
// Signatures are NOT verified: the client never trusts these claims for
// anything but showing the user when the token expires and whom it names.
// Tokens that are not JWTs are reported as opaque.
package tokeninfo

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrOpaque is returned for tokens that are not JWTs.
var ErrOpaque = errors.New("token is opaque")

// Info is what a token says about itself.
type Info struct {
	Subject   string
	Issuer    string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token's expiry has passed. Tokens without an
// expiry never expire.
func (i *Info) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// TTL returns the time left until expiry, or 0 when unknown or past.
func (i *Info) TTL(now time.Time) time.Duration {
	if i.ExpiresAt.IsZero() || !now.Before(i.ExpiresAt) {
		return 0
	}
	return i.ExpiresAt.Sub(now)
}

// Parse decodes token without verifying it.
func Parse(token string) (*Info, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, ErrOpaque
	}

	info := &Info{}
	info.Subject, _ = claims.GetSubject()
	info.Issuer, _ = claims.GetIssuer()
	if jti, ok := claims["jti"].(string); ok {
		info.ID = jti
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		info.IssuedAt = iat.Time
	}
	return info, nil
}
