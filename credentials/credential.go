package credentials

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-session/internal/utils"
)

// Credential is the access/refresh token pair proving an authenticated session.
// It is always persisted as one record; callers never update single fields in place.
type Credential struct {
	AccessToken  string     `json:"access_token"`            // Bearer token attached to outbound requests
	AccessExpiry *time.Time `json:"access_expiry,omitempty"` // Optional, informational only; refresh is reactive
	RefreshToken string     `json:"refresh_token,omitempty"` // Single-use; consumed by a successful refresh
	IDToken      string     `json:"id_token,omitempty"`      // OIDC id_token, if the provider issued one
}

// Clone returns a deep copy so callers cannot mutate a stored record.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	clone := *c
	clone.AccessExpiry = utils.ClonePtr(c.AccessExpiry)
	return &clone
}

// Equal reports whether both credentials carry the same tokens and expiry.
func (c *Credential) Equal(other *Credential) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.AccessToken == other.AccessToken &&
		c.RefreshToken == other.RefreshToken &&
		c.IDToken == other.IDToken &&
		utils.TimePtrEqual(c.AccessExpiry, other.AccessExpiry)
}

// HasRefreshToken reports whether the credential can be refreshed at all.
func (c *Credential) HasRefreshToken() bool {
	return c != nil && strings.TrimSpace(c.RefreshToken) != ""
}

// Store persists the single current Credential.
// Get returns (nil, nil) when nothing is stored.
type Store interface {
	Get() (*Credential, error)
	Set(credential *Credential) error
	Clear() error
}

// ExpiryFromJWT reads the exp claim of a JWT access token without verifying it.
// Opaque tokens and tokens without exp yield nil.
func ExpiryFromJWT(rawToken string) *time.Time {
	if strings.Count(rawToken, ".") != 2 {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawToken, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	return utils.Ptr(exp.Time)
}
