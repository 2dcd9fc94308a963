package refresh

import (
	"strings"

	"github.com/jrsteele09/go-auth-session/session"
)

// Claims are the id_token claims mapped onto a session identity.
type Claims struct {
	Subject           string   `json:"sub"`
	Name              string   `json:"name"`
	PreferredUsername string   `json:"preferred_username"`
	Email             string   `json:"email"`
	Roles             []string `json:"roles"`
	TenantID          string   `json:"tenant"`
}

// IdentityFromClaims builds an identity from verified id_token claims.
func IdentityFromClaims(claims Claims) *session.Identity {
	displayName := strings.TrimSpace(claims.Name)
	if displayName == "" {
		displayName = claims.PreferredUsername
	}
	return &session.Identity{
		ID:          claims.Subject,
		DisplayName: displayName,
		Email:       claims.Email,
		Roles:       claims.Roles,
		TenantID:    claims.TenantID,
	}
}
