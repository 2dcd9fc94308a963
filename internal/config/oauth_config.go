package config

import "strings"

// OAuthConfig describes the OAuth2 / OIDC client the session refreshes against.
type OAuthConfig interface {
	GetClientID() string
	GetClientSecret() string
	GetTokenURL() string
	GetRevocationURL() string
	GetIssuer() string
	GetScopes() []string
}

type OAuth struct{}

var _ OAuthConfig = OAuth{}

func (OAuth) GetClientID() string {
	return GetEnv("OAUTH_CLIENT_ID", "")
}

func (OAuth) GetClientSecret() string {
	return GetEnv("OAUTH_CLIENT_SECRET", "")
}

// GetTokenURL is the token endpoint used for password and refresh_token grants.
func (OAuth) GetTokenURL() string {
	return GetEnv("OAUTH_TOKEN_URL", "http://localhost:8080/oauth2/token")
}

// GetRevocationURL is optional; an empty value disables token revocation on logout.
func (OAuth) GetRevocationURL() string {
	return GetEnv("OAUTH_REVOCATION_URL", "")
}

// GetIssuer is optional; when set, id_tokens are verified against the issuer's keys.
func (OAuth) GetIssuer() string {
	return GetEnv("OAUTH_ISSUER", "")
}

func (OAuth) GetScopes() []string {
	return strings.Fields(GetEnv("OAUTH_SCOPES", "openid profile email offline_access"))
}
