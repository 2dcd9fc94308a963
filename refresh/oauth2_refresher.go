package refresh

import (
	"context"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-resty/resty/v2"
	"github.com/jrsteele09/go-auth-session/credentials"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/session"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	invalidGrantCode = "invalid_grant"

	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

var _ session.Refresher = (*OAuth2Refresher)(nil)

// OAuth2Refresher talks to an OAuth2 token endpoint for the password, refresh_token
// and revocation flows.
type OAuth2Refresher struct {
	config        *oauth2.Config
	httpClient    *http.Client
	verifier      *oidc.IDTokenVerifier
	revocationURL string
	logger        zerolog.Logger
}

type Option func(*OAuth2Refresher)

func WithHTTPClient(client *http.Client) Option {
	return func(r *OAuth2Refresher) {
		r.httpClient = client
	}
}

// WithIDTokenVerifier enables id_token verification; verified claims become the session identity.
func WithIDTokenVerifier(verifier *oidc.IDTokenVerifier) Option {
	return func(r *OAuth2Refresher) {
		r.verifier = verifier
	}
}

// WithRevocationURL sets the RFC 7009 endpoint used by Revoke.
func WithRevocationURL(url string) Option {
	return func(r *OAuth2Refresher) {
		r.revocationURL = url
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *OAuth2Refresher) {
		r.logger = logger
	}
}

func NewOAuth2Refresher(oauthConfig *oauth2.Config, options ...Option) (*OAuth2Refresher, error) {
	if oauthConfig == nil {
		return nil, errors.Wrapf(errors.ErrMissingDependency, "[NewOAuth2Refresher] oauth2 config is required")
	}
	if oauthConfig.Endpoint.TokenURL == "" {
		return nil, errors.Wrapf(errors.ErrMissingDependency, "[NewOAuth2Refresher] token url is required")
	}

	r := &OAuth2Refresher{
		config:     oauthConfig,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     log.Logger,
	}
	for _, opt := range options {
		opt(r)
	}
	return r, nil
}

// NewOAuth2Config maps the OAuth settings onto an x/oauth2 client config.
func NewOAuth2Config(cfg config.OAuthConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.GetClientID(),
		ClientSecret: cfg.GetClientSecret(),
		Scopes:       cfg.GetScopes(),
		Endpoint: oauth2.Endpoint{
			TokenURL:  cfg.GetTokenURL(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// NewIDTokenVerifier discovers the issuer's keys and returns a verifier for clientID.
func NewIDTokenVerifier(ctx context.Context, issuer, clientID string) (*oidc.IDTokenVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "[NewIDTokenVerifier] oidc.NewProvider")
	}
	return provider.Verifier(&oidc.Config{ClientID: clientID}), nil
}

// Refresh redeems refreshToken. A permanently rejected token yields an error
// wrapping errors.ErrRefreshCredentialInvalid; every other failure wraps
// errors.ErrRefreshFailed.
func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (*session.RefreshResult, error) {
	ctx = r.clientContext(ctx)

	token, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classify(err)
	}

	cred := credentialFromToken(token, refreshToken)
	identity, err := r.identity(ctx, cred.IDToken)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrRefreshFailed, "[Refresh] %v", err)
	}
	return &session.RefreshResult{Credential: cred, Identity: identity}, nil
}

// Login performs a resource owner password grant.
func (r *OAuth2Refresher) Login(ctx context.Context, username, password string) (*session.Identity, *credentials.Credential, error) {
	ctx = r.clientContext(ctx)

	token, err := r.config.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(err, "[Login] password grant")
	}

	cred := credentialFromToken(token, "")
	identity, err := r.identity(ctx, cred.IDToken)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(err, "[Login] id_token")
	}
	if identity == nil {
		identity = &session.Identity{ID: username, DisplayName: username}
	}
	return identity, cred, nil
}

// Revoke invalidates token at the revocation endpoint (RFC 7009).
func (r *OAuth2Refresher) Revoke(ctx context.Context, token, tokenTypeHint string) error {
	if r.revocationURL == "" {
		return errors.Wrapf(errors.ErrUnsupported, "[Revoke] no revocation url configured")
	}
	if token == "" {
		return nil
	}

	resp, err := resty.NewWithClient(r.httpClient).R().
		SetContext(ctx).
		SetBasicAuth(r.config.ClientID, r.config.ClientSecret).
		SetFormData(map[string]string{
			"token":           token,
			"token_type_hint": tokenTypeHint,
		}).
		Post(r.revocationURL)
	if err != nil {
		return pkgerrors.Wrap(err, "[Revoke] post")
	}
	if resp.IsError() {
		return errors.Wrapf(errors.ErrRequestFailed, "[Revoke] %s returned %d", tokenTypeHint, resp.StatusCode())
	}
	r.logger.Debug().Str("token_type_hint", tokenTypeHint).Msg("token revoked")
	return nil
}

func (r *OAuth2Refresher) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
}

// identity verifies rawIDToken when a verifier is configured. It returns nil when
// there is nothing to verify.
func (r *OAuth2Refresher) identity(ctx context.Context, rawIDToken string) (*session.Identity, error) {
	if r.verifier == nil || rawIDToken == "" {
		return nil, nil
	}
	idToken, err := r.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "verify id_token")
	}
	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, pkgerrors.Wrap(err, "id_token claims")
	}
	return IdentityFromClaims(claims), nil
}

func credentialFromToken(token *oauth2.Token, previousRefreshToken string) *credentials.Credential {
	cred := &credentials.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = previousRefreshToken
	}
	if !token.Expiry.IsZero() {
		cred.AccessExpiry = utils.Ptr(token.Expiry)
	} else {
		cred.AccessExpiry = credentials.ExpiryFromJWT(token.AccessToken)
	}
	if rawIDToken, ok := token.Extra("id_token").(string); ok {
		cred.IDToken = rawIDToken
	}
	return cred
}

func classify(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == invalidGrantCode {
			return errors.Wrapf(errors.ErrRefreshCredentialInvalid, "token endpoint: %s", retrieveErr.ErrorCode)
		}
		if retrieveErr.ErrorCode == "" && retrieveErr.Response != nil &&
			(retrieveErr.Response.StatusCode == http.StatusBadRequest || retrieveErr.Response.StatusCode == http.StatusUnauthorized) {
			return errors.Wrapf(errors.ErrRefreshCredentialInvalid, "token endpoint: status %d", retrieveErr.Response.StatusCode)
		}
	}
	return errors.Wrapf(errors.ErrRefreshFailed, "token endpoint: %v", err)
}
