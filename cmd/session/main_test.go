package main

import (
	"context"
	"net/http"
	"testing"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/cache"
	"github.com/jrsteele09/go-auth-session/credentials"
	"github.com/jrsteele09/go-auth-session/credentials/diskvstore"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/session"
	"github.com/jrsteele09/go-auth-session/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type rejectingTransport struct{}

func (rejectingTransport) Send(context.Context, *transport.Request) (*transport.Response, error) {
	return nil, transport.NewStatusFailure(http.StatusUnauthorized, nil)
}

type failingRefresher struct{}

func (failingRefresher) Refresh(context.Context, string) (*session.RefreshResult, error) {
	return nil, apperrors.ErrRefreshFailed
}

// startApp simulates one CLI invocation against the store folder.
func startApp(t *testing.T, folder string) *app {
	t.Helper()

	store, err := diskvstore.New(folder)
	require.NoError(t, err)
	responses := cache.NewEntityCache[*transport.Response]("responses", 8, 0)
	service, err := auth.NewSessionService(auth.Deps{
		Store:     store,
		Transport: rejectingTransport{},
		Refresher: failingRefresher{},
		Cache:     responses,
	})
	require.NoError(t, err)

	a := attach(service, store, responses, prometheus.NewRegistry())
	t.Cleanup(a.close)
	return a
}

func testIdentity() *session.Identity {
	return &session.Identity{ID: "user-1", DisplayName: "John Doe"}
}

func testCredential() *credentials.Credential {
	return &credentials.Credential{AccessToken: "access-1", RefreshToken: "refresh-1"}
}

// TestRestore_AuthenticatedSession tests that a session survives a restart
func TestRestore_AuthenticatedSession(t *testing.T) {
	folder := t.TempDir()

	first := startApp(t, folder)
	require.NoError(t, first.service.Login(testIdentity(), testCredential()))

	second := startApp(t, folder)
	require.True(t, second.service.IsAuthenticated())
	require.Equal(t, "John Doe <user-1> (authenticated)", second.describeSession())
}

// TestRestore_ExpiredSession tests that an expired session is still reported after a restart
func TestRestore_ExpiredSession(t *testing.T) {
	folder := t.TempDir()

	first := startApp(t, folder)
	require.NoError(t, first.service.Login(testIdentity(), testCredential()))
	_, err := first.service.Authorize(context.Background(), transport.Get("/projects"))
	require.ErrorIs(t, err, apperrors.ErrSessionExpired)
	require.Equal(t, "Session expired for John Doe <user-1>, please log in again", first.describeSession())

	second := startApp(t, folder)
	require.False(t, second.service.IsAuthenticated())
	require.Equal(t, "Session expired for John Doe <user-1>, please log in again", second.describeSession())

	t.Run("logout forgets it", func(t *testing.T) {
		require.NoError(t, second.logout(context.Background()))
		require.Equal(t, "Not logged in", second.describeSession())

		third := startApp(t, folder)
		require.Equal(t, "Not logged in", third.describeSession())
	})

	t.Run("login replaces it", func(t *testing.T) {
		again := startApp(t, folder)
		require.NoError(t, again.service.Login(testIdentity(), testCredential()))
		require.Equal(t, "John Doe <user-1> (authenticated)", again.describeSession())
	})
}

// TestRestore_MissingCredential tests that an identity without a credential is dropped
func TestRestore_MissingCredential(t *testing.T) {
	folder := t.TempDir()

	first := startApp(t, folder)
	require.NoError(t, first.service.Login(testIdentity(), testCredential()))
	require.NoError(t, first.store.Clear())

	second := startApp(t, folder)
	require.Equal(t, "Not logged in", second.describeSession())

	var record identityRecord
	found, err := second.store.Load(identityKey, &record)
	require.NoError(t, err)
	require.False(t, found)
}
