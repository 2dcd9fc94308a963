package transport_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/transport"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransport_Send(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			if r.Header.Get("Authorization") != "Bearer good-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			_, _ = w.Write(body)
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	tr := transport.NewHTTPTransport(100*time.Millisecond, transport.WithBaseURL(srv.URL))
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		req, err := transport.Get("/ok")("good-token")
		require.NoError(t, err)
		resp, err := tr.Send(ctx, req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.JSONEq(t, `{"ok":true}`, string(resp.Body))
	})

	t.Run("body is forwarded", func(t *testing.T) {
		resp, err := tr.Send(ctx, &transport.Request{Method: http.MethodPost, URL: "/echo", Body: []byte("payload")})
		require.NoError(t, err)
		require.Equal(t, "payload", string(resp.Body))
	})

	t.Run("unauthorized", func(t *testing.T) {
		req, err := transport.Get("/ok")("expired-token")
		require.NoError(t, err)
		_, err = tr.Send(ctx, req)
		require.Error(t, err)
		require.True(t, transport.IsUnauthorized(err))

		var failure *transport.Failure
		require.True(t, errors.As(err, &failure))
		require.Equal(t, http.StatusUnauthorized, failure.StatusCode)
	})

	t.Run("server error is other", func(t *testing.T) {
		_, err := tr.Send(ctx, &transport.Request{Method: http.MethodGet, URL: "/boom"})
		require.Error(t, err)
		require.False(t, transport.IsUnauthorized(err))
		require.True(t, errors.Is(err, errors.ErrRequestFailed))
	})

	t.Run("timeout is a network failure", func(t *testing.T) {
		_, err := tr.Send(ctx, &transport.Request{Method: http.MethodGet, URL: "/slow"})
		require.Error(t, err)
		require.True(t, errors.Is(err, errors.ErrNetworkFailure))
	})
}

func TestFailureKinds(t *testing.T) {
	require.Equal(t, transport.FailureUnauthorized, transport.NewStatusFailure(http.StatusUnauthorized, nil).Kind)
	require.Equal(t, transport.FailureOther, transport.NewStatusFailure(http.StatusForbidden, nil).Kind)
	require.Equal(t, "network", transport.FailureNetwork.String())
	require.Contains(t, transport.NewStatusFailure(http.StatusNotFound, nil).Error(), "status 404")
}
