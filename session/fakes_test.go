package session_test

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jrsteele09/go-auth-session/credentials"
	"github.com/jrsteele09/go-auth-session/session"
	"github.com/jrsteele09/go-auth-session/transport"
)

const (
	testAccessToken1  = "access-1"
	testRefreshToken1 = "refresh-1"
	testAccessToken2  = "access-2"
	testRefreshToken2 = "refresh-2"
	testUserID        = "user-1"
)

func testIdentity() *session.Identity {
	return &session.Identity{ID: testUserID, DisplayName: "John Doe", Email: "john.doe@example.com", Roles: []string{"tenant_user"}}
}

func testCredential1() *credentials.Credential {
	return &credentials.Credential{AccessToken: testAccessToken1, RefreshToken: testRefreshToken1}
}

func testCredential2() *credentials.Credential {
	return &credentials.Credential{AccessToken: testAccessToken2, RefreshToken: testRefreshToken2}
}

// fakeTransport accepts only the access tokens in valid. Requests whose URL has a
// gate registered block on that gate before being answered.
type fakeTransport struct {
	mu     sync.Mutex
	valid  map[string]bool
	gates  map[string]chan struct{}
	sent   []string // access tokens, in send order
	failed error    // when set, every send fails with it
}

func newFakeTransport(validTokens ...string) *fakeTransport {
	t := &fakeTransport{valid: map[string]bool{}, gates: map[string]chan struct{}{}}
	for _, token := range validTokens {
		t.valid[token] = true
	}
	return t
}

func (t *fakeTransport) setValid(tokens ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.valid = map[string]bool{}
	for _, token := range tokens {
		t.valid[token] = true
	}
}

func (t *fakeTransport) gate(url string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := make(chan struct{})
	t.gates[url] = g
	return g
}

func (t *fakeTransport) Send(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")

	t.mu.Lock()
	t.sent = append(t.sent, token)
	gate := t.gates[req.URL]
	failed := t.failed
	t.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if failed != nil {
		return nil, transport.NewNetworkFailure(failed)
	}

	t.mu.Lock()
	ok := t.valid[token]
	t.mu.Unlock()
	if !ok {
		return nil, transport.NewStatusFailure(http.StatusUnauthorized, nil)
	}
	return &transport.Response{StatusCode: http.StatusOK, Body: []byte(req.URL)}, nil
}

func (t *fakeTransport) sends() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

// fakeRefresher counts refresh calls and optionally blocks until released.
type fakeRefresher struct {
	calls   atomic.Int32
	tokens  chan string
	release chan struct{}
	refresh func(ctx context.Context, refreshToken string) (*session.RefreshResult, error)
}

func newFakeRefresher(refresh func(ctx context.Context, refreshToken string) (*session.RefreshResult, error)) *fakeRefresher {
	return &fakeRefresher{refresh: refresh, tokens: make(chan string, 16)}
}

func (r *fakeRefresher) blocking() *fakeRefresher {
	r.release = make(chan struct{})
	return r
}

func (r *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*session.RefreshResult, error) {
	r.calls.Add(1)
	r.tokens <- refreshToken
	if r.release != nil {
		<-r.release
	}
	return r.refresh(ctx, refreshToken)
}

func succeedWith(cred *credentials.Credential) func(context.Context, string) (*session.RefreshResult, error) {
	return func(context.Context, string) (*session.RefreshResult, error) {
		return &session.RefreshResult{Credential: cred}, nil
	}
}

func failWith(err error) func(context.Context, string) (*session.RefreshResult, error) {
	return func(context.Context, string) (*session.RefreshResult, error) {
		return nil, err
	}
}
