package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jrsteele09/go-auth-session/internal/errors"
)

// Request is a transport-agnostic outbound call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a successfully received reply (2xx/3xx).
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RequestBuilder produces a request for the given access token. It must be pure:
// the coordinator re-invokes it with a new token after a refresh.
type RequestBuilder func(accessToken string) (*Request, error)

// Transport sends a single request. Failures are reported as *Failure.
type Transport interface {
	Send(ctx context.Context, request *Request) (*Response, error)
}

// FailureKind classifies why a send did not produce a Response.
type FailureKind int

const (
	FailureOther FailureKind = iota
	FailureNetwork
	FailureUnauthorized
)

func (k FailureKind) String() string {
	switch k {
	case FailureNetwork:
		return "network"
	case FailureUnauthorized:
		return "unauthorized"
	default:
		return "other"
	}
}

// Failure is the error returned by a Transport.
type Failure struct {
	Kind       FailureKind
	StatusCode int    // 0 for network failures
	Detail     string // server message or transport error text
	Body       []byte // response body, if any
	Err        error  // underlying error, if any
}

func (f *Failure) Error() string {
	if f.StatusCode != 0 {
		return fmt.Sprintf("%s failure (status %d): %s", f.Kind, f.StatusCode, f.Detail)
	}
	return fmt.Sprintf("%s failure: %s", f.Kind, f.Detail)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Is maps failure kinds onto the shared sentinel errors so callers can use errors.Is.
func (f *Failure) Is(target error) bool {
	switch target {
	case errors.ErrUnauthorized:
		return f.Kind == FailureUnauthorized
	case errors.ErrNetworkFailure:
		return f.Kind == FailureNetwork
	case errors.ErrRequestFailed:
		return f.Kind == FailureOther
	}
	return false
}

// IsUnauthorized reports whether err is an unauthorized transport failure.
func IsUnauthorized(err error) bool {
	return errors.Is(err, errors.ErrUnauthorized)
}

// NewStatusFailure classifies a non-success HTTP status.
func NewStatusFailure(statusCode int, body []byte) *Failure {
	kind := FailureOther
	if statusCode == http.StatusUnauthorized {
		kind = FailureUnauthorized
	}
	return &Failure{
		Kind:       kind,
		StatusCode: statusCode,
		Detail:     http.StatusText(statusCode),
		Body:       body,
	}
}

// NewNetworkFailure wraps an error raised before any response was received.
func NewNetworkFailure(err error) *Failure {
	return &Failure{Kind: FailureNetwork, Detail: err.Error(), Err: err}
}

// Bearer returns a header set carrying the access token.
func Bearer(accessToken string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+accessToken)
	return h
}

// Get is a convenience builder for an authenticated GET.
func Get(url string) RequestBuilder {
	return func(accessToken string) (*Request, error) {
		return &Request{Method: http.MethodGet, URL: url, Header: Bearer(accessToken)}, nil
	}
}
