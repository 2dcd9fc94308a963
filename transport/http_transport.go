package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultSendTimeout = 30 * time.Second
	maxConnsPerHost    = 100
)

var _ Transport = (*HTTPTransport)(nil)

// HTTPTransport sends requests with resty. It never retries; each send is bounded
// by the client timeout.
type HTTPTransport struct {
	client *resty.Client
	logger zerolog.Logger
}

type HTTPTransportOption func(*HTTPTransport)

func WithBaseURL(baseURL string) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.client.SetBaseURL(baseURL)
	}
}

func WithLogger(logger zerolog.Logger) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// NewHTTPTransport builds a transport whose sends time out after timeout (0 selects a default).
func NewHTTPTransport(timeout time.Duration, options ...HTTPTransportOption) *HTTPTransport {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	t := &HTTPTransport{
		client: resty.NewWithClient(&http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxConnsPerHost:     maxConnsPerHost,
				MaxIdleConnsPerHost: maxConnsPerHost,
			},
		}).SetHeader("Accept", "application/json"),
		logger: log.Logger,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Send executes request. Any status >= 400 is returned as a *Failure.
func (t *HTTPTransport) Send(ctx context.Context, request *Request) (*Response, error) {
	r := t.client.R().SetContext(ctx)
	for name, values := range request.Header {
		r.SetHeaderMultiValues(map[string][]string{name: values})
	}
	if len(request.Body) > 0 {
		r.SetBody(request.Body)
	}

	resp, err := r.Execute(request.Method, request.URL)
	if err != nil {
		t.logger.Debug().Err(err).Str("method", request.Method).Str("url", request.URL).Msg("send failed")
		return nil, NewNetworkFailure(err)
	}

	if resp.StatusCode() >= http.StatusBadRequest {
		t.logger.Debug().Int("status", resp.StatusCode()).Str("method", request.Method).Str("url", request.URL).Msg("request rejected")
		return nil, NewStatusFailure(resp.StatusCode(), resp.Body())
	}

	return &Response{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header(),
		Body:       resp.Body(),
	}, nil
}
