package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-session/credentials"
	"github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultRefreshTimeout = 15 * time.Second

// RefreshResult is a rotated credential and, when the provider returned one, a fresh identity.
type RefreshResult struct {
	Credential *credentials.Credential
	Identity   *Identity
}

// Refresher exchanges a refresh token for a new credential. It must return an
// error wrapping errors.ErrRefreshCredentialInvalid when the refresh token is
// permanently rejected; any other error is treated as transient.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error)
}

type episodeResult struct {
	credential *credentials.Credential
	err        error
}

// episode is one refresh and the callers waiting on it. It belongs to the
// machine generation that was current when the refresh began.
type episode struct {
	generation uint64
	waiters    []chan episodeResult
}

type episodeFailure struct {
	accessToken string
	err         error
}

// Coordinator attaches the current credential to outbound requests and recovers
// from unauthorized responses with at most one refresh per expiry episode.
type Coordinator struct {
	machine        *Machine
	transport      transport.Transport
	refresher      Refresher
	refreshTimeout time.Duration
	logger         zerolog.Logger
	metrics        *metrics

	lock        sync.Mutex // guards the refresh gate and the below fields
	current     *episode   // in-flight episode of the current session, if any
	lastFailure *episodeFailure
}

type CoordinatorOption func(*Coordinator)

// WithRefreshTimeout bounds the refresh call; a timeout fails the episode.
func WithRefreshTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.refreshTimeout = timeout
	}
}

func WithCoordinatorLogger(logger zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMetrics registers the coordinator's collectors with reg.
func WithMetrics(reg prometheus.Registerer) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics.register(reg)
	}
}

func NewCoordinator(machine *Machine, tr transport.Transport, refresher Refresher, options ...CoordinatorOption) (*Coordinator, error) {
	if machine == nil {
		return nil, errors.Wrapf(errors.ErrMissingDependency, "[NewCoordinator] machine is required")
	}
	if tr == nil {
		return nil, errors.Wrapf(errors.ErrMissingDependency, "[NewCoordinator] transport is required")
	}
	if refresher == nil {
		return nil, errors.Wrapf(errors.ErrMissingDependency, "[NewCoordinator] refresher is required")
	}

	c := &Coordinator{
		machine:        machine,
		transport:      tr,
		refresher:      refresher,
		refreshTimeout: defaultRefreshTimeout,
		logger:         log.Logger,
		metrics:        newMetrics(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Authorize builds a request with the current access token and sends it.
//
// Successes and non-auth failures are returned unchanged. An unauthorized
// failure joins the current expiry episode: the first caller refreshes, every
// other caller queues behind it, and all of them re-issue their own request
// with the new credential or receive the same classified error.
//
// Cancelling ctx abandons the caller's wait but never the shared refresh.
func (c *Coordinator) Authorize(ctx context.Context, build transport.RequestBuilder) (*transport.Response, error) {
	resp, err := c.authorize(ctx, build)
	c.metrics.authorized(err)
	return resp, err
}

func (c *Coordinator) authorize(ctx context.Context, build transport.RequestBuilder) (*transport.Response, error) {
	state := c.machine.CurrentState()
	if !state.Phase.Active() {
		return nil, inactiveError(state.Phase)
	}

	cred, err := c.machine.Credential()
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, errors.Wrapf(errors.ErrNotAuthenticated, "[Coordinator.Authorize] no stored credential")
	}

	resp, err := c.send(ctx, build, cred.AccessToken)
	if err == nil || !transport.IsUnauthorized(err) {
		return resp, err
	}
	return c.recoverUnauthorized(ctx, build, cred.AccessToken)
}

func (c *Coordinator) recoverUnauthorized(ctx context.Context, build transport.RequestBuilder, usedToken string) (*transport.Response, error) {
	c.lock.Lock()

	state := c.machine.CurrentState()
	switch state.Phase {
	case PhaseRefreshing:
		ep := c.current
		if ep == nil {
			c.lock.Unlock()
			return nil, errors.Wrapf(errors.ErrRefreshFailed, "[Coordinator.Authorize] refreshing without an episode")
		}
		wait := make(chan episodeResult, 1)
		ep.waiters = append(ep.waiters, wait)
		c.queueChanged(ep)
		c.lock.Unlock()
		return c.await(ctx, build, ep, wait)

	case PhaseAuthenticated:
		current, err := c.machine.Credential()
		if err != nil {
			c.lock.Unlock()
			return nil, err
		}
		if current == nil {
			c.lock.Unlock()
			return nil, errors.Wrapf(errors.ErrNotAuthenticated, "[Coordinator.Authorize] no stored credential")
		}
		if current.AccessToken != usedToken {
			// An episode finished between our send and now; the new token was never tried.
			c.lock.Unlock()
			return c.send(ctx, build, current.AccessToken)
		}
		generation, err := c.machine.beginRefresh()
		if err != nil {
			c.lock.Unlock()
			return nil, err
		}
		ep := &episode{generation: generation}
		c.current = ep
		c.lastFailure = nil
		c.lock.Unlock()
		return c.lead(ctx, build, ep, current)

	default:
		failure := c.lastFailure
		c.lock.Unlock()
		if failure != nil && failure.accessToken == usedToken {
			return nil, failure.err
		}
		return nil, inactiveError(state.Phase)
	}
}

// lead performs the refresh for the episode and resolves every queued caller.
func (c *Coordinator) lead(ctx context.Context, build transport.RequestBuilder, ep *episode, cred *credentials.Credential) (*transport.Response, error) {
	logger := c.logger.With().Str("episode", uuid.NewString()).Logger()
	logger.Debug().Msg("access token rejected, refreshing")

	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
	result, refreshErr := c.refresh(refreshCtx, cred)
	cancel()

	c.lock.Lock()
	waiters := ep.waiters
	ep.waiters = nil
	current := c.current == ep
	if current {
		c.current = nil
		c.metrics.waiters.Set(0)
	}

	var outcome episodeResult
	if refreshErr == nil {
		outcome = c.complete(logger, ep, result)
	} else {
		outcome.err = c.fail(logger, ep, refreshErr)
	}
	if outcome.err != nil && current {
		c.lastFailure = &episodeFailure{accessToken: cred.AccessToken, err: outcome.err}
	}
	c.lock.Unlock()

	logger.Debug().Int("waiters", len(waiters)).Err(outcome.err).Msg("refresh episode finished")
	for _, wait := range waiters {
		wait <- outcome
	}

	if outcome.err != nil {
		return nil, outcome.err
	}
	return c.send(ctx, build, outcome.credential.AccessToken)
}

func (c *Coordinator) refresh(ctx context.Context, cred *credentials.Credential) (*RefreshResult, error) {
	if !cred.HasRefreshToken() {
		return nil, errors.Wrapf(errors.ErrRefreshCredentialInvalid, "no refresh token stored")
	}
	result, err := c.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		return nil, err
	}
	if result == nil || result.Credential == nil || result.Credential.AccessToken == "" {
		return nil, errors.Wrapf(errors.ErrRefreshFailed, "refresher returned no access token")
	}
	return result, nil
}

// complete must be called with c.lock held.
func (c *Coordinator) complete(logger zerolog.Logger, ep *episode, result *RefreshResult) episodeResult {
	err := c.machine.completeRefresh(ep.generation, result.Identity, result.Credential)
	switch {
	case err == nil:
		c.metrics.refreshes.WithLabelValues(outcomeSuccess).Inc()
		return episodeResult{credential: result.Credential}
	case errors.Is(err, errors.ErrInvalidTransition):
		// Logged out while refreshing; the new credential is discarded.
		logger.Info().Msg("session ended during refresh, discarding refreshed credential")
		c.metrics.refreshes.WithLabelValues(outcomeAborted).Inc()
		return episodeResult{err: errors.Wrapf(errors.ErrNotAuthenticated, "session ended during refresh")}
	default:
		logger.Err(err).Msg("failed to persist refreshed credential")
		return episodeResult{err: c.fail(logger, ep, err)}
	}
}

// fail must be called with c.lock held. It moves the machine out of Refreshing
// and returns the error every caller of the episode receives.
func (c *Coordinator) fail(logger zerolog.Logger, ep *episode, refreshErr error) error {
	if errors.Is(refreshErr, errors.ErrRefreshCredentialInvalid) {
		if err := c.machine.revokeRefresh(ep.generation); err != nil {
			if errors.Is(err, errors.ErrInvalidTransition) {
				c.metrics.refreshes.WithLabelValues(outcomeAborted).Inc()
				return errors.Wrapf(errors.ErrNotAuthenticated, "session ended during refresh")
			}
			logger.Err(err).Msg("logout after rejected refresh")
		}
		logger.Warn().Err(refreshErr).Msg("refresh credential rejected, signed out")
		c.metrics.refreshes.WithLabelValues(outcomeRevoked).Inc()
		return fmt.Errorf("%w: %w", errors.ErrSessionExpired, refreshErr)
	}

	logger.Warn().Err(refreshErr).Msg("refresh failed, session expired")
	if err := c.machine.markExpired(ep.generation); err != nil {
		if errors.Is(err, errors.ErrInvalidTransition) {
			c.metrics.refreshes.WithLabelValues(outcomeAborted).Inc()
			return errors.Wrapf(errors.ErrNotAuthenticated, "session ended during refresh")
		}
		logger.Err(err).Msg("mark expired after failed refresh")
	}
	c.metrics.refreshes.WithLabelValues(outcomeExpired).Inc()
	return errors.Wrapf(errors.ErrSessionExpired, "refresh: %v", refreshErr)
}

func (c *Coordinator) await(ctx context.Context, build transport.RequestBuilder, ep *episode, wait chan episodeResult) (*transport.Response, error) {
	select {
	case outcome := <-wait:
		if outcome.err != nil {
			return nil, outcome.err
		}
		return c.send(ctx, build, outcome.credential.AccessToken)
	case <-ctx.Done():
		c.leave(ep, wait)
		return nil, ctx.Err()
	}
}

// leave removes an abandoned waiter so it no longer counts as queued.
func (c *Coordinator) leave(ep *episode, wait chan episodeResult) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for i, w := range ep.waiters {
		if w == wait {
			ep.waiters = append(ep.waiters[:i:i], ep.waiters[i+1:]...)
			c.queueChanged(ep)
			return
		}
	}
}

// queueChanged must be called with c.lock held.
func (c *Coordinator) queueChanged(ep *episode) {
	if c.current != ep {
		return
	}
	c.machine.setQueued(len(ep.waiters))
	c.metrics.waiters.Set(float64(len(ep.waiters)))
}

func (c *Coordinator) send(ctx context.Context, build transport.RequestBuilder, accessToken string) (*transport.Response, error) {
	req, err := build(accessToken)
	if err != nil {
		return nil, errors.Wrapf(err, "[Coordinator] building request")
	}
	return c.transport.Send(ctx, req)
}

// inactiveError matches errors.ErrNotAuthenticated in every phase; Expired also
// matches errors.ErrSessionExpired.
func inactiveError(phase Phase) error {
	if phase == PhaseExpired {
		return fmt.Errorf("%w: %w", errors.ErrNotAuthenticated, errors.ErrSessionExpired)
	}
	return errors.ErrNotAuthenticated
}
