package auth

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-auth-session/cache"
	"github.com/jrsteele09/go-auth-session/credentials"
	"github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/refresh"
	"github.com/jrsteele09/go-auth-session/session"
	"github.com/jrsteele09/go-auth-session/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// PasswordAuthenticator obtains an initial identity and credential from user credentials.
type PasswordAuthenticator interface {
	Login(ctx context.Context, username, password string) (*session.Identity, *credentials.Credential, error)
}

// Revoker invalidates a token at the identity provider.
type Revoker interface {
	Revoke(ctx context.Context, token, tokenTypeHint string) error
}

// Deps holds the collaborators a SessionService is built from.
type Deps struct {
	Store     credentials.Store // Persists the current credential
	Transport transport.Transport
	Refresher session.Refresher
	Cache     cache.Invalidator // Invalidated when the session ends
}

// SessionService is the public surface of the session: login, logout and
// authorized requests. It owns the state machine and the refresh coordinator.
type SessionService struct {
	machine     *session.Machine
	coordinator *session.Coordinator
	cache       cache.Invalidator
	passwords   PasswordAuthenticator
	revoker     Revoker
	logger      zerolog.Logger
	machineOpts []session.MachineOption
	coordOpts   []session.CoordinatorOption
	unsubscribe func()
	closeOnce   sync.Once
}

// SessionServiceOption defines a function type to modify the SessionService instance.
type SessionServiceOption func(*SessionService)

func WithMachineOptions(options ...session.MachineOption) SessionServiceOption {
	return func(s *SessionService) {
		s.machineOpts = append(s.machineOpts, options...)
	}
}

func WithCoordinatorOptions(options ...session.CoordinatorOption) SessionServiceOption {
	return func(s *SessionService) {
		s.coordOpts = append(s.coordOpts, options...)
	}
}

// WithPasswordAuthenticator enables LoginWithPassword.
func WithPasswordAuthenticator(authenticator PasswordAuthenticator) SessionServiceOption {
	return func(s *SessionService) {
		s.passwords = authenticator
	}
}

// WithRevoker makes Logout revoke the tokens it discards.
func WithRevoker(revoker Revoker) SessionServiceOption {
	return func(s *SessionService) {
		s.revoker = revoker
	}
}

func WithLogger(logger zerolog.Logger) SessionServiceOption {
	return func(s *SessionService) {
		s.logger = logger
	}
}

// NewSessionService initializes a SessionService in the signed out state.
func NewSessionService(deps Deps, options ...SessionServiceOption) (*SessionService, error) {
	if deps.Store == nil {
		return nil, errors.Wrapf(errors.ErrMissingDependency, "[NewSessionService] credential store is required")
	}
	if deps.Transport == nil {
		return nil, errors.Wrapf(errors.ErrMissingDependency, "[NewSessionService] transport is required")
	}
	if deps.Refresher == nil {
		return nil, errors.Wrapf(errors.ErrMissingDependency, "[NewSessionService] refresher is required")
	}
	if deps.Cache == nil {
		return nil, errors.Wrapf(errors.ErrMissingDependency, "[NewSessionService] cache is required")
	}

	s := &SessionService{
		cache:  deps.Cache,
		logger: log.Logger,
	}
	for _, opt := range options {
		opt(s)
	}

	machineOpts := append([]session.MachineOption{session.WithMachineLogger(s.logger)}, s.machineOpts...)
	machine, err := session.NewMachine(deps.Store, machineOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "[NewSessionService] NewMachine")
	}
	coordOpts := append([]session.CoordinatorOption{session.WithCoordinatorLogger(s.logger)}, s.coordOpts...)
	coordinator, err := session.NewCoordinator(machine, deps.Transport, deps.Refresher, coordOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "[NewSessionService] NewCoordinator")
	}

	s.machine = machine
	s.coordinator = coordinator
	s.unsubscribe = machine.Subscribe(s.onTransition)
	return s, nil
}

// Login starts a session with an identity and credential obtained elsewhere.
func (s *SessionService) Login(identity *session.Identity, credential *credentials.Credential) error {
	return s.machine.Login(identity, credential)
}

// LoginWithPassword obtains a credential with the configured PasswordAuthenticator and logs in.
func (s *SessionService) LoginWithPassword(ctx context.Context, username, password string) error {
	if s.passwords == nil {
		return errors.Wrapf(errors.ErrUnsupported, "[LoginWithPassword] no password authenticator configured")
	}
	if phase := s.machine.CurrentState().Phase; phase != session.PhaseSignedOut && phase != session.PhaseExpired {
		return &session.StateError{Op: "login", From: phase}
	}

	identity, credential, err := s.passwords.Login(ctx, username, password)
	if err != nil {
		return errors.Wrapf(err, "[LoginWithPassword]")
	}
	return s.machine.Login(identity, credential)
}

// Restore resumes a session persisted by a previous process.
func (s *SessionService) Restore(identity *session.Identity) error {
	return s.machine.Restore(identity)
}

// Logout ends the session. Revocation of the discarded tokens is best effort:
// failures are logged and never fail the logout.
func (s *SessionService) Logout(ctx context.Context) error {
	credential, err := s.machine.Credential()
	if err != nil {
		s.logger.Err(err).Msg("[Logout] reading credential for revocation")
	}

	logoutErr := s.machine.Logout()

	if s.revoker != nil && credential != nil {
		var g errgroup.Group
		g.Go(func() error {
			return s.revoker.Revoke(ctx, credential.RefreshToken, refresh.TokenTypeHintRefreshToken)
		})
		g.Go(func() error {
			return s.revoker.Revoke(ctx, credential.AccessToken, refresh.TokenTypeHintAccessToken)
		})
		if err := g.Wait(); err != nil {
			s.logger.Warn().Err(err).Msg("token revocation failed")
		}
	}
	return logoutErr
}

// Authorize sends the request built by build with the current credential,
// refreshing it once per expiry episode when the server rejects it.
func (s *SessionService) Authorize(ctx context.Context, build transport.RequestBuilder) (*transport.Response, error) {
	return s.coordinator.Authorize(ctx, build)
}

// CurrentIdentity returns the session's identity, which stays readable while Expired.
func (s *SessionService) CurrentIdentity() *session.Identity {
	return s.machine.CurrentState().Identity
}

func (s *SessionService) IsAuthenticated() bool {
	return s.machine.CurrentState().IsAuthenticated()
}

func (s *SessionService) State() session.State {
	return s.machine.CurrentState()
}

// Subscribe registers handler for session transitions. See session.Handler for the restrictions on handlers.
func (s *SessionService) Subscribe(handler session.Handler) func() {
	return s.machine.Subscribe(handler)
}

// Close detaches the service from the machine. The session itself is left as is.
func (s *SessionService) Close() {
	s.closeOnce.Do(s.unsubscribe)
}

// onTransition invalidates the cache once for every transition into SignedOut or Expired.
func (s *SessionService) onTransition(event session.Event) {
	to := event.To.Phase
	if to != session.PhaseSignedOut && to != session.PhaseExpired {
		return
	}
	if event.From.Phase == to {
		return
	}
	s.logger.Debug().Str("phase", to.String()).Msg("session ended, invalidating cache")
	s.cache.InvalidateAll()
}
