package session

import (
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/jrsteele09/go-auth-session/credentials"
	"github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type subscription struct {
	id      int
	handler Handler
}

// Machine is the single authority on the session lifecycle. It owns the
// credential store: only Machine writes or clears it.
type Machine struct {
	store  credentials.Store
	clock  clockwork.Clock
	logger zerolog.Logger

	transitionLock sync.Mutex // serializes transitions together with their notifications

	lock        sync.RWMutex // protects the below fields
	state       State
	generation  uint64 // advanced whenever a session starts or ends
	subscribers []subscription
	nextID      int
}

// anyGeneration lets the exported refresh transitions act on whichever session is current.
const anyGeneration uint64 = 0

type MachineOption func(*Machine)

func WithClock(clock clockwork.Clock) MachineOption {
	return func(m *Machine) {
		m.clock = clock
	}
}

func WithMachineLogger(logger zerolog.Logger) MachineOption {
	return func(m *Machine) {
		m.logger = logger
	}
}

// NewMachine returns a machine in PhaseSignedOut. A credential already present in
// store does not make the session authenticated; see Restore.
func NewMachine(store credentials.Store, options ...MachineOption) (*Machine, error) {
	if store == nil {
		return nil, errors.Wrapf(errors.ErrMissingDependency, "[NewMachine] credential store is required")
	}

	m := &Machine{
		store:  store,
		clock:  clockwork.NewRealClock(),
		logger: log.Logger,
	}
	for _, opt := range options {
		opt(m)
	}
	m.state = State{Phase: PhaseSignedOut, Since: m.clock.Now()}
	m.generation = 1
	return m, nil
}

// CurrentState returns a snapshot of the live state.
func (m *Machine) CurrentState() State {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.state
}

// Credential returns the persisted credential, or nil.
func (m *Machine) Credential() (*credentials.Credential, error) {
	cred, err := m.store.Get()
	if err != nil {
		return nil, errors.Wrapf(err, "[Machine.Credential] store.Get")
	}
	return cred, nil
}

// Subscribe registers handler for every subsequent transition. Handlers run in
// subscription order; a panicking handler is logged and skipped.
func (m *Machine) Subscribe(handler Handler) (unsubscribe func()) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.nextID++
	id := m.nextID
	m.subscribers = append(m.subscribers, subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lock.Lock()
			defer m.lock.Unlock()
			for i, s := range m.subscribers {
				if s.id == id {
					m.subscribers = append(m.subscribers[:i:i], m.subscribers[i+1:]...)
					return
				}
			}
		})
	}
}

// Login starts a session. Legal only from SignedOut or Expired.
func (m *Machine) Login(identity *Identity, credential *credentials.Credential) error {
	if identity == nil || credential == nil || credential.AccessToken == "" {
		return errors.Wrapf(errors.ErrCredentialInvalid, "[Machine.Login] identity and access token are required")
	}

	m.transitionLock.Lock()
	defer m.transitionLock.Unlock()

	from := m.CurrentState()
	if from.Phase != PhaseSignedOut && from.Phase != PhaseExpired {
		return &StateError{Op: "login", From: from.Phase}
	}

	m.advanceGeneration()
	m.apply(State{Phase: PhaseAuthenticating}, "login")
	if err := m.store.Set(credential); err != nil {
		m.apply(State{Phase: PhaseSignedOut}, "login failed")
		return errors.Wrapf(err, "[Machine.Login] store.Set")
	}
	m.apply(State{Phase: PhaseAuthenticated, Identity: identity}, "login")
	return nil
}

// Restore resumes a persisted session after a restart. Legal only from SignedOut,
// and only when the store still holds a credential.
func (m *Machine) Restore(identity *Identity) error {
	if identity == nil {
		return errors.Wrapf(errors.ErrCredentialInvalid, "[Machine.Restore] identity is required")
	}

	m.transitionLock.Lock()
	defer m.transitionLock.Unlock()

	from := m.CurrentState()
	if from.Phase != PhaseSignedOut {
		return &StateError{Op: "restore", From: from.Phase}
	}

	cred, err := m.Credential()
	if err != nil {
		return err
	}
	if cred == nil || cred.AccessToken == "" {
		return errors.ErrCredentialNotFound
	}
	m.advanceGeneration()
	m.apply(State{Phase: PhaseAuthenticated, Identity: identity}, "restore")
	return nil
}

// Logout ends the session from any phase. Calling it while already signed out
// clears the store again but emits no event.
func (m *Machine) Logout() error {
	m.transitionLock.Lock()
	defer m.transitionLock.Unlock()

	err := m.store.Clear()
	if m.CurrentState().Phase != PhaseSignedOut {
		m.advanceGeneration()
		m.apply(State{Phase: PhaseSignedOut}, "logout")
	}
	return errors.Wrapf(err, "[Machine.Logout] store.Clear")
}

// MarkExpired ends a failed refresh episode. Legal only from Refreshing.
func (m *Machine) MarkExpired() error {
	return m.markExpired(anyGeneration)
}

// CompleteRefresh ends a successful refresh episode. Legal only from Refreshing.
// A nil identity keeps the current one.
func (m *Machine) CompleteRefresh(identity *Identity, credential *credentials.Credential) error {
	return m.completeRefresh(anyGeneration, identity, credential)
}

// beginRefresh is the single-flight gate: Authenticated -> Refreshing. It returns
// the generation the refresh belongs to.
func (m *Machine) beginRefresh() (uint64, error) {
	m.transitionLock.Lock()
	defer m.transitionLock.Unlock()

	from := m.CurrentState()
	if from.Phase != PhaseAuthenticated {
		return 0, &StateError{Op: "begin refresh", From: from.Phase}
	}
	m.apply(State{Phase: PhaseRefreshing, Identity: from.Identity}, "unauthorized")
	return m.currentGeneration(), nil
}

func (m *Machine) markExpired(generation uint64) error {
	m.transitionLock.Lock()
	defer m.transitionLock.Unlock()

	from, err := m.refreshingFrom("mark expired", generation)
	if err != nil {
		return err
	}

	err = m.store.Clear()
	m.apply(State{Phase: PhaseExpired, Identity: from.Identity}, "refresh failed")
	return errors.Wrapf(err, "[Machine.MarkExpired] store.Clear")
}

func (m *Machine) completeRefresh(generation uint64, identity *Identity, credential *credentials.Credential) error {
	if credential == nil || credential.AccessToken == "" {
		return errors.Wrapf(errors.ErrCredentialInvalid, "[Machine.CompleteRefresh] access token is required")
	}

	m.transitionLock.Lock()
	defer m.transitionLock.Unlock()

	from, err := m.refreshingFrom("complete refresh", generation)
	if err != nil {
		return err
	}
	if identity == nil {
		identity = from.Identity
	}

	if err := m.store.Set(credential); err != nil {
		return errors.Wrapf(err, "[Machine.CompleteRefresh] store.Set")
	}
	m.apply(State{Phase: PhaseAuthenticated, Identity: identity}, "refresh succeeded")
	return nil
}

// revokeRefresh signs out after the refresh credential of generation was rejected.
func (m *Machine) revokeRefresh(generation uint64) error {
	m.transitionLock.Lock()
	defer m.transitionLock.Unlock()

	if _, err := m.refreshingFrom("revoke refresh", generation); err != nil {
		return err
	}

	err := m.store.Clear()
	m.advanceGeneration()
	m.apply(State{Phase: PhaseSignedOut}, "refresh credential rejected")
	return errors.Wrapf(err, "[Machine.revokeRefresh] store.Clear")
}

// refreshingFrom must be called with transitionLock held. A refresh belonging to
// an earlier session is rejected even when a newer session is refreshing.
func (m *Machine) refreshingFrom(op string, generation uint64) (State, error) {
	from := m.CurrentState()
	if from.Phase != PhaseRefreshing {
		return from, &StateError{Op: op, From: from.Phase}
	}
	if generation != anyGeneration && generation != m.currentGeneration() {
		return from, &StateError{Op: op, From: from.Phase, Stale: true}
	}
	return from, nil
}

func (m *Machine) currentGeneration() uint64 {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.generation
}

// advanceGeneration must be called with transitionLock held.
func (m *Machine) advanceGeneration() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.generation++
}

// setQueued records how many callers wait on the refresh. It is not a transition.
func (m *Machine) setQueued(n int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.state.Phase == PhaseRefreshing {
		m.state.QueuedRequests = n
	}
}

// apply must be called with transitionLock held.
func (m *Machine) apply(next State, reason string) {
	next.Since = m.clock.Now()

	m.lock.Lock()
	prev := m.state
	m.state = next
	subscribers := make([]subscription, len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.lock.Unlock()

	m.logger.Debug().
		Str("from", prev.Phase.String()).
		Str("to", next.Phase.String()).
		Str("reason", reason).
		Msg("session transition")

	event := Event{From: prev, To: next, Reason: reason}
	for _, s := range subscribers {
		m.notify(s, event)
	}
}

func (m *Machine) notify(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Interface("panic", r).
				Int("subscriber", s.id).
				Str("to", event.To.Phase.String()).
				Msg("session subscriber panicked")
		}
	}()
	s.handler(event)
}
