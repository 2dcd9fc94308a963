package session_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrsteele09/go-auth-session/credentials/repofake"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/session"
	"github.com/stretchr/testify/require"
)

type machineFixture struct {
	store   *repofake.FakeStore
	clock   clockwork.FakeClock
	machine *session.Machine
	events  *eventRecorder
}

type eventRecorder struct {
	mu     sync.Mutex
	events []session.Event
}

func (r *eventRecorder) record(e session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) phases() []session.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	phases := make([]session.Phase, 0, len(r.events))
	for _, e := range r.events {
		phases = append(phases, e.To.Phase)
	}
	return phases
}

func setupMachine(t *testing.T) *machineFixture {
	t.Helper()

	store := repofake.NewFakeStore()
	clock := clockwork.NewFakeClock()
	machine, err := session.NewMachine(store, session.WithClock(clock))
	require.NoError(t, err)

	events := &eventRecorder{}
	machine.Subscribe(events.record)

	return &machineFixture{store: store, clock: clock, machine: machine, events: events}
}

// TestMachine_InitialState tests that a new machine is signed out even if a credential is stored
func TestMachine_InitialState(t *testing.T) {
	store := repofake.NewFakeStore()
	require.NoError(t, store.Set(testCredential1()))

	machine, err := session.NewMachine(store)
	require.NoError(t, err)
	require.Equal(t, session.PhaseSignedOut, machine.CurrentState().Phase)
	require.False(t, machine.CurrentState().IsAuthenticated())

	_, err = session.NewMachine(nil)
	require.ErrorIs(t, err, apperrors.ErrMissingDependency)
}

// TestMachine_Login tests the SignedOut -> Authenticating -> Authenticated path
func TestMachine_Login(t *testing.T) {
	f := setupMachine(t)
	f.clock.Advance(time.Minute)

	require.NoError(t, f.machine.Login(testIdentity(), testCredential1()))

	state := f.machine.CurrentState()
	require.Equal(t, session.PhaseAuthenticated, state.Phase)
	require.Equal(t, testUserID, state.Identity.ID)
	require.Equal(t, f.clock.Now(), state.Since)
	require.Equal(t, []session.Phase{session.PhaseAuthenticating, session.PhaseAuthenticated}, f.events.phases())

	stored, err := f.store.Get()
	require.NoError(t, err)
	require.True(t, testCredential1().Equal(stored))
}

// TestMachine_LoginTwice tests that a second login without logout is rejected
func TestMachine_LoginTwice(t *testing.T) {
	f := setupMachine(t)
	require.NoError(t, f.machine.Login(testIdentity(), testCredential1()))

	other := &session.Identity{ID: "user-2"}
	err := f.machine.Login(other, testCredential2())
	require.Error(t, err)
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	var stateErr *session.StateError
	require.True(t, errors.As(err, &stateErr))
	require.Equal(t, session.PhaseAuthenticated, stateErr.From)

	state := f.machine.CurrentState()
	require.Equal(t, session.PhaseAuthenticated, state.Phase)
	require.Equal(t, testUserID, state.Identity.ID)

	stored, _ := f.store.Get()
	require.Equal(t, testAccessToken1, stored.AccessToken)
}

// TestMachine_LoginValidation tests that login requires an identity and an access token
func TestMachine_LoginValidation(t *testing.T) {
	f := setupMachine(t)
	require.ErrorIs(t, f.machine.Login(nil, testCredential1()), apperrors.ErrCredentialInvalid)
	require.ErrorIs(t, f.machine.Login(testIdentity(), nil), apperrors.ErrCredentialInvalid)
	require.Empty(t, f.events.phases())
}

// TestMachine_LoginStoreFailure tests that a failed persist leaves the session signed out
func TestMachine_LoginStoreFailure(t *testing.T) {
	f := setupMachine(t)
	f.store.FailSets(errors.New("disk full"))

	err := f.machine.Login(testIdentity(), testCredential1())
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")
	require.Equal(t, session.PhaseSignedOut, f.machine.CurrentState().Phase)
	require.Equal(t, []session.Phase{session.PhaseAuthenticating, session.PhaseSignedOut}, f.events.phases())
}

// TestMachine_LogoutIdempotent tests that a second logout emits no event
func TestMachine_LogoutIdempotent(t *testing.T) {
	f := setupMachine(t)
	require.NoError(t, f.machine.Login(testIdentity(), testCredential1()))

	require.NoError(t, f.machine.Logout())
	require.NoError(t, f.machine.Logout())

	require.Equal(t, []session.Phase{
		session.PhaseAuthenticating,
		session.PhaseAuthenticated,
		session.PhaseSignedOut,
	}, f.events.phases())

	stored, err := f.store.Get()
	require.NoError(t, err)
	require.Nil(t, stored)
	require.Nil(t, f.machine.CurrentState().Identity)
}

// TestMachine_RefreshTransitionsRequireRefreshing tests that markExpired and completeRefresh are guarded
func TestMachine_RefreshTransitionsRequireRefreshing(t *testing.T) {
	f := setupMachine(t)

	require.ErrorIs(t, f.machine.MarkExpired(), apperrors.ErrInvalidTransition)
	require.ErrorIs(t, f.machine.CompleteRefresh(nil, testCredential2()), apperrors.ErrInvalidTransition)

	require.NoError(t, f.machine.Login(testIdentity(), testCredential1()))
	require.ErrorIs(t, f.machine.MarkExpired(), apperrors.ErrInvalidTransition)
	require.ErrorIs(t, f.machine.CompleteRefresh(nil, testCredential2()), apperrors.ErrInvalidTransition)
	require.Equal(t, session.PhaseAuthenticated, f.machine.CurrentState().Phase)
}

// TestMachine_Restore tests resuming a persisted session
func TestMachine_Restore(t *testing.T) {
	t.Run("with stored credential", func(t *testing.T) {
		f := setupMachine(t)
		require.NoError(t, f.store.Set(testCredential1()))

		require.NoError(t, f.machine.Restore(testIdentity()))
		require.Equal(t, session.PhaseAuthenticated, f.machine.CurrentState().Phase)
		require.Equal(t, []session.Phase{session.PhaseAuthenticated}, f.events.phases())
	})

	t.Run("without stored credential", func(t *testing.T) {
		f := setupMachine(t)
		require.ErrorIs(t, f.machine.Restore(testIdentity()), apperrors.ErrCredentialNotFound)
		require.Equal(t, session.PhaseSignedOut, f.machine.CurrentState().Phase)
	})

	t.Run("not from authenticated", func(t *testing.T) {
		f := setupMachine(t)
		require.NoError(t, f.machine.Login(testIdentity(), testCredential1()))
		require.ErrorIs(t, f.machine.Restore(testIdentity()), apperrors.ErrInvalidTransition)
	})
}

// TestMachine_Subscribers tests ordering, panic isolation and unsubscribe
func TestMachine_Subscribers(t *testing.T) {
	store := repofake.NewFakeStore()
	machine, err := session.NewMachine(store)
	require.NoError(t, err)

	var mu sync.Mutex
	var calls []string
	record := func(name string) session.Handler {
		return func(e session.Event) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name+":"+e.To.Phase.String())
		}
	}

	machine.Subscribe(record("first"))
	machine.Subscribe(func(session.Event) { panic("bad subscriber") })
	unsubscribe := machine.Subscribe(record("third"))

	require.NoError(t, machine.Login(testIdentity(), testCredential1()))
	unsubscribe()
	unsubscribe()
	require.NoError(t, machine.Logout())

	require.Equal(t, []string{
		"first:authenticating",
		"third:authenticating",
		"first:authenticated",
		"third:authenticated",
		"first:signed_out",
	}, calls)
}

// TestMachine_HandlerMayReadState tests that handlers can read the state they are notified about
func TestMachine_HandlerMayReadState(t *testing.T) {
	machine, err := session.NewMachine(repofake.NewFakeStore())
	require.NoError(t, err)

	var seen []session.Phase
	machine.Subscribe(func(e session.Event) {
		seen = append(seen, machine.CurrentState().Phase)
	})

	require.NoError(t, machine.Login(testIdentity(), testCredential1()))
	require.Equal(t, []session.Phase{session.PhaseAuthenticating, session.PhaseAuthenticated}, seen)
}

func TestPhaseString(t *testing.T) {
	require.Equal(t, "expired", session.PhaseExpired.String())
	require.Equal(t, "phase(42)", session.Phase(42).String())
	require.True(t, session.PhaseRefreshing.Active())
	require.False(t, session.PhaseExpired.Active())
}
