package session

import (
	"fmt"
	"time"

	"github.com/jrsteele09/go-auth-session/internal/errors"
)

// Phase is the identity lifecycle position of a session.
type Phase int

const (
	// PhaseSignedOut is the initial state and the state after logout or a revoked refresh credential.
	PhaseSignedOut Phase = iota
	// PhaseAuthenticating is held only for the duration of an explicit login.
	PhaseAuthenticating
	// PhaseAuthenticated is entered on login or refresh success.
	PhaseAuthenticated
	// PhaseRefreshing is entered on the first unauthorized response of an expiry episode.
	PhaseRefreshing
	// PhaseExpired means the user must sign in again; the identity stays inspectable.
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseSignedOut:
		return "signed_out"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseRefreshing:
		return "refreshing"
	case PhaseExpired:
		return "expired"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Active reports whether requests may be authorized in this phase.
func (p Phase) Active() bool {
	return p == PhaseAuthenticated || p == PhaseRefreshing
}

// Identity is the authenticated user's profile. It is shared by pointer and must be treated as read-only.
type Identity struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	TenantID    string   `json:"tenant_id,omitempty"`
}

// State is a snapshot of the session. Exactly one State is live at a time.
type State struct {
	Phase          Phase
	Identity       *Identity // set in Authenticated, Refreshing and Expired
	QueuedRequests int       // callers waiting on the in-flight refresh; Refreshing only
	Since          time.Time // when the phase was entered
}

// IsAuthenticated reports whether the session currently holds a usable credential.
func (s State) IsAuthenticated() bool {
	return s.Phase.Active()
}

// Event describes one applied transition.
type Event struct {
	From   State
	To     State
	Reason string
}

// Handler observes transitions. It is invoked synchronously and must not call
// back into Machine transition methods or Coordinator.Authorize.
type Handler func(Event)

// StateError is returned when an operation is not legal from the current phase.
type StateError struct {
	Op    string
	From  Phase
	Stale bool // the operation belonged to a session that has since ended
}

func (e *StateError) Error() string {
	if e.Stale {
		return fmt.Sprintf("%s: session ended, a newer session is %s", e.Op, e.From)
	}
	return fmt.Sprintf("%s: not allowed while %s", e.Op, e.From)
}

func (e *StateError) Is(target error) bool {
	return target == errors.ErrInvalidTransition
}
