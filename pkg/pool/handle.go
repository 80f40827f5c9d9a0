package pool

import (
	"time"

	"github.com/google/uuid"

	"github.com/mkerrigan/stagedoor/pkg/engine"
)

// State is the lifecycle state of a pooled handle.
type State int

const (
	// StateIdle marks a handle available for the next Acquire.
	StateIdle State = iota

	// StateInUse marks a handle owned by exactly one borrower, from the
	// moment Acquire returns it until Release is called with its id.
	StateInUse
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in_use"
	default:
		return "unknown"
	}
}

// Handle is one pooled browser session plus its identity, credential
// snapshot location, and usage metadata. State and timestamps are
// mutated only by Pool methods and the Reaper, under the pool mutex.
type Handle struct {
	// ID is assigned at creation and stable for the handle's lifetime.
	ID uuid.UUID

	// CredentialPath is where this handle's cookie snapshot persists.
	// One handle, one snapshot file; overwritten on each save.
	CredentialPath string

	// CreatedAt is when the handle's session was launched.
	CreatedAt time.Time

	session    engine.Session
	state      State
	lastUsedAt time.Time
}

// Session returns the engine session this handle exclusively owns.
// Only the current borrower may drive it.
func (h *Handle) Session() engine.Session {
	return h.session
}
