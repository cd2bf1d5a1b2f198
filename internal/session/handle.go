package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"groupbot/internal/fault"
)

type State string

const (
	Uninitialized State = "uninitialized"
	Initializing  State = "initializing"
	Ready         State = "ready"
	Busy          State = "busy"
	Failed        State = "failed"
)

var transitions = map[State][]State{
	Initializing: {Ready, Failed},
	Ready:        {Busy},
	Busy:         {Ready, Failed},
}

var ErrInvalidTransition = fault.New("invalid session transition")

// Transition is published on the event bus for every state change.
type Transition struct {
	HandleID string
	From     State
	To       State
	Error    string
}

// Info is a read-only view of a handle.
type Info struct {
	ID        string    `json:"id,omitempty"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Handle is one logged-in browser surface. Its state only changes through
// the owning Session.
type Handle struct {
	id        string
	createdAt time.Time

	mu        sync.Mutex
	state     State
	updatedAt time.Time
	lastErr   string
	surface   Surface
}

func newHandle(now time.Time) *Handle {
	return &Handle{
		id:        uuid.NewString(),
		createdAt: now,
		state:     Initializing,
		updatedAt: now,
	}
}

func (h *Handle) ID() string           { return h.id }
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Info{
		ID:        h.id,
		State:     h.state,
		CreatedAt: h.createdAt,
		UpdatedAt: h.updatedAt,
		LastError: h.lastErr,
	}
}

// transition moves from→to atomically. It fails when the handle is not in
// from, or when the pair is not a legal edge.
func (h *Handle) transition(from, to State, cause error, now time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != from {
		if h.state == Busy && to == Busy {
			return fault.WithHint(ErrBusy, "another delivery is in progress")
		}
		err := fault.Wrapf(ErrNotReady, "state %s", h.state)
		if h.state == Failed {
			return fault.WithHint(err, "initialize the browser session again")
		}
		return err
	}
	if !allowed(from, to) {
		return fault.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	h.state = to
	h.updatedAt = now
	if cause != nil {
		h.lastErr = cause.Error()
	} else if to == Ready {
		h.lastErr = ""
	}
	return nil
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (h *Handle) setSurface(s Surface) {
	h.mu.Lock()
	h.surface = s
	h.mu.Unlock()
}

func (h *Handle) surfaceRef() Surface {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.surface
}

func (h *Handle) closeSurface() {
	h.mu.Lock()
	s := h.surface
	h.surface = nil
	h.mu.Unlock()
	if s != nil {
		_ = s.Close()
	}
}
