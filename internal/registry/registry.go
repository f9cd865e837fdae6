// Package registry tracks the identity and lifecycle of stream requests.
//
// At most one request is live (pending or active) at any time. Beginning a new
// request supersedes the previous one: its state becomes Cancelled and its
// context is cancelled so in-flight work can bail out.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

type State int

const (
	Pending State = iota
	Active
	Cancelled
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Cancelled:
		return "cancelled"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Live reports whether a request in this state may still emit.
func (s State) Live() bool { return s == Pending || s == Active }

// Request is a handle on one stream request.
type Request struct {
	ID     string
	ctx    context.Context
	cancel context.CancelFunc
	state  State
}

// Context is cancelled once the request leaves the live states.
func (r *Request) Context() context.Context { return r.ctx }

type Registry struct {
	mu      sync.Mutex
	current *Request
	history *lru.Cache[string, State]
	newID   func() (uuid.UUID, error)
}

// New returns a registry remembering the final state of the last historySize requests.
func New(historySize int) (*Registry, error) {
	if historySize <= 0 {
		historySize = 128
	}
	history, err := lru.New[string, State](historySize)
	if err != nil {
		return nil, fmt.Errorf("create request history: %w", err)
	}
	return &Registry{history: history, newID: uuid.NewV7}, nil
}

// Begin allocates a pending request, superseding whatever was live.
func (r *Registry) Begin(parent context.Context) (*Request, error) {
	id, err := r.newID()
	if err != nil {
		return nil, fmt.Errorf("allocate request id: %w", err)
	}
	ctx, cancel := context.WithCancel(parent)
	req := &Request{ID: id.String(), ctx: ctx, cancel: cancel, state: Pending}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev := r.current; prev != nil && prev.state.Live() {
		r.transition(prev, Cancelled)
	}
	r.current = req
	r.history.Add(req.ID, Pending)
	return req, nil
}

// Activate moves a pending request to active. It fails if the request was
// superseded or cancelled in the meantime.
func (r *Registry) Activate(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.ID != id || r.current.state != Pending {
		return false
	}
	r.current.state = Active
	r.history.Add(id, Active)
	return true
}

// Live reports whether id is the current request and has not terminated.
func (r *Registry) Live(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil && r.current.ID == id && r.current.state.Live()
}

// Cancel stops id if it is live. Repeated or late calls are no-ops.
func (r *Registry) Cancel(id string) bool {
	return r.Finish(id, Cancelled)
}

// Finish moves a live request into a terminal state.
func (r *Registry) Finish(id string, state State) bool {
	if state.Live() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.ID != id || !r.current.state.Live() {
		return false
	}
	r.transition(r.current, state)
	return true
}

// State returns the last known state of id.
func (r *Registry) State(id string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil && r.current.ID == id {
		return r.current.state, true
	}
	return r.history.Get(id)
}

// Current returns the most recently begun request id and its state.
func (r *Registry) Current() (string, State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return "", 0, false
	}
	return r.current.ID, r.current.state, true
}

func (r *Registry) transition(req *Request, state State) {
	req.state = state
	req.cancel()
	r.history.Add(req.ID, state)
}
