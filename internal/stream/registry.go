package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusErrored   = "errored"
)

// Handle is the cooperative cancellation handle for one live streaming
// turn. The turn loop checks Cancelled (or selects on Done) between chunks;
// cancellation never interrupts mid-chunk.
type Handle struct {
	SessionID string
	TurnID    string
	StartedAt time.Time

	cancelled atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// Context is the handle's context; it is cancelled when the turn is.
func (h *Handle) Context() context.Context { return h.ctx }

// Done unblocks when cancellation has been requested.
func (h *Handle) Done() <-chan struct{} { return h.ctx.Done() }

// Cancelled reports whether cancellation has been requested. Setting the
// flag on an already-finished turn is a harmless no-op.
func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

func (h *Handle) requestCancel() {
	h.cancelled.Store(true)
	h.cancel()
}

// Registry tracks the live streaming turn per session. At most one turn may
// stream per session at a time.
type Registry struct {
	mu   sync.Mutex
	live map[string]*Handle
	last map[string]string // session id -> terminal status of previous turn
}

func NewRegistry() *Registry {
	return &Registry{
		live: map[string]*Handle{},
		last: map[string]string{},
	}
}

// Register creates a handle for a new turn on the session. It fails if the
// session already has a live turn.
func (r *Registry) Register(ctx context.Context, sessionID, turnID string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.live[sessionID]; existing != nil {
		return nil, fmt.Errorf("session %s already has a streaming turn (%s)", sessionID, existing.TurnID)
	}
	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		SessionID: sessionID,
		TurnID:    turnID,
		StartedAt: time.Now().UTC(),
		ctx:       hctx,
		cancel:    cancel,
	}
	r.live[sessionID] = h
	return h, nil
}

// Cancel requests cancellation of the session's live turn. It reports
// whether a live turn was found; completed or unknown turns return false.
func (r *Registry) Cancel(sessionID string) bool {
	r.mu.Lock()
	h := r.live[sessionID]
	r.mu.Unlock()
	if h == nil {
		return false
	}
	h.requestCancel()
	return true
}

// Release removes the handle from the live set and records its terminal
// status. The turn loop calls it exactly once, after the terminal event.
func (r *Registry) Release(h *Handle, status string) {
	h.cancel()
	r.mu.Lock()
	if r.live[h.SessionID] == h {
		delete(r.live, h.SessionID)
	}
	r.last[h.SessionID] = status
	r.mu.Unlock()
}

// Lookup returns the live handle for a session, or nil.
func (r *Registry) Lookup(sessionID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[sessionID]
}

// Status reports the session's turn status: the live turn's status if one
// is streaming, otherwise the last terminal status recorded.
func (r *Registry) Status(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h := r.live[sessionID]; h != nil {
		if h.Cancelled() {
			return StatusCancelled, true
		}
		return StatusRunning, true
	}
	status, ok := r.last[sessionID]
	return status, ok
}

// Len reports how many turns are currently streaming.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}
