package stage

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/burnshed/burnshed/burn"
)

type (
	// PauseError signals that the pipeline must hold the request until an
	// operator approves or rejects it. The coordinator treats it as a
	// pause, not a failure: the stage is re-run after the decision lands.
	PauseError struct {
		// Reasons lists the unsafe conditions that triggered the pause.
		Reasons []string
	}

	// Approvals tracks requests paused for an operator decision. Safe for
	// concurrent use by stages and the coordinator API.
	Approvals struct {
		mu        sync.Mutex
		pending   map[string]chan struct{}
		decisions map[string]bool
	}
)

func (e *PauseError) Error() string {
	return "approval required: " + strings.Join(e.Reasons, "; ")
}

// NewApprovals returns an empty approval tracker.
func NewApprovals() *Approvals {
	return &Approvals{
		pending:   make(map[string]chan struct{}),
		decisions: make(map[string]bool),
	}
}

// Request marks the request as awaiting a decision and returns a channel
// closed when the decision arrives. Idempotent: repeated calls for the same
// request share one channel.
func (a *Approvals) Request(id string) <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.pending[id]
	if !ok {
		ch = make(chan struct{})
		a.pending[id] = ch
	}
	return ch
}

// Wait returns a channel closed once a decision for the request is available.
// A decision stored before Wait is called closes the channel immediately, so
// a waiter never misses a resolution that raced ahead of it.
func (a *Approvals) Wait(id string) <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.decisions[id]; ok {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch, ok := a.pending[id]
	if !ok {
		ch = make(chan struct{})
		a.pending[id] = ch
	}
	return ch
}

// Resolve records the operator decision for a pending request and unblocks
// its waiter. Fails with burn.ErrNotFound when nothing is pending.
func (a *Approvals) Resolve(id string, approved bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.pending[id]
	if !ok {
		return fmt.Errorf("approvals: no pending decision for %s: %w", id, burn.ErrNotFound)
	}
	delete(a.pending, id)
	a.decisions[id] = approved
	close(ch)
	return nil
}

// Decision consumes a recorded decision. The second return is false when no
// decision is stored.
func (a *Approvals) Decision(id string) (approved, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	approved, ok = a.decisions[id]
	if ok {
		delete(a.decisions, id)
	}
	return approved, ok
}

// Forget drops any pending wait and stored decision for a request. Called
// when a paused request is cancelled; the wait channel is closed so no waiter
// blocks forever.
func (a *Approvals) Forget(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.pending[id]; ok {
		delete(a.pending, id)
		close(ch)
	}
	delete(a.decisions, id)
}

// Pending lists request IDs awaiting a decision, sorted.
func (a *Approvals) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.pending))
	for id := range a.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
