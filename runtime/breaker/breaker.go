// Package breaker wraps sony/gobreaker with the failure semantics the
// pipeline stages need: five consecutive failures open a breaker, an open
// breaker rejects calls as burn.ErrUnavailable, and after the cooldown a
// single half-open probe decides whether to close again.
//
// Credential failures are latched: burn.ErrAuth opens the breaker permanently
// until an operator calls Reset. Retrying with the same bad credentials can
// only get a provider account blocked.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/burnshed/burnshed/burn"
)

type (
	// Options configures one breaker. Zero values select defaults.
	Options struct {
		// Name identifies the breaker ("weather-assess/openmeteo").
		Name string
		// Threshold is the consecutive-failure count that opens the
		// breaker (default 5).
		Threshold uint32
		// Cooldown is the open interval before a half-open probe is
		// allowed (default 30s).
		Cooldown time.Duration
		// OnStateChange observes transitions for logging and metrics.
		OnStateChange func(name, from, to string)
	}

	// Breaker guards calls to one collaborator.
	Breaker struct {
		opts    Options
		mu      sync.Mutex
		cb      *gobreaker.CircuitBreaker
		latched atomic.Bool
	}

	// Group lazily constructs breakers keyed by name so each stage and
	// provider pair gets its own failure state.
	Group struct {
		defaults Options

		mu       sync.Mutex
		breakers map[string]*Breaker
	}
)

const (
	defaultThreshold = 5
	defaultCooldown  = 30 * time.Second
)

// New returns a Breaker with defaults applied.
func New(opts Options) *Breaker {
	if opts.Threshold == 0 {
		opts.Threshold = defaultThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	b := &Breaker{opts: opts}
	b.cb = b.newCircuit()
	return b
}

func (b *Breaker) newCircuit() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.opts.Name,
		MaxRequests: 1, // exactly one half-open probe
		Timeout:     b.opts.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.opts.Threshold
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation is not a collaborator failure.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if b.opts.OnStateChange != nil {
				b.opts.OnStateChange(name, from.String(), to.String())
			}
		},
	})
}

// Do runs fn under the breaker. An open breaker rejects the call with
// burn.ErrUnavailable without invoking fn. A burn.ErrAuth returned by fn
// latches the breaker open permanently.
func (b *Breaker) Do(fn func() error) error {
	if b.latched.Load() {
		return fmt.Errorf("breaker %s: credentials rejected, operator reset required: %w",
			b.opts.Name, burn.ErrAuth)
	}
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()

	_, err := cb.Execute(func() (any, error) { return nil, fn() })
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("breaker %s open: %w", b.opts.Name, burn.ErrUnavailable)
	}
	if errors.Is(err, burn.ErrAuth) {
		b.Trip()
	}
	return err
}

// Trip latches the breaker open until Reset.
func (b *Breaker) Trip() {
	if b.latched.CompareAndSwap(false, true) && b.opts.OnStateChange != nil {
		b.opts.OnStateChange(b.opts.Name, b.State(), "latched")
	}
}

// Reset clears the latch and discards accumulated failure counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.cb = b.newCircuit()
	b.mu.Unlock()
	if b.latched.CompareAndSwap(true, false) && b.opts.OnStateChange != nil {
		b.opts.OnStateChange(b.opts.Name, "latched", "closed")
	}
}

// State reports the current state: closed, open, half-open, or latched.
func (b *Breaker) State() string {
	if b.latched.Load() {
		return "latched"
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cb.State().String()
}

// NewGroup returns a Group whose breakers inherit the given defaults; the
// per-breaker name overrides Options.Name.
func NewGroup(defaults Options) *Group {
	return &Group{defaults: defaults, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (g *Group) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[name]; ok {
		return b
	}
	opts := g.defaults
	opts.Name = name
	b := New(opts)
	g.breakers[name] = b
	return b
}

// States reports the state of every breaker in the group.
func (g *Group) States() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.breakers))
	for name, b := range g.breakers {
		out[name] = b.State()
	}
	return out
}
