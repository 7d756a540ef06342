package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/burnshed/burnshed/burn"
)

type (
	// MockOptions configures the synthetic notifier.
	MockOptions struct {
		// FailRecipients lists recipient handles whose deliveries fail
		// after the sent state. Used to exercise the non-fatal alert
		// failure path.
		FailRecipients []string
	}

	// Mock is the Notifier used in mock mode and tests. Receipts advance
	// one state per Status poll (queued → sent → delivered or failed) so
	// tests observe the full lifecycle without timers.
	Mock struct {
		mu       sync.Mutex
		receipts map[string]*Receipt
		polls    map[string]int
		fail     map[string]bool
		sent     []Payload
	}
)

// NewMock returns a mock notifier.
func NewMock(opts MockOptions) *Mock {
	fail := make(map[string]bool, len(opts.FailRecipients))
	for _, r := range opts.FailRecipients {
		fail[r] = true
	}
	return &Mock{
		receipts: make(map[string]*Receipt),
		polls:    make(map[string]int),
		fail:     fail,
	}
}

// Send queues a synthetic delivery and returns its receipt.
func (m *Mock) Send(ctx context.Context, ch Channel, recipient string, p Payload) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if recipient == "" {
		return Receipt{}, fmt.Errorf("notify: recipient is required")
	}
	if ch != ChannelSMS && ch != ChannelBroadcast {
		return Receipt{}, fmt.Errorf("notify: unknown channel %q", ch)
	}
	r := Receipt{
		ID:        "mock-" + uuid.NewString(),
		Channel:   ch,
		Recipient: recipient,
		State:     StateQueued,
		UpdatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.receipts[r.ID] = &r
	m.sent = append(m.sent, p)
	m.mu.Unlock()
	return r, nil
}

// Status returns the receipt for id, advancing its state by one step per
// poll until terminal.
func (m *Mock) Status(ctx context.Context, id string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	if !ok {
		return Receipt{}, fmt.Errorf("notify: receipt %s: %w", id, burn.ErrNotFound)
	}
	if !r.State.Terminal() {
		m.polls[id]++
		switch r.State {
		case StateQueued:
			r.State = StateSent
		case StateSent:
			if m.fail[r.Recipient] {
				r.State = StateFailed
				r.Reason = "recipient unreachable"
			} else {
				r.State = StateDelivered
			}
		}
		r.UpdatedAt = time.Now().UTC()
	}
	return *r, nil
}

// Sent returns a copy of every payload accepted so far, in order.
func (m *Mock) Sent() []Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Payload, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentFor returns payloads whose request ID or body references the given
// burn request.
func (m *Mock) SentFor(requestID string) []Payload {
	var out []Payload
	for _, p := range m.Sent() {
		if p.RequestID == requestID || strings.Contains(p.Body, requestID) {
			out = append(out, p)
		}
	}
	return out
}
