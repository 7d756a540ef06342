// Package notify defines the notifier facade used by the alert stage to
// deliver SMS and broadcast messages, along with the delivery receipt state
// machine. Backends implement Notifier: a deterministic mock (mock mode and
// tests) and a Slack-backed broadcast notifier under features/notify.
//
// Delivery failures never fail the pipeline: the alert stage records them as
// error events and proceeds.
package notify

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/burnshed/burnshed/burn"
)

type (
	// Channel selects the delivery transport.
	Channel string

	// DeliveryState tracks a message through the provider:
	// queued → sent → delivered | failed.
	DeliveryState string

	// Payload is the message content delivered to a recipient.
	Payload struct {
		// Subject is a short summary line.
		Subject string
		// Body is the full human-readable message.
		Body string
		// RequestID correlates the alert with a burn request.
		RequestID string
	}

	// Receipt reports the provider-side fate of a send.
	Receipt struct {
		// ID is the provider-assigned message identifier.
		ID string
		// Channel echoes the requested transport.
		Channel Channel
		// Recipient echoes the target handle.
		Recipient string
		// State is the current delivery state.
		State DeliveryState
		// UpdatedAt is when the state last changed (UTC).
		UpdatedAt time.Time
		// Reason carries the provider failure detail when State is failed.
		Reason string
	}

	// Notifier delivers alerts and exposes receipt lookups for polling.
	Notifier interface {
		// Send queues the payload for delivery and returns the initial
		// receipt (typically in the queued state).
		Send(ctx context.Context, ch Channel, recipient string, p Payload) (Receipt, error)

		// Status returns the current receipt for a provider message ID,
		// or burn.ErrNotFound.
		Status(ctx context.Context, id string) (Receipt, error)
	}
)

const (
	ChannelSMS       Channel = "sms"
	ChannelBroadcast Channel = "broadcast"
)

const (
	StateQueued    DeliveryState = "queued"
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateFailed    DeliveryState = "failed"
)

// Terminal reports whether the delivery state is final.
func (s DeliveryState) Terminal() bool {
	return s == StateDelivered || s == StateFailed
}

// Await polls the notifier until the receipt reaches a terminal state,
// backing off exponentially between probes. It returns the terminal receipt,
// or the last observed receipt with ctx.Err() when the context expires first.
func Await(ctx context.Context, n Notifier, id string) (Receipt, error) {
	var last Receipt
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.Retry(func() error {
		r, err := n.Status(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		last = r
		if !r.State.Terminal() {
			return burn.ErrUnavailable // not terminal yet, probe again
		}
		return nil
	}, bo)
	if err != nil {
		return last, err
	}
	return last, nil
}
