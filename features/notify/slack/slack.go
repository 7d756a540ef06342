// Package slack implements the notify.Notifier facade on the Slack Web API.
// Broadcast messages post to a shared coordination channel; SMS-method
// contacts whose handle is a Slack user or channel ID receive a direct
// message instead, since the runtime carries no SMS gateway.
//
// Slack reports success synchronously, so receipts jump straight from queued
// to delivered on a successful post. Failures map onto the burn taxonomy:
// invalid_auth and token errors latch the breaker via burn.ErrAuth, rate
// limits surface as burn.RateLimitedError, and transport faults as
// burn.ErrUnavailable.
package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/burnshed/burnshed/burn"
	"github.com/burnshed/burnshed/runtime/notify"
)

type (
	// Client is the subset of the Slack API the notifier uses. Satisfied by
	// *slack.Client.
	Client interface {
		PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	}

	// Options configures the notifier.
	Options struct {
		// Client posts messages. Required; build with slack.New(token).
		Client Client
		// BroadcastChannel receives broadcast-channel messages. Required.
		BroadcastChannel string
		// ReceiptTTL bounds how long delivered receipts are kept for Status
		// polls (default 1h).
		ReceiptTTL time.Duration
	}

	// Notifier delivers alerts through Slack.
	Notifier struct {
		client    Client
		broadcast string
		ttl       time.Duration

		mu       sync.Mutex
		receipts map[string]receiptEntry
	}

	receiptEntry struct {
		receipt notify.Receipt
		expires time.Time
	}
)

const defaultReceiptTTL = time.Hour

// New returns a Slack notifier.
func New(opts Options) (*Notifier, error) {
	if opts.Client == nil {
		return nil, errors.New("slack: client is required")
	}
	if opts.BroadcastChannel == "" {
		return nil, errors.New("slack: broadcast channel is required")
	}
	if opts.ReceiptTTL <= 0 {
		opts.ReceiptTTL = defaultReceiptTTL
	}
	return &Notifier{
		client:    opts.Client,
		broadcast: opts.BroadcastChannel,
		ttl:       opts.ReceiptTTL,
		receipts:  make(map[string]receiptEntry),
	}, nil
}

// Send posts the payload and returns a delivered (or failed) receipt.
func (n *Notifier) Send(ctx context.Context, ch notify.Channel, recipient string, p notify.Payload) (notify.Receipt, error) {
	target, err := n.target(ch, recipient)
	if err != nil {
		return notify.Receipt{}, err
	}

	_, stamp, err := n.client.PostMessageContext(ctx, target,
		slackapi.MsgOptionText(message(p), false))
	if err != nil {
		if mapped := mapError(err); mapped != nil {
			return notify.Receipt{}, mapped
		}
		return notify.Receipt{}, err
	}

	r := notify.Receipt{
		ID:        fmt.Sprintf("slack-%s-%s", target, stamp),
		Channel:   ch,
		Recipient: recipient,
		State:     notify.StateDelivered,
		UpdatedAt: time.Now().UTC(),
	}
	n.remember(r)
	return r, nil
}

// Status returns the stored receipt for a message ID. Receipts expire after
// the configured TTL and then read as burn.ErrNotFound.
func (n *Notifier) Status(ctx context.Context, id string) (notify.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return notify.Receipt{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	entry, ok := n.receipts[id]
	if !ok || time.Now().After(entry.expires) {
		delete(n.receipts, id)
		return notify.Receipt{}, fmt.Errorf("slack: receipt %s: %w", id, burn.ErrNotFound)
	}
	return entry.receipt, nil
}

func (n *Notifier) target(ch notify.Channel, recipient string) (string, error) {
	switch ch {
	case notify.ChannelBroadcast:
		return n.broadcast, nil
	case notify.ChannelSMS:
		if recipient == "" {
			return "", errors.New("slack: recipient is required")
		}
		return recipient, nil
	default:
		return "", fmt.Errorf("slack: unknown channel %q", ch)
	}
}

func (n *Notifier) remember(r notify.Receipt) {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now()
	for id, entry := range n.receipts {
		if now.After(entry.expires) {
			delete(n.receipts, id)
		}
	}
	n.receipts[r.ID] = receiptEntry{receipt: r, expires: now.Add(n.ttl)}
}

func message(p notify.Payload) string {
	var b strings.Builder
	if p.Subject != "" {
		b.WriteString("*")
		b.WriteString(p.Subject)
		b.WriteString("*\n")
	}
	b.WriteString(p.Body)
	if p.RequestID != "" {
		b.WriteString("\n_request ")
		b.WriteString(p.RequestID)
		b.WriteString("_")
	}
	return b.String()
}

// mapError translates Slack API failures into the burn taxonomy. Unknown
// errors pass through as nil so the caller returns them verbatim.
func mapError(err error) error {
	var rl *slackapi.RateLimitedError
	if errors.As(err, &rl) {
		return &burn.RateLimitedError{RetryAfter: rl.RetryAfter}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "invalid_auth"),
		strings.Contains(msg, "token_revoked"),
		strings.Contains(msg, "not_authed"),
		strings.Contains(msg, "account_inactive"):
		return fmt.Errorf("slack: %s: %w", msg, burn.ErrAuth)
	case strings.Contains(msg, "channel_not_found"),
		strings.Contains(msg, "user_not_found"),
		strings.Contains(msg, "is_archived"):
		return fmt.Errorf("slack: %s: %w", msg, burn.ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("slack: %s: %w", msg, burn.ErrUnavailable)
	}
}
