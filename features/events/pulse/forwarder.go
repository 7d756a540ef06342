// Package pulse forwards pipeline events from the in-process bus onto
// goa.design/pulse streams so dashboards and other processes can follow burn
// requests live. Each request gets its own stream; slow Redis never blocks
// the pipeline because the forwarder reads from a buffered bus subscription
// and counts what it had to drop.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"

	pulsec "github.com/burnshed/burnshed/features/events/pulse/clients/pulse"
	"github.com/burnshed/burnshed/runtime/events"
)

type (
	// Options configures the forwarder.
	Options struct {
		// Client publishes to Pulse streams. Required.
		Client pulsec.Client
		// Bus is the event source. Required.
		Bus *events.Bus
		// StreamID derives the target stream from an event. Defaults to
		// "burn/<RequestID>".
		StreamID func(events.Event) (string, error)
		// Buffer sizes the bus subscription (default 256).
		Buffer int
	}

	// Forwarder pumps bus events into Pulse streams until closed.
	Forwarder struct {
		client   pulsec.Client
		sub      *events.Subscription
		streamID func(events.Event) (string, error)

		wg        sync.WaitGroup
		closeOnce sync.Once
	}

	// envelope is the wire shape of a forwarded event.
	envelope struct {
		Kind      string       `json:"kind"`
		RequestID string       `json:"request_id"`
		Seq       uint64       `json:"seq"`
		Stage     string       `json:"stage,omitempty"`
		Timestamp time.Time    `json:"timestamp"`
		Event     events.Event `json:"event"`
	}
)

const defaultBuffer = 256

// New starts a forwarder. Close stops it and releases the bus subscription.
func New(ctx context.Context, opts Options) (*Forwarder, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	if opts.StreamID == nil {
		opts.StreamID = defaultStreamID
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}

	f := &Forwarder{
		client:   opts.Client,
		sub:      opts.Bus.Subscribe(events.SubscribeOptions{Buffer: opts.Buffer}),
		streamID: opts.StreamID,
	}
	f.wg.Add(1)
	go f.pump(ctx)
	return f, nil
}

// Dropped reports how many events the bus discarded because the forwarder
// fell behind.
func (f *Forwarder) Dropped() uint64 {
	return f.sub.Dropped()
}

// Close stops forwarding and waits for the pump to drain.
func (f *Forwarder) Close(ctx context.Context) error {
	f.closeOnce.Do(func() {
		f.sub.Close()
		f.wg.Wait()
	})
	return f.client.Close(ctx)
}

func (f *Forwarder) pump(ctx context.Context) {
	defer f.wg.Done()
	for evt := range f.sub.Events() {
		if err := f.forward(ctx, evt); err != nil {
			log.Errorf(ctx, err, "forward event %d for %s", evt.Seq, evt.RequestID)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, evt events.Event) error {
	name, err := f.streamID(evt)
	if err != nil {
		return err
	}
	stream, err := f.client.Stream(name)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		Kind:      string(evt.Kind),
		RequestID: evt.RequestID,
		Seq:       evt.Seq,
		Stage:     evt.Stage,
		Timestamp: evt.Timestamp,
		Event:     evt,
	})
	if err != nil {
		return err
	}
	_, err = stream.Add(ctx, string(evt.Kind), payload)
	return err
}

func defaultStreamID(evt events.Event) (string, error) {
	if evt.RequestID == "" {
		return "", errors.New("event missing request id")
	}
	return fmt.Sprintf("burn/%s", evt.RequestID), nil
}
