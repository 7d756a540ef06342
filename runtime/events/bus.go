package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type (
	// Bus fans events out to channel subscribers. Publish assigns the
	// per-request sequence number, appends the event to the request's
	// replay ring, and delivers it to every matching subscription without
	// blocking: a subscriber that cannot keep up loses events and its drop
	// counter records how many.
	//
	// The bus is safe for concurrent Publish, Subscribe, and Close.
	Bus struct {
		opts Options

		mu    sync.Mutex
		seqs  map[string]uint64
		rings map[string]*ring
		subs  map[*Subscription]struct{}
	}

	// Options configures a Bus. Zero values select defaults.
	Options struct {
		// ReplayDepth is the number of events retained per request for
		// cursor resume (default 200).
		ReplayDepth int
		// Buffer is the default subscription channel capacity (default 64).
		Buffer int
	}

	// SubscribeOptions filters a subscription. Zero values match everything.
	SubscribeOptions struct {
		// RequestID restricts delivery to one request. Required when
		// AfterSeq is set.
		RequestID string
		// Kinds restricts delivery to the listed kinds.
		Kinds []Kind
		// AfterSeq replays retained events with Seq > AfterSeq for
		// RequestID before live delivery begins. Zero replays nothing.
		AfterSeq uint64
		// Buffer overrides the bus default channel capacity.
		Buffer int
	}

	// Subscription is an active registration. Close is idempotent; the
	// event channel is closed when the subscription is.
	Subscription struct {
		bus     *Bus
		opts    SubscribeOptions
		kinds   map[Kind]struct{}
		ch      chan Event
		dropped atomic.Uint64
		once    sync.Once
	}

	// ring is a fixed-size circular buffer of the most recent events for
	// one request.
	ring struct {
		buf   []Event
		next  int
		total int
	}
)

// NewBus returns a Bus ready for use.
func NewBus(opts Options) *Bus {
	if opts.ReplayDepth <= 0 {
		opts.ReplayDepth = 200
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Bus{
		opts:  opts,
		seqs:  make(map[string]uint64),
		rings: make(map[string]*ring),
		subs:  make(map[*Subscription]struct{}),
	}
}

// Publish assigns evt its sequence number and timestamp, retains it for
// replay, and delivers it to matching subscribers. Returns the assigned
// sequence number.
func (b *Bus) Publish(evt Event) uint64 {
	b.mu.Lock()
	b.seqs[evt.RequestID]++
	evt.Seq = b.seqs[evt.RequestID]
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	r := b.rings[evt.RequestID]
	if r == nil {
		r = &ring{buf: make([]Event, b.opts.ReplayDepth)}
		b.rings[evt.RequestID] = r
	}
	r.append(evt)

	// Delivery is non-blocking, so it stays under the lock; this also keeps
	// sends ordered against Close, which closes the channel under the same
	// lock.
	for s := range b.subs {
		if s.matches(evt) {
			s.deliver(evt)
		}
	}
	b.mu.Unlock()
	return evt.Seq
}

// LastSeq returns the highest sequence number assigned for the request, zero
// when no events were published.
func (b *Bus) LastSeq(requestID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seqs[requestID]
}

// Forget drops the replay ring and sequence counter for a request. Called
// when a request reaches a terminal state and its history is persisted.
func (b *Bus) Forget(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rings, requestID)
	delete(b.seqs, requestID)
}

// Subscribe registers a new subscription. Replayed events (AfterSeq cursor)
// are queued before any live event; a replay that overflows the buffer counts
// into the drop counter like live overflow does.
func (b *Bus) Subscribe(opts SubscribeOptions) *Subscription {
	if opts.Buffer <= 0 {
		opts.Buffer = b.opts.Buffer
	}
	s := &Subscription{bus: b, opts: opts, ch: make(chan Event, opts.Buffer)}
	if len(opts.Kinds) > 0 {
		s.kinds = make(map[Kind]struct{}, len(opts.Kinds))
		for _, k := range opts.Kinds {
			s.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	if opts.AfterSeq > 0 && opts.RequestID != "" {
		if r := b.rings[opts.RequestID]; r != nil {
			for _, evt := range r.snapshot() {
				if evt.Seq > opts.AfterSeq && s.matches(evt) {
					s.deliver(evt)
				}
			}
		}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped returns the number of events lost to a full buffer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription and closes its channel. Idempotent.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (s *Subscription) matches(evt Event) bool {
	if s.opts.RequestID != "" && s.opts.RequestID != evt.RequestID {
		return false
	}
	if s.kinds != nil {
		if _, ok := s.kinds[evt.Kind]; !ok {
			return false
		}
	}
	return true
}

// deliver sends without blocking; a full buffer drops the event.
func (s *Subscription) deliver(evt Event) {
	select {
	case s.ch <- evt:
	default:
		s.dropped.Add(1)
	}
}

func (r *ring) append(evt Event) {
	r.buf[r.next] = evt
	r.next = (r.next + 1) % len(r.buf)
	if r.total < len(r.buf) {
		r.total++
	}
}

// snapshot returns retained events oldest first.
func (r *ring) snapshot() []Event {
	out := make([]Event, 0, r.total)
	start := r.next - r.total
	for i := 0; i < r.total; i++ {
		out = append(out, r.buf[(start+i+len(r.buf))%len(r.buf)])
	}
	return out
}
