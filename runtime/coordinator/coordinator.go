// Package coordinator drives burn requests through the five-stage pipeline on
// a bounded worker pool. It owns the request lifecycle: submissions are queued
// with backpressure, workers apply per-stage budgets, unsafe-weather pauses
// wait for an operator decision outside any budget, and every state
// transition is persisted before its event is published.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/burnshed/burnshed/burn"
	"github.com/burnshed/burnshed/runtime/breaker"
	"github.com/burnshed/burnshed/runtime/cache"
	"github.com/burnshed/burnshed/runtime/conflict"
	"github.com/burnshed/burnshed/runtime/events"
	"github.com/burnshed/burnshed/runtime/metrics"
	"github.com/burnshed/burnshed/runtime/notify"
	"github.com/burnshed/burnshed/runtime/plume"
	"github.com/burnshed/burnshed/runtime/schedule"
	"github.com/burnshed/burnshed/runtime/stage"
	"github.com/burnshed/burnshed/runtime/vstore"
	"github.com/burnshed/burnshed/runtime/weather"
)

type (
	// Options configures a Coordinator. Store, Weather, and Notifier are
	// required; everything else defaults to a working in-process setup.
	Options struct {
		Store    vstore.Store
		Weather  weather.Provider
		Notifier notify.Notifier

		// Plume, Detector, and Optimizer override the default models.
		Plume     *plume.Model
		Detector  *conflict.Detector
		Optimizer *schedule.Optimizer

		// Bus receives pipeline events. Defaults to a new bus; retrieve it
		// with Events.
		Bus *events.Bus

		// Breakers guards provider calls. Defaults to a group wired to
		// Metrics.
		Breakers *breaker.Group

		// Metrics instruments the runtime. Nil disables instrumentation.
		Metrics *metrics.Metrics

		// Workers is the pipeline concurrency (default 8).
		Workers int

		// QueueCapacity bounds pending submissions (default 100). A full
		// queue rejects Submit with burn.ErrBackpressure.
		QueueCapacity int

		// WeatherCacheTTL bounds how long current-weather reads are served
		// from cache (default cache.TTLCurrentWeather).
		WeatherCacheTTL time.Duration

		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// Status is a point-in-time view of one request.
	Status struct {
		Request burn.Request
		// PendingApproval is true while the request waits for an operator
		// decision.
		PendingApproval bool
	}

	// Coordinator runs the pipeline.
	Coordinator struct {
		opts Options
		deps *stage.Deps

		root   context.Context
		cancel context.CancelFunc

		queue chan *burn.Request
		slots chan struct{}

		mu      sync.Mutex
		running map[string]context.CancelFunc
		dates   map[string]*sync.Mutex

		wg        sync.WaitGroup
		submitMu  sync.RWMutex
		closed    atomic.Bool
		closeOnce sync.Once

		journalSub *events.Subscription

		// statsMu guards the metric baselines so concurrent flushes publish
		// each hit, miss, and drop exactly once.
		statsMu     sync.Mutex
		cacheBase   map[string]cache.Stats
		droppedBase uint64
	}
)

const (
	defaultWorkers = 8
	defaultQueue   = 100
)

// New constructs a Coordinator and starts its worker pool. The context scopes
// the pool's lifetime and carries the logger; Close releases everything.
func New(ctx context.Context, opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("coordinator: Store is required")
	}
	if opts.Weather == nil {
		return nil, fmt.Errorf("coordinator: Weather is required")
	}
	if opts.Notifier == nil {
		return nil, fmt.Errorf("coordinator: Notifier is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueue
	}
	if opts.Plume == nil {
		opts.Plume = plume.New(plume.Config{})
	}
	if opts.Detector == nil {
		opts.Detector = conflict.New(conflict.Config{})
	}
	if opts.Optimizer == nil {
		opts.Optimizer = schedule.New(schedule.Config{}, opts.Detector)
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(events.Options{})
	}
	if opts.WeatherCacheTTL <= 0 {
		opts.WeatherCacheTTL = cache.TTLCurrentWeather
	}

	root, cancel := context.WithCancel(ctx)
	if opts.Breakers == nil {
		defaults := breaker.Options{}
		if m := opts.Metrics; m != nil {
			defaults.OnStateChange = func(name, from, to string) {
				if to == "open" || to == "latched" {
					m.BreakerOpened(root, name, to)
				}
			}
		}
		opts.Breakers = breaker.NewGroup(defaults)
	}

	c := &Coordinator{
		opts: opts,
		deps: &stage.Deps{
			Store:     opts.Store,
			Weather:   opts.Weather,
			Notifier:  opts.Notifier,
			Plume:     opts.Plume,
			Detector:  opts.Detector,
			Optimizer: opts.Optimizer,
			Bus:       opts.Bus,
			Breakers:  opts.Breakers,
			Metrics:   opts.Metrics,
			Approvals: stage.NewApprovals(),
			CurrentCache: cache.New[weather.Snapshot](
				"weather.current", cache.DefaultSize, opts.WeatherCacheTTL),
			ForecastCache: cache.New[[]weather.Snapshot](
				"weather.forecast", cache.DefaultSize, cache.TTLForecastWeather),
			NearestCache: cache.New[[]vstore.Match](
				"vstore.nearest", cache.DefaultSize, cache.TTLNearest),
			Now: opts.Now,
		},
		root:      root,
		cancel:    cancel,
		queue:     make(chan *burn.Request, opts.QueueCapacity),
		slots:     make(chan struct{}, opts.QueueCapacity),
		running:   make(map[string]context.CancelFunc),
		dates:     make(map[string]*sync.Mutex),
		cacheBase: make(map[string]cache.Stats),
	}
	c.journalSub = c.deps.Bus.Subscribe(events.SubscribeOptions{})

	for i := 0; i < opts.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	c.wg.Add(1)
	go c.journal()
	return c, nil
}

// Submit accepts a burn request for processing and returns its assigned ID.
// The request is persisted in the received state before Submit returns, so
// Status observes it immediately. A full queue fails with
// burn.ErrBackpressure; nothing is persisted in that case.
func (c *Coordinator) Submit(ctx context.Context, req burn.Request) (string, error) {
	c.submitMu.RLock()
	defer c.submitMu.RUnlock()
	if c.closed.Load() {
		return "", fmt.Errorf("coordinator: closed: %w", burn.ErrUnavailable)
	}
	select {
	case c.slots <- struct{}{}:
	default:
		if c.opts.Metrics != nil {
			c.opts.Metrics.Backpressure(ctx)
		}
		return "", fmt.Errorf("coordinator: queue full (%d pending): %w",
			c.opts.QueueCapacity, burn.ErrBackpressure)
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.State = burn.StateReceived
	req.UpdatedAt = c.now()
	if err := c.deps.Store.Put(ctx, vstore.TableBurnRequests,
		stage.RequestRecord(&req)); err != nil {
		<-c.slots
		return "", fmt.Errorf("coordinator: persist %s: %w", req.ID, err)
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.Submitted(ctx)
	}
	c.queue <- &req // capacity reserved above, never blocks
	return req.ID, nil
}

// Approve resumes a request paused on unsafe weather.
func (c *Coordinator) Approve(id string) error {
	return c.deps.Approvals.Resolve(id, true)
}

// Reject declines a paused request; the pipeline rejects it on resume.
func (c *Coordinator) Reject(id string) error {
	return c.deps.Approvals.Resolve(id, false)
}

// Cancel aborts an in-flight request. The request transitions to failed with
// a cancellation event. Unknown or already-finished requests fail with
// burn.ErrNotFound.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	cancel, ok := c.running[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("coordinator: request %s not running: %w", id, burn.ErrNotFound)
	}
	cancel()
	return nil
}

// Status returns the persisted view of a request.
func (c *Coordinator) Status(ctx context.Context, id string) (Status, error) {
	rec, err := c.deps.Store.Get(ctx, vstore.TableBurnRequests, id)
	if err != nil {
		return Status{}, err
	}
	req, err := stage.RecordRequest(rec)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Request:         req,
		PendingApproval: slices.Contains(c.deps.Approvals.Pending(), id),
	}, nil
}

// ScheduleFor returns the optimized schedule for a date.
func (c *Coordinator) ScheduleFor(ctx context.Context, date time.Time) (schedule.Result, error) {
	rec, err := c.deps.Store.Get(ctx, vstore.TableSchedules, stage.DateKey(date))
	if err != nil {
		return schedule.Result{}, err
	}
	return stage.RecordSchedule(rec)
}

// ConflictsFor returns the detected conflicts for a date's schedule.
func (c *Coordinator) ConflictsFor(ctx context.Context, date time.Time) ([]conflict.Record, error) {
	rec, err := c.deps.Store.Get(ctx, vstore.TableConflictRecords, stage.DateKey(date))
	if err != nil {
		return nil, err
	}
	return stage.RecordConflicts(rec)
}

// Events subscribes to the pipeline event stream.
func (c *Coordinator) Events(opts events.SubscribeOptions) *events.Subscription {
	return c.deps.Bus.Subscribe(opts)
}

// Pending lists request IDs waiting for an operator decision.
func (c *Coordinator) Pending() []string {
	return c.deps.Approvals.Pending()
}

// BreakerStates reports the state of every provider breaker by name.
func (c *Coordinator) BreakerStates() map[string]string {
	return c.deps.Breakers.States()
}

// CacheStats reports hit/miss counters for the runtime caches.
func (c *Coordinator) CacheStats() []cache.Stats {
	return []cache.Stats{
		c.deps.CurrentCache.Stats(),
		c.deps.ForecastCache.Stats(),
		c.deps.NearestCache.Stats(),
	}
}

// flushStats publishes cache hit/miss deltas and journal-subscription drops
// accumulated since the previous flush. Runs after every processed request
// and on Close.
func (c *Coordinator) flushStats(ctx context.Context) {
	m := c.opts.Metrics
	if m == nil {
		return
	}
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	for _, st := range c.CacheStats() {
		prev := c.cacheBase[st.Name]
		m.Cache(ctx, st.Name, st.Hits-prev.Hits, st.Misses-prev.Misses)
		c.cacheBase[st.Name] = st
	}
	dropped := c.journalSub.Dropped()
	m.EventsDropped(ctx, dropped-c.droppedBase)
	c.droppedBase = dropped
}

// Close stops the coordinator. In-flight requests are aborted and finish as
// failed; queued requests are drained the same way. Close is idempotent and
// returns once all workers have exited.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.submitMu.Lock()
		close(c.queue)
		c.submitMu.Unlock()
		c.wg.Wait()
		c.flushStats(context.WithoutCancel(c.root))
	})
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for req := range c.queue {
		<-c.slots // free the queue slot; in-flight work doesn't count against it
		c.process(req)
	}
}

// journal mirrors every bus event into the agent events table so request
// timelines survive restarts and power the status API.
func (c *Coordinator) journal() {
	defer c.wg.Done()
	sub := c.journalSub
	go func() {
		<-c.root.Done()
		sub.Close()
	}()
	ctx := context.WithoutCancel(c.root)
	for evt := range sub.Events() {
		rec := vstore.Record{
			ID: fmt.Sprintf("%s/%08d", evt.RequestID, evt.Seq),
			Fields: vstore.Fields{
				"request_id": evt.RequestID,
				"seq":        evt.Seq,
				"kind":       string(evt.Kind),
				"stage":      evt.Stage,
				"event":      evt,
			},
		}
		if err := c.deps.Store.Put(ctx, vstore.TableAgentEvents, rec); err != nil {
			log.Errorf(ctx, err, "journal event %d for %s", evt.Seq, evt.RequestID)
		}
	}
}

func (c *Coordinator) process(req *burn.Request) {
	ctx, cancel := context.WithCancel(c.root)
	defer cancel()

	c.mu.Lock()
	c.running[req.ID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, req.ID)
		c.mu.Unlock()
	}()

	c.run(ctx, req)
	c.flushStats(context.WithoutCancel(c.root))
}

// deadline is the wall-clock allowance for one full pipeline pass, with slack
// over the summed stage budgets for queueing and persistence.
func pipelineDeadline() time.Duration {
	total := stage.TotalBudget()
	return total + total/5
}

func (c *Coordinator) run(ctx context.Context, req *burn.Request) {
	began := time.Now()
	stages := stage.Pipeline()

	overall, ocancel := context.WithTimeout(ctx, pipelineDeadline())
	defer func() { ocancel() }()

	for i := 0; i < len(stages); {
		s := stages[i]
		c.deps.Bus.Publish(events.StageStarted(req.ID, s.Name))

		var unlock func()
		if s.Name == stage.Optimize {
			// Optimize rewrites the per-date schedule row; serialize runs
			// that target the same date.
			unlock = c.lockDate(req.Date)
		}
		stageStart := time.Now()
		sctx, scancel := context.WithTimeout(overall, s.Budget)
		err := s.Run(sctx, c.deps, req)
		scancel()
		if unlock != nil {
			unlock()
		}
		dur := time.Since(stageStart)
		if c.opts.Metrics != nil {
			c.opts.Metrics.StageCompleted(ctx, s.Name, dur, err)
		}

		var pause *stage.PauseError
		switch {
		case err == nil:
			if next, ok := burn.NextState(req.State); ok {
				req.State = next
			}
			req.UpdatedAt = c.now()
			if perr := c.persist(req); perr != nil {
				c.fail(ctx, req, s.Name, perr)
				return
			}
			c.deps.Bus.Publish(events.StageCompleted(req.ID, s.Name, string(req.State), dur))
			if i+1 < len(stages) {
				c.deps.Bus.Publish(events.Handoff(req.ID, s.Name, stages[i+1].Name, "stage complete"))
			}
			i++

		case errors.As(err, &pause):
			// The decision wait is unbounded: stage budgets cover machine
			// work, not humans. A fresh deadline covers the resumed run.
			ocancel()
			log.Printf(ctx, "request %s paused on %s: %v", req.ID, s.Name, pause.Reasons)
			decided := c.deps.Approvals.Wait(req.ID)
			select {
			case <-decided:
				overall, ocancel = context.WithTimeout(ctx, pipelineDeadline())
			case <-ctx.Done():
				c.deps.Approvals.Forget(req.ID)
				c.fail(ctx, req, s.Name,
					fmt.Errorf("cancelled while awaiting approval: %w", burn.ErrCancelled))
				return
			}

		case burn.Fatal(err):
			req.State = burn.StateRejected
			req.UpdatedAt = c.now()
			if perr := c.persist(req); perr != nil {
				log.Errorf(ctx, perr, "persist rejection of %s", req.ID)
			}
			c.deps.Bus.Publish(events.Failure(req.ID, s.Name, burn.ErrorKind(err), err.Error()))
			log.Printf(ctx, "request %s rejected at %s: %v", req.ID, s.Name, err)
			return

		default:
			if ctx.Err() != nil && !errors.Is(err, burn.ErrCancelled) {
				err = fmt.Errorf("%v: %w", err, burn.ErrCancelled)
			}
			c.fail(ctx, req, s.Name, err)
			return
		}
	}

	req.State = burn.StateDone
	req.UpdatedAt = c.now()
	if err := c.persist(req); err != nil {
		c.fail(ctx, req, "pipeline", err)
		return
	}
	c.deps.Bus.Publish(events.StageCompleted(req.ID, "pipeline", string(burn.StateDone),
		time.Since(began)))
	log.Printf(ctx, "request %s done in %s", req.ID, time.Since(began))
}

// fail transitions a request to the failed state and publishes the failure.
func (c *Coordinator) fail(ctx context.Context, req *burn.Request, stageName string, err error) {
	req.State = burn.StateFailed
	req.UpdatedAt = c.now()
	if perr := c.persist(req); perr != nil {
		log.Errorf(ctx, perr, "persist failure of %s", req.ID)
	}
	c.deps.Bus.Publish(events.Failure(req.ID, stageName, burn.ErrorKind(err), err.Error()))
	log.Printf(ctx, "request %s failed at %s: %v", req.ID, stageName, err)
}

// persist writes the request row regardless of in-flight cancellation so
// terminal states always land.
func (c *Coordinator) persist(req *burn.Request) error {
	ctx := context.WithoutCancel(c.root)
	return c.deps.Store.Put(ctx, vstore.TableBurnRequests, stage.RequestRecord(req))
}

func (c *Coordinator) now() time.Time {
	if c.opts.Now != nil {
		return c.opts.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Coordinator) lockDate(date time.Time) func() {
	key := stage.DateKey(date)
	c.mu.Lock()
	mu, ok := c.dates[key]
	if !ok {
		mu = &sync.Mutex{}
		c.dates[key] = mu
	}
	c.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}
