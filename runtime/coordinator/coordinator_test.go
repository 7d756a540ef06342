package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ctessum/geom"
	"github.com/stretchr/testify/require"

	"github.com/burnshed/burnshed/burn"
	"github.com/burnshed/burnshed/runtime/events"
	"github.com/burnshed/burnshed/runtime/metrics"
	"github.com/burnshed/burnshed/runtime/notify"
	"github.com/burnshed/burnshed/runtime/schedule"
	"github.com/burnshed/burnshed/runtime/vstore"
	"github.com/burnshed/burnshed/runtime/weather"
)

const (
	waitFor = 15 * time.Second
	tick    = 20 * time.Millisecond
)

func burnDate() time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, 7)
}

func submission(farm string) burn.Request {
	return burn.Request{
		FarmID: farm,
		Field: geom.Polygon{{
			{X: -121.74, Y: 38.544},
			{X: -121.73, Y: 38.544},
			{X: -121.73, Y: 38.552},
			{X: -121.74, Y: 38.552},
			{X: -121.74, Y: 38.544},
		}},
		Acres:    190,
		Fuel:     burn.FuelWheatStubble,
		Date:     burnDate(),
		Window:   burn.Window{Start: 8, End: 16},
		Priority: 5,
		Contact:  burn.Contact{Method: "sms", Handle: "+15305551212"},
	}
}

func unsafeSnapshot() *weather.Snapshot {
	return &weather.Snapshot{
		TempC: 30, Humidity: 40, WindSpeed: 14, WindDir: 200,
		VisibilityKM: 10, Stability: weather.StabilityB,
	}
}

func newTestCoordinator(t *testing.T, mutate func(*Options)) (*Coordinator, *weather.Mock) {
	t.Helper()
	wmock := weather.NewMock(weather.MockOptions{})
	opts := Options{
		Store:    vstore.NewMem(),
		Weather:  wmock,
		Notifier: notify.NewMock(notify.MockOptions{}),
		// Keep annealing cheap; two workers expose concurrency bugs without
		// slowing the suite down.
		Optimizer:     schedule.New(schedule.Config{Seed: 1, MaxIterations: 500}, nil),
		Workers:       2,
		QueueCapacity: 8,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, wmock
}

func waitForState(t *testing.T, c *Coordinator, id string, want burn.State) burn.Request {
	t.Helper()
	var req burn.Request
	require.Eventually(t, func() bool {
		st, err := c.Status(context.Background(), id)
		if err != nil {
			return false
		}
		req = st.Request
		return req.State == want
	}, waitFor, tick, "request %s never reached %s (last %s)", id, want, req.State)
	return req
}

func collect(t *testing.T, sub *events.Subscription, done func(events.Event) bool) []events.Event {
	t.Helper()
	var out []events.Event
	timeout := time.After(waitFor)
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, evt)
			if done(evt) {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out after %d events", len(out))
		}
	}
}

func TestRequestRunsToDone(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	id, err := c.Submit(ctx, submission("farm-1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sub := c.Events(events.SubscribeOptions{RequestID: id, Buffer: 256})
	defer sub.Close()

	final := waitForState(t, c, id, burn.StateDone)
	require.Greater(t, final.MaxRadius, 0.0)

	evts := collect(t, sub, func(e events.Event) bool {
		return e.Kind == events.KindStageCompleted && e.Stage == "pipeline"
	})

	// Sequences are dense per request: no subscriber-visible gaps.
	for i, e := range evts {
		require.Equal(t, uint64(i+1), e.Seq)
		require.Equal(t, id, e.RequestID)
	}

	var started []string
	for _, e := range evts {
		if e.Kind == events.KindStageStarted {
			started = append(started, e.Stage)
		}
	}
	require.Equal(t, []string{
		"validate", "weather-assess", "smoke-predict", "schedule-optimize", "alert",
	}, started)
}

func TestScheduleAndConflictsReadable(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx := context.Background()
	date := burnDate()

	id, err := c.Submit(ctx, submission("farm-1"))
	require.NoError(t, err)
	waitForState(t, c, id, burn.StateDone)

	sched, err := c.ScheduleFor(ctx, date)
	require.NoError(t, err)
	start, ok := sched.Assignments[id]
	require.True(t, ok)
	require.True(t, start.After(date) || start.Equal(date.Add(8*time.Hour)))

	_, err = c.ConflictsFor(ctx, date)
	require.NoError(t, err)
}

func TestValidationFailureRejects(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	bad := submission("farm-1")
	bad.Acres = 5000

	id, err := c.Submit(ctx, bad)
	require.NoError(t, err)

	sub := c.Events(events.SubscribeOptions{RequestID: id, Buffer: 64})
	defer sub.Close()

	waitForState(t, c, id, burn.StateRejected)
	evts := collect(t, sub, func(e events.Event) bool { return e.Kind == events.KindError })
	last := evts[len(evts)-1]
	require.Equal(t, "validation", last.Error.Kind)
}

func TestUnsafeWeatherApprovalResumes(t *testing.T) {
	c, wmock := newTestCoordinator(t, nil)
	wmock.SetFixed(unsafeSnapshot())
	ctx := context.Background()

	id, err := c.Submit(ctx, submission("farm-1"))
	require.NoError(t, err)

	sub := c.Events(events.SubscribeOptions{RequestID: id, Buffer: 256})
	defer sub.Close()

	require.Eventually(t, func() bool {
		st, err := c.Status(ctx, id)
		return err == nil && st.PendingApproval
	}, waitFor, tick)
	require.Contains(t, c.Pending(), id)

	require.NoError(t, c.Approve(id))
	waitForState(t, c, id, burn.StateDone)

	evts := collect(t, sub, func(e events.Event) bool {
		return e.Kind == events.KindStageCompleted && e.Stage == "pipeline"
	})
	var sawApproval bool
	for _, e := range evts {
		if e.Kind == events.KindApprovalRequired {
			sawApproval = true
			require.NotEmpty(t, e.Approval.Reasons)
		}
	}
	require.True(t, sawApproval)
}

func TestUnsafeWeatherRejection(t *testing.T) {
	c, wmock := newTestCoordinator(t, nil)
	wmock.SetFixed(unsafeSnapshot())
	ctx := context.Background()

	id, err := c.Submit(ctx, submission("farm-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := c.Status(ctx, id)
		return err == nil && st.PendingApproval
	}, waitFor, tick)

	require.NoError(t, c.Reject(id))
	waitForState(t, c, id, burn.StateRejected)
}

func TestCancelWhilePaused(t *testing.T) {
	c, wmock := newTestCoordinator(t, nil)
	wmock.SetFixed(unsafeSnapshot())
	ctx := context.Background()

	id, err := c.Submit(ctx, submission("farm-1"))
	require.NoError(t, err)

	sub := c.Events(events.SubscribeOptions{RequestID: id, Buffer: 256})
	defer sub.Close()

	require.Eventually(t, func() bool {
		st, err := c.Status(ctx, id)
		return err == nil && st.PendingApproval
	}, waitFor, tick)

	require.NoError(t, c.Cancel(id))
	final := waitForState(t, c, id, burn.StateFailed)
	require.False(t, final.UpdatedAt.IsZero())

	evts := collect(t, sub, func(e events.Event) bool { return e.Kind == events.KindError })
	last := evts[len(evts)-1]
	require.Equal(t, "cancelled", last.Error.Kind)

	// The pause bookkeeping is released and the run deregisters.
	require.Empty(t, c.Pending())
	require.Eventually(t, func() bool {
		return errors.Is(c.Cancel(id), burn.ErrNotFound)
	}, waitFor, tick)
}

func TestSubmitBackpressure(t *testing.T) {
	c, wmock := newTestCoordinator(t, func(o *Options) {
		o.Workers = 1
		o.QueueCapacity = 1
	})
	wmock.SetFixed(unsafeSnapshot())
	ctx := context.Background()

	// First request occupies the only worker at the approval pause.
	id1, err := c.Submit(ctx, submission("farm-1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := c.Status(ctx, id1)
		return err == nil && st.PendingApproval
	}, waitFor, tick)

	// Second fills the queue; third must bounce.
	_, err = c.Submit(ctx, submission("farm-2"))
	require.NoError(t, err)
	_, err = c.Submit(ctx, submission("farm-3"))
	require.ErrorIs(t, err, burn.ErrBackpressure)
}

func TestSubmitAfterClose(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	c.Close()
	_, err := c.Submit(context.Background(), submission("farm-1"))
	require.ErrorIs(t, err, burn.ErrUnavailable)
}

func TestStatusUnknown(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	_, err := c.Status(context.Background(), "nope")
	require.ErrorIs(t, err, burn.ErrNotFound)
}

func TestNewRequiresFacades(t *testing.T) {
	_, err := New(context.Background(), Options{})
	require.Error(t, err)

	_, err = New(context.Background(), Options{Store: vstore.NewMem()})
	require.Error(t, err)
}

func TestStatsFlushedAfterProcessing(t *testing.T) {
	c, _ := newTestCoordinator(t, func(o *Options) {
		o.Metrics = metrics.New()
	})
	ctx := context.Background()

	id, err := c.Submit(ctx, submission("farm-1"))
	require.NoError(t, err)
	waitForState(t, c, id, burn.StateDone)

	// The per-request flush advances the reporting baselines, so each cache
	// counter is published exactly once.
	require.Eventually(t, func() bool {
		c.statsMu.Lock()
		defer c.statsMu.Unlock()
		base, ok := c.cacheBase["weather.current"]
		return ok && base.Misses > 0
	}, waitFor, tick)

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	for _, st := range c.CacheStats() {
		require.Equal(t, st, c.cacheBase[st.Name])
	}
}

func TestTwoBurnsSameDateGetScheduled(t *testing.T) {
	c, _ := newTestCoordinator(t, nil)
	ctx := context.Background()
	date := burnDate()

	a := submission("farm-a")
	b := submission("farm-b")
	// Shift the second field ~900 m north so the burns are close neighbors.
	for i := range b.Field[0] {
		b.Field[0][i].Y += 0.008
	}

	idA, err := c.Submit(ctx, a)
	require.NoError(t, err)
	idB, err := c.Submit(ctx, b)
	require.NoError(t, err)

	waitForState(t, c, idA, burn.StateDone)
	waitForState(t, c, idB, burn.StateDone)

	sched, err := c.ScheduleFor(ctx, date)
	require.NoError(t, err)
	_, okA := sched.Assignments[idA]
	_, okB := sched.Assignments[idB]
	require.True(t, okA)
	require.True(t, okB)
}
