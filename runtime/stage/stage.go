// Package stage implements the five pipeline stages a burn request passes
// through: validate, weather-assess, smoke-predict, schedule-optimize, and
// alert. Each stage is a pure function over the shared dependency set with an
// explicit time budget; the coordinator applies the budget, advances the
// request state machine, and handles pauses.
//
// Stages classify their failures with the domain taxonomy: fatal errors
// (validation, credentials, numeric) reject the request, transient provider
// errors are retried with exponential backoff inside the budget, and an
// unsafe-weather pause surfaces as *PauseError for the coordinator to hold
// until an operator decides.
package stage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/burnshed/burnshed/burn"
	"github.com/burnshed/burnshed/runtime/breaker"
	"github.com/burnshed/burnshed/runtime/cache"
	"github.com/burnshed/burnshed/runtime/conflict"
	"github.com/burnshed/burnshed/runtime/events"
	"github.com/burnshed/burnshed/runtime/metrics"
	"github.com/burnshed/burnshed/runtime/notify"
	"github.com/burnshed/burnshed/runtime/plume"
	"github.com/burnshed/burnshed/runtime/schedule"
	"github.com/burnshed/burnshed/runtime/vstore"
	"github.com/burnshed/burnshed/runtime/weather"
)

type (
	// RunFunc executes one stage against the shared dependencies, mutating
	// the request in place. The context carries the stage budget.
	RunFunc func(ctx context.Context, d *Deps, req *burn.Request) error

	// Stage pairs a pipeline stage with its time budget.
	Stage struct {
		Name   string
		Budget time.Duration
		Run    RunFunc
	}

	// Deps is the dependency set shared by all stages. Store, Weather,
	// and Notifier are required; nil observability fields are tolerated.
	Deps struct {
		Store    vstore.Store
		Weather  weather.Provider
		Notifier notify.Notifier

		Plume     *plume.Model
		Detector  *conflict.Detector
		Optimizer *schedule.Optimizer

		Bus       *events.Bus
		Breakers  *breaker.Group
		Metrics   *metrics.Metrics
		Approvals *Approvals

		CurrentCache  *cache.Cache[weather.Snapshot]
		ForecastCache *cache.Cache[[]weather.Snapshot]
		NearestCache  *cache.Cache[[]vstore.Match]

		// Now overrides the clock in tests.
		Now func() time.Time
	}
)

// Stage names, in pipeline order.
const (
	Validate      = "validate"
	WeatherAssess = "weather-assess"
	SmokePredict  = "smoke-predict"
	Optimize      = "schedule-optimize"
	Alert         = "alert"
)

// Per-stage budgets.
const (
	BudgetValidate = 200 * time.Millisecond
	BudgetWeather  = 25 * time.Second
	BudgetPredict  = 5 * time.Second
	BudgetOptimize = 30 * time.Second
	BudgetAlert    = 10 * time.Second
)

// Pipeline returns the five stages in execution order.
func Pipeline() []Stage {
	return []Stage{
		{Name: Validate, Budget: BudgetValidate, Run: runValidate},
		{Name: WeatherAssess, Budget: BudgetWeather, Run: runWeatherAssess},
		{Name: SmokePredict, Budget: BudgetPredict, Run: runPredict},
		{Name: Optimize, Budget: BudgetOptimize, Run: runOptimize},
		{Name: Alert, Budget: BudgetAlert, Run: runAlert},
	}
}

// TotalBudget is the sum of all stage budgets.
func TotalBudget() time.Duration {
	var total time.Duration
	for _, s := range Pipeline() {
		total += s.Budget
	}
	return total
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func (d *Deps) publish(evt events.Event) {
	if d.Bus != nil {
		d.Bus.Publish(evt)
	}
}

// call runs fn behind the named breaker, retrying transient failures with
// exponential backoff until the stage context expires. Non-transient errors
// stop the retry loop immediately.
func (d *Deps) call(ctx context.Context, stageName, provider string, fn func() error) error {
	run := fn
	if d.Breakers != nil {
		br := d.Breakers.Get(stageName + "/" + provider)
		run = func() error { return br.Do(fn) }
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	op := func() error {
		err := run()
		if err == nil {
			return nil
		}
		if burn.Transient(err) {
			if d.Metrics != nil {
				d.Metrics.StageRetried(ctx, stageName)
			}
			waitRetryAfter(ctx, err)
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// waitRetryAfter honors a provider-requested rate-limit delay before the next
// retry attempt, capped by the stage deadline.
func waitRetryAfter(ctx context.Context, err error) {
	var rl *burn.RateLimitedError
	if !errors.As(err, &rl) || rl.RetryAfter <= 0 {
		return
	}
	delay := rl.RetryAfter
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < delay {
			delay = rem
		}
	}
	if delay <= 0 {
		return
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// nearest runs a vector search through the nearest-neighbor cache. Empty
// result sets are not cached: tables fill as the pipeline runs, and a pinned
// empty answer would hide new rows for the full TTL.
func (d *Deps) nearest(ctx context.Context, table, field string, probe []float64, k int) ([]vstore.Match, error) {
	if d.NearestCache == nil {
		return d.Store.Nearest(ctx, table, field, probe, k)
	}
	parts := make([]any, 0, len(probe)+3)
	parts = append(parts, table, field, k)
	for _, v := range probe {
		parts = append(parts, v)
	}
	key := cache.Key(parts...)
	if v, ok := d.NearestCache.Get(key); ok {
		return v, nil
	}
	v, err := d.Store.Nearest(ctx, table, field, probe, k)
	if err == nil && len(v) > 0 {
		d.NearestCache.Put(key, v)
	}
	return v, err
}

// budgetExhausted reports whether an error is a context deadline or
// cancellation bubbled through the retry loop.
func budgetExhausted(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
