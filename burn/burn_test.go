package burn

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ctessum/geom"
	"github.com/stretchr/testify/require"
)

func TestWindow(t *testing.T) {
	cases := []struct {
		w     Window
		valid bool
	}{
		{Window{Start: 8, End: 16}, true},
		{Window{Start: 0, End: 24}, true},
		{Window{Start: 23, End: 24}, true},
		{Window{Start: 8, End: 8}, false},
		{Window{Start: 16, End: 8}, false},
		{Window{Start: -1, End: 8}, false},
		{Window{Start: 8, End: 25}, false},
	}
	for _, c := range cases {
		require.Equal(t, c.valid, c.w.Valid(), "window %+v", c.w)
	}

	w := Window{Start: 8, End: 16}
	require.Equal(t, 8, w.Hours())
	require.True(t, w.Contains(8))
	require.True(t, w.Contains(15.99))
	require.False(t, w.Contains(16))
	require.False(t, w.Contains(7.5))
}

func TestDurationClamps(t *testing.T) {
	cases := []struct {
		acres float64
		want  time.Duration
	}{
		{10, time.Hour},
		{50, time.Hour},
		{100, 2 * time.Hour},
		{190, time.Duration(3.8 * float64(time.Hour))},
		{1000, 8 * time.Hour},
	}
	for _, c := range cases {
		r := Request{Acres: c.acres}
		require.Equal(t, c.want, r.Duration(), "acres %.0f", c.acres)
	}
}

func TestNextStateWalksSuccessPath(t *testing.T) {
	s := StateReceived
	var seen []State
	for {
		next, ok := NextState(s)
		if !ok {
			break
		}
		seen = append(seen, next)
		s = next
	}
	require.Equal(t, []State{
		StateValidated, StateWeatherAssessed, StatePredicted,
		StateScheduled, StateAlerted, StateDone,
	}, seen)

	for _, terminal := range []State{StateDone, StateRejected, StateFailed} {
		_, ok := NextState(terminal)
		require.False(t, ok)
		require.True(t, terminal.Terminal())
	}
	require.False(t, StateScheduled.Terminal())
}

func TestAreaAcres(t *testing.T) {
	// Roughly 620 m x 890 m near Davis, CA: about 136 acres.
	field := geom.Polygon{{
		{X: -121.74, Y: 38.544},
		{X: -121.733, Y: 38.544},
		{X: -121.733, Y: 38.552},
		{X: -121.74, Y: 38.552},
		{X: -121.74, Y: 38.544},
	}}
	acres := AreaAcres(field)
	require.InDelta(t, 136, acres, 3)

	require.Zero(t, AreaAcres(geom.Polygon{}))
	require.Zero(t, AreaAcres(geom.Polygon{{{X: 0, Y: 0}, {X: 1, Y: 1}}}))
}

func TestDistanceAndBearing(t *testing.T) {
	a := geom.Point{X: -121.74, Y: 38.544}
	north := geom.Point{X: -121.74, Y: 38.553}
	east := geom.Point{X: -121.73, Y: 38.544}

	require.InDelta(t, 1002, DistanceMeters(a, north), 5)
	require.InDelta(t, 0, BearingDegrees(a, north), 0.5)
	require.InDelta(t, 90, BearingDegrees(a, east), 0.5)
	require.Zero(t, DistanceMeters(a, a))
}

func TestEmissionTablesCoverAllFuels(t *testing.T) {
	for _, f := range []Fuel{
		FuelWheatStubble, FuelRiceStraw, FuelCornStalks,
		FuelOrchardPrunings, FuelGrass,
	} {
		require.Positive(t, EmissionFactors[f], "fuel %s", f)
	}
	require.Equal(t, 1.0, IntensityFactors[IntensityModerate])
	require.Less(t, IntensityFactors[IntensityLow], IntensityFactors[IntensityHigh])
}

func TestErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		kind string
	}{
		{nil, ""},
		{&ValidationError{Fields: map[string]string{"acres": "too large"}}, "validation"},
		{&RateLimitedError{RetryAfter: time.Minute}, "rate_limited"},
		{fmt.Errorf("weather: %w", ErrAuth), "auth"},
		{fmt.Errorf("weather: %w", ErrUnavailable), "unavailable"},
		{ErrBackpressure, "backpressure"},
		{ErrCapacity, "capacity"},
		{ErrNumeric, "numeric"},
		{ErrCancelled, "cancelled"},
		{ErrNotFound, "not_found"},
		{ErrShape, "shape"},
		{errors.New("boom"), "internal"},
	}
	for _, c := range cases {
		require.Equal(t, c.kind, ErrorKind(c.err))
	}
}

func TestFatalAndTransientArePartitioned(t *testing.T) {
	fatal := []error{
		&ValidationError{},
		fmt.Errorf("notify: %w", ErrAuth),
		ErrNumeric,
	}
	transient := []error{
		fmt.Errorf("weather: %w", ErrUnavailable),
		&RateLimitedError{RetryAfter: time.Second},
	}
	for _, err := range fatal {
		require.True(t, Fatal(err), "%v", err)
		require.False(t, Transient(err), "%v", err)
	}
	for _, err := range transient {
		require.True(t, Transient(err), "%v", err)
		require.False(t, Fatal(err), "%v", err)
	}
	require.False(t, Fatal(ErrCancelled))
	require.False(t, Transient(ErrCancelled))
}

func TestValidationErrorMessageIsStable(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{
		"window": "start must precede end",
		"acres":  "must be positive",
	}}
	require.Equal(t,
		"validation failed: acres: must be positive; window: start must precede end",
		err.Error())
	require.Equal(t, "validation failed", (&ValidationError{}).Error())
}
