package schedule

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/ctessum/geom"
	"github.com/stretchr/testify/require"

	"github.com/burnshed/burnshed/burn"
	"github.com/burnshed/burnshed/runtime/conflict"
	"github.com/burnshed/burnshed/runtime/weather"
)

var targetDate = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

// candidate places a burn northOffsetM meters north of a fixed origin with a
// 400 m radius and a two-hour duration.
func candidate(id string, northOffsetM float64, w burn.Window, priority float64) Candidate {
	return Candidate{
		Burn: conflict.Burn{
			ID:        id,
			Centroid:  geom.Point{X: -121.74, Y: 38.5 + northOffsetM/111_320},
			RadiusM:   400,
			Duration:  2 * time.Hour,
			Q:         0.15,
			Height:    150,
			WindSpeed: 3,
			Stability: weather.StabilityD,
		},
		Window:   w,
		Priority: priority,
	}
}

func TestOptimizeEmpty(t *testing.T) {
	o := New(Config{Seed: 42}, nil)
	res, err := o.Optimize(context.Background(), targetDate, nil)
	require.NoError(t, err)
	require.Empty(t, res.Assignments)
	require.Zero(t, res.Score)
	require.Zero(t, res.Iterations)
	require.Equal(t, ReasonConverged, res.Reason)
}

// randomCandidates builds n burns scattered over a ~20 km box with random
// plume parameters, windows, and priorities drawn from the given seed.
func randomCandidates(n int, seed int64) []Candidate {
	rng := rand.New(rand.NewSource(seed))
	cands := make([]Candidate, n)
	for i := range cands {
		start := 6 + rng.Intn(10)
		end := start + 2 + rng.Intn(6)
		if end > 24 {
			end = 24
		}
		cands[i] = Candidate{
			Burn: conflict.Burn{
				ID: fmt.Sprintf("burn-%02d", i),
				Centroid: geom.Point{
					X: -121.74 + rng.Float64()*0.2,
					Y: 38.3 + rng.Float64()*0.2,
				},
				RadiusM:   200 + rng.Float64()*600,
				Duration:  time.Duration(1+rng.Intn(4)) * time.Hour,
				Q:         0.05 + rng.Float64()*0.3,
				Height:    80 + rng.Float64()*120,
				WindSpeed: 1 + rng.Float64()*6,
				Stability: weather.StabilityD,
			},
			Window:   burn.Window{Start: start, End: end},
			Priority: float64(rng.Intn(11)),
		}
	}
	return cands
}

func TestOptimizeDeterministic(t *testing.T) {
	cands := randomCandidates(50, 42)

	o1 := New(Config{Seed: 42}, nil)
	r1, err := o1.Optimize(context.Background(), targetDate, cands)
	require.NoError(t, err)
	require.Len(t, r1.Assignments, 50)

	o2 := New(Config{Seed: 42}, nil)
	r2, err := o2.Optimize(context.Background(), targetDate, cands)
	require.NoError(t, err)

	require.Equal(t, r1.Assignments, r2.Assignments)
	require.Equal(t, r1.Score, r2.Score)
	require.Equal(t, r1.History, r2.History)
	require.Equal(t, r1.Iterations, r2.Iterations)
	require.Equal(t, r1.Reheats, r2.Reheats)
}

func TestOptimizeAssignmentsStayInWindows(t *testing.T) {
	cands := []Candidate{
		candidate("a", 0, burn.Window{Start: 8, End: 12}, 5),
		candidate("b", 600, burn.Window{Start: 9, End: 14}, 5),
		candidate("c", 20_000, burn.Window{Start: 6, End: 7}, 1),
	}
	o := New(Config{Seed: 7}, nil)
	res, err := o.Optimize(context.Background(), targetDate, cands)
	require.NoError(t, err)
	require.Len(t, res.Assignments, 3)

	for _, c := range cands {
		start, ok := res.Assignments[c.Burn.ID]
		require.True(t, ok)
		hour := start.Sub(targetDate).Hours()
		require.True(t, c.Window.Contains(hour),
			"burn %s assigned %.2f outside [%d, %d)", c.Burn.ID, hour, c.Window.Start, c.Window.End)
	}
}

func TestOptimizeSeparatesConflictingBurns(t *testing.T) {
	// Two burns 600 m apart with eight-hour windows and two-hour durations:
	// the spatial conflict is unavoidable, but the annealer should pull the
	// burn times apart.
	cands := []Candidate{
		candidate("a", 0, burn.Window{Start: 8, End: 16}, 5),
		candidate("b", 600, burn.Window{Start: 8, End: 16}, 5),
	}
	o := New(Config{Seed: 42}, nil)
	res, err := o.Optimize(context.Background(), targetDate, cands)
	require.NoError(t, err)

	for _, rec := range res.Conflicts {
		require.Zero(t, rec.TimeOverlapHours,
			"pair %s/%s still overlaps in time", rec.A, rec.B)
	}
}

func TestOptimizeCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cands := []Candidate{
		candidate("a", 0, burn.Window{Start: 8, End: 16}, 5),
		candidate("b", 600, burn.Window{Start: 8, End: 16}, 5),
	}
	o := New(Config{Seed: 42}, nil)
	res, err := o.Optimize(ctx, targetDate, cands)
	require.ErrorIs(t, err, burn.ErrCancelled)
	require.Equal(t, ReasonAborted, res.Reason)
	require.Zero(t, res.Iterations)
	// The initial assignment is still usable.
	require.Len(t, res.Assignments, 2)
}

func TestOptimizeCoercesInvalidConfig(t *testing.T) {
	cands := []Candidate{
		candidate("a", 0, burn.Window{Start: 8, End: 10}, 5),
	}
	o := New(Config{
		InitialTemp:   -10,
		FinalTemp:     500, // above T0: coerced
		Alpha:         7,
		MaxIterations: -3,
		ReheatFactor:  0.1,
		Seed:          1,
	}, nil)
	res, err := o.Optimize(context.Background(), targetDate, cands)
	require.NoError(t, err)
	require.LessOrEqual(t, res.Iterations, 5000)
	require.NotEmpty(t, res.History)
	for _, s := range res.History {
		require.LessOrEqual(t, s.Temperature, 100.0)
		require.GreaterOrEqual(t, s.Temperature, 1.0)
	}
}

func TestOptimizeInvalidWindow(t *testing.T) {
	cands := []Candidate{
		candidate("a", 0, burn.Window{Start: 16, End: 8}, 5),
	}
	o := New(Config{Seed: 1}, nil)
	_, err := o.Optimize(context.Background(), targetDate, cands)
	require.ErrorIs(t, err, burn.ErrShape)
}

func TestOptimizeReheats(t *testing.T) {
	cands := []Candidate{
		candidate("a", 0, burn.Window{Start: 8, End: 16}, 5),
		candidate("b", 600, burn.Window{Start: 8, End: 16}, 5),
	}
	o := New(Config{
		Seed:              42,
		ReheatThreshold:   10,
		ConvergenceWindow: 100_000, // never converge via the window
		MaxIterations:     2000,
	}, nil)
	res, err := o.Optimize(context.Background(), targetDate, cands)
	require.NoError(t, err)
	require.Equal(t, ReasonMaxIterations, res.Reason)
	require.Greater(t, res.Reheats, 0)
}

func TestEfficiencyConcurrency(t *testing.T) {
	cands := []Candidate{
		candidate("a", 0, burn.Window{Start: 8, End: 16}, 5),
		candidate("b", 600, burn.Window{Start: 8, End: 16}, 5),
	}
	// Same slot: full concurrency.
	require.InDelta(t, 0.0, efficiency(targetDate, cands, state{0, 0}), 1e-9)
	// Disjoint: slot 0 ends 10:00, slot 8 starts 10:00.
	require.InDelta(t, 1.0, efficiency(targetDate, cands, state{0, 8}), 1e-9)
}
