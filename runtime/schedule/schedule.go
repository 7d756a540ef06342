// Package schedule assigns start times to a date's candidate burns with
// simulated annealing. Assignments are discretized to 15-minute slots inside
// each burn's operator window; the search maximizes a weighted objective that
// rewards conflict-free high-priority burns and early starts while penalizing
// detector conflicts on the candidate assignment.
package schedule

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/burnshed/burnshed/burn"
	"github.com/burnshed/burnshed/runtime/conflict"
)

type (
	// Candidate is one burn competing for a start time on the target date.
	Candidate struct {
		// Burn carries the geometry and plume parameters the conflict
		// detector scores. Start is ignored; the optimizer assigns it.
		Burn conflict.Burn
		// Window bounds the assigned start hour.
		Window burn.Window
		// Priority is the operator priority in [0, 10].
		Priority float64
	}

	// Sample is one point of the annealing trace.
	Sample struct {
		Iteration   int
		Temperature float64
		Score       float64
	}

	// Reason explains why the search stopped.
	Reason string

	// Result is the best schedule found for one date.
	Result struct {
		// Date is the target date at midnight UTC.
		Date time.Time
		// Assignments maps burn IDs to assigned start times on Date.
		Assignments map[string]time.Time
		// Score is the objective value of the best assignment.
		Score float64
		// Conflicts are the detector records under the best assignment.
		Conflicts []conflict.Record
		// Iterations is the number of annealing steps executed.
		Iterations int
		// Reheats counts temperature resets.
		Reheats int
		// History samples (iteration, temperature, best score).
		History []Sample
		// Reason is the termination reason.
		Reason Reason
	}

	// Config tunes the annealer. Invalid values are coerced to defaults
	// rather than rejected: a bad operator knob must not block scheduling.
	Config struct {
		// InitialTemp is T0 (default 100, must be > 0).
		InitialTemp float64
		// FinalTemp is the temperature floor (default 1, must be < T0).
		FinalTemp float64
		// Alpha is the geometric cooling rate (default 0.95, in (0, 1)).
		Alpha float64
		// MaxIterations bounds the search (default 5000, must be > 0).
		MaxIterations int
		// ReheatThreshold is the number of non-improving iterations before
		// a reheat (default 200).
		ReheatThreshold int
		// ReheatFactor multiplies the temperature on reheat (default 2,
		// must be > 1); the temperature is capped at T0.
		ReheatFactor float64
		// ConvergenceWindow and ConvergenceThreshold stop the search when
		// the relative best-score improvement over the window falls below
		// the threshold (defaults 500 and 1e-4). Reheats reset the window.
		ConvergenceWindow    int
		ConvergenceThreshold float64
		// Seed fixes the random source for reproducible runs. Zero seeds
		// from the wall clock.
		Seed int64
	}

	// Optimizer runs the annealing search.
	Optimizer struct {
		cfg      Config
		detector *conflict.Detector
	}

	// state is one point of the search: a slot index per candidate.
	state []int
)

const (
	ReasonConverged     Reason = "converged"
	ReasonMaxIterations Reason = "max_iterations_reached"
	ReasonAborted       Reason = "aborted"
)

// Objective weights.
const (
	weightPriority   = 0.4
	weightConflict   = 0.3
	weightTimeGap    = 0.2
	weightEfficiency = 0.1
)

const (
	slotMinutes  = 15
	slotsPerHour = 60 / slotMinutes

	historyStride = 50
)

// New returns an Optimizer over the given detector, coercing invalid config
// values to defaults. A nil detector gets the default detector.
func New(cfg Config, d *conflict.Detector) *Optimizer {
	if cfg.InitialTemp <= 0 {
		cfg.InitialTemp = 100
	}
	if cfg.FinalTemp <= 0 || cfg.FinalTemp >= cfg.InitialTemp {
		cfg.FinalTemp = 1
	}
	if cfg.Alpha <= 0 || cfg.Alpha >= 1 {
		cfg.Alpha = 0.95
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 5000
	}
	if cfg.ReheatThreshold <= 0 {
		cfg.ReheatThreshold = 200
	}
	if cfg.ReheatFactor <= 1 {
		cfg.ReheatFactor = 2
	}
	if cfg.ConvergenceWindow <= 0 {
		cfg.ConvergenceWindow = 500
	}
	if cfg.ConvergenceThreshold <= 0 {
		cfg.ConvergenceThreshold = 1e-4
	}
	if d == nil {
		d = conflict.New(conflict.Config{})
	}
	return &Optimizer{cfg: cfg, detector: d}
}

// Optimize searches for the best start-time assignment for the candidates on
// date. An empty candidate set returns an empty schedule with zero score and
// zero iterations. Cancellation is honored at iteration boundaries: the best
// assignment found so far is returned alongside burn.ErrCancelled.
func (o *Optimizer) Optimize(ctx context.Context, date time.Time, cands []Candidate) (Result, error) {
	res := Result{
		Date:        date,
		Assignments: map[string]time.Time{},
		Reason:      ReasonConverged,
	}
	if len(cands) == 0 {
		return res, nil
	}
	for _, c := range cands {
		if !c.Window.Valid() {
			return res, fmt.Errorf("schedule: candidate %s: invalid window [%d, %d): %w",
				c.Burn.ID, c.Window.Start, c.Window.End, burn.ErrShape)
		}
	}

	seed := o.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	cur := o.initial(rng, cands)
	curScore, err := o.score(date, cands, cur)
	if err != nil {
		return res, err
	}
	best := cur.clone()
	bestScore := curScore

	swappable := overlappingPairs(cands)

	temp := o.cfg.InitialTemp
	sinceImprove := 0
	windowStart := 0
	windowBest := bestScore

	k := 0
	reason := ReasonMaxIterations
	for ; k < o.cfg.MaxIterations; k++ {
		if err := ctx.Err(); err != nil {
			reason = ReasonAborted
			break
		}

		next := o.neighbor(rng, cands, cur, swappable)
		nextScore, err := o.score(date, cands, next)
		if err != nil {
			return res, err
		}

		if delta := nextScore - curScore; delta >= 0 ||
			rng.Float64() < math.Exp(delta/temp) {
			cur, curScore = next, nextScore
		}
		if curScore > bestScore {
			best, bestScore = cur.clone(), curScore
			sinceImprove = 0
		} else {
			sinceImprove++
		}

		if k%historyStride == 0 {
			res.History = append(res.History, Sample{Iteration: k, Temperature: temp, Score: bestScore})
		}

		if sinceImprove >= o.cfg.ReheatThreshold {
			temp = math.Min(o.cfg.InitialTemp, temp*o.cfg.ReheatFactor)
			res.Reheats++
			sinceImprove = 0
			// Reheats reset the convergence window.
			windowStart, windowBest = k, bestScore
		} else if k-windowStart >= o.cfg.ConvergenceWindow {
			rel := (bestScore - windowBest) / math.Max(math.Abs(windowBest), 1e-9)
			if rel < o.cfg.ConvergenceThreshold {
				reason = ReasonConverged
				k++
				break
			}
			windowStart, windowBest = k, bestScore
		}

		temp = math.Max(o.cfg.FinalTemp, temp*o.cfg.Alpha)
	}

	res.Iterations = k
	res.Reason = reason
	res.Score = bestScore
	for i, c := range cands {
		res.Assignments[c.Burn.ID] = slotTime(date, c.Window, best[i])
	}
	res.Conflicts, err = o.detector.Detect(assigned(date, cands, best))
	if err != nil {
		return res, err
	}
	if reason == ReasonAborted {
		return res, fmt.Errorf("schedule: optimize for %s: %w",
			date.Format("2006-01-02"), burn.ErrCancelled)
	}
	return res, nil
}

// initial assigns every candidate a uniform random slot in its window.
func (o *Optimizer) initial(rng *rand.Rand, cands []Candidate) state {
	s := make(state, len(cands))
	for i, c := range cands {
		s[i] = rng.Intn(slotCount(c.Window))
	}
	return s
}

// neighbor produces one random move: half the time a single-slot shift of one
// burn, otherwise a slot swap between two burns with overlapping windows
// (clamped into each window). Falls back to a shift when no windows overlap.
func (o *Optimizer) neighbor(rng *rand.Rand, cands []Candidate, cur state, swappable [][2]int) state {
	next := cur.clone()
	if rng.Float64() < 0.5 || len(swappable) == 0 {
		i := rng.Intn(len(cands))
		n := slotCount(cands[i].Window)
		if n == 1 {
			return next
		}
		d := 1
		if rng.Float64() < 0.5 {
			d = -1
		}
		next[i] = clampSlot(next[i]+d, n)
		return next
	}
	pair := swappable[rng.Intn(len(swappable))]
	i, j := pair[0], pair[1]
	hi := slotHour(cands[i].Window, cur[i])
	hj := slotHour(cands[j].Window, cur[j])
	next[i] = hourSlot(cands[i].Window, hj)
	next[j] = hourSlot(cands[j].Window, hi)
	return next
}

// score evaluates the objective for one assignment. Each term is normalized
// to [0, 1].
func (o *Optimizer) score(date time.Time, cands []Candidate, s state) (float64, error) {
	recs, err := o.detector.Detect(assigned(date, cands, s))
	if err != nil {
		return 0, err
	}

	inConflict := map[string]bool{}
	scoreSum := 0.0
	for _, r := range recs {
		inConflict[r.A] = true
		inConflict[r.B] = true
		scoreSum += r.Score
	}
	conflictPenalty := math.Min(1, scoreSum/float64(len(cands)))

	totalPri, freePri := 0.0, 0.0
	for _, c := range cands {
		totalPri += c.Priority
		if !inConflict[c.Burn.ID] {
			freePri += c.Priority
		}
	}
	prioritySat := 1.0
	if totalPri > 0 {
		prioritySat = freePri / totalPri
	}

	gapSum := 0.0
	for i, c := range cands {
		if n := slotCount(c.Window); n > 1 {
			gapSum += float64(s[i]) / float64(n-1)
		}
	}
	timeGap := gapSum / float64(len(cands))

	return weightPriority*prioritySat -
		weightConflict*conflictPenalty -
		weightTimeGap*timeGap +
		weightEfficiency*efficiency(date, cands, s), nil
}

// efficiency rewards assignments that spread burns out: 1 when no two burns
// run concurrently, falling linearly with peak concurrency.
func efficiency(date time.Time, cands []Candidate, s state) float64 {
	n := len(cands)
	if n < 2 {
		return 1
	}
	type edge struct {
		at    time.Time
		delta int
	}
	edges := make([]edge, 0, 2*n)
	for i, c := range cands {
		start := slotTime(date, c.Window, s[i])
		edges = append(edges,
			edge{at: start, delta: 1},
			edge{at: start.Add(c.Burn.Duration), delta: -1})
	}
	sort.Slice(edges, func(i, j int) bool {
		if !edges[i].at.Equal(edges[j].at) {
			return edges[i].at.Before(edges[j].at)
		}
		return edges[i].delta < edges[j].delta // ends before starts
	})
	peak, depth := 0, 0
	for _, e := range edges {
		depth += e.delta
		if depth > peak {
			peak = depth
		}
	}
	return 1 - float64(peak-1)/float64(n-1)
}

// assigned materializes the candidates with their assigned start times.
func assigned(date time.Time, cands []Candidate, s state) []conflict.Burn {
	out := make([]conflict.Burn, len(cands))
	for i, c := range cands {
		out[i] = c.Burn
		out[i].Start = slotTime(date, c.Window, s[i])
	}
	return out
}

// overlappingPairs precomputes the candidate index pairs eligible for swap
// moves: pairs whose operator windows share at least one hour.
func overlappingPairs(cands []Candidate) [][2]int {
	var out [][2]int
	for i := range cands {
		for j := i + 1; j < len(cands); j++ {
			wi, wj := cands[i].Window, cands[j].Window
			if wi.Start < wj.End && wj.Start < wi.End {
				out = append(out, [2]int{i, j})
			}
		}
	}
	return out
}

func slotCount(w burn.Window) int { return w.Hours() * slotsPerHour }

// slotHour converts a slot index to a fractional hour of day.
func slotHour(w burn.Window, slot int) float64 {
	return float64(w.Start) + float64(slot)/slotsPerHour
}

// hourSlot converts a fractional hour of day back to a slot index, clamped
// into the window.
func hourSlot(w burn.Window, hour float64) int {
	slot := int(math.Round((hour - float64(w.Start)) * slotsPerHour))
	return clampSlot(slot, slotCount(w))
}

func slotTime(date time.Time, w burn.Window, slot int) time.Time {
	return date.Add(time.Duration(slotHour(w, slot) * float64(time.Hour)))
}

func clampSlot(slot, n int) int {
	if slot < 0 {
		return 0
	}
	if slot >= n {
		return n - 1
	}
	return slot
}

func (s state) clone() state {
	out := make(state, len(s))
	copy(out, s)
	return out
}
