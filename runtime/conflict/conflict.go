// Package conflict flags pairs of scheduled burns whose smoke plumes would
// interact dangerously in space and time. Detection runs in three passes:
// a coarse kilometer grid over burn centroids prunes the candidate pairs,
// exact haversine distances gate spatial proximity, and the Gaussian plume
// model scores the combined PM2.5 along the line connecting the pair.
//
// Records are canonical: the lexically smaller burn ID is always A, so a
// pair is never reported twice.
package conflict

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ctessum/geom"

	"github.com/burnshed/burnshed/burn"
	"github.com/burnshed/burnshed/runtime/plume"
	"github.com/burnshed/burnshed/runtime/weather"
)

type (
	// Kind classifies how the pair interacts.
	Kind string

	// Severity discretizes the continuous conflict score.
	Severity string

	// Burn is the detector's view of one scheduled burn: geometry,
	// timing, and the plume parameters needed to combine concentrations.
	Burn struct {
		// ID is the burn request identifier.
		ID string
		// Centroid is the field centroid in WGS84.
		Centroid geom.Point
		// RadiusM is the dispersion radius from the burn's prediction.
		RadiusM float64
		// Start is the assigned ignition time.
		Start time.Time
		// Duration is the expected burn duration.
		Duration time.Duration
		// Q is the emission rate in g/s.
		Q float64
		// Height is the effective plume height in meters.
		Height float64
		// WindSpeed is the transport wind in m/s.
		WindSpeed float64
		// Stability selects the dispersion curves.
		Stability weather.StabilityClass
	}

	// Record reports one interacting pair. A sorts before B.
	Record struct {
		A        string
		B        string
		Kind     Kind
		Severity Severity
		// Score is the continuous conflict score in (0, 1].
		Score float64
		// TimeOverlapHours is the shared burn time.
		TimeOverlapHours float64
		// PeakCombinedPM25 is the worst combined concentration (µg/m³)
		// sampled between the two centroids.
		PeakCombinedPM25 float64
		// DistanceM is the centroid separation.
		DistanceM float64
	}

	// Config tunes the detector. Zero values select defaults.
	Config struct {
		// CellSizeM is the grid cell edge in meters (default 1000).
		CellSizeM float64
		// SlackM widens the pairwise radius test (default 1000).
		SlackM float64
		// MaxBurns caps the per-date candidate set (default 500).
		// Larger sets fail with burn.ErrCapacity.
		MaxBurns int
		// Threshold is the PM2.5 limit used to normalize the combined
		// concentration term (default 35).
		Threshold float64
	}

	// Detector finds conflicts over a set of scheduled burns.
	Detector struct {
		cfg Config
	}

	cell struct{ cx, cy int }
)

const (
	KindSpatial  Kind = "spatial"
	KindTemporal Kind = "temporal"
	KindCombined Kind = "combined"
)

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severity score weights and cutoffs.
const (
	weightProximity = 0.4
	weightTime      = 0.3
	weightPM        = 0.3

	cutoffCritical = 0.8
	cutoffHigh     = 0.6
	cutoffMedium   = 0.3
)

// pairSamples is the number of points sampled between two centroids when
// combining concentrations.
const pairSamples = 9

// New returns a Detector with defaults applied.
func New(cfg Config) *Detector {
	if cfg.CellSizeM <= 0 {
		cfg.CellSizeM = 1000
	}
	if cfg.SlackM <= 0 {
		cfg.SlackM = 1000
	}
	if cfg.MaxBurns <= 0 {
		cfg.MaxBurns = 500
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = plume.Threshold
	}
	return &Detector{cfg: cfg}
}

// Detect returns every conflicting pair among the given burns, ordered by
// descending score. Fails with burn.ErrCapacity when the set exceeds the
// configured cap.
func (d *Detector) Detect(burns []Burn) ([]Record, error) {
	if len(burns) > d.cfg.MaxBurns {
		return nil, fmt.Errorf("conflict: %d burns exceeds cap %d: %w",
			len(burns), d.cfg.MaxBurns, burn.ErrCapacity)
	}
	if len(burns) < 2 {
		return nil, nil
	}

	grid, origin := d.index(burns)
	maxRadius := 0.0
	for _, b := range burns {
		maxRadius = math.Max(maxRadius, b.RadiusM)
	}

	seen := make(map[[2]string]bool)
	var out []Record
	for i := range burns {
		a := &burns[i]
		reach := a.RadiusM + maxRadius + d.cfg.SlackM
		for _, j := range d.candidates(grid, origin, a, reach) {
			if j == i {
				continue
			}
			b := &burns[j]
			key := pairKey(a.ID, b.ID)
			if seen[key] {
				continue
			}
			seen[key] = true
			if rec, ok := d.evaluate(a, b); ok {
				out = append(out, rec)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].A+out[i].B < out[j].A+out[j].B
	})
	return out, nil
}

// evaluate scores a candidate pair, returning false when the pair does not
// actually conflict.
func (d *Detector) evaluate(a, b *Burn) (Record, bool) {
	dist := burn.DistanceMeters(a.Centroid, b.Centroid)
	reach := a.RadiusM + b.RadiusM + d.cfg.SlackM
	if dist > reach {
		return Record{}, false
	}

	overlap := overlapHours(a, b)
	peak := d.combinedPeak(a, b, dist)

	proxNorm := clamp01(1 - dist/reach)
	timeNorm := 0.0
	if minDur := math.Min(a.Duration.Hours(), b.Duration.Hours()); minDur > 0 {
		timeNorm = clamp01(overlap / minDur)
	}
	pmNorm := clamp01(peak / d.cfg.Threshold)

	score := weightProximity*proxNorm + weightTime*timeNorm + weightPM*pmNorm
	if score <= 0 {
		return Record{}, false
	}

	kind := KindCombined
	switch {
	case overlap == 0:
		kind = KindSpatial
	case dist > a.RadiusM+b.RadiusM:
		// Overlapping in time but touching only through the slack margin.
		kind = KindTemporal
	}

	rec := Record{
		A:                a.ID,
		B:                b.ID,
		Kind:             kind,
		Severity:         severity(score),
		Score:            score,
		TimeOverlapHours: overlap,
		PeakCombinedPM25: peak,
		DistanceM:        dist,
	}
	if rec.A > rec.B {
		rec.A, rec.B = rec.B, rec.A
	}
	return rec, true
}

// combinedPeak samples the open line segment between the two centroids and
// sums each burn's centerline concentration at the sample point. The wind is
// conservatively assumed to blow along the connecting line, so each
// contribution uses the point's distance from its source as the downwind
// distance. Endpoints are excluded: exposure at the fire itself is not a
// pairwise interaction.
func (d *Detector) combinedPeak(a, b *Burn, dist float64) float64 {
	if a.Q <= 0 && b.Q <= 0 {
		return 0
	}
	peak := 0.0
	for s := 1; s < pairSamples; s++ {
		frac := float64(s) / pairSamples
		da := math.Max(dist*frac, 1)
		db := math.Max(dist*(1-frac), 1)
		ca := plume.Concentration(a.Q, a.WindSpeed, a.Height, a.Stability, da, 0)
		cb := plume.Concentration(b.Q, b.WindSpeed, b.Height, b.Stability, db, 0)
		peak = math.Max(peak, ca+cb)
	}
	return peak
}

func overlapHours(a, b *Burn) float64 {
	endA := a.Start.Add(a.Duration)
	endB := b.Start.Add(b.Duration)
	start := a.Start
	if b.Start.After(start) {
		start = b.Start
	}
	end := endA
	if endB.Before(end) {
		end = endB
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start).Hours()
}

// severity maps the continuous score onto the discrete scale.
func severity(score float64) Severity {
	switch {
	case score >= cutoffCritical:
		return SeverityCritical
	case score >= cutoffHigh:
		return SeverityHigh
	case score >= cutoffMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// index builds the coarse grid over projected centroid coordinates.
func (d *Detector) index(burns []Burn) (map[cell][]int, geom.Point) {
	origin := burns[0].Centroid
	grid := make(map[cell][]int, len(burns))
	for i, b := range burns {
		c := d.cellOf(origin, b.Centroid)
		grid[c] = append(grid[c], i)
	}
	return grid, origin
}

// candidates gathers burn indices whose cells lie within reach of a.
func (d *Detector) candidates(grid map[cell][]int, origin geom.Point, a *Burn, reach float64) []int {
	span := int(math.Ceil(reach/d.cfg.CellSizeM)) + 1
	center := d.cellOf(origin, a.Centroid)
	var out []int
	for dx := -span; dx <= span; dx++ {
		for dy := -span; dy <= span; dy++ {
			out = append(out, grid[cell{center.cx + dx, center.cy + dy}]...)
		}
	}
	return out
}

func (d *Detector) cellOf(origin, p geom.Point) cell {
	const metersPerDegLat = 111_320.0
	cosLat := math.Cos(origin.Y * math.Pi / 180)
	x := (p.X - origin.X) * metersPerDegLat * cosLat
	y := (p.Y - origin.Y) * metersPerDegLat
	return cell{
		cx: int(math.Floor(x / d.cfg.CellSizeM)),
		cy: int(math.Floor(y / d.cfg.CellSizeM)),
	}
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
