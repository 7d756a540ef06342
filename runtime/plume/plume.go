// Package plume implements the steady-state Gaussian dispersion model used
// to predict ground-level PM2.5 from a scheduled burn. It combines a
// fuel-specific emission rate, Briggs buoyant plume rise, and
// Pasquill-Gifford dispersion coefficients into a DispersionResult: receptor
// concentrations, a ground-level footprint, and the effective radius where
// concentrations fall below the short-term PM2.5 threshold.
//
// Numerics policy: every division carries a positive floor, every output is
// checked finite, and a non-finite concentration triggers one recomputation
// under the most unstable (highest sigma) class before the model reports
// burn.ErrNumeric.
package plume

import (
	"fmt"
	"math"

	"github.com/burnshed/burnshed/burn"
	"github.com/burnshed/burnshed/runtime/weather"
)

const (
	// Threshold is the short-term PM2.5 limit in µg/m³.
	Threshold = 35.0

	// minWindSpeed floors the transport wind to avoid the calm-wind
	// singularity in the concentration denominator.
	minWindSpeed = 0.5

	hectaresPerAcre = 0.40468564224

	// Temperature envelope of the dispersion tables. Inputs beyond these
	// bounds are clamped and the result flagged out-of-envelope.
	minTempC = -40.0
	maxTempC = 49.0

	// footprintRays is the number of equally spaced bearings in the
	// ground-level footprint.
	footprintRays = 16

	// radius search grid (meters).
	minRadius = 100.0
	maxRadius = 100_000.0
)

type (
	// Config tunes the model. Zero values select the defaults above; the
	// emission factor table defaults to burn.EmissionFactors and may be
	// overridden per deployment.
	Config struct {
		// EmissionFactors maps fuels to g per hectare (reference
		// intensity) released over the burn duration.
		EmissionFactors map[burn.Fuel]float64
		// Threshold is the PM2.5 limit defining the effective radius.
		Threshold float64
		// MinWind floors the transport wind speed in m/s.
		MinWind float64
	}

	// Ray is one bearing of the ground-level footprint.
	Ray struct {
		// BearingDeg is degrees clockwise from north.
		BearingDeg float64
		// RadiusM is the distance along the bearing to the threshold
		// crossing, in meters.
		RadiusM float64
	}

	// Result is the dispersion prediction for one burn under one weather
	// snapshot. All numeric fields are finite.
	Result struct {
		// RequestID links the result to its burn request.
		RequestID string
		// Q is the PM2.5 emission rate in g/s.
		Q float64
		// EffectiveHeight is the plume centerline height in meters.
		EffectiveHeight float64
		// SigmaY and SigmaZ are the dispersion coefficients (m) at the
		// 1 km reference distance.
		SigmaY float64
		SigmaZ float64
		// MaxPM25 holds centerline ground concentrations (µg/m³) at the
		// standard receptor distances 1, 5, 10, and 25 km.
		MaxPM25 map[int]float64
		// Footprint is the ground-level threshold contour as rays.
		Footprint []Ray
		// RadiusM is the effective radius: the smallest downwind
		// distance beyond which concentrations stay at or below the
		// threshold. Always > 0.
		RadiusM float64
		// PoorDispersion marks calm-wind results where the transport
		// wind was floored.
		PoorDispersion bool
		// OutOfEnvelope marks results computed from clamped inputs.
		OutOfEnvelope bool
		// Stability echoes the class used for the sigma curves.
		Stability weather.StabilityClass
	}

	// Model computes dispersion results.
	Model struct {
		cfg Config
	}
)

// receptorKM lists the standard receptor distances.
var receptorKM = []int{1, 5, 10, 25}

// New returns a Model with defaults applied for zero-valued Config fields.
func New(cfg Config) *Model {
	if cfg.EmissionFactors == nil {
		cfg.EmissionFactors = burn.EmissionFactors
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = Threshold
	}
	if cfg.MinWind <= 0 {
		cfg.MinWind = minWindSpeed
	}
	return &Model{cfg: cfg}
}

// EmissionRate computes the sustained PM2.5 release rate in g/s: field
// hectares times the fuel emission factor times the intensity factor,
// divided by the burn duration in seconds.
func (m *Model) EmissionRate(req *burn.Request) (float64, error) {
	factor, ok := m.cfg.EmissionFactors[req.Fuel]
	if !ok {
		return 0, fmt.Errorf("plume: no emission factor for fuel %q", req.Fuel)
	}
	intensity, ok := burn.IntensityFactors[req.Intensity]
	if !ok {
		intensity = 1.0
	}
	hectares := req.Acres * hectaresPerAcre
	seconds := math.Max(req.Duration().Seconds(), 3600)
	return hectares * factor * intensity / seconds, nil
}

// Predict computes the dispersion result for req under snapshot w.
//
// Calm wind (below the floor) is clamped and flagged rather than treated as
// infinite concentration. Temperatures outside the table envelope are
// clamped and flagged but still produce a result. A non-finite output under
// the snapshot's stability class is recomputed once under class A; if that
// is still non-finite the model fails with burn.ErrNumeric.
func (m *Model) Predict(req *burn.Request, w weather.Snapshot) (Result, error) {
	w = weather.Normalize(w)

	outOfEnvelope := false
	tempC := w.TempC
	if tempC < minTempC {
		tempC, outOfEnvelope = minTempC, true
	}
	if tempC > maxTempC {
		tempC, outOfEnvelope = maxTempC, true
	}

	poor := w.WindSpeed < m.cfg.MinWind
	u := math.Max(w.WindSpeed, m.cfg.MinWind)

	q, err := m.EmissionRate(req)
	if err != nil {
		return Result{}, err
	}

	res, ok := m.predictClass(req, w.Stability, q, u, tempC, w.WindDir)
	if !ok {
		// Worst-case fallback: most unstable class.
		res, ok = m.predictClass(req, weather.StabilityA, q, u, tempC, w.WindDir)
		if !ok {
			return Result{}, fmt.Errorf("plume: request %s: %w", req.ID, burn.ErrNumeric)
		}
	}
	res.PoorDispersion = poor
	res.OutOfEnvelope = outOfEnvelope
	return res, nil
}

// Concentration returns the ground-level concentration in µg/m³ at downwind
// distance x and crosswind offset y (meters) for the given emission rate,
// wind speed, effective height, and stability class.
func Concentration(q, u, h float64, class weather.StabilityClass, x, y float64) float64 {
	if x < 1 {
		x = 1
	}
	u = math.Max(u, minWindSpeed)
	sy, sz := sigmaYZ(class, x)
	c := q / (math.Pi * u * sy * sz) *
		math.Exp(-y*y/(2*sy*sy)) *
		math.Exp(-h*h/(2*sz*sz))
	return c * 1e6 // g/m³ → µg/m³
}

func (m *Model) predictClass(req *burn.Request, class weather.StabilityClass, q, u, tempC, windDir float64) (Result, bool) {
	h := briggsRise(q, u, tempC, class)

	centerline := func(x float64) float64 {
		return Concentration(q, u, h, class, x, 0)
	}

	radius := m.effectiveRadius(centerline)

	maxPM := make(map[int]float64, len(receptorKM))
	for _, km := range receptorKM {
		maxPM[km] = centerline(float64(km) * 1000)
	}

	sy, sz := sigmaYZ(class, 1000)
	res := Result{
		RequestID:       req.ID,
		Q:               q,
		EffectiveHeight: h,
		SigmaY:          sy,
		SigmaZ:          sz,
		MaxPM25:         maxPM,
		RadiusM:         radius,
		Stability:       class,
		Footprint:       footprint(radius, windDir),
	}
	return res, finite(&res)
}

// effectiveRadius finds the smallest downwind distance beyond which the
// centerline concentration stays at or below the threshold. It scans a
// logarithmic grid for the last above-threshold point and bisects the
// bracketing interval. The result is floored at the minimum grid distance so
// it is always positive.
func (m *Model) effectiveRadius(c func(x float64) float64) float64 {
	const gridSteps = 60
	lastAbove := -1
	xs := make([]float64, gridSteps+1)
	ratio := math.Log(maxRadius / minRadius)
	for i := 0; i <= gridSteps; i++ {
		xs[i] = minRadius * math.Exp(ratio*float64(i)/gridSteps)
		if c(xs[i]) > m.cfg.Threshold {
			lastAbove = i
		}
	}
	if lastAbove < 0 {
		return minRadius
	}
	if lastAbove == gridSteps {
		return maxRadius
	}
	lo, hi := xs[lastAbove], xs[lastAbove+1]
	for i := 0; i < 40 && hi-lo > 1; i++ {
		mid := (lo + hi) / 2
		if c(mid) > m.cfg.Threshold {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi
}

// footprint approximates the threshold contour as rays around the source.
// Smoke travels downwind (the reciprocal of the meteorological wind
// direction); ray lengths fall off with angular distance from the transport
// bearing, floored at a near-source disc.
func footprint(radius, windDir float64) []Ray {
	transport := math.Mod(windDir+180, 360)
	const angularSigma = 35.0 // degrees
	base := math.Min(radius, 200)
	rays := make([]Ray, footprintRays)
	for i := 0; i < footprintRays; i++ {
		bearing := float64(i) * 360 / footprintRays
		delta := angularDiff(bearing, transport)
		r := radius * math.Exp(-delta*delta/(2*angularSigma*angularSigma))
		rays[i] = Ray{BearingDeg: bearing, RadiusM: math.Max(r, base)}
	}
	return rays
}

func angularDiff(a, b float64) float64 {
	d := math.Abs(math.Mod(a-b+540, 360) - 180)
	return d
}

// finite verifies every numeric output of the result.
func finite(r *Result) bool {
	vals := []float64{r.Q, r.EffectiveHeight, r.SigmaY, r.SigmaZ, r.RadiusM}
	for _, v := range r.MaxPM25 {
		vals = append(vals, v)
	}
	for _, ray := range r.Footprint {
		vals = append(vals, ray.RadiusM)
	}
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return r.RadiusM > 0
}
