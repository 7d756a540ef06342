// Package burn defines the domain model shared by the coordination runtime:
// burn requests and their lifecycle, recognized crop fuels, burn windows, and
// the error taxonomy surfaced to callers.
//
// # Lifecycle
//
// A request advances through a strict state sequence as the pipeline runs:
//
//	received → validated → weather_assessed → predicted → scheduled → alerted → done
//
// A request may instead terminate in `rejected` (validation, credential, or
// numeric failures) or `failed` (budget exhaustion, cancellation). Terminal
// states are immutable: the coordinator never transitions a request out of
// done, rejected, or failed.
package burn

import (
	"math"
	"time"

	"github.com/ctessum/geom"
)

type (
	// State is the lifecycle state of a burn request.
	State string

	// Fuel identifies a recognized crop fuel type. The fuel selects the
	// emission factor used by the dispersion model.
	Fuel string

	// Intensity scales the emission rate of a burn relative to the
	// reference intensity for its fuel.
	Intensity string

	// Window is the operator-supplied half-open hour range [Start, End)
	// within which a burn may be scheduled on its preferred date.
	Window struct {
		// Start is the earliest hour (0-23, inclusive) the burn may ignite.
		Start int
		// End is the exclusive upper hour bound (1-24). End must be > Start.
		End int
	}

	// Contact identifies how a stakeholder is reached when alerts fire.
	Contact struct {
		// Method selects the delivery channel ("sms" or "broadcast").
		Method string
		// Handle is the channel-specific recipient address (phone number,
		// channel name). Opaque to the runtime.
		Handle string
	}

	// Request is an operator-submitted intent to burn a field. The ID is
	// assigned during validation; callers submit requests without one.
	Request struct {
		// ID uniquely identifies the request once validated. Assigned by
		// the validate stage (UUID).
		ID string
		// FarmID identifies the submitting farm.
		FarmID string
		// Field is the field boundary as a closed ring in WGS84
		// (longitude = X, latitude = Y).
		Field geom.Polygon
		// Acres is the operator-declared field acreage. Must be > 0 and
		// consistent with the polygon area within ±20%.
		Acres float64
		// Fuel is the crop fuel type.
		Fuel Fuel
		// Intensity is the declared burn intensity. Defaults to moderate.
		Intensity Intensity
		// Date is the preferred burn date at midnight UTC.
		Date time.Time
		// Window bounds the start time on Date.
		Window Window
		// Priority is the operator priority score in [0, 10].
		Priority float64
		// MaxRadius is the dispersion radius ceiling in meters, derived
		// during prediction. Zero until the predict stage runs.
		MaxRadius float64
		// Contact is the stakeholder alert target.
		Contact Contact
		// State is the current lifecycle state.
		State State
		// CreatedAt and UpdatedAt track persistence timestamps (UTC).
		CreatedAt time.Time
		UpdatedAt time.Time
	}
)

const (
	StateReceived        State = "received"
	StateValidated       State = "validated"
	StateWeatherAssessed State = "weather_assessed"
	StatePredicted       State = "predicted"
	StateScheduled       State = "scheduled"
	StateAlerted         State = "alerted"
	StateDone            State = "done"
	StateRejected        State = "rejected"
	StateFailed          State = "failed"
)

const (
	FuelWheatStubble    Fuel = "wheat_stubble"
	FuelRiceStraw       Fuel = "rice_straw"
	FuelCornStalks      Fuel = "corn_stalks"
	FuelOrchardPrunings Fuel = "orchard_prunings"
	FuelGrass           Fuel = "grass"
)

const (
	IntensityLow      Intensity = "low"
	IntensityModerate Intensity = "moderate"
	IntensityHigh     Intensity = "high"
)

// EmissionFactors maps each recognized fuel to its PM2.5 emission factor in
// g/s per hectare at reference intensity 1.0. The dispersion model copies
// this table into its configuration so deployments can override individual
// factors without patching the package.
var EmissionFactors = map[Fuel]float64{
	FuelWheatStubble:    12,
	FuelRiceStraw:       18,
	FuelCornStalks:      10,
	FuelOrchardPrunings: 8,
	FuelGrass:           6,
}

// IntensityFactors scales emission rates by declared burn intensity.
var IntensityFactors = map[Intensity]float64{
	IntensityLow:      0.6,
	IntensityModerate: 1.0,
	IntensityHigh:     1.5,
}

// Terminal reports whether the state is immutable.
func (s State) Terminal() bool {
	return s == StateDone || s == StateRejected || s == StateFailed
}

// Valid reports whether the window satisfies 0 <= Start < End <= 24.
func (w Window) Valid() bool {
	return w.Start >= 0 && w.Start < w.End && w.End <= 24
}

// Hours returns the window length in hours.
func (w Window) Hours() int { return w.End - w.Start }

// Contains reports whether the hour-of-day (fractional) lies inside the
// half-open window.
func (w Window) Contains(hour float64) bool {
	return hour >= float64(w.Start) && hour < float64(w.End)
}

// Duration returns the expected burn duration: one hour per 50 acres,
// clamped to [1h, 8h].
func (r *Request) Duration() time.Duration {
	hours := r.Acres / 50
	if hours < 1 {
		hours = 1
	}
	if hours > 8 {
		hours = 8
	}
	return time.Duration(hours * float64(time.Hour))
}

// Centroid returns the field centroid in WGS84 (lon = X, lat = Y).
func (r *Request) Centroid() geom.Point {
	return r.Field.Centroid()
}

// burnStates orders the success path for transition checks.
var burnStates = []State{
	StateReceived,
	StateValidated,
	StateWeatherAssessed,
	StatePredicted,
	StateScheduled,
	StateAlerted,
	StateDone,
}

// NextState returns the state following s on the success path and false when
// s is terminal or unknown.
func NextState(s State) (State, bool) {
	for i, st := range burnStates[:len(burnStates)-1] {
		if st == s {
			return burnStates[i+1], true
		}
	}
	return s, false
}

const (
	metersPerDegLat = 111_320.0
	acresPerSqMeter = 1.0 / 4046.8564224
)

// AreaAcres computes the polygon area in acres by projecting the ring into a
// local tangent plane around its centroid before applying the planar area
// formula. Accurate for field-sized polygons; not intended for regional
// geometries.
func AreaAcres(p geom.Polygon) float64 {
	if len(p) == 0 || len(p[0]) < 3 {
		return 0
	}
	c := p.Centroid()
	cosLat := math.Cos(c.Y * math.Pi / 180)
	proj := make(geom.Polygon, len(p))
	for i, ring := range p {
		pr := make([]geom.Point, len(ring))
		for j, pt := range ring {
			pr[j] = geom.Point{
				X: (pt.X - c.X) * metersPerDegLat * cosLat,
				Y: (pt.Y - c.Y) * metersPerDegLat,
			}
		}
		proj[i] = pr
	}
	return math.Abs(proj.Area()) * acresPerSqMeter
}

// DistanceMeters returns the haversine distance between two WGS84 points.
func DistanceMeters(a, b geom.Point) float64 {
	const earthRadius = 6_371_000.0
	lat1 := a.Y * math.Pi / 180
	lat2 := b.Y * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.X - a.X) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(h))
}

// BearingDegrees returns the initial bearing from a to b in degrees clockwise
// from north.
func BearingDegrees(a, b geom.Point) float64 {
	lat1 := a.Y * math.Pi / 180
	lat2 := b.Y * math.Pi / 180
	dLon := (b.X - a.X) * math.Pi / 180
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}
