// Package weather defines the weather provider facade consumed by the
// pipeline, the Pasquill stability classification, and the 128-dimension
// condition fingerprint used for similarity search over historical weather.
//
// Backends implement Provider: a deterministic mock (mock mode and tests)
// and an HTTP provider under features/weather. Provider failures use the
// domain taxonomy: burn.ErrUnavailable for transient faults, burn.ErrAuth
// for credential failures, and burn.RateLimitedError when the provider asks
// callers to back off.
package weather

import (
	"context"
	"math"
	"time"

	"github.com/burnshed/burnshed/burn"
)

type (
	// StabilityClass is the Pasquill atmospheric stability category,
	// A (very unstable) through F (very stable).
	StabilityClass byte

	// Snapshot captures point-in-time conditions at a location. All
	// numeric fields are finite after Normalize.
	Snapshot struct {
		// Lat and Lon locate the observation in WGS84.
		Lat float64
		Lon float64
		// TempC is air temperature in degrees Celsius.
		TempC float64
		// Humidity is relative humidity in percent, clamped to [0, 100].
		Humidity float64
		// WindSpeed is in m/s.
		WindSpeed float64
		// WindDir is degrees from north, clockwise, in [0, 360).
		WindDir float64
		// PrecipProb is precipitation probability in percent.
		PrecipProb float64
		// VisibilityKM is horizontal visibility in kilometers.
		VisibilityKM float64
		// Stability is the Pasquill class derived from wind speed and
		// insolation.
		Stability StabilityClass
		// Timestamp is the observation time (UTC).
		Timestamp time.Time
	}

	// Provider fetches current and forecast conditions for a coordinate.
	Provider interface {
		// Current returns present conditions at (lat, lon).
		Current(ctx context.Context, lat, lon float64) (Snapshot, error)

		// Forecast returns hourly snapshots for the local date, filtered
		// to the burn window, in chronological order.
		Forecast(ctx context.Context, lat, lon float64, date time.Time, window burn.Window) ([]Snapshot, error)
	}
)

const (
	StabilityA StabilityClass = 'A'
	StabilityB StabilityClass = 'B'
	StabilityC StabilityClass = 'C'
	StabilityD StabilityClass = 'D'
	StabilityE StabilityClass = 'E'
	StabilityF StabilityClass = 'F'
)

func (c StabilityClass) String() string { return string(rune(c)) }

// Valid reports whether c is one of A-F.
func (c StabilityClass) Valid() bool { return c >= StabilityA && c <= StabilityF }

// Unsafe thresholds for stage B approval gating.
const (
	unsafeWindSpeed  = 11.0 // m/s
	unsafeHumidity   = 15.0 // percent, below
	unsafeVisibility = 3.0  // km, below
	unsafePrecip     = 60.0 // percent, above
)

// Unsafe reports whether the snapshot indicates conditions requiring human
// approval before a burn proceeds, along with the first triggered reason.
func Unsafe(s Snapshot) (bool, string) {
	switch {
	case s.WindSpeed > unsafeWindSpeed:
		return true, "wind speed above 11 m/s"
	case s.Humidity < unsafeHumidity:
		return true, "humidity below 15%"
	case s.VisibilityKM < unsafeVisibility:
		return true, "visibility below 3 km"
	case s.PrecipProb > unsafePrecip:
		return true, "precipitation probability above 60%"
	default:
		return false, ""
	}
}

// Normalize clamps fields into their physical envelopes and replaces
// non-finite values with conservative defaults. It returns the normalized
// snapshot; inputs are never mutated.
func Normalize(s Snapshot) Snapshot {
	s.Humidity = clamp(finiteOr(s.Humidity, 50), 0, 100)
	s.PrecipProb = clamp(finiteOr(s.PrecipProb, 0), 0, 100)
	s.WindSpeed = clamp(finiteOr(s.WindSpeed, 0), 0, 45)
	s.TempC = finiteOr(s.TempC, 15)
	s.VisibilityKM = clamp(finiteOr(s.VisibilityKM, 10), 0, 100)
	s.WindDir = math.Mod(finiteOr(s.WindDir, 0), 360)
	if s.WindDir < 0 {
		s.WindDir += 360
	}
	if !s.Stability.Valid() {
		s.Stability = StabilityD
	}
	return s
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
