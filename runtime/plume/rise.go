package plume

import (
	"math"

	"github.com/burnshed/burnshed/runtime/weather"
)

const (
	gravity   = 9.80665 // m/s2
	airCp     = 1005.0  // J/kg/K
	airRho    = 1.2466  // kg/m3
	// heatPerEmission converts the PM2.5 emission rate (g/s) into the
	// sensible heat flux (W) of the fire front. Crop residue releases far
	// more heat than particulate mass; the ratio is calibrated so a
	// 100-acre wheat burn produces a plume rise of a few hundred meters.
	heatPerEmission = 2.5e4
)

// briggsRise computes buoyant plume rise (m) above a surface burn using
// Briggs' formulas. Surface burns have no physical stack, so the effective
// height is the rise itself. Stable classes (E, F) use the stable form with
// a fixed stability parameter; unstable and neutral classes use the
// buoyancy-flux break at F = 55 m4/s3.
//
// Every branch guards against non-finite intermediates; a NaN or infinite
// rise collapses to zero so the caller's worst-case fallback engages.
func briggsRise(q, windSpeed, tempC float64, class weather.StabilityClass) float64 {
	u := math.Max(windSpeed, minWindSpeed)
	tempK := tempC + 273.15
	if tempK < 180 || math.IsNaN(tempK) {
		tempK = 288.15
	}

	heat := q * heatPerEmission // W
	f := gravity * heat / (math.Pi * airCp * airRho * tempK)
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}

	var dh float64
	switch class {
	case weather.StabilityE, weather.StabilityF:
		// Stable: dh = 2.6 (F / (u s))^(1/3) with s ~ 0.02 K/m scaled.
		s := gravity / tempK * 0.02
		dh = 2.6 * math.Cbrt(f/(u*s))
	default:
		if f < 55 {
			dh = 21.425 * math.Pow(f, 0.75) / u
		} else {
			dh = 38.71 * math.Pow(f, 0.6) / u
		}
	}
	if math.IsNaN(dh) || math.IsInf(dh, 0) || dh < 0 {
		return 0
	}
	// Fire plumes rarely punch above the boundary layer; cap keeps the
	// exponential term in the concentration formula well behaved.
	return math.Min(dh, 1500)
}
