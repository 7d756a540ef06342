package plume

import (
	"math"

	"github.com/burnshed/burnshed/runtime/weather"
)

// Pasquill-Gifford dispersion coefficients, Martin (1976) power-law fit:
// sigma_y = a * x^0.894 and sigma_z = c * x^d + f with x in kilometers and
// sigmas in meters. sigma_z uses separate fits below and above 1 km.
type sigmaCoeff struct {
	a          float64
	cNear      float64
	dNear      float64
	fNear      float64
	cFar       float64
	dFar       float64
	fFar       float64
}

var sigmaTable = map[weather.StabilityClass]sigmaCoeff{
	weather.StabilityA: {213, 440.8, 1.941, 9.27, 459.7, 2.094, -9.6},
	weather.StabilityB: {156, 106.6, 1.149, 3.3, 108.2, 1.098, 2.0},
	weather.StabilityC: {104, 61.0, 0.911, 0, 61.0, 0.911, 0},
	weather.StabilityD: {68, 33.2, 0.725, -1.7, 44.5, 0.516, -13.0},
	weather.StabilityE: {50.5, 22.8, 0.678, -1.3, 55.4, 0.305, -34.0},
	weather.StabilityF: {34, 14.35, 0.740, -0.35, 62.6, 0.180, -48.6},
}

// sigmaYZ returns the crosswind and vertical dispersion coefficients in
// meters at downwind distance x meters for the given stability class. Both
// are floored at 1 m so concentration denominators stay positive.
func sigmaYZ(class weather.StabilityClass, x float64) (sy, sz float64) {
	co, ok := sigmaTable[class]
	if !ok {
		co = sigmaTable[weather.StabilityD]
	}
	xkm := math.Max(x, 1) / 1000
	sy = co.a * math.Pow(xkm, 0.894)
	if xkm <= 1 {
		sz = co.cNear*math.Pow(xkm, co.dNear) + co.fNear
	} else {
		sz = co.cFar*math.Pow(xkm, co.dFar) + co.fFar
	}
	if sy < 1 || math.IsNaN(sy) {
		sy = 1
	}
	if sz < 1 || math.IsNaN(sz) {
		sz = 1
	}
	// Cap sigma_z: beyond full vertical mixing the Gaussian form loses
	// meaning and the cap keeps far-field values finite.
	if sz > 5000 {
		sz = 5000
	}
	return sy, sz
}
