package plume

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// FingerprintDim is the fixed dimension of plume fingerprints.
const FingerprintDim = 64

// Fingerprint encodes a dispersion result into a 64-dimension unit vector
// for similarity search over historical plumes.
//
// Layout: [0,32) harmonic encoding of 8 scaled scalars (emission rate,
// plume height, sigmas, radius, receptor concentrations, flags); [32,64)
// the normalized footprint profile and its first differences, capturing
// plume shape and directionality.
func Fingerprint(r Result) []float64 {
	v := make([]float64, FingerprintDim)

	scalars := []float64{
		squash(math.Log1p(r.Q)),
		squash(r.EffectiveHeight / 1500),
		squash(r.SigmaY / 1000),
		squash(r.SigmaZ / 1000),
		squash(math.Log1p(r.RadiusM) / math.Log1p(maxRadius)),
		squash(math.Log1p(r.MaxPM25[1]) / 10),
		squash(math.Log1p(r.MaxPM25[5]) / 10),
		flagBits(r),
	}
	for i, f := range scalars {
		base := i * 4
		v[base] = math.Sin(math.Pi * f)
		v[base+1] = math.Cos(math.Pi * f)
		v[base+2] = math.Sin(2 * math.Pi * f)
		v[base+3] = math.Cos(2 * math.Pi * f)
	}

	if n := len(r.Footprint); n > 0 {
		maxRay := 0.0
		for _, ray := range r.Footprint {
			maxRay = math.Max(maxRay, ray.RadiusM)
		}
		if maxRay > 0 {
			for i := 0; i < 16 && i < n; i++ {
				v[32+i] = r.Footprint[i].RadiusM / maxRay
			}
			for i := 0; i < 16 && i < n; i++ {
				next := r.Footprint[(i+1)%n].RadiusM / maxRay
				v[48+i] = next - r.Footprint[i].RadiusM/maxRay
			}
		}
	}

	norm := floats.Norm(v, 2)
	if norm == 0 {
		v[0] = 1
		return v
	}
	floats.Scale(1/norm, v)
	return v
}

// squash maps any finite value into [0, 1).
func squash(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return 1 / (1 + math.Exp(-f)) // logistic
}

func flagBits(r Result) float64 {
	f := 0.0
	if r.PoorDispersion {
		f += 0.5
	}
	if r.OutOfEnvelope {
		f += 0.25
	}
	return f
}
