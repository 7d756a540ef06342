package weather

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// FingerprintDim is the fixed dimension of weather condition fingerprints.
const FingerprintDim = 128

// Fingerprint encodes a current snapshot plus its hourly forecast into a
// 128-dimension unit vector suitable for cosine nearest-neighbor search.
//
// Layout (32 dimensions each):
//
//	[0,32)    current conditions (harmonic encoding of 8 scaled features)
//	[32,64)   forecast trend (deltas of the same features, last vs first hour)
//	[64,96)   diurnal phase harmonics of the observation hour
//	[96,128)  seasonal phase harmonics of the day of year
//
// The vector is normalized to unit magnitude; a degenerate all-zero encoding
// falls back to a fixed basis vector so the result is always unit length.
func Fingerprint(current Snapshot, hourly []Snapshot) []float64 {
	v := make([]float64, FingerprintDim)

	cur := featureVector(current)
	encodeFeatures(v[0:32], cur)

	if len(hourly) >= 2 {
		first := featureVector(hourly[0])
		last := featureVector(hourly[len(hourly)-1])
		trend := make([]float64, len(cur))
		for i := range trend {
			trend[i] = last[i] - first[i]
		}
		encodeFeatures(v[32:64], trend)
	}

	hour := float64(current.Timestamp.Hour()) + float64(current.Timestamp.Minute())/60
	encodePhase(v[64:96], hour/24)

	doy := float64(current.Timestamp.YearDay())
	encodePhase(v[96:128], doy/365.25)

	norm := floats.Norm(v, 2)
	if norm == 0 {
		v[0] = 1
		return v
	}
	floats.Scale(1/norm, v)
	return v
}

// featureVector scales the snapshot into 8 features roughly in [-1, 1].
func featureVector(s Snapshot) []float64 {
	s = Normalize(s)
	rad := s.WindDir * math.Pi / 180
	return []float64{
		(s.TempC + 40) / 89, // [-40, 49] → [0, 1]
		s.Humidity / 100,
		s.WindSpeed / 45,
		math.Sin(rad),
		math.Cos(rad),
		s.PrecipProb / 100,
		math.Min(s.VisibilityKM, 20) / 20,
		float64(s.Stability-StabilityA) / 5,
	}
}

// encodeFeatures spreads each feature across four harmonic slots so nearby
// feature values produce nearby encodings under cosine similarity.
func encodeFeatures(dst []float64, features []float64) {
	for i, f := range features {
		base := i * 4
		if base+3 >= len(dst) {
			break
		}
		dst[base] = math.Sin(math.Pi * f)
		dst[base+1] = math.Cos(math.Pi * f)
		dst[base+2] = math.Sin(2 * math.Pi * f)
		dst[base+3] = math.Cos(2 * math.Pi * f)
	}
}

// encodePhase writes sin/cos harmonics of a cyclic phase in [0, 1).
func encodePhase(dst []float64, phase float64) {
	n := len(dst) / 2
	for k := 0; k < n; k++ {
		angle := 2 * math.Pi * float64(k+1) * phase
		// Damp higher harmonics so the leading ones dominate similarity.
		w := 1 / math.Sqrt(float64(k+1))
		dst[2*k] = w * math.Sin(angle)
		dst[2*k+1] = w * math.Cos(angle)
	}
}
