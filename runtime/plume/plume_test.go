package plume

import (
	"math"
	"testing"
	"time"

	"github.com/ctessum/geom"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/burnshed/burnshed/burn"
	"github.com/burnshed/burnshed/runtime/weather"
)

func testRequest(acres float64, fuel burn.Fuel) *burn.Request {
	return &burn.Request{
		ID:        "r1",
		Acres:     acres,
		Fuel:      fuel,
		Intensity: burn.IntensityModerate,
		Field: geom.Polygon{{
			{X: -121.74, Y: 38.544},
			{X: -121.73, Y: 38.544},
			{X: -121.73, Y: 38.552},
			{X: -121.74, Y: 38.552},
			{X: -121.74, Y: 38.544},
		}},
		Window: burn.Window{Start: 8, End: 16},
		Date:   time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}
}

func calmDay() weather.Snapshot {
	return weather.Snapshot{
		TempC:        20,
		Humidity:     45,
		WindSpeed:    3,
		WindDir:      200,
		VisibilityKM: 12,
		Stability:    weather.StabilityD,
		Timestamp:    time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestPredictHappyPath(t *testing.T) {
	m := New(Config{})
	res, err := m.Predict(testRequest(100, burn.FuelWheatStubble), calmDay())
	require.NoError(t, err)

	require.Greater(t, res.Q, 0.0)
	require.Greater(t, res.RadiusM, 0.0)
	require.False(t, res.PoorDispersion)
	require.False(t, res.OutOfEnvelope)
	require.Len(t, res.Footprint, footprintRays)

	// A moderate 100-acre wheat burn stays under the threshold at the
	// standard receptors on a neutral day.
	for km, pm := range res.MaxPM25 {
		require.Lessf(t, pm, Threshold, "receptor at %d km", km)
		require.False(t, math.IsNaN(pm))
	}
}

func TestPredictCalmWind(t *testing.T) {
	m := New(Config{})
	w := calmDay()
	w.WindSpeed = 0

	res, err := m.Predict(testRequest(100, burn.FuelWheatStubble), w)
	require.NoError(t, err)
	require.True(t, res.PoorDispersion)
	require.Greater(t, res.RadiusM, 0.0)
	for _, pm := range res.MaxPM25 {
		require.False(t, math.IsNaN(pm) || math.IsInf(pm, 0))
	}
}

func TestPredictTemperatureEnvelope(t *testing.T) {
	m := New(Config{})
	for _, temp := range []float64{-55, 60} {
		w := calmDay()
		w.TempC = temp
		res, err := m.Predict(testRequest(100, burn.FuelWheatStubble), w)
		require.NoError(t, err)
		require.True(t, res.OutOfEnvelope)
		require.Greater(t, res.RadiusM, 0.0)
	}
}

func TestPredictBoundaryConditions(t *testing.T) {
	m := New(Config{})
	cases := []weather.Snapshot{
		{TempC: -40, Humidity: 0, WindSpeed: 0, Stability: weather.StabilityF},
		{TempC: 49, Humidity: 100, WindSpeed: 45, Stability: weather.StabilityA},
		{TempC: 20, Humidity: 50, WindSpeed: 3, Stability: weather.StabilityD},
	}
	for _, w := range cases {
		res, err := m.Predict(testRequest(250, burn.FuelRiceStraw), w)
		require.NoError(t, err)
		require.Greater(t, res.RadiusM, 0.0)
		for _, ray := range res.Footprint {
			require.False(t, math.IsNaN(ray.RadiusM) || math.IsInf(ray.RadiusM, 0))
		}
	}
}

func TestLargerBurnSpreadsFurther(t *testing.T) {
	m := New(Config{})
	small, err := m.Predict(testRequest(50, burn.FuelGrass), calmDay())
	require.NoError(t, err)
	big := testRequest(400, burn.FuelRiceStraw)
	big.Intensity = burn.IntensityHigh
	large, err := m.Predict(big, calmDay())
	require.NoError(t, err)
	require.Greater(t, large.Q, small.Q)
	require.Greater(t, large.RadiusM, small.RadiusM)
}

func TestUnknownFuel(t *testing.T) {
	m := New(Config{})
	req := testRequest(100, burn.Fuel("kudzu"))
	_, err := m.Predict(req, calmDay())
	require.Error(t, err)
}

func TestConcentrationShape(t *testing.T) {
	// Symmetric in crosswind offset.
	cl := Concentration(1, 3, 0, weather.StabilityD, 2000, 150)
	cr := Concentration(1, 3, 0, weather.StabilityD, 2000, -150)
	require.InDelta(t, cl, cr, 1e-12)

	// Centerline beats off-axis.
	c0 := Concentration(1, 3, 0, weather.StabilityD, 2000, 0)
	require.Greater(t, c0, cl)

	// Far field decays.
	near := Concentration(1, 3, 0, weather.StabilityD, 1000, 0)
	far := Concentration(1, 3, 0, weather.StabilityD, 50000, 0)
	require.Greater(t, near, far)
}

func TestFootprintFavorsDownwind(t *testing.T) {
	rays := footprint(3000, 200) // wind from 200° → transport toward 20°
	var at20, at200 float64
	for _, r := range rays {
		if r.BearingDeg == 22.5 {
			at20 = r.RadiusM
		}
		if r.BearingDeg == 202.5 {
			at200 = r.RadiusM
		}
	}
	require.Greater(t, at20, at200)
}

func TestFingerprintUnitNorm(t *testing.T) {
	m := New(Config{})
	res, err := m.Predict(testRequest(100, burn.FuelWheatStubble), calmDay())
	require.NoError(t, err)

	v := Fingerprint(res)
	require.Len(t, v, FingerprintDim)
	norm := floats.Norm(v, 2)
	require.InDelta(t, 1.0, norm, 0.01)
}

func TestEmissionRateScalesWithIntensity(t *testing.T) {
	m := New(Config{})
	low := testRequest(100, burn.FuelWheatStubble)
	low.Intensity = burn.IntensityLow
	high := testRequest(100, burn.FuelWheatStubble)
	high.Intensity = burn.IntensityHigh

	ql, err := m.EmissionRate(low)
	require.NoError(t, err)
	qh, err := m.EmissionRate(high)
	require.NoError(t, err)
	require.InDelta(t, 1.5/0.6, qh/ql, 1e-9)
}
