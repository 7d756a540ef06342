package weather

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/burnshed/burnshed/burn"
)

func TestNormalizeClampsEnvelope(t *testing.T) {
	s := Normalize(Snapshot{
		Humidity:     130,
		PrecipProb:   -4,
		WindSpeed:    90,
		VisibilityKM: math.Inf(1),
		TempC:        math.NaN(),
		WindDir:      -45,
	})
	require.Equal(t, 100.0, s.Humidity)
	require.Equal(t, 0.0, s.PrecipProb)
	require.Equal(t, 45.0, s.WindSpeed)
	require.Equal(t, 100.0, s.VisibilityKM)
	require.Equal(t, 15.0, s.TempC)
	require.Equal(t, 315.0, s.WindDir)
	require.Equal(t, StabilityD, s.Stability)
}

func TestClassifyBands(t *testing.T) {
	noon := time.Date(2026, 7, 10, 12, 0, 0, 0, time.UTC)
	midnight := time.Date(2026, 7, 10, 2, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		wind  float64
		ts    time.Time
		cloud float64
		want  StabilityClass
	}{
		{"calm clear day", 1.0, noon, 0.1, StabilityA},
		{"moderate clear day", 4.0, noon, 0.1, StabilityB},
		{"strong wind day", 7.0, noon, 0.1, StabilityC},
		{"overcast day breeze", 7.0, noon, 0.9, StabilityD},
		{"calm clear night", 1.5, midnight, 0.1, StabilityF},
		{"breezy clear night", 4.0, midnight, 0.1, StabilityE},
		{"windy night", 6.0, midnight, 0.1, StabilityD},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.wind, tc.ts, tc.cloud))
		})
	}
}

func TestUnsafeThresholds(t *testing.T) {
	base := Snapshot{WindSpeed: 3, Humidity: 45, VisibilityKM: 10, PrecipProb: 10}

	ok, _ := Unsafe(base)
	require.False(t, ok)

	windy := base
	windy.WindSpeed = 14
	ok, reason := Unsafe(windy)
	require.True(t, ok)
	require.Contains(t, reason, "wind")

	dry := base
	dry.Humidity = 10
	ok, _ = Unsafe(dry)
	require.True(t, ok)

	foggy := base
	foggy.VisibilityKM = 1
	ok, _ = Unsafe(foggy)
	require.True(t, ok)

	rainy := base
	rainy.PrecipProb = 70
	ok, _ = Unsafe(rainy)
	require.True(t, ok)
}

func TestFingerprintUnitNorm(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("fingerprints are unit vectors", prop.ForAll(
		func(temp, hum, wind, dir float64, hour int) bool {
			s := Snapshot{
				TempC:        temp,
				Humidity:     hum,
				WindSpeed:    wind,
				WindDir:      dir,
				VisibilityKM: 10,
				Stability:    StabilityD,
				Timestamp:    time.Date(2026, 8, 27, hour, 0, 0, 0, time.UTC),
			}
			v := Fingerprint(s, nil)
			if len(v) != FingerprintDim {
				return false
			}
			norm := floats.Norm(v, 2)
			return norm > 0.99 && norm < 1.01
		},
		gen.Float64Range(-60, 60),
		gen.Float64Range(-10, 120),
		gen.Float64Range(0, 50),
		gen.Float64Range(-360, 720),
		gen.IntRange(0, 23),
	))

	properties.TestingRun(t)
}

func TestFingerprintSimilarConditionsAreClose(t *testing.T) {
	ts := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	a := Snapshot{TempC: 20, Humidity: 45, WindSpeed: 3, WindDir: 180, VisibilityKM: 10, Stability: StabilityD, Timestamp: ts}
	b := a
	b.TempC = 21
	c := a
	c.WindSpeed = 30
	c.Humidity = 5
	c.Stability = StabilityA

	va, vb, vc := Fingerprint(a, nil), Fingerprint(b, nil), Fingerprint(c, nil)
	simAB := floats.Dot(va, vb)
	simAC := floats.Dot(va, vc)
	require.Greater(t, simAB, simAC)
	require.Greater(t, simAB, 0.95)
}

func TestMockDeterminism(t *testing.T) {
	ctx := context.Background()
	date := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	w := burn.Window{Start: 8, End: 16}

	m1 := NewMock(MockOptions{})
	m2 := NewMock(MockOptions{})
	f1, err := m1.Forecast(ctx, 38.544, -121.740, date, w)
	require.NoError(t, err)
	f2, err := m2.Forecast(ctx, 38.544, -121.740, date, w)
	require.NoError(t, err)
	require.Equal(t, f1, f2)
	require.Len(t, f1, 8)

	other, err := m1.Forecast(ctx, 40.0, -120.0, date, w)
	require.NoError(t, err)
	require.NotEqual(t, f1, other)
}

func TestMockScriptedFailures(t *testing.T) {
	ctx := context.Background()
	m := NewMock(MockOptions{})
	m.FailWith(burn.ErrUnavailable, burn.ErrUnavailable)

	_, err := m.Current(ctx, 38.5, -121.7)
	require.ErrorIs(t, err, burn.ErrUnavailable)
	_, err = m.Current(ctx, 38.5, -121.7)
	require.ErrorIs(t, err, burn.ErrUnavailable)
	_, err = m.Current(ctx, 38.5, -121.7)
	require.NoError(t, err)
}
