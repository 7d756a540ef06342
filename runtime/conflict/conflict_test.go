package conflict

import (
	"fmt"
	"testing"
	"time"

	"github.com/ctessum/geom"
	"github.com/stretchr/testify/require"

	"github.com/burnshed/burnshed/burn"
	"github.com/burnshed/burnshed/runtime/weather"
)

var baseStart = time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)

// testBurn places a burn northOffsetM meters north of a fixed Yolo County
// origin with a neutral-day plume.
func testBurn(id string, northOffsetM, radiusM float64, start time.Time, dur time.Duration) Burn {
	return Burn{
		ID:        id,
		Centroid:  geom.Point{X: -121.74, Y: 38.5 + northOffsetM/111_320},
		RadiusM:   radiusM,
		Start:     start,
		Duration:  dur,
		Q:         0.15,
		Height:    150,
		WindSpeed: 3,
		Stability: weather.StabilityD,
	}
}

func TestDetectEmptyAndSingle(t *testing.T) {
	d := New(Config{})

	recs, err := d.Detect(nil)
	require.NoError(t, err)
	require.Empty(t, recs)

	recs, err = d.Detect([]Burn{testBurn("a", 0, 400, baseStart, 2*time.Hour)})
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestDetectFarApart(t *testing.T) {
	d := New(Config{})
	recs, err := d.Detect([]Burn{
		testBurn("a", 0, 400, baseStart, 2*time.Hour),
		testBurn("b", 10_000, 400, baseStart, 2*time.Hour),
	})
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestDetectCombinedConflict(t *testing.T) {
	d := New(Config{})
	recs, err := d.Detect([]Burn{
		testBurn("b", 600, 400, baseStart, 2*time.Hour),
		testBurn("a", 0, 400, baseStart, 2*time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	require.Equal(t, "a", rec.A)
	require.Equal(t, "b", rec.B)
	require.Equal(t, KindCombined, rec.Kind)
	require.InDelta(t, 2.0, rec.TimeOverlapHours, 1e-9)
	require.InDelta(t, 600, rec.DistanceM, 5)

	// prox 0.4*(1-600/1800) plus full time overlap 0.3; the elevated plume
	// contributes almost nothing at ground level between the pair.
	require.Greater(t, rec.Score, 0.5)
	require.Less(t, rec.Score, 0.6)
	require.Equal(t, SeverityMedium, rec.Severity)
}

func TestDetectSpatialOnly(t *testing.T) {
	d := New(Config{})
	recs, err := d.Detect([]Burn{
		testBurn("a", 0, 400, baseStart, 2*time.Hour),
		testBurn("b", 600, 400, baseStart.Add(3*time.Hour), 2*time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, KindSpatial, recs[0].Kind)
	require.Zero(t, recs[0].TimeOverlapHours)
	require.Equal(t, SeverityLow, recs[0].Severity)
}

func TestDetectTemporalThroughSlack(t *testing.T) {
	d := New(Config{})
	// 1.5 km apart: beyond the combined radii (800 m) but inside the slack
	// margin, with overlapping burn times.
	recs, err := d.Detect([]Burn{
		testBurn("a", 0, 400, baseStart, 2*time.Hour),
		testBurn("b", 1500, 400, baseStart.Add(time.Hour), 2*time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, KindTemporal, recs[0].Kind)
	require.InDelta(t, 1.0, recs[0].TimeOverlapHours, 1e-9)
}

func TestDetectOrderingAndDedup(t *testing.T) {
	d := New(Config{})
	recs, err := d.Detect([]Burn{
		testBurn("a", 0, 400, baseStart, 2*time.Hour),
		testBurn("b", 600, 400, baseStart, 2*time.Hour),
		testBurn("c", 1500, 400, baseStart, 2*time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, recs, 3)

	seen := map[string]bool{}
	for i, rec := range recs {
		require.Less(t, rec.A, rec.B)
		key := rec.A + "|" + rec.B
		require.False(t, seen[key], "duplicate pair %s", key)
		seen[key] = true
		if i > 0 {
			require.LessOrEqual(t, rec.Score, recs[i-1].Score)
		}
	}
	// Closest pair scores highest.
	require.Equal(t, "a", recs[0].A)
	require.Equal(t, "b", recs[0].B)
}

func TestDetectCapacity(t *testing.T) {
	d := New(Config{})
	burns := make([]Burn, 501)
	for i := range burns {
		burns[i] = testBurn(fmt.Sprintf("b%03d", i), float64(i)*50, 400, baseStart, time.Hour)
	}
	_, err := d.Detect(burns)
	require.ErrorIs(t, err, burn.ErrCapacity)
}

func TestCombinedPeakGroundPlumes(t *testing.T) {
	d := New(Config{})
	a := testBurn("a", 0, 400, baseStart, 2*time.Hour)
	b := testBurn("b", 600, 400, baseStart, 2*time.Hour)
	a.Height, b.Height = 0, 0

	peak := d.combinedPeak(&a, &b, 600)
	require.Greater(t, peak, 0.0)

	a.Q *= 10
	higher := d.combinedPeak(&a, &b, 600)
	require.Greater(t, higher, peak)
}

func TestSeverityCutoffs(t *testing.T) {
	require.Equal(t, SeverityCritical, severity(0.85))
	require.Equal(t, SeverityCritical, severity(0.8))
	require.Equal(t, SeverityHigh, severity(0.7))
	require.Equal(t, SeverityMedium, severity(0.4))
	require.Equal(t, SeverityLow, severity(0.1))
}
