package weather

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/burnshed/burnshed/burn"
)

type (
	// MockOptions configures the deterministic mock provider.
	MockOptions struct {
		// Fixed forces every snapshot to these conditions (location and
		// timestamp are still filled per call). Nil generates conditions
		// seeded by (lat, lon, date).
		Fixed *Snapshot
	}

	// Mock is the Provider used in mock mode and tests. Generated
	// snapshots are deterministic in (lat, lon, date) so repeated runs and
	// cache probes observe identical conditions. Failures can be scripted
	// per call to exercise retry and breaker paths.
	Mock struct {
		mu       sync.Mutex
		fixed    *Snapshot
		failures []error
	}
)

// NewMock returns a mock provider.
func NewMock(opts MockOptions) *Mock {
	return &Mock{fixed: opts.Fixed}
}

// FailWith enqueues errors returned by subsequent calls, one per call,
// before the mock resumes serving snapshots. Safe for concurrent use.
func (m *Mock) FailWith(errs ...error) {
	m.mu.Lock()
	m.failures = append(m.failures, errs...)
	m.mu.Unlock()
}

// SetFixed replaces the forced conditions. Nil restores seeded generation.
func (m *Mock) SetFixed(s *Snapshot) {
	m.mu.Lock()
	m.fixed = s
	m.mu.Unlock()
}

func (m *Mock) nextFailure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

// Current returns present conditions at (lat, lon), deterministic in the
// coordinate and UTC date.
func (m *Mock) Current(ctx context.Context, lat, lon float64) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	if err := m.nextFailure(); err != nil {
		return Snapshot{}, err
	}
	now := time.Now().UTC()
	return m.at(lat, lon, now), nil
}

// Forecast returns hourly snapshots covering the burn window on date.
func (m *Mock) Forecast(ctx context.Context, lat, lon float64, date time.Time, window burn.Window) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.nextFailure(); err != nil {
		return nil, err
	}
	day := date.UTC().Truncate(24 * time.Hour)
	out := make([]Snapshot, 0, window.Hours())
	for h := window.Start; h < window.End; h++ {
		out = append(out, m.at(lat, lon, day.Add(time.Duration(h)*time.Hour)))
	}
	return out, nil
}

func (m *Mock) at(lat, lon float64, ts time.Time) Snapshot {
	m.mu.Lock()
	fixed := m.fixed
	m.mu.Unlock()
	if fixed != nil {
		s := *fixed
		s.Lat, s.Lon = lat, lon
		s.Timestamp = ts
		if !s.Stability.Valid() {
			s.Stability = Classify(s.WindSpeed, ts, s.PrecipProb/100)
		}
		return Normalize(s)
	}
	rng := rand.New(rand.NewSource(seed(lat, lon, ts)))
	hour := float64(ts.Hour())
	doy := float64(ts.YearDay())
	// Diurnal temperature swing around a seasonal baseline.
	seasonal := 14 + 11*math.Sin(2*math.Pi*(doy-80)/365.25)
	diurnal := 6 * math.Sin(2*math.Pi*(hour-9)/24)
	s := Snapshot{
		Lat:          lat,
		Lon:          lon,
		TempC:        seasonal + diurnal + rng.Float64()*3,
		Humidity:     40 + 25*rng.Float64() - 10*math.Sin(2*math.Pi*(hour-4)/24),
		WindSpeed:    1.5 + 4*rng.Float64(),
		WindDir:      math.Mod(200+60*rng.Float64(), 360),
		PrecipProb:   20 * rng.Float64(),
		VisibilityKM: 8 + 12*rng.Float64(),
		Timestamp:    ts,
	}
	s.Stability = Classify(s.WindSpeed, ts, s.PrecipProb/100)
	return Normalize(s)
}

// seed hashes the coordinate and UTC date so a location's conditions are
// stable for a given day but vary hour to hour through the diurnal terms.
func seed(lat, lon float64, ts time.Time) int64 {
	h := fnv.New64a()
	y, mo, d := ts.UTC().Date()
	fmtInt := func(v int64) {
		var buf [8]byte
		for i := 0; i < 8; i++ {
			buf[i] = byte(v >> (8 * i))
		}
		h.Write(buf[:])
	}
	fmtInt(int64(math.Round(lat * 1e4)))
	fmtInt(int64(math.Round(lon * 1e4)))
	fmtInt(int64(y)*10000 + int64(mo)*100 + int64(d))
	return int64(h.Sum64())
}
