package mongo

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ctessum/geom"
	"github.com/stretchr/testify/require"
	mongodriver "go.mongodb.org/mongo-driver/mongo"

	"github.com/burnshed/burnshed/burn"
	mongoc "github.com/burnshed/burnshed/features/vstore/mongo/clients/mongo"
	"github.com/burnshed/burnshed/runtime/plume"
	"github.com/burnshed/burnshed/runtime/vstore"
	"github.com/burnshed/burnshed/runtime/weather"
)

// fakeClient keeps documents in memory behind the same interface the real
// Mongo client implements, so the codec and store logic are exercised without
// a server.
type fakeClient struct {
	mu     sync.Mutex
	tables map[string]map[string]mongoc.Document
}

func newFakeClient() *fakeClient {
	return &fakeClient{tables: make(map[string]map[string]mongoc.Document)}
}

func (f *fakeClient) Name() string                   { return "fake" }
func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func (f *fakeClient) Upsert(ctx context.Context, table string, doc mongoc.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		t = make(map[string]mongoc.Document)
		f.tables[table] = t
	}
	t[doc.ID] = doc
	return nil
}

func (f *fakeClient) Load(ctx context.Context, table, id string) (mongoc.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.tables[table][id]
	if !ok {
		return mongoc.Document{}, mongodriver.ErrNoDocuments
	}
	return doc, nil
}

func (f *fakeClient) List(ctx context.Context, table string) ([]mongoc.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var docs []mongoc.Document
	for _, doc := range f.tables[table] {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(newFakeClient())
	require.NoError(t, err)
	return s
}

func TestRequestRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	req := burn.Request{
		ID:     "req-1",
		FarmID: "farm-1",
		Field: geom.Polygon{{
			{X: -121.74, Y: 38.544},
			{X: -121.73, Y: 38.544},
			{X: -121.73, Y: 38.552},
			{X: -121.74, Y: 38.544},
		}},
		Acres:     120,
		Fuel:      burn.FuelRiceStraw,
		Intensity: burn.IntensityHigh,
		Date:      time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		Window:    burn.Window{Start: 8, End: 16},
		Priority:  7,
		Contact:   burn.Contact{Method: "sms", Handle: "+15305551212"},
		State:     burn.StateValidated,
	}
	err := s.Put(ctx, vstore.TableBurnRequests, vstore.Record{
		ID:     req.ID,
		Fields: vstore.Fields{"request": req, "state": string(req.State)},
	})
	require.NoError(t, err)

	rec, err := s.Get(ctx, vstore.TableBurnRequests, "req-1")
	require.NoError(t, err)
	got, ok := rec.Fields["request"].(burn.Request)
	require.True(t, ok)
	require.Equal(t, req.Fuel, got.Fuel)
	require.Equal(t, req.Window, got.Window)
	require.Equal(t, req.Field, got.Field)
	require.True(t, req.Date.Equal(got.Date))
	require.Equal(t, "validated", rec.Fields["state"])
}

func TestResultRoundTripRestoresReceptorKeys(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	res := plume.Result{
		RequestID:       "req-1",
		Q:               0.12,
		EffectiveHeight: 140,
		SigmaY:          104,
		SigmaZ:          55,
		MaxPM25:         map[int]float64{1: 42.5, 5: 3.1, 10: 0.9, 25: 0.1},
		RadiusM:         830,
		Stability:       weather.StabilityD,
	}
	err := s.Put(ctx, vstore.TableDispersionResults, vstore.Record{
		ID:     "req-1",
		Fields: vstore.Fields{"result": res},
	})
	require.NoError(t, err)

	rec, err := s.Get(ctx, vstore.TableDispersionResults, "req-1")
	require.NoError(t, err)
	got, ok := rec.Fields["result"].(plume.Result)
	require.True(t, ok)
	require.Equal(t, res.MaxPM25, got.MaxPM25)
	require.Equal(t, res.Stability, got.Stability)
	require.Equal(t, res.RadiusM, got.RadiusM)
}

func TestGetMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), vstore.TableBurnRequests, "nope")
	require.ErrorIs(t, err, burn.ErrNotFound)
}

func TestQueryFiltersAndLimits(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(ctx, vstore.TableBurnRequests, vstore.Record{
			ID:     id,
			Fields: vstore.Fields{"farm_id": "farm-" + id},
		}))
	}

	rows, err := s.Query(ctx, vstore.TableBurnRequests, func(rec vstore.Record) bool {
		return rec.ID != "b"
	}, 0, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "a", rows[0].ID)
	require.Equal(t, "c", rows[1].ID)

	rows, err = s.Query(ctx, vstore.TableBurnRequests, nil, 1, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestNearestRanksByCosine(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	vectors := map[string][]float64{
		"exact":      {1, 0, 0},
		"close":      {0.9, 0.1, 0},
		"orthogonal": {0, 1, 0},
	}
	for id, vec := range vectors {
		require.NoError(t, s.Put(ctx, vstore.TableWeatherSnapshots, vstore.Record{
			ID:      id,
			Vectors: map[string][]float64{"fingerprint": vec},
		}))
	}

	matches, err := s.Nearest(ctx, vstore.TableWeatherSnapshots, "fingerprint", []float64{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "exact", matches[0].Record.ID)
	require.Equal(t, "close", matches[1].Record.ID)
	require.InDelta(t, 1.0, matches[0].Similarity, 1e-9)
}

func TestNearestDimensionMismatch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, vstore.TableWeatherSnapshots, vstore.Record{
		ID:      "a",
		Vectors: map[string][]float64{"fingerprint": {1, 0, 0}},
	}))
	_, err := s.Nearest(ctx, vstore.TableWeatherSnapshots, "fingerprint", []float64{1, 0}, 1)
	require.ErrorIs(t, err, burn.ErrShape)
}
