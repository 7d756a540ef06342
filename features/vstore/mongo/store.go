// Package mongo implements the vstore.Store facade on MongoDB. Scalar fields
// round-trip through a typed codec so pipeline code reads back the same Go
// values it stored; vectors persist as float arrays and nearest-neighbor
// lookups run brute-force in process, which is fine at per-date table sizes.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	mongodriver "go.mongodb.org/mongo-driver/mongo"

	"github.com/burnshed/burnshed/burn"
	mongoc "github.com/burnshed/burnshed/features/vstore/mongo/clients/mongo"
	"github.com/burnshed/burnshed/runtime/vstore"
)

// Store implements vstore.Store by delegating to the Mongo client.
type Store struct {
	client mongoc.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client mongoc.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Put inserts or overwrites the record keyed by its ID.
func (s *Store) Put(ctx context.Context, table string, rec vstore.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("vstore mongo: %s: record id is required", table)
	}
	doc, err := toDocument(rec)
	if err != nil {
		return fmt.Errorf("vstore mongo: %s/%s: encode: %w", table, rec.ID, err)
	}
	return s.client.Upsert(ctx, table, doc)
}

// Get returns the record with the given ID, or burn.ErrNotFound.
func (s *Store) Get(ctx context.Context, table, id string) (vstore.Record, error) {
	doc, err := s.client.Load(ctx, table, id)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return vstore.Record{}, fmt.Errorf("vstore mongo: %s/%s: %w", table, id, burn.ErrNotFound)
		}
		return vstore.Record{}, err
	}
	return fromDocument(doc)
}

// Query returns up to limit records matching pred, ordered by less. The
// predicate runs in process over the full table.
func (s *Store) Query(ctx context.Context, table string, pred vstore.Predicate, limit int, less vstore.Less) ([]vstore.Record, error) {
	docs, err := s.client.List(ctx, table)
	if err != nil {
		return nil, err
	}
	var out []vstore.Record
	for _, doc := range docs {
		rec, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		if pred == nil || pred(rec) {
			out = append(out, rec)
		}
	}
	if less != nil {
		sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Nearest returns the top-k records by cosine similarity to probe over the
// named vector field, descending.
func (s *Store) Nearest(ctx context.Context, table, field string, probe []float64, k int) ([]vstore.Match, error) {
	if k <= 0 || len(probe) == 0 {
		return nil, nil
	}
	probeNorm := norm(probe)
	if probeNorm == 0 {
		return nil, nil
	}
	docs, err := s.client.List(ctx, table)
	if err != nil {
		return nil, err
	}

	var matches []vstore.Match
	for _, doc := range docs {
		vec, ok := doc.Vectors[field]
		if !ok {
			continue
		}
		if len(vec) != len(probe) {
			return nil, fmt.Errorf("vstore mongo: %s.%s: have %d dims, probe has %d: %w",
				table, field, len(vec), len(probe), burn.ErrShape)
		}
		vecNorm := norm(vec)
		if vecNorm == 0 {
			continue
		}
		rec, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		matches = append(matches, vstore.Match{
			Record:     rec,
			Similarity: dot(probe, vec) / (probeNorm * vecNorm),
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Record.ID < matches[j].Record.ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func norm(v []float64) float64 {
	return math.Sqrt(dot(v, v))
}
