package vstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/burnshed/burnshed/burn"
)

type (
	// Mem is the in-memory Store used in mock mode and by tests. It honors
	// the same contracts as durable backends: records are deep-copied on
	// both write and read so callers can never alias store internals, and
	// vector dimensions are pinned per (table, field).
	Mem struct {
		mu     sync.RWMutex
		tables map[string]*memTable
	}

	memTable struct {
		rows map[string]Record
		// dims pins the vector dimension for each field in this table.
		dims map[string]int
	}
)

// NewMem returns an empty in-memory store.
func NewMem() *Mem {
	return &Mem{tables: make(map[string]*memTable)}
}

// Put inserts or overwrites rec under its ID.
func (m *Mem) Put(ctx context.Context, table string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" {
		return fmt.Errorf("vstore: record id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tables[table]
	if t == nil {
		t = &memTable{rows: make(map[string]Record), dims: make(map[string]int)}
		m.tables[table] = t
	}
	for field, vec := range rec.Vectors {
		dim, ok := t.dims[field]
		if !ok {
			t.dims[field] = len(vec)
			continue
		}
		if dim != len(vec) {
			return fmt.Errorf("vstore: %s.%s expects %d dims, got %d: %w",
				table, field, dim, len(vec), burn.ErrShape)
		}
	}
	t.rows[rec.ID] = cloneRecord(rec)
	return nil
}

// Get returns the record with the given ID or burn.ErrNotFound.
func (m *Mem) Get(ctx context.Context, table, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.tables[table]
	if t == nil {
		return Record{}, fmt.Errorf("vstore: %s/%s: %w", table, id, burn.ErrNotFound)
	}
	rec, ok := t.rows[id]
	if !ok {
		return Record{}, fmt.Errorf("vstore: %s/%s: %w", table, id, burn.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// Query returns up to limit records matching pred, ordered by less (ID order
// when less is nil).
func (m *Mem) Query(ctx context.Context, table string, pred Predicate, limit int, less Less) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	t := m.tables[table]
	var out []Record
	if t != nil {
		for _, rec := range t.rows {
			if pred == nil || pred(rec) {
				out = append(out, cloneRecord(rec))
			}
		}
	}
	m.mu.RUnlock()
	if less == nil {
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	} else {
		sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Nearest returns the top-k records by cosine similarity to probe over the
// named vector field, descending. Empty tables and zero-magnitude probes
// yield an empty result.
func (m *Mem) Nearest(ctx context.Context, table, field string, probe []float64, k int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	probeNorm := floats.Norm(probe, 2)
	if probeNorm == 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.tables[table]
	if t == nil {
		return nil, nil
	}
	if dim, ok := t.dims[field]; ok && dim != len(probe) {
		return nil, fmt.Errorf("vstore: %s.%s expects %d dims, got %d: %w",
			table, field, dim, len(probe), burn.ErrShape)
	}
	var matches []Match
	for _, rec := range t.rows {
		vec, ok := rec.Vectors[field]
		if !ok {
			continue
		}
		norm := floats.Norm(vec, 2)
		if norm == 0 {
			continue
		}
		sim := floats.Dot(vec, probe) / (norm * probeNorm)
		matches = append(matches, Match{Record: cloneRecord(rec), Similarity: sim})
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

func cloneRecord(rec Record) Record {
	out := Record{ID: rec.ID}
	if rec.Fields != nil {
		out.Fields = make(Fields, len(rec.Fields))
		for k, v := range rec.Fields {
			out.Fields[k] = v
		}
	}
	if rec.Vectors != nil {
		out.Vectors = make(map[string][]float64, len(rec.Vectors))
		for k, v := range rec.Vectors {
			cp := make([]float64, len(v))
			copy(cp, v)
			out.Vectors[k] = cp
		}
	}
	return out
}
