// Package vstore defines the vector store facade used by the pipeline to
// persist scalar rows and fixed-dimension float vectors, and to run cosine
// nearest-neighbor lookups over them. The runtime depends only on the Store
// interface; backends (in-memory, MongoDB) live behind it and are selected at
// construction.
//
// Vector dimensions are fixed per (table, field): the first vector written
// for a field pins its dimension and later mismatches fail with
// burn.ErrShape. The pipeline uses three vector families: 128-d weather
// fingerprints, 64-d plume fingerprints, and 32-d historical outcome
// fingerprints.
package vstore

import (
	"context"

	"github.com/burnshed/burnshed/burn"
)

type (
	// Fields holds the scalar columns of a record.
	Fields map[string]any

	// Record is a stored row: scalar fields plus optional named vectors,
	// keyed by a caller-assigned primary ID.
	Record struct {
		// ID is the primary key within the table.
		ID string
		// Fields carries the scalar columns.
		Fields Fields
		// Vectors maps field names to fixed-dimension float vectors.
		Vectors map[string][]float64
	}

	// Match pairs a record with its cosine similarity to a probe vector.
	Match struct {
		Record Record
		// Similarity is the cosine similarity in [-1, 1], descending in
		// Nearest results.
		Similarity float64
	}

	// Predicate filters records during Query. A nil predicate matches all.
	Predicate func(Record) bool

	// Less orders Query results. A nil Less returns rows in ID order.
	Less func(a, b Record) bool

	// Store persists rows and vectors for the pipeline.
	//
	// Contracts:
	//   - Put is durable before return; Get observes prior Puts from the
	//     same request (read-your-writes).
	//   - Nearest tolerates empty tables and zero-magnitude probes by
	//     returning an empty result; it never divides by zero.
	//   - Vector dimensions are fixed per (table, field); mismatches fail
	//     with burn.ErrShape.
	Store interface {
		// Put inserts or overwrites the record keyed by its ID.
		Put(ctx context.Context, table string, rec Record) error

		// Get returns the record with the given ID, or burn.ErrNotFound.
		Get(ctx context.Context, table, id string) (Record, error)

		// Query returns up to limit records matching pred, ordered by
		// less. limit <= 0 means no limit.
		Query(ctx context.Context, table string, pred Predicate, limit int, less Less) ([]Record, error)

		// Nearest returns the top-k records by cosine similarity to probe
		// over the named vector field, descending.
		Nearest(ctx context.Context, table, field string, probe []float64, k int) ([]Match, error)
	}
)

// Table names used by the pipeline. Backends may create them lazily.
const (
	TableBurnRequests      = "burn_requests"
	TableWeatherSnapshots  = "weather_snapshots"
	TableDispersionResults = "dispersion_results"
	TableSchedules         = "schedules"
	TableConflictRecords   = "conflict_records"
	TableAgentEvents       = "agent_events"
	TableBurnHistory       = "burn_history"
)

// ErrNotFound aliases the domain sentinel so callers need not import burn
// just to branch on missing rows.
var ErrNotFound = burn.ErrNotFound
