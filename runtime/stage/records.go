package stage

import (
	"fmt"
	"time"

	"github.com/burnshed/burnshed/burn"
	"github.com/burnshed/burnshed/runtime/conflict"
	"github.com/burnshed/burnshed/runtime/plume"
	"github.com/burnshed/burnshed/runtime/schedule"
	"github.com/burnshed/burnshed/runtime/vstore"
	"github.com/burnshed/burnshed/runtime/weather"
)

// Row field names shared by the pipeline tables.
const (
	fieldRequest   = "request"
	fieldSnapshot  = "snapshot"
	fieldResult    = "result"
	fieldSchedule  = "schedule"
	fieldConflicts = "conflicts"
	fieldRequestID = "request_id"
	fieldDate      = "date"
	fieldState     = "state"
	fieldFarmID    = "farm_id"

	// vectorField names the fingerprint vector in every vector-bearing
	// table.
	vectorField = "fingerprint"
)

// RequestRecord converts a burn request into its stored row.
func RequestRecord(req *burn.Request) vstore.Record {
	return vstore.Record{
		ID: req.ID,
		Fields: vstore.Fields{
			fieldRequest: *req,
			fieldDate:    req.Date,
			fieldState:   string(req.State),
			fieldFarmID:  req.FarmID,
		},
	}
}

// RecordRequest extracts the burn request from a stored row.
func RecordRequest(rec vstore.Record) (burn.Request, error) {
	req, ok := rec.Fields[fieldRequest].(burn.Request)
	if !ok {
		return burn.Request{}, fmt.Errorf("row %s holds no request: %w", rec.ID, burn.ErrShape)
	}
	return req, nil
}

func snapshotRecord(requestID string, snap weather.Snapshot, fp []float64) vstore.Record {
	return vstore.Record{
		ID: requestID,
		Fields: vstore.Fields{
			fieldSnapshot:  snap,
			fieldRequestID: requestID,
		},
		Vectors: map[string][]float64{vectorField: fp},
	}
}

func recordSnapshot(rec vstore.Record) (weather.Snapshot, error) {
	snap, ok := rec.Fields[fieldSnapshot].(weather.Snapshot)
	if !ok {
		return weather.Snapshot{}, fmt.Errorf("row %s holds no snapshot: %w", rec.ID, burn.ErrShape)
	}
	return snap, nil
}

func resultRecord(requestID string, res plume.Result, fp []float64) vstore.Record {
	return vstore.Record{
		ID: requestID,
		Fields: vstore.Fields{
			fieldResult:    res,
			fieldRequestID: requestID,
		},
		Vectors: map[string][]float64{vectorField: fp},
	}
}

func recordResult(rec vstore.Record) (plume.Result, error) {
	res, ok := rec.Fields[fieldResult].(plume.Result)
	if !ok {
		return plume.Result{}, fmt.Errorf("row %s holds no dispersion result: %w", rec.ID, burn.ErrShape)
	}
	return res, nil
}

func scheduleRecord(date time.Time, res schedule.Result) vstore.Record {
	return vstore.Record{
		ID: DateKey(date),
		Fields: vstore.Fields{
			fieldSchedule:  res,
			fieldConflicts: res.Conflicts,
			fieldDate:      date,
		},
	}
}

// RecordSchedule extracts the schedule from a stored row.
func RecordSchedule(rec vstore.Record) (schedule.Result, error) {
	res, ok := rec.Fields[fieldSchedule].(schedule.Result)
	if !ok {
		return schedule.Result{}, fmt.Errorf("row %s holds no schedule: %w", rec.ID, burn.ErrShape)
	}
	return res, nil
}

func conflictsRecord(date time.Time, recs []conflict.Record) vstore.Record {
	return vstore.Record{
		ID: DateKey(date),
		Fields: vstore.Fields{
			fieldConflicts: recs,
			fieldDate:      date,
		},
	}
}

// RecordConflicts extracts the conflict set from a stored row.
func RecordConflicts(rec vstore.Record) ([]conflict.Record, error) {
	recs, ok := rec.Fields[fieldConflicts].([]conflict.Record)
	if !ok {
		return nil, fmt.Errorf("row %s holds no conflict records: %w", rec.ID, burn.ErrShape)
	}
	return recs, nil
}

// DateKey is the canonical row ID for per-date tables.
func DateKey(date time.Time) string {
	return date.UTC().Format("2006-01-02")
}
