package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/burnshed/burnshed/burn"
	"github.com/burnshed/burnshed/runtime/conflict"
	"github.com/burnshed/burnshed/runtime/events"
	"github.com/burnshed/burnshed/runtime/schedule"
	"github.com/burnshed/burnshed/runtime/vstore"
)

// runOptimize loads every candidate burn for the request's date, anneals a
// start-time assignment, and persists the schedule and its conflict set. The
// coordinator serializes optimize runs per date, so two requests for the same
// date never race on the schedule row.
func runOptimize(ctx context.Context, d *Deps, req *burn.Request) error {
	cands, err := d.loadCandidates(ctx, req)
	if err != nil {
		return fmt.Errorf("schedule-optimize %s: %w", req.ID, err)
	}

	res, err := d.Optimizer.Optimize(ctx, req.Date, cands)
	if err != nil {
		if errors.Is(err, burn.ErrCancelled) {
			// Report how far the search got before the abort; the partial
			// schedule itself is discarded.
			d.publish(events.Metric(req.ID, "optimize_iterations", float64(res.Iterations)))
		}
		return fmt.Errorf("schedule-optimize %s: %w", req.ID, err)
	}

	d.publish(events.StageThinking(req.ID, Optimize, scoreConfidence(res),
		fmt.Sprintf("%d burns, score %.3f after %d iterations (%s)",
			len(cands), res.Score, res.Iterations, res.Reason)))
	d.publish(events.Metric(req.ID, "schedule_score", res.Score))
	d.publish(events.Metric(req.ID, "schedule_conflicts", float64(len(res.Conflicts))))
	if d.Metrics != nil {
		d.Metrics.ScheduleScore(ctx, res.Score)
		bySeverity := map[string]int{}
		for _, c := range res.Conflicts {
			bySeverity[string(c.Severity)]++
		}
		for sev, n := range bySeverity {
			d.Metrics.ConflictsDetected(ctx, sev, n)
		}
	}

	if err := d.Store.Put(ctx, vstore.TableSchedules,
		scheduleRecord(req.Date, res)); err != nil {
		return fmt.Errorf("schedule-optimize %s: store schedule: %w", req.ID, err)
	}
	if err := d.Store.Put(ctx, vstore.TableConflictRecords,
		conflictsRecord(req.Date, res.Conflicts)); err != nil {
		return fmt.Errorf("schedule-optimize %s: store conflicts: %w", req.ID, err)
	}
	return nil
}

// loadCandidates gathers every burn on the request's date that has a
// dispersion result, including the request itself. Rejected and failed burns
// drop out; completed burns stay, they still occupy their slot on the day.
func (d *Deps) loadCandidates(ctx context.Context, req *burn.Request) ([]schedule.Candidate, error) {
	dateKey := DateKey(req.Date)
	rows, err := d.Store.Query(ctx, vstore.TableBurnRequests,
		func(rec vstore.Record) bool {
			other, err := RecordRequest(rec)
			if err != nil {
				return false
			}
			return DateKey(other.Date) == dateKey &&
				other.State != burn.StateRejected &&
				other.State != burn.StateFailed
		}, 0, nil)
	if err != nil {
		return nil, err
	}

	var cands []schedule.Candidate
	seenSelf := false
	for _, rec := range rows {
		other, err := RecordRequest(rec)
		if err != nil {
			continue
		}
		if other.ID == req.ID {
			other = *req
			seenSelf = true
		}
		cand, err := d.candidateFor(ctx, &other)
		if err != nil {
			// A peer without a prediction yet is not a candidate.
			continue
		}
		cands = append(cands, cand)
	}
	if !seenSelf {
		cand, err := d.candidateFor(ctx, req)
		if err != nil {
			return nil, err
		}
		cands = append(cands, cand)
	}
	return cands, nil
}

func (d *Deps) candidateFor(ctx context.Context, req *burn.Request) (schedule.Candidate, error) {
	rec, err := d.Store.Get(ctx, vstore.TableDispersionResults, req.ID)
	if err != nil {
		return schedule.Candidate{}, err
	}
	res, err := recordResult(rec)
	if err != nil {
		return schedule.Candidate{}, err
	}
	snapRec, err := d.Store.Get(ctx, vstore.TableWeatherSnapshots, req.ID)
	if err != nil {
		return schedule.Candidate{}, err
	}
	snap, err := recordSnapshot(snapRec)
	if err != nil {
		return schedule.Candidate{}, err
	}

	return schedule.Candidate{
		Burn: conflict.Burn{
			ID:        req.ID,
			Centroid:  req.Centroid(),
			RadiusM:   res.RadiusM,
			Duration:  req.Duration(),
			Q:         res.Q,
			Height:    res.EffectiveHeight,
			WindSpeed: snap.WindSpeed,
			Stability: res.Stability,
		},
		Window:   req.Window,
		Priority: req.Priority,
	}, nil
}

// scoreConfidence maps the objective score onto a rough confidence signal
// for the thinking event.
func scoreConfidence(res schedule.Result) float64 {
	// Score lives in roughly [-0.5, 0.5]; shift into [0, 1].
	c := res.Score + 0.5
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
