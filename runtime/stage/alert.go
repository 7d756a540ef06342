package stage

import (
	"context"
	"fmt"
	"math"
	"time"

	"goa.design/clue/log"
	"gonum.org/v1/gonum/floats"

	"github.com/burnshed/burnshed/burn"
	"github.com/burnshed/burnshed/runtime/conflict"
	"github.com/burnshed/burnshed/runtime/events"
	"github.com/burnshed/burnshed/runtime/notify"
	"github.com/burnshed/burnshed/runtime/vstore"
)

// HistoryFingerprintDim is the dimension of burn-outcome fingerprints stored
// for similarity search over past burns.
const HistoryFingerprintDim = 32

// runAlert notifies the request's contact of its schedule decision and every
// conflict it participates in, then appends the burn to the history table.
// Delivery failures surface as error events but never fail the pipeline: the
// schedule stands whether or not a text message got through.
func runAlert(ctx context.Context, d *Deps, req *burn.Request) error {
	schedRec, err := d.Store.Get(ctx, vstore.TableSchedules, DateKey(req.Date))
	if err != nil {
		return fmt.Errorf("alert %s: load schedule: %w", req.ID, err)
	}
	sched, err := RecordSchedule(schedRec)
	if err != nil {
		return err
	}
	start, ok := sched.Assignments[req.ID]
	if !ok {
		return fmt.Errorf("alert %s: schedule for %s has no assignment: %w",
			req.ID, DateKey(req.Date), burn.ErrNotFound)
	}

	mine := ownConflicts(sched.Conflicts, req.ID)
	d.sendAlert(ctx, req, scheduleMessage(req, start, mine))
	for _, c := range mine {
		d.broadcastConflict(ctx, req, c)
	}

	if err := d.Store.Put(ctx, vstore.TableBurnHistory,
		d.historyRecord(req, start)); err != nil {
		return fmt.Errorf("alert %s: store history: %w", req.ID, err)
	}
	return nil
}

// sendAlert delivers the schedule decision to the request's own contact and
// polls the receipt to a terminal state within the remaining budget.
func (d *Deps) sendAlert(ctx context.Context, req *burn.Request, body string) {
	ch := notify.Channel(req.Contact.Method)
	payload := notify.Payload{
		Subject:   "burn schedule decision",
		Body:      body,
		RequestID: req.ID,
	}

	var receipt notify.Receipt
	err := d.call(ctx, Alert, "notifier", func() error {
		var err error
		receipt, err = d.Notifier.Send(ctx, ch, req.Contact.Handle, payload)
		return err
	})
	if err != nil {
		d.alertFailed(ctx, req, fmt.Errorf("send to %s: %w", req.Contact.Handle, err))
		return
	}

	final, err := notify.Await(ctx, d.Notifier, receipt.ID)
	delivered := err == nil && final.State == notify.StateDelivered
	if d.Metrics != nil {
		d.Metrics.AlertSent(ctx, string(ch), delivered)
	}
	if !delivered {
		reason := final.Reason
		if err != nil {
			reason = err.Error()
		}
		d.alertFailed(ctx, req, fmt.Errorf("delivery %s: %s", receipt.ID, reason))
	}
}

// broadcastConflict announces a conflict pair on the broadcast channel.
func (d *Deps) broadcastConflict(ctx context.Context, req *burn.Request, c conflict.Record) {
	payload := notify.Payload{
		Subject: "burn conflict",
		Body: fmt.Sprintf(
			"burns %s and %s conflict (%s, severity %s, %.0f m apart, %.1f h overlap)",
			c.A, c.B, c.Kind, c.Severity, c.DistanceM, c.TimeOverlapHours),
		RequestID: req.ID,
	}
	err := d.call(ctx, Alert, "notifier", func() error {
		_, err := d.Notifier.Send(ctx, notify.ChannelBroadcast, "schedule", payload)
		return err
	})
	if d.Metrics != nil {
		d.Metrics.AlertSent(ctx, string(notify.ChannelBroadcast), err == nil)
	}
	if err != nil {
		d.alertFailed(ctx, req, fmt.Errorf("broadcast conflict %s/%s: %w", c.A, c.B, err))
	}
}

func (d *Deps) alertFailed(ctx context.Context, req *burn.Request, err error) {
	log.Errorf(ctx, err, "alert delivery failed for %s", req.ID)
	d.publish(events.Failure(req.ID, Alert, burn.ErrorKind(err), err.Error()))
}

func scheduleMessage(req *burn.Request, start time.Time, conflicts []conflict.Record) string {
	msg := fmt.Sprintf("burn %s scheduled for %s (%.0f acres, %s)",
		req.ID, start.Format("2006-01-02 15:04 MST"), req.Acres, req.Fuel)
	if n := len(conflicts); n > 0 {
		msg += fmt.Sprintf("; %d conflicting burn(s) nearby, check the broadcast channel", n)
	}
	return msg
}

func ownConflicts(recs []conflict.Record, id string) []conflict.Record {
	var out []conflict.Record
	for _, c := range recs {
		if c.A == id || c.B == id {
			out = append(out, c)
		}
	}
	return out
}

// historyRecord builds the burn-history row with its 32-d outcome
// fingerprint so future assessments can bias toward similar past burns.
func (d *Deps) historyRecord(req *burn.Request, start time.Time) vstore.Record {
	return vstore.Record{
		ID: req.ID,
		Fields: vstore.Fields{
			fieldRequest: *req,
			fieldDate:    req.Date,
			"start":      start,
		},
		Vectors: map[string][]float64{vectorField: historyFingerprint(req, start)},
	}
}

// historyFingerprint encodes a burn outcome as a unit 32-d vector. The
// weather-assess stage probes with start equal to the burn date (zero
// ignition offset) and whatever MaxRadius is known at that point; the
// encoding is smooth enough that the partial probe still lands near fully
// encoded outcomes for similar burns.
func historyFingerprint(req *burn.Request, start time.Time) []float64 {
	fp := make([]float64, HistoryFingerprintDim)
	scalars := []float64{
		squash32(math.Log1p(req.Acres) / 10),
		squash32(req.Priority / 10),
		squash32(req.MaxRadius / 10_000),
		squash32(float64(req.Window.Hours()) / 24),
		squash32(start.Sub(req.Date).Hours() / 24),
		squash32(burn.IntensityFactors[req.Intensity]),
		squash32(float64(fuelIndex(req.Fuel)) / 5),
		squash32(math.Sin(2 * math.Pi * float64(req.Date.YearDay()) / 365)),
	}
	for i, f := range scalars {
		base := i * 4
		fp[base] = math.Sin(math.Pi * f)
		fp[base+1] = math.Cos(math.Pi * f)
		fp[base+2] = math.Sin(2 * math.Pi * f)
		fp[base+3] = math.Cos(2 * math.Pi * f)
	}
	if norm := floats.Norm(fp, 2); norm > 0 {
		floats.Scale(1/norm, fp)
	} else {
		fp[0] = 1
	}
	return fp
}

func squash32(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return 1 / (1 + math.Exp(-f))
}

func fuelIndex(f burn.Fuel) int {
	switch f {
	case burn.FuelWheatStubble:
		return 1
	case burn.FuelRiceStraw:
		return 2
	case burn.FuelCornStalks:
		return 3
	case burn.FuelOrchardPrunings:
		return 4
	default:
		return 5
	}
}
