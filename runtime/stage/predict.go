package stage

import (
	"context"
	"fmt"

	"github.com/burnshed/burnshed/burn"
	"github.com/burnshed/burnshed/runtime/events"
	"github.com/burnshed/burnshed/runtime/plume"
	"github.com/burnshed/burnshed/runtime/vstore"
)

// runPredict computes the dispersion result for the request under its
// assessed weather snapshot and stores it with its fingerprint. Numeric
// failures are fatal: a non-finite model output is a bug class, not a
// condition retries can fix.
func runPredict(ctx context.Context, d *Deps, req *burn.Request) error {
	rec, err := d.Store.Get(ctx, vstore.TableWeatherSnapshots, req.ID)
	if err != nil {
		return fmt.Errorf("smoke-predict %s: load snapshot: %w", req.ID, err)
	}
	snap, err := recordSnapshot(rec)
	if err != nil {
		return err
	}

	res, err := d.Plume.Predict(req, snap)
	if err != nil {
		return fmt.Errorf("smoke-predict %s: %w", req.ID, err)
	}

	req.MaxRadius = res.RadiusM
	if res.PoorDispersion || res.OutOfEnvelope {
		d.publish(events.StageThinking(req.ID, SmokePredict, 0.4,
			fmt.Sprintf("degraded inputs (poor dispersion %t, out of envelope %t)",
				res.PoorDispersion, res.OutOfEnvelope)))
	}
	d.publish(events.Metric(req.ID, "dispersion_radius_m", res.RadiusM))
	d.publish(events.Metric(req.ID, "pm25_1km", res.MaxPM25[1]))

	if err := d.Store.Put(ctx, vstore.TableDispersionResults,
		resultRecord(req.ID, res, plume.Fingerprint(res))); err != nil {
		return fmt.Errorf("smoke-predict %s: store result: %w", req.ID, err)
	}
	return nil
}
