package stage

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ctessum/geom"
	"github.com/google/uuid"

	"github.com/burnshed/burnshed/burn"
)

// acreageTolerance bounds the relative gap between declared acreage and the
// polygon area.
const acreageTolerance = 0.20

// runValidate checks the submitted request and normalizes it. No external
// I/O. A failed check rejects the request with *burn.ValidationError listing
// every offending field.
func runValidate(ctx context.Context, d *Deps, req *burn.Request) error {
	fields := map[string]string{}

	checkPolygon(req, fields)
	checkWindow(req, fields)
	checkDate(d, req, fields)
	checkFuel(req, fields)
	checkPriority(req, fields)
	checkContact(req, fields)

	if len(fields) > 0 {
		return &burn.ValidationError{Fields: fields}
	}

	// Normalize. Re-validating a normalized request is a no-op.
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Intensity == "" {
		req.Intensity = burn.IntensityModerate
	}
	req.Date = req.Date.UTC().Truncate(24 * time.Hour)
	req.Contact.Handle = strings.TrimSpace(req.Contact.Handle)
	now := d.now()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	return nil
}

func checkPolygon(req *burn.Request, fields map[string]string) {
	if len(req.Field) == 0 || len(req.Field[0]) < 4 {
		fields["field"] = "polygon needs at least three distinct vertices"
		return
	}
	ring := req.Field[0]
	if ring[0] != ring[len(ring)-1] {
		fields["field"] = "polygon ring is not closed"
		return
	}
	if selfIntersects(ring) {
		fields["field"] = "polygon ring self-intersects"
		return
	}

	if req.Acres <= 0 {
		fields["acres"] = "must be positive"
		return
	}
	area := burn.AreaAcres(req.Field)
	if area <= 0 {
		fields["field"] = "polygon has no area"
		return
	}
	if gap := math.Abs(req.Acres-area) / area; gap > acreageTolerance {
		fields["acres"] = fmt.Sprintf(
			"declared %.1f acres but polygon measures %.1f (%.0f%% off)",
			req.Acres, area, gap*100)
	}
}

func checkWindow(req *burn.Request, fields map[string]string) {
	if !req.Window.Valid() {
		fields["window"] = fmt.Sprintf("[%d, %d) is not a valid hour range",
			req.Window.Start, req.Window.End)
	}
}

func checkDate(d *Deps, req *burn.Request, fields map[string]string) {
	today := d.now().UTC().Truncate(24 * time.Hour)
	if !req.Date.UTC().Truncate(24 * time.Hour).After(today) {
		fields["date"] = "burn date must be in the future"
	}
}

func checkFuel(req *burn.Request, fields map[string]string) {
	if _, ok := burn.EmissionFactors[req.Fuel]; !ok {
		fields["fuel"] = fmt.Sprintf("unrecognized fuel %q", req.Fuel)
	}
	if req.Intensity != "" {
		if _, ok := burn.IntensityFactors[req.Intensity]; !ok {
			fields["intensity"] = fmt.Sprintf("unrecognized intensity %q", req.Intensity)
		}
	}
}

func checkPriority(req *burn.Request, fields map[string]string) {
	if req.Priority < 0 || req.Priority > 10 {
		fields["priority"] = "must be in [0, 10]"
	}
}

func checkContact(req *burn.Request, fields map[string]string) {
	switch req.Contact.Method {
	case "sms", "broadcast":
	default:
		fields["contact.method"] = fmt.Sprintf("unrecognized method %q", req.Contact.Method)
	}
	if strings.TrimSpace(req.Contact.Handle) == "" {
		fields["contact.handle"] = "required"
	}
}

// selfIntersects reports whether any two non-adjacent ring segments cross.
// Field rings are small, so the quadratic check is fine.
func selfIntersects(ring []geom.Point) bool {
	n := len(ring) - 1 // closing vertex repeats the first
	for i := 0; i < n; i++ {
		for j := i + 2; j < n; j++ {
			if i == 0 && j == n-1 {
				continue // first and last segments share a vertex
			}
			if segmentsCross(ring[i], ring[i+1], ring[j], ring[j+1]) {
				return true
			}
		}
	}
	return false
}

func segmentsCross(p1, p2, q1, q2 geom.Point) bool {
	d1 := orient(q1, q2, p1)
	d2 := orient(q1, q2, p2)
	d3 := orient(p1, p2, q1)
	d4 := orient(p1, p2, q2)
	return d1*d2 < 0 && d3*d4 < 0
}

func orient(a, b, c geom.Point) float64 {
	return (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
}
