package stage

import (
	"context"
	"fmt"

	"goa.design/clue/log"

	"github.com/burnshed/burnshed/burn"
	"github.com/burnshed/burnshed/runtime/cache"
	"github.com/burnshed/burnshed/runtime/events"
	"github.com/burnshed/burnshed/runtime/vstore"
	"github.com/burnshed/burnshed/runtime/weather"
)

// historyNeighbors is how many stored snapshots inform the confidence
// estimate.
const historyNeighbors = 5

// runWeatherAssess fetches current conditions and the hourly forecast for the
// burn's date and window, fingerprints them, and estimates confidence from
// similar historical snapshots. Unsafe conditions pause the pipeline for an
// operator decision.
func runWeatherAssess(ctx context.Context, d *Deps, req *burn.Request) error {
	c := req.Centroid()
	lat, lon := c.Y, c.X

	current, err := d.fetchCurrent(ctx, lat, lon)
	if err != nil {
		return fmt.Errorf("weather-assess %s: current conditions: %w", req.ID, err)
	}
	hourly, err := d.fetchForecast(ctx, lat, lon, req)
	if err != nil {
		return fmt.Errorf("weather-assess %s: forecast: %w", req.ID, err)
	}

	current = weather.Normalize(current)
	if !current.Stability.Valid() {
		current.Stability = weather.Classify(
			current.WindSpeed, current.Timestamp, current.PrecipProb/100)
	}

	fp := weather.Fingerprint(current, hourly)
	confidence := d.historyConfidence(ctx, req, fp)
	d.publish(events.StageThinking(req.ID, WeatherAssess, confidence,
		fmt.Sprintf("stability %c, wind %.1f m/s, %d forecast hours",
			current.Stability, current.WindSpeed, len(hourly))))

	// The assessment snapshot is the first in-window forecast hour when the
	// provider has one; the predict stage reads it back.
	assessed := current
	if len(hourly) > 0 {
		assessed = weather.Normalize(hourly[0])
		if !assessed.Stability.Valid() {
			assessed.Stability = current.Stability
		}
	}
	if err := d.Store.Put(ctx, vstore.TableWeatherSnapshots,
		snapshotRecord(req.ID, assessed, fp)); err != nil {
		return fmt.Errorf("weather-assess %s: store snapshot: %w", req.ID, err)
	}

	if reasons := unsafeReasons(current, hourly); len(reasons) > 0 {
		if approved, ok := d.Approvals.Decision(req.ID); ok {
			if !approved {
				return &burn.ValidationError{Fields: map[string]string{
					"approval": "burn rejected by operator under unsafe conditions",
				}}
			}
			log.Printf(ctx, "request %s approved despite: %v", req.ID, reasons)
			return nil
		}
		d.Approvals.Request(req.ID)
		d.publish(events.ApprovalRequired(req.ID, WeatherAssess,
			"unsafe weather conditions", reasons))
		return &PauseError{Reasons: reasons}
	}
	return nil
}

func (d *Deps) fetchCurrent(ctx context.Context, lat, lon float64) (weather.Snapshot, error) {
	load := func() (weather.Snapshot, error) {
		var snap weather.Snapshot
		err := d.call(ctx, WeatherAssess, "weather", func() error {
			var err error
			snap, err = d.Weather.Current(ctx, lat, lon)
			return err
		})
		return snap, err
	}
	if d.CurrentCache == nil {
		return load()
	}
	return d.CurrentCache.Do(cache.Key("current", lat, lon), load)
}

func (d *Deps) fetchForecast(ctx context.Context, lat, lon float64, req *burn.Request) ([]weather.Snapshot, error) {
	load := func() ([]weather.Snapshot, error) {
		var hourly []weather.Snapshot
		err := d.call(ctx, WeatherAssess, "weather", func() error {
			var err error
			hourly, err = d.Weather.Forecast(ctx, lat, lon, req.Date, req.Window)
			return err
		})
		return hourly, err
	}
	if d.ForecastCache == nil {
		return load()
	}
	key := cache.Key("forecast", lat, lon, req.Date,
		req.Window.Start, req.Window.End)
	return d.ForecastCache.Do(key, load)
}

// historyPriorWeight is the share of the confidence taken from past burn
// outcomes when the history table has any.
const historyPriorWeight = 0.4

// historyConfidence estimates assessment confidence as the mean similarity of
// the nearest stored snapshots, blended with a prior over past burn outcomes
// when any are on record. No data yields a neutral 0.5.
func (d *Deps) historyConfidence(ctx context.Context, req *burn.Request, fp []float64) float64 {
	conf := 0.5
	if matches, err := d.nearest(ctx, vstore.TableWeatherSnapshots,
		vectorField, fp, historyNeighbors); err == nil && len(matches) > 0 {
		conf = clampUnit(meanSimilarity(matches))
	}
	outcomes, err := d.nearest(ctx, vstore.TableBurnHistory, vectorField,
		historyFingerprint(req, req.Date), historyNeighbors)
	if err != nil || len(outcomes) == 0 {
		return conf
	}
	prior := clampUnit(meanSimilarity(outcomes))
	return (1-historyPriorWeight)*conf + historyPriorWeight*prior
}

func meanSimilarity(matches []vstore.Match) float64 {
	sum := 0.0
	for _, m := range matches {
		sum += m.Similarity
	}
	return sum / float64(len(matches))
}

func clampUnit(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// unsafeReasons collects the conditions that require operator approval,
// checking the current snapshot and every forecast hour.
func unsafeReasons(current weather.Snapshot, hourly []weather.Snapshot) []string {
	var reasons []string
	seen := map[string]bool{}
	add := func(s weather.Snapshot, label string) {
		if unsafe, reason := weather.Unsafe(s); unsafe && !seen[reason] {
			seen[reason] = true
			reasons = append(reasons, label+": "+reason)
		}
	}
	add(current, "current")
	for i, h := range hourly {
		add(weather.Normalize(h), fmt.Sprintf("forecast hour %d", i))
	}
	return reasons
}
