// Package openmeteo implements the weather.Provider facade against the
// Open-Meteo forecast API. Calls are rate limited client-side and failures
// map onto the burn error taxonomy: HTTP 401/403 become burn.ErrAuth, 429
// becomes burn.RateLimitedError honoring Retry-After, and everything else
// transient becomes burn.ErrUnavailable.
package openmeteo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/burnshed/burnshed/burn"
	"github.com/burnshed/burnshed/runtime/weather"
)

type (
	// Options configures the provider. Zero values select defaults suitable
	// for the public Open-Meteo endpoint.
	Options struct {
		// BaseURL is the forecast endpoint (default
		// https://api.open-meteo.com/v1/forecast).
		BaseURL string
		// APIKey is the commercial API key. Empty for the free tier.
		APIKey string
		// HTTPClient overrides the default client (10s timeout).
		HTTPClient *http.Client
		// RequestsPerSecond bounds outgoing calls (default 10).
		RequestsPerSecond rate.Limit
		// Burst is the limiter burst size (default 5).
		Burst int
	}

	// Provider fetches conditions from Open-Meteo.
	Provider struct {
		base    string
		apiKey  string
		http    *http.Client
		limiter *rate.Limiter
	}

	payload struct {
		Current hourBlock  `json:"current"`
		Hourly  arrayBlock `json:"hourly"`
	}

	hourBlock struct {
		Time          string  `json:"time"`
		Temperature   float64 `json:"temperature_2m"`
		Humidity      float64 `json:"relative_humidity_2m"`
		WindSpeed     float64 `json:"wind_speed_10m"`
		WindDirection float64 `json:"wind_direction_10m"`
		PrecipProb    float64 `json:"precipitation_probability"`
		CloudCover    float64 `json:"cloud_cover"`
		Visibility    float64 `json:"visibility"`
	}

	arrayBlock struct {
		Time          []string  `json:"time"`
		Temperature   []float64 `json:"temperature_2m"`
		Humidity      []float64 `json:"relative_humidity_2m"`
		WindSpeed     []float64 `json:"wind_speed_10m"`
		WindDirection []float64 `json:"wind_direction_10m"`
		PrecipProb    []float64 `json:"precipitation_probability"`
		CloudCover    []float64 `json:"cloud_cover"`
		Visibility    []float64 `json:"visibility"`
	}
)

const (
	defaultBaseURL = "https://api.open-meteo.com/v1/forecast"
	defaultTimeout = 10 * time.Second
	defaultRPS     = rate.Limit(10)
	defaultBurst   = 5

	// Open-Meteo hourly timestamps, in UTC when timezone=UTC is requested.
	timeLayout = "2006-01-02T15:04"

	fields = "temperature_2m,relative_humidity_2m,wind_speed_10m," +
		"wind_direction_10m,precipitation_probability,cloud_cover,visibility"
)

// New returns a Provider with defaults applied.
func New(opts Options) *Provider {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = defaultRPS
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurst
	}
	return &Provider{
		base:    opts.BaseURL,
		apiKey:  opts.APIKey,
		http:    opts.HTTPClient,
		limiter: rate.NewLimiter(opts.RequestsPerSecond, opts.Burst),
	}
}

// Current returns present conditions at (lat, lon).
func (p *Provider) Current(ctx context.Context, lat, lon float64) (weather.Snapshot, error) {
	q := p.query(lat, lon)
	q.Set("current", fields)
	body, err := p.fetch(ctx, q)
	if err != nil {
		return weather.Snapshot{}, err
	}
	ts, err := time.Parse(timeLayout, body.Current.Time)
	if err != nil {
		ts = time.Now().UTC()
	}
	return snapshot(lat, lon, body.Current, ts.UTC()), nil
}

// Forecast returns hourly snapshots covering the burn window on date, in
// chronological order.
func (p *Provider) Forecast(ctx context.Context, lat, lon float64, date time.Time, window burn.Window) ([]weather.Snapshot, error) {
	day := date.UTC().Truncate(24 * time.Hour)
	q := p.query(lat, lon)
	q.Set("hourly", fields)
	q.Set("start_date", day.Format("2006-01-02"))
	q.Set("end_date", day.Format("2006-01-02"))
	body, err := p.fetch(ctx, q)
	if err != nil {
		return nil, err
	}

	var out []weather.Snapshot
	for i, raw := range body.Hourly.Time {
		ts, err := time.Parse(timeLayout, raw)
		if err != nil {
			continue
		}
		ts = ts.UTC()
		hour := ts.Sub(day).Hours()
		if !window.Contains(hour) {
			continue
		}
		out = append(out, snapshot(lat, lon, body.Hourly.at(i), ts))
	}
	return out, nil
}

func (p *Provider) query(lat, lon float64) url.Values {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', 4, 64))
	q.Set("timezone", "UTC")
	q.Set("wind_speed_unit", "ms")
	if p.apiKey != "" {
		q.Set("apikey", p.apiKey)
	}
	return q
}

func (p *Provider) fetch(ctx context.Context, q url.Values) (payload, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return payload{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"?"+q.Encode(), nil)
	if err != nil {
		return payload{}, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return payload{}, err
		}
		return payload{}, fmt.Errorf("openmeteo: %v: %w", err, burn.ErrUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return payload{}, fmt.Errorf("openmeteo: status %d: %w", resp.StatusCode, burn.ErrAuth)
	case resp.StatusCode == http.StatusTooManyRequests:
		return payload{}, &burn.RateLimitedError{RetryAfter: retryAfter(resp)}
	default:
		return payload{}, fmt.Errorf("openmeteo: status %d: %w", resp.StatusCode, burn.ErrUnavailable)
	}

	var body payload
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return payload{}, fmt.Errorf("openmeteo: decode: %w", burn.ErrUnavailable)
	}
	return body, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if raw := resp.Header.Get("Retry-After"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}

// at assembles a single hour from the columnar hourly arrays; out-of-range
// columns read as zero so a truncated response degrades instead of panicking.
func (b arrayBlock) at(i int) hourBlock {
	pick := func(vals []float64) float64 {
		if i < len(vals) {
			return vals[i]
		}
		return 0
	}
	return hourBlock{
		Temperature:   pick(b.Temperature),
		Humidity:      pick(b.Humidity),
		WindSpeed:     pick(b.WindSpeed),
		WindDirection: pick(b.WindDirection),
		PrecipProb:    pick(b.PrecipProb),
		CloudCover:    pick(b.CloudCover),
		Visibility:    pick(b.Visibility),
	}
}

func snapshot(lat, lon float64, h hourBlock, ts time.Time) weather.Snapshot {
	s := weather.Snapshot{
		Lat:          lat,
		Lon:          lon,
		TempC:        h.Temperature,
		Humidity:     h.Humidity,
		WindSpeed:    h.WindSpeed,
		WindDir:      h.WindDirection,
		PrecipProb:   h.PrecipProb,
		VisibilityKM: h.Visibility / 1000, // API reports meters
		Timestamp:    ts,
	}
	s.Stability = weather.Classify(s.WindSpeed, ts, h.CloudCover/100)
	return weather.Normalize(s)
}
