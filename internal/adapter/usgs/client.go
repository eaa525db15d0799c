package usgs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/quake-cache-service/internal/domain"
	"github.com/couchcryptid/quake-cache-service/internal/observability"
)

// DefaultBaseURL is the FDSN event query endpoint of the USGS catalog.
const DefaultBaseURL = "https://earthquake.usgs.gov/fdsnws/event/1/query"

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 512

// Options configures a Client.
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	ResultLimit int
	RatePerSec  float64
}

// Client fetches events from the FDSN event API. All calls share one
// token-bucket limiter and pass through a circuit breaker that trips on
// repeated retryable failures.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	resultLimit int
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker[[]domain.EventRecord]
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewClient creates a catalog client.
func NewClient(opts Options, metrics *observability.Metrics, logger *slog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.ResultLimit <= 0 {
		opts.ResultLimit = domain.UpstreamResultCap
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}

	c := &Client{
		httpClient:  &http.Client{Timeout: opts.Timeout},
		baseURL:     opts.BaseURL,
		resultLimit: opts.ResultLimit,
		limiter:     rate.NewLimiter(limit, 1),
		metrics:     metrics,
		logger:      logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]domain.EventRecord](gobreaker.Settings{
		Name:        "usgs",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Rejected queries say nothing about upstream health.
		IsSuccessful: func(err error) bool {
			return err == nil || !domain.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				metrics.BreakerOpen.Set(1)
			} else {
				metrics.BreakerOpen.Set(0)
			}
		},
	})
	return c
}

// FetchEvents returns the events of one time window and bounding box.
func (c *Client) FetchEvents(ctx context.Context, req domain.FetchRequest) ([]domain.EventRecord, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	records, err := c.breaker.Execute(func() ([]domain.EventRecord, error) {
		return c.doRequest(ctx, c.buildURL(req))
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.metrics.UpstreamRequests.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err)
	}
	return records, err
}

func (c *Client) buildURL(req domain.FetchRequest) string {
	params := url.Values{
		"format":       {"geojson"},
		"starttime":    {req.Start.UTC().Format(time.RFC3339Nano)},
		"endtime":      {req.End.UTC().Format(time.RFC3339Nano)},
		"minmagnitude": {formatFloat(req.Magnitude.Min)},
		"maxmagnitude": {formatFloat(req.Magnitude.Max)},
		"minlatitude":  {formatFloat(req.Box.MinLat)},
		"maxlatitude":  {formatFloat(req.Box.MaxLat)},
		"minlongitude": {formatFloat(req.Box.MinLon)},
		"maxlongitude": {formatFloat(req.Box.MaxLon)},
		"limit":        {strconv.Itoa(c.resultLimit)},
		"orderby":      {"time"},
	}
	return c.baseURL + "?" + params.Encode()
}

func (c *Client) doRequest(ctx context.Context, fullURL string) ([]domain.EventRecord, error) {
	start := time.Now()
	defer func() {
		c.metrics.UpstreamDuration.Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/geo+json, application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.UpstreamRequests.WithLabelValues("server_error").Inc()
		return nil, &domain.UpstreamError{Category: domain.ErrUpstreamServer, Body: err.Error()}
	}
	defer resp.Body.Close()

	// The FDSN service answers 204 when nothing matches.
	if resp.StatusCode == http.StatusNoContent {
		c.metrics.UpstreamRequests.WithLabelValues("success").Inc()
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		upstreamErr := domain.NewUpstreamError(resp.StatusCode, string(body))
		c.metrics.UpstreamRequests.WithLabelValues(outcomeLabel(upstreamErr)).Inc()
		c.logger.Debug("upstream error response", "status", resp.StatusCode, "url", fullURL)
		return nil, upstreamErr
	}

	var fc featureCollection
	if err := json.NewDecoder(resp.Body).Decode(&fc); err != nil {
		c.metrics.UpstreamRequests.WithLabelValues("server_error").Inc()
		return nil, &domain.UpstreamError{
			StatusCode: resp.StatusCode,
			Category:   domain.ErrUpstreamServer,
			Body:       fmt.Sprintf("decode response: %v", err),
		}
	}
	if len(fc.Features) >= c.resultLimit {
		c.metrics.UpstreamRequests.WithLabelValues("truncated").Inc()
		return nil, fmt.Errorf("%w: %d features at limit %d", domain.ErrResultCapReached, len(fc.Features), c.resultLimit)
	}
	c.metrics.UpstreamRequests.WithLabelValues("success").Inc()

	records := make([]domain.EventRecord, 0, len(fc.Features))
	for _, f := range fc.Features {
		r, ok := f.record()
		if !ok {
			c.logger.Warn("skipping malformed feature", "id", f.ID)
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

func outcomeLabel(err *domain.UpstreamError) string {
	switch {
	case errors.Is(err, domain.ErrUpstreamRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrUpstreamServer):
		return "server_error"
	default:
		return "client_error"
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// GeoJSON response types.

type featureCollection struct {
	Features []feature `json:"features"`
}

type feature struct {
	ID         string          `json:"id"`
	Properties json.RawMessage `json:"properties"`
	Geometry   struct {
		Coordinates []float64 `json:"coordinates"` // [lon, lat, depth]
	} `json:"geometry"`
}

type properties struct {
	Time *int64   `json:"time"`
	Mag  *float64 `json:"mag"`
}

func (f feature) record() (domain.EventRecord, bool) {
	if f.ID == "" || len(f.Geometry.Coordinates) < 2 {
		return domain.EventRecord{}, false
	}
	var p properties
	if err := json.Unmarshal(f.Properties, &p); err != nil || p.Time == nil {
		return domain.EventRecord{}, false
	}

	r := domain.EventRecord{
		ID:          f.ID,
		TimestampMs: *p.Time,
		Magnitude:   p.Mag,
		Longitude:   f.Geometry.Coordinates[0],
		Latitude:    f.Geometry.Coordinates[1],
		Properties:  f.Properties,
	}
	if len(f.Geometry.Coordinates) > 2 {
		r.DepthKm = f.Geometry.Coordinates[2]
	}
	return r, true
}
