package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/goccy/go-json"

	"github.com/couchcryptid/quake-cache-service/internal/domain"
	"github.com/couchcryptid/quake-cache-service/internal/engine"
)

// Query defaults when a parameter is omitted.
const (
	defaultMinMagnitude = 2.5
	defaultRegion       = domain.RegionUS
)

type eventsResponse struct {
	Records []domain.EventRecord `json:"records"`
	Summary engine.Summary       `json:"summary"`
	Partial bool                 `json:"partial,omitempty"`
	Error   string               `json:"error,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	// Long fetches outlive the server-wide write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	result, err := s.engine.Query(r.Context(), q)
	switch {
	case err == nil:
		sharedobs.WriteJSON(w, http.StatusOK, eventsResponse{Records: result.Records, Summary: result.Summary})
	case result != nil && errors.Is(err, domain.ErrStore) && onlyStoreFailed(err):
		sharedobs.WriteJSON(w, http.StatusOK, eventsResponse{Records: result.Records, Summary: result.Summary, Error: err.Error()})
	case result != nil && errors.Is(err, context.Canceled):
		sharedobs.WriteJSON(w, http.StatusOK, eventsResponse{Records: result.Records, Summary: result.Summary, Partial: true, Error: err.Error()})
	case result != nil:
		status := statusFor(err)
		s.logger.Warn("query returned partial result", "status", status, "records", len(result.Records), "error", err)
		sharedobs.WriteJSON(w, status, eventsResponse{Records: result.Records, Summary: result.Summary, Partial: true, Error: err.Error()})
	default:
		writeError(w, err)
	}
}

func (s *Server) handleTopOff(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.TopOff(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, map[string]int{"new_count": n})
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	s.engine.Cancel()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleProgress(w http.ResponseWriter, _ *http.Request) {
	sharedobs.WriteJSON(w, http.StatusOK, s.engine.Progress())
}

// handleProgressStream writes every progress change as a server-sent event
// until the client disconnects. Updates are dropped, never queued, when the
// client reads slower than the engine reports.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	updates := make(chan domain.FetchProgress, 16)
	unsubscribe := s.engine.SubscribeProgress(func(p domain.FetchProgress) {
		select {
		case updates <- p:
		default:
		}
	})
	defer unsubscribe()

	if err := writeEvent(w, rc, s.engine.Progress()); err != nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case p := <-updates:
			if err := writeEvent(w, rc, p); err != nil {
				s.logger.Debug("progress stream closed", "error", err)
				return
			}
		}
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context(), regionParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ClearCache(r.Context(), r.URL.Query().Get("region"))
	if err != nil {
		writeError(w, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, map[string]int{"deleted_days": n})
}

func (s *Server) handleClearStale(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ClearStale(r.Context(), r.URL.Query().Get("region"))
	if err != nil {
		writeError(w, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, map[string]int{"deleted_days": n})
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, p domain.FetchProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
		return err
	}
	return rc.Flush()
}

func parseQuery(r *http.Request) (domain.CacheQuery, error) {
	params := r.URL.Query()

	start, err := parseDayParam(params.Get("start"), "start")
	if err != nil {
		return domain.CacheQuery{}, err
	}
	end, err := parseDayParam(params.Get("end"), "end")
	if err != nil {
		return domain.CacheQuery{}, err
	}
	minMag, err := parseFloatParam(params.Get("min"), "min", defaultMinMagnitude)
	if err != nil {
		return domain.CacheQuery{}, err
	}
	maxMag, err := parseFloatParam(params.Get("max"), "max", domain.MaxMagnitude)
	if err != nil {
		return domain.CacheQuery{}, err
	}

	var ascending bool
	switch params.Get("order") {
	case "", "desc":
	case "asc":
		ascending = true
	default:
		return domain.CacheQuery{}, domain.Validationf("order must be asc or desc")
	}

	return domain.CacheQuery{
		Start:     start,
		End:       end,
		Magnitude: domain.MagnitudeRange{Min: minMag, Max: maxMag},
		Region:    regionParam(r),
		Ascending: ascending,
	}, nil
}

func parseDayParam(value, name string) (time.Time, error) {
	if value == "" {
		return time.Time{}, domain.Validationf("%s is required (YYYY-MM-DD)", name)
	}
	t, err := domain.ParseDay(value)
	if err != nil {
		return time.Time{}, domain.Validationf("%s: %v", name, err)
	}
	return t, nil
}

func parseFloatParam(value, name string, fallback float64) (float64, error) {
	if value == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, domain.Validationf("%s must be a number", name)
	}
	return v, nil
}

func regionParam(r *http.Request) string {
	if region := r.URL.Query().Get("region"); region != "" {
		return region
	}
	return defaultRegion
}

// statusFor maps the engine error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrBusy), errors.Is(err, domain.ErrFullRefreshRequired):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrUpstreamClient),
		errors.Is(err, domain.ErrUpstreamRateLimited),
		errors.Is(err, domain.ErrUpstreamServer),
		errors.Is(err, domain.ErrResultCapReached):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// onlyStoreFailed reports whether err carries nothing but a store failure.
func onlyStoreFailed(err error) bool {
	return statusFor(err) == http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	sharedobs.WriteJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}
