package domain

import (
	"encoding/json"
	"time"
)

// EventRecord is one catalog event. Identity is ID; every other field may be
// revised by the upstream between fetches.
type EventRecord struct {
	ID          string   `json:"id"`
	TimestampMs int64    `json:"timestamp_ms"`
	Magnitude   *float64 `json:"magnitude"`
	DepthKm     float64  `json:"depth_km"`
	Longitude   float64  `json:"longitude"`
	Latitude    float64  `json:"latitude"`

	// Properties is the upstream properties object, preserved for display.
	Properties json.RawMessage `json:"properties,omitempty"`
}

// Time returns the event origin time in UTC.
func (r EventRecord) Time() time.Time {
	return time.UnixMilli(r.TimestampMs).UTC()
}

// Day returns the UTC calendar date of the event origin.
func (r EventRecord) Day() string {
	return FormatDay(r.Time())
}

// MagnitudeRange is an inclusive magnitude interval.
type MagnitudeRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Covers reports whether other lies entirely inside r.
func (r MagnitudeRange) Covers(other MagnitudeRange) bool {
	return r.Min <= other.Min && r.Max >= other.Max
}

// Contains reports whether a magnitude lies inside r. Events without a
// magnitude never match a magnitude-filtered range.
func (r MagnitudeRange) Contains(mag *float64) bool {
	if mag == nil {
		return false
	}
	return *mag >= r.Min && *mag <= r.Max
}

// DayCacheEntry is the persisted content of one cached day.
type DayCacheEntry struct {
	Key         DayKey         `json:"key"`
	Records     []EventRecord  `json:"records"`
	FetchedAtMs int64          `json:"fetched_at_ms"`
	Coverage    MagnitudeRange `json:"coverage"`
}

// FetchedAt returns the fetch time of the entry in UTC.
func (e DayCacheEntry) FetchedAt() time.Time {
	return time.UnixMilli(e.FetchedAtMs).UTC()
}

// Satisfies reports whether the entry's recorded coverage includes q.
func (e DayCacheEntry) Satisfies(q MagnitudeRange) bool {
	return e.Coverage.Covers(q)
}

// CacheQuery is the unit of external request. Start and End are inclusive
// calendar days; only their UTC date part is significant.
type CacheQuery struct {
	Start     time.Time      `json:"start"`
	End       time.Time      `json:"end"`
	Magnitude MagnitudeRange `json:"magnitude"`
	Region    string         `json:"region"`

	// Ascending requests forward-chronological order for playback.
	Ascending bool `json:"ascending,omitempty"`
}

// Order returns the record ordering the query asks for.
func (q CacheQuery) Order() Order {
	if q.Ascending {
		return Ascending
	}
	return Descending
}

// Days returns every calendar day of the query in chronological order.
func (q CacheQuery) Days() []time.Time {
	return EnumerateDays(q.Start, q.End)
}

// QueryPlan partitions a query's days into reusable and to-be-fetched keys.
// Both slices keep chronological order.
type QueryPlan struct {
	CachedDays []DayKey
	StaleDays  []DayKey
}

// Phase is a state of the progress state machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseValidating Phase = "validating"
	PhaseFetching   Phase = "fetching"
	PhaseStoring    Phase = "storing"
)

// FetchProgress is a snapshot of the running top-level operation.
type FetchProgress struct {
	Operation    Phase  `json:"operation"`
	CurrentStep  int    `json:"current_step"`
	TotalSteps   int    `json:"total_steps"`
	Message      string `json:"message,omitempty"`
	StartedAtMs  int64  `json:"started_at_ms,omitempty"`
	EventsLoaded int    `json:"events_loaded"`
}

// CacheStats summarizes the store contents for one region scope.
type CacheStats struct {
	Region       string `json:"region"`
	TotalRecords int    `json:"total_records"`
	TotalDays    int    `json:"total_days"`
	StaleDays    int    `json:"stale_days"`
	SizeEstimate int64  `json:"size_estimate_bytes"`
}

// FetchRequest is one upstream call: a half-open time window [Start, End)
// inside a single bounding box.
type FetchRequest struct {
	Start     time.Time
	End       time.Time
	Magnitude MagnitudeRange
	Box       BoundingBox
}
