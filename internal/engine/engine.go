package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/quake-cache-service/internal/domain"
	"github.com/couchcryptid/quake-cache-service/internal/observability"
)

// Store is the persistent day-granular record store.
type Store interface {
	// Get returns nil, nil when no entry exists for key.
	Get(ctx context.Context, key domain.DayKey) (*domain.DayCacheEntry, error)
	Put(ctx context.Context, entry domain.DayCacheEntry) error
	Delete(ctx context.Context, key domain.DayKey) error
	ListKeys(ctx context.Context, scope string) ([]domain.DayKey, error)
	// Scan calls fn for every entry of scope with its encoded size in bytes.
	Scan(ctx context.Context, scope string, fn func(entry domain.DayCacheEntry, sizeBytes int64) error) error
}

// Upstream fetches events for one time window and bounding box. Failures
// carry a domain error category.
type Upstream interface {
	FetchEvents(ctx context.Context, req domain.FetchRequest) ([]domain.EventRecord, error)
}

// Notifier receives events discovered by top-off.
type Notifier interface {
	Publish(ctx context.Context, records []domain.EventRecord) error
}

// Options tunes the fetch orchestration.
type Options struct {
	MaxRetries   int
	RetryBase    time.Duration
	RegionDelay  time.Duration
	PartialEvery int

	// OnPartialResult receives the merged cached and fetched records every
	// PartialEvery chunks of a running query.
	OnPartialResult func(domain.CacheQuery, []domain.EventRecord)
}

// DefaultOptions returns the production retry and pacing settings.
func DefaultOptions() Options {
	return Options{
		MaxRetries:   3,
		RetryBase:    time.Second,
		RegionDelay:  250 * time.Millisecond,
		PartialEvery: 3,
	}
}

// Summary describes how a query was served.
type Summary struct {
	TotalRecords int  `json:"total_records"`
	CachedDays   int  `json:"cached_days"`
	FetchedDays  int  `json:"fetched_days"`
	Chunks       int  `json:"chunks"`
	Requests     int  `json:"requests"`
	StoreFailed  bool `json:"store_failed"`
}

// Result is the answer to a query.
type Result struct {
	Records []domain.EventRecord `json:"records"`
	Summary Summary              `json:"summary"`
}

// view is the record set of the last successful query; top-off keeps it
// current. syncedMs is the point up to which the upstream has been read for
// the view's scope. A live view ends today and follows the clock; any other
// view stops at the end of its last day.
type view struct {
	query    domain.CacheQuery
	records  map[string]domain.EventRecord
	syncedMs int64
	live     bool
}

// Engine answers range queries from the cache, fetches what is missing or
// stale, and keeps the latest result current through top-off. Queries and
// top-offs are mutually exclusive.
type Engine struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	metrics  *observability.Metrics
	opts     Options
	progress *Progress
	fetcher  *fetcher

	running atomic.Bool

	mu     sync.Mutex
	view   *view
	cancel context.CancelFunc
}

// New creates an Engine. notifier may be nil.
func New(store Store, upstream Upstream, notifier Notifier, logger *slog.Logger, metrics *observability.Metrics, opts Options) *Engine {
	progress := NewProgress()
	return &Engine{
		store:    store,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		opts:     opts,
		progress: progress,
		fetcher: &fetcher{
			upstream: upstream,
			store:    store,
			progress: progress,
			logger:   logger,
			metrics:  metrics,
			opts:     opts,
		},
	}
}

// Query returns every record of q, reusing fresh cached days and fetching the
// rest. On a mid-run failure the records gathered so far are returned with
// the error. A failed cache write returns the complete result together with
// an error wrapping domain.ErrStore.
func (e *Engine) Query(ctx context.Context, q domain.CacheQuery) (*Result, error) {
	if err := q.Validate(); err != nil {
		e.metrics.QueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	ctx, release, ok := e.acquire(ctx)
	if !ok {
		e.metrics.QueriesTotal.WithLabelValues("busy").Inc()
		return nil, domain.ErrBusy
	}
	defer release()

	start := time.Now()
	result, err := e.query(ctx, q)
	e.metrics.QueryDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		e.metrics.QueriesTotal.WithLabelValues("success").Inc()
	case result != nil:
		e.metrics.QueriesTotal.WithLabelValues("partial").Inc()
	default:
		e.metrics.QueriesTotal.WithLabelValues("error").Inc()
	}
	return result, err
}

func (e *Engine) query(ctx context.Context, q domain.CacheQuery) (*Result, error) {
	region, err := domain.LookupRegion(q.Region)
	if err != nil {
		return nil, err
	}

	e.progress.Report(domain.PhaseValidating, 0, 0, "planning "+domain.FormatDay(q.Start)+" to "+domain.FormatDay(q.End))
	now := domain.Now()
	plan, entries, err := Plan(ctx, e.store, q, now)
	if err != nil {
		return nil, err
	}
	e.metrics.QueryDays.WithLabelValues("cached").Add(float64(len(plan.CachedDays)))
	e.metrics.QueryDays.WithLabelValues("fetched").Add(float64(len(plan.StaleDays)))

	var cached []domain.EventRecord
	for _, entry := range entries {
		cached = append(cached, domain.FilterMagnitude(entry.Records, q.Magnitude)...)
	}
	e.progress.AddEvents(len(cached))

	var onPartial func([]domain.EventRecord)
	if e.opts.OnPartialResult != nil {
		onPartial = func(fresh []domain.EventRecord) {
			e.opts.OnPartialResult(q, domain.Merge(cached, fresh, q.Order()))
		}
	}

	out, fetchErr := e.fetcher.fetch(ctx, plan.StaleDays, q, region, onPartial)
	records := domain.Merge(cached, out.records, q.Order())
	result := &Result{
		Records: records,
		Summary: Summary{
			TotalRecords: len(records),
			CachedDays:   len(plan.CachedDays),
			FetchedDays:  len(plan.StaleDays),
			Chunks:       out.chunks,
			Requests:     out.requests,
			StoreFailed:  out.storeErr != nil,
		},
	}

	if fetchErr != nil {
		e.logger.Warn("query aborted", "region", q.Region, "records", len(records), "error", fetchErr)
		if out.storeErr != nil {
			fetchErr = errors.Join(fetchErr, out.storeErr)
		}
		return result, fetchErr
	}

	live := !domain.StartOfDay(q.End).Before(domain.StartOfDay(now))
	e.setView(q, records, syncedThrough(q, entries, now), live)
	e.logger.Info("query served",
		"region", q.Region,
		"start", domain.FormatDay(q.Start),
		"end", domain.FormatDay(q.End),
		"records", len(records),
		"cached_days", len(plan.CachedDays),
		"fetched_days", len(plan.StaleDays),
		"requests", out.requests,
	)

	if out.storeErr != nil {
		return result, out.storeErr
	}
	return result, nil
}

// Cancel aborts the running query, if any. Its in-flight chunk still
// completes and is stored.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// Progress returns a snapshot of the running operation.
func (e *Engine) Progress() domain.FetchProgress {
	return e.progress.Snapshot()
}

// SubscribeProgress registers fn for every progress change.
func (e *Engine) SubscribeProgress(fn func(domain.FetchProgress)) (unsubscribe func()) {
	return e.progress.Subscribe(fn)
}

// ClearCache deletes every cached day of scope, or of every known scope when
// scope is empty. It returns the number of deleted days.
func (e *Engine) ClearCache(ctx context.Context, scope string) (int, error) {
	scopes, err := resolveScopes(scope)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, s := range scopes {
		keys, err := e.store.ListKeys(ctx, s)
		if err != nil {
			return deleted, fmt.Errorf("%w: list %s: %w", domain.ErrStore, s, err)
		}
		for _, key := range keys {
			if err := e.store.Delete(ctx, key); err != nil {
				return deleted, fmt.Errorf("%w: delete %s: %w", domain.ErrStore, key, err)
			}
			deleted++
		}
	}
	e.logger.Info("cache cleared", "region", scope, "days", deleted)
	return deleted, nil
}

// ClearStale deletes the days the staleness policy would refetch.
func (e *Engine) ClearStale(ctx context.Context, scope string) (int, error) {
	scopes, err := resolveScopes(scope)
	if err != nil {
		return 0, err
	}

	now := domain.Now()
	deleted := 0
	for _, s := range scopes {
		var stale []domain.DayKey
		err := e.store.Scan(ctx, s, func(entry domain.DayCacheEntry, _ int64) error {
			if domain.IsStale(&entry, now) {
				stale = append(stale, entry.Key)
			}
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("%w: scan %s: %w", domain.ErrStore, s, err)
		}
		for _, key := range stale {
			if err := e.store.Delete(ctx, key); err != nil {
				return deleted, fmt.Errorf("%w: delete %s: %w", domain.ErrStore, key, err)
			}
			deleted++
		}
	}
	e.logger.Info("stale days cleared", "region", scope, "days", deleted)
	return deleted, nil
}

// Stats summarizes the cached days of one scope.
func (e *Engine) Stats(ctx context.Context, scope string) (domain.CacheStats, error) {
	if _, err := domain.LookupRegion(scope); err != nil {
		return domain.CacheStats{}, err
	}

	now := domain.Now()
	stats := domain.CacheStats{Region: scope}
	err := e.store.Scan(ctx, scope, func(entry domain.DayCacheEntry, size int64) error {
		stats.TotalDays++
		stats.TotalRecords += len(entry.Records)
		stats.SizeEstimate += size
		if domain.IsStale(&entry, now) {
			stats.StaleDays++
		}
		return nil
	})
	if err != nil {
		return domain.CacheStats{}, fmt.Errorf("%w: scan %s: %w", domain.ErrStore, scope, err)
	}
	return stats, nil
}

// CheckReadiness reports whether the record store answers reads.
func (e *Engine) CheckReadiness(ctx context.Context) error {
	key := domain.DayKey{Scope: domain.RegionWorld, Date: "1970-01-01"}
	if _, err := e.store.Get(ctx, key); err != nil {
		return fmt.Errorf("record store unavailable: %w", err)
	}
	return nil
}

// acquire takes the guard flag and installs a cancel function for the
// operation. ok is false when another operation holds the engine.
func (e *Engine) acquire(ctx context.Context) (context.Context, func(), bool) {
	if !e.running.CompareAndSwap(false, true) {
		return ctx, nil, false
	}
	ctx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.metrics.FetchRunning.Set(1)
	e.progress.Reset()

	return ctx, func() {
		e.progress.Reset()
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
		cancel()
		e.metrics.FetchRunning.Set(0)
		e.running.Store(false)
	}, true
}

func (e *Engine) setView(q domain.CacheQuery, records []domain.EventRecord, synced time.Time, live bool) {
	v := &view{
		query:    q,
		records:  make(map[string]domain.EventRecord, len(records)),
		syncedMs: synced.UnixMilli(),
		live:     live,
	}
	for _, r := range records {
		v.records[r.ID] = r
	}

	e.mu.Lock()
	e.view = v
	e.mu.Unlock()
}

// syncedThrough returns how far the upstream has been read for q once the
// query planned at now completes: now or the end of q's last day, whichever
// is earlier, pulled back to the fetch time of any cached day that was read
// before it closed.
func syncedThrough(q domain.CacheQuery, cached []domain.DayCacheEntry, now time.Time) time.Time {
	synced := domain.StartOfDay(q.End).AddDate(0, 0, 1)
	if now.Before(synced) {
		synced = now
	}
	for i := range cached {
		fetchedAt := cached[i].FetchedAt()
		if fetchedAt.Before(cached[i].Key.End()) && fetchedAt.Before(synced) {
			synced = fetchedAt
		}
	}
	return synced
}

func (e *Engine) currentView() *view {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

func resolveScopes(scope string) ([]string, error) {
	if scope == "" {
		return domain.RegionNames(), nil
	}
	if _, err := domain.LookupRegion(scope); err != nil {
		return nil, err
	}
	return []string{scope}, nil
}
