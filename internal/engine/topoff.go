package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/quake-cache-service/internal/domain"
	"github.com/couchcryptid/storm-data-shared/retry"
)

// TopOff fetches events published since the current view was last synced
// and returns how many were new. Without a view, or while another operation
// runs, it does nothing. A view that does not end today is only read up to
// the end of its last day. A gap longer than domain.HistoricalAge returns
// domain.ErrFullRefreshRequired without contacting the upstream.
func (e *Engine) TopOff(ctx context.Context) (int, error) {
	if e.currentView() == nil {
		return 0, nil
	}
	ctx, release, ok := e.acquire(ctx)
	if !ok {
		return 0, nil
	}
	defer release()

	v := e.currentView()
	region, err := domain.LookupRegion(v.query.Region)
	if err != nil {
		return 0, err
	}

	until := domain.Now()
	if end := domain.StartOfDay(v.query.End).AddDate(0, 0, 1); !v.live && end.Before(until) {
		until = end
	}
	e.progress.Report(domain.PhaseValidating, 0, 0, "checking "+region.Name+" view")

	fresh, err := e.topOff(ctx, v.syncedMs, until, v.query.Magnitude, region, func(id string) bool {
		_, seen := v.records[id]
		return seen
	})
	if err != nil {
		return 0, err
	}

	if len(fresh) > 0 {
		e.progress.Report(domain.PhaseStoring, 1, 1, fmt.Sprintf("merging %d new events", len(fresh)))
	}
	e.mu.Lock()
	for _, r := range fresh {
		v.records[r.ID] = r
	}
	if until.UnixMilli() > v.syncedMs {
		v.syncedMs = until.UnixMilli()
	}
	e.mu.Unlock()

	if len(fresh) == 0 {
		return 0, nil
	}
	e.metrics.TopOffNewEvents.Add(float64(len(fresh)))
	e.logger.Info("top-off found new events",
		"region", region.Name,
		"count", len(fresh),
		"newest", time.UnixMilli(domain.LatestTimestamp(fresh)).UTC(),
	)

	if e.notifier != nil {
		if err := e.notifier.Publish(ctx, fresh); err != nil {
			e.logger.Warn("publish new events failed", "count", len(fresh), "error", err)
		}
	}
	return len(fresh), nil
}

// topOff issues one unchunked request per region box covering
// [syncedMs, until) and returns the records not already known. It is a no-op
// when the window is empty.
func (e *Engine) topOff(ctx context.Context, syncedMs int64, until time.Time, magnitude domain.MagnitudeRange, region domain.Region, known func(id string) bool) ([]domain.EventRecord, error) {
	if syncedMs >= until.UnixMilli() {
		return nil, nil
	}
	synced := time.UnixMilli(syncedMs).UTC()
	if gap := until.Sub(synced); gap > domain.HistoricalAge {
		return nil, fmt.Errorf("%w: view last synced %s ago", domain.ErrFullRefreshRequired, gap.Round(time.Hour))
	}

	e.progress.Report(domain.PhaseFetching, 1, 1, "checking for new events")

	var fresh []domain.EventRecord
	seen := make(map[string]bool)
	for i, box := range region.Boxes {
		if i > 0 && !retry.SleepWithContext(ctx, e.opts.RegionDelay) {
			return nil, ctx.Err()
		}
		records, _, err := e.fetcher.fetchWithRetry(ctx, domain.FetchRequest{
			Start:     synced,
			End:       until,
			Magnitude: magnitude,
			Box:       box,
		})
		if err != nil {
			return nil, fmt.Errorf("top-off %s: %w", box.Name, err)
		}
		for _, r := range records {
			if known(r.ID) || seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			fresh = append(fresh, r)
		}
	}

	e.progress.AddEvents(len(fresh))
	domain.SortRecords(fresh, domain.Descending)
	return fresh, nil
}

// RunTopOffLoop calls TopOff every interval until ctx is cancelled. When a
// live view has fallen too far behind it re-runs the view's query extended
// to today instead.
func (e *Engine) RunTopOffLoop(ctx context.Context, interval time.Duration) {
	ticker := domain.Clock().NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("top-off loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("top-off loop stopping", "reason", ctx.Err())
			return
		case <-ticker.Chan():
		}

		n, err := e.TopOff(ctx)
		switch {
		case errors.Is(err, domain.ErrFullRefreshRequired):
			e.logger.Warn("top-off gap too large, re-planning", "error", err)
			e.refreshView(ctx)
		case err != nil:
			e.logger.Error("top-off failed", "error", err)
		case n > 0:
			e.logger.Debug("top-off complete", "new_events", n)
		}
	}
}

func (e *Engine) refreshView(ctx context.Context) {
	v := e.currentView()
	if v == nil {
		return
	}
	if !v.live {
		e.logger.Info("view does not end today, skipping full refresh",
			"region", v.query.Region,
			"end", domain.FormatDay(v.query.End),
		)
		return
	}
	q := v.query
	q.End = domain.Now()
	if _, err := e.Query(ctx, q); err != nil {
		e.logger.Error("full refresh failed", "region", q.Region, "error", err)
	}
}
