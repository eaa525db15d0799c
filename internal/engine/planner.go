package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/couchcryptid/quake-cache-service/internal/domain"
)

// Plan classifies every day of q as cached or stale. A day is cached only
// when its entry exists, is fresh at now, and its coverage includes the
// query's magnitude range. The cached entries are returned alongside the
// plan in the same order as plan.CachedDays.
func Plan(ctx context.Context, store Store, q domain.CacheQuery, now time.Time) (domain.QueryPlan, []domain.DayCacheEntry, error) {
	var (
		plan    domain.QueryPlan
		entries []domain.DayCacheEntry
	)

	for _, day := range q.Days() {
		key := domain.NewDayKey(q.Region, day)
		entry, err := store.Get(ctx, key)
		if err != nil {
			return domain.QueryPlan{}, nil, fmt.Errorf("%w: read %s: %w", domain.ErrStore, key, err)
		}
		if domain.IsStale(entry, now) || !entry.Satisfies(q.Magnitude) {
			plan.StaleDays = append(plan.StaleDays, key)
			continue
		}
		plan.CachedDays = append(plan.CachedDays, key)
		entries = append(entries, *entry)
	}

	return plan, entries, nil
}
