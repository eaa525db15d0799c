package domain

import "time"

const (
	// HistoricalAge is how far in the past a day must lie before the catalog
	// is assumed to never revise it again. Top-off gaps beyond it also force a
	// full re-plan.
	HistoricalAge = 28 * 24 * time.Hour

	// RecentTTL is how long a fetch of a recent day stays fresh.
	RecentTTL = 24 * time.Hour
)

// IsHistorical reports whether the calendar day starting at day is more
// than HistoricalAge before now.
func IsHistorical(day, now time.Time) bool {
	return now.Sub(StartOfDay(day)) > HistoricalAge
}

// IsStale reports whether a cached day must be refetched. A missing entry is
// always stale. A historical day is final once it was fetched at least
// RecentTTL after it ended; every other entry expires RecentTTL after its
// fetch.
func IsStale(entry *DayCacheEntry, now time.Time) bool {
	if entry == nil {
		return true
	}
	if IsHistorical(entry.Key.Start(), now) && IsComplete(entry) {
		return false
	}
	return now.Sub(entry.FetchedAt()) > RecentTTL
}

// IsComplete reports whether entry was fetched late enough after its day
// closed for the catalog to have settled.
func IsComplete(entry *DayCacheEntry) bool {
	return !entry.FetchedAt().Before(entry.Key.End().Add(RecentTTL))
}
