package domain

import "sort"

// Order is the timestamp ordering of a record list.
type Order int

const (
	Descending Order = iota
	Ascending
)

// Merge unions cached and fresh records by ID. When an ID appears in both,
// the fresh copy wins; within one input the later occurrence wins. The
// result is sorted by timestamp in the requested order with ID as a
// tie-breaker, so merging is deterministic regardless of input order.
func Merge(cached, fresh []EventRecord, order Order) []EventRecord {
	byID := make(map[string]EventRecord, len(cached)+len(fresh))
	for _, r := range cached {
		byID[r.ID] = r
	}
	for _, r := range fresh {
		byID[r.ID] = r
	}

	out := make([]EventRecord, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	SortRecords(out, order)
	return out
}

// SortRecords sorts records in place by timestamp, breaking ties by ID.
func SortRecords(records []EventRecord, order Order) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.TimestampMs != b.TimestampMs {
			if order == Ascending {
				return a.TimestampMs < b.TimestampMs
			}
			return a.TimestampMs > b.TimestampMs
		}
		return a.ID < b.ID
	})
}

// FilterMagnitude returns the records whose magnitude lies in r.
func FilterMagnitude(records []EventRecord, r MagnitudeRange) []EventRecord {
	out := make([]EventRecord, 0, len(records))
	for _, rec := range records {
		if r.Contains(rec.Magnitude) {
			out = append(out, rec)
		}
	}
	return out
}

// GroupByDay buckets records by their UTC calendar date.
func GroupByDay(records []EventRecord) map[string][]EventRecord {
	days := make(map[string][]EventRecord)
	for _, r := range records {
		day := r.Day()
		days[day] = append(days[day], r)
	}
	return days
}

// LatestTimestamp returns the newest origin time in records, or 0.
func LatestTimestamp(records []EventRecord) int64 {
	var latest int64
	for _, r := range records {
		if r.TimestampMs > latest {
			latest = r.TimestampMs
		}
	}
	return latest
}
