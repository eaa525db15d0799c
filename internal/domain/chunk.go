package domain

import (
	"sort"
	"time"
)

const (
	// UpstreamResultCap is the most events the catalog returns per request.
	UpstreamResultCap = 20000

	// ShortRangeDays is the longest query span treated as short.
	ShortRangeDays = 14
)

// IsShortRange reports whether a query spanning spanDays days is short
// enough for the looser chunk limits.
func IsShortRange(spanDays int) bool {
	return spanDays <= ShortRangeDays
}

// ChunkSpanDays returns the longest span, in days, one upstream request may
// cover at the given magnitude floor without risking the result cap. The
// table is monotonic: a lower floor never yields a longer span.
func ChunkSpanDays(minMagnitude float64, isShortRange bool) int {
	switch {
	case minMagnitude >= 6:
		return 3650
	case minMagnitude >= 5:
		return 365
	case minMagnitude >= 4:
		return 180
	case minMagnitude >= 3:
		if isShortRange {
			return 14
		}
		return 60
	case minMagnitude >= 2:
		if isShortRange {
			return 7
		}
		return 14
	case minMagnitude >= 1:
		return 7
	case minMagnitude >= 0:
		return 3
	default:
		if isShortRange {
			return 2
		}
		return 1
	}
}

// Chunk is a run of consecutive days fetched by one request per region box.
type Chunk struct {
	Days []DayKey
}

// Start returns midnight UTC of the first day.
func (c Chunk) Start() time.Time {
	return c.Days[0].Start()
}

// End returns midnight UTC after the last day (exclusive bound).
func (c Chunk) End() time.Time {
	return c.Days[len(c.Days)-1].End()
}

// CoalesceChunks groups days into maximal runs of consecutive dates. A run
// is broken at every gap and whenever it reaches maxSpan days.
func CoalesceChunks(days []DayKey, maxSpan int) []Chunk {
	if len(days) == 0 {
		return nil
	}
	if maxSpan < 1 {
		maxSpan = 1
	}

	sorted := make([]DayKey, len(days))
	copy(sorted, days)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date < sorted[j].Date })

	var chunks []Chunk
	current := Chunk{Days: []DayKey{sorted[0]}}
	for _, day := range sorted[1:] {
		prev := current.Days[len(current.Days)-1]
		if day == prev {
			continue
		}
		if day != prev.Next() || len(current.Days) >= maxSpan {
			chunks = append(chunks, current)
			current = Chunk{Days: []DayKey{day}}
			continue
		}
		current.Days = append(current.Days, day)
	}
	return append(chunks, current)
}
