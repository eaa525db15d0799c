package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/quake-cache-service/internal/domain"
	"github.com/couchcryptid/quake-cache-service/internal/observability"
	"github.com/couchcryptid/storm-data-shared/retry"
)

// fetcher sequences the upstream calls of one operation. It owns the
// accumulation buffer; callbacks only ever see sorted copies.
type fetcher struct {
	upstream Upstream
	store    Store
	progress *Progress
	logger   *slog.Logger
	metrics  *observability.Metrics
	opts     Options
}

type fetchOutcome struct {
	records  []domain.EventRecord
	chunks   int
	requests int
	storeErr error
}

// fetch retrieves every stale day of q, chunk by chunk, writing each
// completed chunk to the store before the next one starts. A failed chunk
// aborts the run; records merged before the failure are still returned.
// Cancelling ctx stops new chunks from starting but lets the in-flight one
// finish and be stored.
func (f *fetcher) fetch(ctx context.Context, stale []domain.DayKey, q domain.CacheQuery, region domain.Region, onPartial func([]domain.EventRecord)) (fetchOutcome, error) {
	var out fetchOutcome
	if len(stale) == 0 {
		return out, nil
	}

	span := domain.ChunkSpanDays(q.Magnitude.Min, domain.IsShortRange(len(q.Days())))
	chunks := domain.CoalesceChunks(stale, span)
	acc := make(map[string]domain.EventRecord)

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			out.records = snapshot(acc, q.Order())
			return out, fmt.Errorf("fetch cancelled after %d of %d chunks: %w", i, len(chunks), err)
		}

		f.progress.Report(domain.PhaseFetching, i+1, len(chunks),
			fmt.Sprintf("fetching %s to %s", chunk.Days[0].Date, chunk.Days[len(chunk.Days)-1].Date))

		records, requests, err := f.fetchChunk(context.WithoutCancel(ctx), chunk, q.Magnitude, region)
		out.requests += requests
		if err != nil {
			out.records = snapshot(acc, q.Order())
			return out, fmt.Errorf("fetch chunk %d/%d: %w", i+1, len(chunks), err)
		}
		out.chunks++

		f.progress.Report(domain.PhaseStoring, i+1, len(chunks), fmt.Sprintf("storing %d events", len(records)))
		if err := f.storeChunk(ctx, chunk, records, q.Magnitude); err != nil && out.storeErr == nil {
			out.storeErr = err
		}

		for _, r := range records {
			acc[r.ID] = r
		}
		f.progress.AddEvents(len(records))

		if onPartial != nil && f.opts.PartialEvery > 0 && (i+1)%f.opts.PartialEvery == 0 && i+1 < len(chunks) {
			onPartial(snapshot(acc, q.Order()))
		}
	}

	out.records = snapshot(acc, q.Order())
	return out, nil
}

// fetchChunk issues one request per region box, sequentially, with a pause
// between boxes. Records outside the chunk's days are dropped and ids are
// deduplicated, the later copy winning.
func (f *fetcher) fetchChunk(ctx context.Context, chunk domain.Chunk, magnitude domain.MagnitudeRange, region domain.Region) ([]domain.EventRecord, int, error) {
	byID := make(map[string]domain.EventRecord)
	var requests int
	for i, box := range region.Boxes {
		if i > 0 && !retry.SleepWithContext(ctx, f.opts.RegionDelay) {
			return nil, requests, ctx.Err()
		}
		n, err := f.fetchSpan(ctx, chunk.Days, magnitude, box, byID)
		requests += n
		if err != nil {
			return nil, requests, fmt.Errorf("%s: %w", box.Name, err)
		}
	}

	records := make([]domain.EventRecord, 0, len(byID))
	for _, r := range byID {
		records = append(records, r)
	}
	domain.SortRecords(records, domain.Descending)
	return records, requests, nil
}

// fetchSpan fetches the contiguous days for one box into byID. A response
// that hits the upstream result cap is discarded and the span is split in
// half; a single day that still overflows fails the chunk so no truncated
// day is stored.
func (f *fetcher) fetchSpan(ctx context.Context, days []domain.DayKey, magnitude domain.MagnitudeRange, box domain.BoundingBox, byID map[string]domain.EventRecord) (int, error) {
	span := domain.Chunk{Days: days}
	got, requests, err := f.fetchWithRetry(ctx, domain.FetchRequest{
		Start:     span.Start(),
		End:       span.End(),
		Magnitude: magnitude,
		Box:       box,
	})
	if errors.Is(err, domain.ErrResultCapReached) && len(days) > 1 {
		mid := len(days) / 2
		f.logger.Info("result cap reached, splitting span",
			"box", box.Name,
			"from", days[0].Date,
			"to", days[len(days)-1].Date,
		)
		n, err := f.fetchSpan(ctx, days[:mid], magnitude, box, byID)
		requests += n
		if err != nil {
			return requests, err
		}
		n, err = f.fetchSpan(ctx, days[mid:], magnitude, box, byID)
		return requests + n, err
	}
	if err != nil {
		return requests, err
	}

	inSpan := make(map[string]bool, len(days))
	for _, d := range days {
		inSpan[d.Date] = true
	}
	for _, r := range got {
		if inSpan[r.Day()] {
			byID[r.ID] = r
		}
	}
	return requests, nil
}

// fetchWithRetry repeats retryable failures with exponential backoff
// (base × 2^attempt). Client errors return at once; exhausted retries
// surface ErrUpstreamUnavailable.
func (f *fetcher) fetchWithRetry(ctx context.Context, req domain.FetchRequest) ([]domain.EventRecord, int, error) {
	backoff := f.opts.RetryBase
	maxBackoff := f.opts.RetryBase << f.opts.MaxRetries

	for attempt := 0; ; attempt++ {
		records, err := f.upstream.FetchEvents(ctx, req)
		if err == nil {
			return records, attempt + 1, nil
		}
		if !domain.IsRetryable(err) {
			return nil, attempt + 1, err
		}
		if attempt >= f.opts.MaxRetries {
			return nil, attempt + 1, fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err)
		}

		f.logger.Warn("upstream request failed, retrying",
			"box", req.Box.Name,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)
		f.metrics.UpstreamRetries.Inc()
		if !retry.SleepWithContext(ctx, backoff) {
			return nil, attempt + 1, errors.Join(err, ctx.Err())
		}
		backoff = retry.NextBackoff(backoff, maxBackoff)
	}
}

// storeChunk writes one entry per day of the chunk, including days with no
// events, so empty days are not refetched.
func (f *fetcher) storeChunk(ctx context.Context, chunk domain.Chunk, records []domain.EventRecord, coverage domain.MagnitudeRange) error {
	byDay := domain.GroupByDay(records)
	fetchedAt := domain.Now().UnixMilli()

	var firstErr error
	for _, key := range chunk.Days {
		entry := domain.DayCacheEntry{
			Key:         key,
			Records:     byDay[key.Date],
			FetchedAtMs: fetchedAt,
			Coverage:    coverage,
		}
		if entry.Records == nil {
			entry.Records = []domain.EventRecord{}
		}
		if err := f.store.Put(context.WithoutCancel(ctx), entry); err != nil {
			f.logger.Error("store day failed", "day", key.String(), "error", err)
			f.metrics.StoreErrors.Inc()
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: write %s: %w", domain.ErrStore, key, err)
			}
		}
	}
	return firstErr
}

func snapshot(acc map[string]domain.EventRecord, order domain.Order) []domain.EventRecord {
	records := make([]domain.EventRecord, 0, len(acc))
	for _, r := range acc {
		records = append(records, r)
	}
	domain.SortRecords(records, order)
	return records
}
