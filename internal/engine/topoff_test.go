package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/quake-cache-service/internal/domain"
)

func recentWorldQuery(t *testing.T) domain.CacheQuery {
	return domain.CacheQuery{
		Start:     day(t, "2024-05-31"),
		End:       day(t, "2024-06-01"),
		Magnitude: domain.MagnitudeRange{Min: 1, Max: 10},
		Region:    domain.RegionWorld,
	}
}

func TestTopOff_WithoutViewIsNoop(t *testing.T) {
	h := newHarness(t, &fakeUpstream{}, nil)

	n, err := h.engine.TopOff(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.upstream.requestCount())
}

func TestTopOff_PublishesNewEventsOnce(t *testing.T) {
	ctx := context.Background()
	up := &fakeUpstream{catalog: dailyWorldCatalog(t, "2024-05-31", "2024-06-01")}
	h := newHarness(t, up, nil)

	_, err := h.engine.Query(ctx, recentWorldQuery(t))
	require.NoError(t, err)

	up.add(
		event("new-1", testNow.Add(time.Minute), 3.1, conusLat, conusLon),
		event("tiny", testNow.Add(2*time.Minute), 0.4, conusLat, conusLon),
	)
	h.clock.Advance(5 * time.Minute)
	before := up.requestCount()

	n, err := h.engine.TopOff(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, before+1, up.requestCount(), "one unchunked request per box")

	up.mu.Lock()
	req := up.requests[len(up.requests)-1]
	up.mu.Unlock()
	assert.Equal(t, testNow, req.Start, "window starts where the query left off")
	assert.Equal(t, testNow.Add(5*time.Minute), req.End)

	published, calls := h.notifier.snapshot()
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"new-1"}, recordIDs(published))

	n, err = h.engine.TopOff(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, before+1, up.requestCount(), "empty window issues no request")

	h.clock.Advance(time.Minute)
	n, err = h.engine.TopOff(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, calls = h.notifier.snapshot()
	assert.Equal(t, 1, calls, "nothing new, nothing published")
	assert.Equal(t, domain.PhaseIdle, h.engine.Progress().Operation)
}

func TestTopOff_QuietScopeStaysInSync(t *testing.T) {
	ctx := context.Background()
	up := &fakeUpstream{catalog: []domain.EventRecord{
		event("old-big", testNow.Add(-47*24*time.Hour), 6.4, conusLat, conusLon),
	}}
	h := newHarness(t, up, nil)

	res, err := h.engine.Query(ctx, domain.CacheQuery{
		Start:     day(t, "2024-04-01"),
		End:       day(t, "2024-06-01"),
		Magnitude: domain.MagnitudeRange{Min: 6, Max: 10},
		Region:    domain.RegionWorld,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"old-big"}, recordIDs(res.Records))
	before := up.requestCount()

	n, err := h.engine.TopOff(ctx)
	require.NoError(t, err, "newest event age does not matter")
	assert.Zero(t, n)

	h.clock.Advance(5 * time.Minute)
	n, err = h.engine.TopOff(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, before+1, up.requestCount())

	up.add(event("new-big", testNow.Add(6*time.Minute), 6.1, conusLat, conusLon))
	h.clock.Advance(5 * time.Minute)
	n, err = h.engine.TopOff(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, before+2, up.requestCount())
}

func TestTopOff_ReportsPhases(t *testing.T) {
	ctx := context.Background()
	up := &fakeUpstream{catalog: dailyWorldCatalog(t, "2024-05-31", "2024-06-01")}
	h := newHarness(t, up, nil)

	_, err := h.engine.Query(ctx, recentWorldQuery(t))
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		phases []domain.Phase
	)
	unsubscribe := h.engine.SubscribeProgress(func(p domain.FetchProgress) {
		mu.Lock()
		defer mu.Unlock()
		if len(phases) == 0 || phases[len(phases)-1] != p.Operation {
			phases = append(phases, p.Operation)
		}
	})
	defer unsubscribe()

	up.add(event("new-1", testNow.Add(time.Minute), 2.0, conusLat, conusLon))
	h.clock.Advance(5 * time.Minute)
	n, err := h.engine.TopOff(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.Phase{
		domain.PhaseIdle,
		domain.PhaseValidating,
		domain.PhaseFetching,
		domain.PhaseStoring,
		domain.PhaseIdle,
	}, phases)
}

func TestTopOff_HistoricalViewStopsAtItsEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeUpstream{catalog: weekCatalog(t)}, nil)

	_, err := h.engine.Query(ctx, usWeekQuery(t, 4))
	require.NoError(t, err)
	before := h.upstream.requestCount()

	h.clock.Advance(time.Hour)
	n, err := h.engine.TopOff(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, before, h.upstream.requestCount(), "view already synced through its last day")
}

func TestTopOff_GapRequiresFullRefresh(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeUpstream{catalog: dailyWorldCatalog(t, "2024-05-31", "2024-06-01")}, nil)

	_, err := h.engine.Query(ctx, recentWorldQuery(t))
	require.NoError(t, err)
	before := h.upstream.requestCount()
	h.clock.Advance(30 * 24 * time.Hour)

	n, err := h.engine.TopOff(ctx)
	require.ErrorIs(t, err, domain.ErrFullRefreshRequired)
	assert.Zero(t, n)
	assert.Equal(t, before, h.upstream.requestCount())
}

func TestTopOffWindow(t *testing.T) {
	world, err := domain.LookupRegion(domain.RegionWorld)
	require.NoError(t, err)
	magnitude := domain.MagnitudeRange{Min: 0, Max: 10}
	never := func(string) bool { return false }

	t.Run("empty window", func(t *testing.T) {
		h := newHarness(t, &fakeUpstream{}, nil)
		fresh, err := h.engine.topOff(context.Background(), testNow.UnixMilli(), testNow, magnitude, world, never)
		require.NoError(t, err)
		assert.Empty(t, fresh)
		assert.Zero(t, h.upstream.requestCount())
	})

	t.Run("gap beyond historical age", func(t *testing.T) {
		h := newHarness(t, &fakeUpstream{}, nil)
		synced := testNow.Add(-40 * 24 * time.Hour).UnixMilli()
		_, err := h.engine.topOff(context.Background(), synced, testNow, magnitude, world, never)
		require.ErrorIs(t, err, domain.ErrFullRefreshRequired)
		assert.Zero(t, h.upstream.requestCount())
	})

	t.Run("skips known and duplicate ids", func(t *testing.T) {
		up := &fakeUpstream{
			duplicate: true,
			catalog: []domain.EventRecord{
				event("a", testNow.Add(-50*time.Minute), 2, conusLat, conusLon),
				event("b", testNow.Add(-40*time.Minute), 2, conusLat, conusLon),
				event("c", testNow.Add(-30*time.Minute), 2, conusLat, conusLon),
			},
		}
		h := newHarness(t, up, nil)
		synced := testNow.Add(-time.Hour).UnixMilli()

		fresh, err := h.engine.topOff(context.Background(), synced, testNow, magnitude, world, func(id string) bool { return id == "a" })
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "b"}, recordIDs(fresh))
		assert.Equal(t, 1, up.requestCount())
	})

	t.Run("window end is exclusive", func(t *testing.T) {
		up := &fakeUpstream{catalog: []domain.EventRecord{
			event("inside", testNow.Add(-2*time.Hour), 2, conusLat, conusLon),
			event("after", testNow.Add(-30*time.Minute), 2, conusLat, conusLon),
		}}
		h := newHarness(t, up, nil)
		synced := testNow.Add(-3 * time.Hour).UnixMilli()

		fresh, err := h.engine.topOff(context.Background(), synced, testNow.Add(-time.Hour), magnitude, world, never)
		require.NoError(t, err)
		assert.Equal(t, []string{"inside"}, recordIDs(fresh))
	})
}

func TestRunTopOffLoop_TicksTopOff(t *testing.T) {
	up := &fakeUpstream{catalog: dailyWorldCatalog(t, "2024-05-31", "2024-06-01")}
	h := newHarness(t, up, nil)

	_, err := h.engine.Query(context.Background(), recentWorldQuery(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.engine.RunTopOffLoop(ctx, time.Minute)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	up.add(event("tick-1", testNow.Add(30*time.Second), 2.2, conusLat, conusLon))
	h.clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		published, _ := h.notifier.snapshot()
		return len(published) == 1 && published[0].ID == "tick-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunTopOffLoop_RefreshesLiveView(t *testing.T) {
	h := newHarness(t, &fakeUpstream{catalog: dailyWorldCatalog(t, "2024-05-31", "2024-07-01")}, nil)

	_, err := h.engine.Query(context.Background(), recentWorldQuery(t))
	require.NoError(t, err)
	h.clock.Advance(30 * 24 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.engine.RunTopOffLoop(ctx, time.Minute)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		v := h.engine.currentView()
		return v != nil && domain.FormatDay(v.query.End) == "2024-07-01"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunTopOffLoop_LeavesHistoricalViewAlone(t *testing.T) {
	h := newHarness(t, &fakeUpstream{catalog: weekCatalog(t)}, nil)

	_, err := h.engine.Query(context.Background(), usWeekQuery(t, 4))
	require.NoError(t, err)
	before := h.upstream.requestCount()

	var (
		mu        sync.Mutex
		validated int
	)
	unsubscribe := h.engine.SubscribeProgress(func(p domain.FetchProgress) {
		mu.Lock()
		defer mu.Unlock()
		if p.Operation == domain.PhaseValidating {
			validated++
		}
	})
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.engine.RunTopOffLoop(ctx, time.Minute)
	}()
	defer func() {
		cancel()
		<-done
	}()

	for i := range 3 {
		require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
		h.clock.Advance(time.Minute)
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return validated == i+1 && !h.engine.running.Load()
		}, 2*time.Second, 10*time.Millisecond)
	}

	assert.Equal(t, before, h.upstream.requestCount(), "no backfill to today")
	v := h.engine.currentView()
	require.NotNil(t, v)
	assert.Equal(t, "2024-01-07", domain.FormatDay(v.query.End))
}
