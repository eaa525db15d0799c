package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/quake-cache-service/internal/domain"
)

const testScope = domain.RegionUS

func testEntry(t *testing.T, date string, ids ...string) domain.DayCacheEntry {
	t.Helper()
	day, err := domain.ParseDay(date)
	require.NoError(t, err)

	records := make([]domain.EventRecord, 0, len(ids))
	for i, id := range ids {
		mag := 4.0 + float64(i)/10
		records = append(records, domain.EventRecord{
			ID:          id,
			TimestampMs: day.Add(time.Duration(i+1) * time.Hour).UnixMilli(),
			Magnitude:   &mag,
			Latitude:    35,
			Longitude:   -118,
			DepthKm:     10,
			Properties:  []byte(`{"place":"somewhere"}`),
		})
	}
	return domain.DayCacheEntry{
		Key:         domain.NewDayKey(testScope, day),
		Records:     records,
		FetchedAtMs: day.Add(48 * time.Hour).UnixMilli(),
		Coverage:    domain.MagnitudeRange{Min: 2, Max: 10},
	}
}

func openTestBadger(t *testing.T) *Badger {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewBadger(db)
}

// runStoreContract exercises behavior every record store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Backend) {
	ctx := context.Background()

	t.Run("missing key returns nil", func(t *testing.T) {
		s := newStore(t)
		got, err := s.Get(ctx, domain.DayKey{Scope: testScope, Date: "2024-01-01"})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("put then get", func(t *testing.T) {
		s := newStore(t)
		want := testEntry(t, "2024-01-02", "a", "b")
		require.NoError(t, s.Put(ctx, want))

		got, err := s.Get(ctx, want.Key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.Key, got.Key)
		assert.Equal(t, want.FetchedAtMs, got.FetchedAtMs)
		assert.Equal(t, want.Coverage, got.Coverage)
		require.Len(t, got.Records, 2)
		assert.Equal(t, "a", got.Records[0].ID)
		assert.JSONEq(t, `{"place":"somewhere"}`, string(got.Records[0].Properties))
	})

	t.Run("empty day round trips", func(t *testing.T) {
		s := newStore(t)
		want := testEntry(t, "2024-01-03")
		require.NoError(t, s.Put(ctx, want))

		got, err := s.Get(ctx, want.Key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Empty(t, got.Records)
	})

	t.Run("put overwrites", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, testEntry(t, "2024-01-04", "a")))
		require.NoError(t, s.Put(ctx, testEntry(t, "2024-01-04", "b", "c")))

		got, err := s.Get(ctx, domain.DayKey{Scope: testScope, Date: "2024-01-04"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Len(t, got.Records, 2)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t)
		e := testEntry(t, "2024-01-05", "a")
		require.NoError(t, s.Put(ctx, e))
		require.NoError(t, s.Delete(ctx, e.Key))
		require.NoError(t, s.Delete(ctx, e.Key))

		got, err := s.Get(ctx, e.Key)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("list keys is scoped and ordered", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, testEntry(t, "2024-01-09", "x")))
		require.NoError(t, s.Put(ctx, testEntry(t, "2024-01-07", "y")))
		other := testEntry(t, "2024-01-08", "z")
		other.Key.Scope = domain.RegionWorld
		require.NoError(t, s.Put(ctx, other))

		keys, err := s.ListKeys(ctx, testScope)
		require.NoError(t, err)
		assert.Equal(t, []domain.DayKey{
			{Scope: testScope, Date: "2024-01-07"},
			{Scope: testScope, Date: "2024-01-09"},
		}, keys)
	})

	t.Run("scan reports sizes", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, testEntry(t, "2024-01-10", "a", "b", "c")))
		require.NoError(t, s.Put(ctx, testEntry(t, "2024-01-11")))

		var days, records int
		err := s.Scan(ctx, testScope, func(e domain.DayCacheEntry, size int64) error {
			days++
			records += len(e.Records)
			assert.Positive(t, size)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, days)
		assert.Equal(t, 3, records)
	})
}

func TestBadger_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Backend { return openTestBadger(t) })
}

func TestMemory_Contract(t *testing.T) {
	runStoreContract(t, func(*testing.T) Backend { return NewMemory() })
}

func TestMemory_CopiesRecords(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	e := testEntry(t, "2024-01-01", "a")
	require.NoError(t, s.Put(ctx, e))

	e.Records[0].ID = "mutated"
	got, err := s.Get(ctx, e.Key)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Records[0].ID)

	got.Records[0].ID = "mutated-again"
	again, err := s.Get(ctx, e.Key)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Records[0].ID)
}

func TestBadger_KeyLayout(t *testing.T) {
	ctx := context.Background()
	s := openTestBadger(t)
	require.NoError(t, s.Put(ctx, testEntry(t, "2024-02-29", "leap")))

	var keys []string
	require.NoError(t, s.ScanRaw(ctx, func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	assert.Equal(t, []string{"day/us/2024-02-29"}, keys)

	decoded, err := DecodeKey([]byte(keys[0]))
	require.NoError(t, err)
	assert.Equal(t, domain.DayKey{Scope: "us", Date: "2024-02-29"}, decoded)

	_, err = DecodeKey([]byte("session:abc"))
	require.Error(t, err)
}

func TestOpenBadger_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := OpenBadger(dir, false, logger)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, testEntry(t, "2024-03-01", "a")))
	require.NoError(t, s.Close())

	ro, err := OpenBadger(dir, true, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ro.Close() })

	got, err := ro.Get(ctx, domain.DayKey{Scope: testScope, Date: "2024-03-01"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.Records, 1)
}
