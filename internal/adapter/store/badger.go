package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/couchcryptid/quake-cache-service/internal/domain"
)

const dayKeyPrefix = "day/"

// Badger persists one JSON-encoded DayCacheEntry per day under
// "day/<scope>/<YYYY-MM-DD>". Keys sort chronologically within a scope.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a Badger directory. readOnly opens an
// existing directory without taking the write lock.
func OpenBadger(path string, readOnly bool, logger *slog.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(readOnly).
		WithLogger(badgerLogger{logger: logger})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &Badger{db: db}, nil
}

// NewBadger wraps an already opened database.
func NewBadger(db *badger.DB) *Badger {
	return &Badger{db: db}
}

// Close releases the database.
func (s *Badger) Close() error {
	return s.db.Close()
}

func (s *Badger) Get(_ context.Context, key domain.DayKey) (*domain.DayCacheEntry, error) {
	var entry domain.DayCacheEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(encodeKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return &entry, nil
}

func (s *Badger) Put(_ context.Context, entry domain.DayCacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", entry.Key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(encodeKey(entry.Key), data); err != nil {
			return fmt.Errorf("set %s: %w", entry.Key, err)
		}
		return nil
	})
}

func (s *Badger) Delete(_ context.Context, key domain.DayKey) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(encodeKey(key)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		return nil
	})
}

func (s *Badger) ListKeys(ctx context.Context, scope string) ([]domain.DayKey, error) {
	var keys []domain.DayKey
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := scopePrefix(scope)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key, err := DecodeKey(it.Item().Key())
			if err != nil {
				return err
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", scope, err)
	}
	return keys, nil
}

func (s *Badger) Scan(ctx context.Context, scope string, fn func(domain.DayCacheEntry, int64) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := scopePrefix(scope)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var entry domain.DayCacheEntry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			if err := fn(entry, item.ValueSize()); err != nil {
				return err
			}
		}
		return nil
	})
}

// ScanRaw calls fn with every raw key and value under the day prefix,
// regardless of scope. Values are only valid inside fn.
func (s *Badger) ScanRaw(ctx context.Context, fn func(key, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(dayKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				return fn(item.Key(), val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func encodeKey(key domain.DayKey) []byte {
	return []byte(dayKeyPrefix + key.String())
}

func scopePrefix(scope string) []byte {
	return []byte(dayKeyPrefix + scope + "/")
}

// DecodeKey parses a raw store key back into a DayKey.
func DecodeKey(raw []byte) (domain.DayKey, error) {
	s, ok := strings.CutPrefix(string(raw), dayKeyPrefix)
	if !ok {
		return domain.DayKey{}, fmt.Errorf("unexpected key %q", raw)
	}
	return domain.ParseDayKey(s)
}

// badgerLogger routes Badger's printf-style logging into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}
