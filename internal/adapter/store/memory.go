package store

import (
	"context"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/couchcryptid/quake-cache-service/internal/domain"
)

// Memory is a process-local store. Entries are copied on the way in and out
// so callers never share record slices with the store.
type Memory struct {
	mu      sync.RWMutex
	entries map[domain.DayKey]domain.DayCacheEntry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[domain.DayKey]domain.DayCacheEntry)}
}

func (m *Memory) Get(_ context.Context, key domain.DayKey) (*domain.DayCacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	c := cloneEntry(entry)
	return &c, nil
}

func (m *Memory) Put(_ context.Context, entry domain.DayCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Key] = cloneEntry(entry)
	return nil
}

func (m *Memory) Delete(_ context.Context, key domain.DayKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) ListKeys(_ context.Context, scope string) ([]domain.DayKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []domain.DayKey
	for key := range m.entries {
		if key.Scope == scope {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Date < keys[j].Date })
	return keys, nil
}

// Scan reports each entry's JSON size so estimates match the Badger store.
func (m *Memory) Scan(ctx context.Context, scope string, fn func(domain.DayCacheEntry, int64) error) error {
	keys, err := m.ListKeys(ctx, scope)
	if err != nil {
		return err
	}
	for _, key := range keys {
		entry, err := m.Get(ctx, key)
		if err != nil {
			return err
		}
		if entry == nil {
			continue
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := fn(*entry, int64(len(data))); err != nil {
			return err
		}
	}
	return nil
}

func cloneEntry(e domain.DayCacheEntry) domain.DayCacheEntry {
	out := e
	out.Records = make([]domain.EventRecord, len(e.Records))
	copy(out.Records, e.Records)
	return out
}
