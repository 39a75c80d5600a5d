package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MemoryStore implements Store with process-local state. It honors TTLs
// lazily: expired values are dropped when they are next read.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]memoryValue
	sets    map[string]map[string]struct{}
	windows map[string][]windowEntry
	logger  zerolog.Logger
}

type memoryValue struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type windowEntry struct {
	member string
	at     time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger zerolog.Logger) *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]memoryValue),
		sets:    make(map[string]map[string]struct{}),
		windows: make(map[string][]windowEntry),
		logger:  logger,
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	if !v.expiresAt.IsZero() && time.Now().After(v.expiresAt) {
		delete(m.values, key)
		return "", ErrNotFound
	}
	return v.value, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := memoryValue{value: value}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	m.values[key] = v
	return nil
}

func (m *MemoryStore) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	return nil
}

func (m *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(set, member)
	}
	return nil
}

func (m *MemoryStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		return false, nil
	}
	_, ok = set[member]
	return ok, nil
}

func (m *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

func (m *MemoryStore) WindowAdd(ctx context.Context, key, member string, now time.Time, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.pruneWindowLocked(key, now, window)
	entries = append(entries, windowEntry{member: member, at: now})
	m.windows[key] = entries
	return int64(len(entries)), nil
}

func (m *MemoryStore) WindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.pruneWindowLocked(key, now, window)
	m.windows[key] = entries
	return int64(len(entries)), nil
}

// pruneWindowLocked drops entries that fell out of the trailing window.
// Entries are appended in time order, so the first surviving index bounds
// the rest.
func (m *MemoryStore) pruneWindowLocked(key string, now time.Time, window time.Duration) []windowEntry {
	entries := m.windows[key]
	cutoff := now.Add(-window)
	first := 0
	for first < len(entries) && !entries[first].at.After(cutoff) {
		first++
	}
	if first == len(entries) {
		delete(m.windows, key)
		return nil
	}
	return entries[first:]
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil // memory store is always available
}

func (m *MemoryStore) Close() error {
	return nil
}
