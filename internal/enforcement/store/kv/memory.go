package kv

import (
	"context"
	"sync"
	"time"

	"bastion/pkg/platform/requesttime"
)

// MemoryStore implements Store with process-local maps guarded by a mutex.
// It backs tests and the fail-open fallback during store outages. State is
// not shared across server instances; during an outage each instance
// enforces limits independently, which is a documented limitation.
//
// Expiry uses the request-scoped clock, so tests advance time without
// sleeping. Expired entries are dropped lazily on access and bulk-purged
// when the store reaches its entry cap.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*memEntry
	series     map[string]*memSeries
	sets       map[string]*memSet
	maxEntries int
}

type memEntry struct {
	value     string
	count     int64
	expiresAt time.Time // zero means no expiry
}

type memSeries struct {
	points    []seriesPoint
	expiresAt time.Time
}

type seriesPoint struct {
	at     time.Time
	member string
}

type memSet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxEntries caps the number of live keys. Default is 10000.
func WithMaxEntries(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// NewMemoryStore creates an in-process store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:    make(map[string]*memEntry),
		series:     make(map[string]*memSeries),
		sets:       make(map[string]*memSet),
		maxEntries: 10000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := requesttime.Now(ctx)
	e, ok := s.entries[key]
	if !ok || expired(e.expiresAt, now) {
		delete(s.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := requesttime.Now(ctx)
	s.evictIfFull(now)
	e := &memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := requesttime.Now(ctx)
	if e, ok := s.entries[key]; ok && !expired(e.expiresAt, now) {
		return false, nil
	}
	s.evictIfFull(now)
	e := &memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.entries[key] = e
	return true, nil
}

func (s *MemoryStore) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := requesttime.Now(ctx)
	e, ok := s.entries[key]
	if !ok || expired(e.expiresAt, now) {
		s.evictIfFull(now)
		e = &memEntry{count: 1, value: "1"}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
		s.entries[key] = e
		return 1, nil
	}
	e.count++
	return e.count, nil
}

func (s *MemoryStore) ExpiresIn(ctx context.Context, key string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := requesttime.Now(ctx)
	e, ok := s.entries[key]
	if !ok || expired(e.expiresAt, now) || e.expiresAt.IsZero() {
		return 0, false, nil
	}
	return e.expiresAt.Sub(now), true, nil
}

func (s *MemoryStore) AppendTimestamped(ctx context.Context, key string, at time.Time, member string, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := requesttime.Now(ctx)
	col, ok := s.series[key]
	if !ok || expired(col.expiresAt, now) {
		col = &memSeries{}
		s.series[key] = col
	}
	col.points = append(col.points, seriesPoint{at: at, member: member})
	col.expiresAt = now.Add(retention)
	return nil
}

func (s *MemoryStore) CountSince(ctx context.Context, key string, since, pruneBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := requesttime.Now(ctx)
	col, ok := s.series[key]
	if !ok || expired(col.expiresAt, now) {
		delete(s.series, key)
		return 0, nil
	}

	// Lazy prune at the retention cutoff; the query window is separate so
	// a short-lookback read keeps older points alive.
	kept := col.points[:0]
	var count int64
	for _, p := range col.points {
		if p.at.Before(pruneBefore) {
			continue
		}
		kept = append(kept, p)
		if !p.at.Before(since) {
			count++
		}
	}
	col.points = kept
	return count, nil
}

func (s *MemoryStore) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := requesttime.Now(ctx)
	set, ok := s.sets[key]
	if !ok || expired(set.expiresAt, now) {
		set = &memSet{members: make(map[string]struct{})}
		s.sets[key] = set
	}
	set.members[member] = struct{}{}
	if ttl > 0 {
		set.expiresAt = now.Add(ttl)
	}
	return nil
}

func (s *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := requesttime.Now(ctx)
	set, ok := s.sets[key]
	if !ok || expired(set.expiresAt, now) {
		delete(s.sets, key)
		return nil, nil
	}
	members := make([]string, 0, len(set.members))
	for m := range set.members {
		members = append(members, m)
	}
	return members, nil
}

func (s *MemoryStore) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set.members, m)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.entries, key)
		delete(s.series, key)
		delete(s.sets, key)
	}
	return nil
}

// evictIfFull purges expired entries once the cap is reached, then evicts
// an arbitrary entry if the purge freed nothing. Callers hold the mutex.
func (s *MemoryStore) evictIfFull(now time.Time) {
	if len(s.entries) < s.maxEntries {
		return
	}
	for key, e := range s.entries {
		if expired(e.expiresAt, now) {
			delete(s.entries, key)
		}
	}
	if len(s.entries) < s.maxEntries {
		return
	}
	for key := range s.entries {
		delete(s.entries, key)
		return
	}
}
