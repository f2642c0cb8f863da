package kv

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bastion/internal/enforcement/metrics"
	"bastion/pkg/platform/circuit"
)

// FailoverStore serves from a primary store while healthy and degrades to
// an in-process fallback when the circuit opens. Primary errors are absorbed
// rather than propagated, so callers on the hot path keep working against
// the fallback during an outage.
//
// While the circuit is open the primary is retried at most once per probe
// interval; enough probe successes close the circuit again.
type FailoverStore struct {
	primary  Store
	fallback Store
	breaker  *circuit.Breaker
	logger   *slog.Logger
	metrics  *metrics.Metrics

	probeInterval time.Duration
	probeMu       sync.Mutex
	lastProbe     time.Time
}

// FailoverOption configures a FailoverStore.
type FailoverOption func(*FailoverStore)

// WithFailoverLogger sets the logger used for state transitions.
func WithFailoverLogger(logger *slog.Logger) FailoverOption {
	return func(s *FailoverStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithFailoverMetrics sets the metrics recorder.
func WithFailoverMetrics(m *metrics.Metrics) FailoverOption {
	return func(s *FailoverStore) {
		s.metrics = m
	}
}

// WithProbeInterval sets how often the primary is retried while the circuit
// is open. Default is 5 seconds.
func WithProbeInterval(d time.Duration) FailoverOption {
	return func(s *FailoverStore) {
		if d > 0 {
			s.probeInterval = d
		}
	}
}

// NewFailoverStore wraps primary with fallback behind a circuit breaker.
func NewFailoverStore(primary, fallback Store, opts ...FailoverOption) *FailoverStore {
	s := &FailoverStore{
		primary:       primary,
		fallback:      fallback,
		breaker:       circuit.New("enforcement-store"),
		logger:        slog.Default(),
		probeInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// tryPrimary reports whether this call should go to the primary store.
func (s *FailoverStore) tryPrimary() bool {
	if !s.breaker.IsOpen() {
		return true
	}
	s.probeMu.Lock()
	defer s.probeMu.Unlock()
	if time.Since(s.lastProbe) < s.probeInterval {
		return false
	}
	s.lastProbe = time.Now()
	return true
}

func (s *FailoverStore) primarySucceeded() {
	if s.breaker.RecordSuccess() {
		s.metrics.RecordRecovery()
		s.logger.Info("primary store recovered, circuit closed")
	}
}

func (s *FailoverStore) primaryFailed(op string, err error) {
	if s.breaker.RecordFailure() {
		s.probeMu.Lock()
		s.lastProbe = time.Now()
		s.probeMu.Unlock()
		s.metrics.RecordFailover()
		s.logger.Error("primary store tripped, failing over to in-process store",
			"op", op,
			"error", err,
		)
	} else {
		s.logger.Warn("primary store operation failed",
			"op", op,
			"error", err,
		)
	}
}

func (s *FailoverStore) useFallback(op string) Store {
	s.metrics.RecordFallbackOp(op)
	return s.fallback
}

func (s *FailoverStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s.tryPrimary() {
		value, ok, err := s.primary.Get(ctx, key)
		if err == nil {
			s.primarySucceeded()
			return value, ok, nil
		}
		s.primaryFailed("get", err)
	}
	return s.useFallback("get").Get(ctx, key)
}

func (s *FailoverStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s.tryPrimary() {
		err := s.primary.Set(ctx, key, value, ttl)
		if err == nil {
			s.primarySucceeded()
			return nil
		}
		s.primaryFailed("set", err)
	}
	return s.useFallback("set").Set(ctx, key, value, ttl)
}

func (s *FailoverStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if s.tryPrimary() {
		claimed, err := s.primary.SetIfAbsent(ctx, key, value, ttl)
		if err == nil {
			s.primarySucceeded()
			return claimed, nil
		}
		s.primaryFailed("set_if_absent", err)
	}
	return s.useFallback("set_if_absent").SetIfAbsent(ctx, key, value, ttl)
}

func (s *FailoverStore) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if s.tryPrimary() {
		count, err := s.primary.IncrementWithExpiry(ctx, key, ttl)
		if err == nil {
			s.primarySucceeded()
			return count, nil
		}
		s.primaryFailed("increment", err)
	}
	return s.useFallback("increment").IncrementWithExpiry(ctx, key, ttl)
}

func (s *FailoverStore) ExpiresIn(ctx context.Context, key string) (time.Duration, bool, error) {
	if s.tryPrimary() {
		ttl, ok, err := s.primary.ExpiresIn(ctx, key)
		if err == nil {
			s.primarySucceeded()
			return ttl, ok, nil
		}
		s.primaryFailed("expires_in", err)
	}
	return s.useFallback("expires_in").ExpiresIn(ctx, key)
}

func (s *FailoverStore) AppendTimestamped(ctx context.Context, key string, at time.Time, member string, retention time.Duration) error {
	if s.tryPrimary() {
		err := s.primary.AppendTimestamped(ctx, key, at, member, retention)
		if err == nil {
			s.primarySucceeded()
			return nil
		}
		s.primaryFailed("append_timestamped", err)
	}
	return s.useFallback("append_timestamped").AppendTimestamped(ctx, key, at, member, retention)
}

func (s *FailoverStore) CountSince(ctx context.Context, key string, since, pruneBefore time.Time) (int64, error) {
	if s.tryPrimary() {
		count, err := s.primary.CountSince(ctx, key, since, pruneBefore)
		if err == nil {
			s.primarySucceeded()
			return count, nil
		}
		s.primaryFailed("count_since", err)
	}
	return s.useFallback("count_since").CountSince(ctx, key, since, pruneBefore)
}

func (s *FailoverStore) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	if s.tryPrimary() {
		err := s.primary.AddToSet(ctx, key, member, ttl)
		if err == nil {
			s.primarySucceeded()
			return nil
		}
		s.primaryFailed("add_to_set", err)
	}
	return s.useFallback("add_to_set").AddToSet(ctx, key, member, ttl)
}

func (s *FailoverStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s.tryPrimary() {
		members, err := s.primary.SetMembers(ctx, key)
		if err == nil {
			s.primarySucceeded()
			return members, nil
		}
		s.primaryFailed("set_members", err)
	}
	return s.useFallback("set_members").SetMembers(ctx, key)
}

func (s *FailoverStore) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	if s.tryPrimary() {
		err := s.primary.RemoveFromSet(ctx, key, members...)
		if err == nil {
			s.primarySucceeded()
			return nil
		}
		s.primaryFailed("remove_from_set", err)
	}
	return s.useFallback("remove_from_set").RemoveFromSet(ctx, key, members...)
}

func (s *FailoverStore) Delete(ctx context.Context, keys ...string) error {
	if s.tryPrimary() {
		err := s.primary.Delete(ctx, keys...)
		if err == nil {
			s.primarySucceeded()
			return nil
		}
		s.primaryFailed("delete", err)
	}
	return s.useFallback("delete").Delete(ctx, keys...)
}
