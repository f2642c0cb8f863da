package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"bastion/internal/enforcement/config"
	"bastion/internal/enforcement/models"
	"bastion/internal/enforcement/store/kv"
	"bastion/pkg/platform/requesttime"
)

// =============================================================================
// Rate Limit Service Test Suite
// =============================================================================
// Justification: the boundary between the last allowed request and the
// first rejected one, and window-reset behavior, are exact contracts the
// HTTP layer builds its headers on.

type RateLimitSuite struct {
	suite.Suite
	store   *kv.MemoryStore
	cfg     *config.Config
	service *Service
}

func TestRateLimitSuite(t *testing.T) {
	suite.Run(t, new(RateLimitSuite))
}

func (s *RateLimitSuite) SetupTest() {
	s.store = kv.NewMemoryStore()
	s.cfg = config.DefaultConfig()
	s.service = NewService(s.store, s.cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func (s *RateLimitSuite) TestCheckAndConsume() {
	ctx := requesttime.WithTime(context.Background(), time.Now())

	s.Run("request exactly at the limit is allowed", func() {
		// Contact allows 3 per minute; the 3rd consumes the last unit.
		for i := 0; i < 3; i++ {
			result, err := s.service.CheckAndConsume(ctx, models.ActionContact, "10.0.0.1")
			s.NoError(err)
			s.True(result.Allowed)
		}
	})

	s.Run("request past the limit is rejected with retry hint", func() {
		result, err := s.service.CheckAndConsume(ctx, models.ActionContact, "10.0.0.1")
		s.NoError(err)
		s.False(result.Allowed)
		s.Zero(result.Remaining)
		s.Positive(result.RetryAfter)
		s.LessOrEqual(result.RetryAfter, 60)
	})

	s.Run("unknown action is a configuration error", func() {
		_, err := s.service.CheckAndConsume(ctx, models.Action("bogus"), "10.0.0.1")
		s.Error(err)
	})
}

func (s *RateLimitSuite) TestRemainingCountsDown() {
	ctx := requesttime.WithTime(context.Background(), time.Now())

	for want := 2; want >= 0; want-- {
		result, err := s.service.CheckAndConsume(ctx, models.ActionContact, "10.0.0.2")
		s.NoError(err)
		s.Equal(want, result.Remaining)
	}
}

func (s *RateLimitSuite) TestWindowReset() {
	now := time.Now()
	ctx := requesttime.WithTime(context.Background(), now)

	for i := 0; i < 3; i++ {
		_, err := s.service.CheckAndConsume(ctx, models.ActionContact, "10.0.0.3")
		s.NoError(err)
	}
	result, err := s.service.CheckAndConsume(ctx, models.ActionContact, "10.0.0.3")
	s.NoError(err)
	s.False(result.Allowed)

	// A fresh window grants the full allowance again.
	later := requesttime.WithTime(context.Background(), now.Add(61*time.Second))
	result, err = s.service.CheckAndConsume(later, models.ActionContact, "10.0.0.3")
	s.NoError(err)
	s.True(result.Allowed)
	s.Equal(2, result.Remaining)
}

func (s *RateLimitSuite) TestRejectedRequestsStillConsume() {
	now := time.Now()
	ctx := requesttime.WithTime(context.Background(), now)

	for i := 0; i < 10; i++ {
		_, err := s.service.CheckAndConsume(ctx, models.ActionContact, "10.0.0.4")
		s.NoError(err)
	}

	// Ten requests landed in a three-per-minute window; the counter kept
	// climbing, so the subject stays rejected mid-window.
	result, err := s.service.CheckAndConsume(ctx, models.ActionContact, "10.0.0.4")
	s.NoError(err)
	s.False(result.Allowed)
}

func (s *RateLimitSuite) TestExplicitLimitSharesWindow() {
	ctx := requesttime.WithTime(context.Background(), time.Now())
	subject := "10.0.0.5"

	// Five view requests under the default limit.
	for i := 0; i < 5; i++ {
		result, err := s.service.CheckAndConsume(ctx, models.ActionView, subject)
		s.NoError(err)
		s.True(result.Allowed)
	}

	// Tightening the limit to 5-per-window counts the existing window, so
	// the next request is already over.
	strict := config.Limit{Requests: 5, Window: time.Minute}
	result, err := s.service.CheckAndConsumeWithLimit(ctx, models.ActionView, subject, strict)
	s.NoError(err)
	s.False(result.Allowed)
}

func (s *RateLimitSuite) TestConcurrentConsumption() {
	ctx := requesttime.WithTime(context.Background(), time.Now())
	limit := config.Limit{Requests: 25, Window: time.Minute}

	const requests = 200
	var wg sync.WaitGroup
	allowed := make(chan struct{}, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := s.service.CheckAndConsumeWithLimit(ctx, models.ActionView, "10.0.0.6", limit)
			s.NoError(err)
			if result.Allowed {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	// Exactly min(N, limit) requests get through, never more.
	s.Len(allowed, 25)
}

func (s *RateLimitSuite) TestFailOpenOnStoreError() {
	ctx := requesttime.WithTime(context.Background(), time.Now())
	service := NewService(erroringStore{}, s.cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	result, err := service.CheckAndConsume(ctx, models.ActionContact, "10.0.0.7")
	s.NoError(err)
	s.True(result.Allowed)

	// The admitted request is reflected in the remaining allowance, matching
	// the arithmetic of a healthy first request in a window.
	s.Equal(2, result.Remaining)
}

func (s *RateLimitSuite) TestReset() {
	ctx := requesttime.WithTime(context.Background(), time.Now())
	subject := "10.0.0.8"

	for i := 0; i < 4; i++ {
		_, err := s.service.CheckAndConsume(ctx, models.ActionContact, subject)
		s.NoError(err)
	}

	s.NoError(s.service.Reset(ctx, models.ActionContact, subject))

	result, err := s.service.CheckAndConsume(ctx, models.ActionContact, subject)
	s.NoError(err)
	s.True(result.Allowed)
	s.Equal(2, result.Remaining)
}

// erroringStore fails every operation.
type erroringStore struct {
	kv.Store
}

func (erroringStore) IncrementWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, context.DeadlineExceeded
}
