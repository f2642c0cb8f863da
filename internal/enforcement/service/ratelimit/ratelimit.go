// Package ratelimit implements fixed-window rate limiting on top of the
// enforcement store's atomic counter primitive.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"bastion/internal/enforcement/config"
	"bastion/internal/enforcement/models"
	"bastion/internal/enforcement/store/kv"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/platform/requesttime"
)

// Service evaluates fixed-window limits. Every check increments the window
// counter, including checks over the limit, so sustained hammering keeps a
// rejected subject rejected instead of sneaking through as older requests
// age out. The window TTL is set by the first increment only; the window
// never slides.
type Service struct {
	store  kv.Store
	cfg    *config.Config
	logger *slog.Logger
}

// Option configures the rate limit service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a rate limit service.
func NewService(store kv.Store, cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CheckAndConsume consumes one unit from the subject's window for the action
// using the configured default limit.
func (s *Service) CheckAndConsume(ctx context.Context, action models.Action, subject string) (*models.RateLimitResult, error) {
	limit, ok := s.cfg.GetLimit(action)
	if !ok {
		return nil, dErrors.New(dErrors.CodeConfiguration, "no rate limit configured for action "+action.String())
	}
	return s.CheckAndConsumeWithLimit(ctx, action, subject, limit)
}

// CheckAndConsumeWithLimit consumes one unit against an explicit limit.
// Callers pass a stricter limit for subjects under suspicion; the window
// key is shared either way so tightening a limit mid-window takes effect
// immediately against the counts already accumulated.
//
// Store failures are absorbed as an allow with an untouched window. Losing
// a handful of counts during an outage is acceptable; refusing legitimate
// traffic is not.
func (s *Service) CheckAndConsumeWithLimit(ctx context.Context, action models.Action, subject string, limit config.Limit) (*models.RateLimitResult, error) {
	now := requesttime.Now(ctx)
	key := models.RateKey(action, subject)

	count, err := s.store.IncrementWithExpiry(ctx, key, limit.Window)
	if err != nil {
		s.logger.Warn("rate limit check unavailable, allowing request",
			"action", action.String(),
			"error", err,
		)
		// The admitted request counts against the allowance it reports even
		// though the window was never touched.
		return &models.RateLimitResult{
			Allowed:   true,
			Limit:     limit.Requests,
			Remaining: limit.Requests - 1,
			ResetAt:   now.Add(limit.Window),
		}, nil
	}

	resetAt := now.Add(limit.Window)
	if ttl, ok, err := s.store.ExpiresIn(ctx, key); err == nil && ok {
		resetAt = now.Add(ttl)
	}

	result := &models.RateLimitResult{
		Allowed: count <= int64(limit.Requests),
		Limit:   limit.Requests,
		ResetAt: resetAt,
	}
	if remaining := int64(limit.Requests) - count; remaining > 0 {
		result.Remaining = int(remaining)
	}
	if !result.Allowed {
		result.RetryAfter = ceilSeconds(resetAt.Sub(now))
	}
	return result, nil
}

// Reset clears the subject's current window for the action. Admin use only.
func (s *Service) Reset(ctx context.Context, action models.Action, subject string) error {
	if err := s.store.Delete(ctx, models.RateKey(action, subject)); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to reset rate limit window")
	}
	s.logger.Info("rate limit window reset",
		"action", action.String(),
	)
	return nil
}

// ceilSeconds rounds a duration up to whole seconds, minimum 1, so a client
// honoring Retry-After never lands inside the same window.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
