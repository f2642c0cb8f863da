// Package abusetrack maintains per-subject histories of denied attempts
// and flags subjects whose recent volume crosses the abuse threshold.
package abusetrack

import (
	"context"
	"log/slog"

	"bastion/internal/enforcement/config"
	"bastion/internal/enforcement/metrics"
	"bastion/internal/enforcement/models"
	"bastion/internal/enforcement/store/kv"
	"bastion/internal/platform/privacy"
	"bastion/pkg/platform/requesttime"
)

// Service records abuse events and answers flagging queries. Recording is
// best-effort: a failed write is logged and dropped, never surfaced to the
// request that triggered it, because the triggering request was already
// denied and abuse bookkeeping must not add a second failure mode.
type Service struct {
	store   kv.Store
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures the abuse tracking service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates an abuse tracking service.
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

// RecordAttempt appends a denied attempt to the subject's history and
// reports whether the subject just crossed the flagging threshold with
// this event. Crossing is edge-triggered: it reports true only on the
// transition so callers escalate once, not on every subsequent denial.
func (s *Service) RecordAttempt(ctx context.Context, subject string, action models.Action, reason models.ReasonCode) (flagged bool) {
	now := requesttime.Now(ctx)
	event, err := models.NewAbuseEvent(subject, action, reason, now)
	if err != nil {
		s.logger.Error("dropping malformed abuse event",
			"error", err,
		)
		return false
	}

	key := models.AbuseKey(action, subject)
	if err := s.store.AppendTimestamped(ctx, key, event.OccurredAt, event.ID, s.cfg.Abuse.Retention); err != nil {
		s.logger.Warn("failed to record abuse event",
			"subject", privacy.AnonymizeIP(subject),
			"action", action.String(),
			"error", err,
		)
		return false
	}

	count, err := s.store.CountSince(ctx, key, now.Add(-s.cfg.Abuse.Lookback), now.Add(-s.cfg.Abuse.Retention))
	if err != nil {
		s.logger.Warn("failed to evaluate abuse threshold",
			"subject", privacy.AnonymizeIP(subject),
			"action", action.String(),
			"error", err,
		)
		return false
	}

	if count == int64(s.cfg.Abuse.Threshold)+1 {
		s.metrics.RecordAbuseFlag(action.String())
		s.logger.Warn("subject crossed abuse threshold",
			"subject", privacy.AnonymizeIP(subject),
			"action", action.String(),
			"attempts", count,
			"lookback", s.cfg.Abuse.Lookback.String(),
		)
		return true
	}
	return false
}

// IsFlagged reports whether the subject's attempts within the lookback
// window exceed the threshold. Exactly threshold attempts is not flagged.
// Unreadable history answers false; flagging requires positive evidence.
func (s *Service) IsFlagged(ctx context.Context, subject string, action models.Action) bool {
	now := requesttime.Now(ctx)
	key := models.AbuseKey(action, subject)
	count, err := s.store.CountSince(ctx, key, now.Add(-s.cfg.Abuse.Lookback), now.Add(-s.cfg.Abuse.Retention))
	if err != nil {
		s.logger.Warn("abuse history unavailable",
			"subject", privacy.AnonymizeIP(subject),
			"action", action.String(),
			"error", err,
		)
		return false
	}
	return count > int64(s.cfg.Abuse.Threshold)
}

// Clear removes the subject's history for the action. Admin use only.
func (s *Service) Clear(ctx context.Context, subject string, action models.Action) error {
	return s.store.Delete(ctx, models.AbuseKey(action, subject))
}
