// Package dedup prevents the same browsing session from counting the same
// resource more than once per claim window.
package dedup

import (
	"context"
	"log/slog"
	"regexp"

	"bastion/internal/enforcement/config"
	"bastion/internal/enforcement/models"
	"bastion/internal/enforcement/store/kv"
	dErrors "bastion/pkg/domain-errors"
)

// Session identifiers are client-generated opaque tokens. Anything outside
// this shape is rejected before it reaches the store.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{10,100}$`)

// ValidSessionID reports whether the session identifier has an acceptable
// shape.
func ValidSessionID(sessionID string) bool {
	return sessionIDPattern.MatchString(sessionID)
}

// Service claims (action, resource, session) tuples for one window each.
// Claims are existence-only markers; the first writer wins and everyone
// else observes a duplicate.
type Service struct {
	store  kv.Store
	cfg    *config.Config
	logger *slog.Logger
}

// Option configures the dedup service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a session dedup service.
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

// TryClaim attempts to claim the tuple for the action's window. It returns
// true when this session is the first to submit the resource within the
// window. A malformed session identifier is a policy rejection, not a
// duplicate.
//
// Store failures count as a successful claim. The cost of a duplicate
// count during an outage is lower than dropping legitimate submissions.
func (s *Service) TryClaim(ctx context.Context, action models.Action, resourceID, sessionID string) (bool, error) {
	if !ValidSessionID(sessionID) {
		return false, dErrors.New(dErrors.CodeValidation, "malformed session identifier")
	}

	window, ok := s.cfg.GetDedupWindow(action)
	if !ok {
		return false, dErrors.New(dErrors.CodeConfiguration, "no dedup window configured for action "+action.String())
	}

	key := models.DedupKey(action, resourceID, sessionID)
	claimed, err := s.store.SetIfAbsent(ctx, key, "1", window)
	if err != nil {
		s.logger.Warn("dedup claim unavailable, treating as first submission",
			"action", action.String(),
			"resource_id", resourceID,
			"error", err,
		)
		return true, nil
	}
	return claimed, nil
}

// Release returns a claim so the session can submit the resource again
// within the window. Used when a later check rejects the submission with an
// explicit reason; the client is told what to fix and a corrected retry
// must still be countable. Best effort.
func (s *Service) Release(ctx context.Context, action models.Action, resourceID, sessionID string) {
	if !ValidSessionID(sessionID) {
		return
	}
	if err := s.store.Delete(ctx, models.DedupKey(action, resourceID, sessionID)); err != nil {
		s.logger.Warn("failed to release dedup claim",
			"action", action.String(),
			"resource_id", resourceID,
			"error", err,
		)
	}
}
