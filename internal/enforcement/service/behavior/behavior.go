// Package behavior validates client-side interaction signals for count-once
// submissions: user agent sanity, timing thresholds, and the honeypot field.
package behavior

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mssola/useragent"

	"bastion/internal/enforcement/config"
	"bastion/internal/enforcement/models"
)

// Substrings that identify non-browser clients regardless of what the
// parser makes of the rest of the string. Matched case-insensitively.
var botIndicators = []string{
	"bot",
	"crawler",
	"spider",
	"curl",
	"wget",
	"python-requests",
	"python-urllib",
	"go-http-client",
	"java/",
	"okhttp",
	"libwww",
	"headless",
	"phantomjs",
	"scrapy",
}

// Signals carries the client-reported interaction evidence for one
// submission. Millisecond fields come straight from the client and are
// treated as claims, not facts; thresholds are calibrated accordingly.
type Signals struct {
	UserAgent      string
	ElapsedMillis  int64
	VisibleMillis  int64
	HoneypotFilled bool
}

// Verdict is the validation outcome. A silent verdict means the caller
// must answer with a success-shaped response while recording nothing,
// denying automated clients the feedback loop to tune against.
type Verdict struct {
	OK     bool
	Silent bool
	Reason models.ReasonCode
}

var (
	accept = Verdict{OK: true}

	rejectMissingUA = Verdict{Reason: models.ReasonMissingUserAgent}
	rejectTiming    = Verdict{Reason: models.ReasonInvalidTiming}
	rejectBot       = Verdict{Silent: true, Reason: models.ReasonBotDetected}
	rejectHoneypot  = Verdict{Silent: true, Reason: models.ReasonHoneypot}
)

// Service applies the per-action behavioral thresholds.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger
}

// Option configures the behavior service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a behavioral validation service.
func NewService(cfg *config.Config, opts ...Option) *Service {
	s := &Service{
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

// Validate checks the signals against the action's thresholds. Checks run
// in severity order: the honeypot and bot checks short-circuit before the
// timing checks so automated clients get no timing feedback at all.
func (s *Service) Validate(_ context.Context, action models.Action, sig Signals) Verdict {
	if sig.HoneypotFilled {
		return rejectHoneypot
	}

	if strings.TrimSpace(sig.UserAgent) == "" {
		return rejectMissingUA
	}
	if isBot(sig.UserAgent) {
		return rejectBot
	}

	thresholds, ok := s.cfg.GetBehavior(action)
	if !ok {
		// Actions without thresholds skip timing validation entirely.
		return accept
	}
	if thresholds.MinVisibleMillis > 0 && sig.VisibleMillis < thresholds.MinVisibleMillis {
		return rejectTiming
	}
	if thresholds.MinElapsedMillis > 0 && sig.ElapsedMillis < thresholds.MinElapsedMillis {
		return rejectTiming
	}
	return accept
}

// isBot combines the indicator denylist with the user agent parser's own
// bot detection. Either one is enough.
func isBot(uaString string) bool {
	lower := strings.ToLower(uaString)
	for _, indicator := range botIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return useragent.New(uaString).Bot()
}
