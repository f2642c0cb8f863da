// Package config holds the static enforcement tables: per-action rate limits,
// dedup windows, behavioral thresholds, and abuse flagging parameters.
// A known action without a limit entry is a startup error, never a
// per-request decision.
package config

import (
	"time"

	"bastion/internal/enforcement/models"
	dErrors "bastion/pkg/domain-errors"
)

// Limit defines fixed-window rate limit parameters for an action.
type Limit struct {
	Requests int
	Window   time.Duration
}

// BehaviorThresholds defines minimum client-side timing signals per action.
type BehaviorThresholds struct {
	// MinVisibleMillis is the minimum accumulated visible time. Hidden or
	// backgrounded tabs do not accrue visible time.
	MinVisibleMillis int64
	// MinElapsedMillis is the minimum wall time since page load.
	MinElapsedMillis int64
}

// AbuseConfig defines the flagging parameters for the abuse pattern tracker.
type AbuseConfig struct {
	// Threshold is the attempt count above which a subject is flagged.
	// Exactly Threshold attempts is not flagged; Threshold+1 is.
	Threshold int
	// Lookback is the rolling window inspected by IsFlagged.
	Lookback time.Duration
	// Retention bounds the whole per-subject collection.
	Retention time.Duration
}

// Config is the enforcement configuration consumed by the services.
type Config struct {
	// Limits holds the default fixed-window limit per action.
	Limits map[models.Action]Limit

	// SuspiciousLimit replaces the default limit for subjects classified
	// suspicious. A fixed stricter limit, not a multiplier, so the effective
	// policy is auditable from this table alone.
	SuspiciousLimit Limit

	// DedupWindows holds the claim window per count-once action.
	DedupWindows map[models.Action]time.Duration

	// Behavior holds per-action timing thresholds for count-once actions.
	Behavior map[models.Action]BehaviorThresholds

	Abuse AbuseConfig
}

// DefaultConfig returns the production enforcement tables.
func DefaultConfig() *Config {
	return &Config{
		Limits: map[models.Action]Limit{
			models.ActionView:      {Requests: 5, Window: time.Minute},
			models.ActionShare:     {Requests: 5, Window: time.Minute},
			models.ActionContact:   {Requests: 3, Window: time.Minute},
			models.ActionAdminRead: {Requests: 1, Window: time.Minute},
			models.ActionCSPReport: {Requests: 30, Window: time.Minute},
		},
		SuspiciousLimit: Limit{Requests: 10, Window: 5 * time.Minute},
		DedupWindows: map[models.Action]time.Duration{
			models.ActionView:  30 * time.Minute,
			models.ActionShare: 5 * time.Minute,
		},
		Behavior: map[models.Action]BehaviorThresholds{
			models.ActionView:  {MinVisibleMillis: 5000},
			models.ActionShare: {MinElapsedMillis: 2000},
		},
		Abuse: AbuseConfig{
			Threshold: 10,
			Lookback:  time.Hour,
			Retention: 24 * time.Hour,
		},
	}
}

// DevelopmentConfig relaxes the analytics limits for local work; the
// admin and contact limits stay production-strict so the enforcement
// paths exercised in development match what ships.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Limits[models.ActionView] = Limit{Requests: 60, Window: time.Minute}
	cfg.Limits[models.ActionShare] = Limit{Requests: 60, Window: time.Minute}
	return cfg
}

// GetLimit returns the default limit for an action.
func (c *Config) GetLimit(action models.Action) (Limit, bool) {
	l, ok := c.Limits[action]
	return l, ok
}

// GetDedupWindow returns the claim window for a count-once action.
func (c *Config) GetDedupWindow(action models.Action) (time.Duration, bool) {
	w, ok := c.DedupWindows[action]
	return w, ok
}

// GetBehavior returns the timing thresholds for a count-once action.
func (c *Config) GetBehavior(action models.Action) (BehaviorThresholds, bool) {
	b, ok := c.Behavior[action]
	return b, ok
}

// Validate confirms every known action has a limit entry and every
// count-once action has dedup and behavior entries. Called once at startup.
func (c *Config) Validate() error {
	actions := []models.Action{
		models.ActionView,
		models.ActionShare,
		models.ActionContact,
		models.ActionAdminRead,
		models.ActionCSPReport,
	}
	for _, action := range actions {
		limit, ok := c.Limits[action]
		if !ok {
			return dErrors.New(dErrors.CodeConfiguration, "missing rate limit for action "+action.String())
		}
		if limit.Requests <= 0 || limit.Window <= 0 {
			return dErrors.New(dErrors.CodeConfiguration, "invalid rate limit for action "+action.String())
		}
		if action.CountOnce() {
			if _, ok := c.DedupWindows[action]; !ok {
				return dErrors.New(dErrors.CodeConfiguration, "missing dedup window for action "+action.String())
			}
			if _, ok := c.Behavior[action]; !ok {
				return dErrors.New(dErrors.CodeConfiguration, "missing behavior thresholds for action "+action.String())
			}
		}
	}
	if c.SuspiciousLimit.Requests <= 0 || c.SuspiciousLimit.Window <= 0 {
		return dErrors.New(dErrors.CodeConfiguration, "invalid suspicious limit")
	}
	if c.Abuse.Threshold <= 0 || c.Abuse.Lookback <= 0 || c.Abuse.Retention <= 0 {
		return dErrors.New(dErrors.CodeConfiguration, "invalid abuse tracker configuration")
	}
	return nil
}
