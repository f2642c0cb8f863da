package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/internal/enforcement/models"
	dErrors "bastion/pkg/domain-errors"
)

// =============================================================================
// Enforcement Configuration Tests
// =============================================================================

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, DevelopmentConfig().Validate())
}

func TestDefaultTables(t *testing.T) {
	cfg := DefaultConfig()

	limit, ok := cfg.GetLimit(models.ActionContact)
	require.True(t, ok)
	assert.Equal(t, 3, limit.Requests)
	assert.Equal(t, time.Minute, limit.Window)

	window, ok := cfg.GetDedupWindow(models.ActionShare)
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, window)

	behavior, ok := cfg.GetBehavior(models.ActionView)
	require.True(t, ok)
	assert.Equal(t, int64(5000), behavior.MinVisibleMillis)

	behavior, ok = cfg.GetBehavior(models.ActionShare)
	require.True(t, ok)
	assert.Equal(t, int64(2000), behavior.MinElapsedMillis)

	assert.Equal(t, 10, cfg.Abuse.Threshold)
	assert.Equal(t, time.Hour, cfg.Abuse.Lookback)
	assert.Equal(t, 24*time.Hour, cfg.Abuse.Retention)
}

func TestDevelopmentConfigKeepsStrictAdminAndContact(t *testing.T) {
	// Justification: relaxing the analytics limits must not quietly relax
	// the abuse-sensitive ones, or local testing diverges from production
	// on the paths that matter.
	cfg := DevelopmentConfig()

	view, _ := cfg.GetLimit(models.ActionView)
	assert.Equal(t, 60, view.Requests)

	contact, _ := cfg.GetLimit(models.ActionContact)
	assert.Equal(t, 3, contact.Requests)

	admin, _ := cfg.GetLimit(models.ActionAdminRead)
	assert.Equal(t, 1, admin.Requests)
}

func TestValidateRejectsBrokenTables(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing limit", func(c *Config) { delete(c.Limits, models.ActionContact) }},
		{"zero requests", func(c *Config) { c.Limits[models.ActionView] = Limit{Requests: 0, Window: time.Minute} }},
		{"zero window", func(c *Config) { c.Limits[models.ActionView] = Limit{Requests: 5, Window: 0} }},
		{"missing dedup window", func(c *Config) { delete(c.DedupWindows, models.ActionShare) }},
		{"missing behavior thresholds", func(c *Config) { delete(c.Behavior, models.ActionView) }},
		{"invalid suspicious limit", func(c *Config) { c.SuspiciousLimit = Limit{} }},
		{"invalid abuse threshold", func(c *Config) { c.Abuse.Threshold = 0 }},
		{"invalid abuse lookback", func(c *Config) { c.Abuse.Lookback = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeConfiguration))
		})
	}
}
