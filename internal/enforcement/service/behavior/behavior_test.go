package behavior

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"bastion/internal/enforcement/config"
	"bastion/internal/enforcement/models"
)

// =============================================================================
// Behavior Service Test Suite
// =============================================================================
// Justification: the split between explicit and silent rejections decides
// what feedback automated clients receive, so each signal's verdict shape
// matters as much as the accept/reject bit.

const browserUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type BehaviorSuite struct {
	suite.Suite
	service *Service
}

func TestBehaviorSuite(t *testing.T) {
	suite.Run(t, new(BehaviorSuite))
}

func (s *BehaviorSuite) SetupTest() {
	s.service = NewService(config.DefaultConfig())
}

func (s *BehaviorSuite) TestHoneypot() {
	verdict := s.service.Validate(context.Background(), models.ActionView, Signals{
		UserAgent:      browserUA,
		VisibleMillis:  10000,
		HoneypotFilled: true,
	})
	s.False(verdict.OK)
	s.True(verdict.Silent)
	s.Equal(models.ReasonHoneypot, verdict.Reason)
}

func (s *BehaviorSuite) TestUserAgent() {
	ctx := context.Background()

	s.Run("missing user agent is an explicit rejection", func() {
		verdict := s.service.Validate(ctx, models.ActionView, Signals{VisibleMillis: 10000})
		s.False(verdict.OK)
		s.False(verdict.Silent)
		s.Equal(models.ReasonMissingUserAgent, verdict.Reason)
	})

	s.Run("whitespace-only user agent counts as missing", func() {
		verdict := s.service.Validate(ctx, models.ActionView, Signals{UserAgent: "   ", VisibleMillis: 10000})
		s.Equal(models.ReasonMissingUserAgent, verdict.Reason)
	})

	s.Run("tool user agents are rejected silently", func() {
		for _, ua := range []string{
			"curl/8.4.0",
			"Wget/1.21",
			"python-requests/2.31.0",
			"Go-http-client/2.0",
			"Scrapy/2.11 (+https://scrapy.org)",
			"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
			"Mozilla/5.0 (X11; Linux x86_64) HeadlessChrome/119.0.0.0",
		} {
			verdict := s.service.Validate(ctx, models.ActionView, Signals{UserAgent: ua, VisibleMillis: 10000})
			s.False(verdict.OK, ua)
			s.True(verdict.Silent, ua)
			s.Equal(models.ReasonBotDetected, verdict.Reason, ua)
		}
	})
}

func (s *BehaviorSuite) TestTiming() {
	ctx := context.Background()

	s.Run("view below visible threshold is rejected", func() {
		verdict := s.service.Validate(ctx, models.ActionView, Signals{UserAgent: browserUA, VisibleMillis: 4999})
		s.False(verdict.OK)
		s.False(verdict.Silent)
		s.Equal(models.ReasonInvalidTiming, verdict.Reason)
	})

	s.Run("view at visible threshold passes", func() {
		verdict := s.service.Validate(ctx, models.ActionView, Signals{UserAgent: browserUA, VisibleMillis: 5000})
		s.True(verdict.OK)
	})

	s.Run("share below elapsed threshold is rejected", func() {
		verdict := s.service.Validate(ctx, models.ActionShare, Signals{UserAgent: browserUA, ElapsedMillis: 1999})
		s.Equal(models.ReasonInvalidTiming, verdict.Reason)
	})

	s.Run("share at elapsed threshold passes", func() {
		verdict := s.service.Validate(ctx, models.ActionShare, Signals{UserAgent: browserUA, ElapsedMillis: 2000})
		s.True(verdict.OK)
	})

	s.Run("share ignores visible time", func() {
		verdict := s.service.Validate(ctx, models.ActionShare, Signals{UserAgent: browserUA, ElapsedMillis: 2000, VisibleMillis: 0})
		s.True(verdict.OK)
	})
}

func (s *BehaviorSuite) TestActionWithoutThresholds() {
	verdict := s.service.Validate(context.Background(), models.ActionContact, Signals{UserAgent: browserUA})
	s.True(verdict.OK)
}

func (s *BehaviorSuite) TestCheckOrder() {
	ctx := context.Background()

	s.Run("honeypot wins over missing user agent", func() {
		verdict := s.service.Validate(ctx, models.ActionView, Signals{HoneypotFilled: true})
		s.Equal(models.ReasonHoneypot, verdict.Reason)
	})

	s.Run("bot detection wins over bad timing", func() {
		verdict := s.service.Validate(ctx, models.ActionView, Signals{UserAgent: "curl/8.4.0", VisibleMillis: 0})
		s.Equal(models.ReasonBotDetected, verdict.Reason)
	})
}
