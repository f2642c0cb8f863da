package coordinator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"bastion/internal/enforcement/config"
	"bastion/internal/enforcement/models"
	"bastion/internal/enforcement/service/abusetrack"
	"bastion/internal/enforcement/service/behavior"
	"bastion/internal/enforcement/service/dedup"
	"bastion/internal/enforcement/service/ratelimit"
	"bastion/internal/enforcement/store/kv"
	"bastion/internal/reputation/intel"
	rmodels "bastion/internal/reputation/models"
	repservice "bastion/internal/reputation/service"
	"bastion/internal/reputation/store/blocklist"
	"bastion/pkg/platform/requesttime"
)

// =============================================================================
// Enforcement Pipeline Test Suite
// =============================================================================
// Justification: the individual services are covered in their own suites;
// these tests pin the sequencing between them, the feedback loop from
// denials into reputation, and the response shapes clients observe.

const browserUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type PipelineSuite struct {
	suite.Suite
	store      *kv.MemoryStore
	cfg        *config.Config
	reputation *repservice.Service
	pipeline   *Coordinator
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.store = kv.NewMemoryStore()
	s.cfg = config.DefaultConfig()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	s.reputation = repservice.NewService(s.store, blocklist.NewStore(s.store), intel.NoopSource{},
		repservice.WithLogger(discard),
	)
	s.pipeline = New(
		s.cfg,
		s.store,
		s.reputation,
		ratelimit.NewService(s.store, s.cfg, ratelimit.WithLogger(discard)),
		dedup.NewService(s.store, s.cfg, dedup.WithLogger(discard)),
		behavior.NewService(s.cfg, behavior.WithLogger(discard)),
		abusetrack.NewService(s.store, s.cfg, abusetrack.WithLogger(discard)),
		WithLogger(discard),
	)
}

func viewRequest(subject, resource, session string) Request {
	return Request{
		Action:     models.ActionView,
		Subject:    subject,
		ResourceID: resource,
		SessionID:  session,
		Signals: behavior.Signals{
			UserAgent:     browserUA,
			VisibleMillis: 10000,
			ElapsedMillis: 12000,
		},
	}
}

func (s *PipelineSuite) at(t time.Time) context.Context {
	return requesttime.WithTime(context.Background(), t)
}

func (s *PipelineSuite) TestCleanSubmission() {
	ctx := s.at(time.Now())

	decision, err := s.pipeline.Evaluate(ctx, viewRequest("10.0.0.1", "post-1", "sess-abc123xyz"))
	s.Require().NoError(err)
	s.True(decision.Allowed)
	s.True(decision.Recorded)
	s.Empty(decision.Reason)

	s.Run("the counted effect was committed", func() {
		count, err := s.store.IncrementWithExpiry(ctx, models.CounterKey(models.ActionView, "post-1"), 0)
		s.NoError(err)
		s.Equal(int64(2), count)
	})

	s.Run("the subject was registered for reputation refresh", func() {
		members, err := s.store.SetMembers(ctx, models.HotSubjectsKey)
		s.NoError(err)
		s.Contains(members, "10.0.0.1")
	})

	s.Run("the response carries the contract fields", func() {
		resp := decision.Response()
		s.True(resp.Allowed)
		s.True(resp.Recorded)
		s.Zero(resp.RetryAfterSeconds)
		s.Empty(resp.ReasonCode)
	})
}

func (s *PipelineSuite) TestDuplicateSubmission() {
	ctx := s.at(time.Now())
	req := viewRequest("10.0.0.2", "post-1", "sess-abc123xyz")

	first, err := s.pipeline.Evaluate(ctx, req)
	s.Require().NoError(err)
	s.True(first.Recorded)

	second, err := s.pipeline.Evaluate(ctx, req)
	s.Require().NoError(err)
	s.True(second.Allowed)
	s.False(second.Recorded)
	s.Equal(models.ReasonDuplicate, second.Reason)

	// The duplicate did not move the counter.
	count, err := s.store.IncrementWithExpiry(ctx, models.CounterKey(models.ActionView, "post-1"), 0)
	s.NoError(err)
	s.Equal(int64(2), count)
}

func (s *PipelineSuite) TestRateLimitRejection() {
	ctx := s.at(time.Now())
	subject := "10.0.0.3"

	for i := 0; i < 5; i++ {
		decision, err := s.pipeline.Evaluate(ctx, viewRequest(subject, fmt.Sprintf("post-%d", i), "sess-abc123xyz"))
		s.Require().NoError(err)
		s.True(decision.Allowed)
	}

	decision, err := s.pipeline.Evaluate(ctx, viewRequest(subject, "post-6", "sess-abc123xyz"))
	s.Require().NoError(err)
	s.False(decision.Allowed)
	s.False(decision.Recorded)
	s.Equal(models.ReasonRateLimitExceeded, decision.Reason)

	resp := decision.Response()
	s.False(resp.Allowed)
	s.Positive(resp.RetryAfterSeconds)

	// The denial landed in the subject's abuse history.
	count, err := s.store.CountSince(ctx, models.AbuseKey(models.ActionView, subject), requesttime.Now(ctx).Add(-time.Hour), requesttime.Now(ctx).Add(-s.cfg.Abuse.Retention))
	s.NoError(err)
	s.Equal(int64(1), count)
}

func (s *PipelineSuite) TestInvalidSession() {
	ctx := s.at(time.Now())

	decision, err := s.pipeline.Evaluate(ctx, viewRequest("10.0.0.4", "post-1", "bad"))
	s.Require().NoError(err)
	s.False(decision.Allowed)
	s.False(decision.Recorded)
	s.Equal(models.ReasonInvalidSession, decision.Reason)
}

func (s *PipelineSuite) TestSilentRejections() {
	ctx := s.at(time.Now())

	s.Run("bot user agent", func() {
		req := viewRequest("10.0.0.5", "post-1", "sess-abc123xyz")
		req.Signals.UserAgent = "curl/8.4.0"

		decision, err := s.pipeline.Evaluate(ctx, req)
		s.Require().NoError(err)
		s.True(decision.Silent)
		s.False(decision.Recorded)

		resp := decision.Response()
		s.True(resp.Allowed)
		s.False(resp.Recorded)
		s.Empty(resp.ReasonCode)
	})

	s.Run("honeypot", func() {
		req := viewRequest("10.0.0.5", "post-2", "sess-abc123xyz")
		req.Signals.HoneypotFilled = true

		decision, err := s.pipeline.Evaluate(ctx, req)
		s.Require().NoError(err)
		s.True(decision.Silent)
		s.Empty(decision.Response().ReasonCode)
	})

	s.Run("silent rejections still feed the abuse history", func() {
		count, err := s.store.CountSince(ctx, models.AbuseKey(models.ActionView, "10.0.0.5"), requesttime.Now(ctx).Add(-time.Hour), requesttime.Now(ctx).Add(-s.cfg.Abuse.Retention))
		s.NoError(err)
		s.Equal(int64(2), count)
	})
}

func (s *PipelineSuite) TestTimingRejection() {
	ctx := s.at(time.Now())
	req := viewRequest("10.0.0.6", "post-1", "sess-abc123xyz")
	req.Signals.VisibleMillis = 100

	decision, err := s.pipeline.Evaluate(ctx, req)
	s.Require().NoError(err)
	s.False(decision.Allowed)
	s.False(decision.Silent)
	s.Equal(models.ReasonInvalidTiming, decision.Reason)

	// Explicit behavioral rejections do feed the abuse history.
	count, err := s.store.CountSince(ctx, models.AbuseKey(models.ActionView, "10.0.0.6"), requesttime.Now(ctx).Add(-time.Hour), requesttime.Now(ctx).Add(-s.cfg.Abuse.Retention))
	s.NoError(err)
	s.Equal(int64(1), count)
}

func (s *PipelineSuite) TestRejectedDwellThenAcceptedThenDuplicate() {
	now := time.Now()
	subject := "10.0.0.11"

	// Too little visible time: explicit rejection, nothing committed.
	early := viewRequest(subject, "post-e2e", "sess-e2e-123456")
	early.Signals.VisibleMillis = 1000
	decision, err := s.pipeline.Evaluate(s.at(now), early)
	s.Require().NoError(err)
	s.False(decision.Allowed)
	s.Equal(models.ReasonInvalidTiming, decision.Reason)

	// The corrected resubmission from the same session counts. The earlier
	// rejection must not have consumed the session's claim.
	retry := viewRequest(subject, "post-e2e", "sess-e2e-123456")
	retry.Signals.VisibleMillis = 6000
	decision, err = s.pipeline.Evaluate(s.at(now.Add(6*time.Second)), retry)
	s.Require().NoError(err)
	s.True(decision.Allowed)
	s.True(decision.Recorded)

	// A third submission is a plain duplicate.
	decision, err = s.pipeline.Evaluate(s.at(now.Add(7*time.Second)), retry)
	s.Require().NoError(err)
	s.True(decision.Allowed)
	s.False(decision.Recorded)
	s.Equal(models.ReasonDuplicate, decision.Reason)

	// Exactly one committed count across the three submissions.
	ctx := s.at(now.Add(8 * time.Second))
	count, err := s.store.IncrementWithExpiry(ctx, models.CounterKey(models.ActionView, "post-e2e"), 0)
	s.NoError(err)
	s.Equal(int64(2), count)
}

func (s *PipelineSuite) TestMaliciousSubjectDeniedOnEveryAction() {
	ctx := s.at(time.Now())
	subject := "10.0.0.12"

	_, err := s.reputation.Override(ctx, subject, rmodels.ClassMalicious)
	s.Require().NoError(err)

	share := viewRequest(subject, "post-1", "sess-abc123xyz")
	share.Action = models.ActionShare
	for _, req := range []Request{
		viewRequest(subject, "post-1", "sess-abc123xyz"),
		share,
		{Action: models.ActionContact, Subject: subject},
	} {
		decision, err := s.pipeline.Evaluate(ctx, req)
		s.Require().NoError(err)
		s.False(decision.Allowed)
		s.Equal(models.ReasonBlocked, decision.Reason)
	}
}

func (s *PipelineSuite) TestBlockedSubjectVeto() {
	ctx := s.at(time.Now())
	subject := "10.0.0.7"

	_, err := s.reputation.Override(ctx, subject, rmodels.ClassMalicious)
	s.Require().NoError(err)

	decision, err := s.pipeline.Evaluate(ctx, viewRequest(subject, "post-1", "sess-abc123xyz"))
	s.Require().NoError(err)
	s.False(decision.Allowed)
	s.Equal(models.ReasonBlocked, decision.Reason)

	// No window was consumed for the vetoed request.
	_, ok, err := s.store.Get(ctx, models.RateKey(models.ActionView, subject))
	s.NoError(err)
	s.False(ok)
}

func (s *PipelineSuite) TestAbuseEscalation() {
	now := time.Now()
	ctx := s.at(now)
	subject := "10.0.0.8"

	// Phase one: five allowed views, then eleven rate limit denials. The
	// eleventh denial crosses the abuse threshold and marks the subject
	// suspicious.
	for i := 0; i < 16; i++ {
		_, err := s.pipeline.Evaluate(ctx, viewRequest(subject, fmt.Sprintf("post-%d", i), "sess-abc123xyz"))
		s.Require().NoError(err)
	}
	s.Equal(rmodels.ClassSuspicious, s.reputation.Classify(ctx, subject).Classification)

	// The suspicious tier replaces the default limit. The shared window
	// already holds sixteen counts against an allowance of ten, so the
	// next request is rejected under the stricter limit.
	decision, err := s.pipeline.Evaluate(ctx, viewRequest(subject, "post-17", "sess-abc123xyz"))
	s.Require().NoError(err)
	s.False(decision.Allowed)
	s.Equal(s.cfg.SuspiciousLimit.Requests, decision.RateLimit.Limit)

	// Phase two: an hour later the old denials age out of the lookback.
	// The subject, still suspicious, burns through the stricter allowance
	// and crosses the threshold again; the second flag escalates to
	// malicious and a permanent block.
	later := s.at(now.Add(61 * time.Minute))
	for i := 0; i < 21; i++ {
		_, err := s.pipeline.Evaluate(later, Request{Action: models.ActionContact, Subject: subject})
		s.Require().NoError(err)
	}
	s.Equal(rmodels.ClassMalicious, s.reputation.Classify(later, subject).Classification)

	decision, err = s.pipeline.Evaluate(later, Request{Action: models.ActionContact, Subject: subject})
	s.Require().NoError(err)
	s.False(decision.Allowed)
	s.Equal(models.ReasonBlocked, decision.Reason)
}

func (s *PipelineSuite) TestContactHasNoDedupOrBehavior() {
	ctx := s.at(time.Now())

	// Contact submissions carry no session or signals; only the rate limit
	// applies, and repeats within the allowance all record.
	for i := 0; i < 3; i++ {
		decision, err := s.pipeline.Evaluate(ctx, Request{Action: models.ActionContact, Subject: "10.0.0.9"})
		s.Require().NoError(err)
		s.True(decision.Allowed)
		s.True(decision.Recorded)
	}
}

func (s *PipelineSuite) TestUnknownAction() {
	_, err := s.pipeline.Evaluate(s.at(time.Now()), Request{Action: "bogus", Subject: "10.0.0.10"})
	s.Error(err)
}
