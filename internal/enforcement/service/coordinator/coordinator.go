// Package coordinator sequences the enforcement checks for a single
// request: block ledger, reputation gate, rate limit, session dedup,
// behavioral validation, and finally the counted effect.
package coordinator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bastion/internal/enforcement/config"
	"bastion/internal/enforcement/metrics"
	"bastion/internal/enforcement/models"
	"bastion/internal/enforcement/observability"
	"bastion/internal/enforcement/service/abusetrack"
	"bastion/internal/enforcement/service/behavior"
	"bastion/internal/enforcement/service/dedup"
	"bastion/internal/enforcement/service/ratelimit"
	"bastion/internal/enforcement/store/kv"
	"bastion/internal/platform/privacy"
	rmodels "bastion/internal/reputation/models"
	dErrors "bastion/pkg/domain-errors"
)

// hotSubjectTTL bounds the recently-active set consumed by the refresh
// worker.
const hotSubjectTTL = 24 * time.Hour

// Reputation is the slice of the reputation service the pipeline needs.
type Reputation interface {
	Classify(ctx context.Context, subject string) *rmodels.ReputationRecord
	IsBlocked(ctx context.Context, subject string, action models.Action) (bool, *rmodels.BlockEntry)
	RecordSuspicion(ctx context.Context, subject string)
}

// Request is one submission to evaluate. Subject is the client identity,
// normally an IP address. ResourceID and SessionID apply to count-once
// actions only.
type Request struct {
	Action     models.Action
	Subject    string
	ResourceID string
	SessionID  string
	Signals    behavior.Signals
}

// Decision is the pipeline outcome. Silent means the client must receive a
// success-shaped response with the real reason withheld.
type Decision struct {
	Allowed   bool
	Recorded  bool
	Silent    bool
	Reason    models.ReasonCode
	RateLimit *models.RateLimitResult
}

// Response translates the decision into the client-facing contract.
// Silent rejections surface as plain unrecorded successes.
func (d *Decision) Response() models.EvaluationResponse {
	resp := models.EvaluationResponse{
		Allowed:  d.Allowed,
		Recorded: d.Recorded,
	}
	if d.Silent {
		return resp
	}
	resp.ReasonCode = d.Reason
	if !d.Allowed && d.RateLimit != nil {
		resp.RetryAfterSeconds = d.RateLimit.RetryAfter
	}
	return resp
}

// Coordinator wires the enforcement services into one pipeline.
type Coordinator struct {
	cfg        *config.Config
	store      kv.Store
	reputation Reputation
	rates      *ratelimit.Service
	dedup      *dedup.Service
	behavior   *behavior.Service
	abuse      *abusetrack.Service
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

// Option configures the coordinator.
type Option func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// New creates the enforcement coordinator.
func New(
	cfg *config.Config,
	store kv.Store,
	reputation Reputation,
	rates *ratelimit.Service,
	dedupSvc *dedup.Service,
	behaviorSvc *behavior.Service,
	abuse *abusetrack.Service,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		cfg:        cfg,
		store:      store,
		reputation: reputation,
		rates:      rates,
		dedup:      dedupSvc,
		behavior:   behaviorSvc,
		abuse:      abuse,
		logger:     slog.Default(),
		tracer:     otel.Tracer("bastion/enforcement"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Evaluate runs the full pipeline for one request. It never returns an
// error for store trouble; unavailability degrades per check, open for
// rate and dedup, closed for blocks. The only errors are configuration
// gaps, which are programming mistakes surfaced loudly.
func (c *Coordinator) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "enforcement.evaluate", trace.WithAttributes(
		attribute.String("action", req.Action.String()),
	))
	defer span.End()

	if !req.Action.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "unknown action")
	}

	decision, err := c.evaluate(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	c.registerHotSubject(ctx, req.Subject)
	c.observe(ctx, req, decision, time.Since(start))
	span.SetAttributes(
		attribute.Bool("allowed", decision.Allowed),
		attribute.Bool("recorded", decision.Recorded),
		attribute.String("reason", string(decision.Reason)),
	)
	return decision, nil
}

func (c *Coordinator) evaluate(ctx context.Context, req Request) (*Decision, error) {
	// Standing blocks veto everything else.
	if blocked, _ := c.reputation.IsBlocked(ctx, req.Subject, req.Action); blocked {
		c.recordDenied(ctx, req, models.ReasonBlocked)
		return &Decision{Reason: models.ReasonBlocked}, nil
	}

	// The reputation tier selects the applicable limit. Malicious subjects
	// without a ledger entry yet are refused here; the classifier has
	// already queued the block.
	limit, ok := c.cfg.GetLimit(req.Action)
	if !ok {
		return nil, dErrors.New(dErrors.CodeConfiguration, "no rate limit configured for action "+req.Action.String())
	}
	switch c.reputation.Classify(ctx, req.Subject).Classification {
	case rmodels.ClassMalicious:
		c.recordDenied(ctx, req, models.ReasonBlocked)
		return &Decision{Reason: models.ReasonBlocked}, nil
	case rmodels.ClassSuspicious:
		limit = c.cfg.SuspiciousLimit
	}

	rateResult, err := c.rates.CheckAndConsumeWithLimit(ctx, req.Action, req.Subject, limit)
	if err != nil {
		return nil, err
	}
	if !rateResult.Allowed {
		c.recordDenied(ctx, req, models.ReasonRateLimitExceeded)
		return &Decision{Reason: models.ReasonRateLimitExceeded, RateLimit: rateResult}, nil
	}

	if !req.Action.CountOnce() {
		return &Decision{Allowed: true, Recorded: true, RateLimit: rateResult}, nil
	}

	claimed, err := c.dedup.TryClaim(ctx, req.Action, req.ResourceID, req.SessionID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeValidation) {
			c.recordDenied(ctx, req, models.ReasonInvalidSession)
			return &Decision{Reason: models.ReasonInvalidSession, RateLimit: rateResult}, nil
		}
		return nil, err
	}
	if !claimed {
		// A duplicate is a well-behaved client re-submitting; allowed but
		// not counted again.
		return &Decision{Allowed: true, Reason: models.ReasonDuplicate, RateLimit: rateResult}, nil
	}

	verdict := c.behavior.Validate(ctx, req.Action, req.Signals)
	if !verdict.OK {
		if verdict.Silent {
			// Success-shaped response and nothing recorded, so automated
			// clients get no signal that they were noticed. The denial still
			// feeds the abuse history, and the claim stays consumed so a
			// later forged retry cannot count.
			c.recordDenied(ctx, req, verdict.Reason)
			return &Decision{Allowed: true, Silent: true, Reason: verdict.Reason, RateLimit: rateResult}, nil
		}
		// Explicit rejections tell the client what to fix, so a corrected
		// resubmission from the same session must still be countable.
		c.dedup.Release(ctx, req.Action, req.ResourceID, req.SessionID)
		c.recordDenied(ctx, req, verdict.Reason)
		return &Decision{Reason: verdict.Reason, RateLimit: rateResult}, nil
	}

	c.commit(ctx, req)
	return &Decision{Allowed: true, Recorded: true, RateLimit: rateResult}, nil
}

// commit applies the counted effect for an accepted count-once submission.
// Commit failures are logged and swallowed; the client was told the truth
// about admission, and a lost count is cheaper than a retry storm.
func (c *Coordinator) commit(ctx context.Context, req Request) {
	if _, err := c.store.IncrementWithExpiry(ctx, models.CounterKey(req.Action, req.ResourceID), 0); err != nil {
		c.logger.Warn("failed to commit counter",
			"action", req.Action.String(),
			"resource_id", req.ResourceID,
			"error", err,
		)
	}
}

// recordDenied appends the denial to the subject's abuse history and
// escalates the subject's reputation when this denial crosses the
// flagging threshold.
func (c *Coordinator) recordDenied(ctx context.Context, req Request, reason models.ReasonCode) {
	if flagged := c.abuse.RecordAttempt(ctx, req.Subject, req.Action, reason); flagged {
		c.reputation.RecordSuspicion(ctx, req.Subject)
	}
}

// registerHotSubject marks the subject for background reputation refresh.
// Best effort.
func (c *Coordinator) registerHotSubject(ctx context.Context, subject string) {
	if err := c.store.AddToSet(ctx, models.HotSubjectsKey, subject, hotSubjectTTL); err != nil {
		c.logger.Warn("failed to register subject for reputation refresh",
			"error", err,
		)
	}
}

func (c *Coordinator) observe(ctx context.Context, req Request, d *Decision, elapsed time.Duration) {
	outcome := "rejected"
	switch {
	case d.Silent:
		outcome = "silent"
	case d.Allowed:
		outcome = "allowed"
	}
	c.metrics.RecordDecision(req.Action.String(), outcome)
	if (!d.Allowed && d.Reason != "") || d.Silent {
		c.metrics.RecordRejection(req.Action.String(), string(d.Reason))
	}
	c.metrics.ObserveEvaluation(req.Action.String(), elapsed)

	if !d.Allowed || d.Silent || d.Reason == models.ReasonDuplicate {
		observability.Audit(ctx, c.logger, "enforcement_decision",
			"action", req.Action.String(),
			"subject", privacy.AnonymizeIP(req.Subject),
			"allowed", d.Allowed,
			"recorded", d.Recorded,
			"reason", string(d.Reason),
			"duration_ms", elapsed.Milliseconds(),
		)
	}
}
