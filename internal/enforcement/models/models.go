package models

import (
	"time"

	dErrors "bastion/pkg/domain-errors"

	"github.com/google/uuid"
)

// Action identifies the request class being evaluated.
type Action string

const (
	// ActionView: page-view count submissions.
	ActionView Action = "view"
	// ActionShare: share count submissions.
	ActionShare Action = "share"
	// ActionContact: contact-form submissions.
	ActionContact Action = "contact-submit"
	// ActionAdminRead: admin API reads.
	ActionAdminRead Action = "admin-read"
	// ActionCSPReport: CSP violation report ingestion.
	ActionCSPReport Action = "csp-report"
)

func (a Action) IsValid() bool {
	switch a {
	case ActionView, ActionShare, ActionContact, ActionAdminRead, ActionCSPReport:
		return true
	}
	return false
}

// CountOnce reports whether the action is a count-once metric submission,
// subject to dedup and behavioral validation in addition to rate limiting.
func (a Action) CountOnce() bool {
	return a == ActionView || a == ActionShare
}

func (a Action) String() string {
	return string(a)
}

// ReasonCode explains a rejected or suppressed request.
type ReasonCode string

const (
	ReasonMissingUserAgent  ReasonCode = "missing_user_agent"
	ReasonBotDetected       ReasonCode = "bot_detected"
	ReasonInvalidTiming     ReasonCode = "invalid_timing"
	ReasonRateLimitExceeded ReasonCode = "rate_limit_exceeded"
	ReasonInvalidAPIKey     ReasonCode = "invalid_api_key"
	ReasonInvalidSession    ReasonCode = "invalid_session"
	ReasonDuplicate         ReasonCode = "duplicate"
	ReasonBlocked           ReasonCode = "blocked"
	ReasonHoneypot          ReasonCode = "honeypot"
)

// RateLimitResult is the outcome of a single fixed-window check.
type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, only set when not allowed
}

// AbuseEvent is one denied or suspicious attempt attributed to a subject.
// Events are append-only; they are pruned by retention, never mutated.
type AbuseEvent struct {
	ID         string     `json:"id"`
	Subject    string     `json:"subject"`
	Action     Action     `json:"action"`
	Reason     ReasonCode `json:"reason"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// NewAbuseEvent creates an AbuseEvent with domain invariant validation.
func NewAbuseEvent(subject string, action Action, reason ReasonCode, occurredAt time.Time) (*AbuseEvent, error) {
	if subject == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "subject cannot be empty")
	}
	if !action.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "invalid action")
	}
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "reason cannot be empty")
	}
	return &AbuseEvent{
		ID:         uuid.NewString(),
		Subject:    subject,
		Action:     action,
		Reason:     reason,
		OccurredAt: occurredAt,
	}, nil
}
