// Package models defines the reputation domain: classifications, their
// provenance, and the block ledger entries derived from them.
package models

import (
	"time"

	dErrors "bastion/pkg/domain-errors"
)

// Classification is a subject's reputation tier.
type Classification string

const (
	// ClassBenign: positively vouched for by intel or an operator.
	ClassBenign Classification = "benign"
	// ClassUnknown: no evidence either way. The default tier; also the
	// answer whenever classification is unavailable.
	ClassUnknown Classification = "unknown"
	// ClassSuspicious: elevated risk. Traffic is allowed under a stricter
	// rate limit.
	ClassSuspicious Classification = "suspicious"
	// ClassMalicious: confirmed bad. Traffic is refused outright.
	ClassMalicious Classification = "malicious"
)

func (c Classification) IsValid() bool {
	switch c {
	case ClassBenign, ClassUnknown, ClassSuspicious, ClassMalicious:
		return true
	}
	return false
}

func (c Classification) String() string {
	return string(c)
}

// severity orders tiers for precedence comparisons.
var severity = map[Classification]int{
	ClassBenign:     0,
	ClassUnknown:    1,
	ClassSuspicious: 2,
	ClassMalicious:  3,
}

// MoreSevereThan reports whether c outranks other.
func (c Classification) MoreSevereThan(other Classification) bool {
	return severity[c] > severity[other]
}

// Source records where a classification came from. Manual overrides beat
// intel-sourced classifications in both directions; an operator clearing a
// subject is as binding as an operator condemning one.
type Source string

const (
	SourceExternalIntel  Source = "external-intel"
	SourceManualOverride Source = "manual-override"
	// SourceAbuseDetection marks classifications derived from the subject's
	// own observed behavior rather than any external authority.
	SourceAbuseDetection Source = "abuse-detection"
)

// ReputationRecord is a cached classification for one subject. Confidence
// and Tags carry the intel evidence behind an external-intel verdict; both
// are empty for overrides and abuse-derived records.
type ReputationRecord struct {
	Subject        string         `json:"subject"`
	Classification Classification `json:"classification"`
	Source         Source         `json:"source"`
	Confidence     float64        `json:"confidence,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	FetchedAt      time.Time      `json:"fetched_at"`
}

// NewReputationRecord creates a record with invariant validation.
func NewReputationRecord(subject string, class Classification, source Source, fetchedAt time.Time) (*ReputationRecord, error) {
	if subject == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "subject cannot be empty")
	}
	if !class.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "invalid classification")
	}
	if source != SourceExternalIntel && source != SourceManualOverride && source != SourceAbuseDetection {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "invalid classification source")
	}
	return &ReputationRecord{
		Subject:        subject,
		Classification: class,
		Source:         source,
		FetchedAt:      fetchedAt,
	}, nil
}

// BlockEntry is one entry in the block ledger. An empty Action blocks the
// subject across all actions. A zero ExpiresAt never expires.
type BlockEntry struct {
	Subject   string    `json:"subject"`
	Action    string    `json:"action,omitempty"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Permanent reports whether the entry has no expiry.
func (b *BlockEntry) Permanent() bool {
	return b.ExpiresAt.IsZero()
}

// Expired reports whether the entry has lapsed at the given time.
func (b *BlockEntry) Expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && !now.Before(b.ExpiresAt)
}

// IntelReport is the provider's answer for one subject.
type IntelReport struct {
	Subject        string         `json:"subject"`
	Classification Classification `json:"classification"`
	Confidence     float64        `json:"confidence"`
	Tags           []string       `json:"tags,omitempty"`
	Provider       string         `json:"provider"`
}
