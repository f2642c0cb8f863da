package models

import (
	"fmt"
	"strings"
)

// Store key namespaces. The layout is stable for interoperability with
// monitoring and export tooling:
//
//	rate:{action}:{subject}
//	dedup:{action}:{resourceId}:{sessionId}
//	abuse:{action}:{subject}
//	reputation:{subject}
//	block:{subject} and block:{action}:{subject}
//
// Segments are sanitized so user-controlled values containing ':' cannot
// cross into adjacent buckets.

// RateKey returns the fixed-window counter key for a subject and action.
func RateKey(action Action, subject string) string {
	return fmt.Sprintf("rate:%s:%s", action, sanitizeKeySegment(subject))
}

// DedupKey returns the existence-only marker key for a counted action.
func DedupKey(action Action, resourceID, sessionID string) string {
	return fmt.Sprintf("dedup:%s:%s:%s", action, sanitizeKeySegment(resourceID), sanitizeKeySegment(sessionID))
}

// AbuseKey returns the time-ordered abuse collection key for a subject and action.
func AbuseKey(action Action, subject string) string {
	return fmt.Sprintf("abuse:%s:%s", action, sanitizeKeySegment(subject))
}

// ReputationKey returns the cached reputation record key for a subject.
func ReputationKey(subject string) string {
	return fmt.Sprintf("reputation:%s", sanitizeKeySegment(subject))
}

// BlockKey returns the global block entry key for a subject.
func BlockKey(subject string) string {
	return fmt.Sprintf("block:%s", sanitizeKeySegment(subject))
}

// BlockActionKey returns the per-action block entry key for a subject.
func BlockActionKey(action Action, subject string) string {
	return fmt.Sprintf("block:%s:%s", action, sanitizeKeySegment(subject))
}

// BlockIndexKey is the set of subjects with live block entries, maintained
// so listing blocks never scans the keyspace.
const BlockIndexKey = "block-index"

// HotSubjectsKey is the set of recently evaluated subjects consumed by the
// background reputation refresh worker.
const HotSubjectsKey = "intel:hot-subjects"

// CounterKey returns the committed metric counter key for a count-once action.
func CounterKey(action Action, resourceID string) string {
	return fmt.Sprintf("count:%s:%s", action, sanitizeKeySegment(resourceID))
}

// sanitizeKeySegment escapes delimiter characters in key segments to prevent
// collision attacks where user-controlled identifiers containing ':' could
// manipulate adjacent buckets.
//
// Escape rules (order matters):
//  1. Escape '_' to '__' (escape the escape character first)
//  2. Escape ':' to '_c' (escape the delimiter)
//
// No two distinct inputs produce the same sanitized output.
func sanitizeKeySegment(s string) string {
	s = strings.ReplaceAll(s, "_", "__")
	s = strings.ReplaceAll(s, ":", "_c")
	return s
}
