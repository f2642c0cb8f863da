// Package kv defines the store contract shared by every enforcement
// component. All cross-request state flows through these primitives; no
// caller ever read-modify-writes a value across two separate store calls
// for the same key, so correctness under concurrency is delegated to the
// implementations' atomic operations.
package kv

import (
	"context"
	"time"
)

// Store is a TTL-capable key-value store with atomic counter, existence-only
// marker, and time-ordered collection primitives.
type Store interface {
	// Get returns the value for key, with ok=false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores a value. A ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfAbsent atomically stores a value only if the key does not exist.
	// Returns true when the claim succeeded. Concurrent callers race safely;
	// exactly one wins.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// IncrementWithExpiry atomically increments a counter, setting it to 1
	// with the given TTL when absent. The TTL is set exactly once per window
	// and never extended by subsequent increments.
	IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// ExpiresIn returns the remaining TTL for a key, with ok=false when the
	// key is absent or has no expiry.
	ExpiresIn(ctx context.Context, key string) (time.Duration, bool, error)

	// AppendTimestamped appends a member scored by timestamp to a
	// time-ordered collection and refreshes the collection's retention TTL.
	AppendTimestamped(ctx context.Context, key string, at time.Time, member string, retention time.Duration) error

	// CountSince returns the count of members at or after since. Members
	// older than pruneBefore are removed as a side effect; since and
	// pruneBefore are independent cutoffs so a short-window query never
	// destroys history a longer retention still covers.
	CountSince(ctx context.Context, key string, since, pruneBefore time.Time) (int64, error)

	// AddToSet adds a member to an unordered set, refreshing the set's TTL.
	AddToSet(ctx context.Context, key, member string, ttl time.Duration) error

	// SetMembers returns all members of an unordered set.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// RemoveFromSet removes members from an unordered set.
	RemoveFromSet(ctx context.Context, key string, members ...string) error

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
}
