// Package blocklist persists block ledger entries in the enforcement store.
// Entries live under their own keys so lookups on the hot path are a single
// read; a separate index set exists only for the admin listing.
package blocklist

import (
	"context"
	"encoding/json"
	"time"

	emodels "bastion/internal/enforcement/models"
	"bastion/internal/enforcement/store/kv"
	"bastion/internal/reputation/models"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/platform/requesttime"
)

// Store reads and writes the block ledger.
type Store struct {
	kv kv.Store
}

// NewStore creates a block ledger over the given key-value store.
func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

func entryKey(entry *models.BlockEntry) string {
	if entry.Action == "" {
		return emodels.BlockKey(entry.Subject)
	}
	return emodels.BlockActionKey(emodels.Action(entry.Action), entry.Subject)
}

// Put writes an entry and registers it in the listing index. Temporary
// entries expire via TTL; the index member is pruned lazily on List.
func (s *Store) Put(ctx context.Context, entry *models.BlockEntry) error {
	now := requesttime.Now(ctx)
	if entry.Expired(now) {
		return dErrors.New(dErrors.CodeInvalidInput, "block entry already expired")
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode block entry")
	}

	var ttl time.Duration
	if !entry.Permanent() {
		ttl = entry.ExpiresAt.Sub(now)
	}

	key := entryKey(entry)
	if err := s.kv.Set(ctx, key, string(payload), ttl); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to write block entry")
	}
	if err := s.kv.AddToSet(ctx, emodels.BlockIndexKey, key, 0); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to index block entry")
	}
	return nil
}

// Lookup returns the entry covering the subject for the given action,
// preferring an all-action block over an action-scoped one.
func (s *Store) Lookup(ctx context.Context, subject string, action emodels.Action) (*models.BlockEntry, bool, error) {
	for _, key := range []string{
		emodels.BlockKey(subject),
		emodels.BlockActionKey(action, subject),
	} {
		entry, ok, err := s.getKey(ctx, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return entry, true, nil
		}
	}
	return nil, false, nil
}

func (s *Store) getKey(ctx context.Context, key string) (*models.BlockEntry, bool, error) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, false, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to read block entry")
	}
	if !ok {
		return nil, false, nil
	}
	var entry models.BlockEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, false, dErrors.Wrap(err, dErrors.CodeInternal, "corrupt block entry")
	}
	return &entry, true, nil
}

// Remove deletes every entry for a subject, scoped and unscoped, and
// unregisters them from the index.
func (s *Store) Remove(ctx context.Context, subject string) error {
	keys := []string{emodels.BlockKey(subject)}
	for _, action := range []emodels.Action{
		emodels.ActionView,
		emodels.ActionShare,
		emodels.ActionContact,
		emodels.ActionAdminRead,
		emodels.ActionCSPReport,
	} {
		keys = append(keys, emodels.BlockActionKey(action, subject))
	}
	if err := s.kv.Delete(ctx, keys...); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to delete block entries")
	}
	if err := s.kv.RemoveFromSet(ctx, emodels.BlockIndexKey, keys...); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to unindex block entries")
	}
	return nil
}

// List returns all live entries. Index members whose entries expired are
// removed as a side effect, so the index tracks the ledger without a
// dedicated sweeper.
func (s *Store) List(ctx context.Context) ([]*models.BlockEntry, error) {
	keys, err := s.kv.SetMembers(ctx, emodels.BlockIndexKey)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to read block index")
	}

	entries := make([]*models.BlockEntry, 0, len(keys))
	var stale []string
	for _, key := range keys {
		entry, ok, err := s.getKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			stale = append(stale, key)
			continue
		}
		entries = append(entries, entry)
	}

	if len(stale) > 0 {
		if err := s.kv.RemoveFromSet(ctx, emodels.BlockIndexKey, stale...); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to prune block index")
		}
	}
	return entries, nil
}
