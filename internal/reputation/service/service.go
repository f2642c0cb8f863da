// Package service implements reputation classification: cached intel
// lookups, manual overrides, abuse-driven escalation, and the block checks
// sitting at the front of the enforcement pipeline.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"bastion/internal/enforcement/metrics"
	emodels "bastion/internal/enforcement/models"
	"bastion/internal/enforcement/store/kv"
	"bastion/internal/platform/privacy"
	"bastion/internal/reputation/intel"
	"bastion/internal/reputation/models"
	"bastion/internal/reputation/store/blocklist"
	dErrors "bastion/pkg/domain-errors"
	"bastion/pkg/platform/requesttime"
)

const (
	// batchConcurrency bounds parallel intel lookups in ClassifyBatch.
	batchConcurrency = 8

	// suspicionTTL bounds how long an abuse-derived suspicious tier lasts
	// without fresh evidence.
	suspicionTTL = 24 * time.Hour
)

// Service answers classification and block queries.
//
// Classification is advisory and fails open: when neither the cache nor the
// provider can answer, the subject is unknown and the default limits apply.
// Block checks fail closed: when the ledger is unreadable, subjects this
// process has ever seen classified malicious stay blocked via a local set.
type Service struct {
	cache    kv.Store
	blocks   *blocklist.Store
	source   intel.Source
	cacheTTL time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	flight singleflight.Group

	// knownBad is the fail-closed memory of malicious subjects. It only
	// grows during normal operation and shrinks on explicit clears.
	badMu    sync.RWMutex
	knownBad map[string]struct{}
}

// Option configures the reputation service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithCacheTTL sets how long intel-sourced classifications are cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithLookupTimeout bounds a single intel lookup.
func WithLookupTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewService creates a reputation service.
func NewService(cache kv.Store, blocks *blocklist.Store, source intel.Source, opts ...Option) *Service {
	s := &Service{
		cache:    cache,
		blocks:   blocks,
		source:   source,
		cacheTTL: time.Hour,
		timeout:  3 * time.Second,
		logger:   slog.Default(),
		knownBad: make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Classify returns the subject's reputation record. Cache hits, manual
// overrides included, are authoritative. On a miss the provider is queried
// once per subject regardless of concurrent callers; failures yield an
// uncached unknown so the next request retries instead of pinning a stale
// answer.
func (s *Service) Classify(ctx context.Context, subject string) *models.ReputationRecord {
	if record, ok := s.cached(ctx, subject); ok {
		s.metrics.RecordReputationLookup(record.Classification.String(), "cache")
		return record
	}

	result, err, _ := s.flight.Do(subject, func() (any, error) {
		return s.fetchAndCache(ctx, subject)
	})
	if err != nil {
		s.logger.Warn("classification unavailable, treating subject as unknown",
			"subject", privacy.AnonymizeIP(subject),
			"error", err,
		)
		s.metrics.RecordReputationLookup(models.ClassUnknown.String(), "unavailable")
		return &models.ReputationRecord{
			Subject:        subject,
			Classification: models.ClassUnknown,
			Source:         models.SourceExternalIntel,
			FetchedAt:      requesttime.Now(ctx),
		}
	}

	record := result.(*models.ReputationRecord)
	s.metrics.RecordReputationLookup(record.Classification.String(), "intel")
	return record
}

func (s *Service) cached(ctx context.Context, subject string) (*models.ReputationRecord, bool) {
	raw, ok, err := s.cache.Get(ctx, emodels.ReputationKey(subject))
	if err != nil || !ok {
		return nil, false
	}
	var record models.ReputationRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		s.logger.Warn("dropping corrupt reputation cache entry",
			"subject", privacy.AnonymizeIP(subject),
			"error", err,
		)
		return nil, false
	}
	if record.Classification == models.ClassMalicious {
		s.rememberBad(subject)
	}
	return &record, true
}

func (s *Service) fetchAndCache(ctx context.Context, subject string) (*models.ReputationRecord, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	report, err := s.source.Lookup(lookupCtx, subject)
	if err != nil {
		return nil, err
	}

	record, err := models.NewReputationRecord(subject, report.Classification, models.SourceExternalIntel, requesttime.Now(ctx))
	if err != nil {
		return nil, err
	}
	record.Confidence = report.Confidence
	record.Tags = report.Tags
	s.storeRecord(ctx, record, s.cacheTTL)

	if record.Classification == models.ClassMalicious {
		s.blockMalicious(ctx, subject, "external intelligence classified subject malicious")
	}
	return record, nil
}

// Refresh re-fetches the subject from the provider even when a cached
// intel record is still live, replacing it with a fresh one. Manual
// overrides and abuse-derived records are authoritative and left alone.
// A failed fetch keeps whatever the cache already holds.
func (s *Service) Refresh(ctx context.Context, subject string) *models.ReputationRecord {
	cached, ok := s.cached(ctx, subject)
	if ok && cached.Source != models.SourceExternalIntel {
		s.metrics.RecordReputationLookup(cached.Classification.String(), "cache")
		return cached
	}

	result, err, _ := s.flight.Do(subject, func() (any, error) {
		return s.fetchAndCache(ctx, subject)
	})
	if err != nil {
		s.logger.Warn("reputation refresh failed",
			"subject", privacy.AnonymizeIP(subject),
			"error", err,
		)
		s.metrics.RecordReputationLookup(models.ClassUnknown.String(), "unavailable")
		if ok {
			return cached
		}
		return &models.ReputationRecord{
			Subject:        subject,
			Classification: models.ClassUnknown,
			Source:         models.SourceExternalIntel,
			FetchedAt:      requesttime.Now(ctx),
		}
	}

	record := result.(*models.ReputationRecord)
	s.metrics.RecordReputationLookup(record.Classification.String(), "intel")
	return record
}

// ClassifyBatch classifies subjects with bounded parallelism. Individual
// failures degrade to unknown, matching Classify.
func (s *Service) ClassifyBatch(ctx context.Context, subjects []string) map[string]*models.ReputationRecord {
	return s.batch(ctx, subjects, s.Classify)
}

// RefreshBatch re-fetches subjects with bounded parallelism, bypassing
// live intel cache entries. The background worker uses it to keep hot
// subjects warm past their TTL.
func (s *Service) RefreshBatch(ctx context.Context, subjects []string) map[string]*models.ReputationRecord {
	return s.batch(ctx, subjects, s.Refresh)
}

func (s *Service) batch(ctx context.Context, subjects []string, lookup func(context.Context, string) *models.ReputationRecord) map[string]*models.ReputationRecord {
	results := make([]*models.ReputationRecord, len(subjects))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, subject := range subjects {
		i, subject := i, subject
		g.Go(func() error {
			results[i] = lookup(ctx, subject)
			return nil
		})
	}
	g.Wait()

	out := make(map[string]*models.ReputationRecord, len(subjects))
	for _, record := range results {
		if record != nil {
			out[record.Subject] = record
		}
	}
	return out
}

// Override pins a subject's classification by operator decision. Overrides
// never expire and beat every other source until removed: overriding to
// malicious blocks the subject permanently, overriding downward lifts any
// standing block.
func (s *Service) Override(ctx context.Context, subject string, class models.Classification) (*models.ReputationRecord, error) {
	record, err := models.NewReputationRecord(subject, class, models.SourceManualOverride, requesttime.Now(ctx))
	if err != nil {
		return nil, err
	}
	if err := s.putRecord(ctx, record, 0); err != nil {
		return nil, err
	}

	if class == models.ClassMalicious {
		s.blockMalicious(ctx, subject, "manual override classified subject malicious")
	} else {
		if err := s.blocks.Remove(ctx, subject); err != nil {
			return nil, err
		}
		s.forgetBad(subject)
	}

	s.metrics.RecordReputationLookup(class.String(), "override")
	s.logger.Info("reputation override applied",
		"subject", privacy.AnonymizeIP(subject),
		"classification", class.String(),
	)
	return record, nil
}

// RecordSuspicion escalates a subject after the abuse tracker flags it.
// A first flag marks the subject suspicious; a flag landing on an already
// suspicious or worse subject escalates to malicious and a permanent block.
// Manual overrides are never displaced by abuse evidence.
func (s *Service) RecordSuspicion(ctx context.Context, subject string) {
	current, ok := s.cached(ctx, subject)
	if ok && current.Source == models.SourceManualOverride {
		return
	}

	if ok && !models.ClassSuspicious.MoreSevereThan(current.Classification) {
		if current.Classification == models.ClassSuspicious {
			s.escalate(ctx, subject)
		}
		return
	}

	record, err := models.NewReputationRecord(subject, models.ClassSuspicious, models.SourceAbuseDetection, requesttime.Now(ctx))
	if err != nil {
		s.logger.Error("failed to build suspicion record",
			"error", err,
		)
		return
	}
	s.storeRecord(ctx, record, suspicionTTL)
	s.logger.Warn("subject marked suspicious after abuse flag",
		"subject", privacy.AnonymizeIP(subject),
	)
}

func (s *Service) escalate(ctx context.Context, subject string) {
	record, err := models.NewReputationRecord(subject, models.ClassMalicious, models.SourceAbuseDetection, requesttime.Now(ctx))
	if err != nil {
		s.logger.Error("failed to build escalation record",
			"error", err,
		)
		return
	}
	s.storeRecord(ctx, record, 0)
	s.blockMalicious(ctx, subject, "repeated abuse flags while under suspicion")
}

// IsBlocked reports whether a block entry covers the subject for the
// action. When the ledger is unreadable the local malicious set decides,
// so a store outage never unblocks a subject this process knows is bad.
func (s *Service) IsBlocked(ctx context.Context, subject string, action emodels.Action) (bool, *models.BlockEntry) {
	entry, ok, err := s.blocks.Lookup(ctx, subject, action)
	if err != nil {
		s.logger.Error("block ledger unreadable, applying fail-closed set",
			"subject", privacy.AnonymizeIP(subject),
			"error", err,
		)
		if s.isKnownBad(subject) {
			return true, &models.BlockEntry{
				Subject:   subject,
				Reason:    "known malicious, ledger unavailable",
				CreatedAt: requesttime.Now(ctx),
			}
		}
		return false, nil
	}
	if !ok {
		return false, nil
	}
	if entry.Expired(requesttime.Now(ctx)) {
		return false, nil
	}
	return true, entry
}

// Unblock lifts every block on a subject and forgets it from the
// fail-closed set. Admin use only.
func (s *Service) Unblock(ctx context.Context, subject string) error {
	if err := s.blocks.Remove(ctx, subject); err != nil {
		return err
	}
	s.forgetBad(subject)
	s.logger.Info("block lifted",
		"subject", privacy.AnonymizeIP(subject),
	)
	return nil
}

// ListBlocked returns the live block ledger. Admin use only.
func (s *Service) ListBlocked(ctx context.Context) ([]*models.BlockEntry, error) {
	return s.blocks.List(ctx)
}

// blockMalicious writes a permanent all-action block and remembers the
// subject locally. Ledger failures are logged but do not abort: the local
// set still enforces the block from this process.
func (s *Service) blockMalicious(ctx context.Context, subject, reason string) {
	s.rememberBad(subject)

	entry := &models.BlockEntry{
		Subject:   subject,
		Reason:    reason,
		CreatedAt: requesttime.Now(ctx),
	}
	if err := s.blocks.Put(ctx, entry); err != nil {
		s.logger.Error("failed to persist block entry",
			"subject", privacy.AnonymizeIP(subject),
			"error", err,
		)
	}
	s.logger.Error("subject blocked as malicious",
		"subject", privacy.AnonymizeIP(subject),
		"reason", reason,
	)
}

// storeRecord caches a record, logging failures. Used where a cache miss
// is tolerable.
func (s *Service) storeRecord(ctx context.Context, record *models.ReputationRecord, ttl time.Duration) {
	if err := s.putRecord(ctx, record, ttl); err != nil {
		s.logger.Warn("failed to cache reputation record",
			"subject", privacy.AnonymizeIP(record.Subject),
			"error", err,
		)
	}
}

func (s *Service) putRecord(ctx context.Context, record *models.ReputationRecord, ttl time.Duration) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode reputation record")
	}
	if err := s.cache.Set(ctx, emodels.ReputationKey(record.Subject), string(payload), ttl); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to write reputation record")
	}
	if record.Classification == models.ClassMalicious {
		s.rememberBad(record.Subject)
	}
	return nil
}

func (s *Service) rememberBad(subject string) {
	s.badMu.Lock()
	s.knownBad[subject] = struct{}{}
	s.badMu.Unlock()
}

func (s *Service) forgetBad(subject string) {
	s.badMu.Lock()
	delete(s.knownBad, subject)
	s.badMu.Unlock()
}

func (s *Service) isKnownBad(subject string) bool {
	s.badMu.RLock()
	defer s.badMu.RUnlock()
	_, ok := s.knownBad[subject]
	return ok
}
