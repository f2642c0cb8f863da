// Package refresh re-classifies recently active subjects in the background
// so hot-path requests keep hitting a warm reputation cache.
package refresh

import (
	"context"
	"log/slog"
	"time"

	"bastion/internal/enforcement/metrics"
	emodels "bastion/internal/enforcement/models"
	"bastion/internal/enforcement/store/kv"
	"bastion/internal/reputation/models"
)

// Classifier is the slice of the reputation service the worker needs.
// RefreshBatch bypasses live cache entries so the worker actually renews
// them instead of reading its own warm cache back.
type Classifier interface {
	RefreshBatch(ctx context.Context, subjects []string) map[string]*models.ReputationRecord
}

// RefreshResult summarizes one worker run.
type RefreshResult struct {
	Subjects  int
	Malicious int
	Duration  time.Duration
}

// Option configures the refresh worker.
type Option func(*Worker)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// Worker drains the hot-subject set on an interval and re-classifies every
// subject found there. The enforcement pipeline feeds the set; the worker
// only ever consumes it.
type Worker struct {
	store      kv.Store
	classifier Classifier
	logger     *slog.Logger
	interval   time.Duration
	metrics    *metrics.Metrics
}

// New creates a refresh worker.
func New(store kv.Store, classifier Classifier, opts ...Option) *Worker {
	w := &Worker{
		store:      store,
		classifier: classifier,
		logger:     slog.Default(),
		interval:   10 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Start runs the worker until the context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			startTime := time.Now()
			res, err := w.RunOnce(ctx)
			duration := time.Since(startTime)

			if err != nil {
				w.logger.Error("reputation_refresh_failed",
					"error", err,
					"duration_ms", duration.Milliseconds(),
				)
				w.metrics.RecordRefreshRun("error")
				continue
			}

			res.Duration = duration
			w.logger.Info("reputation_refresh_completed",
				"subjects", res.Subjects,
				"malicious", res.Malicious,
				"duration_ms", duration.Milliseconds(),
			)
			w.metrics.RecordRefreshRun("success")
			w.metrics.RecordRefreshSubjects(res.Subjects)

		case <-ctx.Done():
			w.logger.Info("reputation refresh worker stopping", "reason", ctx.Err())
			return ctx.Err()
		}
	}
}

// RunOnce drains the hot-subject set and re-classifies each subject.
// Subjects are removed before classification; a subject active again during
// the run simply re-enters the set for the next one.
func (w *Worker) RunOnce(ctx context.Context) (*RefreshResult, error) {
	subjects, err := w.store.SetMembers(ctx, emodels.HotSubjectsKey)
	if err != nil {
		return nil, err
	}
	if len(subjects) == 0 {
		return &RefreshResult{}, nil
	}
	if err := w.store.RemoveFromSet(ctx, emodels.HotSubjectsKey, subjects...); err != nil {
		return nil, err
	}

	records := w.classifier.RefreshBatch(ctx, subjects)

	res := &RefreshResult{Subjects: len(records)}
	for _, record := range records {
		if record.Classification == models.ClassMalicious {
			res.Malicious++
		}
	}
	return res, nil
}
