package refresh

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	emodels "bastion/internal/enforcement/models"
	"bastion/internal/enforcement/store/kv"
	"bastion/internal/reputation/models"
)

// fakeClassifier records the subjects it was asked about and answers from a
// canned classification table, defaulting to unknown.
type fakeClassifier struct {
	classes map[string]models.Classification
	calls   [][]string
}

func (f *fakeClassifier) RefreshBatch(_ context.Context, subjects []string) map[string]*models.ReputationRecord {
	f.calls = append(f.calls, subjects)
	out := make(map[string]*models.ReputationRecord, len(subjects))
	for _, subject := range subjects {
		class, ok := f.classes[subject]
		if !ok {
			class = models.ClassUnknown
		}
		out[subject] = &models.ReputationRecord{
			Subject:        subject,
			Classification: class,
			Source:         models.SourceExternalIntel,
			FetchedAt:      time.Now(),
		}
	}
	return out
}

type RefreshSuite struct {
	suite.Suite
	ctx        context.Context
	store      *kv.MemoryStore
	classifier *fakeClassifier
	worker     *Worker
}

func TestRefreshSuite(t *testing.T) {
	suite.Run(t, new(RefreshSuite))
}

func (s *RefreshSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = kv.NewMemoryStore()
	s.classifier = &fakeClassifier{classes: map[string]models.Classification{
		"198.51.100.9": models.ClassMalicious,
	}}
	s.worker = New(s.store, s.classifier,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

// =============================================================================
// Hot Subject Refresh Tests
// =============================================================================

func (s *RefreshSuite) TestRunOnceDrainsHotSet() {
	for _, subject := range []string{"10.0.0.1", "10.0.0.2", "198.51.100.9"} {
		s.Require().NoError(s.store.AddToSet(s.ctx, emodels.HotSubjectsKey, subject, time.Hour))
	}

	res, err := s.worker.RunOnce(s.ctx)
	s.Require().NoError(err)

	s.Equal(3, res.Subjects)
	s.Equal(1, res.Malicious)
	s.Require().Len(s.classifier.calls, 1)
	s.ElementsMatch([]string{"10.0.0.1", "10.0.0.2", "198.51.100.9"}, s.classifier.calls[0])

	// The set is drained; the next run has nothing to do.
	members, err := s.store.SetMembers(s.ctx, emodels.HotSubjectsKey)
	s.Require().NoError(err)
	s.Empty(members)
}

func (s *RefreshSuite) TestEmptySetIsANoOp() {
	res, err := s.worker.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, res.Subjects)
	s.Empty(s.classifier.calls)
}

func (s *RefreshSuite) TestSubjectActiveDuringRunReentersNextRun() {
	s.Require().NoError(s.store.AddToSet(s.ctx, emodels.HotSubjectsKey, "10.0.0.1", time.Hour))

	_, err := s.worker.RunOnce(s.ctx)
	s.Require().NoError(err)

	// Fresh activity between runs re-registers the subject.
	s.Require().NoError(s.store.AddToSet(s.ctx, emodels.HotSubjectsKey, "10.0.0.1", time.Hour))

	res, err := s.worker.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Subjects)
	s.Len(s.classifier.calls, 2)
}
