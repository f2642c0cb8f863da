package circuit

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
)

// =============================================================================
// Circuit Breaker Test Suite
// =============================================================================
// Justification: the transition flags returned by RecordFailure and
// RecordSuccess drive failover logging and metrics, and must fire exactly
// once per transition under concurrency.

type BreakerSuite struct {
	suite.Suite
}

func TestBreakerSuite(t *testing.T) {
	suite.Run(t, new(BreakerSuite))
}

func (s *BreakerSuite) TestOpensAfterConsecutiveFailures() {
	b := New("test")

	s.False(b.RecordFailure())
	s.False(b.RecordFailure())
	s.False(b.IsOpen())

	s.True(b.RecordFailure())
	s.True(b.IsOpen())

	s.Run("further failures do not re-report the transition", func() {
		s.False(b.RecordFailure())
		s.True(b.IsOpen())
	})
}

func (s *BreakerSuite) TestSuccessResetsFailureStreak() {
	b := New("test")

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	// The streak restarted, so two more failures are not enough.
	s.False(b.RecordFailure())
	s.False(b.RecordFailure())
	s.False(b.IsOpen())
}

func (s *BreakerSuite) TestClosesAfterConsecutiveSuccesses() {
	b := New("test")
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	s.True(b.IsOpen())

	s.False(b.RecordSuccess())
	s.True(b.RecordSuccess())
	s.False(b.IsOpen())
}

func (s *BreakerSuite) TestFailureWhileOpenResetsSuccessStreak() {
	b := New("test")
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	b.RecordSuccess()
	b.RecordFailure()

	// The success streak restarted; one success is not enough to close.
	s.False(b.RecordSuccess())
	s.True(b.IsOpen())
}

func (s *BreakerSuite) TestThresholdOptions() {
	b := New("test", WithFailureThreshold(1), WithSuccessThreshold(1))

	s.True(b.RecordFailure())
	s.True(b.RecordSuccess())
	s.False(b.IsOpen())
}

func (s *BreakerSuite) TestTransitionReportedOnceUnderConcurrency() {
	b := New("test", WithFailureThreshold(1))

	const goroutines = 50
	var wg sync.WaitGroup
	opened := make(chan struct{}, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.RecordFailure() {
				opened <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(opened)
	s.Len(opened, 1)
}
