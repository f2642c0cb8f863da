package intel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"bastion/internal/platform/config"
	"bastion/internal/reputation/models"
	dErrors "bastion/pkg/domain-errors"
)

type IntelSuite struct {
	suite.Suite
	ctx context.Context
}

func TestIntelSuite(t *testing.T) {
	suite.Run(t, new(IntelSuite))
}

func (s *IntelSuite) SetupTest() {
	s.ctx = context.Background()
}

func (s *IntelSuite) newSource(srv *httptest.Server) *HTTPSource {
	return NewHTTPSource(config.IntelConfig{
		BaseURL: srv.URL,
		APIKey:  "test-api-key",
		Timeout: 2 * time.Second,
	}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

// =============================================================================
// Provider Protocol Tests
// =============================================================================

func (s *IntelSuite) TestSuccessfulLookup() {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		json.NewEncoder(w).Encode(map[string]any{
			"classification": "malicious",
			"confidence":     0.97,
			"provider":       "test-feed",
			"tags":           []string{"botnet", "scanner"},
		})
	}))
	defer srv.Close()

	report, err := s.newSource(srv).Lookup(s.ctx, "198.51.100.9")
	s.Require().NoError(err)
	s.Equal("/v1/reputation/198.51.100.9", gotPath)
	s.Equal("test-api-key", gotKey)
	s.Equal(models.ClassMalicious, report.Classification)
	s.Equal("198.51.100.9", report.Subject)
	s.InDelta(0.97, report.Confidence, 0.001)
	s.Equal([]string{"botnet", "scanner"}, report.Tags)
	s.Equal("test-feed", report.Provider)
}

func (s *IntelSuite) TestNotFoundMeansUnknown() {
	// Justification: a subject absent from the provider's feed carries no
	// signal either way. It must not surface as an error upstream.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	report, err := s.newSource(srv).Lookup(s.ctx, "203.0.113.1")
	s.Require().NoError(err)
	s.Equal(models.ClassUnknown, report.Classification)
}

func (s *IntelSuite) TestServerErrorIsUnavailable() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := s.newSource(srv).Lookup(s.ctx, "203.0.113.1")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
}

func (s *IntelSuite) TestUnreachableProviderIsUnavailable() {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	_, err := s.newSource(srv).Lookup(s.ctx, "203.0.113.1")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
}

func (s *IntelSuite) TestMalformedBodyIsUnavailable() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	_, err := s.newSource(srv).Lookup(s.ctx, "203.0.113.1")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
}

func (s *IntelSuite) TestUnrecognizedClassificationDegradesToUnknown() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"classification": "radioactive"})
	}))
	defer srv.Close()

	report, err := s.newSource(srv).Lookup(s.ctx, "203.0.113.1")
	s.Require().NoError(err)
	s.Equal(models.ClassUnknown, report.Classification)
}

func (s *IntelSuite) TestVerdictMapping() {
	// Justification: the tier assignment below drives permanent blocks, so
	// the precedence between indicator tags, verdicts and confidence is
	// pinned case by case.
	cases := []struct {
		name string
		body map[string]any
		want models.Classification
	}{
		{
			"compromise tag overrides low confidence",
			map[string]any{"classification": "suspicious", "confidence": 0.1, "tags": []string{"botnet"}},
			models.ClassMalicious,
		},
		{
			"confident malicious verdict",
			map[string]any{"classification": "malicious", "confidence": 0.9},
			models.ClassMalicious,
		},
		{
			"low confidence malicious degrades to suspicious",
			map[string]any{"classification": "malicious", "confidence": 0.4},
			models.ClassSuspicious,
		},
		{
			"anonymizer tag",
			map[string]any{"classification": "unknown", "tags": []string{"tor"}},
			models.ClassSuspicious,
		},
		{
			"benign service tag",
			map[string]any{"classification": "unknown", "tags": []string{"search-engine"}},
			models.ClassBenign,
		},
		{
			"suspicion tag outranks benign tag",
			map[string]any{"tags": []string{"search-engine", "proxy"}},
			models.ClassSuspicious,
		},
		{
			"no data",
			map[string]any{},
			models.ClassUnknown,
		},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				json.NewEncoder(w).Encode(tc.body)
			}))
			defer srv.Close()

			report, err := s.newSource(srv).Lookup(s.ctx, "203.0.113.1")
			s.Require().NoError(err)
			s.Equal(tc.want, report.Classification)
		})
	}
}

func (s *IntelSuite) TestSubjectIsPathEscaped() {
	var gotRawPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRawPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := s.newSource(srv).Lookup(s.ctx, "2001:db8::1")
	s.Require().NoError(err)
	s.Equal("/v1/reputation/2001:db8::1", gotRawPath)
}

func (s *IntelSuite) TestNoopSourceAnswersUnknown() {
	report, err := NoopSource{}.Lookup(s.ctx, "203.0.113.1")
	s.Require().NoError(err)
	s.Equal(models.ClassUnknown, report.Classification)
	s.Equal("203.0.113.1", report.Subject)
}
