// Package intel talks to the external threat intelligence provider.
package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bastion/internal/enforcement/metrics"
	"bastion/internal/platform/config"
	"bastion/internal/platform/privacy"
	"bastion/internal/reputation/models"
	dErrors "bastion/pkg/domain-errors"
)

// Source answers reputation queries for a subject. Implementations must
// honor context cancellation; the reputation service imposes a deadline and
// treats expiry as unavailability, never as a classification.
type Source interface {
	Lookup(ctx context.Context, subject string) (*models.IntelReport, error)
}

// NoopSource answers unknown for every subject. Used when no provider is
// configured; enforcement then runs on rate limits, dedup, behavior and
// manual overrides alone.
type NoopSource struct{}

func (NoopSource) Lookup(_ context.Context, subject string) (*models.IntelReport, error) {
	return &models.IntelReport{
		Subject:        subject,
		Classification: models.ClassUnknown,
	}, nil
}

// HTTPSource queries a provider over HTTPS, authenticated by API key.
type HTTPSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(s *HTTPSource) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPSource) {
		s.metrics = m
	}
}

// WithHTTPClient replaces the underlying HTTP client. Used by tests.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(s *HTTPSource) {
		if client != nil {
			s.client = client
		}
	}
}

// NewHTTPSource creates a provider client from configuration.
func NewHTTPSource(cfg config.IntelConfig, opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  slog.Default(),
		tracer:  otel.Tracer("bastion/intel"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// providerResponse is the provider's wire format.
type providerResponse struct {
	Classification string   `json:"classification"`
	Confidence     float64  `json:"confidence"`
	Provider       string   `json:"provider"`
	Tags           []string `json:"tags"`
}

// maliciousConfidence is the minimum provider confidence at which an
// explicit malicious verdict is taken at face value. Compromise tags
// bypass it.
const maliciousConfidence = 0.75

var (
	compromiseTags = map[string]bool{
		"malware": true, "botnet": true, "c2": true, "compromised": true, "exploit": true,
	}
	suspicionTags = map[string]bool{
		"proxy": true, "vpn": true, "tor": true, "anonymizer": true, "scanner": true, "brute-force": true,
	}
	benignTags = map[string]bool{
		"search-engine": true, "cdn": true, "monitoring": true,
	}
)

// mapVerdict folds the provider's classification, confidence and indicator
// tags into the four-tier model. Precedence: active-compromise indicators
// outrank everything, then a confident malicious verdict, then suspicion
// indicators, then benign indicators. A malicious verdict below the
// confidence bar degrades to suspicious rather than being discarded.
func mapVerdict(body providerResponse) (models.Classification, bool) {
	hasAny := func(set map[string]bool) bool {
		for _, tag := range body.Tags {
			if set[tag] {
				return true
			}
		}
		return false
	}

	switch {
	case hasAny(compromiseTags):
		return models.ClassMalicious, true
	case body.Classification == string(models.ClassMalicious):
		if body.Confidence >= maliciousConfidence {
			return models.ClassMalicious, true
		}
		return models.ClassSuspicious, true
	case hasAny(suspicionTags) || body.Classification == string(models.ClassSuspicious):
		return models.ClassSuspicious, true
	case hasAny(benignTags) || body.Classification == string(models.ClassBenign):
		return models.ClassBenign, true
	case body.Classification == "" || body.Classification == string(models.ClassUnknown):
		return models.ClassUnknown, true
	}
	return models.ClassUnknown, false
}

// Lookup fetches the provider's classification for a subject. A subject
// the provider has never seen comes back unknown; transport and protocol
// failures come back as unavailable errors.
func (s *HTTPSource) Lookup(ctx context.Context, subject string) (*models.IntelReport, error) {
	ctx, span := s.tracer.Start(ctx, "intel.lookup", trace.WithAttributes(
		attribute.String("subject", privacy.AnonymizeIP(subject)),
	))
	report, err := s.lookup(ctx, subject)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("classification", report.Classification.String()))
	}
	span.End()
	return report, err
}

func (s *HTTPSource) lookup(ctx context.Context, subject string) (*models.IntelReport, error) {
	endpoint := fmt.Sprintf("%s/v1/reputation/%s", s.baseURL, url.PathEscape(subject))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to build intel request")
	}
	req.Header.Set("X-API-Key", s.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	s.metrics.ObserveIntelRequest(time.Since(start))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "intel provider unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// No data on this subject.
		return &models.IntelReport{
			Subject:        subject,
			Classification: models.ClassUnknown,
		}, nil
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, dErrors.New(dErrors.CodeUnavailable,
			fmt.Sprintf("intel provider returned status %d", resp.StatusCode))
	}

	var body providerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to decode intel response")
	}

	class, recognized := mapVerdict(body)
	if !recognized {
		s.logger.Warn("intel provider returned unrecognized classification",
			"classification", body.Classification,
		)
	}

	return &models.IntelReport{
		Subject:        subject,
		Classification: class,
		Confidence:     body.Confidence,
		Tags:           body.Tags,
		Provider:       body.Provider,
	}, nil
}
