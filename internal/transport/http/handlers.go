// Package httptransport is the thin HTTP layer over the enforcement
// pipeline. Handlers translate requests into pipeline evaluations and
// decisions back into the response contract; no enforcement logic lives
// here.
package httptransport

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"bastion/internal/enforcement/models"
	"bastion/internal/enforcement/service/behavior"
	"bastion/internal/enforcement/service/coordinator"
	"bastion/internal/platform/middleware"
	"bastion/internal/transport/httputil"
	dErrors "bastion/pkg/domain-errors"
)

// maxBodyBytes bounds request bodies. Counted submissions and contact
// forms are small; anything larger is hostile.
const maxBodyBytes = 64 << 10

// Handler serves the public submission endpoints.
type Handler struct {
	pipeline *coordinator.Coordinator
	logger   *slog.Logger
}

// NewHandler creates the public HTTP handler.
func NewHandler(pipeline *coordinator.Coordinator, logger *slog.Logger) *Handler {
	return &Handler{
		pipeline: pipeline,
		logger:   logger,
	}
}

// submissionBody is the client payload for counted submissions.
type submissionBody struct {
	SessionID     string `json:"sessionId"`
	ElapsedMillis int64  `json:"elapsedMillis"`
	VisibleMillis int64  `json:"visibleMillis"`
	// Website is the honeypot field. Humans never see it; a value here
	// means a form filler.
	Website string `json:"website"`
}

func (h *Handler) handleView(w http.ResponseWriter, r *http.Request) {
	h.handleCounted(w, r, models.ActionView)
}

func (h *Handler) handleShare(w http.ResponseWriter, r *http.Request) {
	h.handleCounted(w, r, models.ActionShare)
}

func (h *Handler) handleCounted(w http.ResponseWriter, r *http.Request, action models.Action) {
	resourceID := chi.URLParam(r, "resourceID")
	if resourceID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "missing resource identifier"))
		return
	}

	var body submissionBody
	if err := decodeBody(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}

	decision, err := h.pipeline.Evaluate(r.Context(), coordinator.Request{
		Action:     action,
		Subject:    middleware.GetClientIP(r.Context()),
		ResourceID: resourceID,
		SessionID:  body.SessionID,
		Signals: behavior.Signals{
			UserAgent:      middleware.GetUserAgent(r.Context()),
			ElapsedMillis:  body.ElapsedMillis,
			VisibleMillis:  body.VisibleMillis,
			HoneypotFilled: body.Website != "",
		},
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeDecision(w, decision)
}

// contactBody is the contact form payload. Only the anti-abuse fields are
// inspected here; the message itself is forwarded downstream by the caller
// that embeds this service.
type contactBody struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Message string `json:"message"`
	Website string `json:"website"`
}

func (h *Handler) handleContact(w http.ResponseWriter, r *http.Request) {
	var body contactBody
	if err := decodeBody(r, &body); err != nil {
		httputil.WriteError(w, err)
		return
	}

	decision, err := h.pipeline.Evaluate(r.Context(), coordinator.Request{
		Action:  models.ActionContact,
		Subject: middleware.GetClientIP(r.Context()),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	// The contact form carries the honeypot even though it is not a
	// counted submission. A filled honeypot gets the same success-shaped
	// brushoff as bot-detected counted submissions.
	if decision.Allowed && body.Website != "" {
		writeRateHeaders(w, decision)
		httputil.WriteJSON(w, http.StatusOK, models.EvaluationResponse{Allowed: true})
		return
	}
	writeDecision(w, decision)
}

func (h *Handler) handleCSPReport(w http.ResponseWriter, r *http.Request) {
	decision, err := h.pipeline.Evaluate(r.Context(), coordinator.Request{
		Action:  models.ActionCSPReport,
		Subject: middleware.GetClientIP(r.Context()),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if !decision.Allowed {
		writeDecision(w, decision)
		return
	}

	// Reports are logged, not stored. The body shape varies by browser so
	// it is kept as raw JSON.
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err == nil && json.Valid(raw) {
		h.logger.InfoContext(r.Context(), "csp_violation_report",
			"report", json.RawMessage(raw),
		)
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(v); err != nil {
		if err == io.EOF {
			// An empty body means no signals, which the pipeline judges on
			// its own terms.
			return nil
		}
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed request body")
	}
	return nil
}

// writeDecision maps a pipeline decision onto the response contract, with
// rate limit headers on every response that consulted a window.
func writeDecision(w http.ResponseWriter, d *coordinator.Decision) {
	writeRateHeaders(w, d)
	httputil.WriteJSON(w, decisionStatus(d), d.Response())
}

func decisionStatus(d *coordinator.Decision) int {
	if d.Allowed {
		return http.StatusOK
	}
	switch d.Reason {
	case models.ReasonRateLimitExceeded:
		return http.StatusTooManyRequests
	case models.ReasonBlocked:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func writeRateHeaders(w http.ResponseWriter, d *coordinator.Decision) {
	rl := d.RateLimit
	if rl == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
	if !rl.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter))
	}
}
