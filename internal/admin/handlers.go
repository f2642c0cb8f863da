// Package admin serves the operator API: reputation inspection and
// override, the block ledger, and enforcement state resets.
package admin

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"bastion/internal/enforcement/models"
	"bastion/internal/enforcement/observability"
	"bastion/internal/enforcement/service/abusetrack"
	"bastion/internal/enforcement/service/ratelimit"
	"bastion/internal/platform/middleware"
	rmodels "bastion/internal/reputation/models"
	"bastion/internal/reputation/service"
	"bastion/internal/transport/httputil"
	dErrors "bastion/pkg/domain-errors"
)

// Handler serves the admin endpoints.
type Handler struct {
	reputation *service.Service
	rates      *ratelimit.Service
	abuse      *abusetrack.Service
	logger     *slog.Logger
}

// NewHandler creates the admin handler.
func NewHandler(reputation *service.Service, rates *ratelimit.Service, abuse *abusetrack.Service, logger *slog.Logger) *Handler {
	return &Handler{
		reputation: reputation,
		rates:      rates,
		abuse:      abuse,
		logger:     logger,
	}
}

// Routes mounts the admin endpoints on a router. Callers wrap the result
// with Auth.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/reputation/{subject}", h.handleCheckReputation)
	r.Put("/reputation/{subject}", h.handleOverride)
	r.With(h.readLimit).Get("/blocked", h.handleListBlocked)
	r.Delete("/blocked/{subject}", h.handleUnblock)
	r.Delete("/ratelimits/{action}/{subject}", h.handleResetRateLimit)
	r.Delete("/abuse/{action}/{subject}", h.handleClearAbuse)
	return r
}

// readLimit throttles the expensive ledger listing. Operators are
// authenticated but still rate limited; a leaked token should not be able
// to hammer the store.
func (h *Handler) readLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := h.rates.CheckAndConsume(r.Context(), models.ActionAdminRead, middleware.GetClientIP(r.Context()))
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		if !result.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
			httputil.WriteJSON(w, http.StatusTooManyRequests, models.EvaluationResponse{
				ReasonCode:        models.ReasonRateLimitExceeded,
				RetryAfterSeconds: result.RetryAfter,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// reputationStatus is the combined answer for a reputation check.
type reputationStatus struct {
	Subject        string              `json:"subject"`
	Classification string              `json:"classification"`
	Source         string              `json:"source"`
	Confidence     float64             `json:"confidence,omitempty"`
	Tags           []string            `json:"tags,omitempty"`
	FetchedAt      time.Time           `json:"fetched_at"`
	Blocked        bool                `json:"blocked"`
	BlockEntry     *rmodels.BlockEntry `json:"block_entry,omitempty"`
}

func (h *Handler) handleCheckReputation(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	if subject == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "missing subject"))
		return
	}

	record := h.reputation.Classify(r.Context(), subject)
	blocked, entry := h.reputation.IsBlocked(r.Context(), subject, models.ActionView)

	httputil.WriteJSON(w, http.StatusOK, reputationStatus{
		Subject:        subject,
		Classification: record.Classification.String(),
		Source:         string(record.Source),
		Confidence:     record.Confidence,
		Tags:           record.Tags,
		FetchedAt:      record.FetchedAt,
		Blocked:        blocked,
		BlockEntry:     entry,
	})
}

type overrideBody struct {
	Classification string `json:"classification"`
}

func (h *Handler) handleOverride(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	if subject == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "missing subject"))
		return
	}

	var body overrideBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed request body"))
		return
	}
	class := rmodels.Classification(body.Classification)
	if !class.IsValid() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid classification"))
		return
	}

	record, err := h.reputation.Override(r.Context(), subject, class)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	observability.Audit(r.Context(), h.logger, "admin_reputation_override",
		"operator", GetOperator(r.Context()),
		"classification", class.String(),
	)
	httputil.WriteJSON(w, http.StatusOK, record)
}

func (h *Handler) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	entries, err := h.reputation.ListBlocked(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"blocked": entries,
		"count":   len(entries),
	})
}

func (h *Handler) handleUnblock(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	if subject == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "missing subject"))
		return
	}
	if err := h.reputation.Unblock(r.Context(), subject); err != nil {
		httputil.WriteError(w, err)
		return
	}
	observability.Audit(r.Context(), h.logger, "admin_unblock",
		"operator", GetOperator(r.Context()),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleResetRateLimit(w http.ResponseWriter, r *http.Request) {
	action, subject, err := actionSubjectParams(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.rates.Reset(r.Context(), action, subject); err != nil {
		httputil.WriteError(w, err)
		return
	}
	observability.Audit(r.Context(), h.logger, "admin_ratelimit_reset",
		"operator", GetOperator(r.Context()),
		"action", action.String(),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleClearAbuse(w http.ResponseWriter, r *http.Request) {
	action, subject, err := actionSubjectParams(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.abuse.Clear(r.Context(), subject, action); err != nil {
		httputil.WriteError(w, err)
		return
	}
	observability.Audit(r.Context(), h.logger, "admin_abuse_cleared",
		"operator", GetOperator(r.Context()),
		"action", action.String(),
	)
	w.WriteHeader(http.StatusNoContent)
}

func actionSubjectParams(r *http.Request) (models.Action, string, error) {
	action := models.Action(chi.URLParam(r, "action"))
	if !action.IsValid() {
		return "", "", dErrors.New(dErrors.CodeInvalidInput, "unknown action")
	}
	subject := chi.URLParam(r, "subject")
	if subject == "" {
		return "", "", dErrors.New(dErrors.CodeInvalidInput, "missing subject")
	}
	return action, subject, nil
}
