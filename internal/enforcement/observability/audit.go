// Package observability provides the audit logging helper used wherever an
// enforcement decision changes what a client is allowed to do.
package observability

import (
	"context"
	"log/slog"

	"bastion/internal/platform/middleware"
)

// Audit emits a structured audit record. Audit lines carry log_type=audit
// and the request id so they can be filtered from operational noise and
// joined back to request logs.
func Audit(ctx context.Context, logger *slog.Logger, event string, attrs ...any) {
	base := []any{
		"log_type", "audit",
		"event", event,
	}
	if requestID := middleware.GetRequestID(ctx); requestID != "" {
		base = append(base, "request_id", requestID)
	}
	logger.InfoContext(ctx, event, append(base, attrs...)...)
}
