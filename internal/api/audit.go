package api

import (
	"log/slog"
	"net/http"

	"github.com/alecgard/outpost/internal/requestctx"
)

// auditLog emits a structured audit log entry for an admin action.
func auditLog(r *http.Request, action string, resourceType string, resourceID string, detail ...any) {
	attrs := []any{
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"ip", requestctx.ClientIP(r.Context()),
		"request_id", requestctx.RequestID(r.Context()),
	}
	attrs = append(attrs, detail...)
	slog.Info("audit", attrs...)
}
