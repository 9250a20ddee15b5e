package apierr

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/outpost/internal/requestctx"
)

// Envelope is the JSON shape of every error response.
type Envelope struct {
	Error Body `json:"error"`
}

// Body is the inner error object.
type Body struct {
	Code      Code       `json:"code"`
	Message   string     `json:"message"`
	RequestID string     `json:"requestId,omitempty"`
	Transient bool       `json:"transient,omitempty"`
	ResetAt   *time.Time `json:"resetAt,omitempty"`
	Current   *int64     `json:"current,omitempty"`
	Limit     *int64     `json:"limit,omitempty"`
}

// Write renders err as a JSON error envelope. Errors that are not *Error are
// reported as INTERNAL_ERROR and their text is logged, never returned.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	e := From(err)
	requestID := requestctx.RequestID(r.Context())

	if e.Code == CodeInternal {
		slog.Error("request failed", "error", err, "path", r.URL.Path, "request_id", requestID)
	} else if e.cause != nil {
		slog.Warn("request rejected", "code", e.Code, "error", e.cause, "path", r.URL.Path, "request_id", requestID)
	}

	if e.Code == CodeRateLimited && e.ResetAt != nil {
		retry := int(time.Until(*e.ResetAt).Seconds())
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status())
	_ = json.NewEncoder(w).Encode(Envelope{
		Error: Body{
			Code:      e.Code,
			Message:   e.Message,
			RequestID: requestID,
			Transient: e.Transient,
			ResetAt:   e.ResetAt,
			Current:   e.Current,
			Limit:     e.Limit,
		},
	})
}
