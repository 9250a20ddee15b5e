package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alecgard/outpost/internal/requestctx"
)

func TestCodeStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeMissingHeaders, http.StatusUnauthorized},
		{CodeTimestampOutOfRange, http.StatusUnauthorized},
		{CodeReplayDetected, http.StatusUnauthorized},
		{CodeInvalidSignature, http.StatusUnauthorized},
		{CodeInvalidToken, http.StatusUnauthorized},
		{CodeInvalidEnrollmentKey, http.StatusUnauthorized},
		{CodeExpiredEnrollmentKey, http.StatusUnauthorized},
		{CodeKeyUsageExceeded, http.StatusUnauthorized},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeQuotaExceeded, http.StatusForbidden},
		{CodeNotFound, http.StatusNotFound},
		{CodeValidation, http.StatusBadRequest},
		{CodeInternal, http.StatusInternalServerError},
		{Code("SOMETHING_ELSE"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.code.Status(); got != tt.want {
			t.Errorf("%s.Status() = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestFrom(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", New(CodeNotFound, "job not found"))
	if e := From(wrapped); e.Code != CodeNotFound {
		t.Errorf("From(wrapped) code = %s, want NOT_FOUND", e.Code)
	}

	plain := errors.New("connection refused")
	e := From(plain)
	if e.Code != CodeInternal {
		t.Errorf("From(plain) code = %s, want INTERNAL_ERROR", e.Code)
	}
	if !errors.Is(e, plain) {
		t.Error("internal error should unwrap to its cause")
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("verify: %w", New(CodeReplayDetected, "replay"))
	if !HasCode(err, CodeReplayDetected) {
		t.Error("expected HasCode to find AUTH_REPLAY_DETECTED")
	}
	if HasCode(err, CodeInvalidSignature) {
		t.Error("HasCode matched the wrong code")
	}
	if HasCode(errors.New("x"), CodeInternal) {
		t.Error("HasCode should be false for non-apierr errors")
	}
}

func TestWriteEnvelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agent/heartbeat", nil)
	req = req.WithContext(requestctx.WithRequestID(req.Context(), "req-123"))
	rec := httptest.NewRecorder()

	e := New(CodeTimestampOutOfRange, "timestamp outside allowed window")
	e.Transient = true
	Write(rec, req, e)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}

	var env Envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Code != CodeTimestampOutOfRange {
		t.Errorf("code = %s", env.Error.Code)
	}
	if env.Error.RequestID != "req-123" {
		t.Errorf("requestId = %q, want req-123", env.Error.RequestID)
	}
	if !env.Error.Transient {
		t.Error("expected transient=true")
	}
}

func TestWriteHidesInternalCause(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	Write(rec, req, errors.New("pq: password authentication failed for user outpost"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var env Envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Message != "internal server error" {
		t.Errorf("internal cause leaked: %q", env.Error.Message)
	}
}

func TestWriteRateLimited(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()

	Write(rec, req, RateLimited(time.Now().Add(90*time.Second)))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	var env Envelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.ResetAt == nil {
		t.Error("expected resetAt in body")
	}
}

func TestQuotaExceededDetails(t *testing.T) {
	limit := int64(5)
	e := QuotaExceeded(5, &limit)
	if e.Status() != http.StatusForbidden {
		t.Errorf("status = %d", e.Status())
	}
	if *e.Current != 5 || *e.Limit != 5 {
		t.Errorf("unexpected details: current=%d limit=%d", *e.Current, *e.Limit)
	}
}
