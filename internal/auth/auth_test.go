package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alecgard/outpost/internal/apierr"
	"golang.org/x/crypto/bcrypt"
)

// --- GenerateAgentToken tests ---

func TestGenerateAgentToken_PrefixAndLength(t *testing.T) {
	plaintext, hash, err := GenerateAgentToken()
	if err != nil {
		t.Fatalf("GenerateAgentToken() error: %v", err)
	}

	if !strings.HasPrefix(plaintext, TokenPrefix) {
		t.Errorf("token should start with %q, got %q", TokenPrefix, plaintext)
	}

	// "agt_" (4) + 43 random chars = 47
	if len(plaintext) != 47 {
		t.Errorf("expected token length 47, got %d", len(plaintext))
	}

	if hash != HashToken(plaintext) {
		t.Error("returned hash does not match HashToken(plaintext)")
	}
}

func TestGenerateAgentToken_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		plaintext, _, err := GenerateAgentToken()
		if err != nil {
			t.Fatalf("GenerateAgentToken() error: %v", err)
		}
		if seen[plaintext] {
			t.Fatalf("duplicate token generated: %s", plaintext)
		}
		seen[plaintext] = true
	}
}

func TestGenerateSecret(t *testing.T) {
	s, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret() error: %v", err)
	}
	if len(s) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(s))
	}
	if strings.Trim(s, "0123456789abcdef") != "" {
		t.Errorf("secret is not lowercase hex: %q", s)
	}
}

// --- HashToken tests ---

func TestHashToken(t *testing.T) {
	if HashToken("agt_a") != HashToken("agt_a") {
		t.Error("HashToken should be deterministic")
	}
	if HashToken("agt_a") == HashToken("agt_b") {
		t.Error("different tokens should produce different hashes")
	}
	// SHA-256 produces 64 hex characters
	if len(HashToken("anything")) != 64 {
		t.Errorf("expected hash length 64")
	}
}

// --- Context helpers tests ---

func TestAgentContext_RoundTrip(t *testing.T) {
	agent := &Agent{ID: "a1", TenantID: "t1", Name: "web-01"}
	ctx := ContextWithAgent(context.Background(), agent)
	got := AgentFromContext(ctx)
	if got == nil {
		t.Fatal("expected agent from context, got nil")
	}
	if got.ID != agent.ID {
		t.Errorf("expected ID %q, got %q", agent.ID, got.ID)
	}
}

func TestAgentFromContext_Empty(t *testing.T) {
	got := AgentFromContext(context.Background())
	if got != nil {
		t.Errorf("expected nil from empty context, got %+v", got)
	}
}

// --- AdminAuthMiddleware tests ---

func TestAdminAuthMiddleware(t *testing.T) {
	adminKey := "super-secret-admin-key"
	hashed, err := bcrypt.GenerateFromPassword([]byte(adminKey), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		configured string
		header     string
		value      string
		wantStatus int
	}{
		{"valid bearer", adminKey, "Authorization", "Bearer " + adminKey, http.StatusOK},
		{"valid x-admin-key", adminKey, "X-Admin-Key", adminKey, http.StatusOK},
		{"valid against bcrypt hash", string(hashed), "X-Admin-Key", adminKey, http.StatusOK},
		{"wrong against bcrypt hash", string(hashed), "X-Admin-Key", "nope", http.StatusUnauthorized},
		{"wrong key", adminKey, "Authorization", "Bearer wrong-key", http.StatusUnauthorized},
		{"missing header", adminKey, "", "", http.StatusUnauthorized},
		{"malformed header", adminKey, "Authorization", "Basic " + adminKey, http.StatusUnauthorized},
		{"admin api disabled", "", "X-Admin-Key", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rr := httptest.NewRecorder()

			handler := AdminAuthMiddleware(tt.configured)(okHandler)
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if tt.wantStatus != http.StatusOK {
				assertJSONError(t, rr, apierr.CodeUnauthorized)
			}
		})
	}
}

// assertJSONError checks that the response body is an error envelope with code.
func assertJSONError(t *testing.T, rr *httptest.ResponseRecorder, code apierr.Code) {
	t.Helper()

	ct := rr.Header().Get("Content-Type")
	if !strings.Contains(ct, "application/json") {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var resp apierr.Envelope
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}

	if resp.Error.Code != code {
		t.Errorf("expected error code %q, got %q", code, resp.Error.Code)
	}
	if resp.Error.Message == "" {
		t.Error("expected non-empty error message")
	}
}
