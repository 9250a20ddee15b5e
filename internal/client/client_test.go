package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alecgard/outpost/internal/apierr"
	"github.com/alecgard/outpost/internal/auth"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := New(srv.URL+"/", time.Second)
	c.Token = "agt_test"
	c.Secret = "s3cret"
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	c.nonce = func() string { return "nonce-1" }
	return c
}

func TestSignedRequestHeaders(t *testing.T) {
	var got http.Header
	var body []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		if r.URL.Path != "/api/v1/agent/fail-job/j1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	if err := c.Fail(context.Background(), "j1", "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	if got.Get(auth.HeaderToken) != "agt_test" {
		t.Errorf("token header = %q", got.Get(auth.HeaderToken))
	}
	if got.Get(auth.HeaderTimestamp) != "1700000000000" {
		t.Errorf("timestamp header = %q", got.Get(auth.HeaderTimestamp))
	}
	if got.Get(auth.HeaderNonce) != "nonce-1" {
		t.Errorf("nonce header = %q", got.Get(auth.HeaderNonce))
	}
	want := auth.Sign("s3cret", "1700000000000", "nonce-1", body)
	if got.Get(auth.HeaderSignature) != want {
		t.Errorf("signature = %q, want %q", got.Get(auth.HeaderSignature), want)
	}
	if !strings.Contains(string(body), `"reason":"boom"`) {
		t.Errorf("body = %s", body)
	}
}

func TestEnrollStoresCredentials(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(auth.HeaderSignature) != "" {
			t.Error("enrollment must not be signed")
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["enrollmentKey"] != "ABCD" || in["agentName"] != "web-01" {
			t.Errorf("request = %v", in)
		}
		_, _ = w.Write([]byte(`{"agentToken":"agt_new","hmacSecret":"fresh","expiresAt":"2030-01-01T00:00:00Z"}`))
	})
	c.Token, c.Secret = "", ""

	res, err := c.Enroll(context.Background(), "ABCD", "web-01")
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if c.Token != "agt_new" || c.Secret != "fresh" {
		t.Errorf("credentials not stored: token=%q secret=%q", c.Token, c.Secret)
	}
	if res.ExpiresAt.Year() != 2030 {
		t.Errorf("expiresAt = %v", res.ExpiresAt)
	}
}

func TestErrorEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode apierr.Code
		wantMsg  string
	}{
		{
			name:     "envelope",
			status:   http.StatusUnauthorized,
			body:     `{"error":{"code":"AUTH_REPLAY_DETECTED","message":"request signature already used"}}`,
			wantCode: apierr.CodeReplayDetected,
			wantMsg:  "request signature already used",
		},
		{
			name:    "plain text",
			status:  http.StatusBadGateway,
			body:    "upstream down\n",
			wantMsg: "upstream down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.PollJobs(context.Background())
			var ce *Error
			if !errors.As(err, &ce) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if ce.Status != tt.status || ce.Code != tt.wantCode || ce.Message != tt.wantMsg {
				t.Errorf("got %+v", ce)
			}
		})
	}
}

func TestUploadReportFileIsMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm: %v", err)
		}
		if r.FormValue("kind") != "inventory" || r.FormValue("jobId") != "j1" {
			t.Errorf("fields = %v", r.MultipartForm.Value)
		}
		f, h, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("FormFile: %v", err)
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if h.Filename != "pkgs.txt" || string(data) != "openssl" {
			t.Errorf("file = %q %q", h.Filename, data)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"r1","kind":"inventory","file":"pkgs.txt"}`))
	})

	rep, err := c.UploadReportFile(context.Background(), Upload{
		Kind: "inventory", Filename: "pkgs.txt", JobID: "j1", Content: []byte("openssl"),
	})
	if err != nil {
		t.Fatalf("UploadReportFile: %v", err)
	}
	if rep.ID != "r1" {
		t.Errorf("report id = %q", rep.ID)
	}
}
