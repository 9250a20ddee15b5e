package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecgard/outpost/internal/apierr"
)

// --- fakes ---

type fakeCreds struct {
	mu      sync.Mutex
	byHash  map[string]*Credential
	touched []string
	err     error
}

func (f *fakeCreds) LookupCredential(_ context.Context, hash string) (*Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.byHash[hash]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCreds) TouchToken(_ context.Context, c *Credential, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, c.TokenID)
	return nil
}

type fakeSigs struct {
	mu   sync.Mutex
	used map[string]string
}

func newFakeSigs() *fakeSigs { return &fakeSigs{used: make(map[string]string)} }

func (f *fakeSigs) Seen(_ context.Context, sig string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.used[sig]
	return ok, nil
}

func (f *fakeSigs) Consume(_ context.Context, sig, agent string, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.used[sig]; ok {
		return false, nil
	}
	f.used[sig] = agent
	return true, nil
}

type countingCleaner struct{ n atomic.Int32 }

func (c *countingCleaner) Trigger() { c.n.Add(1) }

// --- helpers ---

const (
	testToken  = "agt_test-token"
	testSecret = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestGuard(t *testing.T) (*Guard, *fakeCreds, *fakeSigs, *countingCleaner) {
	t.Helper()
	creds := &fakeCreds{byHash: map[string]*Credential{
		HashToken(testToken): {
			Agent:     Agent{ID: "agent-1", TenantID: "tenant-1", Name: "web-01"},
			TokenID:   "tok-1",
			Secret:    testSecret,
			Active:    true,
			ExpiresAt: testNow.Add(365 * 24 * time.Hour),
		},
	}}
	sigs := newFakeSigs()
	cleaner := &countingCleaner{}
	g := NewGuard(creds, sigs, cleaner, 5*time.Minute)
	g.now = func() time.Time { return testNow }
	return g, creds, sigs, cleaner
}

func signedRequest(ts time.Time, nonce string, body []byte) Request {
	tsStr := strconv.FormatInt(ts.UnixMilli(), 10)
	return Request{
		Token:     testToken,
		Signature: Sign(testSecret, tsStr, nonce, body),
		Timestamp: tsStr,
		Nonce:     nonce,
		Body:      body,
	}
}

// --- Sign tests ---

func TestSignUsesSecretStringAsKey(t *testing.T) {
	body := []byte(`{}`)
	got := Sign(testSecret, "1700000000000", "n1", body)

	h := hmac.New(sha256.New, []byte(testSecret))
	h.Write([]byte("1700000000000:n1:{}"))
	want := hex.EncodeToString(h.Sum(nil))

	if got != want {
		t.Fatalf("Sign = %s, want %s", got, want)
	}

	key, _ := hex.DecodeString(testSecret)
	h2 := hmac.New(sha256.New, key)
	h2.Write([]byte("1700000000000:n1:{}"))
	if hex.EncodeToString(h2.Sum(nil)) == got {
		t.Fatal("signature must not be keyed by the hex-decoded secret")
	}
}

func TestSignKnownVector(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		want   string
	}{
		{
			name:   "secret string bytes",
			secret: strings.Repeat("a", 64),
			want:   "235ef23e42da12efa4b6621279c9db1ebde4e160a8eb9f09930f78cd6b2ff595",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sign(tt.secret, "1000", "n1", []byte("{}")); got != tt.want {
				t.Errorf("Sign = %s, want %s", got, tt.want)
			}
		})
	}

}

// --- Verify tests ---

func TestVerifyAccepts(t *testing.T) {
	g, creds, sigs, cleaner := newTestGuard(t)

	agent, err := g.Verify(context.Background(), signedRequest(testNow, "n1", []byte(`{}`)))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if agent.Name != "web-01" || agent.TenantID != "tenant-1" {
		t.Errorf("unexpected agent: %+v", agent)
	}
	if len(sigs.used) != 1 {
		t.Errorf("expected signature to be consumed, got %d entries", len(sigs.used))
	}
	if len(creds.touched) != 1 {
		t.Errorf("expected token touch, got %d", len(creds.touched))
	}
	if cleaner.n.Load() != 1 {
		t.Errorf("expected cleanup trigger, got %d", cleaner.n.Load())
	}
}

func TestVerifyReplay(t *testing.T) {
	g, _, _, _ := newTestGuard(t)
	req := signedRequest(testNow, "n1", []byte(`{}`))

	if _, err := g.Verify(context.Background(), req); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	_, err := g.Verify(context.Background(), req)
	if !apierr.HasCode(err, apierr.CodeReplayDetected) {
		t.Fatalf("expected AUTH_REPLAY_DETECTED, got %v", err)
	}
}

func TestVerifyReplayIsCaseInsensitive(t *testing.T) {
	g, _, _, _ := newTestGuard(t)
	req := signedRequest(testNow, "n1", []byte(`{}`))

	if _, err := g.Verify(context.Background(), req); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	req.Signature = strings.ToUpper(req.Signature)
	if _, err := g.Verify(context.Background(), req); !apierr.HasCode(err, apierr.CodeReplayDetected) {
		t.Fatalf("expected upper-cased replay to be detected, got %v", err)
	}
}

func TestVerifyConcurrentReplayAcceptsOne(t *testing.T) {
	g, _, _, _ := newTestGuard(t)
	req := signedRequest(testNow, "n1", []byte(`{"x":1}`))

	var ok, replay atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Verify(context.Background(), req)
			switch {
			case err == nil:
				ok.Add(1)
			case apierr.HasCode(err, apierr.CodeReplayDetected):
				replay.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 {
		t.Fatalf("expected exactly one accepted request, got %d", ok.Load())
	}
	if replay.Load() != 19 {
		t.Fatalf("expected 19 replays, got %d", replay.Load())
	}
}

func TestVerifyRejections(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Request)
		wantCode  apierr.Code
		transient bool
	}{
		{"missing token", func(r *Request) { r.Token = "" }, apierr.CodeMissingHeaders, false},
		{"missing signature", func(r *Request) { r.Signature = "" }, apierr.CodeMissingHeaders, false},
		{"missing timestamp", func(r *Request) { r.Timestamp = "" }, apierr.CodeMissingHeaders, false},
		{"missing nonce", func(r *Request) { r.Nonce = "" }, apierr.CodeMissingHeaders, false},
		{"malformed timestamp", func(r *Request) { r.Timestamp = "yesterday" }, apierr.CodeMissingHeaders, false},
		{"unknown token", func(r *Request) { r.Token = "agt_nope" }, apierr.CodeInvalidToken, false},
		{"tampered body", func(r *Request) { r.Body = []byte(`{"x":2}`) }, apierr.CodeInvalidSignature, false},
		{"tampered nonce", func(r *Request) { r.Nonce = "other" }, apierr.CodeInvalidSignature, false},
		{"non-hex signature", func(r *Request) { r.Signature = "zz" }, apierr.CodeInvalidSignature, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, sigs, _ := newTestGuard(t)
			req := signedRequest(testNow, "n1", []byte(`{"x":1}`))
			tt.mutate(&req)

			_, err := g.Verify(context.Background(), req)
			if !apierr.HasCode(err, tt.wantCode) {
				t.Fatalf("expected %s, got %v", tt.wantCode, err)
			}
			if apierr.From(err).Transient != tt.transient {
				t.Errorf("transient = %v, want %v", apierr.From(err).Transient, tt.transient)
			}
			if len(sigs.used) != 0 {
				t.Error("rejected request must not consume its signature")
			}
		})
	}
}

func TestVerifyClockSkew(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
		ok     bool
	}{
		{"exact", 0, true},
		{"299s behind", -299 * time.Second, true},
		{"300s ahead", 300 * time.Second, true},
		{"301s behind", -301 * time.Second, false},
		{"10m ahead", 10 * time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, _, _ := newTestGuard(t)
			_, err := g.Verify(context.Background(), signedRequest(testNow.Add(tt.offset), "n", nil))
			if tt.ok && err != nil {
				t.Fatalf("expected accept, got %v", err)
			}
			if !tt.ok {
				if !apierr.HasCode(err, apierr.CodeTimestampOutOfRange) {
					t.Fatalf("expected AUTH_TIMESTAMP_OUT_OF_RANGE, got %v", err)
				}
				if !apierr.From(err).Transient {
					t.Error("skew rejection should be transient")
				}
			}
		})
	}
}

func TestVerifyExpiredOrRevokedToken(t *testing.T) {
	for _, tt := range []struct {
		name   string
		modify func(*Credential)
	}{
		{"expired", func(c *Credential) { c.ExpiresAt = testNow.Add(-time.Second) }},
		{"revoked", func(c *Credential) { c.Active = false }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			g, creds, _, _ := newTestGuard(t)
			tt.modify(creds.byHash[HashToken(testToken)])

			_, err := g.Verify(context.Background(), signedRequest(testNow, "n", nil))
			if !apierr.HasCode(err, apierr.CodeInvalidToken) {
				t.Fatalf("expected AUTH_INVALID_TOKEN, got %v", err)
			}
		})
	}
}

func TestVerifyMissingSecretFailsClosed(t *testing.T) {
	g, creds, _, _ := newTestGuard(t)
	creds.byHash[HashToken(testToken)].Secret = ""

	_, err := g.Verify(context.Background(), signedRequest(testNow, "n", nil))
	if !apierr.HasCode(err, apierr.CodeInternal) {
		t.Fatalf("expected INTERNAL_ERROR, got %v", err)
	}
}

func TestVerifyLookupErrorFailsClosed(t *testing.T) {
	g, creds, _, _ := newTestGuard(t)
	creds.err = errors.New("db down")

	_, err := g.Verify(context.Background(), signedRequest(testNow, "n", nil))
	if !apierr.HasCode(err, apierr.CodeInternal) {
		t.Fatalf("expected INTERNAL_ERROR, got %v", err)
	}
}

func TestVerifyReportsFailures(t *testing.T) {
	g, _, _, _ := newTestGuard(t)
	var got []Failure
	g.OnFailure(func(f Failure) { got = append(got, f) })

	req := signedRequest(testNow, "n", []byte(`{}`))
	req.Body = []byte(`{"tampered":true}`)
	req.ClientIP = "198.51.100.7"
	req.Endpoint = "/api/v1/agent/poll-jobs"
	_, _ = g.Verify(context.Background(), req)

	if len(got) != 1 {
		t.Fatalf("expected one failure report, got %d", len(got))
	}
	f := got[0]
	if f.Code != apierr.CodeInvalidSignature || f.AgentName != "web-01" || f.ClientIP != "198.51.100.7" {
		t.Errorf("unexpected failure: %+v", f)
	}
}

// --- AgentAuthMiddleware tests ---

func TestAgentAuthMiddleware(t *testing.T) {
	g, _, _, _ := newTestGuard(t)
	body := []byte(`{"os_type":"linux"}`)
	req := signedRequest(testNow, "n-mw", body)

	var sawBody []byte
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if AgentFromContext(r.Context()) == nil {
			t.Error("expected agent in context inside handler")
		}
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		sawBody = buf.Bytes()
		w.WriteHeader(http.StatusOK)
	})
	handler := AgentAuthMiddleware(g, 1<<20)(okHandler)

	httpReq := httptest.NewRequest(http.MethodPost, "/api/v1/agent/heartbeat", bytes.NewReader(body))
	httpReq.Header.Set(HeaderToken, req.Token)
	httpReq.Header.Set(HeaderSignature, req.Signature)
	httpReq.Header.Set(HeaderTimestamp, req.Timestamp)
	httpReq.Header.Set(HeaderNonce, req.Nonce)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httpReq)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !bytes.Equal(sawBody, body) {
		t.Errorf("handler saw body %q, want %q", sawBody, body)
	}

	// Same headers again must be rejected as a replay.
	httpReq = httptest.NewRequest(http.MethodPost, "/api/v1/agent/heartbeat", bytes.NewReader(body))
	httpReq.Header.Set(HeaderToken, req.Token)
	httpReq.Header.Set(HeaderSignature, req.Signature)
	httpReq.Header.Set(HeaderTimestamp, req.Timestamp)
	httpReq.Header.Set(HeaderNonce, req.Nonce)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httpReq)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on replay, got %d", rr.Code)
	}
	assertJSONError(t, rr, apierr.CodeReplayDetected)
}

func TestAgentAuthMiddlewareBodyLimit(t *testing.T) {
	g, _, _, _ := newTestGuard(t)
	handler := AgentAuthMiddleware(g, 8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run")
	}))

	httpReq := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"too":"large"}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httpReq)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAgentAuthMiddlewareMissingHeaders(t *testing.T) {
	g, _, _, _ := newTestGuard(t)
	handler := AgentAuthMiddleware(g, 1<<20)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	assertJSONError(t, rr, apierr.CodeMissingHeaders)
}
