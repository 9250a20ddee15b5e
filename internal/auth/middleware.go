package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"

	"github.com/alecgard/outpost/internal/apierr"
	"github.com/alecgard/outpost/internal/requestctx"
	"golang.org/x/crypto/bcrypt"
)

type contextKey int

const agentContextKey contextKey = iota

// ContextWithAgent returns a new context carrying the given agent.
func ContextWithAgent(ctx context.Context, agent *Agent) context.Context {
	return context.WithValue(ctx, agentContextKey, agent)
}

// AgentFromContext extracts the agent from the context, or nil if not present.
func AgentFromContext(ctx context.Context) *Agent {
	agent, _ := ctx.Value(agentContextKey).(*Agent)
	return agent
}

// AgentAuthMiddleware returns middleware that verifies the HMAC headers of
// agent requests. The raw body is read (up to maxBody bytes) for signing and
// then restored so handlers can decode it. On success the agent is injected
// into the request context.
func AgentAuthMiddleware(g *Guard, maxBody int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
			if err != nil {
				apierr.Write(w, r, apierr.New(apierr.CodeValidation, "could not read request body"))
				return
			}
			if int64(len(body)) > maxBody {
				apierr.Write(w, r, apierr.New(apierr.CodeValidation, "request body too large"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			agent, err := g.Verify(r.Context(), Request{
				Token:     r.Header.Get(HeaderToken),
				Signature: r.Header.Get(HeaderSignature),
				Timestamp: r.Header.Get(HeaderTimestamp),
				Nonce:     r.Header.Get(HeaderNonce),
				Body:      body,
				ClientIP:  requestctx.ClientIP(r.Context()),
				Endpoint:  r.URL.Path,
				RequestID: requestctx.RequestID(r.Context()),
			})
			if err != nil {
				apierr.Write(w, r, err)
				return
			}

			ctx := ContextWithAgent(r.Context(), agent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminAuthMiddleware guards the admin API with a static key presented in
// X-Admin-Key or as a bearer token. adminKey may be a bcrypt hash. An empty
// adminKey disables the admin API entirely.
func AdminAuthMiddleware(adminKey string) func(http.Handler) http.Handler {
	check := adminKeyChecker(adminKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Admin-Key")
			if key == "" {
				key = extractBearerToken(r)
			}
			if key == "" || !check(key) {
				apierr.Write(w, r, apierr.New(apierr.CodeUnauthorized, "invalid or missing admin key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func adminKeyChecker(adminKey string) func(string) bool {
	switch {
	case adminKey == "":
		return func(string) bool { return false }
	case strings.HasPrefix(adminKey, "$2"):
		hash := []byte(adminKey)
		return func(presented string) bool {
			return bcrypt.CompareHashAndPassword(hash, []byte(presented)) == nil
		}
	default:
		want := sha256.Sum256([]byte(adminKey))
		return func(presented string) bool {
			got := sha256.Sum256([]byte(presented))
			return subtle.ConstantTimeCompare(got[:], want[:]) == 1
		}
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
