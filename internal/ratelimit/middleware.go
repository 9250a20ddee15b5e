package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alecgard/outpost/internal/apierr"
	"github.com/alecgard/outpost/internal/auth"
	"github.com/alecgard/outpost/internal/requestctx"
)

// KeyFunc extracts the rate-limit identifier from a request. An empty result
// skips limiting.
type KeyFunc func(r *http.Request) string

// ByAgent keys on the authenticated agent (set by auth.AgentAuthMiddleware).
func ByAgent(r *http.Request) string {
	a := auth.AgentFromContext(r.Context())
	if a == nil {
		return ""
	}
	return a.TenantID + "/" + a.Name
}

// ByClientIP keys on the client address resolved by the outer middleware.
func ByClientIP(r *http.Request) string {
	if ip := requestctx.ClientIP(r.Context()); ip != "" {
		return ip
	}
	return requestctx.ResolveClientIP(r, false)
}

// Middleware returns an HTTP middleware that enforces policy for endpoint.
//
// Rate-limit headers are set on every counted response:
//
//	X-RateLimit-Limit     maximum requests allowed in the window
//	X-RateLimit-Remaining requests remaining in the current window
//	X-RateLimit-Reset     Unix timestamp when the window or block ends
//
// When the limit is exceeded the middleware responds with HTTP 429 and a
// RATE_LIMITED envelope. Store errors let the request through (FailOpen).
func Middleware(counter Counter, endpoint string, policy Policy, keyFn KeyFunc, onReject ...func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := keyFn(r)
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := counter.Hit(r.Context(), id, endpoint, policy)
			if err != nil {
				slog.Error("rate limit check failed", "endpoint", endpoint, "identifier", id, "error", err,
					"request_id", requestctx.RequestID(r.Context()))
				if FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				apierr.Write(w, r, apierr.Internal(err))
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				for _, fn := range onReject {
					fn()
				}
				apierr.Write(w, r, apierr.RateLimited(d.ResetAt))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
