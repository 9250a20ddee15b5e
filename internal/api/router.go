package api

import (
	"context"
	"net/http"
	"time"

	"github.com/alecgard/outpost/internal/agent"
	"github.com/alecgard/outpost/internal/auth"
	"github.com/alecgard/outpost/internal/dispatch"
	"github.com/alecgard/outpost/internal/enrollment"
	"github.com/alecgard/outpost/internal/job"
	"github.com/alecgard/outpost/internal/metrics"
	"github.com/alecgard/outpost/internal/ratelimit"
	"github.com/alecgard/outpost/internal/sweeper"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Pinger reports database reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Enrollment *enrollment.Service
	Guard      *auth.Guard
	Dispatch   *dispatch.Service
	Jobs       *job.Service
	Agents     agent.Registry
	Reports    ReportStore
	Events     EventLister
	Features   FeatureWriter

	Reclaimer     *sweeper.Reclaimer
	Scheduler     *sweeper.Scheduler
	KeyPurger     *sweeper.KeyPurger
	OfflineMarker *sweeper.OfflineMarker

	// Limiter may be nil to disable rate limiting.
	Limiter  ratelimit.Counter
	Policies ratelimit.Policies
	Metrics  *metrics.Metrics
	DB       Pinger

	AdminKey       string
	AllowedOrigins []string
	TrustProxy     bool
	MaxRequestSize int64
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(clientIPMiddleware(deps.TrustProxy))
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(slogRequestLogger)

	r.Get("/health", healthHandler(deps.DB))
	r.Get("/.well-known/outpost.json", WellKnownHandler)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.PrometheusHandler())
		r.Get("/metrics/summary", deps.Metrics.Handler())
	}

	limit := func(endpoint string, key ratelimit.KeyFunc) func(http.Handler) http.Handler {
		if deps.Limiter == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return ratelimit.Middleware(deps.Limiter, endpoint, deps.Policies.For(endpoint), key, func() {
			deps.Metrics.IncRateLimitRejection(endpoint)
		})
	}

	maxBody := deps.MaxRequestSize
	if maxBody <= 0 {
		maxBody = 10 << 20
	}

	// Agent routes. Enrollment is keyed by client IP; everything else is
	// signed and keyed by the authenticated agent.
	ah := newAgentHandler(deps)
	r.Route("/api/v1/agent", func(ar chi.Router) {
		ar.Use(metricsMiddleware(deps.Metrics, "agent"))

		ar.With(limit(ratelimit.EndpointEnroll, ratelimit.ByClientIP)).Post("/enroll", ah.Enroll)

		ar.Group(func(sr chi.Router) {
			sr.Use(auth.AgentAuthMiddleware(deps.Guard, maxBody))
			sr.Use(countAuthSuccess(deps.Metrics))

			sr.With(limit(ratelimit.EndpointHeartbeat, ratelimit.ByAgent)).Post("/heartbeat", ah.Heartbeat)
			sr.With(limit(ratelimit.EndpointPollJobs, ratelimit.ByAgent)).Post("/poll-jobs", ah.PollJobs)
			sr.With(limit(ratelimit.EndpointAckJob, ratelimit.ByAgent)).Post("/ack-job/{id}", ah.AckJob)
			sr.With(limit(ratelimit.EndpointAckJob, ratelimit.ByAgent)).Post("/fail-job/{id}", ah.FailJob)
			sr.With(limit(ratelimit.EndpointUploadReport, ratelimit.ByAgent)).Post("/upload-report", ah.UploadReport)
		})
	})

	// Admin routes (require admin key).
	keys := &keysHandler{svc: deps.Enrollment}
	jobs := &jobsHandler{svc: deps.Jobs}
	agents := &agentsHandler{store: deps.Agents}
	reports := &reportsHandler{store: deps.Reports}
	events := &eventsHandler{store: deps.Events}
	features := &featuresHandler{store: deps.Features}
	sweeps := &sweepsHandler{reclaimer: deps.Reclaimer, scheduler: deps.Scheduler, keys: deps.KeyPurger, offline: deps.OfflineMarker}

	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(metricsMiddleware(deps.Metrics, "admin"))
		ar.Use(auth.AdminAuthMiddleware(deps.AdminKey))

		ar.Post("/enrollment-keys", keys.CreateKey)
		ar.Delete("/enrollment-keys/{id}", keys.RevokeKey)

		ar.Post("/jobs", jobs.CreateJob)
		ar.Get("/jobs/{id}", jobs.GetJob)

		ar.Get("/agents", agents.ListAgents)
		ar.Get("/agents/{id}", agents.GetAgent)
		ar.Delete("/agents/{id}", agents.DeleteAgent)
		ar.Post("/agents/{id}/revoke-tokens", agents.RevokeTokens)

		ar.Get("/reports", reports.ListReports)
		ar.Get("/reports/{id}", reports.GetReport)
		ar.Get("/reports/{id}/content", reports.GetReportContent)

		ar.Get("/security-events", events.ListEvents)
		ar.Put("/tenants/{tenantID}/features/{key}", features.SetFeature)

		ar.Post("/sweeps/reclaim", sweeps.Reclaim)
		ar.Post("/sweeps/recurring", sweeps.Recurring)
		ar.Post("/sweeps/enrollment-keys", sweeps.PurgeKeys)
		ar.Post("/sweeps/offline-agents", sweeps.MarkOffline)
	})

	return r
}

func countAuthSuccess(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.IncAuthSuccess()
			next.ServeHTTP(w, r)
		})
	}
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "connected"})
	}
}
