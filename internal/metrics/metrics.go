// Package metrics exposes Prometheus instrumentation for the control plane.
// Every method is safe to call on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors for the Outpost server.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Auth and admission control.
	AuthFailuresTotal        *prometheus.CounterVec
	AuthSuccessesTotal       prometheus.Counter
	RateLimitRejectionsTotal *prometheus.CounterVec
	QuotaRejectionsTotal     *prometheus.CounterVec
	EnrollmentsTotal         *prometheus.CounterVec

	// Job lifecycle.
	JobsDeliveredTotal  prometheus.Counter
	JobsFinishedTotal   *prometheus.CounterVec
	JobsMalformedTotal  prometheus.Counter
	JobsReclaimedTotal  prometheus.Counter
	RecurringRunsTotal  *prometheus.CounterVec
	SweepDuration       *prometheus.HistogramVec
	SignaturesPurged    prometheus.Counter
	AgentsMarkedOffline prometheus.Counter
	ReportsStoredTotal  prometheus.Counter
	ReportBytesReceived prometheus.Counter

	// Security event collector.
	CollectorBufferSize    prometheus.Gauge
	CollectorFlushesTotal  *prometheus.CounterVec
	CollectorFlushDuration prometheus.Histogram
	CollectorEventsTotal   prometheus.Counter

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outpost_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outpost_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		HTTPResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outpost_http_response_size_bytes",
			Help:    "HTTP response size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"kind"}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outpost_auth_failures_total",
			Help: "Agent requests rejected by signature verification, by error code.",
		}, []string{"code"}),

		AuthSuccessesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outpost_auth_successes_total",
			Help: "Agent requests accepted by signature verification.",
		}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outpost_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"endpoint"}),

		QuotaRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outpost_quota_rejections_total",
			Help: "Total number of quota rejections.",
		}, []string{"feature"}),

		EnrollmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outpost_enrollments_total",
			Help: "Enrollment attempts by result code.",
		}, []string{"result"}),

		JobsDeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outpost_jobs_delivered_total",
			Help: "Jobs handed to agents by polls.",
		}),

		JobsFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outpost_jobs_finished_total",
			Help: "Jobs acknowledged by agents, by final status.",
		}, []string{"status"}),

		JobsMalformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outpost_jobs_malformed_total",
			Help: "Claimed job rows dropped because they could not be delivered.",
		}),

		JobsReclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outpost_jobs_reclaimed_total",
			Help: "Delivered jobs returned to the queue after the ack timeout.",
		}),

		RecurringRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outpost_recurring_runs_total",
			Help: "Recurring template runs by result.",
		}, []string{"result"}),

		SweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outpost_sweep_duration_seconds",
			Help:    "Duration of maintenance sweeps in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"sweep"}),

		SignaturesPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outpost_signatures_purged_total",
			Help: "Consumed signatures deleted by cleanup.",
		}),

		AgentsMarkedOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outpost_agents_marked_offline_total",
			Help: "Active agents moved to offline after missing heartbeats.",
		}),

		ReportsStoredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outpost_reports_stored_total",
			Help: "Reports uploaded by agents.",
		}),

		ReportBytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outpost_report_bytes_received_total",
			Help: "Bytes of report content received.",
		}),

		CollectorBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outpost_collector_buffer_size",
			Help: "Current number of buffered security events.",
		}),

		CollectorFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outpost_collector_flushes_total",
			Help: "Total number of collector flushes.",
		}, []string{"status"}),

		CollectorFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outpost_collector_flush_duration_seconds",
			Help:    "Duration of collector flush operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		CollectorEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outpost_collector_events_total",
			Help: "Total number of security events recorded.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outpost_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.RateLimitRejectionsTotal,
		m.QuotaRejectionsTotal,
		m.EnrollmentsTotal,
		m.JobsDeliveredTotal,
		m.JobsFinishedTotal,
		m.JobsMalformedTotal,
		m.JobsReclaimedTotal,
		m.RecurringRunsTotal,
		m.SweepDuration,
		m.SignaturesPurged,
		m.AgentsMarkedOffline,
		m.ReportsStoredTotal,
		m.ReportBytesReceived,
		m.CollectorBufferSize,
		m.CollectorFlushesTotal,
		m.CollectorFlushDuration,
		m.CollectorEventsTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// PrometheusHandler serves the registry in the Prometheus text format.
func (m *Metrics) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterPoolCollector exposes connection pool stats read at scrape time.
func (m *Metrics) RegisterPoolCollector(stat PoolStatFunc) {
	m.registry.MustRegister(newPoolCollector(stat))
}

// ObserveHTTP records one finished request.
func (m *Metrics) ObserveHTTP(kind, method, pattern string, status, bytes int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(kind, method, pattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(kind, method, pattern).Observe(d.Seconds())
	m.HTTPResponseSize.WithLabelValues(kind).Observe(float64(bytes))
}

// IncAuthFailure counts a rejected agent request.
func (m *Metrics) IncAuthFailure(code string) {
	if m == nil {
		return
	}
	m.AuthFailuresTotal.WithLabelValues(code).Inc()
}

// IncAuthSuccess counts an accepted agent request.
func (m *Metrics) IncAuthSuccess() {
	if m == nil {
		return
	}
	m.AuthSuccessesTotal.Inc()
}

// IncRateLimitRejection counts a 429 for endpoint.
func (m *Metrics) IncRateLimitRejection(endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitRejectionsTotal.WithLabelValues(endpoint).Inc()
}

// IncQuotaRejection counts a quota denial.
func (m *Metrics) IncQuotaRejection(feature string) {
	if m == nil {
		return
	}
	m.QuotaRejectionsTotal.WithLabelValues(feature).Inc()
}

// IncEnrollment counts an enrollment attempt. result is "ok" or an error code.
func (m *Metrics) IncEnrollment(result string) {
	if m == nil {
		return
	}
	m.EnrollmentsTotal.WithLabelValues(result).Inc()
}

// AddDelivered counts jobs handed out by a poll.
func (m *Metrics) AddDelivered(n int) {
	if m == nil {
		return
	}
	m.JobsDeliveredTotal.Add(float64(n))
}

// IncFinished counts an acknowledged job.
func (m *Metrics) IncFinished(status string) {
	if m == nil {
		return
	}
	m.JobsFinishedTotal.WithLabelValues(status).Inc()
}

// IncMalformed counts a dropped job row.
func (m *Metrics) IncMalformed() {
	if m == nil {
		return
	}
	m.JobsMalformedTotal.Inc()
}

// AddReclaimed counts jobs requeued by the reclaimer.
func (m *Metrics) AddReclaimed(n int) {
	if m == nil {
		return
	}
	m.JobsReclaimedTotal.Add(float64(n))
}

// IncRecurringRun counts one template run. result is "ok", "skipped",
// "disabled" or "error".
func (m *Metrics) IncRecurringRun(result string) {
	if m == nil {
		return
	}
	m.RecurringRunsTotal.WithLabelValues(result).Inc()
}

// ObserveSweep records the duration of a sweep.
func (m *Metrics) ObserveSweep(sweep string, d time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.WithLabelValues(sweep).Observe(d.Seconds())
}

// AddSignaturesPurged counts consumed signatures deleted by cleanup.
func (m *Metrics) AddSignaturesPurged(n int64) {
	if m == nil {
		return
	}
	m.SignaturesPurged.Add(float64(n))
}

// AddMarkedOffline counts agents moved to offline.
func (m *Metrics) AddMarkedOffline(n int64) {
	if m == nil {
		return
	}
	m.AgentsMarkedOffline.Add(float64(n))
}

// ObserveReport counts a stored report and its size.
func (m *Metrics) ObserveReport(size int64) {
	if m == nil {
		return
	}
	m.ReportsStoredTotal.Inc()
	m.ReportBytesReceived.Add(float64(size))
}

// SetCollectorBuffer reports the collector's buffered event count.
func (m *Metrics) SetCollectorBuffer(n int) {
	if m == nil {
		return
	}
	m.CollectorBufferSize.Set(float64(n))
}

// ObserveFlush records a collector flush of n events.
func (m *Metrics) ObserveFlush(n int, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	} else {
		m.CollectorEventsTotal.Add(float64(n))
	}
	m.CollectorFlushesTotal.WithLabelValues(status).Inc()
	m.CollectorFlushDuration.Observe(d.Seconds())
}
