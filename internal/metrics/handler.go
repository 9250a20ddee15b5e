package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics summary endpoint.
type Summary struct {
	AgentAPI  httpSummary   `json:"agentApi"`
	AdminAPI  httpSummary   `json:"adminApi"`
	Auth      authInfo      `json:"auth"`
	Admission admissionInfo `json:"admission"`
	Jobs      jobsInfo      `json:"jobs"`
	Collector collectorInfo `json:"collector"`
	DB        dbInfo        `json:"db"`
	Server    serverInfo    `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Replays   float64 `json:"replays"`
	Successes float64 `json:"successes"`
}

type admissionInfo struct {
	RateLimited float64 `json:"rateLimited"`
	QuotaDenied float64 `json:"quotaDenied"`
}

type jobsInfo struct {
	Delivered      float64 `json:"delivered"`
	Done           float64 `json:"done"`
	Failed         float64 `json:"failed"`
	Malformed      float64 `json:"malformed"`
	Reclaimed      float64 `json:"reclaimed"`
	RecurringRuns  float64 `json:"recurringRuns"`
	RecurringError float64 `json:"recurringErrors"`
}

type collectorInfo struct {
	BufferSize   float64 `json:"bufferSize"`
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Events       float64 `json:"events"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// Handler returns an http.HandlerFunc that serves a JSON digest of the
// registry.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summarize()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	start := gaugeValue(fam["outpost_server_start_time_seconds"])
	return &Summary{
		AgentAPI: httpKind(fam, "agent"),
		AdminAPI: httpKind(fam, "admin"),
		Auth: authInfo{
			Failures:  sum(fam["outpost_auth_failures_total"], nil),
			Replays:   sum(fam["outpost_auth_failures_total"], label("code", "AUTH_REPLAY_DETECTED")),
			Successes: sum(fam["outpost_auth_successes_total"], nil),
		},
		Admission: admissionInfo{
			RateLimited: sum(fam["outpost_ratelimit_rejections_total"], nil),
			QuotaDenied: sum(fam["outpost_quota_rejections_total"], nil),
		},
		Jobs: jobsInfo{
			Delivered:      sum(fam["outpost_jobs_delivered_total"], nil),
			Done:           sum(fam["outpost_jobs_finished_total"], label("status", "done")),
			Failed:         sum(fam["outpost_jobs_finished_total"], label("status", "failed")),
			Malformed:      sum(fam["outpost_jobs_malformed_total"], nil),
			Reclaimed:      sum(fam["outpost_jobs_reclaimed_total"], nil),
			RecurringRuns:  sum(fam["outpost_recurring_runs_total"], label("result", "ok")),
			RecurringError: sum(fam["outpost_recurring_runs_total"], label("result", "error")),
		},
		Collector: collectorInfo{
			BufferSize:   gaugeValue(fam["outpost_collector_buffer_size"]),
			TotalFlushes: sum(fam["outpost_collector_flushes_total"], nil),
			FlushErrors:  sum(fam["outpost_collector_flushes_total"], label("status", "error")),
			Events:       sum(fam["outpost_collector_events_total"], nil),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["outpost_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["outpost_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["outpost_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
		},
	}, nil
}

func httpKind(fam map[string]*dto.MetricFamily, kind string) httpSummary {
	f := label("kind", kind)
	d := fam["outpost_http_request_duration_seconds"]
	return httpSummary{
		TotalRequests: sum(fam["outpost_http_requests_total"], f),
		ErrorRate:     errorRate(fam["outpost_http_requests_total"], f),
		P50Latency:    percentile(d, 0.50, f),
		P95Latency:    percentile(d, 0.95, f),
		P99Latency:    percentile(d, 0.99, f),
	}
}

// --- Prometheus metric helpers ---

// filter selects metrics within a family. A nil filter selects all.
type filter func(*dto.Metric) bool

func label(name, value string) filter {
	return func(m *dto.Metric) bool {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == name && lp.GetValue() == value {
				return true
			}
		}
		return false
	}
}

func (f filter) match(m *dto.Metric) bool {
	return f == nil || f(m)
}

// sum adds counter and gauge values of the selected metrics.
func sum(fam *dto.MetricFamily, f filter) float64 {
	if fam == nil {
		return 0
	}
	var total float64
	for _, m := range fam.GetMetric() {
		if !f.match(m) {
			continue
		}
		if c := m.GetCounter(); c != nil {
			total += c.GetValue()
		}
		if g := m.GetGauge(); g != nil {
			total += g.GetValue()
		}
	}
	return total
}

func gaugeValue(fam *dto.MetricFamily) float64 {
	if fam == nil || len(fam.GetMetric()) == 0 {
		return 0
	}
	return fam.GetMetric()[0].GetGauge().GetValue()
}

// errorRate is the share of selected requests with a 4xx or 5xx status.
func errorRate(fam *dto.MetricFamily, f filter) float64 {
	if fam == nil {
		return 0
	}
	var total, failed float64
	for _, m := range fam.GetMetric() {
		if !f.match(m) || m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" && len(lp.GetValue()) > 0 && lp.GetValue()[0] >= '4' {
				failed += v
			}
		}
	}
	if total == 0 {
		return 0
	}
	return failed / total
}

// percentile estimates quantile q from the selected histograms' aggregated
// buckets using linear interpolation.
func percentile(fam *dto.MetricFamily, q float64, f filter) float64 {
	if fam == nil {
		return 0
	}

	var totalCount uint64
	counts := make(map[float64]uint64)
	for _, m := range fam.GetMetric() {
		h := m.GetHistogram()
		if h == nil || !f.match(m) {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			counts[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}
	if totalCount == 0 {
		return 0
	}

	bounds := make([]float64, 0, len(counts))
	for ub := range counts {
		if !math.IsInf(ub, 1) {
			bounds = append(bounds, ub)
		}
	}
	sort.Float64s(bounds)

	rank := q * float64(totalCount)
	var prevBound float64
	var prevCount uint64
	for _, ub := range bounds {
		c := counts[ub]
		if float64(c) >= rank {
			inBucket := c - prevCount
			if inBucket == 0 {
				return ub
			}
			return prevBound + (rank-float64(prevCount))/float64(inBucket)*(ub-prevBound)
		}
		prevBound, prevCount = ub, c
	}
	if len(bounds) > 0 {
		return bounds[len(bounds)-1]
	}
	return 0
}
