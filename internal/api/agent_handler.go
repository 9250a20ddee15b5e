package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alecgard/outpost/internal/agent"
	"github.com/alecgard/outpost/internal/apierr"
	"github.com/alecgard/outpost/internal/auth"
	"github.com/alecgard/outpost/internal/dispatch"
	"github.com/alecgard/outpost/internal/enrollment"
	"github.com/alecgard/outpost/internal/metrics"
	"github.com/alecgard/outpost/internal/quota"
	"github.com/alecgard/outpost/internal/report"
	"github.com/go-chi/chi/v5"
)

// maxMetadataLen bounds each heartbeat metadata field.
const maxMetadataLen = 255

// ReportStore persists and reads agent reports.
type ReportStore interface {
	Create(ctx context.Context, u report.Upload) (*report.Report, error)
	Get(ctx context.Context, id string) (*report.Report, error)
	Content(ctx context.Context, id string) ([]byte, error)
	List(ctx context.Context, p report.ListParams) ([]*report.Report, error)
}

// agentHandler serves the endpoints called by enrolled agents.
type agentHandler struct {
	enroll   *enrollment.Service
	dispatch *dispatch.Service
	agents   agent.Registry
	reports  ReportStore
	metrics  *metrics.Metrics
	now      func() time.Time
}

func newAgentHandler(deps RouterDeps) *agentHandler {
	return &agentHandler{
		enroll:   deps.Enrollment,
		dispatch: deps.Dispatch,
		agents:   deps.Agents,
		reports:  deps.Reports,
		metrics:  deps.Metrics,
		now:      time.Now,
	}
}

// Enroll handles POST /api/v1/agent/enroll.
func (h *agentHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	var in enrollment.EnrollInput
	if err := readJSON(r, &in, false); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.enroll.Enroll(r.Context(), in)
	if err != nil {
		e := apierr.From(err)
		h.metrics.IncEnrollment(string(e.Code))
		if e.Code == apierr.CodeQuotaExceeded {
			h.metrics.IncQuotaRejection(quota.FeatureMaxAgents)
		}
		writeError(w, r, err)
		return
	}
	h.metrics.IncEnrollment("ok")
	writeJSON(w, http.StatusOK, res)
}

type heartbeatResponse struct {
	OK        bool      `json:"ok"`
	Agent     string    `json:"agent"`
	Timestamp time.Time `json:"timestamp"`
}

// Heartbeat handles POST /api/v1/agent/heartbeat.
func (h *agentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	a := auth.AgentFromContext(r.Context())

	var in agent.HeartbeatInput
	if err := readJSON(r, &in, true); err != nil {
		writeError(w, r, err)
		return
	}
	in.OSType = truncate(in.OSType, maxMetadataLen)
	in.OSVersion = truncate(in.OSVersion, maxMetadataLen)
	in.Hostname = truncate(in.Hostname, maxMetadataLen)

	now := h.now()
	if err := h.agents.RecordHeartbeat(r.Context(), a.ID, in, now); err != nil {
		if errors.Is(err, agent.ErrNotFound) {
			writeError(w, r, apierr.New(apierr.CodeInvalidToken, "invalid agent token"))
			return
		}
		writeError(w, r, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{OK: true, Agent: a.Name, Timestamp: now.UTC()})
}

// PollJobs handles POST /api/v1/agent/poll-jobs.
func (h *agentHandler) PollJobs(w http.ResponseWriter, r *http.Request) {
	a := auth.AgentFromContext(r.Context())
	writeJSON(w, http.StatusOK, h.dispatch.Poll(r.Context(), a))
}

// AckJob handles POST /api/v1/agent/ack-job/{id}.
func (h *agentHandler) AckJob(w http.ResponseWriter, r *http.Request) {
	a := auth.AgentFromContext(r.Context())
	if err := h.dispatch.Ack(r.Context(), a, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

type failRequest struct {
	Reason string `json:"reason"`
}

// FailJob handles POST /api/v1/agent/fail-job/{id}.
func (h *agentHandler) FailJob(w http.ResponseWriter, r *http.Request) {
	a := auth.AgentFromContext(r.Context())

	var req failRequest
	if err := readJSON(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.dispatch.Fail(r.Context(), a, chi.URLParam(r, "id"), strings.TrimSpace(req.Reason)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

type uploadRequest struct {
	Kind        string `json:"kind"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
	JobID       string `json:"jobId"`
}

// UploadReport handles POST /api/v1/agent/upload-report. The body is either
// JSON or multipart/form-data with kind, file and optional jobId fields.
func (h *agentHandler) UploadReport(w http.ResponseWriter, r *http.Request) {
	a := auth.AgentFromContext(r.Context())

	u, err := h.parseUpload(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	u.TenantID = a.TenantID
	u.AgentName = a.Name

	if err := u.Validate(); err != nil {
		writeError(w, r, invalid(err.Error()))
		return
	}

	rep, err := h.reports.Create(r.Context(), *u)
	if err != nil {
		writeError(w, r, apierr.Internal(err))
		return
	}
	h.metrics.ObserveReport(rep.SizeBytes)
	writeJSON(w, http.StatusCreated, rep)
}

func (h *agentHandler) parseUpload(r *http.Request) (*report.Upload, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var req uploadRequest
		if err := readJSONLimit(r, &req, report.MaxContentSize*2); err != nil {
			return nil, err
		}
		return &report.Upload{
			Kind:        req.Kind,
			Filename:    req.Filename,
			ContentType: req.ContentType,
			JobID:       req.JobID,
			Content:     []byte(req.Content),
		}, nil
	}

	if err := r.ParseMultipartForm(report.MaxContentSize); err != nil {
		return nil, invalid("malformed multipart body")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, invalid("file is required")
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, report.MaxContentSize+1))
	if err != nil {
		return nil, invalid("could not read file")
	}
	return &report.Upload{
		Kind:        r.FormValue("kind"),
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		JobID:       r.FormValue("jobId"),
		Content:     content,
	}, nil
}

// truncate trims s and cuts it to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
