package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/outpost/internal/apierr"
	"github.com/alecgard/outpost/internal/audit"
	"github.com/alecgard/outpost/internal/report"
	"github.com/go-chi/chi/v5"
)

type reportsHandler struct {
	store ReportStore
}

func reportErr(err error) error {
	if errors.Is(err, report.ErrNotFound) {
		return apierr.New(apierr.CodeNotFound, "report not found")
	}
	return apierr.Internal(err)
}

func queryLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	l, err := strconv.Atoi(s)
	if err != nil || l < 1 {
		return 0, invalid("limit must be a positive integer")
	}
	return l, nil
}

// ListReports handles GET /api/v1/admin/reports.
func (h *reportsHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	reports, err := h.store.List(r.Context(), report.ListParams{
		TenantID:  r.URL.Query().Get("tenantId"),
		AgentName: r.URL.Query().Get("agentName"),
		Limit:     limit,
	})
	if err != nil {
		writeError(w, r, apierr.Internal(err))
		return
	}
	if reports == nil {
		reports = []*report.Report{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

// GetReport handles GET /api/v1/admin/reports/{id}.
func (h *reportsHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, reportErr(err))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GetReportContent handles GET /api/v1/admin/reports/{id}/content. The
// stored bytes are served as a download, never rendered inline.
func (h *reportsHandler) GetReportContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rep, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, reportErr(err))
		return
	}
	content, err := h.store.Content(r.Context(), id)
	if err != nil {
		writeError(w, r, reportErr(err))
		return
	}
	w.Header().Set("Content-Type", rep.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+rep.Filename+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

// EventLister reads the security event log.
type EventLister interface {
	List(ctx context.Context, q audit.Query) ([]*audit.Event, error)
}

type eventsHandler struct {
	store EventLister
}

// ListEvents handles GET /api/v1/admin/security-events.
func (h *eventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := audit.Query{
		Code:      r.URL.Query().Get("code"),
		AgentName: r.URL.Query().Get("agentName"),
		Limit:     limit,
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, r, invalid("since must be an RFC 3339 timestamp"))
			return
		}
		q.Since = t
	}

	events, err := h.store.List(r.Context(), q)
	if err != nil {
		writeError(w, r, apierr.Internal(err))
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
