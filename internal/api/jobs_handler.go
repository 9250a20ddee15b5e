package api

import (
	"net/http"

	"github.com/alecgard/outpost/internal/job"
	"github.com/go-chi/chi/v5"
)

type jobsHandler struct {
	svc *job.Service
}

// CreateJob handles POST /api/v1/admin/jobs.
func (h *jobsHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var in job.CreateInput
	if err := readJSON(r, &in, false); err != nil {
		writeError(w, r, err)
		return
	}
	j, err := h.svc.Create(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	auditLog(r, "create", "job", j.ID, "agent", j.AgentName, "type", j.Type, "recurring", j.IsRecurring)
	writeJSON(w, http.StatusCreated, j)
}

// GetJob handles GET /api/v1/admin/jobs/{id}.
func (h *jobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}
