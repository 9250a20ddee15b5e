package api

import (
	"net/http"

	"github.com/alecgard/outpost/internal/enrollment"
	"github.com/go-chi/chi/v5"
)

type keysHandler struct {
	svc *enrollment.Service
}

// CreateKey handles POST /api/v1/admin/enrollment-keys. The plaintext code is
// only returned here.
func (h *keysHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var in enrollment.CreateKeyInput
	if err := readJSON(r, &in, false); err != nil {
		writeError(w, r, err)
		return
	}
	k, err := h.svc.CreateKey(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	auditLog(r, "create", "enrollment_key", k.ID, "tenant", k.TenantID, "max_uses", k.MaxUses)
	writeJSON(w, http.StatusCreated, k)
}

// RevokeKey handles DELETE /api/v1/admin/enrollment-keys/{id}.
func (h *keysHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Revoke(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	auditLog(r, "revoke", "enrollment_key", id)
	w.WriteHeader(http.StatusNoContent)
}
