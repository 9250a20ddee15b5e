package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/alecgard/outpost/internal/agent"
	"github.com/alecgard/outpost/internal/apierr"
	"github.com/go-chi/chi/v5"
)

// agentsHandler groups the admin views over enrolled agents.
type agentsHandler struct {
	store agent.Registry
}

func agentErr(err error) error {
	if errors.Is(err, agent.ErrNotFound) {
		return apierr.New(apierr.CodeNotFound, "agent not found")
	}
	return apierr.Internal(err)
}

// ListAgents handles GET /api/v1/admin/agents.
func (h *agentsHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	params := agent.ListParams{
		TenantID: r.URL.Query().Get("tenantId"),
		Cursor:   r.URL.Query().Get("cursor"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			writeError(w, r, invalid("limit must be a positive integer"))
			return
		}
		params.Limit = l
	}

	agents, nextCursor, err := h.store.List(r.Context(), params)
	if err != nil {
		if errors.Is(err, agent.ErrInvalidCursor) {
			writeError(w, r, invalid("invalid cursor"))
			return
		}
		writeError(w, r, apierr.Internal(err))
		return
	}
	if agents == nil {
		agents = []*agent.Agent{}
	}

	resp := map[string]any{
		"agents": agents,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAgent handles GET /api/v1/admin/agents/{id}.
func (h *agentsHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, agentErr(err))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// RevokeTokens handles POST /api/v1/admin/agents/{id}/revoke-tokens.
func (h *agentsHandler) RevokeTokens(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.store.RevokeTokens(r.Context(), id)
	if err != nil {
		writeError(w, r, agentErr(err))
		return
	}
	auditLog(r, "revoke_tokens", "agent", id, "count", n)
	writeJSON(w, http.StatusOK, map[string]int64{"revoked": n})
}

// DeleteAgent handles DELETE /api/v1/admin/agents/{id}.
func (h *agentsHandler) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.Delete(r.Context(), id); err != nil {
		writeError(w, r, agentErr(err))
		return
	}
	auditLog(r, "delete", "agent", id)
	w.WriteHeader(http.StatusNoContent)
}
