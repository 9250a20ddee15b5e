package api

import (
	"context"
	"net/http"

	"github.com/alecgard/outpost/internal/apierr"
	"github.com/alecgard/outpost/internal/quota"
	"github.com/go-chi/chi/v5"
)

// FeatureWriter stores tenant entitlements. In production the tenant
// service owns these rows; the endpoint exists for single-node setups.
type FeatureWriter interface {
	SetFeature(ctx context.Context, f quota.Feature) error
}

type featuresHandler struct {
	store FeatureWriter
}

type setFeatureRequest struct {
	Enabled *bool  `json:"enabled"`
	Limit   *int64 `json:"limit"`
	Used    int64  `json:"used"`
}

// SetFeature handles PUT /api/v1/admin/tenants/{tenantID}/features/{key}.
func (h *featuresHandler) SetFeature(w http.ResponseWriter, r *http.Request) {
	var req setFeatureRequest
	if err := readJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Limit != nil && *req.Limit < 0 {
		writeError(w, r, invalid("limit must not be negative"))
		return
	}
	if req.Used < 0 {
		writeError(w, r, invalid("used must not be negative"))
		return
	}

	f := quota.Feature{
		TenantID: chi.URLParam(r, "tenantID"),
		Key:      chi.URLParam(r, "key"),
		Enabled:  req.Enabled == nil || *req.Enabled,
		Limit:    req.Limit,
		Used:     req.Used,
	}
	if err := h.store.SetFeature(r.Context(), f); err != nil {
		writeError(w, r, apierr.Internal(err))
		return
	}
	auditLog(r, "set", "feature", f.TenantID+"/"+f.Key, "enabled", f.Enabled)
	writeJSON(w, http.StatusOK, f)
}
