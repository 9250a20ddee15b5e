package api

import (
	"net/http"

	"github.com/alecgard/outpost/internal/apierr"
	"github.com/alecgard/outpost/internal/sweeper"
)

// sweepsHandler exposes the maintenance passes so that an external scheduler
// can trigger them.
type sweepsHandler struct {
	reclaimer *sweeper.Reclaimer
	scheduler *sweeper.Scheduler
	keys      *sweeper.KeyPurger
	offline   *sweeper.OfflineMarker
}

// Reclaim handles POST /api/v1/admin/sweeps/reclaim.
func (h *sweepsHandler) Reclaim(w http.ResponseWriter, r *http.Request) {
	reclaimed, err := h.reclaimer.Run(r.Context())
	if err != nil {
		writeError(w, r, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reclaimed": reclaimed, "count": len(reclaimed)})
}

// Recurring handles POST /api/v1/admin/sweeps/recurring.
func (h *sweepsHandler) Recurring(w http.ResponseWriter, r *http.Request) {
	res, err := h.scheduler.Run(r.Context())
	if err != nil {
		writeError(w, r, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PurgeKeys handles POST /api/v1/admin/sweeps/enrollment-keys.
func (h *sweepsHandler) PurgeKeys(w http.ResponseWriter, r *http.Request) {
	n, err := h.keys.Run(r.Context())
	if err != nil {
		writeError(w, r, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

// MarkOffline handles POST /api/v1/admin/sweeps/offline-agents.
func (h *sweepsHandler) MarkOffline(w http.ResponseWriter, r *http.Request) {
	n, err := h.offline.Run(r.Context())
	if err != nil {
		writeError(w, r, apierr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"offline": n})
}
