package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tutordesk/tutordesk/client/internal/errors"
	enginesync "github.com/tutordesk/tutordesk/client/internal/sync"
	"github.com/tutordesk/tutordesk/client/internal/sync/conflict"
)

// SyncHandler exposes sync operations: triggering passes, reading status,
// queue maintenance, and conflict detection and resolution.
type SyncHandler struct {
	engine *enginesync.Engine
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(engine *enginesync.Engine) *SyncHandler {
	return &SyncHandler{engine: engine}
}

// Routes mounts the sync endpoints on r.
func (h *SyncHandler) Routes(r chi.Router) {
	r.Get("/status", h.Status)
	r.Post("/now", h.SyncNow)
	r.Post("/download", h.Download)
	r.Post("/queue/retry-exhausted", h.RetryExhausted)
	r.Post("/conflicts/detect", h.DetectConflicts)
	r.Get("/conflicts", h.ListConflicts)
	r.Post("/conflicts/{id}/resolve", h.ResolveConflict)
	r.Post("/conflicts/resolve-all", h.ResolveAllConflicts)
}

// Status handles GET /api/sync/status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	pending, err := h.engine.Pending()
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "counting pending mutations", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    h.engine.Status(),
		"pending":   pending,
		"conflicts": len(h.engine.Conflicts()),
	})
}

// SyncNow handles POST /api/sync/now: drain the queue, then refresh the
// replica. Runs synchronously so the caller sees the outcome.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DrainNow(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.Status(w, r)
}

// Download handles POST /api/sync/download: full refresh without a drain.
func (h *SyncHandler) Download(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DownloadNow(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.Status(w, r)
}

// RetryExhausted handles POST /api/sync/queue/retry-exhausted: un-park
// entries that hit the retry ceiling so the next pass attempts them again.
func (h *SyncHandler) RetryExhausted(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.Queue().RetryExhausted()
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "resetting exhausted mutations", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

// DetectConflicts handles POST /api/sync/conflicts/detect.
func (h *SyncHandler) DetectConflicts(w http.ResponseWriter, r *http.Request) {
	items, err := h.engine.DetectConflicts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// ListConflicts handles GET /api/sync/conflicts.
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Conflicts())
}

// ResolveConflict handles POST /api/sync/conflicts/{id}/resolve.
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Choice conflict.Choice `json:"choice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.engine.ResolveConflict(r.Context(), id, request.Choice); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":        id,
		"remaining": len(h.engine.Conflicts()),
	})
}

// ResolveAllConflicts handles POST /api/sync/conflicts/resolve-all.
func (h *SyncHandler) ResolveAllConflicts(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Choice conflict.Choice `json:"choice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return
	}

	resolved, err := h.engine.ResolveAllConflicts(r.Context(), request.Choice)
	if err != nil {
		// Partial progress: report how far the run got alongside the error.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":   false,
			"resolved":  resolved,
			"remaining": len(h.engine.Conflicts()),
			"message":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resolved": resolved})
}
