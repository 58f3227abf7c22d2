package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tutordesk/tutordesk/client/internal/errors"
	"github.com/tutordesk/tutordesk/client/internal/offline"
	"github.com/tutordesk/tutordesk/client/internal/remote"
)

// OfflineHandler serves offline preparation and readiness state.
type OfflineHandler struct {
	manager *offline.Manager
	monitor remote.Monitor
}

// NewOfflineHandler creates an OfflineHandler.
func NewOfflineHandler(manager *offline.Manager, monitor remote.Monitor) *OfflineHandler {
	return &OfflineHandler{manager: manager, monitor: monitor}
}

// Routes mounts the offline endpoints on r.
func (h *OfflineHandler) Routes(r chi.Router) {
	r.Get("/status", h.Status)
	r.Post("/prepare", h.Prepare)
}

// Status handles GET /api/offline/status.
func (h *OfflineHandler) Status(w http.ResponseWriter, r *http.Request) {
	ready, preparedAt, err := h.manager.Ready()
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, "reading readiness flag", err))
		return
	}

	response := map[string]interface{}{
		"ready":  ready,
		"online": h.monitor.Online(),
	}
	if ready {
		response["prepared_at"] = preparedAt.UnixMilli()
	}
	writeJSON(w, http.StatusOK, response)
}

// Prepare handles POST /api/offline/prepare. Preparation needs the
// network for the data download, so an offline device is refused up
// front. Runs synchronously; step progress goes out over the WebSocket.
func (h *OfflineHandler) Prepare(w http.ResponseWriter, r *http.Request) {
	if !h.monitor.Online() {
		writeError(w, errors.New(errors.ErrSyncOffline, "device is offline"))
		return
	}

	if err := h.manager.Prepare(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.Status(w, r)
}
