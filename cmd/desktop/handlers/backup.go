package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tutordesk/tutordesk/client/internal/backup"
	"github.com/tutordesk/tutordesk/client/internal/errors"
)

// BackupHandler serves snapshot export and import.
type BackupHandler struct {
	service *backup.Service
}

// NewBackupHandler creates a BackupHandler.
func NewBackupHandler(service *backup.Service) *BackupHandler {
	return &BackupHandler{service: service}
}

// Routes mounts the backup endpoints on r.
func (h *BackupHandler) Routes(r chi.Router) {
	r.Get("/export", h.Export)
	r.Post("/import", h.Import)
}

// Export handles GET /api/backup/export, returning the snapshot document
// as a download.
func (h *BackupHandler) Export(w http.ResponseWriter, r *http.Request) {
	data, err := h.service.ExportJSON()
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="tutordesk-backup.json"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Import handles POST /api/backup/import with the snapshot document as
// the request body.
func (h *BackupHandler) Import(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "reading request body", err))
		return
	}

	if err := h.service.ImportJSON(data); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "imported"})
}
