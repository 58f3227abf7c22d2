package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tutordesk/tutordesk/client/internal/errors"
	"github.com/tutordesk/tutordesk/client/internal/logging"
	"github.com/tutordesk/tutordesk/client/internal/models"
	"github.com/tutordesk/tutordesk/client/internal/store"
	enginesync "github.com/tutordesk/tutordesk/client/internal/sync"
	"github.com/tutordesk/tutordesk/client/internal/uuid"
)

// EntityHandler serves CRUD over the local replica. Every write lands in
// the local table and the mutation queue in one transaction, then kicks
// an opportunistic drain so the change reaches the server promptly when
// the device is online.
type EntityHandler struct {
	repo   *store.Repository
	engine *enginesync.Engine
}

// NewEntityHandler creates an EntityHandler.
func NewEntityHandler(repo *store.Repository, engine *enginesync.Engine) *EntityHandler {
	return &EntityHandler{repo: repo, engine: engine}
}

// Routes mounts the entity endpoints on r.
func (h *EntityHandler) Routes(r chi.Router) {
	r.Get("/{type}", h.List)
	r.Post("/{type}", h.Create)
	r.Get("/{type}/{id}", h.Get)
	r.Put("/{type}/{id}", h.Update)
	r.Delete("/{type}/{id}", h.Delete)
}

// List handles GET /api/entities/{type}.
func (h *EntityHandler) List(w http.ResponseWriter, r *http.Request) {
	t, err := entityType(r)
	if err != nil {
		writeError(w, err)
		return
	}

	records, err := h.repo.ListRecords(t)
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, fmt.Sprintf("listing %s", t), err))
		return
	}

	docs := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		docs = append(docs, rec.Data)
	}
	writeJSON(w, http.StatusOK, docs)
}

// Get handles GET /api/entities/{type}/{id}.
func (h *EntityHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := entityType(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")

	rec, err := h.repo.GetRecord(t, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		writeError(w, errors.New(errors.ErrNotFound, fmt.Sprintf("%s %s not found", t, id)))
		return
	}
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, fmt.Sprintf("reading %s", t), err))
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(rec.Data))
}

// Create handles POST /api/entities/{type}. A document without an id gets
// one assigned; updated_at is always stamped with the local write time.
func (h *EntityHandler) Create(w http.ResponseWriter, r *http.Request) {
	t, err := entityType(r)
	if err != nil {
		writeError(w, err)
		return
	}

	doc, err := decodeDoc(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, ok := doc["id"].(string); !ok || doc["id"] == "" {
		doc["id"] = uuid.New()
	}
	doc["updated_at"] = time.Now().UnixMilli()

	rec, err := models.NewRecord(doc)
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid entity document", err))
		return
	}

	if _, err := h.repo.SaveRecordWithMutation(t, rec, models.MutationCreate); err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, fmt.Sprintf("creating %s", t), err))
		return
	}

	h.kickDrain()
	writeJSON(w, http.StatusCreated, json.RawMessage(rec.Data))
}

// Update handles PUT /api/entities/{type}/{id}.
func (h *EntityHandler) Update(w http.ResponseWriter, r *http.Request) {
	t, err := entityType(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")

	doc, err := decodeDoc(r)
	if err != nil {
		writeError(w, err)
		return
	}
	doc["id"] = id
	doc["updated_at"] = time.Now().UnixMilli()

	rec, err := models.NewRecord(doc)
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid entity document", err))
		return
	}

	if _, err := h.repo.SaveRecordWithMutation(t, rec, models.MutationUpdate); err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, fmt.Sprintf("updating %s", t), err))
		return
	}

	h.kickDrain()
	writeJSON(w, http.StatusOK, json.RawMessage(rec.Data))
}

// Delete handles DELETE /api/entities/{type}/{id}.
func (h *EntityHandler) Delete(w http.ResponseWriter, r *http.Request) {
	t, err := entityType(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")

	_, err = h.repo.DeleteRecordWithMutation(t, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		writeError(w, errors.New(errors.ErrNotFound, fmt.Sprintf("%s %s not found", t, id)))
		return
	}
	if err != nil {
		writeError(w, errors.Wrap(errors.ErrDatabase, fmt.Sprintf("deleting %s", t), err))
		return
	}

	h.kickDrain()
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// kickDrain starts a background sync pass after a local write. An offline
// device or a pass already in flight is not an error here; the queued
// mutation waits for the next pass.
func (h *EntityHandler) kickDrain() {
	go func() {
		err := h.engine.DrainNow(context.Background())
		if err == nil ||
			errors.Is(err, errors.ErrSyncOffline) ||
			errors.Is(err, errors.ErrSyncInProgress) {
			return
		}
		logging.Warn("Post-write sync failed", map[string]interface{}{"error": err.Error()})
	}()
}

func entityType(r *http.Request) (models.EntityType, error) {
	t := models.EntityType(chi.URLParam(r, "type"))
	if !t.Valid() {
		return "", errors.New(errors.ErrInvalid, fmt.Sprintf("unknown entity type: %s", t))
	}
	return t, nil
}

func decodeDoc(r *http.Request) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid request body", err)
	}
	return doc, nil
}
