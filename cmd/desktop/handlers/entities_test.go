// Package handlers tests for the local REST API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/tutordesk/tutordesk/client/internal/backup"
	"github.com/tutordesk/tutordesk/client/internal/models"
	"github.com/tutordesk/tutordesk/client/internal/remote"
	"github.com/tutordesk/tutordesk/client/internal/store"
	enginesync "github.com/tutordesk/tutordesk/client/internal/sync"
)

// nullRemote satisfies remote.Service; the engine stays offline in these
// tests so it is never reached.
type nullRemote struct{}

func (nullRemote) FetchAll(ctx context.Context, t models.EntityType) ([]*models.Record, error) {
	return nil, nil
}

func (nullRemote) Create(ctx context.Context, t models.EntityType, rec *models.Record) (*models.Record, error) {
	return rec, nil
}

func (nullRemote) Update(ctx context.Context, t models.EntityType, id string, rec *models.Record) (*models.Record, error) {
	return rec, nil
}

func (nullRemote) Delete(ctx context.Context, t models.EntityType, id string) error {
	return nil
}

func newTestRouter(t *testing.T) (chi.Router, *store.Repository) {
	t.Helper()

	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := store.Migrate(db.DB); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	repo := store.NewRepository(db)
	t.Cleanup(func() {
		repo.Close()
		db.Close()
	})

	engine := enginesync.NewEngine(repo, nullRemote{}, remote.NewStaticMonitor(false))

	router := chi.NewRouter()
	router.Route("/api/entities", NewEntityHandler(repo, engine).Routes)
	router.Route("/api/sync", NewSyncHandler(engine).Routes)
	router.Route("/api/backup", NewBackupHandler(backup.NewService(repo)).Routes)
	return router, repo
}

func doRequest(t *testing.T, router chi.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateEntity(t *testing.T) {
	router, repo := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/entities/students", `{"name":"Ada"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body = %s", rec.Code, rec.Body)
	}

	var response struct {
		Success bool           `json:"success"`
		Data    models.Student `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !response.Success {
		t.Error("success = false")
	}
	if response.Data.ID == "" {
		t.Error("no id assigned")
	}
	if response.Data.UpdatedAt == 0 {
		t.Error("updated_at not stamped")
	}

	// Stored locally with the mutation queued
	if _, err := repo.GetRecord(models.EntityStudents, string(response.Data.ID)); err != nil {
		t.Errorf("record not stored: %v", err)
	}
	count, err := repo.MutationCount()
	if err != nil {
		t.Fatalf("MutationCount() error = %v", err)
	}
	if count != 1 {
		t.Errorf("queued mutations = %d, want 1", count)
	}
}

func TestCreateEntity_unknownType(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/entities/teachers", `{"name":"x"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetEntity_notFound(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/api/entities/students/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestUpdateEntity(t *testing.T) {
	router, repo := newTestRouter(t)

	created := doRequest(t, router, http.MethodPost, "/api/entities/notes", `{"student_id":"s1","body":"draft"}`)
	var response struct {
		Data models.Note `json:"data"`
	}
	if err := json.Unmarshal(created.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	id := string(response.Data.ID)

	rec := doRequest(t, router, http.MethodPut, "/api/entities/notes/"+id, `{"student_id":"s1","body":"final"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body)
	}

	stored, err := repo.GetRecord(models.EntityNotes, id)
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	var note models.Note
	if err := json.Unmarshal(stored.Data, &note); err != nil {
		t.Fatalf("decode stored note: %v", err)
	}
	if note.Body != "final" {
		t.Errorf("body = %s, want final", note.Body)
	}
}

func TestDeleteEntity_notFound(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodDelete, "/api/entities/students/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListEntities(t *testing.T) {
	router, _ := newTestRouter(t)

	doRequest(t, router, http.MethodPost, "/api/entities/groups", `{"name":"Algebra"}`)
	doRequest(t, router, http.MethodPost, "/api/entities/groups", `{"name":"Geometry"}`)

	rec := doRequest(t, router, http.MethodGet, "/api/entities/groups", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var response struct {
		Data []models.Group `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(response.Data) != 2 {
		t.Errorf("groups = %d, want 2", len(response.Data))
	}
}

func TestSyncNow_offline(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/sync/now", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestSyncStatus(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/api/sync/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var response struct {
		Data struct {
			Status  string `json:"status"`
			Pending int    `json:"pending"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.Data.Status != "idle" {
		t.Errorf("status = %s, want idle", response.Data.Status)
	}
}

func TestBackupImport_invalid(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/backup/import", `{"students":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400, body = %s", rec.Code, rec.Body)
	}
}

func TestBackupExportImport_roundTrip(t *testing.T) {
	router, _ := newTestRouter(t)

	doRequest(t, router, http.MethodPost, "/api/entities/students", `{"name":"Ada"}`)

	exported := doRequest(t, router, http.MethodGet, "/api/backup/export", "")
	if exported.Code != http.StatusOK {
		t.Fatalf("export status = %d, want 200", exported.Code)
	}

	fresh, freshRepo := newTestRouter(t)
	imported := doRequest(t, fresh, http.MethodPost, "/api/backup/import", exported.Body.String())
	if imported.Code != http.StatusOK {
		t.Fatalf("import status = %d, want 200, body = %s", imported.Code, imported.Body)
	}

	count, err := freshRepo.CountRecords(models.EntityStudents)
	if err != nil {
		t.Fatalf("CountRecords() error = %v", err)
	}
	if count != 1 {
		t.Errorf("students after import = %d, want 1", count)
	}
}
