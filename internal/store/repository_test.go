// Package store tests for repository operations.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/tutordesk/tutordesk/client/internal/models"
)

// newTestRepo opens a fresh migrated store in a temp directory.
func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := Migrate(db.DB); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	repo := NewRepository(db)
	t.Cleanup(func() {
		repo.Close()
		db.Close()
	})
	return repo
}

func testRecord(t *testing.T, id string, updatedAt int64, name string) *models.Record {
	t.Helper()
	doc := fmt.Sprintf(`{"id":%q,"name":%q,"updated_at":%d}`, id, name, updatedAt)
	rec, err := models.RecordFromJSON([]byte(doc))
	if err != nil {
		t.Fatalf("RecordFromJSON() error = %v", err)
	}
	return rec
}

func TestMigrate_schemaVersion(t *testing.T) {
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if err := Migrate(db.DB); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	version, err := SchemaVersion(db.DB)
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if version != len(migrations) {
		t.Errorf("schema version = %d, want %d", version, len(migrations))
	}

	// Migrate is idempotent
	if err := Migrate(db.DB); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestSaveAndGetRecord(t *testing.T) {
	repo := newTestRepo(t)

	rec := testRecord(t, "a1b2c3d4-0000-4000-8000-000000000001", 1000, "Ada")
	if err := repo.SaveRecord(models.EntityStudents, rec); err != nil {
		t.Fatalf("SaveRecord() error = %v", err)
	}

	got, err := repo.GetRecord(models.EntityStudents, string(rec.ID))
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if got.ID != rec.ID {
		t.Errorf("id = %s, want %s", got.ID, rec.ID)
	}
	if got.UpdatedAt != 1000 {
		t.Errorf("updated_at = %d, want 1000", got.UpdatedAt)
	}
	if string(got.Data) != string(rec.Data) {
		t.Errorf("data = %s, want %s", got.Data, rec.Data)
	}
}

func TestGetRecord_notFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetRecord(models.EntityStudents, "missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetRecord() error = %v, want sql.ErrNoRows", err)
	}
}

func TestSaveRecord_upsert(t *testing.T) {
	repo := newTestRepo(t)

	id := "a1b2c3d4-0000-4000-8000-000000000001"
	if err := repo.SaveRecord(models.EntityStudents, testRecord(t, id, 1000, "Ada")); err != nil {
		t.Fatalf("SaveRecord() error = %v", err)
	}
	if err := repo.SaveRecord(models.EntityStudents, testRecord(t, id, 2000, "Ada L")); err != nil {
		t.Fatalf("SaveRecord() upsert error = %v", err)
	}

	got, err := repo.GetRecord(models.EntityStudents, id)
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if got.UpdatedAt != 2000 {
		t.Errorf("updated_at = %d, want 2000", got.UpdatedAt)
	}

	count, err := repo.CountRecords(models.EntityStudents)
	if err != nil {
		t.Fatalf("CountRecords() error = %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestReplaceRecords(t *testing.T) {
	repo := newTestRepo(t)

	old := testRecord(t, "a1b2c3d4-0000-4000-8000-000000000001", 1000, "Old")
	if err := repo.SaveRecord(models.EntityGroups, old); err != nil {
		t.Fatalf("SaveRecord() error = %v", err)
	}

	fresh := []*models.Record{
		testRecord(t, "a1b2c3d4-0000-4000-8000-000000000002", 2000, "New A"),
		testRecord(t, "a1b2c3d4-0000-4000-8000-000000000003", 2000, "New B"),
	}
	if err := repo.ReplaceRecords(models.EntityGroups, fresh); err != nil {
		t.Fatalf("ReplaceRecords() error = %v", err)
	}

	records, err := repo.ListRecords(models.EntityGroups)
	if err != nil {
		t.Fatalf("ListRecords() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("record count = %d, want 2", len(records))
	}

	// The old record must be gone
	if _, err := repo.GetRecord(models.EntityGroups, string(old.ID)); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("old record still present, GetRecord() error = %v", err)
	}
}

func TestReplaceRecords_empty(t *testing.T) {
	repo := newTestRepo(t)

	if err := repo.SaveRecord(models.EntityNotes, testRecord(t, "a1b2c3d4-0000-4000-8000-000000000001", 1000, "n")); err != nil {
		t.Fatalf("SaveRecord() error = %v", err)
	}
	if err := repo.ReplaceRecords(models.EntityNotes, nil); err != nil {
		t.Fatalf("ReplaceRecords(nil) error = %v", err)
	}

	count, err := repo.CountRecords(models.EntityNotes)
	if err != nil {
		t.Fatalf("CountRecords() error = %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestDeleteRecord_notFound(t *testing.T) {
	repo := newTestRepo(t)

	err := repo.DeleteRecord(models.EntityStudents, "missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("DeleteRecord() error = %v, want sql.ErrNoRows", err)
	}
}

func TestUnknownEntityType(t *testing.T) {
	repo := newTestRepo(t)

	if _, err := repo.ListRecords(models.EntityType("teachers")); err == nil {
		t.Error("ListRecords() with unknown type should fail")
	}
	if err := repo.SaveRecord(models.EntityType("teachers"), &models.Record{ID: "x"}); err == nil {
		t.Error("SaveRecord() with unknown type should fail")
	}
}

func TestSaveRecordWithMutation(t *testing.T) {
	repo := newTestRepo(t)

	rec := testRecord(t, "a1b2c3d4-0000-4000-8000-000000000001", 1000, "Ada")
	m, err := repo.SaveRecordWithMutation(models.EntityStudents, rec, models.MutationCreate)
	if err != nil {
		t.Fatalf("SaveRecordWithMutation() error = %v", err)
	}
	if m.Kind != models.MutationCreate {
		t.Errorf("kind = %s, want create", m.Kind)
	}
	if m.EntityType != models.EntityStudents {
		t.Errorf("entity_type = %s, want students", m.EntityType)
	}
	if string(m.Payload) != string(rec.Data) {
		t.Errorf("payload = %s, want %s", m.Payload, rec.Data)
	}

	// Both the record and the queue entry must exist
	if _, err := repo.GetRecord(models.EntityStudents, string(rec.ID)); err != nil {
		t.Errorf("record missing after write-through: %v", err)
	}
	count, err := repo.MutationCount()
	if err != nil {
		t.Fatalf("MutationCount() error = %v", err)
	}
	if count != 1 {
		t.Errorf("queue count = %d, want 1", count)
	}
}

func TestSaveRecordWithMutation_rejectsDelete(t *testing.T) {
	repo := newTestRepo(t)

	rec := testRecord(t, "a1b2c3d4-0000-4000-8000-000000000001", 1000, "Ada")
	if _, err := repo.SaveRecordWithMutation(models.EntityStudents, rec, models.MutationDelete); err == nil {
		t.Error("SaveRecordWithMutation() with delete kind should fail")
	}
}

func TestDeleteRecordWithMutation(t *testing.T) {
	repo := newTestRepo(t)

	rec := testRecord(t, "a1b2c3d4-0000-4000-8000-000000000001", 1000, "Ada")
	if err := repo.SaveRecord(models.EntityStudents, rec); err != nil {
		t.Fatalf("SaveRecord() error = %v", err)
	}

	m, err := repo.DeleteRecordWithMutation(models.EntityStudents, string(rec.ID))
	if err != nil {
		t.Fatalf("DeleteRecordWithMutation() error = %v", err)
	}
	if m.Kind != models.MutationDelete {
		t.Errorf("kind = %s, want delete", m.Kind)
	}
	want := fmt.Sprintf(`{"id":%q}`, rec.ID)
	if string(m.Payload) != want {
		t.Errorf("payload = %s, want %s", m.Payload, want)
	}

	if _, err := repo.GetRecord(models.EntityStudents, string(rec.ID)); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("record still present after delete, error = %v", err)
	}
}

func TestDeleteRecordWithMutation_notFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.DeleteRecordWithMutation(models.EntityStudents, "a1b2c3d4-0000-4000-8000-00000000dead")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("DeleteRecordWithMutation() error = %v, want sql.ErrNoRows", err)
	}

	// A miss must not leave a phantom delete in the queue.
	pending, err := repo.PendingMutations()
	if err != nil {
		t.Fatalf("PendingMutations() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0", len(pending))
	}
}

func TestPendingMutations_fifoOrder(t *testing.T) {
	repo := newTestRepo(t)

	// Enqueue three mutations back to back; enqueue timestamps may
	// collide at millisecond resolution, seq must still order them.
	var ids []models.UUID
	for i := 0; i < 3; i++ {
		payload := []byte(fmt.Sprintf(`{"id":"a1b2c3d4-0000-4000-8000-00000000000%d","updated_at":%d}`, i+1, 1000+i))
		m, err := repo.EnqueueMutation(models.MutationCreate, models.EntityStudents, payload)
		if err != nil {
			t.Fatalf("EnqueueMutation() error = %v", err)
		}
		ids = append(ids, m.ID)
	}

	pending, err := repo.PendingMutations()
	if err != nil {
		t.Fatalf("PendingMutations() error = %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending count = %d, want 3", len(pending))
	}
	for i, m := range pending {
		if m.ID != ids[i] {
			t.Errorf("pending[%d].ID = %s, want %s", i, m.ID, ids[i])
		}
	}
	if !(pending[0].Seq < pending[1].Seq && pending[1].Seq < pending[2].Seq) {
		t.Errorf("seq not strictly increasing: %d, %d, %d", pending[0].Seq, pending[1].Seq, pending[2].Seq)
	}
}

func TestIncrementMutationRetry(t *testing.T) {
	repo := newTestRepo(t)

	m, err := repo.EnqueueMutation(models.MutationUpdate, models.EntityNotes, []byte(`{"id":"x"}`))
	if err != nil {
		t.Fatalf("EnqueueMutation() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := repo.IncrementMutationRetry(string(m.ID)); err != nil {
			t.Fatalf("IncrementMutationRetry() error = %v", err)
		}
	}

	pending, err := repo.PendingMutations()
	if err != nil {
		t.Fatalf("PendingMutations() error = %v", err)
	}
	if pending[0].RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3", pending[0].RetryCount)
	}
}

func TestResetExhaustedMutations(t *testing.T) {
	repo := newTestRepo(t)

	parked, err := repo.EnqueueMutation(models.MutationUpdate, models.EntityNotes, []byte(`{"id":"a"}`))
	if err != nil {
		t.Fatalf("EnqueueMutation() error = %v", err)
	}
	fresh, err := repo.EnqueueMutation(models.MutationUpdate, models.EntityNotes, []byte(`{"id":"b"}`))
	if err != nil {
		t.Fatalf("EnqueueMutation() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := repo.IncrementMutationRetry(string(parked.ID)); err != nil {
			t.Fatalf("IncrementMutationRetry() error = %v", err)
		}
	}

	n, err := repo.ResetExhaustedMutations(3)
	if err != nil {
		t.Fatalf("ResetExhaustedMutations() error = %v", err)
	}
	if n != 1 {
		t.Errorf("reset count = %d, want 1", n)
	}

	pending, err := repo.PendingMutations()
	if err != nil {
		t.Fatalf("PendingMutations() error = %v", err)
	}
	for _, m := range pending {
		if m.RetryCount != 0 {
			t.Errorf("mutation %s retry_count = %d, want 0", m.ID, m.RetryCount)
		}
	}
	_ = fresh
}

func TestRemoveMutation_notFound(t *testing.T) {
	repo := newTestRepo(t)

	if err := repo.RemoveMutation("missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("RemoveMutation() error = %v, want sql.ErrNoRows", err)
	}
}

func TestMetadata(t *testing.T) {
	repo := newTestRepo(t)

	value, err := repo.GetMetadata("absent")
	if err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}
	if value != "" {
		t.Errorf("absent key = %q, want empty", value)
	}

	if err := repo.SetMetadata("theme", "dark"); err != nil {
		t.Fatalf("SetMetadata() error = %v", err)
	}
	if err := repo.SetMetadata("theme", "light"); err != nil {
		t.Fatalf("SetMetadata() upsert error = %v", err)
	}

	value, err = repo.GetMetadata("theme")
	if err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}
	if value != "light" {
		t.Errorf("value = %q, want light", value)
	}
}

func TestWatermark(t *testing.T) {
	repo := newTestRepo(t)

	ts, err := repo.GetWatermark(MetaLastSync)
	if err != nil {
		t.Fatalf("GetWatermark() error = %v", err)
	}
	if ts != 0 {
		t.Errorf("unset watermark = %d, want 0", ts)
	}

	if err := repo.SetWatermark(MetaLastSync, 1700000000000); err != nil {
		t.Fatalf("SetWatermark() error = %v", err)
	}
	ts, err = repo.GetWatermark(MetaLastSync)
	if err != nil {
		t.Fatalf("GetWatermark() error = %v", err)
	}
	if ts != 1700000000000 {
		t.Errorf("watermark = %d, want 1700000000000", ts)
	}
}

func TestWatermark_corrupt(t *testing.T) {
	repo := newTestRepo(t)

	if err := repo.SetMetadata(MetaLastSync, "not-a-number"); err != nil {
		t.Fatalf("SetMetadata() error = %v", err)
	}
	if _, err := repo.GetWatermark(MetaLastSync); err == nil {
		t.Error("GetWatermark() with corrupt value should fail")
	}
}
