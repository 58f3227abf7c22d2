// Package store provides CRUD repository operations over the local replica.
package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tutordesk/tutordesk/client/internal/models"
	"github.com/tutordesk/tutordesk/client/internal/uuid"
)

// Metadata keys used by the sync engine.
const (
	MetaLastSync         = "last_sync"
	MetaLastFullDownload = "last_full_download"
	MetaOfflineReady     = "offline_ready"
)

// Repository provides storage operations for entity tables, the mutation
// queue, and the metadata table. Multi-item writes for one entity type are
// applied in a single transaction so readers never observe a half-replaced
// table.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db.DB}
}

// PrepareStmt gets or creates a prepared statement from the cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// tableFor maps an entity type to its table name. Entity types double as
// table names; the validity check is what keeps them out of injection
// territory, since table names cannot be bound as parameters.
func tableFor(t models.EntityType) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type: %s", t)
	}
	return string(t), nil
}

// =====================================================
// Entity Table Operations
// =====================================================

// ListRecords returns every cached record of one entity type.
func (r *Repository) ListRecords(t models.EntityType) ([]*models.Record, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT id, updated_at, data FROM %s ORDER BY id", table)
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		var rec models.Record
		var data string
		if err := rows.Scan(&rec.ID, &rec.UpdatedAt, &data); err != nil {
			return nil, err
		}
		rec.Data = []byte(data)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// GetRecord returns the cached record with the given id, or sql.ErrNoRows.
func (r *Repository) GetRecord(t models.EntityType, id string) (*models.Record, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT id, updated_at, data FROM %s WHERE id = ?", table)
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var rec models.Record
	var data string
	if err := stmt.QueryRow(id).Scan(&rec.ID, &rec.UpdatedAt, &data); err != nil {
		return nil, err
	}
	rec.Data = []byte(data)
	return &rec, nil
}

// SaveRecord upserts one record.
func (r *Repository) SaveRecord(t models.EntityType, rec *models.Record) error {
	table, err := tableFor(t)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
	INSERT INTO %s (id, updated_at, data) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, data = excluded.data
	`, table)
	_, err = r.db.Exec(query, rec.ID, rec.UpdatedAt, string(rec.Data))
	return err
}

// SaveRecords upserts a batch of records in a single transaction.
func (r *Repository) SaveRecords(t models.EntityType, recs []*models.Record) error {
	table, err := tableFor(t)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
	INSERT INTO %s (id, updated_at, data) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, data = excluded.data
	`, table)
	for _, rec := range recs {
		if _, err := tx.Exec(query, rec.ID, rec.UpdatedAt, string(rec.Data)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReplaceRecords atomically replaces the whole table contents with recs.
// Used by the downloader: a concurrent reader sees either the fully old or
// the fully new table, never a mix.
func (r *Repository) ReplaceRecords(t models.EntityType, recs []*models.Record) error {
	table, err := tableFor(t)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
		return err
	}
	query := fmt.Sprintf("INSERT INTO %s (id, updated_at, data) VALUES (?, ?, ?)", table)
	for _, rec := range recs {
		if _, err := tx.Exec(query, rec.ID, rec.UpdatedAt, string(rec.Data)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteRecord removes one record.
func (r *Repository) DeleteRecord(t models.EntityType, id string) error {
	table, err := tableFor(t)
	if err != nil {
		return err
	}
	result, err := r.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ClearRecords removes every record of one entity type.
func (r *Repository) ClearRecords(t models.EntityType) error {
	table, err := tableFor(t)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(fmt.Sprintf("DELETE FROM %s", table))
	return err
}

// CountRecords returns the number of cached records of one entity type.
func (r *Repository) CountRecords(t models.EntityType) (int, error) {
	table, err := tableFor(t)
	if err != nil {
		return 0, err
	}
	var count int
	err = r.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
	return count, err
}

// =====================================================
// Write-Through Operations
// =====================================================

// SaveRecordWithMutation upserts a record and enqueues the matching
// mutation in one transaction, so a crash between the two writes cannot
// lose the intent to sync.
func (r *Repository) SaveRecordWithMutation(t models.EntityType, rec *models.Record, kind models.MutationKind) (*models.Mutation, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}
	if kind != models.MutationCreate && kind != models.MutationUpdate {
		return nil, fmt.Errorf("save requires a create or update mutation, got %s", kind)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
	INSERT INTO %s (id, updated_at, data) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, data = excluded.data
	`, table)
	if _, err := tx.Exec(query, rec.ID, rec.UpdatedAt, string(rec.Data)); err != nil {
		return nil, err
	}

	m, err := insertMutation(tx, kind, t, rec.Data)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return m, nil
}

// DeleteRecordWithMutation removes a record and enqueues the matching
// delete mutation in one transaction.
func (r *Repository) DeleteRecordWithMutation(t models.EntityType, id string) (*models.Mutation, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id)
	if err != nil {
		return nil, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, sql.ErrNoRows
	}

	payload := []byte(fmt.Sprintf(`{"id":%q}`, id))
	m, err := insertMutation(tx, models.MutationDelete, t, payload)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return m, nil
}

// =====================================================
// Mutation Queue Operations
// =====================================================

// EnqueueMutation appends one entry to the mutation queue.
func (r *Repository) EnqueueMutation(kind models.MutationKind, t models.EntityType, payload []byte) (*models.Mutation, error) {
	if _, err := tableFor(t); err != nil {
		return nil, err
	}

	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	m, err := insertMutation(tx, kind, t, payload)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return m, nil
}

func insertMutation(tx *sql.Tx, kind models.MutationKind, t models.EntityType, payload []byte) (*models.Mutation, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown mutation kind: %s", kind)
	}

	m := &models.Mutation{
		ID:         models.UUID(uuid.New()),
		Kind:       kind,
		EntityType: t,
		Payload:    append([]byte(nil), payload...),
		EnqueuedAt: time.Now().UnixMilli(),
	}

	query := `
	INSERT INTO mutation_queue (id, kind, entity_type, payload, enqueued_at, retry_count)
	VALUES (?, ?, ?, ?, ?, 0)
	`
	result, err := tx.Exec(query, m.ID, string(m.Kind), string(m.EntityType), string(m.Payload), m.EnqueuedAt)
	if err != nil {
		return nil, err
	}
	m.Seq, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return m, nil
}

// PendingMutations returns every queued entry in enqueue order.
func (r *Repository) PendingMutations() ([]*models.Mutation, error) {
	query := `
	SELECT seq, id, kind, entity_type, payload, enqueued_at, retry_count
	FROM mutation_queue ORDER BY seq
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mutations []*models.Mutation
	for rows.Next() {
		var m models.Mutation
		var payload string
		err := rows.Scan(&m.Seq, &m.ID, &m.Kind, &m.EntityType, &payload, &m.EnqueuedAt, &m.RetryCount)
		if err != nil {
			return nil, err
		}
		m.Payload = []byte(payload)
		mutations = append(mutations, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return mutations, nil
}

// RemoveMutation deletes a queue entry after a successful drain or an
// administrative skip.
func (r *Repository) RemoveMutation(id string) error {
	result, err := r.db.Exec("DELETE FROM mutation_queue WHERE id = ?", id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// IncrementMutationRetry bumps the retry counter of a queue entry.
func (r *Repository) IncrementMutationRetry(id string) error {
	result, err := r.db.Exec("UPDATE mutation_queue SET retry_count = retry_count + 1 WHERE id = ?", id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MutationCount returns the number of queued entries, parked ones included.
func (r *Repository) MutationCount() (int, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM mutation_queue").Scan(&count)
	return count, err
}

// ClearMutations removes every queue entry.
func (r *Repository) ClearMutations() error {
	_, err := r.db.Exec("DELETE FROM mutation_queue")
	return err
}

// ResetExhaustedMutations zeroes the retry counter of entries at or above
// the given ceiling so the next drain picks them up again. Returns how
// many entries were reset.
func (r *Repository) ResetExhaustedMutations(ceiling int) (int, error) {
	result, err := r.db.Exec("UPDATE mutation_queue SET retry_count = 0 WHERE retry_count >= ?", ceiling)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// =====================================================
// Metadata Operations
// =====================================================

// GetMetadata returns the value for key, or "" when the key is absent.
func (r *Repository) GetMetadata(key string) (string, error) {
	var value string
	err := r.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetMetadata upserts a metadata key.
func (r *Repository) SetMetadata(key, value string) error {
	query := `
	INSERT INTO metadata (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	_, err := r.db.Exec(query, key, value)
	return err
}

// GetWatermark reads a millisecond-timestamp metadata key. Absent keys
// read as zero, i.e. "never".
func (r *Repository) GetWatermark(key string) (int64, error) {
	value, err := r.GetMetadata(key)
	if err != nil {
		return 0, err
	}
	if value == "" {
		return 0, nil
	}
	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt watermark %s: %w", key, err)
	}
	return ts, nil
}

// SetWatermark writes a millisecond-timestamp metadata key.
func (r *Repository) SetWatermark(key string, ts int64) error {
	return r.SetMetadata(key, strconv.FormatInt(ts, 10))
}
