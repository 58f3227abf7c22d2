// Package conflict detects entities modified on both sides since the last
// sync watermark and lets the caller resolve each pair by choosing the
// local or remote version. Resolution is whole-record: no field-level
// merge is attempted, because the data model carries no per-field
// provenance to merge on.
package conflict

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tutordesk/tutordesk/client/internal/errors"
	"github.com/tutordesk/tutordesk/client/internal/logging"
	"github.com/tutordesk/tutordesk/client/internal/models"
	"github.com/tutordesk/tutordesk/client/internal/remote"
	"github.com/tutordesk/tutordesk/client/internal/store"
)

// Choice selects which version wins a conflict.
type Choice string

const (
	ChoiceLocal  Choice = "local"
	ChoiceRemote Choice = "remote"
)

// Valid reports whether c names a known choice.
func (c Choice) Valid() bool {
	return c == ChoiceLocal || c == ChoiceRemote
}

// Listener receives the current conflict set whenever it changes.
type Listener func(items []*models.ConflictItem)

// Manager holds the in-memory conflict set for one resolution session.
// The set is replaced wholesale on every Detect and shrinks one item at a
// time as conflicts are resolved; it is never persisted.
type Manager struct {
	repo   *store.Repository
	remote remote.Service

	mu     sync.Mutex
	items  map[string]*models.ConflictItem // keyed by entity id
	nextID int
	subs   map[int]Listener

	// onCount is invoked with the set size after every change; the
	// orchestrator uses it to flip between conflict and idle status.
	onCount func(count int)
}

// NewManager creates a Manager.
func NewManager(repo *store.Repository, svc remote.Service) *Manager {
	return &Manager{
		repo:   repo,
		remote: svc,
		items:  make(map[string]*models.ConflictItem),
		subs:   make(map[int]Listener),
	}
}

// SetOnCount registers the set-size callback. Must be called before the
// manager is shared across goroutines.
func (m *Manager) SetOnCount(fn func(count int)) {
	m.onCount = fn
}

// Subscribe registers a conflict-set listener and returns its unsubscribe.
func (m *Manager) Subscribe(l Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = l
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Detect compares local and remote copies of every entity and replaces the
// in-memory conflict set with the result. A pair is a conflict only when a
// local copy exists, both sides were touched after the last sync
// watermark, the timestamps differ, and the content actually differs
// (a timestamp mismatch over identical content is not a conflict).
// A fetch failure on one entity type skips that type and continues.
func (m *Manager) Detect(ctx context.Context) ([]*models.ConflictItem, error) {
	lastSync, err := m.repo.GetWatermark(store.MetaLastSync)
	if err != nil {
		return nil, errors.Wrap(errors.ErrSyncFailed, "reading sync watermark", err)
	}

	now := time.Now().UnixMilli()
	detected := make(map[string]*models.ConflictItem)

	for _, t := range models.AllEntityTypes {
		remoteRecs, err := m.remote.FetchAll(ctx, t)
		if err != nil {
			logging.Warn("Conflict detection skipped entity type", map[string]interface{}{
				"entity_type": t,
				"error":       err.Error(),
			})
			continue
		}

		for _, rr := range remoteRecs {
			local, err := m.repo.GetRecord(t, string(rr.ID))
			if stderrors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return nil, errors.Wrap(errors.ErrDatabase, fmt.Sprintf("reading local %s", t), err)
			}

			if !isConflict(local, rr, lastSync) {
				continue
			}

			detected[string(rr.ID)] = &models.ConflictItem{
				ID:              rr.ID,
				EntityType:      t,
				Local:           local,
				Remote:          rr,
				LocalUpdatedAt:  local.UpdatedAt,
				RemoteUpdatedAt: rr.UpdatedAt,
				DetectedAt:      now,
			}
		}
	}

	m.mu.Lock()
	m.items = detected
	items := m.snapshotLocked()
	m.mu.Unlock()

	if len(items) > 0 {
		logging.Warn("Conflicts detected", map[string]interface{}{"count": len(items)})
	}
	m.broadcast(items)
	return items, nil
}

// isConflict applies the detection conditions against the watermark.
func isConflict(local, remote *models.Record, lastSync int64) bool {
	if local == nil || remote == nil {
		return false
	}
	if local.UpdatedAt <= lastSync || remote.UpdatedAt <= lastSync {
		return false
	}
	if local.UpdatedAt == remote.UpdatedAt {
		return false
	}
	return local.Fingerprint() != remote.Fingerprint()
}

// Resolve closes out one conflict. Choosing local pushes the local version
// to the server with an immediate update call, bypassing the mutation
// queue; choosing remote overwrites the local table row. The item is
// removed from the set only after the chosen side's write succeeds.
func (m *Manager) Resolve(ctx context.Context, id string, choice Choice) error {
	if !choice.Valid() {
		return errors.New(errors.ErrInvalid, fmt.Sprintf("unknown resolution choice: %s", choice))
	}

	m.mu.Lock()
	item, ok := m.items[id]
	m.mu.Unlock()
	if !ok {
		return errors.New(errors.ErrConflictNotFound, fmt.Sprintf("no pending conflict for %s", id))
	}

	switch choice {
	case ChoiceLocal:
		if _, err := m.remote.Update(ctx, item.EntityType, id, item.Local); err != nil {
			return errors.Wrap(errors.ErrConflictUnresolved,
				fmt.Sprintf("pushing local %s %s", item.EntityType, id), err)
		}
	case ChoiceRemote:
		if err := m.repo.SaveRecord(item.EntityType, item.Remote); err != nil {
			return errors.Wrap(errors.ErrConflictUnresolved,
				fmt.Sprintf("saving remote %s %s", item.EntityType, id), err)
		}
	}

	m.mu.Lock()
	delete(m.items, id)
	items := m.snapshotLocked()
	m.mu.Unlock()

	logging.Info("Conflict resolved", map[string]interface{}{
		"entity_id":   id,
		"entity_type": item.EntityType,
		"choice":      choice,
	})
	m.broadcast(items)
	return nil
}

// ResolveAll applies the same choice to every pending conflict,
// sequentially, not atomically: a failure partway through leaves earlier
// items resolved and later ones pending, and the caller must re-inspect
// the set. Returns how many items were resolved.
func (m *Manager) ResolveAll(ctx context.Context, choice Choice) (int, error) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	resolved := 0
	for _, id := range ids {
		if err := m.Resolve(ctx, id, choice); err != nil {
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

// Items returns a copy of the current conflict set, ordered by entity id.
func (m *Manager) Items() []*models.ConflictItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Count returns the size of the current conflict set.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Manager) snapshotLocked() []*models.ConflictItem {
	items := make([]*models.ConflictItem, 0, len(m.items))
	for _, item := range m.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func (m *Manager) broadcast(items []*models.ConflictItem) {
	m.mu.Lock()
	listeners := make([]Listener, 0, len(m.subs))
	for _, l := range m.subs {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(items)
	}
	if m.onCount != nil {
		m.onCount(len(items))
	}
}
