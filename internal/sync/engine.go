// Package sync orchestrates the offline-first engine: it drains the
// outbound mutation queue to the remote service, refreshes the local
// replica with full downloads, and surfaces status, progress and conflict
// events to the UI layer.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"

	"github.com/tutordesk/tutordesk/client/internal/errors"
	"github.com/tutordesk/tutordesk/client/internal/logging"
	"github.com/tutordesk/tutordesk/client/internal/models"
	"github.com/tutordesk/tutordesk/client/internal/remote"
	"github.com/tutordesk/tutordesk/client/internal/store"
	"github.com/tutordesk/tutordesk/client/internal/sync/conflict"
	"github.com/tutordesk/tutordesk/client/internal/sync/queue"
)

// Engine coordinates queue drains and full downloads. At most one sync
// pass runs at a time; a second caller gets ErrSyncInProgress immediately
// instead of queueing behind the first.
type Engine struct {
	repo       *store.Repository
	remote     remote.Service
	monitor    remote.Monitor
	queue      *queue.Queue
	downloader *Downloader
	conflicts  *conflict.Manager

	statuses *statusHub
	progress *progressHub

	mu      gosync.Mutex
	syncing bool
	status  Status
}

// NewEngine wires the engine over an open repository.
func NewEngine(repo *store.Repository, svc remote.Service, monitor remote.Monitor) *Engine {
	e := &Engine{
		repo:       repo,
		remote:     svc,
		monitor:    monitor,
		queue:      queue.New(repo),
		downloader: NewDownloader(repo, svc),
		conflicts:  conflict.NewManager(repo, svc),
		statuses:   newStatusHub(),
		progress:   newProgressHub(),
		status:     StatusIdle,
	}
	e.conflicts.SetOnCount(e.onConflictCount)
	return e
}

// Queue exposes the mutation queue for callers that manage entries
// directly (administrative skips, parked-entry recovery).
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// Start performs an initial sync pass if the device is online and re-runs
// one on every offline-to-online transition. Runs until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	unsubscribe := e.monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		go func() {
			if err := e.DrainNow(ctx); err != nil && !errors.Is(err, errors.ErrSyncInProgress) {
				logging.Warn("Reconnect sync failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	})

	if e.monitor.Online() {
		if err := e.DrainNow(ctx); err != nil && !errors.Is(err, errors.ErrSyncInProgress) {
			logging.Warn("Initial sync failed", map[string]interface{}{"error": err.Error()})
		}
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
}

// DrainNow runs one full sync pass: push every pending mutation in
// enqueue order, then refresh the local replica with a full download.
// Returns ErrSyncOffline without touching the queue when the device is
// offline and ErrSyncInProgress when a pass is already running.
func (e *Engine) DrainNow(ctx context.Context) error {
	if !e.monitor.Online() {
		return errors.New(errors.ErrSyncOffline, "device is offline")
	}

	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return errors.New(errors.ErrSyncInProgress, "sync already running")
	}
	e.syncing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	e.setStatus(StatusSyncing)

	if err := e.drainQueue(ctx); err != nil {
		e.setStatus(StatusError)
		return err
	}

	if err := e.downloader.DownloadAll(ctx); err != nil {
		e.setStatus(StatusError)
		return err
	}

	e.setStatus(e.restingStatus())
	return nil
}

// drainQueue pushes pending mutations one at a time, oldest first. A
// failed entry has its retry counter bumped and the drain moves on; an
// entry at the retry ceiling is skipped without another attempt. Only a
// queue read failure aborts the drain.
func (e *Engine) drainQueue(ctx context.Context) error {
	pending, err := e.queue.ListPending()
	if err != nil {
		return errors.Wrap(errors.ErrSyncFailed, "listing pending mutations", err)
	}
	if len(pending) == 0 {
		return nil
	}

	logging.Info("Draining mutation queue", map[string]interface{}{"pending": len(pending)})

	pushed, failed, parked := 0, 0, 0
	for _, m := range pending {
		if e.queue.Exhausted(m) {
			parked++
			logging.Debug("Skipping parked mutation", map[string]interface{}{
				"mutation_id": m.ID,
				"retry_count": m.RetryCount,
			})
			continue
		}

		if err := e.applyMutation(ctx, m); err != nil {
			failed++
			logging.Warn("Mutation push failed", map[string]interface{}{
				"mutation_id": m.ID,
				"kind":        m.Kind,
				"entity_type": m.EntityType,
				"retry_count": m.RetryCount + 1,
				"error":       err.Error(),
			})
			if rerr := e.queue.IncrementRetry(string(m.ID)); rerr != nil {
				return errors.Wrap(errors.ErrSyncFailed, "recording retry", rerr)
			}
			continue
		}

		if err := e.queue.Remove(string(m.ID)); err != nil {
			return errors.Wrap(errors.ErrSyncFailed, "removing pushed mutation", err)
		}
		pushed++
	}

	logging.Info("Queue drain finished", map[string]interface{}{
		"pushed": pushed,
		"failed": failed,
		"parked": parked,
	})
	return nil
}

// applyMutation replays one queued write against the remote service.
func (e *Engine) applyMutation(ctx context.Context, m *models.Mutation) error {
	switch m.Kind {
	case models.MutationCreate:
		rec, err := models.RecordFromJSON(m.Payload)
		if err != nil {
			return err
		}
		_, err = e.remote.Create(ctx, m.EntityType, rec)
		return err
	case models.MutationUpdate:
		rec, err := models.RecordFromJSON(m.Payload)
		if err != nil {
			return err
		}
		_, err = e.remote.Update(ctx, m.EntityType, string(rec.ID), rec)
		return err
	case models.MutationDelete:
		var ref struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(m.Payload, &ref); err != nil {
			return fmt.Errorf("malformed delete payload: %w", err)
		}
		return e.remote.Delete(ctx, m.EntityType, ref.ID)
	default:
		return fmt.Errorf("unknown mutation kind: %s", m.Kind)
	}
}

// DownloadNow refreshes the local replica without draining the queue,
// reporting per-type progress to subscribed listeners.
func (e *Engine) DownloadNow(ctx context.Context) error {
	if !e.monitor.Online() {
		return errors.New(errors.ErrSyncOffline, "device is offline")
	}

	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return errors.New(errors.ErrSyncInProgress, "sync already running")
	}
	e.syncing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	e.setStatus(StatusSyncing)
	err := e.downloader.DownloadAllWithProgress(ctx, e.progress.notify)
	if err != nil {
		e.setStatus(StatusError)
		return err
	}
	e.setStatus(e.restingStatus())
	return nil
}

// DetectConflicts compares local and remote copies of every entity and
// returns the resulting conflict set.
func (e *Engine) DetectConflicts(ctx context.Context) ([]*models.ConflictItem, error) {
	return e.conflicts.Detect(ctx)
}

// Conflicts returns the current conflict set.
func (e *Engine) Conflicts() []*models.ConflictItem {
	return e.conflicts.Items()
}

// ResolveConflict closes out one conflict with the given choice.
func (e *Engine) ResolveConflict(ctx context.Context, id string, choice conflict.Choice) error {
	return e.conflicts.Resolve(ctx, id, choice)
}

// ResolveAllConflicts applies one choice to every pending conflict.
func (e *Engine) ResolveAllConflicts(ctx context.Context, choice conflict.Choice) (int, error) {
	return e.conflicts.ResolveAll(ctx, choice)
}

// Status returns the current orchestrator state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Pending returns the number of queued mutations.
func (e *Engine) Pending() (int, error) {
	return e.queue.Count()
}

// OnStatusChange registers a status listener.
func (e *Engine) OnStatusChange(l StatusListener) Unsubscribe {
	return e.statuses.subscribe(l)
}

// OnConflictsChange registers a conflict-set listener.
func (e *Engine) OnConflictsChange(l ConflictListener) Unsubscribe {
	return e.conflicts.Subscribe(conflict.Listener(l))
}

// OnDownloadProgress registers a download progress listener.
func (e *Engine) OnDownloadProgress(l ProgressListener) Unsubscribe {
	return e.progress.subscribe(l)
}

// restingStatus is the state to settle into after a successful pass:
// conflict while any conflicts are pending, idle otherwise.
func (e *Engine) restingStatus() Status {
	if e.conflicts.Count() > 0 {
		return StatusConflict
	}
	return StatusIdle
}

// onConflictCount flips between conflict and idle as the set changes.
// A running sync pass keeps its syncing status; it settles on finish.
func (e *Engine) onConflictCount(count int) {
	e.mu.Lock()
	busy := e.syncing
	e.mu.Unlock()
	if busy {
		return
	}
	if count > 0 {
		e.setStatus(StatusConflict)
	} else {
		e.setStatus(StatusIdle)
	}
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	changed := e.status != s
	e.status = s
	e.mu.Unlock()
	if !changed {
		return
	}

	pending, err := e.queue.Count()
	if err != nil {
		pending = -1
	}
	e.statuses.notify(s, pending)
}
