// Package offline tests for the preparation sequence.
package offline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/tutordesk/tutordesk/client/internal/errors"
	"github.com/tutordesk/tutordesk/client/internal/models"
	"github.com/tutordesk/tutordesk/client/internal/store"
	enginesync "github.com/tutordesk/tutordesk/client/internal/sync"
)

type mockRemote struct {
	fetchErr error
}

func (m *mockRemote) FetchAll(ctx context.Context, t models.EntityType) ([]*models.Record, error) {
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return nil, nil
}

func (m *mockRemote) Create(ctx context.Context, t models.EntityType, rec *models.Record) (*models.Record, error) {
	return rec, nil
}

func (m *mockRemote) Update(ctx context.Context, t models.EntityType, id string, rec *models.Record) (*models.Record, error) {
	return rec, nil
}

func (m *mockRemote) Delete(ctx context.Context, t models.EntityType, id string) error {
	return nil
}

type mockWarmer struct {
	err   error
	delay time.Duration
	calls int
}

func (w *mockWarmer) WarmModules(ctx context.Context) error {
	w.calls++
	if w.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.delay):
		}
	}
	return w.err
}

type mockCache struct {
	pages []string
	urls  []string
	err   error
}

func (c *mockCache) CachePages(ctx context.Context, paths []string) error {
	if c.err != nil {
		return c.err
	}
	c.pages = append(c.pages, paths...)
	return nil
}

func (c *mockCache) CacheURLs(ctx context.Context, urls []string) error {
	if c.err != nil {
		return c.err
	}
	c.urls = append(c.urls, urls...)
	return nil
}

func newTestRepo(t *testing.T) *store.Repository {
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
	return repo
}

// newTestManager takes the host interfaces, not the mock types, so a nil
// argument stays a nil interface and the skip paths are really exercised.
func newTestManager(t *testing.T, svc *mockRemote, warmer CodeWarmer, cache CacheService, cfg Config) (*Manager, *store.Repository) {
	t.Helper()
	repo := newTestRepo(t)
	dl := enginesync.NewDownloader(repo, svc)
	return NewManager(repo, dl, warmer, cache, cfg), repo
}

func TestPrepare_success(t *testing.T) {
	warmer := &mockWarmer{}
	cache := &mockCache{}
	m, _ := newTestManager(t, &mockRemote{}, warmer, cache, Config{
		Pages:  []string{"/", "/students"},
		Assets: []string{"/static/app.js"},
	})

	var steps []string
	m.SetOnStep(func(step string, status StepStatus, err error) {
		if status == StepDone {
			steps = append(steps, step)
		}
	})

	if err := m.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	if warmer.calls != 1 {
		t.Errorf("warmer calls = %d, want 1", warmer.calls)
	}
	if len(cache.pages) != 2 {
		t.Errorf("cached pages = %d, want 2", len(cache.pages))
	}
	if len(cache.urls) != 1 {
		t.Errorf("cached assets = %d, want 1", len(cache.urls))
	}

	if len(steps) != len(Steps) {
		t.Fatalf("completed steps = %v, want %v", steps, Steps)
	}
	for i, want := range Steps {
		if steps[i] != want {
			t.Errorf("steps[%d] = %s, want %s", i, steps[i], want)
		}
	}

	ready, preparedAt, err := m.Ready()
	if err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if !ready {
		t.Error("readiness not recorded after a full run")
	}
	if preparedAt.IsZero() {
		t.Error("prepared_at not recorded")
	}
}

func TestPrepare_announcesPendingSteps(t *testing.T) {
	m, _ := newTestManager(t, &mockRemote{}, &mockWarmer{}, &mockCache{}, Config{})

	type event struct {
		step   string
		status StepStatus
	}
	var events []event
	m.SetOnStep(func(step string, status StepStatus, err error) {
		events = append(events, event{step, status})
	})

	if err := m.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	// The whole queue is announced as pending before any step starts.
	if len(events) < len(Steps) {
		t.Fatalf("events = %d, want at least %d", len(events), len(Steps))
	}
	for i, want := range Steps {
		if events[i].step != want || events[i].status != StepPending {
			t.Errorf("events[%d] = %s/%s, want %s/pending", i, events[i].step, events[i].status, want)
		}
	}
	if events[len(Steps)].status != StepLoading {
		t.Errorf("first post-announce status = %s, want loading", events[len(Steps)].status)
	}
}

func TestPrepare_reportsDownloadProgress(t *testing.T) {
	m, _ := newTestManager(t, &mockRemote{}, nil, nil, Config{})

	var updates []enginesync.Progress
	m.SetOnProgress(func(p enginesync.Progress) {
		updates = append(updates, p)
	})

	if err := m.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	if len(updates) != len(models.AllEntityTypes) {
		t.Fatalf("progress updates = %d, want %d", len(updates), len(models.AllEntityTypes))
	}
	for i, p := range updates {
		if p.CurrentIndex != i+1 {
			t.Errorf("updates[%d].CurrentIndex = %d, want %d", i, p.CurrentIndex, i+1)
		}
		if p.Label != string(models.AllEntityTypes[i]) {
			t.Errorf("updates[%d].Label = %s, want %s", i, p.Label, models.AllEntityTypes[i])
		}
	}
}

func TestPrepare_abortsOnFirstFailure(t *testing.T) {
	warmer := &mockWarmer{}
	cache := &mockCache{err: fmt.Errorf("cache storage full")}
	svc := &mockRemote{}
	m, repo := newTestManager(t, svc, warmer, cache, Config{Pages: []string{"/"}})

	var failed string
	m.SetOnStep(func(step string, status StepStatus, err error) {
		if status == StepError {
			failed = step
		}
	})

	err := m.Prepare(context.Background())
	if !errors.Is(err, errors.ErrPrepareFailed) {
		t.Fatalf("Prepare() error = %v, want OFFLINE_PREPARE_FAILED", err)
	}
	if failed != StepCachePages {
		t.Errorf("failed step = %s, want %s", failed, StepCachePages)
	}

	// Readiness must not be recorded
	value, err := repo.GetMetadata(store.MetaOfflineReady)
	if err != nil {
		t.Fatalf("GetMetadata() error = %v", err)
	}
	if value != "" {
		t.Errorf("readiness flag = %q, want unset", value)
	}
}

func TestPrepare_downloadFailure(t *testing.T) {
	svc := &mockRemote{fetchErr: fmt.Errorf("server unavailable")}
	m, repo := newTestManager(t, svc, nil, nil, Config{})

	err := m.Prepare(context.Background())
	if !errors.Is(err, errors.ErrPrepareFailed) {
		t.Fatalf("Prepare() error = %v, want OFFLINE_PREPARE_FAILED", err)
	}

	ready, _, err := m.Ready()
	if err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if ready {
		t.Error("readiness recorded despite failed download")
	}
	_ = repo
}

func TestPrepare_stepTimeout(t *testing.T) {
	warmer := &mockWarmer{delay: time.Second}
	m, _ := newTestManager(t, &mockRemote{}, warmer, nil, Config{
		StepTimeout: 10 * time.Millisecond,
	})

	err := m.Prepare(context.Background())
	if !errors.Is(err, errors.ErrPrepareFailed) {
		t.Fatalf("Prepare() error = %v, want OFFLINE_PREPARE_FAILED", err)
	}
}

func TestPrepare_skipsNilHost(t *testing.T) {
	// No warmer and no cache: only the data download runs
	m, _ := newTestManager(t, &mockRemote{}, nil, nil, Config{})

	if err := m.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	ready, _, err := m.Ready()
	if err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if !ready {
		t.Error("readiness not recorded")
	}
}

func TestReady_unprepared(t *testing.T) {
	m, _ := newTestManager(t, &mockRemote{}, nil, nil, Config{})

	ready, _, err := m.Ready()
	if err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if ready {
		t.Error("fresh store reported ready")
	}
}
