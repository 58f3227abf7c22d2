// Package offline prepares the device for disconnected use: it warms the
// application's code modules, primes the page and asset caches, and pulls
// a complete copy of the server data, then records that the device is
// ready to run without a network.
package offline

import (
	"context"
	"strconv"
	"time"

	"github.com/tutordesk/tutordesk/client/internal/errors"
	"github.com/tutordesk/tutordesk/client/internal/logging"
	"github.com/tutordesk/tutordesk/client/internal/store"
	enginesync "github.com/tutordesk/tutordesk/client/internal/sync"
)

// DefaultStepTimeout bounds each preparation step. A step that has not
// finished by then counts as a failure.
const DefaultStepTimeout = 30 * time.Second

// StepStatus is the lifecycle of one preparation step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepLoading StepStatus = "loading"
	StepDone    StepStatus = "done"
	StepError   StepStatus = "error"
)

// Preparation step names, in run order.
const (
	StepWarmModules  = "warm_modules"
	StepCachePages   = "cache_pages"
	StepCacheAssets  = "cache_assets"
	StepDownloadData = "download_data"
)

// Steps lists the preparation steps in run order.
var Steps = []string{StepWarmModules, StepCachePages, StepCacheAssets, StepDownloadData}

// CodeWarmer preloads lazily-loaded application modules so first use
// works without the network. The host shell provides the implementation.
type CodeWarmer interface {
	WarmModules(ctx context.Context) error
}

// CacheService primes the host's offline caches with page shells and
// static assets.
type CacheService interface {
	CachePages(ctx context.Context, paths []string) error
	CacheURLs(ctx context.Context, urls []string) error
}

// StepListener receives step lifecycle updates during preparation.
type StepListener func(step string, status StepStatus, err error)

// Manager runs the offline preparation sequence.
type Manager struct {
	repo       *store.Repository
	downloader *enginesync.Downloader
	warmer     CodeWarmer
	cache      CacheService

	pages       []string
	assets      []string
	stepTimeout time.Duration
	onStep      StepListener
	onProgress  func(enginesync.Progress)
}

// Config holds offline preparation configuration.
type Config struct {
	Pages       []string // page shells to cache
	Assets      []string // static asset URLs to cache
	StepTimeout time.Duration
}

// NewManager creates a Manager. warmer and cache come from the host
// shell; either may be nil, in which case its step is skipped.
func NewManager(repo *store.Repository, dl *enginesync.Downloader, warmer CodeWarmer, cache CacheService, cfg Config) *Manager {
	timeout := cfg.StepTimeout
	if timeout == 0 {
		timeout = DefaultStepTimeout
	}
	return &Manager{
		repo:        repo,
		downloader:  dl,
		warmer:      warmer,
		cache:       cache,
		pages:       cfg.Pages,
		assets:      cfg.Assets,
		stepTimeout: timeout,
	}
}

// SetOnStep registers the step lifecycle listener. Must be called before
// Prepare.
func (m *Manager) SetOnStep(fn StepListener) {
	m.onStep = fn
}

// SetOnProgress registers the listener for per-type progress during the
// data download step. Must be called before Prepare.
func (m *Manager) SetOnProgress(fn func(enginesync.Progress)) {
	m.onProgress = fn
}

// Prepare runs the full preparation sequence. The first failing step
// aborts the run and the readiness flag is not set; a previously recorded
// readiness flag is left as-is, since earlier cached data is still
// usable. Only a run where every step succeeds records readiness.
func (m *Manager) Prepare(ctx context.Context) error {
	logging.Info("Offline preparation started", nil)

	steps := []struct {
		name string
		run  func(ctx context.Context) error
	}{
		{StepWarmModules, m.warmModules},
		{StepCachePages, m.cachePages},
		{StepCacheAssets, m.cacheAssets},
		{StepDownloadData, m.downloadData},
	}

	// Announce the queued steps up front so listeners can render the
	// full sequence before the first one starts.
	for _, step := range steps {
		m.notify(step.name, StepPending, nil)
	}

	for _, step := range steps {
		if err := m.runStep(ctx, step.name, step.run); err != nil {
			logging.Warn("Offline preparation aborted", map[string]interface{}{
				"step":  step.name,
				"error": err.Error(),
			})
			return errors.Wrap(errors.ErrPrepareFailed, step.name, err)
		}
	}

	if err := m.repo.SetMetadata(store.MetaOfflineReady, strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		return errors.Wrap(errors.ErrPrepareFailed, "recording readiness", err)
	}

	logging.Info("Offline preparation completed", nil)
	return nil
}

// Ready reports whether a full preparation run has ever completed, and
// when.
func (m *Manager) Ready() (bool, time.Time, error) {
	value, err := m.repo.GetMetadata(store.MetaOfflineReady)
	if err != nil {
		return false, time.Time{}, err
	}
	if value == "" {
		return false, time.Time{}, nil
	}
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return false, time.Time{}, err
	}
	return true, time.UnixMilli(millis), nil
}

func (m *Manager) runStep(ctx context.Context, name string, run func(ctx context.Context) error) error {
	m.notify(name, StepLoading, nil)

	stepCtx, cancel := context.WithTimeout(ctx, m.stepTimeout)
	defer cancel()

	if err := run(stepCtx); err != nil {
		m.notify(name, StepError, err)
		return err
	}
	m.notify(name, StepDone, nil)
	return nil
}

func (m *Manager) warmModules(ctx context.Context) error {
	if m.warmer == nil {
		return nil
	}
	return m.warmer.WarmModules(ctx)
}

func (m *Manager) cachePages(ctx context.Context) error {
	if m.cache == nil || len(m.pages) == 0 {
		return nil
	}
	return m.cache.CachePages(ctx, m.pages)
}

func (m *Manager) cacheAssets(ctx context.Context) error {
	if m.cache == nil || len(m.assets) == 0 {
		return nil
	}
	return m.cache.CacheURLs(ctx, m.assets)
}

func (m *Manager) downloadData(ctx context.Context) error {
	return m.downloader.DownloadAllWithProgress(ctx, m.onProgress)
}

func (m *Manager) notify(step string, status StepStatus, err error) {
	if m.onStep == nil {
		return
	}
	m.onStep(step, status, err)
}
