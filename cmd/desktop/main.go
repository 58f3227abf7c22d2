// Package main runs the TutorDesk desktop engine: the local replica and
// sync engine behind a localhost REST/WebSocket API for the desktop shell.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/tutordesk/tutordesk/client/cmd/desktop/handlers"
	"github.com/tutordesk/tutordesk/client/internal/backup"
	"github.com/tutordesk/tutordesk/client/internal/config"
	"github.com/tutordesk/tutordesk/client/internal/logging"
	"github.com/tutordesk/tutordesk/client/internal/models"
	"github.com/tutordesk/tutordesk/client/internal/offline"
	"github.com/tutordesk/tutordesk/client/internal/remote"
	"github.com/tutordesk/tutordesk/client/internal/store"
	enginesync "github.com/tutordesk/tutordesk/client/internal/sync"
)

func main() {
	// .env is optional; real deployments configure via the environment
	_ = godotenv.Load()

	cfg := config.Load()
	logging.Init(os.Stdout, logging.LogLevel(strings.ToUpper(cfg.LogLevel)))

	if err := run(cfg); err != nil {
		logging.Error("Engine exited", err, nil)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.Migrate(db.DB); err != nil {
		return err
	}

	repo := store.NewRepository(db)
	defer repo.Close()

	client := remote.NewClient(remote.ClientConfig{
		BaseURL:           cfg.RemoteBaseURL,
		Token:             cfg.APIToken,
		Timeout:           cfg.RemoteTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})

	monitor := remote.NewProbeMonitor(cfg.ProbeURL, cfg.ProbeInterval)
	go monitor.Start(ctx)

	engine := enginesync.NewEngine(repo, client, monitor)
	backupSvc := backup.NewService(repo)
	offlineMgr := offline.NewManager(repo, enginesync.NewDownloader(repo, client), nil, nil, offline.Config{
		Pages:  cfg.OfflinePages,
		Assets: cfg.OfflineAssets,
	})

	hub := NewWSHub()
	wireEvents(hub, engine, monitor, offlineMgr)

	engine.Start(ctx)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"tutordesk-desktop"}`))
	})
	router.Get("/ws", hub.ServeWS)

	router.Route("/api/entities", handlers.NewEntityHandler(repo, engine).Routes)
	router.Route("/api/sync", handlers.NewSyncHandler(engine).Routes)
	router.Route("/api/backup", handlers.NewBackupHandler(backupSvc).Routes)
	router.Route("/api/offline", handlers.NewOfflineHandler(offlineMgr, monitor).Routes)

	server := &http.Server{
		Addr:    "localhost:" + cfg.Port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("TutorDesk desktop engine listening", map[string]interface{}{
			"addr":     server.Addr,
			"data_dir": cfg.DataDir,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logging.Info("TutorDesk desktop engine stopped", nil)
	return nil
}

// wireEvents forwards engine events to connected WebSocket clients.
func wireEvents(hub *WSHub, engine *enginesync.Engine, monitor remote.Monitor, offlineMgr *offline.Manager) {
	engine.OnStatusChange(func(status enginesync.Status, pending int) {
		hub.Broadcast(EventSyncStatus, map[string]interface{}{
			"status":  status,
			"pending": pending,
		})
	})

	engine.OnConflictsChange(func(items []*models.ConflictItem) {
		hub.Broadcast(EventSyncConflictsDetected, map[string]interface{}{
			"count": len(items),
			"items": items,
		})
	})

	engine.OnDownloadProgress(func(p enginesync.Progress) {
		hub.Broadcast(EventDownloadProgress, p)
	})

	monitor.Subscribe(func(online bool) {
		hub.Broadcast(EventConnectivityChanged, map[string]interface{}{"online": online})
	})

	offlineMgr.SetOnProgress(func(p enginesync.Progress) {
		hub.Broadcast(EventDownloadProgress, p)
	})

	offlineMgr.SetOnStep(func(step string, status offline.StepStatus, err error) {
		data := map[string]interface{}{
			"step":   step,
			"status": status,
		}
		if err != nil {
			data["error"] = err.Error()
		}
		hub.Broadcast(EventOfflineStep, data)
	})
}
