package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/scrypster/recall/internal/app"
	"github.com/scrypster/recall/internal/backup"
	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/internal/evolution"
	"github.com/scrypster/recall/internal/notify"
	"github.com/scrypster/recall/internal/server"
	"github.com/scrypster/recall/pkg/types"
	"github.com/scrypster/recall/web/handlers"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := handlers.NewWebSocketHub(server.Origins(cfg)...)
	publishers := engine.Publishers{hub, notify.NewPublisher(cfg.Server.NotifyDir)}

	a, err := app.Open(ctx, cfg, publishers)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}
	defer a.Close()

	// Start background evolution, decay and cache maintenance
	if err := a.Engine.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	backups, err := backupScheduler(cfg)
	if err != nil {
		log.Fatalf("Failed to configure backups: %v", err)
	}
	if err := backups.Start(ctx); err != nil {
		log.Fatalf("Failed to start backups: %v", err)
	}

	// Requests dropped by the CLI while the server runs
	watcher := notify.NewEventWatcher(cfg.Server.NotifyDir, func(ev notify.Event) {
		handleRequest(ctx, a.Engine, ev)
	})
	if err := watcher.Start(); err != nil {
		log.Printf("WARNING: request watcher disabled: %v", err)
		watcher = nil
	}

	srv, err := server.Start(ctx, cfg, a.Engine, hub)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")

	if watcher != nil {
		watcher.Stop()
	}
	srv.Shutdown()
	if err := backups.Stop(context.Background()); err != nil {
		log.Printf("Error stopping backups: %v", err)
	}

	// Stop background jobs before the store closes
	if err := a.Engine.Shutdown(context.Background()); err != nil {
		log.Printf("Error shutting down engine: %v", err)
	}
	cancel()
}

// backupScheduler returns a scheduler that backs up the SQLite database
// every Backup.Interval. With no interval it has no jobs.
func backupScheduler(cfg *config.Config) (*evolution.Scheduler, error) {
	if cfg.Backup.Interval <= 0 {
		return evolution.NewScheduler(0), nil
	}
	svc, err := backup.New(cfg.Backups())
	if err != nil {
		return nil, err
	}
	log.Printf("Backups enabled: interval=%v, dir=%s", cfg.Backup.Interval, svc.Dir())
	return evolution.NewScheduler(cfg.Backup.Interval, evolution.Job{
		Name:     "backup",
		Interval: cfg.Backup.Interval,
		Run: func(ctx context.Context) error {
			result, err := svc.Run(ctx)
			if err != nil {
				return err
			}
			log.Printf("Backup completed: path=%s, size=%d bytes, duration=%v, verified=%v",
				result.Path, result.Size, result.Duration, result.Verified)
			return nil
		},
	}), nil
}

// handleRequest applies one request file written by the CLI.
func handleRequest(ctx context.Context, eng *engine.Engine, ev notify.Event) {
	switch ev.Type {
	case notify.RequestInvalidateCache:
		removed, err := eng.InvalidateCache(ctx, ev.Target)
		if err != nil {
			log.Printf("WARNING: invalidate request %q rejected: %v", ev.Target, err)
			return
		}
		log.Printf("Invalidated %d cache entries (scope %q)", removed, ev.Target)

	case notify.RequestEvolve:
		categories := types.Categories
		if target := strings.TrimSpace(ev.Target); target != "" && target != "all" {
			categories = []types.Category{types.Category(target)}
		}
		for _, c := range categories {
			snap, err := eng.EvolveCategory(ctx, c, nil)
			switch {
			case err == nil, errors.Is(err, types.ErrInsufficientData):
				log.Printf("Evolved %s: %s", c, snap.Outcome)
			default:
				log.Printf("WARNING: evolve request for %s failed: %v", c, err)
			}
		}

	default:
		log.Printf("WARNING: ignoring unknown request type %q", ev.Type)
	}
}
