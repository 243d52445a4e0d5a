// Package app wires configuration into a ready engine: the durable store,
// the query cache tiers and the embedding provider.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/embedding"
	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/internal/querycache"
	"github.com/scrypster/recall/internal/querycache/badgertier"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/internal/storage/postgres"
	"github.com/scrypster/recall/internal/storage/sqlite"
)

// App owns the engine and the resources behind it.
type App struct {
	Engine *engine.Engine
	Store  storage.Store

	closers []io.Closer
}

// Open builds the store, cache and embedder named by cfg and composes the
// engine. pub receives engine events and may be nil. Background jobs are
// not started; call Engine.Start for that.
func Open(ctx context.Context, cfg *config.Config, pub engine.Publisher) (*App, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Store: store, closers: []io.Closer{store}}

	persistent, err := a.openCacheTier(cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	cache, err := querycache.New(cfg.QueryCache(), persistent, store)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	embedder, err := embedding.New(cfg.EmbeddingProvider())
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("embedding: %w", err)
	}
	if embedder == nil {
		log.Println("WARNING: no embedding provider configured; search runs text-only")
	}

	eng, err := engine.New(store, cfg.Engine(), engine.Options{
		Cache:     cache,
		Keys:      cfg.KeyBuilder(),
		Embedder:  embedder,
		Publisher: pub,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Engine = eng
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Engine {
	case config.EnginePostgres:
		store, err := postgres.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return store, nil
	default:
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := sqlite.Open(ctx, cfg.SQLitePath())
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	}
}

// openCacheTier returns the persistent cache tier, or nil for a fast-tier
// only cache.
func (a *App) openCacheTier(cfg *config.Config) (querycache.PersistentTier, error) {
	switch cfg.Cache.Backend {
	case config.CacheNone:
		return nil, nil
	case config.CacheBadger:
		tier, err := badgertier.Open(badgertier.Options{Dir: cfg.Cache.BadgerDir})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, tier)
		return tier, nil
	default:
		// sqlite and postgres keep cache entries next to the records.
		return a.Store, nil
	}
}

// Close releases everything Open acquired, most recent first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
