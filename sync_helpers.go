package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/tonimelisma/inbox-sync/internal/config"
	"github.com/tonimelisma/inbox-sync/internal/heartbeat"
	"github.com/tonimelisma/inbox-sync/internal/lock"
	isync "github.com/tonimelisma/inbox-sync/internal/sync"
)

// syncRuntime bundles everything a sync pass or worker needs. Close
// releases it in reverse order of construction.
type syncRuntime struct {
	store    *isync.Store
	beats    heartbeat.Store
	reporter *heartbeat.Reporter
	clients  *isync.ClientCache
	engine   *isync.Engine

	closers []func() error
}

// openStore opens the state database, creating its directories first.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*isync.Store, error) {
	for _, dir := range []string{cfg.Store.DataDir, filepath.Dir(cfg.Store.DBPath)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	return isync.OpenStore(ctx, cfg.Store.DBPath, logger)
}

// openHeartbeats returns the configured heartbeat backend and a closer for
// any connection it opened.
func openHeartbeats(ctx context.Context, cfg *config.HeartbeatConfig, store *isync.Store, logger *slog.Logger) (heartbeat.Store, func() error, error) {
	if cfg.Backend != config.BackendRedis {
		return store.Heartbeats(), func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}

	logger.Debug("heartbeats stored in redis", slog.String("addr", cfg.RedisAddr), slog.Int("db", cfg.RedisDB))

	return heartbeat.NewRedisStore(client), client.Close, nil
}

func engineLimits(cfg *config.Config) isync.EngineLimits {
	return isync.EngineLimits{
		SoftTimeBudget:    cfg.Sync.SoftTimeBudgetDuration(),
		InitialPageSize:   cfg.Sync.InitialPageSize,
		PageGrowthCeiling: cfg.Sync.PageGrowthCeiling,
		CommitRetries:     cfg.Sync.CommitRetries,
	}
}

func queueConfig(cfg *config.Config) isync.QueueConfig {
	return isync.QueueConfig{
		Workers:       cfg.Sync.Workers,
		HardTimeLimit: cfg.Sync.HardTimeLimitDuration(),
		RetryInterval: cfg.Sync.RetryIntervalDuration(),
		MaxAttempts:   cfg.Sync.MaxAttempts,
	}
}

func newClientCache(cfg *config.Config, logger *slog.Logger) *isync.ClientCache {
	return isync.NewClientCache(isync.ClientOptions{
		DataDir:           cfg.Store.DataDir,
		BaseURL:           cfg.Provider.BaseURL,
		HTTPClient:        &http.Client{Timeout: cfg.Provider.TimeoutDuration()},
		UserAgent:         cfg.Provider.UserAgent,
		RequestsPerSecond: cfg.Provider.RequestsPerSecond,
		Burst:             cfg.Provider.Burst,
		Logger:            logger,
	})
}

// newSources wires one Source per stream kind.
func newSources(store *isync.Store, clients *isync.ClientCache, logger *slog.Logger) map[isync.StreamKind]isync.Source {
	factory := clients.Factory()

	return map[isync.StreamKind]isync.Source{
		isync.StreamCalendars: isync.NewCalendarSource(factory, logger),
		isync.StreamEvents:    isync.NewEventSource(factory, store, logger),
		isync.StreamMessages:  isync.NewMessageFlagSource(store, logger),
		isync.StreamLabels:    isync.NewLabelSource(store, logger),
	}
}

// openRuntime builds the store, heartbeat reporter, provider clients and
// engine from the resolved config.
func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*syncRuntime, error) {
	rt := &syncRuntime{}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	rt.store = store
	rt.closers = append(rt.closers, store.Close)

	beats, closeBeats, err := openHeartbeats(ctx, &cfg.Heartbeat, store, logger)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	rt.beats = beats
	rt.closers = append(rt.closers, closeBeats)

	rt.reporter = heartbeat.NewReporter(beats, heartbeat.ReporterOptions{
		TTL:    cfg.Heartbeat.TTLDuration(),
		Buffer: cfg.Heartbeat.Buffer,
	}, logger)
	rt.closers = append(rt.closers, func() error {
		rt.reporter.Close()
		return nil
	})

	rt.clients = newClientCache(cfg, logger)

	rt.engine = isync.NewEngine(&isync.EngineConfig{
		Store:        rt.store,
		Sources:      newSources(rt.store, rt.clients, logger),
		Locker:       lock.NewDir(cfg.Store.LockDir),
		Reporter:     rt.reporter,
		Logger:       logger,
		EngineLimits: engineLimits(cfg),
	})

	return rt, nil
}

// Close flushes the reporter, then closes the heartbeat backend and store.
func (rt *syncRuntime) Close() error {
	var errs []error

	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	rt.closers = nil

	return errors.Join(errs...)
}
