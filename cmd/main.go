package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/okian/slotrank/internal/adapters/cache"
	"github.com/okian/slotrank/internal/adapters/http/api"
	"github.com/okian/slotrank/internal/adapters/http/swagger"
	"github.com/okian/slotrank/internal/adapters/store"
	service "github.com/okian/slotrank/internal/app"
	"github.com/okian/slotrank/internal/config"
	"github.com/okian/slotrank/pkg/logger"
	"github.com/okian/slotrank/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout               = 10 * time.Second
	writeTimeout              = 10 * time.Second
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	nanosecondsPerMillisecond = 1e6
)

func main() {
	// Our registry carries its own system gauges.
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Get().Error(ctx, "slotrank exited", logger.Error(err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := logger.Get()

	// defaults -> optional file -> env
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error(ctx, "store close failed", logger.Error(err))
		}
	}()

	rc, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rc.Close(); err != nil {
			log.Error(ctx, "cache close failed", logger.Error(err))
		}
	}()

	svc := newService(cfg, st, rc)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	defer svc.Stop()

	metrics.Configure(
		metrics.WithMetricsEnabled(cfg.MetricsEnabled),
		metrics.WithRefreshInterval(cfg.MetricsRefresh()),
	)
	if metrics.Enabled() {
		go startSystemMetricsUpdater(ctx)
		go startServiceMetricsUpdater(ctx, svc)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newHandler(ctx, svc),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server",
			logger.String("addr", cfg.Addr),
			logger.String("store", cfg.StoreDriver),
			logger.String("cache", cfg.CacheDriver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}
	log.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	log.Info(ctx, "server stopped")
	return nil
}

// openStore builds the configured submission store.
func openStore(cfg *config.Config) (store.Store, error) {
	opts := []store.Option{
		store.WithLockTimeout(cfg.LockTimeout()),
		store.WithPool(cfg.StoreMaxOpenConns, cfg.StoreMaxIdleConns, cfg.ConnMaxLifetime()),
	}
	switch cfg.StoreDriver {
	case config.StoreMemory:
		return store.NewMemoryStore(opts...), nil
	case config.StoreSQLite:
		st, err := store.OpenSQLite(cfg.StoreDSN, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return st, nil
	case config.StorePostgres, config.StoreMySQL:
		st, err := store.OpenGorm(cfg.StoreDriver, cfg.StoreDSN, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s store: %w", cfg.StoreDriver, err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("%w: unknown store_driver %q", config.ErrInvalidConfig, cfg.StoreDriver)
	}
}

// openCache builds the configured ranking cache. An unreachable Redis is
// logged, not fatal: the service runs degraded until it comes back.
func openCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	switch cfg.CacheDriver {
	case config.CacheMemory:
		return cache.NewTreapCache(ctx), nil
	case config.CacheRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rc := cache.NewRedisCache(client, cache.WithKey(cfg.RedisKey), cache.WithOwnedClient())
		if err := rc.Ping(ctx); err != nil {
			logger.Get().Warn(ctx, "redis not reachable at startup", logger.String("addr", cfg.RedisAddr), logger.Error(err))
		}
		return rc, nil
	default:
		return nil, fmt.Errorf("%w: unknown cache_driver %q", config.ErrInvalidConfig, cfg.CacheDriver)
	}
}

func newService(cfg *config.Config, st store.Store, rc cache.Cache) *service.Service {
	return service.New(st, rc,
		service.WithLogger(logger.Get().Named("service")),
		service.WithSlotWindow(cfg.SlotDuration()),
		service.WithSweepInterval(cfg.SweepInterval()),
		service.WithAllocationPolicy(cfg.AllocationPolicy),
		service.WithAllocateOnRead(cfg.AllocateOnRead),
		service.WithLeaderboardLimits(cfg.DefaultLeaderboardLimit, cfg.MaxLeaderboardLimit),
		service.WithRepairQueueSize(cfg.RepairQueueSize),
		service.WithRepairWorkers(cfg.RepairWorkers),
	)
}

// newHandler wires the business API and docs behind the request id middleware.
func newHandler(ctx context.Context, svc *service.Service) http.Handler {
	mux := http.NewServeMux()
	swagger.Register(ctx, mux)
	api.NewServer(svc).Register(ctx, mux)
	return api.RequestIDMiddleware(mux)
}

// startSystemMetricsUpdater starts a background goroutine that updates system metrics.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(2 * metrics.RefreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// startServiceMetricsUpdater refreshes the store, cache and slot gauges.
func startServiceMetricsUpdater(ctx context.Context, svc *service.Service) {
	ticker := time.NewTicker(metrics.RefreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// GetStats refreshes the gauges as a side effect.
			_ = svc.GetStats(ctx)
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}
