package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/dnscache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ErickCReis/glim-node/internal/config"
	"github.com/ErickCReis/glim-node/internal/handlers"
	"github.com/ErickCReis/glim-node/internal/httpserver"
	"github.com/ErickCReis/glim-node/internal/metrics"
	"github.com/ErickCReis/glim-node/internal/middleware"
	"github.com/ErickCReis/glim-node/internal/respcache"
	"github.com/ErickCReis/glim-node/internal/store"
	"github.com/ErickCReis/glim-node/internal/telemetry"
	"github.com/ErickCReis/glim-node/internal/webservice"
	"github.com/ErickCReis/glim-node/pkg/logging/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("glimnode exited with error: %v", err)
	}
}

func run() error {
	// ----- Config -----
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// ----- Logger -----
	logger, err := logging.NewLogger(logging.Options{
		Env:     cfg.Stage,
		Level:   cfg.LogLevel,
		AppName: cfg.AppName,
	})
	if err != nil {
		return err
	}
	logging.SetDefault(logger)
	defer func() { _ = logger.Sync() }()

	// ----- Metrics -----
	metrics.Register()

	logger.Info("loaded config",
		zap.Int("port", cfg.Port),
		zap.String("stage", cfg.Stage),
		zap.Bool("cache_middleware", cfg.Cache.Enabled),
		zap.String("cache_driver", cfg.Cache.Driver),
		zap.Duration("cache_key_expire", cfg.Cache.KeyExpire),
		zap.String("statistic_url", cfg.Statistic.URL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ----- Tracing -----
	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing.Endpoint, cfg.AppName, cfg.Tracing.SampleRate)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown error", zap.Error(err))
		}
	}()

	// ----- Cache store -----
	backend, err := store.New(store.Config{
		Kind:   store.KindCache,
		Driver: cfg.Cache.Driver,
		Redis: store.RedisConfig{
			Addr:     cfg.Cache.Addr(),
			Password: cfg.Cache.Password,
		},
	})
	if err != nil {
		return err
	}

	// Fail fast if Redis is misconfigured
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	err = backend.Ping(pingCtx)
	cancelPing()
	if err != nil {
		_ = backend.Close()
		logger.Error("cache store connection failed", zap.Error(err))
		return err
	}

	cacheStore := store.NewLoggingStore(store.NewBreakerStore(backend, store.BreakerConfig{
		ConsecutiveFails: cfg.Cache.BreakerFailures,
		OpenTimeout:      cfg.Cache.BreakerTimeout,
	}))
	defer func() { _ = cacheStore.Close() }()

	responseCache := respcache.New(cacheStore, respcache.WithKeyExpire(cfg.Cache.KeyExpire))

	g, gctx := errgroup.WithContext(ctx)

	// ----- Statistics web service (optional) -----
	var stats handlers.ViewReporter
	if cfg.Statistic.URL != "" {
		resolver := &dnscache.Resolver{}
		g.Go(func() error {
			refreshDNS(gctx, resolver, cfg.Statistic.DNSRefresh)
			return nil
		})

		client, err := webservice.NewClient(webservice.Config{
			Name:     "statistic",
			BaseURL:  cfg.Statistic.URL,
			Timeout:  cfg.Statistic.Timeout,
			Resolver: resolver,
		}, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		stats = client
	}

	// ----- Handlers -----
	items := handlers.NewItemsHandler(handlers.NewItemRepository(), responseCache, stats)
	cacheMW := middleware.NewCacheMiddleware(responseCache, middleware.CacheSettings{
		Enabled:   cfg.Cache.Enabled,
		Anonymous: middleware.AnonymousPolicy(cfg.Cache.Anonymous),
	})

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, items, cacheMW)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// ----- Graceful shutdown -----
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
			return err
		}
		logger.Info("server shutdown complete")
		return nil
	})

	return g.Wait()
}

// refreshDNS renews cached lookups until ctx ends; entries unused since the
// previous refresh are dropped.
func refreshDNS(ctx context.Context, resolver *dnscache.Resolver, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			resolver.Refresh(true)
		}
	}
}
