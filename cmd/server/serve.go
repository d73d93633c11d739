package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/quotafence/api"
	"github.com/yourusername/quotafence/batch"
	"github.com/yourusername/quotafence/config"
	"github.com/yourusername/quotafence/limiter"
	"github.com/yourusername/quotafence/logging"
	"github.com/yourusername/quotafence/metrics"
	admission "github.com/yourusername/quotafence/middleware"
	"github.com/yourusername/quotafence/retry"
	"github.com/yourusername/quotafence/store"
)

func runServe(ctx context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath, os.Getenv)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}

	storage, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New()
	l, err := limiter.New(
		limiter.WithStore(storage),
		limiter.WithDefaults(cfg.Defaults.Rate()),
		limiter.WithRates(cfg.Rates()),
		limiter.WithLogger(logger),
		limiter.WithRecorder(m),
	)
	if err != nil {
		return err
	}

	if err := warmBuckets(ctx, cfg, l); err != nil {
		logger.WithField("error", err).Warn("server: warming buckets failed")
	}

	router, err := newRouter(cfg, l, m, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	errc := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":      cfg.Server.Addr,
			"store":     cfg.Store.Backend,
			"upstreams": len(cfg.Upstreams),
		}).Info("🚦 quotafence listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithField("error", err).Error("server: http shutdown")
	}
	return l.Stop(shutdownCtx)
}

// openStore picks the bucket store. Redis must answer a ping before the
// server starts.
func openStore(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (store.Store, func(), error) {
	if cfg.Store.Backend != "redis" {
		logger.Warn("⚠️  Using in-memory storage, quota resets on restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	redisStore := store.NewRedisStore(cfg.RedisConfig())
	if err := redisStore.Ping(ctx); err != nil {
		_ = redisStore.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Store.Redis.Addr, err)
	}
	logger.WithField("addr", cfg.Store.Redis.Addr).Info("✅ Connected to Redis")

	return redisStore, func() { _ = redisStore.Close() }, nil
}

// warmBuckets starts the actors of every configured key in throttled chunks,
// so persisted states are hydrated before traffic arrives.
func warmBuckets(ctx context.Context, cfg *config.Config, l *limiter.Limiter) error {
	keys := slices.Sorted(maps.Keys(cfg.Buckets))
	if len(keys) == 0 {
		return nil
	}

	throttle, err := batch.New(cfg.Batch.Size, cfg.Batch.Delay, clockwork.NewRealClock())
	if err != nil {
		return err
	}
	return batch.ForEach(ctx, throttle, keys, func(ctx context.Context, key string) error {
		_, err := l.Snapshot(ctx, key)
		return err
	})
}

// newRouter wires the API, metrics, health and the admission-gated proxy.
func newRouter(cfg *config.Config, l *limiter.Limiter, m *metrics.Metrics, logger logrus.FieldLogger) (http.Handler, error) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(logger))
	r.Use(m.Middleware)
	r.Use(middleware.Recoverer)
	if cfg.Server.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	}

	api.NewHandler(l, logger).Register(r)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	if len(cfg.Upstreams) == 0 {
		return r, nil
	}

	keyFunc, err := admission.ParseKeyFunc(cfg.Server.KeyExtractor)
	if err != nil {
		return nil, fmt.Errorf("%w: server.key_extractor: %v", config.ErrInvalidConfig, err)
	}
	gate, err := admission.NewAdmission(admission.Config{
		Acquirer: l,
		KeyFunc:  keyFunc,
		OnReject: m.IncRejected,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	proxy, err := api.NewProxy(cfg.Upstreams,
		api.WithUpstreamRetry(cfg.RetryConfig(), retry.OnRetry(m.ObserveRetry)))
	if err != nil {
		return nil, err
	}
	r.With(proxy.RequireUpstream, gate.Middleware).Handle("/proxy/{key}/*", proxy)

	return r, nil
}
