package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"PulseDispatch/internal/api"
	"PulseDispatch/internal/campaign"
	"PulseDispatch/internal/config"
	"PulseDispatch/internal/db"
	"PulseDispatch/internal/email"
	"PulseDispatch/internal/kvstore"
	"PulseDispatch/internal/metrics"
	"PulseDispatch/internal/queue"
	"PulseDispatch/internal/quota"
	"PulseDispatch/internal/worker"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	level := zap.NewAtomicLevel()
	zcfg := zap.NewProductionConfig()
	zcfg.Level = level

	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	lvl, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal("invalid LOG_LEVEL", zap.String("level", cfg.LogLevel), zap.Error(err))
	}
	level.SetLevel(lvl)

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Shared KV + Queue
	// ------------------------------------------------
	policy := queue.RetryPolicy{MaxAttempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay}
	checks := []api.Check{{Name: "database", Fn: store.Ping}}

	var (
		kv     kvstore.Store
		q      queue.Queue
		redisQ *queue.Redis
	)

	if cfg.UseRedis() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}

		kv = kvstore.NewRedis(rdb)
		redisQ = queue.NewRedis(rdb, cfg.QueueKeyPrefix, policy, cfg.QueuePollInterval)
		q = redisQ
		checks = append(checks, api.Check{Name: "redis", Fn: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		logger.Info("using redis for quota and queue", zap.String("addr", opts.Addr))
	} else {
		kv = kvstore.NewMemory(time.Now)
		q = queue.NewMemory(policy, time.Now)
		logger.Warn("REDIS_URL not set, quota and queue are in-process (single instance only)")
	}

	// ------------------------------------------------
	// Email Sender
	// ------------------------------------------------
	sender := email.NewSender(
		cfg.SMTPHost,
		cfg.SMTPPort,
		cfg.SMTPUser,
		cfg.SMTPPassword,
		cfg.SMTPFrom,
		email.NewBreaker(cfg.BreakerMaxFailures, cfg.BreakerOpenTimeout),
	)

	// ------------------------------------------------
	// Worker Pool
	// ------------------------------------------------
	pool := &worker.Pool{
		Queue:            q,
		Store:            store,
		Quota:            quota.NewCounter(kv, cfg.QueueKeyPrefix),
		Transport:        sender,
		Throttle:         worker.NewThrottle(cfg.ThrottleInterval),
		Log:              logger,
		Workers:          cfg.WorkerCount,
		ThrottleFallback: cfg.ThrottleFallbackDelay,
	}

	var wg sync.WaitGroup
	pool.Start(ctx, &wg)

	// ------------------------------------------------
	// Campaign Service + Recovery
	// ------------------------------------------------
	svc := campaign.NewService(store, q, logger, cfg.DefaultHourlyLimit)

	if n, err := svc.Resume(ctx); err != nil {
		logger.Error("resume of unfinished tasks incomplete", zap.Int("queued", n), zap.Error(err))
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		resumeLoop(ctx, svc, cfg.ResumeInterval, logger)
	}()

	if redisQ != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reclaimLoop(ctx, redisQ, cfg.QueueVisibilityTimeout, logger)
		}()
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Svc:        svc,
		Log:        logger,
		Checks:     checks,
		MaxCSVRows: cfg.MaxCSVRows,
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           api.NewRouter(apiHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// Stop accepting new campaigns
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	// Workers finish the task in hand
	wg.Wait()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

// reclaimLoop returns entries abandoned by crashed workers to the due set.
func reclaimLoop(ctx context.Context, q *queue.Redis, visibility time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(visibility / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.Reclaim(ctx, visibility)
			if err != nil {
				metrics.WorkerErrors.WithLabelValues("queue").Inc()
				log.Error("queue reclaim failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Warn("reclaimed abandoned queue entries", zap.Int("count", n))
			}
		}
	}
}

// resumeLoop re-enqueues persisted tasks that never reached the queue, e.g.
// after a partial enqueue failure. Queue deduplication makes repeats no-ops.
func resumeLoop(ctx context.Context, svc *campaign.Service, every time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.Resume(ctx)
			if err != nil {
				log.Error("periodic resume failed", zap.Int("queued", n), zap.Error(err))
				continue
			}
			if n > 0 {
				log.Warn("re-enqueued tasks missing from the queue", zap.Int("count", n))
			}
		}
	}
}
