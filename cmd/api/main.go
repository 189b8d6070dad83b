package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmccormack1717/SecuraFlow/internal/app/migrate"
	httpx "github.com/jmccormack1717/SecuraFlow/internal/http"
	"github.com/jmccormack1717/SecuraFlow/internal/repository/postgres"
	"github.com/jmccormack1717/SecuraFlow/internal/service/auth"
	"github.com/jmccormack1717/SecuraFlow/internal/service/detector"
	"github.com/jmccormack1717/SecuraFlow/internal/service/evaluation"
	"github.com/jmccormack1717/SecuraFlow/internal/service/metrics"
	"github.com/jmccormack1717/SecuraFlow/internal/service/traffic"
	"github.com/jmccormack1717/SecuraFlow/internal/stream"
	"github.com/jmccormack1717/SecuraFlow/internal/ws"
	"github.com/jmccormack1717/SecuraFlow/pkg/config"
	"github.com/jmccormack1717/SecuraFlow/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log, logCloser := logger.NewWithFile("api", logger.ParseLevel(cfg.Log.Level), logger.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.CompressFiles,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	if err := repo.Ping(ctx); err != nil {
		log.Warn("database ping failed, continuing in degraded mode", "error", err)
	}

	normalizer, err := detector.ParseNormalizer(cfg.ScoreNormalizer)
	if err != nil {
		log.Warn("invalid score normalizer, using linear", "error", err)
		normalizer = detector.LinearNormalizer
	}
	det := detector.New(detector.Options{
		ModelPath:  cfg.ModelPath,
		Threshold:  cfg.AnomalyThreshold,
		Normalizer: normalizer,
		Logger:     log,
	})

	hub := ws.NewHub()
	defer hub.Close()

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	var workers background

	metricsSvc := metrics.NewService(repo, repo, log, cfg.MetricsBucketSpan, cfg.MetricsFlushEvery)
	workers.Go(func() { metricsSvc.Run(workerCtx) })

	trafficSvc := traffic.NewService(repo, repo, det, metricsSvc, hub, log)
	evaluationSvc := evaluation.NewService(repo, repo, repo, modelVersion(cfg.ModelPath), det.Threshold(), log)
	authSvc := auth.New(repo, log, cfg.JWTSecret, cfg.AccessTokenTTL)

	if path := strings.TrimSpace(cfg.TrafficReplayPath); path != "" {
		replayer := stream.NewReplayer(path, false, trafficSvc, log)
		workers.Go(func() {
			if err := replayer.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("traffic replay stopped", "path", path, "error", err)
			}
		})
	}

	rateBase := cfg.RateLimitPerMinute
	if !cfg.RateLimitEnabled {
		rateBase = 0
	}
	var limiter httpx.RateLimiter
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" && rateBase > 0 {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Options{
		Logger:             log,
		Auth:               authSvc,
		Traffic:            trafficSvc,
		Metrics:            metricsSvc,
		Evaluation:         evaluationSvc,
		Hub:                hub,
		Limiter:            limiter,
		RateLimitPerMinute: rateBase,
		IngestToken:        cfg.IngestToken,
		CORSOrigins:        cfg.CORSOrigins,
		TrustedProxies:     cfg.TrustedProxies,
		DBHealth:           repo.Ping,
		ModelLoaded:        det.ModelLoaded,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "env", cfg.Environment, "model_loaded", det.ModelLoaded())
		errorCh <- srv.ListenAndServe()
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			exitCode = 1
		}
	}

	// Background workers flush through the pool, so they finish before the
	// deferred pool.Close runs.
	stopWorkers()
	if !workers.Wait(shutdownTimeout) {
		log.Warn("background workers did not stop in time", "timeout", shutdownTimeout)
	}
	if exitCode != 0 {
		logCloser.Close()
		os.Exit(exitCode)
	}
}

const shutdownTimeout = 10 * time.Second

// background tracks long-running goroutines so shutdown can wait for them.
type background struct {
	wg sync.WaitGroup
}

func (b *background) Go(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// Wait blocks until every goroutine started with Go has returned or timeout
// elapses. It reports whether all of them returned.
func (b *background) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// modelVersion extracts "v1" from paths like models/anomaly_detector_v1.json.
func modelVersion(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if idx := strings.LastIndex(base, "_"); idx >= 0 && idx < len(base)-1 {
		return base[idx+1:]
	}
	return ""
}
