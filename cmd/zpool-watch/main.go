package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/zpool-watch/internal/adapter/api"
	"github.com/V4T54L/zpool-watch/internal/adapter/metrics"
	"github.com/V4T54L/zpool-watch/internal/adapter/notifier"
	redissource "github.com/V4T54L/zpool-watch/internal/adapter/source/redis"
	"github.com/V4T54L/zpool-watch/internal/adapter/source/zpool"
	"github.com/V4T54L/zpool-watch/internal/domain"
	"github.com/V4T54L/zpool-watch/internal/pkg/config"
	"github.com/V4T54L/zpool-watch/internal/pkg/logger"
	"github.com/V4T54L/zpool-watch/internal/usecase"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	log := logger.NewWithFormat(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(log)

	hostname, err := os.Hostname()
	if err != nil {
		log.Warn("could not get hostname, using default", "error", err)
		hostname = "zpool-watch"
	}

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Event Source ---
	var opener domain.SourceOpener
	switch cfg.Source {
	case config.SourceRedis:
		redisOpts, err := redis.ParseURL(cfg.RedisAddr)
		if err != nil {
			log.Error("failed to parse redis url", "error", err)
			return 1
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()
		opener = redissource.NewOpener(redisClient, log, cfg.RedisStream, cfg.RedisGroup, hostname)
	default:
		opener = zpool.NewOpener(cfg.ZpoolPath, cfg.ZpoolTimeout, log)
	}

	// --- Pipeline ---
	ignore := usecase.NewIgnoreSet(cfg.IgnoredClasses)
	classifier := usecase.NewClassifier(ignore, cfg.RateLimitScope == config.ScopeClass)
	limiter := usecase.NewRateLimiter(cfg.MinInterval)
	scriptNotifier := notifier.NewScriptNotifier(cfg.NotifierPath, cfg.NotifierArgs, cfg.NotifierTimeout, log)
	m := metrics.NewMonitorMetrics(prometheus.DefaultRegisterer)

	opts := usecase.MonitorOptions{
		Metrics:         m,
		RetryMax:        cfg.SourceRetryMax,
		RetryBackoff:    cfg.SourceRetryBackoff,
		RetryMaxBackoff: cfg.SourceRetryMaxBackoff,
	}
	if cfg.ScrubGuard && cfg.Source == config.SourceZpool {
		opts.ScrubChecker = zpool.NewStatusChecker(cfg.ZpoolPath, cfg.ZpoolTimeout)
	}
	if cfg.StartupNotification {
		opts.StartupMessage = fmt.Sprintf("zpool monitor start on %s", hostname)
	}
	monitor := usecase.NewMonitor(opener, classifier, limiter, scriptNotifier, log, opts)

	// --- Start Admin and Metrics Server ---
	var adminServer *http.Server
	if cfg.AdminAddr != "" {
		adminServer = &http.Server{
			Addr:              cfg.AdminAddr,
			Handler:           api.NewAdminRouter(monitor, prometheus.DefaultGatherer, log),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("starting admin & metrics server", "addr", adminServer.Addr)
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin & metrics server failed", "error", err)
			}
		}()
	}

	log.Info("starting zpool event monitor",
		"source", cfg.Source,
		"notifier", cfg.NotifierPath,
		"ignored_classes", ignore.Len(),
		"min_interval", cfg.MinInterval.String(),
		"rate_limit_scope", cfg.RateLimitScope,
	)

	runErr := monitor.Run(ctx)

	if adminServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Error("admin server shutdown failed", "error", err)
		}
	}

	if runErr != nil {
		log.Error("event monitor stopped", "error", runErr)
		return 1
	}
	log.Info("event monitor shut down gracefully")
	return 0
}
