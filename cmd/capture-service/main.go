package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/snapwright/engine/internal/capture/cache"
	"github.com/snapwright/engine/internal/capture/fingerprint"
	"github.com/snapwright/engine/internal/capture/metrics"
	"github.com/snapwright/engine/internal/capture/orchestrator"
	"github.com/snapwright/engine/internal/capture/pool"
	"github.com/snapwright/engine/internal/capture/retry"
	"github.com/snapwright/engine/internal/capture/service"
	"github.com/snapwright/engine/internal/common/config"
	"github.com/snapwright/engine/internal/common/logger"
	"github.com/snapwright/engine/internal/common/metricsserver"
	"github.com/snapwright/engine/internal/common/redis"
	"github.com/snapwright/engine/internal/render/chrome"
)

func main() {
	configPath := flag.String("c", "configs/capture-service.yaml",
		"Path to capture service configuration file")
	flag.Parse()

	// Local overrides for development; missing file is fine
	_ = godotenv.Load()

	startupLogger, err := logger.NewDefault()
	if err != nil {
		panic(err)
	}

	startupLogger.Info("Loading configuration", zap.String("path", *configPath))

	cfg, err := config.Load(*configPath)
	if err != nil {
		startupLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		startupLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}
	defer log.Sync()

	maxContexts, err := chrome.ResolveMaxContexts(cfg.Capture.MaxContexts)
	if err != nil {
		log.Fatal("Failed to resolve max_contexts", zap.Error(err))
	}

	log.Info("Capture service starting",
		zap.String("listen", cfg.Server.Listen),
		zap.Int("max_contexts", maxContexts),
		zap.Bool("cache_enabled", cfg.Capture.IsCacheEnabled()))

	redisClient, err := redis.NewClient(&cfg.Redis, log)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	store := cache.NewPayloadStore(cfg.Storage.BasePath, cfg.Storage.Compression, log)
	contentCache := cache.NewContentCache(redisClient, store, cfg.Redis.Namespace,
		time.Duration(cfg.Capture.CacheTTL), log)

	var sweeper *cache.Sweeper
	if cfg.Storage.Sweep.Enabled {
		sweeper = cache.NewSweeper(redisClient, store, cfg.Redis.Namespace,
			time.Duration(cfg.Storage.Sweep.Interval), log)
		sweeper.Start()
	}

	collector := metrics.NewCollector(cfg.Metrics.Namespace, log)

	metricsServer, err := metricsserver.Start(
		cfg.Metrics.Enabled,
		cfg.Metrics.Listen,
		cfg.Metrics.Path,
		collector,
		log,
	)
	if err != nil {
		log.Fatal("Failed to start metrics server", zap.Error(err))
	}

	engine, err := chrome.NewEngine(&chrome.Config{
		Headless:      cfg.Chrome.IsHeadless(),
		WarmupURL:     cfg.Chrome.WarmupURL,
		WarmupTimeout: time.Duration(cfg.Chrome.WarmupTimeout),
	}, log)
	if err != nil {
		log.Fatal("Invalid Chrome configuration", zap.Error(err))
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := engine.Start(startCtx); err != nil {
		startCancel()
		log.Fatal("Failed to start Chrome", zap.Error(err))
	}
	startCancel()

	contextPool, err := pool.NewContextPool(&pool.Config{
		MaxContexts:       maxContexts,
		AcquireTimeout:    time.Duration(cfg.Capture.AcquireTimeout),
		IdleTimeout:       time.Duration(cfg.Chrome.IdleTimeout),
		RestartAfterCount: cfg.Chrome.RestartAfterCount,
	}, engine, log)
	if err != nil {
		log.Fatal("Failed to create context pool", zap.Error(err))
	}

	renderer := chrome.NewRenderer(&chrome.RendererConfig{
		NavigationTimeout: time.Duration(cfg.Capture.NavigationTimeout),
		WaitTimeout:       time.Duration(cfg.Capture.WaitTimeout),
		DefaultViewport:   cfg.Capture.DefaultViewport,
	}, log)

	capturer, err := orchestrator.New(orchestrator.Options{
		Fingerprints: fingerprint.NewComputer(cfg.Capture.DefaultViewport),
		Cache:        contentCache,
		Pool:         contextPool,
		Retrier:      retry.NewExecutor(cfg.Capture.MaxRetries, time.Duration(cfg.Capture.BackoffBase), log),
		Renderer:     renderer,
		Collector:    collector,
		CacheEnabled: cfg.Capture.IsCacheEnabled(),
		Logger:       log,
	})
	if err != nil {
		log.Fatal("Failed to create orchestrator", zap.Error(err))
	}

	server := service.NewServer(capturer, collector, time.Duration(cfg.Server.Timeout), log)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(cfg.Server.Listen); err != nil {
			serverErrCh <- err
		}
	}()

	log.Info("Capture service ready", zap.String("listen", cfg.Server.Listen))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		log.Error("Server error", zap.Error(err))
	}

	log.Info("Shutting down gracefully...")

	// Stop accepting requests, then drain the pipeline behind them
	if err := server.Shutdown(); err != nil {
		log.Error("Server shutdown error", zap.Error(err))
	}

	if err := capturer.Shutdown(time.Duration(cfg.Chrome.ShutdownTimeout)); err != nil {
		log.Error("Orchestrator shutdown error", zap.Error(err))
	}

	if sweeper != nil {
		sweeper.Shutdown()
	}

	if err := engine.Shutdown(); err != nil {
		log.Error("Chrome shutdown error", zap.Error(err))
	}

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error("Metrics server shutdown error", zap.Error(err))
		}
		shutdownCancel()
	}

	log.Info("Capture service stopped")
}
