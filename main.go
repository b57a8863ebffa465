package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fathom-engine/fathom/internal/config"
	"github.com/fathom-engine/fathom/internal/engine"
	"github.com/fathom-engine/fathom/internal/httpapi"
	"github.com/fathom-engine/fathom/internal/processing"
	"github.com/fathom-engine/fathom/internal/resultcache"
	"github.com/fathom-engine/fathom/internal/streaming"
	"github.com/fathom-engine/fathom/internal/tracing"
	"github.com/fathom-engine/fathom/internal/workspace"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults to $FATHOM_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	level := zap.NewAtomicLevel()
	logger, err := buildLogger(cfg.Logging, level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	store, err := workspace.NewStore(cfg.Store, logger)
	if err != nil {
		logger.Fatal("Failed to open workspace store", zap.Error(err))
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("Failed to run store migrations", zap.Error(err))
	}

	evaluator := processing.NewHTTPEvaluator(cfg.Evaluator, logger)
	streams := streaming.NewManager(cfg.Streaming.BufferSize)

	var cache *resultcache.Cache
	if cfg.Cache.Enabled {
		cache = resultcache.New(cfg.Cache.Config, logger)
		defer cache.Close()
		logger.Info("Result cache enabled", zap.String("addr", cfg.Cache.Addr))
	}

	eng := engine.New(store, evaluator, streams, cache, cfg.Engine, logger)

	apiHandler := httpapi.NewHandler(store, eng, logger, cfg.Service.AuthToken)
	streamHandler := httpapi.NewStreamingHandler(streams, logger)
	apiServer := httpapi.StartServer(cfg.Service.Port, apiHandler, streamHandler, logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Service.MetricsPort),
		Handler:     metricsMux,
		ReadTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.Service.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// Hot reload: only the log level can change without a restart. Other
	// sections are logged so operators know a restart is pending.
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, cfg, func(next config.Config) {
			if lvl, err := zapcore.ParseLevel(next.Logging.Level); err == nil {
				level.SetLevel(lvl)
			}
			logger.Info("Configuration reloaded",
				zap.String("log_level", next.Logging.Level))
		}, logger)
		if err != nil {
			logger.Warn("Config watcher disabled", zap.Error(err))
		} else {
			go watcher.Run(ctx)
		}
	}

	// Expire stale workspaces so abandoned contexts do not accumulate.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-cfg.Service.WorkspaceTTL)
				n, err := store.ExpireWorkspaces(ctx, cutoff)
				if err != nil {
					logger.Warn("Workspace expiry sweep failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("Expired stale workspaces", zap.Int64("count", n))
				}
			}
		}
	}()

	logger.Info("Engine ready",
		zap.Int("port", cfg.Service.Port),
		zap.String("store_driver", cfg.Store.Driver),
		zap.Bool("cache_enabled", cfg.Cache.Enabled))

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
}

func buildLogger(cfg config.LoggingConfig, level zap.AtomicLevel) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		lvl = parsed
	}
	level.SetLevel(lvl)

	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = level
	zcfg.OutputPaths = []string{"stdout"}
	return zcfg.Build()
}
