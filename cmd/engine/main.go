package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/afrid0126/Moneymuling/internal/api"
	"github.com/afrid0126/Moneymuling/internal/cache"
	"github.com/afrid0126/Moneymuling/internal/config"
	"github.com/afrid0126/Moneymuling/internal/db"
	"github.com/afrid0126/Moneymuling/internal/graphstore"
	"github.com/afrid0126/Moneymuling/internal/heuristics"
	"github.com/afrid0126/Moneymuling/internal/logging"
	"github.com/afrid0126/Moneymuling/internal/metrics"
	"github.com/afrid0126/Moneymuling/internal/runner"
	"github.com/afrid0126/Moneymuling/internal/sink"
)

const janitorInterval = 5 * time.Minute

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: "+config.DefaultPath+" when present)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("engine stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting money-muling detection engine",
		zap.Int("port", cfg.Server.Port),
		zap.Int("max_transactions", cfg.Analysis.MaxTransactions),
		zap.Bool("parallel_detectors", cfg.Analysis.ParallelDetectors),
	)

	recorder := metrics.NewRecorder()
	hooks := []runner.Hook{recorder.Hook()}
	deps := api.Deps{
		Server:          cfg.Server,
		MaxTransactions: cfg.Analysis.MaxTransactions,
		Metrics:         recorder,
		Logger:          logger,
	}

	// Optional subsystems: a connection failure is logged and the engine
	// keeps serving without that subsystem.
	if cfg.Database.URL != "" {
		store, err := db.Connect(ctx, cfg.Database.URL, logger)
		if err != nil {
			logger.Warn("postgres unavailable, reports will not be persisted", zap.Error(err))
		} else {
			defer store.Close()
			if err := store.InitSchema(ctx); err != nil {
				logger.Warn("schema init failed", zap.Error(err))
			}
			hooks = append(hooks, store.Hook())
			deps.Store = store
		}
	}

	if cfg.Redis.Addr != "" {
		reportCache, err := cache.NewRedisCache(cfg.Redis, logger)
		if err != nil {
			logger.Warn("redis unavailable, report cache disabled", zap.Error(err))
		} else {
			defer reportCache.Close()
			hooks = append(hooks, reportCache.Hook())
			deps.Cache = reportCache
		}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		ringSink, err := sink.NewKafkaSink(cfg.Kafka, logger)
		if err != nil {
			logger.Warn("kafka unavailable, ring alerts disabled", zap.Error(err))
		} else {
			defer ringSink.Close()
			hooks = append(hooks, ringSink.Hook())
		}
	}

	if cfg.Neo4j.URI != "" {
		client, err := graphstore.NewNeo4jClient(ctx, cfg.Neo4j, logger)
		if err != nil {
			logger.Warn("neo4j unavailable, graph export disabled", zap.Error(err))
		} else {
			exporter := graphstore.NewExporter(client, logger)
			defer exporter.Close(context.Background())
			hooks = append(hooks, exporter.Hook())
			deps.Rings = exporter
		}
	}

	engine := heuristics.NewEngine(heuristics.EngineConfig{
		ParallelDetectors: cfg.Analysis.ParallelDetectors,
		IncludeGraph:      true,
	}, logger)

	hub := api.NewHub(logger, cfg.Server.AllowedOrigins)
	go hub.Run(ctx)

	runs := runner.New(engine, logger,
		runner.WithHooks(hooks...),
		runner.WithRetention(cfg.Analysis.RunRetention),
		runner.WithListener(func(ev runner.Event) {
			recorder.ObserveEvent(ev)
			hub.Publish(ev)
		}),
	)
	runs.StartJanitor(ctx, janitorInterval)
	recorder.WatchRunner(runs.Stats)

	limiter := api.NewRateLimiter(cfg.Server.RateLimitPerMinute, cfg.Server.RateLimitBurst)
	limiter.StartJanitor(ctx)

	deps.Runs = runs
	deps.Hub = hub
	deps.Limiter = limiter

	if cfg.Log.Format != "console" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           api.SetupRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr), zap.Int("hooks", len(hooks)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := runs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("runs still active at shutdown", zap.Error(err))
	}
	logger.Info("engine stopped", zap.Any("runs", runs.Stats()))
	return nil
}
