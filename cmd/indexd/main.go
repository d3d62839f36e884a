package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nativexml/nxdb/internal/btree"
	"github.com/nativexml/nxdb/internal/cache"
	"github.com/nativexml/nxdb/internal/pipeline"
	"github.com/nativexml/nxdb/internal/registry"
	"github.com/nativexml/nxdb/internal/structural"
	"github.com/nativexml/nxdb/internal/symbols"
	"github.com/nativexml/nxdb/pkg/config"
	"github.com/nativexml/nxdb/pkg/health"
	"github.com/nativexml/nxdb/pkg/kafka"
	"github.com/nativexml/nxdb/pkg/logger"
	"github.com/nativexml/nxdb/pkg/metrics"
	"github.com/nativexml/nxdb/pkg/postgres"
	"github.com/nativexml/nxdb/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting structural index daemon", "data_dir", cfg.Store.DataDir)

	symTable, err := symbols.Open(cfg.Symbols.Path)
	if err != nil {
		slog.Error("failed to open symbol table", "error", err)
		os.Exit(1)
	}
	defer symTable.Close()

	store, err := btree.Open(cfg.Store.DataDir)
	if err != nil {
		slog.Error("failed to open structural store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	m := metrics.New()
	index := structural.New(store, symTable, structural.WithMetrics(m))
	worker := index.NewWorker()

	checker := health.NewChecker()
	checker.Register("store", func(ctx context.Context) health.ComponentHealth {
		return health.ComponentHealth{
			Status:  health.StatusUp,
			Message: fmt.Sprintf("%d entries", store.Count()),
		}
	})

	var reg *registry.Registry
	if pg, err := postgres.New(cfg.Postgres); err != nil {
		slog.Warn("document registry unavailable, status updates disabled", "error", err)
	} else {
		defer pg.Close()
		reg = registry.New(pg)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := reg.EnsureSchema(ctx); err != nil {
			slog.Error("failed to prepare registry schema", "error", err)
			cancel()
			os.Exit(1)
		}
		cancel()
		checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
			if err := reg.Ping(ctx); err != nil {
				return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp}
		})
	}

	var queryCache *cache.QueryCache
	if rdb, err := redis.NewClient(cfg.Redis); err != nil {
		slog.Warn("redis unavailable, query cache disabled", "error", err)
	} else {
		defer rdb.Close()
		queryCache = cache.New(rdb, cfg.Redis.CacheTTL, m)
		checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
			if err := rdb.Ping(ctx); err != nil {
				return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp}
		})
	}

	handler := pipeline.Handler{
		Worker:   worker,
		Registry: reg,
		Cache:    queryCache,
		Metrics:  m,
		Pipeline: cfg.Pipeline,
	}
	consumer := pipeline.New(kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.NodeEvents, handler.HandleMessage()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return consumer.Start(ctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.Store.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if store.WALSize() < cfg.Store.WALMaxSize/4 {
					continue
				}
				lock := store.Lock()
				if err := lock.Acquire(btree.LockWrite); err != nil {
					slog.Warn("failed to lock store for checkpoint", "error", err)
					continue
				}
				start := time.Now()
				err := store.Checkpoint()
				lock.Release(btree.LockWrite)
				if err != nil {
					slog.Error("periodic checkpoint failed", "error", err)
					continue
				}
				m.CheckpointsTotal.Inc()
				m.CheckpointDuration.Observe(time.Since(start).Seconds())
			}
		}
	})

	var metricsShutdown func(context.Context) error
	if cfg.Metrics.Enabled {
		metricsShutdown = metrics.StartServer(cfg.Metrics.Port)
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health/live", checker.LiveHandler())
	healthMux.HandleFunc("/health/ready", checker.ReadyHandler())
	healthServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Health.Port),
		Handler:      healthMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		slog.Info("health server listening", "addr", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if metricsShutdown != nil {
			metricsShutdown(shutdownCtx)
		}
		return healthServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("daemon stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("daemon stopped")
}
