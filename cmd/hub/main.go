package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/election-app/election-app/internal/api"
	"github.com/election-app/election-app/internal/cache"
	"github.com/election-app/election-app/internal/config"
	"github.com/election-app/election-app/internal/decoder"
	"github.com/election-app/election-app/internal/expr"
	"github.com/election-app/election-app/internal/keys"
	"github.com/election-app/election-app/internal/logging"
	"github.com/election-app/election-app/internal/metrics"
	"github.com/election-app/election-app/internal/poller"
	"github.com/election-app/election-app/internal/server"
	"github.com/election-app/election-app/internal/snapshot"
	"github.com/election-app/election-app/internal/telemetry"
	"github.com/election-app/election-app/internal/upstream"
)

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

var (
	newConfigLoader = func(envPrefix, path string) configLoader {
		return config.NewLoader(envPrefix, path)
	}
	newHTTPServer = func(listen config.ListenConfig, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(listen, logger, handler)
	}
	openSnapshots = snapshot.Open
)

func main() {
	var (
		configFile = flag.String("config", "", "path to hub configuration file")
		envPrefix  = flag.String("env-prefix", "HUB", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		if errors.Is(err, errConfig) {
			log.Fatalf("%v", err)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var errConfig = errors.New("configuration")

func run(ctx context.Context, envPrefix, configPath string) error {
	cfg, err := newConfigLoader(envPrefix, configPath).Load(ctx)
	if err != nil {
		return fmt.Errorf("load %w: %w", errConfig, err)
	}

	logger, err := logging.New("hub", cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Warn("tracing disabled", slog.Any("error", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("tracer shutdown failed", slog.Any("error", err))
		}
	}()

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	store := cache.New(cache.Options{
		WaitCeiling: cfg.Poller.WaitCeiling,
		LogCapacity: cfg.Poller.LogCapacity,
		Metrics:     metricsRecorder,
		Logger:      logger,
	})

	env, err := expr.NewEnvironment()
	if err != nil {
		return err
	}
	weight, err := env.CompileWeight(cfg.Decoder.WeightExpression)
	if err != nil {
		return fmt.Errorf("load %w: %w", errConfig, err)
	}
	dec := decoder.New(weight, cfg.Decoder.Params)

	client, err := upstream.New(upstream.Options{
		BaseURL:        cfg.Upstream.BaseURL,
		Date:           cfg.Upstream.Date,
		Locator:        cfg.Upstream.Locator,
		RequestTimeout: cfg.Upstream.RequestTimeout,
		MaxAttempts:    cfg.Upstream.MaxAttempts,
		BackoffBase:    cfg.Upstream.BackoffBase,
		BackoffMax:     cfg.Upstream.BackoffMax,
		Stats:          store,
		Metrics:        metricsRecorder,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("load %w: %w", errConfig, err)
	}

	snapshots := buildSnapshotStore(ctx, logger, cfg.Snapshot)
	defer func() {
		if err := snapshots.Close(); err != nil {
			logger.Error("snapshot store close failed", slog.Any("error", err))
		}
	}()

	hubPoller := poller.New(poller.Options{
		MaxConcurrency:       cfg.Poller.MaxConcurrency,
		KeysPerCycle:         cfg.Poller.KeysPerCycle,
		DelayBetweenRequests: cfg.Poller.DelayBetweenRequests,
		DelayBetweenCycles:   cfg.Poller.DelayBetweenCycles,
		MinRefreshInterval:   cfg.Poller.MinRefreshIntervalPerKey,
		ForceCooldown:        cfg.Poller.ForceCycleCooldown,
		RequestTimeout:       cfg.Upstream.RequestTimeout,
		PollingEnabled:       cfg.Poller.PollingEnabled,
		Metrics:              metricsRecorder,
		Logger:               logger,
	}, store, client, dec, snapshots, cfg.Keys.Keys())

	handler := api.New(store, hubPoller, cfg.Keys.Space, cfg.Poller.TTL, logger)

	if cfg.Keys.File != "" {
		watcher, err := config.WatchKeySpace(ctx, cfg.Keys.File, func(space keys.Space) {
			hubPoller.SetKeys(space.Keys())
			handler.SetSpace(space)
			logger.Info("key space reloaded", slog.Int("keys", len(space.Keys())))
		}, func(err error) {
			logger.Error("key space watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("key space watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := newHTTPServer(cfg.Server.Listen, logger, server.NewHubHandler(handler, metricsRecorder.Handler()))
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pollerDone := make(chan error, 1)
	go func() {
		pollerDone <- hubPoller.Run(runCtx)
	}()

	serveErr := srv.Run(runCtx)
	cancel()
	pollErr := <-pollerDone

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", serveErr))
		return fmt.Errorf("server: %w", serveErr)
	}
	if pollErr != nil {
		return fmt.Errorf("poller: %w", pollErr)
	}
	logger.Info("hub shutdown complete")
	return nil
}

// buildSnapshotStore opens the configured backend. A backend that cannot be
// reached only costs warm starts, so the hub continues without persistence.
func buildSnapshotStore(ctx context.Context, logger *slog.Logger, cfg snapshot.Config) snapshot.Store {
	store, err := openSnapshots(ctx, cfg)
	if err != nil {
		logger.Error("snapshot backend initialization failed", slog.String("backend", cfg.Backend), slog.Any("error", err))
		logger.Info("continuing without snapshot persistence")
		return snapshot.Discard{}
	}
	logger.Info("using snapshot backend", slog.String("backend", store.Name()))
	return store
}
