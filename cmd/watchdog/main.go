package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/election-app/election-app/internal/config"
	"github.com/election-app/election-app/internal/logging"
	"github.com/election-app/election-app/internal/metrics"
	"github.com/election-app/election-app/internal/server"
	"github.com/election-app/election-app/internal/supervisor"
)

const portSettle = 300 * time.Millisecond

// watchdogEnv is read from the environment only; every watchdog of a pair
// runs the same binary with a different role and ports.
type watchdogEnv struct {
	Role          string        `env:"WATCHDOG_ROLE" envDefault:"primary"`
	HubPort       int           `env:"HUB_PORT" envDefault:"7052"`
	HubHealthURL  string        `env:"HUB_HEALTH_URL"`
	HubCmd        string        `env:"HUB_CMD" envDefault:"./hub"`
	CheckEvery    time.Duration `env:"CHECK_EVERY" envDefault:"3s"`
	ReqTimeout    time.Duration `env:"REQ_TIMEOUT" envDefault:"2s"`
	BackoffMin    time.Duration `env:"BACKOFF_MIN" envDefault:"1s"`
	BackoffMax    time.Duration `env:"BACKOFF_MAX" envDefault:"20s"`
	HealthPort    int           `env:"HEALTH_PORT" envDefault:"7050"`
	PeerHealthURL string        `env:"PEER_HEALTH_URL"`
	PeerCmd       string        `env:"PEER_CMD"`
	PeerPIDFile   string        `env:"PEER_PIDFILE"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat     string        `env:"LOG_FORMAT" envDefault:"json"`
}

func (e watchdogEnv) hubHealthURL() string {
	if u := strings.TrimSpace(e.HubHealthURL); u != "" {
		return u
	}
	return "http://127.0.0.1:" + strconv.Itoa(e.HubPort) + "/health"
}

func (e watchdogEnv) validate() error {
	if e.HubPort <= 0 || e.HubPort > 65535 {
		return fmt.Errorf("watchdog: HUB_PORT out of range: %d", e.HubPort)
	}
	if e.HealthPort <= 0 || e.HealthPort > 65535 {
		return fmt.Errorf("watchdog: HEALTH_PORT out of range: %d", e.HealthPort)
	}
	if e.HealthPort == e.HubPort {
		return errors.New("watchdog: HEALTH_PORT must differ from HUB_PORT")
	}
	if strings.TrimSpace(e.HubCmd) == "" {
		return errors.New("watchdog: HUB_CMD required")
	}
	if e.CheckEvery <= 0 || e.ReqTimeout <= 0 {
		return errors.New("watchdog: CHECK_EVERY and REQ_TIMEOUT must be positive")
	}
	if e.BackoffMin <= 0 || e.BackoffMax < e.BackoffMin {
		return errors.New("watchdog: BACKOFF_MIN must be positive and not exceed BACKOFF_MAX")
	}
	if strings.TrimSpace(e.PeerHealthURL) != "" && strings.TrimSpace(e.PeerCmd) == "" {
		return errors.New("watchdog: PEER_CMD required when PEER_HEALTH_URL is set")
	}
	return nil
}

func loadEnv(environ map[string]string) (watchdogEnv, error) {
	var cfg watchdogEnv
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return watchdogEnv{}, fmt.Errorf("watchdog: parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return watchdogEnv{}, err
	}
	return cfg, nil
}

var newHTTPServer = func(listen config.ListenConfig, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	return server.New(listen, logger, handler)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadEnv(env.ToMap(os.Environ()))
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := run(ctx, cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg watchdogEnv) error {
	logger, err := logging.New("watchdog", config.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	sup := supervisor.New(supervisor.Options{
		Role:          cfg.Role,
		MonitoredPort: cfg.HubPort,
		CheckEvery:    cfg.CheckEvery,
		Metrics:       metricsRecorder,
		Logger:        logger,
	}, buildTargets(cfg)...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRecorder.Handler())
	mux.Handle("/", sup.Handler())

	srv, err := newHTTPServer(config.ListenConfig{Port: cfg.HealthPort}, logger, mux)
	if err != nil {
		return fmt.Errorf("construct health server: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	supDone := make(chan error, 1)
	go func() {
		supDone <- sup.Run(runCtx)
	}()

	serveErr := srv.Run(runCtx)
	cancel()
	supErr := <-supDone

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		logger.Error("health server terminated unexpectedly", slog.Any("error", serveErr))
		return fmt.Errorf("health server: %w", serveErr)
	}
	if supErr != nil {
		return fmt.Errorf("supervisor: %w", supErr)
	}
	logger.Info("watchdog shutdown complete")
	return nil
}

// newCheckClient never pools connections, so the watchdog holds no socket to a
// monitored port between checks.
func newCheckClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
}

// buildTargets always watches the hub. The peer watchdog is watched only when
// its health URL is configured.
func buildTargets(cfg watchdogEnv) []supervisor.TargetConfig {
	client := newCheckClient(cfg.ReqTimeout)
	targets := []supervisor.TargetConfig{{
		Name:       "hub",
		Port:       cfg.HubPort,
		Probe:      supervisor.HTTPProbe(client, cfg.hubHealthURL(), cfg.HubPort, cfg.ReqTimeout),
		Launcher:   supervisor.CommandLauncher{Command: cfg.HubCmd},
		Clearer:    supervisor.ToolClearer{Settle: portSettle},
		BackoffMin: cfg.BackoffMin,
		BackoffMax: cfg.BackoffMax,
	}}
	if peer := strings.TrimSpace(cfg.PeerHealthURL); peer != "" {
		targets = append(targets, supervisor.TargetConfig{
			Name:       "peer",
			Probe:      supervisor.HTTPProbe(client, peer, 0, cfg.ReqTimeout),
			Launcher:   supervisor.CommandLauncher{Command: cfg.PeerCmd, PIDFile: cfg.PeerPIDFile},
			BackoffMin: cfg.BackoffMin,
			BackoffMax: cfg.BackoffMax,
		})
	}
	return targets
}
