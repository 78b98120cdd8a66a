package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/election-app/election-app/internal/metrics"
)

const defaultCheckEvery = 3 * time.Second

type Options struct {
	// Role names this watchdog in its health document, e.g. primary or secondary.
	Role          string
	MonitoredPort int
	CheckEvery    time.Duration

	Clock   clock.Clock
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// Supervisor checks every target on a fixed cadence. Each target is probed in
// its own goroutine so a slow relaunch of one never delays the other.
type Supervisor struct {
	opts      Options
	clock     clock.Clock
	logger    *slog.Logger
	targets   []*Target
	startedAt time.Time
	pid       int
}

func New(opts Options, targets ...TargetConfig) *Supervisor {
	if opts.CheckEvery <= 0 {
		opts.CheckEvery = defaultCheckEvery
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "supervisor"), slog.String("role", opts.Role))

	s := &Supervisor{
		opts:      opts,
		clock:     clk,
		logger:    logger,
		startedAt: clk.Now(),
		pid:       os.Getpid(),
	}
	for _, cfg := range targets {
		s.targets = append(s.targets, newTarget(cfg, clk, opts.Metrics, logger))
	}
	return s
}

// Run checks all targets immediately and then every CheckEvery until ctx ends.
// Ticks that arrive while a check is still running are dropped.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("watchdog starting", slog.Int("targets", len(s.targets)), slog.Duration("check_every", s.opts.CheckEvery))
	ticker := s.clock.Ticker(s.opts.CheckEvery)
	defer ticker.Stop()

	s.CheckOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("watchdog stopping")
			return nil
		case <-ticker.C:
			s.CheckOnce(ctx)
		}
	}
}

// CheckOnce probes every target concurrently and waits for all of them.
func (s *Supervisor) CheckOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range s.targets {
		wg.Add(1)
		go func(t *Target) {
			defer wg.Done()
			t.Check(ctx)
		}(t)
	}
	wg.Wait()
}

// Targets returns the status of every target in configuration order.
func (s *Supervisor) Targets() []TargetStatus {
	out := make([]TargetStatus, len(s.targets))
	for i, t := range s.targets {
		out[i] = t.Status()
	}
	return out
}

type healthDocument struct {
	Role          string    `json:"role"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"startedAt"`
	MonitoredPort int       `json:"monitoredPort"`
	Healthy       bool      `json:"healthy"`
}

type statusDocument struct {
	healthDocument
	Targets []TargetStatus `json:"targets"`
}

// Handler serves /health for the peer and /status for operators.
func (s *Supervisor) Handler() http.Handler {
	mux := http.NewServeMux()
	health := func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, s.health())
	}
	mux.HandleFunc("GET /health", health)
	mux.HandleFunc("GET /healthz", health)
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, statusDocument{healthDocument: s.health(), Targets: s.Targets()})
	})
	return mux
}

func (s *Supervisor) health() healthDocument {
	return healthDocument{
		Role:          s.opts.Role,
		PID:           s.pid,
		StartedAt:     s.startedAt.UTC(),
		MonitoredPort: s.opts.MonitoredPort,
		Healthy:       true,
	}
}

func (s *Supervisor) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("response encode failed", slog.Any("error", err))
	}
}
