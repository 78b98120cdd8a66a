package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"

	"github.com/election-app/election-app/internal/metrics"
)

const (
	defaultBackoffMin = time.Second
	defaultBackoffMax = 20 * time.Second
	defaultLogEvery   = 30 * time.Second
)

// TargetConfig describes one monitored process.
type TargetConfig struct {
	Name string
	// Port is cleared before each relaunch. Zero, or a nil Clearer, skips clearing.
	Port       int
	Probe      Probe
	Launcher   Launcher
	Clearer    PortClearer
	BackoffMin time.Duration
	BackoffMax time.Duration
	// LogEvery bounds repeated probe-failure logs per target.
	LogEvery time.Duration
}

// TargetStatus is the externally visible view of a target.
type TargetStatus struct {
	Name          string     `json:"name"`
	State         State      `json:"state"`
	Status        int        `json:"status,omitempty"`
	Healthy       *bool      `json:"healthy,omitempty"`
	LatencyMS     float64    `json:"latencyMs"`
	LastError     string     `json:"lastError,omitempty"`
	LastProbe     *time.Time `json:"lastProbe,omitempty"`
	LastChange    *time.Time `json:"lastChange,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	Restarts      int64      `json:"restarts"`
	Backoff       float64    `json:"backoffSeconds"`
}

// Target runs the Unknown -> Up/Down state machine for one process. Down
// triggers a relaunch once the current backoff has elapsed; Up resets the
// backoff to its minimum.
type Target struct {
	cfg     TargetConfig
	clock   clock.Clock
	metrics *metrics.Recorder
	logger  *slog.Logger

	mu             sync.Mutex
	state          State
	last           ProbeResult
	lastProbeAt    time.Time
	lastChange     time.Time
	nextAttemptAt  time.Time
	lastFailureLog time.Time
	backoff        time.Duration
	restarts       int64
}

func newTarget(cfg TargetConfig, clk clock.Clock, rec *metrics.Recorder, logger *slog.Logger) *Target {
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = defaultBackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = max(defaultBackoffMax, cfg.BackoffMin)
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = defaultLogEvery
	}
	return &Target{
		cfg:     cfg,
		clock:   clk,
		metrics: rec,
		logger:  logger.With(slog.String("target", cfg.Name)),
		backoff: cfg.BackoffMin,
	}
}

func (t *Target) Name() string { return t.cfg.Name }

// Check probes once and reacts to the result. Probe and relaunch errors never
// escape; they only move the state machine.
func (t *Target) Check(ctx context.Context) ProbeResult {
	var res ProbeResult
	if t.cfg.Probe == nil {
		res = ProbeResult{State: StateDown, Err: errors.New("supervisor: no probe configured")}
	} else {
		res = t.cfg.Probe(ctx)
	}
	if ctx.Err() != nil {
		return res
	}
	now := t.clock.Now()
	t.metrics.ObserveProbe(t.cfg.Name, res.State == StateUp)

	t.mu.Lock()
	prev := t.state
	t.state = res.State
	t.last = res
	t.lastProbeAt = now
	if prev != res.State {
		t.lastChange = now
	}
	if res.State == StateUp {
		t.backoff = t.cfg.BackoffMin
		t.nextAttemptAt = time.Time{}
	}
	logFailure := res.State == StateDown && prev == StateDown &&
		now.Sub(t.lastFailureLog) >= t.cfg.LogEvery
	if res.State == StateDown && (prev != StateDown || logFailure) {
		t.lastFailureLog = now
	}
	relaunch := res.State == StateDown && !now.Before(t.nextAttemptAt)
	var wait time.Duration
	if relaunch {
		wait = t.backoff
		t.nextAttemptAt = now.Add(wait)
		t.backoff = min(2*t.backoff, t.cfg.BackoffMax)
		t.restarts++
	}
	t.mu.Unlock()

	switch {
	case prev != res.State && res.State == StateUp:
		t.logger.Info("target up", slog.String("from", prev.String()), slog.Duration("latency", res.Latency))
	case prev != res.State:
		t.logger.Warn("target down", slog.String("from", prev.String()), slog.Int("status", res.Status), slog.Any("error", res.Err))
	case logFailure:
		t.logger.Warn("target still down", slog.Int("status", res.Status), slog.Any("error", res.Err))
	}

	if relaunch {
		t.relaunch(ctx, wait)
	}
	return res
}

func (t *Target) relaunch(ctx context.Context, wait time.Duration) {
	var result *multierror.Error
	if t.cfg.Clearer != nil && t.cfg.Port > 0 {
		if err := t.cfg.Clearer.ClearPort(ctx, t.cfg.Port); err != nil {
			result = multierror.Append(result, err)
		}
	}
	pid := 0
	if t.cfg.Launcher == nil {
		result = multierror.Append(result, errors.New("supervisor: no launcher configured"))
	} else {
		var err error
		if pid, err = t.cfg.Launcher.Launch(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	t.metrics.ObserveRestart(t.cfg.Name)

	if err := result.ErrorOrNil(); err != nil {
		t.logger.Error("relaunch failed", slog.Any("error", err), slog.Duration("next_attempt_in", wait))
		return
	}
	t.logger.Info("relaunched", slog.Int("pid", pid), slog.Duration("next_attempt_in", wait))
}

// Status copies the current view of the target.
func (t *Target) Status() TargetStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := TargetStatus{
		Name:      t.cfg.Name,
		State:     t.state,
		Status:    t.last.Status,
		Healthy:   t.last.Healthy,
		LatencyMS: float64(t.last.Latency.Microseconds()) / 1000,
		Restarts:  t.restarts,
		Backoff:   t.backoff.Seconds(),
	}
	if t.last.Err != nil {
		st.LastError = t.last.Err.Error()
	}
	st.LastProbe = timePtr(t.lastProbeAt)
	st.LastChange = timePtr(t.lastChange)
	st.NextAttemptAt = timePtr(t.nextAttemptAt)
	return st
}

func timePtr(ts time.Time) *time.Time {
	if ts.IsZero() {
		return nil
	}
	utc := ts.UTC()
	return &utc
}
