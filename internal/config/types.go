package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/election-app/election-app/internal/keys"
	"github.com/election-app/election-app/internal/snapshot"
	"github.com/election-app/election-app/internal/telemetry"
)

// Config holds every hub option. Field names mirror the koanf paths.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Poller    PollerConfig     `koanf:"poller"`
	Upstream  UpstreamConfig   `koanf:"upstream"`
	Decoder   DecoderConfig    `koanf:"decoder"`
	Keys      KeysConfig       `koanf:"keys"`
	Snapshot  snapshot.Config  `koanf:"snapshot"`
	Telemetry telemetry.Config `koanf:"telemetry"`

	// KeySources records the file the key space came from, if any.
	KeySources []string `koanf:"-"`
}

type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// PollerConfig carries the hub levers. Durations accept Go duration strings
// such as "15s".
type PollerConfig struct {
	MaxConcurrency           int           `koanf:"maxConcurrency"`
	KeysPerCycle             int           `koanf:"keysPerCycle"`
	DelayBetweenRequests     time.Duration `koanf:"delayBetweenRequests"`
	DelayBetweenCycles       time.Duration `koanf:"delayBetweenCycles"`
	MinRefreshIntervalPerKey time.Duration `koanf:"minRefreshIntervalPerKey"`
	ForceCycleCooldown       time.Duration `koanf:"forceCycleCooldown"`
	PollingEnabled           bool          `koanf:"pollingEnabled"`
	TTL                      time.Duration `koanf:"ttl"`
	WaitCeiling              time.Duration `koanf:"waitCeiling"`
	LogCapacity              int           `koanf:"logCapacity"`
}

type UpstreamConfig struct {
	BaseURL        string        `koanf:"baseURL"`
	Date           string        `koanf:"date"`
	Locator        string        `koanf:"locator"`
	RequestTimeout time.Duration `koanf:"requestTimeout"`
	MaxAttempts    int           `koanf:"maxAttempts"`
	BackoffBase    time.Duration `koanf:"backoffBase"`
	BackoffMax     time.Duration `koanf:"backoffMax"`
}

// DecoderConfig selects the CEL weight expression applied to every entry.
// Params is exposed to the expression as `params`.
type DecoderConfig struct {
	WeightExpression string         `koanf:"weightExpression"`
	Params           map[string]any `koanf:"params"`
}

// KeysConfig is the key space. When File is set the space is read from that
// document instead and the file is watched for changes.
type KeysConfig struct {
	keys.Space `koanf:",squash"`
	File       string `koanf:"file"`
}

// Validate enforces invariants that keep the hub predictable before it starts.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: server.listen.port invalid: %d", c.Server.Listen.Port)
	}

	p := c.Poller
	if p.MaxConcurrency < 1 {
		return fmt.Errorf("config: poller.maxConcurrency must be at least 1: %d", p.MaxConcurrency)
	}
	if p.KeysPerCycle < 1 {
		return fmt.Errorf("config: poller.keysPerCycle must be at least 1: %d", p.KeysPerCycle)
	}
	for name, d := range map[string]time.Duration{
		"poller.delayBetweenRequests":     p.DelayBetweenRequests,
		"poller.delayBetweenCycles":       p.DelayBetweenCycles,
		"poller.minRefreshIntervalPerKey": p.MinRefreshIntervalPerKey,
		"poller.forceCycleCooldown":       p.ForceCycleCooldown,
		"poller.ttl":                      p.TTL,
		"poller.waitCeiling":              p.WaitCeiling,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s must not be negative: %s", name, d)
		}
	}
	if p.PollingEnabled && p.DelayBetweenCycles <= 0 {
		return fmt.Errorf("config: poller.delayBetweenCycles must be positive when polling is enabled: %s", p.DelayBetweenCycles)
	}
	if p.LogCapacity < 0 {
		return fmt.Errorf("config: poller.logCapacity must not be negative: %d", p.LogCapacity)
	}

	u := c.Upstream
	if strings.TrimSpace(u.BaseURL) == "" {
		return errors.New("config: upstream.baseURL required")
	}
	if parsed, err := url.Parse(u.BaseURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("config: upstream.baseURL invalid: %q", u.BaseURL)
	}
	if u.MaxAttempts < 1 {
		return fmt.Errorf("config: upstream.maxAttempts must be at least 1: %d", u.MaxAttempts)
	}
	if u.RequestTimeout <= 0 {
		return fmt.Errorf("config: upstream.requestTimeout must be positive: %s", u.RequestTimeout)
	}
	if u.BackoffBase < 0 || u.BackoffMax < 0 {
		return errors.New("config: upstream backoff must not be negative")
	}
	if u.BackoffMax > 0 && u.BackoffBase > u.BackoffMax {
		return fmt.Errorf("config: upstream.backoffBase %s exceeds backoffMax %s", u.BackoffBase, u.BackoffMax)
	}

	if len(c.Keys.Keys()) == 0 {
		return errors.New("config: keys must name at least one region, category and subType")
	}

	switch backend := strings.ToLower(strings.TrimSpace(c.Snapshot.Backend)); backend {
	case "", "file", "sqlite":
		if strings.TrimSpace(c.Snapshot.Path) == "" {
			return fmt.Errorf("config: snapshot.path required for %s backend", defaultString(backend, "file"))
		}
	case "redis":
		if strings.TrimSpace(c.Snapshot.Redis.Address) == "" {
			return errors.New("config: snapshot.redis.address required for redis backend")
		}
	case "postgres":
		if strings.TrimSpace(c.Snapshot.Postgres.DSN) == "" {
			return errors.New("config: snapshot.postgres.dsn required for postgres backend")
		}
	case "none":
	default:
		return fmt.Errorf("config: snapshot.backend unsupported: %s", c.Snapshot.Backend)
	}
	return nil
}

// DefaultConfig returns the baseline values every other source overrides.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Poller: PollerConfig{
			MaxConcurrency:           2,
			KeysPerCycle:             10,
			DelayBetweenRequests:     time.Second,
			DelayBetweenCycles:       15 * time.Second,
			MinRefreshIntervalPerKey: 15 * time.Second,
			ForceCycleCooldown:       20 * time.Second,
			PollingEnabled:           true,
			TTL:                      15 * time.Second,
			WaitCeiling:              30 * time.Second,
			LogCapacity:              500,
		},
		Upstream: UpstreamConfig{
			BaseURL:        "http://127.0.0.1:5022",
			Date:           "2024-11-05",
			RequestTimeout: 10 * time.Second,
			MaxAttempts:    3,
			BackoffBase:    time.Second,
			BackoffMax:     20 * time.Second,
		},
		Decoder: DecoderConfig{
			WeightExpression: "1.0",
		},
		Keys: KeysConfig{
			Space: keys.Space{
				Regions:    []string{"CA", "TX", "FL", "NY"},
				Categories: []string{"P", "S", "G"},
				SubTypes:   []string{"G"},
			},
		},
		Snapshot: snapshot.Config{
			Backend: "file",
			Path:    "hub-snapshot.json",
			Redis: snapshot.RedisConfig{
				Key: "hub:snapshot",
			},
		},
		Telemetry: telemetry.Config{
			ServiceName: "election-hub",
		},
	}
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
