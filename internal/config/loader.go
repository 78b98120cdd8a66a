package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/election-app/election-app/internal/keys"
)

// Loader hydrates the hub configuration with env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load merges defaults, config files and the environment, resolves the
// optional key-space file, and validates the result.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}
	// Env keys arrive lower-cased; map them back onto the camelCase paths the
	// defaults declare.
	canonical := make(map[string]string)
	for _, key := range k.Keys() {
		canonical[strings.ToLower(key)] = key
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if err := ensureFileExists(path); err != nil {
			return Config{}, err
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (POLLER__MAXCONCURRENCY -> poller.maxConcurrency).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			return strings.ToLower(strings.ReplaceAll(key, "_", ""))
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if path := strings.TrimSpace(cfg.Keys.File); path != "" {
		space, err := LoadKeySpace(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Keys.Space = space
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		cfg.KeySources = []string{path}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadKeySpace reads a standalone key-space document with top-level regions,
// categories and subTypes lists.
func LoadKeySpace(path string) (keys.Space, error) {
	if err := ensureFileExists(path); err != nil {
		return keys.Space{}, err
	}
	parser, err := parserFor(path)
	if err != nil {
		return keys.Space{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return keys.Space{}, fmt.Errorf("config: load key space from %s: %w", path, err)
	}
	var space keys.Space
	if err := k.Unmarshal("", &space); err != nil {
		return keys.Space{}, fmt.Errorf("config: decode key space from %s: %w", path, err)
	}
	if len(space.Keys()) == 0 {
		return keys.Space{}, fmt.Errorf("config: key space %s is empty", path)
	}
	return space, nil
}

func ensureFileExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config: file %s not found", path)
		}
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	return nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %q", ext)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	decoder := map[string]any{
		"weightExpression": cfg.Decoder.WeightExpression,
	}
	if len(cfg.Decoder.Params) > 0 {
		decoder["params"] = cfg.Decoder.Params
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"poller": map[string]any{
			"maxConcurrency":           cfg.Poller.MaxConcurrency,
			"keysPerCycle":             cfg.Poller.KeysPerCycle,
			"delayBetweenRequests":     cfg.Poller.DelayBetweenRequests.String(),
			"delayBetweenCycles":       cfg.Poller.DelayBetweenCycles.String(),
			"minRefreshIntervalPerKey": cfg.Poller.MinRefreshIntervalPerKey.String(),
			"forceCycleCooldown":       cfg.Poller.ForceCycleCooldown.String(),
			"pollingEnabled":           cfg.Poller.PollingEnabled,
			"ttl":                      cfg.Poller.TTL.String(),
			"waitCeiling":              cfg.Poller.WaitCeiling.String(),
			"logCapacity":              cfg.Poller.LogCapacity,
		},
		"upstream": map[string]any{
			"baseURL":        cfg.Upstream.BaseURL,
			"date":           cfg.Upstream.Date,
			"locator":        cfg.Upstream.Locator,
			"requestTimeout": cfg.Upstream.RequestTimeout.String(),
			"maxAttempts":    cfg.Upstream.MaxAttempts,
			"backoffBase":    cfg.Upstream.BackoffBase.String(),
			"backoffMax":     cfg.Upstream.BackoffMax.String(),
		},
		"decoder": decoder,
		"keys": map[string]any{
			"regions":    cfg.Keys.Regions,
			"categories": cfg.Keys.Categories,
			"subTypes":   cfg.Keys.SubTypes,
			"file":       cfg.Keys.File,
		},
		"snapshot": map[string]any{
			"backend": cfg.Snapshot.Backend,
			"path":    cfg.Snapshot.Path,
			"redis": map[string]any{
				"address":  cfg.Snapshot.Redis.Address,
				"username": cfg.Snapshot.Redis.Username,
				"password": cfg.Snapshot.Redis.Password,
				"db":       cfg.Snapshot.Redis.DB,
				"key":      cfg.Snapshot.Redis.Key,
				"tls": map[string]any{
					"enabled": cfg.Snapshot.Redis.TLS.Enabled,
					"caFile":  cfg.Snapshot.Redis.TLS.CAFile,
				},
			},
			"postgres": map[string]any{
				"dsn":      cfg.Snapshot.Postgres.DSN,
				"maxConns": cfg.Snapshot.Postgres.MaxConns,
			},
		},
		"telemetry": map[string]any{
			"otlpEndpoint": cfg.Telemetry.OTLPEndpoint,
			"serviceName":  cfg.Telemetry.ServiceName,
		},
	}
}
