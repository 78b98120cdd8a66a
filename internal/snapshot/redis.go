package snapshot

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/election-app/election-app/internal/cache"
)

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type RedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	Key      string         `koanf:"key"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

// RedisStore keeps the snapshot under one key.
type RedisStore struct {
	client valkey.Client
	key    string
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("snapshot: redis address required")
	}
	key := cfg.Key
	if key == "" {
		key = documentName + ":snapshot"
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}
	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("snapshot: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("snapshot: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("snapshot: redis client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("snapshot: redis ping: %w", err)
	}
	return &RedisStore{client: client, key: key}, nil
}

func (r *RedisStore) Name() string { return "redis" }

func (r *RedisStore) Save(ctx context.Context, snap cache.Snapshot) error {
	payload, err := encode(snap)
	if err != nil {
		return err
	}
	cmd := r.client.B().Set().Key(r.key).Value(valkey.BinaryString(payload)).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("snapshot: redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context) (cache.Snapshot, error) {
	resp := r.client.Do(ctx, r.client.B().Get().Key(r.key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return cache.Snapshot{}, ErrNotFound
		}
		return cache.Snapshot{}, fmt.Errorf("snapshot: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return cache.Snapshot{}, fmt.Errorf("snapshot: redis get bytes: %w", err)
	}
	return decode(payload)
}

func (r *RedisStore) Close() error {
	r.client.Close()
	return nil
}
