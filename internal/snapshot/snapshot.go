package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/election-app/election-app/internal/cache"
)

var (
	// ErrNotFound means no snapshot has been written yet.
	ErrNotFound = errors.New("snapshot: not found")
	// ErrCorrupt means a stored snapshot could not be decoded.
	ErrCorrupt = errors.New("snapshot: corrupt")
)

// documentName identifies the single snapshot row or key in shared backends.
const documentName = "hub"

// Store persists one cache snapshot. Implementations are safe for concurrent use.
type Store interface {
	Save(ctx context.Context, snap cache.Snapshot) error
	Load(ctx context.Context) (cache.Snapshot, error)
	Name() string
	Close() error
}

type Config struct {
	Backend  string         `koanf:"backend"`
	Path     string         `koanf:"path"`
	Redis    RedisConfig    `koanf:"redis"`
	Postgres PostgresConfig `koanf:"postgres"`
}

// Open builds the configured backend. An empty backend selects the file store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "file":
		return NewFile(cfg.Path)
	case "sqlite":
		return NewSQLite(cfg.Path)
	case "redis":
		return NewRedis(ctx, cfg.Redis)
	case "postgres":
		return NewPostgres(ctx, cfg.Postgres)
	case "none":
		return Discard{}, nil
	default:
		return nil, fmt.Errorf("snapshot: unknown backend %q", cfg.Backend)
	}
}

func encode(snap cache.Snapshot) ([]byte, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode: %w", err)
	}
	return payload, nil
}

func decode(payload []byte) (cache.Snapshot, error) {
	var snap cache.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return cache.Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if snap.Version != cache.SnapshotVersion {
		return cache.Snapshot{}, fmt.Errorf("%w: version %d", ErrCorrupt, snap.Version)
	}
	return snap, nil
}

// Discard drops snapshots. It backs the "none" backend.
type Discard struct{}

func (Discard) Save(context.Context, cache.Snapshot) error { return nil }

func (Discard) Load(context.Context) (cache.Snapshot, error) {
	return cache.Snapshot{}, ErrNotFound
}

func (Discard) Name() string { return "none" }

func (Discard) Close() error { return nil }
