package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/election-app/election-app/internal/cache"
)

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int    `koanf:"maxConns"`
}

const postgresSchema = `CREATE TABLE IF NOT EXISTS hub_snapshots (
	name     text PRIMARY KEY,
	saved_at timestamptz NOT NULL,
	payload  jsonb NOT NULL
)`

// PostgresStore keeps the snapshot in a jsonb column.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("snapshot: postgres dsn required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("snapshot: postgres dsn: %w", err)
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 2
	}
	pcfg.MaxConns = int32(maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("snapshot: postgres connect: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("snapshot: postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Name() string { return "postgres" }

func (p *PostgresStore) Save(ctx context.Context, snap cache.Snapshot) error {
	payload, err := encode(snap)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO hub_snapshots (name, saved_at, payload) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET saved_at = EXCLUDED.saved_at, payload = EXCLUDED.payload`,
		documentName, snap.SavedAt.UTC(), payload,
	)
	if err != nil {
		return fmt.Errorf("snapshot: postgres save: %w", err)
	}
	return nil
}

func (p *PostgresStore) Load(ctx context.Context) (cache.Snapshot, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx, `SELECT payload FROM hub_snapshots WHERE name = $1`, documentName).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cache.Snapshot{}, ErrNotFound
		}
		return cache.Snapshot{}, fmt.Errorf("snapshot: postgres load: %w", err)
	}
	return decode(payload)
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
