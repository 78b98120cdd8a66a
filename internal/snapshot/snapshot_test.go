package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/election-app/election-app/internal/cache"
	"github.com/election-app/election-app/internal/keys"
	"github.com/election-app/election-app/internal/results"
)

func sampleSnapshot() cache.Snapshot {
	key := keys.New("CA", "P", "G")
	fetched := time.Date(2024, 11, 5, 20, 0, 0, 0, time.UTC)
	return cache.Snapshot{
		Version: cache.SnapshotVersion,
		SavedAt: fetched.Add(time.Minute),
		Entries: []cache.Entry{{
			Key: key,
			Record: results.Record{
				Units: map[string]results.Unit{
					"06001": {Name: "Alameda", Entries: []results.Entry{{Name: "A B", Category: "DEM", Count: 1000}}, Total: 1000},
				},
				Total: 1000,
			},
			FetchedAt: fetched,
		}},
		KeyStats: map[keys.Key]cache.KeyStats{
			key: {LastFetchAt: fetched, LastAttemptAt: fetched, OKCount: 4, ErrCount: 1},
		},
		Global: cache.GlobalStats{UpstreamCalls: 5, UpstreamBytes: 4096, Errors: 1},
	}
}

// exerciseStore checks the contract every backend shares.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	want := sampleSnapshot()
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, want.Global, got.Global)
	require.Len(t, got.Entries, 1)
	require.Equal(t, want.Entries[0].Key, got.Entries[0].Key)
	require.True(t, want.Entries[0].FetchedAt.Equal(got.Entries[0].FetchedAt))
	require.Equal(t, want.Entries[0].Record, got.Entries[0].Record)
	require.Equal(t, int64(4), got.KeyStats[keys.New("CA", "P", "G")].OKCount)

	want.Global.UpstreamCalls = 9
	require.NoError(t, store.Save(ctx, want))
	got, err = store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(9), got.Global.UpstreamCalls)

	require.NoError(t, store.Close())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "snapshot.json")
	store, err := NewFile(path)
	require.NoError(t, err)
	require.Equal(t, "file", store.Name())
	exerciseStore(t, store)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	store, err := NewFile(path)
	require.NoError(t, err)

	_, err = store.Load(context.Background())
	require.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, os.WriteFile(path, []byte(`{"version":42}`), 0o600))
	_, err = store.Load(context.Background())
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestFileStoreKeepsPreviousOnFailedWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.json")
	store, err := NewFile(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), sampleSnapshot()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, store.Save(ctx, cache.Snapshot{Version: cache.SnapshotVersion}))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got.Entries, 1)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLite(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	require.Equal(t, "sqlite", store.Name())
	exerciseStore(t, store)
}

func TestRedisStore(t *testing.T) {
	server := miniredis.RunT(t)

	store, err := NewRedis(context.Background(), RedisConfig{Address: server.Addr(), Key: "test:snapshot"})
	require.NoError(t, err)
	require.Equal(t, "redis", store.Name())
	exerciseStore(t, store)
	require.True(t, server.Exists("test:snapshot"))
}

func TestRedisStoreCorrupt(t *testing.T) {
	server := miniredis.RunT(t)
	require.NoError(t, server.Set("hub:snapshot", "garbage"))

	store, err := NewRedis(context.Background(), RedisConfig{Address: server.Addr()})
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Load(context.Background())
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("HUB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HUB_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := NewPostgres(ctx, PostgresConfig{DSN: dsn})
	require.NoError(t, err)
	_, err = store.pool.Exec(ctx, `DELETE FROM hub_snapshots WHERE name = $1`, documentName)
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := Open(ctx, Config{Path: filepath.Join(dir, "a.json")})
	require.NoError(t, err)
	require.Equal(t, "file", store.Name())

	store, err = Open(ctx, Config{Backend: "SQLite", Path: filepath.Join(dir, "b.db")})
	require.NoError(t, err)
	require.Equal(t, "sqlite", store.Name())
	require.NoError(t, store.Close())

	store, err = Open(ctx, Config{Backend: "none"})
	require.NoError(t, err)
	_, err = store.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = Open(ctx, Config{Backend: "s3"})
	require.Error(t, err)

	_, err = Open(ctx, Config{Backend: "file"})
	require.Error(t, err)
}
