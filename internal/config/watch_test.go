package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/election-app/election-app/internal/keys"
)

func TestWatchKeySpaceReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := writeFile(t, dir, "keys.yaml", "regions: [CA]\ncategories: [P]\nsubTypes: [G]\n")

	changeCh := make(chan keys.Space, 4)
	errCh := make(chan error, 4)
	watcher, err := WatchKeySpace(ctx, path, func(space keys.Space) {
		changeCh <- space
	}, func(err error) {
		errCh <- err
	})
	require.NoError(t, err)
	defer watcher.Stop()

	// Unrelated files in the same directory are ignored.
	writeFile(t, dir, "other.yaml", "regions: [TX]\n")

	require.NoError(t, os.WriteFile(path, []byte("regions: [CA, TX]\ncategories: [P, S]\nsubTypes: [G]\n"), 0o600))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case space := <-changeCh:
			require.Equal(t, []string{"CA", "TX"}, space.Regions)
			require.Len(t, space.Keys(), 4)
			return
		case <-errCh:
			// a reload can observe the truncated file before the write lands
		case <-deadline:
			t.Fatal("timeout waiting for key space reload")
		}
	}
}

func TestWatchKeySpaceReportsBadDocument(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := writeFile(t, t.TempDir(), "keys.json", `{"regions": ["CA"], "categories": ["P"], "subTypes": ["G"]}`)

	changeCh := make(chan keys.Space, 4)
	errCh := make(chan error, 4)
	watcher, err := WatchKeySpace(ctx, path, func(space keys.Space) {
		changeCh <- space
	}, func(err error) {
		errCh <- err
	})
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`{"regions": [`), 0o600))

	select {
	case err := <-errCh:
		require.Contains(t, err.Error(), "key space")
	case space := <-changeCh:
		t.Fatalf("unexpected reload with %v", space)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload error")
	}
}

func TestWatchKeySpaceValidation(t *testing.T) {
	_, err := WatchKeySpace(context.Background(), "keys.yaml", nil, nil)
	require.Error(t, err)

	_, err = WatchKeySpace(context.Background(), "", func(keys.Space) {}, nil)
	require.Error(t, err)

	_, err = WatchKeySpace(context.Background(), filepath.Join(t.TempDir(), "missing", "keys.yaml"), func(keys.Space) {}, nil)
	require.Error(t, err)
}

func TestKeySpaceWatcherStopIsIdempotent(t *testing.T) {
	path := writeFile(t, t.TempDir(), "keys.yaml", "regions: [CA]\ncategories: [P]\nsubTypes: [G]\n")
	watcher, err := WatchKeySpace(context.Background(), path, func(keys.Space) {}, nil)
	require.NoError(t, err)

	watcher.Stop()
	watcher.Stop()

	var nilWatcher *KeySpaceWatcher
	nilWatcher.Stop()
}
