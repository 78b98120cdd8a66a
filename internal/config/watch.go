package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/election-app/election-app/internal/keys"
)

const watchDebounce = 25 * time.Millisecond

// KeySpaceWatcher reloads the key-space file whenever it changes. Stop must be
// called to release filesystem resources.
type KeySpaceWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *KeySpaceWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchKeySpace watches the directory holding path so editor-style atomic
// replaces are seen. onChange receives every successfully parsed space; a bad
// document goes to onError and the previous space stays in effect.
func WatchKeySpace(ctx context.Context, path string, onChange func(keys.Space), onError func(error)) (*KeySpaceWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch key space requires a change callback")
	}
	if path == "" {
		return nil, errors.New("config: no key space file configured for watching")
	}
	target := path
	if abs, err := filepath.Abs(path); err == nil {
		target = abs
	}
	target = filepath.Clean(target)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch key space: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		if closeErr := watcher.Close(); closeErr != nil && onError != nil {
			onError(fmt.Errorf("config: watch key space close: %w", closeErr))
		}
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(target), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w := &KeySpaceWatcher{cancel: cancel, done: done}

	reload := func() {
		space, err := LoadKeySpace(target)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(space)
	}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch key space close: %w", err))
			}
		}()

		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(watchDebounce)
			} else {
				reloadTimer.Stop()
				reloadTimer.Reset(watchDebounce)
			}
			reloadSignal = reloadTimer.C
		}
		defer func() {
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				reloadSignal = nil
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && onError != nil {
					onError(fmt.Errorf("config: key space file %s removed", target))
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("config: watch error: %w", err))
				}
			}
		}
	}()

	return w, nil
}
