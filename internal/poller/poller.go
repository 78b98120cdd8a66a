package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/channelqueue"

	"github.com/election-app/election-app/internal/cache"
	"github.com/election-app/election-app/internal/keys"
	"github.com/election-app/election-app/internal/metrics"
	"github.com/election-app/election-app/internal/results"
	"github.com/election-app/election-app/internal/snapshot"
)

// ErrStopped is returned by ForceCycle once the poller has shut down.
var ErrStopped = errors.New("poller: stopped")

// ErrForceThrottled is matched by the error ForceCycle returns inside the cooldown.
var ErrForceThrottled = errors.New("poller: force cycle throttled")

// ThrottleError reports how long the caller has to wait before forcing again.
type ThrottleError struct {
	RetryAfter time.Duration
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("%s, retry after %s", ErrForceThrottled, e.RetryAfter)
}

func (e *ThrottleError) Is(target error) bool { return target == ErrForceThrottled }

// Fetcher returns the raw upstream document for a key.
type Fetcher interface {
	Fetch(ctx context.Context, key keys.Key) ([]byte, error)
}

// Decoder turns a raw document into a record.
type Decoder interface {
	Decode(key keys.Key, raw []byte) (results.Record, error)
}

const snapshotTimeout = 10 * time.Second

type Options struct {
	MaxConcurrency       int
	KeysPerCycle         int
	DelayBetweenRequests time.Duration
	DelayBetweenCycles   time.Duration
	MinRefreshInterval   time.Duration
	ForceCooldown        time.Duration
	RequestTimeout       time.Duration
	PollingEnabled       bool

	Clock   clock.Clock
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

type workItem struct {
	key  keys.Key
	done func()
}

// Poller keeps the cache warm. It is the only component that calls upstream.
type Poller struct {
	opts      Options
	clock     clock.Clock
	store     *cache.Store
	fetcher   Fetcher
	decoder   Decoder
	snapshots snapshot.Store
	iter      *keys.Iterator
	metrics   *metrics.Recorder
	logger    *slog.Logger

	queue    *channelqueue.ChannelQueue[workItem]
	queueMu  sync.Mutex
	stopped  bool
	stopOnce sync.Once

	mu           sync.Mutex
	lastCycleEnd time.Time
	cycles       int64
	lastForce    time.Time
}

func New(opts Options, store *cache.Store, fetcher Fetcher, decoder Decoder, snapshots snapshot.Store, keySet []keys.Key) *Poller {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.KeysPerCycle <= 0 {
		opts.KeysPerCycle = 1
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if snapshots == nil {
		snapshots = snapshot.Discard{}
	}
	return &Poller{
		opts:      opts,
		clock:     clk,
		store:     store,
		fetcher:   fetcher,
		decoder:   decoder,
		snapshots: snapshots,
		iter:      keys.NewIterator(keySet),
		metrics:   opts.Metrics,
		logger:    logger.With(slog.String("component", "poller")),
		queue:     channelqueue.New[workItem](-1),
	}
}

// SetKeys swaps the key space. The round-robin cursor stays in range.
func (p *Poller) SetKeys(keySet []keys.Key) {
	p.iter.Reset(keySet)
	p.store.Logf(slog.LevelInfo, keys.Key{}, "key space updated: %d keys", len(keySet))
}

// Keys returns the current key space.
func (p *Poller) Keys() []keys.Key {
	return p.iter.Keys()
}

// Run restores the snapshot, starts the workers and, when polling is enabled,
// the cycle loop. It blocks until ctx is cancelled and the final snapshot is
// written.
func (p *Poller) Run(ctx context.Context) error {
	p.restore(ctx)

	fetchCtx, cancelFetch := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelFetch()

	var workers sync.WaitGroup
	for i := 0; i < p.opts.MaxConcurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			p.worker(ctx, fetchCtx)
		}()
	}
	p.logger.Info("poller started",
		slog.Int("workers", p.opts.MaxConcurrency),
		slog.Int("keys", p.iter.Len()),
		slog.Bool("polling", p.opts.PollingEnabled),
	)

	if p.opts.PollingEnabled {
		p.cycleLoop(ctx)
	} else {
		<-ctx.Done()
	}

	p.stop()
	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	timer := p.clock.Timer(p.opts.RequestTimeout)
	select {
	case <-drained:
	case <-timer.C:
		p.logger.Warn("in-flight fetches exceeded shutdown timeout; cancelling")
		cancelFetch()
		<-drained
	}
	timer.Stop()

	p.saveSnapshot(context.WithoutCancel(ctx))
	p.logger.Info("poller stopped")
	return nil
}

func (p *Poller) stop() {
	p.stopOnce.Do(func() {
		p.queueMu.Lock()
		p.stopped = true
		close(p.queue.In())
		p.queueMu.Unlock()
	})
}

func (p *Poller) enqueue(items []workItem) error {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	for _, item := range items {
		p.queue.In() <- item
	}
	return nil
}

func (p *Poller) worker(ctx, fetchCtx context.Context) {
	for item := range p.queue.Out() {
		if ctx.Err() != nil {
			item.done()
			continue
		}
		fetched := p.process(fetchCtx, item.key)
		item.done()
		if fetched {
			p.sleep(ctx, p.opts.DelayBetweenRequests)
		}
	}
}

// process refreshes one key unless it is inside its cooldown window. It reports
// whether an upstream fetch was attempted.
func (p *Poller) process(ctx context.Context, key keys.Key) bool {
	if p.opts.MinRefreshInterval > 0 {
		if st, ok := p.store.KeyStats(key); ok {
			since := p.clock.Now().Sub(st.LastActivity())
			if since < p.opts.MinRefreshInterval {
				p.store.Logf(slog.LevelInfo, key, "skipped: last activity %s ago", since.Truncate(time.Millisecond))
				p.metrics.ObservePollerKey(metrics.PollerKeySkipped)
				return false
			}
		}
	}

	_, err := p.store.GetOrFetch(ctx, key, 0, func(ctx context.Context) (results.Record, error) {
		raw, err := p.fetcher.Fetch(ctx, key)
		if err != nil {
			return results.Record{}, err
		}
		return p.decoder.Decode(key, raw)
	})
	if err != nil {
		p.metrics.ObservePollerKey(metrics.PollerKeyFailed)
		p.logger.Warn("refresh failed", slog.String("key", key.String()), slog.Any("error", err))
		return true
	}
	p.metrics.ObservePollerKey(metrics.PollerKeyRefreshed)
	return true
}

func (p *Poller) cycleLoop(ctx context.Context) {
	for ctx.Err() == nil {
		started := p.clock.Now()
		p.runCycle(ctx)
		elapsed := p.clock.Now().Sub(started)
		p.metrics.ObservePollerCycle(elapsed)
		if !p.sleep(ctx, p.opts.DelayBetweenCycles-elapsed) {
			return
		}
	}
}

// runCycle drains one batch and persists a snapshot.
func (p *Poller) runCycle(ctx context.Context) {
	batch := p.iter.Next(p.opts.KeysPerCycle)
	if len(batch) > 0 {
		var wg sync.WaitGroup
		items := make([]workItem, len(batch))
		for i, k := range batch {
			wg.Add(1)
			items[i] = workItem{key: k, done: wg.Done}
		}
		if err := p.enqueue(items); err != nil {
			return
		}
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}

	p.saveSnapshot(ctx)
	p.mu.Lock()
	p.lastCycleEnd = p.clock.Now()
	p.cycles++
	p.mu.Unlock()
}

// ForceCycle schedules up to n keys now. n is clamped to [1, KeysPerCycle].
// Calls inside the force cooldown return a *ThrottleError. An empty key space
// schedules nothing and leaves the cooldown untouched.
func (p *Poller) ForceCycle(n int) ([]keys.Key, error) {
	if n < 1 {
		n = 1
	}
	if n > p.opts.KeysPerCycle {
		n = p.opts.KeysPerCycle
	}

	now := p.clock.Now()
	p.mu.Lock()
	if !p.lastForce.IsZero() && p.opts.ForceCooldown > 0 {
		if wait := p.opts.ForceCooldown - now.Sub(p.lastForce); wait > 0 {
			p.mu.Unlock()
			p.metrics.ObserveForce(false)
			return nil, &ThrottleError{RetryAfter: wait}
		}
	}
	batch := p.iter.Next(n)
	if len(batch) == 0 {
		p.mu.Unlock()
		return []keys.Key{}, nil
	}
	p.lastForce = now
	p.mu.Unlock()

	items := make([]workItem, len(batch))
	for i, k := range batch {
		items[i] = workItem{key: k, done: func() {}}
	}
	if err := p.enqueue(items); err != nil {
		return nil, err
	}
	p.metrics.ObserveForce(true)
	p.store.Logf(slog.LevelInfo, keys.Key{}, "force cycle scheduled %d keys", len(batch))
	return batch, nil
}

func (p *Poller) restore(ctx context.Context) {
	loadCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	snap, err := p.snapshots.Load(loadCtx)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		p.logger.Info("no snapshot found; starting cold", slog.String("backend", p.snapshots.Name()))
		return
	case err != nil:
		p.logger.Warn("snapshot unreadable; starting cold", slog.String("backend", p.snapshots.Name()), slog.Any("error", err))
		return
	}
	if err := p.store.Restore(snap); err != nil {
		p.logger.Warn("snapshot rejected; starting cold", slog.Any("error", err))
	}
}

func (p *Poller) saveSnapshot(ctx context.Context) {
	saveCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	err := p.snapshots.Save(saveCtx, p.store.Export())
	p.metrics.ObserveSnapshotWrite(p.snapshots.Name(), err)
	if err != nil {
		p.logger.Warn("snapshot write failed", slog.String("backend", p.snapshots.Name()), slog.Any("error", err))
	}
}

// sleep waits d or until ctx is done. It reports false when ctx ended first.
func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := p.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
