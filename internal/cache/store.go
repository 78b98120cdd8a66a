package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/election-app/election-app/internal/keys"
	"github.com/election-app/election-app/internal/metrics"
	"github.com/election-app/election-app/internal/results"
)

// ErrNoSnapshot is returned when a waiter gives up and nothing is cached for the key.
var ErrNoSnapshot = errors.New("cache: no snapshot")

const (
	defaultWaitCeiling = 30 * time.Second
	defaultLogCapacity = 500
)

// Entry is the cached record for one key. Entries are replaced whole on publish.
type Entry struct {
	Key       keys.Key       `json:"key"`
	Record    results.Record `json:"record"`
	FetchedAt time.Time      `json:"fetchedAt"`
}

// FetchFunc performs the upstream fetch and decode for one key.
type FetchFunc func(ctx context.Context) (results.Record, error)

// Options configures a Store. Zero values select defaults.
type Options struct {
	Clock       clock.Clock
	WaitCeiling time.Duration
	LogCapacity int
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
}

type guard struct {
	done    chan struct{}
	waiters int
	rec     results.Record
	err     error
}

// Store holds entries, stats, in-flight guards and the event ring under a
// single lock. The lock is never held across a fetch.
type Store struct {
	clock       clock.Clock
	waitCeiling time.Duration
	metrics     *metrics.Recorder
	logger      *slog.Logger

	mu       sync.RWMutex
	entries  map[keys.Key]Entry
	inflight map[keys.Key]*guard
	keyStats map[keys.Key]*KeyStats
	global   GlobalStats
	events   *eventRing
}

func New(opts Options) *Store {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	ceiling := opts.WaitCeiling
	if ceiling <= 0 {
		ceiling = defaultWaitCeiling
	}
	capacity := opts.LogCapacity
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		clock:       clk,
		waitCeiling: ceiling,
		metrics:     opts.Metrics,
		logger:      logger.With(slog.String("component", "cache")),
		entries:     make(map[keys.Key]Entry),
		inflight:    make(map[keys.Key]*guard),
		keyStats:    make(map[keys.Key]*KeyStats),
		events:      newEventRing(capacity),
	}
}

// Now exposes the store clock so collaborators share one time source.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

// GetFresh returns the record when now - fetchedAt < ttl. An entry exactly at
// the boundary is stale.
func (s *Store) GetFresh(key keys.Key, ttl time.Duration) (results.Record, time.Time, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		s.metrics.ObserveCacheLookup(metrics.CacheLookupMiss)
		return results.Record{}, time.Time{}, false
	}
	if !s.fresh(entry, ttl) {
		s.metrics.ObserveCacheLookup(metrics.CacheLookupStale)
		return results.Record{}, time.Time{}, false
	}
	s.metrics.ObserveCacheLookup(metrics.CacheLookupHit)
	return entry.Record.Clone(), entry.FetchedAt, true
}

// Get returns the entry regardless of age.
func (s *Store) Get(key keys.Key) (Entry, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		s.metrics.ObserveCacheLookup(metrics.CacheLookupMiss)
		return Entry{}, false
	}
	s.metrics.ObserveCacheLookup(metrics.CacheLookupHit)
	entry.Record = entry.Record.Clone()
	return entry, true
}

// GetOrFetch returns a fresh record or fetches one, allowing at most one fetch
// per key at a time. Concurrent callers for the same key share the owner's
// outcome. A ttl <= 0 always refreshes.
func (s *Store) GetOrFetch(ctx context.Context, key keys.Key, ttl time.Duration, fetch FetchFunc) (results.Record, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if ok && s.fresh(entry, ttl) {
		s.metrics.ObserveCacheFetch(metrics.CacheFetchFresh)
		return entry.Record.Clone(), nil
	}

	s.mu.Lock()
	if entry, ok := s.entries[key]; ok && s.fresh(entry, ttl) {
		s.mu.Unlock()
		s.metrics.ObserveCacheFetch(metrics.CacheFetchFresh)
		return entry.Record.Clone(), nil
	}
	if g, ok := s.inflight[key]; ok {
		g.waiters++
		s.mu.Unlock()
		return s.wait(ctx, key, ttl, g)
	}
	g := &guard{done: make(chan struct{})}
	s.inflight[key] = g
	s.statsLocked(key).LastAttemptAt = s.clock.Now()
	s.mu.Unlock()

	return s.own(ctx, key, g, fetch)
}

func (s *Store) own(ctx context.Context, key keys.Key, g *guard, fetch FetchFunc) (rec results.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec = results.Record{}
			err = fmt.Errorf("cache: fetch %s panicked: %v", key, r)
		}
		var ev Event
		s.mu.Lock()
		if err == nil {
			ev = s.publishLocked(key, rec)
		} else {
			ev = s.failureLocked(key, err)
		}
		g.rec, g.err = rec.Clone(), err
		delete(s.inflight, key)
		s.mu.Unlock()
		close(g.done)
		s.emit(ev)

		if err != nil {
			s.metrics.ObserveCacheFetch(metrics.CacheFetchError)
		} else {
			s.metrics.ObserveCacheFetch(metrics.CacheFetchStored)
		}
	}()
	return fetch(ctx)
}

func (s *Store) wait(ctx context.Context, key keys.Key, ttl time.Duration, g *guard) (results.Record, error) {
	started := s.clock.Now()
	timer := s.clock.Timer(s.waitBound(ttl))
	defer timer.Stop()

	select {
	case <-g.done:
		s.metrics.ObserveCacheFetch(metrics.CacheFetchShared)
		return g.rec.Clone(), g.err
	case <-timer.C:
	case <-ctx.Done():
	}

	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if ok && (!entry.FetchedAt.Before(started) || s.fresh(entry, ttl)) {
		s.metrics.ObserveCacheFetch(metrics.CacheFetchShared)
		return entry.Record.Clone(), nil
	}
	s.metrics.ObserveCacheFetch(metrics.CacheFetchNoSnapshot)
	return results.Record{}, fmt.Errorf("%w for %s", ErrNoSnapshot, key)
}

// waitBound is min(2*ttl, ceiling), or the ceiling when ttl is not positive.
func (s *Store) waitBound(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.waitCeiling
	}
	if bound := 2 * ttl; bound < s.waitCeiling {
		return bound
	}
	return s.waitCeiling
}

func (s *Store) fresh(entry Entry, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return s.clock.Now().Sub(entry.FetchedAt) < ttl
}

// Publish replaces the entry for key and counts a successful fetch.
func (s *Store) Publish(key keys.Key, rec results.Record) {
	s.mu.Lock()
	ev := s.publishLocked(key, rec)
	s.mu.Unlock()
	s.emit(ev)
}

// RecordFailure counts a failed fetch. The existing entry, if any, is kept.
func (s *Store) RecordFailure(key keys.Key, err error) {
	s.mu.Lock()
	ev := s.failureLocked(key, err)
	s.mu.Unlock()
	s.emit(ev)
}

func (s *Store) publishLocked(key keys.Key, rec results.Record) Event {
	now := s.clock.Now()
	s.entries[key] = Entry{Key: key, Record: rec.Clone(), FetchedAt: now}
	st := s.statsLocked(key)
	st.LastFetchAt = now
	st.OKCount++
	return s.events.append(now, slog.LevelInfo, key, fmt.Sprintf("refreshed %d units, total %d", len(rec.Units), rec.Total))
}

func (s *Store) failureLocked(key keys.Key, err error) Event {
	now := s.clock.Now()
	s.statsLocked(key).ErrCount++
	s.global.Errors++
	msg := "fetch failed"
	if err != nil {
		msg = "fetch failed: " + err.Error()
	}
	return s.events.append(now, slog.LevelError, key, msg)
}

// Clear wipes entries and stats. Event sequence numbers keep increasing.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[keys.Key]Entry)
	s.keyStats = make(map[keys.Key]*KeyStats)
	s.global = GlobalStats{}
	ev := s.events.append(s.clock.Now(), slog.LevelWarn, keys.Key{}, "cache cleared")
	s.mu.Unlock()
	s.emit(ev)
}

// Len reports the number of cached keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// InFlight reports whether a fetch owner currently exists for key.
func (s *Store) InFlight(key keys.Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inflight[key]
	return ok
}

// Logf appends an event to the ring and mirrors it to the structured logger.
// A zero key means the event is not tied to one key.
func (s *Store) Logf(level slog.Level, key keys.Key, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	s.mu.Lock()
	ev := s.events.append(s.clock.Now(), level, key, msg)
	s.mu.Unlock()
	s.emit(ev)
}

// LogSince returns events with Seq > since and the highest assigned Seq.
func (s *Store) LogSince(since uint64) ([]Event, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events.since(since)
}

func (s *Store) emit(ev Event) {
	attrs := []slog.Attr{slog.Uint64("seq", ev.Seq)}
	if ev.Key != "" {
		attrs = append(attrs, slog.String("key", ev.Key))
	}
	s.logger.LogAttrs(context.Background(), ev.level, ev.Message, attrs...)
}
