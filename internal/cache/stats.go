package cache

import (
	"time"

	"github.com/election-app/election-app/internal/keys"
)

// KeyStats tracks fetch activity for one key. Counters only grow until Clear.
type KeyStats struct {
	LastFetchAt   time.Time `json:"lastFetchAt"`
	LastAttemptAt time.Time `json:"lastAttemptAt"`
	OKCount       int64     `json:"okCount"`
	ErrCount      int64     `json:"errCount"`
}

// LastActivity is the later of the last successful fetch and the last attempt.
func (k KeyStats) LastActivity() time.Time {
	if k.LastAttemptAt.After(k.LastFetchAt) {
		return k.LastAttemptAt
	}
	return k.LastFetchAt
}

type GlobalStats struct {
	UpstreamCalls int64 `json:"upstreamCalls"`
	UpstreamBytes int64 `json:"upstreamBytes"`
	Errors        int64 `json:"errors"`
}

// StatsSnapshot is a point-in-time copy of all counters.
type StatsSnapshot struct {
	Global GlobalStats           `json:"global"`
	Keys   map[keys.Key]KeyStats `json:"keys"`
}

// statsLocked returns the stats for key, creating them on first use.
func (s *Store) statsLocked(key keys.Key) *KeyStats {
	st, ok := s.keyStats[key]
	if !ok {
		st = &KeyStats{}
		s.keyStats[key] = st
	}
	return st
}

// KeyStats returns a copy of the counters for key.
func (s *Store) KeyStats(key keys.Key) (KeyStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.keyStats[key]
	if !ok {
		return KeyStats{}, false
	}
	return *st, true
}

// Stats returns a copy of the global and per-key counters.
func (s *Store) Stats() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := StatsSnapshot{
		Global: s.global,
		Keys:   make(map[keys.Key]KeyStats, len(s.keyStats)),
	}
	for k, st := range s.keyStats {
		out.Keys[k] = *st
	}
	return out
}

// AddUpstream records upstream calls and bytes read. It satisfies the upstream
// client's stats sink.
func (s *Store) AddUpstream(calls, bytes int64) {
	s.mu.Lock()
	s.global.UpstreamCalls += calls
	s.global.UpstreamBytes += bytes
	s.mu.Unlock()
}
