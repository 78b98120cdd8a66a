package cache

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/election-app/election-app/internal/keys"
)

// SnapshotVersion is bumped whenever the persisted layout changes.
const SnapshotVersion = 1

// Snapshot is the persisted form of the store.
type Snapshot struct {
	Version  int                   `json:"version"`
	SavedAt  time.Time             `json:"savedAt"`
	Entries  []Entry               `json:"entries"`
	KeyStats map[keys.Key]KeyStats `json:"keyStats"`
	Global   GlobalStats           `json:"global"`
}

// Export copies the store into a Snapshot. Entries are ordered by key.
func (s *Store) Export() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Version:  SnapshotVersion,
		SavedAt:  s.clock.Now().UTC(),
		Entries:  make([]Entry, 0, len(s.entries)),
		KeyStats: make(map[keys.Key]KeyStats, len(s.keyStats)),
		Global:   s.global,
	}
	for _, e := range s.entries {
		e.Record = e.Record.Clone()
		snap.Entries = append(snap.Entries, e)
	}
	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Key.String() < snap.Entries[j].Key.String()
	})
	for k, st := range s.keyStats {
		snap.KeyStats[k] = *st
	}
	return snap
}

// Restore replaces entries and stats with the snapshot contents.
func (s *Store) Restore(snap Snapshot) error {
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("cache: unsupported snapshot version %d", snap.Version)
	}
	entries := make(map[keys.Key]Entry, len(snap.Entries))
	for _, e := range snap.Entries {
		if e.Key.IsZero() {
			continue
		}
		e.Record = e.Record.Clone()
		entries[e.Key] = e
	}
	stats := make(map[keys.Key]*KeyStats, len(snap.KeyStats))
	for k, st := range snap.KeyStats {
		st := st
		stats[k] = &st
	}

	s.mu.Lock()
	s.entries = entries
	s.keyStats = stats
	s.global = snap.Global
	ev := s.events.append(s.clock.Now(), slog.LevelInfo, keys.Key{}, fmt.Sprintf("restored %d entries from snapshot saved %s", len(entries), snap.SavedAt.Format(time.RFC3339)))
	s.mu.Unlock()
	s.emit(ev)
	return nil
}
