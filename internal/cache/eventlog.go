package cache

import (
	"log/slog"
	"time"

	"github.com/election-app/election-app/internal/keys"
)

// Event is one entry in the bounded operational log.
type Event struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"ts"`
	Level   string    `json:"level"`
	Message string    `json:"msg"`
	Key     string    `json:"key,omitempty"`

	level slog.Level
}

// eventRing evicts the oldest event once full. seq is never reset.
type eventRing struct {
	buf   []Event
	start int
	n     int
	seq   uint64
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]Event, capacity)}
}

func (r *eventRing) append(ts time.Time, level slog.Level, key keys.Key, msg string) Event {
	r.seq++
	ev := Event{
		Seq:     r.seq,
		Time:    ts.UTC(),
		Level:   levelName(level),
		Message: msg,
		level:   level,
	}
	if !key.IsZero() {
		ev.Key = key.String()
	}
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = ev
		r.n++
	} else {
		r.buf[r.start] = ev
		r.start = (r.start + 1) % len(r.buf)
	}
	return ev
}

func (r *eventRing) since(seq uint64) ([]Event, uint64) {
	out := make([]Event, 0)
	for i := 0; i < r.n; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out, r.seq
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warn"
	case level >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
