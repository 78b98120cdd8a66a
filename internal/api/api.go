package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/election-app/election-app/internal/cache"
	"github.com/election-app/election-app/internal/keys"
	"github.com/election-app/election-app/internal/poller"
	"github.com/election-app/election-app/internal/results"
)

// Snapshot lookup error codes. They are returned with HTTP 200.
const (
	ErrCodeMissingParams = "missing-params"
	ErrCodeNoSnapshot    = "no-snapshot"
	ErrCodeKeyNotFound   = "key-not-found"
)

// Poller is the part of the hub the operational endpoints drive.
type Poller interface {
	Health() poller.Health
	ForceCycle(n int) ([]keys.Key, error)
}

// Handler serves the read and operational endpoints. Reads only touch the
// cache store and never reach upstream.
type Handler struct {
	store  *cache.Store
	poller Poller
	ttl    time.Duration
	space  atomic.Pointer[keys.Space]
	logger *slog.Logger
}

func New(store *cache.Store, p Poller, space keys.Space, ttl time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		store:  store,
		poller: p,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "api")),
	}
	h.SetSpace(space)
	return h
}

// SetSpace swaps the key space used for defaults and membership checks.
func (h *Handler) SetSpace(space keys.Space) {
	h.space.Store(&space)
}

func (h *Handler) Space() keys.Space {
	return *h.space.Load()
}

type snapshotResponse struct {
	OK        bool            `json:"ok"`
	Key       string          `json:"key,omitempty"`
	Data      *results.Record `json:"data,omitempty"`
	UpdatedAt *time.Time      `json:"updatedAt,omitempty"`
	Stale     bool            `json:"stale"`
	Error     string          `json:"error,omitempty"`
}

// ServeSnapshot answers GET /api/snapshot?region=&category=&subtype=.
func (h *Handler) ServeSnapshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	region := strings.TrimSpace(q.Get("region"))
	if region == "" {
		h.writeJSON(w, http.StatusOK, snapshotResponse{Error: ErrCodeMissingParams})
		return
	}
	space := h.Space()
	category := strings.TrimSpace(q.Get("category"))
	if category == "" && len(space.Categories) > 0 {
		category = space.Categories[0]
	}
	subType := strings.TrimSpace(q.Get("subtype"))
	if subType == "" && len(space.SubTypes) > 0 {
		subType = space.SubTypes[0]
	}
	if category == "" || subType == "" {
		h.writeJSON(w, http.StatusOK, snapshotResponse{Error: ErrCodeMissingParams})
		return
	}

	key := keys.New(region, category, subType)
	if !space.Contains(key) {
		h.writeJSON(w, http.StatusOK, snapshotResponse{Key: key.String(), Error: ErrCodeKeyNotFound})
		return
	}
	entry, ok := h.store.Get(key)
	if !ok {
		h.writeJSON(w, http.StatusOK, snapshotResponse{Key: key.String(), Error: ErrCodeNoSnapshot})
		return
	}
	updated := entry.FetchedAt.UTC()
	h.writeJSON(w, http.StatusOK, snapshotResponse{
		OK:        true,
		Key:       key.String(),
		Data:      &entry.Record,
		UpdatedAt: &updated,
		Stale:     h.ttl <= 0 || h.store.Now().Sub(entry.FetchedAt) >= h.ttl,
	})
}

type healthResponse struct {
	OK      bool `json:"ok"`
	Healthy bool `json:"healthy"`
	poller.Health
}

// ServeHealth reports liveness plus poller progress. The watchdog probes it.
func (h *Handler) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, healthResponse{OK: true, Healthy: true, Health: h.poller.Health()})
}

// ServeStats returns the global and per-key counters.
func (h *Handler) ServeStats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.store.Stats())
}

type logResponse struct {
	Events []cache.Event `json:"events"`
	MaxSeq uint64        `json:"maxSeq"`
}

// ServeLog returns events newer than ?since.
func (h *Handler) ServeLog(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			h.WriteError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = v
	}
	events, maxSeq := h.store.LogSince(since)
	h.writeJSON(w, http.StatusOK, logResponse{Events: events, MaxSeq: maxSeq})
}

type forceResponse struct {
	OK         bool     `json:"ok"`
	Scheduled  []string `json:"scheduled,omitempty"`
	Error      string   `json:"error,omitempty"`
	RetryAfter int64    `json:"retryAfter,omitempty"`
}

// ServeForce schedules an immediate partial cycle of ?n keys.
func (h *Handler) ServeForce(w http.ResponseWriter, r *http.Request) {
	n := 1
	if raw := strings.TrimSpace(r.URL.Query().Get("n")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			h.WriteError(w, http.StatusBadRequest, "n must be an integer")
			return
		}
		n = v
	}

	batch, err := h.poller.ForceCycle(n)
	var throttled *poller.ThrottleError
	switch {
	case errors.As(err, &throttled):
		secs := int64(math.Ceil(throttled.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		h.writeJSON(w, http.StatusTooManyRequests, forceResponse{Error: "throttled", RetryAfter: secs})
		return
	case errors.Is(err, poller.ErrStopped):
		h.WriteError(w, http.StatusServiceUnavailable, "poller stopped")
		return
	case err != nil:
		h.logger.Error("force cycle failed", slog.Any("error", err))
		h.WriteError(w, http.StatusInternalServerError, "force cycle failed")
		return
	}

	scheduled := make([]string, len(batch))
	for i, k := range batch {
		scheduled[i] = k.String()
	}
	h.writeJSON(w, http.StatusAccepted, forceResponse{OK: true, Scheduled: scheduled})
}

// ServeClear drops every cached entry and counter.
func (h *Handler) ServeClear(w http.ResponseWriter, _ *http.Request) {
	h.store.Clear()
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type registryResponse struct {
	keys.Space
	Keys []string `json:"keys"`
}

// ServeRegistry lists the configured key space.
func (h *Handler) ServeRegistry(w http.ResponseWriter, _ *http.Request) {
	space := h.Space()
	expanded := space.Keys()
	out := registryResponse{Space: space, Keys: make([]string, len(expanded))}
	for i, k := range expanded {
		out.Keys[i] = k.String()
	}
	h.writeJSON(w, http.StatusOK, out)
}

// WriteError writes {ok:false, error} with the given status.
func (h *Handler) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	h.writeJSON(w, status, map[string]any{"ok": false, "error": message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("response encode failed", slog.Any("error", err))
	}
}
