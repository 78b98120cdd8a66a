package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// State is the last observed condition of a target.
type State int

const (
	StateUnknown State = iota
	StateUp
	StateDown
)

func (s State) String() string {
	switch s {
	case StateUp:
		return "up"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ProbeResult is the outcome of one health check.
type ProbeResult struct {
	State   State
	Status  int
	Healthy *bool
	Err     error
	Latency time.Duration
}

// Probe performs one health check. It must honour ctx.
type Probe func(ctx context.Context) ProbeResult

const (
	dialTimeout  = 500 * time.Millisecond
	maxProbeBody = 64 << 10
)

// HTTPProbe checks that port accepts TCP connections on loopback (skipped when
// port is 0) and then GETs url. The target is up iff the response is 2xx and a
// JSON "healthy" field, when present, is true. Each check uses a fresh
// connection that is closed when the check returns.
func HTTPProbe(client *http.Client, url string, port int, timeout time.Duration) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) ProbeResult {
		started := time.Now()
		down := func(status int, err error) ProbeResult {
			return ProbeResult{State: StateDown, Status: status, Err: err, Latency: time.Since(started)}
		}

		if port > 0 {
			addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
			dialer := net.Dialer{Timeout: dialTimeout}
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				return down(0, fmt.Errorf("supervisor: port %d not listening: %w", port, err))
			}
			_ = conn.Close()
		}

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return down(0, fmt.Errorf("supervisor: build probe request: %w", err))
		}
		// No idle connection may outlive a check.
		req.Close = true
		resp, err := client.Do(req)
		if err != nil {
			return down(0, fmt.Errorf("supervisor: probe %s: %w", url, err))
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return down(resp.StatusCode, fmt.Errorf("supervisor: probe %s: status %d", url, resp.StatusCode))
		}
		result := ProbeResult{State: StateUp, Status: resp.StatusCode, Latency: time.Since(started)}
		var doc struct {
			Healthy *bool `json:"healthy"`
		}
		if json.Unmarshal(body, &doc) == nil && doc.Healthy != nil {
			result.Healthy = doc.Healthy
			if !*doc.Healthy {
				result.State = StateDown
				result.Err = fmt.Errorf("supervisor: probe %s: reported unhealthy", url)
			}
		}
		return result
	}
}
