package server

import (
	"net/http"
	"strings"
)

// HubHTTP is the surface the router needs from the hub API.
type HubHTTP interface {
	ServeSnapshot(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	ServeStats(http.ResponseWriter, *http.Request)
	ServeLog(http.ResponseWriter, *http.Request)
	ServeForce(http.ResponseWriter, *http.Request)
	ServeClear(http.ResponseWriter, *http.Request)
	ServeRegistry(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
}

// route names returned by parseRoute.
const (
	routeSnapshot = "snapshot"
	routeHealth   = "health"
	routeStats    = "stats"
	routeLog      = "log"
	routeForce    = "force"
	routeClear    = "clear"
	routeRegistry = "registry"
	routeMetrics  = "metrics"
)

// NewHubHandler dispatches hub URLs to the API. metrics may be nil, in which
// case /metrics is not served.
func NewHubHandler(h HubHTTP, metrics http.Handler) http.Handler {
	if h == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := parseRoute(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}
		if want := routeMethod(route); r.Method != want && !(want == http.MethodGet && r.Method == http.MethodHead) {
			w.Header().Set("Allow", want)
			h.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		switch route {
		case routeSnapshot:
			h.ServeSnapshot(w, r)
		case routeHealth:
			h.ServeHealth(w, r)
		case routeStats:
			h.ServeStats(w, r)
		case routeLog:
			h.ServeLog(w, r)
		case routeForce:
			h.ServeForce(w, r)
		case routeClear:
			h.ServeClear(w, r)
		case routeRegistry:
			h.ServeRegistry(w, r)
		case routeMetrics:
			if metrics == nil {
				http.NotFound(w, r)
				return
			}
			metrics.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

func routeMethod(route string) string {
	switch route {
	case routeForce, routeClear:
		return http.MethodPost
	default:
		return http.MethodGet
	}
}

func parseRoute(path string) (string, bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", false
	}
	parts := strings.Split(trimmed, "/")
	switch len(parts) {
	case 1:
		switch strings.ToLower(parts[0]) {
		case "health", "healthz":
			return routeHealth, true
		case "metrics":
			return routeMetrics, true
		}
	case 2:
		if strings.ToLower(parts[0]) != "api" {
			return "", false
		}
		switch route := strings.ToLower(parts[1]); route {
		case routeSnapshot, routeStats, routeLog, routeForce, routeClear:
			return route, true
		}
	case 3:
		if strings.ToLower(parts[0]) == "api" && strings.ToLower(parts[1]) == "registry" && strings.ToLower(parts[2]) == "keys" {
			return routeRegistry, true
		}
	}
	return "", false
}
