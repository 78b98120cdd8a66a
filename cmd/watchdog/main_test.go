package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/election-app/election-app/internal/config"
	"github.com/election-app/election-app/internal/supervisor"
)

func TestLoadEnvDefaults(t *testing.T) {
	cfg, err := loadEnv(map[string]string{})
	require.NoError(t, err)
	require.Equal(t, "primary", cfg.Role)
	require.Equal(t, 7052, cfg.HubPort)
	require.Equal(t, 7050, cfg.HealthPort)
	require.Equal(t, 3*time.Second, cfg.CheckEvery)
	require.Equal(t, 2*time.Second, cfg.ReqTimeout)
	require.Equal(t, time.Second, cfg.BackoffMin)
	require.Equal(t, 20*time.Second, cfg.BackoffMax)
	require.Equal(t, "http://127.0.0.1:7052/health", cfg.hubHealthURL())
}

func TestLoadEnvOverrides(t *testing.T) {
	cfg, err := loadEnv(map[string]string{
		"WATCHDOG_ROLE":   "secondary",
		"HUB_PORT":        "9051",
		"HUB_HEALTH_URL":  "http://hub.internal:9051/healthz",
		"CHECK_EVERY":     "500ms",
		"BACKOFF_MAX":     "1m",
		"HEALTH_PORT":     "9049",
		"PEER_HEALTH_URL": "http://127.0.0.1:9050/health",
		"PEER_CMD":        "./watchdog",
		"PEER_PIDFILE":    "primary.pid",
		"LOG_LEVEL":       "debug",
	})
	require.NoError(t, err)
	require.Equal(t, "secondary", cfg.Role)
	require.Equal(t, 9051, cfg.HubPort)
	require.Equal(t, "http://hub.internal:9051/healthz", cfg.hubHealthURL())
	require.Equal(t, 500*time.Millisecond, cfg.CheckEvery)
	require.Equal(t, time.Minute, cfg.BackoffMax)
	require.Equal(t, "primary.pid", cfg.PeerPIDFile)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadEnvErrors(t *testing.T) {
	tests := []struct {
		name    string
		environ map[string]string
		message string
	}{
		{name: "bad duration", environ: map[string]string{"CHECK_EVERY": "soon"}, message: "parse env"},
		{name: "bad port", environ: map[string]string{"HUB_PORT": "70000"}, message: "HUB_PORT"},
		{name: "shared port", environ: map[string]string{"HUB_PORT": "7050"}, message: "must differ"},
		{name: "empty command", environ: map[string]string{"HUB_CMD": " "}, message: "HUB_CMD"},
		{name: "inverted backoff", environ: map[string]string{"BACKOFF_MIN": "30s"}, message: "BACKOFF_MIN"},
		{name: "peer without command", environ: map[string]string{"PEER_HEALTH_URL": "http://127.0.0.1:7049/health"}, message: "PEER_CMD"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadEnv(tc.environ)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.message)
		})
	}
}

func TestBuildTargets(t *testing.T) {
	cfg, err := loadEnv(map[string]string{})
	require.NoError(t, err)

	targets := buildTargets(cfg)
	require.Len(t, targets, 1)
	require.Equal(t, "hub", targets[0].Name)
	require.Equal(t, 7052, targets[0].Port)
	require.NotNil(t, targets[0].Clearer)
	require.Equal(t, supervisor.CommandLauncher{Command: "./hub"}, targets[0].Launcher)

	cfg.PeerHealthURL = "http://127.0.0.1:7049/health"
	cfg.PeerCmd = "./watchdog"
	cfg.PeerPIDFile = "secondary.pid"
	targets = buildTargets(cfg)
	require.Len(t, targets, 2)
	require.Equal(t, "peer", targets[1].Name)
	require.Zero(t, targets[1].Port)
	require.Nil(t, targets[1].Clearer)
	require.Equal(t, supervisor.CommandLauncher{Command: "./watchdog", PIDFile: "secondary.pid"}, targets[1].Launcher)
}

func TestCheckClientDoesNotPoolConnections(t *testing.T) {
	client := newCheckClient(time.Second)
	require.Equal(t, time.Second, client.Timeout)
	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	require.True(t, transport.DisableKeepAlives)
}

func TestRunServesHealth(t *testing.T) {
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"healthy":true}`))
	}))
	t.Cleanup(hub.Close)
	hubPort := hub.Listener.Addr().(*net.TCPAddr).Port

	cfg, err := loadEnv(map[string]string{
		"LOG_LEVEL":      "error",
		"HUB_PORT":       strconv.Itoa(hubPort),
		"HUB_HEALTH_URL": hub.URL + "/health",
	})
	require.NoError(t, err)

	stub := &stubServer{}
	var gotListen config.ListenConfig
	overrideHTTPServer(t, func(listen config.ListenConfig, _ *slog.Logger, handler http.Handler) (runnableServer, error) {
		gotListen = listen
		stub.handler = handler
		return stub, nil
	})

	require.NoError(t, run(context.Background(), cfg))
	require.Equal(t, 7050, gotListen.Port)
	require.Equal(t, http.StatusOK, stub.code)
	require.Contains(t, stub.body, `"role":"primary"`)
	require.Contains(t, stub.body, `"monitoredPort":`+strconv.Itoa(hubPort))
}

func TestRunServerConstructorError(t *testing.T) {
	cfg, err := loadEnv(map[string]string{"LOG_LEVEL": "error"})
	require.NoError(t, err)
	overrideHTTPServer(t, func(config.ListenConfig, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err = run(context.Background(), cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func overrideHTTPServer(t *testing.T, fn func(config.ListenConfig, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

type stubServer struct {
	handler http.Handler
	code    int
	body    string
}

func (s *stubServer) Run(context.Context) error {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	s.code = rec.Code
	s.body = rec.Body.String()
	return nil
}
