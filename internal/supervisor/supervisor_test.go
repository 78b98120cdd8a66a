package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"
)

func TestSupervisorRunChecksOnEveryTick(t *testing.T) {
	mock := clock.NewMock()
	var hubProbes, peerProbes atomic.Int32
	hubLauncher := &fakeLauncher{}
	peerLauncher := &fakeLauncher{}

	sup := New(Options{Role: "primary", MonitoredPort: 9051, CheckEvery: 3 * time.Second, Clock: mock, Logger: discardLogger()},
		TargetConfig{
			Name: "hub",
			Probe: func(context.Context) ProbeResult {
				hubProbes.Add(1)
				return ProbeResult{State: StateUp, Status: 200}
			},
			Launcher: hubLauncher,
		},
		TargetConfig{
			Name: "peer",
			Probe: func(context.Context) ProbeResult {
				if peerProbes.Add(1) == 1 {
					return ProbeResult{State: StateDown}
				}
				return ProbeResult{State: StateUp, Status: 200}
			},
			Launcher: peerLauncher,
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return hubProbes.Load() == 1 && peerProbes.Load() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, peerLauncher.count())

	mock.Add(3 * time.Second)
	require.Eventually(t, func() bool { return hubProbes.Load() == 2 && peerProbes.Load() == 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}

	require.Zero(t, hubLauncher.count())
	require.Equal(t, 1, peerLauncher.count())
	statuses := sup.Targets()
	require.Len(t, statuses, 2)
	require.Equal(t, "hub", statuses[0].Name)
	require.Equal(t, StateUp, statuses[1].State)
	require.Equal(t, int64(1), statuses[1].Restarts)
}

func TestSupervisorHandler(t *testing.T) {
	mock := clock.NewMock()
	sup := New(Options{Role: "secondary", MonitoredPort: 9051, Clock: mock, Logger: discardLogger()},
		TargetConfig{
			Name:     "hub",
			Probe:    func(context.Context) ProbeResult { return ProbeResult{State: StateUp, Status: 204} },
			Launcher: &fakeLauncher{},
		},
	)
	sup.CheckOnce(context.Background())

	srv := httptest.NewServer(sup.Handler())
	defer srv.Close()
	e := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   srv.Client(),
	})

	health := e.GET("/health").Expect().Status(http.StatusOK).JSON().Object()
	health.Value("role").String().IsEqual("secondary")
	health.Value("pid").Number().IsEqual(os.Getpid())
	health.Value("monitoredPort").Number().IsEqual(9051)
	health.Value("healthy").Boolean().IsTrue()
	health.Value("startedAt").String().NotEmpty()

	status := e.GET("/status").Expect().Status(http.StatusOK).JSON().Object()
	status.Value("role").String().IsEqual("secondary")
	target := status.Value("targets").Array().Value(0).Object()
	target.Value("name").String().IsEqual("hub")
	target.Value("state").String().IsEqual("up")
	target.Value("status").Number().IsEqual(204)

	e.POST("/health").Expect().Status(http.StatusMethodNotAllowed)
	e.GET("/missing").Expect().Status(http.StatusNotFound)
}

func TestSupervisorHealthIsProbeable(t *testing.T) {
	sup := New(Options{Role: "primary", Logger: discardLogger()})
	srv := httptest.NewServer(sup.Handler())
	defer srv.Close()

	res := HTTPProbe(srv.Client(), srv.URL+"/health", serverPort(t, srv), time.Second)(context.Background())
	require.Equal(t, StateUp, res.State)
	require.NotNil(t, res.Healthy)
	require.True(t, *res.Healthy)
}
