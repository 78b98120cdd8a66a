package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupNoopWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, shutdown(ctx))
}

func TestSetupCreatesProvider(t *testing.T) {
	// Non-routable collector; nothing is exported before shutdown.
	shutdown, err := Setup(context.Background(), Config{OTLPEndpoint: "http://192.0.2.1:4318", ServiceName: "hub-test"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
