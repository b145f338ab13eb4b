package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupWithEndpoint(t *testing.T) {
	cfg := Config{
		Endpoint:    "localhost:4318",
		Environment: "test",
		ServiceName: "agentd-test",
	}

	ctx := context.Background()
	shutdown, err := Setup(ctx, cfg)

	// An unreachable collector must not fail startup; export is
	// buffered and dropped on shutdown.
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	_ = shutdown(ctx)
}
