// Package redistest starts a disposable Redis instance for integration
// tests against eventstream, progress and archivist, mirroring the
// Postgres testcontainer helper internal/database uses for the task
// store.
package redistest

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// Server wraps a disposable Redis container and a client dialed into it.
type Server struct {
	container *tcredis.RedisContainer
	Client    *redis.Client
}

// Start launches a Redis container and returns a connected Client.
func Start(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	require.NoError(t, client.Ping(ctx).Err())

	return &Server{container: container, Client: client}
}

// Stop closes the client and terminates the container.
func (s *Server) Stop(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Client.Close())
	require.NoError(t, s.container.Terminate(ctx))
}
