package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/rcvisor/internal/history"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	c, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("testdb"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(context.Background())
		cancel()
	})
	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())
}

func TestPostgresSink(t *testing.T) {
	if testing.Short() {
		t.Skip("container test")
	}
	sink, err := New(startPostgres(t))
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventSpawn, OccurredAt: time.Now(), Service: "sshd", PID: 1, State: "running", ExitCode: -1}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventFailed, OccurredAt: time.Now(), Service: "sshd", State: "failed", ExitCode: 2, Detail: "respawn limit"}))
	n, err := sink.Count(ctx, "sshd")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNewEmptyDSN(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
