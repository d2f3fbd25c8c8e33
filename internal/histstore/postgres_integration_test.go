//go:build integration

package histstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/printcore/schedulerd/internal/config"
)

// newPostgresContainer starts a disposable Postgres instance for
// exercising histstore's pgx/v5 backend, generalized from
// server/storage/postgres_testcontainer.go's container bring-up to
// this package's own schema reconciliation.
func newPostgresContainer(t *testing.T) (string, func()) {
	t.Helper()
	ctx := context.Background()

	c, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("schedulerd_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return dsn, func() { _ = c.Terminate(ctx) }
}

func TestPostgresBackendReconcilesSchemaAndRoundTripsJob(t *testing.T) {
	dsn, cleanup := newPostgresContainer(t)
	defer cleanup()

	s, err := Open(context.Background(), config.DatabaseConfig{Driver: "postgres", DSN: dsn})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	for _, name := range []string{"job_history", "quota_windows", "server_audit"} {
		exists, err := s.tableExists(ctx, name)
		require.NoError(t, err)
		require.True(t, exists, "expected table %s to exist", name)
	}

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordJob(ctx, JobRecord{
		ID:          1,
		Destination: "lp1",
		Owner:       "alice",
		Pages:       3,
		State:       "completed",
		CreatedAt:   now.Add(-time.Minute),
		CompletedAt: now,
	}))

	jobs, err := s.JobsForOwner(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "lp1", jobs[0].Destination)
}
