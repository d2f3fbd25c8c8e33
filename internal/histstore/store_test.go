package histstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/printcore/schedulerd/internal/attr"
	"github.com/printcore/schedulerd/internal/config"
	"github.com/printcore/schedulerd/internal/event"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"}
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"job_history", "quota_windows", "server_audit"} {
		exists, err := s.tableExists(ctx, name)
		require.NoError(t, err)
		require.True(t, exists, "expected table %s to exist", name)
	}
}

func TestRecordAndQueryJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	err := s.RecordJob(ctx, JobRecord{
		ID:          1,
		Destination: "lp1",
		Owner:       "alice",
		Pages:       3,
		State:       "completed",
		CreatedAt:   now.Add(-time.Minute),
		CompletedAt: now,
	})
	require.NoError(t, err)

	jobs, err := s.JobsForOwner(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "lp1", jobs[0].Destination)
	require.Equal(t, 3, jobs[0].Pages)
}

func TestQuotaWindowAccumulates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	windowStart := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertQuotaWindow(ctx, "lp1", "alice", windowStart, 5, 1))
	require.NoError(t, s.UpsertQuotaWindow(ctx, "lp1", "alice", windowStart, 2, 1))

	pages, jobs, err := s.QuotaTotals(ctx, "lp1", "alice", windowStart)
	require.NoError(t, err)
	require.Equal(t, 7, pages)
	require.Equal(t, 2, jobs)
}

func TestRecordAuditEvent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := event.Event{
		SeqID:   42,
		Kind:    event.KindServerAudit,
		Time:    time.Now(),
		Printer: "lp1",
	}
	require.NoError(t, s.RecordAudit(ctx, e))
}

func TestRecordAuditEventWithMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var g attr.Group
	g.Set("message", attr.Text("printer lp1 paused"))
	e := event.Event{SeqID: 43, Kind: event.KindServerAudit, Time: time.Now(), Attrs: g}
	require.NoError(t, s.RecordAudit(ctx, e))

	var msg string
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT message FROM server_audit WHERE seq_id = ?", 43).Scan(&msg))
	require.Equal(t, "printer lp1 paused", msg)
}

func TestPlaceholderizeRewritesForPostgres(t *testing.T) {
	q := placeholderize("postgres", "SELECT * FROM t WHERE a = ? AND b = ?")
	require.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", q)

	q = placeholderize("sqlite", "SELECT * FROM t WHERE a = ?")
	require.Equal(t, "SELECT * FROM t WHERE a = ?", q)
}
