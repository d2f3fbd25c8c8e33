package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/printcore/schedulerd/internal/mimedb"
)

func TestClassifyExitCodeTable(t *testing.T) {
	cases := map[int]Outcome{
		0: OutcomeCompleted,
		1: OutcomeAbort,
		2: OutcomeHold,
		3: OutcomeStopPaused,
		4: OutcomeStopRetry,
		5: OutcomeHoldAndStopPaused,
		9: OutcomeAbort,
	}
	for code, want := range cases {
		require.Equal(t, want, classifyExitCode(code), "code %d", code)
	}
}

func TestBuildPipelineNoPathReturnsError(t *testing.T) {
	db := mimedb.New(nil)
	_, err := BuildPipeline(db, PipelineSpec{JobID: 1}, "application/pdf", "application/vnd.cups-raw", "/usr/lib/cups/backend/socket")
	require.Error(t, err)
}

func TestBuildPipelineSameTypeIsJustBackend(t *testing.T) {
	db := mimedb.New(nil)
	stages, err := BuildPipeline(db, PipelineSpec{JobID: 1}, "application/vnd.cups-raw", "application/vnd.cups-raw", "/usr/lib/cups/backend/socket")
	require.NoError(t, err)
	require.Len(t, stages, 1)
	require.Equal(t, "/usr/lib/cups/backend/socket", stages[0].Exec)
}

func TestBuildPipelineMultiStageIncludesBackendLast(t *testing.T) {
	db := mimedb.New([]mimedb.Filter{
		{Exec: "pdftops", From: "application/pdf", To: "application/postscript", Cost: 50},
	})
	stages, err := BuildPipeline(db, PipelineSpec{JobID: 1}, "application/pdf", "application/postscript", "/usr/lib/cups/backend/socket")
	require.NoError(t, err)
	require.Len(t, stages, 2)
	require.Equal(t, "pdftops", stages[0].Exec)
	require.Equal(t, "/usr/lib/cups/backend/socket", stages[1].Exec)
}

func TestExecutorCanStartRespectsCaps(t *testing.T) {
	e := NewExecutor(Caps{MaxJobsPerPrinter: 1}, RetryPolicy{})
	require.True(t, e.CanStart("lp1", "alice"))

	e.byPrinter["lp1"] = 1
	require.False(t, e.CanStart("lp1", "alice"))
	require.True(t, e.CanStart("lp2", "alice"))
}

func TestExecutorCanStartUnlimitedWhenCapsZero(t *testing.T) {
	e := NewExecutor(Caps{}, RetryPolicy{})
	e.byPrinter["lp1"] = 1000
	require.True(t, e.CanStart("lp1", "alice"))
}

func TestBackoffDelayExponentialCappedAtInterval(t *testing.T) {
	rp := RetryPolicy{Limit: 5, IntervalSecs: 300}
	require.Equal(t, time.Second, rp.BackoffDelay(1))
	require.Equal(t, 2*time.Second, rp.BackoffDelay(2))
	require.Equal(t, 4*time.Second, rp.BackoffDelay(3))
	require.Equal(t, 300*time.Second, rp.BackoffDelay(20))
}

func TestExceedsLimit(t *testing.T) {
	rp := RetryPolicy{Limit: 5}
	require.False(t, rp.ExceedsLimit(5))
	require.True(t, rp.ExceedsLimit(6))

	unlimited := RetryPolicy{Limit: 0}
	require.False(t, unlimited.ExceedsLimit(1000))
}
