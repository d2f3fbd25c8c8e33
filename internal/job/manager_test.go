package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/printcore/schedulerd/internal/attr"
)

func newTestManager(t *testing.T) (*Manager, *int) {
	dirtyCount := 0
	m := New(func() { dirtyCount++ })
	return m, &dirtyCount
}

func TestCreateDefaultsPriority(t *testing.T) {
	m, _ := newTestManager(t)
	j, err := m.Create("alice", "lp1", DestPrinter, attr.Group{})
	require.NoError(t, err)
	require.Equal(t, 50, j.Priority)
	require.Equal(t, StatePending, j.State)
}

func TestCreateRejectsOutOfRangePriority(t *testing.T) {
	m, _ := newTestManager(t)
	g := attr.Group{}
	g.Set("job-priority", attr.Integer(0))
	_, err := m.Create("alice", "lp1", DestPrinter, g)
	require.Error(t, err)
}

func TestAddDocumentRejectedAfterProcessing(t *testing.T) {
	m, _ := newTestManager(t)
	j, err := m.Create("alice", "lp1", DestPrinter, attr.Group{})
	require.NoError(t, err)
	require.NoError(t, m.BeginProcessing(j.ID, "lp1"))

	err = m.AddDocument(j.ID, Document{Path: "/tmp/d1", MIMEType: "application/pdf"})
	require.Error(t, err)
}

func TestCancelFromNonTerminalAlwaysAllowed(t *testing.T) {
	m, _ := newTestManager(t)
	j, err := m.Create("alice", "lp1", DestPrinter, attr.Group{})
	require.NoError(t, err)
	require.NoError(t, m.Cancel(j.ID, false))

	got, err := m.Get(j.ID)
	require.NoError(t, err)
	require.Equal(t, StateCanceled, got.State)
}

func TestCancelFromTerminalRejected(t *testing.T) {
	m, _ := newTestManager(t)
	j, err := m.Create("alice", "lp1", DestPrinter, attr.Group{})
	require.NoError(t, err)
	require.NoError(t, m.Cancel(j.ID, false))

	err = m.Cancel(j.ID, false)
	require.Error(t, err)
}

func TestHoldReleaseRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	j, err := m.Create("alice", "lp1", DestPrinter, attr.Group{})
	require.NoError(t, err)

	require.NoError(t, m.Hold(j.ID))
	got, _ := m.Get(j.ID)
	require.Equal(t, StateHeld, got.State)

	require.NoError(t, m.Release(j.ID))
	got, _ = m.Get(j.ID)
	require.Equal(t, StatePending, got.State)
}

func TestSetHoldUntilFutureHoldsJob(t *testing.T) {
	m, _ := newTestManager(t)
	j, err := m.Create("alice", "lp1", DestPrinter, attr.Group{})
	require.NoError(t, err)

	require.NoError(t, m.SetHoldUntil(j.ID, time.Now().Add(time.Hour)))
	got, _ := m.Get(j.ID)
	require.Equal(t, StateHeld, got.State)
	require.True(t, got.HasReason("job-hold-until-specified"))
}

func TestSetHoldUntilZeroReleasesJob(t *testing.T) {
	m, _ := newTestManager(t)
	j, err := m.Create("alice", "lp1", DestPrinter, attr.Group{})
	require.NoError(t, err)
	require.NoError(t, m.SetHoldUntil(j.ID, time.Now().Add(time.Hour)))

	require.NoError(t, m.SetHoldUntil(j.ID, time.Time{}))
	got, _ := m.Get(j.ID)
	require.Equal(t, StatePending, got.State)
	require.False(t, got.HasReason("job-hold-until-specified"))
}

func TestRestartFromStoppedOrAborted(t *testing.T) {
	m, _ := newTestManager(t)
	j, err := m.Create("alice", "lp1", DestPrinter, attr.Group{})
	require.NoError(t, err)
	require.NoError(t, m.BeginProcessing(j.ID, "lp1"))
	require.NoError(t, m.Stop(j.ID, "paused"))

	require.NoError(t, m.Restart(j.ID))
	got, _ := m.Get(j.ID)
	require.Equal(t, StatePending, got.State)

	j2, err := m.Create("alice", "lp1", DestPrinter, attr.Group{})
	require.NoError(t, err)
	require.NoError(t, m.BeginProcessing(j2.ID, "lp1"))
	require.NoError(t, m.Abort(j2.ID))

	require.NoError(t, m.Restart(j2.ID))
	got, _ = m.Get(j2.ID)
	require.Equal(t, StatePending, got.State)
}

func TestMoveRejectedWhileProcessing(t *testing.T) {
	m, _ := newTestManager(t)
	j, err := m.Create("alice", "lp1", DestPrinter, attr.Group{})
	require.NoError(t, err)
	require.NoError(t, m.BeginProcessing(j.ID, "lp1"))

	err = m.Move(j.ID, "lp2", DestPrinter)
	require.Error(t, err)
}

func TestSetPriorityValidatesRange(t *testing.T) {
	m, _ := newTestManager(t)
	j, err := m.Create("alice", "lp1", DestPrinter, attr.Group{})
	require.NoError(t, err)

	require.Error(t, m.SetPriority(j.ID, 0))
	require.Error(t, m.SetPriority(j.ID, 101))
	require.NoError(t, m.SetPriority(j.ID, 75))
}

func TestPendingQueueOrdersByPriorityThenCreatedThenID(t *testing.T) {
	m, _ := newTestManager(t)
	low, _ := m.Create("alice", "lp1", DestPrinter, attr.Group{})
	require.NoError(t, m.SetPriority(low.ID, 10))

	high, _ := m.Create("bob", "lp1", DestPrinter, attr.Group{})
	require.NoError(t, m.SetPriority(high.ID, 90))

	mid, _ := m.Create("carol", "lp1", DestPrinter, attr.Group{})
	require.NoError(t, m.SetPriority(mid.ID, 50))

	q := m.PendingQueue("lp1")
	require.Len(t, q, 3)
	require.Equal(t, high.ID, q[0].ID)
	require.Equal(t, mid.ID, q[1].ID)
	require.Equal(t, low.ID, q[2].ID)
}

func TestBeginProcessingCompleteLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	j, err := m.Create("alice", "lp1", DestPrinter, attr.Group{})
	require.NoError(t, err)

	require.NoError(t, m.BeginProcessing(j.ID, "lp1"))
	got, _ := m.Get(j.ID)
	require.Equal(t, StateProcessing, got.State)
	require.Equal(t, "lp1", got.AssignedPrinter)
	require.Equal(t, 1, got.Attempt)

	require.NoError(t, m.Complete(j.ID))
	got, _ = m.Get(j.ID)
	require.Equal(t, StateCompleted, got.State)
	require.Equal(t, "", got.AssignedPrinter)
}

func TestAbortFromProcessing(t *testing.T) {
	m, _ := newTestManager(t)
	j, _ := m.Create("alice", "lp1", DestPrinter, attr.Group{})
	require.NoError(t, m.BeginProcessing(j.ID, "lp1"))
	require.NoError(t, m.Abort(j.ID))

	got, _ := m.Get(j.ID)
	require.Equal(t, StateAborted, got.State)
}

func TestCompleteRejectedFromNonProcessing(t *testing.T) {
	m, _ := newTestManager(t)
	j, _ := m.Create("alice", "lp1", DestPrinter, attr.Group{})
	require.Error(t, m.Complete(j.ID))
}

func TestHoldForQuotaTransition(t *testing.T) {
	m, _ := newTestManager(t)
	j, _ := m.Create("alice", "lp1", DestPrinter, attr.Group{})

	require.NoError(t, m.HoldForQuota(j.ID))
	got, _ := m.Get(j.ID)
	require.Equal(t, StateHeld, got.State)
	require.True(t, got.HasReason("job-hold-until-specified"))
}

func TestCheckQuotaExceedsPageLimit(t *testing.T) {
	limits := QuotaLimits{PageLimit: 10, PeriodSecs: 3600}
	probe := func(printer, owner string, period time.Duration) (int, int) {
		return 8, 1
	}
	require.True(t, CheckQuota(limits, probe, "lp1", "alice", 5))
	require.False(t, CheckQuota(limits, probe, "lp1", "alice", 1))
}

func TestCheckQuotaNoLimitsAlwaysPasses(t *testing.T) {
	limits := QuotaLimits{}
	probe := func(printer, owner string, period time.Duration) (int, int) { return 1000, 1000 }
	require.False(t, CheckQuota(limits, probe, "lp1", "alice", 100))
}

func TestGetUnknownID(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Get(999)
	require.Error(t, err)
}

func TestListFiltersByOwnerDestAndWhich(t *testing.T) {
	m, _ := newTestManager(t)
	j1, _ := m.Create("alice", "lp1", DestPrinter, attr.Group{})
	j2, _ := m.Create("bob", "lp1", DestPrinter, attr.Group{})
	require.NoError(t, m.Cancel(j2.ID, false))

	aliceJobs := m.List(Filter{Owner: "alice"})
	require.Len(t, aliceJobs, 1)
	require.Equal(t, j1.ID, aliceJobs[0].ID)

	completed := m.List(Filter{Which: "completed"})
	require.Len(t, completed, 1)
	require.Equal(t, j2.ID, completed[0].ID)

	notCompleted := m.List(Filter{Which: "not-completed"})
	require.Len(t, notCompleted, 1)
	require.Equal(t, j1.ID, notCompleted[0].ID)
}
