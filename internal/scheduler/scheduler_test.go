package scheduler

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/printcore/schedulerd/internal/attr"
	"github.com/printcore/schedulerd/internal/config"
	"github.com/printcore/schedulerd/internal/event"
	"github.com/printcore/schedulerd/internal/filter"
	"github.com/printcore/schedulerd/internal/job"
	"github.com/printcore/schedulerd/internal/logger"
	"github.com/printcore/schedulerd/internal/mimedb"
	"github.com/printcore/schedulerd/internal/persist"
	"github.com/printcore/schedulerd/internal/policy"
	"github.com/printcore/schedulerd/internal/printer"
	"github.com/printcore/schedulerd/internal/subscription"
)

func allowAllPolicy() map[string]policy.Policy {
	return map[string]policy.Policy{
		"default": {
			Name: "default",
			Rules: []policy.OpRule{
				{Wildcard: true, Order: policy.AllowDeny},
			},
		},
	}
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	store, err := persist.New(t.TempDir())
	require.NoError(t, err)
	return newTestSchedulerWithStore(t, store)
}

func newTestSchedulerWithStore(t *testing.T, store *persist.Store) *Scheduler {
	t.Helper()
	log := logger.New(logger.ERROR, "")
	log.SetConsoleOutput(false)

	cfg := config.Default()
	cfg.Policy.DefaultPolicy = "default"

	backendDir := func(scheme string) (string, bool) { return "/bin/true", true }
	notifierDir := func(scheme string) (string, bool) { return "", false }

	return New(cfg, log, store, nil, mimedb.New(nil), allowAllPolicy(), nil, backendDir, notifierDir)
}

func mustAddPrinter(t *testing.T, s *Scheduler, name string) *printer.Printer {
	t.Helper()
	p := &printer.Printer{Name: name, DeviceURI: "socket://device", AcceptingJobs: true, State: printer.StateIdle}
	require.NoError(t, s.AddPrinter(p))
	return p
}

func TestCreateJobUnknownDestination(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.CreateJob("alice", "nope", attr.Group{})
	require.Error(t, err)
}

func TestCreateJobAndDispatchBindsIdlePrinter(t *testing.T) {
	s := newTestScheduler(t)
	mustAddPrinter(t, s, "lp1")

	j, err := s.CreateJob("alice", "lp1", attr.Group{})
	require.NoError(t, err)
	require.NoError(t, s.AddDocument(j.ID, rawSentinel, false, strings.NewReader("data")))
	require.NoError(t, s.SubmitJob(j.ID))

	s.Tick(time.Now())

	got, err := s.GetJob(j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StateProcessing, got.State)
	require.Equal(t, "lp1", got.AssignedPrinter)

	p, ok := s.Registry.FindPrinter("lp1")
	require.True(t, ok)
	require.Equal(t, printer.StateProcessing, p.State)
	require.Equal(t, j.ID, p.CurrentJobID)
}

func TestDispatchSkipsStoppedPrinter(t *testing.T) {
	s := newTestScheduler(t)
	mustAddPrinter(t, s, "lp1")
	require.NoError(t, s.PausePrinter("lp1", "paused"))

	j, err := s.CreateJob("alice", "lp1", attr.Group{})
	require.NoError(t, err)
	require.NoError(t, s.AddDocument(j.ID, rawSentinel, false, strings.NewReader("data")))
	require.NoError(t, s.SubmitJob(j.ID))

	s.Tick(time.Now())

	got, _ := s.GetJob(j.ID)
	require.Equal(t, job.StatePending, got.State)
}

func TestTryStartHoldsForQuotaExceeded(t *testing.T) {
	s := newTestScheduler(t)
	p := mustAddPrinter(t, s, "lp1")
	// No history store is configured, so quotaProbe reports zero rolling
	// usage; a page estimate from the job's own attributes that already
	// exceeds the printer's page limit is still enough to force a hold.
	p.Quota = printer.QuotaWindow{PageLimit: 1, PeriodSecs: 3600}

	g := attr.Group{}
	g.Set("job-media-sheets", attr.Integer(5))
	j, err := s.CreateJob("alice", "lp1", g)
	require.NoError(t, err)
	require.NoError(t, s.AddDocument(j.ID, rawSentinel, false, strings.NewReader("data")))
	require.NoError(t, s.SubmitJob(j.ID))

	s.mu.Lock()
	s.tryStart(j, p)
	s.mu.Unlock()

	got, _ := s.GetJob(j.ID)
	require.Equal(t, job.StateHeld, got.State)
	require.True(t, got.HasReason("job-hold-until-specified"))
}

func TestHandleExecDoneCompletedArchivesAndFreesPrinter(t *testing.T) {
	s := newTestScheduler(t)
	p := mustAddPrinter(t, s, "lp1")

	j, err := s.CreateJob("alice", "lp1", attr.Group{})
	require.NoError(t, err)
	require.NoError(t, s.Jobs.BeginProcessing(j.ID, "lp1"))
	p.State = printer.StateProcessing
	p.CurrentJobID = j.ID
	s.mu.Lock()
	s.running[j.ID] = &runningJob{back: &backchannel{}}
	s.mu.Unlock()

	s.HandleExecDone(filter.ExecResult{JobID: j.ID, Outcome: filter.OutcomeCompleted, Attempt: 1})

	got, _ := s.GetJob(j.ID)
	require.Equal(t, job.StateCompleted, got.State)
	require.Equal(t, printer.StateIdle, p.State)
	require.Equal(t, 0, p.CurrentJobID)
}

func TestHandleExecDoneStopRetrySchedulesBackoffUnderLimit(t *testing.T) {
	s := newTestScheduler(t)
	s.retryPolicy = filter.RetryPolicy{Limit: 3, IntervalSecs: 60}
	p := mustAddPrinter(t, s, "lp1")

	j, err := s.CreateJob("alice", "lp1", attr.Group{})
	require.NoError(t, err)
	require.NoError(t, s.Jobs.BeginProcessing(j.ID, "lp1"))
	p.State = printer.StateProcessing
	p.CurrentJobID = j.ID
	s.mu.Lock()
	s.running[j.ID] = &runningJob{back: &backchannel{}}
	s.mu.Unlock()

	s.HandleExecDone(filter.ExecResult{JobID: j.ID, Outcome: filter.OutcomeStopRetry, Attempt: 1})

	got, _ := s.GetJob(j.ID)
	require.Equal(t, job.StateStopped, got.State)
	require.True(t, got.HasReason("paused"))

	s.mu.Lock()
	rj, ok := s.running[j.ID]
	s.mu.Unlock()
	require.True(t, ok)
	require.False(t, rj.retryDeadline.IsZero())
}

func TestHandleExecDoneStopRetryAbortsPastLimit(t *testing.T) {
	s := newTestScheduler(t)
	s.retryPolicy = filter.RetryPolicy{Limit: 1, IntervalSecs: 60}
	p := mustAddPrinter(t, s, "lp1")

	j, err := s.CreateJob("alice", "lp1", attr.Group{})
	require.NoError(t, err)
	require.NoError(t, s.Jobs.BeginProcessing(j.ID, "lp1"))
	j.Attempt = 2 // already past the retry budget of 1
	p.State = printer.StateProcessing
	p.CurrentJobID = j.ID

	s.HandleExecDone(filter.ExecResult{JobID: j.ID, Outcome: filter.OutcomeStopRetry, Attempt: 2})

	got, _ := s.GetJob(j.ID)
	require.Equal(t, job.StateAborted, got.State)
}

func TestHandleExecDoneHoldAndStopPausedDoesNotScheduleRetry(t *testing.T) {
	s := newTestScheduler(t)
	p := mustAddPrinter(t, s, "lp1")

	j, err := s.CreateJob("alice", "lp1", attr.Group{})
	require.NoError(t, err)
	require.NoError(t, s.Jobs.BeginProcessing(j.ID, "lp1"))
	p.State = printer.StateProcessing
	p.CurrentJobID = j.ID

	s.HandleExecDone(filter.ExecResult{JobID: j.ID, Outcome: filter.OutcomeHoldAndStopPaused, Attempt: 1})

	got, _ := s.GetJob(j.ID)
	require.Equal(t, job.StateStopped, got.State)
	require.True(t, got.HasReason("paused"))

	s.mu.Lock()
	_, stillRunning := s.running[j.ID]
	s.mu.Unlock()
	require.False(t, stillRunning, "exit code 5 must not arm a retry timer")

	require.Equal(t, printer.StateStopped, p.State)
	require.True(t, p.HasReason("paused"))
}

func TestHandleExecDoneHoldMapsToStoppedWithHoldReason(t *testing.T) {
	s := newTestScheduler(t)
	p := mustAddPrinter(t, s, "lp1")

	j, err := s.CreateJob("alice", "lp1", attr.Group{})
	require.NoError(t, err)
	require.NoError(t, s.Jobs.BeginProcessing(j.ID, "lp1"))
	p.State = printer.StateProcessing
	p.CurrentJobID = j.ID

	s.HandleExecDone(filter.ExecResult{JobID: j.ID, Outcome: filter.OutcomeHold, Attempt: 1})

	got, _ := s.GetJob(j.ID)
	require.Equal(t, job.StateStopped, got.State)
	require.True(t, got.HasReason("job-hold-until-specified"))

	// Exit code 2's printer stays in service, unlike 3/4/5.
	require.Equal(t, printer.StateIdle, p.State)
}

func TestHandleExecDoneCancelRequestedOverridesOutcome(t *testing.T) {
	s := newTestScheduler(t)
	p := mustAddPrinter(t, s, "lp1")

	j, err := s.CreateJob("alice", "lp1", attr.Group{})
	require.NoError(t, err)
	require.NoError(t, s.Jobs.BeginProcessing(j.ID, "lp1"))
	p.State = printer.StateProcessing
	p.CurrentJobID = j.ID
	s.mu.Lock()
	s.running[j.ID] = &runningJob{back: &backchannel{}, retryDeadline: cancelMarker}
	s.mu.Unlock()

	// Even a completed exit is reported as canceled-by-user once the
	// operator has asked for cancellation mid-pipeline.
	s.HandleExecDone(filter.ExecResult{JobID: j.ID, Outcome: filter.OutcomeCompleted, Attempt: 1})

	got, _ := s.GetJob(j.ID)
	require.Equal(t, job.StateCanceled, got.State)
}

func TestCancelJobProcessingMarksPendingCancelAsynchronously(t *testing.T) {
	s := newTestScheduler(t)
	p := mustAddPrinter(t, s, "lp1")

	j, err := s.CreateJob("alice", "lp1", attr.Group{})
	require.NoError(t, err)
	require.NoError(t, s.Jobs.BeginProcessing(j.ID, "lp1"))
	p.State = printer.StateProcessing
	p.CurrentJobID = j.ID
	s.mu.Lock()
	s.running[j.ID] = &runningJob{back: &backchannel{}}
	s.mu.Unlock()

	require.NoError(t, s.CancelJob(j.ID, false))

	s.mu.Lock()
	rj := s.running[j.ID]
	s.mu.Unlock()
	require.NotNil(t, rj)
	require.Equal(t, cancelMarker, rj.retryDeadline)

	// The job itself hasn't transitioned yet: only HandleExecDone (once
	// the pipeline is actually reaped) moves it to canceled.
	got, _ := s.GetJob(j.ID)
	require.Equal(t, job.StateProcessing, got.State)
}

func TestCancelJobPendingCancelsImmediately(t *testing.T) {
	s := newTestScheduler(t)
	mustAddPrinter(t, s, "lp1")

	j, err := s.CreateJob("alice", "lp1", attr.Group{})
	require.NoError(t, err)

	require.NoError(t, s.CancelJob(j.ID, false))
	got, _ := s.GetJob(j.ID)
	require.Equal(t, job.StateCanceled, got.State)
}

func TestEvaluatePolicyUnknownPolicyDenies(t *testing.T) {
	s := newTestScheduler(t)
	v := s.EvaluatePolicy(0x0002, "no-such-policy", "alice", "alice")
	require.Equal(t, policy.Deny, v)
}

func TestEvaluatePolicyDefaultAllowsEveryone(t *testing.T) {
	s := newTestScheduler(t)
	v := s.EvaluatePolicy(0x0002, "", "alice", "bob")
	require.Equal(t, policy.Allow, v)
}

func TestSubscribeAndCancelSubscription(t *testing.T) {
	s := newTestScheduler(t)
	sub := s.Subscribe(event.MaskAll, subscription.Recipient{Pull: true}, "", 0, "alice", 3600)
	require.NotZero(t, sub.ID)

	require.NoError(t, s.CancelSubscription(sub.ID))
	require.Error(t, s.CancelSubscription(sub.ID))
}

func TestPersistenceRoundTripPrintersAndJobs(t *testing.T) {
	dir := t.TempDir()
	store, err := persist.New(dir)
	require.NoError(t, err)
	s := newTestSchedulerWithStore(t, store)
	mustAddPrinter(t, s, "lp1")
	j, err := s.CreateJob("alice", "lp1", attr.Group{})
	require.NoError(t, err)
	require.NoError(t, s.HoldJob(j.ID))

	printersData, err := s.buildDomain(persist.DomainPrinters)
	require.NoError(t, err)
	jobsData, err := s.buildDomain(persist.DomainJobs)
	require.NoError(t, err)

	require.NoError(t, store.WriteDomain(persist.DomainPrinters, printersData))
	require.NoError(t, store.WriteDomain(persist.DomainJobs, jobsData))

	// Reopen the same state directory, matching a real restart: the
	// per-job control files buildDomain wrote alongside jobs.cache must
	// still be reachable by the reloaded scheduler.
	store2, err := persist.New(dir)
	require.NoError(t, err)
	s2 := newTestSchedulerWithStore(t, store2)
	require.NoError(t, s2.LoadState(store2))

	p2, ok := s2.Registry.FindPrinter("lp1")
	require.True(t, ok)
	require.Equal(t, printer.StateIdle, p2.State)

	j2, err := s2.GetJob(j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StateHeld, j2.State)
	require.Equal(t, "alice", j2.Owner)
}

func TestLoadStateResetsMidProcessingJobToPending(t *testing.T) {
	dir := t.TempDir()
	store, err := persist.New(dir)
	require.NoError(t, err)
	s := newTestSchedulerWithStore(t, store)
	mustAddPrinter(t, s, "lp1")
	j, err := s.CreateJob("alice", "lp1", attr.Group{})
	require.NoError(t, err)
	require.NoError(t, s.Jobs.BeginProcessing(j.ID, "lp1"))

	jobsData, err := s.buildDomain(persist.DomainJobs)
	require.NoError(t, err)
	require.NoError(t, store.WriteDomain(persist.DomainJobs, jobsData))

	store2, err := persist.New(dir)
	require.NoError(t, err)
	s2 := newTestSchedulerWithStore(t, store2)
	require.NoError(t, s2.LoadState(store2))

	j2, err := s2.GetJob(j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatePending, j2.State)
	require.Equal(t, 1, j2.Attempt)
}

func TestForceFlushDoesNotDeadlock(t *testing.T) {
	s := newTestScheduler(t)
	mustAddPrinter(t, s, "lp1")
	_, err := s.CreateJob("alice", "lp1", attr.Group{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.ForceFlush()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ForceFlush deadlocked")
	}
}
