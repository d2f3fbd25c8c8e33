package eventloop

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/printcore/schedulerd/internal/config"
	"github.com/printcore/schedulerd/internal/logger"
	"github.com/printcore/schedulerd/internal/mimedb"
	"github.com/printcore/schedulerd/internal/persist"
	"github.com/printcore/schedulerd/internal/policy"
	"github.com/printcore/schedulerd/internal/scheduler"
)

func newTestScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	dir := t.TempDir()
	store, err := persist.New(dir)
	require.NoError(t, err)
	log := logger.New(logger.ERROR, "")
	log.SetConsoleOutput(false)

	cfg := config.Default()
	cfg.Policy.DefaultPolicy = "default"
	backendDir := func(scheme string) (string, bool) { return "/bin/true", true }
	notifierDir := func(scheme string) (string, bool) { return "", false }
	return scheduler.New(cfg, log, store, nil, mimedb.New(nil), policy.DefaultPolicies("lpadmin"), nil, backendDir, notifierDir)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestScheduler(t)
	log := logger.New(logger.ERROR, "")
	log.SetConsoleOutput(false)
	loop := New(s, log, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestRunInvokesReloadCallback(t *testing.T) {
	s := newTestScheduler(t)
	log := logger.New(logger.ERROR, "")
	log.SetConsoleOutput(false)
	loop := New(s, log, time.Second)

	reloaded := make(chan struct{}, 1)
	loop.Reload = func() { reloaded <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	proc, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, proc.Signal(syscall.SIGHUP))

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback was not invoked")
	}

	cancel()
	<-done
}
