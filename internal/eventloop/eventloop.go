// Package eventloop drives the scheduler's single cooperative goroutine
// (spec §4.H/§5): one select statement reading child-process status and
// completion channels, ticking the timer wheel at least once a second,
// draining reload signals, and sequencing graceful shutdown. Scheduler
// methods take the scheduler's own lock, so other goroutines can still
// call in: cmd/schedulerd wires the discovery browse callback straight
// to Scheduler.HandleDiscovery. The loop generalizes PrintMaster
// server/main.go's signal-driven run/shutdown shape.
package eventloop

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/printcore/schedulerd/internal/logger"
	"github.com/printcore/schedulerd/internal/scheduler"
)

// tickInterval is the loop's readiness-wait ceiling (spec §5: "the loop
// never sleeps longer than one second, so holds, retries and lease
// expiries are never delayed by more than that").
const tickInterval = 1 * time.Second

// Loop owns the process-level signal channel and the scheduler it drives.
type Loop struct {
	sched *scheduler.Scheduler
	log   *logger.Logger

	// Reload is invoked synchronously on the loop goroutine whenever
	// SIGHUP is observed, letting the caller swap in reloaded policy or
	// discovery configuration without the loop itself knowing their shape.
	Reload func()

	shutdownGrace time.Duration
}

// New builds a Loop around an already-constructed, already-LoadState'd
// Scheduler.
func New(sched *scheduler.Scheduler, log *logger.Logger, shutdownGrace time.Duration) *Loop {
	return &Loop{sched: sched, log: log, shutdownGrace: shutdownGrace}
}

// Run blocks, driving the scheduler until ctx is canceled or a
// terminating signal (SIGINT/SIGTERM) arrives, then performs the
// graceful shutdown sequence from spec §4.H: stop accepting new work
// implicitly (the caller's transport layer owns that), cancel every
// in-flight pipeline, force-flush persisted state, and return.
func (l *Loop) Run(ctx context.Context) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	l.log.Info("event loop started")
	for {
		select {
		case <-ctx.Done():
			l.log.Info("event loop stopping", "reason", "context canceled")
			l.shutdown()
			return

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				if terminating := l.drainReloadSignals(sigCh); terminating != nil {
					l.log.Info("event loop stopping", "reason", terminating.String())
					l.shutdown()
					return
				}
				l.log.Info("reload signal received")
				if l.Reload != nil {
					l.Reload()
				}
			default:
				l.log.Info("event loop stopping", "reason", sig.String())
				l.shutdown()
				return
			}

		case msg := <-l.sched.HandleStatusChan():
			l.sched.HandleStatus(msg)

		case res := <-l.sched.HandleDoneChan():
			l.sched.HandleExecDone(res)

		case now := <-ticker.C:
			l.sched.Tick(now)
		}
	}
}

// drainReloadSignals absorbs any SIGHUP queued behind the one just
// received, so a burst of signals triggers one reload instead of
// several. If a terminating signal is found in the burst it is
// returned rather than discarded, since receiving from sigCh removes
// it from the channel for good.
func (l *Loop) drainReloadSignals(sigCh <-chan os.Signal) os.Signal {
	for {
		select {
		case sig := <-sigCh:
			if sig != syscall.SIGHUP {
				return sig
			}
		default:
			return nil
		}
	}
}

func (l *Loop) shutdown() {
	l.sched.Shutdown(l.shutdownGrace)
	l.log.Info("event loop stopped")
}
