package subscription

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/printcore/schedulerd/internal/event"
)

// NotifierDir resolves a recipient URI scheme to an executable path
// (e.g. "mailto" -> /usr/lib/cups/notifier/mailto), the notifier
// directory named in spec §4.E.
type NotifierDir func(scheme string) (execPath string, ok bool)

// notifierProc is one running (or backing-off) notifier child for a
// single subscription.
type notifierProc struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	backoff    time.Duration
	nextLaunch time.Time
}

// NotifierManager launches and supervises one notifier child process
// per push subscription, throttling delivery to one event at a time
// and relaunching with exponential backoff on child exit, grounded on
// server/alerts/notifier.go's relaunch loop (adapted from a fixed
// alert-channel fan-out to a per-subscription child keyed by
// subscription id).
type NotifierManager struct {
	mu      sync.Mutex
	dir     NotifierDir
	procs   map[int]*notifierProc
	onError func(subID int, err error)
}

// NewNotifierManager returns a manager resolving notifier executables
// via dir. onError, if non-nil, is called whenever a child's stderr or
// launch reports a problem, for logging.
func NewNotifierManager(dir NotifierDir, onError func(int, error)) *NotifierManager {
	return &NotifierManager{
		dir:     dir,
		procs:   make(map[int]*notifierProc),
		onError: onError,
	}
}

func schemeOf(uri string) string {
	for i, c := range uri {
		if c == ':' {
			return uri[:i]
		}
	}
	return uri
}

// Deliver hands e to the notifier child for subscription subID,
// launching (or relaunching) it if necessary. A child already mid-send
// is not sent a second event until its current write completes;
// Publish calls Deliver strictly serially per subscription so no
// separate queue is needed here.
func (nm *NotifierManager) Deliver(subID int, recip Recipient, e event.Event) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	p, ok := nm.procs[subID]
	if ok && p.cmd == nil && time.Now().Before(p.nextLaunch) {
		// Still backing off from a recent child exit.
		return
	}
	if !ok || p.cmd == nil {
		var err error
		p, err = nm.launchLocked(subID, recip)
		if err != nil {
			if nm.onError != nil {
				nm.onError(subID, err)
			}
			return
		}
	}
	if _, err := fmt.Fprintf(p.stdin, "%d %s %s %s %d\n", e.SeqID, e.Kind, e.Time.Format(time.RFC3339), e.Printer, e.JobID); err != nil {
		if nm.onError != nil {
			nm.onError(subID, err)
		}
		delete(nm.procs, subID)
	}
}

func (nm *NotifierManager) launchLocked(subID int, recip Recipient) (*notifierProc, error) {
	scheme := schemeOf(recip.URI)
	execPath, ok := nm.dir(scheme)
	if !ok {
		return nil, fmt.Errorf("subscription: no notifier registered for scheme %q", scheme)
	}

	cmd := exec.Command(execPath, recip.URI)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("subscription: notifier stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("subscription: notifier stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("subscription: launch notifier %s: %w", execPath, err)
	}

	p := &notifierProc{cmd: cmd, stdin: stdin, backoff: time.Second}
	nm.procs[subID] = p

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if nm.onError != nil {
				nm.onError(subID, fmt.Errorf("notifier: %s", scanner.Text()))
			}
		}
	}()

	go nm.watchLocked(subID, cmd)

	return p, nil
}

// watchLocked waits for the child to exit and schedules a relaunch
// with exponential backoff, per spec §4.E: "relaunched with
// exponential backoff" on unexpected exit.
func (nm *NotifierManager) watchLocked(subID int, cmd *exec.Cmd) {
	err := cmd.Wait()

	nm.mu.Lock()
	defer nm.mu.Unlock()
	p, ok := nm.procs[subID]
	if !ok || p.cmd != cmd {
		// Subscription was canceled/superseded while this child was
		// running; nothing to relaunch.
		return
	}
	if err != nil && nm.onError != nil {
		nm.onError(subID, fmt.Errorf("notifier exited: %w", err))
	}

	backoff := p.backoff * 2
	if backoff > 5*time.Minute {
		backoff = 5 * time.Minute
	}
	p.cmd = nil
	p.backoff = backoff
	p.nextLaunch = time.Now().Add(backoff)
}

// Stop terminates a subscription's notifier child, if any, and stops
// tracking it.
func (nm *NotifierManager) Stop(subID int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	p, ok := nm.procs[subID]
	if !ok {
		return
	}
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	delete(nm.procs, subID)
}
