// Package filter implements the filter pipeline executor from spec
// §4.C: MIME routing via internal/mimedb, process-tree launch via
// internal/process, concurrency caps, exit-code-to-transition mapping,
// retry backoff and cancellation escalation. Grounded on the
// worker-pool shape of PrintMaster's server/releases/intake_worker.go
// (bounded concurrent job processing with backoff) adapted from a
// release-ingest queue to the print pipeline.
package filter

import (
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/printcore/schedulerd/internal/job"
	"github.com/printcore/schedulerd/internal/mimedb"
	"github.com/printcore/schedulerd/internal/process"
	"github.com/printcore/schedulerd/internal/statusline"
)

// Caps names the concurrency ceilings from spec §4.C.
type Caps struct {
	MaxJobs           int
	MaxActiveJobs     int
	MaxJobsPerPrinter int
	MaxJobsPerUser    int
}

// RetryPolicy names the transient-failure backoff parameters (spec
// §4.C: "capped at FaxRetryLimit with FaxRetryInterval").
type RetryPolicy struct {
	Limit        int
	IntervalSecs int
}

// Outcome is the disposition the executor reaches after a pipeline
// exits, mapping the exit-code table from spec §4.C.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeAbort
	OutcomeHold
	OutcomeStopPaused
	OutcomeStopRetry
	OutcomeHoldAndStopPaused
)

// classifyExitCode maps a terminal backend's exit status to an
// Outcome per spec §4.C's table (0 success, 1 generic failure->abort,
// 2->hold, 3->stop+paused, 4->stop+retry, 5->hold+stop).
func classifyExitCode(code int) Outcome {
	switch code {
	case 0:
		return OutcomeCompleted
	case 2:
		return OutcomeHold
	case 3:
		return OutcomeStopPaused
	case 4:
		return OutcomeStopRetry
	case 5:
		return OutcomeHoldAndStopPaused
	default:
		return OutcomeAbort
	}
}

// PipelineSpec is everything the executor needs to launch one job's
// filter chain plus backend.
type PipelineSpec struct {
	JobID       int
	Owner       string
	Title       string
	Copies      int
	Options     string
	InputPath   string
	DeviceURI   string
	PPD         string
	Printer     string
	Charset     string
	Lang        string
	ContentType string
	Classification string
}

// buildStage constructs one pipeline stage's positional args (spec
// §4.C's six positional arguments) and inherited environment.
func buildStage(exec string, spec PipelineSpec, inputFile string, finalContentType string) process.Stage {
	args := []string{
		fmt.Sprintf("%d", spec.JobID),
		spec.Owner,
		spec.Title,
		fmt.Sprintf("%d", spec.Copies),
		spec.Options,
		inputFile,
	}
	env := []string{
		"DEVICE_URI=" + spec.DeviceURI,
		"PPD=" + spec.PPD,
		"PRINTER=" + spec.Printer,
		"CHARSET=" + spec.Charset,
		"LANG=" + spec.Lang,
		"CONTENT_TYPE=" + spec.ContentType,
		"FINAL_CONTENT_TYPE=" + finalContentType,
	}
	if spec.Classification != "" {
		env = append(env, "CLASSIFICATION="+spec.Classification)
	}
	return process.Stage{Exec: exec, Args: args, Env: env}
}

// BuildPipeline resolves spec's MIME conversion path against db and
// returns the ordered stage list (filters then backend). The backend
// executable is supplied separately since it is resolved from the
// printer's device URI scheme, not the MIME graph.
func BuildPipeline(db *mimedb.DB, spec PipelineSpec, srcType, dstType, backendExec string) ([]process.Stage, error) {
	path, err := db.CheapestPath(srcType, dstType)
	if err != nil {
		return nil, fmt.Errorf("document-format-error: %w", err)
	}
	stages := make([]process.Stage, 0, len(path)+1)
	for _, f := range path {
		stages = append(stages, buildStage(f.Exec, spec, "", dstType))
	}
	stages = append(stages, buildStage(backendExec, spec, "", dstType))
	return stages, nil
}

// ExecResult is reported to the Executor's caller once a pipeline
// reaches a terminal outcome.
type ExecResult struct {
	JobID   int
	Outcome Outcome
	Attempt int
}

// Executor tracks running pipelines and enforces Caps while scheduling
// pending jobs, grounded on the bounded-worker-count pattern in
// server/releases/intake_worker.go.
type Executor struct {
	mu       sync.Mutex
	caps     Caps
	retry    RetryPolicy
	running  map[int]*process.Handle
	byPrinter map[string]int
	byUser    map[string]int
}

// NewExecutor returns an Executor enforcing caps and retry.
func NewExecutor(caps Caps, retry RetryPolicy) *Executor {
	return &Executor{
		caps:      caps,
		retry:     retry,
		running:   make(map[int]*process.Handle),
		byPrinter: make(map[string]int),
		byUser:    make(map[string]int),
	}
}

// CanStart reports whether starting a new pipeline for printer/owner
// would exceed any configured cap (0 means unlimited).
func (e *Executor) CanStart(printer, owner string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.caps.MaxJobs > 0 && len(e.running) >= e.caps.MaxJobs {
		return false
	}
	if e.caps.MaxActiveJobs > 0 && len(e.running) >= e.caps.MaxActiveJobs {
		return false
	}
	if e.caps.MaxJobsPerPrinter > 0 && e.byPrinter[printer] >= e.caps.MaxJobsPerPrinter {
		return false
	}
	if e.caps.MaxJobsPerUser > 0 && e.byUser[owner] >= e.caps.MaxJobsPerUser {
		return false
	}
	return true
}

// Start launches stages for j, wiring stderr through statusline
// handlers, and tracks the resulting Handle against caps until it
// completes. onDone is invoked (from a background goroutine) once the
// pipeline reaches a terminal outcome.
func (e *Executor) Start(j *job.Job, printer string, stages []process.Stage, input io.Reader, output io.Writer, onStatus func(statusline.Record), onDone func(ExecResult)) error {
	if !e.CanStart(printer, j.Owner) {
		return fmt.Errorf("filter: concurrency cap reached for printer %s / owner %s", printer, j.Owner)
	}

	stderrs := make([]io.Writer, len(stages))
	readers := make([]*io.PipeReader, len(stages))
	for i := range stages {
		pr, pw := io.Pipe()
		stderrs[i] = pw
		readers[i] = pr
	}

	h, err := process.Launch(stages, input, output, stderrs)
	if err != nil {
		for _, pr := range readers {
			pr.Close()
		}
		return fmt.Errorf("filter: launch pipeline for job %d: %w", j.ID, err)
	}

	e.mu.Lock()
	e.running[j.ID] = h
	e.byPrinter[printer]++
	e.byUser[j.Owner]++
	e.mu.Unlock()

	for _, pr := range readers {
		go func(pr *io.PipeReader) {
			sr := statusline.NewReader(pr, onStatus)
			sr.Run()
		}(pr)
	}

	go func() {
		code := h.ExitCode()
		outcome := classifyExitCode(code)

		e.mu.Lock()
		delete(e.running, j.ID)
		e.byPrinter[printer]--
		e.byUser[j.Owner]--
		e.mu.Unlock()

		onDone(ExecResult{JobID: j.ID, Outcome: outcome, Attempt: j.Attempt})
	}()

	return nil
}

// Cancel escalates cancellation for a running job's pipeline per spec
// §4.C (backend signal, 5s grace, pipeline signal, force-kill).
func (e *Executor) Cancel(jobID int, grace time.Duration) {
	e.mu.Lock()
	h, ok := e.running[jobID]
	e.mu.Unlock()
	if !ok {
		return
	}
	h.Cancel(grace)
}

// BackoffDelay returns the exponential backoff delay for attempt
// (1-based), capped at RetryPolicy.IntervalSecs, per spec §4.C.
func (rp RetryPolicy) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Second
	delay := base * time.Duration(math.Pow(2, float64(attempt-1)))
	ceiling := time.Duration(rp.IntervalSecs) * time.Second
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}

// ExceedsLimit reports whether attempt has exhausted the retry budget.
func (rp RetryPolicy) ExceedsLimit(attempt int) bool {
	return rp.Limit > 0 && attempt > rp.Limit
}
