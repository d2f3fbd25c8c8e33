// Package scheduler assembles every subsystem into the single
// top-level owning structure named in spec §9's Design Notes: one
// Scheduler value holds the printer/class registry, the job manager,
// the subscription bus, the policy engine, persistence and the filter
// executor, and exposes the core operations spec §4.D's IPP dispatcher
// calls. No package here reaches for a global — everything is threaded
// through this struct's constructor, generalizing the ownership shape
// of PrintMaster's server/main.go top-level wiring (a single process
// struct gluing storage, alerts, releases and websockets together)
// into the single-threaded cooperative core spec §5 requires.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/printcore/schedulerd/internal/attr"
	"github.com/printcore/schedulerd/internal/config"
	"github.com/printcore/schedulerd/internal/event"
	"github.com/printcore/schedulerd/internal/filter"
	"github.com/printcore/schedulerd/internal/histstore"
	"github.com/printcore/schedulerd/internal/ipp"
	"github.com/printcore/schedulerd/internal/job"
	"github.com/printcore/schedulerd/internal/logger"
	"github.com/printcore/schedulerd/internal/mimedb"
	"github.com/printcore/schedulerd/internal/persist"
	"github.com/printcore/schedulerd/internal/policy"
	"github.com/printcore/schedulerd/internal/printer"
	"github.com/printcore/schedulerd/internal/process"
	"github.com/printcore/schedulerd/internal/schederr"
	"github.com/printcore/schedulerd/internal/statusline"
	"github.com/printcore/schedulerd/internal/subscription"
)

// rawSentinel is the destination MIME type for printers that accept
// their native data stream unconverted (spec §4.C).
const rawSentinel = "application/vnd.cups-raw"

// BackendDir resolves a device URI's scheme to the backend executable
// that speaks it (e.g. "socket" -> /usr/lib/schedulerd/backend/socket),
// supplied by the caller since backend binaries are out of scope (spec §1).
type BackendDir func(scheme string) (execPath string, ok bool)

// statusMsg is a status-line record routed back onto the event loop
// goroutine from filter.Executor's background reader (spec §5:
// "the core never shares mutable state with [children]... communicates
// only through pipes").
type statusMsg struct {
	jobID int
	rec   statusline.Record
}

// backchannel is a small bounded ring buffer capturing a processing
// job's back-channel bytes (spec §3), owner-readable via get-job-attributes.
type backchannel struct {
	mu  sync.Mutex
	buf []byte
}

const backchannelCap = 16 * 1024

func (b *backchannel) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > backchannelCap {
		b.buf = b.buf[len(b.buf)-backchannelCap:]
	}
	return len(p), nil
}

func (b *backchannel) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

// runningJob tracks per-job bookkeeping the job/printer packages don't
// themselves own: its back-channel ring and retry deadline.
type runningJob struct {
	back          *backchannel
	retryDeadline time.Time
}

// Scheduler owns every subsystem from spec §2's component table and
// implements the operations named in spec §4.A-§4.G for the IPP
// dispatcher (internal/dispatch) to call.
type Scheduler struct {
	mu sync.Mutex

	cfg config.Config
	log *logger.Logger

	store *persist.Store
	hist  *histstore.Store // optional: nil disables durable quota/audit history

	Registry *printer.Registry
	Jobs      *job.Manager
	Bus       *subscription.Bus
	MimeDB    *mimedb.DB

	policies    map[string]policy.Policy
	groupLookup policy.GroupLookup

	exec       *filter.Executor
	retryPolicy filter.RetryPolicy

	backendDir      BackendDir
	classification  string

	running map[int]*runningJob

	statusCh chan statusMsg
	doneCh   chan filter.ExecResult

	lastFlush time.Time
}

// New constructs a Scheduler from already-opened subsystems. hist may
// be nil (history/quota-durability disabled); policies must contain at
// least cfg.Policy.DefaultPolicy.
func New(cfg config.Config, log *logger.Logger, store *persist.Store, hist *histstore.Store, mimeDB *mimedb.DB, policies map[string]policy.Policy, groupLookup policy.GroupLookup, backendDir BackendDir, notifierDir subscription.NotifierDir) *Scheduler {
	nm := subscription.NewNotifierManager(notifierDir, func(subID int, err error) {
		log.Warn("notifier delivery failed", "subscription", subID, "error", err)
	})
	s := &Scheduler{
		cfg:      cfg,
		log:      log,
		store:    store,
		hist:     hist,
		Registry: printer.New(),
		Jobs:     job.New(func() { store.Mark(persist.DomainJobs) }),
		Bus:      subscription.NewBus(100, nm),
		MimeDB:   mimeDB,
		policies: policies,
		groupLookup: groupLookup,
		exec: filter.NewExecutor(filter.Caps{
			MaxJobs:           cfg.Server.MaxJobs,
			MaxActiveJobs:     cfg.Server.MaxActiveJobs,
			MaxJobsPerPrinter: cfg.Server.MaxJobsPerPrinter,
			MaxJobsPerUser:    cfg.Server.MaxJobsPerUser,
		}, filter.RetryPolicy{
			Limit:        cfg.Server.FaxRetryLimit,
			IntervalSecs: cfg.Server.FaxRetryIntervalSecs,
		}),
		retryPolicy: filter.RetryPolicy{Limit: cfg.Server.FaxRetryLimit, IntervalSecs: cfg.Server.FaxRetryIntervalSecs},
		backendDir:  backendDir,
		running:     make(map[int]*runningJob),
		statusCh:    make(chan statusMsg, 256),
		doneCh:      make(chan filter.ExecResult, 64),
	}
	return s
}

// EvaluatePolicy evaluates op against policyName's rules for principal
// against owner, falling back to the server's configured default
// policy if policyName names none, per spec §4.F.
func (s *Scheduler) EvaluatePolicy(op ipp.Op, policyName, principal, owner string) policy.Verdict {
	p, ok := s.Policy(policyName)
	if !ok {
		return policy.Deny
	}
	return policy.Evaluate(p, op, principal, owner, s.cfg.Policy.SystemGroup, s.groupLookup)
}

// Policy looks up a named policy, falling back to the configured default.
func (s *Scheduler) Policy(name string) (policy.Policy, bool) {
	if name == "" {
		name = s.cfg.Policy.DefaultPolicy
	}
	p, ok := s.policies[name]
	return p, ok
}

// SetPolicies replaces the scheduler's policy table wholesale, for
// SIGHUP-driven policy.conf reloads (spec §4.F). Safe only from the
// event loop goroutine, like every other Scheduler mutation.
func (s *Scheduler) SetPolicies(policies map[string]policy.Policy) {
	s.policies = policies
}

// SystemGroup is the configured @SYSTEM group name for policy evaluation.
func (s *Scheduler) SystemGroup() string { return s.cfg.Policy.SystemGroup }

// GroupLookup exposes the configured group-membership resolver.
func (s *Scheduler) GroupLookup() policy.GroupLookup { return s.groupLookup }

// publish stamps and delivers an event through the bus, and durably
// archives server-audit events independent of the in-memory ring.
func (s *Scheduler) publish(kind event.Kind, printerName string, jobID int, attrs attr.Group) event.Event {
	e := s.Bus.Publish(event.Event{Kind: kind, Printer: printerName, JobID: jobID, Attrs: attrs})
	if kind == event.KindServerAudit && s.hist != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.hist.RecordAudit(ctx, e); err != nil {
				s.log.Warn("audit record failed", "error", err)
			}
		}()
	}
	return e
}

// ---- Job operations (spec §4.A) ----

// CreateJob allocates a job targeting dest (a printer or class name).
func (s *Scheduler) CreateJob(owner, dest string, attrs attr.Group) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	destType, err := s.resolveDestType(dest)
	if err != nil {
		return nil, err
	}
	j, err := s.Jobs.Create(owner, dest, destType, attrs)
	if err != nil {
		return nil, err
	}
	s.store.Mark(persist.DomainJobs)
	s.publish(event.KindJobCreated, dest, j.ID, attrs)
	// job-created covers the job coming into existence; job-state-changed
	// is the state-machine signal and fires once per transition from here
	// on, starting with this initial pending state (spec §8 scenario 1).
	s.publish(event.KindJobStateChanged, dest, j.ID, attr.Group{})
	return j, nil
}

func (s *Scheduler) resolveDestType(dest string) (job.DestType, error) {
	if _, ok := s.Registry.FindPrinter(dest); ok {
		return job.DestPrinter, nil
	}
	if _, ok := s.Registry.FindClass(dest); ok {
		return job.DestClass, nil
	}
	return 0, schederr.New(schederr.KindNotFound, fmt.Sprintf("unknown destination %q", dest))
}

// AddDocument spools doc's bytes to the job's next document file and
// records it in the job's document list.
func (s *Scheduler) AddDocument(id int, mimeType string, compressed bool, r io.Reader) error {
	s.mu.Lock()
	j, err := s.Jobs.Get(id)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	docNum := len(j.Documents) + 1
	path := s.store.JobDocumentPath(id, docNum)
	f, err := createSpoolFile(path)
	if err != nil {
		return schederr.Wrap(schederr.KindSpoolIO, "create document file", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return schederr.Wrap(schederr.KindSpoolIO, "write document file", err)
	}
	return s.Jobs.AddDocument(id, job.Document{Path: path, MIMEType: mimeType, Compressed: compressed})
}

// SubmitJob marks a job's document intake complete.
func (s *Scheduler) SubmitJob(id int) error {
	if err := s.Jobs.Submit(id); err != nil {
		return err
	}
	s.store.Mark(persist.DomainJobs)
	return nil
}

// CancelJob cancels a job, escalating pipeline termination if it is
// currently processing (spec §4.C cancellation semantics).
func (s *Scheduler) CancelJob(id int, purge bool) error {
	s.mu.Lock()
	j, err := s.Jobs.Get(id)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if j.State == job.StateProcessing {
		// Cancel's signal escalation blocks for up to several seconds;
		// run it off the event-loop goroutine (spec §5 forbids blocking
		// the loop on child process teardown). The job reaches canceled
		// only once HandleExecDone observes the pipeline reaped, so
		// record the cancellation intent now and let that handler report
		// canceled-by-user instead of whatever exit code the backend
		// happened to produce.
		if err := s.markPendingCancel(id); err != nil {
			return err
		}
		go s.exec.Cancel(id, 5*time.Second)
		return nil
	}
	if err := s.Jobs.Cancel(id, purge); err != nil {
		return err
	}
	s.store.Mark(persist.DomainJobs)
	s.publish(event.KindJobStateChanged, j.Dest, id, reasonAttrs("canceled-by-user"))
	s.publish(event.KindJobCompleted, j.Dest, id, reasonAttrs("canceled-by-user"))
	if purge {
		s.purgeDocuments(j)
	}
	return nil
}

// markPendingCancel records that id's cancel arrived mid-processing, so
// HandleExecDone reports canceled-by-user instead of the pipeline's raw
// exit classification once its children are reaped.
func (s *Scheduler) markPendingCancel(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rj, ok := s.running[id]; ok {
		rj.retryDeadline = cancelMarker
	}
	return nil
}

// cancelMarker is a sentinel retryDeadline value (spec doesn't need a
// separate field for this one-bit intent).
var cancelMarker = time.Unix(1, 0)

func (s *Scheduler) HoldJob(id int) error {
	if err := s.Jobs.Hold(id); err != nil {
		return err
	}
	s.store.Mark(persist.DomainJobs)
	return nil
}

func (s *Scheduler) ReleaseJob(id int) error {
	if err := s.Jobs.Release(id); err != nil {
		return err
	}
	s.store.Mark(persist.DomainJobs)
	return nil
}

func (s *Scheduler) RestartJob(id int) error {
	if err := s.Jobs.Restart(id); err != nil {
		return err
	}
	s.store.Mark(persist.DomainJobs)
	return nil
}

func (s *Scheduler) MoveJob(id int, newDest string) error {
	destType, err := s.resolveDestType(newDest)
	if err != nil {
		return err
	}
	if err := s.Jobs.Move(id, newDest, destType); err != nil {
		return err
	}
	s.store.Mark(persist.DomainJobs)
	return nil
}

func (s *Scheduler) SetPriority(id, priority int) error {
	if err := s.Jobs.SetPriority(id, priority); err != nil {
		return err
	}
	s.store.Mark(persist.DomainJobs)
	return nil
}

func (s *Scheduler) SetHoldUntil(id int, when time.Time) error {
	if err := s.Jobs.SetHoldUntil(id, when); err != nil {
		return err
	}
	s.store.Mark(persist.DomainJobs)
	return nil
}

func (s *Scheduler) ListJobs(f job.Filter) []*job.Job { return s.Jobs.List(f) }

func (s *Scheduler) GetJob(id int) (*job.Job, error) { return s.Jobs.Get(id) }

// BackchannelOf returns the accumulated back-channel bytes for a job
// whose pipeline is still running, or nil once HandleExecDone has reaped
// it or if none were captured.
func (s *Scheduler) BackchannelOf(id int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rj, ok := s.running[id]; ok {
		return rj.back.Bytes()
	}
	return nil
}

func (s *Scheduler) purgeDocuments(j *job.Job) {
	for _, d := range j.Documents {
		_ = removeSpoolFile(d.Path)
	}
}

func reasonAttrs(reason string) attr.Group {
	var g attr.Group
	g.Set("reason", attr.Keyword(reason))
	return g
}

// ---- Printer/class operations (spec §4.B) ----

func (s *Scheduler) AddPrinter(p *printer.Printer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Registry.AddPrinter(p); err != nil {
		return schederr.Wrap(schederr.KindConflict, "add printer", err)
	}
	s.store.Mark(persist.DomainPrinters)
	s.publish(event.KindPrinterAdded, p.Name, 0, attr.Group{})
	return nil
}

func (s *Scheduler) DeletePrinter(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Registry.DeletePrinter(name); err != nil {
		return schederr.Wrap(schederr.KindNotFound, "delete printer", err)
	}
	s.store.Mark(persist.DomainPrinters)
	s.publish(event.KindPrinterDeleted, name, 0, attr.Group{})
	return nil
}

func (s *Scheduler) PausePrinter(name, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Registry.FindPrinter(name)
	if !ok {
		return schederr.New(schederr.KindNotFound, fmt.Sprintf("printer %q not found", name))
	}
	p.State = printer.StateStopped
	if reason == "" {
		reason = "paused"
	}
	p.AddReason(reason)
	s.store.Mark(persist.DomainPrinters)
	s.publish(event.KindPrinterStateChanged, name, 0, attr.Group{})
	return nil
}

func (s *Scheduler) ResumePrinter(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Registry.FindPrinter(name)
	if !ok {
		return schederr.New(schederr.KindNotFound, fmt.Sprintf("printer %q not found", name))
	}
	p.RemoveReason("paused")
	if p.CurrentJobID == 0 {
		p.State = printer.StateIdle
	}
	s.store.Mark(persist.DomainPrinters)
	s.publish(event.KindPrinterStateChanged, name, 0, attr.Group{})
	return nil
}

func (s *Scheduler) AddClass(c *printer.Class) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Registry.AddClass(c); err != nil {
		return schederr.Wrap(schederr.KindConflict, "add class", err)
	}
	s.store.Mark(persist.DomainClasses)
	return nil
}

func (s *Scheduler) DeleteClass(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Registry.DeleteClass(name); err != nil {
		return schederr.Wrap(schederr.KindNotFound, "delete class", err)
	}
	s.store.Mark(persist.DomainClasses)
	return nil
}

// PurgeJobs cancels every non-terminal job targeting dest.
func (s *Scheduler) PurgeJobs(dest string) error {
	for _, j := range s.Jobs.List(job.Filter{Dest: dest, Which: "not-completed"}) {
		if err := s.CancelJob(j.ID, true); err != nil {
			return err
		}
	}
	return nil
}

// HandleDiscovery re-synthesizes implicit classes from a debounced
// mDNS snapshot (spec §4.B / §9 Open Question). cmd/schedulerd calls
// it straight from internal/discovery's browse callback, outside the
// event loop goroutine, so it takes s.mu itself.
func (s *Scheduler) HandleDiscovery(discovered []printer.DiscoveredPrinter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Registry.ReplaceImplicitClasses(discovered)
}

// ---- Subscription operations (spec §4.E) ----

func (s *Scheduler) Subscribe(mask event.Mask, recip subscription.Recipient, printerFilter string, jobFilter int, owner string, leaseSecs int) *subscription.Subscription {
	sub := s.Bus.Subscribe(mask, recip, printerFilter, jobFilter, owner, time.Duration(leaseSecs)*time.Second, 100)
	s.store.Mark(persist.DomainSubscriptions)
	return sub
}

func (s *Scheduler) CancelSubscription(id int) error {
	if err := s.Bus.Cancel(id); err != nil {
		return schederr.Wrap(schederr.KindNotFound, "cancel subscription", err)
	}
	s.store.Mark(persist.DomainSubscriptions)
	return nil
}

func (s *Scheduler) RenewSubscription(id, leaseSecs int) error {
	if err := s.Bus.Renew(id, time.Duration(leaseSecs)*time.Second); err != nil {
		return schederr.Wrap(schederr.KindNotFound, "renew subscription", err)
	}
	s.store.Mark(persist.DomainSubscriptions)
	return nil
}

func (s *Scheduler) GetNotifications(id int) ([]event.Event, error) {
	sub, ok := s.Bus.Get(id)
	if !ok {
		return nil, schederr.New(schederr.KindNotFound, fmt.Sprintf("subscription %d not found", id))
	}
	return sub.DrainForPull(), nil
}

// ---- Main loop integration (spec §4.H) ----

// Tick advances the scheduler by one event-loop iteration: releases
// jobs whose hold has elapsed, resumes jobs whose retry interval
// elapsed, sweeps expired subscription leases, and binds newly
// eligible pending jobs to idle printers.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	s.releaseElapsedHolds(now)
	s.resumeElapsedRetries(now)
	s.mu.Unlock()

	for _, id := range s.Bus.SweepExpiredLeases(now) {
		s.store.Mark(persist.DomainSubscriptions)
		s.log.Debug("subscription lease expired", "subscription", id)
	}

	s.dispatchPending()

	if s.store.Dirty() && now.Sub(s.lastFlush) >= time.Duration(s.cfg.Server.DirtyCleanInterval)*time.Second {
		s.flush()
		s.lastFlush = now
	}
}

func (s *Scheduler) releaseElapsedHolds(now time.Time) {
	for _, j := range s.Jobs.List(job.Filter{Which: "not-completed"}) {
		if j.State == job.StateHeld && !j.HoldUntil.IsZero() && now.After(j.HoldUntil) {
			_ = s.Jobs.Release(j.ID)
			s.store.Mark(persist.DomainJobs)
		}
	}
}

func (s *Scheduler) resumeElapsedRetries(now time.Time) {
	for id, rj := range s.running {
		if rj.retryDeadline.IsZero() || rj.retryDeadline == cancelMarker {
			continue
		}
		if now.After(rj.retryDeadline) {
			rj.retryDeadline = time.Time{}
			_ = s.Jobs.Resume(id)
			s.store.Mark(persist.DomainJobs)
		}
	}
}

// dispatchPending binds eligible pending jobs to idle printers, per
// spec §4.A's queue-ordering rule, considering both direct-to-printer
// and class submissions.
func (s *Scheduler) dispatchPending() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.Registry.AllClasses() {
		queue := s.Jobs.PendingQueue(c.Name)
		if len(queue) == 0 {
			continue
		}
		p, err := s.Registry.FindAvailableMember(c.Name)
		if err != nil {
			continue
		}
		s.tryStart(queue[0], p)
	}

	printers := s.Registry.AllPrinters()
	sort.Slice(printers, func(i, j int) bool { return printers[i].Name < printers[j].Name })
	for _, p := range printers {
		if p.State != printer.StateIdle || !p.AcceptingJobs || p.CurrentJobID != 0 {
			continue
		}
		queue := s.Jobs.PendingQueue(p.Name)
		if len(queue) == 0 {
			continue
		}
		s.tryStart(queue[0], p)
	}
}

// tryStart attempts to bind j to p, applying the quota check first.
// Must be called with s.mu held.
func (s *Scheduler) tryStart(j *job.Job, p *printer.Printer) {
	if p.State != printer.StateIdle || !p.AcceptingJobs || p.CurrentJobID != 0 {
		return
	}
	if !s.exec.CanStart(p.Name, j.Owner) {
		return
	}

	limits := job.QuotaLimits{PageLimit: p.Quota.PageLimit, JobLimit: p.Quota.JobLimit, PeriodSecs: p.Quota.PeriodSecs}
	probe := s.quotaProbe(p.Name)
	pageEstimate := int(j.Attrs.OptInt("job-media-sheets", 1))
	if job.CheckQuota(limits, probe, p.Name, j.Owner, pageEstimate) {
		_ = s.Jobs.HoldForQuota(j.ID)
		s.store.Mark(persist.DomainJobs)
		s.publish(event.KindJobStateChanged, p.Name, j.ID, reasonAttrs("job-hold-until-specified"))
		return
	}

	if err := s.startPipeline(j, p); err != nil {
		s.log.Error("start pipeline failed", "job", j.ID, "printer", p.Name, "error", err)
		_ = s.Jobs.Abort(j.ID)
		s.store.Mark(persist.DomainJobs)
		s.publish(event.KindJobStateChanged, p.Name, j.ID, reasonAttrs("document-format-error"))
		s.publish(event.KindJobCompleted, p.Name, j.ID, reasonAttrs("document-format-error"))
	}
}

// quotaProbe returns job.QuotaProbe backed by the history store, or a
// zero-returning stub if history is disabled.
func (s *Scheduler) quotaProbe(printerName string) job.QuotaProbe {
	if s.hist == nil {
		return func(string, string, time.Duration) (int, int) { return 0, 0 }
	}
	return func(pr, owner string, period time.Duration) (int, int) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		pages, jobs, err := s.hist.QuotaTotals(ctx, pr, owner, time.Now().Add(-period))
		if err != nil {
			s.log.Warn("quota probe failed", "printer", pr, "owner", owner, "error", err)
			return 0, 0
		}
		return pages, jobs
	}
}

// startPipeline binds j to p, builds its filter chain and launches the
// process tree (spec §4.C). Must be called with s.mu held.
func (s *Scheduler) startPipeline(j *job.Job, p *printer.Printer) error {
	if j.CurrentFile >= len(j.Documents) {
		return fmt.Errorf("job %d has no document at index %d", j.ID, j.CurrentFile)
	}
	doc := j.Documents[j.CurrentFile]

	dstType := rawSentinel
	if len(p.MIMETypes) > 0 {
		dstType = p.MIMETypes[0]
	}

	scheme := schemeOf(p.DeviceURI)
	backendExec, ok := s.backendDir(scheme)
	if !ok {
		return fmt.Errorf("no backend registered for scheme %q", scheme)
	}

	spec := filter.PipelineSpec{
		JobID:          j.ID,
		Owner:          j.Owner,
		Title:          j.Attrs.OptStr("job-name", fmt.Sprintf("job-%d", j.ID)),
		Copies:         int(j.Attrs.OptInt("copies", 1)),
		Options:        "",
		DeviceURI:      p.DeviceURI,
		PPD:            p.Attrs.OptStr("ppd", ""),
		Printer:        p.Name,
		Charset:        j.Attrs.OptStr("attributes-charset", "utf-8"),
		Lang:           j.Attrs.OptStr("attributes-natural-language", "en"),
		ContentType:    doc.MIMEType,
		Classification: s.classification,
	}

	stages, err := filter.BuildPipeline(s.MimeDB, spec, doc.MIMEType, dstType, backendExec)
	if err != nil {
		return err
	}

	input, err := process.OpenInput(doc.Path)
	if err != nil {
		return schederr.Wrap(schederr.KindSpoolIO, "open document", err)
	}

	rj := &runningJob{back: &backchannel{}}
	s.running[j.ID] = rj

	if err := s.exec.Start(j, p.Name, stages, input, rj.back,
		func(rec statusline.Record) {
			select {
			case s.statusCh <- statusMsg{jobID: j.ID, rec: rec}:
			default:
			}
		},
		func(res filter.ExecResult) {
			input.Close()
			s.doneCh <- res
		},
	); err != nil {
		input.Close()
		delete(s.running, j.ID)
		return err
	}

	if err := s.Jobs.BeginProcessing(j.ID, p.Name); err != nil {
		return err
	}
	p.State = printer.StateProcessing
	p.CurrentJobID = j.ID
	s.store.Mark(persist.DomainJobs)
	s.store.Mark(persist.DomainPrinters)
	s.publish(event.KindJobStateChanged, p.Name, j.ID, attr.Group{})
	return nil
}

func schemeOf(uri string) string {
	for i := 0; i < len(uri); i++ {
		if uri[i] == ':' {
			return uri[:i]
		}
	}
	return uri
}

// HandleStatus processes one tagged status line from a job's pipeline
// (spec §4.C), updating job attributes and emitting job-progress events.
func (s *Scheduler) HandleStatus(msg statusMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.Jobs.Get(msg.jobID)
	if err != nil {
		return
	}
	switch msg.rec.Kind {
	case statusline.KindPage:
		j.AddStatusLine(msg.rec.Raw)
		s.publish(event.KindJobProgress, j.AssignedPrinter, j.ID, reasonAttrs(msg.rec.Payload))
	case statusline.KindState:
		added, removed := statusline.StateReasons(msg.rec.Payload)
		if p, ok := s.Registry.FindPrinter(j.AssignedPrinter); ok {
			for _, r := range added {
				p.AddReason(r)
			}
			for _, r := range removed {
				p.RemoveReason(r)
			}
			if len(p.StateReasons) == 0 && p.State == printer.StateStopped && p.CurrentJobID != 0 {
				p.State = printer.StateProcessing
			}
		}
		s.store.Mark(persist.DomainPrinters)
	case statusline.KindAttr:
		if k, v, ok := statusline.AttrKeyValue(msg.rec.Payload); ok {
			j.Attrs.Set(k, attr.Keyword(v))
		}
	case statusline.KindError, statusline.KindWarning, statusline.KindInfo:
		j.AddStatusLine(msg.rec.Raw)
	default:
		j.AddStatusLine(msg.rec.Raw)
	}
}

// HandleExecDone reacts to a pipeline reaching a terminal outcome
// (spec §4.C's exit-code table), transitioning the job and its
// printer and publishing the resulting events.
func (s *Scheduler) HandleExecDone(res filter.ExecResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.Jobs.Get(res.JobID)
	if err != nil {
		delete(s.running, res.JobID)
		return
	}
	rj := s.running[res.JobID]
	cancelRequested := rj != nil && rj.retryDeadline == cancelMarker
	delete(s.running, res.JobID)

	p, hasPrinter := s.Registry.FindPrinter(j.AssignedPrinter)
	printerName := j.AssignedPrinter

	// Every branch below moves the job to a new state, so every branch
	// publishes job-state-changed (spec §8 scenario 1 counts exactly
	// three across a job's pending->processing->completed lifecycle);
	// job-completed/job-stopped are the additional terminal-specific
	// events spec.md's event enum lists alongside it.
	switch {
	case cancelRequested:
		_ = s.Jobs.Cancel(res.JobID, false)
		s.publish(event.KindJobStateChanged, printerName, res.JobID, reasonAttrs("canceled-by-user"))
		s.publish(event.KindJobCompleted, printerName, res.JobID, reasonAttrs("canceled-by-user"))
	case res.Outcome == filter.OutcomeCompleted:
		_ = s.Jobs.Complete(res.JobID)
		s.publish(event.KindJobStateChanged, printerName, res.JobID, attr.Group{})
		s.publish(event.KindJobCompleted, printerName, res.JobID, attr.Group{})
		s.archiveJob(j)
	case res.Outcome == filter.OutcomeStopRetry:
		if s.retryPolicy.ExceedsLimit(j.Attempt) {
			_ = s.Jobs.Abort(res.JobID)
			s.publish(event.KindJobStateChanged, printerName, res.JobID, reasonAttrs("filter-fatal"))
			s.publish(event.KindJobCompleted, printerName, res.JobID, reasonAttrs("filter-fatal"))
			s.archiveJob(j)
		} else {
			_ = s.Jobs.Stop(res.JobID, "paused")
			s.running[res.JobID] = &runningJob{back: &backchannel{}, retryDeadline: time.Now().Add(s.retryPolicy.BackoffDelay(j.Attempt))}
			s.publish(event.KindJobStateChanged, printerName, res.JobID, attr.Group{})
			s.publish(event.KindJobStopped, printerName, res.JobID, attr.Group{})
		}
	case res.Outcome == filter.OutcomeHold:
		// Exit code 2 requests the job itself be held rather than
		// retried; the job state machine has no direct
		// processing->held edge (spec §4.A), so this reuses stopped
		// with a distinguishing reason and relies on an explicit
		// release-job rather than an automatic retry timer.
		_ = s.Jobs.Stop(res.JobID, "job-hold-until-specified")
		s.publish(event.KindJobStateChanged, printerName, res.JobID, attr.Group{})
		s.publish(event.KindJobStopped, printerName, res.JobID, attr.Group{})
	case res.Outcome == filter.OutcomeStopPaused, res.Outcome == filter.OutcomeHoldAndStopPaused:
		_ = s.Jobs.Stop(res.JobID, "paused")
		s.publish(event.KindJobStateChanged, printerName, res.JobID, attr.Group{})
		s.publish(event.KindJobStopped, printerName, res.JobID, attr.Group{})
	default: // OutcomeAbort
		_ = s.Jobs.Abort(res.JobID)
		s.publish(event.KindJobStateChanged, printerName, res.JobID, reasonAttrs("document-format-error"))
		s.publish(event.KindJobCompleted, printerName, res.JobID, reasonAttrs("document-format-error"))
		s.archiveJob(j)
	}

	if hasPrinter {
		p.CurrentJobID = 0
		switch {
		case res.Outcome == filter.OutcomeStopPaused || res.Outcome == filter.OutcomeStopRetry || res.Outcome == filter.OutcomeHoldAndStopPaused:
			p.State = printer.StateStopped
			p.AddReason("paused")
		default:
			p.State = printer.StateIdle
		}
		s.publish(event.KindPrinterStateChanged, printerName, 0, attr.Group{})
	}
	s.store.Mark(persist.DomainJobs)
	s.store.Mark(persist.DomainPrinters)
}

// archiveJob records a terminal job into history (if enabled) and
// trims its spool files, per spec §3's retention-expiry ownership rule.
func (s *Scheduler) archiveJob(j *job.Job) {
	if s.hist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rec := histstore.JobRecord{
			ID:          j.ID,
			Destination: j.Dest,
			Owner:       j.Owner,
			Pages:       int(j.Attrs.OptInt("job-media-sheets-completed", 0)),
			State:       j.State.String(),
			CreatedAt:   j.CreatedAt,
			CompletedAt: time.Now(),
		}
		if err := s.hist.RecordJob(ctx, rec); err != nil {
			s.log.Warn("archive job failed", "job", j.ID, "error", err)
		}
		windowStart := time.Now().Truncate(time.Hour)
		if err := s.hist.UpsertQuotaWindow(ctx, j.Dest, j.Owner, windowStart, rec.Pages, 1); err != nil {
			s.log.Warn("quota window update failed", "job", j.ID, "error", err)
		}
	}
	if err := removeControlFile(s.store.JobControlPath(j.ID)); err != nil {
		s.log.Warn("remove job control file failed", "job", j.ID, "error", err)
	}
}

// HandleStatusChan and HandleDoneChan let internal/eventloop select on
// the scheduler's internal channels and feed received values back into
// HandleStatus/HandleExecDone on the loop goroutine.
func (s *Scheduler) HandleStatusChan() <-chan statusMsg       { return s.statusCh }
func (s *Scheduler) HandleDoneChan() <-chan filter.ExecResult { return s.doneCh }

// flush writes every dirty persistence domain to disk.
func (s *Scheduler) flush() {
	for _, err := range s.store.FlushDirty(s.buildDomain) {
		s.log.Error("persistence flush failed", "error", err)
	}
}

// ForceFlush writes all five domains regardless of dirty state, for
// graceful shutdown (spec §4.H).
func (s *Scheduler) ForceFlush() {
	for _, err := range s.store.ForceFlushAll(s.buildDomain) {
		s.log.Error("forced persistence flush failed", "error", err)
	}
}

// Shutdown cancels every running pipeline (waiting up to grace) and
// force-flushes state, per spec §4.H's graceful shutdown sequence.
func (s *Scheduler) Shutdown(grace time.Duration) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.exec.Cancel(id, grace)
		}(id)
	}
	wg.Wait()
	s.ForceFlush()
}
