package job

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/printcore/schedulerd/internal/attr"
	"github.com/printcore/schedulerd/internal/schederr"
)

const (
	defaultPriority = 50
	minPriority     = 1
	maxPriority     = 100
	// idCeiling is the implementation-defined wraparound ceiling from
	// spec §3's "wraps at implementation-defined ceiling avoiding
	// collisions with live jobs" — chosen comfortably above any
	// install's realistic live-job count.
	idCeiling = 1 << 30
)

// QuotaLimits names a printer's page/job ceilings over a sliding
// period, supplied by the caller (internal/printer) since the job
// manager doesn't own printer configuration.
type QuotaLimits struct {
	PageLimit  int
	JobLimit   int
	PeriodSecs int
}

// QuotaProbe reports, for (printer, owner), the rolling page/job
// counts accumulated within the limits' period, so Manager can decide
// whether a new submission would exceed them without owning the
// counting itself (internal/histstore and internal/scheduler share
// that bookkeeping across a restart).
type QuotaProbe func(printer, owner string, period time.Duration) (pages, jobs int)

// Manager owns the authoritative job table and enforces the state
// machine, queue ordering and quota checks from spec §4.A.
type Manager struct {
	mu      sync.Mutex
	jobs    map[int]*Job
	nextID  int
	onDirty func()
}

// New returns an empty Manager. onDirty, if non-nil, is called after
// every mutation so the caller (internal/scheduler) can mark the
// jobs.cache persistence domain dirty without this package depending
// on internal/persist directly.
func New(onDirty func()) *Manager {
	return &Manager{
		jobs:    make(map[int]*Job),
		nextID:  1,
		onDirty: onDirty,
	}
}

func (m *Manager) markDirty() {
	if m.onDirty != nil {
		m.onDirty()
	}
}

func (m *Manager) allocateID() int {
	for {
		id := m.nextID
		m.nextID++
		if m.nextID > idCeiling {
			m.nextID = 1
		}
		if _, taken := m.jobs[id]; !taken {
			return id
		}
	}
}

// Create allocates a new job in state pending, per spec §4.A's create
// operation. Priority defaults to 50 if attrs carries no
// "job-priority" integer in [1,100].
func (m *Manager) Create(owner, dest string, destType DestType, attrs attr.Group) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	priority := int(attrs.OptInt("job-priority", defaultPriority))
	if priority < minPriority || priority > maxPriority {
		return nil, schederr.New(schederr.KindBadRequest, fmt.Sprintf("job-priority %d out of range [1,100]", priority))
	}

	j := &Job{
		ID:        m.allocateID(),
		Priority:  priority,
		State:     StatePending,
		Owner:     owner,
		Dest:      dest,
		DestType:  destType,
		Attrs:     attrs.Clone(),
		CreatedAt: time.Now(),
	}
	m.jobs[j.ID] = j
	m.markDirty()
	return j, nil
}

// AddDocument appends a spooled document to a job still accepting
// input (pending, held, or pending-held).
func (m *Manager) AddDocument(id int, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if j.State != StatePending && j.State != StateHeld && j.State != StatePendingHeld {
		return schederr.New(schederr.KindConflict, fmt.Sprintf("job %d: cannot add document in state %s", id, j.State))
	}
	j.Documents = append(j.Documents, doc)
	m.markDirty()
	return nil
}

// Submit marks a job ready for dispatch consideration. It is a no-op
// on a job already in pending/held; submit exists so multi-document
// jobs built via Create+AddDocument* have an explicit "done adding
// documents" signal for the dispatcher.
func (m *Manager) Submit(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if j.State != StatePending && j.State != StateHeld {
		return schederr.New(schederr.KindConflict, fmt.Sprintf("job %d: cannot submit from state %s", id, j.State))
	}
	m.markDirty()
	return nil
}

// Cancel cancels a job from any non-terminal state. purge additionally
// requests the caller (internal/scheduler) remove its spooled
// documents immediately rather than waiting for retention to expire;
// Manager itself only flips state, since file deletion is the
// persistence layer's concern.
func (m *Manager) Cancel(id int, purge bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return schederr.New(schederr.KindConflict, fmt.Sprintf("job %d: already terminal (%s)", id, j.State))
	}
	j.State = StateCanceled
	j.pipelinePIDs = nil
	j.AssignedPrinter = ""
	m.markDirty()
	return nil
}

// Hold transitions a pending job to held.
func (m *Manager) Hold(id int) error {
	return m.transitionExplicit(id, []State{StatePending, StatePendingHeld}, StateHeld)
}

// Release transitions a held job back to pending.
func (m *Manager) Release(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if j.State != StateHeld && j.State != StatePendingHeld {
		return schederr.New(schederr.KindConflict, fmt.Sprintf("job %d: cannot release from state %s", id, j.State))
	}
	j.State = StatePending
	j.HoldUntil = time.Time{}
	j.RemoveReason("job-hold-until-specified")
	m.markDirty()
	return nil
}

// Restart returns a stopped or aborted job to pending for another
// attempt.
func (m *Manager) Restart(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if j.State != StateStopped && j.State != StateAborted {
		return schederr.New(schederr.KindConflict, fmt.Sprintf("job %d: cannot restart from state %s", id, j.State))
	}
	j.State = StatePending
	j.CurrentFile = 0
	j.Attempt = 0
	j.pipelinePIDs = nil
	m.markDirty()
	return nil
}

// Resume transitions a stopped job back to pending without resetting
// its attempt counter or current-file offset, for the "retry-interval
// elapsed" path of spec §4.A's stopped->pending transition (unlike
// Restart, which is the explicit restart-job operation and resets
// both, per spec §4.A's restart semantics).
func (m *Manager) Resume(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if j.State != StateStopped {
		return schederr.New(schederr.KindConflict, fmt.Sprintf("job %d: cannot resume from state %s", id, j.State))
	}
	j.State = StatePending
	m.markDirty()
	return nil
}

// Move reassigns a non-processing job's destination.
func (m *Manager) Move(id int, newDest string, newDestType DestType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if j.State == StateProcessing {
		return schederr.New(schederr.KindConflict, fmt.Sprintf("job %d: cannot move while processing", id))
	}
	j.Dest = newDest
	j.DestType = newDestType
	m.markDirty()
	return nil
}

// SetPriority updates a non-terminal job's dispatch priority.
func (m *Manager) SetPriority(id, priority int) error {
	if priority < minPriority || priority > maxPriority {
		return schederr.New(schederr.KindBadRequest, fmt.Sprintf("job-priority %d out of range [1,100]", priority))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return schederr.New(schederr.KindConflict, fmt.Sprintf("job %d: cannot reprioritize terminal job", id))
	}
	j.Priority = priority
	m.markDirty()
	return nil
}

// SetHoldUntil sets or clears (zero time) a job's hold-until timestamp.
func (m *Manager) SetHoldUntil(id int, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if j.State.Terminal() {
		return schederr.New(schederr.KindConflict, fmt.Sprintf("job %d: cannot set hold on terminal job", id))
	}
	j.HoldUntil = when
	if when.IsZero() {
		if j.State == StateHeld {
			j.State = StatePending
		}
		j.RemoveReason("job-hold-until-specified")
	} else if when.After(time.Now()) {
		j.State = StateHeld
		j.AddReason("job-hold-until-specified")
	}
	m.markDirty()
	return nil
}

// LoadJob inserts a job reconstructed from persisted state (spec
// §4.G's restart recovery), bypassing Create's id allocation and
// priority validation since a restored job already carries both. The
// manager's id counter is advanced past j.ID so subsequent Create
// calls never collide with a restored job.
func (m *Manager) LoadJob(j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[j.ID]; exists {
		return schederr.New(schederr.KindConflict, fmt.Sprintf("job %d: already loaded", j.ID))
	}
	m.jobs[j.ID] = j
	if j.ID >= m.nextID {
		m.nextID = j.ID + 1
	}
	return nil
}

// Get returns a snapshot copy of a job's pointer (callers must not
// retain it across a mutation without re-fetching).
func (m *Manager) Get(id int) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *Manager) getLocked(id int) (*Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, schederr.New(schederr.KindNotFound, fmt.Sprintf("unknown job id %d", id))
	}
	return j, nil
}

// Filter narrows List results.
type Filter struct {
	Owner string // "" means any
	Dest  string // "" means any
	Which string // "completed", "not-completed", or "" for all
}

// List returns jobs matching f, ordered by id ascending (dispatch
// order is computed separately by PendingQueue).
func (m *Manager) List(f Filter) []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, j := range m.jobs {
		if f.Owner != "" && j.Owner != f.Owner {
			continue
		}
		if f.Dest != "" && j.Dest != f.Dest {
			continue
		}
		switch f.Which {
		case "completed":
			if !j.State.Terminal() {
				continue
			}
		case "not-completed":
			if j.State.Terminal() {
				continue
			}
		}
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// PendingQueue returns pending jobs targeting dest, ordered by spec
// §4.A's dispatch rule: highest priority first, ties by earliest
// creation time, further ties by lowest job id.
func (m *Manager) PendingQueue(dest string) []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, j := range m.jobs {
		if j.State == StatePending && j.Dest == dest {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		ja, jb := out[a], out[b]
		if ja.Priority != jb.Priority {
			return ja.Priority > jb.Priority
		}
		if !ja.CreatedAt.Equal(jb.CreatedAt) {
			return ja.CreatedAt.Before(jb.CreatedAt)
		}
		return ja.ID < jb.ID
	})
	return out
}

// BeginProcessing transitions a pending job to processing, binding it
// to printerName. Called by the dispatcher/filter executor once a
// printer has been selected for the job.
func (m *Manager) BeginProcessing(id int, printerName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if err := validateTransition(j.State, StateProcessing); err != nil {
		return schederr.Wrap(schederr.KindConflict, fmt.Sprintf("job %d", id), err)
	}
	j.State = StateProcessing
	j.AssignedPrinter = printerName
	j.Attempt++
	m.markDirty()
	return nil
}

// Complete transitions a processing job to completed.
func (m *Manager) Complete(id int) error {
	return m.transitionFromProcessing(id, StateCompleted)
}

// Stop transitions a processing job to stopped (non-fatal backend
// failure, or explicit "STATE: +paused").
func (m *Manager) Stop(id int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if err := validateTransition(j.State, StateStopped); err != nil {
		return schederr.Wrap(schederr.KindConflict, fmt.Sprintf("job %d", id), err)
	}
	j.State = StateStopped
	if reason != "" {
		j.AddReason(reason)
	}
	m.markDirty()
	return nil
}

// Abort transitions a processing job to aborted (unrecoverable filter
// failure, or retry limit reached).
func (m *Manager) Abort(id int) error {
	return m.transitionFromProcessing(id, StateAborted)
}

func (m *Manager) transitionFromProcessing(id int, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if err := validateTransition(j.State, to); err != nil {
		return schederr.Wrap(schederr.KindConflict, fmt.Sprintf("job %d", id), err)
	}
	j.State = to
	j.pipelinePIDs = nil
	j.AssignedPrinter = ""
	m.markDirty()
	return nil
}

// HoldForQuota transitions a job to held with the quota-exceeded
// reason, called by CheckQuota's caller when a submission would
// exceed the printer's page/job window.
func (m *Manager) HoldForQuota(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if j.State != StatePending {
		return schederr.New(schederr.KindConflict, fmt.Sprintf("job %d: cannot quota-hold from state %s", id, j.State))
	}
	j.State = StateHeld
	j.AddReason("job-hold-until-specified")
	m.markDirty()
	return nil
}

func (m *Manager) transitionExplicit(id int, from []State, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.getLocked(id)
	if err != nil {
		return err
	}
	ok := false
	for _, f := range from {
		if j.State == f {
			ok = true
			break
		}
	}
	if !ok {
		return schederr.New(schederr.KindConflict, fmt.Sprintf("job %d: cannot transition from %s to %s", id, j.State, to))
	}
	j.State = to
	m.markDirty()
	return nil
}

// CheckQuota reports whether a submission of pageEstimate pages by
// owner on printer would exceed limits, given probe's current rolling
// totals (spec §4.A's quota rule).
func CheckQuota(limits QuotaLimits, probe QuotaProbe, printer, owner string, pageEstimate int) bool {
	if limits.PageLimit <= 0 && limits.JobLimit <= 0 {
		return false
	}
	period := time.Duration(limits.PeriodSecs) * time.Second
	pages, jobs := probe(printer, owner, period)
	if limits.PageLimit > 0 && pages+pageEstimate > limits.PageLimit {
		return true
	}
	if limits.JobLimit > 0 && jobs+1 > limits.JobLimit {
		return true
	}
	return false
}
