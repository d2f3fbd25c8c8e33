package job

import (
	"time"

	"github.com/printcore/schedulerd/internal/attr"
)

// DestType distinguishes a job's destination kind, since the same name
// space is shared by printers and classes but routing differs.
type DestType int

const (
	DestPrinter DestType = iota
	DestClass
)

// Document is one spooled file belonging to a job (spec §3 allows
// several, added by successive add_document calls).
type Document struct {
	Path        string
	MIMEType    string
	Compressed  bool
}

// Job is one spool entry, owned exclusively by the Manager.
type Job struct {
	ID            int
	Priority      int // 1-100, default 50
	State         State
	StateReasons  []string
	Owner         string
	Dest          string
	DestType      DestType
	Documents     []Document
	CurrentFile   int
	Attrs         attr.Group
	HoldUntil     time.Time // zero value means no hold
	Attempt       int
	Cost          int
	CreatedAt     time.Time
	AssignedPrinter string // set only while State == StateProcessing

	// pipelinePIDs are the child process ids of the running filters and
	// backend; populated by internal/filter while processing, cleared
	// on leaving StateProcessing.
	pipelinePIDs []int

	// statusLines accumulates child-emitted status messages for the
	// lifetime of the job, per spec §3's "status buffer".
	statusLines []string
}

// AddStatusLine appends one line to the job's status accumulator.
func (j *Job) AddStatusLine(line string) {
	j.statusLines = append(j.statusLines, line)
}

// StatusLines returns the accumulated status buffer.
func (j *Job) StatusLines() []string { return j.statusLines }

// SetPipelinePIDs records the currently-running pipeline's child PIDs.
func (j *Job) SetPipelinePIDs(pids []int) { j.pipelinePIDs = pids }

// PipelinePIDs returns the currently-running pipeline's child PIDs, or
// nil if the job is not processing.
func (j *Job) PipelinePIDs() []int { return j.pipelinePIDs }

// HasReason reports whether r is present among the job's state reasons.
func (j *Job) HasReason(r string) bool {
	for _, x := range j.StateReasons {
		if x == r {
			return true
		}
	}
	return false
}

// AddReason appends r if not already present.
func (j *Job) AddReason(r string) {
	if !j.HasReason(r) {
		j.StateReasons = append(j.StateReasons, r)
	}
}

// RemoveReason drops r from the state reasons, if present.
func (j *Job) RemoveReason(r string) {
	out := j.StateReasons[:0]
	for _, x := range j.StateReasons {
		if x != r {
			out = append(out, x)
		}
	}
	j.StateReasons = out
}
