// Package job implements the job manager and state machine from spec
// §4.A: the twelve dispatcher-facing operations, transition rules,
// priority/creation-time/id queue ordering, and rolling quota windows,
// grounded on PrintMaster's spooler job-lifecycle types
// (agent/spooler/types.go) generalized from a local print-spool
// mirror into the scheduler's authoritative job table.
package job

import "fmt"

// State is one of the eight job states from spec §4.A.
type State int

const (
	StatePending State = iota
	StateHeld
	StateProcessing
	StateStopped
	StateCompleted
	StateAborted
	StateCanceled
	StatePendingHeld
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateHeld:
		return "held"
	case StateProcessing:
		return "processing"
	case StateStopped:
		return "stopped"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateCanceled:
		return "canceled"
	case StatePendingHeld:
		return "pending-held"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of the three terminal states
// (completed, aborted, canceled). A completed or canceled job never
// transitions again; Manager.Restart returns an aborted job to pending.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateCanceled
}

// Active reports whether a job in state s counts toward active-job
// caps (spec invariant: "active-job count equals the number of jobs
// in {processing, stopped}").
func (s State) Active() bool {
	return s == StateProcessing || s == StateStopped
}

// transitions enumerates every legal (from, to) pair from spec §4.A's
// table, used by validateTransition to reject anything else.
var transitions = map[State]map[State]bool{
	StatePending: {
		StateProcessing: true,
		StateHeld:        true,
		StateCanceled:    true,
	},
	StateHeld: {
		StatePending: true,
		StateCanceled: true,
	},
	StatePendingHeld: {
		StatePending: true,
		StateHeld:    true,
		StateCanceled: true,
	},
	StateProcessing: {
		StateCompleted: true,
		StateStopped:   true,
		StateAborted:   true,
		StateCanceled:  true,
	},
	StateStopped: {
		StatePending:  true,
		StateCanceled: true,
	},
}

// validateTransition enforces the legal-transition table, including
// the blanket "any non-terminal -> canceled" rule from spec §4.A.
func validateTransition(from, to State) error {
	if from.Terminal() {
		return fmt.Errorf("job: cannot transition out of terminal state %s", from)
	}
	if to == StateCanceled {
		return nil
	}
	if transitions[from][to] {
		return nil
	}
	return fmt.Errorf("job: illegal transition %s -> %s", from, to)
}
