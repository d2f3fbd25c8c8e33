// Package event defines the notification event vocabulary from spec
// §3 (Event) and §4.E, grounded on CUPS's cupsd_eventmask_t bitmask
// (original_source/scheduler/subscriptions.h) so masks compose with the
// same bitwise semantics subscriptions expect.
package event

import (
	"strings"
	"time"

	"github.com/printcore/schedulerd/internal/attr"
)

// Kind is a single event bit. Subscriptions match against a Mask
// (bitwise OR of Kinds).
type Kind uint32

const (
	KindPrinterStateChanged  Kind = 1 << iota
	KindPrinterConfigChanged
	KindPrinterAdded
	KindPrinterDeleted
	KindJobCreated
	KindJobStateChanged
	KindJobCompleted
	KindJobStopped
	KindJobProgress
	KindServerStarted
	KindServerRestarted
	KindServerStopped
	KindServerAudit
)

var kindNames = map[Kind]string{
	KindPrinterStateChanged:  "printer-state-changed",
	KindPrinterConfigChanged: "printer-config-changed",
	KindPrinterAdded:         "printer-added",
	KindPrinterDeleted:       "printer-deleted",
	KindJobCreated:           "job-created",
	KindJobStateChanged:      "job-state-changed",
	KindJobCompleted:         "job-completed",
	KindJobStopped:           "job-stopped",
	KindJobProgress:          "job-progress",
	KindServerStarted:        "server-started",
	KindServerRestarted:      "server-restarted",
	KindServerStopped:        "server-stopped",
	KindServerAudit:          "server-audit",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "event-unknown"
}

// Mask is a set of event Kinds a subscription is interested in.
type Mask uint32

// MaskAll matches every kind (CUPSD_EVENT_ALL equivalent).
const MaskAll Mask = Mask(^uint32(0))

// MaskNone matches nothing.
const MaskNone Mask = 0

// Matches reports whether k is included in m.
func (m Mask) Matches(k Kind) bool { return uint32(m)&uint32(k) != 0 }

// Add returns m with k included.
func (m Mask) Add(k Kind) Mask { return m | Mask(k) }

// ParseMask builds a Mask from a comma-separated list of event names
// (the form notify-events attributes arrive in).
func ParseMask(names string) Mask {
	var m Mask
	for _, n := range strings.Split(names, ",") {
		n = strings.TrimSpace(n)
		for k, kn := range kindNames {
			if kn == n {
				m = m.Add(k)
			}
		}
	}
	return m
}

// Event is a single notification, owned by the subscription bus until
// every matching subscription has delivered or discarded it (spec §3).
type Event struct {
	SeqID     uint64
	Kind      Kind
	Time      time.Time
	Printer   string // empty if not printer-associated
	JobID     int    // 0 if not job-associated
	Attrs     attr.Group
}
