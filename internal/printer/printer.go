// Package printer implements the printer/class registry from spec
// §4.B: name → Printer and name → Class mappings, add/delete/rename/
// find/find-available, and implicit-class re-synthesis driven by
// internal/discovery. It generalizes PrintMaster's device-registry
// shape (server/storage device tables, adapted from a DB-backed fleet
// inventory to an in-memory registry matching the spool's own
// printers.conf/classes.conf persistence) into the spec's keyed-map
// model.
package printer

import (
	"fmt"
	"sync"

	"github.com/printcore/schedulerd/internal/attr"
)

// State is a printer's coarse operational state (spec §3).
type State int

const (
	StateIdle State = iota
	StateProcessing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// QuotaWindow is a sliding per-user page/job limit (spec §3).
type QuotaWindow struct {
	PageLimit   int
	JobLimit    int
	PeriodSecs  int
}

// Printer is one spooler destination.
type Printer struct {
	Name          string
	DeviceURI     string
	State         State
	StateReasons  []string
	AcceptingJobs bool
	Shared        bool
	CurrentJobID  int // 0 if idle
	OpPolicy      string
	ErrorPolicy   string
	MIMETypes     []string
	BannerStart   string
	BannerEnd     string
	Quota         QuotaWindow
	Attrs         attr.Group

	// memberOfClasses tracks which classes currently include this
	// printer, maintained by the registry rather than stored
	// persistently — a weak reference per spec §3.
	memberOfClasses map[string]bool
}

// Class is a printer-like destination whose membership is a list of
// printer names. Implicit classes are never persisted (spec §3).
type Class struct {
	Name        string
	Members     []string
	Implicit    bool
	OpPolicy    string
	ErrorPolicy string
	Attrs       attr.Group

	// rrIndex is the round-robin cursor for FindAvailableMember.
	rrIndex int
}

// Registry owns the disjoint-in-practice printer and class namespaces.
type Registry struct {
	mu       sync.RWMutex
	printers map[string]*Printer
	classes  map[string]*Class
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		printers: make(map[string]*Printer),
		classes:  make(map[string]*Class),
	}
}

// AddPrinter registers p, replacing any existing printer of the same
// name (CUPS-Add-Modify-Printer is idempotent on the name).
func (r *Registry) AddPrinter(p *Printer) error {
	if p.Name == "" {
		return fmt.Errorf("printer: name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.classes[p.Name]; exists {
		return fmt.Errorf("printer: name %q already registered as a class", p.Name)
	}
	if p.memberOfClasses == nil {
		p.memberOfClasses = make(map[string]bool)
	}
	r.printers[p.Name] = p
	return nil
}

// DeletePrinter removes a printer by name and drops it from any class
// membership lists that reference it.
func (r *Registry) DeletePrinter(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.printers[name]; !ok {
		return fmt.Errorf("printer: %q not found", name)
	}
	delete(r.printers, name)
	for _, c := range r.classes {
		c.Members = removeString(c.Members, name)
	}
	return nil
}

// RenamePrinter moves a printer from oldName to newName, preserving
// its state and updating class membership lists in place.
func (r *Registry) RenamePrinter(oldName, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.printers[oldName]
	if !ok {
		return fmt.Errorf("printer: %q not found", oldName)
	}
	if _, exists := r.printers[newName]; exists {
		return fmt.Errorf("printer: %q already exists", newName)
	}
	delete(r.printers, oldName)
	p.Name = newName
	r.printers[newName] = p
	for _, c := range r.classes {
		for i, m := range c.Members {
			if m == oldName {
				c.Members[i] = newName
			}
		}
	}
	return nil
}

// FindPrinter looks up a printer by name.
func (r *Registry) FindPrinter(name string) (*Printer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.printers[name]
	return p, ok
}

// AddClass registers (or replaces) a class.
func (r *Registry) AddClass(c *Class) error {
	if c.Name == "" {
		return fmt.Errorf("class: name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.printers[c.Name]; exists {
		return fmt.Errorf("class: name %q already registered as a printer", c.Name)
	}
	r.classes[c.Name] = c
	return nil
}

// DeleteClass removes an explicit class. Implicit classes are managed
// only through ReplaceImplicitClasses and cannot be deleted directly.
func (r *Registry) DeleteClass(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.classes[name]
	if !ok {
		return fmt.Errorf("class: %q not found", name)
	}
	if c.Implicit {
		return fmt.Errorf("class: %q is an implicit class and cannot be deleted directly", name)
	}
	delete(r.classes, name)
	return nil
}

// FindClass looks up a class by name.
func (r *Registry) FindClass(name string) (*Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[name]
	return c, ok
}

// FindAvailableMember returns a member of class c suitable for a new
// job: round-robin among members whose state is idle or processing
// with spare capacity (spec §4.B), skipping stopped or non-accepting
// members entirely.
func (r *Registry) FindAvailableMember(className string) (*Printer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.classes[className]
	if !ok {
		return nil, fmt.Errorf("class: %q not found", className)
	}
	if len(c.Members) == 0 {
		return nil, fmt.Errorf("class: %q has no members", className)
	}

	n := len(c.Members)
	for i := 0; i < n; i++ {
		idx := (c.rrIndex + i) % n
		name := c.Members[idx]
		p, ok := r.printers[name]
		if !ok || !p.AcceptingJobs {
			continue
		}
		if p.State == StateIdle || (p.State == StateProcessing && hasSpareCapacity(p)) {
			c.rrIndex = (idx + 1) % n
			return p, nil
		}
	}
	return nil, fmt.Errorf("class: %q has no available member", className)
}

// hasSpareCapacity reports whether a processing printer can accept
// another job concurrently. The base model runs one job per printer at
// a time; a future multi-job-per-device printer would override this,
// so it's isolated in its own function rather than inlined.
func hasSpareCapacity(p *Printer) bool {
	return false
}

// HasReason reports whether r is present among the printer's state reasons.
func (p *Printer) HasReason(r string) bool {
	for _, x := range p.StateReasons {
		if x == r {
			return true
		}
	}
	return false
}

// AddReason appends r to the printer's state reasons if not already present.
func (p *Printer) AddReason(r string) {
	if !p.HasReason(r) {
		p.StateReasons = append(p.StateReasons, r)
	}
}

// RemoveReason drops r from the printer's state reasons, if present.
func (p *Printer) RemoveReason(r string) {
	out := p.StateReasons[:0]
	for _, x := range p.StateReasons {
		if x != r {
			out = append(out, x)
		}
	}
	p.StateReasons = out
}

// AllPrinters returns a snapshot slice of every registered printer.
func (r *Registry) AllPrinters() []*Printer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Printer, 0, len(r.printers))
	for _, p := range r.printers {
		out = append(out, p)
	}
	return out
}

// AllClasses returns a snapshot slice of every registered class.
func (r *Registry) AllClasses() []*Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Class, 0, len(r.classes))
	for _, c := range r.classes {
		out = append(out, c)
	}
	return out
}

func removeString(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
