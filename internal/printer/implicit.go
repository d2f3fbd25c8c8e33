package printer

import "sort"

// DiscoveredPrinter is one entry from internal/discovery's debounced
// mDNS browse results: a printer name advertised by one or more hosts.
type DiscoveredPrinter struct {
	Name  string
	Hosts []string
}

// ReplaceImplicitClasses recomputes every implicit class from scratch
// given the current discovery snapshot, per spec §4.B: "the registry
// re-evaluates implicit-class membership whenever discovery reports a
// change." Explicit classes are untouched. Implicit classes are never
// written to classes.conf (spec §3) — the caller must not mark
// DomainClasses dirty as a result of this call.
func (r *Registry) ReplaceImplicitClasses(discovered []DiscoveredPrinter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, c := range r.classes {
		if c.Implicit {
			delete(r.classes, name)
		}
	}

	for _, d := range discovered {
		if len(d.Hosts) < 2 {
			// A single-host advertisement isn't ambiguous enough to need
			// an implicit class; the printer itself is the destination.
			continue
		}
		if _, isPrinter := r.printers[d.Name]; !isPrinter {
			continue
		}
		members := append([]string(nil), d.Hosts...)
		sort.Strings(members)
		r.classes[d.Name] = &Class{
			Name:     d.Name,
			Members:  members,
			Implicit: true,
		}
	}
}
