// Package discovery browses mDNS/DNS-SD for _ipp._tcp, _ipps._tcp and
// _printer._tcp services, debounces the results, and reports printer
// name -> advertising hosts snapshots so internal/printer can
// re-synthesize implicit classes (spec §4.B, resolving the
// configurable-debounce Open Question from spec §9). Grounded on
// agent/agent/mdns.go's zeroconf browse loop, adapted from a
// fleet-agent's own-service advertisement to a scheduler-side browser
// of other hosts' printer services.
package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/printcore/schedulerd/internal/printer"
)

var serviceTypes = []string{"_ipp._tcp", "_ipps._tcp", "_printer._tcp"}

// Browser watches mDNS for printer advertisements and debounces
// updates before invoking a callback with the merged snapshot.
type Browser struct {
	debounce time.Duration
	onChange func([]printer.DiscoveredPrinter)

	mu      sync.Mutex
	seen    map[string]map[string]bool // printer name -> set of hosts
	timer   *time.Timer
	cancel  context.CancelFunc
}

// NewBrowser returns a Browser that calls onChange (on a background
// goroutine) whenever the merged discovery snapshot settles for
// debounce without further updates.
func NewBrowser(debounce time.Duration, onChange func([]printer.DiscoveredPrinter)) *Browser {
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	return &Browser{
		debounce: debounce,
		onChange: onChange,
		seen:     make(map[string]map[string]bool),
	}
}

// Start launches a zeroconf resolver for each printer-related service
// type and begins accumulating entries until Stop is called.
func (b *Browser) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		cancel()
		return err
	}

	for _, svc := range serviceTypes {
		entries := make(chan *zeroconf.ServiceEntry, 16)
		go b.consume(svc, entries)
		if err := resolver.Browse(ctx, svc, "local.", entries); err != nil {
			cancel()
			return err
		}
	}
	return nil
}

// Stop cancels every in-flight browse.
func (b *Browser) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *Browser) consume(svc string, entries <-chan *zeroconf.ServiceEntry) {
	for entry := range entries {
		name := printerNameFromInstance(entry.Instance)
		host := entry.HostName
		b.recordSighting(name, host)
	}
}

func (b *Browser) recordSighting(name, host string) {
	b.mu.Lock()
	if b.seen[name] == nil {
		b.seen[name] = make(map[string]bool)
	}
	b.seen[name][host] = true
	b.resetTimerLocked()
	b.mu.Unlock()
}

func (b *Browser) resetTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.debounce, b.fireLocked)
}

func (b *Browser) fireLocked() {
	b.mu.Lock()
	snapshot := b.snapshotLocked()
	b.mu.Unlock()
	if b.onChange != nil {
		b.onChange(snapshot)
	}
}

func (b *Browser) snapshotLocked() []printer.DiscoveredPrinter {
	out := make([]printer.DiscoveredPrinter, 0, len(b.seen))
	for name, hosts := range b.seen {
		hostList := make([]string, 0, len(hosts))
		for h := range hosts {
			hostList = append(hostList, h)
		}
		out = append(out, printer.DiscoveredPrinter{Name: name, Hosts: hostList})
	}
	return out
}

// printerNameFromInstance strips DNS-SD subtype decorations from an
// advertised instance name to recover the bare printer name used as
// the implicit-class key.
func printerNameFromInstance(instance string) string {
	if idx := strings.Index(instance, " @ "); idx >= 0 {
		return instance[:idx]
	}
	return instance
}
