// Package subscription implements the event bus and subscription
// lifecycle from spec §4.E: a global event ring, per-subscription
// delivery rings, push-notifier child processes with backoff, pull
// delivery for get-notifications, and lease expiry. Grounded on
// common/ws/hub.go's broadcast-to-subscribers shape, adapted from a
// goroutine-owned hub broadcasting over websockets into a bus callable
// synchronously from the single-threaded event loop (Design Notes),
// plus the relaunch-with-backoff model in server/alerts/notifier.go.
package subscription

import (
	"fmt"
	"sync"
	"time"

	"github.com/printcore/schedulerd/internal/event"
)

// Recipient is either an external push notifier (a URI whose scheme
// selects the notifier executable, plus opaque user data) or a pull
// subscription served via get-notifications.
type Recipient struct {
	Pull     bool
	URI      string
	UserData []byte // spec §3: opaque, at most 64 bytes
}

// Subscription is one bus-owned subscription (spec §3).
type Subscription struct {
	ID          int
	Mask        event.Mask
	Recipient   Recipient
	Printer     string // "" means unfiltered
	JobID       int    // 0 means unfiltered
	Owner       string
	LeaseExpiry time.Time

	ring       []event.Event
	ringCap    int
	lostEvents int
}

func newSubscription(id int, mask event.Mask, recip Recipient, printer string, jobID int, owner string, lease time.Time, ringCap int) *Subscription {
	if ringCap <= 0 {
		ringCap = 100
	}
	return &Subscription{
		ID:          id,
		Mask:        mask,
		Recipient:   recip,
		Printer:     printer,
		JobID:       jobID,
		Owner:       owner,
		LeaseExpiry: lease,
		ringCap:     ringCap,
	}
}

// matches reports whether e should be enqueued on s, per spec §3's
// invariant: "(mask intersects kind) and (printer filter absent or
// equals event.printer) and (job filter absent or equals event.job)".
func (s *Subscription) matches(e event.Event) bool {
	if !s.Mask.Matches(e.Kind) {
		return false
	}
	if s.Printer != "" && s.Printer != e.Printer {
		return false
	}
	if s.JobID != 0 && s.JobID != e.JobID {
		return false
	}
	return true
}

// enqueue appends e to s's ring, overwriting the oldest entry and
// incrementing lostEvents when full.
func (s *Subscription) enqueue(e event.Event) {
	if len(s.ring) < s.ringCap {
		s.ring = append(s.ring, e)
		return
	}
	s.ring = append(s.ring[1:], e)
	s.lostEvents++
}

// DrainForPull returns every event queued since the last drain and
// empties the ring, for get-notifications (spec §4.E): the ring itself
// is the read cursor, since nothing is retained once a pull client has
// seen it.
func (s *Subscription) DrainForPull() []event.Event {
	out := append([]event.Event(nil), s.ring...)
	s.ring = nil
	return out
}

// LostEvents reports how many events were dropped due to a full ring.
func (s *Subscription) LostEvents() int { return s.lostEvents }

// Bus owns the global event ring and every live subscription.
type Bus struct {
	mu           sync.Mutex
	globalRing   []event.Event
	globalCap    int
	seqCounter   uint64
	subs         map[int]*Subscription
	nextSubID    int
	notifierMgr  *NotifierManager

	// OnPublish, if set, is invoked synchronously after every Publish
	// with no lock held - the hook internal/adminws installs to tail
	// events into its websocket fan-out without this package importing it.
	OnPublish func(event.Event)
}

// NewBus returns a Bus with a global ring capped at maxEvents (default
// 100 if <= 0) and a NotifierManager for push delivery.
func NewBus(maxEvents int, nm *NotifierManager) *Bus {
	if maxEvents <= 0 {
		maxEvents = 100
	}
	return &Bus{
		globalCap:   maxEvents,
		subs:        make(map[int]*Subscription),
		nextSubID:   1,
		notifierMgr: nm,
	}
}

// Subscribe registers a new subscription and returns it.
func (b *Bus) Subscribe(mask event.Mask, recip Recipient, printer string, jobID int, owner string, leaseDuration time.Duration, ringCap int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	lease := time.Now().Add(leaseDuration)
	s := newSubscription(id, mask, recip, printer, jobID, owner, lease, ringCap)
	b.subs[id] = s
	return s
}

// Restore reinserts a subscription reconstructed from persisted state
// (spec §4.G) with its original id and lease expiry, bypassing
// Subscribe's id allocation. The bus's id counter is advanced past id
// so subsequent Subscribe calls never collide with a restored one.
func (b *Bus) Restore(id int, mask event.Mask, recip Recipient, printer string, jobID int, owner string, leaseExpiry time.Time, ringCap int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := newSubscription(id, mask, recip, printer, jobID, owner, leaseExpiry, ringCap)
	b.subs[id] = s
	if id >= b.nextSubID {
		b.nextSubID = id + 1
	}
	return s
}

// Cancel removes a subscription; no further events are delivered to it.
func (b *Bus) Cancel(id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return fmt.Errorf("subscription: unknown id %d", id)
	}
	delete(b.subs, id)
	if b.notifierMgr != nil {
		b.notifierMgr.Stop(id)
	}
	return nil
}

// Renew extends a subscription's lease, per the invariant that lease
// time only decreases except on explicit renewal.
func (b *Bus) Renew(id int, leaseDuration time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[id]
	if !ok {
		return fmt.Errorf("subscription: unknown id %d", id)
	}
	s.LeaseExpiry = time.Now().Add(leaseDuration)
	return nil
}

// Get returns a subscription by id.
func (b *Bus) Get(id int) (*Subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[id]
	return s, ok
}

// List returns every live subscription, optionally filtered by owner
// ("" means all).
func (b *Bus) List(owner string) []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Subscription
	for _, s := range b.subs {
		if owner == "" || s.Owner == owner {
			out = append(out, s)
		}
	}
	return out
}

// Publish appends e to the global ring (stamping SeqID) and, for each
// matching subscription, enqueues it and (for push subscriptions)
// hands it to the NotifierManager for delivery.
func (b *Bus) Publish(e event.Event) event.Event {
	b.mu.Lock()

	b.seqCounter++
	e.SeqID = b.seqCounter
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	if len(b.globalRing) >= b.globalCap {
		b.globalRing = b.globalRing[1:]
	}
	b.globalRing = append(b.globalRing, e)

	for _, s := range b.subs {
		if !s.matches(e) {
			continue
		}
		s.enqueue(e)
		if !s.Recipient.Pull && b.notifierMgr != nil {
			b.notifierMgr.Deliver(s.ID, s.Recipient, e)
		}
	}
	onPublish := b.OnPublish
	b.mu.Unlock()

	if onPublish != nil {
		onPublish(e)
	}
	return e
}

// GlobalRing returns a snapshot of the most recent events published,
// independent of any subscription (used by internal/adminws's live tail).
func (b *Bus) GlobalRing() []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]event.Event(nil), b.globalRing...)
}

// SweepExpiredLeases cancels every subscription whose lease has
// elapsed, per spec §4.E's once-per-second timer wheel scan. Returns
// the ids canceled, so the caller can persist/log the change.
func (b *Bus) SweepExpiredLeases(now time.Time) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var expired []int
	for id, s := range b.subs {
		if !s.LeaseExpiry.IsZero() && now.After(s.LeaseExpiry) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(b.subs, id)
		if b.notifierMgr != nil {
			b.notifierMgr.Stop(id)
		}
	}
	return expired
}
