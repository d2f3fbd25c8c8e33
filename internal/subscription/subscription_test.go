package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/printcore/schedulerd/internal/event"
)

func TestSubscribePublishMatchingEventEnqueued(t *testing.T) {
	bus := NewBus(100, nil)
	s := bus.Subscribe(event.Mask(0).Add(event.KindJobCompleted), Recipient{Pull: true}, "", 0, "alice", time.Hour, 10)

	bus.Publish(event.Event{Kind: event.KindJobCompleted, Printer: "lp1"})
	bus.Publish(event.Event{Kind: event.KindJobCreated, Printer: "lp1"})

	drained := s.DrainForPull()
	require.Len(t, drained, 1)
	require.Equal(t, event.KindJobCompleted, drained[0].Kind)
}

func TestSubscribeWithPrinterFilter(t *testing.T) {
	bus := NewBus(100, nil)
	s := bus.Subscribe(event.MaskAll, Recipient{Pull: true}, "lp1", 0, "alice", time.Hour, 10)

	bus.Publish(event.Event{Kind: event.KindPrinterStateChanged, Printer: "lp1"})
	bus.Publish(event.Event{Kind: event.KindPrinterStateChanged, Printer: "lp2"})

	drained := s.DrainForPull()
	require.Len(t, drained, 1)
	require.Equal(t, "lp1", drained[0].Printer)
}

func TestSubscribeWithJobFilter(t *testing.T) {
	bus := NewBus(100, nil)
	s := bus.Subscribe(event.MaskAll, Recipient{Pull: true}, "", 42, "alice", time.Hour, 10)

	bus.Publish(event.Event{Kind: event.KindJobStateChanged, JobID: 42})
	bus.Publish(event.Event{Kind: event.KindJobStateChanged, JobID: 43})

	drained := s.DrainForPull()
	require.Len(t, drained, 1)
	require.Equal(t, 42, drained[0].JobID)
}

func TestRingOverwritesOldestAndCountsLost(t *testing.T) {
	bus := NewBus(100, nil)
	s := bus.Subscribe(event.MaskAll, Recipient{Pull: true}, "", 0, "alice", time.Hour, 2)

	for i := 0; i < 5; i++ {
		bus.Publish(event.Event{Kind: event.KindJobCreated})
	}

	require.Equal(t, 3, s.LostEvents())
	drained := s.DrainForPull()
	require.Len(t, drained, 2)
}

func TestCancelRemovesSubscription(t *testing.T) {
	bus := NewBus(100, nil)
	s := bus.Subscribe(event.MaskAll, Recipient{Pull: true}, "", 0, "alice", time.Hour, 10)

	require.NoError(t, bus.Cancel(s.ID))
	_, ok := bus.Get(s.ID)
	require.False(t, ok)

	err := bus.Cancel(s.ID)
	require.Error(t, err)
}

func TestRenewExtendsLease(t *testing.T) {
	bus := NewBus(100, nil)
	s := bus.Subscribe(event.MaskAll, Recipient{Pull: true}, "", 0, "alice", time.Minute, 10)
	originalExpiry := s.LeaseExpiry

	require.NoError(t, bus.Renew(s.ID, time.Hour))
	got, _ := bus.Get(s.ID)
	require.True(t, got.LeaseExpiry.After(originalExpiry))
}

func TestSweepExpiredLeasesCancelsPastDue(t *testing.T) {
	bus := NewBus(100, nil)
	s := bus.Subscribe(event.MaskAll, Recipient{Pull: true}, "", 0, "alice", -time.Minute, 10)

	expired := bus.SweepExpiredLeases(time.Now())
	require.Equal(t, []int{s.ID}, expired)

	_, ok := bus.Get(s.ID)
	require.False(t, ok)
}

func TestGlobalRingCapsAtMaxEvents(t *testing.T) {
	bus := NewBus(3, nil)
	for i := 0; i < 5; i++ {
		bus.Publish(event.Event{Kind: event.KindJobCreated})
	}
	require.Len(t, bus.GlobalRing(), 3)
}

func TestPublishStampsMonotonicSeqID(t *testing.T) {
	bus := NewBus(10, nil)
	e1 := bus.Publish(event.Event{Kind: event.KindJobCreated})
	e2 := bus.Publish(event.Event{Kind: event.KindJobCreated})
	require.Less(t, e1.SeqID, e2.SeqID)
}

func TestListFiltersByOwner(t *testing.T) {
	bus := NewBus(10, nil)
	bus.Subscribe(event.MaskAll, Recipient{Pull: true}, "", 0, "alice", time.Hour, 10)
	bus.Subscribe(event.MaskAll, Recipient{Pull: true}, "", 0, "bob", time.Hour, 10)

	require.Len(t, bus.List(""), 2)
	require.Len(t, bus.List("alice"), 1)
}

func TestSchemeOfParsesURIScheme(t *testing.T) {
	require.Equal(t, "mailto", schemeOf("mailto:ops@example.com"))
	require.Equal(t, "noscheme", schemeOf("noscheme"))
}
