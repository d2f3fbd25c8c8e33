package printer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddFindDeletePrinter(t *testing.T) {
	r := New()
	require.NoError(t, r.AddPrinter(&Printer{Name: "lp1", AcceptingJobs: true}))

	p, ok := r.FindPrinter("lp1")
	require.True(t, ok)
	require.Equal(t, "lp1", p.Name)

	require.NoError(t, r.DeletePrinter("lp1"))
	_, ok = r.FindPrinter("lp1")
	require.False(t, ok)
}

func TestAddPrinterRejectsNameCollisionWithClass(t *testing.T) {
	r := New()
	require.NoError(t, r.AddClass(&Class{Name: "group1"}))
	err := r.AddPrinter(&Printer{Name: "group1"})
	require.Error(t, err)
}

func TestRenamePrinterUpdatesClassMembership(t *testing.T) {
	r := New()
	require.NoError(t, r.AddPrinter(&Printer{Name: "lp1", AcceptingJobs: true, State: StateIdle}))
	require.NoError(t, r.AddClass(&Class{Name: "group1", Members: []string{"lp1"}}))

	require.NoError(t, r.RenamePrinter("lp1", "lp1-renamed"))

	c, ok := r.FindClass("group1")
	require.True(t, ok)
	require.Equal(t, []string{"lp1-renamed"}, c.Members)
}

func TestDeletePrinterRemovesClassMembership(t *testing.T) {
	r := New()
	require.NoError(t, r.AddPrinter(&Printer{Name: "lp1"}))
	require.NoError(t, r.AddClass(&Class{Name: "group1", Members: []string{"lp1", "lp2"}}))

	require.NoError(t, r.DeletePrinter("lp1"))

	c, _ := r.FindClass("group1")
	require.Equal(t, []string{"lp2"}, c.Members)
}

func TestFindAvailableMemberRoundRobinsAmongIdleMembers(t *testing.T) {
	r := New()
	require.NoError(t, r.AddPrinter(&Printer{Name: "lp1", AcceptingJobs: true, State: StateIdle}))
	require.NoError(t, r.AddPrinter(&Printer{Name: "lp2", AcceptingJobs: true, State: StateIdle}))
	require.NoError(t, r.AddClass(&Class{Name: "group1", Members: []string{"lp1", "lp2"}}))

	first, err := r.FindAvailableMember("group1")
	require.NoError(t, err)
	second, err := r.FindAvailableMember("group1")
	require.NoError(t, err)

	require.NotEqual(t, first.Name, second.Name)
}

func TestFindAvailableMemberSkipsStoppedAndNonAccepting(t *testing.T) {
	r := New()
	require.NoError(t, r.AddPrinter(&Printer{Name: "lp1", AcceptingJobs: false, State: StateIdle}))
	require.NoError(t, r.AddPrinter(&Printer{Name: "lp2", AcceptingJobs: true, State: StateStopped}))
	require.NoError(t, r.AddPrinter(&Printer{Name: "lp3", AcceptingJobs: true, State: StateIdle}))
	require.NoError(t, r.AddClass(&Class{Name: "group1", Members: []string{"lp1", "lp2", "lp3"}}))

	p, err := r.FindAvailableMember("group1")
	require.NoError(t, err)
	require.Equal(t, "lp3", p.Name)
}

func TestFindAvailableMemberNoneAvailable(t *testing.T) {
	r := New()
	require.NoError(t, r.AddPrinter(&Printer{Name: "lp1", AcceptingJobs: false}))
	require.NoError(t, r.AddClass(&Class{Name: "group1", Members: []string{"lp1"}}))

	_, err := r.FindAvailableMember("group1")
	require.Error(t, err)
}

func TestReplaceImplicitClassesNeverTouchesExplicitClasses(t *testing.T) {
	r := New()
	require.NoError(t, r.AddPrinter(&Printer{Name: "lp1"}))
	require.NoError(t, r.AddClass(&Class{Name: "explicit1", Members: []string{"lp1"}}))

	r.ReplaceImplicitClasses(nil)

	_, ok := r.FindClass("explicit1")
	require.True(t, ok)
}

func TestReplaceImplicitClassesSynthesizesFromMultiHostDiscovery(t *testing.T) {
	r := New()
	require.NoError(t, r.AddPrinter(&Printer{Name: "shared-printer"}))

	r.ReplaceImplicitClasses([]DiscoveredPrinter{
		{Name: "shared-printer", Hosts: []string{"host-b", "host-a"}},
	})

	c, ok := r.FindClass("shared-printer")
	require.True(t, ok)
	require.True(t, c.Implicit)
	require.Equal(t, []string{"host-a", "host-b"}, c.Members)

	r.ReplaceImplicitClasses(nil)
	_, ok = r.FindClass("shared-printer")
	require.False(t, ok)
}
