package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/printcore/schedulerd/internal/ipp"
)

func systemGroupLookup(members ...string) GroupLookup {
	set := map[string]bool{}
	for _, m := range members {
		set[m] = true
	}
	return func(principal, group string) bool {
		if group != "lpadmin" {
			return false
		}
		return set[principal]
	}
}

func TestEvaluateAllowDenyDefault(t *testing.T) {
	p := Policy{
		Name: "default",
		Rules: []OpRule{
			{Wildcard: true, Order: AllowDeny},
		},
	}
	v := Evaluate(p, ipp.OpPrintJob, "alice", "", "lpadmin", nil)
	require.Equal(t, Allow, v)
}

func TestEvaluateOwnerOnlyCancel(t *testing.T) {
	p := Policy{
		Name: "default",
		Rules: []OpRule{
			{
				Op:          ipp.OpCancelJob,
				RequireAuth: true,
				Order:       AllowDeny,
				Entries: []Entry{
					{Effect: EffectDeny, Pattern: "*"},
					{Effect: EffectAllow, Pattern: "@OWNER"},
					{Effect: EffectAllow, Pattern: "@SYSTEM"},
				},
			},
		},
	}

	require.Equal(t, Allow, Evaluate(p, ipp.OpCancelJob, "alice", "alice", "lpadmin", nil))
	require.Equal(t, Deny, Evaluate(p, ipp.OpCancelJob, "bob", "alice", "lpadmin", systemGroupLookup()))
	require.Equal(t, Allow, Evaluate(p, ipp.OpCancelJob, "root", "alice", "lpadmin", systemGroupLookup("root")))
	require.Equal(t, AuthRequired, Evaluate(p, ipp.OpCancelJob, "", "alice", "lpadmin", nil))
}

func TestEvaluateDenyAllowOrder(t *testing.T) {
	p := Policy{
		Name: "restricted",
		Rules: []OpRule{
			{
				Op:    ipp.OpCupsAddModifyPrinter,
				Order: DenyAllow,
				Entries: []Entry{
					{Effect: EffectAllow, Pattern: "@SYSTEM"},
				},
			},
		},
	}
	require.Equal(t, Allow, Evaluate(p, ipp.OpCupsAddModifyPrinter, "root", "", "lpadmin", systemGroupLookup("root")))
	require.Equal(t, Deny, Evaluate(p, ipp.OpCupsAddModifyPrinter, "alice", "", "lpadmin", systemGroupLookup("root")))
}

func TestEvaluateNoMatchingRuleDeniesByDefault(t *testing.T) {
	p := Policy{Name: "bare"}
	require.Equal(t, Deny, Evaluate(p, ipp.OpPrintJob, "alice", "", "lpadmin", nil))
}

func TestValidateRejectsDuplicateWildcardsAndOps(t *testing.T) {
	dup := Policy{Rules: []OpRule{{Wildcard: true}, {Wildcard: true}}}
	require.Error(t, Validate(dup))

	dupOp := Policy{Rules: []OpRule{{Op: ipp.OpPrintJob}, {Op: ipp.OpPrintJob}}}
	require.Error(t, Validate(dupOp))

	ok := Policy{Rules: []OpRule{{Op: ipp.OpPrintJob}, {Wildcard: true}}}
	require.NoError(t, Validate(ok))
}
