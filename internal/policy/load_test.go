package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/printcore/schedulerd/internal/ipp"
)

func TestDefaultPoliciesRestrictsCancelJobToOwnerOrSystem(t *testing.T) {
	policies := DefaultPolicies("lpadmin")
	p, ok := policies["default"]
	require.True(t, ok)

	inGroup := func(principal, group string) bool { return principal == "root" && group == "lpadmin" }

	require.Equal(t, Allow, Evaluate(p, ipp.OpCancelJob, "alice", "alice", "lpadmin", inGroup))
	require.Equal(t, Deny, Evaluate(p, ipp.OpCancelJob, "mallory", "alice", "lpadmin", inGroup))
	require.Equal(t, Allow, Evaluate(p, ipp.OpCancelJob, "root", "alice", "lpadmin", inGroup))
}

func TestDefaultPoliciesRestrictsAdminOpsToSystem(t *testing.T) {
	policies := DefaultPolicies("lpadmin")
	p := policies["default"]
	inGroup := func(principal, group string) bool { return principal == "root" && group == "lpadmin" }

	require.Equal(t, Deny, Evaluate(p, ipp.OpPausePrinter, "alice", "", "lpadmin", inGroup))
	require.Equal(t, Allow, Evaluate(p, ipp.OpPausePrinter, "root", "", "lpadmin", inGroup))
}

func TestDefaultPoliciesAllowsPrintJobByWildcard(t *testing.T) {
	policies := DefaultPolicies("lpadmin")
	p := policies["default"]
	require.Equal(t, Allow, Evaluate(p, ipp.OpPrintJob, "alice", "alice", "lpadmin", nil))
}

func TestLoadFileRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.conf")
	content := `
[[policy]]
name = "default"

[[policy.rule]]
op = "Pause-Printer"
order = "deny-allow"
[[policy.rule.entry]]
effect = "allow"
pattern = "@SYSTEM"

[[policy.rule]]
wildcard = true
order = "allow-deny"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	policies, err := LoadFile(path)
	require.NoError(t, err)
	p, ok := policies["default"]
	require.True(t, ok)

	inGroup := func(principal, group string) bool { return principal == "root" }
	require.Equal(t, Deny, Evaluate(p, ipp.OpPausePrinter, "alice", "", "lpadmin", inGroup))
	require.Equal(t, Allow, Evaluate(p, ipp.OpPausePrinter, "root", "", "lpadmin", inGroup))
	require.Equal(t, Allow, Evaluate(p, ipp.OpPrintJob, "alice", "alice", "lpadmin", inGroup))
}

func TestLoadFileMissingPathErrors(t *testing.T) {
	_, err := LoadFile("/nonexistent/policy.conf")
	require.Error(t, err)
}
