package policy

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/printcore/schedulerd/internal/ipp"
)

// fileEntry/fileRule/filePolicy/fileDoc are the TOML-tagged shapes
// policy.conf decodes into; Policy/OpRule/Entry stay tag-free since
// they are the engine's pure in-memory model, not a serialization
// format (spec §4.F).
type fileEntry struct {
	Effect  string `toml:"effect"`
	Pattern string `toml:"pattern"`
}

type fileRule struct {
	Op          string      `toml:"op"`
	Wildcard    bool        `toml:"wildcard"`
	RequireAuth bool        `toml:"require_auth"`
	Order       string      `toml:"order"`
	Entries     []fileEntry `toml:"entry"`
}

type filePolicy struct {
	Name  string     `toml:"name"`
	Rules []fileRule `toml:"rule"`
}

type fileDoc struct {
	Policy []filePolicy `toml:"policy"`
}

// opByName reverses ipp's operation name table for policy.conf parsing.
var opByName = func() map[string]ipp.Op {
	m := make(map[string]ipp.Op)
	for _, op := range []ipp.Op{
		ipp.OpPrintJob, ipp.OpPrintURI, ipp.OpValidateJob, ipp.OpCreateJob,
		ipp.OpSendDocument, ipp.OpSendURI, ipp.OpCancelJob, ipp.OpGetJobAttributes,
		ipp.OpGetJobs, ipp.OpGetPrinterAttributes, ipp.OpHoldJob, ipp.OpReleaseJob,
		ipp.OpRestartJob, ipp.OpPausePrinter, ipp.OpResumePrinter, ipp.OpPurgeJobs,
		ipp.OpSetPrinterAttributes, ipp.OpSetJobAttributes,
		ipp.OpCreatePrinterSubscriptions, ipp.OpCreateJobSubscriptions,
		ipp.OpGetSubscriptionAttributes, ipp.OpGetSubscriptions, ipp.OpRenewSubscription,
		ipp.OpCancelSubscription, ipp.OpGetNotifications,
		ipp.OpCupsAddModifyPrinter, ipp.OpCupsDeletePrinter, ipp.OpCupsAddModifyClass,
		ipp.OpCupsDeleteClass, ipp.OpCupsAcceptJobs, ipp.OpCupsRejectJobs,
		ipp.OpCupsGetClasses, ipp.OpCupsGetPrinters, ipp.OpCupsGetDevices,
		ipp.OpCupsGetPPDs, ipp.OpCupsMoveJob, ipp.OpCupsAuthenticateJob,
	} {
		m[op.String()] = op
	}
	return m
}()

func parseOrder(s string) (Order, error) {
	switch s {
	case "", "allow-deny":
		return AllowDeny, nil
	case "deny-allow":
		return DenyAllow, nil
	default:
		return 0, fmt.Errorf("policy: unknown order %q", s)
	}
}

func parseEffect(s string) (Effect, error) {
	switch s {
	case "allow":
		return EffectAllow, nil
	case "deny":
		return EffectDeny, nil
	default:
		return 0, fmt.Errorf("policy: unknown effect %q", s)
	}
}

// LoadFile reads policy.conf at path into a name->Policy map, validating
// each policy as it is decoded. A missing file is returned as an error
// like any other; cmd/schedulerd falls back to DefaultPolicies when
// LoadFile fails at startup.
func LoadFile(path string) (map[string]Policy, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	var doc fileDoc
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	out := make(map[string]Policy, len(doc.Policy))
	for _, fp := range doc.Policy {
		p := Policy{Name: fp.Name}
		for _, fr := range fp.Rules {
			order, err := parseOrder(fr.Order)
			if err != nil {
				return nil, fmt.Errorf("policy %q: %w", fp.Name, err)
			}
			rule := OpRule{Wildcard: fr.Wildcard, RequireAuth: fr.RequireAuth, Order: order}
			if !fr.Wildcard {
				op, ok := opByName[fr.Op]
				if !ok {
					return nil, fmt.Errorf("policy %q: unknown operation %q", fp.Name, fr.Op)
				}
				rule.Op = op
			}
			for _, fe := range fr.Entries {
				effect, err := parseEffect(fe.Effect)
				if err != nil {
					return nil, fmt.Errorf("policy %q: %w", fp.Name, err)
				}
				rule.Entries = append(rule.Entries, Entry{Effect: effect, Pattern: fe.Pattern})
			}
			p.Rules = append(p.Rules, rule)
		}
		if err := Validate(p); err != nil {
			return nil, err
		}
		out[p.Name] = p
	}
	return out, nil
}

// ownerOrSystemRule restricts op to its owner or members of @SYSTEM,
// CUPS's classic default-policy shape for job-state-mutating operations.
func ownerOrSystemRule(op ipp.Op) OpRule {
	return OpRule{
		Op:    op,
		Order: DenyAllow,
		Entries: []Entry{
			{Effect: EffectAllow, Pattern: "@OWNER"},
			{Effect: EffectAllow, Pattern: "@SYSTEM"},
		},
	}
}

// systemOnlyRule restricts op to @SYSTEM members, for destination
// administration operations with no owner concept.
func systemOnlyRule(op ipp.Op) OpRule {
	return OpRule{
		Op:    op,
		Order: DenyAllow,
		Entries: []Entry{
			{Effect: EffectAllow, Pattern: "@SYSTEM"},
		},
	}
}

// DefaultPolicies returns the built-in "default" policy used when no
// policy.conf is present, mirroring cupsd.conf's stock <Policy default>:
// everyone may submit and inspect jobs/printers; job lifecycle
// operations are restricted to the job's owner or @SYSTEM; destination
// administration is restricted to @SYSTEM.
func DefaultPolicies(systemGroup string) map[string]Policy {
	_ = systemGroup // @SYSTEM is resolved by the caller's GroupLookup, not named here
	p := Policy{
		Name: "default",
		Rules: []OpRule{
			ownerOrSystemRule(ipp.OpCancelJob),
			ownerOrSystemRule(ipp.OpHoldJob),
			ownerOrSystemRule(ipp.OpReleaseJob),
			ownerOrSystemRule(ipp.OpRestartJob),
			ownerOrSystemRule(ipp.OpSetJobAttributes),
			ownerOrSystemRule(ipp.OpCupsMoveJob),
			ownerOrSystemRule(ipp.OpCupsAuthenticateJob),
			systemOnlyRule(ipp.OpPausePrinter),
			systemOnlyRule(ipp.OpResumePrinter),
			systemOnlyRule(ipp.OpPurgeJobs),
			systemOnlyRule(ipp.OpSetPrinterAttributes),
			systemOnlyRule(ipp.OpCupsAddModifyPrinter),
			systemOnlyRule(ipp.OpCupsDeletePrinter),
			systemOnlyRule(ipp.OpCupsAddModifyClass),
			systemOnlyRule(ipp.OpCupsDeleteClass),
			{Wildcard: true, Order: AllowDeny},
		},
	}
	return map[string]Policy{p.Name: p}
}
