// Package policy implements the per-operation allow/deny evaluation from
// spec §4.F, generalized from PrintMaster's role/action-glob matcher
// (server/authz/authz.go) into the spec's named-policy, ordered-rule
// model: rules carry an explicit order (allow-then-deny or
// deny-then-allow) and a list of (allow|deny, principal-pattern)
// entries, rather than a fixed role table.
package policy

import (
	"fmt"
	"strings"

	"github.com/printcore/schedulerd/internal/ipp"
)

// Order is the default disposition applied before any rule's entries
// are consulted.
type Order int

const (
	AllowDeny Order = iota // default allow; deny entries override
	DenyAllow               // default deny; allow entries override
)

// Effect is the outcome of evaluating one (allow|deny, pattern) entry.
type Effect int

const (
	EffectAllow Effect = iota
	EffectDeny
)

// Entry is one (allow|deny, principal-pattern) rule line. A pattern is
// a literal user, "@name" for members of group name, the token "@OWNER", the
// token "@SYSTEM", or "*" for everyone.
type Entry struct {
	Effect  Effect
	Pattern string
}

// OpRule governs a single operation, or, when Wildcard is set, any
// operation not otherwise listed (Op is then ignored).
type OpRule struct {
	Op                 ipp.Op
	Wildcard           bool
	RequireAuth        bool
	Order              Order
	Entries            []Entry
}

// Policy is a named collection of OpRules, e.g. "default" or "authenticated".
type Policy struct {
	Name  string
	Rules []OpRule
}

// Verdict is the result of Evaluate.
type Verdict int

const (
	Allow Verdict = iota
	Deny
	AuthRequired
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case AuthRequired:
		return "auth-required"
	default:
		return "unknown"
	}
}

// GroupLookup resolves whether principal belongs to the named group.
// The scheduler never resolves users/groups itself (spec §1 Non-goals);
// the caller supplies this from an external directory.
type GroupLookup func(principal, group string) bool

// Evaluate walks p's rule for op (falling back to the wildcard rule),
// substituting @OWNER with owner and @SYSTEM with membership in
// systemGroup, and applies order semantics exactly once, per spec §4.F.
// principal == "" means unauthenticated.
func Evaluate(p Policy, op ipp.Op, principal, owner, systemGroup string, inGroup GroupLookup) Verdict {
	rule := findRule(p, op)
	if rule == nil {
		// No matching rule and no wildcard: default deny, matching CUPS's
		// conservative behavior for operations a policy never mentions.
		return Deny
	}
	if rule.RequireAuth && principal == "" {
		return AuthRequired
	}

	matched := false
	effect := EffectDeny
	for _, e := range rule.Entries {
		if matchesPattern(e.Pattern, principal, owner, systemGroup, inGroup) {
			matched = true
			effect = e.Effect
		}
	}

	switch rule.Order {
	case AllowDeny:
		if !matched {
			return Allow
		}
		if effect == EffectDeny {
			return Deny
		}
		return Allow
	case DenyAllow:
		if !matched {
			return Deny
		}
		if effect == EffectAllow {
			return Allow
		}
		return Deny
	default:
		return Deny
	}
}

func findRule(p Policy, op ipp.Op) *OpRule {
	var wildcard *OpRule
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.Wildcard {
			wildcard = r
			continue
		}
		if r.Op == op {
			return r
		}
	}
	return wildcard
}

func matchesPattern(pattern, principal, owner, systemGroup string, inGroup GroupLookup) bool {
	switch {
	case pattern == "*":
		return true
	case pattern == "@OWNER":
		return principal != "" && principal == owner
	case pattern == "@SYSTEM":
		return inGroup != nil && inGroup(principal, systemGroup)
	case strings.HasPrefix(pattern, "@"):
		group := strings.TrimPrefix(pattern, "@")
		return inGroup != nil && inGroup(principal, group)
	default:
		return principal == pattern
	}
}

// Validate checks a policy's structural well-formedness (at most one
// wildcard rule, no duplicate operation rules).
func Validate(p Policy) error {
	seenWildcard := false
	seen := map[ipp.Op]bool{}
	for _, r := range p.Rules {
		if r.Wildcard {
			if seenWildcard {
				return fmt.Errorf("policy %q: more than one wildcard rule", p.Name)
			}
			seenWildcard = true
			continue
		}
		if seen[r.Op] {
			return fmt.Errorf("policy %q: duplicate rule for operation %s", p.Name, r.Op)
		}
		seen[r.Op] = true
	}
	return nil
}
