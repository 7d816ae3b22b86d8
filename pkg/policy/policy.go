// Package policy implements PolicyEvaluator: the patch-eligibility
// pipeline evaluating severity, category, exclusion, and supersession
// rules against a signed PatchPolicy (spec.md §4.7).
package policy

import "github.com/Masterminds/semver/v3"

// PatchMetadata describes one detected patch.
type PatchMetadata struct {
	PatchID     string
	Severity    string // critical, high, medium, low, unknown
	Category    string // security, critical, optional, feature, unknown
	Supersedes  []string
}

// RebootRule is the patch policy's reboot handling strategy.
type RebootRule string

const (
	RebootImmediate         RebootRule = "immediate"
	RebootDeferred          RebootRule = "deferred"
	RebootMaintenanceWindow RebootRule = "maintenance_window"
)

// Policy is a signed, versioned, immutable PatchPolicy (spec.md §3).
// Revisions get a new PolicyID; this struct carries only the fields the
// evaluator reads.
type Policy struct {
	PolicyID          string
	TenantID          string
	Version           string // semver; revisions get a new PolicyID but keep an orderable version
	AllowedSeverities []string
	DeferredCategories []string
	Exclusions        []string
	RebootRule        RebootRule
}

// Supersedes reports whether candidate is a newer revision of the same
// policy lineage than current, comparing their semver versions. Invalid
// or equal versions never supersede.
func (candidate Policy) Supersedes(current Policy) bool {
	c, err := semver.NewVersion(candidate.Version)
	if err != nil {
		return false
	}
	cur, err := semver.NewVersion(current.Version)
	if err != nil {
		return true
	}
	return c.GreaterThan(cur)
}

// Decision is the per-patch outcome: "allowed:policy_allowed",
// "deferred:superseded", "deferred:category_deferred",
// "deferred:severity_not_allowed", or "excluded:explicit_exclusion".
type Decision struct {
	PatchID string
	Outcome string
	Reason  string
}

// EligibilityResult is the PolicyEvaluator output.
type EligibilityResult struct {
	Allowed   []string
	Decisions []Decision
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Evaluate runs the first-match-wins pipeline over patches in input
// order (spec.md §4.7).
func Evaluate(pol Policy, patches []PatchMetadata) EligibilityResult {
	superseded := make(map[string]bool)
	for _, p := range patches {
		for _, s := range p.Supersedes {
			superseded[s] = true
		}
	}

	result := EligibilityResult{}
	for _, p := range patches {
		d := Decision{PatchID: p.PatchID}

		switch {
		case superseded[p.PatchID]:
			d.Outcome, d.Reason = "deferred", "superseded"
		case contains(pol.Exclusions, p.PatchID):
			d.Outcome, d.Reason = "excluded", "explicit_exclusion"
		case contains(pol.DeferredCategories, p.Category):
			d.Outcome, d.Reason = "deferred", "category_deferred"
		case len(pol.AllowedSeverities) > 0 && !contains(pol.AllowedSeverities, p.Severity):
			d.Outcome, d.Reason = "deferred", "severity_not_allowed"
		default:
			d.Outcome, d.Reason = "allowed", "policy_allowed"
			result.Allowed = append(result.Allowed, p.PatchID)
		}

		result.Decisions = append(result.Decisions, d)
	}
	return result
}
