// Package patchorch implements PatchOrchestrator: the execution-plan FSM
// carrying a plan from planned through execution to an immutable
// evidence record, blocking the asset on failure (spec.md §4.9).
package patchorch

import (
	"fmt"
	"sync"
	"time"

	"github.com/sentrywatch/core/pkg/sigverify"
)

// Status is the plan's FSM state.
type Status string

const (
	StatusPlanned   Status = "planned"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// PatchResult is one patch's execution outcome within a plan.
type PatchResult struct {
	PatchID         string
	Status          string // "completed" | "failed"
	FailureType     string
	RequiresReboot  bool
	RebootConfirmed bool
}

// VerificationStatus is the post-execution verification outcome.
type VerificationStatus string

const (
	VerificationPending VerificationStatus = "pending"
	VerificationPassed  VerificationStatus = "passed"
	VerificationFailed  VerificationStatus = "failed"
)

// EvidenceRecord is the immutable record written on plan completion or
// failure, carrying a hash over the canonical serialisation of its
// inputs (spec.md §4.9).
type EvidenceRecord struct {
	PlanID             string
	EvidenceHash       string
	Results            []PatchResult
	RebootConfirmed    bool
	VerificationStatus VerificationStatus
	RecordedAt         time.Time
}

// AssetBlock records an asset being blocked from further patching after
// a plan failure.
type AssetBlock struct {
	AssetID   string
	Reason    string
	BlockedAt time.Time
}

// Plan is an in-flight execution plan tracked by the orchestrator.
type Plan struct {
	PlanID        string
	AssetID       string
	ExecutionOrder []string
	Status        Status
}

// Orchestrator implements PatchOrchestrator. Result recording touches
// plan, evidence, and asset-block state in a single transaction: on any
// invariant failure, nothing is persisted (spec.md §5).
type Orchestrator struct {
	mu        sync.Mutex
	plans     map[string]*Plan
	evidence  map[string]*EvidenceRecord
	blocked   map[string]*AssetBlock
	clock     func() time.Time
}

// New builds an empty Orchestrator.
func New() *Orchestrator {
	return &Orchestrator{
		plans:    make(map[string]*Plan),
		evidence: make(map[string]*EvidenceRecord),
		blocked:  make(map[string]*AssetBlock),
		clock:    time.Now,
	}
}

// WithClock overrides the orchestrator's notion of "now", for
// deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// RegisterPlan tracks a newly scheduled plan in state planned.
func (o *Orchestrator) RegisterPlan(planID, assetID string, executionOrder []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.plans[planID] = &Plan{PlanID: planID, AssetID: assetID, ExecutionOrder: executionOrder, Status: StatusPlanned}
}

// Start transitions a planned plan to executing.
func (o *Orchestrator) Start(planID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.plans[planID]
	if !ok {
		return fmt.Errorf("patchorch: plan_not_found")
	}
	if p.Status != StatusPlanned {
		return fmt.Errorf("patchorch: invalid transition from %s", p.Status)
	}
	p.Status = StatusExecuting
	return nil
}

// RecordResults validates and applies a plan's result set, writing an
// EvidenceRecord on success and blocking the asset on failure
// (spec.md §4.9). All mutation happens together or not at all.
func (o *Orchestrator) RecordResults(planID string, results []PatchResult, verification VerificationStatus, rebootConfirmed bool) (*EvidenceRecord, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.plans[planID]
	if !ok {
		return nil, fmt.Errorf("patchorch: plan_not_found")
	}
	if p.Status != StatusExecuting {
		return nil, fmt.Errorf("patchorch: invalid transition from %s", p.Status)
	}

	if err := validateResults(p, results, rebootConfirmed); err != nil {
		return nil, err
	}

	hash, err := sigverify.CanonicalPayloadHash(struct {
		PlanID             string
		Results            []PatchResult
		Verification       VerificationStatus
		RebootConfirmed    bool
	}{p.PlanID, results, verification, rebootConfirmed})
	if err != nil {
		return nil, fmt.Errorf("patchorch: evidence hash: %w", err)
	}

	anyFailed := verification == VerificationFailed
	for _, r := range results {
		if r.Status == "failed" {
			anyFailed = true
		}
	}

	record := &EvidenceRecord{
		PlanID:             p.PlanID,
		EvidenceHash:        hash,
		Results:            results,
		RebootConfirmed:    rebootConfirmed,
		VerificationStatus: verification,
		RecordedAt:         o.clock(),
	}

	if anyFailed {
		p.Status = StatusFailed
		o.blocked[p.AssetID] = &AssetBlock{
			AssetID:   p.AssetID,
			Reason:    "execution_or_verification_failed",
			BlockedAt: o.clock(),
		}
	} else {
		p.Status = StatusCompleted
	}

	o.evidence[p.PlanID] = record
	return record, nil
}

func validateResults(p *Plan, results []PatchResult, rebootConfirmed bool) error {
	seen := make(map[string]bool, len(results))
	requiresReboot := false
	for _, r := range results {
		if seen[r.PatchID] {
			return fmt.Errorf("patchorch: duplicate_result_patch_ids")
		}
		seen[r.PatchID] = true

		if r.Status == "failed" && r.FailureType == "" {
			return fmt.Errorf("patchorch: failure_type_required")
		}
		if r.RequiresReboot {
			requiresReboot = true
		}
	}

	for _, id := range p.ExecutionOrder {
		if !seen[id] {
			return fmt.Errorf("patchorch: missing_result_patches")
		}
	}

	if requiresReboot && !rebootConfirmed {
		return fmt.Errorf("patchorch: reboot_required_not_confirmed")
	}
	return nil
}

// Evidence returns the evidence record for a plan, if any.
func (o *Orchestrator) Evidence(planID string) (*EvidenceRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.evidence[planID]
	return r, ok
}

// IsBlocked reports whether an asset is currently patch_blocked.
func (o *Orchestrator) IsBlocked(assetID string) (*AssetBlock, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.blocked[assetID]
	return b, ok
}

// PlanStatus returns the current status of a tracked plan.
func (o *Orchestrator) PlanStatus(planID string) (Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.plans[planID]
	if !ok {
		return "", false
	}
	return p.Status, true
}
