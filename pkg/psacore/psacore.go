// Package psacore implements PsaCore: priority/SLA computation, the
// ticket lifecycle FSM, and evidence-hash-deduplicated evidence
// attachment (spec.md §4.11).
package psacore

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentrywatch/core/pkg/canonicalize"
)

// Status is the ticket FSM state.
type Status string

const (
	StatusOpen                  Status = "open"
	StatusAcknowledged          Status = "acknowledged"
	StatusRemediationInProgress Status = "remediation_in_progress"
	StatusResolved              Status = "resolved"
	StatusDeferred              Status = "deferred"
	StatusAcceptedRisk          Status = "accepted_risk"
	StatusEscalated             Status = "escalated"
)

// Priority is the SLA-bearing ticket priority band.
type Priority string

const (
	P1 Priority = "p1"
	P2 Priority = "p2"
	P3 Priority = "p3"
	P4 Priority = "p4"
)

var slaDeadline = map[Priority]time.Duration{
	P1: 4 * time.Hour,
	P2: 24 * time.Hour,
	P3: 72 * time.Hour,
	P4: 168 * time.Hour,
}

// ActionType is the closed set of lifecycle-mutating actions.
type ActionType string

const (
	ActionAcknowledge ActionType = "acknowledge"
	ActionRemediate   ActionType = "remediate"
	ActionDefer       ActionType = "defer"
	ActionAcceptRisk  ActionType = "accept_risk"
	ActionEscalate    ActionType = "escalate"
)

var nextState = map[ActionType]Status{
	ActionAcknowledge: StatusAcknowledged,
	ActionRemediate:   StatusRemediationInProgress,
	ActionDefer:       StatusDeferred,
	ActionAcceptRisk:  StatusAcceptedRisk,
	ActionEscalate:    StatusEscalated,
}

var justificationRequired = map[ActionType]bool{
	ActionDefer:      true,
	ActionAcceptRisk: true,
	ActionEscalate:   true,
}

// Action is one ticket lifecycle event.
type Action struct {
	ActionID            string
	TicketID            string
	ActionType          ActionType
	ActorIdentity       string
	Timestamp           time.Time
	Justification       string
	AutomationRequestID string
}

// Signals are the contextual inputs to priority computation
// (spec.md §4.11).
type Signals struct {
	Criticality string // "low" | "medium" | "high" | "mission_critical"
	Exposure    string // "internal" | "external"
	Sensitivity string // "none" | "exploit_observed" | "active_attack"
}

var criticalityBonus = map[string]int{"low": 0, "medium": 0, "high": 10, "mission_critical": 20}
var exposureBonus = map[string]int{"internal": 0, "external": 10}
var sensitivityBonus = map[string]int{"none": 0, "exploit_observed": 10, "active_attack": 15}

// ComputePriority adjusts risk_score by the signal bonuses and maps the
// result onto the p1..p4 band.
func ComputePriority(riskScore float64, s Signals) (Priority, float64) {
	adjusted := riskScore + float64(criticalityBonus[s.Criticality]) +
		float64(exposureBonus[s.Exposure]) + float64(sensitivityBonus[s.Sensitivity])

	switch {
	case adjusted >= 85:
		return P1, adjusted
	case adjusted >= 70:
		return P2, adjusted
	case adjusted >= 50:
		return P3, adjusted
	default:
		return P4, adjusted
	}
}

// Evidence is one piece of supporting evidence attached to a ticket,
// deduplicated by EvidenceHash within the ticket.
type Evidence struct {
	EvidenceHash string
	RecordedAt   time.Time
	Payload      interface{}
}

// Ticket is a PSA remediation ticket (spec.md §3).
type Ticket struct {
	TicketID           string
	TenantID           string
	AssetID            string
	SourceType         string // "finding" | "patch_failure" | "defence_action" | "vulnerability"
	SourceReferenceID  string
	RiskScore          float64
	Priority           Priority
	Status             Status
	SLADeadline        time.Time
	CreationTimestamp  time.Time
	LastUpdatedAt      time.Time
	SystemRecommendation string
	Evidence           []Evidence
	Actions            []Action
}

type dedupKey struct {
	tenantID, assetID, sourceType, sourceReferenceID string
}

// Engine implements PsaCore.
type Engine struct {
	mu           sync.Mutex
	tickets      map[string]*Ticket
	byDedupKey   map[dedupKey]string // -> ticket_id
	riskThreshold float64
	evidenceCap  int
	clock        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRiskThreshold overrides the suppression threshold. Default 20.
func WithRiskThreshold(t float64) Option {
	return func(e *Engine) { e.riskThreshold = t }
}

// WithEvidenceCap overrides the per-ticket evidence retention cap.
// Default 200.
func WithEvidenceCap(n int) Option {
	return func(e *Engine) { e.evidenceCap = n }
}

// WithClock overrides the engine's notion of "now", for deterministic
// testing.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// New builds an empty Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		tickets:       make(map[string]*Ticket),
		byDedupKey:    make(map[dedupKey]string),
		riskThreshold: 20,
		evidenceCap:   200,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IntakeResult is the outcome of Intake.
type IntakeResult struct {
	Ticket     *Ticket
	Suppressed bool
	Reopened   bool
}

// Intake ingests a new signal (finding, patch failure, defence action,
// or vulnerability) into the ticket lifecycle, creating, updating, or
// reopening a ticket per the dedup key (spec.md §4.11).
func (e *Engine) Intake(tenantID, assetID, sourceType, sourceReferenceID string, riskScore float64, signals Signals, evidence Evidence) (*IntakeResult, error) {
	if riskScore < e.riskThreshold {
		return &IntakeResult{Suppressed: true}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	priority, adjusted := ComputePriority(riskScore, signals)
	key := dedupKey{tenantID, assetID, sourceType, sourceReferenceID}

	if id, ok := e.byDedupKey[key]; ok {
		t := e.tickets[id]
		t.RiskScore = adjusted
		t.Priority = priority
		t.SLADeadline = now.Add(slaDeadline[priority])
		t.LastUpdatedAt = now
		reopened := false
		if t.Status == StatusResolved {
			t.Status = StatusOpen
			reopened = true
			t.Actions = append(t.Actions, Action{
				ActionID:      uuid.New().String(),
				TicketID:      t.TicketID,
				ActionType:    ActionAcknowledge,
				Timestamp:     now,
				Justification: "reopened_by_new_evidence",
			})
		}
		e.attachEvidence(t, evidence)
		cp := *t
		return &IntakeResult{Ticket: &cp, Reopened: reopened}, nil
	}

	t := &Ticket{
		TicketID:          uuid.New().String(),
		TenantID:          tenantID,
		AssetID:           assetID,
		SourceType:        sourceType,
		SourceReferenceID: sourceReferenceID,
		RiskScore:         adjusted,
		Priority:          priority,
		Status:            StatusOpen,
		SLADeadline:       now.Add(slaDeadline[priority]),
		CreationTimestamp: now,
		LastUpdatedAt:     now,
	}
	e.attachEvidence(t, evidence)
	e.tickets[t.TicketID] = t
	e.byDedupKey[key] = t.TicketID

	cp := *t
	return &IntakeResult{Ticket: &cp}, nil
}

func (e *Engine) attachEvidence(t *Ticket, ev Evidence) {
	if ev.EvidenceHash == "" {
		return
	}
	for _, existing := range t.Evidence {
		if existing.EvidenceHash == ev.EvidenceHash {
			return
		}
	}
	t.Evidence = append(t.Evidence, ev)
	if len(t.Evidence) > e.evidenceCap {
		t.Evidence = t.Evidence[len(t.Evidence)-e.evidenceCap:]
	}
}

// EvidenceHash computes the canonical hash used for ticket evidence
// deduplication.
func EvidenceHash(v interface{}) (string, error) {
	return canonicalize.CanonicalHash(v)
}

// RecordAction applies an action to a ticket's FSM, validating
// justification requirements and the resolved-ticket lockout
// (spec.md §4.11).
func (e *Engine) RecordAction(ticketID string, actionType ActionType, actorIdentity, justification string, automationRequestID string) (*Action, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("psacore: ticket_not_found")
	}
	if t.Status == StatusResolved {
		return nil, fmt.Errorf("psacore: ticket_resolved")
	}
	if justificationRequired[actionType] && justification == "" {
		return nil, fmt.Errorf("psacore: justification_required")
	}

	target, ok := nextState[actionType]
	if !ok {
		return nil, fmt.Errorf("psacore: unknown_action_type")
	}

	now := e.clock()
	action := Action{
		ActionID:            uuid.New().String(),
		TicketID:            ticketID,
		ActionType:          actionType,
		ActorIdentity:       actorIdentity,
		Timestamp:           now,
		Justification:       justification,
		AutomationRequestID: automationRequestID,
	}
	t.Actions = append(t.Actions, action)
	t.Status = target
	t.LastUpdatedAt = now
	return &action, nil
}

// ResolveUpstream marks a ticket resolved from an upstream system event
// (e.g. the underlying finding was dismissed, or the patch later
// succeeded), identified by its dedup key rather than its ticket_id.
func (e *Engine) ResolveUpstream(tenantID, assetID, sourceType, sourceReferenceID, note string, resolvedAt time.Time) (*Ticket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := dedupKey{tenantID, assetID, sourceType, sourceReferenceID}
	id, ok := e.byDedupKey[key]
	if !ok {
		return nil, fmt.Errorf("psacore: ticket_not_found")
	}
	t := e.tickets[id]
	if t.Status == StatusResolved {
		cp := *t
		return &cp, nil
	}

	justification := note
	if justification == "" {
		justification = "resolved_upstream"
	}

	t.Actions = append(t.Actions, Action{
		ActionID:      uuid.New().String(),
		TicketID:      t.TicketID,
		ActionType:    ActionAcknowledge,
		Timestamp:     resolvedAt,
		Justification: justification,
	})
	t.Status = StatusResolved
	t.LastUpdatedAt = resolvedAt

	cp := *t
	return &cp, nil
}

// Get returns a ticket by ID.
func (e *Engine) Get(ticketID string) (*Ticket, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tickets[ticketID]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}
