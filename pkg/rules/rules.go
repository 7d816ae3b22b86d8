// Package rules implements RuleEngine: the five fixed rule types (boolean,
// threshold, sequence, behavioural_deviation, cross_domain), with
// suppression, deduplication, and finding supersession under a per-key
// lock (spec.md §4.10). Threshold comparisons are bounded CEL predicates
// evaluated within this fixed pipeline, never a general rule language.
package rules

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
)

// Type is the closed set of rule variants (spec.md §9: tagged union).
type Type string

const (
	TypeBoolean               Type = "boolean"
	TypeThreshold             Type = "threshold"
	TypeSequence              Type = "sequence"
	TypeBehaviouralDeviation  Type = "behavioural_deviation"
	TypeCrossDomain           Type = "cross_domain"
)

// Suppression output, persisted for audit (spec.md §4.10).
type Suppression struct {
	RuleID    string
	AssetID   string
	IdentityID string
	Reason    string // "maintenance_window" | "allowlisted" | "duplicate_open_finding"
	EventID   string
	RecordedAt time.Time
}

// Event is the incoming security/system event RuleEngine evaluates.
type Event struct {
	EventID    string
	EventType  string
	AssetID    string
	IdentityID string
	OccurredAt time.Time
	Attributes map[string]interface{}
}

// Context is the optional context snapshot joined with an event.
type Context struct {
	Resolved          map[string]bool
	Baseline          map[string]float64
	MetricValue        *float64
	MaintenanceWindow bool
	AllowlistedAsset   bool
	AllowlistedIdentity bool
	AllowlistedEventType bool
	PatchState         *PatchState
	TemplateVars       map[string]string
}

// PatchState is the cross_domain rule's required context.
type PatchState struct {
	MissingPatches []string
}

// Suppression config for a rule.
type SuppressionConfig struct {
	AllowlistAssets     []string
	AllowlistIdentities []string
	AllowlistEventTypes []string
	DedupeWindowSeconds int
}

// Output config for a rule.
type Output struct {
	Severity            string
	ConfidenceBase      float64
	ExplanationTemplate string
}

// Definition is a RuleDefinition (spec.md §3).
type Definition struct {
	RuleID              string
	RuleType            Type
	TriggerEventTypes   []string
	SequenceEventTypes  []string
	TimeWindowSeconds   int
	RequiredContext     []string
	AllowFindingsWithoutContext bool
	ThresholdExpr       string // CEL predicate, e.g. "attribute_value > threshold"
	ThresholdValue      float64
	DeviationMultiplier float64
	Suppression         SuppressionConfig
	Output              Output
	Enabled             bool
}

// explanationVars is the allowlisted template substitution variable set
// (spec.md §9). Rule installation must reject unknown variables.
var explanationVars = map[string]bool{
	"event_type": true, "asset_id": true, "identity_id": true,
	"severity": true, "rule_id": true, "metric_value": true, "baseline": true,
}

// ValidateTemplate rejects a rule's explanation_template at install time
// if it references a variable outside the allowlist.
func ValidateTemplate(template string) error {
	for _, tok := range extractVars(template) {
		if !explanationVars[tok] {
			return fmt.Errorf("rules: invalid_explanation_variables: %s", tok)
		}
	}
	return nil
}

func extractVars(template string) []string {
	var vars []string
	for {
		start := strings.Index(template, "{{")
		if start < 0 {
			break
		}
		end := strings.Index(template[start:], "}}")
		if end < 0 {
			break
		}
		vars = append(vars, strings.TrimSpace(template[start+2:start+end]))
		template = template[start+end+2:]
	}
	return vars
}

func renderTemplate(template string, vars map[string]string) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
		out = strings.ReplaceAll(out, "{{ "+k+" }}", v)
	}
	return out
}

// Finding is a rule-triggered security observation.
type Finding struct {
	FindingID         string
	FindingType       string // = rule_id
	Severity          string
	ConfidenceScore   float64
	SupportingEvents  []string
	ExplanationText   string
	CreationTimestamp time.Time
	State             string // "open" | "dismissed" | "superseded"
	SupersededBy      string
	AssetID           string
	IdentityID        string
}

type dedupKey struct {
	ruleID, assetID, identityID string
}

// Engine implements RuleEngine.
type Engine struct {
	mu            sync.Mutex
	rules         map[string]*Definition
	history       []Event // recent events for sequence matching
	openFindings  map[dedupKey]*Finding
	findings      map[string]*Finding
	suppressions  []Suppression
	maxAge        time.Duration
	maxFindings   int
	clock         func() time.Time
	keyLocks      map[dedupKey]*sync.Mutex
	keyLocksGuard sync.Mutex
	celEnv        *cel.Env
}

// New builds an empty Engine. maxAge defaults to 24h, maxFindings to 25
// per request (spec.md §4.10).
func New() *Engine {
	env, _ := cel.NewEnv(
		cel.Variable("attribute_value", cel.DoubleType),
		cel.Variable("threshold", cel.DoubleType),
	)
	return &Engine{
		rules:        make(map[string]*Definition),
		openFindings: make(map[dedupKey]*Finding),
		findings:     make(map[string]*Finding),
		maxAge:       24 * time.Hour,
		maxFindings:  25,
		clock:        time.Now,
		keyLocks:     make(map[dedupKey]*sync.Mutex),
		celEnv:       env,
	}
}

// WithClock overrides the engine's notion of "now", for deterministic
// testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// InstallRule validates and registers a rule definition.
func (e *Engine) InstallRule(def Definition) error {
	if err := ValidateTemplate(def.Output.ExplanationTemplate); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[def.RuleID] = &def
	return nil
}

func (e *Engine) lockFor(key dedupKey) *sync.Mutex {
	e.keyLocksGuard.Lock()
	defer e.keyLocksGuard.Unlock()
	m, ok := e.keyLocks[key]
	if !ok {
		m = &sync.Mutex{}
		e.keyLocks[key] = m
	}
	return m
}

// Evaluate runs every enabled rule against event E with optional context
// C, returning the findings created and suppressions recorded
// (spec.md §4.10).
func (e *Engine) Evaluate(ev Event, ctx Context) ([]Finding, []Suppression, error) {
	e.mu.Lock()
	now := e.clock()
	if e.maxAge > 0 && now.Sub(ev.OccurredAt) > e.maxAge {
		e.history = append(e.history, ev)
		e.mu.Unlock()
		return nil, nil, nil
	}
	e.history = append(e.history, ev)

	rules := make([]*Definition, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	history := append([]Event(nil), e.history...)
	e.mu.Unlock()

	var findings []Finding
	var suppressions []Suppression

	for _, r := range rules {
		if len(findings) >= e.maxFindings {
			break
		}
		if !containsStr(r.TriggerEventTypes, ev.EventType) {
			continue
		}
		if contextMissing(r, ctx) {
			continue
		}

		supportingEvents, matched, err := e.specializedMatch(r, ev, ctx, history)
		if err != nil {
			return findings, suppressions, err
		}
		if !matched {
			continue
		}

		if s, suppressed := e.checkSuppression(r, ev, ctx, now); suppressed {
			suppressions = append(suppressions, s)
			continue
		}

		key := dedupKey{ruleID: r.RuleID, assetID: ev.AssetID, identityID: ev.IdentityID}
		lock := e.lockFor(key)
		lock.Lock()
		finding, suppression := e.dedupeAndEmit(r, ev, ctx, supportingEvents, key, now)
		lock.Unlock()

		if suppression != nil {
			suppressions = append(suppressions, *suppression)
			continue
		}
		findings = append(findings, *finding)
	}

	e.mu.Lock()
	e.suppressions = append(e.suppressions, suppressions...)
	e.mu.Unlock()

	return findings, suppressions, nil
}

func contextMissing(r *Definition, ctx Context) bool {
	if len(r.RequiredContext) == 0 || r.AllowFindingsWithoutContext {
		return false
	}
	for _, key := range r.RequiredContext {
		if !ctx.Resolved[key] {
			return true
		}
	}
	return false
}

func (e *Engine) specializedMatch(r *Definition, ev Event, ctx Context, history []Event) ([]string, bool, error) {
	switch r.RuleType {
	case TypeBoolean:
		return []string{ev.EventID}, true, nil

	case TypeThreshold:
		val, ok := numericAttr(ev.Attributes, "value")
		if !ok {
			return nil, false, nil
		}
		matched, err := e.evalThreshold(r, val)
		if err != nil {
			return nil, false, err
		}
		return []string{ev.EventID}, matched, nil

	case TypeSequence:
		return e.matchSequence(r, ev, history)

	case TypeBehaviouralDeviation:
		if ctx.Baseline == nil || ctx.MetricValue == nil {
			return nil, false, nil
		}
		baseline, ok := ctx.Baseline[ev.EventType]
		if !ok {
			return nil, false, nil
		}
		if *ctx.MetricValue >= baseline*r.DeviationMultiplier {
			return []string{ev.EventID}, true, nil
		}
		return nil, false, nil

	case TypeCrossDomain:
		if ctx.PatchState == nil || len(ctx.PatchState.MissingPatches) == 0 {
			return nil, false, nil
		}
		return []string{ev.EventID}, true, nil
	}
	return nil, false, nil
}

func (e *Engine) evalThreshold(r *Definition, value float64) (bool, error) {
	if r.ThresholdExpr == "" {
		return value > r.ThresholdValue, nil
	}
	ast, issues := e.celEnv.Compile(r.ThresholdExpr)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("rules: invalid threshold expr: %w", issues.Err())
	}
	prg, err := e.celEnv.Program(ast)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]interface{}{
		"attribute_value": value,
		"threshold":       r.ThresholdValue,
	})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	return ok && b, nil
}

func (e *Engine) matchSequence(r *Definition, ev Event, history []Event) ([]string, bool, error) {
	if len(r.SequenceEventTypes) == 0 {
		return nil, false, nil
	}
	last := r.SequenceEventTypes[len(r.SequenceEventTypes)-1]
	if ev.EventType != last {
		return nil, false, nil
	}

	window := time.Duration(r.TimeWindowSeconds) * time.Second
	windowStart := ev.OccurredAt.Add(-window)

	matchedIDs := make([]string, len(r.SequenceEventTypes))
	matchedIDs[len(matchedIDs)-1] = ev.EventID

	nextTypeIdx := len(r.SequenceEventTypes) - 2
	for i := len(history) - 1; i >= 0 && nextTypeIdx >= 0; i-- {
		cand := history[i]
		if cand.AssetID != ev.AssetID || cand.IdentityID != ev.IdentityID {
			continue
		}
		if cand.OccurredAt.Before(windowStart) || cand.OccurredAt.After(ev.OccurredAt) {
			continue
		}
		if cand.EventType == r.SequenceEventTypes[nextTypeIdx] {
			matchedIDs[nextTypeIdx] = cand.EventID
			nextTypeIdx--
		}
	}

	if nextTypeIdx >= 0 {
		return nil, false, nil
	}
	return matchedIDs, true, nil
}

func (e *Engine) checkSuppression(r *Definition, ev Event, ctx Context, now time.Time) (Suppression, bool) {
	base := Suppression{RuleID: r.RuleID, AssetID: ev.AssetID, IdentityID: ev.IdentityID, EventID: ev.EventID, RecordedAt: now}

	if ctx.MaintenanceWindow {
		base.Reason = "maintenance_window"
		return base, true
	}
	if ctx.AllowlistedAsset || containsStr(r.Suppression.AllowlistAssets, ev.AssetID) ||
		ctx.AllowlistedIdentity || containsStr(r.Suppression.AllowlistIdentities, ev.IdentityID) ||
		ctx.AllowlistedEventType || containsStr(r.Suppression.AllowlistEventTypes, ev.EventType) {
		base.Reason = "allowlisted"
		return base, true
	}
	return Suppression{}, false
}

func (e *Engine) dedupeAndEmit(r *Definition, ev Event, ctx Context, supportingEvents []string, key dedupKey, now time.Time) (*Finding, *Suppression) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dedupeWindow := time.Duration(r.Suppression.DedupeWindowSeconds) * time.Second

	if existing, ok := e.openFindings[key]; ok {
		if now.Sub(existing.CreationTimestamp) <= dedupeWindow {
			return nil, &Suppression{
				RuleID: r.RuleID, AssetID: ev.AssetID, IdentityID: ev.IdentityID,
				EventID: ev.EventID, Reason: "duplicate_open_finding", RecordedAt: now,
			}
		}
	}

	newFinding := Finding{
		FindingID:         uuid.New().String(),
		FindingType:       r.RuleID,
		Severity:          boostSeverity(r.Output.Severity, ctx),
		ConfidenceScore:   computeConfidence(r.Output.ConfidenceBase, ctx),
		SupportingEvents:  supportingEvents,
		ExplanationText:   renderTemplate(r.Output.ExplanationTemplate, ctx.TemplateVars),
		CreationTimestamp: now,
		State:             "open",
		AssetID:           ev.AssetID,
		IdentityID:        ev.IdentityID,
	}

	if existing, ok := e.openFindings[key]; ok {
		existing.State = "superseded"
		existing.SupersededBy = newFinding.FindingID
		e.findings[existing.FindingID] = existing
	}

	e.openFindings[key] = &newFinding
	e.findings[newFinding.FindingID] = &newFinding
	return &newFinding, nil
}

// boostSeverity escalates severity one level when the context reports
// missing patches (a non-empty PatchState.MissingPatches).
func boostSeverity(base string, ctx Context) string {
	if ctx.PatchState != nil && len(ctx.PatchState.MissingPatches) > 0 {
		return escalate(base)
	}
	return base
}

var severityLadder = []string{"low", "medium", "high", "critical"}

func escalate(sev string) string {
	for i, s := range severityLadder {
		if s == sev && i < len(severityLadder)-1 {
			return severityLadder[i+1]
		}
	}
	return sev
}

func computeConfidence(base float64, ctx Context) float64 {
	if ctx.Baseline != nil {
		return min1(base + 0.1)
	}
	return base
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

func containsStr(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func numericAttr(attrs map[string]interface{}, key string) (float64, bool) {
	v, ok := attrs[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Findings returns all findings tracked by the engine, for diagnostics
// and tests.
func (e *Engine) Findings() map[string]*Finding {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make(map[string]*Finding, len(e.findings))
	for k, v := range e.findings {
		f := *v
		cp[k] = &f
	}
	return cp
}

// Suppressions returns all persisted suppressions, for diagnostics and
// tests.
func (e *Engine) Suppressions() []Suppression {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Suppression(nil), e.suppressions...)
}
