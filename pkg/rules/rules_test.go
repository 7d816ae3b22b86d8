package rules_test

import (
	"testing"
	"time"

	"github.com/sentrywatch/core/pkg/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTemplate_RejectsUnknownVariable(t *testing.T) {
	err := rules.ValidateTemplate("suspicious activity on {{asset_id}} by {{mystery_var}}")
	assert.ErrorContains(t, err, "invalid_explanation_variables")
}

func TestValidateTemplate_AllowsKnownVariables(t *testing.T) {
	err := rules.ValidateTemplate("event {{event_type}} on {{asset_id}}")
	assert.NoError(t, err)
}

func TestEvaluate_BooleanRule(t *testing.T) {
	now := time.Now()
	e := rules.New().WithClock(func() time.Time { return now })
	require.NoError(t, e.InstallRule(rules.Definition{
		RuleID: "r-bool", RuleType: rules.TypeBoolean, Enabled: true,
		TriggerEventTypes: []string{"security.alert"},
		Output:            rules.Output{Severity: "high", ConfidenceBase: 0.8},
	}))

	findings, _, err := e.Evaluate(rules.Event{
		EventID: "e1", EventType: "security.alert", AssetID: "a1", IdentityID: "u1", OccurredAt: now,
	}, rules.Context{})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "r-bool", findings[0].FindingType)
}

// TestEvaluate_SequenceRule reproduces spec.md §8 scenario 2: process.spawn
// then network.egress within 300s for the same asset/identity.
func TestEvaluate_SequenceRule(t *testing.T) {
	now := time.Now()
	e := rules.New().WithClock(func() time.Time { return now })
	require.NoError(t, e.InstallRule(rules.Definition{
		RuleID: "r-seq", RuleType: rules.TypeSequence, Enabled: true,
		TriggerEventTypes:  []string{"network.egress"},
		SequenceEventTypes: []string{"process.spawn", "network.egress"},
		TimeWindowSeconds:  300,
		Output:             rules.Output{Severity: "high", ConfidenceBase: 0.7},
	}))

	t0 := now
	_, _, err := e.Evaluate(rules.Event{
		EventID: "e1", EventType: "process.spawn", AssetID: "a1", IdentityID: "u1", OccurredAt: t0,
	}, rules.Context{})
	require.NoError(t, err)

	findings, _, err := e.Evaluate(rules.Event{
		EventID: "e2", EventType: "network.egress", AssetID: "a1", IdentityID: "u1", OccurredAt: t0.Add(60 * time.Second),
	}, rules.Context{})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.ElementsMatch(t, []string{"e1", "e2"}, findings[0].SupportingEvents)
}

func TestEvaluate_SequenceRule_MissingPriorEventDoesNotFire(t *testing.T) {
	now := time.Now()
	e := rules.New().WithClock(func() time.Time { return now })
	require.NoError(t, e.InstallRule(rules.Definition{
		RuleID: "r-seq", RuleType: rules.TypeSequence, Enabled: true,
		TriggerEventTypes:  []string{"network.egress"},
		SequenceEventTypes: []string{"process.spawn", "network.egress"},
		TimeWindowSeconds:  300,
	}))

	findings, _, err := e.Evaluate(rules.Event{
		EventID: "e2", EventType: "network.egress", AssetID: "a1", IdentityID: "u1", OccurredAt: now,
	}, rules.Context{})
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestEvaluate_ThresholdRule(t *testing.T) {
	now := time.Now()
	e := rules.New().WithClock(func() time.Time { return now })
	require.NoError(t, e.InstallRule(rules.Definition{
		RuleID: "r-thresh", RuleType: rules.TypeThreshold, Enabled: true,
		TriggerEventTypes: []string{"disk.usage"},
		ThresholdExpr:     "attribute_value > threshold",
		ThresholdValue:    90,
	}))

	findings, _, err := e.Evaluate(rules.Event{
		EventID: "e1", EventType: "disk.usage", AssetID: "a1", OccurredAt: now,
		Attributes: map[string]interface{}{"value": 95.0},
	}, rules.Context{})
	require.NoError(t, err)
	require.Len(t, findings, 1)

	findings, _, err = e.Evaluate(rules.Event{
		EventID: "e2", EventType: "disk.usage", AssetID: "a1", OccurredAt: now,
		Attributes: map[string]interface{}{"value": 50.0},
	}, rules.Context{})
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestEvaluate_SuppressesMaintenanceWindow(t *testing.T) {
	now := time.Now()
	e := rules.New().WithClock(func() time.Time { return now })
	require.NoError(t, e.InstallRule(rules.Definition{
		RuleID: "r1", RuleType: rules.TypeBoolean, Enabled: true,
		TriggerEventTypes: []string{"system.reboot"},
	}))

	findings, suppressions, err := e.Evaluate(rules.Event{
		EventID: "e1", EventType: "system.reboot", AssetID: "a1", OccurredAt: now,
	}, rules.Context{MaintenanceWindow: true})
	require.NoError(t, err)
	assert.Empty(t, findings)
	require.Len(t, suppressions, 1)
	assert.Equal(t, "maintenance_window", suppressions[0].Reason)
}

func TestEvaluate_DedupeWithinWindowThenSupersedeOutsideWindow(t *testing.T) {
	now := time.Now()
	clock := now
	e := rules.New().WithClock(func() time.Time { return clock })
	require.NoError(t, e.InstallRule(rules.Definition{
		RuleID: "r1", RuleType: rules.TypeBoolean, Enabled: true,
		TriggerEventTypes: []string{"security.alert"},
		Suppression:       rules.SuppressionConfig{DedupeWindowSeconds: 60},
	}))

	findings, _, err := e.Evaluate(rules.Event{
		EventID: "e1", EventType: "security.alert", AssetID: "a1", IdentityID: "u1", OccurredAt: now,
	}, rules.Context{})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	firstID := findings[0].FindingID

	// Within window: duplicate is suppressed.
	clock = now.Add(10 * time.Second)
	findings, suppressions, err := e.Evaluate(rules.Event{
		EventID: "e2", EventType: "security.alert", AssetID: "a1", IdentityID: "u1", OccurredAt: clock,
	}, rules.Context{})
	require.NoError(t, err)
	assert.Empty(t, findings)
	require.Len(t, suppressions, 1)
	assert.Equal(t, "duplicate_open_finding", suppressions[0].Reason)

	// Outside window: a new finding is created, and the old one is superseded.
	clock = now.Add(2 * time.Minute)
	findings, _, err = e.Evaluate(rules.Event{
		EventID: "e3", EventType: "security.alert", AssetID: "a1", IdentityID: "u1", OccurredAt: clock,
	}, rules.Context{})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	newID := findings[0].FindingID
	assert.NotEqual(t, firstID, newID)

	all := e.Findings()
	assert.Equal(t, "superseded", all[firstID].State)
	assert.Equal(t, newID, all[firstID].SupersededBy)
}

func TestEvaluate_BehaviouralDeviationRule(t *testing.T) {
	now := time.Now()
	e := rules.New().WithClock(func() time.Time { return now })
	require.NoError(t, e.InstallRule(rules.Definition{
		RuleID: "r1", RuleType: rules.TypeBehaviouralDeviation, Enabled: true,
		TriggerEventTypes:   []string{"network.egress.volume"},
		DeviationMultiplier: 3.0,
	}))

	metric := 400.0
	findings, _, err := e.Evaluate(rules.Event{
		EventID: "e1", EventType: "network.egress.volume", AssetID: "a1", OccurredAt: now,
	}, rules.Context{Baseline: map[string]float64{"network.egress.volume": 100}, MetricValue: &metric})
	require.NoError(t, err)
	require.Len(t, findings, 1)
}

func TestEvaluate_CrossDomainRule(t *testing.T) {
	now := time.Now()
	e := rules.New().WithClock(func() time.Time { return now })
	require.NoError(t, e.InstallRule(rules.Definition{
		RuleID: "r1", RuleType: rules.TypeCrossDomain, Enabled: true,
		TriggerEventTypes: []string{"exploit.attempt"},
		Output:            rules.Output{Severity: "low"},
	}))

	findings, _, err := e.Evaluate(rules.Event{
		EventID: "e1", EventType: "exploit.attempt", AssetID: "a1", OccurredAt: now,
	}, rules.Context{PatchState: &rules.PatchState{MissingPatches: []string{"CVE-1"}}})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	// Severity escalates one level because missing patches heighten risk.
	assert.Equal(t, "medium", findings[0].Severity)
}
