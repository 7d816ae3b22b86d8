package correlator_test

import (
	"testing"
	"time"

	"github.com/sentrywatch/core/pkg/correlator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelate_FirstFindingHasNoEdges(t *testing.T) {
	c := correlator.New()
	g := c.Correlate("t1", correlator.Node{FindingID: "f1", RuleID: "r1", AssetID: "a1", OccurredAt: time.Now()})
	require.Len(t, g.Nodes, 1)
	assert.Empty(t, g.Edges)
}

func TestCorrelate_LinksFindingsSharingAsset(t *testing.T) {
	now := time.Now()
	c := correlator.New(correlator.WithClock(func() time.Time { return now }))

	c.Correlate("t1", correlator.Node{FindingID: "f1", RuleID: "r1", AssetID: "a1", OccurredAt: now})
	g := c.Correlate("t1", correlator.Node{FindingID: "f2", RuleID: "r2", AssetID: "a1", OccurredAt: now.Add(time.Minute)})

	require.Len(t, g.Nodes, 2)
	require.NotEmpty(t, g.Edges)

	var sawSameAsset, sawSequence bool
	for _, e := range g.Edges {
		if e.Relation == "same_asset" {
			sawSameAsset = true
		}
		if e.Relation == "temporal_sequence" {
			sawSequence = true
			assert.Equal(t, "f1", e.From)
			assert.Equal(t, "f2", e.To)
		}
	}
	assert.True(t, sawSameAsset)
	assert.True(t, sawSequence)
}

func TestCorrelate_UnrelatedFindingsNoEdges(t *testing.T) {
	now := time.Now()
	c := correlator.New(correlator.WithClock(func() time.Time { return now }))

	c.Correlate("t1", correlator.Node{FindingID: "f1", RuleID: "r1", AssetID: "a1", IdentityID: "u1", OccurredAt: now})
	g := c.Correlate("t1", correlator.Node{FindingID: "f2", RuleID: "r2", AssetID: "a2", IdentityID: "u2", OccurredAt: now})

	require.Len(t, g.Nodes, 2)
	assert.Empty(t, g.Edges)
}

func TestCorrelate_OutsideWindowNotLinked(t *testing.T) {
	now := time.Now()
	clock := now
	c := correlator.New(correlator.WithClock(func() time.Time { return clock }), correlator.WithWindow(time.Minute))

	c.Correlate("t1", correlator.Node{FindingID: "f1", RuleID: "r1", AssetID: "a1", OccurredAt: now})

	clock = now.Add(5 * time.Minute)
	g := c.Correlate("t1", correlator.Node{FindingID: "f2", RuleID: "r2", AssetID: "a1", OccurredAt: clock})

	require.Len(t, g.Nodes, 1)
	assert.Equal(t, "f2", g.Nodes[0].FindingID)
	assert.Empty(t, g.Edges)
}

func TestCorrelate_TenantsAreIsolated(t *testing.T) {
	now := time.Now()
	c := correlator.New(correlator.WithClock(func() time.Time { return now }))

	c.Correlate("t1", correlator.Node{FindingID: "f1", RuleID: "r1", AssetID: "a1", OccurredAt: now})
	g := c.Correlate("t2", correlator.Node{FindingID: "f2", RuleID: "r2", AssetID: "a1", OccurredAt: now})

	require.Len(t, g.Nodes, 1)
	assert.Empty(t, g.Edges)
}

func TestCorrelate_MaxPerTenantEvictsOldest(t *testing.T) {
	now := time.Now()
	c := correlator.New(correlator.WithClock(func() time.Time { return now }), correlator.WithMaxPerTenant(2))

	c.Correlate("t1", correlator.Node{FindingID: "f1", RuleID: "r1", AssetID: "a1", OccurredAt: now})
	c.Correlate("t1", correlator.Node{FindingID: "f2", RuleID: "r1", AssetID: "a1", OccurredAt: now})
	c.Correlate("t1", correlator.Node{FindingID: "f3", RuleID: "r1", AssetID: "a1", OccurredAt: now})

	assert.Len(t, c.Recent("t1"), 2)
}
