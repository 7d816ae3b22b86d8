// Package correlator implements Correlator: cross-finding sequence
// matching and correlation-graph construction. Where RuleEngine's
// sequence rule type links events within a single rule's fixed chain,
// Correlator links findings produced by different rules into a single
// correlation_graph when they share an asset or identity within a time
// window (spec.md §3's Finding.correlation_graph field).
package correlator

import (
	"sort"
	"sync"
	"time"
)

// Node is one finding participating in a correlation graph.
type Node struct {
	FindingID  string
	RuleID     string
	AssetID    string
	IdentityID string
	OccurredAt time.Time
}

// Edge links two findings that correlate.
type Edge struct {
	From     string
	To       string
	Relation string // "same_asset" | "same_identity" | "temporal_sequence"
}

// Graph is the correlation_graph attached to a finding (spec.md §3).
// Nodes are sorted by FindingID and Edges by (From, To) so that two
// graphs built from the same finding set are byte-for-byte identical,
// mirroring the sorted-leaf construction the merkle tree builder uses.
type Graph struct {
	Nodes []Node
	Edges []Edge
}

// Correlator tracks a recent window of findings per tenant and builds
// correlation graphs as new findings arrive.
type Correlator struct {
	mu         sync.Mutex
	window     time.Duration
	recent     map[string][]Node // tenantID -> recent nodes, newest last
	maxPerTenant int
	clock      func() time.Time
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithWindow overrides the correlation look-back window. Default 15m.
func WithWindow(d time.Duration) Option {
	return func(c *Correlator) { c.window = d }
}

// WithClock overrides the correlator's notion of "now", for
// deterministic testing.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.clock = now }
}

// WithMaxPerTenant bounds the retained node history per tenant. Default 500.
func WithMaxPerTenant(n int) Option {
	return func(c *Correlator) { c.maxPerTenant = n }
}

// New builds a Correlator with the given options.
func New(opts ...Option) *Correlator {
	c := &Correlator{
		window:       15 * time.Minute,
		recent:       make(map[string][]Node),
		maxPerTenant: 500,
		clock:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Correlate registers a new finding as a Node and returns the
// correlation graph linking it to any other recent finding for the
// same tenant sharing an asset or identity within the configured
// window. The new finding is always included as a node even with no
// edges.
func (c *Correlator) Correlate(tenantID string, n Node) Graph {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	cutoff := now.Add(-c.window)

	history := c.recent[tenantID]
	kept := history[:0:0]
	for _, h := range history {
		if !h.OccurredAt.Before(cutoff) {
			kept = append(kept, h)
		}
	}

	var edges []Edge
	for _, h := range kept {
		if h.FindingID == n.FindingID {
			continue
		}
		if n.AssetID != "" && h.AssetID == n.AssetID {
			edges = append(edges, orderedEdge(h.FindingID, n.FindingID, "same_asset"))
		}
		if n.IdentityID != "" && h.IdentityID == n.IdentityID {
			edges = append(edges, orderedEdge(h.FindingID, n.FindingID, "same_identity"))
		}
		sharesAsset := n.AssetID != "" && h.AssetID == n.AssetID
		sharesIdentity := n.IdentityID != "" && h.IdentityID == n.IdentityID
		if h.RuleID != n.RuleID && (sharesAsset || sharesIdentity) {
			edges = append(edges, sequenceEdge(h, n))
		}
	}

	kept = append(kept, n)
	if len(kept) > c.maxPerTenant {
		kept = kept[len(kept)-c.maxPerTenant:]
	}
	c.recent[tenantID] = kept

	nodes := append([]Node(nil), kept...)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].FindingID < nodes[j].FindingID })
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})

	return Graph{Nodes: nodes, Edges: dedupeEdges(edges)}
}

func orderedEdge(a, b, relation string) Edge {
	if a <= b {
		return Edge{From: a, To: b, Relation: relation}
	}
	return Edge{From: b, To: a, Relation: relation}
}

// sequenceEdge always points from the earlier finding to the later one,
// capturing temporal order across rules, not just shared identity.
func sequenceEdge(earlier, later Node) Edge {
	if earlier.OccurredAt.After(later.OccurredAt) {
		earlier, later = later, earlier
	}
	return Edge{From: earlier.FindingID, To: later.FindingID, Relation: "temporal_sequence"}
}

func dedupeEdges(edges []Edge) []Edge {
	if len(edges) == 0 {
		return nil
	}
	out := edges[:1]
	for _, e := range edges[1:] {
		last := out[len(out)-1]
		if e == last {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Recent returns the retained node history for a tenant, for
// diagnostics and tests.
func (c *Correlator) Recent(tenantID string) []Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Node(nil), c.recent[tenantID]...)
}
