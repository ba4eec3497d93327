// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weight

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/plexus/services/plexus/graph"
)

func edge(src, tgt graph.NodeID, amounts ...float64) graph.Edge {
	at := time.Unix(1700000000, 0)
	e := graph.NewEdge(src, tgt, "r", graph.Contribution{Source: "t", Amount: amounts[0], At: at})
	for _, a := range amounts[1:] {
		e.Reinforce(graph.Contribution{Source: "t", Amount: a, At: at})
	}
	return e
}

func buildGraph(edges ...graph.Edge) *graph.Graph {
	g := graph.New()
	seen := map[graph.NodeID]bool{}
	var nodes []graph.Node
	for _, e := range edges {
		for _, id := range []graph.NodeID{e.Source, e.Target} {
			if !seen[id] {
				seen[id] = true
				nodes = append(nodes, graph.Node{ID: id, Type: "t", Dimension: graph.DimensionSemantic})
			}
		}
	}
	g.Apply(graph.Mutation{Nodes: nodes, Edges: edges})
	return g
}

func TestOutgoingDivisive_SumsToOne(t *testing.T) {
	g := buildGraph(
		edge("a", "b", 1),
		edge("a", "c", 2, 0.5),
		edge("a", "d", 0.3),
		edge("b", "c", 4),
		edge("c", "c", 1),
	)
	p := OutgoingDivisive{}

	for _, n := range g.Nodes() {
		out := g.Outgoing(n.ID)
		if len(out) == 0 {
			continue
		}
		var sum float64
		for _, e := range out {
			sum += p.Normalize(g, e)
		}
		assert.InDelta(t, 1.0, sum, 1e-9, "node %s", n.ID)
	}

	ac, _ := g.Edge(graph.MakeEdgeID("a", "r", "c"))
	assert.InDelta(t, 2.5/3.8, p.Normalize(g, ac), 1e-12)
}

func TestOutgoingDivisive_ReinforcementShiftsSiblings(t *testing.T) {
	ab := edge("a", "b", 1)
	ac := edge("a", "c", 1)
	g := buildGraph(ab, ac)
	before := OutgoingDivisive{}.Normalize(g, ab)

	ac.Reinforce(graph.Contribution{Source: "t", Amount: 2})
	g.Apply(graph.Mutation{Edges: []graph.Edge{ac}})
	after := OutgoingDivisive{}.Normalize(g, ab)

	assert.Equal(t, 0.5, before)
	assert.InDelta(t, 0.25, after, 1e-12)
	stored, _ := g.Edge(ab.ID)
	assert.Equal(t, 1.0, stored.RawWeight, "sibling raw weight is untouched")
}

func TestOutgoingDivisive_ZeroSum(t *testing.T) {
	g := buildGraph(edge("a", "b", 0))
	e, _ := g.Edge(graph.MakeEdgeID("a", "r", "b"))
	assert.Equal(t, 0.0, OutgoingDivisive{}.Normalize(g, e))
}

func TestIncomingDivisive(t *testing.T) {
	g := buildGraph(edge("a", "z", 1), edge("b", "z", 3))
	e, _ := g.Edge(graph.MakeEdgeID("b", "r", "z"))
	assert.InDelta(t, 0.75, IncomingDivisive{}.Normalize(g, e), 1e-12)
}

func TestSoftmax(t *testing.T) {
	g := buildGraph(edge("a", "b", 1), edge("a", "c", 1), edge("a", "d", 1000))

	var sum float64
	for _, e := range g.Outgoing("a") {
		v := Softmax{}.Normalize(g, e)
		assert.False(t, math.IsNaN(v))
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	big, _ := g.Edge(graph.MakeEdgeID("a", "r", "d"))
	assert.InDelta(t, 1.0, Softmax{}.Normalize(g, big), 1e-9)
}

func TestIdentity(t *testing.T) {
	g := buildGraph(edge("a", "b", 2, 3))
	e, _ := g.Edge(graph.MakeEdgeID("a", "r", "b"))
	assert.Equal(t, 5.0, Identity{}.Normalize(g, e))
}

func TestPolicyByName(t *testing.T) {
	for _, name := range Names() {
		p, err := PolicyByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
	}

	p, err := PolicyByName("")
	require.NoError(t, err)
	assert.Equal(t, NameOutgoing, p.Name())

	_, err = PolicyByName("pagerank")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestNormalizeAll(t *testing.T) {
	g := buildGraph(edge("a", "b", 1), edge("a", "c", 3))
	got := NormalizeAll(g, Default(), g.Edges())
	assert.Len(t, got, 2)
	assert.InDelta(t, 0.25, got[graph.MakeEdgeID("a", "r", "b")], 1e-12)
}

func TestThreshold(t *testing.T) {
	edges := []graph.Edge{edge("a", "b", 0.01), edge("a", "c", 0.05), edge("a", "d", 1)}

	assert.Equal(t, []graph.EdgeID{"a|r|b"}, Threshold{}.Select(edges))
	assert.Equal(t, []graph.EdgeID{"a|r|b", "a|r|c"}, Threshold{Min: 0.5}.Select(edges))
	assert.Empty(t, Threshold{Min: 0.001}.Select(edges))
}

func TestQuantile(t *testing.T) {
	edges := []graph.Edge{
		edge("a", "b", 1), edge("a", "c", 2), edge("a", "d", 3), edge("a", "e", 4),
	}

	q := Quantile{Q: 0.5}
	assert.Equal(t, 2.0, q.Cutoff(edges))
	assert.Equal(t, []graph.EdgeID{"a|r|b"}, q.Select(edges))

	withFloor := Quantile{Q: 0.25, Floor: 3}
	assert.Equal(t, 3.0, withFloor.Cutoff(edges))
	assert.Equal(t, []graph.EdgeID{"a|r|b", "a|r|c"}, withFloor.Select(edges))

	equal := []graph.Edge{edge("a", "b", 1), edge("a", "c", 1)}
	assert.Empty(t, Quantile{Q: 0.9}.Select(equal))

	assert.Empty(t, Quantile{Q: 0.5}.Select(nil))
}
