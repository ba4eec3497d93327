// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id NodeID, typ string) Node {
	return Node{ID: id, Type: typ, Dimension: DimensionSemantic, Properties: map[string]any{"label": string(id)}}
}

func contribution(src string, amount float64) Contribution {
	return Contribution{Source: src, Amount: amount, At: time.Unix(1700000000, 0)}
}

func TestFold_OrderIndependent(t *testing.T) {
	amounts := []float64{0.1, 0.2, 0.3, 1e-7, 12.5, 0.333333333, 7}
	base := make([]Contribution, 0, len(amounts))
	for _, a := range amounts {
		base = append(base, contribution("a", a))
	}
	want := Fold(base)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		shuffled := append([]Contribution(nil), base...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, Fold(shuffled), "fold must not depend on order")
	}
}

func TestFold_IgnoresNonPositive(t *testing.T) {
	cs := []Contribution{contribution("a", 1), contribution("b", -3), contribution("c", 0)}
	assert.Equal(t, 1.0, Fold(cs))
	assert.Equal(t, 0.0, Fold(nil))
}

func TestFold_ClampsAndSaturates(t *testing.T) {
	assert.Equal(t, MaxContribution, Fold([]Contribution{contribution("a", 1e10)}))

	many := make([]Contribution, 20000)
	for i := range many {
		many[i] = contribution("a", MaxContribution)
	}
	prev := 0.0
	for n := 1000; n <= len(many); n += 1000 {
		got := Fold(many[:n])
		require.Greater(t, got, 0.0)
		require.GreaterOrEqual(t, got, prev, "raw weight must not shrink as contributions are appended")
		prev = got
	}
	assert.Equal(t, float64(math.MaxInt64)/contributionScale, prev)
}

func TestEdge_ReinforceKeepsConsistency(t *testing.T) {
	e := NewEdge("a", "b", "related", contribution("x", 0.5))
	require.Equal(t, MakeEdgeID("a", "related", "b"), e.ID)
	assert.Equal(t, 0.5, e.RawWeight)

	e.Reinforce(contribution("y", 0.25))
	e.Reinforce(contribution("x", 1))

	assert.Len(t, e.Contributions, 3)
	assert.Equal(t, 1.75, e.RawWeight)
	assert.True(t, e.Consistent())
}

func TestNode_CloneIsolatesProperties(t *testing.T) {
	n := node("concept:auth", NodeTypeConcept)
	c := n.Clone()
	c.Properties["label"] = "changed"
	assert.Equal(t, "concept:auth", n.Property("label"))
	assert.Equal(t, "", n.Property("missing"))
}

func TestNode_Strings(t *testing.T) {
	n := Node{ID: "mark:1", Properties: map[string]any{
		"tags":    []string{"auth", "db"},
		"decoded": []any{"auth", 3, "db"},
		"label":   "x",
	}}
	assert.Equal(t, []string{"auth", "db"}, n.Strings("tags"))
	assert.Equal(t, []string{"auth", "db"}, n.Strings("decoded"))
	assert.Nil(t, n.Strings("label"))
	assert.Nil(t, n.Strings("missing"))
}

func TestGraph_Targets(t *testing.T) {
	g := New()
	g.Apply(Mutation{
		Nodes: []Node{
			node("chain:c", NodeTypeChain),
			node("mark:b", NodeTypeMark),
			node("mark:a", NodeTypeMark),
			node("concept:x", NodeTypeConcept),
		},
		Edges: []Edge{
			NewEdge("chain:c", "mark:b", RelationContains, contribution("t", 1)),
			NewEdge("chain:c", "mark:a", RelationContains, contribution("t", 1)),
			NewEdge("chain:c", "concept:x", RelationContains, contribution("t", 1)),
			NewEdge("chain:c", "mark:a", RelationReferences, contribution("t", 1)),
		},
	})

	got := g.Targets("chain:c", RelationContains, NodeTypeMark)
	require.Len(t, got, 2)
	assert.Equal(t, NodeID("mark:a"), got[0].ID)
	assert.Equal(t, NodeID("mark:b"), got[1].ID)
	assert.Empty(t, g.Targets("mark:a", RelationContains, NodeTypeMark))
}

func TestGraph_ApplyAndAdjacency(t *testing.T) {
	g := New()
	ab := NewEdge("a", "b", "r", contribution("x", 1))
	ac := NewEdge("a", "c", "r", contribution("x", 2))
	self := NewEdge("a", "a", "r", contribution("x", 1))

	g.Apply(Mutation{
		Nodes: []Node{node("a", "t"), node("b", "t"), node("c", "t")},
		Edges: []Edge{ab, ac, self},
	})

	assert.Equal(t, 3, g.NodeCount())
	assert.Equal(t, 3, g.EdgeCount())
	assert.Len(t, g.Outgoing("a"), 3)
	assert.Len(t, g.Incoming("a"), 1)
	assert.Len(t, g.Incoming("c"), 1)
	assert.Len(t, g.IncidentEdgeIDs("a"), 3, "self edge counted once")
}

func TestGraph_RemoveNodeCascades(t *testing.T) {
	g := New()
	g.Apply(Mutation{
		Nodes: []Node{node("a", "t"), node("b", "t"), node("c", "t")},
		Edges: []Edge{
			NewEdge("a", "b", "r", contribution("x", 1)),
			NewEdge("c", "a", "r", contribution("x", 1)),
			NewEdge("b", "c", "r", contribution("x", 1)),
		},
	})

	g.Apply(Mutation{RemovedNodes: []NodeID{"a"}})

	assert.False(t, g.HasNode("a"))
	assert.Equal(t, 1, g.EdgeCount())
	assert.Empty(t, g.Outgoing("c"))
	assert.Len(t, g.Outgoing("b"), 1)
}

func TestGraph_ApplySkipsDanglingEdges(t *testing.T) {
	g := New()
	g.Apply(Mutation{
		Nodes: []Node{node("a", "t")},
		Edges: []Edge{NewEdge("a", "missing", "r", contribution("x", 1))},
	})
	assert.Equal(t, 0, g.EdgeCount())
}

func TestGraph_Load(t *testing.T) {
	g := New()
	g.Apply(Mutation{Nodes: []Node{node("old", "t")}})

	g.Load([]Node{node("a", "t"), node("b", "t")}, []Edge{NewEdge("a", "b", "r", contribution("x", 1))})

	assert.False(t, g.HasNode("old"))
	assert.Equal(t, 2, g.NodeCount())
	assert.Equal(t, 1, g.EdgeCount())
}

func TestGraph_ConcurrentReadersAndWriters(t *testing.T) {
	g := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := NodeID(string(rune('a' + i)))
			g.Apply(Mutation{Nodes: []Node{node(id, "t")}})
		}(i)
		go func() {
			defer wg.Done()
			_ = g.Nodes()
			_ = g.Edges()
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, g.NodeCount())
}

func TestDimension(t *testing.T) {
	d, err := ParseDimension("semantic")
	require.NoError(t, err)
	assert.Equal(t, DimensionSemantic, d)

	_, err = ParseDimension("temporal")
	assert.ErrorIs(t, err, ErrInvalidDimension)
}

func TestSource_Validate(t *testing.T) {
	assert.NoError(t, Source{Kind: SourceDirectory, Ref: "/tmp"}.Validate())
	assert.ErrorIs(t, Source{Kind: "ftp", Ref: "x"}.Validate(), ErrInvalidSource)
	assert.ErrorIs(t, Source{Kind: SourceFile, Ref: " "}.Validate(), ErrInvalidSource)
}
