// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/plexus/services/plexus/engine"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/provenance"
	"github.com/AleutianAI/plexus/services/plexus/sink"
	badgerstore "github.com/AleutianAI/plexus/services/plexus/storage/badger"
	"github.com/AleutianAI/plexus/services/plexus/weight"
)

func mkNode(id graph.NodeID, typ string, dim graph.Dimension) sink.AnnotatedNode {
	return sink.AnnotatedNode{ID: id, Type: typ, Dimension: dim}
}

// fixture builds context "a":
//
//	doc:readme   --references(1, conf 0.8)--> concept:auth
//	mark:1       --references(3, conf 0.5)--> concept:auth
//	fragment:1   --tagged_with--------------> concept:auth, concept:tokens
//	chain:review --contains-----------------> mark:1
//
// and context "b" holding concept:auth alone.
func fixture(t *testing.T) (*engine.Engine, *Service) {
	t.Helper()
	ctx := context.Background()
	eng := engine.New(engine.Options{})
	for _, id := range []graph.ContextID{"a", "b"} {
		_, err := eng.CreateContext(ctx, graph.Context{ID: id})
		require.NoError(t, err)
	}

	_, err := eng.SinkFor(provenance.Framework{AdapterID: "fixture", ContextID: "a"}).Emit(ctx, sink.Emission{
		Nodes: []sink.AnnotatedNode{
			mkNode("concept:auth", graph.NodeTypeConcept, graph.DimensionSemantic),
			mkNode("concept:tokens", graph.NodeTypeConcept, graph.DimensionSemantic),
			mkNode("doc:readme", graph.NodeTypeDocument, graph.DimensionStructure),
			mkNode("fragment:1", graph.NodeTypeFragment, graph.DimensionStructure),
			mkNode("mark:1", graph.NodeTypeMark, graph.DimensionProvenance),
			mkNode("chain:review", graph.NodeTypeChain, graph.DimensionProvenance),
		},
		Edges: []sink.AnnotatedEdge{
			{Source: "doc:readme", Target: "concept:auth", Relation: graph.RelationReferences, Weight: 1.0, Annotation: provenance.NewAnnotation(0.8)},
			{Source: "mark:1", Target: "concept:auth", Relation: graph.RelationReferences, Weight: 3, Annotation: provenance.NewAnnotation(0.5)},
			{Source: "fragment:1", Target: "concept:auth", Relation: graph.RelationTaggedWith},
			{Source: "fragment:1", Target: "concept:tokens", Relation: graph.RelationTaggedWith},
			{Source: "chain:review", Target: "mark:1", Relation: graph.RelationContains},
		},
	})
	require.NoError(t, err)

	_, err = eng.SinkFor(provenance.Framework{AdapterID: "fixture", ContextID: "b"}).Emit(ctx, sink.Emission{
		Nodes: []sink.AnnotatedNode{mkNode("concept:auth", graph.NodeTypeConcept, graph.DimensionSemantic)},
	})
	require.NoError(t, err)

	return eng, NewService(eng, ServiceOptions{})
}

func TestNode(t *testing.T) {
	_, svc := fixture(t)
	ctx := context.Background()

	view, err := svc.Node(ctx, "a", "fragment:1")
	require.NoError(t, err)
	require.Len(t, view.Outgoing, 2)
	assert.Empty(t, view.Incoming)
	assert.InDelta(t, 0.5, view.Outgoing[0].Weight, 1e-9)
	assert.Equal(t, weight.NameOutgoing, view.Outgoing[0].Policy)
	assert.Equal(t, 1.0, view.Outgoing[0].RawWeight)
	assert.Len(t, view.Provenance, 1)

	_, err = svc.Node(ctx, "a", "concept:missing")
	assert.ErrorIs(t, err, ErrNodeNotFound)

	_, err = svc.Node(ctx, "nope", "concept:auth")
	assert.ErrorIs(t, err, graph.ErrContextNotFound)

	_, err = svc.Node(ctx, "a", "concept:auth", WithPolicy("bogus"))
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestEdge_PolicyChangesOnlyTheView(t *testing.T) {
	_, svc := fixture(t)
	ctx := context.Background()
	id := graph.MakeEdgeID("mark:1", graph.RelationReferences, "concept:auth")

	incoming, err := svc.Edge(ctx, "a", id, WithPolicy(weight.NameIncoming))
	require.NoError(t, err)
	identity, err := svc.Edge(ctx, "a", id, WithPolicy(weight.NameIdentity))
	require.NoError(t, err)

	assert.InDelta(t, 0.6, incoming.Weight, 1e-9)
	assert.Equal(t, 3.0, identity.Weight)
	assert.Equal(t, incoming.RawWeight, identity.RawWeight)
	require.Len(t, identity.Provenance, 1)
	assert.InDelta(t, 0.5, identity.Provenance[0].Annotation.ConfidenceOr(0), 1e-9)

	_, err = svc.Edge(ctx, "a", "x|r|y")
	assert.ErrorIs(t, err, ErrEdgeNotFound)
}

func TestFind(t *testing.T) {
	_, svc := fixture(t)
	ctx := context.Background()

	nodes, err := svc.Find(ctx, "a", Filter{Type: graph.NodeTypeConcept})
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, graph.NodeID("concept:auth"), nodes[0].ID)

	nodes, err = svc.Find(ctx, "a", Filter{Dimension: graph.DimensionProvenance}, WithLimit(1))
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, graph.NodeID("chain:review"), nodes[0].ID)

	nodes, err = svc.Find(ctx, "a", Filter{IDPrefix: "doc:"})
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestNeighbors(t *testing.T) {
	_, svc := fixture(t)
	ctx := context.Background()

	out, err := svc.Neighbors(ctx, "a", "concept:auth", WithDirection(Incoming), WithPolicy(weight.NameIdentity))
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, graph.NodeID("mark:1"), out[0].Node.ID)
	assert.Equal(t, Incoming, out[0].Direction)

	out, err = svc.Neighbors(ctx, "a", "concept:auth", WithDirection(Incoming), WithPolicy(weight.NameIdentity), WithMinWeight(2))
	require.NoError(t, err)
	assert.Len(t, out, 1)

	_, err = svc.Neighbors(ctx, "a", "concept:auth", WithDirection("sideways"))
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestTraverse(t *testing.T) {
	_, svc := fixture(t)
	ctx := context.Background()

	res, err := svc.Traverse(ctx, "a", "fragment:1", WithMaxDepth(1))
	require.NoError(t, err)
	assert.Equal(t, []graph.NodeID{"fragment:1", "concept:auth", "concept:tokens"}, res.Visited)
	assert.Len(t, res.Edges, 2)
	assert.Equal(t, 1, res.Depth)
	assert.False(t, res.Truncated)

	res, err = svc.Traverse(ctx, "a", "concept:auth", WithDirection(Both), WithRelations(graph.RelationTaggedWith), WithMaxDepth(5))
	require.NoError(t, err)
	assert.ElementsMatch(t, []graph.NodeID{"concept:auth", "fragment:1", "concept:tokens"}, res.Visited)

	res, err = svc.Traverse(ctx, "a", "chain:review", WithLimit(2), WithMaxDepth(5))
	require.NoError(t, err)
	assert.Len(t, res.Visited, 2)
	assert.True(t, res.Truncated)
}

func TestPath(t *testing.T) {
	_, svc := fixture(t)
	ctx := context.Background()

	res, err := svc.Path(ctx, "a", "chain:review", "concept:tokens", WithDirection(Both))
	require.NoError(t, err)
	require.True(t, res.Found())
	assert.Equal(t, []graph.NodeID{"chain:review", "mark:1", "concept:auth", "fragment:1", "concept:tokens"}, res.Nodes)
	assert.Equal(t, 4, res.Length)
	require.Len(t, res.Edges, 4)
	assert.Equal(t, graph.RelationContains, res.Edges[0].Relation)

	res, err = svc.Path(ctx, "a", "chain:review", "concept:tokens")
	require.NoError(t, err)
	assert.False(t, res.Found())
	assert.Empty(t, res.Nodes)

	res, err = svc.Path(ctx, "a", "mark:1", "mark:1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Length)

	_, err = svc.Path(ctx, "a", "mark:1", "mark:404")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestEvidenceTrail(t *testing.T) {
	_, svc := fixture(t)

	trail, err := svc.EvidenceTrail(context.Background(), "a", "concept:auth", WithPolicy(weight.NameIdentity))
	require.NoError(t, err)

	require.Len(t, trail.Marks, 2)
	assert.Equal(t, graph.NodeID("mark:1"), trail.Marks[0].Node.ID)
	require.NotNil(t, trail.Marks[0].Confidence)
	assert.InDelta(t, 0.5, *trail.Marks[0].Confidence, 1e-9)
	assert.Equal(t, graph.NodeID("doc:readme"), trail.Marks[1].Node.ID)
	assert.InDelta(t, 0.8, *trail.Marks[1].Confidence, 1e-9)

	require.Len(t, trail.Fragments, 1)
	assert.Equal(t, graph.NodeID("fragment:1"), trail.Fragments[0].Node.ID)
	assert.Nil(t, trail.Fragments[0].Confidence)

	require.Len(t, trail.Chains, 1)
	assert.Equal(t, graph.NodeID("chain:review"), trail.Chains[0].ID)

	trail, err = svc.EvidenceTrail(context.Background(), "a", "concept:tokens")
	require.NoError(t, err)
	assert.Empty(t, trail.Marks)
	assert.Empty(t, trail.Chains)
}

func TestEvidenceTrail_SurvivesReload(t *testing.T) {
	cfg := badgerstore.DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = 0
	ctx := context.Background()

	store, err := badgerstore.OpenStore(cfg)
	require.NoError(t, err)
	eng := engine.New(engine.Options{Store: store})
	_, err = eng.CreateContext(ctx, graph.Context{ID: "A"})
	require.NoError(t, err)
	_, err = eng.SinkFor(provenance.Framework{AdapterID: "linker", ContextID: "A"}).Emit(ctx, sink.Emission{
		Nodes: []sink.AnnotatedNode{
			mkNode("doc:readme", graph.NodeTypeDocument, graph.DimensionStructure),
			mkNode("concept:auth", graph.NodeTypeConcept, graph.DimensionSemantic),
		},
		Edges: []sink.AnnotatedEdge{{
			Source: "doc:readme", Target: "concept:auth", Relation: graph.RelationReferences,
			Weight: 1.0, Annotation: provenance.NewAnnotation(0.8),
		}},
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = badgerstore.OpenStore(cfg)
	require.NoError(t, err)
	defer store.Close()
	reloaded := engine.New(engine.Options{Store: store})
	require.NoError(t, reloaded.LoadAll(ctx))

	trail, err := NewService(reloaded, ServiceOptions{}).EvidenceTrail(ctx, "A", "concept:auth")
	require.NoError(t, err)
	require.Len(t, trail.Marks, 1)
	assert.Equal(t, graph.NodeID("doc:readme"), trail.Marks[0].Node.ID)
	require.NotNil(t, trail.Marks[0].Confidence)
	assert.InDelta(t, 0.8, *trail.Marks[0].Confidence, 1e-9)
	assert.Equal(t, 1.0, trail.Marks[0].Edge.RawWeight)
	assert.Equal(t, "linker", trail.Marks[0].Provenance[0].AdapterID)
}

func TestSharedConcepts(t *testing.T) {
	_, svc := fixture(t)
	ctx := context.Background()

	shared, err := svc.SharedConcepts(ctx, nil)
	require.NoError(t, err)
	require.Len(t, shared, 1)
	assert.Equal(t, graph.NodeID("concept:auth"), shared[0].ID)
	assert.Equal(t, []graph.ContextID{"a", "b"}, shared[0].Contexts)
	assert.Zero(t, shared[0].Strength["b"])
	assert.Greater(t, shared[0].Strength["a"], 0.0)

	_, err = svc.SharedConcepts(ctx, []graph.ContextID{"a"})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = svc.SharedConcepts(ctx, []graph.ContextID{"a", "missing"})
	assert.ErrorIs(t, err, graph.ErrContextNotFound)
}
