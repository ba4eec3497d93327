// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapters

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/plexus/services/plexus/adapter"
	"github.com/AleutianAI/plexus/services/plexus/engine"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/provenance"
	"github.com/AleutianAI/plexus/services/plexus/sink"
)

func setup(t *testing.T) (*engine.Engine, *adapter.Runtime) {
	t.Helper()
	eng := engine.New(engine.Options{})
	_, err := eng.CreateContext(context.Background(), graph.Context{ID: "notes"})
	require.NoError(t, err)

	rt, err := adapter.NewRuntime(adapter.Options{Engine: eng})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return eng, rt
}

func ingest(t *testing.T, rt *adapter.Runtime, p adapter.Payload) adapter.Invocation {
	t.Helper()
	invs, err := rt.Ingest(context.Background(), adapter.Input{
		Kind:      p.InputKind(),
		ContextID: "notes",
		Summary:   "test",
		Payload:   p,
	})
	require.NoError(t, err)
	require.Len(t, invs, 1)
	return invs[0]
}

func confidenceOf(t *testing.T, eng *engine.Engine, id graph.EdgeID) float64 {
	t.Helper()
	entries := eng.Provenance().For("notes", provenance.EdgeTarget(id))
	require.NotEmpty(t, entries)
	return entries[len(entries)-1].Annotation.ConfidenceOr(-1)
}

// -----------------------------------------------------------------------------
// Fragment
// -----------------------------------------------------------------------------

func TestFragmentAdapter_TagsAndChain(t *testing.T) {
	eng, rt := setup(t)
	require.NoError(t, rt.Register(NewFragmentAdapter("fragments")))

	f := Fragment{Text: "token refresh is flaky", Tags: []string{"Auth", "#security", "auth", " "}, Source: "journal"}
	inv := ingest(t, rt, f)
	require.Equal(t, adapter.StateCompleted, inv.State, inv.Error)

	g, err := eng.Graph("notes")
	require.NoError(t, err)

	fragments := g.NodesWhere(func(n graph.Node) bool { return n.Type == graph.NodeTypeFragment })
	require.Len(t, fragments, 1)
	fragID := fragments[0].ID
	assert.Equal(t, "journal", fragments[0].Property("source"))

	assert.True(t, g.HasNode("concept:auth"))
	assert.True(t, g.HasNode("concept:security"))

	tagged := graph.MakeEdgeID(fragID, graph.RelationTaggedWith, "concept:auth")
	_, ok := g.Edge(tagged)
	require.True(t, ok)
	assert.Equal(t, 1.0, confidenceOf(t, eng, tagged))

	chain := graph.NodeID("chain:fragments:journal")
	require.True(t, g.HasNode(chain))
	contains := g.Outgoing(chain)
	require.Len(t, contains, 1)
	mark, ok := g.Node(contains[0].Target)
	require.True(t, ok)
	assert.Equal(t, graph.NodeTypeMark, mark.Type)
	assert.Equal(t, string(chain), mark.Property("chain_id"))

	// Re-submitting the same fragment upserts and reinforces.
	inv = ingest(t, rt, f)
	require.Equal(t, adapter.StateCompleted, inv.State, inv.Error)
	assert.Len(t, g.NodesWhere(func(n graph.Node) bool { return n.Type == graph.NodeTypeFragment }), 1)
	edge, _ := g.Edge(tagged)
	assert.Equal(t, 2.0, edge.RawWeight)
}

func TestFragmentAdapter_EmptyText(t *testing.T) {
	_, rt := setup(t)
	require.NoError(t, rt.Register(NewFragmentAdapter("fragments")))

	inv := ingest(t, rt, Fragment{Text: "  "})
	assert.Equal(t, adapter.StateFailed, inv.State)
	assert.Contains(t, inv.Error, "fragment text is empty")
}

func TestNormalizeTags(t *testing.T) {
	assert.Equal(t, []string{"go", "rust"}, normalizeTags([]string{"#Go", "rust", "GO", ""}))
	assert.Equal(t, graph.NodeID("chain:field-notes"), ChainID(" Field  Notes "))
	assert.Equal(t, graph.NodeID("concept:auth"), ConceptID(" Auth"))
}

// -----------------------------------------------------------------------------
// Mark
// -----------------------------------------------------------------------------

func TestMarkAdapter_ReferencesWithConfidence(t *testing.T) {
	eng, rt := setup(t)
	require.NoError(t, rt.Register(NewMarkAdapter("marks")))

	m := Mark{Chain: "Review", File: "auth/login.go", Line: 42, Annotation: "retry loop", Tags: []string{"auth"}, Confidence: 0.8}
	inv := ingest(t, rt, m)
	require.Equal(t, adapter.StateCompleted, inv.State, inv.Error)

	g, _ := eng.Graph("notes")
	markID := MarkID(m)
	node, ok := g.Node(markID)
	require.True(t, ok)
	assert.Equal(t, graph.DimensionProvenance, node.Dimension)
	assert.Equal(t, "retry loop", node.Property("annotation"))

	_, ok = g.Edge(graph.MakeEdgeID("chain:review", graph.RelationContains, markID))
	assert.True(t, ok)

	ref := graph.MakeEdgeID(markID, graph.RelationReferences, "concept:auth")
	_, ok = g.Edge(ref)
	require.True(t, ok)
	assert.InDelta(t, 0.8, confidenceOf(t, eng, ref), 1e-9)

	entries := eng.Provenance().For("notes", provenance.EdgeTarget(ref))
	assert.Equal(t, "auth/login.go:42", entries[0].Annotation.SourceLocation)
}

func TestMarkAdapter_MissingReferenceRejectsWholeMark(t *testing.T) {
	eng, rt := setup(t)
	require.NoError(t, rt.Register(NewMarkAdapter("marks")))

	inv := ingest(t, rt, Mark{Chain: "review", File: "a.go", Line: 1, References: []graph.NodeID{"doc:missing"}})
	assert.Equal(t, adapter.StateFailed, inv.State)
	assert.Contains(t, inv.Error, string(sink.ReasonMissingEndpoint))

	g, _ := eng.Graph("notes")
	assert.Zero(t, g.NodeCount())
}

// -----------------------------------------------------------------------------
// File
// -----------------------------------------------------------------------------

func TestFileAdapter_HashtagsAndRemoval(t *testing.T) {
	eng, rt := setup(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.md"), []byte("# Title\nintro #Auth\nmore #search and #auth\n"), 0o644))
	require.NoError(t, rt.Register(NewFileAdapter("files", root)))

	inv := ingest(t, rt, FileChange{Path: filepath.Join(root, "notes.md"), Op: FileCreated})
	require.Equal(t, adapter.StateCompleted, inv.State, inv.Error)

	g, _ := eng.Graph("notes")
	doc, ok := g.Node("doc:notes.md")
	require.True(t, ok)
	assert.Equal(t, graph.NodeTypeDocument, doc.Type)
	assert.Equal(t, ".md", doc.Property("ext"))
	assert.False(t, g.HasNode("concept:title"))

	auth := graph.MakeEdgeID("doc:notes.md", graph.RelationReferences, "concept:auth")
	_, ok = g.Edge(auth)
	require.True(t, ok)
	assert.InDelta(t, HashtagConfidence, confidenceOf(t, eng, auth), 1e-9)
	entries := eng.Provenance().For("notes", provenance.EdgeTarget(auth))
	assert.Equal(t, "notes.md:2", entries[0].Annotation.SourceLocation)

	_, ok = g.Edge(graph.MakeEdgeID("doc:notes.md", graph.RelationReferences, "concept:search"))
	assert.True(t, ok)

	inv = ingest(t, rt, FileChange{Path: "notes.md", Op: FileRemoved})
	require.Equal(t, adapter.StateCompleted, inv.State, inv.Error)
	assert.False(t, g.HasNode("doc:notes.md"))
	assert.True(t, g.HasNode("concept:auth"))
	_, ok = g.Edge(auth)
	assert.False(t, ok)
}

func TestFileAdapter_OutsideRoot(t *testing.T) {
	_, rt := setup(t)
	require.NoError(t, rt.Register(NewFileAdapter("files", t.TempDir())))

	inv := ingest(t, rt, FileChange{Path: "../escape.md", Op: FileModified})
	assert.Equal(t, adapter.StateFailed, inv.State)
	assert.Contains(t, inv.Error, "outside")
}

func TestFileAdapter_VanishedFileIsRemoved(t *testing.T) {
	eng, rt := setup(t)
	require.NoError(t, rt.Register(NewFileAdapter("files", t.TempDir())))

	inv := ingest(t, rt, FileChange{Path: "gone.txt", Op: FileModified})
	require.Equal(t, adapter.StateCompleted, inv.State, inv.Error)
	g, _ := eng.Graph("notes")
	assert.Zero(t, g.NodeCount())
}

// -----------------------------------------------------------------------------
// Co-occurrence
// -----------------------------------------------------------------------------

func TestCoOccurrenceAdapter_ProposesCappedEdges(t *testing.T) {
	eng, rt := setup(t)
	require.NoError(t, rt.Register(NewFragmentAdapter("fragments")))
	co := NewCoOccurrenceAdapter("cooccur", eng, WithSchedule(adapter.Schedule{Condition: adapter.AfterMutations{N: 1 << 30}}))
	require.NoError(t, rt.Register(co))

	for _, f := range []Fragment{
		{Text: "one", Tags: []string{"a", "b"}},
		{Text: "two", Tags: []string{"a", "b"}},
		{Text: "three", Tags: []string{"a", "c"}},
	} {
		inv := ingest(t, rt, f)
		require.Equal(t, adapter.StateCompleted, inv.State, inv.Error)
	}

	g, _ := eng.Graph("notes")
	pairs := CoOccurrences(g)
	require.Len(t, pairs, 2)
	assert.Equal(t, Pair{A: "concept:a", B: "concept:b", Count: 2}, pairs[0])
	assert.Equal(t, Pair{A: "concept:a", B: "concept:c", Count: 1}, pairs[1])

	inv, err := rt.Invoke(context.Background(), "cooccur", adapter.Input{ContextID: "notes"})
	require.NoError(t, err)
	require.Equal(t, adapter.StateCompleted, inv.State, inv.Error)

	for _, id := range []graph.EdgeID{
		graph.MakeEdgeID("concept:a", graph.RelationMayBeRelated, "concept:b"),
		graph.MakeEdgeID("concept:b", graph.RelationMayBeRelated, "concept:a"),
		graph.MakeEdgeID("concept:a", graph.RelationMayBeRelated, "concept:c"),
	} {
		e, ok := g.Edge(id)
		require.True(t, ok, id)
		assert.Equal(t, sink.DefaultWeightCap, e.RawWeight)
	}
	assert.InDelta(t, 0.5, confidenceOf(t, eng, graph.MakeEdgeID("concept:a", graph.RelationMayBeRelated, "concept:c")), 1e-9)

	// A second run finds nothing new.
	inv, err = rt.Invoke(context.Background(), "cooccur", adapter.Input{ContextID: "notes"})
	require.NoError(t, err)
	assert.Equal(t, 0, inv.Emissions)
	e, _ := g.Edge(graph.MakeEdgeID("concept:a", graph.RelationMayBeRelated, "concept:b"))
	assert.Equal(t, sink.DefaultWeightCap, e.RawWeight)
}

func TestCoOccurrenceAdapter_MinCount(t *testing.T) {
	eng, rt := setup(t)
	require.NoError(t, rt.Register(NewFragmentAdapter("fragments")))
	require.NoError(t, rt.Register(NewCoOccurrenceAdapter("cooccur", eng, WithMinCount(2))))

	ingest(t, rt, Fragment{Text: "once", Tags: []string{"x", "y"}})
	inv, err := rt.Invoke(context.Background(), "cooccur", adapter.Input{ContextID: "notes"})
	require.NoError(t, err)
	assert.Equal(t, adapter.StateCompleted, inv.State)
	assert.Equal(t, 0, inv.Emissions)
}
