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
)

func chainNode(id graph.NodeID, status string) sink.AnnotatedNode {
	n := mkNode(id, graph.NodeTypeChain, graph.DimensionProvenance)
	n.Properties = map[string]any{"name": string(id), "status": status}
	return n
}

func markNode(id, chain graph.NodeID, file, kind string, tags ...string) sink.AnnotatedNode {
	n := mkNode(id, graph.NodeTypeMark, graph.DimensionProvenance)
	n.Properties = map[string]any{"chain_id": string(chain), "file": file, "line": 1}
	if kind != "" {
		n.Properties["type"] = kind
	}
	if len(tags) > 0 {
		n.Properties["tags"] = tags
	}
	return n
}

// chainFixture builds context "a", persisted in a badger store and reloaded
// so list properties come back decoded:
//
//	chain:review (active)   --contains--> mark:1, mark:2
//	chain:old    (archived) --contains--> mark:3
//	mark:1 --links_to--> mark:2, mark:3 --links_to--> mark:1
func chainFixture(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()
	store, err := badgerstore.OpenMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eng := engine.New(engine.Options{Store: store})
	_, err = eng.CreateContext(ctx, graph.Context{ID: "a"})
	require.NoError(t, err)
	_, err = eng.SinkFor(provenance.Framework{AdapterID: "fixture", ContextID: "a"}).Emit(ctx, sink.Emission{
		Nodes: []sink.AnnotatedNode{
			chainNode("chain:review", graph.ChainActive),
			chainNode("chain:old", graph.ChainArchived),
			markNode("mark:1", "chain:review", "a.go", "todo", "auth", "db"),
			markNode("mark:2", "chain:review", "b.go", "", "auth"),
			markNode("mark:3", "chain:old", "a.go", "note"),
		},
		Edges: []sink.AnnotatedEdge{
			{Source: "chain:review", Target: "mark:1", Relation: graph.RelationContains},
			{Source: "chain:review", Target: "mark:2", Relation: graph.RelationContains},
			{Source: "chain:old", Target: "mark:3", Relation: graph.RelationContains},
			{Source: "mark:1", Target: "mark:2", Relation: graph.RelationLinksTo},
			{Source: "mark:3", Target: "mark:1", Relation: graph.RelationLinksTo},
		},
	})
	require.NoError(t, err)

	reloaded := engine.New(engine.Options{Store: store})
	require.NoError(t, reloaded.LoadAll(ctx))
	return NewService(reloaded, ServiceOptions{})
}

func TestChains(t *testing.T) {
	svc := chainFixture(t)
	ctx := context.Background()

	all, err := svc.Chains(ctx, "a", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ChainSummary{ID: "chain:old", Name: "chain:old", Status: graph.ChainArchived, Marks: 1}, all[0])
	assert.Equal(t, ChainSummary{ID: "chain:review", Name: "chain:review", Status: graph.ChainActive, Marks: 2}, all[1])

	active, err := svc.Chains(ctx, "a", graph.ChainActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, graph.NodeID("chain:review"), active[0].ID)

	limited, err := svc.Chains(ctx, "a", "", WithLimit(1))
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = svc.Chains(ctx, "a", "paused")
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = svc.Chains(ctx, "nope", "")
	assert.ErrorIs(t, err, graph.ErrContextNotFound)
}

func TestChain(t *testing.T) {
	svc := chainFixture(t)
	ctx := context.Background()

	view, err := svc.Chain(ctx, "a", "chain:review")
	require.NoError(t, err)
	assert.Equal(t, graph.ChainActive, view.Chain.Property("status"))
	require.Len(t, view.Marks, 2)
	assert.Equal(t, graph.NodeID("mark:1"), view.Marks[0].ID)
	assert.Equal(t, graph.NodeID("mark:2"), view.Marks[1].ID)

	_, err = svc.Chain(ctx, "a", "mark:1")
	assert.ErrorIs(t, err, ErrNodeNotFound, "a mark is not a chain")
}

func TestMarks(t *testing.T) {
	svc := chainFixture(t)
	ctx := context.Background()

	ids := func(nodes []graph.Node) []graph.NodeID {
		out := make([]graph.NodeID, len(nodes))
		for i, n := range nodes {
			out[i] = n.ID
		}
		return out
	}

	tests := []struct {
		name   string
		filter MarkFilter
		want   []graph.NodeID
	}{
		{"all", MarkFilter{}, []graph.NodeID{"mark:1", "mark:2", "mark:3"}},
		{"by chain", MarkFilter{Chain: "chain:review"}, []graph.NodeID{"mark:1", "mark:2"}},
		{"by file", MarkFilter{File: "a.go"}, []graph.NodeID{"mark:1", "mark:3"}},
		{"by type", MarkFilter{Type: "note"}, []graph.NodeID{"mark:3"}},
		{"by tag", MarkFilter{Tag: "auth"}, []graph.NodeID{"mark:1", "mark:2"}},
		{"combined", MarkFilter{File: "a.go", Tag: "db"}, []graph.NodeID{"mark:1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.Marks(ctx, "a", tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestTags(t *testing.T) {
	svc := chainFixture(t)

	tags, err := svc.Tags(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"auth", "db"}, tags)
}

func TestLinks(t *testing.T) {
	svc := chainFixture(t)
	ctx := context.Background()

	links, err := svc.Links(ctx, "a", "mark:1")
	require.NoError(t, err)
	assert.Equal(t, []graph.NodeID{"mark:2"}, links.Outgoing)
	assert.Equal(t, []graph.NodeID{"mark:3"}, links.Incoming)

	links, err = svc.Links(ctx, "a", "mark:2")
	require.NoError(t, err)
	assert.Empty(t, links.Outgoing)
	assert.Equal(t, []graph.NodeID{"mark:1"}, links.Incoming)

	_, err = svc.Links(ctx, "a", "mark:9")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}
