// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/plexus/services/plexus/adapter"
	"github.com/AleutianAI/plexus/services/plexus/adapters"
	"github.com/AleutianAI/plexus/services/plexus/engine"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/query"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	eng := engine.New(engine.Options{})
	rt, err := adapter.NewRuntime(adapter.Options{Engine: eng})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	require.NoError(t, rt.Register(adapters.NewFragmentAdapter("fragments")))
	require.NoError(t, rt.Register(adapters.NewMarkAdapter("marks")))
	require.NoError(t, rt.Register(adapters.NewChainAdapter("chains", eng)))
	require.NoError(t, rt.Register(adapters.NewCoOccurrenceAdapter("cooccurrence", eng)))

	return NewRouter(Options{
		Admin:   eng,
		Runner:  rt,
		Query:   query.NewService(eng, query.ServiceOptions{}),
		Metrics: true,
	})
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func requireError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, w.Code, w.Body.String())
	assert.Equal(t, code, decode[ErrorResponse](t, w).Code)
}

func createContext(t *testing.T, router http.Handler, id string) {
	t.Helper()
	w := do(t, router, http.MethodPost, "/v1/contexts", CreateContextRequest{ID: graph.ContextID(id)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestHandleHealth(t *testing.T) {
	router := setupRouter(t)
	w := do(t, router, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, ServiceVersion, resp.Version)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestMetricsRoute(t *testing.T) {
	router := setupRouter(t)
	w := do(t, router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestContextLifecycle(t *testing.T) {
	router := setupRouter(t)

	w := do(t, router, http.MethodPost, "/v1/contexts", CreateContextRequest{ID: "notes", Name: "Notes"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[ContextResponse](t, w)
	assert.Equal(t, "Notes", created.Context.Name)
	assert.Zero(t, created.Summary.NodeCount)

	w = do(t, router, http.MethodPost, "/v1/contexts", CreateContextRequest{ID: "notes"})
	requireError(t, w, http.StatusConflict, CodeConflict)

	w = do(t, router, http.MethodPost, "/v1/contexts", map[string]string{})
	requireError(t, w, http.StatusBadRequest, CodeInvalid)

	w = do(t, router, http.MethodGet, "/v1/contexts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[ContextsResponse](t, w).Contexts, 1)

	name := "Field notes"
	w = do(t, router, http.MethodPatch, "/v1/contexts/notes", UpdateContextRequest{Name: &name, Tags: []string{"research"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[ContextResponse](t, w)
	assert.Equal(t, "Field notes", updated.Context.Name)
	assert.Equal(t, []string{"research"}, updated.Context.Tags)

	src := graph.Source{Kind: graph.SourceDirectory, Ref: "/srv/notes"}
	w = do(t, router, http.MethodPost, "/v1/contexts/notes/sources", SourcesRequest{Sources: []graph.Source{src}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []graph.Source{src}, decode[ContextResponse](t, w).Context.Sources)

	w = do(t, router, http.MethodPost, "/v1/contexts/notes/sources",
		SourcesRequest{Sources: []graph.Source{{Kind: "ftp", Ref: "x"}}})
	requireError(t, w, http.StatusBadRequest, CodeInvalid)

	w = do(t, router, http.MethodDelete, "/v1/contexts/notes/sources", SourcesRequest{Sources: []graph.Source{src}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, decode[ContextResponse](t, w).Context.Sources)

	w = do(t, router, http.MethodDelete, "/v1/contexts/notes", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, router, http.MethodGet, "/v1/contexts/notes", nil)
	requireError(t, w, http.StatusNotFound, CodeNotFound)
}

func TestIngestAndQuery(t *testing.T) {
	router := setupRouter(t)
	createContext(t, router, "notes")

	w := do(t, router, http.MethodPost, "/v1/contexts/notes/fragments", adapters.Fragment{
		Text:   "refresh tokens before expiry",
		Tags:   []string{"Auth", "tokens"},
		Source: "journal",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ingest := decode[IngestResponse](t, w)
	require.Len(t, ingest.Invocations, 1)
	assert.Equal(t, adapter.StateCompleted, ingest.Invocations[0].State)
	assert.Empty(t, ingest.Code)

	t.Run("evidence by tag", func(t *testing.T) {
		w := do(t, router, http.MethodGet, "/v1/contexts/notes/evidence?tag=auth", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		trail := decode[query.EvidenceTrail](t, w)
		assert.Equal(t, graph.NodeID("concept:auth"), trail.Concept.ID)
		require.Len(t, trail.Fragments, 1)
		assert.Equal(t, graph.NodeTypeFragment, trail.Fragments[0].Node.Type)
	})

	t.Run("node", func(t *testing.T) {
		w := do(t, router, http.MethodGet, "/v1/contexts/notes/node?id=concept:auth", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		view := decode[query.NodeView](t, w)
		assert.Equal(t, graph.NodeTypeConcept, view.Node.Type)
		assert.Len(t, view.Incoming, 1)
		assert.Empty(t, view.Outgoing)
	})

	t.Run("find", func(t *testing.T) {
		w := do(t, router, http.MethodGet, "/v1/contexts/notes/nodes?type=concept", nil)
		require.Equal(t, http.StatusOK, w.Code)
		nodes := decode[NodesResponse](t, w).Nodes
		require.Len(t, nodes, 2)
		assert.Equal(t, graph.NodeID("concept:auth"), nodes[0].ID)
	})

	t.Run("neighbors", func(t *testing.T) {
		w := do(t, router, http.MethodGet, "/v1/contexts/notes/neighbors?id=concept:auth&direction=in", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Len(t, decode[NeighborsResponse](t, w).Neighbors, 1)
	})

	t.Run("path", func(t *testing.T) {
		w := do(t, router, http.MethodGet, "/v1/contexts/notes/path?from=concept:auth&to=concept:tokens&direction=both", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, 2, decode[query.PathResult](t, w).Length)

		w = do(t, router, http.MethodGet, "/v1/contexts/notes/path?from=concept:auth&to=concept:tokens", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, -1, decode[query.PathResult](t, w).Length)
	})

	t.Run("traverse", func(t *testing.T) {
		w := do(t, router, http.MethodGet, "/v1/contexts/notes/traverse?start=concept:auth&direction=both&depth=2", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		res := decode[query.TraversalResult](t, w)
		assert.Contains(t, res.Visited, graph.NodeID("concept:tokens"))
		assert.False(t, res.Truncated)
	})

	t.Run("bad requests", func(t *testing.T) {
		requireError(t, do(t, router, http.MethodGet, "/v1/contexts/notes/node", nil),
			http.StatusBadRequest, CodeInvalid)
		requireError(t, do(t, router, http.MethodGet, "/v1/contexts/notes/neighbors?id=concept:auth&direction=sideways", nil),
			http.StatusBadRequest, CodeInvalid)
		requireError(t, do(t, router, http.MethodGet, "/v1/contexts/notes/node?id=concept:auth&policy=bogus", nil),
			http.StatusBadRequest, CodeInvalid)
		requireError(t, do(t, router, http.MethodGet, "/v1/contexts/notes/traverse?start=concept:auth&limit=x", nil),
			http.StatusBadRequest, CodeInvalid)
	})

	t.Run("not found", func(t *testing.T) {
		requireError(t, do(t, router, http.MethodGet, "/v1/contexts/notes/node?id=concept:nope", nil),
			http.StatusNotFound, CodeNotFound)
		requireError(t, do(t, router, http.MethodGet, "/v1/contexts/other/node?id=concept:auth", nil),
			http.StatusNotFound, CodeNotFound)
	})
}

func TestIngest_Failures(t *testing.T) {
	router := setupRouter(t)
	createContext(t, router, "notes")

	w := do(t, router, http.MethodPost, "/v1/contexts/notes/fragments", adapters.Fragment{Text: ""})
	requireError(t, w, http.StatusBadRequest, CodeInvalid)

	w = do(t, router, http.MethodPost, "/v1/contexts/missing/fragments", adapters.Fragment{Text: "x"})
	requireError(t, w, http.StatusNotFound, CodeNotFound)

	w = do(t, router, http.MethodPost, "/v1/contexts/notes/marks", adapters.Mark{
		Chain: "review", File: "auth.go", Line: 3, Confidence: 2,
	})
	requireError(t, w, http.StatusBadRequest, CodeInvalid)

	w = do(t, router, http.MethodPost, "/v1/contexts/notes/marks", adapters.Mark{
		Chain:      "review",
		File:       "auth.go",
		Line:       3,
		References: []graph.NodeID{"concept:missing"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	resp := decode[IngestResponse](t, w)
	assert.Equal(t, CodeIngestFailed, resp.Code)
	require.Len(t, resp.Invocations, 1)
	assert.Equal(t, adapter.StateFailed, resp.Invocations[0].State)

	w = do(t, router, http.MethodGet, "/v1/contexts/notes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, decode[ContextResponse](t, w).Summary.NodeCount, "rejected emission left nothing behind")
}

func TestInvokeAndPrune(t *testing.T) {
	router := setupRouter(t)
	createContext(t, router, "notes")
	for _, text := range []string{"first", "second"} {
		w := do(t, router, http.MethodPost, "/v1/contexts/notes/fragments",
			adapters.Fragment{Text: text, Tags: []string{"x", "y"}})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := do(t, router, http.MethodGet, "/v1/adapters", nil)
	require.Equal(t, http.StatusOK, w.Code)
	descs := decode[AdaptersResponse](t, w).Adapters
	require.Len(t, descs, 3)
	assert.Equal(t, "cooccurrence", descs[0].ID)
	assert.NotEmpty(t, descs[0].Schedule)

	w = do(t, router, http.MethodPost, "/v1/adapters/cooccurrence/invoke", InvokeRequest{Context: "notes"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	inv := decode[adapter.Invocation](t, w)
	assert.Equal(t, adapter.StateCompleted, inv.State)
	assert.Equal(t, 1, inv.Emissions)

	w = do(t, router, http.MethodGet,
		"/v1/contexts/notes/edge?source=concept:x&relation=may_be_related&target=concept:y&policy=identity", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.InDelta(t, 0.25, decode[query.EdgeView](t, w).Weight, 1e-9)

	w = do(t, router, http.MethodGet, "/v1/invocations/"+inv.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusAccepted, do(t, router, http.MethodPost, "/v1/invocations/"+inv.ID+"/cancel", nil).Code)
	requireError(t, do(t, router, http.MethodGet, "/v1/invocations/missing", nil), http.StatusNotFound, CodeNotFound)
	requireError(t, do(t, router, http.MethodPost, "/v1/adapters/nope/invoke", InvokeRequest{Context: "notes"}),
		http.StatusNotFound, CodeNotFound)

	w = do(t, router, http.MethodGet, "/v1/invocations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[InvocationsResponse](t, w).Invocations, 3)

	w = do(t, router, http.MethodPost, "/v1/contexts/notes/prune", PruneRequest{Min: 0.5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	pruned := decode[engine.PruneResult](t, w)
	assert.ElementsMatch(t, []graph.EdgeID{
		graph.MakeEdgeID("concept:x", graph.RelationMayBeRelated, "concept:y"),
		graph.MakeEdgeID("concept:y", graph.RelationMayBeRelated, "concept:x"),
	}, pruned.Removed)
}

func TestChainLifecycle(t *testing.T) {
	router := setupRouter(t)
	createContext(t, router, "notes")

	first := adapters.Mark{Chain: "Review", File: "a.go", Line: 1, Tags: []string{"auth"}}
	second := adapters.Mark{Chain: "Review", File: "b.go", Line: 2, Tags: []string{"db"}}
	for _, m := range []adapters.Mark{first, second} {
		w := do(t, router, http.MethodPost, "/v1/contexts/notes/marks", m)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	a, b := adapters.MarkID(first), adapters.MarkID(second)
	q := url.QueryEscape

	w := do(t, router, http.MethodGet, "/v1/contexts/notes/chains", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	chains := decode[ChainsResponse](t, w)
	require.Len(t, chains.Chains, 1)
	assert.Equal(t, 2, chains.Chains[0].Marks)

	w = do(t, router, http.MethodGet, "/v1/contexts/notes/chain?id=Review", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode[query.ChainView](t, w).Marks, 2)

	w = do(t, router, http.MethodGet, "/v1/contexts/notes/tags", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"auth", "db"}, decode[TagsResponse](t, w).Tags)

	annotation := "checked"
	w = do(t, router, http.MethodPatch, "/v1/contexts/notes/mark?id="+q(string(a)), MarkUpdateRequest{Annotation: &annotation})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, router, http.MethodGet, "/v1/contexts/notes/marks?file=a.go", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	marks := decode[NodesResponse](t, w).Nodes
	require.Len(t, marks, 1)
	assert.Equal(t, "checked", marks[0].Property("annotation"))

	w = do(t, router, http.MethodPost, "/v1/contexts/notes/links", LinkRequest{Source: a, Target: b})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, router, http.MethodGet, "/v1/contexts/notes/links?mark="+q(string(b)), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []graph.NodeID{a}, decode[query.MarkLinks](t, w).Incoming)

	w = do(t, router, http.MethodDelete, "/v1/contexts/notes/links", LinkRequest{Source: a, Target: b})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, router, http.MethodGet, "/v1/contexts/notes/links?mark="+q(string(b)), nil)
	assert.Empty(t, decode[query.MarkLinks](t, w).Incoming)

	w = do(t, router, http.MethodPost, "/v1/contexts/notes/chain/archive?id=Review", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, router, http.MethodGet, "/v1/contexts/notes/chains?status=archived", nil)
	assert.Len(t, decode[ChainsResponse](t, w).Chains, 1)

	w = do(t, router, http.MethodDelete, "/v1/contexts/notes/mark?id="+q(string(b)), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, router, http.MethodDelete, "/v1/contexts/notes/chain?id="+q("chain:review"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, router, http.MethodGet, "/v1/contexts/notes/chains", nil)
	assert.Empty(t, decode[ChainsResponse](t, w).Chains)
	w = do(t, router, http.MethodGet, "/v1/contexts/notes/marks", nil)
	assert.Empty(t, decode[NodesResponse](t, w).Nodes)

	w = do(t, router, http.MethodGet, "/v1/contexts/notes/chain?id=Review", nil)
	requireError(t, w, http.StatusNotFound, CodeNotFound)
	w = do(t, router, http.MethodDelete, "/v1/contexts/notes/chain?id=Review", nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	assert.Equal(t, CodeIngestFailed, decode[IngestResponse](t, w).Code)
	w = do(t, router, http.MethodGet, "/v1/contexts/notes/chains?status=paused", nil)
	requireError(t, w, http.StatusBadRequest, CodeInvalid)
}
