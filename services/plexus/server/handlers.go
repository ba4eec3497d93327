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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/plexus/services/plexus/adapter"
	"github.com/AleutianAI/plexus/services/plexus/adapters"
	"github.com/AleutianAI/plexus/services/plexus/engine"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/query"
	"github.com/AleutianAI/plexus/services/plexus/weight"
)

// Admin is the context administration surface. *engine.Engine satisfies it.
type Admin interface {
	CreateContext(ctx context.Context, c graph.Context) (graph.Context, error)
	RenameContext(ctx context.Context, id graph.ContextID, name string) (graph.Context, error)
	DescribeContext(ctx context.Context, id graph.ContextID, description string, tags []string) (graph.Context, error)
	AddSources(ctx context.Context, id graph.ContextID, sources ...graph.Source) (graph.Context, error)
	RemoveSources(ctx context.Context, id graph.ContextID, sources ...graph.Source) (graph.Context, error)
	DeleteContext(ctx context.Context, id graph.ContextID) error
	Context(id graph.ContextID) (graph.Context, error)
	ListContexts() []graph.Context
	Summary(id graph.ContextID) (engine.Summary, error)
	PruneEdges(ctx context.Context, id graph.ContextID, policy weight.CleanupPolicy) (*engine.PruneResult, error)
	Version() uint64
}

// Runner is the adapter runtime surface. *adapter.Runtime satisfies it.
type Runner interface {
	Ingest(ctx context.Context, in adapter.Input) ([]adapter.Invocation, error)
	Invoke(ctx context.Context, adapterID string, in adapter.Input) (adapter.Invocation, error)
	Invocation(id string) (adapter.Invocation, error)
	Invocations() []adapter.Invocation
	Cancel(id string) error
	Adapters() []adapter.Descriptor
}

// Handlers contains the HTTP handlers for the plexus API.
type Handlers struct {
	admin    Admin
	runner   Runner
	query    *query.Service
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandlers creates handlers over the engine, runtime and query service.
func NewHandlers(admin Admin, runner Runner, q *query.Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		admin:    admin,
		runner:   runner,
		query:    q,
		validate: validator.New(),
		logger:   logger.With(slog.String("component", "server")),
	}
}

// HandleHealth handles GET /v1/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "healthy",
		Version:     ServiceVersion,
		DataVersion: h.admin.Version(),
	})
}

// =============================================================================
// Contexts
// =============================================================================

// HandleListContexts handles GET /v1/contexts.
func (h *Handlers) HandleListContexts(c *gin.Context) {
	c.JSON(http.StatusOK, ContextsResponse{Contexts: h.admin.ListContexts()})
}

// HandleCreateContext handles POST /v1/contexts.
//
// Response:
//
//	201 Created: ContextResponse
//	400 Bad Request: Invalid ID or source
//	409 Conflict: Context already exists
func (h *Handlers) HandleCreateContext(c *gin.Context) {
	var req CreateContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	meta, err := h.admin.CreateContext(c.Request.Context(), graph.Context{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Tags:        req.Tags,
		Sources:     req.Sources,
	})
	if err != nil {
		h.abort(c, err)
		return
	}
	h.respondContext(c, http.StatusCreated, meta)
}

// HandleGetContext handles GET /v1/contexts/:context.
func (h *Handlers) HandleGetContext(c *gin.Context) {
	meta, err := h.admin.Context(contextParam(c))
	if err != nil {
		h.abort(c, err)
		return
	}
	h.respondContext(c, http.StatusOK, meta)
}

// HandleUpdateContext handles PATCH /v1/contexts/:context.
func (h *Handlers) HandleUpdateContext(c *gin.Context) {
	var req UpdateContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx, id := c.Request.Context(), contextParam(c)

	meta, err := h.admin.Context(id)
	if err != nil {
		h.abort(c, err)
		return
	}
	if req.Name != nil {
		if meta, err = h.admin.RenameContext(ctx, id, *req.Name); err != nil {
			h.abort(c, err)
			return
		}
	}
	if req.Description != nil || req.Tags != nil {
		desc, tags := meta.Description, meta.Tags
		if req.Description != nil {
			desc = *req.Description
		}
		if req.Tags != nil {
			tags = req.Tags
		}
		if meta, err = h.admin.DescribeContext(ctx, id, desc, tags); err != nil {
			h.abort(c, err)
			return
		}
	}
	h.respondContext(c, http.StatusOK, meta)
}

// HandleDeleteContext handles DELETE /v1/contexts/:context.
func (h *Handlers) HandleDeleteContext(c *gin.Context) {
	if err := h.admin.DeleteContext(c.Request.Context(), contextParam(c)); err != nil {
		h.abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleAddSources handles POST /v1/contexts/:context/sources.
func (h *Handlers) HandleAddSources(c *gin.Context) {
	h.changeSources(c, h.admin.AddSources)
}

// HandleRemoveSources handles DELETE /v1/contexts/:context/sources.
func (h *Handlers) HandleRemoveSources(c *gin.Context) {
	h.changeSources(c, h.admin.RemoveSources)
}

func (h *Handlers) changeSources(c *gin.Context, apply func(context.Context, graph.ContextID, ...graph.Source) (graph.Context, error)) {
	var req SourcesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	meta, err := apply(c.Request.Context(), contextParam(c), req.Sources...)
	if err != nil {
		h.abort(c, err)
		return
	}
	h.respondContext(c, http.StatusOK, meta)
}

// HandlePrune handles POST /v1/contexts/:context/prune.
func (h *Handlers) HandlePrune(c *gin.Context) {
	var req PruneRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	var policy weight.CleanupPolicy = weight.Threshold{Min: req.Min}
	if req.Policy == "quantile" {
		policy = weight.Quantile{Q: req.Q, Floor: req.Floor}
	}
	res, err := h.admin.PruneEdges(c.Request.Context(), contextParam(c), policy)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) respondContext(c *gin.Context, status int, meta graph.Context) {
	sum, err := h.admin.Summary(meta.ID)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(status, ContextResponse{Context: meta, Summary: sum})
}

// =============================================================================
// Ingestion
// =============================================================================

// HandleFragment handles POST /v1/contexts/:context/fragments.
//
// Description:
//
//	Runs every adapter consuming fragments and waits for them.
//
// Response:
//
//	200 OK: IngestResponse, all invocations completed
//	422 Unprocessable Entity: IngestResponse, some invocation failed
//	400 Bad Request: Malformed fragment
//	404 Not Found: Unknown context or no fragment adapter
func (h *Handlers) HandleFragment(c *gin.Context) {
	var f adapters.Fragment
	if !h.bindPayload(c, &f) {
		return
	}
	summary := "fragment"
	if f.Source != "" {
		summary = "fragment from " + f.Source
	}
	h.ingest(c, adapter.Input{
		Kind:      adapters.FragmentKind,
		ContextID: contextParam(c),
		Trigger:   adapter.TriggerInput,
		Summary:   summary,
		Payload:   f,
	})
}

// HandleMark handles POST /v1/contexts/:context/marks.
func (h *Handlers) HandleMark(c *gin.Context) {
	var m adapters.Mark
	if !h.bindPayload(c, &m) {
		return
	}
	h.ingest(c, adapter.Input{
		Kind:      adapters.MarkKind,
		ContextID: contextParam(c),
		Trigger:   adapter.TriggerInput,
		Summary:   fmt.Sprintf("mark %s:%d", m.File, m.Line),
		Payload:   m,
	})
}

func (h *Handlers) bindPayload(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		badRequest(c, err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.abort(c, err)
		return false
	}
	return true
}

func (h *Handlers) ingest(c *gin.Context, in adapter.Input) {
	invs, err := h.runner.Ingest(c.Request.Context(), in)
	if err != nil {
		h.abort(c, err)
		return
	}
	resp := IngestResponse{Invocations: invs}
	var failed []string
	for _, inv := range invs {
		if inv.State != adapter.StateCompleted {
			failed = append(failed, fmt.Sprintf("%s: %s %s", inv.AdapterID, inv.State, inv.Error))
		}
	}
	if len(failed) > 0 {
		resp.Error = strings.Join(failed, "; ")
		resp.Code = CodeIngestFailed
		c.JSON(http.StatusUnprocessableEntity, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// =============================================================================
// Queries
// =============================================================================

// HandleNode handles GET /v1/contexts/:context/node?id=.
func (h *Handlers) HandleNode(c *gin.Context) {
	id, opts, ok := h.nodeQuery(c, "id")
	if !ok {
		return
	}
	view, err := h.query.Node(c.Request.Context(), contextParam(c), id, opts...)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// HandleEdge handles GET /v1/contexts/:context/edge.
//
// Query Parameters:
//
//	id: Edge ID, or source, relation and target (required)
//	policy: Normalization policy (optional)
func (h *Handlers) HandleEdge(c *gin.Context) {
	opts, ok := queryOptions(c)
	if !ok {
		return
	}
	id := graph.EdgeID(c.Query("id"))
	if id == "" {
		src, rel, dst := c.Query("source"), c.Query("relation"), c.Query("target")
		if src == "" || rel == "" || dst == "" {
			badRequest(c, "id or source, relation and target are required")
			return
		}
		id = graph.MakeEdgeID(graph.NodeID(src), rel, graph.NodeID(dst))
	}
	view, err := h.query.Edge(c.Request.Context(), contextParam(c), id, opts...)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// HandleFind handles GET /v1/contexts/:context/nodes.
//
// Query Parameters:
//
//	type, dimension, prefix, property, value: Filter fields (optional)
//	limit: Maximum number of nodes (optional)
func (h *Handlers) HandleFind(c *gin.Context) {
	opts, ok := queryOptions(c)
	if !ok {
		return
	}
	f := query.Filter{
		Type:      c.Query("type"),
		Dimension: graph.Dimension(c.Query("dimension")),
		IDPrefix:  c.Query("prefix"),
		Property:  c.Query("property"),
		Value:     c.Query("value"),
	}
	nodes, err := h.query.Find(c.Request.Context(), contextParam(c), f, opts...)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, NodesResponse{Nodes: nonNil(nodes)})
}

// HandleNeighbors handles GET /v1/contexts/:context/neighbors?id=.
func (h *Handlers) HandleNeighbors(c *gin.Context) {
	id, opts, ok := h.nodeQuery(c, "id")
	if !ok {
		return
	}
	out, err := h.query.Neighbors(c.Request.Context(), contextParam(c), id, opts...)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, NeighborsResponse{Neighbors: nonNil(out)})
}

// HandleTraverse handles GET /v1/contexts/:context/traverse?start=.
func (h *Handlers) HandleTraverse(c *gin.Context) {
	start, opts, ok := h.nodeQuery(c, "start")
	if !ok {
		return
	}
	res, err := h.query.Traverse(c.Request.Context(), contextParam(c), start, opts...)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandlePath handles GET /v1/contexts/:context/path?from=&to=.
//
// Response:
//
//	200 OK: PathResult, length -1 when no path exists
func (h *Handlers) HandlePath(c *gin.Context) {
	from, opts, ok := h.nodeQuery(c, "from")
	if !ok {
		return
	}
	to := c.Query("to")
	if to == "" {
		badRequest(c, "to parameter is required")
		return
	}
	res, err := h.query.Path(c.Request.Context(), contextParam(c), from, graph.NodeID(to), opts...)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleEvidence handles GET /v1/contexts/:context/evidence.
//
// Query Parameters:
//
//	concept: Concept node ID, or
//	tag: A tag, resolved to its concept ID
func (h *Handlers) HandleEvidence(c *gin.Context) {
	opts, ok := queryOptions(c)
	if !ok {
		return
	}
	concept := graph.NodeID(c.Query("concept"))
	if concept == "" {
		tag := c.Query("tag")
		if tag == "" {
			badRequest(c, "concept or tag parameter is required")
			return
		}
		concept = adapters.ConceptID(tag)
	}
	trail, err := h.query.EvidenceTrail(c.Request.Context(), contextParam(c), concept, opts...)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, trail)
}

// HandleShared handles GET /v1/shared?context=a&context=b.
func (h *Handlers) HandleShared(c *gin.Context) {
	opts, ok := queryOptions(c)
	if !ok {
		return
	}
	var ids []graph.ContextID
	for _, raw := range c.QueryArray("context") {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, graph.ContextID(id))
			}
		}
	}
	out, err := h.query.SharedConcepts(c.Request.Context(), ids, opts...)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, SharedResponse{Concepts: nonNil(out)})
}

func (h *Handlers) nodeQuery(c *gin.Context, param string) (graph.NodeID, []query.Option, bool) {
	opts, ok := queryOptions(c)
	if !ok {
		return "", nil, false
	}
	id := c.Query(param)
	if id == "" {
		badRequest(c, param+" parameter is required")
		return "", nil, false
	}
	return graph.NodeID(id), opts, true
}

// queryOptions parses the shared query parameters: policy, limit, depth,
// direction, relation (repeatable) and min_weight.
func queryOptions(c *gin.Context) ([]query.Option, bool) {
	var opts []query.Option
	if p := c.Query("policy"); p != "" {
		opts = append(opts, query.WithPolicy(p))
	}
	for _, p := range []struct {
		name string
		opt  func(int) query.Option
	}{
		{"limit", query.WithLimit},
		{"depth", query.WithMaxDepth},
	} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, fmt.Sprintf("%s must be a non-negative integer", p.name))
			return nil, false
		}
		opts = append(opts, p.opt(n))
	}
	if raw := c.Query("direction"); raw != "" {
		d, ok := query.ParseDirection(raw)
		if !ok {
			badRequest(c, fmt.Sprintf("unknown direction %q", raw))
			return nil, false
		}
		opts = append(opts, query.WithDirection(d))
	}
	if rels := c.QueryArray("relation"); len(rels) > 0 {
		opts = append(opts, query.WithRelations(rels...))
	}
	if raw := c.Query("min_weight"); raw != "" {
		w, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			badRequest(c, "min_weight must be a number")
			return nil, false
		}
		opts = append(opts, query.WithMinWeight(w))
	}
	return opts, true
}

// =============================================================================
// Adapters and invocations
// =============================================================================

// HandleListAdapters handles GET /v1/adapters.
func (h *Handlers) HandleListAdapters(c *gin.Context) {
	c.JSON(http.StatusOK, AdaptersResponse{Adapters: h.runner.Adapters()})
}

// HandleInvoke handles POST /v1/adapters/:adapter/invoke.
//
// Description:
//
//	Runs one adapter manually against a context and waits for it. A
//	scheduled adapter still writes through its constrained sink.
func (h *Handlers) HandleInvoke(c *gin.Context) {
	var req InvokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	summary := req.Summary
	if summary == "" {
		summary = "manual run"
	}
	inv, err := h.runner.Invoke(c.Request.Context(), c.Param("adapter"), adapter.Input{
		ContextID: req.Context,
		Trigger:   adapter.TriggerManual,
		Summary:   summary,
	})
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// HandleListInvocations handles GET /v1/invocations.
func (h *Handlers) HandleListInvocations(c *gin.Context) {
	c.JSON(http.StatusOK, InvocationsResponse{Invocations: nonNil(h.runner.Invocations())})
}

// HandleGetInvocation handles GET /v1/invocations/:id.
func (h *Handlers) HandleGetInvocation(c *gin.Context) {
	inv, err := h.runner.Invocation(c.Param("id"))
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// HandleCancelInvocation handles POST /v1/invocations/:id/cancel.
func (h *Handlers) HandleCancelInvocation(c *gin.Context) {
	id := c.Param("id")
	if err := h.runner.Cancel(id); err != nil {
		h.abort(c, err)
		return
	}
	inv, err := h.runner.Invocation(id)
	if err != nil && !errors.Is(err, adapter.ErrInvocationNotFound) {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, inv)
}

func contextParam(c *gin.Context) graph.ContextID {
	return graph.ContextID(c.Param("context"))
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
