// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query implements the read side of the graph.
//
// Every read applies a normalization policy to the edges it returns.
// Raw weights are always reported next to the normalized view.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/provenance"
	"github.com/AleutianAI/plexus/services/plexus/telemetry"
	"github.com/AleutianAI/plexus/services/plexus/weight"
)

const tracerName = "plexus.query"

var (
	// ErrNodeNotFound is returned when a node does not exist in a context.
	ErrNodeNotFound = errors.New("node not found")

	// ErrEdgeNotFound is returned when an edge does not exist in a context.
	ErrEdgeNotFound = errors.New("edge not found")

	// ErrInvalidQuery is returned for unknown policies, directions or
	// malformed arguments.
	ErrInvalidQuery = errors.New("invalid query")
)

// Reader is the read surface of the engine.
type Reader interface {
	Graph(id graph.ContextID) (*graph.Graph, error)
	Provenance() *provenance.Ledger
	ListContexts() []graph.Context
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Service answers read queries.
//
// Thread Safety: Safe for concurrent use. Reads see each committed
// emission whole or not at all per node and edge.
type Service struct {
	r       Reader
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewService creates a query service over r.
func NewService(r Reader, opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		r:       r,
		metrics: opts.Metrics,
		logger:  logger.With(slog.String("component", "query")),
	}
}

// -----------------------------------------------------------------------------
// Result types
// -----------------------------------------------------------------------------

// WeightedEdge is an edge with its normalized weight under a policy.
type WeightedEdge struct {
	graph.Edge
	Weight float64 `json:"weight"`
	Policy string  `json:"policy"`
}

// NodeView is a node with its normalized adjacency and provenance.
type NodeView struct {
	Node       graph.Node         `json:"node"`
	Outgoing   []WeightedEdge     `json:"outgoing"`
	Incoming   []WeightedEdge     `json:"incoming"`
	Provenance []provenance.Entry `json:"provenance"`
}

// EdgeView is an edge with its normalized weight and provenance.
type EdgeView struct {
	WeightedEdge
	Provenance []provenance.Entry `json:"provenance"`
}

// Filter selects nodes in Find. Empty fields match everything.
type Filter struct {
	Type      string          `json:"type,omitempty"`
	Dimension graph.Dimension `json:"dimension,omitempty"`
	IDPrefix  string          `json:"id_prefix,omitempty"`

	// Property matches a string property exactly.
	Property string `json:"property,omitempty"`
	Value    string `json:"value,omitempty"`
}

func (f Filter) match(n graph.Node) bool {
	if f.Type != "" && n.Type != f.Type {
		return false
	}
	if f.Dimension != "" && n.Dimension != f.Dimension {
		return false
	}
	if f.IDPrefix != "" && !strings.HasPrefix(string(n.ID), f.IDPrefix) {
		return false
	}
	if f.Property != "" && n.Property(f.Property) != f.Value {
		return false
	}
	return true
}

// Neighbor is a node adjacent to the queried node.
type Neighbor struct {
	Node      graph.Node   `json:"node"`
	Edge      WeightedEdge `json:"edge"`
	Direction Direction    `json:"direction"`
}

// TraversalResult is the outcome of a breadth-first traversal.
type TraversalResult struct {
	Start   graph.NodeID   `json:"start"`
	Visited []graph.NodeID `json:"visited"`
	Edges   []WeightedEdge `json:"edges"`

	// Depth is the maximum depth reached.
	Depth int `json:"depth"`

	// Truncated is true when the limit or a cancellation stopped the walk.
	Truncated bool `json:"truncated"`
}

// PathResult is a shortest path between two nodes.
type PathResult struct {
	From  graph.NodeID   `json:"from"`
	To    graph.NodeID   `json:"to"`
	Nodes []graph.NodeID `json:"nodes"`
	Edges []WeightedEdge `json:"edges"`

	// Length is the number of edges, or -1 when no path exists.
	Length int `json:"length"`
}

// Found returns true if a path exists.
func (p *PathResult) Found() bool { return p.Length >= 0 }

// -----------------------------------------------------------------------------
// Operations
// -----------------------------------------------------------------------------

// Node returns a node with its normalized adjacency and provenance.
//
// Outputs:
//
//	*NodeView - The node, edges sorted by descending normalized weight.
//	error - graph.ErrContextNotFound, ErrNodeNotFound or ErrInvalidQuery.
func (s *Service) Node(ctx context.Context, cid graph.ContextID, id graph.NodeID, opts ...Option) (view *NodeView, err error) {
	_, done := s.begin(ctx, "Node", cid)
	defer func() { done(err) }()

	o, pol, g, err := s.prepare(cid, opts)
	if err != nil {
		return nil, err
	}
	n, ok := g.Node(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return &NodeView{
		Node:       n,
		Outgoing:   weigh(g, pol, o, g.Outgoing(id)),
		Incoming:   weigh(g, pol, o, g.Incoming(id)),
		Provenance: s.r.Provenance().For(cid, provenance.NodeTarget(id)),
	}, nil
}

// Edge returns an edge with its normalized weight and provenance.
func (s *Service) Edge(ctx context.Context, cid graph.ContextID, id graph.EdgeID, opts ...Option) (view *EdgeView, err error) {
	_, done := s.begin(ctx, "Edge", cid)
	defer func() { done(err) }()

	_, pol, g, err := s.prepare(cid, opts)
	if err != nil {
		return nil, err
	}
	e, ok := g.Edge(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEdgeNotFound, id)
	}
	return &EdgeView{
		WeightedEdge: WeightedEdge{Edge: e, Weight: pol.Normalize(g, e), Policy: pol.Name()},
		Provenance:   s.r.Provenance().For(cid, provenance.EdgeTarget(id)),
	}, nil
}

// Find returns the nodes matching f, sorted by ID, up to the limit.
func (s *Service) Find(ctx context.Context, cid graph.ContextID, f Filter, opts ...Option) (nodes []graph.Node, err error) {
	_, done := s.begin(ctx, "Find", cid)
	defer func() { done(err) }()

	o, _, g, err := s.prepare(cid, opts)
	if err != nil {
		return nil, err
	}
	nodes = g.NodesWhere(f.match)
	if len(nodes) > o.Limit {
		nodes = nodes[:o.Limit]
	}
	return nodes, nil
}

// Neighbors lists the nodes one edge away from id in the configured
// direction, strongest normalized edge first.
func (s *Service) Neighbors(ctx context.Context, cid graph.ContextID, id graph.NodeID, opts ...Option) (out []Neighbor, err error) {
	_, done := s.begin(ctx, "Neighbors", cid)
	defer func() { done(err) }()

	o, pol, g, err := s.prepare(cid, opts)
	if err != nil {
		return nil, err
	}
	if !g.HasNode(id) {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	collect := func(edges []graph.Edge, dir Direction) {
		for _, we := range weigh(g, pol, o, edges) {
			other := we.Target
			if dir == Incoming {
				other = we.Source
			}
			n, ok := g.Node(other)
			if !ok {
				continue
			}
			out = append(out, Neighbor{Node: n, Edge: we, Direction: dir})
		}
	}
	if o.Direction != Incoming {
		collect(g.Outgoing(id), Outgoing)
	}
	if o.Direction != Outgoing {
		collect(g.Incoming(id), Incoming)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Edge.Weight != out[j].Edge.Weight {
			return out[i].Edge.Weight > out[j].Edge.Weight
		}
		return out[i].Node.ID < out[j].Node.ID
	})
	if len(out) > o.Limit {
		out = out[:o.Limit]
	}
	return out, nil
}

// Traverse walks breadth-first from start.
//
// Description:
//
//	Follows edges in the configured direction, restricted to the
//	configured relations and minimum normalized weight, up to MaxDepth.
//	Each node is visited once. Cancellation truncates the result instead
//	of failing it.
//
// Outputs:
//
//	*TraversalResult - Visited nodes in BFS order and the edges crossed.
//	error - graph.ErrContextNotFound, ErrNodeNotFound or ErrInvalidQuery.
func (s *Service) Traverse(ctx context.Context, cid graph.ContextID, start graph.NodeID, opts ...Option) (res *TraversalResult, err error) {
	ctx, done := s.begin(ctx, "Traverse", cid)
	defer func() { done(err) }()

	o, pol, g, err := s.prepare(cid, opts)
	if err != nil {
		return nil, err
	}
	if !g.HasNode(start) {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, start)
	}

	res = &TraversalResult{Start: start, Visited: []graph.NodeID{}, Edges: []WeightedEdge{}}
	type item struct {
		id    graph.NodeID
		depth int
	}
	visited := map[graph.NodeID]bool{start: true}
	queue := []item{{start, 0}}
	checks := 0

	for len(queue) > 0 {
		checks++
		if checks%contextCheckInterval == 0 && ctx.Err() != nil {
			res.Truncated = true
			return res, nil
		}

		if len(res.Visited) >= o.Limit {
			res.Truncated = true
			break
		}
		cur := queue[0]
		queue = queue[1:]
		res.Visited = append(res.Visited, cur.id)
		if cur.depth > res.Depth {
			res.Depth = cur.depth
		}
		if cur.depth >= o.MaxDepth {
			continue
		}

		for _, step := range steps(g, pol, o, cur.id) {
			if visited[step.next] {
				continue
			}
			visited[step.next] = true
			res.Edges = append(res.Edges, step.edge)
			queue = append(queue, item{step.next, cur.depth + 1})
		}
	}
	return res, nil
}

// Path returns a shortest path by edge count from one node to another.
//
// Description:
//
//	Breadth-first over the configured direction and relations. Ties are
//	broken by the stronger normalized edge, then by node ID, so the result
//	is deterministic. A path from a node to itself has length 0.
func (s *Service) Path(ctx context.Context, cid graph.ContextID, from, to graph.NodeID, opts ...Option) (res *PathResult, err error) {
	ctx, done := s.begin(ctx, "Path", cid)
	defer func() { done(err) }()

	o, pol, g, err := s.prepare(cid, opts)
	if err != nil {
		return nil, err
	}
	for _, id := range []graph.NodeID{from, to} {
		if !g.HasNode(id) {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
	}

	res = &PathResult{From: from, To: to, Nodes: []graph.NodeID{}, Edges: []WeightedEdge{}, Length: -1}
	if from == to {
		res.Nodes = []graph.NodeID{from}
		res.Length = 0
		return res, nil
	}

	type hop struct {
		prev graph.NodeID
		edge WeightedEdge
	}
	parent := map[graph.NodeID]hop{}
	visited := map[graph.NodeID]bool{from: true}
	queue := []graph.NodeID{from}

	for len(queue) > 0 {
		if ctx.Err() != nil {
			return res, nil
		}
		cur := queue[0]
		queue = queue[1:]

		for _, step := range steps(g, pol, o, cur) {
			if visited[step.next] {
				continue
			}
			visited[step.next] = true
			parent[step.next] = hop{prev: cur, edge: step.edge}
			if step.next != to {
				queue = append(queue, step.next)
				continue
			}

			nodes := []graph.NodeID{to}
			var edges []WeightedEdge
			for n := to; n != from; {
				h := parent[n]
				edges = append(edges, h.edge)
				nodes = append(nodes, h.prev)
				n = h.prev
			}
			reverse(nodes)
			reverse(edges)
			res.Nodes, res.Edges, res.Length = nodes, edges, len(edges)
			return res, nil
		}
	}
	return res, nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// begin opens a span and returns a completion func recording metrics.
func (s *Service) begin(ctx context.Context, op string, cid graph.ContextID) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Query."+op,
		trace.WithAttributes(attribute.String("plexus.context", string(cid))))
	return ctx, func(err error) {
		defer span.End()
		s.metrics.RecordQuery(ctx, op, time.Since(start), err)
		if err != nil {
			telemetry.RecordError(span, err)
			s.logger.Debug("query failed",
				slog.String("op", op),
				slog.String("context_id", string(cid)),
				slog.String("error", err.Error()))
			return
		}
		telemetry.SetSpanOK(span)
	}
}

func (s *Service) prepare(cid graph.ContextID, opts []Option) (Options, weight.Policy, *graph.Graph, error) {
	o := applyOptions(opts)
	if _, ok := ParseDirection(string(o.Direction)); !ok {
		return o, nil, nil, fmt.Errorf("%w: direction %q", ErrInvalidQuery, o.Direction)
	}
	pol, err := weight.PolicyByName(o.Policy)
	if err != nil {
		return o, nil, nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	g, err := s.r.Graph(cid)
	if err != nil {
		return o, nil, nil, err
	}
	return o, pol, g, nil
}

// weigh normalizes edges, drops those below MinWeight, and sorts by
// descending weight then ID.
func weigh(g *graph.Graph, pol weight.Policy, o Options, edges []graph.Edge) []WeightedEdge {
	out := make([]WeightedEdge, 0, len(edges))
	for _, e := range edges {
		w := pol.Normalize(g, e)
		if w < o.MinWeight {
			continue
		}
		out = append(out, WeightedEdge{Edge: e, Weight: w, Policy: pol.Name()})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type step struct {
	next graph.NodeID
	edge WeightedEdge
}

// steps lists the traversable edges leaving id, strongest first.
func steps(g *graph.Graph, pol weight.Policy, o Options, id graph.NodeID) []step {
	var out []step
	add := func(edges []graph.Edge, incoming bool) {
		var keep []graph.Edge
		for _, e := range edges {
			if o.follows(e) {
				keep = append(keep, e)
			}
		}
		for _, we := range weigh(g, pol, o, keep) {
			next := we.Target
			if incoming {
				next = we.Source
			}
			out = append(out, step{next: next, edge: we})
		}
	}
	if o.Direction != Incoming {
		add(g.Outgoing(id), false)
	}
	if o.Direction != Outgoing {
		add(g.Incoming(id), true)
	}
	return out
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
