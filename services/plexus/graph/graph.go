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
	"sync"
)

// Graph is the in-memory node and edge set of one context.
//
// # Description
//
// Graph keeps adjacency indexes in both directions so that outgoing and
// incoming edge lookups are O(degree). All accessors return copies; callers
// never hold pointers into the graph.
//
// # Thread Safety
//
// Safe for concurrent use. Apply installs a whole mutation under a single
// write lock, so readers observe each emission entirely or not at all.
type Graph struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Node
	edges map[EdgeID]*Edge
	out   map[NodeID]map[EdgeID]struct{}
	in    map[NodeID]map[EdgeID]struct{}
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[NodeID]*Node),
		edges: make(map[EdgeID]*Edge),
		out:   make(map[NodeID]map[EdgeID]struct{}),
		in:    make(map[NodeID]map[EdgeID]struct{}),
	}
}

// Node returns a copy of the node with the given ID.
func (g *Graph) Node(id NodeID) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.Clone(), true
}

// HasNode returns true if the node exists.
func (g *Graph) HasNode(id NodeID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// Edge returns a copy of the edge with the given ID.
func (g *Graph) Edge(id EdgeID) (Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.edges[id]
	if !ok {
		return Edge{}, false
	}
	return e.Clone(), true
}

// Nodes returns all nodes sorted by ID.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n.Clone())
	}
	SortNodes(out)
	return out
}

// NodesWhere returns the nodes accepted by match, sorted by ID.
func (g *Graph) NodesWhere(match func(Node) bool) []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Node
	for _, n := range g.nodes {
		if match(*n) {
			out = append(out, n.Clone())
		}
	}
	SortNodes(out)
	return out
}

// Edges returns all edges sorted by ID.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e.Clone())
	}
	SortEdges(out)
	return out
}

// Outgoing returns the edges leaving id, sorted by ID.
func (g *Graph) Outgoing(id NodeID) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.collect(g.out[id])
}

// Incoming returns the edges entering id, sorted by ID.
func (g *Graph) Incoming(id NodeID) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.collect(g.in[id])
}

// IncidentEdgeIDs returns the IDs of every edge touching id, once each.
func (g *Graph) IncidentEdgeIDs(id NodeID) []EdgeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.incidentLocked(id)
}

// Targets returns the nodes of nodeType that id reaches over relation,
// sorted by ID.
func (g *Graph) Targets(id NodeID, relation, nodeType string) []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Node
	for eid := range g.out[id] {
		e, ok := g.edges[eid]
		if !ok || e.Relation != relation {
			continue
		}
		if n, ok := g.nodes[e.Target]; ok && n.Type == nodeType {
			out = append(out, n.Clone())
		}
	}
	SortNodes(out)
	return out
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// Apply installs a resolved mutation.
//
// Description:
//
//	Nodes and edges are stored as given (they are final states). Removed
//	nodes drop their incident edges even if they were not listed in
//	RemovedEdges. Edges whose endpoints are missing after the node phase
//	are skipped; the engine validates endpoints before building the
//	mutation, so this only guards against inconsistent callers.
//
// Inputs:
//
//	m - The mutation to apply.
//
// Thread Safety: Safe for concurrent use.
func (g *Graph) Apply(m Mutation) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, n := range m.Nodes {
		c := n.Clone()
		g.nodes[n.ID] = &c
	}
	for _, e := range m.Edges {
		if g.nodes[e.Source] == nil || g.nodes[e.Target] == nil {
			continue
		}
		c := e.Clone()
		g.edges[e.ID] = &c
		index(g.out, e.Source, e.ID)
		index(g.in, e.Target, e.ID)
	}
	for _, id := range m.RemovedEdges {
		g.removeEdgeLocked(id)
	}
	for _, id := range m.RemovedNodes {
		for _, eid := range g.incidentLocked(id) {
			g.removeEdgeLocked(eid)
		}
		delete(g.nodes, id)
		delete(g.out, id)
		delete(g.in, id)
	}
}

// Load replaces the graph content with the given nodes and edges.
func (g *Graph) Load(nodes []Node, edges []Edge) {
	g.mu.Lock()
	g.nodes = make(map[NodeID]*Node, len(nodes))
	g.edges = make(map[EdgeID]*Edge, len(edges))
	g.out = make(map[NodeID]map[EdgeID]struct{})
	g.in = make(map[NodeID]map[EdgeID]struct{})
	g.mu.Unlock()

	g.Apply(Mutation{Nodes: nodes, Edges: edges})
}

func (g *Graph) collect(ids map[EdgeID]struct{}) []Edge {
	out := make([]Edge, 0, len(ids))
	for id := range ids {
		if e, ok := g.edges[id]; ok {
			out = append(out, e.Clone())
		}
	}
	SortEdges(out)
	return out
}

func (g *Graph) incidentLocked(id NodeID) []EdgeID {
	seen := make(map[EdgeID]struct{})
	var ids []EdgeID
	for eid := range g.out[id] {
		seen[eid] = struct{}{}
		ids = append(ids, eid)
	}
	for eid := range g.in[id] {
		if _, dup := seen[eid]; !dup {
			ids = append(ids, eid)
		}
	}
	return ids
}

func (g *Graph) removeEdgeLocked(id EdgeID) {
	e, ok := g.edges[id]
	if !ok {
		return
	}
	delete(g.edges, id)
	unindex(g.out, e.Source, id)
	unindex(g.in, e.Target, id)
}

func index(m map[NodeID]map[EdgeID]struct{}, n NodeID, e EdgeID) {
	set, ok := m[n]
	if !ok {
		set = make(map[EdgeID]struct{})
		m[n] = set
	}
	set[e] = struct{}{}
}

func unindex(m map[NodeID]map[EdgeID]struct{}, n NodeID, e EdgeID) {
	if set, ok := m[n]; ok {
		delete(set, e)
		if len(set) == 0 {
			delete(m, n)
		}
	}
}
