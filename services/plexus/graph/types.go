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
	"fmt"
	"sort"
	"time"
)

// NodeID is the stable identifier of a node within a context.
//
// Semantic identifiers such as "concept:auth" are deterministic so the same
// concept resolves to the same ID in every context.
type NodeID string

// EdgeID identifies an edge. It is derived from (source, relation, target).
type EdgeID string

// ContextID identifies a context partition.
type ContextID string

// Dimension is the abstraction layer a node belongs to.
type Dimension string

const (
	// DimensionStructure holds documents, files and fragments.
	DimensionStructure Dimension = "structure"

	// DimensionRelational holds entities connected by explicit relations.
	DimensionRelational Dimension = "relational"

	// DimensionSemantic holds concepts and topics.
	DimensionSemantic Dimension = "semantic"

	// DimensionProvenance holds chains and marks.
	DimensionProvenance Dimension = "provenance"
)

// dimensionNames lists every valid dimension.
var dimensionNames = map[Dimension]bool{
	DimensionStructure:  true,
	DimensionRelational: true,
	DimensionSemantic:   true,
	DimensionProvenance: true,
}

// Valid returns true for one of the four known dimensions.
func (d Dimension) Valid() bool {
	return dimensionNames[d]
}

// String returns the dimension name.
func (d Dimension) String() string {
	return string(d)
}

// ParseDimension converts a string into a Dimension.
func ParseDimension(s string) (Dimension, error) {
	d := Dimension(s)
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidDimension, s)
	}
	return d, nil
}

// Well-known node types used by the built-in adapters and the evidence
// trail query.
const (
	NodeTypeConcept  = "concept"
	NodeTypeFragment = "fragment"
	NodeTypeMark     = "mark"
	NodeTypeChain    = "chain"
	NodeTypeDocument = "document"
)

// Well-known relations.
const (
	RelationTaggedWith   = "tagged_with"
	RelationReferences   = "references"
	RelationContains     = "contains"
	RelationMayBeRelated = "may_be_related"
	RelationLinksTo      = "links_to"
)

// Chain statuses, stored in the "status" property of chain nodes.
const (
	ChainActive   = "active"
	ChainArchived = "archived"
)

// Node is a typed entity in one dimension.
type Node struct {
	ID         NodeID         `json:"id"`
	Type       string         `json:"type"`
	Dimension  Dimension      `json:"dimension"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Clone returns a copy of the node with its own property map.
func (n Node) Clone() Node {
	c := n
	if n.Properties != nil {
		c.Properties = make(map[string]any, len(n.Properties))
		for k, v := range n.Properties {
			c.Properties[k] = v
		}
	}
	return c
}

// Property returns a string property or "" when missing.
func (n Node) Property(key string) string {
	v, ok := n.Properties[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Strings returns a list property as strings. Lists decoded from storage
// hold []any, lists set in memory hold []string.
func (n Node) Strings(key string) []string {
	switch v := n.Properties[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Edge is a directed, typed relation between two nodes.
//
// RawWeight is always Fold(Contributions); it is cached for reads and
// recomputed whenever a contribution is appended.
type Edge struct {
	ID            EdgeID         `json:"id"`
	Source        NodeID         `json:"source"`
	Target        NodeID         `json:"target"`
	Relation      string         `json:"relation"`
	RawWeight     float64        `json:"raw_weight"`
	Contributions []Contribution `json:"contributions"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewEdge creates an edge with a single initial contribution.
func NewEdge(source, target NodeID, relation string, first Contribution) Edge {
	e := Edge{
		ID:        MakeEdgeID(source, relation, target),
		Source:    source,
		Target:    target,
		Relation:  relation,
		CreatedAt: first.At,
		UpdatedAt: first.At,
	}
	e.Reinforce(first)
	return e
}

// MakeEdgeID derives the edge identifier.
func MakeEdgeID(source NodeID, relation string, target NodeID) EdgeID {
	return EdgeID(fmt.Sprintf("%s|%s|%s", source, relation, target))
}

// Reinforce appends a contribution and refolds the raw weight.
func (e *Edge) Reinforce(c Contribution) {
	e.Contributions = append(e.Contributions, c)
	e.RawWeight = Fold(e.Contributions)
	if c.At.After(e.UpdatedAt) {
		e.UpdatedAt = c.At
	}
}

// Consistent reports whether the cached raw weight equals the fold of the
// contribution list.
func (e Edge) Consistent() bool {
	return e.RawWeight == Fold(e.Contributions)
}

// Touches returns true if the edge is incident to id.
func (e Edge) Touches(id NodeID) bool {
	return e.Source == id || e.Target == id
}

// Clone returns a copy with its own contribution slice.
func (e Edge) Clone() Edge {
	c := e
	c.Contributions = append([]Contribution(nil), e.Contributions...)
	return c
}

// Mutation is the fully resolved change produced by one emission.
//
// Nodes and Edges hold final states (already merged with stored state).
// RemovedEdges includes edges cascaded from RemovedNodes.
type Mutation struct {
	Nodes        []Node
	Edges        []Edge
	RemovedNodes []NodeID
	RemovedEdges []EdgeID
}

// Empty returns true if the mutation changes nothing.
func (m Mutation) Empty() bool {
	return len(m.Nodes) == 0 && len(m.Edges) == 0 && len(m.RemovedNodes) == 0 && len(m.RemovedEdges) == 0
}

// Size returns the number of entities touched.
func (m Mutation) Size() int {
	return len(m.Nodes) + len(m.Edges) + len(m.RemovedNodes) + len(m.RemovedEdges)
}

// SortNodes orders nodes by ID.
func SortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

// SortEdges orders edges by ID.
func SortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
}
