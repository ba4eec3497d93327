// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sink defines the single write gate of the graph.
//
// Adapters never hold a store handle. They build Emissions and hand them to
// a Sink, which validates the whole emission, commits it atomically, records
// provenance and publishes events. The committing implementation lives in
// the engine package; this package holds the contract, the typed errors and
// the Constrained decorator issued to scheduled adapters.
package sink

import (
	"context"

	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/provenance"
)

// AnnotatedNode is a node proposal with an optional epistemic annotation.
type AnnotatedNode struct {
	ID         graph.NodeID           `json:"id" validate:"required"`
	Type       string                 `json:"type" validate:"required"`
	Dimension  graph.Dimension        `json:"dimension" validate:"required,dimension"`
	Properties map[string]any         `json:"properties,omitempty"`
	Annotation *provenance.Annotation `json:"annotation,omitempty"`
}

// AnnotatedEdge is an edge proposal with an optional epistemic annotation.
//
// Weight is the contribution amount. Zero means graph.DefaultContribution;
// amounts above graph.MaxContribution are malformed.
type AnnotatedEdge struct {
	Source     graph.NodeID           `json:"source" validate:"required"`
	Target     graph.NodeID           `json:"target" validate:"required"`
	Relation   string                 `json:"relation" validate:"required"`
	Weight     float64                `json:"weight,omitempty" validate:"gte=0,lte=1000000"`
	Annotation *provenance.Annotation `json:"annotation,omitempty"`
}

// ID returns the identifier of the edge this proposal creates or reinforces.
func (e AnnotatedEdge) ID() graph.EdgeID {
	return graph.MakeEdgeID(e.Source, e.Relation, e.Target)
}

// Contribution returns the amount the proposal adds to the raw weight.
func (e AnnotatedEdge) Contribution() float64 {
	if e.Weight == 0 {
		return graph.DefaultContribution
	}
	return e.Weight
}

// EdgeRemoval names one edge to delete.
type EdgeRemoval struct {
	Source   graph.NodeID `json:"source" validate:"required"`
	Target   graph.NodeID `json:"target" validate:"required"`
	Relation string       `json:"relation" validate:"required"`
}

// ID returns the identifier of the edge to delete.
func (r EdgeRemoval) ID() graph.EdgeID {
	return graph.MakeEdgeID(r.Source, r.Relation, r.Target)
}

// Emission is one atomic batch of proposals.
//
// Removals delete nodes and cascade their edges. EdgeRemovals delete single
// edges and leave the endpoints in place. A removal wins over a proposal of
// the same entity in the same emission.
type Emission struct {
	Nodes        []AnnotatedNode `json:"nodes,omitempty" validate:"dive"`
	Edges        []AnnotatedEdge `json:"edges,omitempty" validate:"dive"`
	Removals     []graph.NodeID  `json:"removals,omitempty" validate:"dive,required"`
	EdgeRemovals []EdgeRemoval   `json:"edge_removals,omitempty" validate:"dive"`
}

// Empty returns true if the emission proposes nothing.
func (e Emission) Empty() bool {
	return len(e.Nodes) == 0 && len(e.Edges) == 0 && len(e.Removals) == 0 && len(e.EdgeRemovals) == 0
}

// AddNode appends a node proposal and returns the emission for chaining.
func (e *Emission) AddNode(n AnnotatedNode) *Emission {
	e.Nodes = append(e.Nodes, n)
	return e
}

// AddEdge appends an edge proposal and returns the emission for chaining.
func (e *Emission) AddEdge(edge AnnotatedEdge) *Emission {
	e.Edges = append(e.Edges, edge)
	return e
}

// Remove appends node removals and returns the emission for chaining.
func (e *Emission) Remove(ids ...graph.NodeID) *Emission {
	e.Removals = append(e.Removals, ids...)
	return e
}

// RemoveEdge appends an edge removal and returns the emission for chaining.
func (e *Emission) RemoveEdge(source graph.NodeID, relation string, target graph.NodeID) *Emission {
	e.EdgeRemovals = append(e.EdgeRemovals, EdgeRemoval{Source: source, Target: target, Relation: relation})
	return e
}

// Result describes a committed emission.
type Result struct {
	// Committed is false for an empty emission.
	Committed bool `json:"committed"`

	// Version is the data version after the commit.
	Version uint64 `json:"version"`

	NodesAdded      []graph.NodeID `json:"nodes_added,omitempty"`
	EdgesAdded      []graph.EdgeID `json:"edges_added,omitempty"`
	EdgesReinforced []graph.EdgeID `json:"edges_reinforced,omitempty"`
	NodesRemoved    []graph.NodeID `json:"nodes_removed,omitempty"`

	// EdgesRemoved are the edges cascaded from removed nodes.
	EdgesRemoved []graph.EdgeID `json:"edges_removed,omitempty"`

	// EdgesDeleted are the edges removed by EdgeRemovals.
	EdgesDeleted []graph.EdgeID `json:"edges_deleted,omitempty"`

	// ProvenanceIDs are the entries recorded for this emission.
	ProvenanceIDs []string `json:"provenance_ids,omitempty"`
}

// Sink accepts emissions.
//
// Emit validates the emission as a unit and either commits all of it or
// none of it. Errors are *RejectionError (the data was wrong, do not retry)
// or *InternalError (the system failed, the whole emission may be retried).
//
// Thread Safety: Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, e Emission) (*Result, error)
}

// Func adapts a function to the Sink interface.
type Func func(ctx context.Context, e Emission) (*Result, error)

// Emit calls f.
func (f Func) Emit(ctx context.Context, e Emission) (*Result, error) {
	return f(ctx, e)
}
