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
	"fmt"
	"slices"
	"strings"

	"github.com/AleutianAI/plexus/services/plexus/adapter"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/provenance"
	"github.com/AleutianAI/plexus/services/plexus/sink"
)

// ChainOp names a lifecycle operation on chains and marks.
type ChainOp string

// Chain and mark operations.
const (
	OpArchiveChain ChainOp = "archive_chain"
	OpDeleteChain  ChainOp = "delete_chain"
	OpUpdateMark   ChainOp = "update_mark"
	OpDeleteMark   ChainOp = "delete_mark"
	OpLinkMarks    ChainOp = "link_marks"
	OpUnlinkMarks  ChainOp = "unlink_marks"
)

// ChainChange is one lifecycle operation.
//
// Chain accepts a chain name or a chain node ID. Mark and Target are mark
// node IDs. Nil update fields are left unchanged; a non-nil empty Tags
// clears the tags.
type ChainChange struct {
	Op     ChainOp      `json:"op" validate:"required,oneof=archive_chain delete_chain update_mark delete_mark link_marks unlink_marks"`
	Chain  string       `json:"chain,omitempty"`
	Mark   graph.NodeID `json:"mark,omitempty"`
	Target graph.NodeID `json:"target,omitempty"`

	Annotation *string  `json:"annotation,omitempty"`
	Line       *int     `json:"line,omitempty" validate:"omitempty,gte=0"`
	Column     *int     `json:"column,omitempty" validate:"omitempty,gte=0"`
	Type       *string  `json:"type,omitempty"`
	Tags       []string `json:"tags"`
}

// InputKind implements adapter.Payload.
func (ChainChange) InputKind() string { return ChainKind }

// ResolveChain returns the node ID of a chain given its name or its ID.
func ResolveChain(nameOrID string) graph.NodeID {
	if strings.HasPrefix(nameOrID, "chain:") {
		return graph.NodeID(nameOrID)
	}
	return ChainID(nameOrID)
}

// ChainAdapter applies lifecycle operations to chains and marks.
//
// Description:
//
//	Archiving and updates re-emit the node with its merged properties,
//	since a node upsert replaces all of them. Deleting a chain removes the
//	chain and every mark it contains. Links are links_to edges between
//	marks. Updating tags drops the references edges of the tags that were
//	removed; edges to concepts of added tags are left to the tag bridge.
//
//	The read of the current node and the emission are not atomic.
//	Concurrent updates of one mark are last-writer-wins.
//
// Thread Safety: Safe for concurrent use.
type ChainAdapter struct {
	id     string
	reader GraphReader
}

// NewChainAdapter creates the adapter over the engine's graphs.
func NewChainAdapter(id string, reader GraphReader) *ChainAdapter {
	return &ChainAdapter{id: id, reader: reader}
}

func (a *ChainAdapter) ID() string        { return a.id }
func (a *ChainAdapter) InputKind() string { return ChainKind }

// Dimensions implements adapter.Adapter.
func (a *ChainAdapter) Dimensions() []graph.Dimension {
	return []graph.Dimension{graph.DimensionProvenance}
}

// Process implements adapter.Adapter.
func (a *ChainAdapter) Process(ctx context.Context, in adapter.Input, s sink.Sink) error {
	ch, err := adapter.PayloadAs[ChainChange](in)
	if err != nil {
		return err
	}
	g, err := a.reader.Graph(in.ContextID)
	if err != nil {
		return fmt.Errorf("read graph %s: %w", in.ContextID, err)
	}

	var em sink.Emission
	switch ch.Op {
	case OpArchiveChain:
		chain, err := lookup(g, ResolveChain(ch.Chain), graph.NodeTypeChain)
		if err != nil {
			return err
		}
		props := cloneProps(chain.Properties)
		props["status"] = graph.ChainArchived
		em.AddNode(reemit(chain, props, "archive"))

	case OpDeleteChain:
		chain, err := lookup(g, ResolveChain(ch.Chain), graph.NodeTypeChain)
		if err != nil {
			return err
		}
		em.Remove(chain.ID)
		for _, mark := range g.Targets(chain.ID, graph.RelationContains, graph.NodeTypeMark) {
			em.Remove(mark.ID)
		}

	case OpUpdateMark:
		mark, err := lookup(g, ch.Mark, graph.NodeTypeMark)
		if err != nil {
			return err
		}
		props := cloneProps(mark.Properties)
		if ch.Annotation != nil {
			props["annotation"] = *ch.Annotation
		}
		if ch.Line != nil {
			props["line"] = *ch.Line
		}
		if ch.Column != nil {
			props["column"] = *ch.Column
		}
		if ch.Type != nil {
			props["type"] = *ch.Type
		}
		if ch.Tags != nil {
			tags := normalizeTags(ch.Tags)
			for _, old := range mark.Strings("tags") {
				if !slices.Contains(tags, old) {
					em.RemoveEdge(mark.ID, graph.RelationReferences, ConceptID(old))
				}
			}
			if len(tags) > 0 {
				props["tags"] = tags
			} else {
				delete(props, "tags")
			}
		}
		em.AddNode(reemit(mark, props, "update"))

	case OpDeleteMark:
		mark, err := lookup(g, ch.Mark, graph.NodeTypeMark)
		if err != nil {
			return err
		}
		em.Remove(mark.ID)

	case OpLinkMarks:
		for _, id := range []graph.NodeID{ch.Mark, ch.Target} {
			if _, err := lookup(g, id, graph.NodeTypeMark); err != nil {
				return err
			}
		}
		em.AddEdge(sink.AnnotatedEdge{
			Source:     ch.Mark,
			Target:     ch.Target,
			Relation:   graph.RelationLinksTo,
			Annotation: provenance.NewAnnotation(TagConfidence).WithMethod("link"),
		})

	case OpUnlinkMarks:
		if ch.Mark == "" || ch.Target == "" {
			return fmt.Errorf("%w: unlink needs a mark and a target", adapter.ErrInvalidInput)
		}
		em.RemoveEdge(ch.Mark, graph.RelationLinksTo, ch.Target)

	default:
		return fmt.Errorf("%w: unknown chain op %q", adapter.ErrInvalidInput, ch.Op)
	}

	_, err = s.Emit(ctx, em)
	return err
}

// lookup returns the node id of the given type.
func lookup(g *graph.Graph, id graph.NodeID, nodeType string) (graph.Node, error) {
	if id == "" {
		return graph.Node{}, fmt.Errorf("%w: missing %s id", adapter.ErrInvalidInput, nodeType)
	}
	n, ok := g.Node(id)
	if !ok || n.Type != nodeType {
		return graph.Node{}, fmt.Errorf("%w: %s %s", graph.ErrNodeNotFound, nodeType, id)
	}
	return n, nil
}

func reemit(n graph.Node, props map[string]any, method string) sink.AnnotatedNode {
	return sink.AnnotatedNode{
		ID:         n.ID,
		Type:       n.Type,
		Dimension:  n.Dimension,
		Properties: props,
		Annotation: provenance.NewAnnotation(TagConfidence).WithMethod(method),
	}
}

func cloneProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props)+1)
	for k, v := range props {
		out[k] = v
	}
	return out
}
