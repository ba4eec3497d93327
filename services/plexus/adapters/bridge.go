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

	"github.com/AleutianAI/plexus/services/plexus/adapter"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/provenance"
	"github.com/AleutianAI/plexus/services/plexus/sink"
)

// DefaultTagBridgeMutations is the default AfterMutations threshold.
const DefaultTagBridgeMutations = 1

// TagBridgeAdapter links tagged marks to the concepts their tags name.
//
// Description:
//
//	Fragment marks carry their tags only as a property, and tag updates
//	leave new tags unlinked. For every tag in a mark's "tags" property
//	whose concept node exists and that the mark does not reference yet,
//	the adapter proposes a references edge from the mark to the concept.
//	Tags without a concept stay unbridged until one appears.
//
//	The adapter writes through a sink constrained to references edges at
//	tag confidence, whatever schedule it is given.
//
// Thread Safety: Safe for concurrent use.
type TagBridgeAdapter struct {
	id       string
	reader   GraphReader
	schedule adapter.Schedule
}

// NewTagBridgeAdapter creates the adapter. A schedule without a condition
// runs after every DefaultTagBridgeMutations committed mutations.
func NewTagBridgeAdapter(id string, reader GraphReader, schedule adapter.Schedule) *TagBridgeAdapter {
	if schedule.Condition == nil {
		schedule.Condition = adapter.AfterMutations{N: DefaultTagBridgeMutations}
	}
	schedule.Constraints = sink.Constraints{
		WeightCap:       TagConfidence,
		AllowedRelation: graph.RelationReferences,
	}
	return &TagBridgeAdapter{id: id, reader: reader, schedule: schedule}
}

func (a *TagBridgeAdapter) ID() string                 { return a.id }
func (a *TagBridgeAdapter) InputKind() string          { return GraphStateKind }
func (a *TagBridgeAdapter) Schedule() adapter.Schedule { return a.schedule }

// Dimensions implements adapter.Adapter.
func (a *TagBridgeAdapter) Dimensions() []graph.Dimension {
	return []graph.Dimension{graph.DimensionProvenance, graph.DimensionSemantic}
}

// Process implements adapter.Adapter.
func (a *TagBridgeAdapter) Process(ctx context.Context, in adapter.Input, s sink.Sink) error {
	g, err := a.reader.Graph(in.ContextID)
	if err != nil {
		return fmt.Errorf("read graph %s: %w", in.ContextID, err)
	}

	var em sink.Emission
	for _, b := range MissingBridges(g) {
		em.AddEdge(sink.AnnotatedEdge{
			Source:   b.Mark,
			Target:   b.Concept,
			Relation: graph.RelationReferences,
			Annotation: provenance.NewAnnotation(TagConfidence).
				WithMethod("tag_bridge").
				WithDetail("tag", b.Tag),
		})
	}
	if em.Empty() {
		return nil
	}
	_, err = s.Emit(ctx, em)
	return err
}

// Bridge is a mark tag whose concept the mark does not reference.
type Bridge struct {
	Mark    graph.NodeID
	Concept graph.NodeID
	Tag     string
}

// MissingBridges lists the bridges of g in mark ID order.
func MissingBridges(g *graph.Graph) []Bridge {
	marks := g.NodesWhere(func(n graph.Node) bool { return n.Type == graph.NodeTypeMark })
	graph.SortNodes(marks)

	var out []Bridge
	for _, m := range marks {
		for _, tag := range normalizeTags(m.Strings("tags")) {
			concept := ConceptID(tag)
			if !g.HasNode(concept) {
				continue
			}
			if _, ok := g.Edge(graph.MakeEdgeID(m.ID, graph.RelationReferences, concept)); ok {
				continue
			}
			out = append(out, Bridge{Mark: m.ID, Concept: concept, Tag: tag})
		}
	}
	return out
}
