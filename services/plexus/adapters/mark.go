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
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/plexus/services/plexus/adapter"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/provenance"
	"github.com/AleutianAI/plexus/services/plexus/sink"
)

// Mark is a bookmark on a source location, placed in a named chain.
type Mark struct {
	Chain      string `json:"chain" validate:"required"`
	File       string `json:"file" validate:"required"`
	Line       int    `json:"line" validate:"gte=0"`
	Column     int    `json:"column,omitempty" validate:"gte=0"`
	Annotation string `json:"annotation,omitempty"`
	Type       string `json:"type,omitempty"`

	// Tags become concepts the mark references.
	Tags []string `json:"tags,omitempty"`

	// References are existing node IDs the mark points at.
	References []graph.NodeID `json:"references,omitempty"`

	// Confidence annotates the references edges. Zero means unset.
	Confidence float64 `json:"confidence,omitempty" validate:"gte=0,lte=1"`
}

// InputKind implements adapter.Payload.
func (Mark) InputKind() string { return MarkKind }

// MarkAdapter records a mark in its chain.
//
// Emission:
//
//	chain:<name>  --contains---->  mark:<uuid>
//	mark:<uuid>   --references-->  concept:<tag> | referenced node
//
// A referenced node that does not exist rejects the whole emission. The
// chain is re-emitted as active, so marking an archived chain reactivates
// it.
type MarkAdapter struct {
	id string
}

// NewMarkAdapter creates a mark adapter.
func NewMarkAdapter(id string) *MarkAdapter {
	return &MarkAdapter{id: id}
}

func (a *MarkAdapter) ID() string        { return a.id }
func (a *MarkAdapter) InputKind() string { return MarkKind }

// Dimensions implements adapter.Adapter.
func (a *MarkAdapter) Dimensions() []graph.Dimension {
	return []graph.Dimension{graph.DimensionProvenance, graph.DimensionSemantic}
}

// Process implements adapter.Adapter.
func (a *MarkAdapter) Process(ctx context.Context, in adapter.Input, s sink.Sink) error {
	m, err := adapter.PayloadAs[Mark](in)
	if err != nil {
		return err
	}
	if strings.TrimSpace(m.Chain) == "" || strings.TrimSpace(m.File) == "" {
		return fmt.Errorf("%w: mark needs a chain and a file", adapter.ErrInvalidInput)
	}

	chainID := ChainID(m.Chain)
	markID := MarkID(m)
	location := fmt.Sprintf("%s:%d", m.File, m.Line)

	props := map[string]any{
		"chain_id": string(chainID),
		"file":     m.File,
		"line":     m.Line,
	}
	if m.Column > 0 {
		props["column"] = m.Column
	}
	if m.Annotation != "" {
		props["annotation"] = m.Annotation
	}
	if m.Type != "" {
		props["type"] = m.Type
	}
	tags := normalizeTags(m.Tags)
	if len(tags) > 0 {
		props["tags"] = tags
	}

	var em sink.Emission
	em.AddNode(chainNode(chainID, m.Chain))
	em.AddNode(sink.AnnotatedNode{
		ID:         markID,
		Type:       graph.NodeTypeMark,
		Dimension:  graph.DimensionProvenance,
		Properties: props,
		Annotation: provenance.NewAnnotation(TagConfidence).WithSourceLocation(location),
	})
	em.AddEdge(sink.AnnotatedEdge{Source: chainID, Target: markID, Relation: graph.RelationContains})

	annotate := func() *provenance.Annotation {
		var ann *provenance.Annotation
		if m.Confidence > 0 {
			ann = provenance.NewAnnotation(m.Confidence)
		} else {
			ann = &provenance.Annotation{}
		}
		return ann.WithMethod("mark").WithSourceLocation(location)
	}
	for _, tag := range tags {
		em.AddNode(conceptNode(tag))
		em.AddEdge(sink.AnnotatedEdge{Source: markID, Target: ConceptID(tag), Relation: graph.RelationReferences, Annotation: annotate()})
	}
	for _, ref := range m.References {
		em.AddEdge(sink.AnnotatedEdge{Source: markID, Target: ref, Relation: graph.RelationReferences, Annotation: annotate()})
	}

	_, err = s.Emit(ctx, em)
	return err
}

// MarkID derives a stable ID from the mark's chain and location.
func MarkID(m Mark) graph.NodeID {
	key := fmt.Sprintf("%s|%s|%d|%d", ChainID(m.Chain), m.File, m.Line, m.Column)
	return graph.NodeID("mark:" + uuid.NewSHA1(fragmentNamespace, []byte(key)).String())
}
