// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package adapters holds the built-in adapters.
//
// Their heuristics are deliberately simple: tags are taken as given, files
// contribute hashtags, and co-occurrence counts shared fragments. They
// exist to drive the pipeline end to end.
package adapters

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/plexus/services/plexus/adapter"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/provenance"
	"github.com/AleutianAI/plexus/services/plexus/sink"
)

// Input kinds of the built-in adapters.
const (
	FragmentKind   = "fragment"
	MarkKind       = "mark"
	FileKind       = "file"
	GraphStateKind = "graph_state"
	ChainKind      = "chain_op"
)

// fragmentNamespace seeds deterministic fragment and mark IDs.
var fragmentNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// TagConfidence is the annotation confidence of explicit tags.
const TagConfidence = 1.0

// Fragment is a captured piece of text with tags.
type Fragment struct {
	Text   string   `json:"text" validate:"required"`
	Tags   []string `json:"tags"`
	Source string   `json:"source,omitempty"`
	Date   string   `json:"date,omitempty"`

	// Chain names the provenance chain the fragment's mark joins. Empty
	// means one chain per (adapter, source).
	Chain string `json:"chain,omitempty"`

	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

// InputKind implements adapter.Payload.
func (Fragment) InputKind() string { return FragmentKind }

// FragmentAdapter turns a tagged fragment into a fragment node, one concept
// per tag, and a mark in the fragment's chain.
//
// Emission:
//
//	fragment:<uuid>  --tagged_with-->  concept:<tag>   (per tag)
//	chain:<name>     --contains----->  mark:<adapter>:<fragment id>
type FragmentAdapter struct {
	id string
}

// NewFragmentAdapter creates a fragment adapter.
func NewFragmentAdapter(id string) *FragmentAdapter {
	return &FragmentAdapter{id: id}
}

func (a *FragmentAdapter) ID() string        { return a.id }
func (a *FragmentAdapter) InputKind() string { return FragmentKind }

// Dimensions implements adapter.Adapter.
func (a *FragmentAdapter) Dimensions() []graph.Dimension {
	return []graph.Dimension{graph.DimensionStructure, graph.DimensionSemantic, graph.DimensionProvenance}
}

// Process implements adapter.Adapter.
func (a *FragmentAdapter) Process(ctx context.Context, in adapter.Input, s sink.Sink) error {
	f, err := adapter.PayloadAs[Fragment](in)
	if err != nil {
		return err
	}
	if strings.TrimSpace(f.Text) == "" {
		return fmt.Errorf("%w: fragment text is empty", adapter.ErrInvalidInput)
	}

	tags := normalizeTags(f.Tags)
	fragmentID := a.fragmentID(f.Text, tags)

	props := map[string]any{"text": f.Text}
	if f.Source != "" {
		props["source"] = f.Source
	}
	if f.Date != "" {
		props["date"] = f.Date
	}

	var em sink.Emission
	em.AddNode(sink.AnnotatedNode{
		ID:         fragmentID,
		Type:       graph.NodeTypeFragment,
		Dimension:  graph.DimensionStructure,
		Properties: props,
	})

	for _, tag := range tags {
		concept := ConceptID(tag)
		em.AddNode(conceptNode(tag))
		em.AddEdge(sink.AnnotatedEdge{
			Source:     fragmentID,
			Target:     concept,
			Relation:   graph.RelationTaggedWith,
			Annotation: provenance.NewAnnotation(TagConfidence).WithMethod("explicit_tag"),
		})
	}

	source := f.Source
	if source == "" {
		source = "default"
	}
	chainID, chainName := ChainID(f.Chain), f.Chain
	if f.Chain == "" {
		chainID = graph.NodeID("chain:" + a.id + ":" + source)
		chainName = a.id + " / " + source
	}
	em.AddNode(chainNode(chainID, chainName))

	file := f.File
	if file == "" {
		file = source
	}
	line := f.Line
	if line <= 0 {
		line = 1
	}
	markProps := map[string]any{
		"chain_id":   string(chainID),
		"annotation": f.Text,
		"file":       file,
		"line":       line,
	}
	if f.Column > 0 {
		markProps["column"] = f.Column
	}
	if len(tags) > 0 {
		markProps["tags"] = tags
	}
	markID := graph.NodeID("mark:" + a.id + ":" + string(fragmentID))
	em.AddNode(sink.AnnotatedNode{
		ID:         markID,
		Type:       graph.NodeTypeMark,
		Dimension:  graph.DimensionProvenance,
		Properties: markProps,
		Annotation: provenance.NewAnnotation(TagConfidence).WithSourceLocation(fmt.Sprintf("%s:%d", file, line)),
	})
	em.AddEdge(sink.AnnotatedEdge{Source: chainID, Target: markID, Relation: graph.RelationContains})

	_, err = s.Emit(ctx, em)
	return err
}

// fragmentID derives a stable ID from the adapter, text and sorted tags so
// that re-submitting a fragment upserts it.
func (a *FragmentAdapter) fragmentID(text string, tags []string) graph.NodeID {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	key := a.id + ":" + text + ":" + strings.Join(sorted, ",")
	return graph.NodeID("fragment:" + uuid.NewSHA1(fragmentNamespace, []byte(key)).String())
}

// ConceptID returns the node ID of a tag's concept.
func ConceptID(tag string) graph.NodeID {
	return graph.NodeID("concept:" + strings.ToLower(strings.TrimSpace(tag)))
}

// ChainID returns the node ID of a named chain.
func ChainID(name string) graph.NodeID {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.Join(strings.Fields(n), "-")
	return graph.NodeID("chain:" + n)
}

func conceptNode(tag string) sink.AnnotatedNode {
	return sink.AnnotatedNode{
		ID:         ConceptID(tag),
		Type:       graph.NodeTypeConcept,
		Dimension:  graph.DimensionSemantic,
		Properties: map[string]any{"label": strings.ToLower(strings.TrimSpace(tag))},
	}
}

func chainNode(id graph.NodeID, name string) sink.AnnotatedNode {
	return sink.AnnotatedNode{
		ID:         id,
		Type:       graph.NodeTypeChain,
		Dimension:  graph.DimensionProvenance,
		Properties: map[string]any{"name": name, "status": graph.ChainActive},
	}
}

// normalizeTags lowercases, trims and de-duplicates tags, keeping order.
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(t, "#")))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
