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
	"sort"

	"github.com/AleutianAI/plexus/services/plexus/adapter"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/provenance"
	"github.com/AleutianAI/plexus/services/plexus/sink"
)

// DefaultCoOccurrenceMutations is the default AfterMutations threshold.
const DefaultCoOccurrenceMutations = 10

// GraphReader exposes a context's graph for reading.
type GraphReader interface {
	Graph(id graph.ContextID) (*graph.Graph, error)
}

// CoOccurrenceAdapter proposes may_be_related edges between concepts that
// are tagged or referenced by the same source node.
//
// Description:
//
//	For every node with tagged_with or references edges into concepts,
//	each unordered pair of those concepts counts one co-occurrence. A pair
//	is proposed in both directions with weight count/max, where max is the
//	highest count in the context. Pairs that already carry a
//	may_be_related edge are skipped, so repeated runs do not reinforce
//	their own proposals.
//
// Thread Safety: Safe for concurrent use.
type CoOccurrenceAdapter struct {
	id       string
	reader   GraphReader
	schedule adapter.Schedule
	minCount int
}

// CoOccurrenceOption configures a CoOccurrenceAdapter.
type CoOccurrenceOption func(*CoOccurrenceAdapter)

// WithSchedule replaces the default schedule.
func WithSchedule(s adapter.Schedule) CoOccurrenceOption {
	return func(a *CoOccurrenceAdapter) { a.schedule = s }
}

// WithMinCount ignores pairs seen fewer than n times.
func WithMinCount(n int) CoOccurrenceOption {
	return func(a *CoOccurrenceAdapter) {
		if n > 0 {
			a.minCount = n
		}
	}
}

// NewCoOccurrenceAdapter creates the adapter. It runs after every
// DefaultCoOccurrenceMutations committed mutations unless configured
// otherwise.
func NewCoOccurrenceAdapter(id string, reader GraphReader, opts ...CoOccurrenceOption) *CoOccurrenceAdapter {
	a := &CoOccurrenceAdapter{
		id:       id,
		reader:   reader,
		schedule: adapter.Schedule{Condition: adapter.AfterMutations{N: DefaultCoOccurrenceMutations}},
		minCount: 1,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *CoOccurrenceAdapter) ID() string                 { return a.id }
func (a *CoOccurrenceAdapter) InputKind() string          { return GraphStateKind }
func (a *CoOccurrenceAdapter) Schedule() adapter.Schedule { return a.schedule }

// Dimensions implements adapter.Adapter.
func (a *CoOccurrenceAdapter) Dimensions() []graph.Dimension {
	return []graph.Dimension{graph.DimensionSemantic}
}

// Process implements adapter.Adapter.
func (a *CoOccurrenceAdapter) Process(ctx context.Context, in adapter.Input, s sink.Sink) error {
	g, err := a.reader.Graph(in.ContextID)
	if err != nil {
		return fmt.Errorf("read graph %s: %w", in.ContextID, err)
	}

	pairs := CoOccurrences(g)
	top := 0
	for _, p := range pairs {
		if p.Count > top {
			top = p.Count
		}
	}

	var em sink.Emission
	for _, p := range pairs {
		if p.Count < a.minCount {
			continue
		}
		if _, ok := g.Edge(graph.MakeEdgeID(p.A, graph.RelationMayBeRelated, p.B)); ok {
			continue
		}
		score := float64(p.Count) / float64(top)
		for _, dir := range [2][2]graph.NodeID{{p.A, p.B}, {p.B, p.A}} {
			em.AddEdge(sink.AnnotatedEdge{
				Source:   dir[0],
				Target:   dir[1],
				Relation: graph.RelationMayBeRelated,
				Weight:   score,
				Annotation: provenance.NewAnnotation(score).
					WithMethod("co_occurrence").
					WithDetail("count", fmt.Sprint(p.Count)),
			})
		}
	}
	if em.Empty() {
		return nil
	}
	_, err = s.Emit(ctx, em)
	return err
}

// Pair is an unordered concept pair with A < B.
type Pair struct {
	A, B  graph.NodeID
	Count int
}

// CoOccurrences counts concept pairs sharing a source node. The result is
// sorted by descending count, then by IDs.
func CoOccurrences(g *graph.Graph) []Pair {
	counts := make(map[[2]graph.NodeID]int)
	for _, n := range g.Nodes() {
		var concepts []graph.NodeID
		seen := make(map[graph.NodeID]bool)
		for _, e := range g.Outgoing(n.ID) {
			if e.Relation != graph.RelationTaggedWith && e.Relation != graph.RelationReferences {
				continue
			}
			target, ok := g.Node(e.Target)
			if !ok || target.Type != graph.NodeTypeConcept || seen[e.Target] {
				continue
			}
			seen[e.Target] = true
			concepts = append(concepts, e.Target)
		}
		sort.Slice(concepts, func(i, j int) bool { return concepts[i] < concepts[j] })
		for i := 0; i < len(concepts); i++ {
			for j := i + 1; j < len(concepts); j++ {
				counts[[2]graph.NodeID{concepts[i], concepts[j]}]++
			}
		}
	}

	out := make([]Pair, 0, len(counts))
	for k, c := range counts {
		out = append(out, Pair{A: k[0], B: k[1], Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}
