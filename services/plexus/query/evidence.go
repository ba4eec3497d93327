// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/provenance"
	"github.com/AleutianAI/plexus/services/plexus/weight"
)

// Evidence is one node supporting a concept, with the edge that links it
// and that edge's provenance.
type Evidence struct {
	Node graph.Node   `json:"node"`
	Edge WeightedEdge `json:"edge"`

	// Confidence is the latest annotated confidence on the edge, nil when
	// no adapter made a claim.
	Confidence *float64 `json:"confidence,omitempty"`

	Provenance []provenance.Entry `json:"provenance"`
}

// EvidenceTrail lists what supports a concept.
type EvidenceTrail struct {
	Concept graph.Node `json:"concept"`

	// Marks are sources of references edges into the concept.
	Marks []Evidence `json:"marks"`

	// Fragments are sources of tagged_with edges into the concept.
	Fragments []Evidence `json:"fragments"`

	// Chains are the chains containing the marks.
	Chains []graph.Node `json:"chains"`
}

// EvidenceTrail returns the marks, fragments and chains supporting a
// concept.
//
// Description:
//
//	Marks and fragments are ordered by descending normalized weight of
//	their edge into the concept. Any node type counts as a mark when it
//	references the concept. Chains are found through contains edges into
//	the marks and listed by ID.
//
// Outputs:
//
//	*EvidenceTrail - The trail; empty slices when nothing supports it.
//	error - graph.ErrContextNotFound, ErrNodeNotFound or ErrInvalidQuery.
func (s *Service) EvidenceTrail(ctx context.Context, cid graph.ContextID, concept graph.NodeID, opts ...Option) (trail *EvidenceTrail, err error) {
	_, done := s.begin(ctx, "EvidenceTrail", cid)
	defer func() { done(err) }()

	o, pol, g, err := s.prepare(cid, opts)
	if err != nil {
		return nil, err
	}
	c, ok := g.Node(concept)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, concept)
	}

	trail = &EvidenceTrail{Concept: c, Marks: []Evidence{}, Fragments: []Evidence{}, Chains: []graph.Node{}}
	chains := make(map[graph.NodeID]graph.Node)
	ledger := s.r.Provenance()

	for _, we := range weigh(g, pol, o, g.Incoming(concept)) {
		var bucket *[]Evidence
		switch we.Relation {
		case graph.RelationReferences:
			bucket = &trail.Marks
		case graph.RelationTaggedWith:
			bucket = &trail.Fragments
		default:
			continue
		}
		n, ok := g.Node(we.Source)
		if !ok {
			continue
		}
		entries := ledger.For(cid, provenance.EdgeTarget(we.ID))
		*bucket = append(*bucket, Evidence{
			Node:       n,
			Edge:       we,
			Confidence: latestConfidence(entries),
			Provenance: entries,
		})

		if we.Relation != graph.RelationReferences {
			continue
		}
		for _, in := range g.Incoming(n.ID) {
			if in.Relation != graph.RelationContains {
				continue
			}
			if chain, ok := g.Node(in.Source); ok && chain.Type == graph.NodeTypeChain {
				chains[chain.ID] = chain
			}
		}
	}

	for _, ch := range chains {
		trail.Chains = append(trail.Chains, ch)
	}
	graph.SortNodes(trail.Chains)
	if len(trail.Marks) > o.Limit {
		trail.Marks = trail.Marks[:o.Limit]
	}
	if len(trail.Fragments) > o.Limit {
		trail.Fragments = trail.Fragments[:o.Limit]
	}
	return trail, nil
}

// latestConfidence returns the confidence of the newest annotated entry.
func latestConfidence(entries []provenance.Entry) *float64 {
	for i := len(entries) - 1; i >= 0; i-- {
		if a := entries[i].Annotation; a != nil && a.Confidence != nil {
			v := *a.Confidence
			return &v
		}
	}
	return nil
}

// SharedConcept is a concept present in several contexts.
type SharedConcept struct {
	ID       graph.NodeID      `json:"id"`
	Contexts []graph.ContextID `json:"contexts"`

	// Strength is the sum of normalized weights entering the concept, per
	// context.
	Strength map[graph.ContextID]float64 `json:"strength"`
}

// SharedConcepts returns the concepts whose identifier exists in at least
// two of the given contexts.
//
// Description:
//
//	Matching is by identifier only. With no context IDs, every context is
//	considered. Results are sorted by the number of contexts, descending,
//	then by ID.
func (s *Service) SharedConcepts(ctx context.Context, ids []graph.ContextID, opts ...Option) (out []SharedConcept, err error) {
	_, done := s.begin(ctx, "SharedConcepts", "")
	defer func() { done(err) }()

	o := applyOptions(opts)
	pol, err := weight.PolicyByName(o.Policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	if len(ids) == 0 {
		for _, c := range s.r.ListContexts() {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 1 {
		return nil, fmt.Errorf("%w: shared concepts need two contexts", ErrInvalidQuery)
	}

	byConcept := make(map[graph.NodeID]*SharedConcept)
	seen := make(map[graph.ContextID]bool, len(ids))
	for _, cid := range ids {
		if seen[cid] {
			continue
		}
		seen[cid] = true
		g, err := s.r.Graph(cid)
		if err != nil {
			return nil, err
		}
		for _, n := range g.NodesWhere(func(n graph.Node) bool { return n.Type == graph.NodeTypeConcept }) {
			sc := byConcept[n.ID]
			if sc == nil {
				sc = &SharedConcept{ID: n.ID, Strength: make(map[graph.ContextID]float64)}
				byConcept[n.ID] = sc
			}
			sc.Contexts = append(sc.Contexts, cid)
			var total float64
			for _, e := range g.Incoming(n.ID) {
				total += pol.Normalize(g, e)
			}
			sc.Strength[cid] = total
		}
	}

	out = []SharedConcept{}
	for _, sc := range byConcept {
		if len(sc.Contexts) < 2 {
			continue
		}
		sort.Slice(sc.Contexts, func(i, j int) bool { return sc.Contexts[i] < sc.Contexts[j] })
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Contexts) != len(out[j].Contexts) {
			return len(out[i].Contexts) > len(out[j].Contexts)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > o.Limit {
		out = out[:o.Limit]
	}
	return out, nil
}
