// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sink

import (
	"context"
	"slices"

	"github.com/AleutianAI/plexus/services/plexus/graph"
)

// DefaultWeightCap bounds a single contribution from a scheduled adapter.
const DefaultWeightCap = 0.25

// Constraints restrict what a Constrained sink forwards.
type Constraints struct {
	// WeightCap is the maximum contribution per edge proposal. Zero means
	// DefaultWeightCap.
	WeightCap float64 `yaml:"weight_cap" validate:"gte=0"`

	// AllowedRelation is the only relation accepted. Empty means
	// graph.RelationMayBeRelated.
	AllowedRelation string `yaml:"allowed_relation"`
}

func (c Constraints) withDefaults() Constraints {
	if c.WeightCap <= 0 {
		c.WeightCap = DefaultWeightCap
	}
	if c.AllowedRelation == "" {
		c.AllowedRelation = graph.RelationMayBeRelated
	}
	return c
}

// Constrained wraps a Sink for scheduled adapters.
//
// Description:
//
//	Scheduled adapters work on accumulated graph state and may only propose
//	tentative structure. Before delegating, Constrained rejects any removal,
//	rejects any edge whose relation is not the allowed one, and clamps every
//	edge contribution to the weight cap. Node proposals pass unchanged. A
//	rejection discards the whole emission, the inner sink is not called.
//
// Thread Safety: Safe for concurrent use if the inner sink is.
type Constrained struct {
	inner Sink
	c     Constraints
}

// Constrain wraps inner with the given constraints.
func Constrain(inner Sink, c Constraints) *Constrained {
	return &Constrained{inner: inner, c: c.withDefaults()}
}

// Constraints returns the effective constraints.
func (s *Constrained) Constraints() Constraints {
	return s.c
}

// Emit enforces the constraints, then delegates.
func (s *Constrained) Emit(ctx context.Context, e Emission) (*Result, error) {
	if len(e.Removals) > 0 {
		return nil, Reject(ReasonRemovalNotAllowed, string(e.Removals[0]))
	}
	if len(e.EdgeRemovals) > 0 {
		return nil, Reject(ReasonRemovalNotAllowed, string(e.EdgeRemovals[0].ID()))
	}

	edges := slices.Clone(e.Edges)
	for i := range edges {
		if edges[i].Relation != s.c.AllowedRelation {
			return nil, &RejectionError{
				Reason: ReasonInvalidRelation,
				Ref:    string(edges[i].ID()),
				Detail: "only " + s.c.AllowedRelation + " may be proposed",
			}
		}
		if amount := edges[i].Contribution(); amount > s.c.WeightCap {
			edges[i].Weight = s.c.WeightCap
		}
	}
	e.Edges = edges

	return s.inner.Emit(ctx, e)
}

var _ Sink = (*Constrained)(nil)
