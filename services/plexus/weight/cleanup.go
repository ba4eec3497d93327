// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weight

import (
	"fmt"
	"math"
	"sort"

	"github.com/AleutianAI/plexus/services/plexus/graph"
)

// DefaultThreshold is the raw weight below which Threshold{} prunes.
const DefaultThreshold = 0.05

// CleanupPolicy selects negligible edges for removal.
//
// Cleanup never runs on its own; the engine applies a policy only when a
// maintenance operation asks for it.
type CleanupPolicy interface {
	// Name describes the policy for logs.
	Name() string

	// Select returns the IDs of edges to prune, sorted.
	Select(edges []graph.Edge) []graph.EdgeID
}

// Threshold prunes edges whose raw weight is strictly below Min.
// Zero Min means DefaultThreshold.
type Threshold struct {
	Min float64
}

// Name implements CleanupPolicy.
func (t Threshold) Name() string {
	return fmt.Sprintf("threshold(%g)", t.min())
}

func (t Threshold) min() float64 {
	if t.Min <= 0 {
		return DefaultThreshold
	}
	return t.Min
}

// Select implements CleanupPolicy.
func (t Threshold) Select(edges []graph.Edge) []graph.EdgeID {
	return below(edges, t.min())
}

// Quantile prunes edges below the Q-quantile of the raw weight distribution.
//
// The cutoff is the nearest-rank Q-quantile, raised to Floor when Floor is
// larger. Edges strictly below the cutoff are pruned, so a graph whose
// weights are all equal loses nothing unless Floor says so.
type Quantile struct {
	Q     float64
	Floor float64
}

// Name implements CleanupPolicy.
func (q Quantile) Name() string {
	return fmt.Sprintf("quantile(%g,floor=%g)", q.Q, q.Floor)
}

// Cutoff returns the raw weight below which edges are pruned.
func (q Quantile) Cutoff(edges []graph.Edge) float64 {
	if len(edges) == 0 {
		return q.Floor
	}
	weights := make([]float64, len(edges))
	for i, e := range edges {
		weights[i] = e.RawWeight
	}
	sort.Float64s(weights)

	p := math.Min(math.Max(q.Q, 0), 1)
	rank := int(math.Ceil(p*float64(len(weights)))) - 1
	if rank < 0 {
		rank = 0
	}
	return math.Max(weights[rank], q.Floor)
}

// Select implements CleanupPolicy.
func (q Quantile) Select(edges []graph.Edge) []graph.EdgeID {
	return below(edges, q.Cutoff(edges))
}

func below(edges []graph.Edge, cutoff float64) []graph.EdgeID {
	var ids []graph.EdgeID
	for _, e := range edges {
		if e.RawWeight < cutoff {
			ids = append(ids, e.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
