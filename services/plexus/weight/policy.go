// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weight computes read-time views of edge strength.
//
// Raw weight is stored on the edge (graph.Fold of its contributions) and is
// never modified here. A Policy turns raw weights into a normalized view at
// query time; swapping policies never touches stored data. Reinforcing one
// edge lowers the normalized standing of its siblings without mutating
// them, which is the only form of decay in the system.
//
// Cleanup of negligible edges is a separate, explicit operation driven by a
// CleanupPolicy (see cleanup.go).
package weight

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/AleutianAI/plexus/services/plexus/graph"
)

// ErrUnknownPolicy is returned by PolicyByName for an unregistered name.
var ErrUnknownPolicy = errors.New("unknown normalization policy")

// Policy names.
const (
	NameOutgoing = "outgoing"
	NameIncoming = "incoming"
	NameSoftmax  = "softmax"
	NameIdentity = "identity"
)

// EdgeReader exposes the adjacency a policy needs. *graph.Graph satisfies it.
type EdgeReader interface {
	Outgoing(id graph.NodeID) []graph.Edge
	Incoming(id graph.NodeID) []graph.Edge
}

// Policy maps an edge's raw weight to a normalized weight.
//
// Thread Safety: Implementations must be stateless or immutable.
type Policy interface {
	// Name returns the registry name of the policy.
	Name() string

	// Normalize returns the normalized weight of e within r.
	Normalize(r EdgeReader, e graph.Edge) float64
}

// OutgoingDivisive divides an edge's raw weight by the total raw weight
// leaving its source: w_ij / Σ_k w_ik. A node's outgoing normalized
// weights sum to 1. A source whose outgoing weights are all zero yields 0.
type OutgoingDivisive struct{}

// Name implements Policy.
func (OutgoingDivisive) Name() string { return NameOutgoing }

// Normalize implements Policy.
func (OutgoingDivisive) Normalize(r EdgeReader, e graph.Edge) float64 {
	return divide(e.RawWeight, r.Outgoing(e.Source))
}

// IncomingDivisive divides an edge's raw weight by the total raw weight
// entering its target.
type IncomingDivisive struct{}

// Name implements Policy.
func (IncomingDivisive) Name() string { return NameIncoming }

// Normalize implements Policy.
func (IncomingDivisive) Normalize(r EdgeReader, e graph.Edge) float64 {
	return divide(e.RawWeight, r.Incoming(e.Target))
}

// Softmax applies a softmax over the raw weights leaving the edge's source.
//
// Temperature scales the raw weights before exponentiation; zero means 1.
// The maximum is subtracted first so large raw weights do not overflow.
type Softmax struct {
	Temperature float64
}

// Name implements Policy.
func (Softmax) Name() string { return NameSoftmax }

// Normalize implements Policy.
func (s Softmax) Normalize(r EdgeReader, e graph.Edge) float64 {
	siblings := r.Outgoing(e.Source)
	if len(siblings) == 0 {
		return 0
	}
	temp := s.Temperature
	if temp <= 0 {
		temp = 1
	}

	maxW := math.Inf(-1)
	for _, sib := range siblings {
		maxW = math.Max(maxW, sib.RawWeight)
	}
	var sum float64
	for _, sib := range siblings {
		sum += math.Exp((sib.RawWeight - maxW) / temp)
	}
	return math.Exp((e.RawWeight-maxW)/temp) / sum
}

// Identity returns the raw weight unchanged.
type Identity struct{}

// Name implements Policy.
func (Identity) Name() string { return NameIdentity }

// Normalize implements Policy.
func (Identity) Normalize(_ EdgeReader, e graph.Edge) float64 { return e.RawWeight }

func divide(w float64, group []graph.Edge) float64 {
	var sum float64
	for _, g := range group {
		sum += g.RawWeight
	}
	if sum == 0 {
		return 0
	}
	return w / sum
}

var registry = map[string]Policy{
	NameOutgoing: OutgoingDivisive{},
	NameIncoming: IncomingDivisive{},
	NameSoftmax:  Softmax{},
	NameIdentity: Identity{},
}

// Default returns the default policy, OutgoingDivisive.
func Default() Policy {
	return OutgoingDivisive{}
}

// PolicyByName looks up a policy. An empty name returns Default().
func PolicyByName(name string) (Policy, error) {
	if name == "" {
		return Default(), nil
	}
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return p, nil
}

// Names returns the registered policy names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NormalizeAll returns the normalized weight of every edge in edges.
func NormalizeAll(r EdgeReader, p Policy, edges []graph.Edge) map[graph.EdgeID]float64 {
	out := make(map[graph.EdgeID]float64, len(edges))
	for _, e := range edges {
		out[e.ID] = p.Normalize(r, e)
	}
	return out
}
