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
	"slices"

	"github.com/AleutianAI/plexus/services/plexus/graph"
)

// ChainSummary is a chain with the number of marks it contains.
type ChainSummary struct {
	ID     graph.NodeID `json:"id"`
	Name   string       `json:"name"`
	Status string       `json:"status"`
	Marks  int          `json:"marks"`
}

// ChainView is a chain node with its marks.
type ChainView struct {
	Chain graph.Node   `json:"chain"`
	Marks []graph.Node `json:"marks"`
}

// MarkFilter selects marks. Empty fields match everything.
type MarkFilter struct {
	Chain graph.NodeID `json:"chain,omitempty"`
	File  string       `json:"file,omitempty"`
	Type  string       `json:"type,omitempty"`
	Tag   string       `json:"tag,omitempty"`
}

func (f MarkFilter) match(n graph.Node) bool {
	if n.Type != graph.NodeTypeMark {
		return false
	}
	if f.Chain != "" && n.Property("chain_id") != string(f.Chain) {
		return false
	}
	if f.File != "" && n.Property("file") != f.File {
		return false
	}
	if f.Type != "" && n.Property("type") != f.Type {
		return false
	}
	if f.Tag != "" && !slices.Contains(n.Strings("tags"), f.Tag) {
		return false
	}
	return true
}

// MarkLinks are the links_to neighbors of a mark.
type MarkLinks struct {
	Mark     graph.NodeID   `json:"mark"`
	Outgoing []graph.NodeID `json:"outgoing"`
	Incoming []graph.NodeID `json:"incoming"`
}

// Chains lists chains sorted by ID, optionally only those with status.
//
// Outputs:
//
//	[]ChainSummary - Up to the limit.
//	error - graph.ErrContextNotFound, or ErrInvalidQuery for an unknown status.
func (s *Service) Chains(ctx context.Context, cid graph.ContextID, status string, opts ...Option) (out []ChainSummary, err error) {
	_, done := s.begin(ctx, "Chains", cid)
	defer func() { done(err) }()

	if status != "" && status != graph.ChainActive && status != graph.ChainArchived {
		return nil, fmt.Errorf("%w: chain status %q", ErrInvalidQuery, status)
	}
	o, _, g, err := s.prepare(cid, opts)
	if err != nil {
		return nil, err
	}
	chains := g.NodesWhere(func(n graph.Node) bool {
		return n.Type == graph.NodeTypeChain && (status == "" || chainStatus(n) == status)
	})
	graph.SortNodes(chains)

	out = make([]ChainSummary, 0, len(chains))
	for _, n := range chains {
		if len(out) >= o.Limit {
			break
		}
		out = append(out, ChainSummary{
			ID:     n.ID,
			Name:   n.Property("name"),
			Status: chainStatus(n),
			Marks:  len(g.Targets(n.ID, graph.RelationContains, graph.NodeTypeMark)),
		})
	}
	return out, nil
}

// Chain returns a chain with its marks sorted by ID.
func (s *Service) Chain(ctx context.Context, cid graph.ContextID, id graph.NodeID) (view *ChainView, err error) {
	_, done := s.begin(ctx, "Chain", cid)
	defer func() { done(err) }()

	g, err := s.r.Graph(cid)
	if err != nil {
		return nil, err
	}
	n, ok := g.Node(id)
	if !ok || n.Type != graph.NodeTypeChain {
		return nil, fmt.Errorf("%w: chain %s", ErrNodeNotFound, id)
	}
	return &ChainView{Chain: n, Marks: g.Targets(id, graph.RelationContains, graph.NodeTypeMark)}, nil
}

// Marks returns the marks matching f, sorted by ID, up to the limit.
func (s *Service) Marks(ctx context.Context, cid graph.ContextID, f MarkFilter, opts ...Option) (marks []graph.Node, err error) {
	_, done := s.begin(ctx, "Marks", cid)
	defer func() { done(err) }()

	o, _, g, err := s.prepare(cid, opts)
	if err != nil {
		return nil, err
	}
	marks = g.NodesWhere(f.match)
	graph.SortNodes(marks)
	if len(marks) > o.Limit {
		marks = marks[:o.Limit]
	}
	return marks, nil
}

// Tags returns the distinct tags of all marks, sorted.
func (s *Service) Tags(ctx context.Context, cid graph.ContextID) (tags []string, err error) {
	_, done := s.begin(ctx, "Tags", cid)
	defer func() { done(err) }()

	g, err := s.r.Graph(cid)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	tags = []string{}
	for _, n := range g.NodesWhere(func(n graph.Node) bool { return n.Type == graph.NodeTypeMark }) {
		for _, t := range n.Strings("tags") {
			if !seen[t] {
				seen[t] = true
				tags = append(tags, t)
			}
		}
	}
	slices.Sort(tags)
	return tags, nil
}

// Links returns the marks a mark links to and the marks linking to it.
func (s *Service) Links(ctx context.Context, cid graph.ContextID, mark graph.NodeID) (links *MarkLinks, err error) {
	_, done := s.begin(ctx, "Links", cid)
	defer func() { done(err) }()

	g, err := s.r.Graph(cid)
	if err != nil {
		return nil, err
	}
	if !g.HasNode(mark) {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, mark)
	}
	links = &MarkLinks{Mark: mark, Outgoing: []graph.NodeID{}, Incoming: []graph.NodeID{}}
	for _, e := range g.Outgoing(mark) {
		if e.Relation == graph.RelationLinksTo {
			links.Outgoing = append(links.Outgoing, e.Target)
		}
	}
	for _, e := range g.Incoming(mark) {
		if e.Relation == graph.RelationLinksTo {
			links.Incoming = append(links.Incoming, e.Source)
		}
	}
	slices.Sort(links.Outgoing)
	slices.Sort(links.Incoming)
	return links, nil
}

// chainStatus reads a chain's status. Chains without one are active.
func chainStatus(n graph.Node) string {
	if st := n.Property("status"); st != "" {
		return st
	}
	return graph.ChainActive
}
