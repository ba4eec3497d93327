// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/plexus/services/plexus/events"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/provenance"
	"github.com/AleutianAI/plexus/services/plexus/sink"
	"github.com/AleutianAI/plexus/services/plexus/storage"
	"github.com/AleutianAI/plexus/services/plexus/telemetry"
)

// plan is the fully resolved effect of one emission.
type plan struct {
	mutation   graph.Mutation
	provenance []provenance.Entry

	nodesUpserted []graph.NodeID
	edgesAdded    []graph.EdgeID
	edgesChanged  []graph.EdgeID
	nodesRemoved  []graph.NodeID
	edgesRemoved  []graph.EdgeID
	edgesDeleted  []graph.EdgeID
}

// emit validates and commits one emission.
//
// Description:
//
//  1. Structural validation (sink.Validate).
//  2. Lock every node ID the emission touches.
//  3. Resolve the mutation against the current graph; reject if an edge
//     endpoint exists neither in the graph nor in the emission.
//  4. Write mutation, provenance and version bump in one store transaction.
//  5. Install the mutation in memory and record provenance.
//  6. Publish events, unlock, notify commit hooks.
//
// A store failure leaves memory untouched and returns *sink.InternalError.
// The commit itself ignores cancellation of ctx once validation has passed.
func (e *Engine) emit(ctx context.Context, fw provenance.Framework, em sink.Emission) (*sink.Result, error) {
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "plexus.engine", "Engine.Emit",
		trace.WithAttributes(
			attribute.String("adapter_id", fw.AdapterID),
			attribute.String("context_id", string(fw.ContextID)),
			attribute.Int("nodes", len(em.Nodes)),
			attribute.Int("edges", len(em.Edges)),
			attribute.Int("removals", len(em.Removals)),
			attribute.Int("edge_removals", len(em.EdgeRemovals)),
		),
	)
	defer span.End()

	if em.Empty() {
		e.metrics.RecordEmission(ctx, fw.AdapterID, "empty", time.Since(start))
		return &sink.Result{Version: e.Version()}, nil
	}

	if err := sink.Validate(em); err != nil {
		return nil, e.rejected(ctx, span, fw, err, start)
	}

	st, err := e.state(fw.ContextID)
	if err != nil {
		return nil, e.rejected(ctx, span, fw, sink.Reject(sink.ReasonUnknownContext, string(fw.ContextID)), start)
	}

	st.mu.RLock()
	if st.deleted {
		st.mu.RUnlock()
		return nil, e.rejected(ctx, span, fw, sink.Reject(sink.ReasonUnknownContext, string(fw.ContextID)), start)
	}

	unlock := e.locks.Lock(fw.ContextID, touched(em))
	release := func() {
		unlock()
		st.mu.RUnlock()
	}

	now := e.clock()
	p, rejection := resolve(st.graph, fw, em, now)
	if rejection != nil {
		release()
		return nil, e.rejected(ctx, span, fw, rejection, start)
	}

	version, err := e.persist(context.WithoutCancel(ctx), fw.ContextID, p)
	if err != nil {
		release()
		internal := &sink.InternalError{Op: "commit", Err: err}
		telemetry.RecordError(span, internal)
		e.metrics.RecordEmission(ctx, fw.AdapterID, "failed", time.Since(start))
		e.logger.Error("emission commit failed",
			slog.String("adapter_id", fw.AdapterID),
			slog.String("context_id", string(fw.ContextID)),
			slog.String("error", err.Error()),
		)
		return nil, internal
	}

	st.graph.Apply(p.mutation)
	e.ledger.Record(p.provenance)
	st.mutations.Add(uint64(p.mutation.Size()))
	summary := e.summarize(fw.ContextID, st, fw.AdapterID, version, p.mutation.Size())

	// Publish only enqueues. Doing it under the node stripes keeps events of
	// emissions over shared nodes in commit order.
	if e.publisher != nil {
		e.publisher.Publish(p.events(fw, version, now)...)
	}
	release()
	e.notify(summary)

	e.metrics.RecordEmission(ctx, fw.AdapterID, "committed", time.Since(start))
	e.metrics.RecordMutations(ctx, "node", len(p.mutation.Nodes))
	e.metrics.RecordMutations(ctx, "edge", len(p.mutation.Edges))
	e.metrics.RecordMutations(ctx, "node_removal", len(p.mutation.RemovedNodes))
	e.metrics.RecordMutations(ctx, "edge_removal", len(p.mutation.RemovedEdges))
	span.SetAttributes(attribute.Int64("data_version", int64(version)))
	telemetry.SetSpanOK(span)

	e.logger.Debug("emission committed",
		slog.String("adapter_id", fw.AdapterID),
		slog.String("context_id", string(fw.ContextID)),
		slog.Uint64("data_version", version),
		slog.Int("mutations", p.mutation.Size()),
		slog.Int("provenance", len(p.provenance)),
	)

	return &sink.Result{
		Committed:       true,
		Version:         version,
		NodesAdded:      p.nodesUpserted,
		EdgesAdded:      p.edgesAdded,
		EdgesReinforced: p.edgesChanged,
		NodesRemoved:    p.nodesRemoved,
		EdgesRemoved:    p.edgesRemoved,
		EdgesDeleted:    p.edgesDeleted,
		ProvenanceIDs:   entryIDs(p.provenance),
	}, nil
}

func (e *Engine) rejected(ctx context.Context, span trace.Span, fw provenance.Framework, err error, start time.Time) error {
	telemetry.RecordError(span, err)
	reason := "unknown"
	if rej, ok := sink.IsRejection(err); ok {
		reason = string(rej.Reason)
	}
	e.metrics.RecordRejection(ctx, reason)
	e.metrics.RecordEmission(ctx, fw.AdapterID, "rejected", time.Since(start))
	e.logger.Warn("emission rejected",
		slog.String("adapter_id", fw.AdapterID),
		slog.String("context_id", string(fw.ContextID)),
		slog.String("error", err.Error()),
	)
	return err
}

// persist writes the plan to the store, or allocates an in-memory version
// when there is no store.
func (e *Engine) persist(ctx context.Context, id graph.ContextID, p *plan) (uint64, error) {
	if e.store == nil {
		return e.nextVersion(), nil
	}
	v, err := e.store.Commit(ctx, storage.Batch{
		ContextID:  id,
		Mutation:   p.mutation,
		Provenance: p.provenance,
	})
	if err != nil {
		return 0, err
	}
	e.observeVersion(v)
	return v, nil
}

// touched returns every node ID an emission reads or writes.
func touched(em sink.Emission) []graph.NodeID {
	ids := make([]graph.NodeID, 0, len(em.Nodes)+2*len(em.Edges)+len(em.Removals)+2*len(em.EdgeRemovals))
	for _, n := range em.Nodes {
		ids = append(ids, n.ID)
	}
	for _, edge := range em.Edges {
		ids = append(ids, edge.Source, edge.Target)
	}
	for _, r := range em.EdgeRemovals {
		ids = append(ids, r.Source, r.Target)
	}
	return append(ids, em.Removals...)
}

// resolve turns an emission into a plan against the current graph.
//
// The caller holds the stripes for every touched node, so the graph state
// read here for those nodes and their incident edges cannot change until
// the plan is applied.
func resolve(g *graph.Graph, fw provenance.Framework, em sink.Emission, now time.Time) (*plan, *sink.RejectionError) {
	// Later duplicates of a node win.
	proposed := make(map[graph.NodeID]sink.AnnotatedNode, len(em.Nodes))
	var nodeOrder []graph.NodeID
	for _, n := range em.Nodes {
		if _, dup := proposed[n.ID]; !dup {
			nodeOrder = append(nodeOrder, n.ID)
		}
		proposed[n.ID] = n
	}

	exists := func(id graph.NodeID) bool {
		if _, ok := proposed[id]; ok {
			return true
		}
		return g.HasNode(id)
	}
	for _, edge := range em.Edges {
		for _, end := range []graph.NodeID{edge.Source, edge.Target} {
			if !exists(end) {
				return nil, &sink.RejectionError{
					Reason: sink.ReasonMissingEndpoint,
					Ref:    string(end),
					Detail: "edge " + string(edge.ID()),
				}
			}
		}
	}

	p := &plan{}

	removed := make(map[graph.NodeID]bool, len(em.Removals))
	for _, id := range em.Removals {
		removed[id] = true
	}

	nodes := make(map[graph.NodeID]graph.Node, len(nodeOrder))
	for _, id := range nodeOrder {
		prop := proposed[id]
		n := graph.Node{
			ID:         id,
			Type:       prop.Type,
			Dimension:  prop.Dimension,
			Properties: cloneProperties(prop.Properties),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if existing, ok := g.Node(id); ok {
			n.CreatedAt = existing.CreatedAt
		}
		nodes[id] = n
	}

	// Edge proposals in emission order; repeated proposals of one edge
	// each add a contribution.
	working := make(map[graph.EdgeID]*graph.Edge)
	var edgeOrder []graph.EdgeID
	preexisting := make(map[graph.EdgeID]bool)
	edgeAnnotations := make(map[graph.EdgeID][]*provenance.Annotation)
	for _, prop := range em.Edges {
		id := prop.ID()
		c := graph.Contribution{Source: fw.AdapterID, Amount: prop.Contribution(), At: now}
		if cur, ok := working[id]; ok {
			cur.Reinforce(c)
		} else if existing, ok := g.Edge(id); ok {
			existing.Reinforce(c)
			working[id] = &existing
			preexisting[id] = true
			edgeOrder = append(edgeOrder, id)
		} else {
			created := graph.NewEdge(prop.Source, prop.Target, prop.Relation, c)
			working[id] = &created
			edgeOrder = append(edgeOrder, id)
		}
		edgeAnnotations[id] = append(edgeAnnotations[id], prop.Annotation)
	}

	// Removals: absent targets are no-ops. Edges incident to a removed node
	// are cascaded, whether stored or proposed in this emission.
	cascaded := make(map[graph.EdgeID]bool)
	for _, id := range em.Removals {
		if !g.HasNode(id) {
			continue
		}
		if !slices.Contains(p.nodesRemoved, id) {
			p.nodesRemoved = append(p.nodesRemoved, id)
		}
		for _, eid := range g.IncidentEdgeIDs(id) {
			cascaded[eid] = true
		}
	}

	// Edge removals: absent edges are no-ops. A deleted edge is dropped from
	// this emission's proposals too.
	deleted := make(map[graph.EdgeID]bool, len(em.EdgeRemovals))
	for _, r := range em.EdgeRemovals {
		id := r.ID()
		if deleted[id] || cascaded[id] {
			continue
		}
		deleted[id] = true
		if _, ok := g.Edge(id); ok {
			p.edgesDeleted = append(p.edgesDeleted, id)
		}
	}

	// Provenance covers only what is committed: one entry per upserted
	// node and one per proposal of a surviving edge.
	for _, id := range nodeOrder {
		if removed[id] {
			continue
		}
		p.mutation.Nodes = append(p.mutation.Nodes, nodes[id])
		p.nodesUpserted = append(p.nodesUpserted, id)
		p.provenance = append(p.provenance, provenance.NewEntry(fw, provenance.NodeTarget(id), now, proposed[id].Annotation))
	}
	for _, id := range edgeOrder {
		edge := working[id]
		if removed[edge.Source] || removed[edge.Target] || cascaded[id] || deleted[id] {
			continue
		}
		for _, ann := range edgeAnnotations[id] {
			p.provenance = append(p.provenance, provenance.NewEntry(fw, provenance.EdgeTarget(id), now, ann))
		}
		p.mutation.Edges = append(p.mutation.Edges, *edge)
		if preexisting[id] {
			p.edgesChanged = append(p.edgesChanged, id)
		} else {
			p.edgesAdded = append(p.edgesAdded, id)
		}
	}

	p.mutation.RemovedNodes = p.nodesRemoved
	for eid := range cascaded {
		p.edgesRemoved = append(p.edgesRemoved, eid)
	}
	slices.Sort(p.edgesRemoved)
	p.mutation.RemovedEdges = append(slices.Clone(p.edgesRemoved), p.edgesDeleted...)

	return p, nil
}

// events builds the notifications of a committed plan in publish order.
func (p *plan) events(fw provenance.Framework, version uint64, at time.Time) []events.Event {
	var out []events.Event
	base := events.Event{ContextID: fw.ContextID, AdapterID: fw.AdapterID, Version: version, Timestamp: at}

	if len(p.nodesUpserted) > 0 {
		ev := base
		ev.Kind = events.KindNodesAdded
		ev.NodeIDs = p.nodesUpserted
		out = append(out, ev)
	}
	if len(p.edgesAdded) > 0 {
		ev := base
		ev.Kind = events.KindEdgesAdded
		ev.EdgeIDs = p.edgesAdded
		out = append(out, ev)
	}
	if len(p.edgesChanged) > 0 {
		ev := base
		ev.Kind = events.KindWeightsChanged
		ev.EdgeIDs = p.edgesChanged
		out = append(out, ev)
	}
	if len(p.nodesRemoved) > 0 {
		ev := base
		ev.Kind = events.KindNodesRemoved
		ev.NodeIDs = p.nodesRemoved
		ev.Reason = events.ReasonExplicit
		out = append(out, ev)
	}
	if len(p.edgesRemoved) > 0 {
		ev := base
		ev.Kind = events.KindEdgesRemoved
		ev.EdgeIDs = p.edgesRemoved
		ev.Reason = events.ReasonCascade
		out = append(out, ev)
	}
	if len(p.edgesDeleted) > 0 {
		ev := base
		ev.Kind = events.KindEdgesRemoved
		ev.EdgeIDs = p.edgesDeleted
		ev.Reason = events.ReasonExplicit
		out = append(out, ev)
	}
	return out
}

func cloneProperties(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func entryIDs(entries []provenance.Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
