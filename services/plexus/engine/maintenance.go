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
	"fmt"
	"log/slog"
	"sort"

	"github.com/AleutianAI/plexus/services/plexus/events"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/storage"
	"github.com/AleutianAI/plexus/services/plexus/telemetry"
	"github.com/AleutianAI/plexus/services/plexus/weight"
)

// =============================================================================
// Loading
// =============================================================================

// LoadAll replaces the in-memory state with the store's content.
//
// Description:
//
//	Reads every context with its nodes, edges and provenance. Contexts
//	already loaded are refreshed in place so that Graph handles held by
//	callers stay valid; contexts missing from the store are dropped. The
//	data version is read before loading, so a concurrent external write is
//	picked up by the next ReloadIfChanged.
//
// Outputs:
//
//	error - Non-nil if the store cannot be read. The in-memory state is
//	        unchanged in that case.
//
// Thread Safety: Safe for concurrent use. Blocks emissions while the new
// state is installed.
func (e *Engine) LoadAll(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	e.adminMu.Lock()
	defer e.adminMu.Unlock()
	return e.loadLocked(ctx)
}

// ReloadIfChanged reloads from the store when its data version differs
// from the last version this engine saw.
//
// Outputs:
//
//	bool - True if a reload happened.
//	error - Non-nil if the store cannot be read.
func (e *Engine) ReloadIfChanged(ctx context.Context) (bool, error) {
	if e.store == nil {
		return false, nil
	}

	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	v, err := e.store.DataVersion(ctx)
	if err != nil {
		return false, fmt.Errorf("read data version: %w", err)
	}
	if v == e.version.Load() {
		return false, nil
	}
	if err := e.loadLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) loadLocked(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "plexus.engine", "Engine.Load")
	defer span.End()

	version, err := e.store.DataVersion(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("read data version: %w", err)
	}

	metas, err := e.store.ListContexts(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("list contexts: %w", err)
	}

	loaded := make(map[graph.ContextID]*storage.ContextData, len(metas))
	for _, m := range metas {
		data, err := e.store.LoadContext(ctx, m.ID)
		if err != nil {
			telemetry.RecordError(span, err)
			return fmt.Errorf("load context %s: %w", m.ID, err)
		}
		loaded[m.ID] = data
	}

	// Quiesce every loaded context, in ID order.
	e.mu.RLock()
	current := make([]*contextState, 0, len(e.contexts))
	ids := make([]graph.ContextID, 0, len(e.contexts))
	for id := range e.contexts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		current = append(current, e.contexts[id])
	}
	e.mu.RUnlock()

	for _, st := range current {
		st.mu.Lock()
	}
	defer func() {
		for _, st := range current {
			st.mu.Unlock()
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	for id, st := range e.contexts {
		if _, ok := loaded[id]; !ok {
			st.deleted = true
			delete(e.contexts, id)
			e.ledger.DropContext(id)
		}
	}
	for id, data := range loaded {
		st, ok := e.contexts[id]
		if !ok {
			st = &contextState{graph: graph.New()}
			e.contexts[id] = st
		}
		st.meta = data.Context.Clone()
		st.graph.Load(data.Nodes, data.Edges)
		e.ledger.Load(id, data.Provenance)
	}

	e.version.Store(version)
	e.logger.Info("graph loaded from store",
		slog.Int("contexts", len(loaded)),
		slog.Uint64("data_version", version),
	)
	return nil
}

// =============================================================================
// Cleanup
// =============================================================================

// PruneResult describes a cleanup pass.
type PruneResult struct {
	Policy  string         `json:"policy"`
	Removed []graph.EdgeID `json:"removed"`
	Version uint64         `json:"version"`
}

// PruneEdges removes negligible edges from a context.
//
// Description:
//
//	Cleanup is never automatic. The policy selects edges from the current
//	raw weights; the selected edges are removed in one commit and reported
//	as edges_removed with reason low_weight. No provenance is recorded for
//	removals. An empty selection commits nothing.
//
// Inputs:
//
//	ctx - Context for the store write.
//	id - The context to clean.
//	policy - Selects the edges to remove.
//
// Outputs:
//
//	*PruneResult - The removed edge IDs and the resulting data version.
//	error - ErrContextNotFound or a store error.
//
// Thread Safety: Safe for concurrent use. Blocks emissions for its duration.
func (e *Engine) PruneEdges(ctx context.Context, id graph.ContextID, policy weight.CleanupPolicy) (*PruneResult, error) {
	st, err := e.state(id)
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	if st.deleted {
		st.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", graph.ErrContextNotFound, id)
	}
	unlock := e.locks.LockAll()

	selected := policy.Select(st.graph.Edges())
	result := &PruneResult{Policy: policy.Name(), Removed: selected, Version: e.Version()}
	if len(selected) == 0 {
		unlock()
		st.mu.RUnlock()
		return result, nil
	}

	m := graph.Mutation{RemovedEdges: selected}
	var version uint64
	if e.store != nil {
		version, err = e.store.Commit(context.WithoutCancel(ctx), storage.Batch{ContextID: id, Mutation: m})
		if err != nil {
			unlock()
			st.mu.RUnlock()
			return nil, fmt.Errorf("commit prune: %w", err)
		}
		e.observeVersion(version)
	} else {
		version = e.nextVersion()
	}

	st.graph.Apply(m)
	st.mutations.Add(uint64(len(selected)))
	summary := e.summarize(id, st, "", version, len(selected))
	if e.publisher != nil {
		e.publisher.Publish(events.Event{
			Kind:      events.KindEdgesRemoved,
			ContextID: id,
			EdgeIDs:   selected,
			Reason:    events.ReasonLowWeight,
			Version:   version,
			Timestamp: e.clock(),
		})
	}
	unlock()
	st.mu.RUnlock()

	result.Version = version
	e.notify(summary)

	e.logger.Info("edges pruned",
		slog.String("context_id", string(id)),
		slog.String("policy", policy.Name()),
		slog.Int("removed", len(selected)),
	)
	return result, nil
}
