// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provenance

import (
	"sort"
	"sync"

	"github.com/AleutianAI/plexus/services/plexus/graph"
)

// Ledger is the in-memory index of provenance entries, per context and per
// target.
//
// The durable copy lives in the graph store and is written in the same
// transaction as the mutation it describes. The ledger is the read side.
//
// Thread Safety: Safe for concurrent use.
type Ledger struct {
	mu        sync.RWMutex
	byContext map[graph.ContextID]map[Target][]Entry
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{byContext: make(map[graph.ContextID]map[Target][]Entry)}
}

// Record appends entries. Entries are grouped by their own ContextID.
func (l *Ledger) Record(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		targets := l.byContext[e.ContextID]
		if targets == nil {
			targets = make(map[Target][]Entry)
			l.byContext[e.ContextID] = targets
		}
		targets[e.Target] = append(targets[e.Target], e)
	}
}

// For returns the entries recorded for a target, oldest first.
func (l *Ledger) For(ctx graph.ContextID, target Target) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := append([]Entry(nil), l.byContext[ctx][target]...)
	sortEntries(out)
	return out
}

// Context returns every entry of a context, oldest first.
func (l *Ledger) Context(ctx graph.ContextID) []Entry {
	return l.Where(ctx, func(Entry) bool { return true })
}

// ForAdapter returns the entries produced by one adapter in a context.
func (l *Ledger) ForAdapter(ctx graph.ContextID, adapterID string) []Entry {
	return l.Where(ctx, func(e Entry) bool { return e.AdapterID == adapterID })
}

// Where returns the entries of a context accepted by match, oldest first.
func (l *Ledger) Where(ctx graph.ContextID, match func(Entry) bool) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, entries := range l.byContext[ctx] {
		for _, e := range entries {
			if match(e) {
				out = append(out, e)
			}
		}
	}
	sortEntries(out)
	return out
}

// Count returns the number of entries in a context.
func (l *Ledger) Count(ctx graph.ContextID) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, entries := range l.byContext[ctx] {
		n += len(entries)
	}
	return n
}

// Load replaces the entries of a context.
func (l *Ledger) Load(ctx graph.ContextID, entries []Entry) {
	l.mu.Lock()
	delete(l.byContext, ctx)
	l.mu.Unlock()
	l.Record(entries)
}

// DropContext forgets every entry of a context.
func (l *Ledger) DropContext(ctx graph.ContextID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byContext, ctx)
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return entries[i].ID < entries[j].ID
	})
}
