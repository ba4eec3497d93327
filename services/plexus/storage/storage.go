// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the durable persistence contract for the graph
// and the provenance ledger.
//
// Every commit is an incremental upsert of the entities one emission
// touched, written together with its provenance entries, and bumps a
// monotonic data version. Readers compare data versions to detect changes
// made by other processes without diffing the graph.
package storage

import (
	"context"
	"errors"

	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/provenance"
)

// Sentinel errors for storage backends.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store is closed")
)

// Batch is everything one emission persists.
type Batch struct {
	ContextID  graph.ContextID
	Mutation   graph.Mutation
	Provenance []provenance.Entry
}

// ContextData is the full persisted state of one context.
type ContextData struct {
	Context    graph.Context
	Nodes      []graph.Node
	Edges      []graph.Edge
	Provenance []provenance.Entry
}

// GraphStore persists contexts, graph content and provenance.
//
// Thread Safety: Implementations must be safe for concurrent use.
type GraphStore interface {
	// Commit writes one batch atomically and returns the new data version.
	Commit(ctx context.Context, b Batch) (uint64, error)

	// SaveContext upserts context metadata and returns the new data version.
	SaveContext(ctx context.Context, c graph.Context) (uint64, error)

	// DeleteContext removes a context with all of its content.
	DeleteContext(ctx context.Context, id graph.ContextID) (uint64, error)

	// LoadContext reads a context with all of its content.
	// Returns ErrNotFound if the context does not exist.
	LoadContext(ctx context.Context, id graph.ContextID) (*ContextData, error)

	// ListContexts returns the metadata of every persisted context.
	ListContexts(ctx context.Context) ([]graph.Context, error)

	// DataVersion returns the current data version. 0 for an empty store.
	DataVersion(ctx context.Context) (uint64, error)

	// Close releases the store.
	Close() error
}
