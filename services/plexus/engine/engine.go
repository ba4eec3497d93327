// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine owns the graph state and is the only writer to it.
//
// The Engine keeps one in-memory graph per context, the provenance ledger,
// and an optional durable store. Every graph mutation enters through a
// Sink obtained from SinkFor; context metadata is administered directly
// through the Engine and never passes through the emission pipeline.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/plexus/services/plexus/events"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/provenance"
	"github.com/AleutianAI/plexus/services/plexus/sink"
	"github.com/AleutianAI/plexus/services/plexus/storage"
	"github.com/AleutianAI/plexus/services/plexus/telemetry"
)

// Options configures an Engine. Every field is optional.
type Options struct {
	// Store persists commits. Nil keeps everything in memory.
	Store storage.GraphStore

	// Publisher receives graph events after each commit.
	Publisher events.Publisher

	// Metrics records pipeline measurements.
	Metrics *telemetry.Metrics

	// Logger is the parent logger.
	Logger *slog.Logger

	// Clock returns commit timestamps. Defaults to time.Now in UTC.
	Clock func() time.Time

	// LockStripes sizes the node lock table.
	LockStripes int
}

// Summary is a point-in-time description of one context, handed to commit
// hooks and to schedule predicates.
type Summary struct {
	ContextID graph.ContextID `json:"context_id"`

	// AdapterID produced the commit that generated this summary. Empty for
	// summaries taken outside a commit.
	AdapterID string `json:"adapter_id,omitempty"`

	// Version is the data version after the commit.
	Version uint64 `json:"version"`

	NodeCount int `json:"node_count"`
	EdgeCount int `json:"edge_count"`

	// Mutations counts entities committed in the context since the engine
	// started.
	Mutations uint64 `json:"mutations"`

	// LastEmission is the number of entities the triggering commit touched.
	LastEmission int `json:"last_emission"`

	At time.Time `json:"at"`
}

// contextState is the in-memory side of one context.
//
// mu guards meta and deleted. Emissions hold it for reading for their whole
// commit so that a context cannot be deleted under them.
type contextState struct {
	mu      sync.RWMutex
	meta    graph.Context
	deleted bool

	graph     *graph.Graph
	mutations atomic.Uint64
}

// Engine is the graph owner and the committing Sink implementation.
//
// # Description
//
// Emissions run concurrently. Each one locks only the nodes it touches,
// computes its mutation from the current graph, writes the mutation and its
// provenance to the store in one transaction, installs it in memory, then
// publishes events and notifies commit hooks.
//
// # Thread Safety
//
// Safe for concurrent use.
type Engine struct {
	store     storage.GraphStore
	publisher events.Publisher
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	clock     func() time.Time
	locks     *lockTable

	mu       sync.RWMutex
	contexts map[graph.ContextID]*contextState

	ledger  *provenance.Ledger
	version atomic.Uint64

	// adminMu serializes context lifecycle changes and reloads.
	adminMu sync.Mutex

	hooksMu sync.RWMutex
	hooks   []func(Summary)
}

// New creates an engine. Call LoadAll to pick up persisted contexts.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:     opts.Store,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		logger:    logger.With(slog.String("component", "engine")),
		clock:     clock,
		locks:     newLockTable(opts.LockStripes),
		contexts:  make(map[graph.ContextID]*contextState),
		ledger:    provenance.NewLedger(),
	}
}

// SinkFor returns the Sink an adapter invocation writes through.
//
// Every entry recorded through the returned sink carries fw's structural
// fields. The adapter never sees the provenance it produces.
func (e *Engine) SinkFor(fw provenance.Framework) sink.Sink {
	return &engineSink{engine: e, fw: fw}
}

// engineSink binds an invocation's provenance framework to the engine.
type engineSink struct {
	engine *Engine
	fw     provenance.Framework
}

// Emit implements sink.Sink.
func (s *engineSink) Emit(ctx context.Context, em sink.Emission) (*sink.Result, error) {
	return s.engine.emit(ctx, s.fw, em)
}

// Graph returns the live graph of a context. Reads on it return copies.
func (e *Engine) Graph(id graph.ContextID) (*graph.Graph, error) {
	st, err := e.state(id)
	if err != nil {
		return nil, err
	}
	return st.graph, nil
}

// Provenance returns the provenance ledger.
func (e *Engine) Provenance() *provenance.Ledger {
	return e.ledger
}

// Version returns the last data version this engine committed or loaded.
func (e *Engine) Version() uint64 {
	return e.version.Load()
}

// Summary returns the current summary of a context.
func (e *Engine) Summary(id graph.ContextID) (Summary, error) {
	st, err := e.state(id)
	if err != nil {
		return Summary{}, err
	}
	return e.summarize(id, st, "", e.Version(), 0), nil
}

// OnCommit registers fn to receive a Summary after every commit.
//
// Hooks run synchronously on the committing goroutine, after events are
// published. They must not block.
func (e *Engine) OnCommit(fn func(Summary)) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.hooks = append(e.hooks, fn)
}

func (e *Engine) notify(s Summary) {
	e.hooksMu.RLock()
	hooks := slices.Clone(e.hooks)
	e.hooksMu.RUnlock()

	for _, fn := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("commit hook panicked",
						slog.String("context_id", string(s.ContextID)),
						slog.Any("panic", r),
					)
				}
			}()
			fn(s)
		}()
	}
}

func (e *Engine) summarize(id graph.ContextID, st *contextState, adapterID string, version uint64, last int) Summary {
	return Summary{
		ContextID:    id,
		AdapterID:    adapterID,
		Version:      version,
		NodeCount:    st.graph.NodeCount(),
		EdgeCount:    st.graph.EdgeCount(),
		Mutations:    st.mutations.Load(),
		LastEmission: last,
		At:           e.clock(),
	}
}

func (e *Engine) state(id graph.ContextID) (*contextState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.contexts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", graph.ErrContextNotFound, id)
	}
	return st, nil
}

// observeVersion raises the known data version to v.
func (e *Engine) observeVersion(v uint64) {
	for {
		cur := e.version.Load()
		if v <= cur || e.version.CompareAndSwap(cur, v) {
			return
		}
	}
}

// nextVersion returns the version for a commit without a store.
func (e *Engine) nextVersion() uint64 {
	return e.version.Add(1)
}

// contextIDs returns the loaded context IDs, sorted.
func (e *Engine) contextIDs() []graph.ContextID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]graph.ContextID, 0, len(e.contexts))
	for id := range e.contexts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
