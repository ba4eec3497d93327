// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/plexus/services/plexus/cancel"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/sink"
)

// State is the lifecycle state of an invocation.
//
//	dispatched -> running -> completed | cancelled | failed
type State string

const (
	StateDispatched State = "dispatched"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// IsTerminal returns true for completed, cancelled and failed.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Invocation is a snapshot of one adapter run.
type Invocation struct {
	ID           string          `json:"id"`
	AdapterID    string          `json:"adapter_id"`
	ContextID    graph.ContextID `json:"context_id"`
	Kind         string          `json:"kind"`
	Trigger      Trigger         `json:"trigger"`
	State        State           `json:"state"`
	Error        string          `json:"error,omitempty"`
	Emissions    int             `json:"emissions"`
	DispatchedAt time.Time       `json:"dispatched_at"`
	StartedAt    time.Time       `json:"started_at,omitempty"`
	FinishedAt   time.Time       `json:"finished_at,omitempty"`
}

// invocation is the runtime's live record of a run.
type invocation struct {
	tok  *cancel.Token
	done chan struct{}

	mu   sync.Mutex
	snap Invocation
}

func newInvocation(id string, a Adapter, in Input, tok *cancel.Token, now time.Time) *invocation {
	return &invocation{
		tok:  tok,
		done: make(chan struct{}),
		snap: Invocation{
			ID:           id,
			AdapterID:    a.ID(),
			ContextID:    in.ContextID,
			Kind:         in.Kind,
			Trigger:      in.Trigger,
			State:        StateDispatched,
			DispatchedAt: now,
		},
	}
}

func (inv *invocation) snapshot() Invocation {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.snap
}

func (inv *invocation) start(now time.Time) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.snap.State = StateRunning
	inv.snap.StartedAt = now
}

func (inv *invocation) emitted() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.snap.Emissions++
}

func (inv *invocation) finish(state State, err error, now time.Time) Invocation {
	inv.mu.Lock()
	inv.snap.State = state
	inv.snap.FinishedAt = now
	if err != nil && state == StateFailed {
		inv.snap.Error = err.Error()
	}
	snap := inv.snap
	inv.mu.Unlock()
	return snap
}

// release wakes waiters. Called once, after finish.
func (inv *invocation) release() {
	close(inv.done)
}

func (inv *invocation) terminal() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.snap.State.IsTerminal()
}

// guardedSink checks for cancellation before every emission.
//
// An emission that already entered the engine commits regardless of a
// later cancel; the next Emit call returns ErrCancelled.
type guardedSink struct {
	inner sink.Sink
	inv   *invocation
}

// Emit implements sink.Sink.
func (g *guardedSink) Emit(ctx context.Context, em sink.Emission) (*sink.Result, error) {
	if g.inv.tok.Cancelled() {
		return nil, fmt.Errorf("%w: %s", ErrCancelled, g.inv.tok.ID())
	}
	res, err := g.inner.Emit(ctx, em)
	if err == nil && res != nil && res.Committed {
		g.inv.emitted()
	}
	return res, err
}
