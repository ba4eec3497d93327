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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/plexus/services/plexus/engine"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/sink"
)

type notePayload struct {
	Text string
}

func (notePayload) InputKind() string { return "note" }

func setup(t *testing.T) (*engine.Engine, *Runtime) {
	t.Helper()
	eng := engine.New(engine.Options{})
	_, err := eng.CreateContext(context.Background(), graph.Context{ID: "ctx"})
	require.NoError(t, err)

	rt, err := NewRuntime(Options{Engine: eng})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return eng, rt
}

func node(id graph.NodeID) sink.AnnotatedNode {
	return sink.AnnotatedNode{ID: id, Type: graph.NodeTypeConcept, Dimension: graph.DimensionSemantic}
}

// noteAdapter writes one concept node named after the note text.
func noteAdapter(id string) Func {
	return Func{
		AdapterID: id,
		Kind:      "note",
		Writes:    []graph.Dimension{graph.DimensionSemantic},
		ProcessFunc: func(ctx context.Context, in Input, s sink.Sink) error {
			p, err := PayloadAs[notePayload](in)
			if err != nil {
				return err
			}
			_, err = s.Emit(ctx, sink.Emission{Nodes: []sink.AnnotatedNode{node(graph.NodeID("concept:" + p.Text))}})
			return err
		},
	}
}

func noteInput(text string) Input {
	return Input{Kind: "note", ContextID: "ctx", Summary: "note " + text, Payload: notePayload{Text: text}}
}

func TestPayloadAs(t *testing.T) {
	p, err := PayloadAs[notePayload](noteInput("x"))
	require.NoError(t, err)
	assert.Equal(t, "x", p.Text)

	_, err = PayloadAs[notePayload](Input{Kind: "note"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = PayloadAs[SchedulePayload](noteInput("x"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRegister(t *testing.T) {
	_, rt := setup(t)

	require.NoError(t, rt.Register(noteAdapter("b")))
	require.NoError(t, rt.Register(noteAdapter("a")))
	assert.ErrorIs(t, rt.Register(noteAdapter("a")), ErrDuplicateAdapter)
	assert.ErrorIs(t, rt.Register(Func{AdapterID: "x"}), ErrInvalidAdapter)

	descs := rt.Adapters()
	require.Len(t, descs, 2)
	assert.Equal(t, "a", descs[0].ID)
	assert.Equal(t, "note", descs[0].InputKind)
}

func TestIngest_RoutesByKindAndIsolatesFailures(t *testing.T) {
	eng, rt := setup(t)

	require.NoError(t, rt.Register(noteAdapter("writer")))
	require.NoError(t, rt.Register(Func{AdapterID: "broken", Kind: "note", ProcessFunc: func(context.Context, Input, sink.Sink) error {
		return errors.New("parse failure")
	}}))
	require.NoError(t, rt.Register(Func{AdapterID: "panicky", Kind: "note", ProcessFunc: func(context.Context, Input, sink.Sink) error {
		panic("boom")
	}}))
	require.NoError(t, rt.Register(Func{AdapterID: "other-kind", Kind: "file", ProcessFunc: func(context.Context, Input, sink.Sink) error {
		t.Error("adapter for another kind must not run")
		return nil
	}}))

	invs, err := rt.Ingest(context.Background(), noteInput("auth"))
	require.NoError(t, err)
	require.Len(t, invs, 3)

	assert.Equal(t, "writer", invs[0].AdapterID)
	assert.Equal(t, StateCompleted, invs[0].State)
	assert.Equal(t, 1, invs[0].Emissions)
	assert.Equal(t, TriggerInput, invs[0].Trigger)

	assert.Equal(t, StateFailed, invs[1].State)
	assert.Contains(t, invs[1].Error, "parse failure")
	assert.Equal(t, StateFailed, invs[2].State)
	assert.Contains(t, invs[2].Error, "panicked")

	g, _ := eng.Graph("ctx")
	assert.True(t, g.HasNode("concept:auth"))

	entries := eng.Provenance().ForAdapter("ctx", "writer")
	require.Len(t, entries, 1)
	assert.Equal(t, "note auth", entries[0].InputSummary)
}

func TestDispatch_Errors(t *testing.T) {
	_, rt := setup(t)
	require.NoError(t, rt.Register(noteAdapter("writer")))
	ctx := context.Background()

	_, err := rt.Dispatch(ctx, Input{ContextID: "ctx"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = rt.Dispatch(ctx, Input{Kind: "unknown", ContextID: "ctx"})
	assert.ErrorIs(t, err, ErrNoAdapter)

	in := noteInput("x")
	in.ContextID = "missing"
	_, err = rt.Dispatch(ctx, in)
	assert.ErrorIs(t, err, graph.ErrContextNotFound)

	_, err = rt.Invocation("nope")
	assert.ErrorIs(t, err, ErrInvocationNotFound)
}

func TestDispatch_PartialStartReturnsStartedRuns(t *testing.T) {
	_, rt := setup(t)

	release := make(chan struct{})
	require.NoError(t, rt.Register(Func{AdapterID: "slow", Kind: "note", ProcessFunc: func(ctx context.Context, _ Input, _ sink.Sink) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}))
	require.NoError(t, rt.Register(noteAdapter("writer")))

	// Every start reuses one ID, so the second adapter cannot register a
	// cancellation token while the first run holds it.
	rt.newID = func() string { return "inv-fixed" }

	ids, err := rt.Dispatch(context.Background(), noteInput("x"))
	require.Error(t, err)
	assert.Equal(t, []string{"inv-fixed"}, ids)

	inv, err := rt.Invocation("inv-fixed")
	require.NoError(t, err)
	assert.Equal(t, "slow", inv.AdapterID)

	close(release)
	require.Eventually(t, func() bool {
		inv, err := rt.Invocation("inv-fixed")
		return err == nil && inv.State == StateCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatch_WaitAndPrior(t *testing.T) {
	_, rt := setup(t)

	var priors []*RunSnapshot
	require.NoError(t, rt.Register(Func{AdapterID: "counter", Kind: "note", ProcessFunc: func(ctx context.Context, in Input, s sink.Sink) error {
		priors = append(priors, in.Prior)
		_, err := s.Emit(ctx, sink.Emission{Nodes: []sink.AnnotatedNode{node("n")}})
		return err
	}}))

	ctx := context.Background()
	ids, err := rt.Dispatch(ctx, noteInput("one"))
	require.NoError(t, err)
	require.Len(t, ids, 1)
	first, err := rt.Wait(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, first.State)

	ids, err = rt.Dispatch(ctx, noteInput("two"))
	require.NoError(t, err)
	_, err = rt.Wait(ctx, ids[0])
	require.NoError(t, err)

	require.Len(t, priors, 2)
	assert.Nil(t, priors[0])
	require.NotNil(t, priors[1])
	assert.Equal(t, first.ID, priors[1].InvocationID)
	assert.Equal(t, StateCompleted, priors[1].State)
	assert.Equal(t, 1, priors[1].Emissions)

	assert.Len(t, rt.Invocations(), 2)
}

func TestCancel_BetweenEmissionsKeepsFirst(t *testing.T) {
	eng, rt := setup(t)

	firstDone := make(chan struct{})
	proceed := make(chan struct{})
	var secondErr error
	require.NoError(t, rt.Register(Func{AdapterID: "two-step", Kind: "note", ProcessFunc: func(ctx context.Context, in Input, s sink.Sink) error {
		if _, err := s.Emit(ctx, sink.Emission{Nodes: []sink.AnnotatedNode{node("first")}}); err != nil {
			return err
		}
		close(firstDone)
		<-proceed
		_, secondErr = s.Emit(ctx, sink.Emission{Nodes: []sink.AnnotatedNode{node("second")}})
		return secondErr
	}}))

	ctx := context.Background()
	ids, err := rt.Dispatch(ctx, noteInput("x"))
	require.NoError(t, err)

	<-firstDone
	require.NoError(t, rt.Cancel(ids[0]))
	close(proceed)

	inv, err := rt.Wait(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, inv.State)
	assert.Equal(t, 1, inv.Emissions)
	assert.Empty(t, inv.Error)
	assert.ErrorIs(t, secondErr, ErrCancelled)

	g, _ := eng.Graph("ctx")
	assert.True(t, g.HasNode("first"))
	assert.False(t, g.HasNode("second"))

	// Cancelling a finished invocation is a no-op.
	assert.NoError(t, rt.Cancel(ids[0]))
}

func TestIngest_ContextCancellationStopsRuns(t *testing.T) {
	_, rt := setup(t)

	started := make(chan struct{})
	require.NoError(t, rt.Register(Func{AdapterID: "slow", Kind: "note", ProcessFunc: func(ctx context.Context, in Input, s sink.Sink) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := rt.Ingest(ctx, noteInput("x"))
	assert.ErrorIs(t, err, context.Canceled)

	require.Eventually(t, func() bool {
		invs := rt.Invocations()
		return len(invs) == 1 && invs[0].State == StateCancelled
	}, time.Second, 10*time.Millisecond)
}

func TestShutdown_CancelsRunningAndRefusesNew(t *testing.T) {
	_, rt := setup(t)

	started := make(chan struct{})
	require.NoError(t, rt.Register(Func{AdapterID: "slow", Kind: "note", ProcessFunc: func(ctx context.Context, in Input, s sink.Sink) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))

	ids, err := rt.Dispatch(context.Background(), noteInput("x"))
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Shutdown(ctx))

	inv, err := rt.Invocation(ids[0])
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, inv.State)

	_, err = rt.Dispatch(context.Background(), noteInput("y"))
	assert.ErrorIs(t, err, ErrRuntimeClosed)
}

func TestInvoke_ByID(t *testing.T) {
	eng, rt := setup(t)
	require.NoError(t, rt.Register(noteAdapter("writer")))

	inv, err := rt.Invoke(context.Background(), "writer", Input{ContextID: "ctx", Payload: notePayload{Text: "manual"}})
	require.NoError(t, err)
	assert.Equal(t, TriggerManual, inv.Trigger)
	assert.Equal(t, StateCompleted, inv.State)

	g, _ := eng.Graph("ctx")
	assert.True(t, g.HasNode("concept:manual"))

	_, err = rt.Invoke(context.Background(), "nobody", Input{ContextID: "ctx"})
	assert.ErrorIs(t, err, ErrNoAdapter)
}
