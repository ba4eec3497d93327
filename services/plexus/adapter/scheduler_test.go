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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/plexus/services/plexus/engine"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/provenance"
	"github.com/AleutianAI/plexus/services/plexus/sink"
)

// proposer is a scheduled adapter that proposes one tentative edge.
type proposer struct {
	id       string
	schedule Schedule
	runs     atomic.Int32
	remove   bool
}

func (p *proposer) ID() string                    { return p.id }
func (p *proposer) Dimensions() []graph.Dimension { return []graph.Dimension{graph.DimensionSemantic} }
func (p *proposer) InputKind() string             { return "schedule." + p.id }
func (p *proposer) Schedule() Schedule            { return p.schedule }

func (p *proposer) Process(ctx context.Context, in Input, s sink.Sink) error {
	p.runs.Add(1)
	em := sink.Emission{Edges: []sink.AnnotatedEdge{{
		Source: "concept:a", Target: "concept:b", Relation: graph.RelationMayBeRelated, Weight: 3,
	}}}
	if p.remove {
		em = sink.Emission{Removals: []graph.NodeID{"concept:a"}}
	}
	_, err := s.Emit(ctx, em)
	return err
}

func seed(t *testing.T, eng *engine.Engine) {
	t.Helper()
	s := eng.SinkFor(provenance.Framework{AdapterID: "seed", ContextID: "ctx"})
	_, err := s.Emit(context.Background(), sink.Emission{Nodes: []sink.AnnotatedNode{node("concept:a")}})
	require.NoError(t, err)
	_, err = s.Emit(context.Background(), sink.Emission{Nodes: []sink.AnnotatedNode{node("concept:b")}})
	require.NoError(t, err)
}

func startScheduler(t *testing.T, eng *engine.Engine, rt *Runtime) *Scheduler {
	t.Helper()
	s := NewScheduler(rt, SchedulerOptions{Tick: time.Hour})
	eng.OnCommit(s.Notify)
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func TestScheduler_AfterMutationsUsesConstrainedSink(t *testing.T) {
	eng, rt := setup(t)
	p := &proposer{id: "linker", schedule: Schedule{Condition: AfterMutations{N: 2}}}
	require.NoError(t, rt.Register(p))
	startScheduler(t, eng, rt)

	seed(t, eng)

	g, _ := eng.Graph("ctx")
	id := graph.MakeEdgeID("concept:a", graph.RelationMayBeRelated, "concept:b")
	require.Eventually(t, func() bool {
		_, ok := g.Edge(id)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	edge, _ := g.Edge(id)
	assert.Equal(t, sink.DefaultWeightCap, edge.RawWeight)
	assert.Equal(t, "linker", edge.Contributions[0].Source)

	// The adapter's own commit does not count toward its threshold.
	assert.Never(t, func() bool { return p.runs.Load() > 1 }, 200*time.Millisecond, 20*time.Millisecond)

	invs := rt.Invocations()
	require.Len(t, invs, 1)
	assert.Equal(t, TriggerSchedule, invs[0].Trigger)
	assert.Equal(t, StateCompleted, invs[0].State)
}

func TestScheduler_PredicateFailuresDoNotBlockOthers(t *testing.T) {
	eng, rt := setup(t)

	bad := &proposer{id: "bad", schedule: Schedule{Condition: When{Name: "panics", Predicate: func(engine.Summary) (bool, error) {
		panic("predicate bug")
	}}}}
	failing := &proposer{id: "failing", schedule: Schedule{Condition: When{Name: "errors", Predicate: func(engine.Summary) (bool, error) {
		return false, errors.New("cannot decide")
	}}}}
	good := &proposer{id: "good", schedule: Schedule{Condition: When{Name: "two nodes", Predicate: func(s engine.Summary) (bool, error) {
		return s.NodeCount >= 2, nil
	}}}}
	require.NoError(t, rt.Register(bad))
	require.NoError(t, rt.Register(failing))
	require.NoError(t, rt.Register(good))
	startScheduler(t, eng, rt)

	seed(t, eng)

	require.Eventually(t, func() bool { return good.runs.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, bad.runs.Load())
	assert.Zero(t, failing.runs.Load())
}

func TestScheduler_EveryRunsOnTick(t *testing.T) {
	eng, rt := setup(t)
	seed(t, eng)

	p := &proposer{id: "periodic", schedule: Schedule{Condition: Every{Interval: time.Hour}}}
	require.NoError(t, rt.Register(p))
	s := startScheduler(t, eng, rt)

	now := time.Now()
	require.True(t, s.Tick(now))
	require.Eventually(t, func() bool { return p.runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.Tick(now.Add(time.Minute))
	assert.Never(t, func() bool { return p.runs.Load() > 1 }, 100*time.Millisecond, 20*time.Millisecond)

	later := now.Add(2 * time.Hour)
	require.Eventually(t, func() bool {
		s.Tick(later)
		return p.runs.Load() == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestScheduler_ContextFilterAndRateLimit(t *testing.T) {
	eng, rt := setup(t)
	_, err := eng.CreateContext(context.Background(), graph.Context{ID: "elsewhere"})
	require.NoError(t, err)
	seed(t, eng)

	p := &proposer{id: "limited", schedule: Schedule{
		Condition: Every{Interval: time.Nanosecond},
		Contexts:  []graph.ContextID{"ctx"},
		MinGap:    time.Hour,
	}}
	require.NoError(t, rt.Register(p))
	s := startScheduler(t, eng, rt)

	now := time.Now()
	s.Tick(now)
	require.Eventually(t, func() bool { return p.runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The limiter refuses a second run within MinGap.
	for i := 1; i <= 5; i++ {
		s.Tick(now.Add(time.Duration(i) * time.Second))
	}
	assert.Never(t, func() bool { return p.runs.Load() > 1 }, 100*time.Millisecond, 20*time.Millisecond)

	for _, inv := range rt.Invocations() {
		assert.Equal(t, graph.ContextID("ctx"), inv.ContextID)
	}
}

func TestScheduledAdapter_RemovalRejected(t *testing.T) {
	eng, rt := setup(t)
	seed(t, eng)

	p := &proposer{id: "remover", remove: true, schedule: Schedule{Condition: AfterMutations{N: 1000}}}
	require.NoError(t, rt.Register(p))

	inv, err := rt.Invoke(context.Background(), "remover", Input{ContextID: "ctx"})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, inv.State)
	assert.Contains(t, inv.Error, string(sink.ReasonRemovalNotAllowed))

	g, _ := eng.Graph("ctx")
	assert.True(t, g.HasNode("concept:a"))
}

func TestScheduler_StopBeforeStart(t *testing.T) {
	_, rt := setup(t)
	s := NewScheduler(rt, SchedulerOptions{})
	s.Stop()
	assert.False(t, s.Tick(time.Now()))
}

func TestScheduleApplies(t *testing.T) {
	assert.True(t, Schedule{}.Applies("any"))
	s := Schedule{Contexts: []graph.ContextID{"a"}}
	assert.True(t, s.Applies("a"))
	assert.False(t, s.Applies("b"))
	assert.Equal(t, "after 3 mutations", AfterMutations{N: 3}.String())
	assert.Equal(t, "every 1m0s", Every{Interval: time.Minute}.String())
}
