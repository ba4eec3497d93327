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
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/plexus/services/plexus/engine"
	"github.com/AleutianAI/plexus/services/plexus/graph"
)

const (
	// DefaultTick is the periodic evaluation interval.
	DefaultTick = time.Second

	// DefaultQueueSize bounds pending commit summaries.
	DefaultQueueSize = 1024
)

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// Tick is how often periodic schedules are evaluated.
	Tick time.Duration

	// QueueSize bounds commit summaries waiting for evaluation. Summaries
	// arriving at a full queue are dropped and logged.
	QueueSize int

	Logger *slog.Logger
}

// scheduleEntry is one scheduled adapter with its immutable descriptor.
type scheduleEntry struct {
	adapter  Scheduled
	schedule Schedule
	limiter  *rate.Limiter
}

// runState is what the scheduler remembers per (adapter, context).
type runState struct {
	last     engine.Summary
	baseline uint64
	lastRun  time.Time
	inFlight bool
}

type runKey struct {
	adapterID string
	contextID graph.ContextID
}

// Scheduler runs scheduled adapters.
//
// # Description
//
// The scheduler's loop goroutine exclusively owns the schedule entries and
// the per-context run state. Everything else reaches it by message: commit
// summaries through Notify, run completions from the invocations it
// started, and ticks from its ticker. Threshold and predicate schedules are
// evaluated per commit summary, periodic schedules per tick. Each
// (adapter, context) pair has at most one run in flight.
//
// Register scheduled adapters with the runtime before calling Start;
// adapters registered later are not scheduled.
//
// # Thread Safety
//
// Notify, Tick and Stop are safe for concurrent use.
type Scheduler struct {
	rt     *Runtime
	logger *slog.Logger
	tick   time.Duration

	summaries chan engine.Summary
	finished  chan runKey
	ticks     chan time.Time
	stop      chan struct{}
	done      chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	// Owned by the loop goroutine.
	entries []*scheduleEntry
	states  map[runKey]*runState
}

// NewScheduler creates a scheduler for the runtime's scheduled adapters.
func NewScheduler(rt *Runtime, opts SchedulerOptions) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tick := opts.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Scheduler{
		rt:        rt,
		logger:    logger.With(slog.String("component", "scheduler")),
		tick:      tick,
		summaries: make(chan engine.Summary, size),
		finished:  make(chan runKey, size),
		ticks:     make(chan time.Time),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		states:    make(map[runKey]*runState),
	}
}

// Start snapshots the scheduled adapters and starts the loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		for _, a := range s.rt.scheduled() {
			sched := a.Schedule()
			e := &scheduleEntry{adapter: a, schedule: sched}
			if sched.MinGap > 0 {
				e.limiter = rate.NewLimiter(rate.Every(sched.MinGap), 1)
			}
			s.entries = append(s.entries, e)
			s.logger.Info("adapter scheduled",
				slog.String("adapter_id", a.ID()),
				slog.String("condition", sched.Condition.String()),
			)
		}
		go s.loop(context.WithoutCancel(ctx))
	})
}

// Notify hands a commit summary to the scheduler. It never blocks; it is
// meant to be registered with engine.OnCommit.
func (s *Scheduler) Notify(sum engine.Summary) {
	select {
	case s.summaries <- sum:
	default:
		s.logger.Warn("scheduler queue full, summary dropped",
			slog.String("context_id", string(sum.ContextID)),
			slog.Uint64("version", sum.Version),
		)
	}
}

// Tick evaluates periodic schedules now. It blocks until the loop accepts
// the tick and returns false if the scheduler is stopped.
func (s *Scheduler) Tick(now time.Time) bool {
	select {
	case s.ticks <- now:
		return true
	case <-s.done:
		return false
	}
}

// Stop ends the loop. Runs already started continue until they finish or
// the runtime shuts down.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.startOnce.Do(func() { close(s.done) })
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case sum := <-s.summaries:
			s.onSummary(ctx, sum)
		case key := <-s.finished:
			if st, ok := s.states[key]; ok {
				st.inFlight = false
			}
		case now := <-ticker.C:
			s.onTick(ctx, now)
		case now := <-s.ticks:
			s.onTick(ctx, now)
		}
	}
}

func (s *Scheduler) state(key runKey) *runState {
	st, ok := s.states[key]
	if !ok {
		st = &runState{}
		s.states[key] = st
	}
	return st
}

func (s *Scheduler) onSummary(ctx context.Context, sum engine.Summary) {
	for _, e := range s.entries {
		if !e.schedule.Applies(sum.ContextID) {
			continue
		}
		id := e.adapter.ID()
		st := s.state(runKey{id, sum.ContextID})
		st.last = sum

		self := sum.AdapterID == id
		if self {
			st.baseline += uint64(sum.LastEmission)
		}

		switch c := e.schedule.Condition.(type) {
		case AfterMutations:
			if self || sum.Mutations < st.baseline || sum.Mutations-st.baseline < c.N {
				continue
			}
			if s.dispatch(ctx, e, st, sum, time.Now()) {
				st.baseline = sum.Mutations
			}
		case When:
			if self || !s.evaluate(id, c, sum) {
				continue
			}
			s.dispatch(ctx, e, st, sum, time.Now())
		}
	}
}

func (s *Scheduler) onTick(ctx context.Context, now time.Time) {
	var contexts []graph.Context
	for _, e := range s.entries {
		c, ok := e.schedule.Condition.(Every)
		if !ok {
			continue
		}
		if contexts == nil {
			contexts = s.rt.engine.ListContexts()
		}
		for _, meta := range contexts {
			if !e.schedule.Applies(meta.ID) {
				continue
			}
			st := s.state(runKey{e.adapter.ID(), meta.ID})
			if !st.lastRun.IsZero() && now.Sub(st.lastRun) < c.Interval {
				continue
			}
			sum, err := s.rt.engine.Summary(meta.ID)
			if err != nil {
				continue
			}
			st.last = sum
			s.dispatch(ctx, e, st, sum, now)
		}
	}
}

// evaluate runs a predicate, treating errors and panics as false.
func (s *Scheduler) evaluate(adapterID string, c When, sum engine.Summary) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("schedule predicate panicked",
				slog.String("adapter_id", adapterID),
				slog.String("condition", c.Name),
				slog.Any("panic", r),
			)
			ok = false
		}
	}()
	if c.Predicate == nil {
		return false
	}
	ok, err := c.Predicate(sum)
	if err != nil {
		s.logger.Warn("schedule predicate failed",
			slog.String("adapter_id", adapterID),
			slog.String("condition", c.Name),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}

// dispatch starts a scheduled run unless one is in flight or the adapter's
// rate limit forbids it.
func (s *Scheduler) dispatch(ctx context.Context, e *scheduleEntry, st *runState, sum engine.Summary, now time.Time) bool {
	id := e.adapter.ID()
	if st.inFlight {
		return false
	}
	if e.limiter != nil && !e.limiter.AllowN(now, 1) {
		s.logger.Debug("scheduled run rate limited",
			slog.String("adapter_id", id),
			slog.String("context_id", string(sum.ContextID)),
		)
		return false
	}

	cond := e.schedule.Condition.String()
	in := Input{
		Kind:      e.adapter.InputKind(),
		ContextID: sum.ContextID,
		Trigger:   TriggerSchedule,
		Summary:   fmt.Sprintf("%s at version %d", cond, sum.Version),
		Payload:   SchedulePayload{Kind: e.adapter.InputKind(), Condition: cond, Summary: sum},
	}
	inv, err := s.rt.start(ctx, e.adapter, in, wrapFor(e.adapter))
	if err != nil {
		s.logger.Warn("scheduled run not started",
			slog.String("adapter_id", id),
			slog.String("context_id", string(sum.ContextID)),
			slog.String("error", err.Error()),
		)
		return false
	}

	st.inFlight = true
	st.lastRun = now
	key := runKey{id, sum.ContextID}
	go func() {
		<-inv.done
		select {
		case s.finished <- key:
		case <-s.stop:
		}
	}()
	return true
}
