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
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/plexus/services/plexus/cancel"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/provenance"
	"github.com/AleutianAI/plexus/services/plexus/sink"
	"github.com/AleutianAI/plexus/services/plexus/telemetry"
)

// DefaultHistoryLimit is how many invocations the runtime remembers.
const DefaultHistoryLimit = 1024

// Options configures a Runtime.
type Options struct {
	// Engine receives emissions. Required.
	Engine Engine

	// Controller issues cancellation tokens. Nil creates one with defaults.
	Controller *cancel.Controller

	// InvocationTimeout bounds each run. Zero uses the controller default.
	InvocationTimeout time.Duration

	// HistoryLimit caps remembered finished invocations.
	HistoryLimit int

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

type priorKey struct {
	adapterID string
	contextID graph.ContextID
}

// Runtime routes inputs to adapters and tracks invocations.
//
// # Description
//
// Every invocation runs in its own goroutine with its own cancellation
// token. Adapter failures and panics are recorded on the invocation and
// never reach sibling invocations or the caller of Dispatch.
//
// # Thread Safety
//
// Safe for concurrent use.
type Runtime struct {
	engine   Engine
	ctrl     *cancel.Controller
	ownsCtrl bool
	timeout  time.Duration
	limit    int
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	newID    func() string

	mu       sync.RWMutex
	adapters map[string]Adapter
	byKind   map[string][]Adapter
	closed   bool

	invMu       sync.Mutex
	invocations map[string]*invocation
	order       []string
	priors      map[priorKey]RunSnapshot

	wg sync.WaitGroup
}

// NewRuntime creates a runtime.
//
// Outputs:
//
//	*Runtime - The runtime, ready for Register.
//	error - Non-nil if Engine is missing or the controller cannot be built.
func NewRuntime(opts Options) (*Runtime, error) {
	if opts.Engine == nil {
		return nil, errors.New("adapter runtime requires an engine")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctrl, owns := opts.Controller, false
	if ctrl == nil {
		var err error
		ctrl, err = cancel.NewController(cancel.ControllerConfig{}, logger)
		if err != nil {
			return nil, fmt.Errorf("create cancellation controller: %w", err)
		}
		owns = true
	}

	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	return &Runtime{
		engine:      opts.Engine,
		ctrl:        ctrl,
		ownsCtrl:    owns,
		timeout:     opts.InvocationTimeout,
		limit:       limit,
		metrics:     opts.Metrics,
		logger:      logger.With(slog.String("component", "adapter_runtime")),
		newID:       uuid.NewString,
		adapters:    make(map[string]Adapter),
		byKind:      make(map[string][]Adapter),
		invocations: make(map[string]*invocation),
		priors:      make(map[priorKey]RunSnapshot),
	}, nil
}

// Register adds an adapter. Adapters sharing an input kind all run for
// each matching input, in registration order.
func (r *Runtime) Register(a Adapter) error {
	if a == nil || strings.TrimSpace(a.ID()) == "" || strings.TrimSpace(a.InputKind()) == "" {
		return fmt.Errorf("%w: id and input kind are required", ErrInvalidAdapter)
	}
	if s, ok := a.(Scheduled); ok && s.Schedule().Condition == nil {
		return fmt.Errorf("%w: %s has a schedule without a condition", ErrInvalidAdapter, a.ID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.adapters[a.ID()]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateAdapter, a.ID())
	}
	r.adapters[a.ID()] = a
	r.byKind[a.InputKind()] = append(r.byKind[a.InputKind()], a)

	r.logger.Info("adapter registered",
		slog.String("adapter_id", a.ID()),
		slog.String("input_kind", a.InputKind()),
	)
	return nil
}

// Adapters describes every registered adapter, sorted by ID.
func (r *Runtime) Adapters() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.adapters))
	for _, a := range r.adapters {
		d := Descriptor{ID: a.ID(), InputKind: a.InputKind(), Dimensions: a.Dimensions()}
		if s, ok := a.(Scheduled); ok {
			d.Schedule = s.Schedule().Condition.String()
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Runtime) scheduled() []Scheduled {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Scheduled
	for _, a := range r.adapters {
		if s, ok := a.(Scheduled); ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// -----------------------------------------------------------------------------
// Dispatch
// -----------------------------------------------------------------------------

// Dispatch starts every adapter that consumes in.Kind and returns their
// invocation IDs without waiting.
//
// Description:
//
//	The invocations outlive ctx: they keep its values but not its
//	cancellation. Use Cancel to stop them.
//
// Outputs:
//
//	[]string - Invocation IDs in adapter registration order. When a later
//	           adapter fails to start, the IDs of the runs already started
//	           are returned alongside the error.
//	error - ErrInvalidInput, graph.ErrContextNotFound, ErrNoAdapter or
//	        ErrRuntimeClosed.
func (r *Runtime) Dispatch(ctx context.Context, in Input) ([]string, error) {
	invs, err := r.dispatch(context.WithoutCancel(ctx), in)
	ids := make([]string, len(invs))
	for i, inv := range invs {
		ids[i] = inv.snapshot().ID
	}
	if err != nil && len(ids) == 0 {
		return nil, err
	}
	return ids, err
}

// Ingest runs every adapter that consumes in.Kind and waits for all of them.
//
// Description:
//
//	Cancelling ctx cancels the invocations. A failing adapter does not
//	fail Ingest; its outcome is in the returned snapshot.
//
// Outputs:
//
//	[]Invocation - Final snapshots in adapter registration order. On a
//	               partial start failure, the snapshots of the runs that
//	               did start.
//	error - A dispatch error, or ctx's error if it ended before the runs.
func (r *Runtime) Ingest(ctx context.Context, in Input) ([]Invocation, error) {
	invs, err := r.dispatch(ctx, in)
	if len(invs) == 0 {
		return nil, err
	}
	out, werr := r.await(ctx, invs)
	if werr != nil {
		return nil, werr
	}
	return out, err
}

// Invoke runs one adapter by ID, regardless of the input kind it declares.
// Scheduled adapters invoked this way still write through their
// constrained sink.
func (r *Runtime) Invoke(ctx context.Context, adapterID string, in Input) (Invocation, error) {
	r.mu.RLock()
	a, ok := r.adapters[adapterID]
	r.mu.RUnlock()
	if !ok {
		return Invocation{}, fmt.Errorf("%w: %s", ErrNoAdapter, adapterID)
	}
	if in.Trigger == "" {
		in.Trigger = TriggerManual
	}
	if in.Kind == "" {
		in.Kind = a.InputKind()
	}
	if err := r.checkInput(in); err != nil {
		return Invocation{}, err
	}

	inv, err := r.start(ctx, a, in, wrapFor(a))
	if err != nil {
		return Invocation{}, err
	}
	out, err := r.await(ctx, []*invocation{inv})
	if err != nil {
		return Invocation{}, err
	}
	return out[0], nil
}

func (r *Runtime) dispatch(parent context.Context, in Input) ([]*invocation, error) {
	if in.Trigger == "" {
		in.Trigger = TriggerInput
	}
	if err := r.checkInput(in); err != nil {
		return nil, err
	}

	r.mu.RLock()
	matched := append([]Adapter(nil), r.byKind[in.Kind]...)
	r.mu.RUnlock()
	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, in.Kind)
	}

	// Runs already started keep going when a later start fails; they are
	// returned with the error so the caller can track them.
	invs := make([]*invocation, 0, len(matched))
	for _, a := range matched {
		inv, err := r.start(parent, a, in, wrapFor(a))
		if err != nil {
			r.logger.Warn("adapter failed to start",
				slog.String("adapter_id", a.ID()),
				slog.Int("started", len(invs)),
				slog.String("error", err.Error()))
			return invs, err
		}
		invs = append(invs, inv)
	}
	return invs, nil
}

func (r *Runtime) checkInput(in Input) error {
	if in.Kind == "" {
		return fmt.Errorf("%w: input kind is required", ErrInvalidInput)
	}
	if in.ContextID == "" {
		return fmt.Errorf("%w: context id is required", ErrInvalidInput)
	}
	if _, err := r.engine.Context(in.ContextID); err != nil {
		return err
	}
	return nil
}

// wrapFor returns the sink decoration an adapter gets.
func wrapFor(a Adapter) func(sink.Sink) sink.Sink {
	if s, ok := a.(Scheduled); ok {
		c := s.Schedule().Constraints
		return func(inner sink.Sink) sink.Sink { return sink.Constrain(inner, c) }
	}
	return func(inner sink.Sink) sink.Sink { return inner }
}

func (r *Runtime) await(ctx context.Context, invs []*invocation) ([]Invocation, error) {
	out := make([]Invocation, len(invs))
	g, gctx := errgroup.WithContext(ctx)
	for i, inv := range invs {
		g.Go(func() error {
			select {
			case <-inv.done:
				out[i] = inv.snapshot()
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// start registers an invocation and launches it.
func (r *Runtime) start(parent context.Context, a Adapter, in Input, wrap func(sink.Sink) sink.Sink) (*invocation, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRuntimeClosed
	}

	id := r.newID()
	tok, err := r.ctrl.Start(parent, id, r.timeout)
	if err != nil {
		if errors.Is(err, cancel.ErrControllerClosed) {
			return nil, ErrRuntimeClosed
		}
		return nil, fmt.Errorf("start invocation: %w", err)
	}

	in.Prior = r.prior(a.ID(), in.ContextID)
	inv := newInvocation(id, a, in, tok, time.Now().UTC())
	r.remember(inv)

	r.wg.Add(1)
	go r.execute(inv, a, in, wrap)
	return inv, nil
}

// execute runs one invocation to a terminal state.
func (r *Runtime) execute(inv *invocation, a Adapter, in Input, wrap func(sink.Sink) sink.Sink) {
	defer r.wg.Done()

	ctx, span := telemetry.StartSpan(inv.tok.Context(), "plexus.adapter", "Adapter.Process",
		trace.WithAttributes(
			attribute.String("adapter_id", a.ID()),
			attribute.String("context_id", string(in.ContextID)),
			attribute.String("invocation_id", inv.tok.ID()),
			attribute.String("trigger", string(in.Trigger)),
		),
	)
	defer span.End()

	inv.start(time.Now().UTC())
	fw := provenance.Framework{AdapterID: a.ID(), ContextID: in.ContextID, InputSummary: in.Summary}
	s := &guardedSink{inner: wrap(r.engine.SinkFor(fw)), inv: inv}

	err := safeProcess(ctx, a, in, s)
	cancelled := inv.tok.Cancelled()
	inv.tok.Finish()

	state := StateCompleted
	switch {
	case err == nil:
	case errors.Is(err, ErrCancelled):
		state = StateCancelled
	case cancelled && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		state = StateCancelled
	default:
		state = StateFailed
	}

	snap := inv.finish(state, err, time.Now().UTC())
	r.recordPrior(snap)
	inv.release()

	elapsed := snap.FinishedAt.Sub(snap.StartedAt)
	r.metrics.RecordInvocation(ctx, a.ID(), string(state), elapsed)

	attrs := []any{
		slog.String("invocation_id", snap.ID),
		slog.String("adapter_id", snap.AdapterID),
		slog.String("context_id", string(snap.ContextID)),
		slog.String("state", string(state)),
		slog.Int("emissions", snap.Emissions),
		slog.Duration("duration", elapsed),
	}
	if state == StateFailed {
		telemetry.RecordError(span, err)
		r.logger.Error("adapter invocation failed", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	telemetry.SetSpanOK(span)
	r.logger.Info("adapter invocation finished", attrs...)
}

// safeProcess converts a panic in Process into an error.
func safeProcess(ctx context.Context, a Adapter, in Input, s sink.Sink) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("adapter %s panicked: %v", a.ID(), rec)
		}
	}()
	return a.Process(ctx, in, s)
}

// -----------------------------------------------------------------------------
// Invocation tracking
// -----------------------------------------------------------------------------

func (r *Runtime) remember(inv *invocation) {
	r.invMu.Lock()
	defer r.invMu.Unlock()

	id := inv.tok.ID()
	r.invocations[id] = inv
	r.order = append(r.order, id)

	// Evict the oldest finished invocations over the limit.
	for i := 0; len(r.order) > r.limit && i < len(r.order); {
		old := r.invocations[r.order[i]]
		if old != nil && !old.terminal() {
			i++
			continue
		}
		delete(r.invocations, r.order[i])
		r.order = append(r.order[:i], r.order[i+1:]...)
	}
}

func (r *Runtime) lookup(id string) (*invocation, error) {
	r.invMu.Lock()
	defer r.invMu.Unlock()
	inv, ok := r.invocations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvocationNotFound, id)
	}
	return inv, nil
}

func (r *Runtime) prior(adapterID string, ctx graph.ContextID) *RunSnapshot {
	r.invMu.Lock()
	defer r.invMu.Unlock()
	p, ok := r.priors[priorKey{adapterID, ctx}]
	if !ok {
		return nil
	}
	return &p
}

func (r *Runtime) recordPrior(snap Invocation) {
	var version uint64
	if sum, err := r.engine.Summary(snap.ContextID); err == nil {
		version = sum.Version
	}
	r.invMu.Lock()
	defer r.invMu.Unlock()
	r.priors[priorKey{snap.AdapterID, snap.ContextID}] = RunSnapshot{
		InvocationID: snap.ID,
		State:        snap.State,
		Emissions:    snap.Emissions,
		Version:      version,
		FinishedAt:   snap.FinishedAt,
	}
}

// Invocation returns a snapshot of an invocation.
func (r *Runtime) Invocation(id string) (Invocation, error) {
	inv, err := r.lookup(id)
	if err != nil {
		return Invocation{}, err
	}
	return inv.snapshot(), nil
}

// Invocations returns snapshots of every remembered invocation, oldest first.
func (r *Runtime) Invocations() []Invocation {
	r.invMu.Lock()
	live := make([]*invocation, 0, len(r.order))
	for _, id := range r.order {
		live = append(live, r.invocations[id])
	}
	r.invMu.Unlock()

	out := make([]Invocation, len(live))
	for i, inv := range live {
		out[i] = inv.snapshot()
	}
	return out
}

// Wait blocks until the invocation finishes or ctx ends.
func (r *Runtime) Wait(ctx context.Context, id string) (Invocation, error) {
	inv, err := r.lookup(id)
	if err != nil {
		return Invocation{}, err
	}
	select {
	case <-inv.done:
		return inv.snapshot(), nil
	case <-ctx.Done():
		return inv.snapshot(), ctx.Err()
	}
}

// Cancel asks a running invocation to stop at its next emission.
//
// Cancelling a finished invocation is a no-op.
func (r *Runtime) Cancel(id string) error {
	inv, err := r.lookup(id)
	if err != nil {
		return err
	}
	if inv.terminal() {
		return nil
	}
	err = r.ctrl.Cancel(id, cancel.CancelReason{Type: cancel.CancelUser, Message: "cancel requested", Component: "adapter_runtime"})
	if errors.Is(err, cancel.ErrTokenNotFound) {
		return nil
	}
	return err
}

// Shutdown refuses new invocations, cancels the running ones and waits for
// them to finish.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if r.ownsCtrl {
		if _, err := r.ctrl.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown cancellation controller: %w", err)
		}
	} else {
		r.ctrl.CancelAll(cancel.CancelReason{Type: cancel.CancelShutdown, Message: "runtime shutdown", Component: "adapter_runtime"})
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("adapter runtime stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
