// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package adapter defines the adapter contract and the runtime that routes
// inputs to adapters, tracks their invocations and runs scheduled adapters.
//
// The runtime never looks inside a payload. It matches Input.Kind against
// each adapter's declared InputKind and hands the envelope over; adapters
// recover their concrete payload with PayloadAs.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/plexus/services/plexus/engine"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/provenance"
	"github.com/AleutianAI/plexus/services/plexus/sink"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidInput is returned by adapters that cannot interpret an input.
	ErrInvalidInput = errors.New("invalid adapter input")

	// ErrCancelled is returned by the sink of a cancelled invocation. It is
	// a cooperative stop, not a failure.
	ErrCancelled = errors.New("invocation cancelled")

	// ErrDuplicateAdapter is returned when an adapter ID is registered twice.
	ErrDuplicateAdapter = errors.New("adapter already registered")

	// ErrInvalidAdapter is returned when an adapter declares no ID or kind.
	ErrInvalidAdapter = errors.New("invalid adapter")

	// ErrNoAdapter is returned when no registered adapter consumes an input kind.
	ErrNoAdapter = errors.New("no adapter for input kind")

	// ErrInvocationNotFound is returned for unknown or evicted invocation IDs.
	ErrInvocationNotFound = errors.New("invocation not found")

	// ErrRuntimeClosed is returned after Shutdown.
	ErrRuntimeClosed = errors.New("adapter runtime is closed")
)

// -----------------------------------------------------------------------------
// Input envelope
// -----------------------------------------------------------------------------

// Trigger says why an invocation happened.
type Trigger string

const (
	// TriggerInput is an external input: a file change, fragment or mark.
	TriggerInput Trigger = "input"

	// TriggerSchedule is a scheduled run.
	TriggerSchedule Trigger = "schedule"

	// TriggerManual is an operator request.
	TriggerManual Trigger = "manual"
)

// Payload is the domain-specific content of an input.
//
// The runtime routes on Input.Kind only; InputKind lets adapters and
// callers check that a payload matches the envelope it travels in.
type Payload interface {
	InputKind() string
}

// RunSnapshot describes an adapter's previous run in the same context.
type RunSnapshot struct {
	InvocationID string    `json:"invocation_id"`
	State        State     `json:"state"`
	Emissions    int       `json:"emissions"`
	Version      uint64    `json:"version"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Input is the envelope handed to Adapter.Process.
type Input struct {
	// Kind routes the input. Required.
	Kind string

	// ContextID is the context the adapter writes into. Required.
	ContextID graph.ContextID

	Trigger Trigger

	// Summary describes the input in provenance entries, e.g. a file path.
	Summary string

	Payload Payload

	// Prior is filled by the runtime with the adapter's last finished run
	// in this context.
	Prior *RunSnapshot
}

// PayloadAs returns the input's payload as T.
//
// Outputs:
//
//	T - The typed payload.
//	error - ErrInvalidInput if the payload is missing or of another type.
func PayloadAs[T Payload](in Input) (T, error) {
	var zero T
	if in.Payload == nil {
		return zero, fmt.Errorf("%w: missing payload for %s", ErrInvalidInput, in.Kind)
	}
	p, ok := in.Payload.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s payload has type %T", ErrInvalidInput, in.Kind, in.Payload)
	}
	return p, nil
}

// -----------------------------------------------------------------------------
// Adapter contract
// -----------------------------------------------------------------------------

// Adapter turns one category of input into emissions.
//
// Process emits incrementally through s. It should stop and return the
// sink's error when Emit returns ErrCancelled. Emissions already committed
// stay committed whatever Process returns.
type Adapter interface {
	ID() string
	Dimensions() []graph.Dimension
	InputKind() string
	Process(ctx context.Context, in Input, s sink.Sink) error
}

// Scheduled is an adapter the scheduler runs on a condition over the graph.
// Scheduled adapters always write through a constrained sink.
type Scheduled interface {
	Adapter
	Schedule() Schedule
}

// Engine is the part of the engine the runtime uses.
type Engine interface {
	SinkFor(fw provenance.Framework) sink.Sink
	Context(id graph.ContextID) (graph.Context, error)
	Summary(id graph.ContextID) (engine.Summary, error)
	ListContexts() []graph.Context
}

// Descriptor lists a registered adapter.
type Descriptor struct {
	ID         string            `json:"id"`
	InputKind  string            `json:"input_kind"`
	Dimensions []graph.Dimension `json:"dimensions"`
	Schedule   string            `json:"schedule,omitempty"`
}

// Func adapts a function to the Adapter interface. Used by tests and small
// inline adapters.
type Func struct {
	AdapterID   string
	Kind        string
	Writes      []graph.Dimension
	ProcessFunc func(ctx context.Context, in Input, s sink.Sink) error
}

func (f Func) ID() string                    { return f.AdapterID }
func (f Func) Dimensions() []graph.Dimension { return f.Writes }
func (f Func) InputKind() string             { return f.Kind }

// Process calls ProcessFunc.
func (f Func) Process(ctx context.Context, in Input, s sink.Sink) error {
	return f.ProcessFunc(ctx, in, s)
}
