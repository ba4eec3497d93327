// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cancel

import (
	"errors"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrControllerClosed is returned when operations are attempted on a closed controller.
	ErrControllerClosed = errors.New("cancellation controller is closed")

	// ErrTokenNotFound is returned when no live token has the given ID.
	ErrTokenNotFound = errors.New("cancellation token not found")

	// ErrDuplicateToken is returned when a token ID is already registered.
	ErrDuplicateToken = errors.New("cancellation token already registered")

	// ErrNilContext is returned when a nil context is provided.
	ErrNilContext = errors.New("context must not be nil")
)

// -----------------------------------------------------------------------------
// Enums
// -----------------------------------------------------------------------------

// CancelType indicates why cancellation occurred.
type CancelType int

const (
	// CancelUser indicates an explicit cancel request (API, CLI).
	CancelUser CancelType = iota

	// CancelTimeout indicates the work exceeded its timeout.
	CancelTimeout

	// CancelParent indicates the parent context was cancelled.
	CancelParent

	// CancelShutdown indicates system shutdown is in progress.
	CancelShutdown
)

// String returns the string representation of the cancel type.
func (t CancelType) String() string {
	switch t {
	case CancelUser:
		return "user"
	case CancelTimeout:
		return "timeout"
	case CancelParent:
		return "parent"
	case CancelShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// State represents the current state of a token.
type State int

const (
	// StateRunning indicates the work is active.
	StateRunning State = iota

	// StateCancelled indicates cancellation was signalled before the work
	// finished.
	StateCancelled

	// StateDone indicates the work finished without being cancelled.
	StateDone
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if this is a terminal state.
func (s State) IsTerminal() bool {
	return s == StateCancelled || s == StateDone
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// ControllerConfig configures the Controller.
type ControllerConfig struct {
	// DefaultTimeout is applied to tokens that don't specify their own.
	// Zero means no timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"gte=0"`

	// GracePeriod is how long Shutdown waits for running work to release
	// its tokens after cancelling them. Default: 2 seconds.
	GracePeriod time.Duration `yaml:"grace_period" validate:"gte=0"`

	// EnableMetrics enables Prometheus metrics collection.
	EnableMetrics bool `yaml:"enable_metrics"`
}

// Validate checks if the configuration is valid.
func (c *ControllerConfig) Validate() error {
	if c.DefaultTimeout < 0 {
		return errors.New("DefaultTimeout must be >= 0")
	}
	if c.GracePeriod < 0 {
		return errors.New("GracePeriod must be >= 0")
	}
	return nil
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *ControllerConfig) ApplyDefaults() {
	if c.GracePeriod == 0 {
		c.GracePeriod = 2 * time.Second
	}
}

// -----------------------------------------------------------------------------
// Result Types
// -----------------------------------------------------------------------------

// CancelReason describes why cancellation occurred.
type CancelReason struct {
	// Type indicates the category of cancellation.
	Type CancelType `json:"type"`

	// Message provides a human-readable description.
	Message string `json:"message,omitempty"`

	// Component identifies which component triggered the cancellation.
	Component string `json:"component,omitempty"`

	// Timestamp is when the cancellation was triggered.
	Timestamp time.Time `json:"timestamp"`
}

// Status is a snapshot of one token.
type Status struct {
	ID           string        `json:"id"`
	State        State         `json:"state"`
	CancelReason *CancelReason `json:"cancel_reason,omitempty"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
}

// ShutdownResult contains the results of a graceful shutdown.
type ShutdownResult struct {
	// Success is true if every token was released within the grace period.
	Success bool

	// Duration is how long the shutdown took.
	Duration time.Duration

	// Cancelled is the count of tokens cancelled by the shutdown.
	Cancelled int

	// Abandoned is the count of tokens still held when the grace period
	// expired.
	Abandoned int
}
