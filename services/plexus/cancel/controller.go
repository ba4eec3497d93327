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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	tokensStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plexus_cancel_tokens_started_total",
		Help: "Cancellable units of work started",
	})

	tokensCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexus_cancel_tokens_cancelled_total",
		Help: "Cancellations by type",
	}, []string{"type"})

	tokensActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plexus_cancel_tokens_active",
		Help: "Units of work currently holding a token",
	})
)

// -----------------------------------------------------------------------------
// Token
// -----------------------------------------------------------------------------

// Token is the cancellation handle of one unit of work.
//
// Thread Safety: Safe for concurrent use.
type Token struct {
	id     string
	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer
	ctrl   *Controller
	start  time.Time

	mu     sync.Mutex
	state  State
	reason *CancelReason
	end    time.Time
}

// ID returns the token's identifier.
func (t *Token) ID() string { return t.id }

// Context returns the context the work must observe.
func (t *Token) Context() context.Context { return t.ctx }

// Done returns a channel closed when the token is cancelled or finished.
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// Cancelled returns true if cancellation was signalled while the work ran.
//
// A token whose parent context was cancelled reports true even before the
// controller noticed.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateCancelled {
		return true
	}
	return t.state == StateRunning && t.ctx.Err() != nil
}

// State returns the current state.
func (t *Token) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateRunning && t.ctx.Err() != nil {
		return StateCancelled
	}
	return t.state
}

// Reason returns why the token was cancelled, or nil.
func (t *Token) Reason() *CancelReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reason != nil {
		r := *t.reason
		return &r
	}
	if t.state == StateRunning && t.ctx.Err() != nil {
		return &CancelReason{Type: CancelParent, Message: t.ctx.Err().Error()}
	}
	return nil
}

// Cancel signals cancellation. Only the first reason is kept; cancelling a
// finished token is a no-op.
//
// Inputs:
//   - reason: Why the work is being cancelled. A zero Timestamp is set to now.
func (t *Token) Cancel(reason CancelReason) {
	t.mu.Lock()
	if t.state != StateRunning || t.reason != nil {
		t.mu.Unlock()
		return
	}
	if reason.Timestamp.IsZero() {
		reason.Timestamp = time.Now()
	}
	t.reason = &reason
	t.mu.Unlock()

	t.cancel(fmt.Errorf("%w: %s", context.Canceled, reason.Type))
	if t.ctrl.metrics {
		tokensCancelled.WithLabelValues(reason.Type.String()).Inc()
	}
}

// Finish releases the token.
//
// Description:
//
//	Must be called exactly once when the work returns, whether or not it
//	was cancelled. The final state is Cancelled if cancellation was
//	signalled before Finish, Done otherwise.
//
// Outputs:
//   - State: The terminal state.
func (t *Token) Finish() State {
	t.mu.Lock()
	if t.state.IsTerminal() {
		s := t.state
		t.mu.Unlock()
		return s
	}
	if t.reason != nil || t.ctx.Err() != nil {
		t.state = StateCancelled
		if t.reason == nil {
			t.reason = &CancelReason{Type: CancelParent, Message: t.ctx.Err().Error(), Timestamp: time.Now()}
		}
	} else {
		t.state = StateDone
	}
	t.end = time.Now()
	final := t.state
	t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.cancel(nil)
	t.ctrl.release(t)
	return final
}

// Status returns a snapshot of the token.
func (t *Token) Status() Status {
	state := t.State()
	reason := t.Reason()

	t.mu.Lock()
	defer t.mu.Unlock()
	end := t.end
	if end.IsZero() {
		end = time.Now()
	}
	return Status{
		ID:           t.id,
		State:        state,
		CancelReason: reason,
		StartTime:    t.start,
		Duration:     end.Sub(t.start),
	}
}

// -----------------------------------------------------------------------------
// Controller
// -----------------------------------------------------------------------------

// Controller tracks cancellable units of work by ID.
//
// Thread Safety: Safe for concurrent use.
type Controller struct {
	config  ControllerConfig
	logger  *slog.Logger
	metrics bool

	mu     sync.Mutex
	tokens map[string]*Token
	closed bool
	wg     sync.WaitGroup
}

// NewController creates a new Controller.
//
// Description:
//
//	Creates and initializes a cancellation controller. Zero config values
//	take defaults.
//
// Inputs:
//   - config: Controller configuration.
//   - logger: Logger for cancellation events. If nil, uses slog.Default().
//
// Outputs:
//   - *Controller: The created controller. Never nil on success.
//   - error: Non-nil if configuration is invalid.
//
// Example:
//
//	ctrl, err := cancel.NewController(cancel.ControllerConfig{
//	    DefaultTimeout: 5 * time.Minute,
//	}, slog.Default())
//	if err != nil {
//	    return err
//	}
//	defer ctrl.Close()
func NewController(config ControllerConfig, logger *slog.Logger) (*Controller, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		config:  config,
		logger:  logger.With(slog.String("component", "cancel_controller")),
		metrics: config.EnableMetrics,
		tokens:  make(map[string]*Token),
	}, nil
}

// Start registers a new token derived from parent.
//
// Inputs:
//   - parent: Parent context. Must not be nil. Its cancellation cancels the token.
//   - id: Unique identifier. Must not be live already.
//   - timeout: Zero means the controller default; negative means none.
//
// Outputs:
//   - *Token: The registered token. The caller must call Finish.
//   - error: ErrNilContext, ErrControllerClosed or ErrDuplicateToken.
//
// Thread Safety: Safe for concurrent use.
func (c *Controller) Start(parent context.Context, id string, timeout time.Duration) (*Token, error) {
	if parent == nil {
		return nil, ErrNilContext
	}
	if timeout == 0 {
		timeout = c.config.DefaultTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrControllerClosed
	}
	if _, dup := c.tokens[id]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateToken, id)
	}

	ctx, cancelFn := context.WithCancelCause(parent)
	t := &Token{id: id, ctx: ctx, cancel: cancelFn, ctrl: c, start: time.Now()}
	if timeout > 0 {
		t.timer = time.AfterFunc(timeout, func() {
			t.Cancel(CancelReason{Type: CancelTimeout, Message: "timeout > " + timeout.String(), Component: "controller"})
		})
	}

	c.tokens[id] = t
	c.wg.Add(1)
	if c.metrics {
		tokensStarted.Inc()
		tokensActive.Inc()
	}
	return t, nil
}

func (c *Controller) release(t *Token) {
	c.mu.Lock()
	if cur, ok := c.tokens[t.id]; ok && cur == t {
		delete(c.tokens, t.id)
	}
	c.mu.Unlock()
	c.wg.Done()
	if c.metrics {
		tokensActive.Dec()
	}
}

// Cancel cancels the live token with the given ID.
//
// Outputs:
//   - error: ErrTokenNotFound if no live token has the ID.
//
// Thread Safety: Safe for concurrent use.
func (c *Controller) Cancel(id string, reason CancelReason) error {
	c.mu.Lock()
	t, ok := c.tokens[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotFound, id)
	}

	c.logger.Info("cancelling",
		slog.String("id", id),
		slog.String("type", reason.Type.String()),
		slog.String("message", reason.Message),
	)
	t.Cancel(reason)
	return nil
}

// CancelAll cancels every live token and returns how many were signalled.
func (c *Controller) CancelAll(reason CancelReason) int {
	c.mu.Lock()
	live := make([]*Token, 0, len(c.tokens))
	for _, t := range c.tokens {
		live = append(live, t)
	}
	c.mu.Unlock()

	for _, t := range live {
		t.Cancel(reason)
	}
	if len(live) > 0 {
		c.logger.Warn("cancelled all tokens",
			slog.String("type", reason.Type.String()),
			slog.Int("count", len(live)),
		)
	}
	return len(live)
}

// Get returns the live token with the given ID.
func (c *Controller) Get(id string) (*Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[id]
	return t, ok
}

// Status returns a snapshot of every live token, sorted by ID.
func (c *Controller) Status() []Status {
	c.mu.Lock()
	live := make([]*Token, 0, len(c.tokens))
	for _, t := range c.tokens {
		live = append(live, t)
	}
	c.mu.Unlock()

	out := make([]Status, 0, len(live))
	for _, t := range live {
		out = append(out, t.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown cancels all work and waits for it to release its tokens.
//
// Description:
//
//	Refuses new tokens, cancels every live token with CancelShutdown, then
//	waits up to the grace period. Tokens still held afterwards are counted
//	as abandoned.
//
// Inputs:
//   - ctx: Context for the shutdown operation itself.
//
// Outputs:
//   - *ShutdownResult: Results of the shutdown operation.
//   - error: Non-nil if ctx was cancelled before shutdown completed.
//
// Thread Safety: Safe for concurrent use. Only the first call performs shutdown.
func (c *Controller) Shutdown(ctx context.Context) (*ShutdownResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ShutdownResult{Success: true}, nil
	}
	c.closed = true
	c.mu.Unlock()

	start := time.Now()
	result := &ShutdownResult{}
	result.Cancelled = c.CancelAll(CancelReason{Type: CancelShutdown, Message: "controller shutdown", Component: "controller"})

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(c.config.GracePeriod)
	defer timer.Stop()

	select {
	case <-done:
		result.Success = true
	case <-timer.C:
		c.mu.Lock()
		result.Abandoned = len(c.tokens)
		c.mu.Unlock()
		c.logger.Error("grace period expired", slog.Int("abandoned", result.Abandoned))
	case <-ctx.Done():
		return result, ctx.Err()
	}

	result.Duration = time.Since(start)
	c.logger.Info("shutdown complete",
		slog.Duration("duration", result.Duration),
		slog.Int("cancelled", result.Cancelled),
		slog.Int("abandoned", result.Abandoned),
	)
	return result, nil
}

// Close shuts the controller down with a bounded wait.
func (c *Controller) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*c.config.GracePeriod)
	defer cancel()

	res, err := c.Shutdown(ctx)
	if err != nil {
		return err
	}
	if !res.Success {
		return errors.New("shutdown abandoned running work")
	}
	return nil
}
