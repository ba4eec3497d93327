// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrBusClosed is returned when subscribing to a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexus_events_published_total",
		Help: "Graph events published, by kind",
	}, []string{"kind"})

	eventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plexus_events_delivered_total",
		Help: "Graph events acknowledged by a subscriber",
	})

	eventsRedelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plexus_events_redelivered_total",
		Help: "Graph event delivery attempts after a handler failure",
	})

	eventsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plexus_events_abandoned_total",
		Help: "Graph events dropped after exhausting the retry budget",
	})
)

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBufferSize sets how many recent events the bus keeps for Recent.
func WithBufferSize(size int) BusOption {
	return func(b *Bus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithMaxAttempts sets how many times an event is offered to a failing
// handler before it is abandoned.
func WithMaxAttempts(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the pause between delivery attempts.
func WithRetryDelay(d time.Duration) BusOption {
	return func(b *Bus) {
		if d >= 0 {
			b.retryDelay = d
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Bus delivers graph events to subscribers.
//
// # Description
//
// Every subscription owns an unbounded FIFO queue and a goroutine that
// drains it, so Publish never blocks on a slow subscriber and one
// subscriber never delays another. Within a subscription, events arrive in
// publish order. A handler that returns an error (or panics) sees the same
// event again, up to the retry budget, before the next event is offered.
//
// # Thread Safety
//
// Safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subs        map[string]*subscriber
	buffer      []Event
	bufferSize  int
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger
	closed      bool
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:        make(map[string]*subscriber),
		bufferSize:  1000,
		maxAttempts: 5,
		retryDelay:  50 * time.Millisecond,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(slog.String("component", "event_bus"))
	b.buffer = make([]Event, 0, b.bufferSize)
	return b
}

// Subscribe registers a handler for the given kinds (none means all).
//
// Outputs:
//
//	string - Subscription ID for Unsubscribe.
//	error - ErrBusClosed after Close.
func (b *Bus) Subscribe(handler Handler, kinds ...Kind) (string, error) {
	return b.SubscribeWithFilter(handler, nil, kinds...)
}

// SubscribeWithFilter registers a handler with an additional filter.
func (b *Bus) SubscribeWithFilter(handler Handler, filter Filter, kinds ...Kind) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrBusClosed
	}

	s := &subscriber{
		id:      uuid.NewString(),
		handler: handler,
		filter:  filter,
		kinds:   slices.Clone(kinds),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		bus:     b,
	}
	b.subs[s.id] = s
	go s.run()

	b.logger.Debug("subscriber added", slog.String("subscription_id", s.id))
	return s.id, nil
}

// Unsubscribe stops a subscription. Undelivered events are discarded.
//
// Outputs:
//
//	bool - True if the subscription existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if !ok {
		return false
	}
	s.halt()
	return true
}

// Publish queues events for every matching subscriber.
//
// Description:
//
//	Events are buffered and queued in the order given. Missing IDs and
//	timestamps are filled in. Publishing to a closed bus is a no-op.
//
// Thread Safety: Safe for concurrent use. Callers that need a global order
// across emissions must serialize their Publish calls.
func (b *Bus) Publish(events ...Event) {
	if len(events) == 0 {
		return
	}

	now := time.Now()
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	for _, ev := range events {
		if len(b.buffer) >= b.bufferSize {
			b.buffer = b.buffer[1:]
		}
		b.buffer = append(b.buffer, ev)
	}
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, ev := range events {
		eventsPublished.WithLabelValues(string(ev.Kind)).Inc()
		for _, s := range subs {
			if s.wants(ev) {
				s.enqueue(ev)
			}
		}
	}
}

// Recent returns up to n of the most recently published events, oldest
// first. n <= 0 returns the whole buffer.
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := 0
	if n > 0 && n < len(b.buffer) {
		start = len(b.buffer) - n
	}
	return slices.Clone(b.buffer[start:])
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Drain waits until every subscriber has handled its queued events.
//
// Outputs:
//
//	error - ctx.Err() if the deadline passes first.
func (b *Bus) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if b.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain event bus: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close drains pending deliveries until ctx expires, then stops every
// subscriber. Further publishes are ignored.
func (b *Bus) Close(ctx context.Context) error {
	drainErr := b.Drain(ctx)

	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.halt()
	}
	return drainErr
}

func (b *Bus) idle() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.busy() {
			return false
		}
	}
	return true
}

// subscriber is one subscription session.
type subscriber struct {
	id      string
	handler Handler
	filter  Filter
	kinds   []Kind
	bus     *Bus

	mu       sync.Mutex
	queue    []Event
	inFlight bool

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) wants(ev Event) bool {
	if len(s.kinds) > 0 && !slices.Contains(s.kinds, ev.Kind) {
		return false
	}
	return s.filter == nil || s.filter(ev)
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight || len(s.queue) > 0
}

func (s *subscriber) halt() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.inFlight = true
			s.mu.Unlock()

			stopped := s.deliver(ev)

			s.mu.Lock()
			s.inFlight = false
			s.mu.Unlock()

			if stopped {
				return
			}
		}
	}
}

// deliver offers ev to the handler until it succeeds or the retry budget is
// spent. Returns true if the subscriber was stopped meanwhile.
func (s *subscriber) deliver(ev Event) bool {
	logger := s.bus.logger
	for attempt := 1; attempt <= s.bus.maxAttempts; attempt++ {
		err := s.invoke(ev)
		if err == nil {
			eventsDelivered.Inc()
			return false
		}

		if attempt == s.bus.maxAttempts {
			eventsAbandoned.Inc()
			logger.Error("event abandoned after retries",
				slog.String("subscription_id", s.id),
				slog.String("event_id", ev.ID),
				slog.String("kind", string(ev.Kind)),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()),
			)
			return false
		}

		eventsRedelivered.Inc()
		logger.Warn("event handler failed, redelivering",
			slog.String("subscription_id", s.id),
			slog.String("event_id", ev.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		select {
		case <-s.stop:
			return true
		case <-time.After(s.bus.retryDelay):
		}
	}
	return false
}

// invoke calls the handler, turning a panic into an error.
func (s *subscriber) invoke(ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return s.handler(ev)
}

var _ Publisher = (*Bus)(nil)
