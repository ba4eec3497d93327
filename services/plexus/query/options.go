// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import "github.com/AleutianAI/plexus/services/plexus/graph"

// Query configuration limits.
const (
	// DefaultLimit is the default maximum number of results.
	DefaultLimit = 1000

	// MaxLimit is the maximum allowed limit.
	MaxLimit = 10000

	// DefaultMaxDepth is the default traversal depth.
	DefaultMaxDepth = 3

	// MaxDepth is the maximum allowed traversal depth.
	MaxDepth = 50

	// contextCheckInterval is how often traversals check for cancellation.
	contextCheckInterval = 100
)

// Direction selects which edges a traversal follows.
type Direction string

const (
	Outgoing Direction = "out"
	Incoming Direction = "in"
	Both     Direction = "both"
)

// ParseDirection converts a string into a Direction. Empty means Outgoing.
func ParseDirection(s string) (Direction, bool) {
	switch Direction(s) {
	case "", Outgoing:
		return Outgoing, true
	case Incoming, Both:
		return Direction(s), true
	}
	return "", false
}

// Options configures a query.
type Options struct {
	// Policy names the normalization policy. Empty means the default.
	Policy string

	// Limit is the maximum number of results (default 1000, max 10000).
	Limit int

	// MaxDepth bounds traversals (default 3, max 50).
	MaxDepth int

	// Direction selects the edges traversals follow.
	Direction Direction

	// Relations restricts traversals to these relations. Empty means all.
	Relations []string

	// MinWeight drops edges whose normalized weight is below it.
	MinWeight float64
}

// DefaultOptions returns the defaults used when no option is given.
func DefaultOptions() Options {
	return Options{Limit: DefaultLimit, MaxDepth: DefaultMaxDepth, Direction: Outgoing}
}

// Option is a functional option for configuring queries.
type Option func(*Options)

// WithPolicy selects the normalization policy by name.
func WithPolicy(name string) Option {
	return func(o *Options) { o.Policy = name }
}

// WithLimit sets the maximum number of results.
//
// If n <= 0, uses the default. If n > MaxLimit, clamps to MaxLimit.
func WithLimit(n int) Option {
	return func(o *Options) {
		switch {
		case n <= 0:
			o.Limit = DefaultLimit
		case n > MaxLimit:
			o.Limit = MaxLimit
		default:
			o.Limit = n
		}
	}
}

// WithMaxDepth sets the traversal depth.
//
// If d < 0, uses the default. If d > MaxDepth, clamps to MaxDepth.
func WithMaxDepth(d int) Option {
	return func(o *Options) {
		switch {
		case d < 0:
			o.MaxDepth = DefaultMaxDepth
		case d > MaxDepth:
			o.MaxDepth = MaxDepth
		default:
			o.MaxDepth = d
		}
	}
}

// WithDirection sets the traversal direction.
func WithDirection(d Direction) Option {
	return func(o *Options) { o.Direction = d }
}

// WithRelations restricts traversals to the given relations.
func WithRelations(relations ...string) Option {
	return func(o *Options) { o.Relations = append([]string(nil), relations...) }
}

// WithMinWeight drops edges below the normalized weight w.
func WithMinWeight(w float64) Option {
	return func(o *Options) { o.MinWeight = w }
}

func applyOptions(opts []Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// follows reports whether a traversal may cross e.
func (o Options) follows(e graph.Edge) bool {
	if len(o.Relations) == 0 {
		return true
	}
	for _, r := range o.Relations {
		if r == e.Relation {
			return true
		}
	}
	return false
}
