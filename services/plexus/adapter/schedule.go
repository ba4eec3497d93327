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
	"fmt"
	"time"

	"github.com/AleutianAI/plexus/services/plexus/engine"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/sink"
)

// Condition decides when a scheduled adapter runs. The implementations are
// Every, AfterMutations and When.
type Condition interface {
	fmt.Stringer
	condition()
}

// Every runs the adapter periodically in each matching context.
type Every struct {
	Interval time.Duration
}

func (Every) condition() {}

func (c Every) String() string { return "every " + c.Interval.String() }

// AfterMutations runs the adapter once N entities have been committed in a
// context since its last scheduled run there. Commits made by the adapter
// itself are not counted.
type AfterMutations struct {
	N uint64
}

func (AfterMutations) condition() {}

func (c AfterMutations) String() string { return fmt.Sprintf("after %d mutations", c.N) }

// Predicate inspects a context summary after a commit.
type Predicate func(engine.Summary) (bool, error)

// When runs the adapter whenever Predicate returns true for a commit
// summary. Errors and panics in Predicate are logged and count as false.
type When struct {
	Name      string
	Predicate Predicate
}

func (When) condition() {}

func (c When) String() string { return "when " + c.Name }

// Schedule is a scheduled adapter's immutable run descriptor.
type Schedule struct {
	Condition Condition

	// Constraints configure the constrained sink the adapter writes through.
	Constraints sink.Constraints

	// Contexts limits the schedule to these contexts. Empty means all.
	Contexts []graph.ContextID

	// MinGap is the minimum time between two runs of the adapter across
	// all contexts. Zero means no limit.
	MinGap time.Duration
}

// Applies returns true if the schedule covers the context.
func (s Schedule) Applies(id graph.ContextID) bool {
	if len(s.Contexts) == 0 {
		return true
	}
	for _, c := range s.Contexts {
		if c == id {
			return true
		}
	}
	return false
}

// SchedulePayload is the payload of a scheduled invocation.
type SchedulePayload struct {
	Kind      string
	Condition string
	Summary   engine.Summary
}

// InputKind implements Payload.
func (p SchedulePayload) InputKind() string { return p.Kind }
