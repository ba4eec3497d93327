// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/AleutianAI/plexus/services/plexus/graph"
)

// DefaultLockStripes is the size of the node lock table.
const DefaultLockStripes = 256

// lockTable is a striped mutex table keyed by (context, node).
//
// An emission locks the stripes of every node it touches, always in
// ascending stripe order, so two emissions can never deadlock and two
// emissions over disjoint nodes usually share no stripe.
type lockTable struct {
	stripes []sync.Mutex
}

func newLockTable(n int) *lockTable {
	if n <= 0 {
		n = DefaultLockStripes
	}
	return &lockTable{stripes: make([]sync.Mutex, n)}
}

func (t *lockTable) stripe(ctx graph.ContextID, id graph.NodeID) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(ctx))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(id))
	return int(h.Sum64() % uint64(len(t.stripes)))
}

// Lock acquires the stripes covering ids and returns the release function.
func (t *lockTable) Lock(ctx graph.ContextID, ids []graph.NodeID) func() {
	seen := make(map[int]struct{}, len(ids))
	idx := make([]int, 0, len(ids))
	for _, id := range ids {
		s := t.stripe(ctx, id)
		if _, dup := seen[s]; !dup {
			seen[s] = struct{}{}
			idx = append(idx, s)
		}
	}
	sort.Ints(idx)
	return t.acquire(idx)
}

// LockAll acquires every stripe. Used by maintenance operations that
// rewrite arbitrary parts of a graph.
func (t *lockTable) LockAll() func() {
	idx := make([]int, len(t.stripes))
	for i := range idx {
		idx[i] = i
	}
	return t.acquire(idx)
}

func (t *lockTable) acquire(idx []int) func() {
	for _, i := range idx {
		t.stripes[i].Lock()
	}
	return func() {
		for i := len(idx) - 1; i >= 0; i-- {
			t.stripes[idx[i]].Unlock()
		}
	}
}
