// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events publishes graph change notifications.
//
// The engine publishes events after each committed emission, in a fixed
// order per emission. The Bus delivers them to subscribers, each on its own
// goroutine, in publish order and at least once.
package events

import (
	"time"

	"github.com/AleutianAI/plexus/services/plexus/graph"
)

// Kind identifies the graph change an event describes.
type Kind string

const (
	// KindNodesAdded is published for nodes created or upserted by an emission.
	KindNodesAdded Kind = "nodes_added"

	// KindEdgesAdded is published for edges created by an emission.
	KindEdgesAdded Kind = "edges_added"

	// KindNodesRemoved is published for nodes removed by an emission.
	KindNodesRemoved Kind = "nodes_removed"

	// KindEdgesRemoved is published for edges removed by cascade or cleanup.
	KindEdgesRemoved Kind = "edges_removed"

	// KindWeightsChanged is published for existing edges that received a
	// new contribution.
	KindWeightsChanged Kind = "weights_changed"
)

// AllKinds lists every event kind in per-emission publish order.
var AllKinds = []Kind{
	KindNodesAdded,
	KindEdgesAdded,
	KindWeightsChanged,
	KindNodesRemoved,
	KindEdgesRemoved,
}

// Reason explains a removal.
type Reason string

const (
	// ReasonExplicit marks a node removed by an emission's removal list.
	ReasonExplicit Reason = "explicit"

	// ReasonCascade marks an edge removed because an endpoint was removed.
	ReasonCascade Reason = "cascade"

	// ReasonLowWeight marks an edge removed by a cleanup pass.
	ReasonLowWeight Reason = "low_weight"
)

// Event is one graph change notification.
type Event struct {
	// ID uniquely identifies the event. Assigned by the bus when empty.
	ID string `json:"id"`

	Kind      Kind            `json:"kind"`
	ContextID graph.ContextID `json:"context_id"`

	// AdapterID is the originating adapter. Empty for maintenance operations.
	AdapterID string `json:"adapter_id,omitempty"`

	NodeIDs []graph.NodeID `json:"node_ids,omitempty"`
	EdgeIDs []graph.EdgeID `json:"edge_ids,omitempty"`

	// Reason is set on removal events.
	Reason Reason `json:"reason,omitempty"`

	// Version is the store data version the change was committed at.
	Version uint64 `json:"version"`

	Timestamp time.Time `json:"timestamp"`
}

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(events ...Event)
}

// Handler processes one event. A non-nil error asks for redelivery.
type Handler func(ev Event) error

// Filter reports whether a subscriber wants an event.
type Filter func(ev Event) bool
