// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"github.com/AleutianAI/plexus/services/plexus/adapter"
	"github.com/AleutianAI/plexus/services/plexus/engine"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/query"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.1.0"

// =============================================================================
// Requests
// =============================================================================

// CreateContextRequest is the body of POST /v1/contexts.
type CreateContextRequest struct {
	ID          graph.ContextID `json:"id" binding:"required"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Tags        []string        `json:"tags"`
	Sources     []graph.Source  `json:"sources"`
}

// UpdateContextRequest is the body of PATCH /v1/contexts/:context.
// Nil fields are left unchanged.
type UpdateContextRequest struct {
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	Tags        []string `json:"tags"`
}

// SourcesRequest is the body of the source endpoints.
type SourcesRequest struct {
	Sources []graph.Source `json:"sources" binding:"required,min=1"`
}

// PruneRequest is the body of POST /v1/contexts/:context/prune.
type PruneRequest struct {
	// Policy is "threshold" (default) or "quantile".
	Policy string `json:"policy" binding:"omitempty,oneof=threshold quantile"`

	// Min is the threshold. Zero means the default threshold.
	Min float64 `json:"min" binding:"gte=0"`

	// Q and Floor configure the quantile policy.
	Q     float64 `json:"q" binding:"gte=0,lte=1"`
	Floor float64 `json:"floor" binding:"gte=0"`
}

// InvokeRequest is the body of POST /v1/adapters/:adapter/invoke.
type InvokeRequest struct {
	Context graph.ContextID `json:"context" binding:"required"`
	Summary string          `json:"summary"`
}

// MarkUpdateRequest is the body of PATCH /v1/contexts/:context/mark.
// Omitted fields are left unchanged; an empty tags list clears the tags.
type MarkUpdateRequest struct {
	Annotation *string  `json:"annotation"`
	Line       *int     `json:"line" binding:"omitempty,gte=0"`
	Column     *int     `json:"column" binding:"omitempty,gte=0"`
	Type       *string  `json:"type"`
	Tags       []string `json:"tags"`
}

// LinkRequest is the body of POST and DELETE /v1/contexts/:context/links.
type LinkRequest struct {
	Source graph.NodeID `json:"source" binding:"required"`
	Target graph.NodeID `json:"target" binding:"required"`
}

// =============================================================================
// Responses
// =============================================================================

// HealthResponse is returned by GET /v1/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	DataVersion uint64 `json:"data_version"`
}

// ContextResponse is a context with its current size.
type ContextResponse struct {
	Context graph.Context  `json:"context"`
	Summary engine.Summary `json:"summary"`
}

// ContextsResponse lists contexts.
type ContextsResponse struct {
	Contexts []graph.Context `json:"contexts"`
}

// IngestResponse reports the invocations an input produced. Error and Code
// are set when any invocation did not complete.
type IngestResponse struct {
	Invocations []adapter.Invocation `json:"invocations"`
	Error       string               `json:"error,omitempty"`
	Code        string               `json:"code,omitempty"`
}

// NodesResponse lists nodes.
type NodesResponse struct {
	Nodes []graph.Node `json:"nodes"`
}

// NeighborsResponse lists neighbors.
type NeighborsResponse struct {
	Neighbors []query.Neighbor `json:"neighbors"`
}

// SharedResponse lists concepts shared across contexts.
type SharedResponse struct {
	Concepts []query.SharedConcept `json:"concepts"`
}

// ChainsResponse lists chains.
type ChainsResponse struct {
	Chains []query.ChainSummary `json:"chains"`
}

// TagsResponse lists the tags used by marks.
type TagsResponse struct {
	Tags []string `json:"tags"`
}

// AdaptersResponse lists registered adapters.
type AdaptersResponse struct {
	Adapters []adapter.Descriptor `json:"adapters"`
}

// InvocationsResponse lists invocations.
type InvocationsResponse struct {
	Invocations []adapter.Invocation `json:"invocations"`
}
