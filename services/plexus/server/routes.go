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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the plexus API on rg.
//
// Endpoints:
//
//	GET    /v1/health
//
//	GET    /v1/contexts                       - List contexts
//	POST   /v1/contexts                       - Create a context
//	GET    /v1/contexts/:context              - Context with summary
//	PATCH  /v1/contexts/:context              - Rename or describe
//	DELETE /v1/contexts/:context              - Delete with graph and provenance
//	POST   /v1/contexts/:context/sources      - Declare sources
//	DELETE /v1/contexts/:context/sources      - Drop sources
//	POST   /v1/contexts/:context/prune        - Remove negligible edges
//
//	POST   /v1/contexts/:context/fragments    - Ingest a tagged fragment
//	POST   /v1/contexts/:context/marks        - Ingest a mark
//
//	GET    /v1/contexts/:context/chains       - List chains
//	GET    /v1/contexts/:context/chain        - Chain with its marks
//	POST   /v1/contexts/:context/chain/archive - Archive a chain
//	DELETE /v1/contexts/:context/chain        - Delete a chain and its marks
//	GET    /v1/contexts/:context/marks        - Find marks
//	PATCH  /v1/contexts/:context/mark         - Update a mark
//	DELETE /v1/contexts/:context/mark         - Delete a mark
//	GET    /v1/contexts/:context/links        - Links of a mark
//	POST   /v1/contexts/:context/links        - Link two marks
//	DELETE /v1/contexts/:context/links        - Unlink two marks
//	GET    /v1/contexts/:context/tags         - Tags used by marks
//
//	GET    /v1/contexts/:context/node         - Node with edges and provenance
//	GET    /v1/contexts/:context/edge         - Edge with provenance
//	GET    /v1/contexts/:context/nodes        - Find nodes
//	GET    /v1/contexts/:context/neighbors    - Adjacent nodes
//	GET    /v1/contexts/:context/traverse     - Breadth-first traversal
//	GET    /v1/contexts/:context/path         - Shortest path
//	GET    /v1/contexts/:context/evidence     - Evidence trail of a concept
//	GET    /v1/shared                         - Concepts shared across contexts
//
//	GET    /v1/adapters                       - Registered adapters
//	POST   /v1/adapters/:adapter/invoke       - Run one adapter
//	GET    /v1/invocations                    - Recent invocations
//	GET    /v1/invocations/:id                - One invocation
//	POST   /v1/invocations/:id/cancel         - Cancel a running invocation
//
// Node and edge IDs are passed as query parameters because they contain
// colons and slashes.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.GET("/health", h.HandleHealth)

	rg.GET("/contexts", h.HandleListContexts)
	rg.POST("/contexts", h.HandleCreateContext)

	cg := rg.Group("/contexts/:context")
	{
		cg.GET("", h.HandleGetContext)
		cg.PATCH("", h.HandleUpdateContext)
		cg.DELETE("", h.HandleDeleteContext)
		cg.POST("/sources", h.HandleAddSources)
		cg.DELETE("/sources", h.HandleRemoveSources)
		cg.POST("/prune", h.HandlePrune)

		// Ingestion
		cg.POST("/fragments", h.HandleFragment)
		cg.POST("/marks", h.HandleMark)

		// Chains and marks
		cg.GET("/chains", h.HandleListChains)
		cg.GET("/chain", h.HandleGetChain)
		cg.POST("/chain/archive", h.HandleArchiveChain)
		cg.DELETE("/chain", h.HandleDeleteChain)
		cg.GET("/marks", h.HandleListMarks)
		cg.PATCH("/mark", h.HandleUpdateMark)
		cg.DELETE("/mark", h.HandleDeleteMark)
		cg.GET("/links", h.HandleGetLinks)
		cg.POST("/links", h.HandleLinkMarks)
		cg.DELETE("/links", h.HandleUnlinkMarks)
		cg.GET("/tags", h.HandleListTags)

		// Queries
		cg.GET("/node", h.HandleNode)
		cg.GET("/edge", h.HandleEdge)
		cg.GET("/nodes", h.HandleFind)
		cg.GET("/neighbors", h.HandleNeighbors)
		cg.GET("/traverse", h.HandleTraverse)
		cg.GET("/path", h.HandlePath)
		cg.GET("/evidence", h.HandleEvidence)
	}
	rg.GET("/shared", h.HandleShared)

	rg.GET("/adapters", h.HandleListAdapters)
	rg.POST("/adapters/:adapter/invoke", h.HandleInvoke)
	rg.GET("/invocations", h.HandleListInvocations)
	rg.GET("/invocations/:id", h.HandleGetInvocation)
	rg.POST("/invocations/:id/cancel", h.HandleCancelInvocation)
}
