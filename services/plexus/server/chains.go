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
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/plexus/services/plexus/adapter"
	"github.com/AleutianAI/plexus/services/plexus/adapters"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/query"
)

// =============================================================================
// Chains and marks
// =============================================================================

// HandleListChains handles GET /v1/contexts/:context/chains.
//
// Query Parameters:
//
//	status: active or archived (optional)
//	limit: Maximum number of chains (optional)
func (h *Handlers) HandleListChains(c *gin.Context) {
	opts, ok := queryOptions(c)
	if !ok {
		return
	}
	out, err := h.query.Chains(c.Request.Context(), contextParam(c), c.Query("status"), opts...)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, ChainsResponse{Chains: nonNil(out)})
}

// HandleGetChain handles GET /v1/contexts/:context/chain?id=. The id is a
// chain name or a chain node ID.
func (h *Handlers) HandleGetChain(c *gin.Context) {
	id, ok := chainParam(c)
	if !ok {
		return
	}
	view, err := h.query.Chain(c.Request.Context(), contextParam(c), id)
	if err != nil {
		h.abort(c, err)
		return
	}
	view.Marks = nonNil(view.Marks)
	c.JSON(http.StatusOK, view)
}

// HandleArchiveChain handles POST /v1/contexts/:context/chain/archive?id=.
func (h *Handlers) HandleArchiveChain(c *gin.Context) {
	id, ok := chainParam(c)
	if !ok {
		return
	}
	h.changeChain(c, adapters.ChainChange{Op: adapters.OpArchiveChain, Chain: string(id)})
}

// HandleDeleteChain handles DELETE /v1/contexts/:context/chain?id=. The
// chain's marks are deleted with it.
func (h *Handlers) HandleDeleteChain(c *gin.Context) {
	id, ok := chainParam(c)
	if !ok {
		return
	}
	h.changeChain(c, adapters.ChainChange{Op: adapters.OpDeleteChain, Chain: string(id)})
}

// HandleListMarks handles GET /v1/contexts/:context/marks.
//
// Query Parameters:
//
//	chain, file, type, tag: Filter fields (optional)
//	limit: Maximum number of marks (optional)
func (h *Handlers) HandleListMarks(c *gin.Context) {
	opts, ok := queryOptions(c)
	if !ok {
		return
	}
	f := query.MarkFilter{File: c.Query("file"), Type: c.Query("type"), Tag: c.Query("tag")}
	if chain := c.Query("chain"); chain != "" {
		f.Chain = adapters.ResolveChain(chain)
	}
	marks, err := h.query.Marks(c.Request.Context(), contextParam(c), f, opts...)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, NodesResponse{Nodes: nonNil(marks)})
}

// HandleUpdateMark handles PATCH /v1/contexts/:context/mark?id=.
func (h *Handlers) HandleUpdateMark(c *gin.Context) {
	id, _, ok := h.nodeQuery(c, "id")
	if !ok {
		return
	}
	var req MarkUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	h.changeChain(c, adapters.ChainChange{
		Op:         adapters.OpUpdateMark,
		Mark:       id,
		Annotation: req.Annotation,
		Line:       req.Line,
		Column:     req.Column,
		Type:       req.Type,
		Tags:       req.Tags,
	})
}

// HandleDeleteMark handles DELETE /v1/contexts/:context/mark?id=.
func (h *Handlers) HandleDeleteMark(c *gin.Context) {
	id, _, ok := h.nodeQuery(c, "id")
	if !ok {
		return
	}
	h.changeChain(c, adapters.ChainChange{Op: adapters.OpDeleteMark, Mark: id})
}

// HandleGetLinks handles GET /v1/contexts/:context/links?mark=.
func (h *Handlers) HandleGetLinks(c *gin.Context) {
	id, _, ok := h.nodeQuery(c, "mark")
	if !ok {
		return
	}
	links, err := h.query.Links(c.Request.Context(), contextParam(c), id)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, links)
}

// HandleLinkMarks handles POST /v1/contexts/:context/links.
func (h *Handlers) HandleLinkMarks(c *gin.Context) {
	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	h.changeChain(c, adapters.ChainChange{Op: adapters.OpLinkMarks, Mark: req.Source, Target: req.Target})
}

// HandleUnlinkMarks handles DELETE /v1/contexts/:context/links. Removing a
// link that does not exist succeeds.
func (h *Handlers) HandleUnlinkMarks(c *gin.Context) {
	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	h.changeChain(c, adapters.ChainChange{Op: adapters.OpUnlinkMarks, Mark: req.Source, Target: req.Target})
}

// HandleListTags handles GET /v1/contexts/:context/tags.
func (h *Handlers) HandleListTags(c *gin.Context) {
	tags, err := h.query.Tags(c.Request.Context(), contextParam(c))
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, TagsResponse{Tags: tags})
}

func (h *Handlers) changeChain(c *gin.Context, ch adapters.ChainChange) {
	if err := h.validate.Struct(ch); err != nil {
		h.abort(c, err)
		return
	}
	target := ch.Chain
	if target == "" {
		target = string(ch.Mark)
	}
	h.ingest(c, adapter.Input{
		Kind:      adapters.ChainKind,
		ContextID: contextParam(c),
		Trigger:   adapter.TriggerInput,
		Summary:   fmt.Sprintf("%s %s", ch.Op, target),
		Payload:   ch,
	})
}

func chainParam(c *gin.Context) (graph.NodeID, bool) {
	raw := c.Query("id")
	if raw == "" {
		badRequest(c, "id parameter is required")
		return "", false
	}
	return adapters.ResolveChain(raw), true
}
