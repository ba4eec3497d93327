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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/plexus/services/plexus/adapter"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/query"
	"github.com/AleutianAI/plexus/services/plexus/sink"
	"github.com/AleutianAI/plexus/services/plexus/weight"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeInvalid      = "INVALID_REQUEST"
	CodeRejected     = "REJECTED"
	CodeIngestFailed = "INGEST_FAILED"
	CodeUnavailable  = "UNAVAILABLE"
	CodeInternal     = "INTERNAL"
)

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code classifies the error.
	Code string `json:"code"`

	// Reason is the rejection reason for REJECTED errors.
	Reason string `json:"reason,omitempty"`
}

// classify maps an error onto an HTTP status and code.
func classify(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error()}
	var verrs validator.ValidationErrors

	switch {
	case errors.Is(err, graph.ErrContextNotFound),
		errors.Is(err, graph.ErrNodeNotFound),
		errors.Is(err, graph.ErrEdgeNotFound),
		errors.Is(err, query.ErrNodeNotFound),
		errors.Is(err, query.ErrEdgeNotFound),
		errors.Is(err, adapter.ErrInvocationNotFound),
		errors.Is(err, adapter.ErrNoAdapter):
		resp.Code = CodeNotFound
		return http.StatusNotFound, resp

	case errors.Is(err, graph.ErrContextExists):
		resp.Code = CodeConflict
		return http.StatusConflict, resp

	case errors.Is(err, sink.ErrRejected):
		resp.Code = CodeRejected
		if rej, ok := sink.IsRejection(err); ok {
			resp.Reason = string(rej.Reason)
		}
		return http.StatusBadRequest, resp

	case errors.Is(err, query.ErrInvalidQuery),
		errors.Is(err, weight.ErrUnknownPolicy),
		errors.Is(err, graph.ErrInvalidContext),
		errors.Is(err, graph.ErrInvalidSource),
		errors.Is(err, graph.ErrInvalidDimension),
		errors.Is(err, adapter.ErrInvalidInput),
		errors.As(err, &verrs):
		resp.Code = CodeInvalid
		return http.StatusBadRequest, resp

	case errors.Is(err, adapter.ErrRuntimeClosed):
		resp.Code = CodeUnavailable
		return http.StatusServiceUnavailable, resp
	}

	resp.Code = CodeInternal
	return http.StatusInternalServerError, resp
}

// abort writes err as the response and logs server-side failures.
func (h *Handlers) abort(c *gin.Context, err error) {
	status, resp := classify(err)
	logger := h.requestLogger(c)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err, "status", status)
	} else {
		logger.Debug("request refused", "error", err, "status", status)
	}
	c.AbortWithStatusJSON(status, resp)
}

// badRequest writes a 400 for malformed request input.
func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: CodeInvalid})
}
