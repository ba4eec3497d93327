// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sink

import (
	"errors"
	"fmt"
)

// Sentinel errors matched by the typed errors below.
var (
	// ErrRejected matches every *RejectionError.
	ErrRejected = errors.New("emission rejected")

	// ErrInternal matches every *InternalError.
	ErrInternal = errors.New("internal failure")
)

// RejectReason classifies a validation rejection.
type RejectReason string

const (
	// ReasonMissingEndpoint means an edge endpoint is absent from both the
	// store and the emission.
	ReasonMissingEndpoint RejectReason = "missing_endpoint"

	// ReasonInvalidRelation means a constrained sink refused the relation.
	ReasonInvalidRelation RejectReason = "invalid_relation"

	// ReasonRemovalNotAllowed means a constrained sink refused a removal.
	ReasonRemovalNotAllowed RejectReason = "removal_not_allowed"

	// ReasonMalformed means a proposal failed structural validation.
	ReasonMalformed RejectReason = "malformed"

	// ReasonUnknownContext means the emission targets a context that does
	// not exist.
	ReasonUnknownContext RejectReason = "unknown_context"
)

// RejectionError reports a validation failure. The emission was discarded
// in full.
type RejectionError struct {
	Reason RejectReason

	// Ref names the offending node, edge or field.
	Ref string

	// Detail is an optional human-readable explanation.
	Detail string
}

// Error implements error.
func (e *RejectionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("emission rejected: %s: %s: %s", e.Reason, e.Ref, e.Detail)
	}
	return fmt.Sprintf("emission rejected: %s: %s", e.Reason, e.Ref)
}

// Is matches ErrRejected.
func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}

// Reject builds a RejectionError.
func Reject(reason RejectReason, ref string) *RejectionError {
	return &RejectionError{Reason: reason, Ref: ref}
}

// InternalError reports a system failure. Nothing was committed; retrying
// the whole emission is safe.
type InternalError struct {
	Op  string
	Err error
}

// Error implements error.
func (e *InternalError) Error() string {
	return fmt.Sprintf("internal failure during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *InternalError) Unwrap() error {
	return e.Err
}

// Is matches ErrInternal.
func (e *InternalError) Is(target error) bool {
	return target == ErrInternal
}

// IsRejection returns the RejectionError in err's chain, if any.
func IsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
