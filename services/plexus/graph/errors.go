// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import "errors"

// Sentinel errors for graph operations.
var (
	// ErrNodeNotFound indicates the requested node does not exist.
	ErrNodeNotFound = errors.New("node not found")

	// ErrEdgeNotFound indicates the requested edge does not exist.
	ErrEdgeNotFound = errors.New("edge not found")

	// ErrContextNotFound indicates the context does not exist.
	ErrContextNotFound = errors.New("context not found")

	// ErrContextExists indicates a context with the same ID already exists.
	ErrContextExists = errors.New("context already exists")

	// ErrInvalidContext indicates a context ID or name is empty or malformed.
	ErrInvalidContext = errors.New("invalid context")

	// ErrInvalidDimension indicates an unknown dimension name.
	ErrInvalidDimension = errors.New("invalid dimension")

	// ErrInvalidSource indicates an unknown source kind or empty reference.
	ErrInvalidSource = errors.New("invalid context source")
)
