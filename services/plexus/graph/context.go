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

import (
	"fmt"
	"strings"
	"time"
)

// SourceKind is the kind of a declared context source.
type SourceKind string

const (
	// SourceFile is a single file.
	SourceFile SourceKind = "file"

	// SourceDirectory is a directory, watched recursively.
	SourceDirectory SourceKind = "directory"

	// SourceURL is a remote document.
	SourceURL SourceKind = "url"

	// SourceContext references another context.
	SourceContext SourceKind = "context"
)

// Source is a declared input location for a context.
type Source struct {
	Kind SourceKind `json:"kind" yaml:"kind"`
	Ref  string     `json:"ref" yaml:"ref"`
}

// Validate checks the source kind and reference.
func (s Source) Validate() error {
	switch s.Kind {
	case SourceFile, SourceDirectory, SourceURL, SourceContext:
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidSource, s.Kind)
	}
	if strings.TrimSpace(s.Ref) == "" {
		return fmt.Errorf("%w: empty reference", ErrInvalidSource)
	}
	return nil
}

// String renders the source as kind:ref.
func (s Source) String() string {
	return string(s.Kind) + ":" + s.Ref
}

// Context is a named partition of the graph.
//
// Context metadata is administered outside the emission pipeline; it never
// carries graph content.
type Context struct {
	ID          ContextID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Sources     []Source  `json:"sources,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the context metadata.
func (c Context) Clone() Context {
	out := c
	out.Sources = append([]Source(nil), c.Sources...)
	out.Tags = append([]string(nil), c.Tags...)
	return out
}

// HasSource returns true if an identical source is declared.
func (c Context) HasSource(s Source) bool {
	for _, existing := range c.Sources {
		if existing == s {
			return true
		}
	}
	return false
}
