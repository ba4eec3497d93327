// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package provenance records where, when and how every graph mutation
// originated.
//
// An Entry combines structural fields supplied by the engine (adapter,
// context, time, input summary) with an optional epistemic Annotation
// supplied by the adapter. Entries are immutable once recorded.
package provenance

import (
	"time"

	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/google/uuid"
)

// TargetKind distinguishes node entries from edge entries.
type TargetKind string

const (
	// TargetNode marks an entry recorded for a node.
	TargetNode TargetKind = "node"

	// TargetEdge marks an entry recorded for an edge.
	TargetEdge TargetKind = "edge"
)

// Target identifies the node or edge an entry describes.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

// NodeTarget builds a node target.
func NodeTarget(id graph.NodeID) Target {
	return Target{Kind: TargetNode, ID: string(id)}
}

// EdgeTarget builds an edge target.
func EdgeTarget(id graph.EdgeID) Target {
	return Target{Kind: TargetEdge, ID: string(id)}
}

// String renders the target as kind/id.
func (t Target) String() string {
	return string(t.Kind) + "/" + t.ID
}

// Annotation is the adapter-supplied epistemic half of an entry.
type Annotation struct {
	// Confidence in [0, 1]. Nil when the adapter made no claim.
	Confidence *float64 `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`

	// Method names the extraction technique, e.g. "tag" or "llm".
	Method string `json:"method,omitempty" validate:"max=256"`

	// SourceLocation points at the evidence, e.g. "README.md:12".
	SourceLocation string `json:"source_location,omitempty" validate:"max=1024"`

	// Detail is free-form supporting text keyed by name.
	Detail map[string]string `json:"detail,omitempty"`
}

// NewAnnotation returns an annotation with the given confidence.
func NewAnnotation(confidence float64) *Annotation {
	return &Annotation{Confidence: &confidence}
}

// WithMethod sets the extraction method.
func (a *Annotation) WithMethod(method string) *Annotation {
	a.Method = method
	return a
}

// WithSourceLocation sets the evidence location.
func (a *Annotation) WithSourceLocation(loc string) *Annotation {
	a.SourceLocation = loc
	return a
}

// WithDetail adds one detail entry.
func (a *Annotation) WithDetail(key, value string) *Annotation {
	if a.Detail == nil {
		a.Detail = make(map[string]string)
	}
	a.Detail[key] = value
	return a
}

// ConfidenceOr returns the confidence or the fallback when unset.
func (a *Annotation) ConfidenceOr(fallback float64) float64 {
	if a == nil || a.Confidence == nil {
		return fallback
	}
	return *a.Confidence
}

// Clone returns a deep copy. Nil stays nil.
func (a *Annotation) Clone() *Annotation {
	if a == nil {
		return nil
	}
	c := *a
	if a.Confidence != nil {
		v := *a.Confidence
		c.Confidence = &v
	}
	if a.Detail != nil {
		c.Detail = make(map[string]string, len(a.Detail))
		for k, v := range a.Detail {
			c.Detail[k] = v
		}
	}
	return &c
}

// Framework carries the structural fields shared by every entry of one
// emission.
type Framework struct {
	AdapterID    string
	ContextID    graph.ContextID
	InputSummary string
}

// Entry is one immutable provenance record.
type Entry struct {
	ID           string          `json:"id"`
	Target       Target          `json:"target"`
	AdapterID    string          `json:"adapter_id"`
	ContextID    graph.ContextID `json:"context_id"`
	InputSummary string          `json:"input_summary,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Annotation   *Annotation     `json:"annotation,omitempty"`
}

// NewEntry builds an entry from the framework fields and an optional
// annotation. The annotation is copied.
func NewEntry(fw Framework, target Target, at time.Time, ann *Annotation) Entry {
	return Entry{
		ID:           uuid.NewString(),
		Target:       target,
		AdapterID:    fw.AdapterID,
		ContextID:    fw.ContextID,
		InputSummary: fw.InputSummary,
		Timestamp:    at,
		Annotation:   ann.Clone(),
	}
}

// Annotated returns true if the entry carries an epistemic annotation.
func (e Entry) Annotated() bool {
	return e.Annotation != nil
}
