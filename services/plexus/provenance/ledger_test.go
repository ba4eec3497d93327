// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provenance

import (
	"testing"
	"time"

	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntry_StructuralOnly(t *testing.T) {
	fw := Framework{AdapterID: "fragment", ContextID: "ctx", InputSummary: "fragment: hello"}
	at := time.Now()

	e := NewEntry(fw, NodeTarget("concept:auth"), at, nil)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "fragment", e.AdapterID)
	assert.Equal(t, graph.ContextID("ctx"), e.ContextID)
	assert.Equal(t, "fragment: hello", e.InputSummary)
	assert.Equal(t, at, e.Timestamp)
	assert.False(t, e.Annotated())
	assert.Nil(t, e.Annotation)
}

func TestNewEntry_CopiesAnnotation(t *testing.T) {
	ann := NewAnnotation(0.8).WithMethod("tag").WithSourceLocation("README.md:3").WithDetail("k", "v")
	e := NewEntry(Framework{AdapterID: "a", ContextID: "c"}, EdgeTarget("a|r|b"), time.Now(), ann)

	*ann.Confidence = 0.1
	ann.Detail["k"] = "changed"

	require.True(t, e.Annotated())
	assert.Equal(t, 0.8, e.Annotation.ConfidenceOr(0))
	assert.Equal(t, "tag", e.Annotation.Method)
	assert.Equal(t, "README.md:3", e.Annotation.SourceLocation)
	assert.Equal(t, "v", e.Annotation.Detail["k"])
}

func TestAnnotation_ConfidenceOr(t *testing.T) {
	var nilAnn *Annotation
	assert.Equal(t, 0.5, nilAnn.ConfidenceOr(0.5))
	assert.Equal(t, 0.5, (&Annotation{Method: "x"}).ConfidenceOr(0.5))
	assert.Equal(t, 0.9, NewAnnotation(0.9).ConfidenceOr(0.5))
}

func TestLedger_RecordAndQuery(t *testing.T) {
	l := NewLedger()
	base := time.Unix(1700000000, 0)
	fwA := Framework{AdapterID: "a", ContextID: "ctx"}
	fwB := Framework{AdapterID: "b", ContextID: "ctx"}
	target := NodeTarget("n1")

	l.Record([]Entry{
		NewEntry(fwB, target, base.Add(2*time.Second), nil),
		NewEntry(fwA, target, base, nil),
		NewEntry(fwA, NodeTarget("n2"), base.Add(time.Second), nil),
		NewEntry(Framework{AdapterID: "a", ContextID: "other"}, target, base, nil),
	})

	got := l.For("ctx", target)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].AdapterID, "oldest first")
	assert.Equal(t, "b", got[1].AdapterID)

	assert.Len(t, l.ForAdapter("ctx", "a"), 2)
	assert.Equal(t, 3, l.Count("ctx"))
	assert.Equal(t, 1, l.Count("other"))
	assert.Len(t, l.Context("ctx"), 3)
}

func TestLedger_LoadAndDrop(t *testing.T) {
	l := NewLedger()
	fw := Framework{AdapterID: "a", ContextID: "ctx"}
	l.Record([]Entry{NewEntry(fw, NodeTarget("old"), time.Now(), nil)})

	l.Load("ctx", []Entry{NewEntry(fw, NodeTarget("new"), time.Now(), nil)})
	assert.Empty(t, l.For("ctx", NodeTarget("old")))
	assert.Len(t, l.For("ctx", NodeTarget("new")), 1)

	l.DropContext("ctx")
	assert.Equal(t, 0, l.Count("ctx"))
}
