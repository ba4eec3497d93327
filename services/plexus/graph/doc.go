// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph defines the Plexus data model and the in-memory graph of a
// single context.
//
// A context's graph holds nodes in four dimensions (structure, relational,
// semantic, provenance) and directed, typed edges between them. Edge
// strength is carried as an append-only list of contributions; the raw
// weight is always the Fold of that list.
//
// The graph itself performs no validation. All writes arrive through the
// engine's sink, which validates an emission before resolving it into a
// Mutation and calling Apply.
package graph
