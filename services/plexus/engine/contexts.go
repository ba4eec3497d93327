// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/plexus/services/plexus/graph"
)

// -----------------------------------------------------------------------------
// Context administration
// -----------------------------------------------------------------------------

// CreateContext registers a new, empty context.
//
// Description:
//
//	The ID is required and must not contain NUL or '/' characters. Name
//	defaults to the ID. Sources are validated. Timestamps are set here.
//
// Inputs:
//
//	ctx - Context for the store write.
//	c - The context metadata.
//
// Outputs:
//
//	graph.Context - The stored metadata.
//	error - ErrInvalidContext, ErrInvalidSource, ErrContextExists or a
//	        store error.
//
// Thread Safety: Safe for concurrent use.
func (e *Engine) CreateContext(ctx context.Context, c graph.Context) (graph.Context, error) {
	if err := validateContextID(c.ID); err != nil {
		return graph.Context{}, err
	}
	for _, s := range c.Sources {
		if err := s.Validate(); err != nil {
			return graph.Context{}, err
		}
	}

	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	if _, err := e.state(c.ID); err == nil {
		return graph.Context{}, fmt.Errorf("%w: %s", graph.ErrContextExists, c.ID)
	}

	now := e.clock()
	meta := c.Clone()
	if strings.TrimSpace(meta.Name) == "" {
		meta.Name = string(meta.ID)
	}
	meta.CreatedAt = now
	meta.UpdatedAt = now

	if err := e.saveMeta(ctx, meta); err != nil {
		return graph.Context{}, err
	}

	st := &contextState{meta: meta, graph: graph.New()}
	e.mu.Lock()
	e.contexts[meta.ID] = st
	e.mu.Unlock()

	e.logger.Info("context created", slog.String("context_id", string(meta.ID)))
	return meta.Clone(), nil
}

// RenameContext changes a context's display name.
func (e *Engine) RenameContext(ctx context.Context, id graph.ContextID, name string) (graph.Context, error) {
	if strings.TrimSpace(name) == "" {
		return graph.Context{}, fmt.Errorf("%w: empty name", graph.ErrInvalidContext)
	}
	return e.updateMeta(ctx, id, func(c *graph.Context) error {
		c.Name = name
		return nil
	})
}

// DescribeContext sets a context's description and tags.
func (e *Engine) DescribeContext(ctx context.Context, id graph.ContextID, description string, tags []string) (graph.Context, error) {
	return e.updateMeta(ctx, id, func(c *graph.Context) error {
		c.Description = description
		c.Tags = append([]string(nil), tags...)
		return nil
	})
}

// AddSources declares additional input sources. Duplicates are ignored.
func (e *Engine) AddSources(ctx context.Context, id graph.ContextID, sources ...graph.Source) (graph.Context, error) {
	for _, s := range sources {
		if err := s.Validate(); err != nil {
			return graph.Context{}, err
		}
	}
	return e.updateMeta(ctx, id, func(c *graph.Context) error {
		for _, s := range sources {
			if !c.HasSource(s) {
				c.Sources = append(c.Sources, s)
			}
		}
		return nil
	})
}

// RemoveSources drops declared sources. Unknown sources are ignored.
// Graph content derived from a removed source is left in place.
func (e *Engine) RemoveSources(ctx context.Context, id graph.ContextID, sources ...graph.Source) (graph.Context, error) {
	return e.updateMeta(ctx, id, func(c *graph.Context) error {
		kept := c.Sources[:0]
		for _, existing := range c.Sources {
			drop := false
			for _, s := range sources {
				if existing == s {
					drop = true
					break
				}
			}
			if !drop {
				kept = append(kept, existing)
			}
		}
		c.Sources = kept
		return nil
	})
}

// DeleteContext removes a context with its graph and provenance.
//
// Description:
//
//	Waits for in-flight emissions into the context to finish, then removes
//	it from the store and from memory. Emissions that arrive afterwards are
//	rejected as targeting an unknown context.
func (e *Engine) DeleteContext(ctx context.Context, id graph.ContextID) error {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	st, err := e.state(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if e.store != nil {
		v, err := e.store.DeleteContext(ctx, id)
		if err != nil {
			return fmt.Errorf("delete context %s: %w", id, err)
		}
		e.observeVersion(v)
	} else {
		e.nextVersion()
	}

	st.deleted = true
	e.mu.Lock()
	delete(e.contexts, id)
	e.mu.Unlock()
	e.ledger.DropContext(id)

	e.logger.Info("context deleted", slog.String("context_id", string(id)))
	return nil
}

// Context returns a context's metadata.
func (e *Engine) Context(id graph.ContextID) (graph.Context, error) {
	st, err := e.state(id)
	if err != nil {
		return graph.Context{}, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.meta.Clone(), nil
}

// ListContexts returns every loaded context, sorted by ID.
func (e *Engine) ListContexts() []graph.Context {
	ids := e.contextIDs()
	out := make([]graph.Context, 0, len(ids))
	for _, id := range ids {
		if c, err := e.Context(id); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// updateMeta applies fn to a copy of the metadata and persists the result.
func (e *Engine) updateMeta(ctx context.Context, id graph.ContextID, fn func(*graph.Context) error) (graph.Context, error) {
	e.adminMu.Lock()
	defer e.adminMu.Unlock()

	st, err := e.state(id)
	if err != nil {
		return graph.Context{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	meta := st.meta.Clone()
	if err := fn(&meta); err != nil {
		return graph.Context{}, err
	}
	meta.UpdatedAt = e.clock()

	if err := e.saveMeta(ctx, meta); err != nil {
		return graph.Context{}, err
	}
	st.meta = meta
	return meta.Clone(), nil
}

func (e *Engine) saveMeta(ctx context.Context, meta graph.Context) error {
	if e.store == nil {
		e.nextVersion()
		return nil
	}
	v, err := e.store.SaveContext(ctx, meta)
	if err != nil {
		return fmt.Errorf("save context %s: %w", meta.ID, err)
	}
	e.observeVersion(v)
	return nil
}

func validateContextID(id graph.ContextID) error {
	s := string(id)
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: empty id", graph.ErrInvalidContext)
	}
	if strings.ContainsAny(s, "\x00/") {
		return fmt.Errorf("%w: id %q contains a reserved character", graph.ErrInvalidContext, s)
	}
	return nil
}
