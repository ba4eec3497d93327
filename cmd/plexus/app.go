// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/plexus/services/plexus/adapter"
	"github.com/AleutianAI/plexus/services/plexus/adapters"
	"github.com/AleutianAI/plexus/services/plexus/cancel"
	"github.com/AleutianAI/plexus/services/plexus/config"
	"github.com/AleutianAI/plexus/services/plexus/engine"
	"github.com/AleutianAI/plexus/services/plexus/events"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/query"
	badgerstore "github.com/AleutianAI/plexus/services/plexus/storage/badger"
	"github.com/AleutianAI/plexus/services/plexus/telemetry"
)

// Adapter IDs registered by the CLI.
const (
	fragmentAdapterID     = "fragments"
	markAdapterID         = "marks"
	fileAdapterID         = "files"
	coOccurrenceAdapterID = "co_occurrence"
	chainAdapterID        = "chains"
	tagBridgeAdapterID    = "tag_bridge"
)

// app wires the store, engine, event bus, runtime and query service.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *badgerstore.Store
	bus     *events.Bus
	engine  *engine.Engine
	ctrl    *cancel.Controller
	runtime *adapter.Runtime
	query   *query.Service
	metrics *telemetry.Metrics
}

// appOptions selects optional adapters.
type appOptions struct {
	// fileRoot registers the file adapter over this directory.
	fileRoot string
}

// openApp opens the store, loads every context and registers the built-in
// adapters. The default context is created when missing.
func openApp(ctx context.Context, c *config.Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: c, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	if a.store, err = badgerstore.OpenStore(c.Storage.BadgerConfig(logger)); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if a.metrics, err = telemetry.NewDefaultMetrics(); err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	a.bus = events.NewBus(c.Events.BusOptions(logger)...)

	a.engine = engine.New(engine.Options{
		Store:       a.store,
		Publisher:   a.bus,
		Metrics:     a.metrics,
		Logger:      logger,
		LockStripes: c.Runtime.LockStripes,
	})
	if err = a.engine.LoadAll(ctx); err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}
	if err = a.ensureContext(ctx, graph.ContextID(c.Runtime.DefaultContext)); err != nil {
		return nil, err
	}

	if a.ctrl, err = cancel.NewController(c.Runtime.Cancel, logger); err != nil {
		return nil, fmt.Errorf("create cancellation controller: %w", err)
	}
	a.runtime, err = adapter.NewRuntime(adapter.Options{
		Engine:            a.engine,
		Controller:        a.ctrl,
		InvocationTimeout: c.Runtime.InvocationTimeout,
		HistoryLimit:      c.Runtime.HistoryLimit,
		Metrics:           a.metrics,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	if err = a.registerAdapters(opts); err != nil {
		return nil, err
	}

	a.query = query.NewService(a.engine, query.ServiceOptions{Metrics: a.metrics, Logger: logger})
	return a, nil
}

func (a *app) registerAdapters(opts appOptions) error {
	list := []adapter.Adapter{
		adapters.NewFragmentAdapter(fragmentAdapterID),
		adapters.NewMarkAdapter(markAdapterID),
		adapters.NewChainAdapter(chainAdapterID, a.engine),
	}
	if co := a.cfg.Runtime.CoOccurrence; co.Enabled {
		list = append(list, adapters.NewCoOccurrenceAdapter(coOccurrenceAdapterID, a.engine,
			adapters.WithSchedule(co.Schedule()),
			adapters.WithMinCount(co.MinCount),
		))
	}
	if tb := a.cfg.Runtime.TagBridge; tb.Enabled {
		list = append(list, adapters.NewTagBridgeAdapter(tagBridgeAdapterID, a.engine, tb.Schedule()))
	}
	if opts.fileRoot != "" {
		list = append(list, adapters.NewFileAdapter(fileAdapterID, opts.fileRoot))
	}
	for _, ad := range list {
		if err := a.runtime.Register(ad); err != nil {
			return err
		}
	}
	return nil
}

// ensureContext creates id if it does not exist.
func (a *app) ensureContext(ctx context.Context, id graph.ContextID) error {
	_, err := a.engine.Context(id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, graph.ErrContextNotFound) {
		return err
	}
	if _, err := a.engine.CreateContext(ctx, graph.Context{ID: id}); err != nil && !errors.Is(err, graph.ErrContextExists) {
		return fmt.Errorf("create context %s: %w", id, err)
	}
	return nil
}

// Close stops the runtime, drains the event bus and closes the store.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.runtime != nil {
		errs = append(errs, a.runtime.Shutdown(ctx))
	}
	if a.ctrl != nil {
		if _, err := a.ctrl.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Close(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// withApp opens the app for one command and closes it afterwards.
func withApp(ctx context.Context, opts appOptions, fn func(*app) error) (err error) {
	a, err := openApp(ctx, cfg, logger(), opts)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, a.Close(context.WithoutCancel(ctx)))
	}()
	return fn(a)
}
