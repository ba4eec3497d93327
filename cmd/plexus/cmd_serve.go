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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/plexus/services/plexus/adapter"
	"github.com/AleutianAI/plexus/services/plexus/config"
	"github.com/AleutianAI/plexus/services/plexus/events"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/server"
	"github.com/AleutianAI/plexus/services/plexus/telemetry"
	"github.com/AleutianAI/plexus/services/plexus/watch"
)

var (
	serveAddr       string
	serveWatch      string
	serveNoSchedule bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the scheduler and the file watcher",
	Long: `Run plexus as a long-lived service.

The service exposes the HTTP API on server.addr, runs scheduled adapters
after commits, and, when watch.enabled is set or --watch is given, feeds
file changes under the watched directory into a context.

Examples:
  plexus serve
  plexus serve --addr 0.0.0.0:8787 --watch ~/notes -C notes`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Override server.addr")
	serveCmd.Flags().StringVar(&serveWatch, "watch", "", "Watch this directory (overrides watch.root)")
	serveCmd.Flags().BoolVar(&serveNoSchedule, "no-schedule", false, "Do not run scheduled adapters")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logger()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	watchCfg := cfg.Watch
	if serveWatch != "" {
		watchCfg.Enabled, watchCfg.Root = true, serveWatch
	}
	var opts appOptions
	if watchCfg.Enabled {
		opts.fileRoot = config.ExpandPath(watchCfg.Root)
	}

	a, err := openApp(ctx, cfg, log, opts)
	if err != nil {
		return err
	}
	defer func() {
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := a.Close(sctx); err != nil {
			log.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	if _, err := a.bus.Subscribe(eventLogger(log)); err != nil {
		return err
	}

	if !serveNoSchedule {
		sched := adapter.NewScheduler(a.runtime, adapter.SchedulerOptions{
			Tick:      cfg.Runtime.SchedulerTick,
			QueueSize: cfg.Runtime.SchedulerQueue,
			Logger:    log,
		})
		a.engine.OnCommit(sched.Notify)
		sched.Start(ctx)
		defer sched.Stop()
	}

	if watchCfg.Enabled {
		target := graph.ContextID(watchCfg.Context)
		if target == "" {
			target = targetContext()
		}
		if err := a.ensureContext(ctx, target); err != nil {
			return err
		}
		w, err := watch.New(opts.fileRoot, target, a.runtime, watchCfg.Options(log))
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}

	gin.SetMode(cfg.Server.Mode)
	router := server.NewRouter(server.Options{
		Admin:       a.engine,
		Runner:      a.runtime,
		Query:       a.query,
		ServiceName: cfg.Telemetry.ServiceName,
		Metrics:     cfg.Telemetry.MetricExporter == "prometheus",
		Logger:      log,
	})
	httpCfg := server.HTTPConfig{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	if serveAddr != "" {
		httpCfg.Addr = serveAddr
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, httpCfg, router, log)
	})
	if interval := cfg.Storage.ReloadInterval; interval > 0 {
		g.Go(func() error {
			pollReload(gctx, a, interval, log)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// pollReload reloads the graph when another process moved the store's
// data version.
func pollReload(ctx context.Context, a *app, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reloaded, err := a.engine.ReloadIfChanged(ctx)
			if err != nil {
				log.Warn("reload check failed", slog.String("error", err.Error()))
				continue
			}
			if reloaded {
				log.Info("graph reloaded from store", slog.Uint64("version", a.engine.Version()))
			}
		}
	}
}

// eventLogger logs every graph event at debug level.
func eventLogger(log *slog.Logger) events.Handler {
	log = log.With(slog.String("component", "events"))
	return func(ev events.Event) error {
		log.Debug("graph event",
			slog.String("kind", string(ev.Kind)),
			slog.String("context_id", string(ev.ContextID)),
			slog.String("adapter_id", ev.AdapterID),
			slog.Int("nodes", len(ev.NodeIDs)),
			slog.Int("edges", len(ev.EdgeIDs)),
			slog.Uint64("version", ev.Version),
		)
		return nil
	}
}
