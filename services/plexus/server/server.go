// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the plexus engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/plexus/services/plexus/query"
	"github.com/AleutianAI/plexus/services/plexus/telemetry"
)

const (
	requestIDHeader = "X-Request-ID"
	loggerKey       = "plexus.logger"
)

// Options configures the router.
type Options struct {
	Admin  Admin
	Runner Runner
	Query  *query.Service

	// ServiceName names the otelgin server spans. Default: "plexus".
	ServiceName string

	// Metrics mounts GET /metrics.
	Metrics bool

	Logger *slog.Logger
}

// NewRouter builds the gin engine with middleware and every route.
func NewRouter(opts Options) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := opts.ServiceName
	if name == "" {
		name = "plexus"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(name))
	router.Use(requestLogging(logger.With(slog.String("component", "http"))))

	if opts.Metrics {
		router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	}

	handlers := NewHandlers(opts.Admin, opts.Runner, opts.Query, logger)
	RegisterRoutes(router.Group("/v1"), handlers)
	return router
}

// requestLogging tags each request with an ID and logs its outcome.
func requestLogging(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		reqLogger := telemetry.LoggerWithTrace(c.Request.Context(), logger).
			With(slog.String("request_id", requestID))
		c.Set(loggerKey, reqLogger)

		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		reqLogger.Log(c.Request.Context(), level, "request",
			slog.String("method", c.Request.Method),
			slog.String("route", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}

func (h *Handlers) requestLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if l, ok := v.(*slog.Logger); ok {
			return l
		}
	}
	return h.logger
}

// =============================================================================
// HTTP server
// =============================================================================

// HTTPConfig configures Serve.
type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Serve runs handler on cfg.Addr until ctx is cancelled, then shuts down
// gracefully.
//
// Description:
//
//	The listener is opened before Serve returns control to the accept
//	loop, so address errors are reported immediately. When ctx ends,
//	in-flight requests get ShutdownTimeout to finish.
//
// Outputs:
//
//	error - Listen or serve errors. nil after a clean shutdown.
func Serve(ctx context.Context, cfg HTTPConfig, handler http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}
