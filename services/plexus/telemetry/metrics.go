// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics contains the pipeline instruments.
//
// Description:
//
//	Counters and histograms for emissions, rejections, committed
//	mutations, adapter invocations and queries. All names use the
//	"plexus_" prefix. The Record* helpers accept a nil receiver.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// EmissionsTotal counts emissions by adapter and outcome.
	EmissionsTotal metric.Int64Counter

	// EmissionDuration records validate-and-commit latency in seconds.
	EmissionDuration metric.Float64Histogram

	// RejectionsTotal counts rejected emissions by reason.
	RejectionsTotal metric.Int64Counter

	// MutationsTotal counts committed entities by kind (node, edge,
	// node_removal, edge_removal).
	MutationsTotal metric.Int64Counter

	// InvocationsTotal counts finished adapter invocations by adapter and state.
	InvocationsTotal metric.Int64Counter

	// InvocationDuration records adapter invocation duration in seconds.
	InvocationDuration metric.Float64Histogram

	// QueriesTotal counts read queries by operation and status.
	QueriesTotal metric.Int64Counter

	// QueryDuration records query duration in seconds.
	QueryDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on meter.
//
// Inputs:
//
//	meter - The OTel meter to register on.
//
// Outputs:
//
//	*Metrics - The instruments.
//	error - Non-nil if any registration fails.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EmissionsTotal, err = meter.Int64Counter(
		"plexus_emissions_total",
		metric.WithDescription("Emissions submitted to the sink"),
		metric.WithUnit("{emission}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create emissions_total: %w", err)
	}

	m.EmissionDuration, err = meter.Float64Histogram(
		"plexus_emission_duration_seconds",
		metric.WithDescription("Emission validate-and-commit duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create emission_duration: %w", err)
	}

	m.RejectionsTotal, err = meter.Int64Counter(
		"plexus_rejections_total",
		metric.WithDescription("Emissions rejected by validation"),
		metric.WithUnit("{emission}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rejections_total: %w", err)
	}

	m.MutationsTotal, err = meter.Int64Counter(
		"plexus_mutations_total",
		metric.WithDescription("Committed graph mutations"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create mutations_total: %w", err)
	}

	m.InvocationsTotal, err = meter.Int64Counter(
		"plexus_invocations_total",
		metric.WithDescription("Finished adapter invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create invocations_total: %w", err)
	}

	m.InvocationDuration, err = meter.Float64Histogram(
		"plexus_invocation_duration_seconds",
		metric.WithDescription("Adapter invocation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, fmt.Errorf("create invocation_duration: %w", err)
	}

	m.QueriesTotal, err = meter.Int64Counter(
		"plexus_queries_total",
		metric.WithDescription("Graph queries"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create queries_total: %w", err)
	}

	m.QueryDuration, err = meter.Float64Histogram(
		"plexus_query_duration_seconds",
		metric.WithDescription("Graph query duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create query_duration: %w", err)
	}

	return m, nil
}

// NewDefaultMetrics creates the instruments on the global meter provider.
func NewDefaultMetrics() (*Metrics, error) {
	return NewMetrics(otel.Meter("plexus"))
}

// RecordEmission records one emission outcome ("committed", "empty",
// "rejected" or "failed").
func (m *Metrics) RecordEmission(ctx context.Context, adapterID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("adapter", adapterID),
		attribute.String("outcome", outcome),
	)
	m.EmissionsTotal.Add(ctx, 1, attrs)
	m.EmissionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordRejection records one rejection reason.
func (m *Metrics) RecordRejection(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordMutations adds n committed entities of the given kind.
func (m *Metrics) RecordMutations(ctx context.Context, kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MutationsTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordInvocation records one finished adapter invocation.
func (m *Metrics) RecordInvocation(ctx context.Context, adapterID, state string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("adapter", adapterID),
		attribute.String("state", state),
	)
	m.InvocationsTotal.Add(ctx, 1, attrs)
	m.InvocationDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordQuery records one query and its status.
func (m *Metrics) RecordQuery(ctx context.Context, op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", status),
	)
	m.QueriesTotal.Add(ctx, 1, attrs)
	m.QueryDuration.Record(ctx, d.Seconds(), attrs)
}
