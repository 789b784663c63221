// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability centralizes the Prometheus metrics for the
// ingestion pipeline. All collectors are registered once at init via
// promauto; packages increment them directly.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pulse"

var (
	// IngestRequests counts HTTP ingest requests by outcome status code.
	IngestRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_requests_total",
		Help:      "Ingest HTTP requests by response status.",
	}, []string{"status"})

	// IngestBytes observes accepted request body sizes.
	IngestBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ingest_body_bytes",
		Help:      "Accepted ingest request body sizes in bytes.",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
	})

	// QueueDepth tracks the number of events waiting for a worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Events buffered between ingest and the worker pool.",
	})

	// PointsWritten counts points successfully written to the TSDB.
	PointsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "points_written_total",
		Help:      "Points successfully written to the time-series store.",
	})

	// PointsDropped counts points dropped by the writer, by reason.
	PointsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "points_dropped_total",
		Help:      "Points dropped by the writer, by reason.",
	}, []string{"reason"})

	// PointsDeduplicated counts points suppressed by the dedup cache.
	PointsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "points_deduplicated_total",
		Help:      "Points suppressed as duplicates before the write path.",
	})

	// DLQEnqueued counts dead-letter enqueues by category.
	DLQEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dlq_enqueued_total",
		Help:      "Dead-letter entries recorded, by category.",
	}, []string{"category"})

	// DLQReplayed counts dead-letter replays by outcome.
	DLQReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dlq_replayed_total",
		Help:      "Dead-letter replay attempts, by outcome.",
	}, []string{"outcome"})

	// BreakerState exposes the circuit breaker state (0 closed, 1 open,
	// 2 half-open).
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_state",
		Help:      "Write-path circuit breaker state: 0 closed, 1 open, 2 half-open.",
	})

	// WriteDuration observes TSDB batch write latency.
	WriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "write_duration_seconds",
		Help:      "Latency of batch writes to the time-series store.",
		Buckets:   prometheus.DefBuckets,
	})
)
