// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tsdb

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianPulse/services/pulse/model"
	"github.com/AleutianAI/AleutianPulse/services/pulse/observability"
)

// MaxBufferSize caps the writer's in-memory buffer. When a requeue
// would exceed it, the oldest points are dropped first.
const MaxBufferSize = 10000

// WriterConfig tunes batching and retry behavior.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	// RetryBackoff is the linear backoff unit: attempt N sleeps
	// N * RetryBackoff before retrying.
	RetryBackoff time.Duration
}

// Writer batches points and writes them through a PointSender, guarded
// by a circuit breaker.
//
// The synchronous path (Write) reports permanent rejections to the
// caller so source payloads can be dead-lettered. The buffered path
// (Add + periodic Run flushes) absorbs requeued batches and replay
// traffic; it drops permanently rejected points with a counter since
// no caller is waiting on the result.
//
// Thread Safety: all methods are safe for concurrent use.
type Writer struct {
	cfg     WriterConfig
	sender  PointSender
	breaker *Breaker
	logger  *slog.Logger

	mu     sync.Mutex
	buffer []model.Point

	flushMu sync.Mutex // serializes flushes; buffer mu stays cheap

	// dropped is the lifetime count of points lost to permanent
	// rejections or buffer overflow.
	dropped atomic.Uint64
}

// NewWriter builds a Writer. Zero config fields get defaults (batch
// 1000, flush 10 s, 3 retries, 500 ms backoff unit).
func NewWriter(cfg WriterConfig, sender PointSender, breaker *Breaker, logger *slog.Logger) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if breaker == nil {
		breaker = NewBreaker(BreakerConfig{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{cfg: cfg, sender: sender, breaker: breaker, logger: logger}
}

// Breaker exposes the writer's circuit breaker for health reporting.
func (w *Writer) Breaker() *Breaker { return w.breaker }

// Write sends a batch synchronously through the breaker and retry
// policy.
//
// Outputs:
//   - error: A *WriteError with Kind Auth or NonRetryable when the
//     store permanently rejected the batch; callers should dead-letter
//     the source payloads. Nil on success AND on retryable exhaustion:
//     in the latter case the batch is requeued into the buffer and the
//     periodic flusher keeps trying, so the points are not lost.
func (w *Writer) Write(ctx context.Context, points []model.Point) error {
	if len(points) == 0 {
		return nil
	}
	return w.attempt(ctx, points)
}

// Add buffers points for the periodic flusher, flushing immediately
// when the batch size is reached. Returns the number of points dropped
// to honor the buffer cap.
func (w *Writer) Add(ctx context.Context, points []model.Point) int {
	if len(points) == 0 {
		return 0
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, points...)
	dropped := w.enforceCapLocked()
	full := len(w.buffer) >= w.cfg.BatchSize
	w.mu.Unlock()

	if dropped > 0 {
		w.countDropped(dropped, "buffer_overflow")
		w.logger.Warn("writer buffer overflow, oldest points dropped", "dropped", dropped)
	}
	if full {
		w.Flush(ctx)
	}
	return dropped
}

// BufferLen reports the current buffer depth.
func (w *Writer) BufferLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Flush drains the buffer through the write path. Permanently rejected
// batches are dropped with a counter.
func (w *Writer) Flush(ctx context.Context) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	batch := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := w.attempt(ctx, batch); err != nil {
		werr := Classify(err)
		w.countDropped(len(batch), werr.Kind.String())
		w.logger.Error("buffered batch dropped", "points", len(batch), "error", err)
	}
}

// attempt runs the retry loop for one batch.
//
// Retryable failures back off linearly and, when the budget or context
// runs out, requeue the batch (returning nil). The breaker gates every
// try; a refusal requeues without counting a failure. Auth and
// non-retryable failures return the classified error.
func (w *Writer) attempt(ctx context.Context, batch []model.Point) error {
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		if !w.breaker.Allow() {
			w.logger.Warn("write refused by open circuit, requeueing",
				"points", len(batch))
			w.requeue(batch)
			return nil
		}

		start := time.Now()
		err := w.sender.Send(ctx, batch)
		observability.WriteDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			w.breaker.RecordSuccess()
			observability.PointsWritten.Add(float64(len(batch)))
			w.logger.Debug("batch written", "points", len(batch), "attempt", attempt)
			return nil
		}

		werr := Classify(err)
		w.breaker.RecordFailure()

		switch werr.Kind {
		case Auth:
			w.logger.Error("authentication rejected by time-series store",
				"points", len(batch), "error", err)
			return werr
		case NonRetryable:
			w.logger.Error("batch permanently rejected",
				"points", len(batch), "error", err)
			return werr
		}

		if attempt < w.cfg.MaxRetries {
			backoff := time.Duration(attempt) * w.cfg.RetryBackoff
			w.logger.Warn("batch write failed, backing off",
				"attempt", attempt, "backoff", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				w.requeue(batch)
				return nil
			}
		}
	}

	w.logger.Warn("retry budget exhausted, requeueing batch", "points", len(batch))
	w.requeue(batch)
	return nil
}

// Run flushes on a fixed interval until the context is canceled, then
// performs a final flush.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Flush(ctx)
		case <-ctx.Done():
			// Final drain with a fresh deadline; the parent is done.
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			w.Flush(drainCtx)
			cancel()
			return
		}
	}
}

// Health is a point-in-time snapshot of the writer for readiness
// reporting.
type Health struct {
	Live      bool   `json:"live"`
	BufferLen int    `json:"buffer_len"`
	BufferCap int    `json:"buffer_cap"`
	Dropped   uint64 `json:"dropped_points"`
}

// HealthCheck pings the backing store and snapshots buffer state and
// the lifetime dropped-points total.
func (w *Writer) HealthCheck(ctx context.Context) Health {
	return Health{
		Live:      w.sender.Ping(ctx) == nil,
		BufferLen: w.BufferLen(),
		BufferCap: MaxBufferSize,
		Dropped:   w.dropped.Load(),
	}
}

// Dropped reports the lifetime count of dropped points.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Close flushes once more and releases the sender.
func (w *Writer) Close(ctx context.Context) {
	w.Flush(ctx)
	w.sender.Close()
}

// requeue puts a failed batch back at the front of the buffer so its
// points keep their relative order on the next flush.
func (w *Writer) requeue(batch []model.Point) {
	w.mu.Lock()
	w.buffer = append(batch, w.buffer...)
	dropped := w.enforceCapLocked()
	w.mu.Unlock()

	if dropped > 0 {
		w.countDropped(dropped, "buffer_overflow")
		w.logger.Warn("requeue overflowed buffer, oldest points dropped", "dropped", dropped)
	}
}

// countDropped records a permanent point loss in both the lifetime
// total and the Prometheus counter.
func (w *Writer) countDropped(n int, reason string) {
	w.dropped.Add(uint64(n))
	observability.PointsDropped.WithLabelValues(reason).Add(float64(n))
}

// enforceCapLocked trims the oldest points past MaxBufferSize. Caller
// holds mu. Returns the dropped count.
func (w *Writer) enforceCapLocked() int {
	over := len(w.buffer) - MaxBufferSize
	if over <= 0 {
		return 0
	}
	w.buffer = append([]model.Point(nil), w.buffer[over:]...)
	return over
}
