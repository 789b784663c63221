// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline wires ingest to the time-series store: a bounded
// queue feeding a worker pool that transforms, deduplicates, and writes
// each event, dead-lettering anything it cannot process.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianPulse/services/pulse/archive"
	"github.com/AleutianAI/AleutianPulse/services/pulse/dedup"
	"github.com/AleutianAI/AleutianPulse/services/pulse/dlq"
	"github.com/AleutianAI/AleutianPulse/services/pulse/model"
	"github.com/AleutianAI/AleutianPulse/services/pulse/observability"
	"github.com/AleutianAI/AleutianPulse/services/pulse/transform"
	"github.com/AleutianAI/AleutianPulse/services/pulse/tsdb"
)

// Enqueue outcomes surfaced to the ingest handler.
var (
	// ErrQueueFull maps to HTTP 429 at the front door.
	ErrQueueFull = errors.New("pipeline: queue full")
	// ErrNotStarted maps to HTTP 503 at the front door.
	ErrNotStarted = errors.New("pipeline: not started")
)

// Config tunes the worker pool and its background maintenance tasks.
type Config struct {
	QueueSize       int
	Workers         int
	ShutdownTimeout time.Duration

	DedupCheckpointInterval time.Duration
	DedupCleanupInterval    time.Duration
	ArchiveSweepInterval    time.Duration
}

// Pipeline owns the ingest queue and the workers draining it.
//
// Thread Safety: Enqueue may be called from any goroutine. Start and
// Stop must each be called once, in order.
type Pipeline struct {
	cfg      Config
	registry *transform.Registry
	cache    *dedup.Cache
	persist  *dedup.Persistence
	queueDLQ *dlq.Queue
	writer   *tsdb.Writer
	archive  *archive.Store
	logger   *slog.Logger

	queue   chan model.IngestionEvent
	started atomic.Bool
	// intakeMu guards the enqueue-vs-close race: Stop takes the write
	// lock before closing the queue.
	intakeMu sync.RWMutex

	cancel context.CancelFunc
	group  *errgroup.Group
	bgWG   sync.WaitGroup

	duplicates atomic.Uint64
	processed  atomic.Uint64
}

// New assembles a pipeline. The archive store, dedup cache, dead-letter
// queue, and persistence layer may each be nil when that tier is
// disabled.
func New(cfg Config, registry *transform.Registry, cache *dedup.Cache,
	persist *dedup.Persistence, queueDLQ *dlq.Queue, writer *tsdb.Writer,
	archiveStore *archive.Store, logger *slog.Logger) *Pipeline {

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:      cfg,
		registry: registry,
		cache:    cache,
		persist:  persist,
		queueDLQ: queueDLQ,
		writer:   writer,
		archive:  archiveStore,
		logger:   logger,
		queue:    make(chan model.IngestionEvent, cfg.QueueSize),
	}
}

// Start launches the worker pool and background maintenance tasks.
func (p *Pipeline) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	p.group = g
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.runWorker(gctx, worker)
			return nil
		})
	}

	p.startBackground(runCtx)
	p.started.Store(true)
	p.logger.Info("pipeline started",
		"workers", p.cfg.Workers, "queue_size", p.cfg.QueueSize)
}

// Started reports whether the pipeline accepts events.
func (p *Pipeline) Started() bool {
	return p.started.Load()
}

// Enqueue hands an event to the worker pool without blocking.
//
// Outputs:
//   - error: ErrNotStarted before Start or after Stop; ErrQueueFull
//     when the bounded queue cannot take the event right now.
func (p *Pipeline) Enqueue(ev model.IngestionEvent) error {
	p.intakeMu.RLock()
	defer p.intakeMu.RUnlock()

	if !p.started.Load() {
		return ErrNotStarted
	}
	select {
	case p.queue <- ev:
		observability.QueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueDepth reports the number of events waiting for a worker.
func (p *Pipeline) QueueDepth() int { return len(p.queue) }

// Duplicates reports the lifetime count of fully deduplicated events.
func (p *Pipeline) Duplicates() uint64 { return p.duplicates.Load() }

// Processed reports the lifetime count of drained events.
func (p *Pipeline) Processed() uint64 { return p.processed.Load() }

// Stop drains and shuts the pipeline down.
//
// Description:
//
//	Closes intake first so clients see 503 instead of silently lost
//	events, then waits up to ShutdownTimeout for workers to drain the
//	queue. A final writer flush and dedup checkpoint run regardless of
//	whether the drain finished in time.
func (p *Pipeline) Stop() {
	if !p.started.CompareAndSwap(true, false) {
		return
	}
	p.intakeMu.Lock()
	close(p.queue)
	p.intakeMu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("shutdown deadline reached before queue drained",
			"remaining", len(p.queue))
	}

	p.cancel()
	p.bgWG.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.writer.Flush(flushCtx)
	p.checkpoint(flushCtx)
	p.logger.Info("pipeline stopped", "processed", p.processed.Load())
}

// =============================================================================
// Worker loop
// =============================================================================

func (p *Pipeline) runWorker(ctx context.Context, id int) {
	logger := p.logger.With("worker", id)
	for ev := range p.queue {
		observability.QueueDepth.Set(float64(len(p.queue)))
		p.process(ctx, logger, ev)
		p.processed.Add(1)
	}
	logger.Debug("worker intake closed, exiting")
}

// process drives one event end to end: transform, reserve, write,
// commit. Failures classify the raw payload into the DLQ, correlated to
// its archive ID.
func (p *Pipeline) process(ctx context.Context, logger *slog.Logger, ev model.IngestionEvent) {
	points, err := p.registry.Transform(ev.Parsed)
	if err != nil {
		p.deadLetter(ctx, logger, ev, categoryOf(err), err)
		return
	}
	if len(points) == 0 {
		logger.Debug("event produced no points", "topic", ev.Topic, "archive_id", ev.ArchiveID)
		return
	}

	toWrite, keys := points, []string(nil)
	if p.cache != nil {
		toWrite, keys = p.cache.ReserveBatch(points)
		if dup := len(points) - len(toWrite); dup > 0 {
			observability.PointsDeduplicated.Add(float64(dup))
		}
		if len(toWrite) == 0 {
			p.duplicates.Add(1)
			return
		}
	}

	if err := p.writer.Write(ctx, toWrite); err != nil {
		if p.cache != nil {
			p.cache.ReleaseBatch(keys)
		}
		p.deadLetter(ctx, logger, ev, dlq.CategoryWrite, err)
		return
	}
	if p.cache != nil {
		p.cache.CommitBatch(keys)
	}
}

// deadLetter files the raw payload and keeps the worker alive even when
// the DLQ itself fails.
func (p *Pipeline) deadLetter(ctx context.Context, logger *slog.Logger, ev model.IngestionEvent, category dlq.Category, cause error) {
	logger.Warn("event failed, dead-lettering",
		"topic", ev.Topic, "archive_id", ev.ArchiveID,
		"category", category, "error", cause)

	if p.queueDLQ == nil {
		logger.Error("dead-letter queue disabled, payload survives only in the archive",
			"archive_id", ev.ArchiveID)
		return
	}
	_, err := p.queueDLQ.Enqueue(ctx, category, ev.Topic, ev.RawBytes,
		cause.Error(), "", ev.ArchiveID)
	if err != nil {
		logger.Error("dead-letter enqueue failed, payload survives only in the archive",
			"archive_id", ev.ArchiveID, "error", err)
		return
	}
	observability.DLQEnqueued.WithLabelValues(string(category)).Inc()
}

// categoryOf extracts the DLQ category from a transform error.
func categoryOf(err error) dlq.Category {
	var terr *transform.Error
	if errors.As(err, &terr) {
		return terr.Category
	}
	return dlq.CategoryUnknown
}

// =============================================================================
// Background maintenance
// =============================================================================

// startBackground launches the periodic tasks: writer flush loop, dedup
// checkpoint and cleanup, archive compression and retention sweeps.
func (p *Pipeline) startBackground(ctx context.Context) {
	p.spawn(func() { p.writer.Run(ctx) })

	if p.persist != nil && p.cfg.DedupCheckpointInterval > 0 {
		p.spawn(func() {
			p.every(ctx, p.cfg.DedupCheckpointInterval, func() { p.checkpoint(ctx) })
		})
	}

	if p.cache != nil {
		cleanup := p.cfg.DedupCleanupInterval
		if cleanup <= 0 {
			cleanup = 10 * time.Minute
		}
		p.spawn(func() {
			p.every(ctx, cleanup, func() {
				if n := p.cache.CleanupExpired(); n > 0 {
					p.logger.Debug("dedup cleanup", "expired", n)
				}
			})
		})
	}

	if p.archive != nil {
		sweep := p.cfg.ArchiveSweepInterval
		if sweep <= 0 {
			sweep = time.Hour
		}
		p.spawn(func() {
			p.every(ctx, sweep, func() {
				now := time.Now()
				p.archive.CompressOld(now)
				p.archive.DeleteExpired(now)
			})
		})
	}
}

func (p *Pipeline) spawn(fn func()) {
	p.bgWG.Add(1)
	go func() {
		defer p.bgWG.Done()
		fn()
	}()
}

// every runs fn on a fixed interval until the context is canceled.
func (p *Pipeline) every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) checkpoint(ctx context.Context) {
	if p.persist == nil {
		return
	}
	if err := p.persist.Checkpoint(ctx, p.cache); err != nil {
		p.logger.Warn("dedup checkpoint failed", "error", err)
	}
}
