// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package app is the composition root for the pulse daemon: it builds
// every component from configuration and owns startup and shutdown
// ordering. All wiring is explicit dependency injection; there are no
// package-level singletons.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianPulse/services/pulse/archive"
	"github.com/AleutianAI/AleutianPulse/services/pulse/config"
	"github.com/AleutianAI/AleutianPulse/services/pulse/dedup"
	"github.com/AleutianAI/AleutianPulse/services/pulse/dlq"
	"github.com/AleutianAI/AleutianPulse/services/pulse/pipeline"
	"github.com/AleutianAI/AleutianPulse/services/pulse/server"
	"github.com/AleutianAI/AleutianPulse/services/pulse/transform"
	"github.com/AleutianAI/AleutianPulse/services/pulse/tsdb"
)

// Application holds the fully wired daemon.
type Application struct {
	cfg    config.Config
	logger *slog.Logger

	Archive  *archive.Store
	Cache    *dedup.Cache
	Persist  *dedup.Persistence
	DLQ      *dlq.Queue
	Writer   *tsdb.Writer
	Pipeline *pipeline.Pipeline
	Server   *server.Server
}

// New builds the application.
//
// Description:
//
//	Initialization of the durability tier is fatal: a daemon that
//	cannot open its DLQ or archive directory must refuse to start
//	rather than silently lose payloads. Everything else degrades (a
//	failed dedup restore starts with an empty cache). Tiers with an
//	enabled flag stay nil when switched off.
func New(cfg config.Config, logger *slog.Logger) (*Application, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Application{cfg: cfg, logger: logger}

	if cfg.DLQ.Enabled {
		queueDLQ, err := dlq.Open(dlq.Config{
			DBPath:        cfg.DLQ.DBPath,
			MaxEntries:    cfg.DLQ.MaxEntries,
			RetentionDays: cfg.DLQ.RetentionDays,
			MaxRetries:    cfg.DLQ.MaxRetries,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("app: dlq init: %w", err)
		}
		a.DLQ = queueDLQ
	} else {
		logger.Warn("dead-letter queue disabled, failed payloads survive only in the archive")
	}

	if cfg.Archive.Enabled {
		store, err := archive.Open(archive.Config{
			Dir:               cfg.Archive.Dir,
			Rotation:          cfg.Archive.Rotation,
			CompressAfterDays: cfg.Archive.CompressAfterDays,
			MaxAgeDays:        cfg.Archive.MaxAgeDays,
			SyncWrites:        cfg.Archive.SyncWrites,
		}, logger)
		if err != nil {
			if a.DLQ != nil {
				a.DLQ.Close()
			}
			return nil, fmt.Errorf("app: archive init: %w", err)
		}
		a.Archive = store
	}

	if cfg.Dedup.Enabled {
		a.Cache = dedup.New(dedup.Config{
			MaxSize:        cfg.Dedup.MaxSize,
			TTL:            cfg.Dedup.TTL(),
			ReservationTTL: cfg.Dedup.ReservationTTL(),
		})
		if cfg.Dedup.PersistEnabled {
			persist, err := dedup.OpenPersistence(cfg.Dedup.PersistPath)
			if err != nil {
				logger.Warn("dedup persistence unavailable, starting with empty cache", "error", err)
			} else {
				a.Persist = persist
				restoreCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := persist.Restore(restoreCtx, a.Cache)
				cancel()
				if err != nil {
					logger.Warn("dedup restore failed, starting with empty cache", "error", err)
				} else {
					logger.Info("dedup cache restored", "entries", n)
				}
			}
		}
	} else {
		logger.Warn("deduplication disabled, repeated payloads will be written again")
	}

	breaker := tsdb.NewBreaker(tsdb.BreakerConfig{
		FailureThreshold: cfg.TSDB.Breaker.FailureThreshold,
		Cooldown:         time.Duration(cfg.TSDB.Breaker.RecoveryTimeoutSec) * time.Second,
	})
	a.Writer = tsdb.NewWriter(tsdb.WriterConfig{
		BatchSize:     cfg.TSDB.BatchSize,
		FlushInterval: time.Duration(cfg.TSDB.FlushIntervalMS) * time.Millisecond,
		MaxRetries:    cfg.TSDB.MaxRetries,
		RetryBackoff:  time.Duration(cfg.TSDB.RetryDelayMS) * time.Millisecond,
	}, tsdb.NewInfluxSender(tsdb.InfluxConfig{
		URL:    cfg.TSDB.URL,
		Token:  cfg.TSDB.Token,
		Org:    cfg.TSDB.Org,
		Bucket: cfg.TSDB.Bucket,
	}), breaker, logger)

	a.Pipeline = pipeline.New(pipeline.Config{
		QueueSize:               cfg.Pipeline.QueueSize,
		Workers:                 cfg.Pipeline.Workers,
		ShutdownTimeout:         time.Duration(cfg.Pipeline.ShutdownTimeoutSec) * time.Second,
		DedupCheckpointInterval: time.Duration(cfg.Dedup.CheckpointIntervalSec) * time.Second,
	}, transform.NewRegistry(logger), a.Cache, a.Persist, a.DLQ, a.Writer, a.Archive, logger)

	if cfg.HTTP.Enabled {
		a.Server = server.New(cfg.HTTP, a.Pipeline, a.Archive, a.DLQ, a.Writer, logger)
	}
	return a, nil
}

// Run starts the pipeline and serves HTTP until the context is
// canceled, then shuts everything down in reverse order: intake first,
// durable state last.
func (a *Application) Run(ctx context.Context) error {
	a.Pipeline.Start(ctx)

	var serveErr error
	if a.Server != nil {
		serveErr = a.Server.Run(ctx)
	} else {
		<-ctx.Done()
	}

	a.shutdown()
	return serveErr
}

func (a *Application) shutdown() {
	a.logger.Info("shutting down")
	a.Pipeline.Stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Writer.Close(closeCtx)

	if a.Persist != nil {
		a.Persist.Close()
	}
	if a.DLQ != nil {
		a.DLQ.Close()
	}
	a.logger.Info("shutdown complete")
}
