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
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPulse/services/pulse/archive"
	"github.com/AleutianAI/AleutianPulse/services/pulse/dedup"
	"github.com/AleutianAI/AleutianPulse/services/pulse/transform"
	"github.com/AleutianAI/AleutianPulse/services/pulse/tsdb"
)

var (
	replayFrom   string
	replayTo     string
	replayDryRun bool

	replayCmd = &cobra.Command{
		Use:   "replay",
		Short: "Re-drive archived payloads through transform and write",
		Long: `Reads archived JSONL files whose rotation key falls in the inclusive
date range, transforms each payload, filters duplicates against a fresh
dedup cache, and writes the surviving points to the time-series store.
Replay is idempotent against points already written in the same run.`,
		RunE: runReplay,
	}
)

func init() {
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "start date, YYYY-MM-DD (required)")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "end date, YYYY-MM-DD (defaults to --from)")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "count matching records without writing")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	if replayFrom == "" {
		return fmt.Errorf("%w: --from is required", errUsage)
	}
	from, err := time.Parse("2006-01-02", replayFrom)
	if err != nil {
		return fmt.Errorf("%w: bad --from date %q", errUsage, replayFrom)
	}
	to := from
	if replayTo != "" {
		if to, err = time.Parse("2006-01-02", replayTo); err != nil {
			return fmt.Errorf("%w: bad --to date %q", errUsage, replayTo)
		}
	}
	if to.Before(from) {
		return fmt.Errorf("%w: --to precedes --from", errUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := archive.Open(archive.Config{
		Dir:               cfg.Archive.Dir,
		Rotation:          cfg.Archive.Rotation,
		CompressAfterDays: cfg.Archive.CompressAfterDays,
		MaxAgeDays:        cfg.Archive.MaxAgeDays,
	}, logger.Slog())
	if err != nil {
		return err
	}

	if replayDryRun {
		n, err := store.CountInRange(ctx, from, to)
		if err != nil {
			return err
		}
		fmt.Printf("dry run: %d archived records in [%s, %s]\n",
			n, replayFrom, to.Format("2006-01-02"))
		return nil
	}

	registry := transform.NewRegistry(logger.Slog())
	cache := dedup.New(dedup.Config{
		MaxSize: cfg.Dedup.MaxSize,
		TTL:     cfg.Dedup.TTL(),
	})
	writer := tsdb.NewWriter(tsdb.WriterConfig{
		BatchSize:     cfg.TSDB.BatchSize,
		FlushInterval: time.Duration(cfg.TSDB.FlushIntervalMS) * time.Millisecond,
		MaxRetries:    cfg.TSDB.MaxRetries,
		RetryBackoff:  time.Duration(cfg.TSDB.RetryDelayMS) * time.Millisecond,
	}, tsdb.NewInfluxSender(tsdb.InfluxConfig{
		URL:    cfg.TSDB.URL,
		Token:  cfg.TSDB.Token,
		Org:    cfg.TSDB.Org,
		Bucket: cfg.TSDB.Bucket,
	}), nil, logger.Slog())

	var records, points, skipped int
	err = store.Replay(ctx, from, to, func(topic string, payload any, archiveID string) error {
		records++
		pts, terr := registry.Transform(payload)
		if terr != nil {
			logger.Warn("archived payload failed transform, skipping",
				"archive_id", archiveID, "error", terr)
			skipped++
			return nil
		}
		fresh := cache.FilterDuplicates(pts)
		points += len(fresh)
		writer.Add(ctx, fresh)
		return nil
	})
	writer.Close(ctx)
	if err != nil {
		return err
	}

	logger.Info("replay finished",
		"records", records, "points_written", points, "skipped", skipped)
	fmt.Printf("replayed %d records: %d points written, %d skipped\n",
		records, points, skipped)
	return nil
}
