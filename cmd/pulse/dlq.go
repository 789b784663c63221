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

	"github.com/AleutianAI/AleutianPulse/services/pulse/dedup"
	"github.com/AleutianAI/AleutianPulse/services/pulse/dlq"
	"github.com/AleutianAI/AleutianPulse/services/pulse/transform"
	"github.com/AleutianAI/AleutianPulse/services/pulse/tsdb"
)

var (
	dlqCategory string
	dlqID       string
	dlqLimit    int
	dlqOffset   int
	dlqDryRun   bool
	dlqYes      bool

	dlqCmd = &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered payloads",
	}
	dlqListCmd = &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered entries, newest first",
		RunE:  runDLQList,
	}
	dlqStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show per-category counts and lifetime totals",
		RunE:  runDLQStats,
	}
	dlqReplayCmd = &cobra.Command{
		Use:   "replay",
		Short: "Re-drive dead-lettered payloads through transform and write",
		Long: `Replays a single entry (--id), one category (--category), or every
category. Successful replays delete the entry; failures bump its retry
count until the cap makes the entry inert.`,
		RunE: runDLQReplay,
	}
	dlqPurgeCmd = &cobra.Command{
		Use:   "purge",
		Short: "Delete entries (one with --id, everything without)",
		RunE:  runDLQPurge,
	}
)

func init() {
	dlqCmd.PersistentFlags().StringVar(&dlqCategory, "category", "", "filter by category (e.g. write_error)")
	dlqCmd.PersistentFlags().IntVar(&dlqLimit, "limit", 50, "maximum entries to touch")
	dlqListCmd.Flags().IntVar(&dlqOffset, "offset", 0, "pagination offset")
	dlqReplayCmd.Flags().StringVar(&dlqID, "id", "", "replay a single entry by id")
	dlqReplayCmd.Flags().BoolVar(&dlqDryRun, "dry-run", false, "show what would be replayed without doing it")
	dlqPurgeCmd.Flags().StringVar(&dlqID, "id", "", "delete a single entry by id")
	dlqPurgeCmd.Flags().BoolVar(&dlqYes, "yes", false, "skip the confirmation prompt")

	dlqCmd.AddCommand(dlqListCmd, dlqStatsCmd, dlqReplayCmd, dlqPurgeCmd)
	rootCmd.AddCommand(dlqCmd)
}

func openDLQ() (*dlq.Queue, error) {
	return dlq.Open(dlq.Config{
		DBPath:        cfg.DLQ.DBPath,
		MaxEntries:    cfg.DLQ.MaxEntries,
		RetentionDays: cfg.DLQ.RetentionDays,
		MaxRetries:    cfg.DLQ.MaxRetries,
	}, logger.Slog())
}

func runDLQList(cmd *cobra.Command, args []string) error {
	q, err := openDLQ()
	if err != nil {
		return err
	}
	defer q.Close()

	entries, err := q.GetEntries(cmd.Context(), dlq.Category(dlqCategory), dlqLimit, dlqOffset)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("dead-letter queue is empty")
		return nil
	}

	fmt.Printf("%-18s %-22s %-12s %-7s %-20s %s\n",
		"ID", "CATEGORY", "TOPIC", "RETRIES", "CREATED", "ERROR")
	for _, e := range entries {
		msg := e.ErrorMessage
		if len(msg) > 48 {
			msg = msg[:45] + "..."
		}
		fmt.Printf("%-18s %-22s %-12s %-7d %-20s %s\n",
			e.ID, e.Category, e.Topic, e.RetryCount,
			e.CreatedAt.Format("2006-01-02 15:04:05"), msg)
	}
	return nil
}

func runDLQStats(cmd *cobra.Command, args []string) error {
	q, err := openDLQ()
	if err != nil {
		return err
	}
	defer q.Close()

	s, err := q.Stats(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("entries: %d / %d (retention %d days)\n", s.Total, s.MaxEntries, s.RetentionDays)
	for _, cat := range dlq.Categories() {
		if n := s.ByCategory[string(cat)]; n > 0 {
			fmt.Printf("  %-22s %d\n", cat, n)
		}
	}
	fmt.Printf("avg retry count: %.2f\n", s.AvgRetryCount)
	fmt.Printf("lifetime: enqueued %d, replayed %d, failed replays %d\n",
		s.TotalEnqueued, s.TotalReplayed, s.TotalFailed)
	return nil
}

func runDLQReplay(cmd *cobra.Command, args []string) error {
	q, err := openDLQ()
	if err != nil {
		return err
	}
	defer q.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if dlqDryRun {
		entries, err := q.GetEntries(ctx, dlq.Category(dlqCategory), dlqLimit, 0)
		if err != nil {
			return err
		}
		replayable := 0
		for _, e := range entries {
			if e.RetryCount < cfg.DLQ.MaxRetries && e.IsReplayable() {
				replayable++
			}
		}
		fmt.Printf("dry run: %d of %d entries are replayable\n", replayable, len(entries))
		return nil
	}

	fn := newReplayFunc(ctx)

	if dlqID != "" {
		ok, err := q.ReplayEntry(ctx, dlqID, fn)
		if err != nil {
			return err
		}
		if ok {
			fmt.Printf("entry %s replayed and deleted\n", dlqID)
		} else {
			fmt.Printf("entry %s failed replay (see logs)\n", dlqID)
		}
		return nil
	}

	var succeeded, failed int
	if dlqCategory != "" {
		succeeded, failed, err = q.ReplayCategory(ctx, dlq.Category(dlqCategory), fn, dlqLimit)
	} else {
		succeeded, failed, err = q.ReplayAll(ctx, fn, dlqLimit)
	}
	if err != nil {
		return err
	}
	fmt.Printf("replayed %d entries, %d failed\n", succeeded, failed)
	return nil
}

func runDLQPurge(cmd *cobra.Command, args []string) error {
	q, err := openDLQ()
	if err != nil {
		return err
	}
	defer q.Close()

	if dlqID != "" {
		ok, err := q.DeleteEntry(cmd.Context(), dlqID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("entry %s not found", dlqID)
		}
		fmt.Printf("entry %s deleted\n", dlqID)
		return nil
	}

	if !dlqYes {
		return fmt.Errorf("%w: purging everything requires --yes", errUsage)
	}
	n, err := q.Clear(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d entries\n", n)
	return nil
}

// newReplayFunc builds the callback that pushes a dead-lettered payload
// back through transform, dedup, and a synchronous write.
func newReplayFunc(ctx context.Context) dlq.ReplayFunc {
	registry := transform.NewRegistry(logger.Slog())
	cache := dedup.New(dedup.Config{
		MaxSize: cfg.Dedup.MaxSize,
		TTL:     cfg.Dedup.TTL(),
	})
	writer := tsdb.NewWriter(tsdb.WriterConfig{
		BatchSize:    cfg.TSDB.BatchSize,
		MaxRetries:   cfg.TSDB.MaxRetries,
		RetryBackoff: time.Duration(cfg.TSDB.RetryDelayMS) * time.Millisecond,
	}, tsdb.NewInfluxSender(tsdb.InfluxConfig{
		URL:    cfg.TSDB.URL,
		Token:  cfg.TSDB.Token,
		Org:    cfg.TSDB.Org,
		Bucket: cfg.TSDB.Bucket,
	}), nil, logger.Slog())

	return func(topic string, payload any) error {
		points, err := registry.Transform(payload)
		if err != nil {
			return err
		}
		fresh := cache.FilterDuplicates(points)
		if len(fresh) == 0 {
			return nil
		}
		return writer.Write(ctx, fresh)
	}
}
