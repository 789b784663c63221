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
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPulse/services/pulse/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion daemon",
	Long: `Starts the HTTP ingest server, the worker pool, and all background
maintenance tasks. Shuts down gracefully on SIGINT or SIGTERM: intake
closes first, the queue drains, and durable state is flushed last.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	application, err := app.New(cfg, logger.Slog())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("pulse daemon starting",
		"http_port", cfg.HTTP.Port,
		"workers", cfg.Pipeline.Workers,
		"tsdb_url", cfg.TSDB.URL)
	return application.Run(ctx)
}
