// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command pulse runs the health telemetry ingestion daemon and its
// operational tooling.
//
// # Usage
//
//	# Run the daemon
//	pulse serve --config config.yaml
//
//	# Re-drive archived payloads through the pipeline
//	pulse replay --from 2025-06-01 --to 2025-06-07
//
//	# Inspect and replay dead-lettered payloads
//	pulse dlq list --category write_error
//	pulse dlq stats
//	pulse dlq replay --id abcdef0123456789
//
// Exit codes: 0 on success, 1 on invalid arguments, 2 on operational
// failure.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPulse/pkg/logging"
	"github.com/AleutianAI/AleutianPulse/services/pulse/config"
)

// errUsage marks operator mistakes (bad flags, malformed dates) so main
// can exit 1 instead of 2.
var errUsage = errors.New("usage error")

var (
	cfgPath string
	cfg     config.Config
	logger  *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "pulse",
		Short: "Durable personal health telemetry ingestion",
		Long: `Pulse ingests health telemetry over HTTP, archives every raw payload,
deduplicates derived points, and writes them to InfluxDB. Failed payloads
land in an inspectable dead-letter queue.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a command error to the process exit status: 1 for
// invalid arguments, 2 for operational failures.
func exitCode(err error) int {
	if errors.Is(err, errUsage) {
		return 1
	}
	return 2
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config (defaults apply when omitted)")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}

		logger = logging.New(logging.Config{
			Level:   logging.ParseLevel(cfg.Logging.Level),
			LogDir:  cfg.Logging.Dir,
			Service: "pulse",
			JSON:    cfg.Logging.JSON,
		})
		return nil
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	}
}
