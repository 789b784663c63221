// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the pulse daemon configuration.
//
// Configuration is explicit dependency injection: Load returns a value that
// is handed to each component at construction. There is no process-wide
// config singleton.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Config Structs
// =============================================================================

// Config is the full configuration surface of the pulse daemon.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Dedup    DedupConfig    `yaml:"dedup"`
	DLQ      DLQConfig      `yaml:"dlq"`
	TSDB     TSDBConfig     `yaml:"tsdb"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// HTTPConfig configures the ingest HTTP server.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port" validate:"min=1,max=65535"`

	// AuthToken, when non-empty, is required as "Bearer <token>" on
	// POST /ingest. Overridable via PULSE_AUTH_TOKEN.
	AuthToken string `yaml:"auth_token"`

	// MaxRequestSize is the request body ceiling in bytes.
	MaxRequestSize int64 `yaml:"max_request_size" validate:"min=1"`
}

// ArchiveConfig configures the raw payload archive.
type ArchiveConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Dir               string `yaml:"dir"`
	Rotation          string `yaml:"rotation" validate:"oneof=daily hourly"`
	MaxAgeDays        int    `yaml:"max_age_days" validate:"min=1"`
	CompressAfterDays int    `yaml:"compress_after_days" validate:"min=1"`

	// SyncWrites forces an fsync after every append. Off by default:
	// the archive is a best-effort durability tier behind the DLQ.
	SyncWrites bool `yaml:"sync_writes"`
}

// DedupConfig configures the content-hash dedup cache.
type DedupConfig struct {
	Enabled               bool   `yaml:"enabled"`
	MaxSize               int    `yaml:"max_size" validate:"min=100,max=10000000"`
	TTLHours              int    `yaml:"ttl_hours" validate:"min=1"`
	ReservationTTLSec     int    `yaml:"reservation_ttl_sec"`
	PersistEnabled        bool   `yaml:"persist_enabled"`
	PersistPath           string `yaml:"persist_path"`
	CheckpointIntervalSec int    `yaml:"checkpoint_interval_sec" validate:"min=1"`
}

// DLQConfig configures the dead-letter queue.
type DLQConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	MaxEntries    int    `yaml:"max_entries" validate:"min=100"`
	RetentionDays int    `yaml:"retention_days" validate:"min=1"`
	MaxRetries    int    `yaml:"max_retries" validate:"min=1,max=10"`
}

// TSDBConfig configures the measurements database sink.
type TSDBConfig struct {
	URL    string `yaml:"url" validate:"required,url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org" validate:"required"`
	Bucket string `yaml:"bucket" validate:"required"`

	BatchSize       int `yaml:"batch_size" validate:"min=1,max=50000"`
	FlushIntervalMS int `yaml:"flush_interval_ms" validate:"min=100"`
	MaxRetries      int `yaml:"max_retries" validate:"min=1,max=10"`
	RetryDelayMS    int `yaml:"retry_delay_ms" validate:"min=1"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig parameterizes the circuit breaker around remote writes.
type BreakerConfig struct {
	FailureThreshold   int `yaml:"failure_threshold" validate:"min=1"`
	RecoveryTimeoutSec int `yaml:"recovery_timeout_sec" validate:"min=1"`
}

// PipelineConfig configures the worker pool and ingest queue.
type PipelineConfig struct {
	QueueSize          int `yaml:"queue_size" validate:"min=1"`
	Workers            int `yaml:"workers" validate:"min=1"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec" validate:"min=1"`
}

// LoggingConfig configures structured logging output.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// =============================================================================
// Defaults / Loading
// =============================================================================

// Reservation TTL bounds. A crashed worker blocks a fingerprint for at
// most the upper bound; the lower bound keeps slow-but-alive workers from
// losing their reservation mid-batch.
const (
	MinReservationTTL = 60 * time.Second
	MaxReservationTTL = 300 * time.Second
)

// Default returns the production default configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Enabled:        true,
			Host:           "0.0.0.0",
			Port:           8080,
			MaxRequestSize: 1 << 20, // 1 MiB
		},
		Archive: ArchiveConfig{
			Enabled:           true,
			Dir:               "data/archive",
			Rotation:          "daily",
			MaxAgeDays:        30,
			CompressAfterDays: 7,
		},
		Dedup: DedupConfig{
			Enabled:               true,
			MaxSize:               100_000,
			TTLHours:              24,
			ReservationTTLSec:     300,
			PersistEnabled:        true,
			PersistPath:           "data/dedup.db",
			CheckpointIntervalSec: 300,
		},
		DLQ: DLQConfig{
			Enabled:       true,
			DBPath:        "data/dlq.db",
			MaxEntries:    10_000,
			RetentionDays: 14,
			MaxRetries:    3,
		},
		TSDB: TSDBConfig{
			URL:             "http://localhost:8086",
			Org:             "aleutian",
			Bucket:          "health",
			BatchSize:       500,
			FlushIntervalMS: 10_000,
			MaxRetries:      3,
			RetryDelayMS:    1000,
			Breaker: BreakerConfig{
				FailureThreshold:   5,
				RecoveryTimeoutSec: 60,
			},
		},
		Pipeline: PipelineConfig{
			QueueSize:          1000,
			Workers:            4,
			ShutdownTimeoutSec: 30,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  true,
		},
	}
}

// Load reads a YAML config file, applies env overrides for secrets, and
// validates the result.
//
// Inputs:
//   - path: YAML file path. Empty path returns validated defaults.
//
// Outputs:
//   - Config: The merged configuration.
//   - error: Non-nil on read, decode, or validation failure.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.Dedup.ReservationTTLSec = clampReservationTTL(cfg.Dedup.ReservationTTLSec)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks all range constraints on the configuration.
func Validate(cfg Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	return nil
}

// ReservationTTL returns the clamped reservation TTL as a duration.
func (c DedupConfig) ReservationTTL() time.Duration {
	return time.Duration(clampReservationTTL(c.ReservationTTLSec)) * time.Second
}

// TTL returns the committed-entry TTL as a duration.
func (c DedupConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

func clampReservationTTL(sec int) int {
	switch {
	case sec < int(MinReservationTTL/time.Second):
		return int(MinReservationTTL / time.Second)
	case sec > int(MaxReservationTTL/time.Second):
		return int(MaxReservationTTL / time.Second)
	default:
		return sec
	}
}

// applyEnvOverrides pulls secrets from the environment so tokens never
// need to live in the YAML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PULSE_AUTH_TOKEN"); v != "" {
		cfg.HTTP.AuthToken = v
	}
	if v := os.Getenv("INFLUXDB_TOKEN"); v != "" {
		cfg.TSDB.Token = v
	}
	if v := os.Getenv("INFLUXDB_URL"); v != "" {
		cfg.TSDB.URL = v
	}
	if v := os.Getenv("INFLUXDB_ORG"); v != "" {
		cfg.TSDB.Org = v
	}
	if v := os.Getenv("INFLUXDB_BUCKET"); v != "" {
		cfg.TSDB.Bucket = v
	}
}
