// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tsdb contains the buffered time-series writer, its circuit
// breaker, and the InfluxDB sender behind them.
package tsdb

import (
	"context"
	"errors"
	"fmt"
	"net"

	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
)

// ErrorKind classifies a write failure for retry policy.
type ErrorKind int

const (
	// Retryable failures (timeouts, 429, 5xx) are retried with backoff
	// and requeued when the budget runs out.
	Retryable ErrorKind = iota
	// NonRetryable failures (schema conflicts, other 4xx) drop the batch.
	NonRetryable
	// Auth failures (401/403) drop the batch and are logged loudly; the
	// breaker still counts them so a bad token opens the circuit.
	Auth
)

func (k ErrorKind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case NonRetryable:
		return "non_retryable"
	case Auth:
		return "auth"
	default:
		return "unknown"
	}
}

// WriteError wraps a sender failure with its retry classification.
type WriteError struct {
	Kind ErrorKind
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("tsdb write (%s): %v", e.Kind, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Classify maps a raw sender error to a WriteError.
//
// HTTP 401/403 are auth failures. Other 4xx except 429 are permanent.
// Everything else, including network errors, timeouts, 429 and 5xx, is
// retryable.
func Classify(err error) *WriteError {
	var werr *WriteError
	if errors.As(err, &werr) {
		return werr
	}

	var herr *influxhttp.Error
	if errors.As(err, &herr) {
		switch {
		case herr.StatusCode == 401 || herr.StatusCode == 403:
			return &WriteError{Kind: Auth, Err: err}
		case herr.StatusCode == 429:
			return &WriteError{Kind: Retryable, Err: err}
		case herr.StatusCode >= 400 && herr.StatusCode < 500:
			return &WriteError{Kind: NonRetryable, Err: err}
		default:
			return &WriteError{Kind: Retryable, Err: err}
		}
	}

	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, context.DeadlineExceeded) {
		return &WriteError{Kind: Retryable, Err: err}
	}
	return &WriteError{Kind: Retryable, Err: err}
}
