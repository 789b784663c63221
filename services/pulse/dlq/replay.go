// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dlq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianPulse/services/pulse/observability"
)

// ReplayFunc re-drives one dead-lettered payload through the pipeline.
// A nil return means the payload was processed successfully.
type ReplayFunc func(topic string, payload any) error

// ReplayEntry attempts to reprocess one entry.
//
// Description:
//
//	Refuses entries whose retry budget is exhausted (the cap is sticky:
//	the callback is not invoked and retry_count stays put). On callback
//	success the row is deleted; on failure retry_count is bumped and
//	last_retry_at is set.
//
// Outputs:
//   - bool: True when the entry was replayed and deleted.
//   - error: Non-nil only for storage-level failures, not callback
//     failures.
func (q *Queue) ReplayEntry(ctx context.Context, id string, fn ReplayFunc) (bool, error) {
	e, err := q.GetEntry(ctx, id)
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, fmt.Errorf("dlq: entry %s not found", id)
	}

	if e.RetryCount >= q.cfg.MaxRetries {
		q.logger.Warn("dlq entry retry budget exhausted, refusing replay",
			"id", id, "retry_count", e.RetryCount, "max_retries", q.cfg.MaxRetries)
		observability.DLQReplayed.WithLabelValues("refused").Inc()
		return false, nil
	}

	var parsed any
	if err := json.Unmarshal(e.Payload, &parsed); err != nil {
		q.logger.Warn("dlq entry payload is not replayable JSON",
			"id", id, "category", e.Category, "error", err)
		observability.DLQReplayed.WithLabelValues("failure").Inc()
		return false, q.recordFailure(ctx, id)
	}

	if err := fn(e.Topic, parsed); err != nil {
		q.logger.Info("dlq replay failed",
			"id", id, "category", e.Category, "retry_count", e.RetryCount+1, "error", err)
		observability.DLQReplayed.WithLabelValues("failure").Inc()
		return false, q.recordFailure(ctx, id)
	}

	if _, err := q.DeleteEntry(ctx, id); err != nil {
		return false, err
	}
	q.totalReplayed.Add(1)
	observability.DLQReplayed.WithLabelValues("success").Inc()
	q.logger.Info("dlq entry replayed", "id", id, "category", e.Category)
	return true, nil
}

// ReplayCategory replays the newest limit entries of one category.
//
// Outputs:
//   - int: Successful replays.
//   - int: Failed replays (including refusals).
//   - error: First storage-level failure, if any.
func (q *Queue) ReplayCategory(ctx context.Context, category Category, fn ReplayFunc, limit int) (int, int, error) {
	entries, err := q.GetEntries(ctx, category, limit, 0)
	if err != nil {
		return 0, 0, err
	}

	succeeded, failed := 0, 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return succeeded, failed, err
		}
		ok, err := q.ReplayEntry(ctx, e.ID, fn)
		if err != nil {
			return succeeded, failed, err
		}
		if ok {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed, nil
}

// ReplayAll replays across every category, each capped by limit.
func (q *Queue) ReplayAll(ctx context.Context, fn ReplayFunc, limit int) (int, int, error) {
	succeeded, failed := 0, 0
	for _, cat := range Categories() {
		s, f, err := q.ReplayCategory(ctx, cat, fn, limit)
		succeeded += s
		failed += f
		if err != nil {
			return succeeded, failed, err
		}
	}
	return succeeded, failed, nil
}

// Categories lists all DLQ categories in a stable order.
func Categories() []Category {
	return []Category{
		CategoryJSONParse,
		CategoryUnicodeDecode,
		CategoryValidation,
		CategoryTransform,
		CategoryWrite,
		CategoryUnknown,
	}
}

// recordFailure bumps retry_count and stamps last_retry_at.
func (q *Queue) recordFailure(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE dlq_entries
		 SET retry_count = retry_count + 1, last_retry_at = ?
		 WHERE id = ?`, epochNow(), id)
	if err != nil {
		return fmt.Errorf("dlq: record retry failure: %w", err)
	}
	q.totalFailed.Add(1)
	return nil
}
