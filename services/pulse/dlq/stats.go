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
	"fmt"
)

// Stats summarizes the DLQ contents and lifetime counters.
type Stats struct {
	Total         int            `json:"total"`
	MaxEntries    int            `json:"max_entries"`
	ByCategory    map[string]int `json:"by_category"`
	AvgRetryCount float64        `json:"avg_retry_count"`
	TotalEnqueued uint64         `json:"total_enqueued"`
	TotalReplayed uint64         `json:"total_replayed"`
	TotalFailed   uint64         `json:"total_failed"`
	RetentionDays int            `json:"retention_days"`
}

// Stats returns current counts by category plus lifetime counters.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		MaxEntries:    q.cfg.MaxEntries,
		ByCategory:    make(map[string]int),
		TotalEnqueued: q.totalEnqueued.Load(),
		TotalReplayed: q.totalReplayed.Load(),
		TotalFailed:   q.totalFailed.Load(),
		RetentionDays: q.cfg.RetentionDays,
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM dlq_entries GROUP BY category`)
	if err != nil {
		return s, fmt.Errorf("dlq: stats query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return s, fmt.Errorf("dlq: scan stats row: %w", err)
		}
		s.ByCategory[category] = n
		s.Total += n
	}
	if err := rows.Err(); err != nil {
		return s, err
	}

	if s.Total > 0 {
		row := q.db.QueryRowContext(ctx, `SELECT AVG(retry_count) FROM dlq_entries`)
		if err := row.Scan(&s.AvgRetryCount); err != nil {
			return s, fmt.Errorf("dlq: avg retry scan: %w", err)
		}
	}
	return s, nil
}
