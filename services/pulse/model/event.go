// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import "time"

// IngestionEvent is the unit of work flowing through the pipeline queue.
//
// Description:
//
//	Created by the ingest handler after the payload has been archived and
//	parsed, owned exclusively by the queue until exactly one worker
//	consumes it. Workers have borrowed, single-use ownership.
type IngestionEvent struct {
	// Topic is the logical payload source, e.g. "http/ingest".
	Topic string

	// RawBytes is the original client submission, preserved for DLQ
	// correlation when downstream processing fails.
	RawBytes []byte

	// Parsed is the JSON-decoded payload handed to the transformer
	// registry.
	Parsed any

	// ArchiveID correlates the event to its raw archive record. Empty
	// when the archive write failed or archiving is disabled.
	ArchiveID string

	// EnqueuedAt is when the event entered the pipeline queue.
	EnqueuedAt time.Time
}
