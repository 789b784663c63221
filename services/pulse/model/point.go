// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model defines the core data types flowing through the pulse
// pipeline: time-series points and the raw ingestion events that carry
// client payloads from the HTTP front door to the workers.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Point is a single measurement-DB observation.
//
// Description:
//
//	A Point is produced by the transformer registry from one validated
//	payload item. Points are never persisted locally as first-class
//	entities; only their fingerprints enter the dedup cache.
type Point struct {
	// Measurement is the short measurement name, e.g. "heart".
	Measurement string

	// Tags are low-cardinality indexed labels. Values must already be
	// sanitized (see pkg/validation) before the point is constructed.
	Tags map[string]string

	// Timestamp is the nanosecond-resolved observation instant.
	Timestamp time.Time

	// Fields hold the observed values (numeric, string, or bool).
	Fields map[string]any
}

// Fingerprint returns the 16-hex dedup identity of the point.
//
// Description:
//
//	Computes SHA-256 over "measurement|sorted tags|unixnano|sorted fields"
//	and truncates the hex digest to 16 characters. Tag and field insertion
//	order does not affect the result: both maps are serialized in sorted
//	key order. Equal fingerprints denote semantically identical
//	observations.
//
// Outputs:
//   - string: 16 lowercase hex characters.
func (p Point) Fingerprint() string {
	var b strings.Builder
	b.WriteString(p.Measurement)
	b.WriteByte('|')
	b.WriteString(canonicalTags(p.Tags))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(p.Timestamp.UnixNano(), 10))
	b.WriteByte('|')
	b.WriteString(canonicalFields(p.Fields))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// ToInflux converts the point to the InfluxDB client representation.
func (p Point) ToInflux() *write.Point {
	return influxdb2.NewPoint(p.Measurement, p.Tags, p.Fields, p.Timestamp)
}

func canonicalTags(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+tags[k])
	}
	return strings.Join(parts, ",")
}

func canonicalFields(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+canonicalValue(fields[k]))
	}
	return strings.Join(parts, ",")
}

// canonicalValue renders a field value in a type-stable form so that
// 72 and 72.0 (both float64 after JSON decoding) hash identically.
func canonicalValue(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 64)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}
