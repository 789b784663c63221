// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transform turns raw client payloads into time-series points.
//
// The registry first flattens any of the recognized payload shapes into a
// uniform sequence of items (one per sample), validates each item against
// a schema template, then dispatches it to the first transformer whose
// CanTransform accepts the metric name. A terminal generic transformer
// accepts everything, so a validated item always yields a point.
//
// The registry is pure: the same payload always yields the same point
// sequence. Per-item failures are logged and dropped, never propagated —
// a payload-level error is returned only when a recognized shape is
// structurally broken.
package transform

import (
	"fmt"
	"time"
)

// Item is one flattened sample: a metric name, optional units inherited
// from the enclosing metric object, and the raw sample keys.
type Item struct {
	Name  string
	Units string
	Data  map[string]any
}

// Flatten normalizes a payload into items. Three shapes are accepted:
//
//  1. Nested:  {"data": {"metrics": [{"name", "units", "data": [{...}]}]}}
//  2. Flat:    {"data": [{"name", "date", ...}]}
//  3. Single:  {"name": "heart_rate", "date": ..., ...}
//
// For the nested shape, the metric's name and units propagate into each
// inner sample. An unrecognized payload yields zero items and no error;
// a recognized shape with broken structure yields an error.
func Flatten(payload any) ([]Item, error) {
	root, ok := payload.(map[string]any)
	if !ok {
		// Arrays and scalars carry nothing interpretable.
		return nil, nil
	}

	data, hasData := root["data"]
	if !hasData {
		// Shape 3: single metric object.
		if name, ok := stringKey(root, "name"); ok {
			return []Item{{Name: name, Data: root}}, nil
		}
		return nil, nil
	}

	switch d := data.(type) {
	case []any:
		// Shape 2: flat sample list.
		return flattenFlat(d)
	case map[string]any:
		// Shape 1: nested metrics.
		return flattenNested(d)
	default:
		return nil, fmt.Errorf("transform: \"data\" must be an object or array, got %T", data)
	}
}

func flattenFlat(samples []any) ([]Item, error) {
	items := make([]Item, 0, len(samples))
	for i, s := range samples {
		sample, ok := s.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("transform: data[%d] is not an object", i)
		}
		name, _ := stringKey(sample, "name")
		units, _ := stringKey(sample, "units")
		items = append(items, Item{Name: name, Units: units, Data: sample})
	}
	return items, nil
}

func flattenNested(data map[string]any) ([]Item, error) {
	metricsRaw, ok := data["metrics"]
	if !ok {
		return nil, fmt.Errorf("transform: nested payload missing \"metrics\"")
	}
	metrics, ok := metricsRaw.([]any)
	if !ok {
		return nil, fmt.Errorf("transform: \"metrics\" is not an array")
	}

	var items []Item
	for i, m := range metrics {
		metric, ok := m.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("transform: metrics[%d] is not an object", i)
		}
		name, _ := stringKey(metric, "name")
		units, _ := stringKey(metric, "units")

		samplesRaw, ok := metric["data"]
		if !ok {
			continue
		}
		samples, ok := samplesRaw.([]any)
		if !ok {
			return nil, fmt.Errorf("transform: metrics[%d].data is not an array", i)
		}
		for j, s := range samples {
			sample, ok := s.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("transform: metrics[%d].data[%d] is not an object", i, j)
			}
			item := Item{Name: name, Units: units, Data: sample}
			// A sample-level name overrides the metric-level one.
			if n, ok := stringKey(sample, "name"); ok {
				item.Name = n
			}
			items = append(items, item)
		}
	}
	return items, nil
}

// timeLayouts are the accepted sample timestamp formats, tried in order.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses a sample timestamp value.
func ParseTime(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("transform: timestamp is %T, want string", v)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("transform: unparseable timestamp %q", s)
}

func stringKey(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func numberKey(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}
