// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transform

import (
	"fmt"
)

// ValidateItem checks a flattened item against its schema template before
// any transformer sees it.
//
// Two templates exist. Items carrying "start" or "end" keys are workouts
// and must have a name plus parseable start and end times. Everything
// else is a metric sample and must have a name plus a parseable "date".
// Numeric-looking keys, when present, must actually be numbers.
func ValidateItem(item Item) error {
	if item.Name == "" {
		return fmt.Errorf("transform: item missing name")
	}

	if isWorkout(item) {
		for _, key := range []string{"start", "end"} {
			v, ok := item.Data[key]
			if !ok {
				return fmt.Errorf("transform: workout %q missing %q", item.Name, key)
			}
			if _, err := ParseTime(v); err != nil {
				return fmt.Errorf("transform: workout %q: %w", item.Name, err)
			}
		}
		return nil
	}

	v, ok := item.Data["date"]
	if !ok {
		return fmt.Errorf("transform: metric %q missing date", item.Name)
	}
	if _, err := ParseTime(v); err != nil {
		return fmt.Errorf("transform: metric %q: %w", item.Name, err)
	}

	for _, key := range []string{"qty", "min", "max", "avg"} {
		raw, present := item.Data[key]
		if !present {
			continue
		}
		if _, ok := raw.(float64); !ok {
			return fmt.Errorf("transform: metric %q: %q is %T, want number", item.Name, key, raw)
		}
	}
	return nil
}

// isWorkout reports whether the item follows the workout template.
func isWorkout(item Item) bool {
	if _, ok := item.Data["start"]; ok {
		return true
	}
	if _, ok := item.Data["end"]; ok {
		return true
	}
	return false
}
