// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input sanitization for security-critical
// values that end up inside measurement-DB writes.
//
// The time-series line protocol is sensitive to special characters;
// unsanitized tag values are a correctness bug that can masquerade as a
// security issue (tag injection, cardinality explosion). Every tag value
// produced by a transformer MUST pass through SanitizeTagValue before the
// point is constructed. This is a hard contract, not best-effort.
package validation

import "strings"

// MaxTagValueLength bounds a single tag value after sanitization.
const MaxTagValueLength = 256

// SanitizeTagValue normalizes an arbitrary string into a safe tag value.
//
// Description:
//
//	Replaces every character outside [A-Za-z0-9_.\-] with an underscore,
//	truncates the result to MaxTagValueLength, and maps empty input to
//	"unknown" so a tag is never written with an empty value.
//
// Inputs:
//   - raw: The untrusted tag value, e.g. a device name from a client payload.
//
// Outputs:
//   - string: A non-empty value matching [A-Za-z0-9_.\-]{1,256}.
//
// Example:
//
//	validation.SanitizeTagValue("Apple Watch")  // "Apple_Watch"
//	validation.SanitizeTagValue("")             // "unknown"
func SanitizeTagValue(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if isTagRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}

	out := b.String()
	if len(out) > MaxTagValueLength {
		out = out[:MaxTagValueLength]
	}
	if out == "" {
		return "unknown"
	}
	return out
}

// SanitizeTags sanitizes every value of a tag map in place and returns it.
// Nil maps are returned unchanged.
func SanitizeTags(tags map[string]string) map[string]string {
	for k, v := range tags {
		tags[k] = SanitizeTagValue(v)
	}
	return tags
}

func isTagRune(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z':
		return true
	case r >= 'a' && r <= 'z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '_' || r == '.' || r == '-':
		return true
	}
	return false
}
