// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package schema

import (
	"regexp"
	"strconv"
)

var unitPattern = regexp.MustCompile(`^([\d.]+)\s+(.+)$`)

// ParseUnit splits a unit string like "0.229 rev/min" into its scale factor
// and display unit. Strings without a leading scale have scale 1.
func ParseUnit(raw string) (scale float64, display string) {
	if raw == "" {
		return 1, ""
	}
	match := unitPattern.FindStringSubmatch(raw)
	if match == nil {
		return 1, raw
	}
	scale, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 1, raw
	}
	return scale, match[2]
}

// Scaled converts a raw value into display units
func (f *Field) Scaled(v int64) (float64, string) {
	scale, display := ParseUnit(f.Unit)
	return float64(v) * scale, display
}
