// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package utils holds small, dependency-free helpers shared across the
// module, mirroring the pkg/utils in spirit: short, focused
// files rather than one catch-all.
package utils

import "strings"

// Ptr returns a pointer to a copy of v. Useful for optional struct
// fields that take *T.
func Ptr[T any](v T) *T {
	return &v
}

// IsEmpty reports whether s is empty once surrounding whitespace is
// trimmed.
func IsEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}

// Clamp restricts v to the inclusive range [lo, hi].
func Clamp[T int | int64 | float64](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
