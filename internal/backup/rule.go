// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package backup

import "time"

// Rule describes one recurring backup policy, per spec.md §4.5.
type Rule struct {
	Name string

	// Interval is how often this rule fires.
	Interval time.Duration

	// MaxKept is how many archives this rule retains; the oldest are
	// deleted beyond this count after each new archive is created.
	MaxKept int

	// FormatString is a time.Format layout used to name each archive,
	// e.g. "backup-20060102-150405.zip".
	FormatString string

	// LastFired is the time this rule last produced an archive, zero
	// if it never has.
	LastFired time.Time
}

// due reports whether now has reached this rule's next scheduled fire
// time: "last_fired + interval <= now" (spec.md §4.5).
func (r Rule) due(now time.Time) bool {
	return !r.LastFired.Add(r.Interval).After(now)
}
