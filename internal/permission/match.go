// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

// Package permission implements the Permissions Catalog and resolver
// from spec.md §3/§4.6: a keyed set of permission grants (anonymous,
// logged-in, friend-of, localhost, username, group+rank) whose union
// over every entry matching a connecting node determines that node's
// permission vector.
package permission

import "path"

// MatchName reports whether a catalog username pattern matches a
// concrete name. Group entries do not use it: their group names are
// compared exactly. Patterns use shell-glob syntax ("*", "?",
// character classes) via path.Match — adapted from the teacher's
// hierarchical glob matcher (lib/authorization/lib/principal), simplified
// because usernames here have no "/"-segmented hierarchy to preserve
// wildcard-scoping rules for.
func MatchName(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	matched, err := path.Match(pattern, name)
	if err != nil {
		// A malformed pattern can never match — fail closed.
		return false
	}
	return matched
}

// MatchAny reports whether name matches any of patterns.
func MatchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if MatchName(p, name) {
			return true
		}
	}
	return false
}
