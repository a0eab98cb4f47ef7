// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

// Package watchdog provides atomic state file operations for tracking
// risky process transitions. A process writes a watchdog [State] before
// the transition; on startup, any process can read the state to
// determine whether the transition it expected actually happened.
//
// internal/domain.Controller.Restart writes a marker here immediately
// before calling its exit function for spec.md §6's reboot exit code;
// the next cmd/domain-server startup calls CheckWatchdog ([Check] plus
// [Clear]) to tell a requested restart from a crash-triggered one.
//
// The watchdog file is written atomically (write to temporary file,
// fsync, rename into place, fsync parent directory) so readers never
// see a partial or corrupt state. [Check] includes staleness detection:
// it ignores watchdog files older than a configurable maximum age to
// prevent acting on ancient files left behind by unrelated restarts.
//
// The [State] struct records the component name, previous and new
// binary paths, and a timestamp. It is serialized as JSON.
//
// This package has no dependencies on other internal packages.
package watchdog
