// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joy-highfidelity/hifi/internal/wire"
)

// filesystemScriptRenamer implements assignment.ScriptRenamer against
// the on-disk per-assignment script directory: every enqueued script
// assignment's entity script lives at <dir>/<uuid>.js, and when
// Queue.NodeDied regenerates a static entry's UUID (spec.md §4.3) that
// file is renamed in place to the new UUID rather than copied.
type filesystemScriptRenamer struct {
	dir string
}

func newFilesystemScriptRenamer(dir string) (*filesystemScriptRenamer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("script renamer: creating %s: %w", dir, err)
	}
	return &filesystemScriptRenamer{dir: dir}, nil
}

// RenameScript implements assignment.ScriptRenamer.
func (r *filesystemScriptRenamer) RenameScript(oldUUID, newUUID wire.UUID) error {
	oldPath := filepath.Join(r.dir, oldUUID.String()+".js")
	newPath := filepath.Join(r.dir, newUUID.String()+".js")

	if _, err := os.Stat(oldPath); os.IsNotExist(err) {
		// Not every assignment carries a script; nothing to rename.
		return nil
	}
	return os.Rename(oldPath, newPath)
}
