// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import "github.com/joy-highfidelity/hifi/internal/entities"

// EntitiesStore adapts the package-level internal/entities functions,
// which take an explicit path, to the EntitiesAPI interface the
// content-upload route depends on.
type EntitiesStore struct {
	Path string
}

// WriteReplace stages payload as the entities file's next atomic swap
// and applies it immediately, per spec.md §4.6 and entities.ApplyPendingReplace's
// "runs at startup and immediately after a successful upload" contract.
// If the process dies between the two steps, the `.replace` file is
// still on disk and the next startup's ApplyPendingReplace call
// finishes the swap.
func (s EntitiesStore) WriteReplace(payload []byte) error {
	if err := entities.WriteReplace(s.Path, payload); err != nil {
		return err
	}
	_, err := entities.ApplyPendingReplace(s.Path)
	return err
}
