// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package entities

import (
	"fmt"
	"os"

	"github.com/joy-highfidelity/hifi/internal/wire"
)

// ReplaceSuffix is appended to the entities file path to name the
// pending-swap file, per spec.md §6.
const ReplaceSuffix = ".replace"

// WriteReplace writes payload (compressed, with a placeholder header —
// the real id/version are assigned at swap time) to path+ReplaceSuffix.
// Called when an upload to /content/upload lands.
func WriteReplace(path string, payload []byte) error {
	encoded, err := Encode(Header{}, payload)
	if err != nil {
		return err
	}
	return os.WriteFile(path+ReplaceSuffix, encoded, 0o644)
}

// ApplyPendingReplace checks for path+ReplaceSuffix and, if present and
// parseable, swaps it into place: assigns a fresh id and an
// incremented version, rewrites only the header (the gzip payload is
// copied through untouched — no need to decompress and recompress a
// scene that didn't change), and deletes the `.replace` file.
//
// Runs at startup and immediately after a successful upload, per
// spec.md §4.5. Returns (false, nil) if no `.replace` file is present.
func ApplyPendingReplace(path string) (swapped bool, err error) {
	replacePath := path + ReplaceSuffix
	raw, err := os.ReadFile(replacePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("entities: reading %s: %w", replacePath, err)
	}

	oldHeader, err := DecodeHeader(raw)
	if err != nil {
		// An unparseable `.replace` file is corruption, not a pending
		// swap — log and leave the previous good state intact rather
		// than failing startup.
		return false, fmt.Errorf("entities: %s is not a valid pending swap: %w", replacePath, err)
	}
	if len(raw) < HeaderSize {
		return false, fmt.Errorf("entities: %s is truncated", replacePath)
	}

	newHeader := Header{ID: wire.NewUUID(), Version: oldHeader.Version + 1}
	final := append(newHeader.Encode(), raw[HeaderSize:]...)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, final, 0o644); err != nil {
		return false, fmt.Errorf("entities: writing temporary file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("entities: renaming into place: %w", err)
	}

	// If the `.replace` file cannot be deleted, the swap itself has
	// already landed durably at path — but we must not let the next
	// tick see a stale `.replace` and reapply it, bumping the version
	// forever. Surface the error so the caller can alert an operator
	// instead of silently looping.
	if err := os.Remove(replacePath); err != nil {
		return true, fmt.Errorf("entities: swap applied but could not delete %s, aborting further swaps: %w", replacePath, err)
	}

	return true, nil
}
