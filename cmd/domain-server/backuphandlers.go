// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joy-highfidelity/hifi/internal/entities"
)

// entitiesBackupHandler wraps the entities file as a backup.Handler.
// Save copies the on-disk file (already gzip-compressed, header and
// all) straight into the archive; Load restores it atomically through
// the same WriteReplace/ApplyPendingReplace swap the content-upload
// route uses, so a bad recovery can never leave a half-written
// entities file in place.
type entitiesBackupHandler struct {
	path string
}

func (h entitiesBackupHandler) Name() string { return "entities.hifi" }

func (h entitiesBackupHandler) Save(w io.Writer) error {
	f, err := os.Open(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("backup: opening entities file: %w", err)
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (h entitiesBackupHandler) Load(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("backup: reading archived entities: %w", err)
	}

	// The archive stores the entities file's exact on-disk bytes
	// (header + gzip payload). Stage them in a scratch file so
	// entities.Load can decode the payload with its existing codec,
	// then hand the decompressed payload to WriteReplace, which
	// re-encodes it under a fresh id/version via the normal swap path.
	scratch := h.path + ".restore-scratch"
	if err := os.WriteFile(scratch, raw, 0o644); err != nil {
		return fmt.Errorf("backup: staging archived entities: %w", err)
	}
	defer os.Remove(scratch)

	_, body, err := entities.Load(scratch)
	if err != nil {
		return fmt.Errorf("backup: archived entities payload is invalid: %w", err)
	}
	if err := entities.WriteReplace(h.path, body); err != nil {
		return fmt.Errorf("backup: staging entities restore: %w", err)
	}
	_, err = entities.ApplyPendingReplace(h.path)
	return err
}

// settingsBackupHandler wraps the settings file as a backup.Handler,
// so an archive's "restore" recovers both the scene and the operator
// configuration that was active when it was taken.
type settingsBackupHandler struct {
	path string
}

func (h settingsBackupHandler) Name() string { return "settings.json" }

func (h settingsBackupHandler) Save(w io.Writer) error {
	f, err := os.Open(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("backup: opening settings file: %w", err)
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (h settingsBackupHandler) Load(r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("backup: reading archived settings: %w", err)
	}
	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("backup: staging settings restore: %w", err)
	}
	if err := os.Rename(tmp, h.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("backup: renaming settings restore into place: %w", err)
	}
	return nil
}
