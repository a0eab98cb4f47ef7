// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package entities

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joy-highfidelity/hifi/internal/wire"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json.gz")
	header := Header{ID: wire.NewUUID(), Version: 3}
	payload := []byte(`{"Entities":[]}`)

	require.NoError(t, Save(path, header, payload))

	gotHeader, gotPayload, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, header, gotHeader)
	require.Equal(t, payload, gotPayload)
}

// TestApplyPendingReplaceAtomicSwap covers spec.md §8's "Atomic scene
// swap" scenario: a `.replace` file present at startup must be swapped
// into place with a fresh id and incremented version, and deleted.
func TestApplyPendingReplaceAtomicSwap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.json.gz")

	original := Header{ID: wire.NewUUID(), Version: 5}
	require.NoError(t, Save(path, original, []byte(`{"old":true}`)))

	newPayload := []byte(`{"new":true}`)
	require.NoError(t, WriteReplace(path, newPayload))

	swapped, err := ApplyPendingReplace(path)
	require.NoError(t, err)
	require.True(t, swapped)

	_, err = os.Stat(path + ReplaceSuffix)
	require.True(t, os.IsNotExist(err), ".replace must be deleted after a successful swap")

	finalHeader, finalPayload, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, newPayload, finalPayload)
	require.NotEqual(t, original.ID, finalHeader.ID, "swap must assign a fresh id")
	require.Equal(t, uint64(1), finalHeader.Version, "placeholder header's version (0) + 1")
}

func TestApplyPendingReplaceNoOpWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json.gz")
	swapped, err := ApplyPendingReplace(path)
	require.NoError(t, err)
	require.False(t, swapped)
}

func TestApplyPendingReplaceRejectsTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.json.gz")
	require.NoError(t, os.WriteFile(path+ReplaceSuffix, []byte("short"), 0o644))

	_, err := ApplyPendingReplace(path)
	require.Error(t, err)
}
