// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package settings

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joy-highfidelity/hifi/internal/node"
	"github.com/joy-highfidelity/hifi/internal/permission"
)

func TestGetReadsTopMostDefinedLayer(t *testing.T) {
	s, err := Open(Config{
		Defaults: map[string]any{
			"security": map[string]any{"max_capacity": float64(10)},
		},
		Overrides: map[string]any{
			"security": map[string]any{"max_capacity": float64(50)},
		},
	})
	require.NoError(t, err)

	v, ok := s.Get("security.max_capacity")
	require.True(t, ok)
	require.Equal(t, float64(50), v)
}

func TestGetFallsThroughToDefaultsWhenFileOmitsKey(t *testing.T) {
	s, err := Open(Config{
		Defaults: map[string]any{
			"security": map[string]any{"max_capacity": float64(10), "node_silence_secs": float64(5)},
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.RecurseAndOverwrite(map[string]any{
		"security": map[string]any{"max_capacity": float64(20)},
	}))

	maxCap, ok := s.Get("security.max_capacity")
	require.True(t, ok)
	require.Equal(t, float64(20), maxCap)

	silence, ok := s.Get("security.node_silence_secs")
	require.True(t, ok)
	require.Equal(t, float64(5), silence, "unrelated default key must survive a partial overwrite")
}

func TestRecurseAndOverwritePersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "domain-settings.json")

	s, err := Open(Config{Path: path})
	require.NoError(t, err)

	require.NoError(t, s.RecurseAndOverwrite(map[string]any{
		"metaverse": map[string]any{"place_name": "my-place"},
	}))

	reopened, err := Open(Config{Path: path})
	require.NoError(t, err)

	v, ok := reopened.Get("metaverse.place_name")
	require.True(t, ok)
	require.Equal(t, "my-place", v)
}

func TestSubscribeNotifiedAfterOverwrite(t *testing.T) {
	s, err := Open(Config{})
	require.NoError(t, err)

	var calls int
	s.Subscribe(func() { calls++ })

	require.NoError(t, s.RecurseAndOverwrite(map[string]any{"x": "y"}))
	require.Equal(t, 1, calls)
}

// TestPermissionsRevocationRecomputesVector covers spec.md §8's
// "Permissions revocation" scenario: resolving the catalog before and
// after an admin overwrite must produce different permission vectors
// for the same connecting identity, purely as a function of the
// settings snapshot — invariant 4.
func TestPermissionsRevocationRecomputesVector(t *testing.T) {
	s, err := Open(Config{
		Defaults: map[string]any{
			"security": map[string]any{
				"permissions": []any{
					map[string]any{"kind": "username", "username": "alice", "permissions": []any{"connect", "rez", "kick"}},
				},
			},
		},
	})
	require.NoError(t, err)

	alice := permission.ConnectingNode{VerifiedUsername: "alice"}

	before := s.PermissionsCatalog().Resolve(alice)
	require.True(t, before.Has(node.PermissionKick))

	require.NoError(t, s.RecurseAndOverwrite(map[string]any{
		"security": map[string]any{
			"permissions": []any{
				map[string]any{"kind": "username", "username": "alice", "permissions": []any{"connect"}},
			},
		},
	}))

	after := s.PermissionsCatalog().Resolve(alice)
	require.False(t, after.Has(node.PermissionKick), "revoked permission must disappear from the recomputed vector")
	require.True(t, after.Has(node.PermissionConnect))
}
