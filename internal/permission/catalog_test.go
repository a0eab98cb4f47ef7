// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joy-highfidelity/hifi/internal/node"
)

func TestResolveUnionsMatchingEntries(t *testing.T) {
	catalog := Catalog{
		{Kind: KindAnonymous, Permissions: node.Permissions(node.PermissionConnect)},
		{Kind: KindLoggedIn, Permissions: node.Permissions(node.PermissionRez)},
		{Kind: KindUsername, Username: "alice", Permissions: node.Permissions(node.PermissionKick)},
		{Kind: KindUsername, Username: "bob", Permissions: node.Permissions(node.PermissionReplaceContent)},
	}

	got := catalog.Resolve(ConnectingNode{
		IsAnonymous:      false,
		VerifiedUsername: "alice",
	})

	want := node.Permissions(node.PermissionConnect).With(node.PermissionRez).With(node.PermissionKick)
	require.Equal(t, want, got)
}

func TestResolveAnonymousOnlyGetsAnonymousEntries(t *testing.T) {
	catalog := Catalog{
		{Kind: KindAnonymous, Permissions: node.Permissions(node.PermissionConnect)},
		{Kind: KindLoggedIn, Permissions: node.Permissions(node.PermissionRez)},
	}

	got := catalog.Resolve(ConnectingNode{IsAnonymous: true})
	require.Equal(t, node.Permissions(node.PermissionConnect), got)
}

func TestResolveGroupRankMatching(t *testing.T) {
	catalog := Catalog{
		{Kind: KindGroup, Group: "builders", Rank: "admin", Permissions: node.Permissions(node.PermissionReplaceContent)},
		{Kind: KindGroup, Group: "builders", Permissions: node.Permissions(node.PermissionRez)},
	}

	got := catalog.Resolve(ConnectingNode{
		Groups: []GroupMembership{{Group: "builders", Rank: "member"}},
	})

	// Only the rank-agnostic entry should match a "member" rank.
	require.Equal(t, node.Permissions(node.PermissionRez), got)
}

func TestMatchNameGlob(t *testing.T) {
	require.True(t, MatchName("*", "anyone"))
	require.True(t, MatchName("alice*", "alice123"))
	require.False(t, MatchName("alice", "bob"))
}
