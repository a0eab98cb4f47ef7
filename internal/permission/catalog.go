// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"net"

	"github.com/joy-highfidelity/hifi/internal/node"
)

// EntryKind identifies which of the six catalog key shapes an Entry
// uses, per spec.md §3: "anonymous, logged-in, friend-of, localhost, a
// specific username, a specific group + rank".
type EntryKind int

const (
	KindAnonymous EntryKind = iota
	KindLoggedIn
	KindFriend
	KindLocalhost
	KindUsername
	KindGroup
)

// Entry is one row of the Permissions Catalog.
type Entry struct {
	Kind EntryKind

	// Username is set for KindUsername. Supports glob patterns.
	Username string

	// Group and Rank are set for KindGroup. Rank is empty to match any
	// rank within the group.
	Group string
	Rank  string

	Permissions node.Permissions
}

// Catalog is an ordered list of permission entries. Order does not
// affect the result — resolution is a union over every matching entry
// — but is preserved for deterministic audit logging.
type Catalog []Entry

// ConnectingNode describes the identity facts available about a
// candidate at permission-resolution time (gatekeeper step 4).
type ConnectingNode struct {
	// IsAnonymous is true when no verified_username was established.
	IsAnonymous bool

	// VerifiedUsername is the authenticated username, empty when
	// IsAnonymous.
	VerifiedUsername string

	// IsFriendOfOwner is true when the user is on the domain owner's
	// friends list; KindFriend entries match only then.
	IsFriendOfOwner bool

	// IsFromLoopback is true when the candidate's public socket
	// resolves to a loopback address.
	IsFromLoopback bool

	// Groups is the set of (group, rank) pairs the group-membership
	// lookup resolved for this user by the time permissions are
	// computed — may be partial if the lookup deadline (spec.md §4.2
	// step 4) expired before every group resolved.
	Groups []GroupMembership
}

// GroupMembership is one resolved (group, rank) pair.
type GroupMembership struct {
	Group string
	Rank  string
}

// Resolve computes the union of every catalog entry matching c, per
// spec.md §4.2 step 4.
func (cat Catalog) Resolve(c ConnectingNode) node.Permissions {
	var result node.Permissions

	for _, entry := range cat {
		if entryMatches(entry, c) {
			result = node.Union(result, entry.Permissions)
		}
	}
	return result
}

func entryMatches(entry Entry, c ConnectingNode) bool {
	switch entry.Kind {
	case KindAnonymous:
		return true
	case KindLoggedIn:
		return !c.IsAnonymous
	case KindFriend:
		return !c.IsAnonymous && c.IsFriendOfOwner
	case KindLocalhost:
		return c.IsFromLoopback
	case KindUsername:
		return !c.IsAnonymous && MatchName(entry.Username, c.VerifiedUsername)
	case KindGroup:
		for _, g := range c.Groups {
			if g.Group != entry.Group {
				continue
			}
			if entry.Rank == "" || entry.Rank == g.Rank {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// IsLoopback reports whether addr is in a loopback range, used to
// populate ConnectingNode.IsFromLoopback.
func IsLoopback(addr net.IP) bool {
	return addr != nil && addr.IsLoopback()
}
