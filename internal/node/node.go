// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

// Package node owns the domain's membership table: the Node Registry
// described in spec.md §4.1. Registry serializes every mutation and
// read through a single mutex and runs on its callers' goroutines; it
// has no owner goroutine or command channel of its own.
package node

import (
	"time"

	"github.com/joy-highfidelity/hifi/internal/wire"
)

// Type is the closed set of node kinds a domain admits, per spec.md §3.
type Type uint8

const (
	TypeAgent Type = iota
	TypeAudioMixer
	TypeAvatarMixer
	TypeEntityServer
	TypeAssetServer
	TypeMessagesMixer
	TypeEntityScriptServer
	TypeUpstreamAudio
	TypeUpstreamAvatar
	TypeDownstreamAudio
	TypeDownstreamAvatar
)

func (t Type) String() string {
	switch t {
	case TypeAgent:
		return "Agent"
	case TypeAudioMixer:
		return "AudioMixer"
	case TypeAvatarMixer:
		return "AvatarMixer"
	case TypeEntityServer:
		return "EntityServer"
	case TypeAssetServer:
		return "AssetServer"
	case TypeMessagesMixer:
		return "MessagesMixer"
	case TypeEntityScriptServer:
		return "EntityScriptServer"
	case TypeUpstreamAudio:
		return "UpstreamAudio"
	case TypeUpstreamAvatar:
		return "UpstreamAvatar"
	case TypeDownstreamAudio:
		return "DownstreamAudio"
	case TypeDownstreamAvatar:
		return "DownstreamAvatar"
	default:
		return "Unknown"
	}
}

// IsWorker reports whether t is a worker type (everything but Agent).
func (t Type) IsWorker() bool {
	return t != TypeAgent
}

// Permission is a single bit in a node's permission vector, per
// spec.md §3.
type Permission uint32

const (
	PermissionConnect Permission = 1 << iota
	PermissionRez
	PermissionRezTemporary
	PermissionRezCertified
	PermissionKick
	PermissionReplaceContent
	PermissionWriteAssets
	PermissionIgnoreMaxCapacity
	PermissionAdjustLocks
	PermissionRezAvatarEntities
	PermissionGetAndSetPrivateUserData
)

// Permissions is a bitset of Permission values.
type Permissions uint32

// Has reports whether every bit in p is set.
func (s Permissions) Has(p Permission) bool {
	return s&Permissions(p) == Permissions(p)
}

// With returns s with p set.
func (s Permissions) With(p Permission) Permissions {
	return s | Permissions(p)
}

// Union returns the bitwise union of a and b — the semantics the
// permission resolver uses to combine every matching catalog entry
// (spec.md §4.2 step 4).
func Union(a, b Permissions) Permissions {
	return a | b
}

// Record is the per-node data the registry tracks beyond identity and
// addressing: interest set, place name, version, timestamps, and the
// node's assignment binding (if it was spawned from one).
type Record struct {
	InterestSet map[Type]bool
	PlaceName   string
	Version     string
	WakeTime    time.Time
	LastHeartbeat time.Time

	// AssignmentID is the assignment this node was spawned to fulfill.
	// Nil UUID for nodes that connected without an assignment (Agents).
	AssignmentID wire.UUID

	// ForcedNeverSilent exempts replication peers from the silence
	// reaper (spec.md §4.1).
	ForcedNeverSilent bool

	// VerifiedUsername is set when a user's signed username+token was
	// verified against the metaverse's public key (spec.md §4.2 step 3).
	VerifiedUsername string

	// AuthFailed records that a signed username was presented but
	// failed verification — the node is treated as anonymous but the
	// failure is retained for audit logging (SPEC_FULL.md §3).
	AuthFailed bool
}

// Node is a registered peer: the full identity, addressing, permission,
// and bookkeeping record the registry owns.
type Node struct {
	UUID        wire.UUID
	LocalID     uint16
	Type        Type
	Public      wire.SocketAddress
	Local       wire.SocketAddress
	Permissions Permissions
	Record      *Record
}

// CanSee reports whether this node's interest set includes other's
// type — the fan-out predicate from spec.md §4.1.
func (n *Node) CanSee(other Type) bool {
	return n.Record.InterestSet[other]
}
