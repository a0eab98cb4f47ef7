// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

// Package assignment implements the Assignment Queue from spec.md
// §4.3: an ordered list of worker-spawn orders, fulfilled on request
// and re-enqueued on the death of a static assignment's worker.
package assignment

import (
	"net"

	"github.com/joy-highfidelity/hifi/internal/node"
	"github.com/joy-highfidelity/hifi/internal/wire"
)

// AllTypes is the sentinel a requester passes to match any node type,
// per spec.md §4.3 / §9 open question (b).
const AllTypes node.Type = 0

// Assignment is a worker-spawn order. UUID is regenerated on every
// redeployment so a stale worker can never reconnect under an old
// identity.
type Assignment struct {
	UUID wire.UUID
	Type node.Type

	// Pool is an optional tag further scoping which requesters may
	// fulfill this assignment. Empty matches only an empty requester
	// pool, per spec.md §9(b).
	Pool string

	// Payload is carried verbatim — spec.md §9 calls for preserving
	// the literal "--key value" encoding existing workers parse, so
	// this package never interprets it.
	Payload []byte

	// Static assignments are re-enqueued whenever the fulfilling node
	// dies. Ephemeral script assignments are created on script upload
	// and discarded once consumed.
	Static bool

	// ScriptOnDisk marks a static assignment whose Payload is a script
	// stored on disk under its UUID, requiring a rename on UUID
	// regeneration (spec.md §4.3).
	ScriptOnDisk bool
}

// Clone returns a copy of a with a freshly generated UUID, as done on
// every fulfillment (spec.md §4.3).
func (a Assignment) Clone() Assignment {
	clone := a
	clone.UUID = wire.NewUUID()
	return clone
}

func poolMatches(requested, candidate string) bool {
	if requested == "" && candidate == "" {
		return true
	}
	return requested == candidate
}

func typeMatches(requested, candidate node.Type) bool {
	return requested == AllTypes || requested == candidate
}

// subnetAllowed reports whether addr falls within one of the allowed
// CIDR blocks. An empty list matches nothing — callers should default
// to {"127.0.0.1/32"} per spec.md §4.3.
func subnetAllowed(addr net.IP, allowed []*net.IPNet) bool {
	for _, n := range allowed {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}
