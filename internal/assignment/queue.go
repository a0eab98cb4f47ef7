// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package assignment

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/joy-highfidelity/hifi/internal/node"
	"github.com/joy-highfidelity/hifi/internal/wire"
)

// ScriptRenamer relocates an on-disk script payload from its old
// assignment UUID to its new one. Implemented by the storage layer
// that owns the scripts directory.
type ScriptRenamer interface {
	RenameScript(oldUUID, newUUID wire.UUID) error
}

// Queue owns the ordered list of unfulfilled assignments and the
// pending-fulfillment table. A single mutex serializes every
// mutation — no suspension point (I/O) is ever held under it, matching
// the registry's concurrency discipline.
type Queue struct {
	mu sync.Mutex

	entries []*Assignment

	// pendingAssignedNodes maps a dispatched clone's UUID back to the
	// original (still-enqueued, for static assignments) entry it was
	// cloned from. Spec.md §4.3.
	pendingAssignedNodes map[wire.UUID]*Assignment

	allowedSubnets []*net.IPNet

	renamer ScriptRenamer
	credits *CreditLedger
	logger  *slog.Logger
}

// Config configures a new Queue.
type Config struct {
	// AllowedSubnets restricts who may call RequestAssignment. Defaults
	// to {127.0.0.1/32} per spec.md §4.3 if left empty.
	AllowedSubnets []*net.IPNet

	Renamer ScriptRenamer
	Logger  *slog.Logger
}

// New constructs an empty Queue.
func New(cfg Config) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	subnets := cfg.AllowedSubnets
	if len(subnets) == 0 {
		_, loopback, _ := net.ParseCIDR("127.0.0.1/32")
		subnets = []*net.IPNet{loopback}
	}
	return &Queue{
		pendingAssignedNodes: make(map[wire.UUID]*Assignment),
		allowedSubnets:       subnets,
		renamer:              cfg.Renamer,
		credits:              NewCreditLedger(),
		logger:               cfg.Logger,
	}
}

// Credits exposes the best-effort credit accounting surface (spec.md
// §9(c)).
func (q *Queue) Credits() *CreditLedger {
	return q.credits
}

// Enqueue inserts a into the queue, preserving the invariant that
// non-agent types sort before agent types while otherwise appending in
// FIFO order.
func (q *Queue) Enqueue(a Assignment) *Assignment {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry := &a
	q.insertByPriority(entry)
	return entry
}

// insertByPriority must be called with mu held.
func (q *Queue) insertByPriority(entry *Assignment) {
	if entry.Type == node.TypeAgent {
		q.entries = append(q.entries, entry)
		return
	}
	idx := len(q.entries)
	for i, e := range q.entries {
		if e.Type == node.TypeAgent {
			idx = i
			break
		}
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = entry
}

// RequestAssignment implements spec.md §4.3's request_assignment:
// validates the requester's source address against the subnet
// allow-list, finds the first queue entry matching requestedType and
// requestedPool, clones it with a fresh UUID, and either rotates the
// original to the back of the queue (static) or removes it entirely
// (ephemeral — fully consumed).
func (q *Queue) RequestAssignment(from net.IP, requestedType node.Type, requestedPool string) (Assignment, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !subnetAllowed(from, q.allowedSubnets) {
		return Assignment{}, false, fmt.Errorf("assignment: request from %s not allow-listed", from)
	}

	for i, entry := range q.entries {
		if !typeMatches(requestedType, entry.Type) || !poolMatches(requestedPool, entry.Pool) {
			continue
		}

		clone := entry.Clone()
		q.pendingAssignedNodes[clone.UUID] = entry

		if entry.Static {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.entries = append(q.entries, entry)
		} else {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
		}

		q.credits.Increment(entry.Type)
		return clone, true, nil
	}

	return Assignment{}, false, nil
}

// ResolveFulfillment looks up the original static assignment a newly
// admitted worker's clone UUID was fulfilled from, per spec.md §4.3:
// "the Gatekeeper resolves pending_assigned_nodes[clone.uuid] to the
// original static assignment and binds them."
func (q *Queue) ResolveFulfillment(cloneUUID wire.UUID) (*Assignment, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	original, ok := q.pendingAssignedNodes[cloneUUID]
	return original, ok
}

// NodeDied handles the death of a worker bound to cloneUUID. For a
// static assignment, the original's UUID is regenerated so the dead
// worker can never reconnect under it, the entry is re-enqueued at the
// front of its type class, and (if the payload is an on-disk script)
// the script file is renamed to the new UUID.
func (q *Queue) NodeDied(cloneUUID wire.UUID) error {
	q.mu.Lock()
	original, ok := q.pendingAssignedNodes[cloneUUID]
	delete(q.pendingAssignedNodes, cloneUUID)
	if !ok || !original.Static {
		q.mu.Unlock()
		return nil
	}

	oldUUID := original.UUID
	original.UUID = wire.NewUUID()
	q.reinsertAtFrontOfTypeClass(original)
	newUUID := original.UUID
	scriptOnDisk := original.ScriptOnDisk
	renamer := q.renamer
	q.credits.Decrement(original.Type)
	q.mu.Unlock()

	if scriptOnDisk && renamer != nil {
		if err := renamer.RenameScript(oldUUID, newUUID); err != nil {
			return fmt.Errorf("assignment: renaming script payload: %w", err)
		}
	}
	return nil
}

// reinsertAtFrontOfTypeClass must be called with mu held. It removes
// entry from its current position and reinserts it at the front of the
// non-agent region (if non-agent) or the front of the agent region (if
// agent), preserving the global non-agent-before-agent ordering.
func (q *Queue) reinsertAtFrontOfTypeClass(entry *Assignment) {
	for i, e := range q.entries {
		if e == entry {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}

	if entry.Type != node.TypeAgent {
		q.entries = append([]*Assignment{entry}, q.entries...)
		return
	}

	idx := len(q.entries)
	for i, e := range q.entries {
		if e.Type == node.TypeAgent {
			idx = i
			break
		}
	}
	q.entries = append(q.entries, nil)
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = entry
}

// Len reports the number of unfulfilled entries currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the queue's current ordering, for the
// /assignments.json control-surface endpoint.
func (q *Queue) Snapshot() []Assignment {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Assignment, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}
