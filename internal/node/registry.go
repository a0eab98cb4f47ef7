// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joy-highfidelity/hifi/internal/wire"
	"github.com/joy-highfidelity/hifi/lib/clock"
)

// Notifier fans out membership events to interested peers. The
// registry calls these synchronously while holding no lock (see
// Registry.add/remove) so a slow or failing send never blocks other
// registry operations. Per spec.md §4.1, any send error is logged and
// dropped by the implementation — registry integrity must never depend
// on it.
type Notifier interface {
	// NotifyNodeAdded tells "to" that "added" joined, including the
	// pairwise session secret the two peers will use to authenticate
	// traffic with each other.
	NotifyNodeAdded(to *Node, added *Node, secret [16]byte) error

	// NotifyNodeRemoved tells "to" that a peer of the given type and
	// UUID left.
	NotifyNodeRemoved(to *Node, removedUUID wire.UUID, removedType Type) error
}

// pairKey is an unordered key over two node UUIDs, used for the
// cross-peer session-secret table. Ordering the two UUIDs lexically
// before combining makes the table genuinely a function of the
// unordered pair, matching the symmetry invariant in spec.md §3 and
// the "Cross-peer secret map" design note in spec.md §9.
type pairKey [32]byte

func makePairKey(a, b wire.UUID) pairKey {
	var key pairKey
	if lessUUID(a, b) {
		copy(key[:16], a[:])
		copy(key[16:], b[:])
	} else {
		copy(key[:16], b[:])
		copy(key[16:], a[:])
	}
	return key
}

func lessUUID(a, b wire.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Registry is the sole owner of the domain's membership table. Every
// exported method serializes through mu, matching spec.md §4.1's "all
// mutations happen here" requirement without requiring callers to run
// on a dedicated goroutine — the mutex is the serialization boundary.
//
// Registry never holds mu while calling out to the Notifier or
// performing any other suspension point, so a stalled peer send can
// never stall an unrelated registry operation.
type Registry struct {
	mu sync.Mutex

	nodes     map[wire.UUID]*Node
	byLocalID map[uint16]*Node
	nextLocal uint16
	freeLocal []uint16

	secrets map[pairKey][16]byte

	silenceThreshold time.Duration

	clock    clock.Clock
	notifier Notifier
	logger   *slog.Logger
}

// Config configures a new Registry.
type Config struct {
	// SilenceThreshold is security.node_silence_secs from
	// spec.md §9(a) — how long a node may go without a heartbeat
	// before the silence reaper evicts it.
	SilenceThreshold time.Duration
	Clock            clock.Clock
	Notifier         Notifier
	Logger           *slog.Logger
}

// New constructs an empty Registry.
func New(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 10 * time.Second
	}
	return &Registry{
		nodes:            make(map[wire.UUID]*Node),
		byLocalID:        make(map[uint16]*Node),
		secrets:          make(map[pairKey][16]byte),
		silenceThreshold: cfg.SilenceThreshold,
		clock:            cfg.Clock,
		notifier:         cfg.Notifier,
		logger:           cfg.Logger,
	}
}

// SetPermissions replaces a live node's permission vector, used to
// apply the result of a settings-driven recomputation (spec.md §8
// invariant 4) without re-running admission.
func (r *Registry) SetPermissions(uuid wire.UUID, permissions Permissions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[uuid]; ok {
		n.Permissions = permissions
	}
}

// SetNotifier rebinds the registry's Notifier. Exists because the
// controller that implements Notifier is itself constructed from an
// already-built Registry — callers wire a placeholder or nil at
// Registry construction and bind the real notifier once it exists.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// Add assigns a local ID, inserts the node, and fans out node-added to
// every live peer whose interest set contains typ. Per spec.md §3, UUIDs
// are unique within the registry — Add returns an error if uuid is
// already present instead of silently replacing the existing node.
func (r *Registry) Add(uuid wire.UUID, typ Type, public, local wire.SocketAddress, permissions Permissions, record *Record) (*Node, error) {
	r.mu.Lock()
	if _, exists := r.nodes[uuid]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("node: uuid %s already registered", uuid)
	}

	if record == nil {
		record = &Record{InterestSet: make(map[Type]bool)}
	}
	if record.InterestSet == nil {
		record.InterestSet = make(map[Type]bool)
	}
	now := r.clock.Now()
	if record.WakeTime.IsZero() {
		record.WakeTime = now
	}
	record.LastHeartbeat = now

	localID := r.allocateLocalID()
	n := &Node{
		UUID:        uuid,
		LocalID:     localID,
		Type:        typ,
		Public:      public,
		Local:       local,
		Permissions: permissions,
		Record:      record,
	}
	r.nodes[uuid] = n
	r.byLocalID[localID] = n

	// Snapshot the peers to notify while still holding the lock, then
	// release before any network I/O — no suspension point may hold a
	// core data structure (spec.md §5).
	var toNotify []*Node
	for _, peer := range r.nodes {
		if peer.UUID == n.UUID {
			continue
		}
		if peer.CanSee(typ) {
			toNotify = append(toNotify, peer)
		}
	}
	r.mu.Unlock()

	if r.notifier != nil {
		for _, peer := range toNotify {
			secret := r.ConnectionSecret(peer.UUID, n.UUID)
			if err := r.notifier.NotifyNodeAdded(peer, n, secret); err != nil {
				r.logger.Warn("node-added notify failed", "to", peer.UUID, "added", n.UUID, "error", err)
			}
		}
	}

	return n, nil
}

// Remove evicts a node, frees its local ID, cleans its cross-peer
// secrets, and fans out node-killed to every peer whose interest set
// contained its type.
func (r *Registry) Remove(uuid wire.UUID) {
	r.mu.Lock()
	n, ok := r.nodes[uuid]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.nodes, uuid)
	delete(r.byLocalID, n.LocalID)
	r.freeLocal = append(r.freeLocal, n.LocalID)

	for key := range r.secrets {
		if matchesUUID(key, uuid) {
			delete(r.secrets, key)
		}
	}

	var toNotify []*Node
	for _, peer := range r.nodes {
		if peer.CanSee(n.Type) {
			toNotify = append(toNotify, peer)
		}
	}
	r.mu.Unlock()

	if r.notifier != nil {
		for _, peer := range toNotify {
			if err := r.notifier.NotifyNodeRemoved(peer, n.UUID, n.Type); err != nil {
				r.logger.Warn("node-killed notify failed", "to", peer.UUID, "removed", n.UUID, "error", err)
			}
		}
	}
}

func matchesUUID(key pairKey, id wire.UUID) bool {
	var a, b wire.UUID
	copy(a[:], key[:16])
	copy(b[:], key[16:])
	return a == id || b == id
}

// allocateLocalID must be called with mu held. It reuses a freed local
// ID when available, otherwise allocates a fresh one. Per spec.md §3,
// local IDs are reused only after the previous holder is fully evicted
// — freeLocal only ever receives IDs from Remove.
func (r *Registry) allocateLocalID() uint16 {
	if n := len(r.freeLocal); n > 0 {
		id := r.freeLocal[n-1]
		r.freeLocal = r.freeLocal[:n-1]
		return id
	}
	r.nextLocal++
	return r.nextLocal
}

// LookupByUUID returns the node with the given UUID, or nil.
func (r *Registry) LookupByUUID(uuid wire.UUID) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodes[uuid]
}

// LookupByLocalID returns the node with the given local ID, or nil.
func (r *Registry) LookupByLocalID(id uint16) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byLocalID[id]
}

// ForEach calls visit for a consistent snapshot of every node matching
// filter. filter may be nil to visit every node. visit is called
// without the registry lock held.
func (r *Registry) ForEach(filter func(*Node) bool, visit func(*Node)) {
	r.mu.Lock()
	snapshot := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if filter == nil || filter(n) {
			snapshot = append(snapshot, n)
		}
	}
	r.mu.Unlock()

	for _, n := range snapshot {
		visit(n)
	}
}

// Count returns the number of live nodes of the given type.
func (r *Registry) Count(typ Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, n := range r.nodes {
		if n.Type == typ {
			count++
		}
	}
	return count
}

// SetInterestSet replaces a node's declared interest set.
func (r *Registry) SetInterestSet(uuid wire.UUID, set map[Type]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[uuid]; ok {
		n.Record.InterestSet = set
	}
}

// Touch refreshes a node's last-heartbeat timestamp.
func (r *Registry) Touch(uuid wire.UUID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[uuid]; ok {
		n.Record.LastHeartbeat = now
	}
}

// ConnectionSecret returns the session secret shared by a and b,
// lazily generating one on first use and storing it symmetrically, per
// spec.md §3's invariant that secret(A,B) == secret(B,A).
func (r *Registry) ConnectionSecret(a, b wire.UUID) [16]byte {
	key := makePairKey(a, b)

	r.mu.Lock()
	if secret, ok := r.secrets[key]; ok {
		r.mu.Unlock()
		return secret
	}
	r.mu.Unlock()

	var secret [16]byte
	if _, err := rand.Read(secret[:]); err != nil {
		// crypto/rand failing is a fatal platform condition; panicking
		// here matches the "only configuration/OOM may terminate the
		// process" principle in spec.md §7.
		panic(fmt.Sprintf("node: reading random session secret: %v", err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.secrets[key]; ok {
		// Lost the race to a concurrent caller; use its value so both
		// sides agree.
		return existing
	}
	r.secrets[key] = secret
	return secret
}

// ReapSilent evicts every node whose last heartbeat is older than the
// configured silence threshold, except nodes flagged ForcedNeverSilent
// (replication peers, per spec.md §4.1).
func (r *Registry) ReapSilent(now time.Time) []wire.UUID {
	r.mu.Lock()
	var stale []wire.UUID
	for uuid, n := range r.nodes {
		if n.Record.ForcedNeverSilent {
			continue
		}
		if now.Sub(n.Record.LastHeartbeat) > r.silenceThreshold {
			stale = append(stale, uuid)
		}
	}
	r.mu.Unlock()

	for _, uuid := range stale {
		r.Remove(uuid)
	}
	return stale
}

// RunSilenceReaper runs ReapSilent on every tick of the given interval
// until the done channel closes. internal/domain's Controller.Run wires
// this into the process lifetime by closing done when its context is
// cancelled.
func (r *Registry) RunSilenceReaper(interval time.Duration, done <-chan struct{}) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			if stale := r.ReapSilent(now); len(stale) > 0 {
				r.logger.Info("silence reaper evicted nodes", "count", len(stale))
			}
		}
	}
}
