// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package gatekeeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/joy-highfidelity/hifi/internal/assignment"
	"github.com/joy-highfidelity/hifi/internal/node"
	"github.com/joy-highfidelity/hifi/internal/permission"
	"github.com/joy-highfidelity/hifi/internal/wire"
	"github.com/joy-highfidelity/hifi/lib/clock"
)

// recentDenialsCapacity bounds the debug-surfaced denial history
// (SPEC_FULL.md §4.1 expansion) so a hostile connect loop cannot grow
// it without limit.
const recentDenialsCapacity = 256

// DenialRecord is one recently denied admission attempt, kept around
// only so the HTTP control surface's node dump can explain recent
// rejections to an operator.
type DenialRecord struct {
	UUID   wire.UUID
	Reason DenyReason
	Detail string
	At     time.Time
}

// Registry is the subset of internal/node.Registry the gatekeeper
// depends on. Injected as an explicit collaborator per spec.md §9's
// design note against process-wide singletons.
type Registry interface {
	Add(uuid wire.UUID, typ node.Type, public, local wire.SocketAddress, permissions node.Permissions, record *node.Record) (*node.Node, error)
	Count(typ node.Type) int
}

// AssignmentResolver is the subset of internal/assignment.Queue the
// gatekeeper depends on for the worker path (spec.md §4.2 step 2/3).
type AssignmentResolver interface {
	ResolveFulfillment(cloneUUID wire.UUID) (*assignment.Assignment, bool)
}

// SignedIdentity is a signed-username credential presented by a user
// connection.
type SignedIdentity struct {
	Username  string
	Token     []byte
	Signature []byte
}

// IdentityVerifier checks a SignedIdentity against the metaverse's
// public key for that user (spec.md §4.2 step 3, user path).
type IdentityVerifier interface {
	Verify(ctx context.Context, identity SignedIdentity) (ok bool, err error)
}

// GroupLookup resolves a verified username's group memberships,
// possibly incompletely if ctx expires first (spec.md §4.2 step 4).
type GroupLookup interface {
	Lookup(ctx context.Context, username string) ([]permission.GroupMembership, error)
}

// BanList reports whether a candidate is banned, by username or
// address.
type BanList interface {
	IsBanned(username string, addr wire.SocketAddress) bool
}

// FriendList reports whether username is a friend of the domain
// owner.
type FriendList interface {
	IsFriend(username string) bool
}

// ICERendezvous performs the symmetric-ICE ping described in spec.md
// §4.2 step 6: ping both candidate sockets and report which (if
// either) answered first.
type ICERendezvous interface {
	Ping(ctx context.Context, public, local wire.SocketAddress) (answered wire.SocketAddress, ok bool)
}

// Notifier receives the final admission outcome, for the
// "connected-node" event spec.md §4.2 step 7 calls for.
type Notifier interface {
	ConnectedNode(n *node.Node)
}

// ConnectRequest is everything the admission algorithm needs from an
// incoming DomainConnectRequest packet.
type ConnectRequest struct {
	ProtocolVersion uint8
	ExpectedVersion uint8

	// UUID is the node identity the candidate presents. For a worker
	// fulfilling an assignment, this equals the clone UUID handed out
	// in the CreateAssignment response (spec.md §4.3); for a user it
	// is a self-generated session UUID. Checked against the pending
	// assigned-nodes table to decide the worker-vs-user path
	// (spec.md §4.2 step 2).
	UUID wire.UUID

	NodeType    node.Type
	Public      wire.SocketAddress
	Local       wire.SocketAddress
	InterestSet map[node.Type]bool

	Identity *SignedIdentity // nil for anonymous connections

	// PublicSocketUnreachable is set by the transport layer when a
	// preliminary reachability probe of the candidate's reported
	// public socket failed, triggering symmetric-ICE (step 6).
	PublicSocketUnreachable bool
}

// AdmitResult is the outcome of Admit.
type AdmitResult struct {
	State  State
	Reason DenyReason
	Detail string
	Node   *node.Node
}

// Config configures a Gatekeeper.
type Config struct {
	Registry   Registry
	Assignment AssignmentResolver
	Catalog    func() permission.Catalog // current snapshot, e.g. Store.PermissionsCatalog
	Verifier   IdentityVerifier
	Groups     GroupLookup
	Bans       BanList
	Friends    FriendList
	ICE        ICERendezvous
	Notifier   Notifier

	MaxCapacity int

	GroupLookupDeadline time.Duration
	IceDeadline         time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Gatekeeper runs the admission algorithm from spec.md §4.2.
type Gatekeeper struct {
	cfg     Config
	denials *lru.Cache[wire.UUID, DenialRecord]
}

// New constructs a Gatekeeper.
func New(cfg Config) *Gatekeeper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GroupLookupDeadline == 0 {
		cfg.GroupLookupDeadline = 2 * time.Second
	}
	if cfg.IceDeadline == 0 {
		cfg.IceDeadline = 2 * time.Second
	}
	if cfg.Catalog == nil {
		cfg.Catalog = func() permission.Catalog { return nil }
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	denials, err := lru.New[wire.UUID, DenialRecord](recentDenialsCapacity)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// recentDenialsCapacity never is.
		panic(fmt.Sprintf("gatekeeper: building denial cache: %v", err))
	}
	return &Gatekeeper{cfg: cfg, denials: denials}
}

// RecentDenials returns the bounded history of recently denied
// admission attempts, for the HTTP control surface's node dump
// (SPEC_FULL.md §4.1 expansion).
func (g *Gatekeeper) RecentDenials() []DenialRecord {
	keys := g.denials.Keys()
	out := make([]DenialRecord, 0, len(keys))
	for _, key := range keys {
		if record, ok := g.denials.Peek(key); ok {
			out = append(out, record)
		}
	}
	return out
}

func (g *Gatekeeper) deny(uuid wire.UUID, reason DenyReason, detail string) AdmitResult {
	g.denials.Add(uuid, DenialRecord{UUID: uuid, Reason: reason, Detail: detail, At: g.cfg.Clock.Now()})
	return AdmitResult{State: StateDenied, Reason: reason, Detail: detail}
}

// Admit runs the seven-step admission algorithm.
func (g *Gatekeeper) Admit(ctx context.Context, req ConnectRequest) AdmitResult {
	// 1. Protocol check.
	if req.ProtocolVersion != req.ExpectedVersion {
		return g.deny(req.UUID, DenyProtocolMismatch,
			fmt.Sprintf("protocol version %d, want %d", req.ProtocolVersion, req.ExpectedVersion))
	}

	// 2 & 3. Source check + identity resolution.
	var assignedFrom *assignment.Assignment
	isWorker := false
	if req.UUID != wire.NilUUID && g.cfg.Assignment != nil {
		if original, ok := g.cfg.Assignment.ResolveFulfillment(req.UUID); ok {
			isWorker = true
			assignedFrom = original
		}
	}

	var verifiedUsername string
	authFailed := false
	isAnonymous := true
	if !isWorker && req.Identity != nil {
		isAnonymous = false
		ok, err := g.verify(ctx, *req.Identity)
		if err != nil {
			return g.deny(req.UUID, DenyLoginError, err.Error())
		}
		if ok {
			verifiedUsername = req.Identity.Username
		} else {
			authFailed = true
		}
	}

	if g.cfg.Bans != nil && g.cfg.Bans.IsBanned(verifiedUsername, req.Public) {
		return g.deny(req.UUID, DenyBanned, "")
	}

	// 4. Permission computation, including the group-lookup wait.
	var groups []permission.GroupMembership
	if g.cfg.Groups != nil && verifiedUsername != "" {
		groupCtx, cancel := context.WithTimeout(ctx, g.cfg.GroupLookupDeadline)
		resolved, err := g.cfg.Groups.Lookup(groupCtx, verifiedUsername)
		cancel()
		if err == nil {
			groups = resolved
		}
		// A lookup timeout proceeds with whatever memberships are
		// known — per spec.md §4.2 step 4, never with none at all
		// held open indefinitely.
	}

	permissions := g.cfg.Catalog().Resolve(permission.ConnectingNode{
		IsAnonymous:      isAnonymous,
		VerifiedUsername: verifiedUsername,
		IsFriendOfOwner:  g.isFriend(verifiedUsername),
		IsFromLoopback:   permission.IsLoopback(socketIP(req.Public)),
		Groups:           groups,
	})

	// 5. Capacity and ban check.
	if !permissions.Has(node.PermissionConnect) {
		return g.deny(req.UUID, DenyNotAuthorized, "")
	}
	if !isWorker && !permissions.Has(node.PermissionIgnoreMaxCapacity) {
		// Only verified-or-anonymous Agent nodes count against
		// capacity; workers never do (SPEC_FULL.md §4.2 expansion,
		// grounded in the original source's isWithinMaxCapacity).
		// A MaxCapacity of 0 means unlimited.
		if g.cfg.MaxCapacity > 0 && g.cfg.Registry.Count(node.TypeAgent) >= g.cfg.MaxCapacity {
			return g.deny(req.UUID, DenyTooManyUsers, "")
		}
	}

	// 6. ICE rendezvous.
	public := req.Public
	if req.PublicSocketUnreachable && g.cfg.ICE != nil {
		iceCtx, cancel := context.WithTimeout(ctx, g.cfg.IceDeadline)
		answered, ok := g.cfg.ICE.Ping(iceCtx, req.Public, req.Local)
		cancel()
		if !ok {
			return g.deny(req.UUID, DenyTimedOut, "no ICE reply from either socket")
		}
		public = answered
	}

	// 7. Commit.
	candidateUUID := req.UUID
	nodeType := req.NodeType
	if isWorker && assignedFrom != nil {
		nodeType = assignedFrom.Type
	}

	record := &node.Record{
		InterestSet:      req.InterestSet,
		VerifiedUsername: verifiedUsername,
		AuthFailed:       authFailed,
	}
	if isWorker && assignedFrom != nil {
		record.AssignmentID = assignedFrom.UUID
	}

	added, err := g.cfg.Registry.Add(candidateUUID, nodeType, public, req.Local, permissions, record)
	if err != nil {
		return g.deny(req.UUID, DenyLoginError, err.Error())
	}

	if g.cfg.Notifier != nil {
		g.cfg.Notifier.ConnectedNode(added)
	}

	return AdmitResult{State: StateAdmitted, Node: added}
}

// Permissions recomputes n's permission vector against the current
// catalog snapshot, per spec.md §8 invariant 4: "every live node's
// permissions vector equals the deterministic function of (settings
// snapshot, node identity)". Callers re-run this for every live node
// after a settings change and evict whichever nodes lose
// PermissionConnect.
func (g *Gatekeeper) Permissions(ctx context.Context, n *node.Node) node.Permissions {
	isAnonymous := n.Record.VerifiedUsername == ""

	var groups []permission.GroupMembership
	if g.cfg.Groups != nil && !isAnonymous {
		groupCtx, cancel := context.WithTimeout(ctx, g.cfg.GroupLookupDeadline)
		resolved, err := g.cfg.Groups.Lookup(groupCtx, n.Record.VerifiedUsername)
		cancel()
		if err == nil {
			groups = resolved
		}
	}

	return g.cfg.Catalog().Resolve(permission.ConnectingNode{
		IsAnonymous:      isAnonymous,
		VerifiedUsername: n.Record.VerifiedUsername,
		IsFriendOfOwner:  g.isFriend(n.Record.VerifiedUsername),
		IsFromLoopback:   permission.IsLoopback(socketIP(n.Public)),
		Groups:           groups,
	})
}

func (g *Gatekeeper) verify(ctx context.Context, identity SignedIdentity) (bool, error) {
	if g.cfg.Verifier == nil {
		return false, nil
	}
	return g.cfg.Verifier.Verify(ctx, identity)
}

func (g *Gatekeeper) isFriend(username string) bool {
	if username == "" || g.cfg.Friends == nil {
		return false
	}
	return g.cfg.Friends.IsFriend(username)
}

func socketIP(addr wire.SocketAddress) []byte {
	return addr.Addr
}
