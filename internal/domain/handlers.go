// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/joy-highfidelity/hifi/internal/dispatch"
	"github.com/joy-highfidelity/hifi/internal/entities"
	"github.com/joy-highfidelity/hifi/internal/gatekeeper"
	"github.com/joy-highfidelity/hifi/internal/node"
	"github.com/joy-highfidelity/hifi/internal/wire"
	"github.com/joy-highfidelity/hifi/lib/codec"
)

// Bodies for the packet types this controller handles. These are the
// domain controller's own wire contracts, distinct from the generic
// framing internal/wire provides — each handler below owns encoding
// and decoding its type the way internal/heartbeat's ICE ping already
// does for its own packet.

type connectRequestBody struct {
	UUID              wire.UUID             `cbor:"uuid"`
	NodeType          uint8                 `cbor:"node_type"`
	Public            wire.SocketAddress    `cbor:"public"`
	Local             wire.SocketAddress    `cbor:"local"`
	InterestTypes     []uint8               `cbor:"interest_types"`
	Username          string                `cbor:"username"`
	SignedToken       []byte                `cbor:"signed_token"`
	Signature         []byte                `cbor:"signature"`
	ProtocolVersion   uint8                 `cbor:"protocol_version"`
	PublicUnreachable bool                  `cbor:"public_unreachable"`
	AssignmentUUID    wire.UUID             `cbor:"assignment_uuid"`
}

type nodeWireView struct {
	UUID        wire.UUID          `cbor:"uuid"`
	LocalID     uint16             `cbor:"local_id"`
	Type        uint8              `cbor:"type"`
	Public      wire.SocketAddress `cbor:"public"`
	Local       wire.SocketAddress `cbor:"local"`
	Permissions uint32             `cbor:"permissions"`

	// Secret is the pairwise session secret the recipient and this
	// node will authenticate sourced packets with (spec.md §3's
	// secret(A,B) == secret(B,A) invariant), so both sides agree
	// before ever exchanging a single sourced packet.
	Secret [16]byte `cbor:"secret"`
}

type domainListBody struct {
	OwnUUID    wire.UUID      `cbor:"own_uuid"`
	OwnLocalID uint16         `cbor:"own_local_id"`
	Nodes      []nodeWireView `cbor:"nodes"`
}

type nodeKickBody struct {
	Target wire.UUID `cbor:"target"`
}

type requestAssignmentBody struct {
	Type uint8  `cbor:"type"`
	Pool string `cbor:"pool"`
}

type createAssignmentBody struct {
	UUID    wire.UUID `cbor:"uuid"`
	Type    uint8     `cbor:"type"`
	Payload []byte    `cbor:"payload"`
}

type usernameFromIDBody struct {
	Target wire.UUID `cbor:"target"`
}

type usernameResponseBody struct {
	Target   wire.UUID `cbor:"target"`
	Username string    `cbor:"username"`
}

type settingsSnapshotBody struct {
	Settings map[string]any `cbor:"settings"`
}

type pathQueryBody struct {
	Path string `cbor:"path"`
}

type pathResponseBody struct {
	Path      string `cbor:"path"`
	Viewpoint string `cbor:"viewpoint"`
}

// defaultIndexViewpoint is the viewpoint served for the root path when
// settings name no override, matching the original domain server's
// DEFAULT_INDEX_PATH.
const defaultIndexViewpoint = "/0,0,0/0,0,0,1"

type octreeFileRequestBody struct{}

type octreeFileReplyBody struct {
	Header  []byte `cbor:"header"`
	Payload []byte `cbor:"payload"`
}

type octreePersistBody struct {
	Payload []byte `cbor:"payload"`
}

type nodeAddedBody struct {
	Node nodeWireView `cbor:"node"`
}

type nodeRemovedBody struct {
	UUID wire.UUID `cbor:"uuid"`
	Type uint8     `cbor:"type"`
}

// controllerNotifier adapts Controller to node.Notifier, turning
// registry membership events into DomainServerAddedNode /
// DomainServerRemovedNode packets (spec.md §8, "Two agents meet" /
// "Permissions revocation"). Bound onto the registry after the
// controller exists, since the registry is constructed first.
type controllerNotifier struct {
	c *Controller
}

func (n controllerNotifier) NotifyNodeAdded(to, added *node.Node, secret [16]byte) error {
	n.c.send(context.Background(), to.Public, wire.TypeDomainServerAddedNode, nodeAddedBody{
		Node: nodeWireView{
			UUID: added.UUID, LocalID: added.LocalID, Type: uint8(added.Type),
			Public: added.Public, Local: added.Local, Permissions: uint32(added.Permissions),
			Secret: secret,
		},
	})
	return nil
}

func (n controllerNotifier) NotifyNodeRemoved(to *node.Node, removedUUID wire.UUID, removedType node.Type) error {
	n.c.send(context.Background(), to.Public, wire.TypeDomainServerRemovedNode, nodeRemovedBody{
		UUID: removedUUID, Type: uint8(removedType),
	})
	return nil
}

// buildDispatchTable registers every packet type this controller
// handles, per spec.md §9's "static table registered at startup"
// design note.
func (c *Controller) buildDispatchTable() *dispatch.Table {
	table := dispatch.NewTable(dispatch.Config{
		Registry:       c.cfg.Registry,
		ControllerUUID: wire.NilUUID,
		Denier:         connectVersionDenierFunc(c.denyVersionMismatch),
		Logger:         c.cfg.Logger,
	})

	table.Register(wire.TypeDomainConnectRequest, c.handleConnectRequest)
	table.Register(wire.TypeDomainListRequest, c.handleDomainListRequest)
	table.Register(wire.TypeDomainDisconnectRequest, c.handleDisconnectRequest)
	table.Register(wire.TypeDomainServerPathQuery, c.handlePathQuery)
	table.Register(wire.TypeNodeKickRequest, c.handleNodeKickRequest)
	table.Register(wire.TypeRequestAssignment, c.handleRequestAssignment)
	table.Register(wire.TypeUsernameFromIDRequest, c.handleUsernameFromID)
	table.Register(wire.TypeDomainSettingsRequest, c.handleSettingsRequest)
	table.Register(wire.TypeOctreeDataFileRequest, c.handleOctreeDataFileRequest)
	table.Register(wire.TypeOctreeDataPersist, c.handleOctreePersist)
	table.Register(wire.TypeOctreeFileReplacement, c.handleOctreePersist)

	return table
}

type connectVersionDenierFunc func(ctx context.Context, to wire.SocketAddress) error

func (f connectVersionDenierFunc) DenyVersionMismatch(ctx context.Context, to wire.SocketAddress) error {
	return f(ctx, to)
}

func (c *Controller) denyVersionMismatch(ctx context.Context, to wire.SocketAddress) error {
	if c.cfg.Transport == nil {
		return nil
	}
	packet, err := wire.EncodeNonSourced(wire.Header{Type: wire.TypeDomainConnectRequest, Version: wire.ExpectedVersion(wire.TypeDomainConnectRequest)},
		struct {
			Denied bool   `cbor:"denied"`
			Reason string `cbor:"reason"`
		}{Denied: true, Reason: "protocol version mismatch"})
	if err != nil {
		return err
	}
	return c.cfg.Transport.Send(ctx, to, packet)
}

func (c *Controller) send(ctx context.Context, to wire.SocketAddress, typ wire.Type, body any) {
	if c.cfg.Transport == nil {
		return
	}
	packet, err := wire.EncodeNonSourced(wire.Header{Type: typ, Version: wire.ExpectedVersion(typ)}, body)
	if err != nil {
		c.cfg.Logger.Warn("domain: encoding reply", "type", typ, "error", err)
		return
	}
	if err := c.cfg.Transport.Send(ctx, to, packet); err != nil {
		c.cfg.Logger.Warn("domain: sending reply", "type", typ, "to", to, "error", err)
	}
}

func (c *Controller) handleConnectRequest(ctx context.Context, msg dispatch.Message) error {
	var body connectRequestBody
	if err := codec.Unmarshal(msg.Body, &body); err != nil {
		return fmt.Errorf("domain: decoding connect request: %w", err)
	}

	interest := make(map[node.Type]bool, len(body.InterestTypes))
	for _, t := range body.InterestTypes {
		interest[node.Type(t)] = true
	}

	var identity *gatekeeper.SignedIdentity
	if body.Username != "" {
		identity = &gatekeeper.SignedIdentity{Username: body.Username, Token: body.SignedToken, Signature: body.Signature}
	}

	req := gatekeeper.ConnectRequest{
		ProtocolVersion:         body.ProtocolVersion,
		ExpectedVersion:         wire.ExpectedVersion(wire.TypeDomainConnectRequest),
		UUID:                    body.AssignmentUUID,
		NodeType:                node.Type(body.NodeType),
		Public:                  body.Public,
		Local:                   body.Local,
		InterestSet:             interest,
		Identity:                identity,
		PublicSocketUnreachable: body.PublicUnreachable,
	}
	if req.UUID == wire.NilUUID {
		req.UUID = body.UUID
	}

	result := c.cfg.Gatekeeper.Admit(ctx, req)
	if result.State != gatekeeper.StateAdmitted {
		c.send(ctx, body.Public, wire.TypeDomainConnectRequest, struct {
			Denied bool   `cbor:"denied"`
			Reason string `cbor:"reason"`
		}{Denied: true, Reason: result.Reason.String()})
		return nil
	}

	c.sendDomainList(ctx, result.Node)
	return nil
}

func (c *Controller) sendDomainList(ctx context.Context, to *node.Node) {
	view := domainListBody{OwnUUID: to.UUID, OwnLocalID: to.LocalID}
	c.cfg.Registry.ForEach(func(n *node.Node) bool {
		return n.UUID != to.UUID && to.CanSee(n.Type)
	}, func(n *node.Node) {
		view.Nodes = append(view.Nodes, nodeWireView{
			UUID: n.UUID, LocalID: n.LocalID, Type: uint8(n.Type),
			Public: n.Public, Local: n.Local, Permissions: uint32(n.Permissions),
			Secret: c.cfg.Registry.ConnectionSecret(to.UUID, n.UUID),
		})
	})
	c.send(ctx, to.Public, wire.TypeDomainList, view)
}

func (c *Controller) handleDomainListRequest(ctx context.Context, msg dispatch.Message) error {
	if msg.Source == nil {
		return nil
	}
	c.sendDomainList(ctx, msg.Source)
	return nil
}

// handlePathQuery answers a DomainServerPathQuery by resolving the
// queried path against the "paths.<path>.viewpoint" settings keypath,
// the way the original domain server's processPathQueryPacket reads
// its config map. No source node is required — a client can query a
// path before it has connected — so the reply goes straight back to
// the sender's socket rather than through a resolved node.
func (c *Controller) handlePathQuery(ctx context.Context, msg dispatch.Message) error {
	var body pathQueryBody
	if err := codec.Unmarshal(msg.Body, &body); err != nil {
		return fmt.Errorf("domain: decoding path query: %w", err)
	}

	path := body.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	viewpoint, matched := "", false
	if c.cfg.Settings != nil {
		if v, ok := c.cfg.Settings.Get("paths." + path + ".viewpoint"); ok {
			if s, ok := v.(string); ok {
				viewpoint, matched = s, true
			}
		}
	}
	if !matched {
		if path != "/" {
			// no match for a non-index path: refuse to respond, per
			// the original's behavior.
			return nil
		}
		viewpoint = defaultIndexViewpoint
	}
	if viewpoint == "" {
		return nil
	}

	c.send(ctx, msg.From, wire.TypeDomainServerPathResponse, pathResponseBody{Path: path, Viewpoint: viewpoint})
	return nil
}

func (c *Controller) handleDisconnectRequest(ctx context.Context, msg dispatch.Message) error {
	if msg.Source == nil {
		return nil
	}
	c.cfg.Registry.Remove(msg.Source.UUID)
	if c.cfg.Assignment != nil {
		_ = c.cfg.Assignment.NodeDied(msg.Source.UUID)
	}
	return nil
}

func (c *Controller) handleNodeKickRequest(ctx context.Context, msg dispatch.Message) error {
	if msg.Source == nil || !msg.Source.Permissions.Has(node.PermissionKick) {
		return nil
	}
	var body nodeKickBody
	if err := codec.Unmarshal(msg.Body, &body); err != nil {
		return fmt.Errorf("domain: decoding kick request: %w", err)
	}
	c.cfg.Registry.Remove(body.Target)
	return nil
}

func (c *Controller) handleRequestAssignment(ctx context.Context, msg dispatch.Message) error {
	var body requestAssignmentBody
	if err := codec.Unmarshal(msg.Body, &body); err != nil {
		return fmt.Errorf("domain: decoding assignment request: %w", err)
	}

	fromIP := net.IP(msg.From.Addr)
	clone, ok, err := c.cfg.Assignment.RequestAssignment(fromIP, node.Type(body.Type), body.Pool)
	if err != nil {
		c.cfg.Logger.Debug("domain: assignment request rejected", "from", msg.From, "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	c.send(ctx, msg.From, wire.TypeCreateAssignment, createAssignmentBody{
		UUID: clone.UUID, Type: uint8(clone.Type), Payload: clone.Payload,
	})
	return nil
}

func (c *Controller) handleUsernameFromID(ctx context.Context, msg dispatch.Message) error {
	if msg.Source == nil || !msg.Source.Permissions.Has(node.PermissionKick) {
		// Only operator-capable connections (those with kick rights)
		// may resolve a username from a UUID, per spec.md §4.7's admin
		// surface gating.
		return nil
	}
	var body usernameFromIDBody
	if err := codec.Unmarshal(msg.Body, &body); err != nil {
		return fmt.Errorf("domain: decoding username lookup: %w", err)
	}
	target := c.cfg.Registry.LookupByUUID(body.Target)
	if target == nil {
		return nil
	}
	c.send(ctx, msg.From, wire.TypeUsernameFromIDRequest, usernameResponseBody{
		Target: body.Target, Username: target.Record.VerifiedUsername,
	})
	return nil
}

func (c *Controller) handleSettingsRequest(ctx context.Context, msg dispatch.Message) error {
	if msg.Source == nil || c.cfg.Settings == nil {
		return nil
	}
	c.send(ctx, msg.From, wire.TypeDomainSettingsRequest, settingsSnapshotBody{Settings: c.cfg.Settings.Snapshot()})
	return nil
}

func (c *Controller) handleOctreeDataFileRequest(ctx context.Context, msg dispatch.Message) error {
	if msg.Source == nil || c.cfg.EntitiesPath == "" {
		return nil
	}
	header, payload, err := entities.Load(c.cfg.EntitiesPath)
	if err != nil {
		c.cfg.Logger.Debug("domain: loading entities file for octree request", "error", err)
		return nil
	}
	c.send(ctx, msg.From, wire.TypeOctreeDataFileReply, octreeFileReplyBody{Header: header.Encode(), Payload: payload})
	return nil
}

func (c *Controller) handleOctreePersist(ctx context.Context, msg dispatch.Message) error {
	if msg.Source == nil || !msg.Source.Permissions.Has(node.PermissionReplaceContent) || c.cfg.EntitiesPath == "" {
		return nil
	}
	var body octreePersistBody
	if err := codec.Unmarshal(msg.Body, &body); err != nil {
		return fmt.Errorf("domain: decoding octree persist: %w", err)
	}
	return entities.WriteReplace(c.cfg.EntitiesPath, body.Payload)
}
