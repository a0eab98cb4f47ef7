// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch classifies inbound datagrams by their typed header
// and routes each to a registered handler, per spec.md §4.8. The table
// is built once at startup — matching spec.md §9's design note ("use a
// static table of {type -> handler} registered at startup") — rather
// than allowing handlers to be added or removed while packets are in
// flight.
package dispatch

import (
	"bytes"
	"context"
	"log/slog"
	"net"

	"github.com/joy-highfidelity/hifi/internal/node"
	"github.com/joy-highfidelity/hifi/internal/wire"
)

// sourceIDSize is the width, in bytes, of the source-local-id field
// EncodeSourced appends after the header, per spec.md §6.
const sourceIDSize = 2

// Message is what a handler receives: the decoded header, the sender's
// transport address, the resolved source node (nil for non-sourced
// packet types), and the still-CBOR-encoded body. Handlers unmarshal
// the body into whichever Go type corresponds to their packet type.
type Message struct {
	Header wire.Header
	From   wire.SocketAddress
	Source *node.Node
	Body   []byte
}

// Handler processes one packet of a given type. A returned error is
// logged; it never propagates back to the sender, since packet
// dispatch has no reply channel beyond the version-mismatch denial
// spec.md §4.8 calls out explicitly.
type Handler func(ctx context.Context, msg Message) error

// Registry is the subset of internal/node.Registry dispatch depends on
// for sourced-packet resolution.
type Registry interface {
	LookupByLocalID(id uint16) *node.Node
	ConnectionSecret(a, b wire.UUID) [16]byte
}

// ConnectVersionDenier sends the single denial packet spec.md §4.8
// requires when a DomainConnectRequest arrives with a version the
// controller does not expect. Construction of the actual reply packet
// is left to the caller, since it depends on the same reply encoding
// the Gatekeeper's admission-denial path uses.
type ConnectVersionDenier interface {
	DenyVersionMismatch(ctx context.Context, to wire.SocketAddress) error
}

// Config configures a Table.
type Config struct {
	Registry Registry

	// ControllerUUID is the identity the domain server's own packets
	// are signed/verified under in the pairwise session-secret table,
	// matching spec.md §6 ("HMAC over the session secret shared with
	// the controller") without adding a second secret store beside the
	// Registry's.
	ControllerUUID wire.UUID

	Denier ConnectVersionDenier

	Logger *slog.Logger
}

// Table is the static {type -> handler} dispatch table.
type Table struct {
	cfg      Config
	handlers map[wire.Type]Handler
}

// NewTable constructs an empty dispatch table. Register every handler
// before the first call to Dispatch; the table is not safe for
// concurrent registration and routing.
func NewTable(cfg Config) *Table {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Table{cfg: cfg, handlers: make(map[wire.Type]Handler)}
}

// Register binds a handler to a packet type, overwriting any previous
// registration for that type.
func (t *Table) Register(typ wire.Type, h Handler) {
	t.handlers[typ] = h
}

// Dispatch classifies raw and routes it to the registered handler,
// running every check spec.md §4.8 names. All failures are silent
// drops except a version-mismatched DomainConnectRequest, which gets
// exactly one denial packet first.
func (t *Table) Dispatch(ctx context.Context, raw []byte, from wire.SocketAddress) {
	header, n, err := wire.DecodeHeader(raw)
	if err != nil {
		t.cfg.Logger.Debug("dispatch: malformed header", "from", from, "error", err)
		return
	}

	if header.Version != wire.ExpectedVersion(header.Type) {
		if header.Type == wire.TypeDomainConnectRequest && t.cfg.Denier != nil {
			if err := t.cfg.Denier.DenyVersionMismatch(ctx, from); err != nil {
				t.cfg.Logger.Warn("dispatch: sending version-mismatch denial", "from", from, "error", err)
			}
		}
		t.cfg.Logger.Debug("dispatch: version mismatch", "type", header.Type, "from", from)
		return
	}

	handler, known := t.handlers[header.Type]
	if !known {
		t.cfg.Logger.Debug("dispatch: no handler registered", "type", header.Type, "from", from)
		return
	}

	if !header.Type.IsSourced() {
		_, body, err := wire.DecodeNonSourced(raw)
		if err != nil {
			t.cfg.Logger.Debug("dispatch: decoding non-sourced body", "type", header.Type, "error", err)
			return
		}
		t.invoke(ctx, handler, Message{Header: header, From: from, Body: body})
		return
	}

	t.dispatchSourced(ctx, header, n, raw, from, handler)
}

func (t *Table) dispatchSourced(ctx context.Context, header wire.Header, headerLen int, raw []byte, from wire.SocketAddress, handler Handler) {
	if t.cfg.Registry == nil || len(raw) < headerLen+sourceIDSize {
		t.cfg.Logger.Debug("dispatch: sourced packet too short", "type", header.Type, "from", from)
		return
	}

	localID := uint16(raw[headerLen])<<8 | uint16(raw[headerLen+1])
	source := t.cfg.Registry.LookupByLocalID(localID)
	if source == nil {
		t.cfg.Logger.Debug("dispatch: unknown source local id", "local_id", localID, "from", from)
		return
	}

	if !addressAccepted(from, source.Public) {
		t.cfg.Logger.Debug("dispatch: sender address mismatch", "uuid", source.UUID, "recorded", source.Public, "from", from)
		return
	}

	secret := t.cfg.Registry.ConnectionSecret(t.cfg.ControllerUUID, source.UUID)
	decodedHeader, _, body, err := wire.DecodeSourced(raw, secret)
	if err != nil {
		t.cfg.Logger.Debug("dispatch: HMAC verification failed", "uuid", source.UUID, "from", from, "error", err)
		return
	}

	t.invoke(ctx, handler, Message{Header: decodedHeader, From: from, Source: source, Body: body})
}

func (t *Table) invoke(ctx context.Context, h Handler, msg Message) {
	if err := h(ctx, msg); err != nil {
		t.cfg.Logger.Warn("dispatch: handler error", "type", msg.Header.Type, "from", msg.From, "error", err)
	}
}

// addressAccepted reports whether from matches recorded exactly, or
// both addresses fall in RFC-1918 private space — the relaxation
// spec.md §4.8 carves out to cover a reconnect from a different local
// interface.
func addressAccepted(from, recorded wire.SocketAddress) bool {
	if from.Port == recorded.Port && bytes.Equal(from.Addr, recorded.Addr) {
		return true
	}
	return isPrivate(from.Addr) && isPrivate(recorded.Addr)
}

// isPrivate reports whether addr is an RFC-1918 private IPv4 address.
// Non-IPv4 addresses are never treated as private here; IPv6 ULA
// ranges are out of scope for the domain protocol's address checks.
func isPrivate(addr []byte) bool {
	ip := net.IP(addr).To4()
	if ip == nil {
		return false
	}
	switch {
	case ip[0] == 10:
		return true
	case ip[0] == 172 && ip[1] >= 16 && ip[1] <= 31:
		return true
	case ip[0] == 192 && ip[1] == 168:
		return true
	default:
		return false
	}
}
