// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"

	"github.com/joy-highfidelity/hifi/lib/codec"
)

// Type identifies a packet's payload shape. The numeric values are part
// of the wire protocol and must never be renumbered once shipped.
type Type uint8

const (
	TypeDomainConnectRequest Type = iota + 1
	TypeDomainList
	TypeDomainServerAddedNode
	TypeDomainServerRemovedNode
	TypeDomainListRequest
	TypeDomainDisconnectRequest
	TypeDomainServerPathQuery
	TypeDomainServerPathResponse
	TypeRequestAssignment
	TypeCreateAssignment
	TypeICEServerHeartbeat
	TypeICEServerHeartbeatACK
	TypeICEServerHeartbeatDenied
	TypeICEPing
	TypeICEPingReply
	TypeICEServerPeerInformation
	TypeNodeJsonStats
	TypeNodeKickRequest
	TypeUsernameFromIDRequest
	TypeDomainSettingsRequest
	TypeOctreeDataFileRequest
	TypeOctreeDataFileReply
	TypeOctreeDataPersist
	TypeOctreeFileReplacement
	TypeDomainContentReplacementFromUrl
)

// String returns a human-readable packet type name for logging.
func (t Type) String() string {
	switch t {
	case TypeDomainConnectRequest:
		return "DomainConnectRequest"
	case TypeDomainList:
		return "DomainList"
	case TypeDomainServerAddedNode:
		return "DomainServerAddedNode"
	case TypeDomainServerRemovedNode:
		return "DomainServerRemovedNode"
	case TypeDomainListRequest:
		return "DomainListRequest"
	case TypeDomainDisconnectRequest:
		return "DomainDisconnectRequest"
	case TypeDomainServerPathQuery:
		return "DomainServerPathQuery"
	case TypeDomainServerPathResponse:
		return "DomainServerPathResponse"
	case TypeRequestAssignment:
		return "RequestAssignment"
	case TypeCreateAssignment:
		return "CreateAssignment"
	case TypeICEServerHeartbeat:
		return "ICEServerHeartbeat"
	case TypeICEServerHeartbeatACK:
		return "ICEServerHeartbeatACK"
	case TypeICEServerHeartbeatDenied:
		return "ICEServerHeartbeatDenied"
	case TypeICEPing:
		return "ICEPing"
	case TypeICEPingReply:
		return "ICEPingReply"
	case TypeICEServerPeerInformation:
		return "ICEServerPeerInformation"
	case TypeNodeJsonStats:
		return "NodeJsonStats"
	case TypeNodeKickRequest:
		return "NodeKickRequest"
	case TypeUsernameFromIDRequest:
		return "UsernameFromIDRequest"
	case TypeDomainSettingsRequest:
		return "DomainSettingsRequest"
	case TypeOctreeDataFileRequest:
		return "OctreeDataFileRequest"
	case TypeOctreeDataFileReply:
		return "OctreeDataFileReply"
	case TypeOctreeDataPersist:
		return "OctreeDataPersist"
	case TypeOctreeFileReplacement:
		return "OctreeFileReplacement"
	case TypeDomainContentReplacementFromUrl:
		return "DomainContentReplacementFromUrl"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// nonSourced lists packet types that bypass source-node lookup in
// dispatch, per spec.md §4.8 ("DomainConnectRequest, ICEPing").
var nonSourced = map[Type]bool{
	TypeDomainConnectRequest: true,
	TypeICEPing:              true,
	TypeICEPingReply:         true,
	TypeICEServerHeartbeatACK:    true,
	TypeICEServerHeartbeatDenied: true,
	TypeRequestAssignment:        true,
	TypeCreateAssignment:         true,
	TypeDomainServerPathQuery:    true,
}

// IsSourced reports whether packets of this type carry a source local
// ID and trailing HMAC, per spec.md §4.8 and §6.
func (t Type) IsSourced() bool {
	return !nonSourced[t]
}

// ExpectedVersion returns the protocol version this controller expects
// for a given packet type. Gatekeeper step 1 compares the incoming
// packet's version against this table and replies ProtocolMismatch on
// any difference.
func ExpectedVersion(t Type) uint8 {
	// A single protocol generation is implemented; every known type is
	// at version 1. A future protocol bump would fork this table per
	// type, the way the original source's NLPacket::versionForPacketType
	// does.
	return 1
}

// Header is the fixed prefix of every packet, per spec.md §6.
type Header struct {
	Type     Type
	Version  uint8
	Sequence uint32
}

const headerSize = 1 + 1 + 4 // type + version + sequence

// hmacSize is the length of the trailing authentication tag appended to
// sourced packets (HMAC-SHA256 truncated to 16 bytes, matching the
// legacy domain protocol's use of a 16-byte verification hash).
const hmacSize = 16

// EncodeHeader writes the fixed header prefix.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, headerSize)
	buf[0] = byte(h.Type)
	buf[1] = h.Version
	buf[2] = byte(h.Sequence >> 24)
	buf[3] = byte(h.Sequence >> 16)
	buf[4] = byte(h.Sequence >> 8)
	buf[5] = byte(h.Sequence)
	return buf
}

// DecodeHeader parses the fixed header prefix from the front of buf.
// Returns the header and the number of bytes consumed.
func DecodeHeader(buf []byte) (Header, int, error) {
	if len(buf) < headerSize {
		return Header{}, 0, fmt.Errorf("wire: packet too short for header: %d bytes", len(buf))
	}
	h := Header{
		Type:    Type(buf[0]),
		Version: buf[1],
		Sequence: uint32(buf[2])<<24 | uint32(buf[3])<<16 |
			uint32(buf[4])<<8 | uint32(buf[5]),
	}
	return h, headerSize, nil
}

// EncodeSourced encodes a sourced packet: header, source local ID, CBOR
// body, then an HMAC-SHA256 (truncated to 16 bytes) over everything that
// precedes it, keyed by the session secret shared with the recipient.
func EncodeSourced(h Header, sourceLocalID uint16, body any, secret [16]byte) ([]byte, error) {
	payload, err := codec.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding body: %w", err)
	}

	buf := EncodeHeader(h)
	buf = append(buf, byte(sourceLocalID>>8), byte(sourceLocalID))
	buf = append(buf, payload...)

	tag := signPacket(buf, secret)
	return append(buf, tag...), nil
}

// EncodeNonSourced encodes a non-sourced packet: header followed
// directly by the CBOR body, with no source ID and no HMAC.
func EncodeNonSourced(h Header, body any) ([]byte, error) {
	payload, err := codec.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding body: %w", err)
	}
	return append(EncodeHeader(h), payload...), nil
}

// DecodeSourced splits and authenticates a sourced packet, returning the
// header, source local ID, and the raw CBOR body (not yet decoded into
// a concrete type — callers call codec.Unmarshal once the handler knows
// the expected Go type for h.Type).
func DecodeSourced(buf []byte, secret [16]byte) (Header, uint16, []byte, error) {
	h, n, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, 0, nil, err
	}
	rest := buf[n:]

	if len(rest) < 2+hmacSize {
		return Header{}, 0, nil, fmt.Errorf("wire: sourced packet too short")
	}

	sourceLocalID := uint16(rest[0])<<8 | uint16(rest[1])
	signed := buf[:len(buf)-hmacSize]
	gotTag := buf[len(buf)-hmacSize:]

	wantTag := signPacket(signed, secret)
	if !hmac.Equal(gotTag, wantTag) {
		return Header{}, 0, nil, fmt.Errorf("wire: HMAC verification failed")
	}

	body := rest[2 : len(rest)-hmacSize]
	return h, sourceLocalID, body, nil
}

// DecodeNonSourced splits a non-sourced packet into its header and raw
// CBOR body.
func DecodeNonSourced(buf []byte) (Header, []byte, error) {
	h, n, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	return h, buf[n:], nil
}

func signPacket(data []byte, secret [16]byte) []byte {
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(data)
	return mac.Sum(nil)[:hmacSize]
}

// UUID is the 128-bit RFC-4122 identifier used for node, assignment,
// and pending-connection identities throughout the domain controller.
type UUID = uuid.UUID

// NewUUID generates a new random (v4) UUID.
func NewUUID() UUID {
	return uuid.New()
}

// NilUUID is the zero-value UUID, used to mean "no assignment" /
// "no peer" in optional UUID fields.
var NilUUID = uuid.Nil

// SocketFamily distinguishes IPv4 from IPv6 addresses on the wire.
type SocketFamily uint8

const (
	SocketFamilyIPv4 SocketFamily = 4
	SocketFamilyIPv6 SocketFamily = 16
)

// SocketAddress is the wire representation of a peer address:
// {family, addr, port}, per spec.md §6.
type SocketAddress struct {
	Family SocketFamily `cbor:"family"`
	Addr   []byte       `cbor:"addr"`
	Port   uint16       `cbor:"port"`
}

// IsZero reports whether the address carries no host information.
func (s SocketAddress) IsZero() bool {
	return len(s.Addr) == 0 && s.Port == 0
}

func (s SocketAddress) String() string {
	return fmt.Sprintf("%v:%d", s.Addr, s.Port)
}
