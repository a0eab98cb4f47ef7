// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joy-highfidelity/hifi/internal/node"
	"github.com/joy-highfidelity/hifi/internal/wire"
	"github.com/joy-highfidelity/hifi/lib/clock"
)

func publicAddr(b byte) wire.SocketAddress {
	return wire.SocketAddress{Family: wire.SocketFamilyIPv4, Addr: []byte{203, 0, 113, b}, Port: 40000}
}

func privateAddr(b byte) wire.SocketAddress {
	return wire.SocketAddress{Family: wire.SocketFamilyIPv4, Addr: []byte{10, 0, 0, b}, Port: 40000}
}

type pingBody struct {
	Value int `cbor:"value"`
}

type fakeDenier struct {
	calls []wire.SocketAddress
}

func (d *fakeDenier) DenyVersionMismatch(ctx context.Context, to wire.SocketAddress) error {
	d.calls = append(d.calls, to)
	return nil
}

func newRegistryWithNode(t *testing.T, public wire.SocketAddress) (*node.Registry, wire.UUID, uint16) {
	t.Helper()
	fc := clock.Fake(time.Unix(0, 0))
	reg := node.New(node.Config{SilenceThreshold: time.Minute, Clock: fc})
	id := wire.NewUUID()
	n, err := reg.Add(id, node.TypeAgent, public, privateAddr(1), node.Permissions(node.PermissionConnect), nil)
	require.NoError(t, err)
	return reg, id, n.LocalID
}

func TestDispatchNonSourcedBypassesRegistry(t *testing.T) {
	var got *Message
	table := NewTable(Config{})
	table.Register(wire.TypeICEPing, func(ctx context.Context, msg Message) error {
		got = &msg
		return nil
	})

	raw, err := wire.EncodeNonSourced(wire.Header{Type: wire.TypeICEPing, Version: 1, Sequence: 1}, pingBody{Value: 7})
	require.NoError(t, err)

	table.Dispatch(context.Background(), raw, publicAddr(9))

	require.NotNil(t, got)
	require.Nil(t, got.Source)
}

func TestDispatchSourcedAcceptsMatchingAddress(t *testing.T) {
	reg, id, localID := newRegistryWithNode(t, publicAddr(5))
	secret := reg.ConnectionSecret(wire.NilUUID, id)

	var got *Message
	table := NewTable(Config{Registry: reg, ControllerUUID: wire.NilUUID})
	table.Register(wire.TypeDomainSettingsRequest, func(ctx context.Context, msg Message) error {
		got = &msg
		return nil
	})

	raw, err := wire.EncodeSourced(wire.Header{Type: wire.TypeDomainSettingsRequest, Version: 1, Sequence: 1}, localID, pingBody{Value: 1}, secret)
	require.NoError(t, err)

	table.Dispatch(context.Background(), raw, publicAddr(5))

	require.NotNil(t, got)
	require.Equal(t, id, got.Source.UUID)
}

func TestDispatchSourcedRejectsBadHMAC(t *testing.T) {
	reg, id, localID := newRegistryWithNode(t, publicAddr(5))
	_ = id

	var called bool
	table := NewTable(Config{Registry: reg, ControllerUUID: wire.NilUUID})
	table.Register(wire.TypeDomainSettingsRequest, func(ctx context.Context, msg Message) error {
		called = true
		return nil
	})

	var wrongSecret [16]byte
	raw, err := wire.EncodeSourced(wire.Header{Type: wire.TypeDomainSettingsRequest, Version: 1, Sequence: 1}, localID, pingBody{Value: 1}, wrongSecret)
	require.NoError(t, err)

	table.Dispatch(context.Background(), raw, publicAddr(5))

	require.False(t, called)
}

func TestDispatchSourcedRejectsMismatchedPublicAddress(t *testing.T) {
	reg, id, localID := newRegistryWithNode(t, publicAddr(5))
	secret := reg.ConnectionSecret(wire.NilUUID, id)

	var called bool
	table := NewTable(Config{Registry: reg, ControllerUUID: wire.NilUUID})
	table.Register(wire.TypeDomainSettingsRequest, func(ctx context.Context, msg Message) error {
		called = true
		return nil
	})

	raw, err := wire.EncodeSourced(wire.Header{Type: wire.TypeDomainSettingsRequest, Version: 1, Sequence: 1}, localID, pingBody{Value: 1}, secret)
	require.NoError(t, err)

	// A different public address than recorded, and not private-private.
	table.Dispatch(context.Background(), raw, publicAddr(6))

	require.False(t, called)
}

func TestDispatchSourcedAllowsPrivateToPrivateRelaxation(t *testing.T) {
	reg, id, localID := newRegistryWithNode(t, privateAddr(5))
	secret := reg.ConnectionSecret(wire.NilUUID, id)

	var called bool
	table := NewTable(Config{Registry: reg, ControllerUUID: wire.NilUUID})
	table.Register(wire.TypeDomainSettingsRequest, func(ctx context.Context, msg Message) error {
		called = true
		return nil
	})

	raw, err := wire.EncodeSourced(wire.Header{Type: wire.TypeDomainSettingsRequest, Version: 1, Sequence: 1}, localID, pingBody{Value: 1}, secret)
	require.NoError(t, err)

	// Recorded address was private(5); new sender is a different private address.
	table.Dispatch(context.Background(), raw, privateAddr(9))

	require.True(t, called)
}

func TestDispatchSourcedDropsUnknownLocalID(t *testing.T) {
	reg, _, _ := newRegistryWithNode(t, publicAddr(5))

	var called bool
	table := NewTable(Config{Registry: reg, ControllerUUID: wire.NilUUID})
	table.Register(wire.TypeDomainSettingsRequest, func(ctx context.Context, msg Message) error {
		called = true
		return nil
	})

	var secret [16]byte
	raw, err := wire.EncodeSourced(wire.Header{Type: wire.TypeDomainSettingsRequest, Version: 1, Sequence: 1}, 9999, pingBody{Value: 1}, secret)
	require.NoError(t, err)

	table.Dispatch(context.Background(), raw, publicAddr(5))

	require.False(t, called)
}

func TestDispatchVersionMismatchOnConnectRequestSendsSingleDenial(t *testing.T) {
	denier := &fakeDenier{}
	handlerCalled := false
	table := NewTable(Config{Denier: denier})
	table.Register(wire.TypeDomainConnectRequest, func(ctx context.Context, msg Message) error {
		handlerCalled = true
		return nil
	})

	raw, err := wire.EncodeNonSourced(wire.Header{Type: wire.TypeDomainConnectRequest, Version: 99, Sequence: 1}, pingBody{Value: 1})
	require.NoError(t, err)

	table.Dispatch(context.Background(), raw, publicAddr(1))

	require.Len(t, denier.calls, 1)
	require.Equal(t, publicAddr(1), denier.calls[0])
	require.False(t, handlerCalled)
}

func TestDispatchVersionMismatchOnOtherTypeDropsSilently(t *testing.T) {
	denier := &fakeDenier{}
	var called bool
	table := NewTable(Config{Denier: denier})
	table.Register(wire.TypeICEPing, func(ctx context.Context, msg Message) error {
		called = true
		return nil
	})

	raw, err := wire.EncodeNonSourced(wire.Header{Type: wire.TypeICEPing, Version: 99, Sequence: 1}, pingBody{Value: 1})
	require.NoError(t, err)

	table.Dispatch(context.Background(), raw, publicAddr(1))

	require.False(t, called)
	require.Empty(t, denier.calls)
}
