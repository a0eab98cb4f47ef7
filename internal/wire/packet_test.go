// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joy-highfidelity/hifi/lib/codec"
)

type samplePing struct {
	Nonce uint32 `cbor:"nonce"`
}

func TestEncodeDecodeSourcedRoundTrip(t *testing.T) {
	secret := [16]byte{1, 2, 3, 4}
	h := Header{Type: TypeDomainListRequest, Version: 1, Sequence: 42}

	encoded, err := EncodeSourced(h, 7, samplePing{Nonce: 99}, secret)
	require.NoError(t, err)

	gotHeader, gotSource, body, err := DecodeSourced(encoded, secret)
	require.NoError(t, err)
	require.Equal(t, h, gotHeader)
	require.Equal(t, uint16(7), gotSource)

	var decoded samplePing
	require.NoError(t, codec.Unmarshal(body, &decoded))
	require.Equal(t, uint32(99), decoded.Nonce)
}

func TestDecodeSourcedRejectsTamperedSecret(t *testing.T) {
	secret := [16]byte{1, 2, 3, 4}
	wrongSecret := [16]byte{9, 9, 9, 9}
	h := Header{Type: TypeDomainListRequest, Version: 1, Sequence: 1}

	encoded, err := EncodeSourced(h, 1, samplePing{Nonce: 1}, secret)
	require.NoError(t, err)

	_, _, _, err = DecodeSourced(encoded, wrongSecret)
	require.Error(t, err)
}

func TestEncodeDecodeNonSourcedRoundTrip(t *testing.T) {
	h := Header{Type: TypeICEPing, Version: 1, Sequence: 5}
	encoded, err := EncodeNonSourced(h, samplePing{Nonce: 55})
	require.NoError(t, err)

	gotHeader, body, err := DecodeNonSourced(encoded)
	require.NoError(t, err)
	require.Equal(t, h, gotHeader)

	var decoded samplePing
	require.NoError(t, codec.Unmarshal(body, &decoded))
	require.Equal(t, uint32(55), decoded.Nonce)
}

func TestPacketTypeIsSourced(t *testing.T) {
	require.False(t, TypeDomainConnectRequest.IsSourced())
	require.False(t, TypeICEPing.IsSourced())
	require.True(t, TypeDomainListRequest.IsSourced())
	require.True(t, TypeNodeKickRequest.IsSourced())
}
