// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

// Package entities implements the on-disk codec and atomic-swap
// protocol for the authoritative scene file, per spec.md §4.5/§6:
// a gzipped payload prefixed with a plain {id, version} header.
package entities

import (
	"encoding/binary"
	"fmt"

	"github.com/joy-highfidelity/hifi/internal/wire"
)

// HeaderSize is the fixed byte length of the header prefix: a 16-byte
// UUID followed by an 8-byte big-endian version counter.
const HeaderSize = 16 + 8

// Header identifies one revision of the entities file. It sits in
// plaintext ahead of the gzip stream so a `.replace` swap can rewrite
// it without touching (or even decompressing) the payload.
type Header struct {
	ID      wire.UUID
	Version uint64
}

// Encode renders h as HeaderSize bytes.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[:16], h.ID[:])
	binary.BigEndian.PutUint64(buf[16:], h.Version)
	return buf
}

// DecodeHeader parses the first HeaderSize bytes of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("entities: header needs %d bytes, got %d", HeaderSize, len(buf))
	}
	var h Header
	copy(h.ID[:], buf[:16])
	h.Version = binary.BigEndian.Uint64(buf[16:HeaderSize])
	return h, nil
}
