// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package entities

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// Load reads and decompresses the entities file at path, returning its
// header and raw (decompressed) payload bytes.
func Load(path string) (Header, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Header{}, nil, err
	}
	return decode(raw)
}

func decode(raw []byte) (Header, []byte, error) {
	header, err := DecodeHeader(raw)
	if err != nil {
		return Header{}, nil, fmt.Errorf("entities: %w", err)
	}

	reader, err := gzip.NewReader(bytes.NewReader(raw[HeaderSize:]))
	if err != nil {
		return Header{}, nil, fmt.Errorf("entities: opening gzip payload: %w", err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return Header{}, nil, fmt.Errorf("entities: reading gzip payload: %w", err)
	}
	return header, payload, nil
}

// Encode renders header and payload as the on-disk byte layout: plain
// header followed by a gzip stream of payload.
func Encode(header Header, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(header.Encode())

	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(payload); err != nil {
		return nil, fmt.Errorf("entities: compressing payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("entities: finalizing gzip stream: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes header and payload to path as a single, non-atomic
// write. Used for first-boot default-content seeding, where there is
// no concurrent reader to protect against. Authoritative updates to an
// existing file must go through the `.replace` protocol in replace.go
// instead.
func Save(path string, header Header, payload []byte) error {
	encoded, err := Encode(header, payload)
	if err != nil {
		return err
	}
	return os.WriteFile(path, encoded, 0o644)
}
