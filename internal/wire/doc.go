// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the framed-datagram wire format described in
// spec.md §6: a fixed header ({type, version, sequence}), an optional
// sourced extension ({source_local_id} plus a trailing HMAC), and a
// CBOR-encoded typed body.
//
// The package does not open sockets or implement the "framed,
// connection-oriented datagram layer" itself — that transport is an
// external collaborator per spec.md §1. Package wire only defines the
// byte layout and the per-packet authentication/versioning rules that
// sit on top of it.
package wire
