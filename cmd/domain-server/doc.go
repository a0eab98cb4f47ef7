// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

// Command domain-server runs one Domain Controller: it binds the
// packet UDP socket and the HTTP control surface, loads the layered
// settings tree and the entities file, and wires internal/domain's
// Controller to a real network transport. See spec.md §6 for the CLI
// flags, environment variables, and exit codes this binary implements.
package main
