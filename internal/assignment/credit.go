// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package assignment

import (
	"sync"

	"github.com/joy-highfidelity/hifi/internal/node"
)

// CreditLedger is a best-effort, in-memory accounting surface for
// pending-assignment credits. Per spec.md §9(c), the source's
// equivalent accounting was never fully reconciled; this is
// deliberately a simple counter rather than a durable ledger, and its
// methods never return errors — a bookkeeping mistake here must never
// block admission.
type CreditLedger struct {
	mu      sync.Mutex
	pending map[node.Type]int64
}

// NewCreditLedger constructs an empty ledger.
func NewCreditLedger() *CreditLedger {
	return &CreditLedger{pending: make(map[node.Type]int64)}
}

// Increment records one more outstanding fulfillment of typ.
func (c *CreditLedger) Increment(typ node.Type) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[typ]++
}

// Decrement records the resolution (by death or otherwise) of one
// outstanding fulfillment of typ. Never goes negative — a decrement
// for an untracked type is simply dropped rather than treated as an
// error.
func (c *CreditLedger) Decrement(typ node.Type) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[typ] > 0 {
		c.pending[typ]--
	}
}

// Pending reports the current best-effort outstanding count for typ.
func (c *CreditLedger) Pending(typ node.Type) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[typ]
}
