// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

// Package heartbeat implements the two periodic tasks from spec.md
// §4.4: the metaverse heartbeat (domain liveness + address
// announcement) and the ICE heartbeat (NAT-rendezvous keepalive with
// failover). Each is expressed as an explicit state machine with a
// tick function, per spec.md §9's design note, rather than hidden
// callbacks — this is what makes the failure thresholds directly
// testable with a fake clock.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/joy-highfidelity/hifi/internal/wire"
)

// Stats is the live snapshot included in each metaverse heartbeat.
type Stats struct {
	Users int
}

// DomainHeartbeatRequest is the body PUT to
// /api/v1/domains/{id} every 15 seconds (spec.md §4.4).
type DomainHeartbeatRequest struct {
	Version             string
	ProtocolSignature   string
	AutomaticNetworking string
	Restricted          bool
	APIKey              string
	Heartbeat           Stats
}

// MetaverseClient is the subset of the metaverse HTTP API the
// heartbeat engine depends on. Injected so tests never make a real
// network call.
type MetaverseClient interface {
	PutHeartbeat(ctx context.Context, domainID string, body DomainHeartbeatRequest) (statusCode int, err error)
	ObtainTemporaryName(ctx context.Context) (newID string, err error)
	PostAddressUpdate(ctx context.Context, domainID string, public, local wire.SocketAddress) error
}

const maxConsecutiveFailures = 5

type pendingAddress struct {
	public, local wire.SocketAddress
}

// MetaverseHeartbeat runs the periodic domain liveness PUT and owns
// the serialized address-update POST with its "redo bit" (spec.md
// §4.4's ordering guarantee).
type MetaverseHeartbeat struct {
	mu sync.Mutex

	client   MetaverseClient
	domainID string
	temporary bool
	silent   bool
	failures int

	addressInFlight bool
	addressRedo     bool
	pending         pendingAddress

	statsFunc func() Stats
	logger    *slog.Logger
}

// Config configures a MetaverseHeartbeat.
type Config struct {
	Client    MetaverseClient
	DomainID  string
	Temporary bool
	StatsFunc func() Stats
	Logger    *slog.Logger
}

// New constructs a MetaverseHeartbeat.
func New(cfg Config) *MetaverseHeartbeat {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StatsFunc == nil {
		cfg.StatsFunc = func() Stats { return Stats{} }
	}
	return &MetaverseHeartbeat{
		client:    cfg.Client,
		domainID:  cfg.DomainID,
		temporary: cfg.Temporary,
		statsFunc: cfg.StatsFunc,
		logger:    cfg.Logger,
	}
}

// Silent reports whether this engine has stopped sending heartbeats
// after exhausting its retry budget.
func (m *MetaverseHeartbeat) Silent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.silent
}

// DomainID returns the current domain id, which can change after an
// ObtainTemporaryName call.
func (m *MetaverseHeartbeat) DomainID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domainID
}

// Tick sends one heartbeat and reacts to the response per spec.md
// §4.4: 401 attempts a new temporary name if the domain is temporary
// and escalates to silence after 5 consecutive failures; 404 treats
// the domain as deleted and obtains a new temporary name
// unconditionally; any other error is logged and retried next tick.
func (m *MetaverseHeartbeat) Tick(ctx context.Context) error {
	m.mu.Lock()
	if m.silent {
		m.mu.Unlock()
		return nil
	}
	domainID := m.domainID
	temporary := m.temporary
	m.mu.Unlock()

	body := DomainHeartbeatRequest{Heartbeat: m.statsFunc()}
	status, err := m.client.PutHeartbeat(ctx, domainID, body)
	if err != nil {
		m.logger.Error("metaverse heartbeat failed, retrying next tick", "error", err)
		return nil
	}

	switch {
	case status >= 200 && status < 300:
		m.mu.Lock()
		m.failures = 0
		m.mu.Unlock()
		return nil

	case status == 401:
		m.mu.Lock()
		m.failures++
		escalate := m.failures >= maxConsecutiveFailures
		if escalate {
			m.silent = true
		}
		m.mu.Unlock()

		if temporary {
			newID, err := m.client.ObtainTemporaryName(ctx)
			if err != nil {
				m.logger.Error("obtaining new temporary domain name failed", "error", err)
			} else {
				m.mu.Lock()
				m.domainID = newID
				m.mu.Unlock()
			}
		}
		if escalate {
			m.logger.Error("metaverse heartbeat exhausted retry budget, going silent", "failures", m.failures)
		}
		return nil

	case status == 404:
		newID, err := m.client.ObtainTemporaryName(ctx)
		if err != nil {
			return fmt.Errorf("heartbeat: domain deleted and obtaining a new name failed: %w", err)
		}
		m.mu.Lock()
		m.domainID = newID
		m.temporary = true
		m.failures = 0
		m.mu.Unlock()
		return nil

	default:
		m.logger.Warn("metaverse heartbeat returned unexpected status, retrying next tick", "status", status)
		return nil
	}
}

// RequestAddressUpdate announces public/local to the metaverse,
// serialized to at most one POST in flight. A request that arrives
// while one is already in flight is remembered as a single "redo" bit
// and triggers exactly one follow-up once the in-flight call
// completes, using the most recently requested address.
func (m *MetaverseHeartbeat) RequestAddressUpdate(ctx context.Context, public, local wire.SocketAddress) error {
	m.mu.Lock()
	m.pending = pendingAddress{public, local}
	if m.addressInFlight {
		m.addressRedo = true
		m.mu.Unlock()
		return nil
	}
	m.addressInFlight = true
	addr := m.pending
	domainID := m.domainID
	m.mu.Unlock()

	return m.runAddressUpdate(ctx, domainID, addr)
}

func (m *MetaverseHeartbeat) runAddressUpdate(ctx context.Context, domainID string, addr pendingAddress) error {
	err := m.client.PostAddressUpdate(ctx, domainID, addr.public, addr.local)
	if err != nil {
		m.logger.Error("metaverse address update failed", "error", err)
	}

	m.mu.Lock()
	redo := m.addressRedo
	m.addressRedo = false
	next := m.pending
	if !redo {
		m.addressInFlight = false
	}
	m.mu.Unlock()

	if redo {
		return m.runAddressUpdate(ctx, domainID, next)
	}
	return err
}
