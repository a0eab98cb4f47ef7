// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package heartbeat

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/joy-highfidelity/hifi/internal/domainkey"
	"github.com/joy-highfidelity/hifi/internal/wire"
)

// ICETransport sends one signed heartbeat packet to addr and reports
// whether a reply arrived and whether it was a denial, within
// whatever deadline ctx carries.
type ICETransport interface {
	SendPing(ctx context.Context, addr wire.SocketAddress, signed []byte) (replied, denied bool, err error)
}

// AddressAnnouncer is the subset of MetaverseHeartbeat the ICE engine
// needs to reannounce the domain's address after a failover.
type AddressAnnouncer interface {
	RequestAddressUpdate(ctx context.Context, public, local wire.SocketAddress) error
}

const iceFailoverThreshold = 3
const iceKeypairRegenThreshold = 3

// ICEHeartbeat runs the fixed-interval ICE rendezvous keepalive from
// spec.md §4.4: tracks missed replies per candidate, fails over
// between DNS-resolved ICE-server candidates, and regenerates the
// domain keypair after repeated denials.
type ICEHeartbeat struct {
	mu sync.Mutex

	candidates []wire.SocketAddress
	failed     map[int]bool
	current    int

	noReplyCount int
	denialCount  int

	transport  ICETransport
	keypair    *domainkey.Keypair
	sessionID  wire.UUID
	announcer  AddressAnnouncer
	randIntn   func(int) int
	logger     *slog.Logger
}

// ICEConfig configures an ICEHeartbeat.
type ICEConfig struct {
	Candidates []wire.SocketAddress
	Transport  ICETransport
	Keypair    *domainkey.Keypair
	SessionID  wire.UUID
	Announcer  AddressAnnouncer
	Logger     *slog.Logger

	// RandIntn overrides candidate-failover randomness; defaults to
	// math/rand. Tests inject a deterministic chooser.
	RandIntn func(int) int
}

// NewICE constructs an ICEHeartbeat. Panics if Candidates is empty —
// there is no meaningful ICE heartbeat with no server to contact.
func NewICE(cfg ICEConfig) *ICEHeartbeat {
	if len(cfg.Candidates) == 0 {
		panic("heartbeat: ICE heartbeat requires at least one candidate address")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RandIntn == nil {
		cfg.RandIntn = rand.Intn
	}
	return &ICEHeartbeat{
		candidates: cfg.Candidates,
		failed:     make(map[int]bool),
		transport:  cfg.Transport,
		keypair:    cfg.Keypair,
		sessionID:  cfg.SessionID,
		announcer:  cfg.Announcer,
		randIntn:   cfg.RandIntn,
		logger:     cfg.Logger,
	}
}

// CurrentCandidate returns the ICE server address currently in use.
func (e *ICEHeartbeat) CurrentCandidate() wire.SocketAddress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.candidates[e.current]
}

// Tick sends one signed ping to the current candidate and reacts to
// the outcome. public/local are the domain's currently known sockets,
// included in the signed payload and reannounced to the metaverse on
// failover.
func (e *ICEHeartbeat) Tick(ctx context.Context, public, local wire.SocketAddress) error {
	e.mu.Lock()
	addr := e.candidates[e.current]
	e.mu.Unlock()

	packet, err := e.buildPacket(public, local)
	if err != nil {
		return err
	}

	replied, denied, err := e.transport.SendPing(ctx, addr, packet)
	if err != nil {
		e.logger.Error("ICE heartbeat send failed", "error", err)
		replied = false
	}

	if denied {
		return e.handleDenial()
	}

	e.mu.Lock()
	e.denialCount = 0
	e.mu.Unlock()

	if replied {
		e.mu.Lock()
		e.noReplyCount = 0
		e.mu.Unlock()
		return nil
	}

	return e.handleMissedReply(ctx, public, local)
}

func (e *ICEHeartbeat) handleDenial() error {
	e.mu.Lock()
	e.noReplyCount = 0
	e.denialCount++
	regen := e.denialCount >= iceKeypairRegenThreshold
	if regen {
		e.denialCount = 0
	}
	e.mu.Unlock()

	if regen && e.keypair != nil {
		if err := e.keypair.Regenerate(); err != nil {
			e.logger.Error("domain keypair regeneration failed", "error", err)
			return err
		}
		e.logger.Warn("domain keypair regenerated after repeated ICE denials")
	}
	return nil
}

func (e *ICEHeartbeat) handleMissedReply(ctx context.Context, public, local wire.SocketAddress) error {
	e.mu.Lock()
	e.noReplyCount++
	if e.noReplyCount < iceFailoverThreshold {
		e.mu.Unlock()
		return nil
	}

	e.failed[e.current] = true
	e.noReplyCount = 0

	candidateIdx, allExhausted := e.pickNextCandidateLocked()
	if allExhausted {
		e.failed = make(map[int]bool)
		candidateIdx, _ = e.pickNextCandidateLocked()
	}
	e.current = candidateIdx
	e.mu.Unlock()

	if e.announcer != nil {
		if err := e.announcer.RequestAddressUpdate(ctx, public, local); err != nil {
			e.logger.Error("reannouncing address after ICE failover failed", "error", err)
		}
	}
	return nil
}

// pickNextCandidateLocked must be called with mu held. Picks uniformly
// at random among not-yet-failed candidates. If every candidate has
// failed, reports allExhausted so the caller can clear the failed set
// and retry.
func (e *ICEHeartbeat) pickNextCandidateLocked() (index int, allExhausted bool) {
	var available []int
	for i := range e.candidates {
		if !e.failed[i] {
			available = append(available, i)
		}
	}
	if len(available) == 0 {
		return e.current, true
	}
	return available[e.randIntn(len(available))], false
}

// buildPacket encodes an ICEPing the way wire.IsSourced classifies it:
// non-sourced, like DomainConnectRequest, since there is no live node
// registration for an ICE server to resolve a source-local-id against.
// The domain's signature travels as an explicit body field rather than
// the sourced-packet HMAC trailer, so this controller's own Dispatch
// could decode a packet of this type without special-casing it.
func (e *ICEHeartbeat) buildPacket(public, local wire.SocketAddress) ([]byte, error) {
	type icePayload struct {
		SessionUUID wire.UUID          `cbor:"session_uuid"`
		Public      wire.SocketAddress `cbor:"public_sock"`
		Local       wire.SocketAddress `cbor:"local_sock"`
		Signature   []byte             `cbor:"signature"`
	}
	header := wire.Header{Type: wire.TypeICEPing, Version: 1}
	body := icePayload{SessionUUID: e.sessionID, Public: public, Local: local}
	if e.keypair != nil {
		body.Signature = e.keypair.Sign(e.sessionID[:])
	}
	return wire.EncodeNonSourced(header, body)
}
