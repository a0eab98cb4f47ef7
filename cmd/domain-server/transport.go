// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/joy-highfidelity/hifi/internal/wire"
)

// readLoopPollInterval bounds how long ReadFromUDP blocks before the
// ingest loop rechecks ctx, so shutdown never waits on a dead peer.
const readLoopPollInterval = time.Second

// packetSocket is the one UDP socket the domain controller listens
// and replies on, implementing domain.ReplyTransport. Per spec.md §5's
// "one packet-ingest task per socket" split, internal/domain never
// touches this directly — it only sees the ReplyTransport interface
// and the decoded Message the ingest loop hands to Dispatch.
type packetSocket struct {
	conn   *net.UDPConn
	logger *slog.Logger
}

func listenPacketSocket(addr string, logger *slog.Logger) (*packetSocket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving socket address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("binding UDP socket %q: %w", addr, err)
	}
	return &packetSocket{conn: conn, logger: logger}, nil
}

// Send implements domain.ReplyTransport.
func (s *packetSocket) Send(ctx context.Context, to wire.SocketAddress, packet []byte) error {
	udpAddr, err := socketAddressToUDP(to)
	if err != nil {
		return fmt.Errorf("transport: resolving reply address: %w", err)
	}
	_, err = s.conn.WriteToUDP(packet, udpAddr)
	return err
}

// LocalAddr reports the socket's bound address, used to fill in
// Config.LocalSocket's local half.
func (s *packetSocket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *packetSocket) Close() error {
	return s.conn.Close()
}

// ingestLoop reads datagrams off the socket and feeds them to
// dispatch until ctx is cancelled. One task, matching spec.md §5.
func (s *packetSocket) ingestLoop(ctx context.Context, dispatch func(ctx context.Context, raw []byte, from wire.SocketAddress)) {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(readLoopPollInterval))
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				continue
			}
			s.logger.Warn("packet socket read error", "error", err)
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		dispatch(ctx, raw, udpToSocketAddress(from))
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	te, ok := err.(timeouter)
	return ok && te.Timeout()
}

func udpToSocketAddress(addr *net.UDPAddr) wire.SocketAddress {
	if ip4 := addr.IP.To4(); ip4 != nil {
		return wire.SocketAddress{Family: wire.SocketFamilyIPv4, Addr: append([]byte(nil), ip4...), Port: uint16(addr.Port)}
	}
	return wire.SocketAddress{Family: wire.SocketFamilyIPv6, Addr: append([]byte(nil), addr.IP.To16()...), Port: uint16(addr.Port)}
}

// socketAddressIP renders a wire.SocketAddress's address bytes as a
// dotted-quad or colon-hex string, for APIs (the metaverse HTTP
// client) that want a plain IP string rather than the wire encoding.
func socketAddressIP(s wire.SocketAddress) string {
	return net.IP(s.Addr).String()
}

func socketAddressToUDP(s wire.SocketAddress) (*net.UDPAddr, error) {
	if len(s.Addr) != 4 && len(s.Addr) != 16 {
		return nil, fmt.Errorf("socket address has %d address bytes, want 4 or 16", len(s.Addr))
	}
	return &net.UDPAddr{IP: net.IP(s.Addr), Port: int(s.Port)}, nil
}
