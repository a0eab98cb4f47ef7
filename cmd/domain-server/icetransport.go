// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net"

	"github.com/joy-highfidelity/hifi/internal/wire"
)

// udpICETransport implements heartbeat.ICETransport over a dedicated
// UDP socket. ICE heartbeats are synchronous request/reply by nature
// (one ping per candidate per tick), so a per-call dial with a
// ctx-bound read deadline is simpler and just as correct as routing
// replies back through the main packet socket's dispatch table, which
// never registers ICE packet types (those belong to the heartbeat
// engine, not the controller's own dispatch, per spec.md §4.4/§4.8).
type udpICETransport struct{}

// SendPing implements heartbeat.ICETransport.
func (udpICETransport) SendPing(ctx context.Context, addr wire.SocketAddress, signed []byte) (replied, denied bool, err error) {
	udpAddr, err := socketAddressToUDP(addr)
	if err != nil {
		return false, false, fmt.Errorf("ice transport: resolving candidate address: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return false, false, fmt.Errorf("ice transport: dialing candidate: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(signed); err != nil {
		return false, false, fmt.Errorf("ice transport: sending ping: %w", err)
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("ice transport: reading reply: %w", err)
	}

	header, _, err := wire.DecodeHeader(buf[:n])
	if err != nil {
		return true, false, nil
	}
	return true, header.Type == wire.TypeICEServerHeartbeatDenied, nil
}
