// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"net"

	"github.com/joy-highfidelity/hifi/internal/wire"
)

// symmetricICERendezvous implements gatekeeper.ICERendezvous (spec.md
// §4.2 step 6): when a connecting node's advertised public socket
// looks unreachable, probe both the public and local candidate
// sockets it offered and report whichever answers first. This is
// deliberately a different concern from internal/heartbeat's ICE
// engine (which talks to the domain's own ICE server) — here the
// domain server is probing a connecting client's two candidate
// sockets directly, the same "ping both, take whichever answers"
// rendezvous the original protocol calls symmetric ICE.
type symmetricICERendezvous struct {
	probe []byte
}

func newSymmetricICERendezvous() *symmetricICERendezvous {
	return &symmetricICERendezvous{probe: []byte("hifi-ice-probe")}
}

// Ping implements gatekeeper.ICERendezvous.
func (r *symmetricICERendezvous) Ping(ctx context.Context, public, local wire.SocketAddress) (wire.SocketAddress, bool) {
	type result struct {
		addr wire.SocketAddress
		ok   bool
	}
	candidates := make([]wire.SocketAddress, 0, 2)
	if len(public.Addr) > 0 {
		candidates = append(candidates, public)
	}
	if len(local.Addr) > 0 {
		candidates = append(candidates, local)
	}
	if len(candidates) == 0 {
		return wire.SocketAddress{}, false
	}

	results := make(chan result, len(candidates))
	for _, c := range candidates {
		c := c
		go func() {
			ok := r.pingOne(ctx, c)
			results <- result{addr: c, ok: ok}
		}()
	}

	for range candidates {
		select {
		case res := <-results:
			if res.ok {
				return res.addr, true
			}
		case <-ctx.Done():
			return wire.SocketAddress{}, false
		}
	}
	return wire.SocketAddress{}, false
}

func (r *symmetricICERendezvous) pingOne(ctx context.Context, addr wire.SocketAddress) bool {
	udpAddr, err := socketAddressToUDP(addr)
	if err != nil {
		return false
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return false
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if _, err := conn.Write(r.probe); err != nil {
		return false
	}

	buf := make([]byte, 64)
	_, err = conn.Read(buf)
	return err == nil
}
