// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joy-highfidelity/hifi/internal/wire"
)

type fakeMetaverseClient struct {
	mu sync.Mutex

	statusSequence []int
	statusIdx      int

	temporaryNamesIssued int
	addressUpdates       []pendingAddress
	addressUpdateBlock   chan struct{}
}

func (c *fakeMetaverseClient) PutHeartbeat(ctx context.Context, domainID string, body DomainHeartbeatRequest) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statusIdx >= len(c.statusSequence) {
		return 200, nil
	}
	status := c.statusSequence[c.statusIdx]
	c.statusIdx++
	return status, nil
}

func (c *fakeMetaverseClient) ObtainTemporaryName(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.temporaryNamesIssued++
	return "temp-domain-id", nil
}

func (c *fakeMetaverseClient) PostAddressUpdate(ctx context.Context, domainID string, public, local wire.SocketAddress) error {
	if c.addressUpdateBlock != nil {
		<-c.addressUpdateBlock
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addressUpdates = append(c.addressUpdates, pendingAddress{public, local})
	return nil
}

func TestTickResetsFailuresOnSuccess(t *testing.T) {
	client := &fakeMetaverseClient{statusSequence: []int{401, 401, 200}}
	hb := New(Config{Client: client, DomainID: "domain-1"})

	ctx := context.Background()
	require.NoError(t, hb.Tick(ctx))
	require.NoError(t, hb.Tick(ctx))
	require.False(t, hb.Silent())
	require.NoError(t, hb.Tick(ctx))
	require.False(t, hb.Silent())
}

func TestTickGoesSilentAfterFiveConsecutive401s(t *testing.T) {
	client := &fakeMetaverseClient{statusSequence: []int{401, 401, 401, 401, 401}}
	hb := New(Config{Client: client, DomainID: "domain-1"})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, hb.Tick(ctx))
	}
	require.True(t, hb.Silent())

	// Once silent, further ticks are no-ops.
	require.NoError(t, hb.Tick(ctx))
	client.mu.Lock()
	issued := client.statusIdx
	client.mu.Unlock()
	require.Equal(t, 5, issued)
}

func TestTick404ObtainsNewTemporaryName(t *testing.T) {
	client := &fakeMetaverseClient{statusSequence: []int{404}}
	hb := New(Config{Client: client, DomainID: "domain-1"})

	require.NoError(t, hb.Tick(context.Background()))
	require.Equal(t, "temp-domain-id", hb.DomainID())
	client.mu.Lock()
	require.Equal(t, 1, client.temporaryNamesIssued)
	client.mu.Unlock()
}

func TestRequestAddressUpdateCollapsesRedoToOneFollowUp(t *testing.T) {
	block := make(chan struct{})
	client := &fakeMetaverseClient{addressUpdateBlock: block}
	hb := New(Config{Client: client, DomainID: "domain-1"})

	first := wire.SocketAddress{Addr: []byte{1, 1, 1, 1}, Port: 1}
	second := wire.SocketAddress{Addr: []byte{2, 2, 2, 2}, Port: 2}
	third := wire.SocketAddress{Addr: []byte{3, 3, 3, 3}, Port: 3}

	done := make(chan error, 1)
	go func() {
		done <- hb.RequestAddressUpdate(context.Background(), first, first)
	}()

	// Wait until the first call is in flight, then queue two more
	// behind it; only the last should trigger a follow-up.
	require.Eventually(t, func() bool {
		hb.mu.Lock()
		defer hb.mu.Unlock()
		return hb.addressInFlight
	}, time.Second, time.Millisecond)

	require.NoError(t, hb.RequestAddressUpdate(context.Background(), second, second))
	require.NoError(t, hb.RequestAddressUpdate(context.Background(), third, third))

	close(block)
	require.NoError(t, <-done)

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.addressUpdates) == 2
	}, time.Second, time.Millisecond)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Equal(t, pendingAddress{first, first}, client.addressUpdates[0])
	require.Equal(t, pendingAddress{third, third}, client.addressUpdates[1])
}
