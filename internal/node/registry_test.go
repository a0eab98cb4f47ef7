// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joy-highfidelity/hifi/internal/wire"
	"github.com/joy-highfidelity/hifi/lib/clock"
)

type recordedAdd struct {
	to, added wire.UUID
	secret    [16]byte
}
type recordedRemove struct {
	to, removed wire.UUID
}

type fakeNotifier struct {
	adds    []recordedAdd
	removes []recordedRemove
}

func (f *fakeNotifier) NotifyNodeAdded(to *Node, added *Node, secret [16]byte) error {
	f.adds = append(f.adds, recordedAdd{to.UUID, added.UUID, secret})
	return nil
}

func (f *fakeNotifier) NotifyNodeRemoved(to *Node, removedUUID wire.UUID, removedType Type) error {
	f.removes = append(f.removes, recordedRemove{to.UUID, removedUUID})
	return nil
}

func interestSet(types ...Type) map[Type]bool {
	set := make(map[Type]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

func newTestRegistry(notifier Notifier) *Registry {
	return New(Config{
		SilenceThreshold: 10 * time.Second,
		Clock:            clock.Fake(time.Unix(0, 0)),
		Notifier:         notifier,
	})
}

// TestTwoAgentsMeet covers the "Two agents meet" scenario from spec.md
// §8: both agents should receive the same pairwise secret.
func TestTwoAgentsMeet(t *testing.T) {
	notifier := &fakeNotifier{}
	r := newTestRegistry(notifier)

	agentA := wire.NewUUID()
	agentB := wire.NewUUID()

	nodeA, err := r.Add(agentA, TypeAgent, wire.SocketAddress{}, wire.SocketAddress{}, Permissions(PermissionConnect), &Record{
		InterestSet: interestSet(TypeAvatarMixer, TypeAgent),
	})
	require.NoError(t, err)
	require.Equal(t, uint16(1), nodeA.LocalID)

	nodeB, err := r.Add(agentB, TypeAgent, wire.SocketAddress{}, wire.SocketAddress{}, Permissions(PermissionConnect), &Record{
		InterestSet: interestSet(TypeAvatarMixer, TypeAgent),
	})
	require.NoError(t, err)
	require.Equal(t, uint16(2), nodeB.LocalID)

	// A was notified about B joining (fan-out triggered by Add(B)).
	require.Len(t, notifier.adds, 1)
	require.Equal(t, agentA, notifier.adds[0].to)
	require.Equal(t, agentB, notifier.adds[0].added)

	secretFromAPerspective := r.ConnectionSecret(agentA, agentB)
	secretFromBPerspective := r.ConnectionSecret(agentB, agentA)
	require.Equal(t, secretFromAPerspective, secretFromBPerspective)
	require.Equal(t, notifier.adds[0].secret, secretFromAPerspective)
}

// TestLocalIDReuseOnlyAfterEviction covers invariant 2 from spec.md §8.
func TestLocalIDReuseOnlyAfterEviction(t *testing.T) {
	r := newTestRegistry(nil)

	first := wire.NewUUID()
	nodeFirst, err := r.Add(first, TypeAgent, wire.SocketAddress{}, wire.SocketAddress{}, 0, nil)
	require.NoError(t, err)
	require.Equal(t, uint16(1), nodeFirst.LocalID)

	second := wire.NewUUID()
	nodeSecond, err := r.Add(second, TypeAgent, wire.SocketAddress{}, wire.SocketAddress{}, 0, nil)
	require.NoError(t, err)
	require.Equal(t, uint16(2), nodeSecond.LocalID)

	// While both holders are live, no local ID beyond the two handed
	// out has been assigned.
	require.Nil(t, r.LookupByLocalID(3))

	r.Remove(first)
	require.Nil(t, r.LookupByUUID(first))

	third := wire.NewUUID()
	nodeThird, err := r.Add(third, TypeAgent, wire.SocketAddress{}, wire.SocketAddress{}, 0, nil)
	require.NoError(t, err)
	require.Equal(t, uint16(1), nodeThird.LocalID, "freed local ID should be reused")
}

func TestAddRejectsDuplicateUUID(t *testing.T) {
	r := newTestRegistry(nil)
	id := wire.NewUUID()
	_, err := r.Add(id, TypeAgent, wire.SocketAddress{}, wire.SocketAddress{}, 0, nil)
	require.NoError(t, err)
	_, err = r.Add(id, TypeAgent, wire.SocketAddress{}, wire.SocketAddress{}, 0, nil)
	require.Error(t, err)
}

func TestRemoveCleansCrossPeerSecrets(t *testing.T) {
	r := newTestRegistry(nil)
	a, b := wire.NewUUID(), wire.NewUUID()
	_, err := r.Add(a, TypeAgent, wire.SocketAddress{}, wire.SocketAddress{}, 0, nil)
	require.NoError(t, err)
	_, err = r.Add(b, TypeAgent, wire.SocketAddress{}, wire.SocketAddress{}, 0, nil)
	require.NoError(t, err)

	secret1 := r.ConnectionSecret(a, b)
	require.NotEqual(t, [16]byte{}, secret1)

	r.Remove(a)

	// A fresh secret is generated for the pair since the prior one was
	// wiped when A was evicted.
	_, err = r.Add(a, TypeAgent, wire.SocketAddress{}, wire.SocketAddress{}, 0, nil)
	require.NoError(t, err)
	secret2 := r.ConnectionSecret(a, b)
	require.NotEqual(t, secret1, secret2, "secret should be regenerated after full eviction")
}

func TestSilenceReaperEvictsStaleNodes(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(0, 0))
	r := New(Config{SilenceThreshold: 5 * time.Second, Clock: fakeClock})

	alive := wire.NewUUID()
	replicated := wire.NewUUID()

	_, err := r.Add(alive, TypeAgent, wire.SocketAddress{}, wire.SocketAddress{}, 0, nil)
	require.NoError(t, err)
	_, err = r.Add(replicated, TypeUpstreamAudio, wire.SocketAddress{}, wire.SocketAddress{}, 0, &Record{
		InterestSet:       map[Type]bool{},
		ForcedNeverSilent: true,
	})
	require.NoError(t, err)

	evicted := r.ReapSilent(fakeClock.Now().Add(10 * time.Second))
	require.ElementsMatch(t, []wire.UUID{alive}, evicted)
	require.Nil(t, r.LookupByUUID(alive))
	require.NotNil(t, r.LookupByUUID(replicated))
}

func TestTouchRefreshesHeartbeatAndPreventsReap(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(0, 0))
	r := New(Config{SilenceThreshold: 5 * time.Second, Clock: fakeClock})

	id := wire.NewUUID()
	_, err := r.Add(id, TypeAgent, wire.SocketAddress{}, wire.SocketAddress{}, 0, nil)
	require.NoError(t, err)

	fakeClock.Advance(3 * time.Second)
	r.Touch(id, fakeClock.Now())
	fakeClock.Advance(3 * time.Second)

	evicted := r.ReapSilent(fakeClock.Now())
	require.Empty(t, evicted)
}
