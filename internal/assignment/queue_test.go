// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package assignment

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joy-highfidelity/hifi/internal/node"
	"github.com/joy-highfidelity/hifi/internal/wire"
)

func loopback() net.IP {
	return net.ParseIP("127.0.0.1")
}

func TestRequestAssignmentRejectsUnallowedSubnet(t *testing.T) {
	q := New(Config{})
	q.Enqueue(Assignment{Type: node.TypeAudioMixer, Static: true})

	_, _, err := q.RequestAssignment(net.ParseIP("10.0.0.5"), AllTypes, "")
	require.Error(t, err)
}

func TestNonAgentTypesSortBeforeAgentTypes(t *testing.T) {
	q := New(Config{})
	q.Enqueue(Assignment{Type: node.TypeAgent, Static: true})
	q.Enqueue(Assignment{Type: node.TypeAudioMixer, Static: true})
	q.Enqueue(Assignment{Type: node.TypeAgent, Static: true})
	q.Enqueue(Assignment{Type: node.TypeAvatarMixer, Static: true})

	snap := q.Snapshot()
	require.Len(t, snap, 4)
	require.Equal(t, node.TypeAudioMixer, snap[0].Type)
	require.Equal(t, node.TypeAvatarMixer, snap[1].Type)
	require.Equal(t, node.TypeAgent, snap[2].Type)
	require.Equal(t, node.TypeAgent, snap[3].Type)
}

// TestStaticMixerRespawn covers spec.md §8's "Static mixer respawn"
// scenario: a fulfilled static assignment is rotated (not removed), a
// clone is handed out and recorded as pending, and on node death the
// original gets a fresh UUID and moves to the front of its class.
func TestStaticMixerRespawn(t *testing.T) {
	renamer := &fakeRenamer{}
	q := New(Config{Renamer: renamer})

	original := Assignment{Type: node.TypeAudioMixer, Static: true, ScriptOnDisk: true, Payload: []byte("--url x")}
	q.Enqueue(original)
	require.Equal(t, int64(0), q.Credits().Pending(node.TypeAudioMixer))

	clone, ok, err := q.RequestAssignment(loopback(), AllTypes, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, original.UUID, clone.UUID)
	require.Equal(t, int64(1), q.Credits().Pending(node.TypeAudioMixer))

	resolved, ok := q.ResolveFulfillment(clone.UUID)
	require.True(t, ok)
	oldUUID := resolved.UUID

	// The original stays enqueued (rotated), so one more request must
	// still find it.
	require.Equal(t, 1, q.Len())

	require.NoError(t, q.NodeDied(clone.UUID))
	require.Equal(t, int64(0), q.Credits().Pending(node.TypeAudioMixer))

	snap := q.Snapshot()
	require.Len(t, snap, 1)
	require.NotEqual(t, oldUUID, snap[0].UUID, "assignment UUID must be regenerated on node death")
	require.Len(t, renamer.renames, 1)
	require.Equal(t, oldUUID, renamer.renames[0].old)
	require.Equal(t, snap[0].UUID, renamer.renames[0].new)

	// The pending entry must be cleared so a second death report is a
	// no-op rather than an error.
	require.NoError(t, q.NodeDied(clone.UUID))
}

func TestEphemeralScriptAssignmentConsumedNotRotated(t *testing.T) {
	q := New(Config{})
	q.Enqueue(Assignment{Type: node.TypeAgent, Static: false, Payload: []byte("--script foo")})

	_, ok, err := q.RequestAssignment(loopback(), AllTypes, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, q.Len(), "ephemeral assignment must be fully consumed, not rotated")
}

func TestPoolMatchingRequiresBothEmptyOrEqual(t *testing.T) {
	q := New(Config{})
	q.Enqueue(Assignment{Type: node.TypeAudioMixer, Static: true, Pool: "region-a"})

	_, ok, err := q.RequestAssignment(loopback(), node.TypeAudioMixer, "")
	require.NoError(t, err)
	require.False(t, ok, "non-empty pool must not match an empty request pool")

	_, ok, err = q.RequestAssignment(loopback(), node.TypeAudioMixer, "region-a")
	require.NoError(t, err)
	require.True(t, ok)
}

type renameCall struct{ old, new wire.UUID }

type fakeRenamer struct {
	renames []renameCall
}

func (f *fakeRenamer) RenameScript(old, newID wire.UUID) error {
	f.renames = append(f.renames, renameCall{old, newID})
	return nil
}
