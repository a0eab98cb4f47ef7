// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joy-highfidelity/hifi/internal/assignment"
	"github.com/joy-highfidelity/hifi/internal/node"
	"github.com/joy-highfidelity/hifi/internal/wire"
	"github.com/joy-highfidelity/hifi/lib/clock"
)

func TestGetIDIsUnauthenticated(t *testing.T) {
	mux := NewMux(Config{DomainID: "domain-abc", Auth: BasicAuthenticator{Username: "a", PasswordSHA256: "nomatch"}})

	req := httptest.NewRequest(http.MethodGet, "/id", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "domain-abc", rec.Body.String())
}

func TestOtherRoutesRequireBasicAuth(t *testing.T) {
	mux := NewMux(Config{DomainID: "d", Auth: BasicAuthenticator{Username: "a", PasswordSHA256: "nomatch"}})

	req := httptest.NewRequest(http.MethodGet, "/nodes.json", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetNodesDumpsRegistry(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	registry := node.New(node.Config{SilenceThreshold: time.Minute, Clock: fc})
	_, err := registry.Add(wire.NewUUID(), node.TypeAgent,
		wire.SocketAddress{Addr: []byte{1, 2, 3, 4}, Port: 1000},
		wire.SocketAddress{Addr: []byte{10, 0, 0, 1}, Port: 1000},
		node.Permissions(node.PermissionConnect), nil)
	require.NoError(t, err)

	mux := NewMux(Config{Registry: registry, Auth: OpenAuthenticator{}})

	req := httptest.NewRequest(http.MethodGet, "/nodes.json", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var dump nodesDump
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dump))
	require.Len(t, dump.Nodes, 1)
	require.Equal(t, "Agent", dump.Nodes[0].Type)
}

func TestKickNodeRemovesFromRegistry(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	registry := node.New(node.Config{SilenceThreshold: time.Minute, Clock: fc})
	id := wire.NewUUID()
	_, err := registry.Add(id, node.TypeAgent,
		wire.SocketAddress{Addr: []byte{1, 2, 3, 4}, Port: 1000},
		wire.SocketAddress{Addr: []byte{10, 0, 0, 1}, Port: 1000},
		node.Permissions(node.PermissionConnect), nil)
	require.NoError(t, err)

	mux := NewMux(Config{Registry: registry, Auth: OpenAuthenticator{}})

	req := httptest.NewRequest(http.MethodDelete, "/nodes/"+id.String()+"/", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Nil(t, registry.LookupByUUID(id))
}

func TestPostAssignmentCreatesEphemeralAssignments(t *testing.T) {
	queue := assignment.New(assignment.Config{})
	mux := NewMux(Config{Assignment: queue, Auth: OpenAuthenticator{}})

	body := `{"count": 3, "type": 1, "pool": "build-a"}`
	req := httptest.NewRequest(http.MethodPost, "/assignment", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var created []assignment.Assignment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Len(t, created, 3)
	require.Equal(t, 3, queue.Len())
}

type fakeRestarter struct {
	called bool
}

func (r *fakeRestarter) Restart() { r.called = true }

func TestRestartRouteInvokesRestarter(t *testing.T) {
	restarter := &fakeRestarter{}
	mux := NewMux(Config{Restart: restarter, Auth: OpenAuthenticator{}})

	req := httptest.NewRequest(http.MethodGet, "/restart", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, restarter.called)
}

func TestHealthzUnhealthyDuringStartup(t *testing.T) {
	_, reg := NewMetrics()
	mux := NewMux(Config{Auth: OpenAuthenticator{}, Metrics: reg, Healthy: func() bool { return false }})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsRouteExposesPrometheusFormat(t *testing.T) {
	m, reg := NewMetrics()
	m.AssignmentDepth.Set(4)
	mux := NewMux(Config{Auth: OpenAuthenticator{}, Metrics: reg})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "domain_assignment_queue_depth 4")
}
