// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the Prometheus collectors exposed on GET /metrics
// (SPEC_FULL.md §4.7 expansion). Each component updates its own
// gauge/counter as part of its normal work; this type just holds the
// registered collectors so callers don't have to thread raw
// prometheus types through every package.
type Metrics struct {
	RegistrySize      *prometheus.GaugeVec
	AssignmentDepth   prometheus.Gauge
	HeartbeatFailures *prometheus.CounterVec
	BackupRuns        *prometheus.CounterVec
}

// NewMetrics registers the control surface's collectors against a
// fresh registry and returns both.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RegistrySize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "domain_registry_nodes",
			Help: "Number of nodes currently registered, by type.",
		}, []string{"type"}),
		AssignmentDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "domain_assignment_queue_depth",
			Help: "Number of assignments currently pending in the queue.",
		}),
		HeartbeatFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "domain_heartbeat_failures_total",
			Help: "Heartbeat failures by engine (metaverse, ice).",
		}, []string{"engine"}),
		BackupRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "domain_backup_runs_total",
			Help: "Backup rule firings by outcome (success, error).",
		}, []string{"outcome"}),
	}

	reg.MustRegister(m.RegistrySize, m.AssignmentDepth, m.HeartbeatFailures, m.BackupRuns)
	return m, reg
}

// RegisterObservability attaches /metrics and /healthz to mux. reg is
// the registry NewMetrics returned — the caller owns the *Metrics
// instance and keeps it updated; this just exposes whatever it holds.
// /metrics is intentionally not gated by Authenticator, matching
// typical ops practice in the retrieved examples — it is expected to
// be bound to localhost or scraped over a private network.
//
// healthy reports whether startup has completed (registry and
// settings store ready); /healthz returns 200 only once it does.
func RegisterObservability(mux *http.ServeMux, reg *prometheus.Registry, healthy func() bool) {
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if healthy != nil && !healthy() {
			http.Error(w, "starting up", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}
