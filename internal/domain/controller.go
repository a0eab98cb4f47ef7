// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

// Package domain wires the domain controller's components together:
// the Node Registry, Gatekeeper, Assignment Queue, the two Heartbeat
// engines, the Content Backup engine, the Settings Store, the packet
// Dispatch table, and the HTTP control surface. The components guard
// their own state with mutexes and run on their callers' goroutines;
// Controller starts the periodic tasks (silence reaper, heartbeats,
// backup ticks, metrics refresh) on goroutines of their own, stops
// them together, and holds the few collaborators that cross component
// boundaries (reply transport, shared metrics, shared clock).
package domain

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joy-highfidelity/hifi/internal/assignment"
	"github.com/joy-highfidelity/hifi/internal/backup"
	"github.com/joy-highfidelity/hifi/internal/dispatch"
	"github.com/joy-highfidelity/hifi/internal/gatekeeper"
	"github.com/joy-highfidelity/hifi/internal/heartbeat"
	"github.com/joy-highfidelity/hifi/internal/httpapi"
	"github.com/joy-highfidelity/hifi/internal/node"
	"github.com/joy-highfidelity/hifi/internal/settings"
	"github.com/joy-highfidelity/hifi/internal/wire"
	"github.com/joy-highfidelity/hifi/lib/clock"
	"github.com/joy-highfidelity/hifi/lib/watchdog"
)

// ReplyTransport sends an outbound packet to a peer. Implemented by
// whatever owns the UDP socket in cmd/domain-server; Controller never
// touches a network connection directly, matching spec.md §5's "one
// packet-ingest task per socket" split.
type ReplyTransport interface {
	Send(ctx context.Context, to wire.SocketAddress, packet []byte) error
}

// Config configures a Controller. Every component is constructed by
// the caller (typically cmd/domain-server) and injected here, per
// spec.md §9's design note against process-wide singletons.
type Config struct {
	DomainID string

	Registry   *node.Registry
	Gatekeeper *gatekeeper.Gatekeeper
	Assignment *assignment.Queue
	Backup     *backup.Engine
	Settings   *settings.Store
	Metaverse  *heartbeat.MetaverseHeartbeat
	ICE        *heartbeat.ICEHeartbeat

	// EntitiesPath is the on-disk path to the entities file content
	// uploads replace, per spec.md §4.6/§6.
	EntitiesPath string

	Transport ReplyTransport

	// Auth gates the HTTP control surface per spec.md §4.7's three
	// mutually exclusive strategies. Defaults to httpapi.OpenAuthenticator
	// when nil (spec.md §4.7 strategy 3).
	Auth httpapi.Authenticator

	// Proxy forwards the authenticated /api/domains and /api/places
	// routes to the metaverse, per spec.md §4.7. Routes are omitted
	// entirely when nil.
	Proxy httpapi.MetaverseProxy

	// LocalSocket reports the domain server's currently known public
	// and local sockets, included in every ICE ping and reannounced to
	// the metaverse on failover. Supplied by whatever owns the UDP
	// socket in cmd/domain-server, since the controller itself never
	// binds one.
	LocalSocket func() (public, local wire.SocketAddress)

	SilenceReaperInterval time.Duration
	MetaverseInterval     time.Duration
	ICEInterval           time.Duration
	BackupInterval        time.Duration

	// ExitFunc is invoked by Restart with spec.md §6's restart exit
	// code. Defaults to os.Exit; tests inject a recorder.
	ExitFunc func(code int)

	// WatchdogPath, if set, is where Restart records a restart-marker
	// (lib/watchdog) before exiting, so the next startup can tell an
	// HTTP-requested restart from a crash. Empty disables the marker.
	WatchdogPath string

	Clock  clock.Clock
	Logger *slog.Logger
}

const restartExitCode = 234923

// Controller is the assembled domain server, minus the transport
// layer (UDP socket, HTTP listener) that cmd/domain-server owns.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	started bool

	metrics    *httpapi.Metrics
	metricsReg *prometheus.Registry

	dispatch *dispatch.Table
	mux      *http.ServeMux
}

// New assembles a Controller and its packet-dispatch table. Run starts
// the periodic tasks; Mux returns the HTTP control surface handler.
func New(cfg Config) *Controller {
	if cfg.SilenceReaperInterval == 0 {
		cfg.SilenceReaperInterval = 5 * time.Second
	}
	if cfg.MetaverseInterval == 0 {
		cfg.MetaverseInterval = 15 * time.Second
	}
	if cfg.ICEInterval == 0 {
		cfg.ICEInterval = 5 * time.Second
	}
	if cfg.BackupInterval == 0 {
		cfg.BackupInterval = time.Minute
	}
	if cfg.ExitFunc == nil {
		cfg.ExitFunc = os.Exit
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LocalSocket == nil {
		cfg.LocalSocket = func() (wire.SocketAddress, wire.SocketAddress) { return wire.SocketAddress{}, wire.SocketAddress{} }
	}

	metrics, metricsReg := httpapi.NewMetrics()

	c := &Controller{cfg: cfg, metrics: metrics, metricsReg: metricsReg}
	c.dispatch = c.buildDispatchTable()
	c.mux = httpapi.NewMux(httpapi.Config{
		DomainID:   cfg.DomainID,
		Registry:   cfg.Registry,
		Denials:    cfg.Gatekeeper,
		Assignment: cfg.Assignment,
		Backup:     cfg.Backup,
		Entities:   httpapi.EntitiesStore{Path: cfg.EntitiesPath},
		Restart:    c,
		Auth:       cfg.Auth,
		Proxy:      cfg.Proxy,
		Metrics:    metricsReg,
		Healthy:    c.Healthy,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger,
	})
	if cfg.Registry != nil {
		cfg.Registry.SetNotifier(controllerNotifier{c})
	}
	if cfg.Settings != nil {
		cfg.Settings.Subscribe(c.reapRevokedPermissions)
	}
	return c
}

// reapRevokedPermissions recomputes every live node's permission
// vector against the current settings snapshot and evicts whichever
// nodes lost PermissionConnect, per spec.md §8 invariant 4 and the
// "Permissions revocation" scenario. Registered as a Settings Store
// subscriber; runs on the store's notify path, not a dedicated
// goroutine, matching spec.md §4.6's "subscribers reload" design note.
func (c *Controller) reapRevokedPermissions() {
	if c.cfg.Registry == nil || c.cfg.Gatekeeper == nil {
		return
	}
	ctx := context.Background()
	var revoked []wire.UUID
	c.cfg.Registry.ForEach(nil, func(n *node.Node) {
		permissions := c.cfg.Gatekeeper.Permissions(ctx, n)
		if !permissions.Has(node.PermissionConnect) {
			revoked = append(revoked, n.UUID)
			return
		}
		c.cfg.Registry.SetPermissions(n.UUID, permissions)
	})
	for _, uuid := range revoked {
		c.cfg.Registry.Remove(uuid)
		if c.cfg.Assignment != nil {
			_ = c.cfg.Assignment.NodeDied(uuid)
		}
	}
}

// Mux returns the HTTP control-surface handler for the caller to serve
// (e.g. via httpapi.NewServer).
func (c *Controller) Mux() *http.ServeMux { return c.mux }

// Dispatch returns the packet-dispatch table for the caller to feed
// inbound datagrams into.
func (c *Controller) Dispatch() *dispatch.Table { return c.dispatch }

// Healthy reports whether the controller has completed startup: false
// after New returns, true once Run has started.
func (c *Controller) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Restart implements httpapi.Restarter: it exits with spec.md §6's
// restart code so a supervising process relaunches the controller.
// Before exiting, it records a watchdog marker (if WatchdogPath is
// set) so the relaunched process can distinguish this requested
// restart from a crash on the next CheckWatchdog call.
func (c *Controller) Restart() {
	c.cfg.Logger.Warn("restart requested via HTTP control surface")
	if c.cfg.WatchdogPath != "" {
		exe, err := os.Executable()
		if err != nil {
			c.cfg.Logger.Warn("resolving own executable for restart watchdog", "error", err)
		}
		state := watchdog.State{
			Component:      "domain-server",
			PreviousBinary: exe,
			NewBinary:      exe,
			// Wall-clock time: the marker is checked by the next
			// process, which compares it against time.Now.
			Timestamp: time.Now(),
		}
		if err := watchdog.Write(c.cfg.WatchdogPath, state); err != nil {
			c.cfg.Logger.Warn("writing restart watchdog marker", "error", err)
		}
	}
	c.cfg.ExitFunc(restartExitCode)
}

// CheckWatchdog reports whether the domain server's previous exit was
// a restart this controller itself requested (spec.md §6's reboot
// exit code), consuming the marker Restart left behind. Intended for
// the caller to invoke once at startup, before constructing a new
// Controller, so a fresh process can log "resumed after requested
// restart" instead of leaving an operator to wonder whether the last
// exit was a crash.
func CheckWatchdog(path string, maxAge time.Duration) bool {
	if path == "" {
		return false
	}
	_, ok, err := watchdog.Check(path, maxAge)
	if err != nil {
		return false
	}
	if ok {
		_ = watchdog.Clear(path)
	}
	return ok
}

// Run starts every periodic task and blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	var wg sync.WaitGroup

	if c.cfg.Registry != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := make(chan struct{})
			go func() {
				<-ctx.Done()
				close(done)
			}()
			c.cfg.Registry.RunSilenceReaper(c.cfg.SilenceReaperInterval, done)
		}()
	}

	if c.cfg.Metaverse != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runTickLoop(ctx, c.cfg.MetaverseInterval, func(tickCtx context.Context) {
				if err := c.cfg.Metaverse.Tick(tickCtx); err != nil {
					c.metrics.HeartbeatFailures.WithLabelValues("metaverse").Inc()
					c.cfg.Logger.Warn("metaverse heartbeat tick failed", "error", err)
				}
			})
		}()
	}

	if c.cfg.ICE != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runTickLoop(ctx, c.cfg.ICEInterval, func(tickCtx context.Context) {
				public, local := c.cfg.LocalSocket()
				if err := c.cfg.ICE.Tick(tickCtx, public, local); err != nil {
					c.metrics.HeartbeatFailures.WithLabelValues("ice").Inc()
					c.cfg.Logger.Warn("ICE heartbeat tick failed", "error", err)
				}
			})
		}()
	}

	if c.cfg.Backup != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.runTickLoop(ctx, c.cfg.BackupInterval, func(tickCtx context.Context) {
				if _, err := c.cfg.Backup.Tick(c.cfg.Clock.Now()); err != nil {
					c.metrics.BackupRuns.WithLabelValues("error").Inc()
					c.cfg.Logger.Warn("backup tick failed", "error", err)
					return
				}
				c.metrics.BackupRuns.WithLabelValues("success").Inc()
			})
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runMetricsRefreshLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (c *Controller) runTickLoop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (c *Controller) runMetricsRefreshLoop(ctx context.Context) {
	c.refreshMetrics()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshMetrics()
		}
	}
}

func (c *Controller) refreshMetrics() {
	if c.cfg.Registry != nil {
		for typ := node.Type(0); typ <= node.TypeDownstreamAvatar; typ++ {
			c.metrics.RegistrySize.WithLabelValues(typ.String()).Set(float64(c.cfg.Registry.Count(typ)))
		}
	}
	if c.cfg.Assignment != nil {
		c.metrics.AssignmentDepth.Set(float64(c.cfg.Assignment.Len()))
	}
}
