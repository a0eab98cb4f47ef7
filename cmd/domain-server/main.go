// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mr-tron/base58"

	"github.com/joy-highfidelity/hifi/internal/assignment"
	"github.com/joy-highfidelity/hifi/internal/backup"
	"github.com/joy-highfidelity/hifi/internal/domain"
	"github.com/joy-highfidelity/hifi/internal/domainkey"
	"github.com/joy-highfidelity/hifi/internal/entities"
	"github.com/joy-highfidelity/hifi/internal/gatekeeper"
	"github.com/joy-highfidelity/hifi/internal/heartbeat"
	"github.com/joy-highfidelity/hifi/internal/httpapi"
	"github.com/joy-highfidelity/hifi/internal/node"
	"github.com/joy-highfidelity/hifi/internal/settings"
	"github.com/joy-highfidelity/hifi/internal/wire"
	"github.com/joy-highfidelity/hifi/lib/process"
	"github.com/joy-highfidelity/hifi/lib/version"
)

func main() {
	if err := run(); err != nil {
		// Some of run()'s errors surface before the structured logger
		// exists (flag parsing), so every error goes through
		// process.Fatal's raw-stderr path rather than slog.
		// exitCodeError (TLS/OAuth flag validation) carries one of
		// spec.md §6's non-1 exit codes and needs its own code, which
		// process.Fatal doesn't support.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(coder.ExitCode())
		}
		process.Fatal(err)
	}
}

func run() error {
	cfg, extra, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}
	if cfg.showHelp {
		return nil
	}
	if cfg.showVersion {
		version.Print("domain-server")
		return nil
	}
	if len(extra) > 0 {
		return fmt.Errorf("unexpected argument: %s", extra[0])
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := validateTLSConfig(cfg); err != nil {
		return err
	}
	if err := validateOAuthConfig(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.parentPID > 0 {
		go watchParent(ctx, cfg.parentPID, stop, logger)
	}

	if err := os.MkdirAll(cfg.stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	watchdogPath := cfg.stateDir + "/restart.watchdog"
	if domain.CheckWatchdog(watchdogPath, 2*time.Minute) {
		logger.Info("resumed after a restart requested via the HTTP control surface")
	}

	settingsStore, err := settings.Open(settings.Config{
		Path:     cfg.settingsPath,
		Defaults: defaultSettings(),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("opening settings store: %w", err)
	}

	keypair, generated, err := domainkey.LoadOrGenerate(cfg.stateDir)
	if err != nil {
		return fmt.Errorf("loading domain keypair: %w", err)
	}
	defer keypair.Close()
	logger.Info("domain keypair ready", "generated", generated, "public_key", base58.Encode(keypair.Public()))

	metaverseClient := newHTTPMetaverseClient(cfg.metaverseURL, cfg.accessToken)

	domainID, temporary, err := resolveDomainID(ctx, cfg, metaverseClient)
	if err != nil {
		return fmt.Errorf("resolving domain id: %w", err)
	}
	logger.Info("domain id resolved", "domain_id", domainID, "temporary", temporary)

	if err := seedDefaultContentIfAbsent(cfg, logger); err != nil {
		return fmt.Errorf("seeding default content: %w", err)
	}
	if _, err := entities.ApplyPendingReplace(cfg.entitiesPath); err != nil {
		return fmt.Errorf("applying pending entities swap: %w", err)
	}

	renamer, err := newFilesystemScriptRenamer(cfg.scriptsDir)
	if err != nil {
		return err
	}

	registry := node.New(node.Config{
		SilenceThreshold: time.Duration(settingsStore.GetFloat("security.node_silence_secs", 10)) * time.Second,
		Logger:           logger,
	})

	assignmentQueue := assignment.New(assignment.Config{
		Renamer: renamer,
		Logger:  logger,
	})

	groupLookup := newMetaverseGroupLookup(cfg.metaverseURL, cfg.accessToken)
	identityVerifier := newMetaverseIdentityVerifier(cfg.metaverseURL, cfg.accessToken)

	gk := gatekeeper.New(gatekeeper.Config{
		Registry:    registry,
		Assignment:  assignmentQueue,
		Catalog:     settingsStore.PermissionsCatalog,
		Verifier:    identityVerifier,
		Groups:      groupLookup,
		Bans:        settingsBanList{settingsStore},
		Friends:     settingsFriendList{settingsStore},
		ICE:         newSymmetricICERendezvous(),
		MaxCapacity: cfg.maxCapacity,
		Logger:      logger,
	})

	backupEngine, err := backup.New(backup.Config{
		Dir: cfg.backupDir,
		Handlers: []backup.Handler{
			entitiesBackupHandler{path: cfg.entitiesPath},
			settingsBackupHandler{path: cfg.settingsPath},
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("starting backup engine: %w", err)
	}
	if _, err := os.Stat(cfg.entitiesPath); err == nil {
		if _, err := backupEngine.RunStartupBackup(time.Now()); err != nil {
			logger.Warn("startup backup failed", "error", err)
		}
	}

	socket, err := listenPacketSocket(cfg.udpListen, logger)
	if err != nil {
		return fmt.Errorf("binding packet socket: %w", err)
	}
	defer socket.Close()

	metaverseHeartbeat := heartbeat.New(heartbeat.Config{
		Client:    metaverseClient,
		DomainID:  domainID,
		Temporary: temporary,
		StatsFunc: func() heartbeat.Stats { return heartbeat.Stats{Users: registry.Count(node.TypeAgent)} },
		Logger:    logger,
	})

	candidates, err := resolveICECandidates(cfg.iceServer)
	if err != nil {
		return fmt.Errorf("resolving ICE server address: %w", err)
	}

	var iceHeartbeat *heartbeat.ICEHeartbeat
	if len(candidates) > 0 {
		iceHeartbeat = heartbeat.NewICE(heartbeat.ICEConfig{
			Candidates: candidates,
			Transport:  udpICETransport{},
			Keypair:    keypair,
			SessionID:  wire.NewUUID(),
			Announcer:  metaverseHeartbeat,
			Logger:     logger,
		})
	}

	auth := buildAuthenticator(cfg)
	proxy, err := newMetaverseProxy(cfg.metaverseURL, cfg.accessToken)
	if err != nil {
		return fmt.Errorf("configuring metaverse proxy: %w", err)
	}

	controller := domain.New(domain.Config{
		DomainID:     domainID,
		Registry:     registry,
		Gatekeeper:   gk,
		Assignment:   assignmentQueue,
		Backup:       backupEngine,
		Settings:     settingsStore,
		Metaverse:    metaverseHeartbeat,
		ICE:          iceHeartbeat,
		EntitiesPath: cfg.entitiesPath,
		Transport:    socket,
		Auth:         auth,
		Proxy:        proxy,
		LocalSocket: func() (wire.SocketAddress, wire.SocketAddress) {
			return localSocketAddresses(socket)
		},
		WatchdogPath: watchdogPath,
		Logger:       logger,
	})

	httpServer := httpapi.NewServer(httpapi.ServerConfig{
		Address: cfg.httpListen,
		Handler: controller.Mux(),
		Logger:  logger,
	})

	var tlsServer *httpapi.Server
	if cfg.tlsListen != "" {
		tlsServer = httpapi.NewServer(httpapi.ServerConfig{
			Address: cfg.tlsListen,
			Handler: controller.Mux(),
			Logger:  logger,
		})
	}

	go socket.ingestLoop(ctx, controller.Dispatch().Dispatch)

	errs := make(chan error, 3)
	go func() { errs <- controller.Run(ctx) }()
	go func() { errs <- httpServer.Serve(ctx) }()
	if tlsServer != nil {
		go func() { errs <- tlsServer.ServeTLS(ctx, cfg.tlsCert, cfg.tlsKey) }()
	}

	logger.Info("domain server started",
		"domain_id", domainID,
		"udp_listen", cfg.udpListen,
		"http_listen", cfg.httpListen,
		"https_listen", cfg.tlsListen,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	var firstErr error
	count := 1
	if tlsServer != nil {
		count++
	}
	count++ // controller.Run
	for i := 0; i < count; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func validateTLSConfig(cfg *config) error {
	if cfg.tlsListen == "" {
		return nil
	}
	if cfg.tlsCert == "" || cfg.tlsKey == "" {
		return withExitCode(fmt.Errorf("--https-listen requires both --tls-cert and --tls-key"), 3)
	}
	return nil
}

func validateOAuthConfig(cfg *config) error {
	oauthConfigured := cfg.oauthAuthorizeURL != "" || cfg.oauthTokenURL != "" ||
		cfg.oauthProfileURL != "" || cfg.oauthClientID != ""
	if !oauthConfigured {
		return nil
	}
	if cfg.oauthClientID == "" || cfg.oauthTokenURL == "" || cfg.oauthProfileURL == "" || cfg.oauthRedirectURL == "" {
		return withExitCode(fmt.Errorf("OAuth requires --oauth-client-id, --oauth-token-url, --oauth-profile-url, and --oauth-redirect-url"), 4)
	}
	if cfg.oauthAuthorizeURL == "" {
		return withExitCode(fmt.Errorf("OAuth requires --oauth-authorize-url"), 5)
	}
	return nil
}

func buildAuthenticator(cfg *config) httpapi.Authenticator {
	switch {
	case cfg.oauthClientID != "":
		provider := newGenericOAuthProvider(cfg.oauthAuthorizeURL, cfg.oauthTokenURL, cfg.oauthProfileURL,
			cfg.oauthClientID, cfg.oauthClientSecret, cfg.oauthRedirectURL)
		return httpapi.NewOAuthAuthenticator(provider, cfg.oauthAdminUsers, cfg.oauthAdminRoles, nil)
	case cfg.basicAuthUser != "":
		return httpapi.BasicAuthenticator{Username: cfg.basicAuthUser, PasswordSHA256: cfg.basicAuthPassword}
	default:
		return httpapi.OpenAuthenticator{}
	}
}

func resolveDomainID(ctx context.Context, cfg *config, client *httpMetaverseClient) (string, bool, error) {
	if cfg.domainID != "" {
		return cfg.domainID, false, nil
	}

	idPath := cfg.stateDir + "/domain-id"
	if !cfg.getTempName {
		if raw, err := os.ReadFile(idPath); err == nil && len(raw) > 0 {
			return string(raw), false, nil
		}
	}

	id, err := client.ObtainTemporaryName(ctx)
	if err != nil {
		return "", false, fmt.Errorf("obtaining temporary domain name: %w", err)
	}
	if err := os.WriteFile(idPath, []byte(id), 0o644); err != nil {
		return "", false, fmt.Errorf("persisting domain id: %w", err)
	}
	return id, true, nil
}

func seedDefaultContentIfAbsent(cfg *config, logger *slog.Logger) error {
	if _, err := os.Stat(cfg.entitiesPath); err == nil {
		return nil
	}
	// No template path is supported: when the entities file is absent,
	// an empty scene ("{}") is written under a fresh id at version 1.
	return entities.Save(cfg.entitiesPath, entities.Header{ID: wire.NewUUID(), Version: 1}, []byte("{}"))
}

func resolveICECandidates(hostport string) ([]wire.SocketAddress, error) {
	if hostport == "" {
		return nil, nil
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parsing port in %q: %w", hostport, err)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", host, err)
	}

	candidates := make([]wire.SocketAddress, 0, len(ips))
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			candidates = append(candidates, wire.SocketAddress{Family: wire.SocketFamilyIPv4, Addr: append([]byte(nil), ip4...), Port: uint16(port)})
		} else {
			candidates = append(candidates, wire.SocketAddress{Family: wire.SocketFamilyIPv6, Addr: append([]byte(nil), ip.To16()...), Port: uint16(port)})
		}
	}
	return candidates, nil
}

func localSocketAddresses(socket *packetSocket) (public, local wire.SocketAddress) {
	addr := socket.LocalAddr()
	return udpToSocketAddress(addr), udpToSocketAddress(addr)
}

func watchParent(ctx context.Context, pid int, stop context.CancelFunc, logger *slog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			process, err := os.FindProcess(pid)
			if err != nil {
				logger.Warn("parent process no longer found, shutting down", "pid", pid)
				stop()
				return
			}
			if err := process.Signal(syscall.Signal(0)); err != nil {
				logger.Warn("parent process is gone, shutting down", "pid", pid)
				stop()
				return
			}
		}
	}
}

func defaultSettings() map[string]any {
	return map[string]any{
		"security": map[string]any{
			"node_silence_secs": 10,
			"max_capacity":      0,
			"permissions":       []any{},
			"banned_usernames":  []any{},
			"banned_addresses":  []any{},
			"friends":           []any{},
		},
	}
}
