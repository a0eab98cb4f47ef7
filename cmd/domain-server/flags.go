// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// config holds every CLI flag and environment override, parsed once
// in run() and threaded explicitly into the components that need it —
// no package-level flag state, matching spec.md §9's stance against
// process-wide singletons.
type config struct {
	iceServer    string // -i HOST:PORT
	domainID     string // -d UUID
	getTempName  bool   // --get-temp-name
	parentPID    int    // --parent-pid

	stateDir     string
	settingsPath string
	scriptsDir   string
	backupDir    string
	entitiesPath string

	udpListen  string
	httpListen string

	tlsListen string
	tlsCert   string
	tlsKey    string

	metaverseURL string
	accessToken  string

	basicAuthUser     string
	basicAuthPassword string // hex sha256

	oauthAuthorizeURL string
	oauthTokenURL     string
	oauthProfileURL   string
	oauthClientID     string
	oauthClientSecret string
	oauthRedirectURL  string
	oauthAdminUsers   []string
	oauthAdminRoles   []string

	maxCapacity int

	showVersion bool
	showHelp    bool
}

func parseFlags(args []string) (*config, []string, error) {
	cfg := &config{}

	flagSet := pflag.NewFlagSet("domain-server", pflag.ContinueOnError)
	flagSet.StringVarP(&cfg.iceServer, "ice-server", "i", "", "ICE server address as HOST:PORT (spec.md §6)")
	flagSet.StringVarP(&cfg.domainID, "domain-id", "d", "", "domain id override, bypassing the metaverse-assigned id")
	flagSet.BoolVar(&cfg.getTempName, "get-temp-name", false, "request a fresh temporary domain id from the metaverse on startup")
	flagSet.IntVar(&cfg.parentPID, "parent-pid", 0, "exit once the process with this pid is no longer alive")

	flagSet.StringVar(&cfg.stateDir, "state-dir", "/var/lib/hifi-domain", "directory holding the domain keypair, entities file, and backup archives")
	flagSet.StringVar(&cfg.settingsPath, "settings-path", "", "settings file path (default: <state-dir>/settings.json)")
	flagSet.StringVar(&cfg.scriptsDir, "scripts-dir", "", "entity script directory (default: <state-dir>/scripts)")
	flagSet.StringVar(&cfg.backupDir, "backup-dir", "", "backup archive directory (default: <state-dir>/backups)")
	flagSet.StringVar(&cfg.entitiesPath, "entities-path", "", "entities file path (default: <state-dir>/entities.hifi)")

	flagSet.StringVar(&cfg.udpListen, "listen", "0.0.0.0:40102", "UDP address the packet socket binds")
	flagSet.StringVar(&cfg.httpListen, "http-listen", "127.0.0.1:40100", "HTTP control surface listen address")

	flagSet.StringVar(&cfg.tlsListen, "https-listen", "", "HTTPS control surface listen address (requires --tls-cert and --tls-key)")
	flagSet.StringVar(&cfg.tlsCert, "tls-cert", "", "TLS certificate file for --https-listen")
	flagSet.StringVar(&cfg.tlsKey, "tls-key", "", "TLS private key file for --https-listen")

	flagSet.StringVar(&cfg.metaverseURL, "metaverse-url", "https://metaverse.highfidelity.com", "base URL of the metaverse API")
	flagSet.StringVar(&cfg.accessToken, "access-token", "", "metaverse API access token (overridden by DOMAIN_SERVER_ACCESS_TOKEN)")

	flagSet.StringVar(&cfg.basicAuthUser, "basic-auth-user", "", "enable HTTP Basic auth with this username")
	flagSet.StringVar(&cfg.basicAuthPassword, "basic-auth-password-sha256", "", "hex-encoded SHA-256 of the Basic auth password")

	flagSet.StringVar(&cfg.oauthAuthorizeURL, "oauth-authorize-url", "", "OAuth provider authorization endpoint")
	flagSet.StringVar(&cfg.oauthTokenURL, "oauth-token-url", "", "OAuth provider token endpoint")
	flagSet.StringVar(&cfg.oauthProfileURL, "oauth-profile-url", "", "OAuth provider profile endpoint")
	flagSet.StringVar(&cfg.oauthClientID, "oauth-client-id", "", "OAuth client id")
	flagSet.StringVar(&cfg.oauthClientSecret, "oauth-client-secret", "", "OAuth client secret (overridden by DOMAIN_SERVER_CLIENT_SECRET)")
	flagSet.StringVar(&cfg.oauthRedirectURL, "oauth-redirect-url", "", "OAuth redirect URL registered with the provider")
	flagSet.StringSliceVar(&cfg.oauthAdminUsers, "oauth-admin-user", nil, "username granted admin access via OAuth (repeatable)")
	flagSet.StringSliceVar(&cfg.oauthAdminRoles, "oauth-admin-role", nil, "role granted admin access via OAuth (repeatable)")

	flagSet.IntVar(&cfg.maxCapacity, "max-capacity", 0, "maximum concurrent agent connections, 0 for unlimited")

	flagSet.BoolVar(&cfg.showVersion, "version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			cfg.showHelp = true
			printHelp(flagSet)
			return cfg, nil, nil
		}
		return nil, nil, err
	}

	if cfg.settingsPath == "" {
		cfg.settingsPath = cfg.stateDir + "/settings.json"
	}
	if cfg.scriptsDir == "" {
		cfg.scriptsDir = cfg.stateDir + "/scripts"
	}
	if cfg.backupDir == "" {
		cfg.backupDir = cfg.stateDir + "/backups"
	}
	if cfg.entitiesPath == "" {
		cfg.entitiesPath = cfg.stateDir + "/entities.hifi"
	}

	applyEnvOverrides(cfg)

	return cfg, flagSet.Args(), nil
}

// applyEnvOverrides applies the DOMAIN_SERVER_CLIENT_SECRET and
// DOMAIN_SERVER_ACCESS_TOKEN environment overrides.
// DOMAIN_SERVER_KEY_PASSPHRASE is not read here or anywhere else:
// internal/domainkey stores its Ed25519 keys without a passphrase.
func applyEnvOverrides(cfg *config) {
	if v := os.Getenv("DOMAIN_SERVER_CLIENT_SECRET"); v != "" {
		cfg.oauthClientSecret = v
	}
	if v := os.Getenv("DOMAIN_SERVER_ACCESS_TOKEN"); v != "" {
		cfg.accessToken = v
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `domain-server — runs one Hifi Domain Controller.

Binds the packet UDP socket and the HTTP control surface, loads the
layered settings tree and the entities file, and heartbeats both the
metaverse and the configured ICE server.

Usage: domain-server [flags]

Flags:
`)
	flagSet.PrintDefaults()
}
