// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

// Package domainkey owns the domain's Ed25519 keypair: the private
// half lives in an mlock'd secret.Buffer for the process lifetime, and
// is regenerated whenever the ICE heartbeat engine reports three
// consecutive denials (spec.md §4.4).
package domainkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/joy-highfidelity/hifi/lib/secret"
)

const (
	privateKeyFile = "domain-key"
	publicKeyFile  = "domain-key.pub"
)

// Keypair holds the domain's current signing identity. Public is an
// ordinary byte slice (it's, well, public); Private lives behind a
// secret.Buffer so it never touches swap or a core dump.
type Keypair struct {
	mu      sync.Mutex
	stateDir string
	public  ed25519.PublicKey
	private *secret.Buffer
}

// Generate creates a new Ed25519 keypair and persists it to stateDir,
// overwriting any existing keypair files. The private key file is
// written with 0600 permissions.
func Generate(stateDir string) (*Keypair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("domainkey: generating Ed25519 keypair: %w", err)
	}

	if err := save(stateDir, public, private); err != nil {
		return nil, err
	}

	buf, err := secret.NewFromBytes(append([]byte(nil), private...))
	if err != nil {
		return nil, fmt.Errorf("domainkey: protecting private key: %w", err)
	}

	return &Keypair{stateDir: stateDir, public: public, private: buf}, nil
}

// LoadOrGenerate loads the keypair at stateDir if present, or
// generates and persists a new one otherwise. Mirrors the teacher's
// servicetoken.LoadOrGenerateKeypair pattern.
func LoadOrGenerate(stateDir string) (*Keypair, bool, error) {
	privatePath := filepath.Join(stateDir, privateKeyFile)
	publicPath := filepath.Join(stateDir, publicKeyFile)

	privateBytes, errPriv := os.ReadFile(privatePath)
	publicBytes, errPub := os.ReadFile(publicPath)

	if errPriv == nil && errPub == nil {
		if len(privateBytes) != ed25519.PrivateKeySize {
			return nil, false, fmt.Errorf("domainkey: private key has %d bytes, want %d", len(privateBytes), ed25519.PrivateKeySize)
		}
		if len(publicBytes) != ed25519.PublicKeySize {
			return nil, false, fmt.Errorf("domainkey: public key has %d bytes, want %d", len(publicBytes), ed25519.PublicKeySize)
		}
		buf, err := secret.NewFromBytes(privateBytes)
		if err != nil {
			return nil, false, fmt.Errorf("domainkey: protecting private key: %w", err)
		}
		return &Keypair{stateDir: stateDir, public: ed25519.PublicKey(publicBytes), private: buf}, false, nil
	}

	if !os.IsNotExist(errPriv) && errPriv != nil {
		return nil, false, fmt.Errorf("domainkey: reading private key: %w", errPriv)
	}

	kp, err := Generate(stateDir)
	if err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

func save(stateDir string, public ed25519.PublicKey, private ed25519.PrivateKey) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("domainkey: creating state directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, privateKeyFile), private, 0o600); err != nil {
		return fmt.Errorf("domainkey: writing private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, publicKeyFile), public, 0o644); err != nil {
		return fmt.Errorf("domainkey: writing public key: %w", err)
	}
	return nil
}

// Public returns the current public key.
func (k *Keypair) Public() ed25519.PublicKey {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.public
}

// Sign signs message with the current private key.
func (k *Keypair) Sign(message []byte) []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	return ed25519.Sign(ed25519.PrivateKey(k.private.Bytes()), message)
}

// Regenerate discards the current keypair and generates + persists a
// fresh one, closing the old secret buffer. Called by the ICE
// heartbeat engine after three consecutive denials (spec.md §4.4).
func (k *Keypair) Regenerate() error {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("domainkey: generating Ed25519 keypair: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if err := save(k.stateDir, public, private); err != nil {
		return err
	}

	buf, err := secret.NewFromBytes(append([]byte(nil), private...))
	if err != nil {
		return fmt.Errorf("domainkey: protecting regenerated private key: %w", err)
	}

	old := k.private
	k.public = public
	k.private = buf
	if old != nil {
		old.Close()
	}
	return nil
}

// Close releases the secret buffer backing the private key.
func (k *Keypair) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.private == nil {
		return nil
	}
	return k.private.Close()
}
