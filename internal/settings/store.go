// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

// Package settings implements the layered Settings Tree from spec.md
// §4.6: defaults ⊕ persisted file ⊕ command-line overrides, read
// through a keypath accessor and written through a recursive merge
// that persists to disk and notifies subscribers.
//
// The persisted layer is JSON-with-comments (parsed via tidwall/jsonc,
// which strips `//`/`/* */` comments and trailing commas before
// handing valid JSON to encoding/json) so operators can annotate their
// domain-settings.json the way the teacher's config files are
// annotated, even though the wire format on disk is plain JSON.
package settings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tidwall/jsonc"
)

// Store owns the layered settings tree. All reads and writes are
// serialized through mu; writes additionally persist the file layer to
// disk via write-to-temp-then-rename (spec.md §5's rule for the
// settings file) and notify subscribers after the merge is recomputed.
type Store struct {
	mu sync.RWMutex

	path string

	defaults  map[string]any
	file      map[string]any
	overrides map[string]any
	merged    map[string]any

	subscribers []func()

	logger *slog.Logger
}

// Config configures a new Store.
type Config struct {
	// Path is the settings file on disk. Created on first write if it
	// does not exist; read at construction if it does.
	Path string

	// Defaults is the lowest-precedence layer — always present so
	// every keypath has a sensible value even on a bare installation.
	Defaults map[string]any

	// Overrides is the highest-precedence layer, populated from CLI
	// flags and environment variables at startup. Never persisted.
	Overrides map[string]any

	Logger *slog.Logger
}

// Open loads the file layer (if present) and computes the initial
// merge.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Store{
		path:      cfg.Path,
		defaults:  deepCopyMap(cfg.Defaults),
		overrides: deepCopyMap(cfg.Overrides),
		file:      map[string]any{},
		logger:    cfg.Logger,
	}
	if s.defaults == nil {
		s.defaults = map[string]any{}
	}
	if s.overrides == nil {
		s.overrides = map[string]any{}
	}

	if cfg.Path != "" {
		data, err := os.ReadFile(cfg.Path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("settings: reading %s: %w", cfg.Path, err)
			}
		} else {
			var parsed map[string]any
			if err := json.Unmarshal(jsonc.ToJSON(data), &parsed); err != nil {
				return nil, fmt.Errorf("settings: parsing %s: %w", cfg.Path, err)
			}
			s.file = parsed
		}
	}

	s.recompute()
	return s, nil
}

// recompute rebuilds the merged view. Callers must hold mu.
func (s *Store) recompute() {
	merged := deepCopyMap(s.defaults)
	mergeInto(merged, s.file)
	mergeInto(merged, s.overrides)
	s.merged = merged
}

// Get returns the value at the given dotted keypath ("a.b.c"), reading
// from the top-most layer that defines it, and whether it was found.
func (s *Store) Get(keypath string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookup(s.merged, keypath)
}

// GetString is a typed convenience wrapper over Get.
func (s *Store) GetString(keypath, fallback string) string {
	if v, ok := s.Get(keypath); ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return fallback
}

// GetBool is a typed convenience wrapper over Get.
func (s *Store) GetBool(keypath string, fallback bool) bool {
	if v, ok := s.Get(keypath); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// GetFloat is a typed convenience wrapper over Get. JSON numbers decode
// as float64 via encoding/json, which every numeric keypath (capacity,
// interval seconds, …) goes through.
func (s *Store) GetFloat(keypath string, fallback float64) float64 {
	if v, ok := s.Get(keypath); ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return fallback
}

// GetSlice is a typed convenience wrapper over Get for JSON arrays.
func (s *Store) GetSlice(keypath string) []any {
	if v, ok := s.Get(keypath); ok {
		if slice, ok := v.([]any); ok {
			return slice
		}
	}
	return nil
}

// Subscribe registers fn to be called (without the store lock held)
// after every successful RecurseAndOverwrite. Matches spec.md §4.6:
// "Subscribers (Gatekeeper for permissions, Registry for
// replicated-users set, heartbeat engines for automatic-networking
// mode) reload."
func (s *Store) Subscribe(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// RecurseAndOverwrite depth-first merges patch into the persisted file
// layer, writes the file layer through to disk, recomputes the merged
// view, and notifies subscribers. Matches spec.md §4.6.
func (s *Store) RecurseAndOverwrite(patch map[string]any) error {
	s.mu.Lock()
	mergeInto(s.file, patch)
	s.recompute()
	fileCopy := deepCopyMap(s.file)
	path := s.path
	subscribers := append([]func(){}, s.subscribers...)
	s.mu.Unlock()

	if path != "" {
		if err := writeFileAtomic(path, fileCopy); err != nil {
			return fmt.Errorf("settings: persisting %s: %w", path, err)
		}
	}

	for _, fn := range subscribers {
		fn()
	}
	return nil
}

// Snapshot returns a deep copy of the merged settings tree, suitable
// for the HTTP control surface's settings dump and for computing
// permission vectors deterministically (spec.md §8 invariant 4).
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.merged)
}

func writeFileAtomic(path string, data map[string]any) error {
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}
	encoded = append(encoded, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return fmt.Errorf("writing temporary settings file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming settings file into place: %w", err)
	}
	return nil
}

// lookup resolves a dotted keypath against a nested map[string]any
// tree produced by JSON unmarshaling.
func lookup(tree map[string]any, keypath string) (any, bool) {
	parts := strings.Split(keypath, ".")
	var cur any = tree
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// mergeInto recursively merges src into dst. Maps are merged key by
// key; any other value (including slices) in src replaces the value in
// dst wholesale — matching the JSON-patch semantics spec.md §4.6
// describes ("recursive merges").
func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		if srcMap, ok := v.(map[string]any); ok {
			if dstMap, ok := dst[k].(map[string]any); ok {
				mergeInto(dstMap, srcMap)
				continue
			}
			dst[k] = deepCopyMap(srcMap)
			continue
		}
		dst[k] = v
	}
}

func deepCopyMap(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		if m, ok := v.(map[string]any); ok {
			dst[k] = deepCopyMap(m)
			continue
		}
		dst[k] = v
	}
	return dst
}
