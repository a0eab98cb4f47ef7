// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joy-highfidelity/hifi/internal/assignment"
	"github.com/joy-highfidelity/hifi/internal/backup"
	"github.com/joy-highfidelity/hifi/internal/gatekeeper"
	"github.com/joy-highfidelity/hifi/internal/node"
	"github.com/joy-highfidelity/hifi/internal/wire"
	"github.com/joy-highfidelity/hifi/lib/clock"
)

// RegistryView is the subset of internal/node.Registry the control
// surface depends on.
type RegistryView interface {
	ForEach(filter func(*node.Node) bool, visit func(*node.Node))
	LookupByUUID(uuid wire.UUID) *node.Node
	Remove(uuid wire.UUID)
	Count(typ node.Type) int
}

// DenialHistory is the subset of internal/gatekeeper.Gatekeeper the
// node dump uses to explain recent rejections (SPEC_FULL.md §4.1
// expansion).
type DenialHistory interface {
	RecentDenials() []gatekeeper.DenialRecord
}

// AssignmentAPI is the subset of internal/assignment.Queue the control
// surface depends on.
type AssignmentAPI interface {
	Enqueue(a assignment.Assignment) *assignment.Assignment
	Snapshot() []assignment.Assignment
}

// BackupAPI is the subset of internal/backup.Engine the control
// surface depends on.
type BackupAPI interface {
	Archives() []backup.Archive
	Tick(now time.Time) ([]backup.Archive, error)
	Recover(id string) error
	Consolidate(id string) *backup.ConsolidationJob
}

// Restarter requests that the process exit with the reboot exit code,
// per spec.md §4.7's "GET /restart" (the supervising process restarts
// it — see cmd/domain-server).
type Restarter interface {
	Restart()
}

// MetaverseProxy forwards GET/PUT /api/domains and /api/places to the
// metaverse, per spec.md §4.7's authenticated reverse proxy route.
type MetaverseProxy interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Config wires the control surface's route table to the domain's
// components. Fields left nil disable the routes that depend on them
// (useful for tests exercising a subset of the surface).
type Config struct {
	DomainID string

	Registry   RegistryView
	Denials    DenialHistory
	Assignment AssignmentAPI
	Backup     BackupAPI
	Entities   EntitiesAPI
	Restart    Restarter
	Proxy      MetaverseProxy

	Auth Authenticator

	// Metrics, if non-nil, is exposed on GET /metrics. Owned and kept
	// up to date by the caller (internal/domain's Controller).
	Metrics *prometheus.Registry
	// Healthy reports startup completion for GET /healthz.
	Healthy func() bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// EntitiesAPI is the subset of internal/entities the content-upload
// route depends on for the atomic scene-swap path.
type EntitiesAPI interface {
	WriteReplace(payload []byte) error
}

// NewMux builds the full route table from spec.md §4.7, gated by the
// configured Authenticator on every route except GET /id, the OAuth
// callback, and (when Metrics is set) GET /metrics and GET /healthz.
func NewMux(cfg Config) *http.ServeMux {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Auth == nil {
		cfg.Auth = OpenAuthenticator{}
	}
	h := &handlers{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /id", h.getID) // unauthenticated

	if oauth, ok := cfg.Auth.(*OAuthAuthenticator); ok {
		mux.HandleFunc("GET /oauth", oauth.HandleCallback) // unauthenticated
	}

	mux.Handle("GET /nodes.json", authed(cfg.Auth, h.getNodes))
	mux.Handle("GET /nodes/{uuid}", authed(cfg.Auth, h.getNode))
	mux.Handle("DELETE /nodes/{uuid}/", authed(cfg.Auth, h.kickNode))
	mux.Handle("DELETE /nodes/", authed(cfg.Auth, h.kickAll))
	mux.Handle("GET /assignments.json", authed(cfg.Auth, h.getAssignments))
	mux.Handle("POST /assignment", authed(cfg.Auth, h.postAssignment))
	mux.Handle("POST /content/upload", authed(cfg.Auth, h.postContentUpload))
	mux.Handle("GET /api/backups", authed(cfg.Auth, h.listBackups))
	mux.Handle("POST /api/backups", authed(cfg.Auth, h.createBackup))
	mux.Handle("DELETE /api/backups/{id}", authed(cfg.Auth, h.deleteBackup))
	mux.Handle("GET /api/backups/download/{id}", authed(cfg.Auth, h.downloadBackup))
	mux.Handle("POST /api/backups/recover/{id}", authed(cfg.Auth, h.recoverBackup))
	mux.Handle("GET /restart", authed(cfg.Auth, h.restart))

	if cfg.Proxy != nil {
		mux.Handle("GET /api/domains", authed(cfg.Auth, cfg.Proxy.ServeHTTP))
		mux.Handle("PUT /api/domains", authed(cfg.Auth, cfg.Proxy.ServeHTTP))
		mux.Handle("GET /api/places", authed(cfg.Auth, cfg.Proxy.ServeHTTP))
		mux.Handle("PUT /api/places", authed(cfg.Auth, cfg.Proxy.ServeHTTP))
	}

	if cfg.Metrics != nil {
		RegisterObservability(mux, cfg.Metrics, cfg.Healthy)
	}

	return mux
}

// authed wraps a handler so it runs only once Authenticate lets the
// request through; Authenticate itself writes the denial response
// (redirect or 401) when it returns false.
func authed(a Authenticator, next func(http.ResponseWriter, *http.Request)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := a.Authenticate(w, r); !ok {
			return
		}
		next(w, r)
	})
}

type handlers struct {
	cfg Config
}

func (h *handlers) getID(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, h.cfg.DomainID)
}

type nodeView struct {
	UUID        string `json:"uuid"`
	Type        string `json:"type"`
	Public      string `json:"public"`
	Local       string `json:"local"`
	Permissions uint32 `json:"permissions"`
	PlaceName   string `json:"place_name,omitempty"`
	Version     string `json:"version,omitempty"`
}

func toNodeView(n *node.Node) nodeView {
	v := nodeView{
		UUID:        n.UUID.String(),
		Type:        n.Type.String(),
		Public:      n.Public.String(),
		Local:       n.Local.String(),
		Permissions: uint32(n.Permissions),
	}
	if n.Record != nil {
		v.PlaceName = n.Record.PlaceName
		v.Version = n.Record.Version
	}
	return v
}

type nodesDump struct {
	Nodes         []nodeView               `json:"nodes"`
	RecentDenials []gatekeeper.DenialRecord `json:"recent_denials,omitempty"`
}

func (h *handlers) getNodes(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Registry == nil {
		http.NotFound(w, r)
		return
	}
	var dump nodesDump
	h.cfg.Registry.ForEach(nil, func(n *node.Node) {
		dump.Nodes = append(dump.Nodes, toNodeView(n))
	})
	if h.cfg.Denials != nil {
		dump.RecentDenials = h.cfg.Denials.RecentDenials()
	}
	writeJSON(w, dump)
}

func (h *handlers) getNode(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Registry == nil {
		http.NotFound(w, r)
		return
	}
	id, err := uuid.Parse(strings.TrimSuffix(r.PathValue("uuid"), ".json"))
	if err != nil {
		http.Error(w, "bad uuid", http.StatusBadRequest)
		return
	}
	n := h.cfg.Registry.LookupByUUID(id)
	if n == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, toNodeView(n))
}

func (h *handlers) kickNode(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Registry == nil {
		http.NotFound(w, r)
		return
	}
	id, err := uuid.Parse(r.PathValue("uuid"))
	if err != nil {
		http.Error(w, "bad uuid", http.StatusBadRequest)
		return
	}
	h.cfg.Registry.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) kickAll(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Registry == nil {
		http.NotFound(w, r)
		return
	}
	var toKick []wire.UUID
	h.cfg.Registry.ForEach(nil, func(n *node.Node) {
		toKick = append(toKick, n.UUID)
	})
	for _, id := range toKick {
		h.cfg.Registry.Remove(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) getAssignments(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Assignment == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, h.cfg.Assignment.Snapshot())
}

type assignmentRequest struct {
	Count int       `json:"count"`
	Type  node.Type `json:"type"`
	Pool  string    `json:"pool"`
}

func (h *handlers) postAssignment(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Assignment == nil {
		http.NotFound(w, r)
		return
	}
	var req assignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	created := make([]assignment.Assignment, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		a := h.cfg.Assignment.Enqueue(assignment.Assignment{
			UUID:         wire.NewUUID(),
			Type:         req.Type,
			Pool:         req.Pool,
			Static:       false,
			ScriptOnDisk: true,
		})
		created = append(created, *a)
	}
	writeJSON(w, created)
}

func (h *handlers) postContentUpload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	name := r.URL.Query().Get("filename")
	switch {
	case strings.HasSuffix(name, ".json"), strings.HasSuffix(name, ".json.gz"):
		if h.cfg.Entities == nil {
			http.NotFound(w, r)
			return
		}
		if err := h.cfg.Entities.WriteReplace(body); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	case strings.HasSuffix(name, ".zip"):
		http.Error(w, "zip recovery uploads are not yet wired to a temp-file path", http.StatusNotImplemented)
		return
	default:
		http.Error(w, "unrecognized content upload filename", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) listBackups(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Backup == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, h.cfg.Backup.Archives())
}

func (h *handlers) createBackup(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Backup == nil {
		http.NotFound(w, r)
		return
	}
	created, err := h.cfg.Backup.Tick(h.cfg.Clock.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, created)
}

func (h *handlers) deleteBackup(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "manual deletion by id is not supported; pruning is automatic", http.StatusNotImplemented)
}

func (h *handlers) downloadBackup(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Backup == nil {
		http.NotFound(w, r)
		return
	}
	id := r.PathValue("id")
	job := h.cfg.Backup.Consolidate(id)
	for {
		state, path, err := job.State()
		if state == backup.JobInProgress {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.ServeFile(w, r, path)
		return
	}
}

func (h *handlers) recoverBackup(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Backup == nil {
		http.NotFound(w, r)
		return
	}
	id := r.PathValue("id")
	if err := h.cfg.Backup.Recover(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) restart(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Restart == nil {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	h.cfg.Restart.Restart()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
