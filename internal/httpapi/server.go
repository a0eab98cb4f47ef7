// Copyright 2026 The Hifi Domain Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi implements the HTTP control surface from spec.md
// §4.7: the registry/assignment/backup/content management routes, the
// restart endpoint, the metaverse reverse proxy, and (SPEC_FULL.md's
// ambient-stack expansion) Prometheus metrics and a liveness probe.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server serves the control surface HTTP routes on a TCP listener.
// Lifecycle mirrors the teacher's HTTPServer: bind early, signal
// readiness, serve until ctx is cancelled, then drain in-flight
// requests within a shutdown deadline.
type Server struct {
	address         string
	handler         http.Handler
	logger          *slog.Logger
	shutdownTimeout time.Duration

	ready chan struct{}
	addr  net.Addr
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address is the TCP listen address, e.g. "127.0.0.1:40100".
	Address string
	Handler http.Handler
	Logger  *slog.Logger

	// ShutdownTimeout bounds how long Serve waits for in-flight
	// requests to finish after ctx is cancelled. Defaults to 10s.
	ShutdownTimeout time.Duration
}

// NewServer constructs a Server. Panics on a missing Address, Handler,
// or Logger — each is required for the server to do anything useful.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Address == "" {
		panic("httpapi.Server: Address is required")
	}
	if cfg.Handler == nil {
		panic("httpapi.Server: Handler is required")
	}
	if cfg.Logger == nil {
		panic("httpapi.Server: Logger is required")
	}
	timeout := cfg.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Server{
		address:         cfg.Address,
		handler:         cfg.Handler,
		logger:          cfg.Logger,
		shutdownTimeout: timeout,
		ready:           make(chan struct{}),
	}
}

// Ready returns a channel closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the resolved listen address. Only valid after Ready.
func (s *Server) Addr() net.Addr { return s.addr }

// Serve accepts connections until ctx is cancelled, then drains
// in-flight requests for up to ShutdownTimeout before returning.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("httpapi: listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second, // backup downloads can be large
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("control surface listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("control surface shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("control surface shutdown error", "error", err)
		return fmt.Errorf("httpapi: shutdown: %w", err)
	}
	s.logger.Info("control surface stopped")
	return nil
}

// ServeTLS is Serve's counterpart for spec.md §4.7's second, optional
// HTTPS listener: same bind/serve/drain lifecycle, but terminating TLS
// with the given certificate and key before handing off to the same
// handler as the plain listener.
func (s *Server) ServeTLS(ctx context.Context, certFile, keyFile string) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("httpapi: listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("TLS control surface listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.ServeTLS(listener, certFile, keyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("TLS control surface shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("TLS control surface shutdown error", "error", err)
		return fmt.Errorf("httpapi: TLS shutdown: %w", err)
	}
	s.logger.Info("TLS control surface stopped")
	return nil
}
