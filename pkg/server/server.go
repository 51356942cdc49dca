// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/stacklok/authframe/pkg/metrics"
	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server/dispatch"
	"github.com/stacklok/authframe/pkg/storage"
)

// Server ties the resolved options, the handler registry and the
// persistence surface together. Hosts construct one transaction per
// request and hand it to ProcessRequest.
type Server struct {
	options    *Options
	stores     *storage.Stores
	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger injects the logger handed to transactions.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithMetrics injects the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// New resolves the options (when not already resolved), builds the
// handler registry from the descriptor set and returns the server.
// Configuration errors are fatal.
func New(options *Options, stores *storage.Stores, opts ...ServerOption) (*Server, error) {
	if !options.Resolved() {
		if err := options.Resolve(time.Now()); err != nil {
			return nil, err
		}
	}

	registry := dispatch.NewRegistry()
	registry.RegisterAll(options.Handlers...)

	s := &Server{
		options:    options,
		stores:     stores,
		registry:   registry,
		dispatcher: dispatch.NewDispatcher(registry),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Options returns the resolved configuration snapshot.
func (s *Server) Options() *Options { return s.options }

// Stores returns the persistence surface.
func (s *Server) Stores() *storage.Stores { return s.stores }

// Dispatcher returns the handler dispatcher for advanced hosts.
func (s *Server) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// NewTransaction builds the per-request state bag for an endpoint.
func (s *Server) NewTransaction(endpoint oauth.Endpoint) *Transaction {
	return NewTransaction(endpoint, s.options, s.stores, s.dispatcher, s.logger)
}

// ProcessRequest drives the transaction through the top-level pipeline.
// On return the transaction's response is populated (success or protocol
// error); a non-nil error reports an internal failure the host should
// surface as server_error, or the context's cancellation.
func (s *Server) ProcessRequest(ctx context.Context, txn *Transaction) error {
	start := time.Now()
	c := NewProcessRequestContext(txn)
	err := s.dispatcher.Dispatch(ctx, c)

	if s.metrics != nil {
		outcome := "success"
		switch {
		case err != nil:
			outcome = "error"
		case txn.Response != nil && txn.Response.IsError():
			outcome = "rejected"
		}
		s.metrics.TransactionsProcessed.WithLabelValues(string(txn.Endpoint), outcome).Inc()
		s.metrics.TransactionDuration.WithLabelValues(string(txn.Endpoint)).Observe(time.Since(start).Seconds())
	}
	return err
}
