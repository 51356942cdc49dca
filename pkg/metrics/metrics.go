// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus instrumentation for the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the protocol engine.
type Metrics struct {
	// TransactionsProcessed counts processed transactions by endpoint
	// and outcome (success, rejected, error).
	TransactionsProcessed *prometheus.CounterVec

	// TokensIssued counts issued tokens by token type.
	TokensIssued *prometheus.CounterVec

	// TransactionDuration observes end-to-end transaction latency.
	TransactionDuration *prometheus.HistogramVec
}

// New creates and registers the collectors on the default registerer.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates the collectors on a specific registerer, which lets
// tests use an isolated registry.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TransactionsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authframe_transactions_total",
			Help: "Total protocol transactions processed, by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		TokensIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authframe_tokens_issued_total",
			Help: "Total tokens issued, by token type.",
		}, []string{"type"}),
		TransactionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authframe_transaction_duration_seconds",
			Help:    "End-to-end transaction processing latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
}
