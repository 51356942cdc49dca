// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server is the protocol processing engine: the per-request
// transaction, the context family dispatched through the handler
// pipeline, and the options state machine that derives the server's
// operational configuration.
package server

import (
	"log/slog"
	"sync"

	"github.com/stacklok/authframe/pkg/oauth"
	"github.com/stacklok/authframe/pkg/server/dispatch"
	"github.com/stacklok/authframe/pkg/storage"
)

// Localizer resolves operator-provided message resources. The host may
// plug in localized catalogs; the core only ever calls Localize.
type Localizer interface {
	Localize(key string, args ...any) string
}

// PassthroughLocalizer returns message keys without translation.
type PassthroughLocalizer struct{}

// Localize implements Localizer by returning the key unchanged; args are
// not applied.
func (PassthroughLocalizer) Localize(key string, args ...any) string {
	if len(args) == 0 {
		return key
	}
	return key // untranslated catalogs ignore args; hosts may do better
}

// Transaction is the per-request state bag. It lives exactly one request
// and is threaded through every context dispatched for that request.
type Transaction struct {
	// Endpoint is the endpoint the host matched the request to.
	Endpoint oauth.Endpoint

	// Request is the parsed parameter bag, set by the extract phase.
	Request *oauth.Request

	// Response is the parameter bag the apply phase emits from.
	Response *oauth.Response

	// Options is the resolved configuration snapshot.
	Options *Options

	// Stores is the persistence surface for this request.
	Stores *storage.Stores

	// Dispatcher re-enters the pipeline for child contexts.
	Dispatcher *dispatch.Dispatcher

	Logger    *slog.Logger
	Localizer Localizer

	scope *dispatch.Scope

	mu         sync.RWMutex
	properties map[string]any
}

// NewTransaction builds a transaction for one request.
func NewTransaction(endpoint oauth.Endpoint, options *Options, stores *storage.Stores, dispatcher *dispatch.Dispatcher, log *slog.Logger) *Transaction {
	if log == nil {
		log = slog.Default()
	}
	return &Transaction{
		Endpoint:   endpoint,
		Options:    options,
		Stores:     stores,
		Dispatcher: dispatcher,
		Logger:     log,
		Localizer:  PassthroughLocalizer{},
		scope:      dispatch.NewScope(),
		properties: make(map[string]any),
	}
}

// Scope returns the per-transaction service scope. The scope owns the
// handler instances resolved for scoped descriptors and is dropped with
// the transaction.
func (t *Transaction) Scope() *dispatch.Scope {
	return t.scope
}

// SetProperty stores a handler-to-handler communication value. A nil
// value removes the property.
func (t *Transaction) SetProperty(name string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if value == nil {
		delete(t.properties, name)
		return
	}
	t.properties[name] = value
}

// Property returns a handler-to-handler communication value.
func (t *Transaction) Property(name string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.properties[name]
	return v, ok
}
