// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package dispatch implements the per-request handler engine: descriptors
// bind a handler to a context kind with an order and a set of filters,
// the registry keeps the per-kind descriptor lists sorted, and the
// dispatcher walks a kind's handlers honoring the context control flags.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/stacklok/authframe/pkg/logger"
)

// Kind discriminates the context types handlers bind to.
type Kind string

// Context is the envelope handed to handlers. Implementations expose the
// control flags the dispatcher short-circuits on.
type Context interface {
	// Kind returns the context kind used to select handlers.
	Kind() Kind

	// IsRequestHandled reports that a handler fully formed the response;
	// the pipeline stops and the caller treats the dispatch as success.
	IsRequestHandled() bool

	// IsRequestSkipped reports that the request is not one this server
	// processes; the pipeline stops.
	IsRequestSkipped() bool

	// IsRejected reports a protocol rejection on validating contexts.
	// Non-validating contexts always return false.
	IsRejected() bool
}

// ScopedContext is implemented by contexts that carry a per-transaction
// service scope, enabling scoped handler resolution.
type ScopedContext interface {
	Context
	Scope() *Scope
}

// Handler is a unit of pipeline logic bound to exactly one context kind.
type Handler interface {
	Handle(ctx context.Context, c Context) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, c Context) error

// Handle invokes the function.
func (f HandlerFunc) Handle(ctx context.Context, c Context) error {
	return f(ctx, c)
}

// Filter is a named predicate evaluated before a handler runs. Every
// filter on a descriptor must accept for the handler to be invoked.
type Filter struct {
	// Name identifies the filter in configuration errors.
	Name string

	// Accept decides whether the handler runs for this context. A nil
	// Accept is a configuration error surfaced at dispatch time.
	Accept func(c Context) (bool, error)
}

// Lifetime governs how a descriptor's handler instance is resolved.
type Lifetime int

// Handler lifetimes.
const (
	// Singleton shares one handler instance across all transactions.
	Singleton Lifetime = iota

	// Scoped resolves a fresh instance per transaction from the scope
	// carried by the context.
	Scoped

	// Instance uses the pre-built object attached to the descriptor.
	Instance
)

// HandlerType distinguishes the built-in pipeline from user extensions.
type HandlerType int

// Handler types.
const (
	BuiltIn HandlerType = iota
	Custom
)

// Descriptor is the registration record for one handler.
type Descriptor struct {
	// Name identifies the handler in logs and errors.
	Name string

	// ContextKind is the context kind the handler binds to.
	ContextKind Kind

	// Order positions the handler within its kind. Orders are assigned
	// relative to neighbors (previous + 1000) so new handlers slot in
	// without renumbering.
	Order int

	Filters  []Filter
	Lifetime Lifetime
	Type     HandlerType

	// Handler is the instance for Singleton and Instance lifetimes.
	Handler Handler

	// New constructs a fresh handler for the Scoped lifetime.
	New func() Handler
}

// ErrFilterFailed reports a filter that raised or was missing; this is a
// configuration error, not a protocol rejection.
var ErrFilterFailed = errors.New("dispatch: filter evaluation failed")

// ErrNoHandler reports a descriptor with no resolvable handler instance.
var ErrNoHandler = errors.New("dispatch: descriptor has no handler")

// Registry holds the registered descriptors grouped and sorted by kind.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[Kind][]*Descriptor
	sorted      map[Kind]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[Kind][]*Descriptor),
		sorted:      make(map[Kind]bool),
	}
}

// Register appends a descriptor. Order collisions within a kind are
// logged but tolerated; ties keep insertion order.
func (r *Registry) Register(d *Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.descriptors[d.ContextKind] {
		if existing.Order == d.Order {
			logger.Warnw("handler order collision",
				"kind", string(d.ContextKind),
				"order", d.Order,
				"existing", existing.Name,
				"added", d.Name,
			)
			break
		}
	}
	r.descriptors[d.ContextKind] = append(r.descriptors[d.ContextKind], d)
	r.sorted[d.ContextKind] = false
}

// RegisterAll appends a batch of descriptors.
func (r *Registry) RegisterAll(descriptors ...*Descriptor) {
	for _, d := range descriptors {
		r.Register(d)
	}
}

// List returns the descriptors for a kind sorted by ascending order.
// The sort is stable, so equal orders resolve by insertion order.
func (r *Registry) List(kind Kind) []*Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sorted[kind] {
		sort.SliceStable(r.descriptors[kind], func(i, j int) bool {
			return r.descriptors[kind][i].Order < r.descriptors[kind][j].Order
		})
		r.sorted[kind] = true
	}
	return r.descriptors[kind]
}

// Kinds returns every kind with at least one descriptor.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.descriptors))
	for k := range r.descriptors {
		kinds = append(kinds, k)
	}
	return kinds
}

// Scope owns the per-transaction handler instances resolved for Scoped
// descriptors. It is carried by the transaction and dropped with it.
type Scope struct {
	mu        sync.Mutex
	instances map[*Descriptor]Handler
}

// NewScope returns an empty scope.
func NewScope() *Scope {
	return &Scope{instances: make(map[*Descriptor]Handler)}
}

func (s *Scope) resolve(d *Descriptor) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.instances[d]; ok {
		return h
	}
	if d.New == nil {
		return nil
	}
	h := d.New()
	s.instances[d] = h
	return h
}

// Dispatcher walks the sorted handlers for a context's kind. It holds no
// mutable state across calls and is safe for re-entrant use: handlers
// may dispatch child contexts through the same dispatcher.
type Dispatcher struct {
	registry *Registry
}

// NewDispatcher builds a dispatcher over a registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Dispatch invokes the handlers registered for c's kind in order.
//
// After each handler the control flags are inspected: a handled or
// skipped request stops the pipeline as success for the caller to
// interpret; a rejection stops it with the error details already on the
// context. Handler errors propagate to the caller after a debug log;
// there is no handler-local recovery. Cancellation is checked between
// handlers and surfaces as the context's error.
func (d *Dispatcher) Dispatch(ctx context.Context, c Context) error {
	for _, desc := range d.registry.List(c.Kind()) {
		if err := ctx.Err(); err != nil {
			return err
		}

		accepted, err := accept(desc, c)
		if err != nil {
			return err
		}
		if !accepted {
			continue
		}

		handler, err := resolve(desc, c)
		if err != nil {
			return err
		}

		if err := handler.Handle(ctx, c); err != nil {
			logger.Debugw("handler returned an error",
				"handler", desc.Name,
				"kind", string(c.Kind()),
				"error", err.Error(),
			)
			return err
		}

		if c.IsRequestHandled() || c.IsRequestSkipped() || c.IsRejected() {
			return nil
		}
	}
	return nil
}

func accept(d *Descriptor, c Context) (bool, error) {
	for _, f := range d.Filters {
		if f.Accept == nil {
			return false, fmt.Errorf("%w: filter %q on handler %q has no predicate",
				ErrFilterFailed, f.Name, d.Name)
		}
		ok, err := f.Accept(c)
		if err != nil {
			return false, fmt.Errorf("%w: filter %q on handler %q: %v",
				ErrFilterFailed, f.Name, d.Name, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func resolve(d *Descriptor, c Context) (Handler, error) {
	switch d.Lifetime {
	case Scoped:
		if sc, ok := c.(ScopedContext); ok && sc.Scope() != nil {
			if h := sc.Scope().resolve(d); h != nil {
				return h, nil
			}
		}
		return nil, fmt.Errorf("%w: scoped handler %q", ErrNoHandler, d.Name)
	default:
		if d.Handler == nil {
			return nil, fmt.Errorf("%w: handler %q", ErrNoHandler, d.Name)
		}
		return d.Handler, nil
	}
}
