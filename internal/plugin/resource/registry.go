// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package resource

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/samber/oops"
)

// Provider produces the value of a host resource for one execution.
type Provider interface {
	Resolve(ctx context.Context) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (string, error)

// Resolve calls f.
func (f ProviderFunc) Resolve(ctx context.Context) (string, error) { return f(ctx) }

// Value is a Provider returning a fixed string.
type Value string

// Resolve returns v.
func (v Value) Resolve(context.Context) (string, error) { return string(v), nil }

// Registry holds the host resources and the allow-list guarding them.
// Registry is safe for concurrent use.
type Registry struct {
	allow  *AllowList
	logger *slog.Logger

	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry shared through allow.
func NewRegistry(allow *AllowList, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		allow:     allow,
		logger:    logger,
		providers: make(map[string]Provider),
	}
}

// Register adds or replaces a resource.
func (r *Registry) Register(name string, p Provider) error {
	if name == "" {
		return oops.Code("INVALID_RESOURCE").Errorf("resource name cannot be empty")
	}
	if p == nil {
		return oops.Code("INVALID_RESOURCE").With("resource", name).Errorf("provider cannot be nil")
	}
	r.mu.Lock()
	r.providers[name] = p
	r.mu.Unlock()
	return nil
}

// Names returns the registered resource names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.providers))
}

// Shared returns the registered names plugins may resolve, sorted.
func (r *Registry) Shared() []string {
	var out []string
	for _, name := range r.Names() {
		if r.allow.Allowed(name) {
			out = append(out, name)
		}
	}
	return out
}

// Scope resolves every shared resource for one execution. Providers that
// fail are logged and left out of the scope.
func (r *Registry) Scope(ctx context.Context) *Scope {
	r.mu.RLock()
	providers := maps.Clone(r.providers)
	r.mu.RUnlock()

	values := make(map[string]string)
	for name, p := range providers {
		if !r.allow.Allowed(name) {
			continue
		}
		v, err := p.Resolve(ctx)
		if err != nil {
			r.logger.WarnContext(ctx, "resource resolution failed",
				"resource", name,
				"error", err)
			continue
		}
		values[name] = v
	}
	return &Scope{values: values}
}

// Scope is the set of resources resolved for a single execution.
type Scope struct {
	mu     sync.Mutex
	values map[string]string
}

// Values returns a copy of the resolved resources. Empty after Close.
func (s *Scope) Values() map[string]string {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.values)
}

// Lookup returns one resolved resource.
func (s *Scope) Lookup(name string) (string, bool) {
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	return v, ok
}

// Close discards the resolved values.
func (s *Scope) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.values = nil
	s.mu.Unlock()
}
