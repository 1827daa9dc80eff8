// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

// Package pluginsdk is the contract between the plugrun host and its plugins.
//
// A plugin exposes Metadata and a Module. A Module may also implement
// Lifecycle; the host checks for that capability on every execution and
// calls the hooks only when present.
package pluginsdk

import (
	"context"
	"strings"
)

// Metadata describes a plugin. Name and Version form its identity.
type Metadata struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Author      string   `json:"author,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// ID returns the plugin identity key "name@version".
func (m Metadata) ID() string {
	return m.Name + "@" + m.Version
}

// HasTag reports whether the metadata carries tag, ignoring case.
func (m Metadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Module is the unit of work a plugin provides. The host creates a fresh
// Module for every execution and never reuses one across calls.
type Module interface {
	Execute(ctx context.Context, pc *Context) error
}

// Lifecycle is an optional capability of a Module.
//
// OnLoad runs before Execute and OnUnload after it. OnError runs when any
// step of the sequence failed; its own error is only logged by the host.
type Lifecycle interface {
	OnLoad(ctx context.Context, pc *Context) error
	OnUnload(ctx context.Context, pc *Context) error
	OnError(ctx context.Context, pc *Context, err error) error
}

// NopLifecycle can be embedded to implement only some Lifecycle hooks.
type NopLifecycle struct{}

// OnLoad does nothing.
func (NopLifecycle) OnLoad(context.Context, *Context) error { return nil }

// OnUnload does nothing.
func (NopLifecycle) OnUnload(context.Context, *Context) error { return nil }

// OnError does nothing.
func (NopLifecycle) OnError(context.Context, *Context, error) error { return nil }

// ModuleFunc adapts a function to the Module interface.
type ModuleFunc func(ctx context.Context, pc *Context) error

// Execute calls f.
func (f ModuleFunc) Execute(ctx context.Context, pc *Context) error {
	return f(ctx, pc)
}
