// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package plugin

import (
	"context"
	"log/slog"
	"sync"
)

// Escalator acts on the failure of a plugin whose manifest is tagged
// critical.
type Escalator interface {
	Escalate(ctx context.Context, d Descriptor, res Result)
}

// EscalatorFunc adapts a function to Escalator.
type EscalatorFunc func(ctx context.Context, d Descriptor, res Result)

// Escalate calls f.
func (f EscalatorFunc) Escalate(ctx context.Context, d Descriptor, res Result) { f(ctx, d, res) }

// LogEscalator reports critical failures at error level and keeps a
// running total per plugin id, so a failing critical plugin shows up in
// logs even when debug output is off.
type LogEscalator struct {
	logger *slog.Logger

	mu       sync.Mutex
	failures map[string]int
}

// NewLogEscalator creates a LogEscalator.
func NewLogEscalator(logger *slog.Logger) *LogEscalator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEscalator{logger: logger, failures: make(map[string]int)}
}

// Escalate logs the failure with the plugin's total failure count. The
// count only grows; successful executions never reach the escalator.
func (e *LogEscalator) Escalate(ctx context.Context, d Descriptor, res Result) {
	e.mu.Lock()
	e.failures[d.ID]++
	n := e.failures[d.ID]
	e.mu.Unlock()

	e.logger.ErrorContext(ctx, "critical plugin failed",
		"plugin", d.ID,
		"path", d.BinaryPath,
		"failures", n,
		"error", res.Error())
}

// Failures returns the number of escalated failures recorded for id.
func (e *LogEscalator) Failures(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures[id]
}
