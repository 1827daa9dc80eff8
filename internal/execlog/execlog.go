// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

// Package execlog records plugin execution history.
//
// Every execution writes one Record: inserted as Executing before the module
// runs, then updated to Completed or Faulted.
package execlog

import (
	"context"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status of an execution record.
type Status string

// Record statuses.
const (
	StatusExecuting Status = "Executing"
	StatusCompleted Status = "Completed"
	StatusFaulted   Status = "Faulted"
)

// DefaultRecentLimit is the number of records Recent returns when the
// caller asks for zero or fewer.
const DefaultRecentLimit = 50

// MaxRecentLimit bounds the number of records a single Recent call returns.
const MaxRecentLimit = 1000

// Record is one row of execution history.
type Record struct {
	ID            ulid.ULID  `json:"id"`
	PluginName    string     `json:"plugin_name"`
	Version       string     `json:"version"`
	Status        Status     `json:"status"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	OutputPayload string     `json:"output_payload,omitempty"`
	Error         string     `json:"error,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
}

// NewRecord returns an Executing record stamped with a fresh id.
func NewRecord(pluginName, version, correlationID string, tags []string, now time.Time) *Record {
	return &Record{
		ID:            ulid.Make(),
		PluginName:    pluginName,
		Version:       version,
		Status:        StatusExecuting,
		CorrelationID: correlationID,
		StartedAt:     now,
		Tags:          slices.Clone(tags),
	}
}

// Complete marks r Completed.
func (r *Record) Complete(output string, at time.Time) {
	r.Status = StatusCompleted
	r.OutputPayload = output
	r.CompletedAt = &at
}

// Fault marks r Faulted with the failure text.
func (r *Record) Fault(err error, at time.Time) {
	r.Status = StatusFaulted
	if err != nil {
		r.Error = err.Error()
	}
	r.CompletedAt = &at
}

// Sink persists execution records.
type Sink interface {
	Insert(ctx context.Context, r *Record) error
	Update(ctx context.Context, r *Record) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	return min(limit, MaxRecentLimit)
}
