// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

// Package trigger carries execution requests from operators and message
// transports to the orchestrator.
package trigger

// Source identifies where a trigger event came from.
type Source int

// Trigger sources.
const (
	SourceUnknown Source = iota
	SourceManual
	SourceRedis
	SourceKafka
	SourceServiceBus
)

// String returns the source name.
func (s Source) String() string {
	switch s {
	case SourceManual:
		return "manual"
	case SourceRedis:
		return "redis"
	case SourceKafka:
		return "kafka"
	case SourceServiceBus:
		return "servicebus"
	default:
		return "unknown"
	}
}

// Event asks for an execution. PluginID targets one plugin and takes
// precedence over Tags; an event with neither is dropped by consumers.
type Event struct {
	Source   Source
	PluginID string
	Tags     []string
	Payload  string
}
