// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package orchestrator

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/oops"
)

// Schedule runs plugins periodically. PluginID takes precedence over Tags.
// Interval drives timing when set, otherwise Cron; with neither the
// schedule is inert.
type Schedule struct {
	PluginID    string        `koanf:"plugin_id" yaml:"plugin_id,omitempty"`
	Tags        []string      `koanf:"tags" yaml:"tags,omitempty"`
	Cron        string        `koanf:"cron" yaml:"cron,omitempty"`
	Interval    time.Duration `koanf:"interval" yaml:"interval,omitempty"`
	Enabled     bool          `koanf:"enabled" yaml:"enabled"`
	Description string        `koanf:"description" yaml:"description,omitempty"`
}

// Kind reports what drives the schedule: "interval", "cron" or "".
func (s Schedule) Kind() string {
	switch {
	case s.Interval > 0:
		return "interval"
	case s.Cron != "":
		return "cron"
	default:
		return ""
	}
}

// Label names the schedule in logs and in the request's schedule property.
func (s Schedule) Label() string {
	if s.Description != "" {
		return s.Description
	}
	return s.Kind()
}

// Target names what the schedule runs, for logs.
func (s Schedule) Target() []any {
	if s.PluginID != "" {
		return []any{"plugin", s.PluginID}
	}
	return []any{"tags", s.Tags}
}

// ParseCron parses a standard five-field cron expression. Descriptors
// such as @hourly and @every 1h are accepted.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, oops.Code("INVALID_CRON").With("cron", expr).Wrap(err)
	}
	return sched, nil
}

// Validate checks that an enabled schedule can run.
func (s Schedule) Validate() error {
	if !s.Enabled {
		return nil
	}
	if s.Interval < 0 {
		return oops.Code("INVALID_SCHEDULE").With("interval", s.Interval.String()).Errorf("interval must not be negative")
	}
	if s.Interval == 0 && s.Cron != "" {
		if _, err := ParseCron(s.Cron); err != nil {
			return err
		}
	}
	return nil
}
