// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

// Package resource controls which host resources plugins may resolve.
//
// Resource names are dotted paths such as "db.main" or "cache.sessions".
// Pattern matching uses gobwas/glob with '.' as the segment separator:
//   - '*' matches a single segment (does not cross '.')
//   - '**' matches zero or more segments (crosses '.')
//
// Examples:
//   - "db.*" matches "db.main" but NOT "db.main.replica"
//   - "db.**" matches both "db.main" AND "db.main.replica"
//   - "**" shares every resource
package resource

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

type compiledPattern struct {
	pattern string
	glob    glob.Glob
}

// AllowList is the set of resource patterns shared with plugins.
// An AllowList is immutable after construction; the zero value denies all.
type AllowList struct {
	patterns []compiledPattern
}

// NewAllowList compiles patterns. Empty or malformed patterns are rejected
// and no AllowList is returned.
func NewAllowList(patterns []string) (*AllowList, error) {
	compiled := make([]compiledPattern, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			return nil, oops.Code("INVALID_RESOURCE_PATTERN").
				With("index", i).
				Errorf("empty resource pattern")
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, oops.Code("INVALID_RESOURCE_PATTERN").
				With("index", i).
				With("pattern", pattern).
				Wrap(fmt.Errorf("compile pattern: %w", err))
		}
		compiled[i] = compiledPattern{pattern: pattern, glob: g}
	}
	return &AllowList{patterns: compiled}, nil
}

// Patterns returns a copy of the source patterns.
func (a *AllowList) Patterns() []string {
	if a == nil {
		return nil
	}
	out := make([]string, len(a.patterns))
	for i, p := range a.patterns {
		out[i] = p.pattern
	}
	return out
}

// Allowed reports whether name may be resolved by plugins.
// Empty names and a nil AllowList deny.
func (a *AllowList) Allowed(name string) bool {
	if a == nil || name == "" {
		return false
	}
	for _, p := range a.patterns {
		if p.glob.Match(name) {
			return true
		}
	}
	return false
}
