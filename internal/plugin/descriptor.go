// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package plugin

import (
	"slices"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"

	"github.com/plugrun/plugrun/pkg/pluginsdk"
)

// State is the lifecycle position of a loaded plugin. Completed and
// Faulted are not terminal; the next execution moves the plugin back to
// Executing.
type State int

// Plugin states.
const (
	StateLoaded State = iota
	StateExecuting
	StateCompleted
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "Loaded"
	case StateExecuting:
		return "Executing"
	case StateCompleted:
		return "Completed"
	case StateFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateLoaded, StateExecuting, StateCompleted, StateFaulted} {
		if string(text) == st.String() {
			*s = st
			return nil
		}
	}
	return oops.Code("INVALID_STATE").With("state", string(text)).Errorf("unknown plugin state")
}

// Descriptor is a snapshot of one loaded plugin. Callers always receive
// copies; the manager owns the live value.
type Descriptor struct {
	ID         string             `json:"id"`
	BinaryPath string             `json:"binary_path"`
	LoadedAt   time.Time          `json:"loaded_at"`
	Metadata   pluginsdk.Metadata `json:"metadata"`
	Manifest   *Manifest          `json:"manifest,omitempty"`
	State      State              `json:"state"`

	binary Binary
}

// Critical reports whether the manifest tags the plugin critical.
func (d Descriptor) Critical() bool {
	return d.Manifest != nil && slices.Contains(d.Manifest.Tags, CriticalTag)
}

// Result is the outcome of one execution attempt.
type Result struct {
	Succeeded  bool          `json:"succeeded"`
	PluginName string        `json:"plugin_name"`
	PluginID   string        `json:"plugin_id"`
	Duration   time.Duration `json:"duration"`
	Payload    string        `json:"payload,omitempty"`
	Err        error         `json:"-"`
}

// Error returns the failure text, or the empty string on success.
func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Filter selects plugins by metadata. The zero value matches every plugin.
type Filter struct {
	// Tags matches when any tag is shared with the plugin, ignoring case.
	Tags []string
	// Version is an exact, case-insensitive version, or a semver
	// constraint such as "^1.2" or ">= 2.0, < 3".
	Version string
	// Predicate is an arbitrary extra condition.
	Predicate func(pluginsdk.Metadata) bool
}

// Matches reports whether md satisfies every set criterion.
func (f Filter) Matches(md pluginsdk.Metadata) bool {
	if len(f.Tags) > 0 && !slices.ContainsFunc(f.Tags, md.HasTag) {
		return false
	}
	if f.Version != "" && !versionMatches(f.Version, md.Version) {
		return false
	}
	if f.Predicate != nil && !f.Predicate(md) {
		return false
	}
	return true
}

func versionMatches(want, have string) bool {
	if strings.EqualFold(want, have) {
		return true
	}
	c, err := semver.NewConstraint(want)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(have)
	if err != nil {
		return false
	}
	return c.Check(v)
}
