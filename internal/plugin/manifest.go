// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

// Package plugin loads, tracks and executes plugins.
package plugin

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

// ManifestFileName is the optional manifest placed beside plugin binaries.
const ManifestFileName = "PluginManifest.json"

// CriticalTag marks plugins whose failures are escalated.
const CriticalTag = "critical"

// DefaultManifestVersion applies when a manifest omits its version.
const DefaultManifestVersion = "1.0.0"

// Manifest is the optional packaging information shipped with a plugin.
type Manifest struct {
	EntryPoint  string   `json:"entryPoint,omitempty" yaml:"entryPoint,omitempty" jsonschema:"description=Binary or script the manifest belongs to"`
	PackageID   string   `json:"packageId,omitempty" yaml:"packageId,omitempty" jsonschema:"maxLength=128,description=Package identifier"`
	Version     string   `json:"version,omitempty" yaml:"version,omitempty" jsonschema:"default=1.0.0,description=Package version"`
	Author      string   `json:"author,omitempty" yaml:"author,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty" jsonschema:"uniqueItems=true,description=Tags such as critical"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// ParseManifest validates data against the manifest schema and decodes it,
// applying defaults for version and tags.
func ParseManifest(data []byte) (*Manifest, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, oops.Code("INVALID_MANIFEST").Wrap(err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, oops.Code("INVALID_MANIFEST").Wrapf(err, "decode manifest")
	}
	if m.Version == "" {
		m.Version = DefaultManifestVersion
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	return &m, nil
}

// LoadManifest reads the manifest in dir. A missing manifest returns nil
// without error.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFileName)
	data, err := os.ReadFile(path) //nolint:gosec // path is built from the plugin directory
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.With("path", path).Wrapf(err, "read manifest")
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, oops.With("path", path).Wrap(err)
	}
	return m, nil
}
