// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package plugin_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugrun/plugrun/internal/plugin"
	"github.com/plugrun/plugrun/pkg/errutil"
)

func TestParseManifest_Full(t *testing.T) {
	data := `{
  "entryPoint": "report",
  "packageId": "acme.report",
  "version": "2.1.0",
  "author": "Acme",
  "tags": ["nightly", "critical"],
  "description": "Nightly report"
}`
	m, err := plugin.ParseManifest([]byte(data))
	require.NoError(t, err)

	assert.Equal(t, "report", m.EntryPoint)
	assert.Equal(t, "acme.report", m.PackageID)
	assert.Equal(t, "2.1.0", m.Version)
	assert.Equal(t, "Acme", m.Author)
	assert.Equal(t, []string{"nightly", "critical"}, m.Tags)
	assert.Equal(t, "Nightly report", m.Description)
}

func TestParseManifest_Defaults(t *testing.T) {
	m, err := plugin.ParseManifest([]byte(`{"entryPoint": "report"}`))
	require.NoError(t, err)

	assert.Equal(t, plugin.DefaultManifestVersion, m.Version)
	assert.NotNil(t, m.Tags)
	assert.Empty(t, m.Tags)
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"not json", "entryPoint: report"},
		{"unknown field", `{"entry": "report"}`},
		{"tags not array", `{"tags": "critical"}`},
		{"duplicate tags", `{"tags": ["a", "a"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := plugin.ParseManifest([]byte(tt.data))
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, "INVALID_MANIFEST")
		})
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()

	m, err := plugin.LoadManifest(dir)
	require.NoError(t, err, "missing manifest is not an error")
	assert.Nil(t, m)

	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFileName),
		[]byte(`{"tags": ["critical"]}`), 0o600))
	m, err = plugin.LoadManifest(dir)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, []string{"critical"}, m.Tags)

	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFileName),
		[]byte(`{"tags": 1}`), 0o600))
	_, err = plugin.LoadManifest(dir)
	assert.Error(t, err)
}
