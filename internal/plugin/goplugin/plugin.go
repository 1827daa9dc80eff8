// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package goplugin

import (
	hashiplug "github.com/hashicorp/go-plugin"

	"github.com/plugrun/plugrun/pkg/pluginsdk"
)

// HandshakeConfig is imported from pluginsdk to ensure host and plugins
// use identical configuration. Do not define locally to prevent drift.
var HandshakeConfig = pluginsdk.HandshakeConfig

// PluginMap is the map of plugins the host can dispense.
var PluginMap = map[string]hashiplug.Plugin{
	pluginsdk.PluginName: &pluginsdk.GRPCPlugin{},
}
