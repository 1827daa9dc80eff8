// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

// Command echo is a sample plugin executable. It outputs the request
// payload, prefixed with the configured "prefix" setting.
//
// Build it into the plugin root:
//
//	go build -o "$XDG_DATA_HOME/plugrun/plugins/echo/echo" ./plugins/echo
//
// and optionally copy PluginManifest.json next to the binary.
package main

import (
	"context"
	"strings"

	"github.com/samber/oops"

	"github.com/plugrun/plugrun/pkg/pluginsdk"
)

// echo counts its invocations to show that every execution gets a fresh
// module.
type echo struct {
	pluginsdk.NopLifecycle
	calls int
}

func (e *echo) OnLoad(_ context.Context, pc *pluginsdk.Context) error {
	pc.Logger().Debug("echo loading", "correlation_id", pc.Request().CorrelationID)
	return nil
}

func (e *echo) Execute(_ context.Context, pc *pluginsdk.Context) error {
	e.calls++
	payload, _ := pc.Request().Property("payload")
	if strings.EqualFold(payload, "fail") {
		return oops.Code("ECHO_REQUESTED_FAILURE").Errorf("failure requested by payload")
	}
	prefix, _ := pc.Config("prefix")
	pc.SetOutput(prefix + payload)
	return nil
}

func (e *echo) OnError(_ context.Context, pc *pluginsdk.Context, err error) error {
	pc.Logger().Warn("echo failed", "error", err, "calls", e.calls)
	return nil
}

func main() {
	pluginsdk.Serve(&pluginsdk.ServeConfig{
		Metadata: pluginsdk.Metadata{
			Name:        "echo",
			Version:     "1.0.0",
			Author:      "Plugrun Contributors",
			Description: "Echoes the request payload",
			Tags:        []string{"sample", "echo"},
		},
		New: func() pluginsdk.Module { return &echo{} },
	})
}
