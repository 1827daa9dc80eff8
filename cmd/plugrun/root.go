// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/plugrun/plugrun/internal/config"
	"github.com/plugrun/plugrun/internal/control"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	socket     string
}

// NewRootCmd creates the root command for the plugrun CLI.
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "plugrun",
		Short: "plugrun - a plugin host runtime",
		Long: `plugrun loads plugins from a directory, runs them on demand, on
interval or cron schedules, or when trigger messages arrive from Redis,
Kafka or Azure Service Bus, and records every execution.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&g.configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/plugrun/config.yaml)")
	cmd.PersistentFlags().StringVar(&g.socket, "socket", "", "control socket of a running host")

	cmd.AddCommand(newRunCmd(g))
	cmd.AddCommand(newMigrateCmd(g))
	cmd.AddCommand(newSchemaCmd())
	cmd.AddCommand(newConfigCmd(g))
	cmd.AddCommand(newStatusCmd(g))
	cmd.AddCommand(newStopCmd(g))
	cmd.AddCommand(newPluginsCmd(g))
	cmd.AddCommand(newTriggerCmd(g))
	cmd.AddCommand(newLogsCmd(g))

	return cmd
}

// loadConfig reads the layered configuration for cmd.
func loadConfig(cmd *cobra.Command, g *globalFlags) (*config.Config, error) {
	return config.Load(config.Options{
		File:  g.configFile,
		Flags: cmd.Flags(),
	})
}

// controlClient connects to the running host's control socket. The
// --socket flag wins over configuration.
func controlClient(cmd *cobra.Command, g *globalFlags) (*control.Client, error) {
	if g.socket != "" {
		return control.NewClient(g.socket), nil
	}
	cfg, err := loadConfig(cmd, g)
	if err != nil {
		return nil, err
	}
	path := cfg.Control.Socket
	if path == "" {
		path = control.SocketPath()
	}
	return control.NewClient(path), nil
}
