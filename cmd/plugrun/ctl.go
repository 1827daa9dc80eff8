// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/plugrun/plugrun/internal/control"
	"github.com/plugrun/plugrun/internal/execlog"
	"github.com/plugrun/plugrun/internal/plugin"
)

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return oops.Wrapf(err, "marshal output")
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of the running host",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := controlClient(cmd, g)
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), st)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "STATUS\tPID\tUPTIME\tPLUGINS")
			state := "stopping"
			if st.Running {
				state = "running"
			}
			_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%d\n", state, st.PID, formatUptime(st.UptimeSeconds), st.Plugins)
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output status as JSON")
	return cmd
}

func newStopCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the running host to shut down",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := controlClient(cmd, g)
			if err != nil {
				return err
			}
			if err := client.Shutdown(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("Shutdown requested")
			return nil
		},
	}
}

func newPluginsCmd(g *globalFlags) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List and manage loaded plugins",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := controlClient(cmd, g)
			if err != nil {
				return err
			}
			list, err := client.Plugins(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), list)
			}
			return writePluginTable(cmd.OutOrStdout(), list)
		},
	}
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	var props []string
	exec := &cobra.Command{
		Use:   "exec ID",
		Short: "Execute one plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			properties, err := parseProperties(props)
			if err != nil {
				return err
			}
			client, err := controlClient(cmd, g)
			if err != nil {
				return err
			}
			res, err := client.Execute(cmd.Context(), args[0], properties)
			if err != nil {
				return err
			}
			return writeResults(cmd.OutOrStdout(), jsonOutput, []control.ExecutionResult{res})
		},
	}
	exec.Flags().StringArrayVarP(&props, "property", "p", nil, "request property as key=value (repeatable)")

	var tags []string
	execTags := &cobra.Command{
		Use:   "exec-tags",
		Short: "Execute every plugin sharing a tag",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := controlClient(cmd, g)
			if err != nil {
				return err
			}
			results, err := client.ExecuteByTags(cmd.Context(), tags)
			if err != nil {
				return err
			}
			return writeResults(cmd.OutOrStdout(), jsonOutput, results)
		},
	}
	execTags.Flags().StringSliceVarP(&tags, "tag", "t", nil, "tag to match (repeatable; none matches all)")

	load := &cobra.Command{
		Use:   "load PATH",
		Short: "Load a plugin file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient(cmd, g)
			if err != nil {
				return err
			}
			d, err := client.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmd.Printf("Loaded %s\n", d.ID)
			return nil
		},
	}

	reload := &cobra.Command{
		Use:   "reload ID",
		Short: "Reload a plugin from disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient(cmd, g)
			if err != nil {
				return err
			}
			if err := client.Reload(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("Reloaded %s\n", args[0])
			return nil
		},
	}

	unload := &cobra.Command{
		Use:   "unload ID",
		Short: "Unload a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient(cmd, g)
			if err != nil {
				return err
			}
			if err := client.Unload(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("Unloaded %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(exec, execTags, load, reload, unload)
	return cmd
}

func newTriggerCmd(g *globalFlags) *cobra.Command {
	var req control.TriggerRequest
	cmd := &cobra.Command{
		Use:   "trigger [MESSAGE]",
		Short: "Publish a manual trigger",
		Long: `Publish a trigger to the running host. MESSAGE uses the transport format
"<plugin-id>:<payload>"; --plugin and --tag override it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				id, payload, ok := strings.Cut(args[0], ":")
				if ok {
					if req.PluginID == "" {
						req.PluginID = strings.TrimSpace(id)
					}
					req.Payload = payload
				} else {
					req.Payload = args[0]
				}
			}
			if req.PluginID == "" && len(req.Tags) == 0 {
				return oops.Code("INVALID_TRIGGER").Errorf("a plugin id or at least one tag is required")
			}
			client, err := controlClient(cmd, g)
			if err != nil {
				return err
			}
			if err := client.Trigger(cmd.Context(), req); err != nil {
				return err
			}
			cmd.Println("Trigger accepted")
			return nil
		},
	}
	cmd.Flags().StringVar(&req.PluginID, "plugin", "", "plugin id to run")
	cmd.Flags().StringSliceVarP(&req.Tags, "tag", "t", nil, "run plugins with these tags")
	return cmd
}

func newLogsCmd(g *globalFlags) *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent execution records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := controlClient(cmd, g)
			if err != nil {
				return err
			}
			records, err := client.Logs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), records)
			}
			return writeLogTable(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", control.DefaultLogLimit, "number of records")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

// parseProperties reads key=value pairs.
func parseProperties(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, oops.Code("INVALID_PROPERTY").With("property", p).Errorf("property must be key=value")
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func writePluginTable(w io.Writer, list []plugin.Descriptor) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSTATE\tTAGS\tLOADED\tPATH")
	for _, d := range list {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.State, strings.Join(d.Metadata.Tags, ","),
			d.LoadedAt.Format(time.RFC3339), d.BinaryPath)
	}
	return tw.Flush()
}

func writeResults(w io.Writer, jsonOutput bool, results []control.ExecutionResult) error {
	if jsonOutput {
		return printJSON(w, results)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PLUGIN\tRESULT\tDURATION\tOUTPUT")
	for _, r := range results {
		outcome, out := "ok", r.Payload
		if !r.Succeeded {
			outcome, out = "failed", r.Error
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%dms\t%s\n", r.PluginID, outcome, r.DurationMS, out)
	}
	return tw.Flush()
}

func writeLogTable(w io.Writer, records []execlog.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STARTED\tPLUGIN\tVERSION\tSTATUS\tCORRELATION\tDETAIL")
	for _, r := range records {
		detail := r.OutputPayload
		if r.Error != "" {
			detail = r.Error
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Format(time.RFC3339), r.PluginName, r.Version, r.Status, r.CorrelationID, detail)
	}
	return tw.Flush()
}

// formatUptime formats seconds into a human-readable duration.
func formatUptime(seconds int64) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds < 3600 {
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
