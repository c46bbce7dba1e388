// Package main implements rtctl, the CLI for the runtimed admin API.
package main

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/url"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	httpserver "github.com/fyrsmithlabs/runtimed/internal/http"
	"github.com/fyrsmithlabs/runtimed/internal/runtime"
)

// version information
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globals holds the persistent flags.
type globals struct {
	server  string
	token   string
	timeout time.Duration
	json    bool
}

func (g *globals) client() *client {
	return newClient(g.server, g.token, g.timeout)
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "rtctl",
		Short: "CLI for runtimed admin operations",
		Long: `rtctl inspects and controls executions hosted by a runtimed daemon.

Mutating commands need the daemon's admin token when one is configured; pass
it with --token or RTCTL_TOKEN.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&g.server, "server", envOr("RTCTL_SERVER", "http://localhost:9090"), "runtimed server URL")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("RTCTL_TOKEN"), "admin bearer token")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&g.json, "json", false, "print raw JSON")

	root.AddCommand(
		newHealthCmd(g),
		newStatusCmd(g),
		newListCmd(g),
		newStartCmd(g),
		newPauseCmd(g),
		newResumeCmd(g),
		newCancelCmd(g),
		newRemoveCmd(g),
		newDLQCmd(g),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newHealthCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check runtimed server health",
		Long: `Check the health status of the runtimed server and its components.

Examples:
  rtctl health
  rtctl health --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp httpserver.HealthResponse
			if err := g.client().do(cmd.Context(), "GET", "/health", nil, &resp); err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
			fmt.Fprintf(out, "Server URL: %s\n", g.server)
			for _, name := range sortedKeys(resp.Components) {
				fmt.Fprintf(out, "  %-20s %s\n", name, resp.Components[name])
			}
			return nil
		},
	}
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show runtime totals or one execution",
		Long: `Without an argument, show execution counts by status and tenant.
With an execution id, show that execution.

Examples:
  rtctl status
  rtctl status 7f9c2d1e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := g.client()
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				var info runtime.Info
				if err := c.do(cmd.Context(), "GET", "/api/v1/executions/"+url.PathEscape(args[0]), nil, &info); err != nil {
					return err
				}
				if g.json {
					return printJSON(out, info)
				}
				printInfo(out, info)
				return nil
			}

			var resp httpserver.StatusResponse
			if err := c.do(cmd.Context(), "GET", "/api/v1/status", nil, &resp); err != nil {
				return err
			}
			if g.json {
				return printJSON(out, resp)
			}
			fmt.Fprintf(out, "Version:    %s\n", resp.Version)
			fmt.Fprintf(out, "Executions: %d (%d running)\n", resp.Stats.Executions, resp.Stats.Running)
			for _, st := range sortedKeys(resp.Stats.ByStatus) {
				fmt.Fprintf(out, "  %-12s %d\n", st, resp.Stats.ByStatus[st])
			}
			if len(resp.Stats.ByTenant) > 0 {
				fmt.Fprintln(out, "Tenants:")
				for _, t := range sortedKeys(resp.Stats.ByTenant) {
					fmt.Fprintf(out, "  %-12s %d\n", t, resp.Stats.ByTenant[t])
				}
			}
			return nil
		},
	}
}

func newListCmd(g *globals) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/api/v1/executions"
			if tenant != "" {
				path += "?tenant=" + url.QueryEscape(tenant)
			}
			var infos []runtime.Info
			if err := g.client().do(cmd.Context(), "GET", path, nil, &infos); err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), infos)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTENANT\tSTATUS\tEVENTS\tQUEUED\tDLQ\tRUNNING")
			for _, i := range infos {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%t\n",
					i.ID, i.TenantID, i.Status, i.EventCount, i.QueueDepth, i.DeadLetters, i.Running)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "only list this tenant's executions")
	return cmd
}

func newStartCmd(g *globals) *cobra.Command {
	var (
		req  httpserver.StartRequest
		data string
	)
	cmd := &cobra.Command{
		Use:   "start <event-type>",
		Short: "Start an execution from a first event",
		Long: `Create an execution and run it from one event.

Examples:
  rtctl start review.requested --tenant acme --data '{"pr":42}'
  rtctl start billing.charge --tenant acme --id charge-42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Event.Type = args[0]
			if data != "" {
				if !json.Valid([]byte(data)) {
					return fmt.Errorf("--data must be valid JSON")
				}
				req.Event.Data = json.RawMessage(data)
			}
			var info runtime.Info
			if err := g.client().do(cmd.Context(), "POST", "/api/v1/executions", req, &info); err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started %s (%s)\n", info.ID, info.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.TenantID, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&req.ID, "id", "", "execution id (generated when empty)")
	cmd.Flags().StringVar(&req.CorrelationID, "correlation-id", "", "correlation id")
	cmd.Flags().StringVar(&req.JobID, "job-id", "", "job id")
	cmd.Flags().StringVar(&req.Event.ThreadID, "thread", "", "thread id of the first event")
	cmd.Flags().StringVar(&data, "data", "", "JSON payload of the first event")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newPauseCmd(g *globals) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause <execution-id>",
		Short: "Pause a running execution and snapshot it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp httpserver.PauseResponse
			path := "/api/v1/executions/" + url.PathEscape(args[0]) + "/pause"
			if err := g.client().do(cmd.Context(), "POST", path, httpserver.ReasonRequest{Reason: reason}, &resp); err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Paused %s (snapshot %s)\n", args[0], resp.SnapshotID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the pause")
	return cmd
}

func newResumeCmd(g *globals) *cobra.Command {
	var req httpserver.ResumeRequest
	cmd := &cobra.Command{
		Use:   "resume <execution-id> [snapshot-id]",
		Short: "Resume a paused execution",
		Long: `Resume a paused execution from its latest snapshot, or from the given one.

An execution the daemon no longer hosts (for example after a restart) is
rebuilt from the snapshot store; pass --tenant for it.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				req.SnapshotID = args[1]
			}
			var info runtime.Info
			path := "/api/v1/executions/" + url.PathEscape(args[0]) + "/resume"
			if err := g.client().do(cmd.Context(), "POST", path, req, &info); err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resumed %s (%s)\n", info.ID, info.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.TenantID, "tenant", "", "tenant id, for executions not hosted by the daemon")
	cmd.Flags().StringVar(&req.CorrelationID, "correlation-id", "", "correlation id, for executions not hosted by the daemon")
	return cmd
}

func newCancelCmd(g *globals) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/executions/" + url.PathEscape(args[0]) + "/cancel"
			if err := g.client().do(cmd.Context(), "POST", path, httpserver.ReasonRequest{Reason: reason}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancel requested for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the cancellation")
	return cmd
}

func newRemoveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <execution-id>",
		Aliases: []string{"remove"},
		Short:   "Forget a finished or paused execution",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.client().do(cmd.Context(), "DELETE", "/api/v1/executions/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}
}

func newDLQCmd(g *globals) *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and reprocess dead letters",
	}

	list := &cobra.Command{
		Use:   "list <execution-id>",
		Short: "List an execution's dead letters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dls []httpserver.DeadLetterView
			path := "/api/v1/executions/" + url.PathEscape(args[0]) + "/dlq"
			if err := g.client().do(cmd.Context(), "GET", path, nil, &dls); err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), dls)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "EVENT ID\tTYPE\tRETRIES\tCODE\tERROR\tAT")
			for _, dl := range dls {
				code, msg := "", ""
				if dl.Error != nil {
					code, msg = string(dl.Error.Code), dl.Error.Message
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					dl.Event.ID, dl.Event.Type, dl.RetryCount, code, msg, dl.DeadLetteredAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	var req httpserver.ReprocessRequest
	reprocess := &cobra.Command{
		Use:   "reprocess <execution-id>",
		Short: "Requeue dead letters",
		Long: `Requeue one dead letter by event id, or every dead letter matching the
filters. With no flags, every dead letter is requeued.

Examples:
  rtctl dlq reprocess exec-1 --event 0b5e...
  rtctl dlq reprocess exec-1 --type review.file
  rtctl dlq reprocess exec-1 --code MIDDLEWARE_RETRY_EXCEEDED --before 2026-01-02T15:04:05Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Before != "" {
				if _, err := time.Parse(time.RFC3339, req.Before); err != nil {
					return fmt.Errorf("--before must be RFC3339: %w", err)
				}
			}
			var resp httpserver.ReprocessResponse
			path := "/api/v1/executions/" + url.PathEscape(args[0]) + "/dlq/reprocess"
			if err := g.client().do(cmd.Context(), "POST", path, req, &resp); err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reprocessed %d dead letter(s)\n", resp.Reprocessed)
			return nil
		},
	}
	reprocess.Flags().StringVar(&req.EventID, "event", "", "requeue only this event id")
	reprocess.Flags().StringVar(&req.Type, "type", "", "event type")
	reprocess.Flags().StringVar(&req.TypePrefix, "prefix", "", "event type prefix")
	reprocess.Flags().StringVar(&req.ThreadID, "thread", "", "thread id")
	reprocess.Flags().StringVar(&req.Code, "code", "", "error code")
	reprocess.Flags().StringVar(&req.Before, "before", "", "dead-lettered before this RFC3339 time")
	reprocess.MarkFlagsMutuallyExclusive("event", "type")
	reprocess.MarkFlagsMutuallyExclusive("event", "prefix")

	dlq.AddCommand(list, reprocess)
	return dlq
}

func printInfo(out io.Writer, i runtime.Info) {
	fmt.Fprintf(out, "ID:           %s\n", i.ID)
	fmt.Fprintf(out, "Tenant:       %s\n", i.TenantID)
	if i.CorrelationID != "" {
		fmt.Fprintf(out, "Correlation:  %s\n", i.CorrelationID)
	}
	fmt.Fprintf(out, "Status:       %s\n", i.Status)
	fmt.Fprintf(out, "Running:      %t\n", i.Running)
	fmt.Fprintf(out, "Events:       %d\n", i.EventCount)
	fmt.Fprintf(out, "Queue depth:  %d\n", i.QueueDepth)
	fmt.Fprintf(out, "Dead letters: %d\n", i.DeadLetters)
	if i.LastSnapshotID != "" {
		fmt.Fprintf(out, "Snapshot:     %s\n", i.LastSnapshotID)
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}
