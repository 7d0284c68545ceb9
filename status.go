package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tonimelisma/inbox-sync/internal/metrics"
)

// Output formats of the status command.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func newStatusCmd() *cobra.Command {
	var (
		namespace string
		format    string
		scopes    bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync status and liveness of accounts",
		Long: `Display the sync status, liveness and initial sync progress of every
account, optionally limited to one namespace.

Liveness comes from the configured heartbeat backend; an account is alive
when any of its scopes reported within heartbeat.alive_threshold.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			if cc.Flags.JSON {
				format = formatJSON
			}

			if format != formatTable && format != formatJSON && format != formatYAML {
				return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
			}

			store, err := openStore(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer store.Close()

			beats, closeBeats, err := openHeartbeats(ctx, &cc.Cfg.Heartbeat, store, cc.Logger)
			if err != nil {
				return err
			}
			defer closeBeats()

			agg := metrics.NewAggregator(store, beats, cc.Cfg.Heartbeat.AliveThresholdDuration(), cc.Logger)

			health, err := agg.Aggregate(ctx, namespace)
			if err != nil {
				return err
			}

			return printStatus(cmd.OutOrStdout(), health, format, scopes)
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "", "only show accounts in this namespace")
	cmd.Flags().StringVar(&format, "format", formatTable, "output format: table, json or yaml")
	cmd.Flags().BoolVar(&scopes, "scopes", false, "show the per-scope breakdown in table output")

	return cmd
}

func printStatus(w io.Writer, health []metrics.AccountHealth, format string, scopes bool) error {
	if health == nil {
		health = []metrics.AccountHealth{}
	}

	switch format {
	case formatJSON:
		return writeJSONTo(w, health)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(health); err != nil {
			return fmt.Errorf("encoding YAML output: %w", err)
		}

		return enc.Close()
	}

	if len(health) == 0 {
		fmt.Fprintln(w, "No accounts.")
		return nil
	}

	rows := make([][]string, 0, len(health))
	for i := range health {
		h := &health[i]
		rows = append(rows, []string{
			h.AccountID, h.EmailAddress, h.ProviderName, h.SyncStatus,
			formatBool(h.Alive), formatBool(h.InitialSync), formatProgress(h.Progress),
		})
	}

	printTable(w, []string{"ACCOUNT", "EMAIL", "PROVIDER", "STATUS", "ALIVE", "INITIAL", "PROGRESS"}, rows)

	if !scopes {
		return nil
	}

	for i := range health {
		h := &health[i]
		if len(h.Scopes) == 0 {
			continue
		}

		fmt.Fprintf(w, "\n%s:\n", h.EmailAddress)

		srows := make([][]string, 0, len(h.Scopes))
		for _, s := range h.Scopes {
			beat := "-"
			if s.HeartbeatAt != nil {
				beat = formatTime(*s.HeartbeatAt)
			}

			srows = append(srows, []string{
				"  " + s.Kind, s.Name, s.State,
				strconv.FormatInt(s.RemoteCount, 10), strconv.FormatInt(s.RemainingCount, 10),
				formatBool(s.Alive), beat,
			})
		}

		printTable(w, []string{"  KIND", "NAME", "STATE", "REMOTE", "REMAINING", "ALIVE", "HEARTBEAT"}, srows)
	}

	return nil
}
