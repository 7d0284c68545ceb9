package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/inbox-sync/internal/config"
	isync "github.com/tonimelisma/inbox-sync/internal/sync"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run sync passes",
	}

	cmd.AddCommand(newSyncRunCmd())
	cmd.AddCommand(newSyncWorkerCmd())
	cmd.AddCommand(newSyncClearStuckCmd())

	return cmd
}

func newSyncRunCmd() *cobra.Command {
	var streams []string

	cmd := &cobra.Command{
		Use:   "run <account>",
		Short: "Run one pass per stream of an account and exit",
		Long: `Run a single bounded pass for each selected stream of an account.

Each pass commits whole batches and stops at the soft time budget; a pass
that stops early reports "requeued" and the next run continues from its
checkpoint. Streams default to all kinds in dependency order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSyncOnce(cmd, args[0], streams)
		},
	}

	cmd.Flags().StringSliceVar(&streams, "stream", nil, "stream kind to run (calendars, events, messages, labels); repeatable")

	return cmd
}

func parseStreamKinds(names []string) ([]isync.StreamKind, error) {
	if len(names) == 0 {
		return isync.AllStreamKinds, nil
	}

	kinds := make([]isync.StreamKind, 0, len(names))

	for _, n := range names {
		k, err := isync.ParseStreamKind(n)
		if err != nil {
			return nil, err
		}

		kinds = append(kinds, k)
	}

	return kinds, nil
}

func runSyncOnce(cmd *cobra.Command, ref string, streams []string) error {
	cc := mustCLIContext(cmd.Context())

	kinds, err := parseStreamKinds(streams)
	if err != nil {
		return err
	}

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	rt, err := openRuntime(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	acct, err := rt.store.ResolveAccount(ctx, ref)
	if err != nil {
		return err
	}

	hard := cc.Cfg.Sync.HardTimeLimitDuration()

	var outcomes []isync.PassOutcome

	for _, kind := range kinds {
		passCtx, cancel := context.WithTimeout(ctx, hard)
		out := rt.engine.RunPass(passCtx, isync.StreamKey{AccountID: acct.ID, Kind: kind})
		cancel()

		outcomes = append(outcomes, out)

		if ctx.Err() != nil {
			break
		}
	}

	if cc.Flags.JSON {
		if err := writeJSONTo(cmd.OutOrStdout(), passViews(outcomes)); err != nil {
			return err
		}
	} else {
		printOutcomes(cmd.OutOrStdout(), outcomes)
	}

	var errs []error

	for _, out := range outcomes {
		if out.Kind == isync.PassFailed {
			errs = append(errs, out.Err)
		}
	}

	return errors.Join(errs...)
}

// passJSON is the JSON schema of a pass outcome.
type passJSON struct {
	AccountID int64  `json:"account_id"`
	Stream    string `json:"stream"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
	Added     int    `json:"added"`
	Updated   int    `json:"updated"`
	Deleted   int    `json:"deleted"`
	Batches   int    `json:"batches"`
	Duration  string `json:"duration"`
}

func passViews(outcomes []isync.PassOutcome) []passJSON {
	views := make([]passJSON, 0, len(outcomes))

	for _, out := range outcomes {
		v := passJSON{
			AccountID: out.Stream.AccountID,
			Stream:    string(out.Stream.Kind),
			Outcome:   out.Kind.String(),
			Reason:    out.Reason,
			Added:     out.Counter.Added,
			Updated:   out.Counter.Updated,
			Deleted:   out.Counter.Deleted,
			Batches:   out.Batches,
			Duration:  out.Duration.Round(time.Millisecond).String(),
		}

		if out.Err != nil {
			v.Error = out.Err.Error()
		}

		views = append(views, v)
	}

	return views
}

func printOutcomes(w io.Writer, outcomes []isync.PassOutcome) {
	rows := make([][]string, 0, len(outcomes))

	for _, v := range passViews(outcomes) {
		detail := v.Reason
		if v.Error != "" {
			detail = v.Error
		}

		rows = append(rows, []string{
			v.Stream, v.Outcome,
			fmt.Sprintf("+%d ~%d -%d", v.Added, v.Updated, v.Deleted),
			fmt.Sprintf("%d", v.Batches), v.Duration, detail,
		})
	}

	printTable(w, []string{"STREAM", "OUTCOME", "CHANGES", "BATCHES", "TIME", "DETAIL"}, rows)
}

func newSyncWorkerCmd() *cobra.Command {
	var accounts []string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Continuously sync every running account",
		Long: `Run the sync worker until interrupted.

The worker polls for running accounts, schedules a pass for each of their
streams, requeues passes that hit the soft time budget and retries failed
ones with backoff. Sync limits and the poll interval are reloaded when the
config file changes or on SIGHUP. On shutdown, heartbeats of served
accounts are cleared.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := shutdownContext(cmd.Context(), cc.Logger)

			rt, err := openRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			return runWorker(ctx, cc, rt, accounts)
		},
	}

	cmd.Flags().StringSliceVar(&accounts, "account", nil, "only sync these accounts (ID, public ID or email); repeatable")

	return cmd
}

// runWorker runs the orchestrator with hot config reload until ctx is done.
func runWorker(ctx context.Context, cc *CLIContext, rt *syncRuntime, refs []string) error {
	logger := cc.Logger

	var only []int64

	for _, ref := range refs {
		acct, err := rt.store.ResolveAccount(ctx, ref)
		if err != nil {
			return err
		}

		only = append(only, acct.ID)
	}

	orch := isync.NewOrchestrator(&isync.OrchestratorConfig{
		Accounts:     rt.store,
		Runner:       rt.engine,
		Heartbeats:   rt.reporter,
		Clients:      rt.clients,
		Only:         only,
		PollInterval: cc.Cfg.Sync.PollIntervalDuration(),
		Queue:        queueConfig(cc.Cfg),
		Logger:       logger,
	})

	apply := func(cfg *config.Config) {
		rt.engine.SetLimits(engineLimits(cfg))
		orch.SetPollInterval(cfg.Sync.PollIntervalDuration())
	}

	holder := config.NewHolder(cc.Cfg, cc.CfgPath)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return orch.Run(gctx)
	})

	if _, err := os.Stat(cc.CfgPath); err == nil {
		g.Go(func() error {
			if err := config.Watch(gctx, holder, logger, apply); err != nil {
				// Reload via SIGHUP still works without a watcher.
				logger.Warn("config watch unavailable", slog.String("error", err.Error()))
			}

			return nil
		})
	} else {
		logger.Debug("no config file to watch", slog.String("path", cc.CfgPath))
	}

	hup := hangupChannel(gctx)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				cfg, err := config.Reload(holder)
				if err != nil {
					logger.Warn("config reload failed, keeping previous config", slog.String("error", err.Error()))
					continue
				}

				logger.Info("config reloaded on SIGHUP", slog.String("path", holder.Path()))
				apply(cfg)
			}
		}
	})

	cc.Statusf("Worker started. Press Ctrl-C to stop.\n")

	return g.Wait()
}

func newSyncClearStuckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-stuck <account> <stream>",
		Short: "Allow a stuck stream to be synced again",
		Long: `Clear the stuck mark of a stream so the worker schedules it again.

A stream is marked stuck when a batch of items sharing one update time does
not fit the largest allowed page. Raise sync.page_growth_ceiling before
clearing, or the stream will get stuck again at the same cursor.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			kind, err := isync.ParseStreamKind(args[1])
			if err != nil {
				return err
			}

			store, err := openStore(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer store.Close()

			acct, err := store.ResolveAccount(ctx, args[0])
			if err != nil {
				return err
			}

			n, err := store.ClearStuck(ctx, isync.StreamKey{AccountID: acct.ID, Kind: kind})
			if err != nil {
				return err
			}

			if n == 0 {
				cc.Statusf("Stream %s of %s was not stuck.\n", kind, acct.Email)
				return nil
			}

			cc.Statusf("Cleared %d stuck scope(s) of stream %s for %s.\n", n, kind, acct.Email)

			return nil
		},
	}
}
