package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/inbox-sync/internal/metrics"
)

func newServeCmd() *cobra.Command {
	var (
		listen     string
		withWorker bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the liveness read API",
		Long: `Serve account health over HTTP until interrupted.

Endpoints:
  GET /metrics?namespace_id=<id>      account health as JSON
  GET /metrics/ws?namespace_id=<id>   websocket stream of account health
  GET /health                         server liveness

With --with-worker the sync worker runs in the same process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := shutdownContext(cmd.Context(), cc.Logger)

			if listen == "" {
				listen = cc.Cfg.Server.Listen
			}

			rt, err := openRuntime(ctx, cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			agg := metrics.NewAggregator(rt.store, rt.beats, cc.Cfg.Heartbeat.AliveThresholdDuration(), cc.Logger)
			h := metrics.NewHandler(agg, cc.Cfg.Server.PushIntervalDuration(), cc.Logger)

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return metrics.Serve(gctx, listen, h, cc.Logger)
			})

			if withWorker {
				g.Go(func() error {
					return runWorker(gctx, cc, rt, nil)
				})
			}

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: server.listen)")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run the sync worker")

	return cmd
}
