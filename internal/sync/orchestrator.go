package sync

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
)

// Orchestrator defaults.
const (
	DefaultPollInterval = 5 * time.Minute
	clearTimeout        = 5 * time.Second
)

// accountLister is the store surface the Orchestrator polls.
type accountLister interface {
	ListAccounts(ctx context.Context, namespacePublicID string) ([]*Account, error)
}

// heartbeatClearer marks an account's liveness records not alive.
type heartbeatClearer interface {
	Clear(ctx context.Context, accountID int64)
}

// clientForgetter drops per-account provider state.
type clientForgetter interface {
	Forget(accountID int64)
}

// OrchestratorConfig holds the inputs for creating an Orchestrator.
type OrchestratorConfig struct {
	Accounts accountLister
	Runner   PassRunner

	// Heartbeats, if set, is cleared for every account the orchestrator
	// stops serving, including all of them on shutdown.
	Heartbeats heartbeatClearer

	// Clients, if set, forgets accounts that stop running.
	Clients clientForgetter

	// Only restricts the orchestrator to these account IDs. Empty means
	// every running account.
	Only []int64

	PollInterval time.Duration
	Queue        QueueConfig
	Logger       *slog.Logger
}

// Orchestrator keeps every stream of every running account scheduled: it
// enqueues them on each poll, and the Queue handles requeues and retries.
type Orchestrator struct {
	cfg    *OrchestratorConfig
	queue  *Queue
	logger *slog.Logger

	// interval carries poll interval changes into the running loop.
	interval chan time.Duration
}

// NewOrchestrator creates an Orchestrator and its Queue.
func NewOrchestrator(cfg *OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	qcfg := cfg.Queue
	qcfg.Runner = cfg.Runner
	qcfg.Logger = logger

	return &Orchestrator{
		cfg:      cfg,
		queue:    NewQueue(&qcfg),
		logger:   logger,
		interval: make(chan time.Duration, 1),
	}
}

// Queue returns the scheduler the orchestrator feeds.
func (o *Orchestrator) Queue() *Queue {
	return o.queue
}

// SetPollInterval changes the poll interval of a running orchestrator. The
// next poll happens one new interval from now.
func (o *Orchestrator) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}

	// Keep only the latest value.
	select {
	case <-o.interval:
	default:
	}

	o.interval <- d
}

// Run polls and runs passes until ctx is canceled, then clears the
// heartbeats of every account it served. Returns nil on clean shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	interval := o.cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	o.logger.Info("orchestrator starting",
		slog.Duration("poll_interval", interval),
		slog.Int("accounts_filter", len(o.cfg.Only)),
	)

	active := make(map[int64]bool)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return o.queue.Run(gctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		o.poll(gctx, active)

		for {
			select {
			case <-gctx.Done():
				return nil
			case d := <-o.interval:
				ticker.Reset(d)
				o.logger.Info("poll interval changed", slog.Duration("poll_interval", d))
			case <-ticker.C:
				o.poll(gctx, active)
			}
		}
	})

	err := g.Wait()

	// The poll goroutine has exited, so active is no longer shared.
	for id := range active {
		o.stopAccount(ctx, id)
	}

	o.logger.Info("orchestrator stopped", slog.Int("accounts", len(active)))

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// poll enqueues every stream of every running account and retires
// accounts that stopped or disappeared since the last poll.
func (o *Orchestrator) poll(ctx context.Context, active map[int64]bool) {
	accts, err := o.cfg.Accounts.ListAccounts(ctx, "")
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("listing accounts failed, skipping poll", slog.String("error", err.Error()))
		}

		return
	}

	running := make(map[int64]bool, len(accts))

	for _, a := range accts {
		if a.SyncState != AccountStateRunning {
			continue
		}

		if len(o.cfg.Only) > 0 && !slices.Contains(o.cfg.Only, a.ID) {
			continue
		}

		running[a.ID] = true

		if !active[a.ID] {
			o.logger.Info("account scheduled", slog.Int64("account_id", a.ID), slog.String("email", a.Email))
		}

		for _, kind := range AllStreamKinds {
			if err := o.queue.Enqueue(ctx, StreamKey{AccountID: a.ID, Kind: kind}); err != nil {
				return
			}
		}
	}

	for id := range active {
		if !running[id] {
			o.logger.Info("account no longer running", slog.Int64("account_id", id))
			o.stopAccount(ctx, id)
			delete(active, id)
		}
	}

	for id := range running {
		active[id] = true
	}

	o.logger.Debug("poll complete",
		slog.Int("accounts", len(running)),
		slog.Int("pending", o.queue.Pending()),
	)
}

func (o *Orchestrator) stopAccount(ctx context.Context, id int64) {
	if o.cfg.Clients != nil {
		o.cfg.Clients.Forget(id)
	}

	if o.cfg.Heartbeats == nil {
		return
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clearTimeout)
	defer cancel()

	o.cfg.Heartbeats.Clear(cctx, id)
}
