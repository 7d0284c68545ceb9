package heartbeat

import (
	"context"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"
)

// Reporter defaults.
const (
	DefaultBuffer       = 256
	DefaultWriteTimeout = 5 * time.Second
)

// ReporterOptions configures a Reporter. Zero values select defaults.
type ReporterOptions struct {
	// TTL is the store expiry of each write. Required.
	TTL          time.Duration
	Buffer       int
	WriteTimeout time.Duration
}

// Reporter publishes liveness records without ever blocking or failing the
// caller. A single background goroutine writes to the store; records that
// do not fit the buffer or fail to write are dropped and logged.
type Reporter struct {
	store  Store
	opts   ReporterOptions
	logger *slog.Logger

	nowFunc func() time.Time

	mu     stdsync.RWMutex
	closed bool
	ch     chan Record
	done   chan struct{}

	dropped atomic.Int64
}

// NewReporter starts the background writer. Call Close to flush and stop.
func NewReporter(store Store, opts ReporterOptions, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}

	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}

	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	r := &Reporter{
		store:   store,
		opts:    opts,
		logger:  logger,
		nowFunc: time.Now,
		ch:      make(chan Record, opts.Buffer),
		done:    make(chan struct{}),
	}

	go r.loop()

	return r
}

// Report queues a liveness record for (accountID, scopeID) stamped now.
func (r *Reporter) Report(accountID int64, scopeID string, m Metrics) {
	rec := Record{
		AccountID:      accountID,
		ScopeID:        scopeID,
		State:          m.State,
		RemoteCount:    m.RemoteCount,
		RemainingCount: m.RemainingCount,
		InitialSync:    m.InitialSync,
		Alive:          m.Alive,
		HeartbeatAt:    r.nowFunc().UTC(),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.drop(rec, "reporter closed")
		return
	}

	select {
	case r.ch <- rec:
	default:
		r.drop(rec, "buffer full")
	}
}

// Clear synchronously removes every record of an account. Failures are
// logged, never returned.
func (r *Reporter) Clear(ctx context.Context, accountID int64) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.WriteTimeout)
	defer cancel()

	if err := r.store.Clear(ctx, accountID); err != nil {
		r.logger.Warn("failed to clear heartbeats",
			slog.Int64("account_id", accountID),
			slog.String("error", err.Error()),
		)

		return
	}

	r.logger.Debug("cleared heartbeats", slog.Int64("account_id", accountID))
}

// Dropped returns how many records were discarded.
func (r *Reporter) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting records, flushes the buffer and waits for the
// writer to exit. Safe to call more than once.
func (r *Reporter) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()

	<-r.done
}

func (r *Reporter) loop() {
	defer close(r.done)

	for rec := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
		err := r.store.Put(ctx, rec, r.opts.TTL)
		cancel()

		if err != nil {
			r.dropped.Add(1)
			r.logger.Warn("heartbeat write failed",
				slog.Int64("account_id", rec.AccountID),
				slog.String("scope", rec.ScopeID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *Reporter) drop(rec Record, reason string) {
	r.dropped.Add(1)
	r.logger.Warn("heartbeat dropped",
		slog.Int64("account_id", rec.AccountID),
		slog.String("scope", rec.ScopeID),
		slog.String("reason", reason),
	)
}
