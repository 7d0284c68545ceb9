package sync

import (
	"context"
	"errors"
	"log/slog"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Queue defaults.
const (
	DefaultWorkers       = 4
	DefaultHardTimeLimit = 10 * time.Minute
	DefaultRetryInterval = time.Minute
	DefaultMaxAttempts   = 100
)

// ErrQueueClosed is returned by Enqueue after the queue stopped.
var ErrQueueClosed = errors.New("sync: queue closed")

// Retry delays for consecutive transient failures of one stream. Below
// backoffThreshold the queue retries at its fixed interval.
const (
	backoffThreshold = 3
	backoffMaxCap    = 1 * time.Hour
)

// backoffSteps maps consecutive failure counts (starting at the threshold)
// to their delays: 3→5m, 4→15m, 5+→1h.
var backoffSteps = []time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	backoffMaxCap,
}

// backoffDuration returns the delay before retry number failures.
func backoffDuration(failures int, interval time.Duration) time.Duration {
	if failures < backoffThreshold {
		return interval
	}

	idx := failures - backoffThreshold
	if idx >= len(backoffSteps) {
		return backoffMaxCap
	}

	return max(backoffSteps[idx], interval)
}

// Scheduler accepts streams for an eventual pass.
type Scheduler interface {
	Enqueue(ctx context.Context, key StreamKey) error
}

// PassRunner runs one pass. *Engine implements it.
type PassRunner interface {
	RunPass(ctx context.Context, key StreamKey) PassOutcome
}

// QueueConfig holds the options for NewQueue.
type QueueConfig struct {
	Runner        PassRunner
	Workers       int
	HardTimeLimit time.Duration
	RetryInterval time.Duration
	MaxAttempts   int
	Logger        *slog.Logger

	// OnOutcome, if set, observes every finished pass after the queue has
	// acted on it.
	OnOutcome func(PassOutcome)
}

// Queue is an in-process Scheduler. Delivery is at-least-once: a key
// enqueued while pending is coalesced, and a key enqueued while running is
// run once more after the current pass.
type Queue struct {
	runner    PassRunner
	logger    *slog.Logger
	workers   int
	hardLimit time.Duration
	interval  time.Duration
	maxTries  int
	onOutcome func(PassOutcome)

	mu       stdsync.Mutex
	pending  []StreamKey
	queued   map[StreamKey]bool
	running  map[StreamKey]bool
	rerun    map[StreamKey]bool
	failures map[StreamKey]int
	timers   map[StreamKey]stopper
	closed   bool

	notify chan struct{}

	afterFunc func(d time.Duration, f func()) stopper
}

type stopper interface {
	Stop() bool
}

// NewQueue creates a Queue. Call Run to start its workers.
func NewQueue(cfg *QueueConfig) *Queue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		runner:    cfg.Runner,
		logger:    logger,
		workers:   cfg.Workers,
		hardLimit: cfg.HardTimeLimit,
		interval:  cfg.RetryInterval,
		maxTries:  cfg.MaxAttempts,
		onOutcome: cfg.OnOutcome,
		queued:    make(map[StreamKey]bool),
		running:   make(map[StreamKey]bool),
		rerun:     make(map[StreamKey]bool),
		failures:  make(map[StreamKey]int),
		timers:    make(map[StreamKey]stopper),
		notify:    make(chan struct{}, 1),
		afterFunc: func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
	}

	if q.workers <= 0 {
		q.workers = DefaultWorkers
	}

	if q.hardLimit <= 0 {
		q.hardLimit = DefaultHardTimeLimit
	}

	if q.interval <= 0 {
		q.interval = DefaultRetryInterval
	}

	if q.maxTries <= 0 {
		q.maxTries = DefaultMaxAttempts
	}

	return q
}

// Enqueue schedules a pass for key.
func (q *Queue) Enqueue(ctx context.Context, key StreamKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.push(key)

	return nil
}

// push adds key unless it is already pending. A key waiting out a retry
// backoff stays parked: its timer pushes it when the delay ends. Caller
// holds mu.
func (q *Queue) push(key StreamKey) {
	if q.running[key] {
		q.rerun[key] = true
		return
	}

	if q.queued[key] {
		return
	}

	if _, ok := q.timers[key]; ok {
		return
	}

	q.queued[key] = true
	q.pending = append(q.pending, key)
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of streams waiting for a worker.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// Run starts the workers and blocks until ctx is done and every running
// pass has returned. Streams still pending are dropped.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("queue started",
		slog.Int("workers", q.workers),
		slog.Duration("hard_time_limit", q.hardLimit),
	)

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			q.work(gctx)
			return nil
		})
	}

	err := g.Wait()

	q.mu.Lock()
	q.closed = true
	for key, t := range q.timers {
		t.Stop()
		delete(q.timers, key)
	}
	dropped := len(q.pending)
	q.mu.Unlock()

	q.logger.Info("queue stopped", slog.Int("dropped", dropped))

	return err
}

func (q *Queue) work(ctx context.Context) {
	for {
		key, ok := q.next(ctx)
		if !ok {
			return
		}

		q.runOne(ctx, key)
	}
}

// next blocks until a stream is available or ctx is done.
func (q *Queue) next(ctx context.Context) (StreamKey, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			key := q.pending[0]
			q.pending = q.pending[1:]
			delete(q.queued, key)
			q.running[key] = true

			if len(q.pending) > 0 {
				q.signal()
			}
			q.mu.Unlock()

			return key, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return StreamKey{}, false
		case <-q.notify:
		}
	}
}

func (q *Queue) runOne(ctx context.Context, key StreamKey) {
	passCtx, cancel := context.WithTimeout(ctx, q.hardLimit)
	out := q.runner.RunPass(passCtx, key)
	cancel()

	q.settle(ctx, key, out)

	if q.onOutcome != nil {
		q.onOutcome(out)
	}
}

// settle records the outcome and decides whether the stream runs again.
func (q *Queue) settle(ctx context.Context, key StreamKey, out PassOutcome) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.running, key)
	rerun := q.rerun[key]
	delete(q.rerun, key)

	if q.closed || ctx.Err() != nil {
		return
	}

	switch out.Kind {
	case PassCompleted:
		delete(q.failures, key)
	case PassRequeued:
		delete(q.failures, key)
		rerun = true
	case PassFailed:
		if q.scheduleRetry(ctx, key, out.Err) {
			return
		}
	}

	if rerun {
		q.push(key)
	}
}

// scheduleRetry arms a delayed re-enqueue for retryable failures and
// reports whether it did. Caller holds mu.
func (q *Queue) scheduleRetry(ctx context.Context, key StreamKey, err error) bool {
	if !IsRetryable(err) {
		delete(q.failures, key)
		return false
	}

	q.failures[key]++
	n := q.failures[key]

	if n >= q.maxTries {
		q.logger.Error("giving up on stream after repeated failures",
			slog.String("stream", key.String()),
			slog.Int("attempts", n),
			slog.String("error", err.Error()),
		)
		delete(q.failures, key)

		return false
	}

	delay := backoffDuration(n, q.interval)
	q.logger.Info("retrying stream",
		slog.String("stream", key.String()),
		slog.Int("attempt", n),
		slog.Duration("delay", delay),
	)

	q.timers[key] = q.afterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		delete(q.timers, key)

		if !q.closed && ctx.Err() == nil {
			q.push(key)
		}
	})

	return true
}
