package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tonimelisma/inbox-sync/internal/heartbeat"
	"github.com/tonimelisma/inbox-sync/internal/lock"
)

// Engine defaults.
const (
	DefaultSoftTimeBudget    = 60 * time.Second
	DefaultInitialPageSize   = 100
	DefaultPageGrowthCeiling = 8
	DefaultCommitRetries     = 3
)

// Requeue reasons.
const (
	ReasonSoftBudget = "soft time budget exceeded"
	ReasonStopped    = "stopped between batches"
)

// PassKind classifies how a pass ended.
type PassKind int

// Pass outcomes.
const (
	PassCompleted PassKind = iota
	PassRequeued
	PassFailed
)

func (k PassKind) String() string {
	switch k {
	case PassCompleted:
		return "completed"
	case PassRequeued:
		return "requeued"
	case PassFailed:
		return "failed"
	default:
		return fmt.Sprintf("PassKind(%d)", int(k))
	}
}

// PassState is the loop's position within a pass. Logged on transitions.
type PassState string

// Pass states.
const (
	StateIdle        PassState = "idle"
	StateFetching    PassState = "fetching"
	StateReconciling PassState = "reconciling"
	StateCommitting  PassState = "committing"
)

// PassOutcome is the result of one RunPass.
type PassOutcome struct {
	Stream   StreamKey
	Kind     PassKind
	Reason   string
	Err      error
	Counter  ChangeCounter
	Batches  int
	Duration time.Duration
}

// Locker hands out single-flight stream locks. *lock.Dir implements it.
type Locker interface {
	TryLock(name string) (release func(), err error)
}

// LivenessReporter receives per-batch liveness. *heartbeat.Reporter
// implements it; Report must not block.
type LivenessReporter interface {
	Report(accountID int64, scopeID string, m heartbeat.Metrics)
}

// engineStore is the persistence surface the Engine needs. *Store
// implements it.
type engineStore interface {
	GetAccount(ctx context.Context, id int64) (*Account, error)
	GetCursor(ctx context.Context, key CheckpointKey) (Cursor, error)
	IsStuck(ctx context.Context, key StreamKey) (bool, error)
	MarkStuck(ctx context.Context, key CheckpointKey) error
	Update(ctx context.Context, fn func(tx *Tx) error) error
}

// EngineLimits bounds a pass. Zero fields take the defaults.
type EngineLimits struct {
	SoftTimeBudget    time.Duration
	InitialPageSize   int
	PageGrowthCeiling int
	CommitRetries     int
}

func (l EngineLimits) withDefaults() EngineLimits {
	if l.SoftTimeBudget <= 0 {
		l.SoftTimeBudget = DefaultSoftTimeBudget
	}

	if l.InitialPageSize <= 0 {
		l.InitialPageSize = DefaultInitialPageSize
	}

	if l.PageGrowthCeiling <= 0 {
		l.PageGrowthCeiling = DefaultPageGrowthCeiling
	}

	if l.CommitRetries <= 0 {
		l.CommitRetries = DefaultCommitRetries
	}

	return l
}

// EngineConfig holds the options for NewEngine.
type EngineConfig struct {
	Store    engineStore
	Sources  map[StreamKind]Source
	Locker   Locker
	Reporter LivenessReporter
	Logger   *slog.Logger

	EngineLimits
}

// Engine runs bounded reconciliation passes. Safe for concurrent use on
// distinct streams; the Locker rejects concurrent passes on one stream.
type Engine struct {
	store      engineStore
	sources    map[StreamKind]Source
	locker     Locker
	reporter   LivenessReporter
	reconciler *Reconciler
	logger     *slog.Logger
	limits     atomic.Pointer[EngineLimits]

	nowFunc func() time.Time
}

// NewEngine creates an Engine, filling zero-valued limits with defaults.
func NewEngine(cfg *EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		store:      cfg.Store,
		sources:    cfg.Sources,
		locker:     cfg.Locker,
		reporter:   cfg.Reporter,
		reconciler: NewReconciler(logger),
		logger:     logger,
		nowFunc:    time.Now,
	}

	e.SetLimits(cfg.EngineLimits)

	return e
}

// SetLimits replaces the pass limits. Passes already running keep the
// limits they started with.
func (e *Engine) SetLimits(l EngineLimits) {
	l = l.withDefaults()
	e.limits.Store(&l)
}

// Limits returns the limits new passes run with.
func (e *Engine) Limits() EngineLimits {
	return *e.limits.Load()
}

// LockName is the single-flight lock name of a stream.
func LockName(key StreamKey) string {
	return fmt.Sprintf("%d-%s", key.AccountID, key.Kind)
}

// LivenessScope is the heartbeat scope ID of one stream scope.
func LivenessScope(kind StreamKind, scopeID string) string {
	if scopeID == "" {
		return string(kind)
	}

	return string(kind) + "/" + scopeID
}

// RunPass runs one bounded pass over every scope of the stream. It never
// returns mid-batch: cancellation and the soft budget are honored only
// after a batch commits.
func (e *Engine) RunPass(ctx context.Context, key StreamKey) (out PassOutcome) {
	start := e.nowFunc()
	out.Stream = key

	defer func() {
		if r := recover(); r != nil {
			out.Kind = PassFailed
			out.Err = fmt.Errorf("sync: panic in pass %s: %v", key, r)
		}

		out.Duration = e.nowFunc().Sub(start)
		e.logOutcome(&out)
	}()

	e.run(ctx, key, e.Limits(), start, &out)

	return out
}

func (e *Engine) run(ctx context.Context, key StreamKey, lim EngineLimits, start time.Time, out *PassOutcome) {
	src, ok := e.sources[key.Kind]
	if !ok {
		out.fail(fmt.Errorf("%w: %s", ErrNoSource, key.Kind))
		return
	}

	release, err := e.locker.TryLock(LockName(key))
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			err = fmt.Errorf("%w: %s", ErrLockContention, key)
		}

		out.fail(err)

		return
	}
	defer release()

	acct, err := e.store.GetAccount(ctx, key.AccountID)
	if err != nil {
		out.fail(err)
		return
	}

	stuck, err := e.store.IsStuck(ctx, key)
	if err != nil {
		out.fail(err)
		return
	}

	if stuck {
		out.fail(fmt.Errorf("%w: %s", ErrStreamStuck, key))
		return
	}

	scopes, err := src.Scopes(ctx, acct)
	if err != nil {
		out.fail(&FetchError{Stream: key, Err: err})
		return
	}

	for i, scope := range scopes {
		if done := e.syncScope(ctx, acct, key, src, scope, lim, start, out); done {
			return
		}

		if i < len(scopes)-1 && e.overBudget(start, lim) {
			out.requeue(ReasonSoftBudget)
			return
		}
	}

	out.Kind = PassCompleted
}

// syncScope drives one scope to exhaustion. It returns true when the pass
// must end now, with out already set.
func (e *Engine) syncScope(
	ctx context.Context, acct *Account, key StreamKey, src Source, scope Scope,
	lim EngineLimits, start time.Time, out *PassOutcome,
) bool {
	ck := key.Checkpoint(scope.ID)
	pageSize := lim.InitialPageSize
	ceiling := lim.InitialPageSize * lim.PageGrowthCeiling

	for {
		if ctx.Err() != nil {
			out.requeue(ReasonStopped)
			return true
		}

		stored, err := e.store.GetCursor(ctx, ck)
		if err != nil {
			out.fail(err)
			return true
		}

		e.trace(key, scope, StateFetching, stored, pageSize)

		page, err := src.ListChangedSince(ctx, acct, scope, stored, pageSize)
		if err != nil {
			if ctx.Err() != nil {
				out.requeue(ReasonStopped)
				return true
			}

			var malformed *MalformedItemError
			if !errors.As(err, &malformed) && !errors.As(err, new(*FetchError)) {
				err = &FetchError{Stream: key, ScopeID: scope.ID, Err: err}
			}

			out.fail(err)

			return true
		}

		high := page.HighWater.Max(maxUpdated(page.Items))

		// A full page that cannot move the cursor would be refetched forever.
		if page.More && stored.Valid && !stored.Before(high) {
			pageSize *= 2
			if pageSize > ceiling {
				e.markStuck(ctx, acct, ck, scope)
				out.fail(&StuckStreamError{Stream: key, ScopeID: scope.ID, Cursor: stored, PageSize: pageSize / 2})

				return true
			}

			e.logger.Warn("page did not advance cursor, growing page size",
				slog.String("stream", key.String()),
				slog.String("scope", scope.ID),
				slog.String("cursor", stored.String()),
				slog.Int("page_size", pageSize),
			)

			continue
		}

		counter, status, err := e.commit(ctx, acct, key, scope, page, lim.CommitRetries)
		if err != nil {
			out.fail(err)
			return true
		}

		out.Counter.Add(counter)
		out.Batches++
		pageSize = lim.InitialPageSize

		if e.reporter != nil {
			e.reporter.Report(acct.ID, LivenessScope(key.Kind, scope.ID), heartbeat.Metrics{
				State:          status.State,
				RemoteCount:    status.RemoteCount,
				RemainingCount: status.RemainingCount,
				InitialSync:    status.State == ScopeStateInitial,
				Alive:          true,
			})
		}

		if !page.More {
			return false
		}

		if e.overBudget(start, lim) {
			out.requeue(ReasonSoftBudget)
			return true
		}
	}
}

// commit reconciles the page and persists records, cursor and scope status
// in one transaction. Stale writes are retried in a fresh transaction. The
// commit ignores cancellation so a batch is never abandoned half-way.
func (e *Engine) commit(
	ctx context.Context, acct *Account, key StreamKey, scope Scope, page *Page, retries int,
) (ChangeCounter, ScopeStatus, error) {
	ctx = context.WithoutCancel(ctx)
	ck := key.Checkpoint(scope.ID)
	target := ReconcileTarget{NamespaceID: acct.NamespaceID, Kind: key.Kind, ScopeID: scope.ID}

	for attempt := 0; ; attempt++ {
		var (
			counter ChangeCounter
			status  ScopeStatus
		)

		e.trace(key, scope, StateReconciling, Cursor{}, len(page.Items))

		err := e.store.Update(ctx, func(tx *Tx) error {
			high, c, err := e.reconciler.Reconcile(ctx, tx, target, page.Items)
			if err != nil {
				return err
			}

			counter = c

			if _, err := tx.AdvanceCursor(ctx, ck, high.Max(page.HighWater)); err != nil {
				return err
			}

			if key.Kind == StreamCalendars {
				if err := dropDeletedCalendars(ctx, tx, acct, page.Items); err != nil {
					return err
				}
			}

			status, err = nextScopeStatus(ctx, tx, acct, key, scope, page)
			if err != nil {
				return err
			}

			e.trace(key, scope, StateCommitting, high, len(page.Items))

			return tx.PutScopeStatus(ctx, status)
		})
		if err == nil {
			return counter, status, nil
		}

		if !errors.Is(err, ErrStaleWrite) || attempt >= retries {
			return ChangeCounter{}, ScopeStatus{}, err
		}

		e.logger.Warn("stale write, retrying batch",
			slog.String("stream", key.String()),
			slog.String("scope", scope.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
}

// nextScopeStatus computes the scope's status after this batch. A scope
// stays in initial sync until a batch exhausts the source.
func nextScopeStatus(
	ctx context.Context, tx *Tx, acct *Account, key StreamKey, scope Scope, page *Page,
) (ScopeStatus, error) {
	ck := key.Checkpoint(scope.ID)

	prev, err := tx.GetScopeStatus(ctx, ck)
	if err != nil {
		return ScopeStatus{}, err
	}

	state := ScopeStateInitial
	if !page.More || (prev != nil && prev.State == ScopeStatePoll) {
		state = ScopeStatePoll
	}

	st := ScopeStatus{
		AccountID:      acct.ID,
		Kind:           key.Kind,
		ScopeID:        scope.ID,
		Name:           scope.Name,
		State:          state,
		RemoteCount:    page.Total,
		RemainingCount: page.Remaining,
		LastSyncedAt:   tx.now,
	}

	if page.Total == UnknownTotal {
		n, err := tx.CountRecords(ctx, acct.NamespaceID, key.Kind, scope.ID)
		if err != nil {
			return ScopeStatus{}, err
		}

		st.RemoteCount = n
		st.RemainingCount = 0
	}

	return st, nil
}

// dropDeletedCalendars removes the events, cursor and status of every
// calendar deleted in this batch.
func dropDeletedCalendars(ctx context.Context, tx *Tx, acct *Account, items []RemoteItem) error {
	events := StreamKey{AccountID: acct.ID, Kind: StreamEvents}

	for i := range items {
		if !items[i].Deleted {
			continue
		}

		if _, err := tx.DropScope(ctx, acct.NamespaceID, events.Checkpoint(items[i].UID)); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) markStuck(ctx context.Context, acct *Account, ck CheckpointKey, scope Scope) {
	if err := e.store.MarkStuck(context.WithoutCancel(ctx), ck); err != nil {
		e.logger.Error("failed to mark scope stuck",
			slog.Int64("account_id", acct.ID),
			slog.String("kind", string(ck.Kind)),
			slog.String("scope", scope.ID),
			slog.String("error", err.Error()),
		)
	}

	if e.reporter != nil {
		e.reporter.Report(acct.ID, LivenessScope(ck.Kind, scope.ID), heartbeat.Metrics{State: ScopeStateStuck})
	}
}

func (e *Engine) overBudget(start time.Time, lim EngineLimits) bool {
	return e.nowFunc().Sub(start) > lim.SoftTimeBudget
}

func (e *Engine) trace(key StreamKey, scope Scope, state PassState, cursor Cursor, n int) {
	e.logger.Debug("pass state",
		slog.String("stream", key.String()),
		slog.String("scope", scope.ID),
		slog.String("state", string(state)),
		slog.String("cursor", cursor.String()),
		slog.Int("n", n),
	)
}

func (e *Engine) logOutcome(out *PassOutcome) {
	attrs := []any{
		slog.String("stream", out.Stream.String()),
		slog.String("outcome", out.Kind.String()),
		slog.Int("batches", out.Batches),
		slog.Int("added", out.Counter.Added),
		slog.Int("updated", out.Counter.Updated),
		slog.Int("deleted", out.Counter.Deleted),
		slog.Duration("duration", out.Duration),
	}

	if out.Reason != "" {
		attrs = append(attrs, slog.String("reason", out.Reason))
	}

	var (
		stuck     *StuckStreamError
		malformed *MalformedItemError
	)

	switch {
	case out.Kind != PassFailed:
		e.logger.Info("pass finished", attrs...)
	case errors.As(out.Err, &stuck):
		e.logger.Error("stream stuck, operator action required",
			append(attrs, slog.Bool("alert", true), slog.String("error", out.Err.Error()))...)
	case errors.As(out.Err, &malformed):
		e.logger.Error("batch rejected", append(attrs, slog.String("error", out.Err.Error()))...)
	case errors.Is(out.Err, ErrLockContention):
		e.logger.Debug("stream busy", attrs...)
	default:
		e.logger.Warn("pass failed", append(attrs, slog.String("error", out.Err.Error()))...)
	}
}

func (o *PassOutcome) fail(err error) {
	o.Kind = PassFailed
	o.Err = err
}

func (o *PassOutcome) requeue(reason string) {
	o.Kind = PassRequeued
	o.Reason = reason
}

// maxUpdated returns the latest UpdatedAt among items.
func maxUpdated(items []RemoteItem) Cursor {
	var c Cursor
	for i := range items {
		c = c.Max(CursorAt(items[i].UpdatedAt))
	}

	return c
}
