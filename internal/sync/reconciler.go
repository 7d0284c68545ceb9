package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// ReconcileTarget addresses the local records a batch is reconciled
// against.
type ReconcileTarget struct {
	NamespaceID int64
	Kind        StreamKind
	ScopeID     string
}

// RecordTx is the transactional record access the Reconciler needs.
// *Tx implements it.
type RecordTx interface {
	GetRecord(ctx context.Context, ns int64, kind StreamKind, scopeID, uid string) (*LocalRecord, error)
	InsertRecord(ctx context.Context, rec *LocalRecord) error
	UpdateRecord(ctx context.Context, rec *LocalRecord) error
	DeleteRecord(ctx context.Context, rec *LocalRecord) error
}

// Reconciler applies a batch of remote items to local records with
// check-then-create-or-update semantics. It never commits; the caller owns
// the transaction.
type Reconciler struct {
	logger *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{logger: logger}
}

// Reconcile applies items in arrival order and returns the latest
// UpdatedAt seen (invalid for an empty batch) with the change tally.
// The whole batch is validated before any write.
func (r *Reconciler) Reconcile(
	ctx context.Context, tx RecordTx, target ReconcileTarget, items []RemoteItem,
) (Cursor, ChangeCounter, error) {
	var counter ChangeCounter

	payloads, err := validateBatch(items)
	if err != nil {
		return Cursor{}, counter, err
	}

	var high Cursor

	for i := range items {
		item := &items[i]
		high = high.Max(CursorAt(item.UpdatedAt))

		existing, err := tx.GetRecord(ctx, target.NamespaceID, target.Kind, target.ScopeID, item.UID)
		if err != nil {
			return Cursor{}, counter, err
		}

		switch {
		case item.Deleted:
			if existing == nil {
				continue
			}

			if err := tx.DeleteRecord(ctx, existing); err != nil {
				return Cursor{}, counter, err
			}

			counter.Deleted++

		case existing != nil:
			counter.Updated++

			if bytes.Equal(existing.Payload, payloads[i]) && existing.RemoteUpdatedAt.Equal(truncSecond(item.UpdatedAt)) {
				continue
			}

			existing.Payload = payloads[i]
			existing.RemoteUpdatedAt = item.UpdatedAt

			if err := tx.UpdateRecord(ctx, existing); err != nil {
				return Cursor{}, counter, err
			}

		default:
			rec := &LocalRecord{
				NamespaceID:     target.NamespaceID,
				Kind:            target.Kind,
				ScopeID:         target.ScopeID,
				UID:             item.UID,
				Payload:         payloads[i],
				RemoteUpdatedAt: item.UpdatedAt,
			}

			if err := tx.InsertRecord(ctx, rec); err != nil {
				return Cursor{}, counter, err
			}

			counter.Added++
		}
	}

	r.logger.Debug("reconciled batch",
		slog.String("kind", string(target.Kind)),
		slog.String("scope", target.ScopeID),
		slog.Int("items", len(items)),
		slog.Int("added", counter.Added),
		slog.Int("updated", counter.Updated),
		slog.Int("deleted", counter.Deleted),
		slog.String("cursor", high.String()),
	)

	return high, counter, nil
}

// validateBatch rejects the batch on the first unusable item and returns
// the compacted payload of every live item.
func validateBatch(items []RemoteItem) ([][]byte, error) {
	payloads := make([][]byte, len(items))

	for i := range items {
		item := &items[i]

		switch {
		case item.UID == "":
			return nil, &MalformedItemError{Index: i, Reason: "empty uid"}
		case item.UpdatedAt.IsZero():
			return nil, &MalformedItemError{Index: i, UID: item.UID, Reason: "missing update time"}
		case item.Deleted:
			continue
		}

		var buf bytes.Buffer
		if err := json.Compact(&buf, item.Payload); err != nil {
			return nil, &MalformedItemError{Index: i, UID: item.UID, Reason: fmt.Sprintf("invalid payload: %v", err)}
		}

		payloads[i] = buf.Bytes()
	}

	return payloads, nil
}

// truncSecond matches the precision remote times are stored with.
func truncSecond(t time.Time) time.Time {
	return time.Unix(t.Unix(), 0).UTC()
}
