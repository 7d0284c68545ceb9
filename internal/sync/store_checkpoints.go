package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	sqlGetCursor = `SELECT cursor FROM checkpoints
		WHERE account_id = ? AND kind = ? AND scope_id = ?`

	// The WHERE clause on the conflict branch keeps cursors monotonic: an
	// older value never overwrites a newer one.
	sqlAdvanceCursor = `INSERT INTO checkpoints (account_id, kind, scope_id, cursor, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, kind, scope_id) DO UPDATE
		SET cursor = excluded.cursor, updated_at = excluded.updated_at
		WHERE excluded.cursor > checkpoints.cursor`

	sqlDeleteCheckpoint = `DELETE FROM checkpoints
		WHERE account_id = ? AND kind = ? AND scope_id = ?`

	scopeStatusColumns = `account_id, kind, scope_id, name, state, remote_count, remaining_count, last_synced_at`

	sqlGetScopeStatus = `SELECT ` + scopeStatusColumns + ` FROM scope_status
		WHERE account_id = ? AND kind = ? AND scope_id = ?`

	sqlPutScopeStatus = `INSERT INTO scope_status (` + scopeStatusColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, kind, scope_id) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			remote_count = excluded.remote_count,
			remaining_count = excluded.remaining_count,
			last_synced_at = excluded.last_synced_at`

	sqlDeleteScopeStatus = `DELETE FROM scope_status
		WHERE account_id = ? AND kind = ? AND scope_id = ?`

	sqlListAllScopeStatus = `SELECT ` + scopeStatusColumns + ` FROM scope_status
		ORDER BY account_id, kind, scope_id`

	sqlMarkStuck = `INSERT INTO scope_status (account_id, kind, scope_id, state)
		VALUES (?, ?, ?, 'stuck')
		ON CONFLICT (account_id, kind, scope_id) DO UPDATE SET state = 'stuck'`

	sqlCountStuck = `SELECT COUNT(*) FROM scope_status
		WHERE account_id = ? AND kind = ? AND state = 'stuck'`

	// Cleared scopes resume polling if they ever completed, else restart
	// the initial sync from their cursor.
	sqlClearStuck = `UPDATE scope_status
		SET state = CASE WHEN last_synced_at IS NULL THEN 'initial' ELSE 'poll' END
		WHERE account_id = ? AND kind = ? AND state = 'stuck'`
)

func getCursor(ctx context.Context, q querier, key CheckpointKey) (Cursor, error) {
	var unix int64

	err := q.QueryRowContext(ctx, sqlGetCursor, key.AccountID, string(key.Kind), key.ScopeID).Scan(&unix)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, nil
	}

	if err != nil {
		return Cursor{}, fmt.Errorf("sync: reading cursor %s/%q: %w", key.Kind, key.ScopeID, err)
	}

	return Cursor{Unix: unix, Valid: true}, nil
}

// GetCursor returns the persisted cursor for key, or an invalid cursor if
// the scope was never committed.
func (s *Store) GetCursor(ctx context.Context, key CheckpointKey) (Cursor, error) {
	return getCursor(ctx, s.db, key)
}

// GetCursor reads the cursor inside the transaction.
func (t *Tx) GetCursor(ctx context.Context, key CheckpointKey) (Cursor, error) {
	return getCursor(ctx, t.tx, key)
}

// AdvanceCursor moves the cursor for key forward to c. Invalid or older
// values leave the stored cursor untouched. Returns the cursor now stored.
func (t *Tx) AdvanceCursor(ctx context.Context, key CheckpointKey, c Cursor) (Cursor, error) {
	if c.Valid {
		_, err := t.tx.ExecContext(ctx, sqlAdvanceCursor,
			key.AccountID, string(key.Kind), key.ScopeID, c.Unix, t.now.Unix())
		if err != nil {
			return Cursor{}, classifyWriteErr("advancing cursor", err)
		}
	}

	return getCursor(ctx, t.tx, key)
}

// DropScope forgets a scope entirely: its records, cursor and status.
// Used when the scope itself (a calendar) is deleted remotely.
func (t *Tx) DropScope(ctx context.Context, ns int64, key CheckpointKey) (int64, error) {
	n, err := t.DeleteScopeRecords(ctx, ns, key.Kind, key.ScopeID)
	if err != nil {
		return 0, err
	}

	args := []any{key.AccountID, string(key.Kind), key.ScopeID}

	if _, err := t.tx.ExecContext(ctx, sqlDeleteCheckpoint, args...); err != nil {
		return 0, classifyWriteErr("deleting checkpoint", err)
	}

	if _, err := t.tx.ExecContext(ctx, sqlDeleteScopeStatus, args...); err != nil {
		return 0, classifyWriteErr("deleting scope status", err)
	}

	return n, nil
}

func scanScopeStatus(row interface{ Scan(...any) error }) (*ScopeStatus, error) {
	var (
		st     ScopeStatus
		kind   string
		synced sql.NullInt64
	)

	if err := row.Scan(&st.AccountID, &kind, &st.ScopeID, &st.Name, &st.State,
		&st.RemoteCount, &st.RemainingCount, &synced); err != nil {
		return nil, err
	}

	st.Kind = StreamKind(kind)
	st.LastSyncedAt = fromNullUnix(synced)

	return &st, nil
}

// GetScopeStatus reads the status of one scope inside the transaction, or
// nil if the scope has none yet.
func (t *Tx) GetScopeStatus(ctx context.Context, key CheckpointKey) (*ScopeStatus, error) {
	st, err := scanScopeStatus(t.tx.QueryRowContext(ctx, sqlGetScopeStatus,
		key.AccountID, string(key.Kind), key.ScopeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // absent is not an error
	}

	if err != nil {
		return nil, fmt.Errorf("sync: reading scope status: %w", err)
	}

	return st, nil
}

// PutScopeStatus writes the status of one scope.
func (t *Tx) PutScopeStatus(ctx context.Context, st ScopeStatus) error {
	_, err := t.tx.ExecContext(ctx, sqlPutScopeStatus,
		st.AccountID, string(st.Kind), st.ScopeID, st.Name, st.State,
		st.RemoteCount, st.RemainingCount, nullUnix(st.LastSyncedAt),
	)
	if err != nil {
		return classifyWriteErr("writing scope status", err)
	}

	return nil
}

// ScopeStatuses lists persisted scope status for the given accounts, or for
// every account when accountIDs is empty.
func (s *Store) ScopeStatuses(ctx context.Context, accountIDs []int64) ([]ScopeStatus, error) {
	query := sqlListAllScopeStatus
	args := make([]any, 0, len(accountIDs))

	if len(accountIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(accountIDs)), ",")
		query = `SELECT ` + scopeStatusColumns + ` FROM scope_status
			WHERE account_id IN (` + placeholders + `)
			ORDER BY account_id, kind, scope_id`

		for _, id := range accountIDs {
			args = append(args, id)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sync: listing scope status: %w", err)
	}
	defer rows.Close()

	var out []ScopeStatus

	for rows.Next() {
		st, err := scanScopeStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("sync: scanning scope status: %w", err)
		}

		out = append(out, *st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating scope status: %w", err)
	}

	return out, nil
}

// MarkStuck flags one scope as stuck. Runs outside any pass transaction.
func (s *Store) MarkStuck(ctx context.Context, key CheckpointKey) error {
	if _, err := s.db.ExecContext(ctx, sqlMarkStuck, key.AccountID, string(key.Kind), key.ScopeID); err != nil {
		return fmt.Errorf("sync: marking %s/%q stuck: %w", key.Kind, key.ScopeID, err)
	}

	return nil
}

// IsStuck reports whether any scope of the stream is flagged stuck.
func (s *Store) IsStuck(ctx context.Context, key StreamKey) (bool, error) {
	n, err := countRecords(ctx, s.db, sqlCountStuck, key.AccountID, string(key.Kind))
	if err != nil {
		return false, fmt.Errorf("sync: checking stuck state of %s: %w", key, err)
	}

	return n > 0, nil
}

// ClearStuck unflags every stuck scope of the stream and returns how many
// were cleared.
func (s *Store) ClearStuck(ctx context.Context, key StreamKey) (int64, error) {
	res, err := s.db.ExecContext(ctx, sqlClearStuck, key.AccountID, string(key.Kind))
	if err != nil {
		return 0, fmt.Errorf("sync: clearing stuck state of %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sync: reading rows affected: %w", err)
	}

	if n > 0 {
		s.logger.Info("cleared stuck stream", slog.String("stream", key.String()), slog.Int64("scopes", n))
	}

	return n, nil
}
