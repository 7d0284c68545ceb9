package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tonimelisma/inbox-sync/internal/heartbeat"
)

const (
	sqlPutHeartbeat = `INSERT INTO heartbeats
		(account_id, scope_id, alive, initial_sync, state, remote_count, remaining_count, heartbeat_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, scope_id) DO UPDATE SET
			alive = excluded.alive,
			initial_sync = excluded.initial_sync,
			state = excluded.state,
			remote_count = excluded.remote_count,
			remaining_count = excluded.remaining_count,
			heartbeat_at = excluded.heartbeat_at,
			expires_at = excluded.expires_at`

	sqlPruneHeartbeats = `DELETE FROM heartbeats WHERE expires_at <= ?`

	heartbeatColumns = `account_id, scope_id, alive, initial_sync, state, remote_count, remaining_count, heartbeat_at`

	sqlClearHeartbeats = `DELETE FROM heartbeats WHERE account_id = ?`
)

// Heartbeats returns the store's heartbeat table as a heartbeat.Store, the
// default liveness backend.
func (s *Store) Heartbeats() heartbeat.Store {
	return &sqliteHeartbeats{s: s}
}

type sqliteHeartbeats struct {
	s *Store
}

// Put writes a heartbeat that expires after ttl.
func (h *sqliteHeartbeats) Put(ctx context.Context, rec heartbeat.Record, ttl time.Duration) error {
	if rec.AccountID == 0 {
		return heartbeat.ErrInvalidRecord
	}

	expires := h.s.nowFunc().Add(ttl).UnixNano()

	_, err := h.s.db.ExecContext(ctx, sqlPutHeartbeat,
		rec.AccountID, rec.ScopeID, rec.Alive, rec.InitialSync, rec.State,
		rec.RemoteCount, rec.RemainingCount, rec.HeartbeatAt.UnixNano(), expires,
	)
	if err != nil {
		return fmt.Errorf("sync: writing heartbeat for account %d: %w", rec.AccountID, err)
	}

	return nil
}

// List prunes expired heartbeats and returns the rest for the given
// accounts, or for every account when accountIDs is empty.
func (h *sqliteHeartbeats) List(ctx context.Context, accountIDs []int64) ([]heartbeat.Record, error) {
	if _, err := h.s.db.ExecContext(ctx, sqlPruneHeartbeats, h.s.nowFunc().UnixNano()); err != nil {
		return nil, fmt.Errorf("sync: pruning heartbeats: %w", err)
	}

	query := `SELECT ` + heartbeatColumns + ` FROM heartbeats`
	args := make([]any, 0, len(accountIDs))

	if len(accountIDs) > 0 {
		query += ` WHERE account_id IN (` + strings.TrimSuffix(strings.Repeat("?,", len(accountIDs)), ",") + `)`

		for _, id := range accountIDs {
			args = append(args, id)
		}
	}

	query += ` ORDER BY account_id, scope_id`

	rows, err := h.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sync: listing heartbeats: %w", err)
	}
	defer rows.Close()

	var out []heartbeat.Record

	for rows.Next() {
		var (
			rec heartbeat.Record
			at  int64
		)

		if err := rows.Scan(&rec.AccountID, &rec.ScopeID, &rec.Alive, &rec.InitialSync, &rec.State,
			&rec.RemoteCount, &rec.RemainingCount, &at); err != nil {
			return nil, fmt.Errorf("sync: scanning heartbeat: %w", err)
		}

		rec.HeartbeatAt = time.Unix(0, at).UTC()
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating heartbeats: %w", err)
	}

	return out, nil
}

// Clear removes every heartbeat of an account.
func (h *sqliteHeartbeats) Clear(ctx context.Context, accountID int64) error {
	if _, err := h.s.db.ExecContext(ctx, sqlClearHeartbeats, accountID); err != nil {
		return fmt.Errorf("sync: clearing heartbeats of account %d: %w", accountID, err)
	}

	return nil
}
