package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const accountColumns = `a.id, a.public_id, a.namespace_id, n.public_id, a.email, a.provider,
	a.source_type, a.source_config, a.sync_state, a.original_start_time, a.created_at`

const (
	sqlSelectAccounts = `SELECT ` + accountColumns + `
		FROM accounts a JOIN namespaces n ON n.id = a.namespace_id`

	sqlInsertNamespace = `INSERT INTO namespaces (public_id, created_at) VALUES (?, ?)`

	sqlInsertAccount = `INSERT INTO accounts
		(public_id, namespace_id, email, provider, source_type, source_config, sync_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'stopped', ?)`

	// Starting an account stamps original_start_time once; stopping keeps it.
	sqlSetSyncState = `UPDATE accounts
		SET sync_state = ?,
		    original_start_time = CASE
		        WHEN ? = 'running' THEN COALESCE(original_start_time, ?)
		        ELSE original_start_time END
		WHERE id = ?`

	sqlNamespaceExists = `SELECT COUNT(*) FROM namespaces WHERE public_id = ?`

	sqlDeleteNamespaceOfAccount = `DELETE FROM namespaces
		WHERE id = (SELECT namespace_id FROM accounts WHERE id = ?)`
)

// NewAccount holds the caller-supplied fields of an account.
type NewAccount struct {
	Email    string
	Provider string
	Source   SourceConfig
}

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var (
		a                  Account
		srcType, srcConfig string
		startTime          sql.NullInt64
		createdAt          int64
	)

	if err := row.Scan(&a.ID, &a.PublicID, &a.NamespaceID, &a.NamespacePublicID, &a.Email, &a.Provider,
		&srcType, &srcConfig, &a.SyncState, &startTime, &createdAt); err != nil {
		return nil, err
	}

	src, err := decodeSourceConfig(srcType, srcConfig)
	if err != nil {
		return nil, err
	}

	a.Source = src
	a.OriginalStartTime = fromNullUnix(startTime)
	a.CreatedAt = time.Unix(createdAt, 0).UTC()

	return &a, nil
}

// CreateAccount registers an account with its own namespace. New accounts
// start stopped.
func (s *Store) CreateAccount(ctx context.Context, in NewAccount) (*Account, error) {
	if strings.TrimSpace(in.Email) == "" {
		return nil, errors.New("sync: account email is required")
	}

	srcType, srcConfig, err := encodeSourceConfig(in.Source)
	if err != nil {
		return nil, err
	}

	var id int64

	err = s.Update(ctx, func(tx *Tx) error {
		now := tx.now.Unix()

		res, err := tx.tx.ExecContext(ctx, sqlInsertNamespace, uuid.NewString(), now)
		if err != nil {
			return fmt.Errorf("sync: inserting namespace: %w", err)
		}

		nsID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("sync: reading namespace id: %w", err)
		}

		res, err = tx.tx.ExecContext(ctx, sqlInsertAccount,
			uuid.NewString(), nsID, in.Email, in.Provider, srcType, srcConfig, now)
		if err != nil {
			return fmt.Errorf("sync: inserting account: %w", err)
		}

		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("sync: reading account id: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("account created",
		slog.Int64("account_id", id),
		slog.String("email", in.Email),
		slog.String("source_type", srcType),
	)

	return s.GetAccount(ctx, id)
}

// GetAccount returns the account with the given ID, or ErrAccountNotFound.
func (s *Store) GetAccount(ctx context.Context, id int64) (*Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx, sqlSelectAccounts+` WHERE a.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrAccountNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("sync: reading account %d: %w", id, err)
	}

	return a, nil
}

// ResolveAccount finds an account by numeric ID, public ID or email.
func (s *Store) ResolveAccount(ctx context.Context, ref string) (*Account, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return s.GetAccount(ctx, id)
	}

	a, err := scanAccount(s.db.QueryRowContext(ctx,
		sqlSelectAccounts+` WHERE a.public_id = ? OR a.email = ? ORDER BY a.id LIMIT 1`, ref, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrAccountNotFound, ref)
	}

	if err != nil {
		return nil, fmt.Errorf("sync: resolving account %q: %w", ref, err)
	}

	return a, nil
}

// ListAccounts returns accounts ordered by ID. A non-empty namespace public
// ID filters to that namespace and fails with ErrNamespaceNotFound if it
// does not exist.
func (s *Store) ListAccounts(ctx context.Context, namespacePublicID string) ([]*Account, error) {
	query := sqlSelectAccounts + ` ORDER BY a.id`
	var args []any

	if namespacePublicID != "" {
		var n int
		if err := s.db.QueryRowContext(ctx, sqlNamespaceExists, namespacePublicID).Scan(&n); err != nil {
			return nil, fmt.Errorf("sync: looking up namespace: %w", err)
		}

		if n == 0 {
			return nil, fmt.Errorf("%w: %q", ErrNamespaceNotFound, namespacePublicID)
		}

		query = sqlSelectAccounts + ` WHERE n.public_id = ? ORDER BY a.id`
		args = append(args, namespacePublicID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sync: listing accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account

	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("sync: scanning account: %w", err)
		}

		out = append(out, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating accounts: %w", err)
	}

	return out, nil
}

// SetSyncState starts or stops syncing an account. The first start stamps
// OriginalStartTime.
func (s *Store) SetSyncState(ctx context.Context, id int64, state string) error {
	if state != AccountStateRunning && state != AccountStateStopped {
		return fmt.Errorf("sync: invalid account sync state %q", state)
	}

	res, err := s.db.ExecContext(ctx, sqlSetSyncState, state, state, s.nowFunc().Unix(), id)
	if err != nil {
		return fmt.Errorf("sync: setting sync state of account %d: %w", id, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %d", ErrAccountNotFound, id)
	}

	s.logger.Info("account sync state changed",
		slog.Int64("account_id", id),
		slog.String("state", state),
	)

	return nil
}

// DeleteAccount removes an account together with its namespace, records,
// checkpoints, scope status and heartbeats.
func (s *Store) DeleteAccount(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, sqlDeleteNamespaceOfAccount, id)
	if err != nil {
		return fmt.Errorf("sync: deleting account %d: %w", id, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %d", ErrAccountNotFound, id)
	}

	s.logger.Info("account deleted", slog.Int64("account_id", id))

	return nil
}
