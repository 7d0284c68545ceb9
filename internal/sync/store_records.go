package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const recordColumns = `id, public_id, namespace_id, kind, scope_id, uid, payload,
	remote_updated_at, version, created_at, updated_at`

const (
	sqlGetRecord = `SELECT ` + recordColumns + ` FROM records
		WHERE namespace_id = ? AND kind = ? AND scope_id = ? AND uid = ?`

	sqlInsertRecord = `INSERT INTO records
		(public_id, namespace_id, kind, scope_id, uid, payload, remote_updated_at, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`

	sqlUpdateRecord = `UPDATE records
		SET payload = ?, remote_updated_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`

	sqlDeleteRecord = `DELETE FROM records WHERE id = ? AND version = ?`

	sqlListScopeRecords = `SELECT ` + recordColumns + ` FROM records
		WHERE namespace_id = ? AND kind = ? AND scope_id = ?
		ORDER BY uid`

	sqlListRecordsSince = `SELECT ` + recordColumns + ` FROM records
		WHERE namespace_id = ? AND kind = ? AND remote_updated_at >= ?
		ORDER BY remote_updated_at, id
		LIMIT ?`

	sqlCountScopeRecords = `SELECT COUNT(*) FROM records
		WHERE namespace_id = ? AND kind = ? AND scope_id = ?`

	sqlCountRecordsAfter = `SELECT COUNT(*) FROM records
		WHERE namespace_id = ? AND kind = ? AND remote_updated_at > ?`

	sqlDeleteScopeRecords = `DELETE FROM records
		WHERE namespace_id = ? AND kind = ? AND scope_id = ?`
)

// minUnix orders before every valid cursor in range queries.
const minUnix = -1 << 62

func scanRecord(row interface{ Scan(...any) error }) (*LocalRecord, error) {
	var (
		r                                   LocalRecord
		kind, payload                       string
		remoteUpdated, createdAt, updatedAt int64
	)

	if err := row.Scan(&r.ID, &r.PublicID, &r.NamespaceID, &kind, &r.ScopeID, &r.UID, &payload,
		&remoteUpdated, &r.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	r.Kind = StreamKind(kind)
	r.Payload = []byte(payload)
	r.RemoteUpdatedAt = time.Unix(remoteUpdated, 0).UTC()
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &r, nil
}

func getRecord(ctx context.Context, q querier, ns int64, kind StreamKind, scopeID, uid string) (*LocalRecord, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, sqlGetRecord, ns, string(kind), scopeID, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // absent is not an error
	}

	if err != nil {
		return nil, fmt.Errorf("sync: reading record %s/%q/%q: %w", kind, scopeID, uid, err)
	}

	return rec, nil
}

func queryRecords(ctx context.Context, q querier, query string, args ...any) ([]*LocalRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sync: listing records: %w", err)
	}
	defer rows.Close()

	var out []*LocalRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sync: scanning record: %w", err)
		}

		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating records: %w", err)
	}

	return out, nil
}

func countRecords(ctx context.Context, q querier, query string, args ...any) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sync: counting records: %w", err)
	}

	return n, nil
}

// GetRecord returns the record keyed by (namespace, kind, scope, uid), or
// nil if absent.
func (s *Store) GetRecord(ctx context.Context, ns int64, kind StreamKind, scopeID, uid string) (*LocalRecord, error) {
	return getRecord(ctx, s.db, ns, kind, scopeID, uid)
}

// ListRecords returns every record of one scope ordered by uid.
func (s *Store) ListRecords(ctx context.Context, ns int64, kind StreamKind, scopeID string) ([]*LocalRecord, error) {
	return queryRecords(ctx, s.db, sqlListScopeRecords, ns, string(kind), scopeID)
}

// ListRecordsSince returns up to limit records of kind whose remote update
// time is at or after since, oldest first. An invalid cursor lists from the
// beginning.
func (s *Store) ListRecordsSince(ctx context.Context, ns int64, kind StreamKind, since Cursor, limit int) ([]*LocalRecord, error) {
	from := int64(minUnix)
	if since.Valid {
		from = since.Unix
	}

	return queryRecords(ctx, s.db, sqlListRecordsSince, ns, string(kind), from, limit)
}

// CountRecordsAfter counts records of kind updated strictly after the
// cursor, or all of them when the cursor is invalid.
func (s *Store) CountRecordsAfter(ctx context.Context, ns int64, kind StreamKind, after Cursor) (int64, error) {
	from := int64(minUnix)
	if after.Valid {
		from = after.Unix
	} else {
		from--
	}

	return countRecords(ctx, s.db, sqlCountRecordsAfter, ns, string(kind), from)
}

// GetRecord reads a record inside the transaction. Nil if absent.
func (t *Tx) GetRecord(ctx context.Context, ns int64, kind StreamKind, scopeID, uid string) (*LocalRecord, error) {
	return getRecord(ctx, t.tx, ns, kind, scopeID, uid)
}

// InsertRecord creates rec, filling ID, PublicID, Version and timestamps.
// A uniqueness violation means another writer got there first.
func (t *Tx) InsertRecord(ctx context.Context, rec *LocalRecord) error {
	publicID := uuid.NewString()
	now := t.now.Unix()

	res, err := t.tx.ExecContext(ctx, sqlInsertRecord,
		publicID, rec.NamespaceID, string(rec.Kind), rec.ScopeID, rec.UID, string(rec.Payload),
		rec.RemoteUpdatedAt.Unix(), now, now,
	)
	if err != nil {
		return classifyWriteErr(fmt.Sprintf("inserting record %q", rec.UID), err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sync: reading inserted record id: %w", err)
	}

	rec.ID = id
	rec.PublicID = publicID
	rec.Version = 1
	rec.CreatedAt = t.now.Truncate(time.Second)
	rec.UpdatedAt = rec.CreatedAt

	return nil
}

// UpdateRecord overwrites payload and remote time if rec.Version still
// matches the stored row, then bumps rec.Version. ErrStaleWrite otherwise.
func (t *Tx) UpdateRecord(ctx context.Context, rec *LocalRecord) error {
	res, err := t.tx.ExecContext(ctx, sqlUpdateRecord,
		string(rec.Payload), rec.RemoteUpdatedAt.Unix(), t.now.Unix(), rec.ID, rec.Version,
	)
	if err != nil {
		return classifyWriteErr(fmt.Sprintf("updating record %q", rec.UID), err)
	}

	if err := expectOneRow(res, rec); err != nil {
		return err
	}

	rec.Version++
	rec.UpdatedAt = t.now.Truncate(time.Second)

	return nil
}

// DeleteRecord removes rec if its version still matches. ErrStaleWrite
// otherwise.
func (t *Tx) DeleteRecord(ctx context.Context, rec *LocalRecord) error {
	res, err := t.tx.ExecContext(ctx, sqlDeleteRecord, rec.ID, rec.Version)
	if err != nil {
		return classifyWriteErr(fmt.Sprintf("deleting record %q", rec.UID), err)
	}

	return expectOneRow(res, rec)
}

// CountRecords counts the records of one scope.
func (t *Tx) CountRecords(ctx context.Context, ns int64, kind StreamKind, scopeID string) (int64, error) {
	return countRecords(ctx, t.tx, sqlCountScopeRecords, ns, string(kind), scopeID)
}

// DeleteScopeRecords removes every record of one scope and returns how many
// were removed.
func (t *Tx) DeleteScopeRecords(ctx context.Context, ns int64, kind StreamKind, scopeID string) (int64, error) {
	res, err := t.tx.ExecContext(ctx, sqlDeleteScopeRecords, ns, string(kind), scopeID)
	if err != nil {
		return 0, classifyWriteErr("deleting scope records", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sync: reading rows affected: %w", err)
	}

	return n, nil
}

func expectOneRow(res sql.Result, rec *LocalRecord) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sync: reading rows affected: %w", err)
	}

	if n != 1 {
		return fmt.Errorf("%w: record %q changed since read (version %d)", ErrStaleWrite, rec.UID, rec.Version)
	}

	return nil
}
