package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLite result codes. Only uniqueness violations mean another writer got
// there first; other constraint failures are plain storage errors.
const (
	sqliteBusy                 = 5
	sqliteLocked               = 6
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

// Store persists accounts, records, checkpoints, scope status and
// heartbeats in a single SQLite database.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// OpenStore opens (creating if needed) the database at dbPath and applies
// pending migrations.
func OpenStore(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters apply the pragmas to every connection. Immediate
	// transactions take the write lock at BEGIN, so a concurrent writer
	// surfaces as SQLITE_BUSY before any read-modify-write happens.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_txlock=immediate",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sync: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("store opened", slog.String("db_path", dbPath))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sync: closing database: %w", err)
	}

	return nil
}

// Tx is a write transaction handed to Update callbacks. All timestamps
// written through one Tx share the same instant.
type Tx struct {
	tx  *sql.Tx
	now time.Time
}

// Update runs fn inside one transaction and commits only if fn returns nil.
// Lock contention with another writer is reported as ErrStaleWrite.
// fn must not call other Store methods: the pool holds one connection.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyWriteErr("beginning transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx, now: s.nowFunc().UTC()}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classifyWriteErr("committing transaction", err)
	}

	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteCode extracts the extended result code from a driver error.
func sqliteCode(err error) int {
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		return coded.Code()
	}

	return 0
}

func classifyWriteErr(doing string, err error) error {
	code := sqliteCode(err)

	switch {
	case code&0xff == sqliteBusy, code&0xff == sqliteLocked,
		code == sqliteConstraintUnique, code == sqliteConstraintPrimaryKey:
		return fmt.Errorf("%w: %s: %v", ErrStaleWrite, doing, err)
	default:
		return fmt.Errorf("sync: %s: %w", doing, err)
	}
}

func nullUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromNullUnix(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}

	return time.Unix(n.Int64, 0).UTC()
}
