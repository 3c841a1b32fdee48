package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS dispatches (
	account       TEXT NOT NULL,
	post          TEXT NOT NULL,
	dispatched_at INTEGER NOT NULL,
	PRIMARY KEY (account, post)
);
CREATE INDEX IF NOT EXISTS idx_dispatches_at ON dispatches (dispatched_at);`

// SQLiteStore persists dispatch records so duplicate suppression survives a
// process restart. The caller should run periodic eviction (see
// RunEviction) to keep the table bounded.
type SQLiteStore struct {
	db      *sql.DB
	ttl     time.Duration
	maxRows int
	now     func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and prepares the
// schema. The caller should call Close when the store is no longer needed.
func NewSQLiteStore(path string, ttl time.Duration, maxRows int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{
		db:      db,
		ttl:     ttl,
		maxRows: maxRows,
		now:     time.Now,
	}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ShouldDispatch implements domain.DedupStore. The check-and-insert runs as
// a single upsert so concurrent duplicates for the same pair cannot both
// pass: the row is only (re)written when no record within the retention
// horizon exists.
func (s *SQLiteStore) ShouldDispatch(ctx context.Context, accountKey, postURI string) (bool, error) {
	now := s.now().UTC()
	cutoff := now.Add(-s.ttl)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatches (account, post, dispatched_at)
		VALUES (?, ?, ?)
		ON CONFLICT (account, post) DO UPDATE SET dispatched_at = excluded.dispatched_at
		WHERE dispatches.dispatched_at < ?`,
		accountKey, postURI, now.UnixMilli(), cutoff.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("record dispatch: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// Evict removes records older than the retention horizon and any excess
// rows beyond maxRows, keeping the most recent. Returns the total number of
// rows deleted.
func (s *SQLiteStore) Evict(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := s.now().UTC().Add(-s.ttl).UnixMilli()
	res, err := tx.ExecContext(ctx, `DELETE FROM dispatches WHERE dispatched_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired records: %w", err)
	}
	ttlDeleted, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		DELETE FROM dispatches WHERE (account, post) IN (
			SELECT account, post FROM dispatches
			ORDER BY dispatched_at DESC
			LIMIT -1 OFFSET ?
		)`, s.maxRows,
	)
	if err != nil {
		return 0, fmt.Errorf("delete excess records: %w", err)
	}
	capDeleted, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	return ttlDeleted + capDeleted, nil
}
