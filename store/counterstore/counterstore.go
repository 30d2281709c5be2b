// Package counterstore implements segment.CounterStore over SQLite,
// following the connection-handling idiom of a single *sql.DB with
// WAL journaling and a short busy timeout so concurrent allocators
// serialize on SQLITE_BUSY retries rather than failing outright.
package counterstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nebulaid/idengine/errs"
	"github.com/nebulaid/idengine/segment"
)

const schema = `
CREATE TABLE IF NOT EXISTS id_counters (
	workspace  TEXT NOT NULL,
	biz_tag    TEXT NOT NULL,
	current_id INTEGER NOT NULL DEFAULT 0,
	step       INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (workspace, biz_tag)
);
`

// Store is a segment.CounterStore backed by a local SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at dsn and
// ensures the counters table exists. The pool holds a single connection,
// so GetRange and AllocateRange calls on one Store run one at a time.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", dsn))
	if err != nil {
		return nil, errs.NewStoreUnavailableError("counter_store", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.NewStoreUnavailableError("counter_store", err)
	}
	return &Store{db: db}, nil
}

var _ segment.CounterStore = (*Store)(nil)

// AllocateRange performs the read-advance-write under BEGIN IMMEDIATE so
// two allocators racing on the same (workspace, bizTag) serialize instead
// of handing out overlapping ranges: the first to start the immediate
// transaction holds the write lock until commit.
func (s *Store) AllocateRange(ctx context.Context, workspace, bizTag string, step int64) (int64, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, errs.NewStoreUnavailableError("counter_store", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO id_counters (workspace, biz_tag, current_id, step) VALUES (?, ?, 0, ?)
		 ON CONFLICT(workspace, biz_tag) DO NOTHING`, workspace, bizTag, step); err != nil {
		return 0, 0, errs.NewStoreUnavailableError("counter_store", err)
	}

	var start int64
	if err := tx.QueryRowContext(ctx,
		`SELECT current_id FROM id_counters WHERE workspace = ? AND biz_tag = ?`,
		workspace, bizTag).Scan(&start); err != nil {
		return 0, 0, errs.NewStoreUnavailableError("counter_store", err)
	}

	max := start + step
	if _, err := tx.ExecContext(ctx,
		`UPDATE id_counters SET current_id = ?, step = ? WHERE workspace = ? AND biz_tag = ?`,
		max, step, workspace, bizTag); err != nil {
		return 0, 0, errs.NewStoreUnavailableError("counter_store", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, errs.NewStoreUnavailableError("counter_store", err)
	}
	return start, max, nil
}

// GetRange is a non-mutating point read for diagnostics.
func (s *Store) GetRange(ctx context.Context, workspace, bizTag string) (*segment.RangeInfo, error) {
	var current, step int64
	err := s.db.QueryRowContext(ctx,
		`SELECT current_id, step FROM id_counters WHERE workspace = ? AND biz_tag = ?`,
		workspace, bizTag).Scan(&current, &step)
	if err == sql.ErrNoRows {
		return &segment.RangeInfo{}, nil
	}
	if err != nil {
		return nil, errs.NewStoreUnavailableError("counter_store", err)
	}
	return &segment.RangeInfo{CurrentID: current, MaxID: current, Step: step}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
