// Package state manages the SQLite database that holds the local copy of
// every synced collection, the history log of mutations awaiting remote
// replay, and the last remote stamp observed per collection.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/flatsync/internal/model"
)

// ErrStoreIO wraps every failure of the local persistence layer.
var ErrStoreIO = errors.New("local store I/O")

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    db_name    TEXT NOT NULL,
    coll_name  TEXT NOT NULL,
    item_key   TEXT NOT NULL,
    value      BLOB NOT NULL,
    PRIMARY KEY (db_name, coll_name, item_key)
);

CREATE TABLE IF NOT EXISTS history (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    db_name    TEXT    NOT NULL,
    coll_name  TEXT    NOT NULL,
    ts         INTEGER NOT NULL,
    kind       TEXT    NOT NULL,
    item_key   TEXT    NOT NULL DEFAULT '',
    value      BLOB
);

CREATE INDEX IF NOT EXISTS idx_history_coll ON history (db_name, coll_name, ts, id);
CREATE INDEX IF NOT EXISTS idx_history_key  ON history (db_name, coll_name, item_key);

CREATE TABLE IF NOT EXISTS stamps (
    db_name    TEXT    NOT NULL,
    coll_name  TEXT    NOT NULL DEFAULT '',
    stamp      INTEGER NOT NULL,
    PRIMARY KEY (db_name, coll_name)
);

CREATE TABLE IF NOT EXISTS item_counts (
    db_name    TEXT    NOT NULL,
    coll_name  TEXT    NOT NULL,
    items      INTEGER NOT NULL,
    PRIMARY KEY (db_name, coll_name)
);
`

// Store is the SQLite-backed local repository.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the state database:
// ~/.local/share/flatsync/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "flatsync", "state.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL. It also serialises every
	// transaction, which the history/kv invariants rely on.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// ioErr wraps err as a local store failure.
func ioErr(what string, err error) error {
	return fmt.Errorf("%s: %w: %w", what, ErrStoreIO, err)
}

// inTx runs fn inside a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ioErr("beginning transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return ioErr("committing transaction", err)
	}
	return nil
}

// Collections returns every collection of db known locally: those holding
// items, those with pending history, and those with a recorded stamp.
func (s *Store) Collections(ctx context.Context, db string) ([]string, error) {
	const q = `
		SELECT coll_name FROM kv      WHERE db_name = ?
		UNION
		SELECT coll_name FROM history WHERE db_name = ?
		UNION
		SELECT coll_name FROM stamps  WHERE db_name = ? AND coll_name != ''
		ORDER BY 1`
	rows, err := s.db.QueryContext(ctx, q, db, db, db)
	if err != nil {
		return nil, ioErr("listing collections", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, ioErr("scanning collection", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("listing collections", err)
	}
	return out, nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanHistory can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanHistory(sc scanner) (*model.HistoryItem, error) {
	var (
		h     model.HistoryItem
		ts    int64
		kind  string
		key   string
		value []byte
	)
	err := sc.Scan(&h.ID, &h.Database, &h.Collection, &ts, &kind, &key, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, ioErr("scanning history row", err)
	}
	h.Timestamp = model.Stamp(ts)
	h.Op, err = model.DecodeOp(model.Kind(kind), key, value)
	if err != nil {
		return nil, fmt.Errorf("history row %d: %w", h.ID, err)
	}
	return &h, nil
}
