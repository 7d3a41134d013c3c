package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/njoerd114/flatsync/internal/model"
)

// KnownStamp returns the remote stamp last observed for a database or
// collection address, or 0 if it was never observed.
func (s *Store) KnownStamp(ctx context.Context, addr model.Address) (model.Stamp, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT stamp FROM stamps WHERE db_name = ? AND coll_name = ?`, addr.Database, addr.Collection).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, ioErr(fmt.Sprintf("reading known stamp of %s", addr), err)
	}
	return model.Stamp(v), nil
}

// SetKnownStamp records the remote stamp observed for addr.
func (s *Store) SetKnownStamp(ctx context.Context, addr model.Address, stamp model.Stamp) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stamps (db_name, coll_name, stamp) VALUES (?, ?, ?)
		ON CONFLICT(db_name, coll_name) DO UPDATE SET stamp = excluded.stamp`,
		addr.Database, addr.Collection, int64(stamp))
	if err != nil {
		return ioErr(fmt.Sprintf("recording known stamp of %s", addr), err)
	}
	return nil
}

// HasSynced reports whether any stamp was ever recorded for db. A database
// that never synced is a candidate for the first-run bootstrap.
func (s *Store) HasSynced(ctx context.Context, db string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stamps WHERE db_name = ?`, db).Scan(&n); err != nil {
		return false, ioErr("checking sync history", err)
	}
	return n > 0, nil
}

// KnownItemCount returns how many item blobs a remote collection held when
// it was last reconciled. ok is false if it was never recorded.
func (s *Store) KnownItemCount(ctx context.Context, addr model.Address) (n int, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT items FROM item_counts WHERE db_name = ? AND coll_name = ?`, addr.Database, addr.Collection).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, ioErr(fmt.Sprintf("reading item count of %s", addr), err)
	}
	return n, true, nil
}

// SetKnownItemCount records the remote item count observed for addr.
func (s *Store) SetKnownItemCount(ctx context.Context, addr model.Address, n int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO item_counts (db_name, coll_name, items) VALUES (?, ?, ?)
		ON CONFLICT(db_name, coll_name) DO UPDATE SET items = excluded.items`,
		addr.Database, addr.Collection, n)
	if err != nil {
		return ioErr(fmt.Sprintf("recording item count of %s", addr), err)
	}
	return nil
}
