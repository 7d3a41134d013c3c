package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/njoerd114/flatsync/internal/model"
)

// Get returns the value stored under key, or ok=false if there is none.
func (s *Store) Get(ctx context.Context, db, coll, key string) (json.RawMessage, bool, error) {
	const q = `SELECT value FROM kv WHERE db_name = ? AND coll_name = ? AND item_key = ?`
	var v []byte
	err := s.db.QueryRowContext(ctx, q, db, coll, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ioErr(fmt.Sprintf("reading %s/%s/%s", db, coll, key), err)
	}
	return json.RawMessage(v), true, nil
}

// Keys returns the keys of a collection in ascending order.
func (s *Store) Keys(ctx context.Context, db, coll string) ([]string, error) {
	const q = `SELECT item_key FROM kv WHERE db_name = ? AND coll_name = ? ORDER BY item_key`
	rows, err := s.db.QueryContext(ctx, q, db, coll)
	if err != nil {
		return nil, ioErr(fmt.Sprintf("listing keys of %s/%s", db, coll), err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, ioErr("scanning key", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr(fmt.Sprintf("listing keys of %s/%s", db, coll), err)
	}
	return keys, nil
}

// Len returns the number of items in a collection.
func (s *Store) Len(ctx context.Context, db, coll string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv WHERE db_name = ? AND coll_name = ?`, db, coll).Scan(&n)
	if err != nil {
		return 0, ioErr(fmt.Sprintf("counting %s/%s", db, coll), err)
	}
	return n, nil
}

// Key returns the n-th key (zero-based, ascending order).
func (s *Store) Key(ctx context.Context, db, coll string, n int) (string, bool, error) {
	const q = `SELECT item_key FROM kv WHERE db_name = ? AND coll_name = ? ORDER BY item_key LIMIT 1 OFFSET ?`
	var k string
	err := s.db.QueryRowContext(ctx, q, db, coll, n).Scan(&k)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, ioErr(fmt.Sprintf("reading key %d of %s/%s", n, db, coll), err)
	}
	return k, true, nil
}

// Items returns a snapshot of a collection in key order.
func (s *Store) Items(ctx context.Context, db, coll string) ([]model.Item, error) {
	const q = `SELECT item_key, value FROM kv WHERE db_name = ? AND coll_name = ? ORDER BY item_key`
	rows, err := s.db.QueryContext(ctx, q, db, coll)
	if err != nil {
		return nil, ioErr(fmt.Sprintf("reading %s/%s", db, coll), err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.Item
	for rows.Next() {
		var it model.Item
		var v []byte
		if err := rows.Scan(&it.Key, &v); err != nil {
			return nil, ioErr("scanning item", err)
		}
		it.Value = json.RawMessage(v)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr(fmt.Sprintf("reading %s/%s", db, coll), err)
	}
	return items, nil
}

// Iterate calls fn for every item in key order until fn returns false. The
// collection is snapshotted first, so fn may call back into the store.
func (s *Store) Iterate(ctx context.Context, db, coll string, fn func(key string, value json.RawMessage) bool) error {
	items, err := s.Items(ctx, db, coll)
	if err != nil {
		return err
	}
	for _, it := range items {
		if !fn(it.Key, it.Value) {
			return nil
		}
	}
	return nil
}

// Mutate applies op to the local copy and appends it to the history log in
// a single transaction. Either both happen or neither does, so a local write
// that failed is never queued for replay.
func (s *Store) Mutate(ctx context.Context, db, coll string, op model.Op) (*model.HistoryItem, error) {
	var item *model.HistoryItem
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := applyLocal(ctx, tx, db, coll, op); err != nil {
			return err
		}
		var err error
		item, err = appendHistory(ctx, tx, db, coll, op)
		return err
	})
	return item, err
}

// ApplyRemote writes a value fetched from the remote (or removes the key
// when removed is true) unless the key still has unflushed local history or
// the collection has a pending clear. applied reports whether the local copy
// was changed.
func (s *Store) ApplyRemote(ctx context.Context, addr model.Address, value json.RawMessage, removed bool) (applied bool, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		pending, err := pendingFor(ctx, tx, addr.Database, addr.Collection, addr.Item)
		if err != nil {
			return err
		}
		if pending {
			return nil
		}

		var op model.Op = model.SetItem{Key: addr.Item, Value: value}
		if removed {
			op = model.RemoveItem{Key: addr.Item}
		}
		if err := applyLocal(ctx, tx, addr.Database, addr.Collection, op); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func applyLocal(ctx context.Context, tx *sql.Tx, db, coll string, op model.Op) error {
	var err error
	switch o := op.(type) {
	case model.SetItem:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO kv (db_name, coll_name, item_key, value) VALUES (?, ?, ?, ?)
			ON CONFLICT(db_name, coll_name, item_key) DO UPDATE SET value = excluded.value`,
			db, coll, o.Key, []byte(o.Value))
	case model.RemoveItem:
		_, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE db_name = ? AND coll_name = ? AND item_key = ?`, db, coll, o.Key)
	case model.Clear:
		_, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE db_name = ? AND coll_name = ?`, db, coll)
	default:
		return fmt.Errorf("unsupported operation %T", op)
	}
	if err != nil {
		return ioErr(fmt.Sprintf("applying %s to %s/%s", op.Kind(), db, coll), err)
	}
	return nil
}
