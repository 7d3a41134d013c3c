package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/njoerd114/flatsync/internal/model"
)

const historyColumns = `id, db_name, coll_name, ts, kind, item_key, value`

// HistoryLog is the append-only log of one collection's pending mutations,
// oldest first. Logs of different collections are independent.
type HistoryLog struct {
	s    *Store
	db   string
	coll string
}

// History returns the log view for one collection.
func (s *Store) History(db, coll string) *HistoryLog {
	return &HistoryLog{s: s, db: db, coll: coll}
}

// Append durably records op without touching the local copy. The local
// mutation path uses [Store.Mutate] instead.
func (h *HistoryLog) Append(ctx context.Context, op model.Op) (*model.HistoryItem, error) {
	var item *model.HistoryItem
	err := h.s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		item, err = appendHistory(ctx, tx, h.db, h.coll, op)
		return err
	})
	return item, err
}

// PeekOldest returns the oldest pending item, or nil when the log is empty.
func (h *HistoryLog) PeekOldest(ctx context.Context) (*model.HistoryItem, error) {
	q := `SELECT ` + historyColumns + ` FROM history
		WHERE db_name = ? AND coll_name = ? ORDER BY ts, id LIMIT 1`
	return scanHistory(h.s.db.QueryRowContext(ctx, q, h.db, h.coll))
}

// RemoveOldest drops the oldest pending item.
func (h *HistoryLog) RemoveOldest(ctx context.Context) error {
	const q = `DELETE FROM history WHERE id = (
		SELECT id FROM history WHERE db_name = ? AND coll_name = ? ORDER BY ts, id LIMIT 1)`
	if _, err := h.s.db.ExecContext(ctx, q, h.db, h.coll); err != nil {
		return ioErr(fmt.Sprintf("removing oldest history of %s/%s", h.db, h.coll), err)
	}
	return nil
}

// Remove drops one item by id. Removing an absent id is not an error, which
// keeps replays after a crash idempotent.
func (h *HistoryLog) Remove(ctx context.Context, id int64) error {
	if _, err := h.s.db.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id); err != nil {
		return ioErr(fmt.Sprintf("removing history item %d", id), err)
	}
	return nil
}

// All returns every pending item, oldest first.
func (h *HistoryLog) All(ctx context.Context) ([]*model.HistoryItem, error) {
	q := `SELECT ` + historyColumns + ` FROM history
		WHERE db_name = ? AND coll_name = ? ORDER BY ts, id`
	rows, err := h.s.db.QueryContext(ctx, q, h.db, h.coll)
	if err != nil {
		return nil, ioErr(fmt.Sprintf("reading history of %s/%s", h.db, h.coll), err)
	}
	defer func() { _ = rows.Close() }()

	var items []*model.HistoryItem
	for rows.Next() {
		it, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr(fmt.Sprintf("reading history of %s/%s", h.db, h.coll), err)
	}
	return items, nil
}

// Len returns the number of pending items.
func (h *HistoryLog) Len(ctx context.Context) (int, error) {
	var n int
	err := h.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM history WHERE db_name = ? AND coll_name = ?`, h.db, h.coll).Scan(&n)
	if err != nil {
		return 0, ioErr(fmt.Sprintf("counting history of %s/%s", h.db, h.coll), err)
	}
	return n, nil
}

// Contains reports whether the item with the given id is still pending.
func (h *HistoryLog) Contains(ctx context.Context, id int64) (bool, error) {
	var n int
	err := h.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, ioErr(fmt.Sprintf("looking up history item %d", id), err)
	}
	return n > 0, nil
}

// HasNewer reports whether a later item targets exactly the same address as
// item, in which case item may be skipped.
func (h *HistoryLog) HasNewer(ctx context.Context, item *model.HistoryItem) (bool, error) {
	var q string
	args := []any{h.db, h.coll, item.Timestamp, item.Timestamp, item.ID}
	if item.Op.Kind() == model.KindClear {
		q = `SELECT COUNT(*) FROM history
			WHERE db_name = ? AND coll_name = ? AND (ts > ? OR (ts = ? AND id > ?))
			  AND kind = 'clear'`
	} else {
		q = `SELECT COUNT(*) FROM history
			WHERE db_name = ? AND coll_name = ? AND (ts > ? OR (ts = ? AND id > ?))
			  AND kind IN ('setItem', 'removeItem') AND item_key = ?`
		args = append(args, model.OpKey(item.Op))
	}

	var n int
	if err := h.s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return false, ioErr("checking for newer history", err)
	}
	return n > 0, nil
}

// Pending reports whether key has unflushed history, counting a pending
// clear of the whole collection.
func (h *HistoryLog) Pending(ctx context.Context, key string) (bool, error) {
	var pending bool
	err := h.s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		pending, err = pendingFor(ctx, tx, h.db, h.coll, key)
		return err
	})
	return pending, err
}

// PendingCollections lists the collections of db that have a backlog.
func (s *Store) PendingCollections(ctx context.Context, db string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT coll_name FROM history WHERE db_name = ? ORDER BY coll_name`, db)
	if err != nil {
		return nil, ioErr("listing pending collections", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, ioErr("scanning pending collection", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("listing pending collections", err)
	}
	return out, nil
}

// PendingCount returns the total backlog of db across all collections.
func (s *Store) PendingCount(ctx context.Context, db string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history WHERE db_name = ?`, db).Scan(&n); err != nil {
		return 0, ioErr("counting pending history", err)
	}
	return n, nil
}

// appendHistory inserts op with a timestamp that never runs backwards within
// the collection, so ts order always agrees with insertion order.
func appendHistory(ctx context.Context, tx *sql.Tx, db, coll string, op model.Op) (*model.HistoryItem, error) {
	var last int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ts), 0) FROM history WHERE db_name = ? AND coll_name = ?`, db, coll).Scan(&last)
	if err != nil {
		return nil, ioErr("reading last history timestamp", err)
	}
	ts := model.Now()
	if model.Stamp(last).Newer(ts) {
		ts = model.Stamp(last)
	}

	var value []byte
	if set, ok := op.(model.SetItem); ok {
		value = set.Value
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO history (db_name, coll_name, ts, kind, item_key, value) VALUES (?, ?, ?, ?, ?, ?)`,
		db, coll, int64(ts), string(op.Kind()), model.OpKey(op), value)
	if err != nil {
		return nil, ioErr(fmt.Sprintf("appending %s to history of %s/%s", op.Kind(), db, coll), err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, ioErr("reading history id", err)
	}
	return &model.HistoryItem{ID: id, Database: db, Collection: coll, Timestamp: ts, Op: op}, nil
}

func pendingFor(ctx context.Context, tx *sql.Tx, db, coll, key string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM history
		WHERE db_name = ? AND coll_name = ? AND (kind = 'clear' OR item_key = ?)`,
		db, coll, key).Scan(&n)
	if err != nil {
		return false, ioErr("checking pending history", err)
	}
	return n > 0, nil
}
