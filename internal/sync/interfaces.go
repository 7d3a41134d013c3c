// Package sync keeps the local copy of a database and its remote file tree
// in step. It contains four cooperating parts:
//
//   - [Replayer] drains each collection's history log against the remote,
//     one item at a time and in order.
//   - [Checker] compares remote change-stamps with the last observed ones and
//     pulls external changes into the local copy.
//   - [Engine] runs both for one login session: resume, periodic checks and
//     provider push hints.
//   - [Bootstrap] handles the first sync of a database on a new remote.
package sync

import (
	"context"
	"encoding/json"

	"github.com/njoerd114/flatsync/internal/model"
	"github.com/njoerd114/flatsync/internal/state"
)

// StateStore is the slice of the local store the sync engine needs.
// Implemented by [state.Store].
type StateStore interface {
	History(db, coll string) *state.HistoryLog
	Items(ctx context.Context, db, coll string) ([]model.Item, error)
	Collections(ctx context.Context, db string) ([]string, error)
	PendingCollections(ctx context.Context, db string) ([]string, error)
	ApplyRemote(ctx context.Context, addr model.Address, value json.RawMessage, removed bool) (bool, error)
	KnownStamp(ctx context.Context, addr model.Address) (model.Stamp, error)
	SetKnownStamp(ctx context.Context, addr model.Address, stamp model.Stamp) error
	KnownItemCount(ctx context.Context, addr model.Address) (int, bool, error)
	SetKnownItemCount(ctx context.Context, addr model.Address, n int) error
	HasSynced(ctx context.Context, db string) (bool, error)
}

// Change describes one remote change applied to the local copy.
type Change struct {
	Address model.Address
	Value   json.RawMessage
	Removed bool
}
