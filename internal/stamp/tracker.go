// Package stamp decides whether a remote database or collection changed
// since it was last observed. Providers that keep reliable modification
// times are queried directly; for the others a changed.stamp marker holding
// an epoch-millisecond integer is written after every remote mutation.
//
// The policy is chosen once per tracker from [provider.Provider.TrustsModTime]
// and never mixed for the same address.
package stamp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/njoerd114/flatsync/internal/model"
	"github.com/njoerd114/flatsync/internal/provider"
	"github.com/njoerd114/flatsync/internal/tree"
)

// Tracker reads and writes change-stamps for database and collection
// addresses through one provider session.
type Tracker struct {
	session provider.Session
	mapper  tree.Mapper
	native  bool
	now     func() time.Time
}

// NewTracker creates a Tracker. native should be the provider's
// TrustsModTime answer.
func NewTracker(session provider.Session, mapper tree.Mapper, native bool) *Tracker {
	return &Tracker{session: session, mapper: mapper, native: native, now: time.Now}
}

// Native reports whether native modification times are used.
func (t *Tracker) Native() bool { return t.native }

// Read returns the current remote stamp for addr. ok is false when the node
// or its marker does not exist.
func (t *Tracker) Read(ctx context.Context, addr model.Address) (s model.Stamp, ok bool, err error) {
	if t.native {
		return t.readNative(ctx, addr)
	}
	return t.readMarker(ctx, addr)
}

func (t *Tracker) readNative(ctx context.Context, addr model.Address) (model.Stamp, bool, error) {
	p, err := t.mapper.ToPath(addr)
	if err != nil {
		return 0, false, err
	}
	mod, err := t.session.StatModified(ctx, p)
	if errors.Is(err, provider.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading native stamp for %s: %w", addr, err)
	}
	return model.StampOf(mod), true, nil
}

func (t *Tracker) readMarker(ctx context.Context, addr model.Address) (model.Stamp, bool, error) {
	p, err := t.mapper.StampPath(addr)
	if err != nil {
		return 0, false, err
	}
	b, err := t.session.ReadBlob(ctx, p)
	if errors.Is(err, provider.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading stamp marker for %s: %w", addr, err)
	}
	s, err := ParseMarker(b)
	if err != nil {
		return 0, false, fmt.Errorf("stamp marker for %s: %w", addr, err)
	}
	return s, true, nil
}

// Write records s as the stamp of addr. With native times it is a no-op.
func (t *Tracker) Write(ctx context.Context, addr model.Address, s model.Stamp) error {
	if t.native {
		return nil
	}
	p, err := t.mapper.StampPath(addr)
	if err != nil {
		return err
	}
	if err := t.session.WriteBlob(ctx, p, FormatMarker(s)); err != nil {
		return fmt.Errorf("writing stamp marker for %s: %w", addr, err)
	}
	return nil
}

// Touch is called after a successful remote mutation in a collection and
// returns the new collection and database stamps. In marker mode the
// collection marker gets max(now, floor+1), so the stamp moves forward even
// when the local clock lags the writer that set floor, and the database
// marker gets a value past both that and its current contents. In native
// mode the collection stamp is re-read and db is zero.
func (t *Tracker) Touch(ctx context.Context, collection model.Address, floor model.Stamp) (coll, db model.Stamp, err error) {
	if t.native {
		coll, _, err = t.Read(ctx, collection)
		return coll, 0, err
	}

	coll = model.StampOf(t.now())
	if !coll.Newer(floor) {
		coll = floor + 1
	}
	if err := t.Write(ctx, collection, coll); err != nil {
		return 0, 0, err
	}

	dbAddr := collection.Parent()
	cur, _, err := t.Read(ctx, dbAddr)
	if err != nil {
		return 0, 0, err
	}
	db = coll
	if !db.Newer(cur) {
		db = cur + 1
	}
	if err := t.Write(ctx, dbAddr, db); err != nil {
		return 0, 0, err
	}
	return coll, db, nil
}

// FormatMarker renders a stamp as marker file contents.
func FormatMarker(s model.Stamp) []byte {
	return []byte(strconv.FormatInt(int64(s), 10))
}

// ParseMarker parses marker file contents. Surrounding whitespace is allowed.
func ParseMarker(b []byte) (model.Stamp, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stamp %q: %w", b, err)
	}
	return model.Stamp(n), nil
}
