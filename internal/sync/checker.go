package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/flatsync/internal/model"
	"github.com/njoerd114/flatsync/internal/provider"
	"github.com/njoerd114/flatsync/internal/stamp"
	"github.com/njoerd114/flatsync/internal/tree"
)

const (
	spanCheck     = "consistency.check"
	metricChanges = "flatsync.consistency.changes"
)

// Checker pulls external remote changes into the local copy. Remote values
// win unless the key still has unflushed local history, in which case the
// replay of that history will overwrite the remote shortly.
type Checker struct {
	store   StateStore
	session provider.Session
	mapper  tree.Mapper
	tracker *stamp.Tracker
	locks   *collectionLocks
	db      string
	emit    func(Change)
	log     *slog.Logger

	tracer     trace.Tracer
	cntChanges metric.Int64Counter
}

// NewChecker creates a Checker. emit receives every change applied locally,
// in the order the changes were detected.
func NewChecker(store StateStore, session provider.Session, mapper tree.Mapper, tracker *stamp.Tracker, locks *collectionLocks, db string, emit func(Change), logger *slog.Logger) *Checker {
	if emit == nil {
		emit = func(Change) {}
	}
	if locks == nil {
		locks = newCollectionLocks()
	}
	return &Checker{
		store:   store,
		session: session,
		mapper:  mapper,
		tracker: tracker,
		locks:   locks,
		db:      db,
		emit:    emit,
		log:     logger,

		tracer:     otel.Tracer(otelScope),
		cntChanges: mustCounter(otel.Meter(otelScope), logger, metricChanges, "Remote changes applied to the local copy"),
	}
}

// IsStale reports whether the remote node at addr changed since it was last
// observed, and returns the fresh remote stamp. A node that was observed
// before and has since vanished also counts as stale.
func (c *Checker) IsStale(ctx context.Context, addr model.Address) (bool, model.Stamp, error) {
	remote, ok, err := c.tracker.Read(ctx, addr)
	if err != nil {
		return false, 0, err
	}
	known, err := c.store.KnownStamp(ctx, addr)
	if err != nil {
		return false, 0, err
	}
	if !ok {
		return known != 0, 0, nil
	}
	return remote.Newer(known), remote, nil
}

// CheckCollection reconciles coll if its remote stamp moved. It returns the
// number of changes applied locally.
func (c *Checker) CheckCollection(ctx context.Context, coll string) (int, error) {
	addr := model.CollectionAddress(c.db, coll)
	unlock := c.locks.lock(coll)
	defer unlock()

	stale, _, err := c.IsStale(ctx, addr)
	if err == nil && !stale && c.tracker.Native() {
		stale, err = c.countChanged(ctx, addr)
	}
	if err != nil {
		return 0, fmt.Errorf("checking %s: %w", addr, err)
	}
	if !stale {
		return 0, nil
	}
	return c.reconcileLocked(ctx, coll)
}

// countChanged compares the number of remote item blobs with the count seen
// at the last reconcile. Native folder times do not move when a child is
// deleted, so a shrinking listing is the only sign of an external delete.
func (c *Checker) countChanged(ctx context.Context, addr model.Address) (bool, error) {
	dir, err := c.mapper.ToPath(addr)
	if err != nil {
		return false, err
	}
	names, err := c.session.ListChildren(ctx, dir)
	if err != nil {
		return false, err
	}
	known, ok, err := c.store.KnownItemCount(ctx, addr)
	if err != nil {
		return false, err
	}
	return !ok || known != countItems(names), nil
}

func countItems(names []string) int {
	n := 0
	for _, name := range names {
		if _, ok := tree.ItemKey(name); ok {
			n++
		}
	}
	return n
}

// Reconcile fetches coll from the remote unconditionally.
func (c *Checker) Reconcile(ctx context.Context, coll string) (int, error) {
	unlock := c.locks.lock(coll)
	defer unlock()
	return c.reconcileLocked(ctx, coll)
}

func (c *Checker) reconcileLocked(ctx context.Context, coll string) (int, error) {
	addr := model.CollectionAddress(c.db, coll)
	ctx, span := c.tracer.Start(ctx, spanCheck, trace.WithAttributes(
		attribute.String("flatsync.address", addr.String()),
	))
	defer span.End()

	n, err := c.reconcile(ctx, addr)
	span.SetAttributes(attribute.Int("flatsync.changes", n))
	if n > 0 {
		c.cntChanges.Add(ctx, int64(n))
	}
	if err != nil {
		span.RecordError(err)
		return n, fmt.Errorf("reconciling %s: %w", addr, err)
	}
	return n, nil
}

func (c *Checker) reconcile(ctx context.Context, addr model.Address) (int, error) {
	// Read the stamp before the contents: a write landing in between makes
	// the next check see the collection as stale again rather than lost.
	remoteStamp, ok, err := c.tracker.Read(ctx, addr)
	if err != nil {
		return 0, err
	}

	remote, listed, err := c.fetch(ctx, addr)
	if err != nil {
		return 0, err
	}
	local, err := c.store.Items(ctx, addr.Database, addr.Collection)
	if err != nil {
		return 0, err
	}
	localByKey := make(map[string]json.RawMessage, len(local))
	for _, it := range local {
		localByKey[it.Key] = it.Value
	}

	applied := 0
	keys := make([]string, 0, len(remote))
	for k := range remote {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		value := remote[key]
		if lv, ok := localByKey[key]; ok && model.ContentHash(lv) == model.ContentHash(value) {
			continue
		}
		item := model.ItemAddress(addr.Database, addr.Collection, key)
		done, err := c.store.ApplyRemote(ctx, item, value, false)
		if err != nil {
			return applied, err
		}
		if !done {
			c.log.Debug("remote change deferred to pending local write", "address", item.String())
			continue
		}
		applied++
		c.emit(Change{Address: item, Value: value})
	}

	for _, it := range local {
		if _, ok := remote[it.Key]; ok {
			continue
		}
		item := model.ItemAddress(addr.Database, addr.Collection, it.Key)
		done, err := c.store.ApplyRemote(ctx, item, nil, true)
		if err != nil {
			return applied, err
		}
		if !done {
			continue
		}
		applied++
		c.emit(Change{Address: item, Removed: true})
	}

	if ok {
		if err := c.store.SetKnownStamp(ctx, addr, remoteStamp); err != nil {
			return applied, err
		}
	}
	if err := c.store.SetKnownItemCount(ctx, addr, listed); err != nil {
		return applied, err
	}
	if applied > 0 {
		c.log.Info("applied remote changes", "collection", addr.String(), "changes", applied)
	}
	return applied, nil
}

// fetch lists and reads every item blob of a remote collection. listed is
// the number of item blobs in the listing, unreadable ones included.
func (c *Checker) fetch(ctx context.Context, addr model.Address) (items map[string]json.RawMessage, listed int, err error) {
	dir, err := c.mapper.ToPath(addr)
	if err != nil {
		return nil, 0, err
	}
	names, err := c.session.ListChildren(ctx, dir)
	if err != nil {
		return nil, 0, err
	}

	out := make(map[string]json.RawMessage, len(names))
	for _, name := range names {
		key, ok := tree.ItemKey(name)
		if !ok {
			continue
		}
		b, err := c.session.ReadBlob(ctx, append(dir[:len(dir):len(dir)], name))
		if errors.Is(err, provider.ErrNotFound) {
			// Deleted between list and read.
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		if !json.Valid(b) {
			c.log.Warn("skipping remote blob that is not JSON", "collection", addr.String(), "name", name)
			continue
		}
		out[key] = json.RawMessage(b)
	}
	return out, countItems(names), nil
}

// CheckAll runs one pass over every known collection of the database: the
// remote ones and the local ones. With marker stamps an unchanged database
// marker ends the pass early. It keeps going past failing collections and
// returns the first error, except that an auth failure aborts at once.
func (c *Checker) CheckAll(ctx context.Context) (int, error) {
	dbAddr := model.Address{Database: c.db}

	var dbStamp model.Stamp
	if !c.tracker.Native() {
		stale, s, err := c.IsStale(ctx, dbAddr)
		if err != nil {
			return 0, fmt.Errorf("checking %s: %w", dbAddr, err)
		}
		if !stale {
			c.log.Debug("database marker unchanged, skipping check", "database", c.db)
			return 0, nil
		}
		dbStamp = s
	}

	colls, err := c.collections(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	var firstErr error
	for _, coll := range colls {
		n, err := c.CheckCollection(ctx, coll)
		total += n
		if err == nil {
			continue
		}
		if errors.Is(err, provider.ErrAuth) || ctx.Err() != nil {
			return total, err
		}
		c.log.Error("consistency check failed", "collection", coll, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	if firstErr == nil && dbStamp != 0 {
		if err := c.store.SetKnownStamp(ctx, dbAddr, dbStamp); err != nil {
			return total, err
		}
	}
	return total, firstErr
}

// collections returns the union of remote and local collection names.
func (c *Checker) collections(ctx context.Context) ([]string, error) {
	dir, err := c.mapper.ToPath(model.Address{Database: c.db})
	if err != nil {
		return nil, err
	}
	names, err := c.session.ListChildren(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("listing remote collections: %w", err)
	}
	local, err := c.store.Collections(ctx, c.db)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []string
	for _, name := range append(names, local...) {
		// Markers, in-flight temp files and foreign names are not collections.
		if seen[name] || model.ValidateSegment(name) != nil {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	slices.Sort(out)
	return out, nil
}
