package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
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
	spanReplayItem  = "replay.item"
	metricApplied   = "flatsync.replay.applied"
	metricCoalesced = "flatsync.replay.coalesced"
	metricRetries   = "flatsync.replay.retries"
	metricFailures  = "flatsync.replay.failures"

	// DefaultCallTimeout bounds the remote calls of one replay step.
	DefaultCallTimeout = 30 * time.Second
)

// ErrReplayStopped is returned to waiters whose item was still queued when
// the session ended. The item stays in the history log.
var ErrReplayStopped = errors.New("replay stopped")

// ReplayOptions configures a [Replayer].
type ReplayOptions struct {
	Database    string
	CallTimeout time.Duration

	// OnAuthFailure is called from a replay worker when the remote rejects
	// the session's credentials. The worker has already stopped; the
	// callback must not block on the replayer.
	OnAuthFailure func(err error)

	// OnFatal is called when a collection halts on a permanent error.
	OnFatal func(addr model.Address, err error)

	// NewBackOff overrides the retry delay policy (tests).
	NewBackOff func() backoff.BackOff
}

// Replayer applies queued history items to the remote. Each collection has
// at most one worker; workers for different collections run concurrently.
type Replayer struct {
	store   StateStore
	session provider.Session
	mapper  tree.Mapper
	tracker *stamp.Tracker
	locks   *collectionLocks
	opts    ReplayOptions
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	stopping bool
	running  map[string]bool
	kicked   map[string]bool
	halted   map[string]error
	waiters  map[int64][]waiter

	tracer       trace.Tracer
	cntApplied   metric.Int64Counter
	cntCoalesced metric.Int64Counter
	cntRetries   metric.Int64Counter
	cntFailures  metric.Int64Counter
}

type waiter struct {
	coll string
	ch   chan error
}

// NewReplayer creates a Replayer bound to one login session.
func NewReplayer(store StateStore, session provider.Session, mapper tree.Mapper, tracker *stamp.Tracker, locks *collectionLocks, opts ReplayOptions, logger *slog.Logger) *Replayer {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}
	if opts.OnAuthFailure == nil {
		opts.OnAuthFailure = func(error) {}
	}
	if opts.OnFatal == nil {
		opts.OnFatal = func(model.Address, error) {}
	}
	if locks == nil {
		locks = newCollectionLocks()
	}

	ctx, cancel := context.WithCancel(context.Background())
	meter := otel.Meter(otelScope)
	return &Replayer{
		store:   store,
		session: session,
		mapper:  mapper,
		tracker: tracker,
		locks:   locks,
		opts:    opts,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]bool),
		kicked:  make(map[string]bool),
		halted:  make(map[string]error),
		waiters: make(map[int64][]waiter),

		tracer:       otel.Tracer(otelScope),
		cntApplied:   mustCounter(meter, logger, metricApplied, "History items applied to the remote"),
		cntCoalesced: mustCounter(meter, logger, metricCoalesced, "History items skipped because a newer item targets the same address"),
		cntRetries:   mustCounter(meter, logger, metricRetries, "Transient replay failures that were retried"),
		cntFailures:  mustCounter(meter, logger, metricFailures, "Permanent replay failures"),
	}
}

// defaultBackOff grows from 500ms, doubling up to one minute between tries.
func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = time.Minute
	return b
}

// Kick makes sure a worker is draining coll. It never blocks.
func (r *Replayer) Kick(coll string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopping || r.halted[coll] != nil {
		return
	}
	r.kicked[coll] = true
	if r.running[coll] {
		return
	}
	r.running[coll] = true
	r.wg.Add(1)
	go r.drain(coll)
}

// Halted returns the error that halted coll, or nil.
func (r *Replayer) Halted(coll string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halted[coll]
}

// Stop halts every worker at its next safe point, waits for them to exit and
// releases all waiters with [ErrReplayStopped]. The history log is left as is.
func (r *Replayer) Stop() {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ws := range r.waiters {
		for _, w := range ws {
			w.ch <- ErrReplayStopped
		}
		delete(r.waiters, id)
	}
}

// Wait blocks until the history item is no longer pending, its collection
// halts, replay stops, or ctx is done.
func (r *Replayer) Wait(ctx context.Context, item *model.HistoryItem) error {
	ch := make(chan error, 1)

	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return ErrReplayStopped
	}
	if err := r.halted[item.Collection]; err != nil {
		r.mu.Unlock()
		return err
	}
	r.waiters[item.ID] = append(r.waiters[item.ID], waiter{coll: item.Collection, ch: ch})
	r.mu.Unlock()

	// The worker may have flushed the item before we registered.
	pending, err := r.store.History(item.Database, item.Collection).Contains(ctx, item.ID)
	if err != nil {
		r.forget(item.ID, ch)
		return err
	}
	if !pending {
		r.forget(item.ID, ch)
		return nil
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		r.forget(item.ID, ch)
		return ctx.Err()
	}
}

// Flush waits until every item currently queued for coll is flushed.
func (r *Replayer) Flush(ctx context.Context, coll string) error {
	items, err := r.store.History(r.opts.Database, coll).All(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	r.Kick(coll)
	// Items replay in order, so the newest one is flushed last.
	return r.Wait(ctx, items[len(items)-1])
}

func (r *Replayer) forget(id int64, ch chan error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws := r.waiters[id]
	for i, w := range ws {
		if w.ch == ch {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(r.waiters, id)
	} else {
		r.waiters[id] = ws
	}
}

func (r *Replayer) resolve(id int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.waiters[id] {
		w.ch <- err
	}
	delete(r.waiters, id)
}

// halt stops coll for good in this session and fails its waiters.
func (r *Replayer) halt(coll string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halted[coll] = err
	for id, ws := range r.waiters {
		kept := ws[:0]
		for _, w := range ws {
			if w.coll == coll {
				w.ch <- err
				continue
			}
			kept = append(kept, w)
		}
		if len(kept) == 0 {
			delete(r.waiters, id)
		} else {
			r.waiters[id] = kept
		}
	}
}

// next clears the kick flag so a Kick arriving during the following peek is
// not lost, and reports whether the worker should keep going.
func (r *Replayer) next(coll string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping || r.halted[coll] != nil {
		r.running[coll] = false
		return false
	}
	r.kicked[coll] = false
	return true
}

// idle retires the worker unless a Kick arrived after the last peek.
func (r *Replayer) idle(coll string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kicked[coll] && !r.stopping {
		return false
	}
	r.running[coll] = false
	return true
}

// drain is the per-collection worker loop.
func (r *Replayer) drain(coll string) {
	defer r.wg.Done()

	log := r.log.With("collection", coll)
	bo := r.opts.NewBackOff()
	h := r.store.History(r.opts.Database, coll)

	for r.next(coll) {
		item, err := h.PeekOldest(r.ctx)
		if err == nil && item == nil {
			if r.idle(coll) {
				return
			}
			continue
		}
		if err == nil {
			err = r.step(log, item)
		}

		switch {
		case err == nil:
			bo.Reset()

		case r.ctx.Err() != nil:
			// Stopping; the item stays queued.

		case errors.Is(err, provider.ErrAuth):
			log.Warn("remote rejected credentials, stopping replay", "error", err)
			r.cntFailures.Add(r.ctx, 1, metric.WithAttributes(attribute.String("reason", "auth")))
			// The session is dead for every collection, not just this one.
			r.mu.Lock()
			r.running[coll] = false
			r.stopping = true
			r.mu.Unlock()
			r.cancel()
			r.opts.OnAuthFailure(err)
			return

		case isPermanent(err):
			addr := model.CollectionAddress(r.opts.Database, coll)
			if item != nil {
				addr = item.Address()
			}
			log.Error("replay halted on permanent error", "address", addr.String(), "error", err)
			r.cntFailures.Add(r.ctx, 1, metric.WithAttributes(attribute.String("reason", "permanent")))
			r.opts.OnFatal(addr, err)
			r.halt(coll, fmt.Errorf("replaying %s: %w", addr, err))

		default:
			delay := bo.NextBackOff()
			log.Warn("transient replay failure, retrying", "delay", delay, "error", err)
			r.cntRetries.Add(r.ctx, 1)
			select {
			case <-r.ctx.Done():
			case <-time.After(delay):
			}
		}
	}
}

// isPermanent reports whether retrying err cannot help.
func isPermanent(err error) bool {
	return errors.Is(err, model.ErrInvalidAddress) || !provider.IsTransient(err)
}

// step replays one item under the collection lock.
func (r *Replayer) step(log *slog.Logger, item *model.HistoryItem) error {
	unlock := r.locks.lock(item.Collection)
	defer unlock()

	// Re-check under the lock: Stop may have begun while we waited.
	if r.ctx.Err() != nil {
		return r.ctx.Err()
	}

	ctx, span := r.tracer.Start(r.ctx, spanReplayItem, trace.WithAttributes(
		attribute.String("flatsync.address", item.Address().String()),
		attribute.String("flatsync.op", string(item.Op.Kind())),
		attribute.Int64("flatsync.history_id", item.ID),
	))
	defer span.End()

	h := r.store.History(item.Database, item.Collection)

	newer, err := h.HasNewer(ctx, item)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if newer {
		if err := h.Remove(ctx, item.ID); err != nil {
			span.RecordError(err)
			return err
		}
		log.Debug("coalesced history item", "id", item.ID, "op", item.Op.Kind(), "key", model.OpKey(item.Op))
		r.cntCoalesced.Add(ctx, 1)
		r.resolve(item.ID, nil)
		return nil
	}

	collAddr := model.CollectionAddress(item.Database, item.Collection)

	// Remote calls are detached from session cancellation so a logout never
	// interrupts a write half-way; the timeout still bounds them.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.CallTimeout)
	defer cancel()

	before, _, err := r.tracker.Read(callCtx, collAddr)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := r.apply(callCtx, item); err != nil {
		span.RecordError(err)
		return err
	}
	if err := r.recordStamp(callCtx, collAddr, before); err != nil {
		span.RecordError(err)
		return err
	}

	if err := h.Remove(callCtx, item.ID); err != nil {
		span.RecordError(err)
		return err
	}
	log.Debug("replayed history item", "id", item.ID, "op", item.Op.Kind(), "key", model.OpKey(item.Op))
	r.cntApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("op", string(item.Op.Kind()))))
	r.resolve(item.ID, nil)
	return nil
}

// apply translates one operation into provider calls. Every translation is
// idempotent, so an item replayed twice after a crash leaves the same state.
func (r *Replayer) apply(ctx context.Context, item *model.HistoryItem) error {
	switch op := item.Op.(type) {
	case model.SetItem:
		p, err := r.mapper.ToPath(item.Address())
		if err != nil {
			return err
		}
		return r.session.WriteBlob(ctx, p, op.Value)

	case model.RemoveItem:
		p, err := r.mapper.ToPath(item.Address())
		if err != nil {
			return err
		}
		return r.deleteBlob(ctx, p)

	case model.Clear:
		dir, err := r.mapper.ToPath(model.CollectionAddress(item.Database, item.Collection))
		if err != nil {
			return err
		}
		names, err := r.session.ListChildren(ctx, dir)
		if err != nil {
			return err
		}
		for _, name := range names {
			if _, ok := tree.ItemKey(name); !ok {
				continue
			}
			if err := r.deleteBlob(ctx, append(dir[:len(dir):len(dir)], name)); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: unsupported operation %T", provider.ErrPermanent, item.Op)
}

func (r *Replayer) deleteBlob(ctx context.Context, p []string) error {
	err := r.session.DeleteBlob(ctx, p)
	if errors.Is(err, provider.ErrNotFound) {
		return nil
	}
	return err
}

// recordStamp advances the collection stamp after a remote mutation and
// remembers it as known, unless the remote had already moved past the known
// stamp before our write. In that case another writer changed the collection
// and the checker must still see it as stale.
func (r *Replayer) recordStamp(ctx context.Context, coll model.Address, before model.Stamp) error {
	known, err := r.store.KnownStamp(ctx, coll)
	if err != nil {
		return err
	}
	dbAddr := coll.Parent()
	var dbBefore, knownDB model.Stamp
	if !r.tracker.Native() {
		if dbBefore, _, err = r.tracker.Read(ctx, dbAddr); err != nil {
			return err
		}
		if knownDB, err = r.store.KnownStamp(ctx, dbAddr); err != nil {
			return err
		}
	}

	after, dbAfter, err := r.tracker.Touch(ctx, coll, max(known, before))
	if err != nil {
		return err
	}
	if !before.Newer(known) {
		if err := r.store.SetKnownStamp(ctx, coll, after); err != nil {
			return err
		}
	}
	if r.tracker.Native() || dbBefore.Newer(knownDB) {
		return nil
	}
	return r.store.SetKnownStamp(ctx, dbAddr, dbAfter)
}
